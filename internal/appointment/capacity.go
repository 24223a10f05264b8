package appointment

import (
	"context"
	"fmt"
)

// SlotCapacity is the number of non-cancelled bookings a slot holds.
const SlotCapacity = 10

// CheckAdmission decides whether one more booking fits. Stores call it
// inside the same atomic unit as the insert.
func CheckAdmission(occupancy, capacity int) error {
	if occupancy >= capacity {
		return fmt.Errorf("%w: %d of %d taken", ErrSlotFull, occupancy, capacity)
	}
	return nil
}

type occupancyReader interface {
	Occupancy(ctx context.Context, key SlotKey) (int, error)
}

// CapacityModel answers occupancy questions for read paths.
type CapacityModel struct {
	repo     occupancyReader
	capacity int
}

func NewCapacityModel(repo occupancyReader) CapacityModel {
	return CapacityModel{repo: repo, capacity: SlotCapacity}
}

func (m CapacityModel) Capacity() int { return m.capacity }

func (m CapacityModel) Occupancy(ctx context.Context, key SlotKey) (int, error) {
	n, err := m.repo.Occupancy(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("slot occupancy: %w", err)
	}
	return n, nil
}

// Admit reports whether key currently has room. It is advisory; the
// authoritative check runs inside the store's admission.
func (m CapacityModel) Admit(ctx context.Context, key SlotKey) error {
	n, err := m.Occupancy(ctx, key)
	if err != nil {
		return err
	}
	return CheckAdmission(n, m.capacity)
}
