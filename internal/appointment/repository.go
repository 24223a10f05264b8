package appointment

import (
	"context"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

// Repository contains all store interactions needed by the service.
//
// Conditional updates (MarkCancelled, MarkCompleted, RecordPaymentAttempt)
// return ErrAppointmentNotFound when no row matched their guard; callers
// re-read to tell a missing record from a concurrent transition.
type Repository interface {
	// External account collaborators
	GetPatient(ctx context.Context, ref string) (*Patient, error)
	GetDoctor(ctx context.Context, ref string) (*Doctor, error)

	// Admit counts non-cancelled appointments in the slot and inserts the
	// new one as a single atomic unit. Fails with ErrSlotFull.
	Admit(ctx context.Context, na NewAppointment, capacity int) (*Appointment, error)
	Occupancy(ctx context.Context, key SlotKey) (int, error)

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListByPatient(ctx context.Context, patientRef string) ([]Appointment, error)
	// ListActiveInSlot returns the slot's non-cancelled appointments.
	ListActiveInSlot(ctx context.Context, key SlotKey) ([]Appointment, error)
	ListActiveSlots(ctx context.Context, from SlotDate) ([]SlotOccupancy, error)

	MarkCancelled(ctx context.Context, id uuid.UUID) (*Appointment, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Payment
	RecordPaymentAttempt(ctx context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (*Appointment, error)
	// FindPaymentAttempt resolves a reference issued by gateway. Fails with ErrUnknownReference.
	FindPaymentAttempt(ctx context.Context, gateway payment.GatewayName, ref string) (uuid.UUID, error)
	// MarkPaid flips payment false->true. applied is false when it was already true.
	MarkPaid(ctx context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (appt *Appointment, applied bool, err error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
