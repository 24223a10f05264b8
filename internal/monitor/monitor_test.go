package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/metrics"
)

type fakeSource struct {
	slots []appointment.SlotOccupancy
	err   error
}

func (f *fakeSource) SlotOccupancy(context.Context) ([]appointment.SlotOccupancy, error) {
	return f.slots, f.err
}

func (f *fakeSource) Capacity() int { return appointment.SlotCapacity }

func slot(t *testing.T, doctor, date, tm string, n int) appointment.SlotOccupancy {
	t.Helper()
	key, err := appointment.ParseSlotKey(doctor, date, tm)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	return appointment.SlotOccupancy{Key: key, Occupancy: n}
}

func TestRunOncePublishesOccupancy(t *testing.T) {
	src := &fakeSource{slots: []appointment.SlotOccupancy{
		slot(t, "doc-1", "2025-11-07", "14:30", 10),
		slot(t, "doc-1", "2025-11-07", "15:00", 3),
	}}
	m := metrics.New(prometheus.NewRegistry(), "test")
	mon := New(src, m, zap.NewNop(), time.Second)

	full, err := mon.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if full != 1 {
		t.Fatalf("expected 1 full slot, got %d", full)
	}
	if got := testutil.ToFloat64(m.SlotOccupancy.WithLabelValues("doc-1", "2025-11-07", "15:00")); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}

	// the full slot drains; its series must not linger
	src.slots = src.slots[1:]
	if _, err := mon.RunOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := testutil.CollectAndCount(m.SlotOccupancy); n != 1 {
		t.Fatalf("expected 1 series after reset, got %d", n)
	}
}

func TestRunOnceError(t *testing.T) {
	src := &fakeSource{err: errors.New("store down")}
	m := metrics.New(prometheus.NewRegistry(), "test")
	mon := New(src, m, zap.NewNop(), time.Second)

	mon.runOnce(context.Background())
	if got := testutil.ToFloat64(m.QueueMonitorRuns.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected one failed run, got %v", got)
	}
}
