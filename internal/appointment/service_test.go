package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/config"
	"github.com/hackgods/clinic-queue-booking/internal/metrics"
	"github.com/hackgods/clinic-queue-booking/internal/payment"
	redisclient "github.com/hackgods/clinic-queue-booking/internal/redis"
)

var testNow = time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)

const (
	slotDate = "7_11_2025"
	slotTime = "14:30"
)

type fixture struct {
	svc  *Service
	repo *MemoryRepository
}

func newFixture(t *testing.T, gateways ...payment.Gateway) *fixture {
	t.Helper()

	repo := NewMemoryRepository()
	clock := testNow
	var mu sync.Mutex
	repo.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	for i := 1; i <= 30; i++ {
		repo.AddPatient(Patient{Ref: fmt.Sprintf("p%d", i), Name: fmt.Sprintf("Patient %d", i)})
	}
	repo.AddDoctor(Doctor{Ref: "doc-1", Name: "Dr. Mehta", Speciality: "General physician", Fees: 500, Available: true})
	repo.AddDoctor(Doctor{Ref: "doc-off", Name: "Dr. Off", Fees: 300, Available: false})

	log := zap.NewNop()
	m := metrics.New(prometheus.NewRegistry(), "test")
	rec := NewReconciler(repo, gateways, "INR", 50*time.Millisecond, log, m)
	svc := NewService(repo, redisclient.NewLocalSlotLocker(), rec, config.Config{Location: time.UTC}, log, m,
		WithClock(func() time.Time { return testNow }))

	return &fixture{svc: svc, repo: repo}
}

func (f *fixture) book(t *testing.T, patient string) *Appointment {
	t.Helper()
	appt, err := f.svc.CreateBooking(context.Background(), patient, "doc-1", slotDate, slotTime)
	if err != nil {
		t.Fatalf("book %s: %v", patient, err)
	}
	return appt
}

func (f *fixture) booking(t *testing.T, patient string, id uuid.UUID) *Booking {
	t.Helper()
	b, err := f.svc.GetBooking(context.Background(), id, patient)
	if err != nil {
		t.Fatalf("get booking: %v", err)
	}
	return b
}

func TestCreateBookingFillsSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= SlotCapacity; i++ {
		f.book(t, fmt.Sprintf("p%d", i))
	}

	_, err := f.svc.CreateBooking(ctx, "p11", "doc-1", slotDate, slotTime)
	if !errors.Is(err, ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull, got %v", err)
	}

	// a different slot of the same doctor is unaffected
	if _, err := f.svc.CreateBooking(ctx, "p11", "doc-1", slotDate, "15:00"); err != nil {
		t.Fatalf("expected neighbouring slot to admit, got %v", err)
	}
}

func TestCreateBookingEncodingsShareSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateBooking(ctx, "p1", "doc-1", "7_11_2025", "2:30 PM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := f.svc.CreateBooking(ctx, "p2", "doc-1", "2025-11-07", "14:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.Key() != b.Key() {
		t.Fatalf("expected one slot, got %s and %s", a.Key(), b.Key())
	}
	if got := f.booking(t, "p2", b.ID).Queue; got == nil || got.Position != 2 || got.TotalInSlot != 2 {
		t.Fatalf("expected second in a slot of two, got %+v", got)
	}
}

func TestCreateBookingRejects(t *testing.T) {
	tests := []struct {
		name    string
		patient string
		doctor  string
		date    string
		time    string
		wantErr error
	}{
		{name: "bad date", patient: "p1", doctor: "doc-1", date: "31_11_2025", time: slotTime, wantErr: ErrInvalidSlot},
		{name: "bad time", patient: "p1", doctor: "doc-1", date: slotDate, time: "half past two", wantErr: ErrInvalidSlot},
		{name: "past slot", patient: "p1", doctor: "doc-1", date: "2025-10-31", time: slotTime, wantErr: ErrInvalidSlot},
		{name: "slot already started", patient: "p1", doctor: "doc-1", date: "2025-11-01", time: "09:00", wantErr: ErrInvalidSlot},
		{name: "unavailable doctor", patient: "p1", doctor: "doc-off", date: slotDate, time: slotTime, wantErr: ErrInvalidSlot},
		{name: "unknown patient", patient: "ghost", doctor: "doc-1", date: slotDate, time: slotTime, wantErr: ErrPatientNotFound},
		{name: "unknown doctor", patient: "p1", doctor: "doc-x", date: slotDate, time: slotTime, wantErr: ErrDoctorNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.svc.CreateBooking(context.Background(), tt.patient, tt.doctor, tt.date, tt.time)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCreateBookingNotFoundIsGeneric(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateBooking(context.Background(), "ghost", "doc-1", slotDate, slotTime)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateBookingSnapshotsDoctor(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "p1")

	if appt.Amount != 500 || appt.DocSnapshot.Name != "Dr. Mehta" {
		t.Fatalf("unexpected appointment %+v", appt)
	}

	// later profile edits do not reach the booking
	f.repo.AddDoctor(Doctor{Ref: "doc-1", Name: "Dr. Renamed", Fees: 900, Available: true})
	got := f.booking(t, "p1", appt.ID)
	if got.DocSnapshot.Name != "Dr. Mehta" || got.Amount != 500 {
		t.Fatalf("snapshot changed: %+v", got.DocSnapshot)
	}
}

func TestConcurrentBookingNeverOverfills(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const callers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		full     int
		other    []error
	)
	for i := 1; i <= callers; i++ {
		wg.Add(1)
		go func(patient string) {
			defer wg.Done()
			_, err := f.svc.CreateBooking(ctx, patient, "doc-1", slotDate, slotTime)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, ErrSlotFull):
				full++
			default:
				other = append(other, err)
			}
		}(fmt.Sprintf("p%d", i))
	}
	wg.Wait()

	if len(other) > 0 {
		t.Fatalf("unexpected errors: %v", other)
	}
	if admitted != SlotCapacity || full != callers-SlotCapacity {
		t.Fatalf("expected %d admitted and %d full, got %d and %d", SlotCapacity, callers-SlotCapacity, admitted, full)
	}

	key, _ := ParseSlotKey("doc-1", slotDate, slotTime)
	n, _ := f.repo.Occupancy(ctx, key)
	if n != SlotCapacity {
		t.Fatalf("expected occupancy %d, got %d", SlotCapacity, n)
	}
}

func TestCancelMovesQueueUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appts := make([]*Appointment, 5)
	for i := range appts {
		appts[i] = f.book(t, fmt.Sprintf("p%d", i+1))
	}

	before := f.booking(t, "p4", appts[3].ID).Queue
	if before == nil || before.Position != 4 || before.PeopleAhead != 3 {
		t.Fatalf("expected position 4 before cancel, got %+v", before)
	}

	if err := f.svc.CancelBooking(ctx, appts[2].ID, "p3"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	after := f.booking(t, "p4", appts[3].ID).Queue
	want := QueuePosition{Position: 3, PeopleAhead: 2, TotalInSlot: 4}
	if after == nil || *after != want {
		t.Fatalf("expected %+v after cancel, got %+v", want, after)
	}

	cancelled := f.booking(t, "p3", appts[2].ID)
	if cancelled.Queue != nil || cancelled.State != StateCancelled {
		t.Fatalf("cancelled booking should have no queue position, got %+v", cancelled)
	}
}

func TestCancelFreesExactlyOneSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var first *Appointment
	for i := 1; i <= SlotCapacity; i++ {
		a := f.book(t, fmt.Sprintf("p%d", i))
		if i == 1 {
			first = a
		}
	}

	if err := f.svc.CancelBooking(ctx, first.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := f.svc.CreateBooking(ctx, "p11", "doc-1", slotDate, slotTime); err != nil {
		t.Fatalf("expected freed seat to admit, got %v", err)
	}
	if _, err := f.svc.CreateBooking(ctx, "p12", "doc-1", slotDate, slotTime); !errors.Is(err, ErrSlotFull) {
		t.Fatalf("expected ErrSlotFull, got %v", err)
	}
}

func TestCancelBookingGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, "p1")

	if err := f.svc.CancelBooking(ctx, appt.ID, "p2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := f.svc.CancelBooking(ctx, uuid.New(), "p1"); !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}

	if err := f.svc.CancelBooking(ctx, appt.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.svc.CancelBooking(ctx, appt.ID, "p1"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on second cancel, got %v", err)
	}

	done := f.book(t, "p2")
	if _, err := f.svc.CompleteBooking(ctx, done.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := f.svc.CancelBooking(ctx, done.ID, "p2"); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal after completion, got %v", err)
	}
	if _, err := f.svc.CompleteBooking(ctx, done.ID); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal on second completion, got %v", err)
	}
}

func TestCompletedLeavesQueueButKeepsSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var appts []*Appointment
	for i := 1; i <= SlotCapacity; i++ {
		appts = append(appts, f.book(t, fmt.Sprintf("p%d", i)))
	}

	if _, err := f.svc.CompleteBooking(ctx, appts[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	second := f.booking(t, "p2", appts[1].ID).Queue
	if second == nil || second.Position != 1 || second.TotalInSlot != SlotCapacity-1 {
		t.Fatalf("expected p2 at the front, got %+v", second)
	}

	if _, err := f.svc.CreateBooking(ctx, "p11", "doc-1", slotDate, slotTime); !errors.Is(err, ErrSlotFull) {
		t.Fatalf("completed visit should still hold its seat, got %v", err)
	}
}

func TestListBookingsMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.book(t, "p2")
	older := f.book(t, "p1")
	newer, err := f.svc.CreateBooking(ctx, "p1", "doc-1", "8_11_2025", "10:00")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	cancelled, err := f.svc.CreateBooking(ctx, "p1", "doc-1", "9_11_2025", "10:00")
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if err := f.svc.CancelBooking(ctx, cancelled.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	list, err := f.svc.ListBookings(ctx, "p1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 bookings, got %d", len(list))
	}

	if list[0].ID != cancelled.ID || list[1].ID != newer.ID || list[2].ID != older.ID {
		t.Fatalf("unexpected order: %v %v %v", list[0].ID, list[1].ID, list[2].ID)
	}
	if list[0].Queue != nil {
		t.Fatalf("cancelled booking should not carry a position")
	}
	if q := list[1].Queue; q == nil || q.Position != 1 || q.TotalInSlot != 1 {
		t.Fatalf("unexpected queue for newer booking: %+v", q)
	}
	if q := list[2].Queue; q == nil || q.Position != 2 || q.PeopleAhead != 1 {
		t.Fatalf("unexpected queue for older booking: %+v", q)
	}
}

func TestGetBookingOwnership(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "p1")

	if _, err := f.svc.GetBooking(context.Background(), appt.ID, "p2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestSlotOccupancy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.book(t, "p1")
	f.book(t, "p2")
	if _, err := f.svc.CreateBooking(ctx, "p3", "doc-1", slotDate, "16:00"); err != nil {
		t.Fatalf("book: %v", err)
	}

	slots, err := f.svc.SlotOccupancy(ctx)
	if err != nil {
		t.Fatalf("occupancy: %v", err)
	}
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if slots[0].Key.Time.String() != "14:30" || slots[0].Occupancy != 2 {
		t.Fatalf("unexpected first slot %+v", slots[0])
	}
	if slots[1].Key.Time.String() != "16:00" || slots[1].Occupancy != 1 {
		t.Fatalf("unexpected second slot %+v", slots[1])
	}
}

func TestServiceRecordsEvents(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "p1")
	if err := f.svc.CancelBooking(context.Background(), appt.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	events := f.repo.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].EventType != EventAppointmentCreated || events[1].EventType != EventAppointmentCancelled {
		t.Fatalf("unexpected events %s, %s", events[0].EventType, events[1].EventType)
	}
	if *events[1].AppointmentID != appt.ID {
		t.Fatalf("event not linked to appointment")
	}
}

func TestMemoryAdmitIsAtomicWithoutLock(t *testing.T) {
	repo := NewMemoryRepository()
	key, err := ParseSlotKey("doc-1", slotDate, slotTime)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}

	const callers = 40
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(patient string) {
			defer wg.Done()
			_, err := repo.Admit(context.Background(), NewAppointment{PatientRef: patient, Key: key, Amount: 500}, SlotCapacity)
			if err != nil && !errors.Is(err, ErrSlotFull) {
				t.Errorf("admit %s: %v", patient, err)
				return
			}
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(fmt.Sprintf("p%d", i))
	}
	wg.Wait()

	if admitted != SlotCapacity {
		t.Fatalf("expected %d admitted, got %d", SlotCapacity, admitted)
	}
	if n, _ := repo.Occupancy(context.Background(), key); n != SlotCapacity {
		t.Fatalf("expected occupancy %d, got %d", SlotCapacity, n)
	}
}

// contendedLocker never grants the lock.
type contendedLocker struct{}

func (contendedLocker) WithSlotLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

func TestCreateBookingLockContention(t *testing.T) {
	f := newFixture(t)
	f.svc.locker = contendedLocker{}

	_, err := f.svc.CreateBooking(context.Background(), "p1", "doc-1", slotDate, slotTime)
	if !errors.Is(err, ErrSlotBeingBooked) {
		t.Fatalf("expected ErrSlotBeingBooked, got %v", err)
	}
}
