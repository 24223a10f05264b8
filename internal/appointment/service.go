package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/config"
	"github.com/hackgods/clinic-queue-booking/internal/metrics"
	"github.com/hackgods/clinic-queue-booking/internal/payment"
	redisclient "github.com/hackgods/clinic-queue-booking/internal/redis"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventPaymentInitiated     = "PAYMENT_INITIATED"
	EventPaymentConfirmed     = "PAYMENT_CONFIRMED"
)

// Booking is an appointment as shown to its patient. Queue is set only
// while the appointment is waiting to be seen.
type Booking struct {
	Appointment
	State State
	Queue *QueuePosition
}

type Service struct {
	repo       Repository
	locker     redisclient.Locker
	capacity   CapacityModel
	reconciler *Reconciler
	loc        *time.Location
	now        func() time.Time
	log        *zap.Logger
	metrics    *metrics.Metrics
}

type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(repo Repository, locker redisclient.Locker, reconciler *Reconciler, cfg config.Config, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Service {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Service{
		repo:       repo,
		locker:     locker,
		capacity:   NewCapacityModel(repo),
		reconciler: reconciler,
		loc:        loc,
		now:        time.Now,
		log:        log.Named("appointment"),
		metrics:    m,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateBooking admits a patient into a doctor's slot.
// The per-slot lock keeps replicas from racing into the store; the store's
// admission is the atomic capacity check itself.
func (s *Service) CreateBooking(ctx context.Context, patientRef, doctorRef, rawDate, rawTime string) (*Appointment, error) {
	key, err := ParseSlotKey(doctorRef, rawDate, rawTime)
	if err != nil {
		s.reject("invalid_slot")
		return nil, err
	}
	if !key.StartsAt(s.loc).After(s.now()) {
		s.reject("invalid_slot")
		return nil, fmt.Errorf("%w: slot %s has already started", ErrInvalidSlot, key)
	}

	if _, err := s.repo.GetPatient(ctx, patientRef); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.reject("not_found")
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	doctor, err := s.repo.GetDoctor(ctx, key.DoctorRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.reject("not_found")
			return nil, err
		}
		return nil, fmt.Errorf("load doctor: %w", err)
	}
	if !doctor.Available {
		s.reject("invalid_slot")
		return nil, fmt.Errorf("%w: doctor %s is not taking bookings", ErrInvalidSlot, doctor.Ref)
	}

	// Full slots are turned away without taking the lock.
	if err := s.capacity.Admit(ctx, key); err != nil {
		if errors.Is(err, ErrSlotFull) {
			s.reject("slot_full")
			return nil, err
		}
		return nil, fmt.Errorf("check capacity: %w", err)
	}

	var created *Appointment

	err = s.locker.WithSlotLock(ctx, key.String(), func(lockCtx context.Context) error {
		appt, err := s.repo.Admit(lockCtx, NewAppointment{
			PatientRef:  patientRef,
			Key:         key,
			Amount:      doctor.Fees,
			DocSnapshot: doctor.Snapshot(),
		}, s.capacity.Capacity())
		if err != nil {
			return err
		}
		created = appt
		return nil
	})

	if err != nil {
		switch {
		case errors.Is(err, redisclient.ErrLockNotAcquired):
			s.reject("lock_contended")
			return nil, ErrSlotBeingBooked
		case errors.Is(err, ErrSlotFull):
			s.reject("slot_full")
			return nil, err
		}
		return nil, fmt.Errorf("admit appointment: %w", err)
	}

	s.metrics.BookingsCreated.Inc()
	s.logEvent(ctx, created.ID, EventAppointmentCreated, map[string]any{
		"patient_id": patientRef,
		"doctor_id":  key.DoctorRef,
		"slot_date":  key.Date.ISO(),
		"slot_time":  key.Time.String(),
	})

	return created, nil
}

func (s *Service) reject(reason string) {
	s.metrics.BookingsRejected.WithLabelValues(reason).Inc()
}

// loadOwned fetches an appointment and checks requesterRef owns it.
func (s *Service) loadOwned(ctx context.Context, id uuid.UUID, requesterRef string) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if appt.PatientRef != requesterRef {
		return nil, ErrForbidden
	}
	return appt, nil
}

// CancelBooking soft-cancels an appointment. Peers behind it move up on
// their next read.
func (s *Service) CancelBooking(ctx context.Context, id uuid.UUID, requesterRef string) error {
	appt, err := s.loadOwned(ctx, id, requesterRef)
	if err != nil {
		return err
	}
	if err := appt.canCancel(); err != nil {
		return err
	}

	if _, err := s.repo.MarkCancelled(ctx, id); err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			// lost a race with another terminal transition
			return ErrAlreadyTerminal
		}
		return fmt.Errorf("cancel appointment: %w", err)
	}

	s.metrics.Cancellations.Inc()
	s.logEvent(ctx, id, EventAppointmentCancelled, map[string]any{"requester": requesterRef})
	return nil
}

// CompleteBooking is the staff transition to Completed.
func (s *Service) CompleteBooking(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointment(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	if err := appt.canComplete(); err != nil {
		return nil, err
	}

	updated, err := s.repo.MarkCompleted(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrAlreadyTerminal
		}
		return nil, fmt.Errorf("complete appointment: %w", err)
	}

	s.metrics.Completions.Inc()
	s.logEvent(ctx, id, EventAppointmentCompleted, map[string]any{})
	return updated, nil
}

// ListBookings returns a patient's appointments most recent first, each
// waiting one carrying its live queue position.
func (s *Service) ListBookings(ctx context.Context, patientRef string) ([]Booking, error) {
	appts, err := s.repo.ListByPatient(ctx, patientRef)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}

	ranks := make(map[SlotKey]map[uuid.UUID]QueuePosition)
	bookings := make([]Booking, 0, len(appts))
	for _, a := range appts {
		b := Booking{Appointment: a, State: a.State()}
		if a.InQueue() {
			key := a.Key()
			slotRanks, ok := ranks[key]
			if !ok {
				slotRanks, err = s.rankSlot(ctx, key)
				if err != nil {
					return nil, err
				}
				ranks[key] = slotRanks
			}
			if pos, ok := slotRanks[a.ID]; ok {
				b.Queue = &pos
			}
		}
		bookings = append(bookings, b)
	}

	// Presentation order only; ranking above used creation order.
	sort.SliceStable(bookings, func(i, j int) bool {
		return bookings[i].CreatedAt.After(bookings[j].CreatedAt)
	})
	return bookings, nil
}

// GetBooking returns one appointment with its live queue position.
func (s *Service) GetBooking(ctx context.Context, id uuid.UUID, requesterRef string) (*Booking, error) {
	appt, err := s.loadOwned(ctx, id, requesterRef)
	if err != nil {
		return nil, err
	}

	b := &Booking{Appointment: *appt, State: appt.State()}
	if appt.InQueue() {
		slotRanks, err := s.rankSlot(ctx, appt.Key())
		if err != nil {
			return nil, err
		}
		if pos, ok := slotRanks[appt.ID]; ok {
			b.Queue = &pos
		}
	}
	return b, nil
}

func (s *Service) rankSlot(ctx context.Context, key SlotKey) (map[uuid.UUID]QueuePosition, error) {
	peers, err := s.repo.ListActiveInSlot(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list slot %s: %w", key, err)
	}
	return RankSlot(peers), nil
}

// InitiatePayment starts a payment for an appointment the requester owns.
func (s *Service) InitiatePayment(ctx context.Context, id uuid.UUID, requesterRef string, gateway payment.GatewayName) (*payment.Order, error) {
	appt, err := s.loadOwned(ctx, id, requesterRef)
	if err != nil {
		return nil, err
	}

	order, err := s.reconciler.Initiate(ctx, appt, gateway)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, id, EventPaymentInitiated, map[string]any{
		"gateway":   string(gateway),
		"reference": order.Reference,
		"amount":    order.Amount,
		"currency":  order.Currency,
	})
	return order, nil
}

// ConfirmPayment funnels a gateway callback into the reconciler.
func (s *Service) ConfirmPayment(ctx context.Context, cb payment.Callback) (*Appointment, error) {
	appt, applied, err := s.reconciler.Confirm(ctx, cb)
	if err != nil {
		return nil, err
	}
	if !applied {
		return appt, nil
	}

	s.logEvent(ctx, appt.ID, EventPaymentConfirmed, map[string]any{
		"gateway":   string(cb.Gateway),
		"reference": appt.PaymentGatewayRef,
	})
	return appt, nil
}

// SlotOccupancy reports every upcoming slot with at least one booking.
func (s *Service) SlotOccupancy(ctx context.Context) ([]SlotOccupancy, error) {
	today := SlotDateOf(s.now().In(s.loc))
	slots, err := s.repo.ListActiveSlots(ctx, today)
	if err != nil {
		return nil, fmt.Errorf("list active slots: %w", err)
	}
	return slots, nil
}

// Capacity is the per-slot booking limit.
func (s *Service) Capacity() int { return s.capacity.Capacity() }

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("failed to marshal event payload", zap.String("event", eventType), zap.Error(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error("failed to insert event log",
			zap.String("event", eventType),
			zap.String("appointment_id", appointmentID.String()),
			zap.Error(err),
		)
	}
}
