package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

type attemptKey struct {
	gateway payment.GatewayName
	ref     string
}

// MemoryRepository keeps everything in process behind one mutex. It backs
// STORE_DRIVER=memory and the tests.
type MemoryRepository struct {
	mu           sync.RWMutex
	now          func() time.Time
	lastCreated  time.Time
	patients     map[string]Patient
	doctors      map[string]Doctor
	appointments map[uuid.UUID]*Appointment
	attempts     map[attemptKey]uuid.UUID
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:          time.Now,
		patients:     make(map[string]Patient),
		doctors:      make(map[string]Doctor),
		appointments: make(map[uuid.UUID]*Appointment),
		attempts:     make(map[attemptKey]uuid.UUID),
	}
}

func (r *MemoryRepository) AddPatient(p Patient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patients[p.Ref] = p
}

func (r *MemoryRepository) AddDoctor(d Doctor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doctors[d.Ref] = d
}

// Events returns a copy of the event log.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EventLog(nil), r.events...)
}

func (r *MemoryRepository) GetPatient(_ context.Context, ref string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[ref]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetDoctor(_ context.Context, ref string) (*Doctor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.doctors[ref]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	return &d, nil
}

func (r *MemoryRepository) occupancyLocked(key SlotKey) int {
	n := 0
	for _, a := range r.appointments {
		if !a.Cancelled && a.Key() == key {
			n++
		}
	}
	return n
}

func (r *MemoryRepository) Admit(_ context.Context, na NewAppointment, capacity int) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := CheckAdmission(r.occupancyLocked(na.Key), capacity); err != nil {
		return nil, err
	}

	// Creation times are strictly increasing so ranking never depends on the tie-break.
	created := r.now()
	if !created.After(r.lastCreated) {
		created = r.lastCreated.Add(time.Nanosecond)
	}
	r.lastCreated = created

	a := &Appointment{
		ID:          uuid.New(),
		PatientRef:  na.PatientRef,
		DoctorRef:   na.Key.DoctorRef,
		SlotDate:    na.Key.Date,
		SlotTime:    na.Key.Time,
		CreatedAt:   created,
		UpdatedAt:   created,
		Amount:      na.Amount,
		DocSnapshot: na.DocSnapshot,
	}
	r.appointments[a.ID] = a

	out := *a
	return &out, nil
}

func (r *MemoryRepository) Occupancy(_ context.Context, key SlotKey) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.occupancyLocked(key), nil
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	out := *a
	return &out, nil
}

func (r *MemoryRepository) collect(match func(*Appointment) bool) []Appointment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Appointment
	for _, a := range r.appointments {
		if match(a) {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (r *MemoryRepository) ListByPatient(_ context.Context, patientRef string) ([]Appointment, error) {
	return r.collect(func(a *Appointment) bool { return a.PatientRef == patientRef }), nil
}

func (r *MemoryRepository) ListActiveInSlot(_ context.Context, key SlotKey) ([]Appointment, error) {
	return r.collect(func(a *Appointment) bool { return !a.Cancelled && a.Key() == key }), nil
}

func (r *MemoryRepository) ListActiveSlots(_ context.Context, from SlotDate) ([]SlotOccupancy, error) {
	r.mu.RLock()
	counts := make(map[SlotKey]int)
	for _, a := range r.appointments {
		if a.Cancelled || a.SlotDate.Before(from) {
			continue
		}
		counts[a.Key()]++
	}
	r.mu.RUnlock()

	result := make([]SlotOccupancy, 0, len(counts))
	for k, n := range counts {
		result = append(result, SlotOccupancy{Key: k, Occupancy: n})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key.String() < result[j].Key.String() })
	return result, nil
}

// update applies fn to the record when guard holds.
func (r *MemoryRepository) update(id uuid.UUID, guard func(*Appointment) bool, fn func(*Appointment)) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || !guard(a) {
		return nil, ErrAppointmentNotFound
	}
	fn(a)
	a.UpdatedAt = r.now()
	out := *a
	return &out, nil
}

func (r *MemoryRepository) MarkCancelled(_ context.Context, id uuid.UUID) (*Appointment, error) {
	return r.update(id,
		func(a *Appointment) bool { return !a.Terminal() },
		func(a *Appointment) { a.Cancelled = true })
}

func (r *MemoryRepository) MarkCompleted(_ context.Context, id uuid.UUID) (*Appointment, error) {
	return r.update(id,
		func(a *Appointment) bool { return !a.Terminal() },
		func(a *Appointment) { a.IsCompleted = true })
}

func (r *MemoryRepository) RecordPaymentAttempt(_ context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.Payment || a.Terminal() {
		return nil, ErrAppointmentNotFound
	}
	a.PaymentGateway = gateway
	a.PaymentGatewayRef = ref
	a.UpdatedAt = r.now()
	r.attempts[attemptKey{gateway: gateway, ref: ref}] = id

	out := *a
	return &out, nil
}

func (r *MemoryRepository) FindPaymentAttempt(_ context.Context, gateway payment.GatewayName, ref string) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.attempts[attemptKey{gateway: gateway, ref: ref}]
	if !ok {
		return uuid.Nil, ErrUnknownReference
	}
	return id, nil
}

func (r *MemoryRepository) MarkPaid(_ context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (*Appointment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, false, ErrAppointmentNotFound
	}
	applied := false
	if !a.Payment {
		a.Payment = true
		a.PaymentGateway = gateway
		a.PaymentGatewayRef = ref
		a.UpdatedAt = r.now()
		applied = true
	}
	out := *a
	return &out, applied, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev.ID = int64(len(r.events) + 1)
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	r.events = append(r.events, ev)
	return nil
}
