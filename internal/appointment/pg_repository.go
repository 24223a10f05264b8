package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const apptCols = `id, patient_id, doctor_id, slot_date, slot_time, created_at, updated_at,
	cancelled, is_completed, payment, payment_gateway, payment_gateway_ref, amount, doc_snapshot`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a        Appointment
		slotDate time.Time
		slotTime int
		gateway  *string
		ref      *string
		snapshot []byte
	)

	err := row.Scan(
		&a.ID,
		&a.PatientRef,
		&a.DoctorRef,
		&slotDate,
		&slotTime,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.Cancelled,
		&a.IsCompleted,
		&a.Payment,
		&gateway,
		&ref,
		&a.Amount,
		&snapshot,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.SlotDate = SlotDateOf(slotDate)
	a.SlotTime = SlotTime(slotTime)
	if gateway != nil {
		a.PaymentGateway = payment.GatewayName(*gateway)
	}
	if ref != nil {
		a.PaymentGatewayRef = *ref
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &a.DocSnapshot); err != nil {
			return nil, fmt.Errorf("decode doc snapshot: %w", err)
		}
	}
	return &a, nil
}

func scanAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// pgDate carries a slot date into a DATE column.
func pgDate(d SlotDate) time.Time { return d.Midnight(time.UTC) }

// Interface methods

func (r *PgRepository) GetPatient(ctx context.Context, ref string) (*Patient, error) {
	var p Patient
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, email
		FROM patients
		WHERE id = $1
	`, ref).Scan(&p.Ref, &p.Name, &p.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) GetDoctor(ctx context.Context, ref string) (*Doctor, error) {
	var (
		d       Doctor
		address []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, COALESCE(speciality, ''), COALESCE(address, 'null'::jsonb), COALESCE(image, ''), fees, available
		FROM doctors
		WHERE id = $1
	`, ref).Scan(&d.Ref, &d.Name, &d.Speciality, &address, &d.Image, &d.Fees, &d.Available)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	// address is jsonb holding either a string or {line1, line2}
	v, err := DecodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("doctor %s: %w", ref, err)
	}
	d.Address = v.Normalize()
	return &d, nil
}

// Admit serialises admissions per slot with a transaction scoped advisory
// lock, then counts and inserts under it.
func (r *PgRepository) Admit(ctx context.Context, na NewAppointment, capacity int) (*Appointment, error) {
	snapshot, err := json.Marshal(na.DocSnapshot)
	if err != nil {
		return nil, fmt.Errorf("encode doc snapshot: %w", err)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, na.Key.String()); err != nil {
		return nil, fmt.Errorf("lock slot: %w", err)
	}

	var occupancy int
	err = tx.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE doctor_id = $1 AND slot_date = $2 AND slot_time = $3 AND NOT cancelled
	`, na.Key.DoctorRef, pgDate(na.Key.Date), int(na.Key.Time)).Scan(&occupancy)
	if err != nil {
		return nil, fmt.Errorf("count slot: %w", err)
	}
	if err := CheckAdmission(occupancy, capacity); err != nil {
		return nil, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, slot_date, slot_time, created_at, updated_at,
			cancelled, is_completed, payment, amount, doc_snapshot)
		VALUES ($1, $2, $3, $4, $5, clock_timestamp(), clock_timestamp(), false, false, false, $6, $7)
		RETURNING `+apptCols,
		uuid.New(), na.PatientRef, na.Key.DoctorRef, pgDate(na.Key.Date), int(na.Key.Time), na.Amount, snapshot)

	a, err := scanAppointment(row)
	if err != nil {
		return nil, fmt.Errorf("insert appointment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *PgRepository) Occupancy(ctx context.Context, key SlotKey) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments
		WHERE doctor_id = $1 AND slot_date = $2 AND slot_time = $3 AND NOT cancelled
	`, key.DoctorRef, pgDate(key.Date), int(key.Time)).Scan(&n)
	return n, err
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListByPatient(ctx context.Context, patientRef string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptCols+`
		FROM appointments
		WHERE patient_id = $1
		ORDER BY created_at, id
	`, patientRef)
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) ListActiveInSlot(ctx context.Context, key SlotKey) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptCols+`
		FROM appointments
		WHERE doctor_id = $1 AND slot_date = $2 AND slot_time = $3 AND NOT cancelled
		ORDER BY created_at, id
	`, key.DoctorRef, pgDate(key.Date), int(key.Time))
	if err != nil {
		return nil, err
	}
	return scanAppointments(rows)
}

func (r *PgRepository) ListActiveSlots(ctx context.Context, from SlotDate) ([]SlotOccupancy, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT doctor_id, slot_date, slot_time, count(*)
		FROM appointments
		WHERE NOT cancelled AND slot_date >= $1
		GROUP BY doctor_id, slot_date, slot_time
		ORDER BY slot_date, slot_time, doctor_id
	`, pgDate(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SlotOccupancy
	for rows.Next() {
		var (
			so       SlotOccupancy
			slotDate time.Time
			slotTime int
		)
		if err := rows.Scan(&so.Key.DoctorRef, &slotDate, &slotTime, &so.Occupancy); err != nil {
			return nil, err
		}
		so.Key.Date = SlotDateOf(slotDate)
		so.Key.Time = SlotTime(slotTime)
		result = append(result, so)
	}
	return result, rows.Err()
}

func (r *PgRepository) MarkCancelled(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET cancelled = true,
		    updated_at = now()
		WHERE id = $1
		  AND NOT cancelled
		  AND NOT is_completed
		RETURNING `+apptCols, id)
	return scanAppointment(row)
}

func (r *PgRepository) MarkCompleted(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET is_completed = true,
		    updated_at = now()
		WHERE id = $1
		  AND NOT cancelled
		  AND NOT is_completed
		RETURNING `+apptCols, id)
	return scanAppointment(row)
}

func (r *PgRepository) RecordPaymentAttempt(ctx context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (*Appointment, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET payment_gateway = $2,
		    payment_gateway_ref = $3,
		    updated_at = now()
		WHERE id = $1
		  AND NOT payment
		  AND NOT cancelled
		  AND NOT is_completed
		RETURNING `+apptCols, id, string(gateway), ref)
	a, err := scanAppointment(row)
	if err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO payment_attempts (gateway, reference, appointment_id, created_at)
		VALUES ($1, $2, $3, now())
	`, string(gateway), ref, id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("payment reference %s/%s already issued", gateway, ref)
		}
		return nil, fmt.Errorf("insert payment attempt: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (r *PgRepository) FindPaymentAttempt(ctx context.Context, gateway payment.GatewayName, ref string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `
		SELECT appointment_id
		FROM payment_attempts
		WHERE gateway = $1 AND reference = $2
	`, string(gateway), ref).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrUnknownReference
		}
		return uuid.Nil, err
	}
	return id, nil
}

// MarkPaid is a compare-and-set on payment.
func (r *PgRepository) MarkPaid(ctx context.Context, id uuid.UUID, gateway payment.GatewayName, ref string) (*Appointment, bool, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET payment = true,
		    payment_gateway = $2,
		    payment_gateway_ref = $3,
		    updated_at = now()
		WHERE id = $1
		  AND NOT payment
		RETURNING `+apptCols, id, string(gateway), ref)
	a, err := scanAppointment(row)
	if err == nil {
		return a, true, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, false, err
	}

	// Either already paid or missing.
	a, err = r.GetAppointment(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return a, false, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
