package appointment

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

type Patient struct {
	Ref   string
	Name  string
	Email *string
}

// Address is the canonical doctor address.
type Address struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

// AddressVariant is one of the shapes addresses are stored in. The set is
// closed: AddressAsLines and AddressAsObject.
type AddressVariant interface {
	Normalize() Address
	isAddressVariant()
}

// AddressAsLines is free text, one line per row.
type AddressAsLines string

// AddressAsObject is the structured {line1, line2} form.
type AddressAsObject struct {
	Line1 string `json:"line1"`
	Line2 string `json:"line2"`
}

func (a AddressAsLines) Normalize() Address {
	var lines []string
	for _, l := range strings.Split(string(a), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	var out Address
	if len(lines) > 0 {
		out.Line1 = lines[0]
	}
	if len(lines) > 1 {
		out.Line2 = strings.Join(lines[1:], ", ")
	}
	return out
}

func (a AddressAsObject) Normalize() Address {
	return Address{Line1: strings.TrimSpace(a.Line1), Line2: strings.TrimSpace(a.Line2)}
}

func (AddressAsLines) isAddressVariant()  {}
func (AddressAsObject) isAddressVariant() {}

// DecodeAddress reads either JSON variant.
func DecodeAddress(raw []byte) (AddressVariant, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case trimmed == "" || trimmed == "null":
		return AddressAsObject{}, nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("decode address lines: %w", err)
		}
		return AddressAsLines(s), nil
	case strings.HasPrefix(trimmed, "{"):
		var o AddressAsObject
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("decode address object: %w", err)
		}
		return o, nil
	}
	return nil, fmt.Errorf("decode address: unsupported shape %.20q", trimmed)
}

// UnmarshalJSON normalizes whichever variant was stored.
func (a *Address) UnmarshalJSON(raw []byte) error {
	v, err := DecodeAddress(raw)
	if err != nil {
		return err
	}
	*a = v.Normalize()
	return nil
}

type Doctor struct {
	Ref        string
	Name       string
	Speciality string
	Address    Address
	Image      string
	// Fees is in the currency's major unit.
	Fees      int64
	Available bool
}

// DoctorSnapshot is the doctor display data copied onto an appointment at
// booking time. Later profile edits do not touch it.
type DoctorSnapshot struct {
	Name       string  `json:"name"`
	Speciality string  `json:"speciality"`
	Address    Address `json:"address"`
	Image      string  `json:"image"`
	Fees       int64   `json:"fees"`
}

func (d *Doctor) Snapshot() DoctorSnapshot {
	return DoctorSnapshot{
		Name:       d.Name,
		Speciality: d.Speciality,
		Address:    d.Address,
		Image:      d.Image,
		Fees:       d.Fees,
	}
}

type Appointment struct {
	ID          uuid.UUID
	PatientRef  string
	DoctorRef   string
	SlotDate    SlotDate
	SlotTime    SlotTime
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Cancelled   bool
	IsCompleted bool
	Payment     bool
	// PaymentGateway and PaymentGatewayRef hold the latest issued order.
	PaymentGateway    payment.GatewayName
	PaymentGatewayRef string
	// Amount is the fee in the currency's major unit.
	Amount      int64
	DocSnapshot DoctorSnapshot
}

func (a *Appointment) Key() SlotKey {
	return SlotKey{DoctorRef: a.DoctorRef, Date: a.SlotDate, Time: a.SlotTime}
}

// NewAppointment is the input to an admission.
type NewAppointment struct {
	PatientRef  string
	Key         SlotKey
	Amount      int64
	DocSnapshot DoctorSnapshot
}

// SlotOccupancy is a slot with its count of non-cancelled appointments.
type SlotOccupancy struct {
	Key       SlotKey
	Occupancy int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
