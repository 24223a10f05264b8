package appointment

import (
	"errors"
	"fmt"
)

var (
	ErrSlotFull         = errors.New("slot is full")
	ErrInvalidSlot      = errors.New("invalid slot")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyTerminal  = errors.New("appointment is already cancelled or completed")
	ErrAlreadyPaid      = errors.New("appointment is already paid")
	ErrUnknownReference = errors.New("unknown payment reference")
	ErrForbidden        = errors.New("requester does not own this appointment")
	ErrSlotBeingBooked  = errors.New("slot is currently being booked, please retry")
)

var (
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrDoctorNotFound      = fmt.Errorf("doctor %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
)
