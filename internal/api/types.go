package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
)

type CreateBookingRequest struct {
	DoctorID string `json:"doctor_id"`
	SlotDate string `json:"slot_date"`
	SlotTime string `json:"slot_time"`
}

type CreateBookingResponse struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	DoctorID      string    `json:"doctor_id"`
	SlotDate      string    `json:"slot_date"`
	SlotTime      string    `json:"slot_time"`
	Amount        int64     `json:"amount"`
}

type InitiatePaymentRequest struct {
	Gateway string `json:"gateway"`
}

type StripeConfirmRequest struct {
	SessionID string `json:"session_id"`
}

type RazorpayConfirmRequest struct {
	OrderID   string `json:"razorpay_order_id"`
	PaymentID string `json:"razorpay_payment_id"`
	Signature string `json:"razorpay_signature"`
}

type PaymentConfirmedResponse struct {
	Success       bool      `json:"success"`
	AppointmentID uuid.UUID `json:"appointment_id"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

// BookingResponse is one appointment as the patient sees it. The queue
// fields are present only while the appointment is waiting.
type BookingResponse struct {
	ID          uuid.UUID                  `json:"id"`
	DoctorID    string                     `json:"doctor_id"`
	SlotDate    string                     `json:"slot_date"`
	SlotTime    string                     `json:"slot_time"`
	State       string                     `json:"state"`
	Cancelled   bool                       `json:"cancelled"`
	Payment     bool                       `json:"payment"`
	IsCompleted bool                       `json:"is_completed"`
	Amount      int64                      `json:"amount"`
	Doctor      appointment.DoctorSnapshot `json:"doctor"`
	CreatedAt   time.Time                  `json:"created_at"`
	*appointment.QueuePosition
}

type ListBookingsResponse struct {
	Appointments []BookingResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toBookingResponse(b appointment.Booking) BookingResponse {
	return BookingResponse{
		ID:            b.ID,
		DoctorID:      b.DoctorRef,
		SlotDate:      b.SlotDate.ISO(),
		SlotTime:      b.SlotTime.String(),
		State:         string(b.State),
		Cancelled:     b.Cancelled,
		Payment:       b.Payment,
		IsCompleted:   b.IsCompleted,
		Amount:        b.Amount,
		Doctor:        b.DocSnapshot,
		CreatedAt:     b.CreatedAt,
		QueuePosition: b.Queue,
	}
}
