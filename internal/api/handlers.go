package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/appointment"
	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

const maxWebhookBody = 1 << 16

func requester(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := IdentityFrom(r.Context())
	if !ok || id.Role != RolePatient {
		writeError(w, http.StatusUnauthorized, "unauthorized", "patient authentication required")
		return "", false
	}
	return id.Subject, true
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func createBookingHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef, ok := requester(w, r)
		if !ok {
			return
		}

		var req CreateBookingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		appt, err := svc.CreateBooking(r.Context(), patientRef, req.DoctorID, req.SlotDate, req.SlotTime)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		writeJSON(w, http.StatusCreated, CreateBookingResponse{
			AppointmentID: appt.ID,
			DoctorID:      appt.DoctorRef,
			SlotDate:      appt.SlotDate.ISO(),
			SlotTime:      appt.SlotTime.String(),
			Amount:        appt.Amount,
		})
	}
}

func cancelBookingHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef, ok := requester(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		if err := svc.CancelBooking(r.Context(), id, patientRef); err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
	}
}

func listBookingsHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef, ok := requester(w, r)
		if !ok {
			return
		}

		bookings, err := svc.ListBookings(r.Context(), patientRef)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}

		resp := ListBookingsResponse{Appointments: make([]BookingResponse, 0, len(bookings))}
		for _, b := range bookings {
			resp.Appointments = append(resp.Appointments, toBookingResponse(b))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getBookingHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef, ok := requester(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		b, err := svc.GetBooking(r.Context(), id, patientRef)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingResponse(*b))
	}
}

func completeBookingHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		appt, err := svc.CompleteBooking(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toBookingResponse(appointment.Booking{Appointment: *appt, State: appt.State()}))
	}
}

func initiatePaymentHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		patientRef, ok := requester(w, r)
		if !ok {
			return
		}
		id, ok := appointmentID(w, r)
		if !ok {
			return
		}

		var req InitiatePaymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		gateway, ok := payment.ParseGatewayName(req.Gateway)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid_gateway", "gateway must be stripe or razorpay")
			return
		}

		order, err := svc.InitiatePayment(r.Context(), id, patientRef, gateway)
		if err != nil {
			writeServiceError(w, r, log, err)
			return
		}
		writeJSON(w, http.StatusOK, order)
	}
}

func stripeConfirmHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StripeConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		confirmClient(w, r, svc, log, payment.Callback{
			Gateway: payment.Stripe,
			Kind:    payment.CallbackClient,
			Fields:  map[string]string{"session_id": req.SessionID},
		})
	}
}

func razorpayConfirmHandler(svc *appointment.Service, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RazorpayConfirmRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		confirmClient(w, r, svc, log, payment.Callback{
			Gateway: payment.Razorpay,
			Kind:    payment.CallbackClient,
			Fields: map[string]string{
				"razorpay_order_id":   req.OrderID,
				"razorpay_payment_id": req.PaymentID,
				"razorpay_signature":  req.Signature,
			},
		})
	}
}

func confirmClient(w http.ResponseWriter, r *http.Request, svc *appointment.Service, log *zap.Logger, cb payment.Callback) {
	appt, err := svc.ConfirmPayment(r.Context(), cb)
	if err != nil {
		writeServiceError(w, r, log, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentConfirmedResponse{Success: true, AppointmentID: appt.ID})
}

// webhookHandler acknowledges everything the gateway should not redeliver.
// Only unverifiable bodies and our own transient failures get a non-2xx.
func webhookHandler(svc *appointment.Service, log *zap.Logger, gateway payment.GatewayName, signatureHeader string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not read body")
			return
		}

		_, err = svc.ConfirmPayment(r.Context(), payment.Callback{
			Gateway:   gateway,
			Kind:      payment.CallbackWebhook,
			Body:      body,
			Signature: r.Header.Get(signatureHeader),
		})

		switch {
		case err == nil,
			errors.Is(err, payment.ErrEventIgnored),
			errors.Is(err, payment.ErrNotPaid),
			errors.Is(err, appointment.ErrUnknownReference):
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		default:
			writeServiceError(w, r, log, err)
		}
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, appointment.ErrInvalidSlot):
		writeError(w, http.StatusBadRequest, "invalid_slot", err.Error())
	case errors.Is(err, appointment.ErrSlotFull):
		writeError(w, http.StatusConflict, "slot_full", "this slot is fully booked")
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, appointment.ErrDoctorNotFound):
		writeError(w, http.StatusNotFound, "doctor_not_found", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", "appointment not found")
	case errors.Is(err, appointment.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "appointment belongs to another patient")
	case errors.Is(err, appointment.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, "already_terminal", "appointment is already cancelled or completed")
	case errors.Is(err, appointment.ErrAlreadyPaid):
		writeError(w, http.StatusConflict, "already_paid", "appointment is already paid")
	case errors.Is(err, appointment.ErrUnknownReference),
		errors.Is(err, payment.ErrSignatureInvalid),
		errors.Is(err, payment.ErrNotPaid),
		errors.Is(err, payment.ErrEventIgnored):
		// indistinguishable so callers cannot probe references
		writeError(w, http.StatusBadRequest, "payment_verification_failed", "payment could not be verified")
	case errors.Is(err, payment.ErrGatewayTimeout):
		writeError(w, http.StatusGatewayTimeout, "gateway_timeout", "payment gateway did not respond in time")
	case errors.Is(err, payment.ErrGatewayError):
		writeError(w, http.StatusBadGateway, "gateway_error", "payment gateway is unavailable")
	default:
		log.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", GetRequestID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
