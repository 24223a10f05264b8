package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/metrics"
	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

// Reconciler issues gateway orders for appointments and applies verified
// confirmations at most once per appointment.
type Reconciler struct {
	repo     Repository
	gateways map[payment.GatewayName]payment.Gateway
	currency string
	timeout  time.Duration
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func NewReconciler(repo Repository, gateways []payment.Gateway, currency string, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *Reconciler {
	byName := make(map[payment.GatewayName]payment.Gateway, len(gateways))
	for _, g := range gateways {
		byName[g.Name()] = g
	}
	return &Reconciler{
		repo:     repo,
		gateways: byName,
		currency: currency,
		timeout:  timeout,
		log:      log.Named("reconciler"),
		metrics:  m,
	}
}

func (r *Reconciler) gateway(name payment.GatewayName) (payment.Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: gateway %q is not configured", payment.ErrGatewayError, name)
	}
	return g, nil
}

// Initiate creates a gateway order for appt and records its reference.
// Gateway calls are bounded by the configured timeout and not retried.
func (r *Reconciler) Initiate(ctx context.Context, appt *Appointment, name payment.GatewayName) (*payment.Order, error) {
	g, err := r.gateway(name)
	if err != nil {
		return nil, err
	}
	if err := appt.canInitiatePayment(); err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	order, err := g.CreateOrder(callCtx, payment.OrderRequest{
		AppointmentID: appt.ID.String(),
		Amount:        payment.MinorUnits(appt.Amount, r.currency),
		Currency:      r.currency,
		Description:   "Appointment with " + appt.DocSnapshot.Name,
	})
	cancel()
	r.metrics.GatewayLatency.WithLabelValues(string(name), "create_order").Observe(time.Since(start).Seconds())
	if err != nil {
		r.metrics.PaymentsInitiated.WithLabelValues(string(name), "gateway_error").Inc()
		r.log.Error("create gateway order failed",
			zap.String("gateway", string(name)),
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}

	if _, err := r.repo.RecordPaymentAttempt(ctx, appt.ID, name, order.Reference); err != nil {
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("record payment attempt: %w", err)
		}
		// The guard failed: re-read to report why.
		current, getErr := r.repo.GetAppointment(ctx, appt.ID)
		if getErr != nil {
			return nil, getErr
		}
		if err := current.canInitiatePayment(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("record payment attempt: %w", err)
	}

	r.metrics.PaymentsInitiated.WithLabelValues(string(name), "ok").Inc()
	r.log.Info("payment initiated",
		zap.String("gateway", string(name)),
		zap.String("appointment_id", appt.ID.String()),
		zap.String("reference", order.Reference),
	)
	return order, nil
}

// Confirm verifies cb with its gateway and marks the matching appointment
// paid. Repeated confirmations for a paid appointment succeed without
// further effect and report applied=false.
func (r *Reconciler) Confirm(ctx context.Context, cb payment.Callback) (appt *Appointment, applied bool, err error) {
	g, err := r.gateway(cb.Gateway)
	if err != nil {
		return nil, false, err
	}
	gw := string(cb.Gateway)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	start := time.Now()
	conf, err := g.Verify(callCtx, cb)
	cancel()
	r.metrics.GatewayLatency.WithLabelValues(gw, "verify").Observe(time.Since(start).Seconds())
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrEventIgnored):
			r.metrics.PaymentsConfirmed.WithLabelValues(gw, "ignored").Inc()
			r.log.Debug("payment event ignored", zap.String("gateway", gw), zap.Error(err))
		case errors.Is(err, payment.ErrSignatureInvalid), errors.Is(err, payment.ErrNotPaid):
			r.metrics.PaymentsConfirmed.WithLabelValues(gw, "rejected").Inc()
			r.log.Warn("payment confirmation rejected",
				zap.String("gateway", gw),
				zap.String("reason", err.Error()),
			)
		default:
			r.metrics.PaymentsConfirmed.WithLabelValues(gw, "gateway_error").Inc()
			r.log.Error("payment verification failed", zap.String("gateway", gw), zap.Error(err))
		}
		return nil, false, err
	}

	id, err := r.repo.FindPaymentAttempt(ctx, cb.Gateway, conf.Reference)
	if err != nil {
		if errors.Is(err, ErrUnknownReference) {
			r.metrics.PaymentsConfirmed.WithLabelValues(gw, "unknown_reference").Inc()
			r.log.Warn("payment confirmation for unknown reference",
				zap.String("gateway", gw),
				zap.String("reference", conf.Reference),
			)
		}
		return nil, false, err
	}

	if conf.AppointmentID != "" && conf.AppointmentID != id.String() {
		r.metrics.PaymentsConfirmed.WithLabelValues(gw, "rejected").Inc()
		r.log.Warn("payment confirmation names a different appointment",
			zap.String("gateway", gw),
			zap.String("reference", conf.Reference),
			zap.String("issued_for", id.String()),
			zap.String("claimed", conf.AppointmentID),
		)
		return nil, false, fmt.Errorf("%w: appointment mismatch", payment.ErrSignatureInvalid)
	}

	appt, applied, err = r.repo.MarkPaid(ctx, id, cb.Gateway, conf.Reference)
	if err != nil {
		return nil, false, fmt.Errorf("mark paid: %w", err)
	}

	if !applied {
		r.metrics.PaymentsConfirmed.WithLabelValues(gw, "duplicate").Inc()
		fields := []zap.Field{
			zap.String("gateway", gw),
			zap.String("appointment_id", id.String()),
			zap.String("reference", conf.Reference),
		}
		if appt.PaymentGateway != cb.Gateway || appt.PaymentGatewayRef != conf.Reference {
			// A second gateway also settled; flag it for refund.
			r.log.Warn("appointment already paid through another order", append(fields,
				zap.String("paid_gateway", string(appt.PaymentGateway)),
				zap.String("paid_reference", appt.PaymentGatewayRef))...)
		} else {
			r.log.Info("duplicate payment confirmation", fields...)
		}
		return appt, false, nil
	}

	r.metrics.PaymentsConfirmed.WithLabelValues(gw, "applied").Inc()
	if appt.Cancelled {
		r.log.Warn("payment settled for a cancelled appointment",
			zap.String("appointment_id", id.String()),
			zap.String("gateway", gw),
		)
	}
	r.log.Info("payment confirmed",
		zap.String("gateway", gw),
		zap.String("appointment_id", id.String()),
		zap.String("reference", conf.Reference),
		zap.String("payment_id", conf.PaymentID),
	)
	return appt, true, nil
}
