package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-queue-booking/internal/metrics"
	"github.com/hackgods/clinic-queue-booking/internal/payment"
)

// fakeGateway issues sequential references and confirms whatever
// reference the callback carries in Fields["ref"].
type fakeGateway struct {
	name      payment.GatewayName
	prefix    string
	delay     time.Duration
	verifyErr error
	echoAppt  string

	mu   sync.Mutex
	seq  int
	reqs []payment.OrderRequest
}

func (g *fakeGateway) Name() payment.GatewayName { return g.name }

func (g *fakeGateway) CreateOrder(ctx context.Context, req payment.OrderRequest) (*payment.Order, error) {
	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, payment.ErrGatewayTimeout
		case <-time.After(g.delay):
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.reqs = append(g.reqs, req)
	return &payment.Order{
		Gateway:   g.name,
		Reference: g.prefix + string(rune('0'+g.seq)),
		Amount:    req.Amount,
		Currency:  req.Currency,
	}, nil
}

func (g *fakeGateway) Verify(_ context.Context, cb payment.Callback) (*payment.Confirmation, error) {
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	return &payment.Confirmation{Reference: cb.Fields["ref"], PaymentID: "pay_1", AppointmentID: g.echoAppt}, nil
}

func callback(gw payment.GatewayName, ref string) payment.Callback {
	return payment.Callback{Gateway: gw, Kind: payment.CallbackClient, Fields: map[string]string{"ref": ref}}
}

func TestInitiatePaymentChargesFeeInMinorUnits(t *testing.T) {
	stripe := &fakeGateway{name: payment.Stripe, prefix: "cs_"}
	f := newFixture(t, stripe)
	appt := f.book(t, "p1")

	order, err := f.svc.InitiatePayment(context.Background(), appt.ID, "p1", payment.Stripe)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if order.Amount != 50000 || order.Currency != "INR" {
		t.Fatalf("unexpected order %+v", order)
	}
	if stripe.reqs[0].AppointmentID != appt.ID.String() {
		t.Fatalf("order not tied to appointment: %+v", stripe.reqs[0])
	}

	got, _ := f.repo.GetAppointment(context.Background(), appt.ID)
	if got.PaymentGateway != payment.Stripe || got.PaymentGatewayRef != order.Reference || got.Payment {
		t.Fatalf("unexpected appointment after initiate: %+v", got)
	}
}

func TestInitiatePaymentZeroDecimalCurrency(t *testing.T) {
	stripe := &fakeGateway{name: payment.Stripe, prefix: "cs_"}
	f := newFixture(t, stripe)
	appt := f.book(t, "p1")

	rec := NewReconciler(f.repo, []payment.Gateway{stripe}, "JPY", time.Second, zap.NewNop(),
		metrics.New(prometheus.NewRegistry(), "test"))
	order, err := rec.Initiate(context.Background(), appt, payment.Stripe)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if order.Amount != 500 {
		t.Fatalf("expected 500 yen charged as 500, got %d", order.Amount)
	}
}

func TestConfirmPaymentAppliesOnce(t *testing.T) {
	stripe := &fakeGateway{name: payment.Stripe, prefix: "cs_"}
	f := newFixture(t, stripe)
	ctx := context.Background()
	appt := f.book(t, "p1")

	order, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Stripe)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	for i := 0; i < 2; i++ {
		paid, err := f.svc.ConfirmPayment(ctx, callback(payment.Stripe, order.Reference))
		if err != nil {
			t.Fatalf("confirm %d: %v", i, err)
		}
		if !paid.Payment || paid.State() != StatePaidPending {
			t.Fatalf("confirm %d: expected paid, got %+v", i, paid)
		}
	}

	confirmed := 0
	for _, ev := range f.repo.Events() {
		if ev.EventType == EventPaymentConfirmed {
			confirmed++
		}
	}
	if confirmed != 1 {
		t.Fatalf("expected one confirmation event, got %d", confirmed)
	}

	if _, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Stripe); !errors.Is(err, ErrAlreadyPaid) {
		t.Fatalf("expected ErrAlreadyPaid, got %v", err)
	}
}

func TestConfirmPaymentWrongGateway(t *testing.T) {
	stripe := &fakeGateway{name: payment.Stripe, prefix: "cs_"}
	razorpay := &fakeGateway{name: payment.Razorpay, prefix: "order_"}
	f := newFixture(t, stripe, razorpay)
	ctx := context.Background()
	appt := f.book(t, "p1")

	order, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Stripe)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	tests := []struct {
		name string
		cb   payment.Callback
	}{
		{name: "unrelated reference", cb: callback(payment.Razorpay, "order_unrelated")},
		{name: "stripe reference on razorpay", cb: callback(payment.Razorpay, order.Reference)},
		{name: "unknown stripe reference", cb: callback(payment.Stripe, "cs_other")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.ConfirmPayment(ctx, tt.cb); !errors.Is(err, ErrUnknownReference) {
				t.Fatalf("expected ErrUnknownReference, got %v", err)
			}
		})
	}

	got, _ := f.repo.GetAppointment(ctx, appt.ID)
	if got.Payment {
		t.Fatal("appointment should not be paid")
	}
}

func TestConfirmPaymentEarlierReferenceStillResolves(t *testing.T) {
	razorpay := &fakeGateway{name: payment.Razorpay, prefix: "order_"}
	f := newFixture(t, razorpay)
	ctx := context.Background()
	appt := f.book(t, "p1")

	first, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Razorpay)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Razorpay); err != nil {
		t.Fatalf("re-initiate: %v", err)
	}

	paid, err := f.svc.ConfirmPayment(ctx, callback(payment.Razorpay, first.Reference))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !paid.Payment || paid.PaymentGatewayRef != first.Reference {
		t.Fatalf("expected paid with first reference, got %+v", paid)
	}
}

func TestConfirmPaymentRejectedByGateway(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "bad signature", err: payment.ErrSignatureInvalid},
		{name: "not paid", err: payment.ErrNotPaid},
		{name: "ignored event", err: payment.ErrEventIgnored},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			razorpay := &fakeGateway{name: payment.Razorpay, prefix: "order_"}
			f := newFixture(t, razorpay)
			ctx := context.Background()
			appt := f.book(t, "p1")

			order, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Razorpay)
			if err != nil {
				t.Fatalf("initiate: %v", err)
			}

			razorpay.verifyErr = tt.err
			if _, err := f.svc.ConfirmPayment(ctx, callback(payment.Razorpay, order.Reference)); !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}

			got, _ := f.repo.GetAppointment(ctx, appt.ID)
			if got.Payment {
				t.Fatal("appointment should not be paid")
			}
		})
	}
}

func TestConfirmPaymentAppointmentMismatch(t *testing.T) {
	stripe := &fakeGateway{name: payment.Stripe, prefix: "cs_"}
	f := newFixture(t, stripe)
	ctx := context.Background()
	appt := f.book(t, "p1")
	other := f.book(t, "p2")

	order, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Stripe)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	stripe.echoAppt = other.ID.String()
	if _, err := f.svc.ConfirmPayment(ctx, callback(payment.Stripe, order.Reference)); !errors.Is(err, payment.ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestInitiatePaymentTimeout(t *testing.T) {
	slow := &fakeGateway{name: payment.Stripe, prefix: "cs_", delay: time.Second}
	f := newFixture(t, slow)
	ctx := context.Background()
	appt := f.book(t, "p1")

	if _, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Stripe); !errors.Is(err, payment.ErrGatewayTimeout) {
		t.Fatalf("expected ErrGatewayTimeout, got %v", err)
	}

	got, _ := f.repo.GetAppointment(ctx, appt.ID)
	if got.PaymentGatewayRef != "" {
		t.Fatalf("no reference should be recorded, got %q", got.PaymentGatewayRef)
	}
}

func TestInitiatePaymentGuards(t *testing.T) {
	stripe := &fakeGateway{name: payment.Stripe, prefix: "cs_"}
	f := newFixture(t, stripe)
	ctx := context.Background()
	appt := f.book(t, "p1")

	if _, err := f.svc.InitiatePayment(ctx, appt.ID, "p2", payment.Stripe); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Razorpay); !errors.Is(err, payment.ErrGatewayError) {
		t.Fatalf("expected ErrGatewayError for unconfigured gateway, got %v", err)
	}

	if err := f.svc.CancelBooking(ctx, appt.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Stripe); !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestConfirmAfterCancelStillRecordsPayment(t *testing.T) {
	stripe := &fakeGateway{name: payment.Stripe, prefix: "cs_"}
	f := newFixture(t, stripe)
	ctx := context.Background()
	appt := f.book(t, "p1")

	order, err := f.svc.InitiatePayment(ctx, appt.ID, "p1", payment.Stripe)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.svc.CancelBooking(ctx, appt.ID, "p1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	paid, err := f.svc.ConfirmPayment(ctx, callback(payment.Stripe, order.Reference))
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !paid.Payment || !paid.Cancelled || paid.State() != StateCancelled {
		t.Fatalf("expected cancelled appointment with payment recorded, got %+v", paid)
	}
}
