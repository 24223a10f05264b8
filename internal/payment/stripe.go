package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

const stripeSessionCompleted = "checkout.session.completed"

type checkoutSessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeGateway takes payment through hosted Checkout sessions. The patient
// is redirected to SessionURL and comes back to the frontend with the
// session id, which is confirmed by retrieving the session server side.
type StripeGateway struct {
	sessions      checkoutSessions
	webhookSecret string
	successURL    string
	cancelURL     string
}

func NewStripeGateway(secretKey, webhookSecret, frontendURL string) *StripeGateway {
	sc := client.New(secretKey, nil)
	return newStripeGateway(sc.CheckoutSessions, webhookSecret, frontendURL)
}

func newStripeGateway(sessions checkoutSessions, webhookSecret, frontendURL string) *StripeGateway {
	base := strings.TrimRight(frontendURL, "/")
	return &StripeGateway{
		sessions:      sessions,
		webhookSecret: webhookSecret,
		successURL:    base + "/verify?success=true&session_id={CHECKOUT_SESSION_ID}",
		cancelURL:     base + "/verify?success=false&session_id={CHECKOUT_SESSION_ID}",
	}
}

func (g *StripeGateway) Name() GatewayName { return Stripe }

func (g *StripeGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	currency := strings.ToLower(req.Currency)

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(g.successURL),
		CancelURL:         stripe.String(g.cancelURL),
		ClientReferenceID: stripe.String(req.AppointmentID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.Description),
					},
					UnitAmount: stripe.Int64(req.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	params.AddMetadata("appointment_id", req.AppointmentID)

	s, err := g.sessions.New(params)
	if err != nil {
		return nil, classify(ctx, "create checkout session", err)
	}

	return &Order{
		Gateway:    Stripe,
		Reference:  s.ID,
		Amount:     req.Amount,
		Currency:   currency,
		Receipt:    req.AppointmentID,
		SessionURL: s.URL,
	}, nil
}

func (g *StripeGateway) Verify(ctx context.Context, cb Callback) (*Confirmation, error) {
	switch cb.Kind {
	case CallbackClient:
		return g.verifySession(ctx, cb.Fields["session_id"])
	case CallbackWebhook:
		return g.verifyWebhook(cb)
	}
	return nil, fmt.Errorf("%w: unsupported callback kind %d", ErrSignatureInvalid, cb.Kind)
}

func (g *StripeGateway) verifySession(ctx context.Context, sessionID string) (*Confirmation, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: missing session_id", ErrSignatureInvalid)
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	s, err := g.sessions.Get(sessionID, params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: no such session", ErrSignatureInvalid)
		}
		return nil, classify(ctx, "retrieve checkout session", err)
	}

	if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, fmt.Errorf("%w: session payment_status=%s", ErrNotPaid, s.PaymentStatus)
	}
	return sessionConfirmation(s), nil
}

func (g *StripeGateway) verifyWebhook(cb Callback) (*Confirmation, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}

	event, err := webhook.ConstructEventWithOptions(cb.Body, cb.Signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if string(event.Type) != stripeSessionCompleted {
		return nil, fmt.Errorf("%w: %s", ErrEventIgnored, event.Type)
	}

	var s stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
		return nil, fmt.Errorf("%w: decode session: %v", ErrSignatureInvalid, err)
	}
	if s.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil, fmt.Errorf("%w: session payment_status=%s", ErrEventIgnored, s.PaymentStatus)
	}
	return sessionConfirmation(&s), nil
}

func sessionConfirmation(s *stripe.CheckoutSession) *Confirmation {
	c := &Confirmation{
		Reference:     s.ID,
		AppointmentID: s.ClientReferenceID,
	}
	if s.PaymentIntent != nil {
		c.PaymentID = s.PaymentIntent.ID
	}
	return c
}
