package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
)

type razorpayOrders interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

// RazorpayGateway creates orders that the Razorpay client SDK completes in
// the browser. The SDK hands back order id, payment id and an HMAC signature
// which is verified with the key secret.
type RazorpayGateway struct {
	orders        razorpayOrders
	keyID         string
	keySecret     string
	webhookSecret string
}

func NewRazorpayGateway(keyID, keySecret, webhookSecret string) *RazorpayGateway {
	c := razorpay.NewClient(keyID, keySecret)
	return newRazorpayGateway(c.Order, keyID, keySecret, webhookSecret)
}

func newRazorpayGateway(orders razorpayOrders, keyID, keySecret, webhookSecret string) *RazorpayGateway {
	return &RazorpayGateway{
		orders:        orders,
		keyID:         keyID,
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
	}
}

func (g *RazorpayGateway) Name() GatewayName { return Razorpay }

type orderResult struct {
	body map[string]interface{}
	err  error
}

func (g *RazorpayGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	currency := strings.ToUpper(req.Currency)
	data := map[string]interface{}{
		"amount":   req.Amount,
		"currency": currency,
		"receipt":  req.AppointmentID,
		"notes": map[string]interface{}{
			"appointment_id": req.AppointmentID,
		},
	}

	// The SDK takes no context, so the deadline is enforced around the call.
	done := make(chan orderResult, 1)
	go func() {
		body, err := g.orders.Create(data, nil)
		done <- orderResult{body: body, err: err}
	}()

	var res orderResult
	select {
	case <-ctx.Done():
		return nil, classify(ctx, "create order", ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, classify(ctx, "create order", res.err)
	}

	id, _ := res.body["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%w: create order: response has no id", ErrGatewayError)
	}

	return &Order{
		Gateway:   Razorpay,
		Reference: id,
		Amount:    req.Amount,
		Currency:  currency,
		Receipt:   req.AppointmentID,
		KeyID:     g.keyID,
	}, nil
}

func (g *RazorpayGateway) Verify(ctx context.Context, cb Callback) (*Confirmation, error) {
	switch cb.Kind {
	case CallbackClient:
		return g.verifyCheckout(cb.Fields)
	case CallbackWebhook:
		return g.verifyWebhook(cb)
	}
	return nil, fmt.Errorf("%w: unsupported callback kind %d", ErrSignatureInvalid, cb.Kind)
}

func (g *RazorpayGateway) verifyCheckout(fields map[string]string) (*Confirmation, error) {
	orderID := fields["razorpay_order_id"]
	paymentID := fields["razorpay_payment_id"]
	signature := fields["razorpay_signature"]
	if orderID == "" || paymentID == "" || signature == "" {
		return nil, fmt.Errorf("%w: missing checkout fields", ErrSignatureInvalid)
	}

	params := map[string]interface{}{
		"razorpay_order_id":   orderID,
		"razorpay_payment_id": paymentID,
	}
	if !utils.VerifyPaymentSignature(params, signature, g.keySecret) {
		return nil, fmt.Errorf("%w: checkout signature mismatch", ErrSignatureInvalid)
	}

	return &Confirmation{Reference: orderID, PaymentID: paymentID}, nil
}

type razorpayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"payment"`
		Order struct {
			Entity struct {
				ID      string `json:"id"`
				Receipt string `json:"receipt"`
				Status  string `json:"status"`
			} `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

func (g *RazorpayGateway) verifyWebhook(cb Callback) (*Confirmation, error) {
	if g.webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret not configured", ErrSignatureInvalid)
	}
	if cb.Signature == "" || !utils.VerifyWebhookSignature(string(cb.Body), cb.Signature, g.webhookSecret) {
		return nil, fmt.Errorf("%w: webhook signature mismatch", ErrSignatureInvalid)
	}

	var wh razorpayWebhook
	if err := json.Unmarshal(cb.Body, &wh); err != nil {
		return nil, fmt.Errorf("%w: decode webhook: %v", ErrSignatureInvalid, err)
	}

	payment := wh.Payload.Payment.Entity
	switch wh.Event {
	case "payment.captured":
		if payment.OrderID == "" {
			return nil, fmt.Errorf("%w: captured payment has no order", ErrEventIgnored)
		}
		return &Confirmation{Reference: payment.OrderID, PaymentID: payment.ID}, nil
	case "order.paid":
		order := wh.Payload.Order.Entity
		if order.ID == "" {
			return nil, fmt.Errorf("%w: paid order has no id", ErrEventIgnored)
		}
		return &Confirmation{Reference: order.ID, PaymentID: payment.ID, AppointmentID: order.Receipt}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEventIgnored, wh.Event)
}
