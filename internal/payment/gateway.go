// Package payment holds the gateway capability used to take appointment
// fees online and the Stripe and Razorpay implementations of it.
package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type GatewayName string

const (
	Stripe   GatewayName = "stripe"
	Razorpay GatewayName = "razorpay"
)

// ParseGatewayName maps a boundary string to a known gateway.
func ParseGatewayName(s string) (GatewayName, bool) {
	switch GatewayName(s) {
	case Stripe:
		return Stripe, true
	case Razorpay:
		return Razorpay, true
	}
	return "", false
}

var (
	ErrSignatureInvalid = errors.New("payment callback could not be verified")
	ErrNotPaid          = errors.New("payment has not been completed")
	ErrEventIgnored     = errors.New("payment event does not confirm a payment")
	ErrGatewayTimeout   = errors.New("payment gateway timed out")
	ErrGatewayError     = errors.New("payment gateway error")
)

// zeroDecimal lists currencies both gateways charge in whole units.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true,
	"XPF": true,
}

// MinorUnits converts a fee in major units to the amount a gateway expects.
func MinorUnits(amount int64, currency string) int64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return amount
	}
	return amount * 100
}

// OrderRequest is what the reconciler asks a gateway to charge.
type OrderRequest struct {
	AppointmentID string
	// Amount is in the currency's minor unit.
	Amount      int64
	Currency    string
	Description string
}

// Order is the gateway-side order or session handed back to the client.
type Order struct {
	Gateway   GatewayName `json:"gateway"`
	Reference string      `json:"id"`
	Amount    int64       `json:"amount"`
	Currency  string      `json:"currency"`
	Receipt   string      `json:"receipt,omitempty"`
	// SessionURL is set for redirect based gateways.
	SessionURL string `json:"session_url,omitempty"`
	// KeyID is the public key a client SDK needs to open checkout.
	KeyID string `json:"key_id,omitempty"`
}

type CallbackKind int

const (
	// CallbackClient is a confirmation relayed by the patient's browser.
	CallbackClient CallbackKind = iota + 1
	// CallbackWebhook is delivered server to server by the gateway.
	CallbackWebhook
)

// Callback is a raw confirmation as it arrived at the API.
type Callback struct {
	Gateway   GatewayName
	Kind      CallbackKind
	Fields    map[string]string
	Body      []byte
	Signature string
}

// Confirmation is a verified, successful payment.
type Confirmation struct {
	Reference string
	PaymentID string
	// AppointmentID is set when the gateway echoes our own id back.
	AppointmentID string
}

// Gateway is implemented once per payment provider.
type Gateway interface {
	Name() GatewayName
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
	Verify(ctx context.Context, cb Callback) (*Confirmation, error)
}

// classify turns a transport failure into ErrGatewayTimeout or ErrGatewayError.
func classify(ctx context.Context, op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrGatewayTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrGatewayError, op, err)
}
