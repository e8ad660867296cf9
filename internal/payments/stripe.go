package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway is the slice of the payments collaborator the booking flow uses:
// hold funds when a booking is approved, capture on ride completion, release
// on cancel or reject. All calls are best-effort from the caller's side.
type Gateway interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Release(ctx context.Context, ref string) error
}

// StripeGateway is a thin wrapper around stripe-go PaymentIntent flows.
type StripeGateway struct{}

// NewStripeGateway initializes the stripe client with the given API key.
func NewStripeGateway(apiKey string) *StripeGateway {
	stripe.Key = apiKey
	return &StripeGateway{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeGateway) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeGateway) Capture(ctx context.Context, ref string) error {
	_, err := paymentintent.Capture(ref, nil)
	return err
}

// Release cancels the hold on a PaymentIntent.
func (s *StripeGateway) Release(ctx context.Context, ref string) error {
	_, err := paymentintent.Cancel(ref, nil)
	return err
}
