package payments

import (
	"context"
	"fmt"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"

	"github.com/example/ride-dispatch/internal/models"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct {
	api *client.API
}

func NewStripeClient(apiKey string) *StripeClient {
	return NewStripeClientWithBackends(apiKey, nil)
}

// NewStripeClientWithBackends points the client at custom backends, e.g. a
// local stripe-mock.
func NewStripeClientWithBackends(apiKey string, backends *stripe.Backends) *StripeClient {
	api := &client.API{}
	api.Init(apiKey, backends)
	return &StripeClient{api: api}
}

// Hold creates a PaymentIntent with capture_method=manual for the fare
// estimate. The idempotency key covers ride, driver and ride version so a
// retried confirm of the same claim holds once.
func (s *StripeClient) Hold(ctx context.Context, r *models.Ride) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(r.FareEstimate.Amount),
		Currency:      stripe.String(r.FareEstimate.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("hold-%s-%s-%d", r.ID, r.DriverID, r.Version))
	params.AddMetadata("ride_id", r.ID)
	params.AddMetadata("driver_id", r.DriverID)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture collects amount from a held PaymentIntent. Stripe rejects an
// amount_to_capture above the authorized amount.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string, fare models.Money) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	if fare.Amount > 0 {
		params.AmountToCapture = stripe.Int64(fare.Amount)
	}
	_, err := s.api.PaymentIntents.Capture(paymentIntentID, params)
	return err
}

// Charge bills amount off-session with the payment method and customer of
// the held PaymentIntent holdRef. One overage charge per ride.
func (s *StripeClient) Charge(ctx context.Context, r *models.Ride, holdRef string, amount models.Money) (string, error) {
	get := &stripe.PaymentIntentParams{}
	get.Context = ctx
	hold, err := s.api.PaymentIntents.Get(holdRef, get)
	if err != nil {
		return "", fmt.Errorf("load hold %s: %w", holdRef, err)
	}
	if hold.PaymentMethod == nil {
		return "", fmt.Errorf("hold %s has no payment method", holdRef)
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount.Amount),
		Currency:      stripe.String(amount.Currency),
		PaymentMethod: stripe.String(hold.PaymentMethod.ID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if hold.Customer != nil {
		params.Customer = stripe.String(hold.Customer.ID)
	}
	params.Context = ctx
	params.SetIdempotencyKey("overage-" + r.ID)
	params.AddMetadata("ride_id", r.ID)
	params.AddMetadata("hold_ref", holdRef)
	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := s.api.PaymentIntents.Cancel(paymentIntentID, params)
	return err
}
