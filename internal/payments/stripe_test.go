package payments

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/ride-dispatch/internal/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *StripeClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})
	return NewStripeClientWithBackends("sk_test_123", &stripe.Backends{API: backend, Connect: backend, Uploads: backend})
}

func TestHoldCaptureCancel(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
		forms []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		forms = append(forms, r.Form.Encode())
		mu.Unlock()
		if r.URL.Path == "/v1/payment_intents" {
			assert.Equal(t, "hold-r1-d1-0", r.Header.Get("Idempotency-Key"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_123","object":"payment_intent","status":"requires_capture"}`))
	})
	ctx := context.Background()

	ref, err := c.Hold(ctx, &models.Ride{ID: "r1", DriverID: "d1", FareEstimate: models.Money{Amount: 2500, Currency: "usd"}})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", ref)
	require.NoError(t, c.Capture(ctx, ref, models.Money{Amount: 2300, Currency: "usd"}))
	require.NoError(t, c.Cancel(ctx, ref))

	assert.Equal(t, []string{
		"POST /v1/payment_intents",
		"POST /v1/payment_intents/pi_123/capture",
		"POST /v1/payment_intents/pi_123/cancel",
	}, calls)
	assert.Contains(t, forms[0], "capture_method=manual")
	assert.Contains(t, forms[0], "metadata%5Bride_id%5D=r1")
	assert.Contains(t, forms[1], "amount_to_capture=2300")
}

func TestHoldError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error":{"type":"card_error","message":"declined"}}`))
	})
	_, err := c.Hold(context.Background(), &models.Ride{ID: "r1", DriverID: "d1", FareEstimate: models.Money{Amount: 100, Currency: "usd"}})
	assert.Error(t, err)
}

func TestChargeReusesHoldPaymentMethod(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
		form  string
		key   string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			w.Write([]byte(`{"id":"pi_hold","object":"payment_intent","payment_method":"pm_card","customer":"cus_1"}`))
			return
		}
		mu.Lock()
		form, key = r.Form.Encode(), r.Header.Get("Idempotency-Key")
		mu.Unlock()
		w.Write([]byte(`{"id":"pi_extra","object":"payment_intent","status":"succeeded"}`))
	})

	ref, err := c.Charge(context.Background(), &models.Ride{ID: "r1"}, "pi_hold", models.Money{Amount: 1612, Currency: "usd"})
	require.NoError(t, err)
	assert.Equal(t, "pi_extra", ref)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"GET /v1/payment_intents/pi_hold", "POST /v1/payment_intents"}, calls)
	assert.Equal(t, "overage-r1", key)
	assert.Contains(t, form, "amount=1612")
	assert.Contains(t, form, "payment_method=pm_card")
	assert.Contains(t, form, "customer=cus_1")
	assert.Contains(t, form, "off_session=true")
	assert.Contains(t, form, "confirm=true")
}

func TestChargeWithoutPaymentMethod(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pi_hold","object":"payment_intent"}`))
	})
	_, err := c.Charge(context.Background(), &models.Ride{ID: "r1"}, "pi_hold", models.Money{Amount: 100, Currency: "usd"})
	assert.ErrorContains(t, err, "no payment method")
}
