package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Webhook posts each event as JSON to a rider-app backend.
type Webhook struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhook(endpoint string) *Webhook {
	return &Webhook{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *Webhook) Notify(ctx context.Context, ev models.RideEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Ride-Event", string(ev.Type))
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: status %d", w.Endpoint, resp.StatusCode)
	}
	return nil
}
