package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

var event = models.RideEvent{
	Type:     models.EventRideConfirmed,
	RideID:   "r1",
	RiderID:  "rider-1",
	DriverID: "d1",
	Status:   models.StatusConfirmed,
	At:       time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC),
}

type recorder struct {
	got []models.RideEvent
	err error
}

func (r *recorder) Notify(_ context.Context, ev models.RideEvent) error {
	r.got = append(r.got, ev)
	return r.err
}

func TestFanoutDeliversToEverySink(t *testing.T) {
	ok := &recorder{}
	broken := &recorder{err: errors.New("boom")}
	f := NewFanout(slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sink{Name: "broken", Notifier: broken},
		Sink{Name: "ok", Notifier: ok},
	)
	err := f.Notify(context.Background(), event)
	assert.ErrorContains(t, err, "boom")
	assert.Len(t, broken.got, 1)
	assert.Len(t, ok.got, 1, "a failing sink does not stop the others")
}

func TestWebhook(t *testing.T) {
	var got models.RideEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ride.confirmed", r.Header.Get("X-Ride-Event"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, NewWebhook(srv.URL).Notify(context.Background(), event))
	assert.Equal(t, "r1", got.RideID)
	assert.Equal(t, models.StatusConfirmed, got.Status)
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	assert.Error(t, NewWebhook(srv.URL).Notify(context.Background(), event))
}

func TestWSRegistry(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		reg.Add(strings.TrimPrefix(r.URL.Path, "/"), conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/d1", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return reg.Connected("d1") }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Notify(context.Background(), event))
	var got models.RideEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, models.EventRideConfirmed, got.Type)

	// unknown drivers and driverless events are dropped silently
	other := event
	other.DriverID = "d2"
	assert.NoError(t, reg.Notify(context.Background(), other))
	other.DriverID = ""
	assert.NoError(t, reg.Notify(context.Background(), other))
	assert.ErrorIs(t, reg.Send("d2", event), ErrNoSession)
}
