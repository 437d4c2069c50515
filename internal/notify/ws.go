package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// WSSession represents a connected driver session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds one session per driver; a reconnect replaces the old one.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	old := r.sessions[driverID]
	r.sessions[driverID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if conn is still the registered one.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) Send(driverID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(v)
}

// Notify pushes the event to the ride's driver. Events without a driver, or
// for a driver that is not connected, are dropped.
func (r *WSRegistry) Notify(_ context.Context, ev models.RideEvent) error {
	if ev.DriverID == "" {
		return nil
	}
	if err := r.Send(ev.DriverID, ev); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
