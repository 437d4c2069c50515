package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/pool"
)

// LocationPublisher forwards driver location reports to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, rep models.LocationReport) error
}

// Deps wires the API. Locations, WS and Ready are optional.
type Deps struct {
	Dispatcher *dispatch.Dispatcher
	Pool       pool.Pool
	Locations  LocationPublisher
	WS         *notify.WSRegistry
	Ready      func(ctx context.Context) error
	Logger     *slog.Logger
}

type Server struct {
	dispatcher *dispatch.Dispatcher
	pool       pool.Pool
	locations  LocationPublisher
	ws         *notify.WSRegistry
	ready      func(ctx context.Context) error
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		dispatcher: d.Dispatcher,
		pool:       d.Pool,
		locations:  d.Locations,
		ws:         d.WS,
		ready:      d.Ready,
		logger:     d.Logger,
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/status", s.handlePollStatus).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/status", s.handleAdvanceStatus).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleRegisterDriver).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/availability", s.handleAvailability).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/candidates", s.handleCandidates).Methods(http.MethodGet)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("not ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrInvalidTransition), errors.Is(err, errs.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, errs.ErrInvalidArgument):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrInvalidArgument, err)
	}
	return nil
}
