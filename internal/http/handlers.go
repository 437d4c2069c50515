package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pool"
)

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.dispatcher.CreateRide(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":            ride.ID,
		"status":        ride.Status,
		"fare_estimate": ride.FareEstimate,
	})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.dispatcher.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handlePollStatus(w http.ResponseWriter, r *http.Request) {
	// stage belongs to the client; anything unparseable counts as 0
	stage, _ := strconv.Atoi(r.URL.Query().Get("stage"))
	res, err := s.dispatcher.PollStatus(r.Context(), mux.Vars(r)["id"], stage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type advanceRequest struct {
	DriverID string            `json:"driver_id"`
	Status   models.RideStatus `json:"status"`
}

func (s *Server) handleAdvanceStatus(w http.ResponseWriter, r *http.Request) {
	var req advanceRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.DriverID == "" || req.Status == "" {
		s.writeError(w, r, fmt.Errorf("%w: driver_id and status are required", errs.ErrInvalidArgument))
		return
	}
	ride, err := s.dispatcher.AdvanceStatus(r.Context(), mux.Vars(r)["id"], req.DriverID, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": ride.Status})
}

type cancelRequest struct {
	ActorID   string           `json:"actor_id"`
	ActorRole models.ActorRole `json:"actor_role"`
	Reason    string           `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ActorRole == "" {
		req.ActorRole = models.RoleRider
	}
	ride, err := s.dispatcher.Cancel(r.Context(), mux.Vars(r)["id"], req.ActorID, req.ActorRole, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": ride.Status})
}

type driverRequest struct {
	Name        string             `json:"name"`
	Rating      float64            `json:"rating"`
	Vehicle     string             `json:"vehicle"`
	Plate       string             `json:"plate"`
	VehicleType models.VehicleType `json:"vehicle_type"`
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		s.writeError(w, r, fmt.Errorf("%w: rating must be within 0..5", errs.ErrInvalidArgument))
		return
	}
	d, err := s.pool.Register(r.Context(), models.Driver{
		ID:                 mux.Vars(r)["id"],
		Name:               req.Name,
		Rating:             req.Rating,
		VehicleDescription: req.Vehicle,
		Plate:              req.Plate,
		VehicleType:        req.VehicleType,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.pool.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Availability models.Availability `json:"availability"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.pool.SetAvailability(r.Context(), mux.Vars(r)["id"], req.Availability); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"availability": req.Availability})
}

type locationRequest struct {
	Lat       *float64  `json:"lat"`
	Lng       *float64  `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Lat == nil || req.Lng == nil || *req.Lat < -90 || *req.Lat > 90 || *req.Lng < -180 || *req.Lng > 180 {
		s.writeError(w, r, fmt.Errorf("%w: lat and lng are required and must be valid coordinates", errs.ErrInvalidArgument))
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	rep := models.LocationReport{DriverID: mux.Vars(r)["id"], Lat: *req.Lat, Lon: *req.Lng, Timestamp: req.Timestamp.UTC()}

	err := s.pool.UpdateLocation(r.Context(), rep.DriverID, models.Coord{Lat: rep.Lat, Lon: rep.Lon}, rep.Timestamp)
	stale := errors.Is(err, errs.ErrStaleUpdate)
	if err != nil && !stale {
		s.writeError(w, r, err)
		return
	}
	if !stale && s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), rep); err != nil {
			s.logger.Warn("publish location failed", "driver_id", rep.DriverID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ack": true, "stale": stale})
}

type candidateView struct {
	DriverID   string  `json:"driver_id"`
	Name       string  `json:"name"`
	Rating     float64 `json:"rating"`
	DistanceKm float64 `json:"distance_km"`
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		s.writeError(w, r, fmt.Errorf("%w: lat and lng query parameters are required", errs.ErrInvalidArgument))
		return
	}
	vt := models.VehicleType(q.Get("vehicle_type"))
	if !vt.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: vehicle_type %q", errs.ErrInvalidArgument, vt))
		return
	}
	limit := 10
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		limit = v
	}
	seq, err := s.pool.Candidates(r.Context(), pool.Query{Pickup: models.Coord{Lat: lat, Lon: lng}, VehicleType: vt, Limit: limit})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := []candidateView{}
	for c := range seq {
		out = append(out, candidateView{DriverID: c.Driver.ID, Name: c.Driver.Name, Rating: c.Driver.Rating, DistanceKm: c.DistanceKm})
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": out})
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a driver's push channel open until the client goes away.
// Inbound frames are only read to notice the close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		http.Error(w, "push channel disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.ws.Add(id, conn)
	s.logger.Info("driver connected", "driver_id", id)
	defer func() {
		s.ws.Remove(id, conn)
		_ = conn.Close()
		s.logger.Info("driver disconnected", "driver_id", id)
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
