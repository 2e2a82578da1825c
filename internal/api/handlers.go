package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roman-kulish/fleet-monitor/internal/command"
)

var errDroneNotFound = errors.New("drone not found")

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.fleet.Snapshot()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": snap.Version(),
		"drones":  snap.Len(),
	})
}

func (s *Server) handleDrones(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.fleet.Snapshot().Drones())
}

func (s *Server) handleDrone(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "droneID")

	d, ok := s.fleet.Snapshot().Drone(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("%w: '%s'", errDroneNotFound, id))
		return
	}

	s.writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAlerts(w http.ResponseWriter, _ *http.Request) {
	snap := s.fleet.Snapshot()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"alerts":  snap.Alerts(),
		"dropped": snap.AlertsDropped(),
	})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "droneID")

	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	cmd, err := command.ParseCommand(req.Command)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	// the request outlives the HTTP exchange
	requestID, _ := s.commander.Dispatch(context.WithoutCancel(r.Context()), id, cmd)

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"request_id": requestID.String(),
		"drone_id":   id,
		"command":    string(cmd),
	})
}

func (s *Server) handleLastCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "droneID")

	o, ok := s.commander.LastOutcome(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("no command outcome for drone '%s'", id))
		return
	}

	s.writeJSON(w, http.StatusOK, o)
}
