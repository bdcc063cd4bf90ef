package api

import (
	"bms-can-monitor/internal/can"
	"bms-can-monitor/internal/models"
	"bms-can-monitor/internal/settings"
	"errors"
	"net/http"
	"strconv"
	"time"
)

// handleDiagnostics returns the plain-text driver report
// GET /api/can/diagnostics
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(s.deps.Driver.Diagnostics()))
}

type canStatsResponse struct {
	State       string                   `json:"state"`
	Bitrate     int                      `json:"bitrate"`
	Stats       models.Stats             `json:"stats"`
	RXAvailable int                      `json:"rx_available"`
	PingEnabled bool                     `json:"ping_enabled"`
	LastTxError string                   `json:"last_tx_error,omitempty"`
	Controller  *models.ControllerStatus `json:"controller,omitempty"`
	Log         *logStatsResponse        `json:"log,omitempty"`
}

type logStatsResponse struct {
	Path         string `json:"path"`
	SizeBytes    int64  `json:"size_bytes"`
	MessageCount uint64 `json:"message_count"`
	Dropped      uint64 `json:"dropped"`
	Overwritten  uint64 `json:"overwritten"`
}

// handleCANStats returns driver counters and the controller snapshot
// GET /api/can/stats
func (s *Server) handleCANStats(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Driver
	resp := canStatsResponse{
		State:       d.StatusString(),
		Bitrate:     d.Bitrate(),
		Stats:       d.Stats(),
		RXAvailable: d.Available(),
		PingEnabled: d.PingEnabled(),
	}
	if kind, err := d.LastTxError(); err != nil {
		resp.LastTxError = kind.String() + ": " + err.Error()
	}
	if st, err := d.ControllerStatus(); err == nil {
		resp.Controller = &st
	}
	if tl := s.deps.TrafficLog; tl != nil && tl.Initialized() {
		size, _ := tl.Size()
		resp.Log = &logStatsResponse{
			Path:         tl.Path(),
			SizeBytes:    size,
			MessageCount: tl.MessageCount(),
			Dropped:      tl.DroppedCount(),
			Overwritten:  tl.Overwritten(),
		}
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// handleRecover runs operator bus-off recovery
// POST /api/can/recover
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Driver.RecoverBusOff()
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, map[string]string{"state": s.deps.Driver.StatusString()})
	case errors.Is(err, can.ErrNotRunning):
		respondWithError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, can.ErrInvalidState):
		respondWithError(w, http.StatusConflict, "bus is not in BUS_OFF state")
	default:
		respondWithError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleResetStats zeroes the driver counters
// POST /api/can/stats/reset
func (s *Server) handleResetStats(w http.ResponseWriter, r *http.Request) {
	s.deps.Driver.ResetStats()
	respondWithJSON(w, http.StatusOK, s.deps.Driver.Stats())
}

// handlePing sends one heartbeat, or configures the periodic heartbeat
// when interval_ms is given (0 disables)
// POST /api/can/ping?interval_ms=1000
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	d := s.deps.Driver

	raw := r.URL.Query().Get("interval_ms")
	if raw == "" {
		if err := d.SendPing(); err != nil {
			respondWithError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		respondWithJSON(w, http.StatusOK, map[string]string{"result": "sent"})
		return
	}

	ms, err := strconv.Atoi(raw)
	if err != nil || ms < 0 {
		respondWithError(w, http.StatusBadRequest, "invalid interval_ms")
		return
	}
	if ms == 0 {
		d.DisablePeriodicPing()
	} else {
		d.EnablePeriodicPing(time.Duration(ms) * time.Millisecond)
	}
	s.persist(func(v *settings.Settings) {
		// -1 records "disabled" so it overrides a configured interval
		v.PingIntervalMS = ms
		if ms == 0 {
			v.PingIntervalMS = -1
		}
	})

	respondWithJSON(w, http.StatusOK, map[string]any{"ping_enabled": d.PingEnabled(), "interval_ms": ms})
}

// persist stores an operator change when a settings store is configured.
// Only the changed field lands in the record; .env values stay defaults.
func (s *Server) persist(fn func(*settings.Settings)) {
	if s.deps.Settings == nil {
		return
	}
	if _, err := s.deps.Settings.Update(settings.Settings{}, fn); err != nil {
		s.log.WithError(err).Warn("Failed to persist settings")
	}
}
