package api

import (
	"bms-can-monitor/internal/models"
	"bms-can-monitor/internal/trafficlog"
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// logEntry is one ring entry as rendered by the API
type logEntry struct {
	Timestamp uint32 `json:"timestamp"`
	CANID     uint32 `json:"can_id"`
	CANIDHex  string `json:"can_id_hex"`
	DLC       uint8  `json:"dlc"`
	DataHex   string `json:"data_hex"`
	Extended  bool   `json:"extended"`
	RTR       bool   `json:"rtr"`
}

func toLogEntries(frames []models.Frame) []logEntry {
	out := make([]logEntry, 0, len(frames))
	for _, f := range frames {
		out = append(out, logEntry{
			Timestamp: f.Timestamp,
			CANID:     f.ID,
			CANIDHex:  fmt.Sprintf("0x%03X", f.ID),
			DLC:       f.DLC,
			DataHex:   f.DataHex(),
			Extended:  f.Extended,
			RTR:       f.RTR,
		})
	}
	return out
}

// trafficLog returns the log or writes 503 when logging is off
func (s *Server) trafficLog(w http.ResponseWriter) *trafficlog.Log {
	tl := s.deps.TrafficLog
	if tl == nil || !tl.Initialized() {
		respondWithError(w, http.StatusServiceUnavailable, "traffic log disabled")
		return nil
	}
	return tl
}

func logErrorStatus(err error) int {
	switch {
	case errors.Is(err, trafficlog.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, trafficlog.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// handleLogMessages returns a snapshot of the in-memory ring
// GET /api/canlog?can_id=0x100&limit=100
func (s *Server) handleLogMessages(w http.ResponseWriter, r *http.Request) {
	tl := s.trafficLog(w)
	if tl == nil {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var frames []models.Frame
	if raw := r.URL.Query().Get("can_id"); raw != "" {
		id, err := parseCANID(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid can_id format: %v", err))
			return
		}
		frames = tl.FilteredMessages(id, limit)
	} else {
		frames = tl.RecentMessages(limit)
	}

	respondWithJSON(w, http.StatusOK, map[string]any{
		"messages":      toLogEntries(frames),
		"message_count": tl.MessageCount(),
		"dropped":       tl.DroppedCount(),
		"overwritten":   tl.Overwritten(),
	})
}

// handleLogDownload streams the on-disk CSV, optionally filtered by id
// GET /api/canlog/download?can_id=0x100
func (s *Server) handleLogDownload(w http.ResponseWriter, r *http.Request) {
	tl := s.trafficLog(w)
	if tl == nil {
		return
	}

	var (
		filter   *uint32
		filename = "canlog.csv"
	)
	if raw := r.URL.Query().Get("can_id"); raw != "" {
		id, err := parseCANID(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, fmt.Sprintf("invalid can_id format: %v", err))
			return
		}
		filter = &id
		filename = fmt.Sprintf("canlog_0x%03X.csv", id)
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	var err error
	if filter != nil {
		err = tl.ExportFiltered(w, *filter)
	} else {
		err = tl.ExportCSV(w)
	}
	if err != nil {
		s.log.WithError(err).Warn("Traffic log export failed")
		// Lock and open failures happen before any byte is written.
		if errors.Is(err, trafficlog.ErrBusy) || errors.Is(err, trafficlog.ErrNotInitialized) {
			w.Header().Del("Content-Disposition")
			respondWithError(w, logErrorStatus(err), err.Error())
		}
	}
}

// handleLogClear truncates the log to its header
// POST /api/canlog/clear
func (s *Server) handleLogClear(w http.ResponseWriter, r *http.Request) {
	tl := s.trafficLog(w)
	if tl == nil {
		return
	}
	if err := tl.Clear(); err != nil {
		respondWithError(w, logErrorStatus(err), err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"result": "cleared"})
}

// handleLogFlush writes pending frames now
// POST /api/canlog/flush
func (s *Server) handleLogFlush(w http.ResponseWriter, r *http.Request) {
	tl := s.trafficLog(w)
	if tl == nil {
		return
	}
	if err := tl.Flush(); err != nil {
		respondWithError(w, logErrorStatus(err), err.Error())
		return
	}
	size, _ := tl.Size()
	respondWithJSON(w, http.StatusOK, map[string]any{"result": "flushed", "size_bytes": size})
}
