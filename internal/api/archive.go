package api

import (
	"bms-can-monitor/internal/database/clickhouse"
	"bms-can-monitor/internal/models"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Archive is the read side of the frame and status archive
type Archive interface {
	Frames(ctx context.Context, params models.QueryParams) ([]models.CANMessageResponse, error)
	Count(ctx context.Context, params models.QueryParams) (uint64, error)
	IDStats(ctx context.Context, params models.QueryParams) ([]clickhouse.IDStat, error)
	LatestStatus(ctx context.Context, iface string) (models.ControllerStatus, error)
	StatusHistory(ctx context.Context, params models.QueryParams) ([]models.ControllerStatus, error)
	StatusAggregated(ctx context.Context, interval string, params models.QueryParams) ([]clickhouse.AggregatedStatus, error)
}

// Exporter streams archived frames in a file format
type Exporter interface {
	ExportToWriter(ctx context.Context, w io.Writer, opts clickhouse.ExportOptions) (int64, error)
}

// archiveParams parses the query or writes the error response
func (s *Server) archiveParams(w http.ResponseWriter, r *http.Request) (models.QueryParams, bool) {
	if s.deps.Archive == nil {
		respondWithError(w, http.StatusServiceUnavailable, "archive disabled")
		return models.QueryParams{}, false
	}
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return params, false
	}
	return params, true
}

func (s *Server) queryFailed(w http.ResponseWriter, err error) {
	s.log.WithError(err).Warn("Archive query failed")
	respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Query failed: %v", err))
}

// handleArchiveFrames retrieves archived frames with optional filters
// GET /api/archive/frames?start_time=2024-01-01T00:00:00Z&end_time=2024-01-02T00:00:00Z&can_id=0x100&interface=can0&limit=100&offset=0
func (s *Server) handleArchiveFrames(w http.ResponseWriter, r *http.Request) {
	params, ok := s.archiveParams(w, r)
	if !ok {
		return
	}
	frames, err := s.deps.Archive.Frames(r.Context(), params)
	if err != nil {
		s.queryFailed(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, frames)
}

// handleArchiveCount returns the count of archived frames
// GET /api/archive/count?start_time=2024-01-01T00:00:00Z&can_id=0x100
func (s *Server) handleArchiveCount(w http.ResponseWriter, r *http.Request) {
	params, ok := s.archiveParams(w, r)
	if !ok {
		return
	}
	count, err := s.deps.Archive.Count(r.Context(), params)
	if err != nil {
		s.queryFailed(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]uint64{"count": count})
}

// handleArchiveIDs returns per identifier statistics
// GET /api/archive/ids?start_time=2024-01-01T00:00:00Z&interface=can0&limit=10
func (s *Server) handleArchiveIDs(w http.ResponseWriter, r *http.Request) {
	params, ok := s.archiveParams(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("limit") == "" {
		params.Limit = 0
	}
	stats, err := s.deps.Archive.IDStats(r.Context(), params)
	if err != nil {
		s.queryFailed(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, stats)
}

// handleArchiveExport streams archived frames as a file
// GET /api/archive/export?start_time=...&end_time=...&format=parquet|csv|json&compression=zstd&can_id=0x100
func (s *Server) handleArchiveExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Exporter == nil {
		respondWithError(w, http.StatusServiceUnavailable, "archive disabled")
		return
	}
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.StartTime == nil || params.EndTime == nil {
		respondWithError(w, http.StatusBadRequest, "start_time and end_time are required")
		return
	}
	if !params.EndTime.After(*params.StartTime) {
		respondWithError(w, http.StatusBadRequest, "end_time must be after start_time")
		return
	}
	format, err := clickhouse.ParseExportFormat(r.URL.Query().Get("format"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := clickhouse.ExportOptions{
		Format:      format,
		StartTime:   *params.StartTime,
		EndTime:     *params.EndTime,
		CANID:       params.CANID,
		Compression: r.URL.Query().Get("compression"),
	}

	ext, contentType := "parquet", "application/octet-stream"
	switch format {
	case clickhouse.FormatCSV:
		ext, contentType = "csv", "text/csv"
	case clickhouse.FormatJSONEach:
		ext, contentType = "jsonl", "application/x-ndjson"
	}
	filename := fmt.Sprintf("can_frames_%s_%s.%s",
		opts.StartTime.UTC().Format("20060102T150405"), opts.EndTime.UTC().Format("20060102T150405"), ext)

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	start := time.Now()
	written, err := s.deps.Exporter.ExportToWriter(r.Context(), w, opts)
	if err != nil {
		s.log.WithError(err).Warn("Archive export failed")
		if written == 0 {
			w.Header().Del("Content-Disposition")
			respondWithError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	s.log.WithFields(logrus.Fields{
		"bytes":    written,
		"format":   format,
		"duration": time.Since(start),
	}).Info("Archive export complete")
}

// handleStatusLatest returns the latest controller snapshot
// GET /api/archive/status/latest?interface=can0
func (s *Server) handleStatusLatest(w http.ResponseWriter, r *http.Request) {
	params, ok := s.archiveParams(w, r)
	if !ok {
		return
	}
	st, err := s.deps.Archive.LatestStatus(r.Context(), params.Interface)
	if err != nil {
		respondWithError(w, http.StatusNotFound, fmt.Sprintf("No statistics found: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, st)
}

// handleStatusHistory returns controller snapshots over a time range
// GET /api/archive/status/history?interface=can0&start_time=2024-01-01T00:00:00Z&limit=100
func (s *Server) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	params, ok := s.archiveParams(w, r)
	if !ok {
		return
	}
	history, err := s.deps.Archive.StatusHistory(r.Context(), params)
	if err != nil {
		s.queryFailed(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}

// handleStatusAggregated buckets controller snapshots by interval
// GET /api/archive/status/aggregated?interface=can0&interval=1h
func (s *Server) handleStatusAggregated(w http.ResponseWriter, r *http.Request) {
	params, ok := s.archiveParams(w, r)
	if !ok {
		return
	}
	agg, err := s.deps.Archive.StatusAggregated(r.Context(), r.URL.Query().Get("interval"), params)
	if err != nil {
		s.queryFailed(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, agg)
}
