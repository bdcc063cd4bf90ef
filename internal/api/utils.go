package api

import (
	"bms-can-monitor/internal/models"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodySize caps JSON request bodies other than protocol uploads
const maxBodySize = 4 * 1024

// parseCANID accepts decimal or 0x-prefixed hex
func parseCANID(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// parseQueryParams parses common query parameters from HTTP request
func parseQueryParams(r *http.Request) (models.QueryParams, error) {
	q := r.URL.Query()
	params := models.QueryParams{
		Limit: 100, // default limit
	}

	if startTimeStr := q.Get("start_time"); startTimeStr != "" {
		t, err := time.Parse(time.RFC3339, startTimeStr)
		if err != nil {
			return params, fmt.Errorf("invalid start_time format: %v", err)
		}
		params.StartTime = &t
	}

	if endTimeStr := q.Get("end_time"); endTimeStr != "" {
		t, err := time.Parse(time.RFC3339, endTimeStr)
		if err != nil {
			return params, fmt.Errorf("invalid end_time format: %v", err)
		}
		params.EndTime = &t
	}

	if canIDStr := q.Get("can_id"); canIDStr != "" {
		canID, err := parseCANID(canIDStr)
		if err != nil {
			return params, fmt.Errorf("invalid can_id format: %v", err)
		}
		params.CANID = &canID
	}

	if batteryStr := q.Get("battery_id"); batteryStr != "" {
		id, err := strconv.ParseUint(batteryStr, 10, 8)
		if err != nil {
			return params, fmt.Errorf("invalid battery_id format: %v", err)
		}
		b := uint8(id)
		params.BatteryID = &b
	}

	params.Interface = q.Get("interface")

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			return params, fmt.Errorf("invalid limit format: %q", limitStr)
		}
		params.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			return params, fmt.Errorf("invalid offset format: %q", offsetStr)
		}
		params.Offset = offset
	}

	return params, nil
}

// decodeBody reads a size-limited JSON body into v
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// respondWithError sends an error response
func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"Failed to marshal response"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
