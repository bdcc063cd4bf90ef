package api

import (
	"bms-can-monitor/internal/decoder"
	"bms-can-monitor/internal/monitor"
	"fmt"
	"net/http"
	"time"
)

type decodedFrame struct {
	CANID     uint32               `json:"can_id"`
	CANIDHex  string               `json:"can_id_hex"`
	Message   string               `json:"message"`
	Data      string               `json:"data"`
	Timestamp time.Time            `json:"timestamp"`
	Fields    []decoder.FieldValue `json:"fields"`
}

// handleReadings returns the latest decoded reading per battery
// GET /api/readings?battery_id=1
func (s *Server) handleReadings(w http.ResponseWriter, r *http.Request) {
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	if params.BatteryID != nil {
		sample, ok := s.deps.Readings.Get(*params.BatteryID)
		if !ok {
			respondWithError(w, http.StatusNotFound, "no reading for battery")
			return
		}
		respondWithJSON(w, http.StatusOK, sample)
		return
	}

	respondWithJSON(w, http.StatusOK, s.deps.Readings.Latest())
}

func (s *Server) decodeStored(fs monitor.FrameSample) (decodedFrame, bool) {
	fields, ok := s.deps.Decoder.DecodeFields(fs.Frame)
	if !ok {
		return decodedFrame{}, false
	}
	out := decodedFrame{
		CANID:     fs.Frame.ID,
		CANIDHex:  fmt.Sprintf("0x%03X", fs.Frame.ID),
		Data:      fs.Frame.DataHex(),
		Timestamp: fs.Timestamp,
		Fields:    fields,
	}
	if def := s.deps.Decoder.Definition(); def != nil {
		if msg := def.FindMessage(fs.Frame.ID); msg != nil {
			out.Message = msg.Name
		}
	}
	return out, true
}

// handleReadingFields decodes the latest frame of each message of the active
// protocol field by field, enum fields with their state name
// GET /api/readings/fields?can_id=0x204
func (s *Server) handleReadingFields(w http.ResponseWriter, r *http.Request) {
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.deps.Decoder.Definition() == nil {
		respondWithError(w, http.StatusConflict, "no protocol definition active")
		return
	}

	if params.CANID != nil {
		fs, ok := s.deps.Readings.Frame(*params.CANID)
		if !ok {
			respondWithError(w, http.StatusNotFound, "no frame received for CAN id")
			return
		}
		decoded, ok := s.decodeStored(fs)
		if !ok {
			respondWithError(w, http.StatusNotFound, "CAN id not described by the active protocol")
			return
		}
		respondWithJSON(w, http.StatusOK, decoded)
		return
	}

	out := []decodedFrame{}
	for _, fs := range s.deps.Readings.Frames() {
		if decoded, ok := s.decodeStored(fs); ok {
			out = append(out, decoded)
		}
	}
	respondWithJSON(w, http.StatusOK, out)
}
