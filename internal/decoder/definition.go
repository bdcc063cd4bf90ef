package decoder

import (
	"bms-can-monitor/internal/models"
	"bms-can-monitor/internal/protocol"
	"math"
)

// normalize converts milli-units to base units
func normalize(v float32, unit string) float32 {
	switch unit {
	case "mV", "mA":
		return v / 1000
	}
	return v
}

func toUint8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= math.MaxUint8:
		return math.MaxUint8
	}
	return uint8(math.Round(float64(v)))
}

func toUint32(v float32) uint32 {
	switch {
	case v <= 0:
		return 0
	case float64(v) >= math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(math.Round(float64(v)))
}

// identifier keeps full 32 bit precision for unscaled fields
func identifier(f *protocol.Field, payload []byte, v float32) uint32 {
	if f.Scale == 1 && f.Offset == 0 && !f.Type.Float() {
		if raw, ok := f.RawBits(payload); ok {
			return raw
		}
	}
	return toUint32(v)
}

// apply maps a well-known field name onto the reading
func apply(r *models.Reading, f *protocol.Field, payload []byte, v float32) {
	switch f.Name {
	case "pack_voltage", "total_voltage_mv":
		r.PackVoltageV = v
	case "pack_current":
		r.PackCurrentA = v
	case "soc":
		r.SOCPct = min(toUint8(v), 100)
	case "temperature", "temp1":
		r.Temp1C = v
	case "temp2":
		r.Temp2C = v
	case "state", "status_flags":
		r.StatusFlags = toUint8(v)
	case "pack_identifier":
		r.PackIdentifier = identifier(f, payload, v)
	case "battery_id":
		r.BatteryID = toUint8(v)
	}
}

// decodeDefinition fills r from the message of def matching the frame id.
// Fields outside their valid range are skipped. The reading is valid when
// at least one field decoded.
func decodeDefinition(def *protocol.Definition, frame models.Frame, r *models.Reading) bool {
	msg := def.FindMessage(frame.ID)
	if msg == nil {
		return false
	}

	payload := frame.Payload()
	decoded := 0
	for _, f := range msg.Fields.All() {
		v := f.ExtractValue(payload)
		if !f.IsValueValid(v) {
			continue
		}
		apply(r, f, payload, normalize(v, f.Unit))
		decoded++
	}

	r.Valid = decoded > 0
	return r.Valid
}
