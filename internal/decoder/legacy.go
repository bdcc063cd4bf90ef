package decoder

import (
	"bms-can-monitor/internal/models"
	"encoding/binary"
)

// Legacy id ranges, one id per battery
const (
	legacyStatusFirst = 0x100
	legacyStatusLast  = 0x104
	legacyCellFirst   = 0x200
	legacyCellLast    = 0x204
)

// tempAbsent marks a temperature sensor that is not fitted
const tempAbsent = 0xFF

func decodeLegacy(frame models.Frame, r *models.Reading) bool {
	switch {
	case frame.ID >= legacyStatusFirst && frame.ID <= legacyStatusLast:
		return decodeLegacyStatus(frame, r)
	case frame.ID >= legacyCellFirst && frame.ID <= legacyCellLast:
		return decodeLegacyCells(frame, r)
	}
	return false
}

// decodeLegacyStatus reads the fixed status layout:
// voltage u16le 0.1V, current (i16le-32000)*0.1A, soc, temp1, temp2 (offset 40), flags.
func decodeLegacyStatus(frame models.Frame, r *models.Reading) bool {
	if frame.DLC < 8 {
		return false
	}
	d := frame.Data

	r.BatteryID = uint8(frame.ID - legacyStatusFirst)
	r.PackVoltageV = float32(binary.LittleEndian.Uint16(d[0:2])) * 0.1
	current := int16(binary.LittleEndian.Uint16(d[2:4]))
	r.PackCurrentA = float32(int32(current)-32000) * 0.1
	r.SOCPct = d[4]
	if d[5] != tempAbsent {
		r.Temp1C = float32(d[5]) - 40
	}
	if d[6] != tempAbsent {
		r.Temp2C = float32(d[6]) - 40
	}
	r.StatusFlags = d[7]
	r.Valid = true
	return true
}

// decodeLegacyCells acknowledges cell voltage frames without decoding them
func decodeLegacyCells(frame models.Frame, r *models.Reading) bool {
	if frame.DLC < 8 {
		return false
	}
	r.BatteryID = uint8(frame.ID - legacyCellFirst)
	r.Valid = true
	return true
}
