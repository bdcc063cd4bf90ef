package models

import "time"

// Status flag bits carried in Reading.StatusFlags
const (
	StatusCharging     uint8 = 0x01
	StatusDischarging  uint8 = 0x02
	StatusBalancing    uint8 = 0x04
	StatusTempWarning  uint8 = 0x08
	StatusOverVoltage  uint8 = 0x10
	StatusUnderVoltage uint8 = 0x20
	StatusOverCurrent  uint8 = 0x40
	StatusError        uint8 = 0x80
)

// Reading is one decoded battery snapshot
type Reading struct {
	BatteryID      uint8   `json:"battery_id"`
	PackVoltageV   float32 `json:"pack_voltage_v"`
	PackCurrentA   float32 `json:"pack_current_a"`
	SOCPct         uint8   `json:"soc_pct"`
	Temp1C         float32 `json:"temp1_c"`
	Temp2C         float32 `json:"temp2_c"`
	StatusFlags    uint8   `json:"status_flags"`
	PackIdentifier uint32  `json:"pack_identifier"`
	Valid          bool    `json:"valid"`
}

// HasFlag reports whether every bit of flag is set
func (r Reading) HasFlag(flag uint8) bool {
	return r.StatusFlags&flag == flag
}

// ReadingSample is a valid reading tagged with its source frame and wall clock time
type ReadingSample struct {
	Reading   Reading   `json:"reading"`
	CANID     uint32    `json:"can_id"`
	Interface string    `json:"interface"`
	Timestamp time.Time `json:"timestamp"`
}
