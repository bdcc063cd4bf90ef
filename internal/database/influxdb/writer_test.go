package influxdb

import (
	"bms-can-monitor/internal/models"
	"testing"
	"time"
)

func TestReadingPoint(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := models.ReadingSample{
		Reading: models.Reading{
			BatteryID:    2,
			PackVoltageV: 48.5,
			PackCurrentA: -3.25,
			SOCPct:       80,
			Temp1C:       25,
			Temp2C:       26.5,
			StatusFlags:  models.StatusDischarging,
			Valid:        true,
		},
		CANID:     0x102,
		Interface: "can0",
		Timestamp: ts,
	}

	p := readingPoint(s).Values

	if p.GetMeasurement() != Measurement {
		t.Errorf("measurement = %q", p.GetMeasurement())
	}
	for tag, want := range map[string]string{"battery_id": "2", "can_id": "0x102", "interface": "can0"} {
		if got, ok := p.GetTag(tag); !ok || got != want {
			t.Errorf("tag %s = %q (%v), want %q", tag, got, ok, want)
		}
	}
	if got := p.GetField("pack_voltage_v"); got != float64(48.5) {
		t.Errorf("pack_voltage_v = %v", got)
	}
	if got := p.GetField("pack_current_a"); got != float64(-3.25) {
		t.Errorf("pack_current_a = %v", got)
	}
	if got := p.GetField("soc_pct"); got != int64(80) {
		t.Errorf("soc_pct = %v", got)
	}
	if got := p.GetField("status_flags"); got != int64(models.StatusDischarging) {
		t.Errorf("status_flags = %v", got)
	}
	if !p.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v", p.Timestamp)
	}
}
