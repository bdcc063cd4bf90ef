package decoder

import (
	"bms-can-monitor/internal/models"
	"bms-can-monitor/internal/protocol"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/sirupsen/logrus"
)

func newTestDecoder() *Decoder {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger)
}

func approx(a, b float32) bool {
	return math.Abs(float64(a-b)) < 1e-3
}

// statusFrame builds the legacy 0x100 layout: 52.4V, 3.5A, 80%, 25C, 0xFF, charging
func statusFrame(id uint32) models.Frame {
	return models.Frame{
		ID:   id,
		DLC:  8,
		Data: [8]byte{0x0C, 0x02, 0x23, 0x7D, 80, 65, 0xFF, models.StatusCharging},
	}
}

func TestLegacyStatus(t *testing.T) {
	d := newTestDecoder()
	r, ok := d.Decode(statusFrame(0x102))
	if !ok || !r.Valid {
		t.Fatal("legacy status frame not decoded")
	}
	if r.BatteryID != 2 {
		t.Errorf("battery id = %d, want 2", r.BatteryID)
	}
	if !approx(r.PackVoltageV, 52.4) {
		t.Errorf("voltage = %v, want 52.4", r.PackVoltageV)
	}
	if !approx(r.PackCurrentA, 3.5) {
		t.Errorf("current = %v, want 3.5", r.PackCurrentA)
	}
	if r.SOCPct != 80 || r.Temp1C != 25 || r.Temp2C != 0 {
		t.Errorf("soc/temps = %d/%v/%v", r.SOCPct, r.Temp1C, r.Temp2C)
	}
	if !r.HasFlag(models.StatusCharging) {
		t.Error("charging flag lost")
	}
}

func TestLegacyCellsAndShortFrames(t *testing.T) {
	d := newTestDecoder()

	r, ok := d.Decode(models.Frame{ID: 0x203, DLC: 8})
	if !ok || r.BatteryID != 3 {
		t.Errorf("cell frame = %+v, %v", r, ok)
	}

	short := statusFrame(0x100)
	short.DLC = 7
	if _, ok := d.Decode(short); ok {
		t.Error("short status frame decoded")
	}
	if r, ok := d.Decode(models.Frame{ID: 0x300, DLC: 8}); ok || r.Valid {
		t.Error("unknown id decoded")
	}
}

// The generic definition and the legacy layout must agree on current.
func TestCurrentAgreesAcrossPaths(t *testing.T) {
	d := newTestDecoder()
	frame := statusFrame(0x100)

	legacy, ok := d.Decode(frame)
	if !ok {
		t.Fatal("legacy decode failed")
	}

	def, _ := protocol.Builtin(protocol.BuiltinGenericBMS)
	if err := d.SetDefinition(def); err != nil {
		t.Fatalf("SetDefinition: %v", err)
	}
	generic, ok := d.Decode(frame)
	if !ok {
		t.Fatal("definition decode failed")
	}

	if !approx(legacy.PackCurrentA, 3.5) || !approx(generic.PackCurrentA, 3.5) {
		t.Errorf("current legacy=%v generic=%v, want 3.5 both", legacy.PackCurrentA, generic.PackCurrentA)
	}
	if !approx(generic.PackVoltageV, legacy.PackVoltageV) {
		t.Errorf("voltage legacy=%v generic=%v", legacy.PackVoltageV, generic.PackVoltageV)
	}
	if generic.Temp1C != 25 || generic.SOCPct != 80 {
		t.Errorf("generic temp/soc = %v/%d", generic.Temp1C, generic.SOCPct)
	}
}

func TestResolutionOrder(t *testing.T) {
	d := newTestDecoder()
	frame := statusFrame(0x100)

	// legacy only
	r, _ := d.Decode(frame)
	if r.PackIdentifier != 0 || !approx(r.PackCurrentA, 3.5) {
		t.Fatalf("legacy decode = %+v", r)
	}

	// definition beats legacy: a layout reading pack_identifier from bytes 0..3
	def := &protocol.Definition{Name: "Ident"}
	m := protocol.Message{CANID: 0x100, Name: "Ident"}
	m.AddField(protocol.Field{Name: "pack_identifier", ByteOffset: 0, Length: 4, Type: protocol.Uint32LE, Scale: 1})
	def.AddMessage(m)
	if err := d.SetDefinition(def); err != nil {
		t.Fatal(err)
	}
	r, ok := d.Decode(frame)
	if !ok || r.PackIdentifier != 0x7D23020C {
		t.Fatalf("definition decode = %+v, %v", r, ok)
	}
	if r.PackCurrentA != 0 {
		t.Error("legacy fields leaked into definition decode")
	}

	// handler beats definition
	err := d.RegisterHandler(0x100, HandlerFunc(func(f models.Frame, r *models.Reading) bool {
		r.BatteryID = 42
		return true
	}))
	if err != nil {
		t.Fatal(err)
	}
	r, ok = d.Decode(frame)
	if !ok || r.BatteryID != 42 || r.PackIdentifier != 0 {
		t.Errorf("handler decode = %+v, %v", r, ok)
	}

	d.UnregisterHandler(0x100)
	if r, _ := d.Decode(frame); r.PackIdentifier != 0x7D23020C {
		t.Error("definition not used after handler removal")
	}
}

func TestActiveDefinitionDisablesLegacy(t *testing.T) {
	d := newTestDecoder()
	def, _ := protocol.Builtin(protocol.BuiltinDPower48V13S)
	d.SetDefinition(def)

	if _, ok := d.Decode(statusFrame(0x101)); ok {
		t.Error("frame outside the definition must not fall back to legacy")
	}
}

func TestDefinitionSkipsOutOfRangeFields(t *testing.T) {
	d := newTestDecoder()
	def, _ := protocol.Builtin(protocol.BuiltinDPower48V13S)
	d.SetDefinition(def)

	// 48100 mV total: in range for total, 3700 average also in range
	frame := models.Frame{ID: 0x202, DLC: 2, Data: [8]byte{0xE4, 0xBB}}
	r, ok := d.Decode(frame)
	if !ok || !approx(r.PackVoltageV, 48.1) {
		t.Errorf("total voltage = %v, %v; want 48.1", r.PackVoltageV, ok)
	}

	// 1000 mV is below both ranges
	frame.Data = [8]byte{0xE8, 0x03}
	if r, ok := d.Decode(frame); ok || r.Valid {
		t.Errorf("out of range frame reported valid: %+v", r)
	}
}

func TestStateEnum(t *testing.T) {
	d := newTestDecoder()
	def, _ := protocol.Builtin(protocol.BuiltinDPower48V13S)
	d.SetDefinition(def)

	frame := models.Frame{ID: 0x204, DLC: 1, Data: [8]byte{34}}
	r, ok := d.Decode(frame)
	if !ok || r.StatusFlags != 34 {
		t.Errorf("state = %d, %v", r.StatusFlags, ok)
	}

	fields, ok := d.DecodeFields(frame)
	if !ok || len(fields) != 1 || fields[0].State != "charging_phase_1" {
		t.Errorf("DecodeFields = %+v, %v", fields, ok)
	}
}

func TestSetDefinitionRejectsInvalid(t *testing.T) {
	d := newTestDecoder()
	good, _ := protocol.Builtin(protocol.BuiltinGenericBMS)
	d.SetDefinition(good)

	if err := d.SetDefinition(&protocol.Definition{Name: "empty"}); !errors.Is(err, protocol.ErrInvalidDefinition) {
		t.Errorf("invalid definition accepted: %v", err)
	}
	if d.Definition() != good {
		t.Error("active definition replaced by invalid one")
	}

	d.SetDefinition(nil)
	if d.Definition() != nil {
		t.Error("definition not cleared")
	}
}

func TestHandlerRegistryBound(t *testing.T) {
	d := newTestDecoder()
	noop := HandlerFunc(func(models.Frame, *models.Reading) bool { return true })
	for i := 0; i < MaxHandlers; i++ {
		if err := d.RegisterHandler(uint32(0x500+i), noop); err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}
	if err := d.RegisterHandler(0x600, noop); !errors.Is(err, ErrHandlerRegistryFull) {
		t.Errorf("expected ErrHandlerRegistryFull, got %v", err)
	}
	// replacing an existing id is still allowed
	if err := d.RegisterHandler(0x500, noop); err != nil {
		t.Errorf("replace failed: %v", err)
	}
}

func TestFailingHandler(t *testing.T) {
	d := newTestDecoder()
	d.RegisterHandler(0x100, HandlerFunc(func(models.Frame, *models.Reading) bool { return false }))
	if r, ok := d.Decode(statusFrame(0x100)); ok || r.Valid {
		t.Error("failing handler must not fall through to legacy")
	}
}
