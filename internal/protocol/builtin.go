package protocol

import "strings"

// Names of the compiled-in definitions
const (
	BuiltinDPower48V13S = "Tianjin D-power 48V 13S"
	BuiltinGenericBMS   = "Generic BMS"
)

var builtins = []func() *Definition{
	dpower48V13S,
	genericBMS,
}

// Builtins returns a fresh copy of every compiled-in definition
func Builtins() []*Definition {
	out := make([]*Definition, 0, len(builtins))
	for _, build := range builtins {
		out = append(out, build())
	}
	return out
}

// Builtin returns the compiled-in definition with the given name (case-insensitive)
func Builtin(name string) (*Definition, bool) {
	for _, build := range builtins {
		d := build()
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return nil, false
}

func field(name, desc string, offset uint8, t DataType, unit string, scale, off, min, max float32) Field {
	f := Field{
		Name:        name,
		Description: desc,
		ByteOffset:  offset,
		Length:      t.Size(),
		Type:        t,
		Unit:        unit,
		Scale:       scale,
		Offset:      off,
	}
	f.SetRange(min, max)
	return f
}

// mustBuild assembles a compiled-in definition. The limits are static, so an
// error here is a programming mistake.
func mustBuild(d Definition, msgs ...Message) *Definition {
	for _, m := range msgs {
		if err := d.AddMessage(m); err != nil {
			panic(err)
		}
	}
	return &d
}

func mustMessage(id uint32, name, desc string, period uint32, fields ...Field) Message {
	m := Message{CANID: id, Name: name, Description: desc, PeriodMS: period}
	for _, f := range fields {
		if err := m.AddField(f); err != nil {
			panic(err)
		}
	}
	return m
}

func dpower48V13S() *Definition {
	avg := field("avg_cell_voltage_mv", "Average cell voltage calculated from total", 0, Uint16LE, "mV", 0.07692307692, 0, 3000, 4200)
	avg.Formula = "value / 13"

	state := field("state", "Battery state machine", 0, Uint8, "", 1, 0, 0, 255)
	for _, e := range []EnumValue{
		{34, "charging_phase_1"},
		{33, "charging_phase_2"},
		{32, "charging_phase_3"},
		{16, "charge_complete"},
		{0, "idle"},
	} {
		if err := state.AddEnum(e.Raw, e.Name); err != nil {
			panic(err)
		}
	}

	return mustBuild(Definition{
		Name:           BuiltinDPower48V13S,
		Manufacturer:   "D-power",
		Version:        "1.0",
		Description:    "48V 13S 25Ah Li-ion battery pack",
		CellCount:      13,
		NominalVoltage: 48,
		CapacityAh:     25,
		Chemistry:      "Li-ion",
	},
		mustMessage(0x202, "Total Pack Voltage", "Sum of all cell voltages", 100,
			field("total_voltage_mv", "Total pack voltage (sum of all cells)", 0, Uint16LE, "mV", 1, 0, 39000, 54600),
			avg,
		),
		mustMessage(0x203, "Cell Data", "Individual cell voltages", 50,
			field("cell_index", "Cell index counter", 0, Uint8, "", 1, 0, 0, 255),
			field("cell_voltage_1", "First cell voltage", 2, Uint16LE, "mV", 1, 0, 3000, 4200),
			field("cell_voltage_2", "Second cell voltage", 4, Uint16LE, "mV", 1, 0, 3000, 4200),
			field("cell_voltage_3", "Third cell voltage", 6, Uint16LE, "mV", 1, 0, 3000, 4200),
		),
		mustMessage(0x204, "State", "Battery state machine", 100, state),
	)
}

// genericBMS mirrors the legacy 0x100 status layout so that both decode
// paths agree: current raw 32035 gives 3.5 A either way.
func genericBMS() *Definition {
	return mustBuild(Definition{
		Name:         BuiltinGenericBMS,
		Manufacturer: "Generic",
		Version:      "1.0",
		Description:  "Generic BMS protocol template",
		Chemistry:    "Li-ion",
	},
		mustMessage(0x100, "Battery Status", "Common battery status", 100,
			field("pack_voltage", "Pack voltage", 0, Uint16LE, "V", 0.1, 0, 0, 1000),
			field("pack_current", "Pack current", 2, Int16LE, "A", 0.1, -3200, -3200, 3200),
			field("soc", "State of charge", 4, Uint8, "%", 1, 0, 0, 100),
			field("temperature", "Battery temperature", 5, Uint8, "C", 1, -40, -40, 100),
		),
	)
}
