package protocol

import (
	"errors"
	"testing"
)

func validDefinition() *Definition {
	d := &Definition{Name: "Test"}
	m := Message{CANID: 0x100, Name: "Status"}
	m.AddField(Field{Name: "voltage", ByteOffset: 0, Length: 2, Type: Uint16LE, Scale: 0.1})
	m.AddField(Field{Name: "soc", ByteOffset: 4, Length: 1, Type: Uint8, Scale: 1})
	d.AddMessage(m)
	return d
}

func TestDefinitionValid(t *testing.T) {
	if err := validDefinition().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestDefinitionRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Definition)
	}{
		{"field past frame end", func(d *Definition) {
			f := d.Messages.At(0).Fields.At(0)
			f.ByteOffset, f.Length, f.Type = 7, 2, Uint16LE
		}},
		{"offset outside frame", func(d *Definition) {
			f := d.Messages.At(0).Fields.At(1)
			f.ByteOffset = 8
		}},
		{"length type mismatch", func(d *Definition) {
			f := d.Messages.At(0).Fields.At(1)
			f.Length, f.Type = 2, Uint8
		}},
		{"zero scale", func(d *Definition) {
			d.Messages.At(0).Fields.At(0).Scale = 0
		}},
		{"empty name", func(d *Definition) {
			d.Name = ""
		}},
		{"duplicate message id", func(d *Definition) {
			m := Message{CANID: 0x100, Name: "Again"}
			m.AddField(Field{Name: "x", Length: 1, Type: Uint8, Scale: 1})
			d.AddMessage(m)
		}},
		{"duplicate field name", func(d *Definition) {
			d.Messages.At(0).Fields.At(1).Name = "voltage"
		}},
		{"message without fields", func(d *Definition) {
			d.AddMessage(Message{CANID: 0x200})
		}},
		{"inverted range", func(d *Definition) {
			d.Messages.At(0).Fields.At(0).SetRange(10, 1)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDefinition()
			tt.mutate(d)
			err := d.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidDefinition) {
				t.Errorf("error %v does not wrap ErrInvalidDefinition", err)
			}
			if d.IsValid() {
				t.Error("IsValid = true")
			}
		})
	}
}

func TestDefinitionNoMessages(t *testing.T) {
	d := &Definition{Name: "Empty"}
	if d.IsValid() {
		t.Error("definition without messages must be invalid")
	}
}

func TestMessageCapacity(t *testing.T) {
	d := &Definition{Name: "Full"}
	for i := 0; i < MaxMessagesPerDefinition; i++ {
		if err := d.AddMessage(Message{CANID: uint32(i)}); err != nil {
			t.Fatalf("AddMessage %d: %v", i, err)
		}
	}
	if err := d.AddMessage(Message{CANID: 0x7FF}); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}

	var m Message
	for i := 0; i < MaxFieldsPerMessage; i++ {
		m.AddField(Field{Name: string(rune('a' + i))})
	}
	if err := m.AddField(Field{Name: "z"}); !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestFindMessageAndField(t *testing.T) {
	d := validDefinition()
	m := d.FindMessage(0x100)
	if m == nil {
		t.Fatal("FindMessage(0x100) = nil")
	}
	if d.FindMessage(0x101) != nil {
		t.Error("FindMessage(0x101) should be nil")
	}
	if f := m.FindField("soc"); f == nil || f.ByteOffset != 4 {
		t.Errorf("FindField(soc) = %+v", f)
	}
	if m.FindField("SOC") != nil {
		t.Error("field lookup must be exact")
	}
}

func TestBuiltinsValid(t *testing.T) {
	for _, d := range Builtins() {
		if err := d.Validate(); err != nil {
			t.Errorf("%s: %v", d.Name, err)
		}
	}
	if _, ok := Builtin("generic bms"); !ok {
		t.Error("builtin lookup should ignore case")
	}
	if _, ok := Builtin("nope"); ok {
		t.Error("unknown builtin found")
	}
}

func TestBuiltinDPowerState(t *testing.T) {
	d, _ := Builtin(BuiltinDPower48V13S)
	f := d.FindMessage(0x204).FindField("state")
	raw, _ := f.RawBits([]byte{16})
	if name, _ := f.EnumName(raw); name != "charge_complete" {
		t.Errorf("state 16 = %q, want charge_complete", name)
	}
}

func TestBuiltinsAreIndependentCopies(t *testing.T) {
	a, _ := Builtin(BuiltinGenericBMS)
	a.Messages.At(0).Fields.At(0).Scale = 99
	b, _ := Builtin(BuiltinGenericBMS)
	if b.Messages.At(0).Fields.At(0).Scale == 99 {
		t.Error("builtin definitions share state")
	}
}
