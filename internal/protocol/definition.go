package protocol

import (
	"errors"
	"fmt"
)

// Message groups the fields carried by one CAN identifier
type Message struct {
	CANID       uint32
	Name        string
	Description string
	PeriodMS    uint32
	Fields      List[Field, FieldCapacity]
}

// AddField appends f to the message
func (m *Message) AddField(f Field) error {
	if err := m.Fields.Append(f); err != nil {
		return fmt.Errorf("message 0x%03X: too many fields: %w", m.CANID, err)
	}
	return nil
}

// FindField returns the field named name, or nil
func (m *Message) FindField(name string) *Field {
	for _, f := range m.Fields.All() {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Definition is a declarative decoding schema for one battery protocol.
// Once installed for decoding a Definition must not be mutated.
type Definition struct {
	Name           string
	Manufacturer   string
	Version        string
	Description    string
	CellCount      uint8
	NominalVoltage float32
	CapacityAh     float32
	Chemistry      string
	Messages       List[Message, MessageCapacity]
}

// AddMessage appends m to the definition
func (d *Definition) AddMessage(m Message) error {
	if err := d.Messages.Append(m); err != nil {
		return fmt.Errorf("too many messages: %w", err)
	}
	return nil
}

// FindMessage returns the message for canID, or nil
func (d *Definition) FindMessage(canID uint32) *Message {
	for _, m := range d.Messages.All() {
		if m.CANID == canID {
			return m
		}
	}
	return nil
}

// Validate reports the first structural problem found, wrapped in ErrInvalidDefinition
func (d *Definition) Validate() error {
	if err := d.validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return nil
}

func (d *Definition) validate() error {
	if d.Name == "" {
		return errors.New("name is empty")
	}
	if d.Messages.Len() == 0 {
		return errors.New("no messages defined")
	}
	if d.Messages.Len() > MaxMessagesPerDefinition {
		return fmt.Errorf("%d messages exceed limit %d", d.Messages.Len(), MaxMessagesPerDefinition)
	}

	ids := make(map[uint32]struct{}, d.Messages.Len())
	for _, m := range d.Messages.All() {
		if _, dup := ids[m.CANID]; dup {
			return fmt.Errorf("duplicate message id 0x%03X", m.CANID)
		}
		ids[m.CANID] = struct{}{}

		if m.Fields.Len() == 0 {
			return fmt.Errorf("message 0x%03X has no fields", m.CANID)
		}

		names := make(map[string]struct{}, m.Fields.Len())
		for _, f := range m.Fields.All() {
			if err := f.Validate(); err != nil {
				return fmt.Errorf("message 0x%03X: %w", m.CANID, err)
			}
			if _, dup := names[f.Name]; dup {
				return fmt.Errorf("message 0x%03X: duplicate field %s", m.CANID, f.Name)
			}
			names[f.Name] = struct{}{}
		}
	}
	return nil
}

// IsValid reports whether the definition may be installed for decoding
func (d *Definition) IsValid() bool {
	return d.Validate() == nil
}
