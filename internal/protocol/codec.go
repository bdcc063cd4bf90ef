package protocol

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// canID accepts either a JSON number or a "0x"-prefixed hex string
type canID uint32

func (id *canID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if unq, err := strconv.Unquote(s); err == nil {
		s = unq
	}
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err = strconv.ParseUint(s[2:], 16, 32)
	} else {
		v, err = strconv.ParseUint(s, 10, 32)
	}
	if err != nil {
		return fmt.Errorf("invalid can_id %s", string(b))
	}
	*id = canID(v)
	return nil
}

type definitionDoc struct {
	Name           string        `json:"name"`
	Manufacturer   string        `json:"manufacturer"`
	Version        string        `json:"version"`
	Description    string        `json:"description"`
	CellCount      uint8         `json:"cell_count"`
	NominalVoltage float32       `json:"nominal_voltage"`
	CapacityAh     float32       `json:"capacity_ah"`
	Chemistry      string        `json:"chemistry"`
	Messages       *[]messageDoc `json:"messages"`
}

type messageDoc struct {
	CANID       canID       `json:"can_id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	PeriodMS    *uint32     `json:"period_ms,omitempty"`
	Fields      *[]fieldDoc `json:"fields"`
}

type fieldDoc struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	ByteOffset  uint8             `json:"byte_offset"`
	Length      uint8             `json:"length"`
	DataType    string            `json:"data_type"`
	Unit        string            `json:"unit"`
	Scale       *float32          `json:"scale,omitempty"`
	Offset      float32           `json:"offset"`
	Formula     string            `json:"formula,omitempty"`
	MinValue    *float32          `json:"min_value,omitempty"`
	MaxValue    *float32          `json:"max_value,omitempty"`
	EnumValues  map[string]string `json:"enum_values,omitempty"`
}

// Decode parses a JSON protocol document without running Validate
func Decode(data []byte) (*Definition, error) {
	var doc definitionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}

	d := &Definition{
		Name:           doc.Name,
		Manufacturer:   doc.Manufacturer,
		Version:        doc.Version,
		Description:    doc.Description,
		CellCount:      doc.CellCount,
		NominalVoltage: doc.NominalVoltage,
		CapacityAh:     doc.CapacityAh,
		Chemistry:      doc.Chemistry,
	}
	if d.Version == "" {
		d.Version = "1.0"
	}
	if d.Chemistry == "" {
		d.Chemistry = "Li-ion"
	}

	if doc.Messages == nil {
		return nil, errors.New("no messages array found")
	}
	if len(*doc.Messages) > MaxMessagesPerDefinition {
		return nil, fmt.Errorf("too many messages: %d (max %d)", len(*doc.Messages), MaxMessagesPerDefinition)
	}

	for _, md := range *doc.Messages {
		m, err := decodeMessage(md)
		if err != nil {
			return nil, err
		}
		if err := d.AddMessage(m); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func decodeMessage(md messageDoc) (Message, error) {
	m := Message{
		CANID:       uint32(md.CANID),
		Name:        md.Name,
		Description: md.Description,
		PeriodMS:    100,
	}
	if md.PeriodMS != nil {
		m.PeriodMS = *md.PeriodMS
	}

	if md.Fields == nil {
		return m, fmt.Errorf("no fields array in message 0x%03X", m.CANID)
	}
	if len(*md.Fields) > MaxFieldsPerMessage {
		return m, fmt.Errorf("too many fields in message 0x%03X: %d (max %d)", m.CANID, len(*md.Fields), MaxFieldsPerMessage)
	}

	for _, fd := range *md.Fields {
		f, err := decodeField(fd)
		if err != nil {
			return m, fmt.Errorf("message 0x%03X: %w", m.CANID, err)
		}
		if err := m.AddField(f); err != nil {
			return m, err
		}
	}
	return m, nil
}

func decodeField(fd fieldDoc) (Field, error) {
	t, err := ParseDataType(fd.DataType)
	if err != nil {
		return Field{}, fmt.Errorf("field %s: %w", fd.Name, err)
	}

	f := Field{
		Name:        fd.Name,
		Description: fd.Description,
		ByteOffset:  fd.ByteOffset,
		Length:      fd.Length,
		Type:        t,
		Unit:        fd.Unit,
		Scale:       1,
		Offset:      fd.Offset,
		Formula:     fd.Formula,
		Min:         fd.MinValue,
		Max:         fd.MaxValue,
	}
	if f.Length == 0 {
		f.Length = t.Size()
	}
	if fd.Scale != nil {
		f.Scale = *fd.Scale
	}

	if len(fd.EnumValues) > MaxEnumValues {
		return f, fmt.Errorf("field %s: too many enum values: %d (max %d)", f.Name, len(fd.EnumValues), MaxEnumValues)
	}
	enums := make([]EnumValue, 0, len(fd.EnumValues))
	for k, name := range fd.EnumValues {
		raw, err := parseEnumKey(k)
		if err != nil {
			return f, fmt.Errorf("field %s: invalid enum key %q", f.Name, k)
		}
		enums = append(enums, EnumValue{Raw: raw, Name: name})
	}
	slices.SortFunc(enums, func(a, b EnumValue) int { return cmp.Compare(a.Raw, b.Raw) })
	for _, e := range enums {
		if err := f.AddEnum(e.Raw, e.Name); err != nil {
			return f, err
		}
	}
	return f, nil
}

// parseEnumKey reads a decimal enum key. Negative keys are stored in two's
// complement, the layout RawBits reports for signed fields.
func parseEnumKey(k string) (uint32, error) {
	k = strings.TrimSpace(k)
	if v, err := strconv.ParseInt(k, 10, 32); err == nil {
		return uint32(int32(v)), nil
	}
	v, err := strconv.ParseUint(k, 10, 32)
	return uint32(v), err
}

func formatEnumKey(t DataType, raw uint32) string {
	if t.Signed() {
		return strconv.FormatInt(int64(int32(raw)), 10)
	}
	return strconv.FormatUint(uint64(raw), 10)
}

// Parse decodes a JSON document and validates it
func Parse(data []byte) (*Definition, error) {
	d, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("protocol validation failed: %w", err)
	}
	return d, nil
}

// Encode renders d as an indented JSON document. Absent bounds are omitted.
func Encode(d *Definition) ([]byte, error) {
	msgs := make([]messageDoc, 0, d.Messages.Len())
	for _, m := range d.Messages.All() {
		period := m.PeriodMS
		fields := make([]fieldDoc, 0, m.Fields.Len())
		for _, f := range m.Fields.All() {
			scale := f.Scale
			fd := fieldDoc{
				Name:        f.Name,
				Description: f.Description,
				ByteOffset:  f.ByteOffset,
				Length:      f.Length,
				DataType:    f.Type.String(),
				Unit:        f.Unit,
				Scale:       &scale,
				Offset:      f.Offset,
				Formula:     f.Formula,
				MinValue:    f.Min,
				MaxValue:    f.Max,
			}
			if f.Enums.Len() > 0 {
				fd.EnumValues = make(map[string]string, f.Enums.Len())
				for _, e := range f.Enums.All() {
					fd.EnumValues[formatEnumKey(f.Type, e.Raw)] = e.Name
				}
			}
			fields = append(fields, fd)
		}
		msgs = append(msgs, messageDoc{
			CANID:       canID(m.CANID),
			Name:        m.Name,
			Description: m.Description,
			PeriodMS:    &period,
			Fields:      &fields,
		})
	}

	return json.MarshalIndent(definitionDoc{
		Name:           d.Name,
		Manufacturer:   d.Manufacturer,
		Version:        d.Version,
		Description:    d.Description,
		CellCount:      d.CellCount,
		NominalVoltage: d.NominalVoltage,
		CapacityAh:     d.CapacityAh,
		Chemistry:      d.Chemistry,
		Messages:       &msgs,
	}, "", "  ")
}
