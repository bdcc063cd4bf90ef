package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// EnumValue maps a raw field value to a symbolic name
type EnumValue struct {
	Raw  uint32
	Name string
}

// Field describes one value packed into a CAN payload.
// Decoded value = raw*Scale + Offset.
type Field struct {
	Name        string
	Description string
	ByteOffset  uint8
	Length      uint8
	Type        DataType
	Unit        string
	Scale       float32
	Offset      float32
	Formula     string
	Min         *float32
	Max         *float32
	Enums       List[EnumValue, EnumCapacity]
}

// AddEnum registers a symbolic name for raw
func (f *Field) AddEnum(raw uint32, name string) error {
	if err := f.Enums.Append(EnumValue{Raw: raw, Name: name}); err != nil {
		return fmt.Errorf("field %s: too many enum values: %w", f.Name, err)
	}
	return nil
}

// SetRange sets both valid-range bounds
func (f *Field) SetRange(min, max float32) {
	f.Min = &min
	f.Max = &max
}

func (f *Field) span(data []byte) ([]byte, bool) {
	size := int(f.Type.Size())
	start := int(f.ByteOffset)
	if size == 0 || start+size > len(data) {
		return nil, false
	}
	return data[start : start+size], true
}

// RawValue reads the field without scaling. Float types are returned
// after bit reinterpretation.
func (f *Field) RawValue(data []byte) (float64, bool) {
	b, ok := f.span(data)
	if !ok {
		return math.NaN(), false
	}

	switch f.Type {
	case Uint8:
		return float64(b[0]), true
	case Int8:
		return float64(int8(b[0])), true
	case Uint16LE:
		return float64(binary.LittleEndian.Uint16(b)), true
	case Uint16BE:
		return float64(binary.BigEndian.Uint16(b)), true
	case Int16LE:
		return float64(int16(binary.LittleEndian.Uint16(b))), true
	case Int16BE:
		return float64(int16(binary.BigEndian.Uint16(b))), true
	case Uint32LE:
		return float64(binary.LittleEndian.Uint32(b)), true
	case Uint32BE:
		return float64(binary.BigEndian.Uint32(b)), true
	case Int32LE:
		return float64(int32(binary.LittleEndian.Uint32(b))), true
	case Int32BE:
		return float64(int32(binary.BigEndian.Uint32(b))), true
	case Float32LE:
		return float64(bitsToFloat(binary.LittleEndian.Uint32(b))), true
	case Float32BE:
		return float64(bitsToFloat(binary.BigEndian.Uint32(b))), true
	}
	return math.NaN(), false
}

// RawBits returns the undecoded integer for enum lookups. Signed values
// keep their two's complement bit pattern.
func (f *Field) RawBits(data []byte) (uint32, bool) {
	b, ok := f.span(data)
	if !ok {
		return 0, false
	}

	switch f.Type {
	case Uint8:
		return uint32(b[0]), true
	case Int8:
		return uint32(int32(int8(b[0]))), true
	case Uint16LE:
		return uint32(binary.LittleEndian.Uint16(b)), true
	case Uint16BE:
		return uint32(binary.BigEndian.Uint16(b)), true
	case Int16LE:
		return uint32(int32(int16(binary.LittleEndian.Uint16(b)))), true
	case Int16BE:
		return uint32(int32(int16(binary.BigEndian.Uint16(b)))), true
	case Uint32LE, Int32LE, Float32LE:
		return binary.LittleEndian.Uint32(b), true
	case Uint32BE, Int32BE, Float32BE:
		return binary.BigEndian.Uint32(b), true
	}
	return 0, false
}

// ExtractValue decodes the scaled value from a payload.
// It returns NaN when the payload is too short or the type is unknown.
func (f *Field) ExtractValue(data []byte) float32 {
	raw, ok := f.RawValue(data)
	if !ok {
		return float32(math.NaN())
	}
	return float32(raw*float64(f.Scale) + float64(f.Offset))
}

// IsValueValid checks a decoded value against the optional bounds
func (f *Field) IsValueValid(v float32) bool {
	if math.IsNaN(float64(v)) {
		return false
	}
	if f.Min != nil && v < *f.Min {
		return false
	}
	if f.Max != nil && v > *f.Max {
		return false
	}
	return true
}

// EnumName looks up the symbolic name of raw
func (f *Field) EnumName(raw uint32) (string, bool) {
	for _, e := range f.Enums.All() {
		if e.Raw == raw {
			return e.Name, true
		}
	}
	return "", false
}

// Validate checks the field layout against a classic 8 byte frame
func (f *Field) Validate() error {
	if f.Name == "" {
		return errors.New("field with empty name")
	}
	if !f.Type.Known() {
		return fmt.Errorf("field %s: %w", f.Name, ErrUnknownDataType)
	}
	if f.ByteOffset >= FrameSize {
		return fmt.Errorf("field %s: byte_offset %d outside frame", f.Name, f.ByteOffset)
	}
	if int(f.ByteOffset)+int(f.Length) > FrameSize {
		return fmt.Errorf("field %s: byte_offset %d + length %d exceeds %d bytes", f.Name, f.ByteOffset, f.Length, FrameSize)
	}
	if f.Length != f.Type.Size() {
		return fmt.Errorf("field %s: length %d does not match %s (%d bytes)", f.Name, f.Length, f.Type, f.Type.Size())
	}
	if f.Scale == 0 {
		return fmt.Errorf("field %s: scale must not be zero", f.Name)
	}
	if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
		return fmt.Errorf("field %s: min_value %g greater than max_value %g", f.Name, *f.Min, *f.Max)
	}
	return nil
}

// EncodeValue writes v into data with the inverse of ExtractValue.
// Integer types are rounded to the nearest raw step.
func (f *Field) EncodeValue(data []byte, v float32) error {
	b, ok := f.span(data)
	if !ok {
		return fmt.Errorf("field %s: payload too short", f.Name)
	}
	if f.Scale == 0 {
		return fmt.Errorf("field %s: scale must not be zero", f.Name)
	}

	raw := (float64(v) - float64(f.Offset)) / float64(f.Scale)
	if f.Type.Float() {
		bits := floatToBits(float32(raw))
		if f.Type == Float32LE {
			binary.LittleEndian.PutUint32(b, bits)
		} else {
			binary.BigEndian.PutUint32(b, bits)
		}
		return nil
	}

	n := int64(math.Round(raw))
	switch f.Type {
	case Uint8, Int8:
		b[0] = byte(n)
	case Uint16LE, Int16LE:
		binary.LittleEndian.PutUint16(b, uint16(n))
	case Uint16BE, Int16BE:
		binary.BigEndian.PutUint16(b, uint16(n))
	case Uint32LE, Int32LE:
		binary.LittleEndian.PutUint32(b, uint32(n))
	case Uint32BE, Int32BE:
		binary.BigEndian.PutUint32(b, uint32(n))
	default:
		return fmt.Errorf("field %s: %w", f.Name, ErrUnknownDataType)
	}
	return nil
}

func bitsToFloat(bits uint32) float32 {
	return math.Float32frombits(bits)
}

func floatToBits(v float32) uint32 {
	return math.Float32bits(v)
}
