package protocol

import (
	"errors"
	"fmt"
)

// Capacity limits of a Definition
const (
	MaxEnumValues            = 8
	MaxFieldsPerMessage      = 8
	MaxMessagesPerDefinition = 8
	FrameSize                = 8
)

var (
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrUnknownDataType   = errors.New("unknown data type")
	ErrInvalidDefinition = errors.New("invalid protocol definition")
	ErrNotFound          = errors.New("protocol not found")
	ErrFetch             = errors.New("protocol fetch failed")
	ErrStorage           = errors.New("protocol storage failed")
)

// DataType describes how a field is laid out in the frame payload
type DataType uint8

const (
	Uint8 DataType = iota
	Int8
	Uint16LE
	Uint16BE
	Int16LE
	Int16BE
	Uint32LE
	Uint32BE
	Int32LE
	Int32BE
	Float32LE
	Float32BE
)

var dataTypeTokens = [...]string{
	Uint8:     "uint8",
	Int8:      "int8",
	Uint16LE:  "uint16_le",
	Uint16BE:  "uint16_be",
	Int16LE:   "int16_le",
	Int16BE:   "int16_be",
	Uint32LE:  "uint32_le",
	Uint32BE:  "uint32_be",
	Int32LE:   "int32_le",
	Int32BE:   "int32_be",
	Float32LE: "float_le",
	Float32BE: "float_be",
}

// ParseDataType maps a JSON token such as "uint16_le" to a DataType
func ParseDataType(token string) (DataType, error) {
	for i, t := range dataTypeTokens {
		if t == token {
			return DataType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownDataType, token)
}

// Known reports whether t is one of the defined data types
func (t DataType) Known() bool {
	return int(t) < len(dataTypeTokens)
}

// Size returns the natural width in bytes, or 0 for an unknown type
func (t DataType) Size() uint8 {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16LE, Uint16BE, Int16LE, Int16BE:
		return 2
	case Uint32LE, Uint32BE, Int32LE, Int32BE, Float32LE, Float32BE:
		return 4
	default:
		return 0
	}
}

// Signed reports whether the integer type carries a sign
func (t DataType) Signed() bool {
	switch t {
	case Int8, Int16LE, Int16BE, Int32LE, Int32BE:
		return true
	}
	return false
}

// Float reports whether the raw bytes hold an IEEE-754 single
func (t DataType) Float() bool {
	return t == Float32LE || t == Float32BE
}

func (t DataType) String() string {
	if !t.Known() {
		return fmt.Sprintf("DataType(%d)", uint8(t))
	}
	return dataTypeTokens[t]
}

func (t DataType) MarshalText() ([]byte, error) {
	if !t.Known() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDataType, uint8(t))
	}
	return []byte(dataTypeTokens[t]), nil
}

func (t *DataType) UnmarshalText(text []byte) error {
	v, err := ParseDataType(string(text))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
