package models

import (
	"encoding/hex"
	"strings"
	"time"
)

// MaxDataLength is the classic CAN payload limit
const MaxDataLength = 8

// Frame represents a CAN 2.0 frame as seen by the driver
type Frame struct {
	ID        uint32  `json:"id"`
	DLC       uint8   `json:"dlc"`
	Data      [8]byte `json:"data"`
	Timestamp uint32  `json:"timestamp"` // milliseconds since the driver started
	Extended  bool    `json:"extended"`
	RTR       bool    `json:"rtr"`
}

// Payload returns the first DLC bytes of the frame
func (f Frame) Payload() []byte {
	n := int(f.DLC)
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

// DataHex returns the payload as uppercase hex without separators
func (f Frame) DataHex() string {
	return strings.ToUpper(hex.EncodeToString(f.Payload()))
}

// CANMessage includes the CAN frame and wall clock timestamp
type CANMessage struct {
	Frame     Frame
	Timestamp time.Time
	Interface string
}

// CANMessageResponse represents a CAN message in API response
type CANMessageResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Interface string    `json:"interface,omitempty"`
	CANID     uint32    `json:"can_id"`
	CANIDHex  string    `json:"can_id_hex"`
	DLC       uint8     `json:"dlc"`
	Data      []uint8   `json:"data"`
	DataHex   string    `json:"data_hex"`
	Extended  bool      `json:"extended"`
	RTR       bool      `json:"rtr"`
}
