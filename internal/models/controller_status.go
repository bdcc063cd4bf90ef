package models

import "time"

// Bus states as reported by the kernel for SocketCAN devices
const (
	BusStateErrorActive  = "ERROR-ACTIVE"
	BusStateErrorWarning = "ERROR-WARNING"
	BusStateErrorPassive = "ERROR-PASSIVE"
	BusStateBusOff       = "BUS-OFF"
	BusStateStopped      = "STOPPED"
)

// ControllerStatus is a snapshot of the CAN controller hardware state
type ControllerStatus struct {
	Interface string    `json:"interface"`
	Timestamp time.Time `json:"timestamp"`

	// Interface state
	State       string `json:"state"`        // UP, DOWN
	MTU         int    `json:"mtu"`          // Maximum Transmission Unit
	QueueLength int    `json:"queue_length"` // TX queue length

	// CAN-specific parameters
	Bitrate         int    `json:"bitrate"`           // Bitrate in bps
	SamplePoint     string `json:"sample_point"`      // Sample point (e.g., "87.5%")
	RestartMS       int    `json:"restart_ms"`        // Auto-restart delay in ms
	ControllerMode  string `json:"controller_mode"`   // LOOPBACK, LISTEN-ONLY
	BusState        string `json:"bus_state"`         // ERROR-ACTIVE, ERROR-PASSIVE, BUS-OFF
	BusErrorCounter int    `json:"bus_error_counter"` // Bus error counter
	RXErrorCounter  int    `json:"rx_error_counter"`  // RX error counter
	TXErrorCounter  int    `json:"tx_error_counter"`  // TX error counter

	// Frames waiting in the controller, -1 when the backend cannot tell
	TXQueued int `json:"tx_queued"`
	RXQueued int `json:"rx_queued"`

	// Traffic counters
	RXPackets uint64 `json:"rx_packets"`
	RXErrors  uint64 `json:"rx_errors"`
	RXDropped uint64 `json:"rx_dropped"`
	TXPackets uint64 `json:"tx_packets"`
	TXErrors  uint64 `json:"tx_errors"`
	TXDropped uint64 `json:"tx_dropped"`

	// State transition counters
	BusOffRestarts  uint64 `json:"bus_off_restarts"`
	ArbitrationLost uint64 `json:"arbitration_lost"`
	ErrorWarning    uint64 `json:"error_warning"`
	ErrorPassive    uint64 `json:"error_passive"`
	BusOff          uint64 `json:"bus_off"`
}

// IsBusOff reports whether the controller has left the bus
func (s ControllerStatus) IsBusOff() bool {
	return s.BusState == BusStateBusOff
}
