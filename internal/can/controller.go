// Package can runs the CAN bus driver and its controller backends.
package can

import (
	"bms-can-monitor/internal/models"
	"errors"
	"time"
)

var (
	ErrNotRunning       = errors.New("CAN driver not running")
	ErrTxQueueFull      = errors.New("transmit queue full")
	ErrInvalidState     = errors.New("controller in invalid state")
	ErrControllerClosed = errors.New("controller closed")
	ErrUnsupportedFrame = errors.New("frame not supported by controller")
)

// Controller is the hardware side of the driver. Implementations must not
// block in Receive.
type Controller interface {
	// Open brings the controller onto the bus at bitrate
	Open(bitrate int) error
	Close() error

	// Receive returns the next buffered frame, ok=false when none is waiting
	Receive() (frame models.Frame, ok bool, err error)

	// Transmit queues f for sending, waiting at most timeout for room.
	// A full queue yields ErrTxQueueFull, a bus-off or stopped controller ErrInvalidState.
	Transmit(f models.Frame, timeout time.Duration) error

	Status() (models.ControllerStatus, error)

	// InitiateRecovery starts the bus-off recovery sequence; Restart returns
	// the controller to normal operation once the settle interval has passed.
	InitiateRecovery() error
	Restart() error

	// SetFilter restricts reception to exact ids. An empty list accepts everything.
	SetFilter(ids []uint32) error
}
