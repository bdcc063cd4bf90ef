// Package database holds the archive sinks that receive frames, readings and
// controller snapshots from the monitor.
package database

import "bms-can-monitor/internal/models"

// FrameWriter archives raw CAN frames
type FrameWriter interface {
	Start()
	Write(msg models.CANMessage) bool
	Close() error
}

// ReadingWriter archives decoded battery readings
type ReadingWriter interface {
	Start()
	WriteReading(s models.ReadingSample) bool
	Close() error
}

// StatusWriter archives controller status snapshots
type StatusWriter interface {
	Start()
	WriteStatus(st models.ControllerStatus) bool
	Close() error
}
