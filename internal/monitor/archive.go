package monitor

import (
	"bms-can-monitor/internal/database"
	"bms-can-monitor/internal/models"
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// FrameArchiver is a frame listener that queues every frame for the archive
type FrameArchiver struct {
	writer   database.FrameWriter
	iface    string
	now      func() time.Time
	lastWarn time.Time
	log      logrus.FieldLogger
}

func NewFrameArchiver(writer database.FrameWriter, iface string, logger logrus.FieldLogger) *FrameArchiver {
	return &FrameArchiver{
		writer: writer,
		iface:  iface,
		now:    time.Now,
		log:    logger.WithField("component", "archive"),
	}
}

// OnFrame runs on the driver RX goroutine and never blocks
func (a *FrameArchiver) OnFrame(f models.Frame) {
	now := a.now()
	if a.writer.Write(models.CANMessage{Frame: f, Timestamp: now, Interface: a.iface}) {
		return
	}
	if now.Sub(a.lastWarn) >= 10*time.Second {
		a.lastWarn = now
		a.log.Warn("Archive queue full, dropping frames")
	}
}

// PumpStatus forwards sampled controller status to w until ctx is done or
// the channel closes
func PumpStatus(ctx context.Context, samples <-chan models.ControllerStatus, w database.StatusWriter) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-samples:
			if !ok {
				return
			}
			w.WriteStatus(st)
		}
	}
}
