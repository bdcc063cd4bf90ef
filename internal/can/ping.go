package can

import (
	"bms-can-monitor/internal/models"
	"time"
)

// PingID is the identifier of the transceiver self-test frame
const PingID = 0x404

// pingFrame builds the n-th heartbeat. Bytes alternate between 0x0F and 0xF0,
// and the starting pattern flips on every ping.
func pingFrame(counter uint32) models.Frame {
	f := models.Frame{ID: PingID, DLC: 8}
	pattern := byte(0x0F)
	if counter&1 == 1 {
		pattern = 0xF0
	}
	for i := range f.Data {
		f.Data[i] = pattern
		pattern = ^pattern
	}
	return f
}

// SendPing transmits one heartbeat frame
func (d *Driver) SendPing() error {
	if d.State() != StateRunning {
		return ErrNotRunning
	}

	n := d.pingCounter.Add(1)
	if err := d.SendMessage(pingFrame(n - 1)); err != nil {
		d.log.WithError(err).Warn("Ping failed to send")
		return err
	}
	d.log.WithField("counter", n).Debug("Ping sent")
	return nil
}

// EnablePeriodicPing sends a heartbeat from the receive loop every interval
func (d *Driver) EnablePeriodicPing(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	d.pingInterval.Store(int64(interval))
	d.lastPingNanos.Store(time.Now().UnixNano())
	d.pingEnabled.Store(true)
	d.log.WithField("interval", interval).Info("Periodic ping enabled")
}

// DisablePeriodicPing stops the heartbeat
func (d *Driver) DisablePeriodicPing() {
	d.pingEnabled.Store(false)
	d.log.Info("Periodic ping disabled")
}

// PingEnabled reports whether the heartbeat is active
func (d *Driver) PingEnabled() bool {
	return d.pingEnabled.Load()
}

func (d *Driver) maybePing() {
	if !d.pingEnabled.Load() || d.State() != StateRunning {
		return
	}
	now := time.Now().UnixNano()
	if now-d.lastPingNanos.Load() < d.pingInterval.Load() {
		return
	}
	d.lastPingNanos.Store(now)
	d.SendPing()
}
