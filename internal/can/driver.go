package can

import (
	"bms-can-monitor/internal/models"
	"bms-can-monitor/internal/queue"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	einride "go.einride.tech/can"
)

// State is the driver lifecycle state
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateBusOff
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StateBusOff:
		return "BUS_OFF"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// DefaultBitrate is used when the requested bitrate has no timing profile
const DefaultBitrate = 500000

// SupportedBitrates lists the bitrates with a timing profile
var SupportedBitrates = []int{100000, 125000, 250000, 500000, 1000000}

// FrameListener is invoked synchronously from the receive loop for every
// frame, in arrival order. Implementations must return quickly.
type FrameListener interface {
	OnFrame(f models.Frame)
}

// FrameListenerFunc adapts a function to FrameListener
type FrameListenerFunc func(f models.Frame)

func (fn FrameListenerFunc) OnFrame(f models.Frame) { fn(f) }

// TxFailure classifies the most recent transmit failure
type TxFailure int

const (
	TxFailureNone TxFailure = iota
	TxFailureQueueFull
	TxFailureInvalidState
	TxFailureOther
)

func (k TxFailure) String() string {
	switch k {
	case TxFailureNone:
		return "none"
	case TxFailureQueueFull:
		return "queue_full"
	case TxFailureInvalidState:
		return "invalid_state"
	default:
		return "other"
	}
}

// Options tunes the driver
type Options struct {
	Interface          string
	RxQueueSize        int
	PollInterval       time.Duration
	StateCheckInterval time.Duration
	SettleInterval     time.Duration
	TxTimeout          time.Duration
	StatusLogInterval  time.Duration
}

// DefaultOptions returns the driver defaults
func DefaultOptions() Options {
	return Options{
		RxQueueSize:        100,
		PollInterval:       time.Millisecond,
		StateCheckInterval: 100 * time.Millisecond,
		SettleInterval:     100 * time.Millisecond,
		TxTimeout:          10 * time.Millisecond,
		StatusLogInterval:  10 * time.Second,
	}
}

// Driver owns a Controller and runs its receive loop
type Driver struct {
	ctrl Controller
	opts Options
	log  logrus.FieldLogger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	state   atomic.Int32
	bitrate atomic.Int32
	started time.Time

	// rx is filled by the receive loop and drained by Receive
	qmu    sync.Mutex
	rx     *queue.Queue[models.Frame]
	notify chan struct{}

	listenersMu sync.RWMutex
	listeners   []FrameListener

	rxCount     atomic.Uint32
	txCount     atomic.Uint32
	rxDropped   atomic.Uint32
	txFailed    atomic.Uint32
	busOffCount atomic.Uint32
	errorCount  atomic.Uint32

	txErrMu   sync.Mutex
	txErrKind TxFailure
	txErr     error

	recoverMu sync.Mutex

	filterMu sync.Mutex
	filters  []uint32

	pingEnabled   atomic.Bool
	pingInterval  atomic.Int64
	pingCounter   atomic.Uint32
	lastPingNanos atomic.Int64
}

// NewDriver creates a driver for ctrl. Zero option fields take defaults.
func NewDriver(ctrl Controller, opts Options, logger logrus.FieldLogger) *Driver {
	def := DefaultOptions()
	if opts.RxQueueSize <= 0 {
		opts.RxQueueSize = def.RxQueueSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.StateCheckInterval <= 0 {
		opts.StateCheckInterval = def.StateCheckInterval
	}
	if opts.SettleInterval <= 0 {
		opts.SettleInterval = def.SettleInterval
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = def.TxTimeout
	}
	if opts.StatusLogInterval <= 0 {
		opts.StatusLogInterval = def.StatusLogInterval
	}

	fields := logrus.Fields{"component": "can"}
	if opts.Interface != "" {
		fields["interface"] = opts.Interface
	}

	d := &Driver{
		ctrl:   ctrl,
		opts:   opts,
		log:    logger.WithFields(fields),
		rx:     queue.New[models.Frame](opts.RxQueueSize, queue.RejectNewest),
		notify: make(chan struct{}, 1),
	}
	d.pingInterval.Store(int64(time.Second))
	return d
}

// SupportedBitrate reports whether bitrate has a timing profile
func SupportedBitrate(bitrate int) bool {
	return slices.Contains(SupportedBitrates, bitrate)
}

// Begin opens the controller and starts the receive loop. Calling it while
// the driver is active is a no-op.
func (d *Driver) Begin(bitrate int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if s := d.State(); s == StateRunning || s == StateBusOff {
		d.log.Info("CAN driver already initialized")
		return nil
	}

	if !SupportedBitrate(bitrate) {
		d.log.WithField("bitrate", bitrate).Warnf("Unsupported bitrate, using %d", DefaultBitrate)
		bitrate = DefaultBitrate
	}

	d.log.WithField("bitrate", bitrate).Info("Initializing CAN driver")
	if err := d.ctrl.Open(bitrate); err != nil {
		d.setState(StateError)
		return fmt.Errorf("failed to open CAN controller: %w", err)
	}

	d.filterMu.Lock()
	filters := slices.Clone(d.filters)
	d.filterMu.Unlock()
	if len(filters) > 0 {
		if err := d.ctrl.SetFilter(filters); err != nil {
			d.log.WithError(err).Warn("Failed to apply CAN filters")
		}
	}

	d.bitrate.Store(int32(bitrate))
	d.started = time.Now()
	d.ResetStats()
	d.setState(StateRunning)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(1)
	go d.rxLoop(ctx)

	d.log.WithField("bitrate", bitrate).Info("CAN driver initialized")
	return nil
}

// End stops the receive loop and releases the controller. Safe to call
// without a successful Begin.
func (d *Driver) End() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		d.setState(StateUninitialized)
		return nil
	}

	d.log.Info("Shutting down CAN driver")
	d.cancel()
	d.wg.Wait()
	d.cancel = nil

	err := d.ctrl.Close()
	d.setState(StateUninitialized)

	d.qmu.Lock()
	d.rx.Clear()
	d.qmu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to close CAN controller: %w", err)
	}
	d.log.Info("CAN driver shutdown complete")
	return nil
}

func (d *Driver) setState(s State) {
	d.state.Store(int32(s))
}

// State returns the current lifecycle state
func (d *Driver) State() State {
	return State(d.state.Load())
}

// StatusString returns the state name
func (d *Driver) StatusString() string {
	return d.State().String()
}

// Bitrate returns the active bitrate, zero before Begin
func (d *Driver) Bitrate() int {
	return int(d.bitrate.Load())
}

// Initialized reports whether Begin has succeeded and End has not been called
func (d *Driver) Initialized() bool {
	s := d.State()
	return s == StateRunning || s == StateBusOff
}

// AddListener registers l for every received frame
func (d *Driver) AddListener(l FrameListener) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	d.listeners = append(d.listeners, l)
}

func (d *Driver) timestamp() uint32 {
	return uint32(time.Since(d.started).Milliseconds())
}

func sleepCtx(ctx context.Context, dur time.Duration) bool {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Driver) rxLoop(ctx context.Context) {
	defer d.wg.Done()
	d.log.Info("CAN receive loop started")

	var lastStateCheck, lastStatusLog time.Time
	for {
		if ctx.Err() != nil {
			return
		}

		d.maybePing()

		now := time.Now()
		if now.Sub(lastStatusLog) >= d.opts.StatusLogInterval {
			lastStatusLog = now
			d.logStatus()
		}

		n, closed := d.drain()
		if closed {
			d.log.Warn("CAN controller closed, receive loop exiting")
			return
		}
		if n > 10 {
			d.log.WithField("frames", n).Debug("Processed burst in one cycle")
		}

		if now.Sub(lastStateCheck) >= d.opts.StateCheckInterval {
			lastStateCheck = now
			d.checkBusState()
		}

		if !sleepCtx(ctx, d.opts.PollInterval) {
			return
		}
	}
}

// drain reads every frame the controller has buffered
func (d *Driver) drain() (int, bool) {
	n := 0
	for {
		f, ok, err := d.ctrl.Receive()
		if err != nil {
			if errors.Is(err, ErrControllerClosed) {
				return n, true
			}
			d.log.WithError(err).Debug("CAN receive error")
			return n, false
		}
		if !ok {
			return n, false
		}
		n++
		d.handleFrame(f)
	}
}

func (d *Driver) handleFrame(f models.Frame) {
	f.Timestamp = d.timestamp()

	d.qmu.Lock()
	accepted := d.rx.Push(f)
	d.qmu.Unlock()

	if !accepted {
		d.rxDropped.Add(1)
		d.log.WithField("id", fmt.Sprintf("0x%03X", f.ID)).Warn("CAN RX buffer full, dropped frame")
	} else {
		count := d.rxCount.Add(1)
		if count <= 5 {
			d.log.WithFields(logrus.Fields{"n": count, "id": fmt.Sprintf("0x%03X", f.ID), "dlc": f.DLC}).Info("CAN RX")
		}
		select {
		case d.notify <- struct{}{}:
		default:
		}
	}

	d.listenersMu.RLock()
	for _, l := range d.listeners {
		l.OnFrame(f)
	}
	d.listenersMu.RUnlock()
}

// checkBusState follows the hardware bus state. Entering bus-off triggers one
// automatic recovery attempt; a hardware return to normal clears BusOff.
func (d *Driver) checkBusState() {
	st, err := d.ctrl.Status()
	if err != nil {
		return
	}

	switch {
	case st.IsBusOff() && d.State() == StateRunning:
		d.log.WithFields(logrus.Fields{
			"tx_errors": st.TXErrorCounter,
			"rx_errors": st.RXErrorCounter,
		}).Error("Bus-off detected, check termination, other nodes and bitrate")
		d.setState(StateBusOff)
		d.errorCount.Add(1)

		d.log.Warn("Attempting automatic recovery")
		if err := d.recover(); err != nil {
			d.log.WithError(err).Error("Automatic recovery failed, manual intervention required")
		} else {
			d.log.Info("Automatic recovery successful")
		}

	case !st.IsBusOff() && st.BusState != models.BusStateStopped && d.State() == StateBusOff:
		d.log.Info("Bus recovered to running state")
		d.setState(StateRunning)
	}
}

// RecoverBusOff runs the recovery sequence on operator request. The driver
// must be in BusOff.
func (d *Driver) RecoverBusOff() error {
	if !d.Initialized() {
		return ErrNotRunning
	}
	if d.State() != StateBusOff {
		return fmt.Errorf("%w: bus is %s", ErrInvalidState, d.State())
	}
	return d.recover()
}

func (d *Driver) recover() error {
	d.recoverMu.Lock()
	defer d.recoverMu.Unlock()

	d.log.Warn("Attempting bus-off recovery")
	if err := d.ctrl.InitiateRecovery(); err != nil {
		return fmt.Errorf("initiate recovery: %w", err)
	}

	time.Sleep(d.opts.SettleInterval)

	if err := d.ctrl.Restart(); err != nil {
		return fmt.Errorf("restart controller: %w", err)
	}

	d.setState(StateRunning)
	d.busOffCount.Add(1)
	d.log.Info("Recovery successful")
	return nil
}

// SendMessage transmits f. It fails immediately unless the driver is running;
// transmit failures are counted and classified, never retried.
func (d *Driver) SendMessage(f models.Frame) error {
	if !d.Initialized() {
		d.log.Error("CAN TX failed: driver not initialized")
		return ErrNotRunning
	}
	if s := d.State(); s != StateRunning {
		d.log.WithField("state", s).Error("CAN TX failed: bus not running")
		return fmt.Errorf("%w: state %s", ErrNotRunning, s)
	}

	ef := einride.Frame{
		ID:         f.ID,
		Length:     f.DLC,
		Data:       einride.Data(f.Data),
		IsExtended: f.Extended,
		IsRemote:   f.RTR,
	}
	if err := ef.Validate(); err != nil {
		d.recordTxFailure(TxFailureOther, err)
		return fmt.Errorf("%w: %w", ErrUnsupportedFrame, err)
	}

	err := d.ctrl.Transmit(f, d.opts.TxTimeout)
	if err == nil {
		d.txCount.Add(1)
		d.log.WithField("frame", ef.String()).Debug("CAN TX")
		return nil
	}

	switch {
	case errors.Is(err, ErrTxQueueFull):
		d.recordTxFailure(TxFailureQueueFull, err)
		d.log.Warn("CAN TX timeout: transmit queue full")
	case errors.Is(err, ErrInvalidState):
		d.recordTxFailure(TxFailureInvalidState, err)
		d.log.Error("CAN TX failed: invalid state (bus-off or not started)")
	default:
		d.recordTxFailure(TxFailureOther, err)
		d.log.WithError(err).Error("CAN TX failed")
	}
	return err
}

func (d *Driver) recordTxFailure(kind TxFailure, err error) {
	d.txFailed.Add(1)
	d.txErrMu.Lock()
	d.txErrKind = kind
	d.txErr = err
	d.txErrMu.Unlock()
}

// LastTxError returns the classification and cause of the latest transmit failure
func (d *Driver) LastTxError() (TxFailure, error) {
	d.txErrMu.Lock()
	defer d.txErrMu.Unlock()
	return d.txErrKind, d.txErr
}

// Receive pops the oldest queued frame, waiting up to timeout for one to arrive.
func (d *Driver) Receive(timeout time.Duration) (models.Frame, bool) {
	if f, ok := d.pop(); ok || timeout <= 0 {
		return f, ok
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-d.notify:
			if f, ok := d.pop(); ok {
				return f, true
			}
		case <-deadline.C:
			return d.pop()
		}
	}
}

func (d *Driver) pop() (models.Frame, bool) {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return d.rx.Pop()
}

// Available returns the number of queued frames
func (d *Driver) Available() int {
	d.qmu.Lock()
	defer d.qmu.Unlock()
	return d.rx.Len()
}

// Stats returns a snapshot of the counters
func (d *Driver) Stats() models.Stats {
	return models.Stats{
		RXCount:     d.rxCount.Load(),
		TXCount:     d.txCount.Load(),
		RXDropped:   d.rxDropped.Load(),
		TXFailed:    d.txFailed.Load(),
		BusOffCount: d.busOffCount.Load(),
		ErrorCount:  d.errorCount.Load(),
	}
}

// ResetStats zeroes every counter
func (d *Driver) ResetStats() {
	d.rxCount.Store(0)
	d.txCount.Store(0)
	d.rxDropped.Store(0)
	d.txFailed.Store(0)
	d.busOffCount.Store(0)
	d.errorCount.Store(0)
}

// ControllerStatus queries the hardware
func (d *Driver) ControllerStatus() (models.ControllerStatus, error) {
	st, err := d.ctrl.Status()
	if err != nil {
		return st, err
	}
	if st.Interface == "" {
		st.Interface = d.opts.Interface
	}
	if st.Timestamp.IsZero() {
		st.Timestamp = time.Now()
	}
	return st, nil
}

// SetFilter restricts reception to the given ids. Filters set before Begin
// are applied when the controller opens.
func (d *Driver) SetFilter(ids []uint32) error {
	d.filterMu.Lock()
	d.filters = slices.Clone(ids)
	d.filterMu.Unlock()

	if !d.Initialized() {
		return nil
	}
	if err := d.ctrl.SetFilter(ids); err != nil {
		return fmt.Errorf("failed to set filter: %w", err)
	}
	return nil
}

// ClearFilters accepts every id again
func (d *Driver) ClearFilters() error {
	return d.SetFilter(nil)
}

func (d *Driver) logStatus() {
	st, err := d.ctrl.Status()
	if err != nil {
		return
	}
	fields := logrus.Fields{
		"bus_state": st.BusState,
		"tx_errors": st.TXErrorCounter,
		"rx_errors": st.RXErrorCounter,
	}
	if st.BusState != models.BusStateErrorActive && st.BusState != "" {
		fields["tx_queued"] = st.TXQueued
		d.log.WithFields(fields).Warn("CAN bus state")
		return
	}
	fields["tx"] = d.txCount.Load()
	fields["rx"] = d.rxCount.Load()
	d.log.WithFields(fields).Debug("CAN bus running")
}
