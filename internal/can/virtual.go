package can

import (
	"bms-can-monitor/internal/models"
	"errors"
	"slices"
	"sync"
	"time"
)

// Virtual is an in-memory controller. It backs the "virtual" backend and the
// tests, which drive bus faults through SetBusState and FailRecovery.
type Virtual struct {
	mu           sync.Mutex
	open         bool
	bitrate      int
	rx           []models.Frame
	tx           []models.Frame
	busState     string
	txErrors     int
	rxErrors     int
	txFull       bool
	loopback     bool
	failRecovery int
	recoveries   int
	filters      []uint32
}

// NewVirtual returns a closed virtual controller
func NewVirtual() *Virtual {
	return &Virtual{busState: models.BusStateStopped}
}

func (v *Virtual) Open(bitrate int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = true
	v.bitrate = bitrate
	v.busState = models.BusStateErrorActive
	return nil
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = false
	v.busState = models.BusStateStopped
	v.rx = nil
	return nil
}

func (v *Virtual) Receive() (models.Frame, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return models.Frame{}, false, ErrControllerClosed
	}
	if len(v.rx) == 0 {
		return models.Frame{}, false, nil
	}
	f := v.rx[0]
	v.rx = v.rx[1:]
	return f, true, nil
}

func (v *Virtual) Transmit(f models.Frame, _ time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case !v.open, v.busState == models.BusStateBusOff:
		return ErrInvalidState
	case v.txFull:
		return ErrTxQueueFull
	}
	v.tx = append(v.tx, f)
	if v.loopback {
		v.enqueue(f)
	}
	return nil
}

func (v *Virtual) Status() (models.ControllerStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	state := "DOWN"
	if v.open {
		state = "UP"
	}
	return models.ControllerStatus{
		Interface:      "virtual",
		Timestamp:      time.Now(),
		State:          state,
		Bitrate:        v.bitrate,
		BusState:       v.busState,
		TXErrorCounter: v.txErrors,
		RXErrorCounter: v.rxErrors,
		RXQueued:       len(v.rx),
		TXPackets:      uint64(len(v.tx)),
		BusOffRestarts: uint64(v.recoveries),
	}, nil
}

func (v *Virtual) InitiateRecovery() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.busState != models.BusStateBusOff {
		return ErrInvalidState
	}
	if v.failRecovery > 0 {
		v.failRecovery--
		return errors.New("virtual recovery failed")
	}
	v.busState = models.BusStateStopped
	return nil
}

func (v *Virtual) Restart() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open || v.busState == models.BusStateBusOff {
		return ErrInvalidState
	}
	v.busState = models.BusStateErrorActive
	v.txErrors, v.rxErrors = 0, 0
	v.recoveries++
	return nil
}

func (v *Virtual) SetFilter(ids []uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.filters = slices.Clone(ids)
	return nil
}

func (v *Virtual) enqueue(f models.Frame) {
	if len(v.filters) > 0 && !slices.Contains(v.filters, f.ID) {
		return
	}
	v.rx = append(v.rx, f)
}

// Inject places frames in the receive buffer as if they came off the bus
func (v *Virtual) Inject(frames ...models.Frame) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range frames {
		v.enqueue(f)
	}
}

// Transmitted returns every frame sent so far
func (v *Virtual) Transmitted() []models.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.tx)
}

// SetBusState forces the reported bus state
func (v *Virtual) SetBusState(state string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.busState = state
	if state == models.BusStateBusOff {
		v.txErrors = 256
	}
}

// FailRecovery makes the next n recovery attempts fail
func (v *Virtual) FailRecovery(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failRecovery = n
}

// SetTxFull makes Transmit report a full queue
func (v *Virtual) SetTxFull(full bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.txFull = full
}

// SetLoopback echoes transmitted frames back into the receive buffer
func (v *Virtual) SetLoopback(on bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.loopback = on
}

// Recoveries counts successful restarts
func (v *Virtual) Recoveries() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recoveries
}
