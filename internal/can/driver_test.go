package can

import (
	"bms-can-monitor/internal/models"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testOptions() Options {
	return Options{
		Interface:          "vcan-test",
		PollInterval:       time.Millisecond,
		StateCheckInterval: time.Nanosecond,
		SettleInterval:     time.Millisecond,
		TxTimeout:          time.Millisecond,
	}
}

func startDriver(t *testing.T, opts Options) (*Driver, *Virtual) {
	t.Helper()
	v := NewVirtual()
	d := NewDriver(v, opts, quietLogger())
	if err := d.Begin(500000); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(func() { d.End() })
	return d, v
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func frame(id uint32, data ...byte) models.Frame {
	f := models.Frame{ID: id, DLC: uint8(len(data))}
	copy(f.Data[:], data)
	return f
}

func TestBeginFallsBackToDefaultBitrate(t *testing.T) {
	d := NewDriver(NewVirtual(), testOptions(), quietLogger())
	defer d.End()

	if err := d.Begin(42000); err != nil {
		t.Fatal(err)
	}
	if d.Bitrate() != DefaultBitrate {
		t.Fatalf("bitrate = %d, want %d", d.Bitrate(), DefaultBitrate)
	}
	if d.State() != StateRunning {
		t.Fatalf("state = %s", d.State())
	}
	if err := d.Begin(250000); err != nil {
		t.Fatalf("second Begin: %v", err)
	}
	if d.Bitrate() != DefaultBitrate {
		t.Fatal("second Begin should be a no-op")
	}
}

func TestEndWithoutBegin(t *testing.T) {
	d := NewDriver(NewVirtual(), testOptions(), quietLogger())
	if err := d.End(); err != nil {
		t.Fatal(err)
	}
	if d.State() != StateUninitialized {
		t.Fatalf("state = %s", d.State())
	}
}

func TestReceiveInOrderWithListeners(t *testing.T) {
	d, v := startDriver(t, testOptions())

	var mu sync.Mutex
	var seen []uint32
	d.AddListener(FrameListenerFunc(func(f models.Frame) {
		mu.Lock()
		seen = append(seen, f.ID)
		mu.Unlock()
	}))

	v.Inject(frame(0x100, 1), frame(0x101, 2), frame(0x102, 3))

	for i, want := range []uint32{0x100, 0x101, 0x102} {
		f, ok := d.Receive(time.Second)
		if !ok {
			t.Fatalf("frame %d not received", i)
		}
		if f.ID != want {
			t.Fatalf("frame %d id = 0x%X, want 0x%X", i, f.ID, want)
		}
	}
	if _, ok := d.Receive(0); ok {
		t.Fatal("queue should be empty")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("listener saw %d frames", len(seen))
	}
	if got := d.Stats().RXCount; got != 3 {
		t.Fatalf("rx_count = %d", got)
	}
}

func TestRxQueueFullCountsDrops(t *testing.T) {
	opts := testOptions()
	opts.RxQueueSize = 2
	d, v := startDriver(t, opts)

	var calls sync.WaitGroup
	calls.Add(5)
	d.AddListener(FrameListenerFunc(func(models.Frame) { calls.Done() }))

	v.Inject(frame(1), frame(2), frame(3), frame(4), frame(5))
	calls.Wait()

	st := d.Stats()
	if st.RXCount != 2 || st.RXDropped != 3 {
		t.Fatalf("stats = %+v, want rx 2 dropped 3", st)
	}
	if d.Available() != 2 {
		t.Fatalf("available = %d", d.Available())
	}
	f, _ := d.Receive(0)
	if f.ID != 1 {
		t.Fatalf("oldest frame should be kept, got 0x%X", f.ID)
	}
}

func TestBusOffAutomaticRecovery(t *testing.T) {
	d, v := startDriver(t, testOptions())

	v.SetBusState(models.BusStateBusOff)
	waitFor(t, "bus_off_count", func() bool { return d.Stats().BusOffCount == 1 })

	if d.State() != StateRunning {
		t.Fatalf("state = %s, want RUNNING", d.State())
	}
	if d.Stats().ErrorCount != 1 {
		t.Fatalf("error_count = %d", d.Stats().ErrorCount)
	}
	if v.Recoveries() != 1 {
		t.Fatalf("controller restarts = %d", v.Recoveries())
	}
}

func TestBusOffFailedRecoveryNeedsOperator(t *testing.T) {
	d, v := startDriver(t, testOptions())

	v.FailRecovery(100)
	v.SetBusState(models.BusStateBusOff)
	waitFor(t, "BUS_OFF", func() bool { return d.State() == StateBusOff })

	// let several more passes observe the same fault
	time.Sleep(20 * time.Millisecond)

	st := d.Stats()
	if st.ErrorCount != 1 || st.BusOffCount != 0 {
		t.Fatalf("stats = %+v, want error 1 bus_off 0", st)
	}

	if err := d.RecoverBusOff(); err == nil {
		t.Fatal("operator recovery should fail")
	}
	if d.State() != StateBusOff {
		t.Fatalf("state = %s after failed retry", d.State())
	}
	if st := d.Stats(); st.ErrorCount != 1 || st.BusOffCount != 0 {
		t.Fatalf("failed retry changed counters: %+v", st)
	}

	v.FailRecovery(0)
	if err := d.RecoverBusOff(); err != nil {
		t.Fatalf("RecoverBusOff: %v", err)
	}
	if d.State() != StateRunning {
		t.Fatalf("state = %s", d.State())
	}
	if got := d.Stats().BusOffCount; got != 1 {
		t.Fatalf("bus_off_count = %d, want 1", got)
	}
}

func TestHardwareRecoveryClearsBusOff(t *testing.T) {
	d, v := startDriver(t, testOptions())

	v.FailRecovery(1)
	v.SetBusState(models.BusStateBusOff)
	waitFor(t, "BUS_OFF", func() bool { return d.State() == StateBusOff })

	v.SetBusState(models.BusStateErrorActive)
	waitFor(t, "RUNNING", func() bool { return d.State() == StateRunning })

	if st := d.Stats(); st.BusOffCount != 0 || st.ErrorCount != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestRecoverWhileRunning(t *testing.T) {
	d, _ := startDriver(t, testOptions())
	if err := d.RecoverBusOff(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestSendMessage(t *testing.T) {
	d := NewDriver(NewVirtual(), testOptions(), quietLogger())
	if err := d.SendMessage(frame(0x100, 1)); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("err = %v before Begin", err)
	}
	if d.Stats().TXFailed != 0 {
		t.Fatal("rejected send should not count as a failure")
	}

	d, v := startDriver(t, testOptions())
	if err := d.SendMessage(frame(0x123, 0xAA, 0xBB)); err != nil {
		t.Fatal(err)
	}
	tx := v.Transmitted()
	if len(tx) != 1 || tx[0].ID != 0x123 || tx[0].DLC != 2 {
		t.Fatalf("transmitted = %+v", tx)
	}

	v.SetTxFull(true)
	if err := d.SendMessage(frame(0x123)); !errors.Is(err, ErrTxQueueFull) {
		t.Fatalf("err = %v, want ErrTxQueueFull", err)
	}
	if kind, _ := d.LastTxError(); kind != TxFailureQueueFull {
		t.Fatalf("kind = %s", kind)
	}
	v.SetTxFull(false)

	if err := d.SendMessage(frame(0x800)); !errors.Is(err, ErrUnsupportedFrame) {
		t.Fatalf("err = %v for 12-bit id", err)
	}

	st := d.Stats()
	if st.TXCount != 1 || st.TXFailed != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPingPattern(t *testing.T) {
	even := pingFrame(0)
	odd := pingFrame(1)
	for i := range 8 {
		wantEven := byte(0x0F)
		if i%2 == 1 {
			wantEven = 0xF0
		}
		if even.Data[i] != wantEven || odd.Data[i] != ^wantEven {
			t.Fatalf("byte %d: even %02X odd %02X", i, even.Data[i], odd.Data[i])
		}
	}

	d, v := startDriver(t, testOptions())
	d.SendPing()
	d.SendPing()

	tx := v.Transmitted()
	if len(tx) != 2 {
		t.Fatalf("sent %d pings", len(tx))
	}
	if tx[0].ID != PingID || tx[0].DLC != 8 || tx[0].Data != even.Data || tx[1].Data != odd.Data {
		t.Fatalf("pings = %+v", tx)
	}
}

func TestPeriodicPing(t *testing.T) {
	d, v := startDriver(t, testOptions())
	d.EnablePeriodicPing(2 * time.Millisecond)
	waitFor(t, "pings", func() bool { return len(v.Transmitted()) >= 3 })
	d.DisablePeriodicPing()
}

func TestSetFilterBeforeBegin(t *testing.T) {
	v := NewVirtual()
	d := NewDriver(v, testOptions(), quietLogger())
	d.SetFilter([]uint32{0x100})
	d.Begin(500000)
	defer d.End()

	v.Inject(frame(0x200), frame(0x100))
	f, ok := d.Receive(time.Second)
	if !ok || f.ID != 0x100 {
		t.Fatalf("got %+v ok=%v", f, ok)
	}
	if d.Available() != 0 {
		t.Fatal("filtered frame queued")
	}
}

func TestDiagnostics(t *testing.T) {
	d, _ := startDriver(t, testOptions())
	diag := d.Diagnostics()

	for _, want := range []string{
		"CAN Driver Status:\n  Initialized: Yes\n  Status: RUNNING\n  Bitrate: 500000 bps\n",
		"Statistics:\n  RX Count: 0\n",
		"Controller Hardware:\n  State: ERROR-ACTIVE\n",
	} {
		if !strings.Contains(diag, want) {
			t.Fatalf("diagnostics missing %q:\n%s", want, diag)
		}
	}
}
