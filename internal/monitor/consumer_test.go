package monitor

import (
	"bms-can-monitor/internal/can"
	"bms-can-monitor/internal/decoder"
	"bms-can-monitor/internal/models"
	"context"
	"errors"
	"io"
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

// statusFrame is a legacy 0x10N status frame: 52.4V, 3.5A, 80%
func statusFrame(id uint32) models.Frame {
	return models.Frame{
		ID:   id,
		DLC:  8,
		Data: [8]byte{0x0C, 0x02, 0x23, 0x7D, 80, 65, 0xFF, models.StatusCharging},
	}
}

type recordingSink struct {
	mu      sync.Mutex
	samples []models.ReadingSample
	accept  bool
}

func (s *recordingSink) WriteReading(sample models.ReadingSample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
	return s.accept
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

type recordingPublisher struct {
	mu       sync.Mutex
	readings []models.Reading
	stats    []models.Stats
}

func (p *recordingPublisher) PublishReading(r models.Reading) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings = append(p.readings, r)
	return nil
}

func (p *recordingPublisher) PublishStats(s models.Stats) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = append(p.stats, s)
	return errors.New("broker offline")
}

func (p *recordingPublisher) statsCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stats)
}

func startPipeline(t *testing.T, opts Options) (*can.Virtual, *Consumer, *ReadingStore) {
	t.Helper()
	v := can.NewVirtual()
	drv := can.NewDriver(v, can.Options{Interface: "vcan0", PollInterval: time.Millisecond}, quietLogger())
	if err := drv.Begin(500000); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	t.Cleanup(func() { drv.End() })

	store := NewReadingStore()
	c := NewConsumer(drv, decoder.New(quietLogger()), store, opts, quietLogger())
	return v, c, store
}

func runConsumer(t *testing.T, c *Consumer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v", err)
		}
	})
}

func TestConsumerDecodesIntoStoreAndSinks(t *testing.T) {
	v, c, store := startPipeline(t, Options{Interface: "vcan0"})
	sink := &recordingSink{accept: true}
	pub := &recordingPublisher{}
	c.AddSink(sink)
	c.SetPublisher(pub)
	runConsumer(t, c)

	v.Inject(statusFrame(0x101), models.Frame{ID: 0x7FF, DLC: 1}, statusFrame(0x102))

	waitFor(t, "two readings", func() bool { return sink.count() == 2 })

	latest := store.Latest()
	if len(latest) != 2 || latest[0].Reading.BatteryID != 1 || latest[1].Reading.BatteryID != 2 {
		t.Fatalf("store = %+v", latest)
	}
	if latest[1].CANID != 0x102 || latest[1].Interface != "vcan0" {
		t.Errorf("sample tags = %#x %q", latest[1].CANID, latest[1].Interface)
	}
	if latest[0].Timestamp.IsZero() {
		t.Error("sample timestamp not set")
	}

	frames := store.Frames()
	if len(frames) != 2 || frames[0].Frame.ID != 0x101 || frames[1].Frame.ID != 0x102 {
		t.Errorf("stored frames = %+v", frames)
	}
	if _, ok := store.Frame(0x7FF); ok {
		t.Error("undecodable frame stored")
	}

	waitFor(t, "counters", func() bool {
		frames, decoded, undecoded, _ := c.Counters()
		return frames == 3 && decoded == 2 && undecoded == 1
	})

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.readings) != 2 {
		t.Errorf("published %d readings, want 2", len(pub.readings))
	}
}

func TestConsumerCountsSinkDrops(t *testing.T) {
	v, c, _ := startPipeline(t, Options{})
	c.AddSink(&recordingSink{accept: false})
	runConsumer(t, c)

	v.Inject(statusFrame(0x100))

	waitFor(t, "sink drop", func() bool {
		_, _, _, dropped := c.Counters()
		return dropped == 1
	})
}

func TestConsumerPublishesStatsPeriodically(t *testing.T) {
	_, c, _ := startPipeline(t, Options{StatsInterval: 5 * time.Millisecond})
	pub := &recordingPublisher{}
	c.SetPublisher(pub)
	runConsumer(t, c)

	waitFor(t, "stats publish", func() bool { return pub.statsCount() >= 2 })
}

func TestReadingStoreKeepsLatest(t *testing.T) {
	s := NewReadingStore()
	s.Update(models.ReadingSample{Reading: models.Reading{BatteryID: 4, SOCPct: 50}})
	s.Update(models.ReadingSample{Reading: models.Reading{BatteryID: 4, SOCPct: 49}})
	s.Update(models.ReadingSample{Reading: models.Reading{BatteryID: 1, SOCPct: 90}})

	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
	got, ok := s.Get(4)
	if !ok || got.Reading.SOCPct != 49 {
		t.Errorf("battery 4 = %+v, %v", got, ok)
	}
	if _, ok := s.Get(9); ok {
		t.Error("unexpected battery 9")
	}
	if latest := s.Latest(); latest[0].Reading.BatteryID != 1 {
		t.Errorf("latest not ordered: %+v", latest)
	}
}

type fakeFrameWriter struct {
	mu     sync.Mutex
	msgs   []models.CANMessage
	accept bool
}

func (w *fakeFrameWriter) Start()       {}
func (w *fakeFrameWriter) Close() error { return nil }
func (w *fakeFrameWriter) Write(msg models.CANMessage) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msg)
	return w.accept
}

func TestFrameArchiverTagsFrames(t *testing.T) {
	w := &fakeFrameWriter{accept: true}
	a := NewFrameArchiver(w, "can1", quietLogger())
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	a.OnFrame(models.Frame{ID: 0x100, DLC: 2})

	if len(w.msgs) != 1 {
		t.Fatalf("got %d messages", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Interface != "can1" || !msg.Timestamp.Equal(fixed) || msg.Frame.ID != 0x100 {
		t.Errorf("message = %+v", msg)
	}
}

type fakeStatusWriter struct {
	mu    sync.Mutex
	count int
}

func (w *fakeStatusWriter) Start()       {}
func (w *fakeStatusWriter) Close() error { return nil }
func (w *fakeStatusWriter) WriteStatus(models.ControllerStatus) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.count++
	return true
}

func TestPumpStatusStopsOnClose(t *testing.T) {
	ch := make(chan models.ControllerStatus, 3)
	ch <- models.ControllerStatus{}
	ch <- models.ControllerStatus{}
	close(ch)

	w := &fakeStatusWriter{}
	PumpStatus(context.Background(), ch, w)

	if w.count != 2 {
		t.Errorf("wrote %d snapshots, want 2", w.count)
	}
}
