// Package monitor drains decoded traffic from the bus driver into the
// reading store and the optional storage and messaging sinks.
package monitor

import (
	"bms-can-monitor/internal/models"
	"context"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// FrameSource is the consumer side of the bus driver
type FrameSource interface {
	Receive(timeout time.Duration) (models.Frame, bool)
	Stats() models.Stats
}

// FrameDecoder turns a frame into a reading
type FrameDecoder interface {
	Decode(frame models.Frame) (models.Reading, bool)
}

// ReadingSink stores decoded readings. It reports false when it dropped one.
type ReadingSink interface {
	WriteReading(sample models.ReadingSample) bool
}

// Publisher forwards readings and periodic stats to a broker
type Publisher interface {
	PublishReading(r models.Reading) error
	PublishStats(s models.Stats) error
}

// Options configures the consumer loop
type Options struct {
	Interface      string
	ReceiveTimeout time.Duration
	StatsInterval  time.Duration
}

// Consumer pops frames from the driver and fans decoded readings out
type Consumer struct {
	source    FrameSource
	decoder   FrameDecoder
	store     *ReadingStore
	sinks     []ReadingSink
	publisher Publisher
	opts      Options
	log       logrus.FieldLogger
	now       func() time.Time

	frames      atomic.Uint64
	decoded     atomic.Uint64
	undecoded   atomic.Uint64
	sinkDropped atomic.Uint64
}

// NewConsumer creates a consumer. Zero options take the defaults of 10 ms and 30 s.
func NewConsumer(source FrameSource, decoder FrameDecoder, store *ReadingStore, opts Options, logger logrus.FieldLogger) *Consumer {
	if opts.ReceiveTimeout <= 0 {
		opts.ReceiveTimeout = 10 * time.Millisecond
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 30 * time.Second
	}
	return &Consumer{
		source:  source,
		decoder: decoder,
		store:   store,
		opts:    opts,
		log:     logger.WithField("component", "monitor"),
		now:     time.Now,
	}
}

// AddSink registers a reading sink. Call before Run.
func (c *Consumer) AddSink(s ReadingSink) {
	c.sinks = append(c.sinks, s)
}

// SetPublisher registers the broker publisher. Call before Run.
func (c *Consumer) SetPublisher(p Publisher) {
	c.publisher = p
}

// Run consumes frames until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	statsTicker := time.NewTicker(c.opts.StatsInterval)
	defer statsTicker.Stop()

	c.log.Info("Consumer started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Consumer stopped")
			return ctx.Err()
		case <-statsTicker.C:
			c.reportStats()
		default:
		}

		frame, ok := c.source.Receive(c.opts.ReceiveTimeout)
		if !ok {
			continue
		}
		c.process(frame)
	}
}

func (c *Consumer) process(frame models.Frame) {
	c.frames.Add(1)

	reading, ok := c.decoder.Decode(frame)
	if !ok {
		c.undecoded.Add(1)
		return
	}
	now := c.now()
	c.store.UpdateFrame(frame, now)
	if !reading.Valid {
		c.undecoded.Add(1)
		return
	}
	c.decoded.Add(1)

	sample := models.ReadingSample{
		Reading:   reading,
		CANID:     frame.ID,
		Interface: c.opts.Interface,
		Timestamp: now,
	}
	c.store.Update(sample)

	for _, s := range c.sinks {
		if !s.WriteReading(sample) {
			c.sinkDropped.Add(1)
		}
	}
	if c.publisher != nil {
		if err := c.publisher.PublishReading(reading); err != nil {
			c.log.WithError(err).Debug("Reading not published")
		}
	}
}

func (c *Consumer) reportStats() {
	stats := c.source.Stats()
	c.log.WithFields(logrus.Fields{
		"rx":            stats.RXCount,
		"tx":            stats.TXCount,
		"rx_dropped":    stats.RXDropped,
		"tx_failed":     stats.TXFailed,
		"bus_off_count": stats.BusOffCount,
		"errors":        stats.ErrorCount,
		"decoded":       c.decoded.Load(),
		"undecoded":     c.undecoded.Load(),
		"batteries":     c.store.Len(),
	}).Info("CAN stats")

	if c.publisher != nil {
		if err := c.publisher.PublishStats(stats); err != nil {
			c.log.WithError(err).Debug("Stats not published")
		}
	}
}

// Counters returns frames consumed, decoded, undecoded and dropped by sinks
func (c *Consumer) Counters() (frames, decoded, undecoded, sinkDropped uint64) {
	return c.frames.Load(), c.decoded.Load(), c.undecoded.Load(), c.sinkDropped.Load()
}
