package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// FlushFunc writes one batch to the backing store
type FlushFunc[T any] func(ctx context.Context, batch []T) error

// Batcher accumulates items from many producers and flushes them from a
// single goroutine when the batch fills or the interval elapses.
type Batcher[T any] struct {
	size     int
	interval time.Duration
	flushFn  FlushFunc[T]
	log      logrus.FieldLogger

	items chan T
	batch []T

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	started atomic.Bool

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewBatcher creates a batcher. Items beyond twice the batch size are dropped.
func NewBatcher[T any](size int, interval time.Duration, flush FlushFunc[T], logger logrus.FieldLogger) *Batcher[T] {
	if size <= 0 {
		size = 1000
	}
	if interval <= 0 {
		interval = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher[T]{
		size:     size,
		interval: interval,
		flushFn:  flush,
		log:      logger,
		items:    make(chan T, size*2),
		batch:    make([]T, 0, size),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// Start launches the write loop
func (b *Batcher[T]) Start() {
	if b.started.Swap(true) {
		return
	}
	go b.writeLoop()
}

func (b *Batcher[T]) writeLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return

		case item := <-b.items:
			b.batch = append(b.batch, item)
			if len(b.batch) >= b.size {
				b.flush(b.ctx)
			}

		case <-ticker.C:
			b.flush(b.ctx)
		}
	}
}

// drain writes whatever is still queued on shutdown
func (b *Batcher[T]) drain() {
	for {
		select {
		case item := <-b.items:
			b.batch = append(b.batch, item)
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			b.flush(ctx)
			return
		}
	}
}

func (b *Batcher[T]) flush(ctx context.Context) {
	if len(b.batch) == 0 {
		return
	}
	n := len(b.batch)
	if err := b.flushFn(ctx, b.batch); err != nil {
		b.failed.Add(uint64(n))
		b.log.WithError(err).WithField("records", n).Error("Batch write failed")
	} else {
		b.written.Add(uint64(n))
		b.log.WithField("records", n).Debug("Flushed batch")
	}
	b.batch = b.batch[:0]
}

// Write queues an item. It reports false when the queue is full.
func (b *Batcher[T]) Write(item T) bool {
	select {
	case b.items <- item:
		return true
	default:
		if b.dropped.Add(1)%1000 == 1 {
			b.log.Warn("Batch channel full, dropping records")
		}
		return false
	}
}

// Close stops the loop after a final flush. Writes after Close are dropped.
func (b *Batcher[T]) Close() {
	b.once.Do(func() {
		b.cancel()
		if b.started.Load() {
			<-b.done
		}
	})
}

// Counters returns written, dropped and failed record counts
func (b *Batcher[T]) Counters() (written, dropped, failed uint64) {
	return b.written.Load(), b.dropped.Load(), b.failed.Load()
}
