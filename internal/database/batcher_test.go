package database

import (
	"context"
	"errors"
	"io"
	"slices"
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

type recorder struct {
	mu      sync.Mutex
	batches [][]int
	fail    bool
}

func (r *recorder) flush(_ context.Context, batch []int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("store down")
	}
	r.batches = append(r.batches, slices.Clone(batch))
	return nil
}

func (r *recorder) all() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

func TestBatcherFlushesOnSize(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher(3, time.Hour, rec.flush, quietLogger())
	b.Start()

	for i := range 3 {
		b.Write(i)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.all()) < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	b.Close()

	if got := rec.all(); !slices.Equal(got, []int{0, 1, 2}) {
		t.Fatalf("written = %v", got)
	}
}

func TestBatcherFlushesOnClose(t *testing.T) {
	rec := &recorder{}
	b := NewBatcher(100, time.Hour, rec.flush, quietLogger())
	b.Start()
	b.Write(7)
	b.Write(8)
	b.Close()
	b.Close()

	if got := rec.all(); !slices.Equal(got, []int{7, 8}) {
		t.Fatalf("written = %v", got)
	}
	if written, _, _ := b.Counters(); written != 2 {
		t.Fatalf("written counter = %d", written)
	}
}

func TestBatcherDropsWhenFull(t *testing.T) {
	b := NewBatcher(1, time.Hour, (&recorder{}).flush, quietLogger())
	// not started: the queue holds 2 items
	b.Write(1)
	b.Write(2)
	if b.Write(3) {
		t.Fatal("third write should be dropped")
	}
	if _, dropped, _ := b.Counters(); dropped != 1 {
		t.Fatalf("dropped = %d", dropped)
	}
}

func TestBatcherCountsFailures(t *testing.T) {
	rec := &recorder{fail: true}
	b := NewBatcher(10, time.Hour, rec.flush, quietLogger())
	b.Start()
	b.Write(1)
	b.Close()

	if _, _, failed := b.Counters(); failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
}
