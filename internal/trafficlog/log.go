// Package trafficlog keeps a durable CSV record of every CAN frame seen.
//
// Frames land in two in-memory rings: a recent ring that API readers snapshot
// and a pending ring drained to disk by Flush. File operations serialise on a
// single lock acquired with a bounded wait; a caller that cannot get it
// promptly receives ErrBusy and should retry later.
//
// Rotation is coarse: once the volume passes the configured usage threshold
// the whole log is cleared and a fresh header written. Nothing is archived.
// The default volume is a byte quota on the log file itself. FilesystemVolume
// measures the whole filesystem and only suits a partition dedicated to the
// log; on a shared disk unrelated files would trigger rotation.
package trafficlog

import (
	"bms-can-monitor/internal/models"
	"bms-can-monitor/internal/queue"
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Header is the first row of every log file
const Header = "Timestamp,ID,DLC,Data,Extended,RTR"

// Lock waits for the two classes of file operation
const (
	flushLockWait = 100 * time.Millisecond
	adminLockWait = time.Second
)

var (
	ErrNotInitialized = errors.New("traffic log not initialized")
	ErrBusy           = errors.New("traffic log busy, try later")
)

// Options configures a Log
type Options struct {
	RecentCapacity  int
	WriteCapacity   int
	FlushInterval   time.Duration
	RotationPercent int
	Volume          Volume
}

// DefaultQuota is the log budget used when no volume is configured
const DefaultQuota = 64 << 20

// DefaultOptions returns the sizes used on the device
func DefaultOptions() Options {
	return Options{
		RecentCapacity:  2000,
		WriteCapacity:   100,
		FlushInterval:   5 * time.Second,
		RotationPercent: 80,
		Volume:          QuotaVolume{Quota: DefaultQuota},
	}
}

// Log is a rotating CSV frame log
type Log struct {
	log             logrus.FieldLogger
	volume          Volume
	rotationPercent int

	path        string
	sem         chan struct{}
	initialized atomic.Bool

	ringMu    sync.Mutex
	recent    *queue.Queue[models.Frame]
	pending   *queue.Queue[models.Frame]
	lastFlush time.Time

	autoFlush     atomic.Bool
	flushInterval atomic.Int64

	messageCount atomic.Uint64
	droppedCount atomic.Uint64

	flushReq chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates an unmounted log
func New(opts Options, logger logrus.FieldLogger) *Log {
	def := DefaultOptions()
	if opts.RecentCapacity <= 0 {
		opts.RecentCapacity = def.RecentCapacity
	}
	if opts.WriteCapacity <= 0 {
		opts.WriteCapacity = def.WriteCapacity
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	if opts.RotationPercent <= 0 || opts.RotationPercent > 100 {
		opts.RotationPercent = def.RotationPercent
	}
	if opts.Volume == nil {
		opts.Volume = def.Volume
	}

	l := &Log{
		log:             logger.WithField("component", "trafficlog"),
		volume:          opts.Volume,
		rotationPercent: opts.RotationPercent,
		sem:             make(chan struct{}, 1),
		recent:          queue.New[models.Frame](opts.RecentCapacity, queue.EvictOldest),
		pending:         queue.New[models.Frame](opts.WriteCapacity, queue.RejectNewest),
		flushReq:        make(chan struct{}, 1),
	}
	l.autoFlush.Store(true)
	l.flushInterval.Store(int64(opts.FlushInterval))
	return l
}

func (l *Log) acquire(wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case l.sem <- struct{}{}:
		return true
	case <-t.C:
		return false
	}
}

func (l *Log) release() {
	<-l.sem
}

// Begin mounts the log at path, writing the header if the file is absent or empty,
// and starts the background flusher.
func (l *Log) Begin(path string) error {
	if l.initialized.Load() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if !l.acquire(adminLockWait) {
		return ErrBusy
	}
	l.path = path
	err := l.ensureHeader()
	l.release()
	if err != nil {
		return err
	}

	l.ringMu.Lock()
	l.lastFlush = time.Now()
	l.ringMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.initialized.Store(true)

	l.wg.Add(1)
	go l.run(ctx)

	l.log.WithField("path", path).Info("Traffic log started")
	return nil
}

// End stops the flusher and writes out pending frames. Safe without Begin.
func (l *Log) End() error {
	if !l.initialized.Load() {
		return nil
	}
	l.cancel()
	l.wg.Wait()

	err := l.Flush()
	l.initialized.Store(false)
	return err
}

// ensureHeader must be called with the file lock held
func (l *Log) ensureHeader() error {
	fi, err := os.Stat(l.path)
	if err == nil && fi.Size() > 0 {
		return nil
	}
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	return l.writeHeader()
}

func (l *Log) writeHeader() error {
	if err := os.WriteFile(l.path, []byte(Header+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	return nil
}

func (l *Log) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.flushReq:
			l.flushQuietly()
		case <-ticker.C:
			if l.flushDue() {
				l.flushQuietly()
			}
		}
	}
}

func (l *Log) flushDue() bool {
	if !l.autoFlush.Load() {
		return false
	}
	l.ringMu.Lock()
	defer l.ringMu.Unlock()
	return !l.pending.Empty() && time.Since(l.lastFlush) >= time.Duration(l.flushInterval.Load())
}

func (l *Log) flushQuietly() {
	err := l.Flush()
	switch {
	case errors.Is(err, ErrBusy):
		l.log.Debug("Flush skipped, log busy")
	case err != nil:
		l.log.WithError(err).Warn("Flush failed")
	}
}

// LogMessage records a frame in both rings. It never touches storage; a due
// flush is handed to the background flusher.
func (l *Log) LogMessage(f models.Frame) {
	if !l.initialized.Load() {
		return
	}

	l.ringMu.Lock()
	l.recent.Push(f)
	accepted := l.pending.Push(f)
	due := l.autoFlush.Load() && time.Since(l.lastFlush) >= time.Duration(l.flushInterval.Load())
	l.ringMu.Unlock()

	l.messageCount.Add(1)
	if !accepted {
		l.droppedCount.Add(1)
		due = l.autoFlush.Load()
	}

	if due {
		select {
		case l.flushReq <- struct{}{}:
		default:
		}
	}
}

// OnFrame lets the log subscribe to the bus driver
func (l *Log) OnFrame(f models.Frame) {
	l.LogMessage(f)
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// formatRow renders f as timestamp,0xID,dlc,HEX,extended,rtr
func formatRow(f models.Frame) []string {
	return []string{
		strconv.FormatUint(uint64(f.Timestamp), 10),
		fmt.Sprintf("0x%03X", f.ID),
		strconv.Itoa(int(f.DLC)),
		f.DataHex(),
		boolDigit(f.Extended),
		boolDigit(f.RTR),
	}
}

// Flush writes pending frames to disk, then checks the rotation threshold.
func (l *Log) Flush() error {
	if !l.initialized.Load() {
		return ErrNotInitialized
	}
	if !l.acquire(flushLockWait) {
		return ErrBusy
	}

	l.ringMu.Lock()
	batch := make([]models.Frame, 0, l.pending.Len())
	for {
		f, ok := l.pending.Pop()
		if !ok {
			break
		}
		batch = append(batch, f)
	}
	l.lastFlush = time.Now()
	l.ringMu.Unlock()

	err := l.appendRows(batch)
	l.release()
	if err != nil {
		l.droppedCount.Add(uint64(len(batch)))
		return err
	}

	if len(batch) > 0 {
		l.checkRotation()
	}
	return nil
}

func (l *Log) appendRows(batch []models.Frame) error {
	if len(batch) == 0 {
		return nil
	}

	file, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	w := csv.NewWriter(file)
	for _, f := range batch {
		w.Write(formatRow(f))
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return fmt.Errorf("failed to write log rows: %w", err)
	}
	return file.Close()
}

// checkRotation runs outside the file lock; Clear takes it again.
func (l *Log) checkRotation() {
	used, total, err := l.volume.Usage(l.path)
	if err != nil {
		l.log.WithError(err).Debug("Could not read storage usage")
		return
	}
	if total == 0 {
		return
	}

	pct := used * 100 / total
	if pct < uint64(l.rotationPercent) {
		return
	}

	l.log.WithFields(logrus.Fields{"used": used, "total": total, "percent": pct}).Warn("Storage threshold reached, clearing traffic log")
	if err := l.Clear(); err != nil {
		l.log.WithError(err).Warn("Rotation failed")
	}
}

// Clear deletes the log file, writes a fresh header and empties both rings.
func (l *Log) Clear() error {
	if !l.initialized.Load() {
		return ErrNotInitialized
	}
	if !l.acquire(adminLockWait) {
		return ErrBusy
	}
	defer l.release()

	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove log file: %w", err)
	}
	if err := l.writeHeader(); err != nil {
		return err
	}

	l.ringMu.Lock()
	l.recent.Clear()
	l.pending.Clear()
	l.ringMu.Unlock()

	l.messageCount.Store(0)
	l.droppedCount.Store(0)

	l.log.Info("Traffic log cleared")
	return nil
}

// ExportCSV flushes and streams the whole file to w
func (l *Log) ExportCSV(w io.Writer) error {
	return l.export(func(file *os.File) error {
		_, err := io.Copy(w, file)
		return err
	})
}

// ExportFiltered flushes and streams the header plus rows whose ID column matches canID
func (l *Log) ExportFiltered(w io.Writer, canID uint32) error {
	return l.export(func(file *os.File) error {
		if _, err := io.WriteString(w, Header+"\n"); err != nil {
			return err
		}

		r := csv.NewReader(bufio.NewReader(file))
		r.FieldsPerRecord = -1
		r.ReuseRecord = true
		out := csv.NewWriter(w)

		first := true
		for {
			rec, err := r.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if first {
				first = false
				if len(rec) > 0 && rec[0] == "Timestamp" {
					continue
				}
			}
			if len(rec) < 2 {
				continue
			}
			id, ok := parseID(rec[1])
			if !ok || id != canID {
				continue
			}
			if err := out.Write(rec); err != nil {
				return err
			}
		}
		out.Flush()
		return out.Error()
	})
}

func (l *Log) export(stream func(*os.File) error) error {
	if !l.initialized.Load() {
		return ErrNotInitialized
	}
	if err := l.Flush(); err != nil && !errors.Is(err, ErrBusy) {
		l.log.WithError(err).Warn("Flush before export failed")
	}
	if !l.acquire(adminLockWait) {
		return ErrBusy
	}
	defer l.release()

	file, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if err := stream(file); err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	return nil
}

func parseID(s string) (uint32, bool) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func tail(frames []models.Frame, limit int) []models.Frame {
	if limit > 0 && len(frames) > limit {
		return frames[len(frames)-limit:]
	}
	return frames
}

// RecentMessages returns up to limit of the newest frames, oldest first. A
// limit of zero returns the whole ring. Storage is never touched.
func (l *Log) RecentMessages(limit int) []models.Frame {
	l.ringMu.Lock()
	frames := l.recent.Snapshot()
	l.ringMu.Unlock()
	return tail(frames, limit)
}

// FilteredMessages is RecentMessages restricted to one CAN id
func (l *Log) FilteredMessages(canID uint32, limit int) []models.Frame {
	l.ringMu.Lock()
	frames := make([]models.Frame, 0)
	l.recent.ForEach(func(f models.Frame) bool {
		if f.ID == canID {
			frames = append(frames, f)
		}
		return true
	})
	l.ringMu.Unlock()
	return tail(frames, limit)
}

// Size returns the log file size in bytes
func (l *Log) Size() (int64, error) {
	if !l.initialized.Load() {
		return 0, ErrNotInitialized
	}
	fi, err := os.Stat(l.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (l *Log) Path() string { return l.path }
func (l *Log) Initialized() bool { return l.initialized.Load() }
func (l *Log) MessageCount() uint64 { return l.messageCount.Load() }
func (l *Log) DroppedCount() uint64 { return l.droppedCount.Load() }

// Overwritten counts frames evicted from the recent ring
func (l *Log) Overwritten() uint64 {
	l.ringMu.Lock()
	defer l.ringMu.Unlock()
	return l.recent.Overwritten()
}

// SetAutoFlush enables or disables flushes triggered by LogMessage and the timer
func (l *Log) SetAutoFlush(enabled bool) {
	l.autoFlush.Store(enabled)
}

// SetFlushInterval changes the automatic flush period
func (l *Log) SetFlushInterval(d time.Duration) {
	if d > 0 {
		l.flushInterval.Store(int64(d))
	}
}
