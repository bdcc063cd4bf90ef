package clickhouse

import (
	"bms-can-monitor/internal/database"
	"bms-can-monitor/internal/models"
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/sirupsen/logrus"
)

// FrameWriter archives raw frames into a MergeTree table
type FrameWriter struct {
	conn    driver.Conn
	table   string
	batcher *database.Batcher[models.CANMessage]
}

// NewFrameWriter creates the table if needed and returns a writer
func NewFrameWriter(ctx context.Context, conn driver.Conn, table string, batchSize int, logger logrus.FieldLogger) (*FrameWriter, error) {
	if err := conn.Exec(ctx, createFramesTable(table)); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	w := &FrameWriter{conn: conn, table: table}
	w.batcher = database.NewBatcher(batchSize, time.Second, w.flush,
		logger.WithFields(logrus.Fields{"component": "clickhouse", "table": table}))
	return w, nil
}

func createFramesTable(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			interface LowCardinality(String),
			can_id UInt32,
			dlc UInt8,
			data Array(UInt8),
			extended Bool,
			rtr Bool
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (can_id, timestamp)
		TTL toDateTime(timestamp) + INTERVAL 1 MONTH
		SETTINGS index_granularity = 8192
	`, table)
}

func (w *FrameWriter) flush(ctx context.Context, msgs []models.CANMessage) error {
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s", w.table))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, msg := range msgs {
		err = batch.Append(
			msg.Timestamp,
			msg.Interface,
			msg.Frame.ID,
			msg.Frame.DLC,
			[]uint8(msg.Frame.Payload()),
			msg.Frame.Extended,
			msg.Frame.RTR,
		)
		if err != nil {
			batch.Abort()
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (w *FrameWriter) Start() {
	w.batcher.Start()
}

// Write queues a frame. It reports false when the queue is full.
func (w *FrameWriter) Write(msg models.CANMessage) bool {
	return w.batcher.Write(msg)
}

// Close flushes queued frames. The connection is owned by the caller.
func (w *FrameWriter) Close() error {
	w.batcher.Close()
	return nil
}

// Counters returns written, dropped and failed frame counts
func (w *FrameWriter) Counters() (written, dropped, failed uint64) {
	return w.batcher.Counters()
}
