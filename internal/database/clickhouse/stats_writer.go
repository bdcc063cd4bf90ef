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

// statusColumns is shared by the insert and the history queries
const statusColumns = `timestamp, interface, state, mtu, queue_length,
	bitrate, sample_point, restart_ms, controller_mode, bus_state,
	bus_error_counter, rx_error_counter, tx_error_counter,
	rx_packets, rx_errors, rx_dropped,
	tx_packets, tx_errors, tx_dropped,
	bus_off_restarts, arbitration_lost, error_warning, error_passive, bus_off`

// StatsWriter archives controller status snapshots
type StatsWriter struct {
	conn    driver.Conn
	table   string
	batcher *database.Batcher[models.ControllerStatus]
}

// NewStatsWriter creates the status table if needed
func NewStatsWriter(ctx context.Context, conn driver.Conn, table string, batchSize int, logger logrus.FieldLogger) (*StatsWriter, error) {
	if err := conn.Exec(ctx, createStatusTable(table)); err != nil {
		return nil, fmt.Errorf("failed to create status table: %w", err)
	}

	w := &StatsWriter{conn: conn, table: table}
	w.batcher = database.NewBatcher(batchSize, 5*time.Second, w.flush,
		logger.WithFields(logrus.Fields{"component": "clickhouse", "table": table}))
	return w, nil
}

func createStatusTable(table string) string {
	return fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			timestamp DateTime64(6),
			interface LowCardinality(String),
			state String,
			mtu Int32,
			queue_length Int32,

			bitrate Int32,
			sample_point String,
			restart_ms Int32,
			controller_mode String,
			bus_state LowCardinality(String),
			bus_error_counter Int32,
			rx_error_counter Int32,
			tx_error_counter Int32,

			rx_packets UInt64,
			rx_errors UInt64,
			rx_dropped UInt64,
			tx_packets UInt64,
			tx_errors UInt64,
			tx_dropped UInt64,

			bus_off_restarts UInt64,
			arbitration_lost UInt64,
			error_warning UInt64,
			error_passive UInt64,
			bus_off UInt64
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMMDD(timestamp)
		ORDER BY (interface, timestamp)
		SETTINGS index_granularity = 8192
	`, table)
}

func (w *StatsWriter) flush(ctx context.Context, stats []models.ControllerStatus) error {
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", w.table, statusColumns))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, st := range stats {
		err = batch.Append(
			st.Timestamp, st.Interface, st.State, int32(st.MTU), int32(st.QueueLength),
			int32(st.Bitrate), st.SamplePoint, int32(st.RestartMS), st.ControllerMode, st.BusState,
			int32(st.BusErrorCounter), int32(st.RXErrorCounter), int32(st.TXErrorCounter),
			st.RXPackets, st.RXErrors, st.RXDropped,
			st.TXPackets, st.TXErrors, st.TXDropped,
			st.BusOffRestarts, st.ArbitrationLost, st.ErrorWarning, st.ErrorPassive, st.BusOff,
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

func (w *StatsWriter) Start() {
	w.batcher.Start()
}

// WriteStatus queues a snapshot
func (w *StatsWriter) WriteStatus(st models.ControllerStatus) bool {
	return w.batcher.Write(st)
}

func (w *StatsWriter) Close() error {
	w.batcher.Close()
	return nil
}

// statusRow mirrors the column types for scanning
type statusRow struct {
	Timestamp       time.Time
	Interface       string
	State           string
	MTU             int32
	QueueLength     int32
	Bitrate         int32
	SamplePoint     string
	RestartMS       int32
	ControllerMode  string
	BusState        string
	BusErrorCounter int32
	RXErrorCounter  int32
	TXErrorCounter  int32
	RXPackets       uint64
	RXErrors        uint64
	RXDropped       uint64
	TXPackets       uint64
	TXErrors        uint64
	TXDropped       uint64
	BusOffRestarts  uint64
	ArbitrationLost uint64
	ErrorWarning    uint64
	ErrorPassive    uint64
	BusOff          uint64
}

func (r *statusRow) dest() []any {
	return []any{
		&r.Timestamp, &r.Interface, &r.State, &r.MTU, &r.QueueLength,
		&r.Bitrate, &r.SamplePoint, &r.RestartMS, &r.ControllerMode, &r.BusState,
		&r.BusErrorCounter, &r.RXErrorCounter, &r.TXErrorCounter,
		&r.RXPackets, &r.RXErrors, &r.RXDropped,
		&r.TXPackets, &r.TXErrors, &r.TXDropped,
		&r.BusOffRestarts, &r.ArbitrationLost, &r.ErrorWarning, &r.ErrorPassive, &r.BusOff,
	}
}

func (r *statusRow) model() models.ControllerStatus {
	return models.ControllerStatus{
		Interface:       r.Interface,
		Timestamp:       r.Timestamp,
		State:           r.State,
		MTU:             int(r.MTU),
		QueueLength:     int(r.QueueLength),
		Bitrate:         int(r.Bitrate),
		SamplePoint:     r.SamplePoint,
		RestartMS:       int(r.RestartMS),
		ControllerMode:  r.ControllerMode,
		BusState:        r.BusState,
		BusErrorCounter: int(r.BusErrorCounter),
		RXErrorCounter:  int(r.RXErrorCounter),
		TXErrorCounter:  int(r.TXErrorCounter),
		TXQueued:        -1,
		RXQueued:        -1,
		RXPackets:       r.RXPackets,
		RXErrors:        r.RXErrors,
		RXDropped:       r.RXDropped,
		TXPackets:       r.TXPackets,
		TXErrors:        r.TXErrors,
		TXDropped:       r.TXDropped,
		BusOffRestarts:  r.BusOffRestarts,
		ArbitrationLost: r.ArbitrationLost,
		ErrorWarning:    r.ErrorWarning,
		ErrorPassive:    r.ErrorPassive,
		BusOff:          r.BusOff,
	}
}
