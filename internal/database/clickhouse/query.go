package clickhouse

import (
	"bms-can-monitor/internal/models"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// IDStat summarizes the archived traffic of one identifier
type IDStat struct {
	CANID        uint32    `json:"can_id"`
	CANIDHex     string    `json:"can_id_hex"`
	MessageCount uint64    `json:"message_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// AggregatedStatus is one time bucket of controller status history
type AggregatedStatus struct {
	TimeBucket         time.Time `json:"time_bucket"`
	Interface          string    `json:"interface"`
	MaxRXPackets       uint64    `json:"max_rx_packets"`
	MaxTXPackets       uint64    `json:"max_tx_packets"`
	MaxRXErrors        uint64    `json:"max_rx_errors"`
	MaxTXErrors        uint64    `json:"max_tx_errors"`
	MaxBusOff          uint64    `json:"max_bus_off"`
	MaxBusErrorCounter int32     `json:"max_bus_error_counter"`
	MaxRXErrorCounter  int32     `json:"max_rx_error_counter"`
	MaxTXErrorCounter  int32     `json:"max_tx_error_counter"`
}

// Archive runs read queries against the frame and status tables
type Archive struct {
	conn        driver.Conn
	table       string
	statusTable string
}

// NewArchive creates a query helper
func NewArchive(conn driver.Conn, table, statusTable string) *Archive {
	return &Archive{conn: conn, table: table, statusTable: statusTable}
}

// filter accumulates WHERE clauses and their arguments
type filter struct {
	clauses []string
	args    []any
}

func (f *filter) add(clause string, arg any) {
	f.clauses = append(f.clauses, clause)
	f.args = append(f.args, arg)
}

func (f *filter) where() string {
	if len(f.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

func commonFilter(params models.QueryParams, withID bool) *filter {
	f := &filter{}
	if params.StartTime != nil {
		f.add("timestamp >= ?", *params.StartTime)
	}
	if params.EndTime != nil {
		f.add("timestamp <= ?", *params.EndTime)
	}
	if withID && params.CANID != nil {
		f.add("can_id = ?", *params.CANID)
	}
	if params.Interface != "" {
		f.add("interface = ?", params.Interface)
	}
	return f
}

func appendPaging(query string, args []any, params models.QueryParams, defaultLimit int) (string, []any) {
	limit := params.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if params.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, params.Offset)
	}
	return query, args
}

func buildFramesQuery(table string, params models.QueryParams) (string, []any) {
	f := commonFilter(params, true)
	query := fmt.Sprintf("SELECT timestamp, interface, can_id, dlc, data, extended, rtr FROM %s", table) +
		f.where() + " ORDER BY timestamp DESC"
	return appendPaging(query, f.args, params, 100)
}

func buildCountQuery(table string, params models.QueryParams) (string, []any) {
	f := commonFilter(params, true)
	return fmt.Sprintf("SELECT count(*) FROM %s", table) + f.where(), f.args
}

func buildIDStatsQuery(table string, params models.QueryParams) (string, []any) {
	f := commonFilter(params, false)
	query := fmt.Sprintf(`SELECT can_id, count(*) AS message_count, min(timestamp) AS first_seen, max(timestamp) AS last_seen FROM %s`, table) +
		f.where() + " GROUP BY can_id ORDER BY message_count DESC"
	return appendPaging(query, f.args, params, 0)
}

func buildLatestStatusQuery(table, iface string) (string, []any) {
	f := &filter{}
	if iface != "" {
		f.add("interface = ?", iface)
	}
	return fmt.Sprintf("SELECT %s FROM %s", statusColumns, table) + f.where() + " ORDER BY timestamp DESC LIMIT 1", f.args
}

func buildStatusHistoryQuery(table string, params models.QueryParams) (string, []any) {
	f := commonFilter(params, false)
	query := fmt.Sprintf("SELECT %s FROM %s", statusColumns, table) + f.where() + " ORDER BY timestamp DESC"
	return appendPaging(query, f.args, params, 100)
}

// bucketExpr maps an interval name to a ClickHouse rounding function
func bucketExpr(interval string) string {
	switch interval {
	case "1m", "1min":
		return "toStartOfMinute(timestamp)"
	case "5m", "5min":
		return "toStartOfFiveMinutes(timestamp)"
	case "15m", "15min":
		return "toStartOfFifteenMinutes(timestamp)"
	case "1d", "1day":
		return "toStartOfDay(timestamp)"
	default:
		return "toStartOfHour(timestamp)"
	}
}

func buildStatusAggregatedQuery(table, interval string, params models.QueryParams) (string, []any) {
	f := commonFilter(params, false)
	query := fmt.Sprintf(`SELECT %s AS time_bucket, interface,
		max(rx_packets), max(tx_packets), max(rx_errors), max(tx_errors), max(bus_off),
		max(bus_error_counter), max(rx_error_counter), max(tx_error_counter)
		FROM %s`, bucketExpr(interval), table) +
		f.where() + " GROUP BY time_bucket, interface ORDER BY time_bucket DESC"
	return appendPaging(query, f.args, params, 100)
}

// Frames returns archived frames, newest first
func (a *Archive) Frames(ctx context.Context, params models.QueryParams) ([]models.CANMessageResponse, error) {
	query, args := buildFramesQuery(a.table, params)
	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	messages := []models.CANMessageResponse{}
	for rows.Next() {
		var msg models.CANMessageResponse
		if err := rows.Scan(&msg.Timestamp, &msg.Interface, &msg.CANID, &msg.DLC, &msg.Data, &msg.Extended, &msg.RTR); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		msg.CANIDHex = fmt.Sprintf("0x%X", msg.CANID)
		msg.DataHex = fmt.Sprintf("%X", msg.Data)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Count returns the number of archived frames matching params
func (a *Archive) Count(ctx context.Context, params models.QueryParams) (uint64, error) {
	query, args := buildCountQuery(a.table, params)
	var count uint64
	if err := a.conn.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("query failed: %w", err)
	}
	return count, nil
}

// IDStats returns per identifier counts, busiest first
func (a *Archive) IDStats(ctx context.Context, params models.QueryParams) ([]IDStat, error) {
	query, args := buildIDStatsQuery(a.table, params)
	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	stats := []IDStat{}
	for rows.Next() {
		var s IDStat
		if err := rows.Scan(&s.CANID, &s.MessageCount, &s.FirstSeen, &s.LastSeen); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		s.CANIDHex = fmt.Sprintf("0x%X", s.CANID)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// LatestStatus returns the newest status snapshot for iface
func (a *Archive) LatestStatus(ctx context.Context, iface string) (models.ControllerStatus, error) {
	query, args := buildLatestStatusQuery(a.statusTable, iface)
	var row statusRow
	if err := a.conn.QueryRow(ctx, query, args...).Scan(row.dest()...); err != nil {
		return models.ControllerStatus{}, fmt.Errorf("query failed: %w", err)
	}
	return row.model(), nil
}

// StatusHistory returns status snapshots, newest first
func (a *Archive) StatusHistory(ctx context.Context, params models.QueryParams) ([]models.ControllerStatus, error) {
	query, args := buildStatusHistoryQuery(a.statusTable, params)
	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	history := []models.ControllerStatus{}
	for rows.Next() {
		var row statusRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		history = append(history, row.model())
	}
	return history, rows.Err()
}

// StatusAggregated buckets the status history by interval
func (a *Archive) StatusAggregated(ctx context.Context, interval string, params models.QueryParams) ([]AggregatedStatus, error) {
	query, args := buildStatusAggregatedQuery(a.statusTable, interval, params)
	rows, err := a.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	aggregated := []AggregatedStatus{}
	for rows.Next() {
		var agg AggregatedStatus
		err := rows.Scan(
			&agg.TimeBucket, &agg.Interface,
			&agg.MaxRXPackets, &agg.MaxTXPackets,
			&agg.MaxRXErrors, &agg.MaxTXErrors, &agg.MaxBusOff,
			&agg.MaxBusErrorCounter, &agg.MaxRXErrorCounter, &agg.MaxTXErrorCounter,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		aggregated = append(aggregated, agg)
	}
	return aggregated, rows.Err()
}
