package clickhouse

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ExportFormat is a ClickHouse output format name
type ExportFormat string

const (
	FormatParquet  ExportFormat = "Parquet"
	FormatCSV      ExportFormat = "CSVWithNames"
	FormatJSONEach ExportFormat = "JSONEachRow"
)

// ExportOptions selects the frames to export
type ExportOptions struct {
	Format      ExportFormat
	StartTime   time.Time
	EndTime     time.Time
	CANID       *uint32
	Compression string // snappy, lz4, brotli, zstd, gzip, none. Parquet only.
}

// Exporter streams archived frames through the ClickHouse HTTP interface
type Exporter struct {
	config Config
	table  string
	client *http.Client
}

// NewExporter creates an exporter for the frames table
func NewExporter(config Config, client *http.Client) *Exporter {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Exporter{config: config, table: config.Table, client: client}
}

// ParseExportFormat maps a short name to a format. Empty means Parquet.
func ParseExportFormat(name string) (ExportFormat, error) {
	switch strings.ToLower(name) {
	case "", "parquet":
		return FormatParquet, nil
	case "csv":
		return FormatCSV, nil
	case "json", "jsonl", "ndjson":
		return FormatJSONEach, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", name)
	}
}

func buildExportQuery(table string, opts ExportOptions) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT timestamp, interface, can_id, dlc, data, extended, rtr FROM %s", table)
	fmt.Fprintf(&b, " WHERE timestamp >= '%s' AND timestamp < '%s'",
		opts.StartTime.UTC().Format("2006-01-02 15:04:05"),
		opts.EndTime.UTC().Format("2006-01-02 15:04:05"))
	if opts.CANID != nil {
		fmt.Fprintf(&b, " AND can_id = %d", *opts.CANID)
	}
	b.WriteString(" ORDER BY timestamp")

	format := opts.Format
	if format == "" {
		format = FormatParquet
	}
	fmt.Fprintf(&b, " FORMAT %s", format)
	if format == FormatParquet {
		compression := opts.Compression
		if compression == "" {
			compression = "zstd"
		}
		fmt.Fprintf(&b, " SETTINGS output_format_parquet_compression_method='%s'", compression)
	}
	return b.String()
}

// ExportToWriter copies the query result to writer and returns the byte count
func (e *Exporter) ExportToWriter(ctx context.Context, writer io.Writer, opts ExportOptions) (int64, error) {
	port := e.config.HTTPPort
	if port == 0 {
		port = 8123
	}

	params := url.Values{}
	params.Set("query", buildExportQuery(e.table, opts))
	params.Set("database", e.config.Database)

	endpoint := fmt.Sprintf("http://%s:%d/?%s", e.config.Host, port, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build export request: %w", err)
	}
	if e.config.Username != "" {
		req.SetBasicAuth(e.config.Username, e.config.Password)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to execute HTTP query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("ClickHouse HTTP query failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	written, err := io.Copy(writer, resp.Body)
	if err != nil {
		return written, fmt.Errorf("failed to copy %s data: %w", opts.Format, err)
	}
	return written, nil
}
