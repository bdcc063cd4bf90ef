package clickhouse

import (
	"bms-can-monitor/internal/models"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestBuildFramesQueryNoFilters(t *testing.T) {
	query, args := buildFramesQuery("frames", models.QueryParams{})

	want := "SELECT timestamp, interface, can_id, dlc, data, extended, rtr FROM frames ORDER BY timestamp DESC LIMIT ?"
	if query != want {
		t.Fatalf("query = %q, want %q", query, want)
	}
	if len(args) != 1 || args[0] != 100 {
		t.Fatalf("args = %v, want [100]", args)
	}
}

func TestBuildFramesQueryAllFilters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	id := uint32(0x100)
	params := models.QueryParams{
		StartTime: &start,
		EndTime:   &end,
		CANID:     &id,
		Interface: "can0",
		Limit:     10,
		Offset:    20,
	}

	query, args := buildFramesQuery("frames", params)

	if !strings.Contains(query, " WHERE timestamp >= ? AND timestamp <= ? AND can_id = ? AND interface = ? ORDER BY") {
		t.Errorf("unexpected WHERE clause: %q", query)
	}
	if !strings.HasSuffix(query, "LIMIT ? OFFSET ?") {
		t.Errorf("unexpected paging: %q", query)
	}
	if len(args) != 6 {
		t.Fatalf("got %d args, want 6", len(args))
	}
	if args[2] != id || args[3] != "can0" || args[4] != 10 || args[5] != 20 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildCountQueryHasNoPaging(t *testing.T) {
	id := uint32(7)
	query, args := buildCountQuery("frames", models.QueryParams{CANID: &id, Limit: 5})

	if query != "SELECT count(*) FROM frames WHERE can_id = ?" {
		t.Fatalf("query = %q", query)
	}
	if len(args) != 1 {
		t.Fatalf("args = %v", args)
	}
}

func TestBuildIDStatsQueryIgnoresCANID(t *testing.T) {
	id := uint32(7)
	query, args := buildIDStatsQuery("frames", models.QueryParams{CANID: &id})

	if strings.Contains(query, "can_id = ?") {
		t.Errorf("id stats should not filter by id: %q", query)
	}
	if !strings.HasSuffix(query, "GROUP BY can_id ORDER BY message_count DESC") {
		t.Errorf("query = %q", query)
	}
	if len(args) != 0 {
		t.Errorf("args = %v", args)
	}
}

func TestBuildLatestStatusQuery(t *testing.T) {
	query, args := buildLatestStatusQuery("status", "can0")

	if !strings.HasSuffix(query, "FROM status WHERE interface = ? ORDER BY timestamp DESC LIMIT 1") {
		t.Errorf("query = %q", query)
	}
	if len(args) != 1 || args[0] != "can0" {
		t.Errorf("args = %v", args)
	}

	var row statusRow
	if got, want := len(row.dest()), len(strings.Split(statusColumns, ",")); got != want {
		t.Errorf("scan targets = %d, columns = %d", got, want)
	}
}

func TestBucketExpr(t *testing.T) {
	tests := map[string]string{
		"1m":    "toStartOfMinute(timestamp)",
		"5min":  "toStartOfFiveMinutes(timestamp)",
		"15m":   "toStartOfFifteenMinutes(timestamp)",
		"1d":    "toStartOfDay(timestamp)",
		"":      "toStartOfHour(timestamp)",
		"bogus": "toStartOfHour(timestamp)",
	}
	for in, want := range tests {
		if got := bucketExpr(in); got != want {
			t.Errorf("bucketExpr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildExportQuery(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	id := uint32(0x101)
	opts := ExportOptions{StartTime: start, EndTime: start.Add(24 * time.Hour), CANID: &id}

	query := buildExportQuery("frames", opts)

	for _, part := range []string{
		"WHERE timestamp >= '2024-01-01 00:00:00' AND timestamp < '2024-01-02 00:00:00'",
		"AND can_id = 257",
		"FORMAT Parquet",
		"output_format_parquet_compression_method='zstd'",
	} {
		if !strings.Contains(query, part) {
			t.Errorf("query missing %q: %s", part, query)
		}
	}

	opts.Format = FormatCSV
	if query := buildExportQuery("frames", opts); strings.Contains(query, "SETTINGS") {
		t.Errorf("csv export should not carry parquet settings: %s", query)
	}
}

func TestParseExportFormat(t *testing.T) {
	if f, err := ParseExportFormat(""); err != nil || f != FormatParquet {
		t.Errorf("empty: %v %v", f, err)
	}
	if f, err := ParseExportFormat("CSV"); err != nil || f != FormatCSV {
		t.Errorf("csv: %v %v", f, err)
	}
	if _, err := ParseExportFormat("xlsx"); err == nil {
		t.Error("expected error for xlsx")
	}
}

func testExporter(t *testing.T, handler http.HandlerFunc) *Exporter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	cfg := Config{Host: host, HTTPPort: port, Database: "can", Username: "u", Password: "p", Table: "frames"}
	return NewExporter(cfg, srv.Client())
}

func TestExportToWriter(t *testing.T) {
	var gotQuery, gotDB, gotUser string
	e := testExporter(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("query")
		gotDB = r.URL.Query().Get("database")
		gotUser, _, _ = r.BasicAuth()
		w.Write([]byte("PAR1data"))
	})

	var buf bytes.Buffer
	n, err := e.ExportToWriter(context.Background(), &buf, ExportOptions{Format: FormatParquet})
	if err != nil {
		t.Fatalf("ExportToWriter: %v", err)
	}
	if n != 8 || buf.String() != "PAR1data" {
		t.Errorf("got %d bytes %q", n, buf.String())
	}
	if gotDB != "can" || gotUser != "u" {
		t.Errorf("database=%q user=%q", gotDB, gotUser)
	}
	if !strings.Contains(gotQuery, "FROM frames") {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestExportToWriterServerError(t *testing.T) {
	e := testExporter(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Code: 60. Table does not exist", http.StatusNotFound)
	})

	_, err := e.ExportToWriter(context.Background(), &bytes.Buffer{}, ExportOptions{})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("err = %v", err)
	}
}
