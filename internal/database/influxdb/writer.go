package influxdb

import (
	"bms-can-monitor/internal/database"
	"bms-can-monitor/internal/models"
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/InfluxCommunity/influxdb3-go/v2/influxdb3"
	"github.com/sirupsen/logrus"
)

// Measurement is the measurement name for decoded readings
const Measurement = "battery_readings"

// Writer stores decoded battery readings as InfluxDB points
type Writer struct {
	client  *influxdb3.Client
	batcher *database.Batcher[models.ReadingSample]
}

// New creates a new InfluxDB writer
func New(config Config, batchSize int, logger logrus.FieldLogger) (*Writer, error) {
	client, err := influxdb3.New(influxdb3.ClientConfig{
		Host:     config.URL,
		Token:    config.Token,
		Database: config.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create InfluxDB client: %w", err)
	}

	w := &Writer{client: client}
	w.batcher = database.NewBatcher(batchSize, time.Second, w.flush,
		logger.WithFields(logrus.Fields{"component": "influxdb", "database": config.Database}))
	return w, nil
}

func readingPoint(s models.ReadingSample) *influxdb3.Point {
	r := s.Reading
	return influxdb3.NewPoint(
		Measurement,
		map[string]string{
			"battery_id": strconv.Itoa(int(r.BatteryID)),
			"can_id":     fmt.Sprintf("0x%X", s.CANID),
			"interface":  s.Interface,
		},
		map[string]any{
			"pack_voltage_v":  float64(r.PackVoltageV),
			"pack_current_a":  float64(r.PackCurrentA),
			"soc_pct":         int64(r.SOCPct),
			"temp1_c":         float64(r.Temp1C),
			"temp2_c":         float64(r.Temp2C),
			"status_flags":    int64(r.StatusFlags),
			"pack_identifier": int64(r.PackIdentifier),
		},
		s.Timestamp,
	)
}

func (w *Writer) flush(ctx context.Context, samples []models.ReadingSample) error {
	points := make([]*influxdb3.Point, 0, len(samples))
	for _, s := range samples {
		points = append(points, readingPoint(s))
	}

	if err := w.client.WritePoints(ctx, points); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}

func (w *Writer) Start() {
	w.batcher.Start()
}

// WriteReading queues a reading. It reports false when the queue is full.
func (w *Writer) WriteReading(s models.ReadingSample) bool {
	return w.batcher.Write(s)
}

// Close flushes queued readings and closes the client
func (w *Writer) Close() error {
	w.batcher.Close()
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}
