package main

import (
	"bms-can-monitor/internal/api"
	"bms-can-monitor/internal/can"
	"bms-can-monitor/internal/config"
	"bms-can-monitor/internal/database/clickhouse"
	"bms-can-monitor/internal/database/influxdb"
	"bms-can-monitor/internal/decoder"
	"bms-can-monitor/internal/logging"
	"bms-can-monitor/internal/monitor"
	"bms-can-monitor/internal/mqtt"
	"bms-can-monitor/internal/protocol"
	"bms-can-monitor/internal/settings"
	"bms-can-monitor/internal/trafficlog"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

func main() {
	// Command line flag for config file
	envFile := flag.String("env", ".env", "Path to .env configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("CAN monitor failed")
	}
}

// newController builds the configured backend
func newController(cfg *config.Config) can.Controller {
	switch cfg.CANBackend {
	case config.BackendSLCAN:
		return can.NewSLCAN(cfg.SLCANPort, cfg.SLCANBaudRate)
	case config.BackendVirtual:
		v := can.NewVirtual()
		v.SetLoopback(true)
		return v
	default:
		return can.NewSocketCAN(cfg.CANInterface, can.NewLink(cfg.CANInterface, nil), cfg.ConfigureLink)
	}
}

// loadSettings merges persisted operator changes over the .env values
func loadSettings(cfg *config.Config, log logrus.FieldLogger) (*settings.Store, settings.Settings) {
	enabled := cfg.LoggingEnabled
	defaults := settings.Settings{
		Bitrate:        cfg.CANBitrate,
		LoggingEnabled: &enabled,
		ActiveProtocol: cfg.ActiveProtocol,
		PingIntervalMS: cfg.PingIntervalMS,
	}

	store, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		log.WithError(err).Warn("Settings store unavailable, using configuration only")
		return nil, defaults
	}
	eff, err := store.Load(defaults)
	if err != nil {
		log.WithError(err).Warn("Failed to read persisted settings")
	}
	return store, eff
}

func startTrafficLog(cfg *config.Config, log *logrus.Logger) *trafficlog.Log {
	opts := trafficlog.DefaultOptions()
	opts.FlushInterval = time.Duration(cfg.LogFlushIntervalMS) * time.Millisecond
	opts.RotationPercent = cfg.LogRotationPercent
	if cfg.LogQuotaBytes > 0 {
		opts.Volume = trafficlog.QuotaVolume{Quota: cfg.LogQuotaBytes}
	} else {
		opts.Volume = trafficlog.FilesystemVolume{}
	}

	tl := trafficlog.New(opts, log)
	if err := tl.Begin(filepath.Join(cfg.LogDir, cfg.LogFile)); err != nil {
		log.WithError(err).Error("Traffic log unavailable, continuing without it")
		return nil
	}
	return tl
}

func activateProtocol(ref string, loader *protocol.Loader, dec *decoder.Decoder, log logrus.FieldLogger) string {
	if ref == "" || ref == "none" {
		return ref
	}
	def, err := loader.Resolve(ref)
	if err == nil {
		err = dec.SetDefinition(def)
	}
	if err != nil {
		log.WithError(err).WithField("protocol", ref).Warn("Protocol not loaded, using legacy decoding")
		return ""
	}
	return ref
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	log := logger.WithField("component", "main")
	log.WithFields(logrus.Fields{
		"interface": cfg.CANInterface,
		"backend":   cfg.CANBackend,
	}).Info("Starting BMS CAN monitor")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, eff := loadSettings(cfg, log)
	if store != nil {
		defer store.Close()
	}

	// Bus driver
	driver := can.NewDriver(newController(cfg), can.Options{
		Interface:      cfg.CANInterface,
		SettleInterval: time.Duration(cfg.RecoverySettleMS) * time.Millisecond,
	}, logger)
	if len(cfg.CANFilters) > 0 {
		if err := driver.SetFilter(cfg.CANFilters); err != nil {
			log.WithError(err).Warn("Failed to store filters")
		} else {
			log.WithField("filters", cfg.CANFilters).Info("Applied CAN ID filters")
		}
	}

	var tl *trafficlog.Log
	if eff.Logging() {
		if tl = startTrafficLog(cfg, logger); tl != nil {
			driver.AddListener(tl)
			defer tl.End()
		}
	}

	// Protocols and decoding
	loader := protocol.NewLoader(cfg.ProtocolDir, logger)
	if err := loader.Init(); err != nil {
		log.WithError(err).Warn("Protocol library unavailable")
	}
	dec := decoder.New(logger)
	activeRef := activateProtocol(eff.ActiveProtocol, loader, dec, log)

	readings := monitor.NewReadingStore()
	consumer := monitor.NewConsumer(driver, dec, readings, monitor.Options{Interface: cfg.CANInterface}, logger)

	deps := api.Deps{
		Driver:         driver,
		TrafficLog:     tl,
		Loader:         loader,
		Decoder:        dec,
		Readings:       readings,
		Settings:       store,
		ActiveProtocol: activeRef,
	}

	// ClickHouse archive
	if cfg.ClickHouseEnabled {
		chConfig := clickhouse.Config{
			Host:        cfg.ClickHouseHost,
			Port:        cfg.ClickHousePort,
			HTTPPort:    cfg.ClickHouseHTTPPort,
			Database:    cfg.ClickHouseDatabase,
			Username:    cfg.ClickHouseUsername,
			Password:    cfg.ClickHousePassword,
			Table:       cfg.ClickHouseTable,
			StatusTable: cfg.ClickHouseStatsTable,
		}
		closeArchive, err := startArchive(ctx, chConfig, cfg, driver, &deps, logger)
		if err != nil {
			log.WithError(err).Error("ClickHouse archive disabled")
		} else {
			defer closeArchive()
		}
	}

	// InfluxDB readings
	if cfg.InfluxDBEnabled {
		influx, err := influxdb.New(influxdb.Config{
			URL:      cfg.InfluxDBURL,
			Token:    cfg.InfluxDBToken,
			Database: cfg.InfluxDBDatabase,
		}, cfg.BatchSize, logger)
		if err != nil {
			log.WithError(err).Error("InfluxDB sink disabled")
		} else {
			influx.Start()
			defer influx.Close()
			consumer.AddSink(influx)
		}
	}

	// MQTT
	if cfg.MQTTEnabled {
		mqttOpts := mqtt.Options{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Format:      cfg.MQTTPayload,
		}
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := mqtt.Connect(connectCtx, mqttOpts, logger)
		cancel()
		if err != nil {
			log.WithError(err).Error("MQTT publishing disabled")
		} else {
			pub := mqtt.NewPublisher(client, mqttOpts, logger)
			pub.Start(ctx)
			defer pub.Close()
			consumer.SetPublisher(pub)
		}
	}

	if err := driver.Begin(eff.Bitrate); err != nil {
		log.WithError(err).Error("CAN driver failed to start, API stays up for diagnostics")
	}
	defer driver.End()

	if eff.PingIntervalMS > 0 {
		driver.EnablePeriodicPing(time.Duration(eff.PingIntervalMS) * time.Millisecond)
	}

	server := api.NewServer(api.ServerConfig{Port: cfg.APIPort}, deps, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	log.Info("Monitor started successfully. Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("API server: %w", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Warn("API server shutdown")
	}
	<-consumerDone

	frames, decoded, undecoded, _ := consumer.Counters()
	stats := driver.Stats()
	log.WithFields(logrus.Fields{
		"frames":     frames,
		"decoded":    decoded,
		"undecoded":  undecoded,
		"rx_dropped": stats.RXDropped,
		"bus_off":    stats.BusOffCount,
	}).Info("Final statistics")
	return runErr
}

// startArchive connects ClickHouse and wires the frame archive, the status
// sampler and the query API. The returned func releases everything.
func startArchive(ctx context.Context, chConfig clickhouse.Config, cfg *config.Config, driver *can.Driver, deps *api.Deps, logger *logrus.Logger) (func(), error) {
	conn, err := clickhouse.Open(ctx, chConfig)
	if err != nil {
		return nil, err
	}

	frameWriter, err := clickhouse.NewFrameWriter(ctx, conn, chConfig.Table, cfg.BatchSize, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	statusWriter, err := clickhouse.NewStatsWriter(ctx, conn, chConfig.StatusTable, max(cfg.BatchSize/10, 1), logger)
	if err != nil {
		conn.Close()
		return nil, err
	}

	frameWriter.Start()
	statusWriter.Start()
	driver.AddListener(monitor.NewFrameArchiver(frameWriter, cfg.CANInterface, logger))

	sampler := can.NewStatusSampler(driver, time.Duration(cfg.StatsInterval)*time.Second, logger)
	sampler.Start()
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		monitor.PumpStatus(ctx, sampler.C(), statusWriter)
	}()

	deps.Archive = clickhouse.NewArchive(conn, chConfig.Table, chConfig.StatusTable)
	deps.Exporter = clickhouse.NewExporter(chConfig, nil)

	logger.WithFields(logrus.Fields{
		"addr":  fmt.Sprintf("%s:%d", chConfig.Host, chConfig.Port),
		"table": chConfig.Table,
	}).Info("ClickHouse archive enabled")

	return func() {
		sampler.Stop()
		<-pumpDone
		frameWriter.Close()
		statusWriter.Close()
		conn.Close()
	}, nil
}
