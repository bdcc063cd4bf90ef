package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CAN backends selectable with CAN_BACKEND
const (
	BackendSocketCAN = "socketcan"
	BackendSLCAN     = "slcan"
	BackendVirtual   = "virtual"
)

// Config holds all application configuration
type Config struct {
	// CAN Interface
	CANInterface     string
	CANBackend       string
	CANBitrate       int
	CANFilters       []uint32
	SLCANPort        string
	SLCANBaudRate    int
	PingIntervalMS   int
	RecoverySettleMS int
	StatsInterval    int
	ConfigureLink    bool

	// Traffic log
	LoggingEnabled     bool
	LogDir             string
	LogFile            string
	LogFlushIntervalMS int
	LogRotationPercent int
	LogQuotaBytes      uint64

	// Protocols and persisted settings
	ProtocolDir    string
	ActiveProtocol string
	SettingsDB     string

	// ClickHouse
	ClickHouseEnabled    bool
	ClickHouseHost       string
	ClickHousePort       int
	ClickHouseHTTPPort   int
	ClickHouseDatabase   string
	ClickHouseUsername   string
	ClickHousePassword   string
	ClickHouseTable      string
	ClickHouseStatsTable string

	// InfluxDB
	InfluxDBEnabled  bool
	InfluxDBURL      string
	InfluxDBToken    string
	InfluxDBDatabase string

	// MQTT
	MQTTEnabled     bool
	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
	MQTTPayload     string

	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// General
	BatchSize int
	APIPort   int
}

// Default returns the configuration used when no .env file is present
func Default() *Config {
	return &Config{
		CANInterface:         "can0",
		CANBackend:           BackendSocketCAN,
		CANBitrate:           500000,
		SLCANPort:            "/dev/ttyACM0",
		SLCANBaudRate:        115200,
		RecoverySettleMS:     100,
		StatsInterval:        10,
		LoggingEnabled:       true,
		LogDir:               "./data",
		LogFile:              "canlog.csv",
		LogFlushIntervalMS:   5000,
		LogRotationPercent:   80,
		LogQuotaBytes:        64 << 20,
		ProtocolDir:          "./data/protocols",
		SettingsDB:           "./data/settings.db",
		ClickHouseHost:       "localhost",
		ClickHousePort:       9000,
		ClickHouseHTTPPort:   8123,
		ClickHouseDatabase:   "default",
		ClickHouseUsername:   "default",
		ClickHouseTable:      "can_frames",
		ClickHouseStatsTable: "can_interface_stats",
		InfluxDBURL:          "http://localhost:8181",
		InfluxDBDatabase:     "battery",
		MQTTBroker:           "localhost:1883",
		MQTTTopicPrefix:      "ebike",
		MQTTPayload:          "json",
		LogLevel:             "info",
		LogFormat:            "text",
		BatchSize:            1000,
		APIPort:              8080,
	}
}

// LoadConfig loads configuration from .env file
func LoadConfig(envFile string) (*Config, error) {
	config := Default()

	if envFile == "" {
		envFile = ".env"
	}

	file, err := os.Open(envFile)
	if err != nil {
		// If .env file doesn't exist, return default config
		if os.IsNotExist(err) {
			fmt.Printf("No .env file found at %s, using default configuration\n", envFile)
			return config, nil
		}
		return nil, fmt.Errorf("error opening .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if err := config.set(key, value); err != nil {
			return nil, fmt.Errorf("%s:%d: %s: %w", envFile, lineNo, key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	return config, config.Validate()
}

func (c *Config) set(key, value string) error {
	var err error
	switch key {
	case "CAN_INTERFACE":
		c.CANInterface = value
	case "CAN_BACKEND":
		c.CANBackend = strings.ToLower(value)
	case "CAN_BITRATE":
		c.CANBitrate, err = strconv.Atoi(value)
	case "CAN_FILTERS":
		c.CANFilters = parseFilters(value)
	case "CAN_CONFIGURE_LINK":
		c.ConfigureLink, err = strconv.ParseBool(value)
	case "SLCAN_PORT":
		c.SLCANPort = value
	case "SLCAN_BAUDRATE":
		c.SLCANBaudRate, err = strconv.Atoi(value)
	case "CAN_PING_INTERVAL_MS":
		c.PingIntervalMS, err = strconv.Atoi(value)
	case "CAN_RECOVERY_SETTLE_MS":
		c.RecoverySettleMS, err = strconv.Atoi(value)
	case "STATS_INTERVAL":
		c.StatsInterval, err = strconv.Atoi(value)
	case "CAN_LOGGING_ENABLED":
		c.LoggingEnabled, err = strconv.ParseBool(value)
	case "CAN_LOG_DIR":
		c.LogDir = value
	case "CAN_LOG_FILE":
		c.LogFile = value
	case "CAN_LOG_FLUSH_INTERVAL_MS":
		c.LogFlushIntervalMS, err = strconv.Atoi(value)
	case "CAN_LOG_ROTATION_PERCENT":
		c.LogRotationPercent, err = strconv.Atoi(value)
	case "CAN_LOG_QUOTA_BYTES":
		c.LogQuotaBytes, err = strconv.ParseUint(value, 10, 64)
	case "PROTOCOL_DIR":
		c.ProtocolDir = value
	case "ACTIVE_PROTOCOL":
		c.ActiveProtocol = value
	case "SETTINGS_DB":
		c.SettingsDB = value
	case "CLICKHOUSE_ENABLED":
		c.ClickHouseEnabled, err = strconv.ParseBool(value)
	case "CLICKHOUSE_HOST":
		c.ClickHouseHost = value
	case "CLICKHOUSE_PORT":
		c.ClickHousePort, err = strconv.Atoi(value)
	case "CLICKHOUSE_HTTP_PORT":
		c.ClickHouseHTTPPort, err = strconv.Atoi(value)
	case "CLICKHOUSE_DATABASE":
		c.ClickHouseDatabase = value
	case "CLICKHOUSE_USERNAME":
		c.ClickHouseUsername = value
	case "CLICKHOUSE_PASSWORD":
		c.ClickHousePassword = value
	case "CLICKHOUSE_TABLE":
		c.ClickHouseTable = value
	case "CLICKHOUSE_STATS_TABLE":
		c.ClickHouseStatsTable = value
	case "INFLUXDB_ENABLED":
		c.InfluxDBEnabled, err = strconv.ParseBool(value)
	case "INFLUXDB_URL":
		c.InfluxDBURL = value
	case "INFLUXDB_TOKEN":
		c.InfluxDBToken = value
	case "INFLUXDB_DATABASE":
		c.InfluxDBDatabase = value
	case "MQTT_ENABLED":
		c.MQTTEnabled, err = strconv.ParseBool(value)
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "MQTT_USERNAME":
		c.MQTTUsername = value
	case "MQTT_PASSWORD":
		c.MQTTPassword = value
	case "MQTT_TOPIC_PREFIX":
		c.MQTTTopicPrefix = value
	case "MQTT_PAYLOAD":
		c.MQTTPayload = strings.ToLower(value)
	case "LOG_LEVEL":
		c.LogLevel = value
	case "LOG_FORMAT":
		c.LogFormat = value
	case "LOG_FILE":
		c.LogOutput = value
	case "BATCH_SIZE":
		c.BatchSize, err = strconv.Atoi(value)
	case "API_PORT":
		c.APIPort, err = strconv.Atoi(value)
	}
	return err
}

// Validate rejects values no component can run with
func (c *Config) Validate() error {
	switch c.CANBackend {
	case BackendSocketCAN, BackendSLCAN, BackendVirtual:
	default:
		return fmt.Errorf("unknown CAN_BACKEND %q", c.CANBackend)
	}
	switch c.MQTTPayload {
	case "json", "cbor":
	default:
		return fmt.Errorf("unknown MQTT_PAYLOAD %q", c.MQTTPayload)
	}
	if c.LogRotationPercent <= 0 || c.LogRotationPercent > 100 {
		return fmt.Errorf("CAN_LOG_ROTATION_PERCENT must be in 1..100, got %d", c.LogRotationPercent)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	return nil
}

// parseFilters parses comma-separated CAN IDs
func parseFilters(filterStr string) []uint32 {
	if filterStr == "" {
		return nil
	}

	parts := strings.Split(filterStr, ",")
	filters := make([]uint32, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(strings.TrimPrefix(part, "0x"), "0X")
		if part == "" {
			continue
		}

		var id uint32
		_, err := fmt.Sscanf(part, "%x", &id)
		if err != nil {
			continue
		}

		filters = append(filters, id)
	}

	return filters
}
