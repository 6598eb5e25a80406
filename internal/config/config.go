package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Broker describes one MQTT endpoint and the topics used on it.
type Broker struct {
	Host     string `yaml:"Host"`
	Port     int    `yaml:"Port"`
	Username string `yaml:"Username"`
	Password string `yaml:"Password"`
	Ssl      bool   `yaml:"Ssl"`

	MeasurementTopic     string `yaml:"MeasurementTopic"`
	BulkMeasurementTopic string `yaml:"BulkMeasurementTopic"`
	MessageTopic         string `yaml:"MessageTopic"`
	BulkMessageTopic     string `yaml:"BulkMessageTopic"`
	CommandTopic         string `yaml:"CommandTopic"`
}

// URI renders the broker address in the scheme paho expects.
func (b Broker) URI() string {
	scheme := "tcp"
	if b.Ssl {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, b.Host, b.Port)
}

// Mqtt groups the untrusted public broker and the trusted internal one.
type Mqtt struct {
	PublicBroker   Broker `yaml:"PublicBroker"`
	InternalBroker Broker `yaml:"InternalBroker"`
}

// PgSQL holds the relational store settings.
type PgSQL struct {
	ConnectionString string `yaml:"ConnectionString"`
}

// MongoDB holds the document store settings.
type MongoDB struct {
	DatabaseName     string `yaml:"DatabaseName"`
	ConnectionString string `yaml:"ConnectionString"`
}

// Database groups both authoritative stores.
type Database struct {
	PgSQL   PgSQL   `yaml:"PgSQL"`
	MongoDB MongoDB `yaml:"MongoDB"`
}

// Logging controls the slog sink.
type Logging struct {
	Level string `yaml:"Level"`
	File  string `yaml:"File"`
}

// Metrics controls the prometheus endpoint; a zero port disables it.
type Metrics struct {
	Port int `yaml:"Port"`
}

// Config lists the tunable parameters for the authorization gateway.
type Config struct {
	InternalBatchSize int      `yaml:"InternalBatchSize"`
	Interval          int      `yaml:"Interval"`
	Workers           int      `yaml:"Workers"`
	Mqtt              Mqtt     `yaml:"Mqtt"`
	Database          Database `yaml:"Database"`
	Logging           Logging  `yaml:"Logging"`
	Metrics           Metrics  `yaml:"Metrics"`
}

const (
	defaultBatchSize = 100
	defaultInterval  = 1000
	defaultWorkers   = 4
	defaultLogLevel  = "info"
)

// Load reads the YAML config at path, applies environment overrides, and
// fills in defaults.
func Load(path string) (Config, error) {
	cfg := Config{
		InternalBatchSize: defaultBatchSize,
		Interval:          defaultInterval,
		Workers:           defaultWorkers,
		Logging:           Logging{Level: defaultLogLevel},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if cfg.Workers < 1 {
		cfg.Workers = defaultWorkers
	}
	if cfg.Interval < 1 {
		cfg.Interval = defaultInterval
	}
	if cfg.InternalBatchSize < 1 {
		cfg.InternalBatchSize = defaultBatchSize
	}

	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("GATEWAY_WORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_WORKERS: %w", err)
		}
		cfg.Workers = workers
	}

	if v := os.Getenv("GATEWAY_INTERVAL"); v != "" {
		interval, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid GATEWAY_INTERVAL: %w", err)
		}
		cfg.Interval = interval
	}

	if v := os.Getenv("GATEWAY_PGSQL_DSN"); v != "" {
		cfg.Database.PgSQL.ConnectionString = v
	}

	if v := os.Getenv("GATEWAY_MONGODB_URI"); v != "" {
		cfg.Database.MongoDB.ConnectionString = v
	}

	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}
