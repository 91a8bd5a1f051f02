package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel         string
	MetricsAddr      string
	OTelEndpoint     string
	TraceSampleRatio float64

	LedgerDriver string
	PostgresDSN  string
	SQLitePath   string
	// RedisAddr holds executor checkpoints. Empty keeps them in memory.
	RedisAddr string

	KafkaBrokers   []string
	DispatchTopic  string
	GroupID        string
	Consumers      int
	HandlerRetries int

	SoftDeadline time.Duration
	HardTimeout  time.Duration

	BackendURL     string
	BackendToken   string
	BackendTimeout time.Duration
	BlobDir        string
	YieldMargin    time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	cfg := Config{
		LogLevel:         v.GetString("log_level"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		TraceSampleRatio: v.GetFloat64("trace_sample_ratio"),

		LedgerDriver: v.GetString("ledger_driver"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		SQLitePath:   v.GetString("sqlite_path"),
		RedisAddr:    v.GetString("redis_addr"),

		DispatchTopic:  v.GetString("dispatch_topic"),
		GroupID:        v.GetString("group_id"),
		Consumers:      v.GetInt("consumers"),
		HandlerRetries: v.GetInt("handler_retries"),

		SoftDeadline: v.GetDuration("soft_deadline"),
		HardTimeout:  v.GetDuration("hard_timeout"),

		BackendURL:     v.GetString("backend_url"),
		BackendToken:   v.GetString("backend_token"),
		BackendTimeout: v.GetDuration("backend_timeout"),
		BlobDir:        v.GetString("blob_dir"),
		YieldMargin:    v.GetDuration("yield_margin"),
	}
	for _, b := range strings.Split(v.GetString("kafka_brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	if cfg.Consumers < 1 {
		cfg.Consumers = 1
	}
	return cfg
}
