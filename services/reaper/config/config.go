package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the reaper service.
type Config struct {
	LogLevel         string
	MetricsAddr      string
	OTelEndpoint     string
	TraceSampleRatio float64

	LedgerDriver string
	PostgresDSN  string
	SQLitePath   string
	// RedisAddr backs the leader lease. Empty runs without election, which is
	// only safe with a single reaper instance.
	RedisAddr string

	KafkaBrokers  []string
	DispatchTopic string

	Schedule    string
	Staleness   time.Duration
	MaxAttempts int
	BatchSize   int
	LeaderTTL   time.Duration
	// PurgeQuota deletes expired Postgres quota counters on the reaper's
	// scheduler.
	PurgeQuota bool
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	cfg := Config{
		LogLevel:         v.GetString("log_level"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		TraceSampleRatio: v.GetFloat64("trace_sample_ratio"),
		LedgerDriver:     v.GetString("ledger_driver"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		SQLitePath:       v.GetString("sqlite_path"),
		RedisAddr:        v.GetString("redis_addr"),
		DispatchTopic:    v.GetString("dispatch_topic"),
		Schedule:         v.GetString("schedule"),
		Staleness:        v.GetDuration("staleness"),
		MaxAttempts:      v.GetInt("max_attempts"),
		BatchSize:        v.GetInt("batch_size"),
		LeaderTTL:        v.GetDuration("leader_ttl"),
		PurgeQuota:       v.GetBool("purge_quota"),
	}
	for _, b := range strings.Split(v.GetString("kafka_brokers"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.KafkaBrokers = append(cfg.KafkaBrokers, b)
		}
	}
	return cfg
}
