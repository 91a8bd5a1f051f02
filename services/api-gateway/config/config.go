package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ramiqadoumi/genflow/internal/domain"
	"github.com/ramiqadoumi/genflow/internal/ratelimit"
)

// Limit is one category's entry under the "limits" key.
type Limit struct {
	Max      int64         `mapstructure:"max"`
	Window   time.Duration `mapstructure:"window"`
	FailOpen bool          `mapstructure:"fail_open"`
}

// DefaultLimits applies to categories the config file does not mention.
var DefaultLimits = map[domain.Category]Limit{
	domain.CategoryGeneration: {Max: 10, Window: time.Minute},
	domain.CategoryRefinement: {Max: 30, Window: time.Minute},
	domain.CategoryExport:     {Max: 60, Window: time.Minute, FailOpen: true},
}

// Reaper configures the optional embedded reaper.
type Reaper struct {
	Enabled     bool
	Schedule    string
	Staleness   time.Duration
	MaxAttempts int
	BatchSize   int
	LeaderTTL   time.Duration
}

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel         string
	HTTPPort         string
	MetricsAddr      string
	OTelEndpoint     string
	TraceSampleRatio float64

	LedgerDriver string
	PostgresDSN  string
	SQLitePath   string
	QuotaBackend string
	RedisAddr    string

	DispatchMode  string
	KafkaBrokers  []string
	DispatchTopic string
	PoolWorkers   int
	PoolQueue     int

	SoftDeadline time.Duration
	HardTimeout  time.Duration

	BackendURL     string
	BackendToken   string
	BackendTimeout time.Duration
	BlobDir        string
	YieldMargin    time.Duration

	Limits map[domain.Category]Limit
	Reaper Reaper
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:         v.GetString("log_level"),
		HTTPPort:         v.GetString("http_port"),
		MetricsAddr:      v.GetString("metrics_addr"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
		TraceSampleRatio: v.GetFloat64("trace_sample_ratio"),

		LedgerDriver: v.GetString("ledger_driver"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		SQLitePath:   v.GetString("sqlite_path"),
		QuotaBackend: v.GetString("quota_backend"),
		RedisAddr:    v.GetString("redis_addr"),

		DispatchMode:  v.GetString("dispatch_mode"),
		KafkaBrokers:  splitList(v.GetString("kafka_brokers")),
		DispatchTopic: v.GetString("dispatch_topic"),
		PoolWorkers:   v.GetInt("pool_workers"),
		PoolQueue:     v.GetInt("pool_queue"),

		SoftDeadline: v.GetDuration("soft_deadline"),
		HardTimeout:  v.GetDuration("hard_timeout"),

		BackendURL:     v.GetString("backend_url"),
		BackendToken:   v.GetString("backend_token"),
		BackendTimeout: v.GetDuration("backend_timeout"),
		BlobDir:        v.GetString("blob_dir"),
		YieldMargin:    v.GetDuration("yield_margin"),

		Reaper: Reaper{
			Enabled:     v.GetBool("reaper.enabled"),
			Schedule:    v.GetString("reaper.schedule"),
			Staleness:   v.GetDuration("reaper.staleness"),
			MaxAttempts: v.GetInt("reaper.max_attempts"),
			BatchSize:   v.GetInt("reaper.batch_size"),
			LeaderTTL:   v.GetDuration("reaper.leader_ttl"),
		},
	}

	limits, err := loadLimits(v)
	if err != nil {
		return Config{}, err
	}
	cfg.Limits = limits

	switch cfg.DispatchMode {
	case "pool", "kafka":
	default:
		return Config{}, fmt.Errorf("dispatch_mode must be pool or kafka, got %q", cfg.DispatchMode)
	}
	return cfg, nil
}

func loadLimits(v *viper.Viper) (map[domain.Category]Limit, error) {
	raw := map[string]Limit{}
	if err := v.UnmarshalKey("limits", &raw); err != nil {
		return nil, fmt.Errorf("limits: %w", err)
	}
	out := make(map[domain.Category]Limit, len(domain.Categories))
	for c, l := range DefaultLimits {
		out[c] = l
	}
	for name, l := range raw {
		c := domain.Category(name)
		if !c.Known() {
			return nil, fmt.Errorf("limits: unknown category %q", name)
		}
		if err := (domain.LimitSpec{Max: l.Max, Window: l.Window}).Validate(); err != nil {
			return nil, fmt.Errorf("limits.%s: %w", name, err)
		}
		out[c] = l
	}
	return out, nil
}

// Policies converts the limits into rate-limit policies.
func (c Config) Policies() map[domain.Category]ratelimit.Policy {
	out := make(map[domain.Category]ratelimit.Policy, len(c.Limits))
	for cat, l := range c.Limits {
		out[cat] = ratelimit.Policy{
			Limit:    domain.LimitSpec{Max: l.Max, Window: l.Window},
			FailOpen: l.FailOpen,
		}
	}
	return out
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
