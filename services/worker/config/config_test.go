package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramiqadoumi/genflow/services/worker/config"
)

func TestLoad(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(`
kafka_brokers: "k1:9092,,k2:9092 "
consumers: 0
soft_deadline: "2m"
redis_addr: ""
`)))

	cfg := config.Load(v)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1, cfg.Consumers, "at least one consumer runs")
	assert.Equal(t, 2*time.Minute, cfg.SoftDeadline)
	assert.Empty(t, cfg.RedisAddr)
}
