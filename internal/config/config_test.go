package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("COMMERCE_MYSQL_DSN", "root:root@tcp(localhost:3306)/commerce?parseTime=true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":50051", cfg.GRPCAddr)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 100, cfg.RedisPoolSize)
	assert.Equal(t, 4, cfg.CouponWriters)
	assert.Equal(t, 10000, cfg.CouponWriteQueue)
	assert.Equal(t, logrus.InfoLevel, cfg.Level())

	l := cfg.Lock()
	assert.Equal(t, time.Second, l.DefaultTimeout)
	assert.Equal(t, 10*time.Second, l.Lease)
	assert.Equal(t, 20*time.Millisecond, l.PollInterval)
	assert.Equal(t, 3, l.FirstTimeoutFactor)

	r := cfg.Relay()
	assert.Equal(t, 200*time.Millisecond, r.Interval)
	assert.Equal(t, 100, r.BatchSize)

	b := cfg.EventBus()
	assert.Equal(t, uint(3), b.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, b.RetryDelay)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("COMMERCE_MYSQL_DSN", "dsn")
	t.Setenv("COMMERCE_LOCK_TIMEOUT", "250ms")
	t.Setenv("COMMERCE_COUPON_WRITERS", "8")
	t.Setenv("COMMERCE_REDIS_DB", "2")
	t.Setenv("COMMERCE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Lock().DefaultTimeout)
	assert.Equal(t, 8, cfg.Coupon().Writers)
	assert.Equal(t, 2, cfg.Redis().DB)
	assert.Equal(t, logrus.DebugLevel, cfg.Level())
}

func TestLoad_RequiresDSN(t *testing.T) {
	t.Setenv("COMMERCE_MYSQL_DSN", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"COMMERCE_LOG_LEVEL":                 "loud",
		"COMMERCE_COUPON_WRITERS":            "0",
		"COMMERCE_LOCK_FIRST_TIMEOUT_FACTOR": "0",
		"COMMERCE_OUTBOX_BATCH_SIZE":         "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("COMMERCE_MYSQL_DSN", "dsn")
			t.Setenv(key, value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
