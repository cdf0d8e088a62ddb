package config

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/commerce-core/internal/adapter/eventbus"
	"github.com/rl1809/commerce-core/internal/core/lock"
	"github.com/rl1809/commerce-core/internal/core/service"
)

// Prefix is prepended to every environment variable, e.g. COMMERCE_HTTP_ADDR.
const Prefix = "COMMERCE"

type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr string `envconfig:"GRPC_ADDR" default:":50051"`

	MySQLDSN          string        `envconfig:"MYSQL_DSN" required:"true"`
	MySQLMaxOpenConns int           `envconfig:"MYSQL_MAX_OPEN_CONNS" default:"50"`
	MySQLMaxIdleConns int           `envconfig:"MYSQL_MAX_IDLE_CONNS" default:"25"`
	MySQLConnLifetime time.Duration `envconfig:"MYSQL_CONN_LIFETIME" default:"5m"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`
	RedisPoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"100"`

	LockTimeout            time.Duration `envconfig:"LOCK_TIMEOUT" default:"1s"`
	LockLease              time.Duration `envconfig:"LOCK_LEASE" default:"10s"`
	LockPollInterval       time.Duration `envconfig:"LOCK_POLL_INTERVAL" default:"20ms"`
	LockFirstTimeoutFactor int           `envconfig:"LOCK_FIRST_TIMEOUT_FACTOR" default:"3"`

	CouponWriters    int `envconfig:"COUPON_WRITERS" default:"4"`
	CouponWriteQueue int `envconfig:"COUPON_WRITE_QUEUE" default:"10000"`

	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"200ms"`
	OutboxBatchSize    int           `envconfig:"OUTBOX_BATCH_SIZE" default:"100"`

	HandlerRetryAttempts uint          `envconfig:"HANDLER_RETRY_ATTEMPTS" default:"3"`
	HandlerRetryDelay    time.Duration `envconfig:"HANDLER_RETRY_DELAY" default:"100ms"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "process env config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

// Validate rejects zero values as well: ozzo's threshold rules skip empty input.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.GRPCAddr, validation.Required),
		validation.Field(&c.MySQLDSN, validation.Required),
		validation.Field(&c.RedisAddr, validation.Required),
		validation.Field(&c.RedisPoolSize, validation.Required, validation.Min(1)),
		validation.Field(&c.LockTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LockLease, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LockPollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.LockFirstTimeoutFactor, validation.Required, validation.Min(1)),
		validation.Field(&c.CouponWriters, validation.Required, validation.Min(1)),
		validation.Field(&c.CouponWriteQueue, validation.Required, validation.Min(1)),
		validation.Field(&c.OutboxPollInterval, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.OutboxBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&c.HandlerRetryAttempts, validation.Required, validation.Min(uint(1))),
		validation.Field(&c.LogLevel, validation.By(func(v interface{}) error {
			_, err := logrus.ParseLevel(v.(string))
			return err
		})),
	)
}

func (c Config) Lock() lock.Config {
	return lock.Config{
		DefaultTimeout:     c.LockTimeout,
		Lease:              c.LockLease,
		PollInterval:       c.LockPollInterval,
		FirstTimeoutFactor: c.LockFirstTimeoutFactor,
	}
}

func (c Config) Coupon() service.CouponConfig {
	cfg := service.DefaultCouponConfig()
	cfg.Writers = c.CouponWriters
	cfg.QueueSize = c.CouponWriteQueue
	return cfg
}

func (c Config) EventBus() eventbus.Config {
	return eventbus.Config{RetryAttempts: c.HandlerRetryAttempts, RetryDelay: c.HandlerRetryDelay}
}

func (c Config) Relay() eventbus.RelayConfig {
	return eventbus.RelayConfig{Interval: c.OutboxPollInterval, BatchSize: c.OutboxBatchSize}
}

func (c Config) Redis() *redis.Options {
	return &redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
		PoolSize: c.RedisPoolSize,
	}
}

// Level returns the parsed log level. Validate has already rejected bad values.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
