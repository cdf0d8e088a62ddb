// Package lock serializes access to shared resources across processes.
//
// Locks are not reentrant: a call chain must not acquire a key it already
// holds. The second acquisition would wait for itself until it times out.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/pkg/metrics"
	"github.com/rl1809/commerce-core/internal/port"
)

const (
	keyPrefix      = "lock:"
	releaseTimeout = 2 * time.Second
)

var errLockBusy = errors.New("lock busy")

// Locker is the part of Manager the guards and services depend on.
type Locker interface {
	WithLock(ctx context.Context, key domain.LockKey, timeout time.Duration, fn func(ctx context.Context) error) error
	WithLocks(ctx context.Context, keys []domain.LockKey, fn func(ctx context.Context) error) error
}

type Config struct {
	DefaultTimeout time.Duration
	Lease          time.Duration
	PollInterval   time.Duration
	// FirstTimeoutFactor scales DefaultTimeout for the first key of a composite acquisition.
	FirstTimeoutFactor int
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     time.Second,
		Lease:              10 * time.Second,
		PollInterval:       20 * time.Millisecond,
		FirstTimeoutFactor: 3,
	}
}

type Manager struct {
	store port.LockStore
	cfg   Config
	log   logrus.FieldLogger

	// tokens of locks taken through TryLock, by rendered key
	held sync.Map
}

func NewManager(store port.LockStore, cfg Config, log logrus.FieldLogger) *Manager {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FirstTimeoutFactor <= 0 {
		cfg.FirstTimeoutFactor = def.FirstTimeoutFactor
	}
	return &Manager{
		store: store,
		cfg:   cfg,
		log:   log.WithField("component", "lock"),
	}
}

// WithLock runs fn while holding key. It waits up to timeout (DefaultTimeout
// if timeout <= 0) and returns a *domain.LockAcquisitionError if the key stays
// busy. The lock is released on every exit path of fn, panics included.
func (m *Manager) WithLock(ctx context.Context, key domain.LockKey, timeout time.Duration, fn func(ctx context.Context) error) error {
	handle, err := m.acquire(ctx, key, timeout)
	if err != nil {
		return err
	}
	defer m.release(ctx, handle)

	return fn(ctx)
}

// WithLockValue is WithLock for a body that produces a value.
func WithLockValue[T any](ctx context.Context, l Locker, key domain.LockKey, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLock(ctx, key, timeout, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// TryLock acquires key and keeps it until Unlock. It returns false once
// timeout elapses without acquiring.
func (m *Manager) TryLock(ctx context.Context, key domain.LockKey, timeout time.Duration) (bool, error) {
	handle, err := m.acquire(ctx, key, timeout)
	if errors.Is(err, domain.ErrLockAcquisitionFailed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.held.Store(key.String(), handle)
	return true, nil
}

// Unlock releases a key taken with TryLock by this process.
func (m *Manager) Unlock(ctx context.Context, key domain.LockKey) error {
	v, ok := m.held.LoadAndDelete(key.String())
	if !ok {
		return errors.Wrap(domain.ErrLockNotHeld, key.String())
	}
	handle := v.(*domain.LockHandle)

	released, err := m.store.ReleaseLock(ctx, keyPrefix+key.String(), handle.Token)
	if err != nil {
		return errors.Wrapf(err, "release lock %s", key)
	}
	if !released {
		return errors.Wrapf(domain.ErrLockNotHeld, "%s: lease expired", key)
	}
	return nil
}

func (m *Manager) acquire(ctx context.Context, key domain.LockKey, timeout time.Duration) (*domain.LockHandle, error) {
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	storeKey := keyPrefix + key.String()
	start := time.Now()

	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var storeErr error
	err := retry.Do(
		func() error {
			// The parent context is used so a reply that races the deadline is not lost.
			ok, err := m.store.AcquireLock(ctx, storeKey, token, m.cfg.Lease)
			if err != nil {
				storeErr = err
				return retry.Unrecoverable(err)
			}
			if !ok {
				return errLockBusy
			}
			return nil
		},
		retry.Context(acquireCtx),
		retry.Attempts(0),
		retry.Delay(m.cfg.PollInterval),
		retry.MaxJitter(m.cfg.PollInterval),
		retry.DelayType(retry.CombineDelay(retry.FixedDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool { return errors.Is(err, errLockBusy) }),
		retry.LastErrorOnly(true),
	)
	metrics.LockWait.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.LockAcquire.WithLabelValues("acquired").Inc()
		return &domain.LockHandle{Key: key, Token: token, AcquiredAt: time.Now(), Timeout: timeout}, nil
	case storeErr != nil:
		metrics.LockAcquire.WithLabelValues("error").Inc()
		return nil, errors.Wrapf(storeErr, "acquire lock %s", key)
	case ctx.Err() != nil:
		metrics.LockAcquire.WithLabelValues("cancelled").Inc()
		return nil, errors.Wrapf(ctx.Err(), "acquire lock %s", key)
	default:
		metrics.LockAcquire.WithLabelValues("timeout").Inc()
		m.log.WithFields(logrus.Fields{"key": key.String(), "timeout": timeout}).Warn("lock acquisition timed out")
		return nil, &domain.LockAcquisitionError{Key: key, Timeout: timeout}
	}
}

func (m *Manager) release(ctx context.Context, handle *domain.LockHandle) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	fields := logrus.Fields{"key": handle.Key.String(), "held": time.Since(handle.AcquiredAt)}
	released, err := m.store.ReleaseLock(releaseCtx, keyPrefix+handle.Key.String(), handle.Token)
	if err != nil {
		m.log.WithFields(fields).WithError(err).Error("failed to release lock, lease will expire")
		return
	}
	if !released {
		m.log.WithFields(fields).Warn("lock lease expired before release")
	}
}
