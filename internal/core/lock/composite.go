package lock

import (
	"context"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// Order removes duplicate keys and sorts the rest by their rendered form.
// Every caller that needs the same set of keys gets the same sequence, so
// composite acquisitions cannot wait on each other in a cycle.
func Order(keys []domain.LockKey) []domain.LockKey {
	ordered := mapset.NewThreadUnsafeSet(keys...).ToSlice()
	slices.SortFunc(ordered, func(a, b domain.LockKey) int {
		return strings.Compare(a.String(), b.String())
	})
	return ordered
}

// WithLocks acquires keys in Order, runs fn, and releases them in reverse.
// The first key waits FirstTimeoutFactor times longer than the rest because it
// may queue behind unrelated composites.
func (m *Manager) WithLocks(ctx context.Context, keys []domain.LockKey, fn func(ctx context.Context) error) error {
	return m.nest(ctx, Order(keys), 0, fn)
}

func (m *Manager) nest(ctx context.Context, keys []domain.LockKey, i int, fn func(ctx context.Context) error) error {
	if i == len(keys) {
		return fn(ctx)
	}
	return m.WithLock(ctx, keys[i], m.timeoutAt(i), func(ctx context.Context) error {
		return m.nest(ctx, keys, i+1, fn)
	})
}

func (m *Manager) timeoutAt(i int) time.Duration {
	if i == 0 {
		return m.cfg.DefaultTimeout * time.Duration(m.cfg.FirstTimeoutFactor)
	}
	return m.cfg.DefaultTimeout
}

// WithLocksValue is WithLocks for a body that produces a value.
func WithLocksValue[T any](ctx context.Context, l Locker, keys []domain.LockKey, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.WithLocks(ctx, keys, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
