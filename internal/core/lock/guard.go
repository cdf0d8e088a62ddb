package lock

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// Guard describes how to lock a single resource for a call taking A.
// Wrap the outermost call of a unit of work so the lock covers the commit.
type Guard[A any] struct {
	Domain       string
	ResourceType string
	ResourceID   func(A) (string, error)
	// Timeout defaults to the manager's DefaultTimeout.
	Timeout time.Duration
}

func (g Guard[A]) key(arg A) (domain.LockKey, error) {
	if g.ResourceID == nil {
		return domain.LockKey{}, errors.Wrapf(domain.ErrLockConfiguration, "%s-%s: no resource id extractor", g.Domain, g.ResourceType)
	}
	id, err := g.ResourceID(arg)
	if err != nil {
		return domain.LockKey{}, errors.Wrapf(domain.ErrLockConfiguration, "%s-%s: resolve resource id: %v", g.Domain, g.ResourceType, err)
	}
	return domain.NewLockKey(g.Domain, g.ResourceType, id)
}

// Guarded returns fn wrapped in the lock described by g. If the key cannot be
// built, the wrapper fails with domain.ErrLockConfiguration and fn is not run.
func Guarded[A, R any](l Locker, g Guard[A], fn func(ctx context.Context, arg A) (R, error)) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		key, err := g.key(arg)
		if err != nil {
			var zero R
			return zero, err
		}
		return WithLockValue(ctx, l, key, g.Timeout, func(ctx context.Context) (R, error) {
			return fn(ctx, arg)
		})
	}
}

// MultiGuard locks several resources of one type for a call taking A.
type MultiGuard[A any] struct {
	Domain       string
	ResourceType string
	ResourceIDs  func(A) ([]string, error)
}

func (g MultiGuard[A]) keys(arg A) ([]domain.LockKey, error) {
	if g.ResourceIDs == nil {
		return nil, errors.Wrapf(domain.ErrLockConfiguration, "%s-%s: no resource id extractor", g.Domain, g.ResourceType)
	}
	ids, err := g.ResourceIDs(arg)
	if err != nil {
		return nil, errors.Wrapf(domain.ErrLockConfiguration, "%s-%s: resolve resource ids: %v", g.Domain, g.ResourceType, err)
	}
	if len(ids) == 0 {
		return nil, errors.Wrapf(domain.ErrLockConfiguration, "%s-%s: no resource ids", g.Domain, g.ResourceType)
	}
	keys := make([]domain.LockKey, 0, len(ids))
	for _, id := range ids {
		key, err := domain.NewLockKey(g.Domain, g.ResourceType, id)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// GuardedMany wraps fn in a composite lock over every id g resolves.
func GuardedMany[A, R any](l Locker, g MultiGuard[A], fn func(ctx context.Context, arg A) (R, error)) func(ctx context.Context, arg A) (R, error) {
	return GuardedKeys(l, g.keys, fn)
}

// GuardedKeys wraps fn in a composite lock over arbitrary keys. Resolver
// errors are returned unchanged; each key is validated before anything is acquired.
func GuardedKeys[A, R any](l Locker, resolve func(A) ([]domain.LockKey, error), fn func(ctx context.Context, arg A) (R, error)) func(ctx context.Context, arg A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		var zero R
		keys, err := resolve(arg)
		if err != nil {
			return zero, err
		}
		if len(keys) == 0 {
			return zero, errors.Wrap(domain.ErrLockConfiguration, "no lock keys resolved")
		}
		for _, k := range keys {
			if _, err := domain.NewLockKey(k.Domain, k.ResourceType, k.ResourceID); err != nil {
				return zero, err
			}
		}
		return WithLocksValue(ctx, l, keys, func(ctx context.Context) (R, error) {
			return fn(ctx, arg)
		})
	}
}
