package port

import (
	"context"
	"time"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

type LockStore interface {
	// AcquireLock sets key to token if absent, expiring after lease. Returns false if held.
	AcquireLock(ctx context.Context, key, token string, lease time.Duration) (bool, error)

	// ReleaseLock deletes key only if it still holds token. Returns false if it did not.
	ReleaseLock(ctx context.Context, key, token string) (bool, error)
}

type CouponStore interface {
	// IssueCoupon runs the atomic check-pop-record script for userID.
	IssueCoupon(ctx context.Context, code, userID string) (domain.CouponIssueResult, error)

	// ResetCoupon replaces stock, issued set and waiting queue in one transaction.
	ResetCoupon(ctx context.Context, code, couponID string, quantity int) error

	// RemainingStock returns the number of tokens left.
	RemainingStock(ctx context.Context, code string) (int, error)

	// AddToWaitingQueue records userID at now, keeping an earlier timestamp if present.
	AddToWaitingQueue(ctx context.Context, code, userID string, now time.Time) error

	// TopWaitingUsers returns the n oldest live entries.
	TopWaitingUsers(ctx context.Context, code string, n int, now time.Time) ([]domain.WaitingQueueEntry, error)

	// RemoveFromWaitingQueue drops userID from the queue.
	RemoveFromWaitingQueue(ctx context.Context, code, userID string) error
}

type RankingStore interface {
	// IncrementSales adds delta (possibly negative) to each product's sales score.
	IncrementSales(ctx context.Context, sales map[string]int) error

	// TopProducts returns product ids ordered by sales, highest first.
	TopProducts(ctx context.Context, n int) ([]domain.ProductRank, error)
}

type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// DeleteIdempotency releases a key so the request can be retried
	DeleteIdempotency(ctx context.Context, key string) error
}
