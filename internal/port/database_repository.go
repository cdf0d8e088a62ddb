package port

import (
	"context"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

type UnitOfWork interface {
	// Within runs fn in one transaction, committing only if fn returns nil.
	Within(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes repositories bound to one transaction.
type Tx interface {
	Orders() OrderRepository
	Inventory() InventoryRepository
	Accounts() AccountRepository
	Coupons() CouponRepository
	Outbox() OutboxRepository
}

type OrderRepository interface {
	// Create inserts the order and its items
	Create(ctx context.Context, order domain.Order) error

	// FindByID returns domain.ErrOrderNotFound if absent
	FindByID(ctx context.Context, orderID string) (*domain.Order, error)

	// FindByIDForUpdate is FindByID holding a row lock until commit
	FindByIDForUpdate(ctx context.Context, orderID string) (*domain.Order, error)

	// UpdateStatus moves the order from -> to, returns false if it was not in from
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error)

	// SetStockDeducted flips the flag from !value to value, returns false if already value.
	// When skipCancelled is set a CANCELLED order is left untouched.
	SetStockDeducted(ctx context.Context, orderID string, value, skipCancelled bool) (bool, error)
}

type InventoryRepository interface {
	// FindByOptionID returns domain.ErrInventoryNotFound if absent
	FindByOptionID(ctx context.Context, optionID string) (*domain.Inventory, error)

	// Decrease subtracts quantity, returns domain.ErrInsufficientStock if stock is short
	Decrease(ctx context.Context, optionID string, quantity int) error

	// Increase restores quantity
	Increase(ctx context.Context, optionID string, quantity int) error
}

type AccountRepository interface {
	// FindByUserID returns domain.ErrAccountNotFound if absent
	FindByUserID(ctx context.Context, userID string) (*domain.Account, error)

	// Apply records the transaction and moves the balance. Returns false without
	// touching the balance if the same (user, type, reference) was already applied.
	// A withdraw larger than the balance returns domain.ErrInsufficientBalance.
	Apply(ctx context.Context, txn domain.AccountTransaction) (bool, error)
}

type CouponRepository interface {
	Create(ctx context.Context, coupon domain.Coupon) error

	// FindByCode returns domain.ErrCouponNotFound if absent
	FindByCode(ctx context.Context, code string) (*domain.Coupon, error)

	// FindByID returns domain.ErrCouponNotFound if absent
	FindByID(ctx context.Context, couponID string) (*domain.Coupon, error)

	// SaveIssued inserts the issuance record, ignoring an existing one
	SaveIssued(ctx context.Context, issued domain.IssuedCoupon) error

	// FindIssued returns domain.ErrCouponNotUsable if the user holds no such coupon
	FindIssued(ctx context.Context, couponID, userID string) (*domain.IssuedCoupon, error)

	// UpdateIssuedStatus moves from -> to, returns false if it was not in from
	UpdateIssuedStatus(ctx context.Context, couponID, userID string, from, to domain.IssuedCouponStatus) (bool, error)
}

type OutboxRepository interface {
	// Append stores events to be relayed after commit
	Append(ctx context.Context, events ...domain.Event) error

	// FetchPending returns up to limit unpublished records in id order, skipping
	// ones locked by another transaction
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error)

	// MarkPublished flags records as delivered
	MarkPublished(ctx context.Context, ids ...int64) error
}
