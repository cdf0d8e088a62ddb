package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

type Order struct {
	ID         string
	UserID     string
	CouponID   *string
	Items      []OrderItem
	TotalPrice decimal.Decimal
	Status     OrderStatus
	// StockDeducted is set once the inventory step has decremented every item.
	StockDeducted bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ProductID string
	OptionID  string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// LockKeys returns the keys a cancellation of o must hold.
func (o Order) LockKeys() []LockKey {
	keys := []LockKey{OrderLockKey(o.ID), AccountLockKey(o.UserID)}
	for _, item := range o.Items {
		keys = append(keys, InventoryLockKey(item.OptionID))
	}
	if o.HasCoupon() {
		keys = append(keys, CouponLockKey(*o.CouponID, o.UserID))
	}
	return keys
}

// OptionIDs lists the inventory options o draws from, in item order.
func (o Order) OptionIDs() []string {
	ids := make([]string, len(o.Items))
	for i, item := range o.Items {
		ids[i] = item.OptionID
	}
	return ids
}

func (o Order) HasCoupon() bool {
	return o.CouponID != nil && *o.CouponID != ""
}
