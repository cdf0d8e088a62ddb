package domain

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	// Locking
	ErrLockAcquisitionFailed = errors.New("lock acquisition failed")
	ErrLockConfiguration     = errors.New("lock configuration error")
	ErrLockNotHeld           = errors.New("lock not held by this process")

	// Orders and payment
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidOrder        = errors.New("invalid order")
	ErrInvalidOrderStatus  = errors.New("invalid order status for this operation")
	ErrOrderOwnership      = errors.New("order belongs to another user")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountNotFound     = errors.New("account not found")
	ErrInventoryNotFound   = errors.New("inventory not found")
	ErrInvalidAmount       = errors.New("invalid amount")

	// Coupons
	ErrCouponNotFound    = errors.New("coupon not found")
	ErrCouponExists      = errors.New("coupon code already registered")
	ErrCouponNotUsable   = errors.New("coupon is not usable")
	ErrInvalidCouponCode = errors.New("invalid coupon code")

	ErrDuplicateRequest = errors.New("duplicate request")
)

// LockAcquisitionError reports a timed out acquisition. It matches
// ErrLockAcquisitionFailed and is safe to retry.
type LockAcquisitionError struct {
	Key     LockKey
	Timeout time.Duration
}

func (e *LockAcquisitionError) Error() string {
	return fmt.Sprintf("lock acquisition failed: %s (timeout %s)", e.Key, e.Timeout)
}

func (e *LockAcquisitionError) Is(target error) bool {
	return target == ErrLockAcquisitionFailed
}

// SagaStepFailed describes a downstream step that failed after a lifecycle
// event was published. It travels inside failure events and is never returned
// to the caller that created or paid the order.
type SagaStepFailed struct {
	Step    EventType
	OrderID string
	Cause   string
}

func (e *SagaStepFailed) Error() string {
	return fmt.Sprintf("saga step %s failed for order %s: %s", e.Step, e.OrderID, e.Cause)
}
