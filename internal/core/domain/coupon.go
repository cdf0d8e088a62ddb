package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// CouponCodeLength is the fixed length of a coupon code.
const CouponCodeLength = 8

// WaitingQueueTTL bounds how long a user stays in a coupon's waiting queue.
const WaitingQueueTTL = 30 * time.Minute

type Coupon struct {
	ID             string
	Code           string
	Name           string
	DiscountAmount decimal.Decimal
	Quantity       int
	CreatedAt      time.Time
}

type IssuedCouponStatus string

const (
	IssuedCouponStatusIssued IssuedCouponStatus = "ISSUED"
	IssuedCouponStatusUsed   IssuedCouponStatus = "USED"
)

// IssuedCoupon is the durable projection of a token popped from the shared store.
type IssuedCoupon struct {
	CouponID   string
	CouponCode string
	UserID     string
	Status     IssuedCouponStatus
	IssuedAt   time.Time
}

// ValidateCouponCode accepts exactly CouponCodeLength ASCII uppercase letters.
func ValidateCouponCode(code string) error {
	if len(code) != CouponCodeLength {
		return errors.Wrapf(ErrInvalidCouponCode, "code %q must have %d letters", code, CouponCodeLength)
	}
	for i := 0; i < len(code); i++ {
		if code[i] < 'A' || code[i] > 'Z' {
			return errors.Wrapf(ErrInvalidCouponCode, "code %q must be uppercase alphabetic", code)
		}
	}
	return nil
}

type IssueStatus string

const (
	IssueStatusSuccess IssueStatus = "SUCCESS"
	IssueStatusFailure IssueStatus = "FAILURE"
)

type IssueFailureReason string

const (
	IssueSoldOut       IssueFailureReason = "SOLD_OUT"
	IssueAlreadyIssued IssueFailureReason = "ALREADY_ISSUED"
	IssueSystemError   IssueFailureReason = "SYSTEM_ERROR"
)

// Retriable reports whether a caller may try again with the same input.
func (r IssueFailureReason) Retriable() bool {
	return r == IssueSystemError
}

// CouponIssueResult is either a success carrying the coupon id or a failure
// carrying a reason. Build it with IssueSuccess or IssueFailure only.
type CouponIssueResult struct {
	Status   IssueStatus
	CouponID string
	Reason   IssueFailureReason
}

func IssueSuccess(couponID string) CouponIssueResult {
	return CouponIssueResult{Status: IssueStatusSuccess, CouponID: couponID}
}

func IssueFailure(reason IssueFailureReason) CouponIssueResult {
	return CouponIssueResult{Status: IssueStatusFailure, Reason: reason}
}

func (r CouponIssueResult) Succeeded() bool {
	return r.Status == IssueStatusSuccess
}

type WaitingQueueEntry struct {
	UserID     string
	EnqueuedAt time.Time
}

// ApplyDiscount subtracts discount from price, never going below zero.
func ApplyDiscount(price, discount decimal.Decimal) decimal.Decimal {
	total := price.Sub(discount)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}
