package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventOrderCreated   EventType = "ORDER_CREATED"
	EventOrderCompleted EventType = "ORDER_COMPLETED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderFailed    EventType = "ORDER_FAILED"

	EventStockDecreaseFailed   EventType = "STOCK_DECREASE_FAILED"
	EventCouponUseFailed       EventType = "COUPON_USE_FAILED"
	EventAccountWithdrawFailed EventType = "ACCOUNT_WITHDRAW_FAILED"
)

// IsStepFailure reports whether t is published by a downstream step that
// could not complete.
func (t EventType) IsStepFailure() bool {
	switch t {
	case EventStockDecreaseFailed, EventCouponUseFailed, EventAccountWithdrawFailed:
		return true
	}
	return false
}

// Event is an immutable snapshot of an order at emission time. PreviousStatus
// is set only on ORDER_CANCELLED; Reason only on ORDER_FAILED and step failures.
type Event struct {
	ID             string
	Type           EventType
	OrderID        string
	UserID         string
	CouponID       *string
	TotalPrice     decimal.Decimal
	Items          []OrderItem
	PreviousStatus OrderStatus
	StockDeducted  bool
	Reason         string
	OccurredAt     time.Time
}

func newEvent(t EventType, o Order) Event {
	items := make([]OrderItem, len(o.Items))
	copy(items, o.Items)

	var couponID *string
	if o.CouponID != nil {
		id := *o.CouponID
		couponID = &id
	}

	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		OrderID:       o.ID,
		UserID:        o.UserID,
		CouponID:      couponID,
		TotalPrice:    o.TotalPrice,
		Items:         items,
		StockDeducted: o.StockDeducted,
		OccurredAt:    time.Now().UTC(),
	}
}

func NewOrderCreated(o Order) Event {
	return newEvent(EventOrderCreated, o)
}

func NewOrderCompleted(o Order) Event {
	return newEvent(EventOrderCompleted, o)
}

// NewOrderCancelled snapshots o as it was before the transition.
func NewOrderCancelled(o Order, previous OrderStatus) Event {
	e := newEvent(EventOrderCancelled, o)
	e.PreviousStatus = previous
	return e
}

func NewOrderFailed(o Order, reason string) Event {
	e := newEvent(EventOrderFailed, o)
	e.Reason = reason
	return e
}

// NewStepFailed builds a step failure event from the event the step was handling.
func NewStepFailed(t EventType, source Event, cause error) Event {
	o := Order{
		ID:            source.OrderID,
		UserID:        source.UserID,
		CouponID:      source.CouponID,
		Items:         source.Items,
		TotalPrice:    source.TotalPrice,
		StockDeducted: source.StockDeducted,
	}
	e := newEvent(t, o)
	e.Reason = (&SagaStepFailed{Step: source.Type, OrderID: source.OrderID, Cause: cause.Error()}).Error()
	return e
}

// NewPaymentFailed is recorded by the payment use case itself when the
// withdraw step fails for a reason other than the balance.
func NewPaymentFailed(o Order, cause error) Event {
	e := newEvent(EventAccountWithdrawFailed, o)
	e.Reason = (&SagaStepFailed{Step: EventAccountWithdrawFailed, OrderID: o.ID, Cause: cause.Error()}).Error()
	return e
}

// OutboxRecord is an event waiting in durable storage for the relay.
type OutboxRecord struct {
	ID        int64
	Event     Event
	CreatedAt time.Time
}
