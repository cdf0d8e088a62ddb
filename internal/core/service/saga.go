package service

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/lock"
	"github.com/rl1809/commerce-core/internal/port"
)

// Canceller is the compensation entry point the coordinator drives.
type Canceller interface {
	CancelOrder(ctx context.Context, orderID, userID, reason string) error
}

// SagaCoordinator holds the downstream steps of an order and the
// compensation that undoes them. Events arrive at least once, so every
// handler is idempotent against the current durable state. Step failures are
// written to the outbox and reach compensation through the relay.
type SagaCoordinator struct {
	uow     port.UnitOfWork
	orders  Canceller
	ranking port.RankingStore
	idem    port.IdempotencyStore
	log     logrus.FieldLogger

	decreaseStock func(ctx context.Context, e domain.Event) (struct{}, error)
	useCoupon     func(ctx context.Context, e domain.Event) (struct{}, error)
}

func NewSagaCoordinator(uow port.UnitOfWork, locker lock.Locker, orders Canceller, ranking port.RankingStore, idem port.IdempotencyStore, log logrus.FieldLogger) *SagaCoordinator {
	c := &SagaCoordinator{
		uow:     uow,
		orders:  orders,
		ranking: ranking,
		idem:    idem,
		log:     log.WithField("component", "saga"),
	}
	c.decreaseStock = lock.GuardedMany(locker, lock.MultiGuard[domain.Event]{
		Domain:       domain.LockDomain,
		ResourceType: domain.ResourceInventory,
		ResourceIDs: func(e domain.Event) ([]string, error) {
			return domain.Order{Items: e.Items}.OptionIDs(), nil
		},
	}, c.decreaseStockLocked)
	c.useCoupon = lock.Guarded(locker, lock.Guard[domain.Event]{
		Domain:       domain.LockDomain,
		ResourceType: domain.ResourceCoupon,
		ResourceID: func(e domain.Event) (string, error) {
			if e.CouponID == nil {
				return "", errors.New("event carries no coupon")
			}
			return domain.CouponLockKey(*e.CouponID, e.UserID).ResourceID, nil
		},
	}, c.useCouponLocked)
	return c
}

func (c *SagaCoordinator) Register(bus port.EventBus) {
	bus.Subscribe(domain.EventOrderCreated, "inventory", c.HandleOrderCreated)
	bus.Subscribe(domain.EventOrderCompleted, "coupon-use", c.HandleCouponUse)
	bus.Subscribe(domain.EventOrderCompleted, "ranking", c.HandleRanking)
	bus.Subscribe(domain.EventOrderCancelled, "ranking", c.HandleRanking)
	bus.Subscribe(domain.EventStockDecreaseFailed, "compensation", c.HandleStepFailed)
	bus.Subscribe(domain.EventCouponUseFailed, "compensation", c.HandleStepFailed)
	bus.Subscribe(domain.EventAccountWithdrawFailed, "compensation", c.HandleStepFailed)
	bus.Subscribe(domain.EventOrderFailed, "audit", c.HandleOrderFailed)
}

func (c *SagaCoordinator) eventLog(e domain.Event) logrus.FieldLogger {
	return c.log.WithFields(logrus.Fields{"event_type": e.Type, "event_id": e.ID, "order_id": e.OrderID})
}

// recordFailure queues a step failure in the outbox. An error here is
// returned to the bus so the whole step is retried.
func (c *SagaCoordinator) recordFailure(ctx context.Context, failure domain.Event) error {
	return c.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.Outbox().Append(ctx, failure)
	})
}

// HandleOrderCreated deducts stock for every item. Failure is recorded as
// STOCK_DECREASE_FAILED rather than returned.
func (c *SagaCoordinator) HandleOrderCreated(ctx context.Context, e domain.Event) error {
	if len(e.Items) == 0 {
		return nil
	}
	if _, err := c.decreaseStock(ctx, e); err != nil {
		c.eventLog(e).WithError(err).Warn("stock decrease failed")
		return c.recordFailure(ctx, domain.NewStepFailed(domain.EventStockDecreaseFailed, e, err))
	}
	return nil
}

func (c *SagaCoordinator) decreaseStockLocked(ctx context.Context, e domain.Event) (struct{}, error) {
	return struct{}{}, c.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		// The flag flips once and never on a cancelled order, so redelivery
		// and late delivery after cancellation are no-ops. A paid order
		// still gets its stock deducted.
		flipped, err := tx.Orders().SetStockDeducted(ctx, e.OrderID, true, true)
		if err != nil || !flipped {
			return err
		}
		for _, item := range e.Items {
			if err := tx.Inventory().Decrease(ctx, item.OptionID, item.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

// HandleCouponUse marks the order's coupon USED. Failure is recorded as
// COUPON_USE_FAILED rather than returned.
func (c *SagaCoordinator) HandleCouponUse(ctx context.Context, e domain.Event) error {
	if e.CouponID == nil || *e.CouponID == "" {
		return nil
	}
	if _, err := c.useCoupon(ctx, e); err != nil {
		c.eventLog(e).WithError(err).Warn("coupon use failed")
		return c.recordFailure(ctx, domain.NewStepFailed(domain.EventCouponUseFailed, e, err))
	}
	return nil
}

func (c *SagaCoordinator) useCouponLocked(ctx context.Context, e domain.Event) (struct{}, error) {
	return struct{}{}, c.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		order, err := tx.Orders().FindByID(ctx, e.OrderID)
		if err != nil {
			return err
		}
		if order.Status != domain.OrderStatusCompleted {
			return nil
		}

		moved, err := tx.Coupons().UpdateIssuedStatus(ctx, *e.CouponID, e.UserID, domain.IssuedCouponStatusIssued, domain.IssuedCouponStatusUsed)
		if err != nil || moved {
			return err
		}
		issued, err := tx.Coupons().FindIssued(ctx, *e.CouponID, e.UserID)
		if err != nil {
			return err
		}
		if issued.Status == domain.IssuedCouponStatusUsed {
			return nil
		}
		return errors.Wrapf(domain.ErrCouponNotUsable, "coupon %s is %s", *e.CouponID, issued.Status)
	})
}

// HandleRanking counts completed sales and takes them back when a completed
// order is cancelled. Each event is counted once per idempotency window.
func (c *SagaCoordinator) HandleRanking(ctx context.Context, e domain.Event) error {
	var sign int
	switch {
	case e.Type == domain.EventOrderCompleted:
		sign = 1
	case e.Type == domain.EventOrderCancelled && e.PreviousStatus == domain.OrderStatusCompleted:
		sign = -1
	default:
		return nil
	}

	key := "ranking:" + e.ID
	first, err := c.idem.SetIdempotency(ctx, key)
	if err != nil {
		return errors.Wrap(err, "ranking idempotency check failed")
	}
	if !first {
		c.eventLog(e).Debug("sales already counted")
		return nil
	}
	if err := c.ranking.IncrementSales(ctx, domain.SalesByProduct(e.Items, sign)); err != nil {
		if derr := c.idem.DeleteIdempotency(context.WithoutCancel(ctx), key); derr != nil {
			c.eventLog(e).WithError(derr).Warn("failed to release ranking key")
		}
		return err
	}
	return nil
}

// HandleStepFailed compensates by cancelling the order. Errors are returned
// so the bus retries a cancellation that lost a lock race.
func (c *SagaCoordinator) HandleStepFailed(ctx context.Context, e domain.Event) error {
	err := c.orders.CancelOrder(ctx, e.OrderID, e.UserID, e.Reason)
	if errors.Is(err, domain.ErrOrderNotFound) {
		c.eventLog(e).Warn("compensation for unknown order dropped")
		return nil
	}
	return err
}

func (c *SagaCoordinator) HandleOrderFailed(ctx context.Context, e domain.Event) error {
	c.eventLog(e).WithFields(logrus.Fields{"user_id": e.UserID, "reason": e.Reason}).Warn("order failed")
	return nil
}
