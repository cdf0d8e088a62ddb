package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/lock"
	"github.com/rl1809/commerce-core/internal/port"
)

type OrderLine struct {
	ProductID string
	OptionID  string
	Quantity  int
}

type CreateOrderCommand struct {
	UserID   string
	CouponID string
	Items    []OrderLine
	// IdempotencyKey, when set, makes a repeated request fail with
	// ErrDuplicateRequest. A request that fails releases its key.
	IdempotencyKey string
}

type paymentRequest struct {
	orderID string
	userID  string
}

type cancelRequest struct {
	order  domain.Order
	userID string
	reason string
}

type OrderService struct {
	uow  port.UnitOfWork
	idem port.IdempotencyStore
	log  logrus.FieldLogger
	now  func() time.Time

	pay    func(ctx context.Context, req paymentRequest) (*domain.Order, error)
	cancel func(ctx context.Context, req cancelRequest) (struct{}, error)
}

func NewOrderService(uow port.UnitOfWork, locker lock.Locker, idem port.IdempotencyStore, log logrus.FieldLogger) *OrderService {
	s := &OrderService{
		uow:  uow,
		idem: idem,
		log:  log.WithField("component", "order"),
		now:  time.Now,
	}
	s.pay = lock.GuardedKeys(locker, paymentLockKeys, s.processPayment)
	s.cancel = lock.GuardedKeys(locker, cancelLockKeys, s.cancelOrder)
	return s
}

func paymentLockKeys(req paymentRequest) ([]domain.LockKey, error) {
	return []domain.LockKey{domain.OrderLockKey(req.orderID), domain.AccountLockKey(req.userID)}, nil
}

func cancelLockKeys(req cancelRequest) ([]domain.LockKey, error) {
	return req.order.LockKeys(), nil
}

// CreateOrder prices and stores a PENDING order and queues ORDER_CREATED in
// the same transaction. Stock is checked here but only deducted by the
// inventory step of the saga.
func (s *OrderService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*domain.Order, error) {
	if err := validateOrderCommand(cmd); err != nil {
		return nil, err
	}

	var idemKey string
	if cmd.IdempotencyKey != "" {
		idemKey = fmt.Sprintf("order:%s:%s", cmd.UserID, cmd.IdempotencyKey)
		ok, err := s.idem.SetIdempotency(ctx, idemKey)
		if err != nil {
			return nil, errors.Wrap(err, "idempotency check failed")
		}
		if !ok {
			return nil, domain.ErrDuplicateRequest
		}
	}

	var order domain.Order
	err := s.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		items, subtotal, err := priceItems(ctx, tx.Inventory(), cmd.Items)
		if err != nil {
			return err
		}

		discount := decimal.Zero
		var couponID *string
		if cmd.CouponID != "" {
			discount, err = usableDiscount(ctx, tx.Coupons(), cmd.CouponID, cmd.UserID)
			if err != nil {
				return err
			}
			id := cmd.CouponID
			couponID = &id
		}

		now := s.now().UTC()
		order = domain.Order{
			ID:         uuid.NewString(),
			UserID:     cmd.UserID,
			CouponID:   couponID,
			Items:      items,
			TotalPrice: domain.ApplyDiscount(subtotal, discount),
			Status:     domain.OrderStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := tx.Orders().Create(ctx, order); err != nil {
			return err
		}
		return tx.Outbox().Append(ctx, domain.NewOrderCreated(order))
	})
	if err != nil {
		if idemKey != "" {
			if derr := s.idem.DeleteIdempotency(context.WithoutCancel(ctx), idemKey); derr != nil {
				s.log.WithField("user_id", cmd.UserID).WithError(derr).Warn("failed to release idempotency key")
			}
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"order_id": order.ID, "user_id": order.UserID, "total": order.TotalPrice}).Info("order created")
	return &order, nil
}

func validateOrderCommand(cmd CreateOrderCommand) error {
	if cmd.UserID == "" {
		return errors.Wrap(domain.ErrInvalidOrder, "user id is required")
	}
	if len(cmd.Items) == 0 {
		return errors.Wrap(domain.ErrInvalidOrder, "at least one item is required")
	}
	for i, line := range cmd.Items {
		if line.ProductID == "" || line.OptionID == "" {
			return errors.Wrapf(domain.ErrInvalidOrder, "item %d: product and option are required", i)
		}
		if line.Quantity <= 0 {
			return errors.Wrapf(domain.ErrInvalidOrder, "item %d: quantity must be positive", i)
		}
	}
	return nil
}

// priceItems takes unit prices from inventory and rejects lines whose option
// cannot cover the total requested quantity.
func priceItems(ctx context.Context, inventory port.InventoryRepository, lines []OrderLine) ([]domain.OrderItem, decimal.Decimal, error) {
	requested := make(map[string]int, len(lines))
	for _, line := range lines {
		requested[line.OptionID] += line.Quantity
	}

	items := make([]domain.OrderItem, 0, len(lines))
	subtotal := decimal.Zero
	for _, line := range lines {
		inv, err := inventory.FindByOptionID(ctx, line.OptionID)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if inv.ProductID != line.ProductID {
			return nil, decimal.Zero, errors.Wrapf(domain.ErrInvalidOrder, "option %s does not belong to product %s", line.OptionID, line.ProductID)
		}
		if inv.Stock < requested[line.OptionID] {
			return nil, decimal.Zero, errors.Wrapf(domain.ErrInsufficientStock, "option %s has %d, requested %d", line.OptionID, inv.Stock, requested[line.OptionID])
		}

		item := domain.OrderItem{
			ProductID: line.ProductID,
			OptionID:  line.OptionID,
			Quantity:  line.Quantity,
			UnitPrice: inv.Price,
		}
		items = append(items, item)
		subtotal = subtotal.Add(item.Subtotal())
	}
	return items, subtotal, nil
}

func usableDiscount(ctx context.Context, coupons port.CouponRepository, couponID, userID string) (decimal.Decimal, error) {
	issued, err := coupons.FindIssued(ctx, couponID, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if issued.Status != domain.IssuedCouponStatusIssued {
		return decimal.Zero, errors.Wrapf(domain.ErrCouponNotUsable, "coupon %s is %s", couponID, issued.Status)
	}
	coupon, err := coupons.FindByID(ctx, couponID)
	if err != nil {
		return decimal.Zero, err
	}
	return coupon.DiscountAmount, nil
}

// ProcessPayment withdraws the order total from the user's balance and
// completes the order. It holds the order and account locks for the whole
// transaction.
func (s *OrderService) ProcessPayment(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	if orderID == "" || userID == "" {
		return nil, errors.Wrap(domain.ErrInvalidOrder, "order id and user id are required")
	}
	return s.pay(ctx, paymentRequest{orderID: orderID, userID: userID})
}

func (s *OrderService) processPayment(ctx context.Context, req paymentRequest) (*domain.Order, error) {
	var (
		order      *domain.Order
		withdrawal bool
	)
	err := s.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		withdrawal = false
		var err error
		order, err = tx.Orders().FindByIDForUpdate(ctx, req.orderID)
		if err != nil {
			return err
		}
		if order.UserID != req.userID {
			return errors.Wrapf(domain.ErrOrderOwnership, "order %s", order.ID)
		}
		if order.Status != domain.OrderStatusPending {
			return errors.Wrapf(domain.ErrInvalidOrderStatus, "order %s is %s", order.ID, order.Status)
		}

		withdrawal = true
		if order.TotalPrice.IsPositive() {
			_, err = tx.Accounts().Apply(ctx, domain.AccountTransaction{
				UserID:      order.UserID,
				Type:        domain.AccountWithdraw,
				Amount:      order.TotalPrice,
				ReferenceID: order.ID,
				CreatedAt:   s.now().UTC(),
			})
			if err != nil {
				return err
			}
		}

		moved, err := tx.Orders().UpdateStatus(ctx, order.ID, domain.OrderStatusPending, domain.OrderStatusCompleted)
		if err != nil {
			return err
		}
		if !moved {
			return errors.Wrapf(domain.ErrInvalidOrderStatus, "order %s changed during payment", order.ID)
		}
		order.Status = domain.OrderStatusCompleted
		return tx.Outbox().Append(ctx, domain.NewOrderCompleted(*order))
	})
	if err != nil {
		if withdrawal && !isBusinessError(err) {
			s.recordPaymentFailure(ctx, *order, err)
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"order_id": order.ID, "amount": order.TotalPrice}).Info("order paid")
	return order, nil
}

// recordPaymentFailure queues ACCOUNT_WITHDRAW_FAILED so the relay drives the
// cancel. The caller still gets the original error if this fails too.
func (s *OrderService) recordPaymentFailure(ctx context.Context, order domain.Order, cause error) {
	log := s.log.WithField("order_id", order.ID).WithError(cause)
	log.Error("withdraw failed, compensating")

	err := s.uow.Within(context.WithoutCancel(ctx), func(ctx context.Context, tx port.Tx) error {
		return tx.Outbox().Append(ctx, domain.NewPaymentFailed(order, cause))
	})
	if err != nil {
		log.WithField("record_error", err.Error()).Error("failed to record payment failure")
	}
}

// CancelOrder is the single compensation entry point. It is idempotent:
// cancelling a cancelled order returns nil and changes nothing. A non-empty
// reason also records ORDER_FAILED.
func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID, reason string) error {
	if orderID == "" {
		return errors.Wrap(domain.ErrInvalidOrder, "order id is required")
	}

	// Items never change after creation, so the keys can be read unlocked.
	var order *domain.Order
	err := s.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		order, err = tx.Orders().FindByID(ctx, orderID)
		return err
	})
	if err != nil {
		return err
	}
	if userID != order.UserID {
		return errors.Wrapf(domain.ErrOrderOwnership, "order %s", orderID)
	}

	_, err = s.cancel(ctx, cancelRequest{order: *order, userID: userID, reason: reason})
	return err
}

func (s *OrderService) cancelOrder(ctx context.Context, req cancelRequest) (struct{}, error) {
	log := s.log.WithField("order_id", req.order.ID)

	var (
		previous domain.OrderStatus
		noop     bool
	)
	err := s.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		order, err := tx.Orders().FindByIDForUpdate(ctx, req.order.ID)
		if err != nil {
			return err
		}
		previous = order.Status
		if previous == domain.OrderStatusCancelled {
			noop = true
			return nil
		}

		moved, err := tx.Orders().UpdateStatus(ctx, order.ID, previous, domain.OrderStatusCancelled)
		if err != nil {
			return err
		}
		if !moved {
			return errors.Wrapf(domain.ErrInvalidOrderStatus, "order %s changed during cancel", order.ID)
		}

		if order.StockDeducted {
			for _, item := range order.Items {
				if err := tx.Inventory().Increase(ctx, item.OptionID, item.Quantity); err != nil {
					return err
				}
			}
			if _, err := tx.Orders().SetStockDeducted(ctx, order.ID, false, false); err != nil {
				return err
			}
		}

		if previous == domain.OrderStatusCompleted {
			if order.TotalPrice.IsPositive() {
				_, err := tx.Accounts().Apply(ctx, domain.AccountTransaction{
					UserID:      order.UserID,
					Type:        domain.AccountRefund,
					Amount:      order.TotalPrice,
					ReferenceID: order.ID,
					CreatedAt:   s.now().UTC(),
				})
				if err != nil {
					return err
				}
			}
			if order.HasCoupon() {
				if _, err := tx.Coupons().UpdateIssuedStatus(ctx, *order.CouponID, order.UserID, domain.IssuedCouponStatusUsed, domain.IssuedCouponStatusIssued); err != nil {
					return err
				}
			}
		}

		events := []domain.Event{domain.NewOrderCancelled(*order, previous)}
		if req.reason != "" {
			events = append(events, domain.NewOrderFailed(*order, req.reason))
		}
		return tx.Outbox().Append(ctx, events...)
	})
	if err != nil {
		return struct{}{}, err
	}

	if noop {
		log.Debug("order already cancelled")
		return struct{}{}, nil
	}
	log.WithFields(logrus.Fields{"previous_status": previous, "reason": req.reason}).Info("order cancelled")
	return struct{}{}, nil
}

// isBusinessError reports errors that are answered to the caller without
// starting compensation.
func isBusinessError(err error) bool {
	for _, target := range []error{
		domain.ErrInsufficientBalance,
		domain.ErrAccountNotFound,
		domain.ErrOrderNotFound,
		domain.ErrOrderOwnership,
		domain.ErrInvalidOrderStatus,
		domain.ErrInvalidAmount,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
