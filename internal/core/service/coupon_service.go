package service

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/pkg/metrics"
	"github.com/rl1809/commerce-core/internal/port"
)

const writeTimeout = 5 * time.Second

type CouponConfig struct {
	// Writers is the number of goroutines persisting issued coupons.
	Writers int
	// QueueSize bounds the pending write-backs; issuance never blocks on it.
	QueueSize     int
	RetryAttempts uint
	RetryDelay    time.Duration
}

func DefaultCouponConfig() CouponConfig {
	return CouponConfig{
		Writers:       4,
		QueueSize:     10000,
		RetryAttempts: 3,
		RetryDelay:    100 * time.Millisecond,
	}
}

type RegisterCouponCommand struct {
	Code     string
	Name     string
	Discount decimal.Decimal
	Quantity int
}

// CouponService issues first-come-first-served coupons out of the shared store
// and copies every successful issuance to durable storage in the background.
type CouponService struct {
	store port.CouponStore
	uow   port.UnitOfWork
	cfg   CouponConfig
	log   logrus.FieldLogger
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
	writes chan domain.IssuedCoupon
}

func NewCouponService(store port.CouponStore, uow port.UnitOfWork, cfg CouponConfig, log logrus.FieldLogger) *CouponService {
	def := DefaultCouponConfig()
	if cfg.Writers <= 0 {
		cfg.Writers = def.Writers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	return &CouponService{
		store:  store,
		uow:    uow,
		cfg:    cfg,
		log:    log.WithField("component", "coupon"),
		now:    time.Now,
		writes: make(chan domain.IssuedCoupon, cfg.QueueSize),
	}
}

// TryIssue attempts to issue one unit of code to userID. The outcome is
// always in the result; the error is non-nil only for a malformed code.
// Store failures come back as IssueFailure(SYSTEM_ERROR).
func (s *CouponService) TryIssue(ctx context.Context, userID, code string) (domain.CouponIssueResult, error) {
	if err := domain.ValidateCouponCode(code); err != nil {
		return domain.CouponIssueResult{}, err
	}
	log := s.log.WithFields(logrus.Fields{"coupon_code": code, "user_id": userID})

	res, err := s.store.IssueCoupon(ctx, code, userID)
	if err != nil {
		log.WithError(err).Error("coupon issue script failed")
		metrics.CouponIssue.WithLabelValues(string(domain.IssueSystemError)).Inc()
		return domain.IssueFailure(domain.IssueSystemError), nil
	}

	if !res.Succeeded() {
		metrics.CouponIssue.WithLabelValues(string(res.Reason)).Inc()
		if res.Reason == domain.IssueSoldOut {
			if err := s.store.AddToWaitingQueue(ctx, code, userID, s.now()); err != nil {
				log.WithError(err).Warn("failed to add user to waiting queue")
			}
		}
		return res, nil
	}

	metrics.CouponIssue.WithLabelValues(string(domain.IssueStatusSuccess)).Inc()
	s.enqueue(domain.IssuedCoupon{
		CouponID:   res.CouponID,
		CouponCode: code,
		UserID:     userID,
		Status:     domain.IssuedCouponStatusIssued,
		IssuedAt:   s.now().UTC(),
	})
	return res, nil
}

func (s *CouponService) enqueue(issued domain.IssuedCoupon) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.reconcile(issued, errors.New("writer closed"))
		return
	}
	select {
	case s.writes <- issued:
	default:
		s.reconcile(issued, errors.New("write queue full"))
	}
}

// reconcile records an issuance that exists in the shared store but could
// not be persisted. The shared store is never rolled back.
func (s *CouponService) reconcile(issued domain.IssuedCoupon, err error) {
	s.log.WithFields(logrus.Fields{
		"reconcile":   true,
		"coupon_id":   issued.CouponID,
		"coupon_code": issued.CouponCode,
		"user_id":     issued.UserID,
		"issued_at":   issued.IssuedAt,
	}).WithError(err).Error("issued coupon not persisted")
}

// Run starts the write-back workers and blocks until Close has been called
// and the queue is drained.
func (s *CouponService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Writers; i++ {
		id := i
		g.Go(func() error {
			s.writeLoop(ctx, id)
			return nil
		})
	}
	s.log.WithField("writers", s.cfg.Writers).Info("coupon writers started")
	return g.Wait()
}

// Close stops accepting write-backs. Issuance after Close still works but is
// only logged for reconciliation.
func (s *CouponService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.writes)
	}
}

func (s *CouponService) writeLoop(ctx context.Context, id int) {
	log := s.log.WithField("writer", id)
	for issued := range s.writes {
		if err := s.persist(ctx, issued); err != nil {
			s.reconcile(issued, err)
			continue
		}
		log.WithFields(logrus.Fields{"coupon_code": issued.CouponCode, "user_id": issued.UserID}).Debug("issued coupon persisted")
	}
}

func (s *CouponService) persist(ctx context.Context, issued domain.IssuedCoupon) error {
	// Writes already accepted are finished even while shutting down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	return retry.Do(
		func() error {
			return s.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
				return tx.Coupons().SaveIssued(ctx, issued)
			})
		},
		retry.Context(ctx),
		retry.Attempts(s.cfg.RetryAttempts),
		retry.Delay(s.cfg.RetryDelay),
		retry.LastErrorOnly(true),
	)
}

// RegisterCoupon creates the durable coupon and loads its stock.
func (s *CouponService) RegisterCoupon(ctx context.Context, cmd RegisterCouponCommand) (*domain.Coupon, error) {
	if err := domain.ValidateCouponCode(cmd.Code); err != nil {
		return nil, err
	}
	if cmd.Quantity < 0 || cmd.Discount.IsNegative() {
		return nil, errors.Wrapf(domain.ErrInvalidAmount, "quantity %d discount %s", cmd.Quantity, cmd.Discount)
	}

	coupon := domain.Coupon{
		ID:             uuid.NewString(),
		Code:           cmd.Code,
		Name:           cmd.Name,
		DiscountAmount: cmd.Discount,
		Quantity:       cmd.Quantity,
		CreatedAt:      s.now().UTC(),
	}
	err := s.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		return tx.Coupons().Create(ctx, coupon)
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.ResetCoupon(ctx, coupon.Code, coupon.ID, coupon.Quantity); err != nil {
		return nil, errors.Wrapf(err, "initialize stock for %s", coupon.Code)
	}
	s.log.WithFields(logrus.Fields{"coupon_code": coupon.Code, "quantity": coupon.Quantity}).Info("coupon registered")
	return &coupon, nil
}

// ResetCoupon reloads the full stock of a registered coupon and forgets every
// issuance and waiting user in the shared store.
func (s *CouponService) ResetCoupon(ctx context.Context, code string) error {
	if err := domain.ValidateCouponCode(code); err != nil {
		return err
	}

	var coupon *domain.Coupon
	err := s.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		coupon, err = tx.Coupons().FindByCode(ctx, code)
		return err
	})
	if err != nil {
		return err
	}

	if err := s.store.ResetCoupon(ctx, coupon.Code, coupon.ID, coupon.Quantity); err != nil {
		return errors.Wrapf(err, "reset stock for %s", code)
	}
	s.log.WithFields(logrus.Fields{"coupon_code": code, "quantity": coupon.Quantity}).Info("coupon stock reset")
	return nil
}

func (s *CouponService) RemainingStock(ctx context.Context, code string) (int, error) {
	if err := domain.ValidateCouponCode(code); err != nil {
		return 0, err
	}
	return s.store.RemainingStock(ctx, code)
}

func (s *CouponService) AddToWaitingQueue(ctx context.Context, code, userID string) error {
	if err := domain.ValidateCouponCode(code); err != nil {
		return err
	}
	return s.store.AddToWaitingQueue(ctx, code, userID, s.now())
}

// TopWaitingUsers returns up to n users who found code sold out, oldest first.
func (s *CouponService) TopWaitingUsers(ctx context.Context, code string, n int) ([]domain.WaitingQueueEntry, error) {
	if err := domain.ValidateCouponCode(code); err != nil {
		return nil, err
	}
	return s.store.TopWaitingUsers(ctx, code, n, s.now())
}

func (s *CouponService) RemoveFromWaitingQueue(ctx context.Context, code, userID string) error {
	if err := domain.ValidateCouponCode(code); err != nil {
		return err
	}
	return s.store.RemoveFromWaitingQueue(ctx, code, userID)
}
