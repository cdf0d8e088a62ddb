package eventbus

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

type RelayConfig struct {
	Interval  time.Duration
	BatchSize int
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{Interval: 200 * time.Millisecond, BatchSize: 100}
}

// Relay moves committed outbox records to the bus. A record is marked
// published only after every subscriber has handled it, so a crash or a
// failed handler leaves it pending and it is delivered again: delivery is at
// least once and handlers must be idempotent.
type Relay struct {
	uow port.UnitOfWork
	bus port.EventDeliverer
	cfg RelayConfig
	log logrus.FieldLogger
}

func NewRelay(uow port.UnitOfWork, bus port.EventDeliverer, cfg RelayConfig, log logrus.FieldLogger) *Relay {
	def := DefaultRelayConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Relay{uow: uow, bus: bus, cfg: cfg, log: log.WithField("component", "outbox-relay")}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{"interval": r.cfg.Interval, "batch_size": r.cfg.BatchSize}).Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *Relay) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := r.RelayOnce(ctx)
		if err != nil {
			r.log.WithError(err).Error("outbox relay failed")
			return
		}
		if n < r.cfg.BatchSize {
			return
		}
	}
}

// RelayOnce delivers one batch and returns how many records were marked
// published. Records whose delivery failed stay pending for the next poll.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	var records []domain.OutboxRecord
	err := r.uow.Within(ctx, func(ctx context.Context, tx port.Tx) error {
		var err error
		records, err = tx.Outbox().FetchPending(ctx, r.cfg.BatchSize)
		return err
	})
	if err != nil || len(records) == 0 {
		return 0, err
	}

	delivered := make([]int64, 0, len(records))
	for _, rec := range records {
		if err := r.bus.Deliver(ctx, rec.Event); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"outbox_id":  rec.ID,
				"event_type": rec.Event.Type,
				"order_id":   rec.Event.OrderID,
			}).Warn("outbox record not delivered, left pending")
			continue
		}
		delivered = append(delivered, rec.ID)
	}
	if len(delivered) == 0 {
		return 0, nil
	}

	// Handlers have already run, so the mark must land even during shutdown.
	err = r.uow.Within(context.WithoutCancel(ctx), func(ctx context.Context, tx port.Tx) error {
		return tx.Outbox().MarkPublished(ctx, delivered...)
	})
	if err != nil {
		return 0, err
	}
	r.log.WithField("count", len(delivered)).Debug("outbox records relayed")
	return len(delivered), nil
}
