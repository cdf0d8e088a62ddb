package storage

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

type outboxRepository struct {
	tx *sqlx.Tx
}

type eventItemPayload struct {
	ProductID string          `json:"product_id"`
	OptionID  string          `json:"option_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// eventPayload is the JSON stored in the outbox payload column.
type eventPayload struct {
	ID             string             `json:"id"`
	Type           string             `json:"type"`
	OrderID        string             `json:"order_id"`
	UserID         string             `json:"user_id"`
	CouponID       *string            `json:"coupon_id,omitempty"`
	TotalPrice     decimal.Decimal    `json:"total_price"`
	Items          []eventItemPayload `json:"items"`
	PreviousStatus string             `json:"previous_status,omitempty"`
	StockDeducted  bool               `json:"stock_deducted"`
	Reason         string             `json:"reason,omitempty"`
	OccurredAt     time.Time          `json:"occurred_at"`
}

func encodeEvent(e domain.Event) ([]byte, error) {
	p := eventPayload{
		ID:             e.ID,
		Type:           string(e.Type),
		OrderID:        e.OrderID,
		UserID:         e.UserID,
		CouponID:       e.CouponID,
		TotalPrice:     e.TotalPrice,
		Items:          make([]eventItemPayload, len(e.Items)),
		PreviousStatus: string(e.PreviousStatus),
		StockDeducted:  e.StockDeducted,
		Reason:         e.Reason,
		OccurredAt:     e.OccurredAt,
	}
	for i, it := range e.Items {
		p.Items[i] = eventItemPayload{
			ProductID: it.ProductID,
			OptionID:  it.OptionID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		}
	}
	return json.Marshal(p)
}

func decodeEvent(data []byte) (domain.Event, error) {
	var p eventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Event{}, err
	}

	e := domain.Event{
		ID:             p.ID,
		Type:           domain.EventType(p.Type),
		OrderID:        p.OrderID,
		UserID:         p.UserID,
		CouponID:       p.CouponID,
		TotalPrice:     p.TotalPrice,
		Items:          make([]domain.OrderItem, len(p.Items)),
		PreviousStatus: domain.OrderStatus(p.PreviousStatus),
		StockDeducted:  p.StockDeducted,
		Reason:         p.Reason,
		OccurredAt:     p.OccurredAt,
	}
	for i, it := range p.Items {
		e.Items[i] = domain.OrderItem{
			ProductID: it.ProductID,
			OptionID:  it.OptionID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		}
	}
	return e, nil
}

func (r *outboxRepository) Append(ctx context.Context, events ...domain.Event) error {
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UTC()
	records := make([]outboxRecord, len(events))
	for i, e := range events {
		payload, err := encodeEvent(e)
		if err != nil {
			return errors.Wrapf(err, "encode event %s", e.Type)
		}
		records[i] = outboxRecord{
			EventID:   e.ID,
			EventType: string(e.Type),
			OrderID:   e.OrderID,
			Payload:   payload,
			CreatedAt: now,
		}
	}

	_, err := r.tx.NamedExecContext(ctx, `
		INSERT INTO outbox_events (event_id, event_type, order_id, payload, created_at)
		VALUES (:event_id, :event_type, :order_id, :payload, :created_at)`,
		records,
	)
	if err != nil {
		return errors.Wrap(err, "insert outbox events")
	}
	return nil
}

// FetchPending needs MySQL 8 for SKIP LOCKED. The row locks end with the
// fetching transaction, so two relays may still deliver the same record.
func (r *outboxRepository) FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	var rows []outboxRecord
	err := r.tx.SelectContext(ctx, &rows, `
		SELECT id, event_id, event_type, order_id, payload, created_at
		FROM outbox_events
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT ?
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query outbox")
	}

	out := make([]domain.OutboxRecord, 0, len(rows))
	for _, row := range rows {
		event, err := decodeEvent(row.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "decode outbox record %d", row.ID)
		}
		out = append(out, domain.OutboxRecord{ID: row.ID, Event: event, CreatedAt: row.CreatedAt})
	}
	return out, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`UPDATE outbox_events SET published_at = ? WHERE id IN (?)`, time.Now().UTC(), ids)
	if err != nil {
		return errors.Wrap(err, "build mark published")
	}
	if _, err := r.tx.ExecContext(ctx, r.tx.Rebind(query), args...); err != nil {
		return errors.Wrap(err, "mark outbox published")
	}
	return nil
}
