package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

const selectOrder = `
	SELECT id, user_id, coupon_id, total_price, status, stock_deducted, created_at, updated_at
	FROM orders WHERE id = ?`

type orderRepository struct {
	tx *sqlx.Tx
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	_, err := r.tx.NamedExecContext(ctx, `
		INSERT INTO orders (id, user_id, coupon_id, total_price, status, stock_deducted, created_at, updated_at)
		VALUES (:id, :user_id, :coupon_id, :total_price, :status, :stock_deducted, :created_at, :updated_at)`,
		toOrderRecord(order),
	)
	if err != nil {
		return errors.Wrap(err, "insert order")
	}

	if len(order.Items) == 0 {
		return nil
	}
	_, err = r.tx.NamedExecContext(ctx, `
		INSERT INTO order_items (order_id, product_id, option_id, quantity, unit_price)
		VALUES (:order_id, :product_id, :option_id, :quantity, :unit_price)`,
		toOrderItemRecords(order.ID, order.Items),
	)
	if err != nil {
		return errors.Wrap(err, "insert order items")
	}
	return nil
}

func (r *orderRepository) FindByID(ctx context.Context, orderID string) (*domain.Order, error) {
	return r.find(ctx, selectOrder, orderID)
}

func (r *orderRepository) FindByIDForUpdate(ctx context.Context, orderID string) (*domain.Order, error) {
	return r.find(ctx, selectOrder+" FOR UPDATE", orderID)
}

func (r *orderRepository) find(ctx context.Context, query, orderID string) (*domain.Order, error) {
	var rec orderRecord
	err := r.tx.GetContext(ctx, &rec, query, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrOrderNotFound, "order %s", orderID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query order")
	}

	var items []orderItemRecord
	err = r.tx.SelectContext(ctx, &items, `
		SELECT order_id, product_id, option_id, quantity, unit_price
		FROM order_items WHERE order_id = ? ORDER BY id`, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "query order items")
	}

	return rec.toDomain(items), nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus) (bool, error) {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), orderID, from,
	)
	if err != nil {
		return false, errors.Wrap(err, "update order status")
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (r *orderRepository) SetStockDeducted(ctx context.Context, orderID string, value, skipCancelled bool) (bool, error) {
	query := `
		UPDATE orders SET stock_deducted = ?, updated_at = ?
		WHERE id = ? AND stock_deducted = ?`
	args := []interface{}{value, time.Now().UTC(), orderID, !value}
	if skipCancelled {
		query += ` AND status <> ?`
		args = append(args, domain.OrderStatusCancelled)
	}

	result, err := r.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrap(err, "update stock deducted")
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}
