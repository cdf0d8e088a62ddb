package storage

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

type inventoryRepository struct {
	tx *sqlx.Tx
}

func (r *inventoryRepository) FindByOptionID(ctx context.Context, optionID string) (*domain.Inventory, error) {
	var rec inventoryRecord
	err := r.tx.GetContext(ctx, &rec, `
		SELECT option_id, product_id, price, stock, version, created_at, updated_at
		FROM inventory WHERE option_id = ?`, optionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrInventoryNotFound, "option %s", optionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query inventory")
	}
	return rec.toDomain(), nil
}

func (r *inventoryRepository) Decrease(ctx context.Context, optionID string, quantity int) error {
	if quantity <= 0 {
		return errors.Wrapf(domain.ErrInvalidAmount, "decrease %d of %s", quantity, optionID)
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE inventory
		SET stock = stock - ?, version = version + 1, updated_at = NOW(6)
		WHERE option_id = ? AND stock >= ?`,
		quantity, optionID, quantity,
	)
	if err != nil {
		return errors.Wrap(err, "decrease inventory")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.FindByOptionID(ctx, optionID); err != nil {
			return err
		}
		return errors.Wrapf(domain.ErrInsufficientStock, "option %s", optionID)
	}
	return nil
}

func (r *inventoryRepository) Increase(ctx context.Context, optionID string, quantity int) error {
	if quantity <= 0 {
		return errors.Wrapf(domain.ErrInvalidAmount, "increase %d of %s", quantity, optionID)
	}

	result, err := r.tx.ExecContext(ctx, `
		UPDATE inventory
		SET stock = stock + ?, version = version + 1, updated_at = NOW(6)
		WHERE option_id = ?`,
		quantity, optionID,
	)
	if err != nil {
		return errors.Wrap(err, "increase inventory")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.Wrapf(domain.ErrInventoryNotFound, "option %s", optionID)
	}
	return nil
}
