package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

type accountRepository struct {
	tx *sqlx.Tx
}

func (r *accountRepository) FindByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	var rec accountRecord
	err := r.tx.GetContext(ctx, &rec, `
		SELECT user_id, balance, version, updated_at
		FROM accounts WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrAccountNotFound, "user %s", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query account")
	}
	return rec.toDomain(), nil
}

// Apply writes the history row first so a replay hits the unique key before
// the balance moves. On any error the caller must roll the transaction back.
func (r *accountRepository) Apply(ctx context.Context, txn domain.AccountTransaction) (bool, error) {
	if !txn.Amount.IsPositive() {
		return false, errors.Wrapf(domain.ErrInvalidAmount, "%s of %s", txn.Type, txn.Amount)
	}
	now := time.Now().UTC()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}

	_, err := r.tx.ExecContext(ctx, `
		INSERT INTO account_transactions (user_id, type, amount, reference_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		txn.UserID, txn.Type, txn.Amount, txn.ReferenceID, txn.CreatedAt,
	)
	if isDuplicateEntry(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert account transaction")
	}

	var result sql.Result
	switch txn.Type {
	case domain.AccountWithdraw:
		result, err = r.tx.ExecContext(ctx, `
			UPDATE accounts
			SET balance = balance - ?, version = version + 1, updated_at = ?
			WHERE user_id = ? AND balance >= ?`,
			txn.Amount, now, txn.UserID, txn.Amount,
		)
	case domain.AccountCharge, domain.AccountRefund:
		result, err = r.tx.ExecContext(ctx, `
			UPDATE accounts
			SET balance = balance + ?, version = version + 1, updated_at = ?
			WHERE user_id = ?`,
			txn.Amount, now, txn.UserID,
		)
	default:
		return false, errors.Errorf("unknown account transaction type %q", txn.Type)
	}
	if err != nil {
		return false, errors.Wrap(err, "update account balance")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		if _, err := r.FindByUserID(ctx, txn.UserID); err != nil {
			return false, err
		}
		return false, errors.Wrapf(domain.ErrInsufficientBalance, "user %s", txn.UserID)
	}
	return true, nil
}
