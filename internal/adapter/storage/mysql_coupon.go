package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

const selectCoupon = `
	SELECT id, code, name, discount_amount, quantity, created_at FROM coupons`

type couponRepository struct {
	tx *sqlx.Tx
}

func (r *couponRepository) Create(ctx context.Context, coupon domain.Coupon) error {
	_, err := r.tx.NamedExecContext(ctx, `
		INSERT INTO coupons (id, code, name, discount_amount, quantity, created_at)
		VALUES (:id, :code, :name, :discount_amount, :quantity, :created_at)`,
		couponRecord{
			ID:             coupon.ID,
			Code:           coupon.Code,
			Name:           coupon.Name,
			DiscountAmount: coupon.DiscountAmount,
			Quantity:       coupon.Quantity,
			CreatedAt:      coupon.CreatedAt,
		},
	)
	if isDuplicateEntry(err) {
		return errors.Wrapf(domain.ErrCouponExists, "code %s", coupon.Code)
	}
	if err != nil {
		return errors.Wrap(err, "insert coupon")
	}
	return nil
}

func (r *couponRepository) FindByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	return r.find(ctx, selectCoupon+" WHERE code = ?", code)
}

func (r *couponRepository) FindByID(ctx context.Context, couponID string) (*domain.Coupon, error) {
	return r.find(ctx, selectCoupon+" WHERE id = ?", couponID)
}

func (r *couponRepository) find(ctx context.Context, query, arg string) (*domain.Coupon, error) {
	var rec couponRecord
	err := r.tx.GetContext(ctx, &rec, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrCouponNotFound, "coupon %s", arg)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query coupon")
	}
	return rec.toDomain(), nil
}

func (r *couponRepository) SaveIssued(ctx context.Context, issued domain.IssuedCoupon) error {
	_, err := r.tx.NamedExecContext(ctx, `
		INSERT INTO issued_coupons (coupon_id, coupon_code, user_id, status, issued_at)
		VALUES (:coupon_id, :coupon_code, :user_id, :status, :issued_at)
		ON DUPLICATE KEY UPDATE coupon_id = coupon_id`,
		issuedCouponRecord{
			CouponID:   issued.CouponID,
			CouponCode: issued.CouponCode,
			UserID:     issued.UserID,
			Status:     string(issued.Status),
			IssuedAt:   issued.IssuedAt,
		},
	)
	if err != nil {
		return errors.Wrap(err, "insert issued coupon")
	}
	return nil
}

func (r *couponRepository) FindIssued(ctx context.Context, couponID, userID string) (*domain.IssuedCoupon, error) {
	var rec issuedCouponRecord
	err := r.tx.GetContext(ctx, &rec, `
		SELECT coupon_id, coupon_code, user_id, status, issued_at
		FROM issued_coupons WHERE coupon_id = ? AND user_id = ?`, couponID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrCouponNotUsable, "coupon %s for user %s", couponID, userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "query issued coupon")
	}
	return rec.toDomain(), nil
}

func (r *couponRepository) UpdateIssuedStatus(ctx context.Context, couponID, userID string, from, to domain.IssuedCouponStatus) (bool, error) {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE issued_coupons SET status = ?, updated_at = ?
		WHERE coupon_id = ? AND user_id = ? AND status = ?`,
		to, time.Now().UTC(), couponID, userID, from,
	)
	if err != nil {
		return false, errors.Wrap(err, "update issued coupon")
	}

	rows, _ := result.RowsAffected()
	return rows == 1, nil
}
