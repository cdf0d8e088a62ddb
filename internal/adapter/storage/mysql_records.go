package storage

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// Row shapes of the durable store. Domain types never carry db tags; every
// table has an explicit mapping in both directions below.

type orderRecord struct {
	ID            string          `db:"id"`
	UserID        string          `db:"user_id"`
	CouponID      sql.NullString  `db:"coupon_id"`
	TotalPrice    decimal.Decimal `db:"total_price"`
	Status        string          `db:"status"`
	StockDeducted bool            `db:"stock_deducted"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

type orderItemRecord struct {
	OrderID   string          `db:"order_id"`
	ProductID string          `db:"product_id"`
	OptionID  string          `db:"option_id"`
	Quantity  int             `db:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price"`
}

type inventoryRecord struct {
	OptionID  string          `db:"option_id"`
	ProductID string          `db:"product_id"`
	Price     decimal.Decimal `db:"price"`
	Stock     int             `db:"stock"`
	Version   int             `db:"version"`
	CreatedAt time.Time       `db:"created_at"`
	UpdatedAt time.Time       `db:"updated_at"`
}

type accountRecord struct {
	UserID    string          `db:"user_id"`
	Balance   decimal.Decimal `db:"balance"`
	Version   int             `db:"version"`
	UpdatedAt time.Time       `db:"updated_at"`
}

type couponRecord struct {
	ID             string          `db:"id"`
	Code           string          `db:"code"`
	Name           string          `db:"name"`
	DiscountAmount decimal.Decimal `db:"discount_amount"`
	Quantity       int             `db:"quantity"`
	CreatedAt      time.Time       `db:"created_at"`
}

type issuedCouponRecord struct {
	CouponID   string    `db:"coupon_id"`
	CouponCode string    `db:"coupon_code"`
	UserID     string    `db:"user_id"`
	Status     string    `db:"status"`
	IssuedAt   time.Time `db:"issued_at"`
}

type outboxRecord struct {
	ID        int64     `db:"id"`
	EventID   string    `db:"event_id"`
	EventType string    `db:"event_type"`
	OrderID   string    `db:"order_id"`
	Payload   []byte    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func toOrderRecord(o domain.Order) orderRecord {
	r := orderRecord{
		ID:            o.ID,
		UserID:        o.UserID,
		TotalPrice:    o.TotalPrice,
		Status:        string(o.Status),
		StockDeducted: o.StockDeducted,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.CouponID != nil {
		r.CouponID = sql.NullString{String: *o.CouponID, Valid: true}
	}
	return r
}

func toOrderItemRecords(orderID string, items []domain.OrderItem) []orderItemRecord {
	out := make([]orderItemRecord, len(items))
	for i, it := range items {
		out[i] = orderItemRecord{
			OrderID:   orderID,
			ProductID: it.ProductID,
			OptionID:  it.OptionID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		}
	}
	return out
}

func (r orderRecord) toDomain(items []orderItemRecord) *domain.Order {
	o := &domain.Order{
		ID:            r.ID,
		UserID:        r.UserID,
		TotalPrice:    r.TotalPrice,
		Status:        domain.OrderStatus(r.Status),
		StockDeducted: r.StockDeducted,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		Items:         make([]domain.OrderItem, len(items)),
	}
	if r.CouponID.Valid {
		id := r.CouponID.String
		o.CouponID = &id
	}
	for i, it := range items {
		o.Items[i] = domain.OrderItem{
			ProductID: it.ProductID,
			OptionID:  it.OptionID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		}
	}
	return o
}

func (r inventoryRecord) toDomain() *domain.Inventory {
	return &domain.Inventory{
		OptionID:  r.OptionID,
		ProductID: r.ProductID,
		Price:     r.Price,
		Stock:     r.Stock,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r accountRecord) toDomain() *domain.Account {
	return &domain.Account{
		UserID:    r.UserID,
		Balance:   r.Balance,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r couponRecord) toDomain() *domain.Coupon {
	return &domain.Coupon{
		ID:             r.ID,
		Code:           r.Code,
		Name:           r.Name,
		DiscountAmount: r.DiscountAmount,
		Quantity:       r.Quantity,
		CreatedAt:      r.CreatedAt,
	}
}

func (r issuedCouponRecord) toDomain() *domain.IssuedCoupon {
	return &domain.IssuedCoupon{
		CouponID:   r.CouponID,
		CouponCode: r.CouponCode,
		UserID:     r.UserID,
		Status:     domain.IssuedCouponStatus(r.Status),
		IssuedAt:   r.IssuedAt,
	}
}
