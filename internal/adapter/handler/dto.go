package handler

import (
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/shopspring/decimal"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/service"
)

var couponCodePattern = regexp.MustCompile(`^[A-Z]{8}$`)

type RegisterCouponHTTPRequest struct {
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Discount decimal.Decimal `json:"discount"`
	Quantity int             `json:"quantity"`
}

func (r RegisterCouponHTTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Code, validation.Required, validation.Match(couponCodePattern)),
		validation.Field(&r.Name, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Discount, validation.By(func(interface{}) error {
			if r.Discount.IsNegative() {
				return validation.NewError("validation_negative", "must not be negative")
			}
			return nil
		})),
		validation.Field(&r.Quantity, validation.Min(0)),
	)
}

func (r RegisterCouponHTTPRequest) command() service.RegisterCouponCommand {
	return service.RegisterCouponCommand{Code: r.Code, Name: r.Name, Discount: r.Discount, Quantity: r.Quantity}
}

type UserHTTPRequest struct {
	UserID string `json:"user_id"`
}

func (r UserHTTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required, validation.Length(1, 64)),
	)
}

type OrderItemHTTPRequest struct {
	ProductID string `json:"product_id"`
	OptionID  string `json:"option_id"`
	Quantity  int    `json:"quantity"`
}

func (r OrderItemHTTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ProductID, validation.Required),
		validation.Field(&r.OptionID, validation.Required),
		validation.Field(&r.Quantity, validation.Required, validation.Min(1)),
	)
}

type CreateOrderHTTPRequest struct {
	UserID   string                 `json:"user_id"`
	CouponID string                 `json:"coupon_id,omitempty"`
	Items    []OrderItemHTTPRequest `json:"items"`
}

func (r CreateOrderHTTPRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.UserID, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Items, validation.Required, validation.Length(1, 50)),
	)
}

func (r CreateOrderHTTPRequest) command(idempotencyKey string) service.CreateOrderCommand {
	lines := make([]service.OrderLine, len(r.Items))
	for i, item := range r.Items {
		lines[i] = service.OrderLine{ProductID: item.ProductID, OptionID: item.OptionID, Quantity: item.Quantity}
	}
	return service.CreateOrderCommand{
		UserID:         r.UserID,
		CouponID:       r.CouponID,
		Items:          lines,
		IdempotencyKey: idempotencyKey,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type CouponResponse struct {
	ID        string          `json:"id"`
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Discount  decimal.Decimal `json:"discount"`
	Quantity  int             `json:"quantity"`
	CreatedAt time.Time       `json:"created_at"`
}

func newCouponResponse(c *domain.Coupon) CouponResponse {
	return CouponResponse{
		ID:        c.ID,
		Code:      c.Code,
		Name:      c.Name,
		Discount:  c.DiscountAmount,
		Quantity:  c.Quantity,
		CreatedAt: c.CreatedAt,
	}
}

type IssueResponse struct {
	Status   domain.IssueStatus        `json:"status"`
	CouponID string                    `json:"coupon_id,omitempty"`
	Reason   domain.IssueFailureReason `json:"reason,omitempty"`
}

type StockResponse struct {
	Code      string `json:"code"`
	Remaining int    `json:"remaining"`
}

type WaitingEntryResponse struct {
	UserID     string    `json:"user_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type OrderItemResponse struct {
	ProductID string          `json:"product_id"`
	OptionID  string          `json:"option_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type OrderResponse struct {
	ID            string              `json:"id"`
	UserID        string              `json:"user_id"`
	CouponID      *string             `json:"coupon_id,omitempty"`
	Status        domain.OrderStatus  `json:"status"`
	TotalPrice    decimal.Decimal     `json:"total_price"`
	StockDeducted bool                `json:"stock_deducted"`
	Items         []OrderItemResponse `json:"items"`
	CreatedAt     time.Time           `json:"created_at"`
}

func newOrderResponse(o *domain.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, item := range o.Items {
		items[i] = OrderItemResponse{
			ProductID: item.ProductID,
			OptionID:  item.OptionID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	return OrderResponse{
		ID:            o.ID,
		UserID:        o.UserID,
		CouponID:      o.CouponID,
		Status:        o.Status,
		TotalPrice:    o.TotalPrice,
		StockDeducted: o.StockDeducted,
		Items:         items,
		CreatedAt:     o.CreatedAt,
	}
}

type ProductRankResponse struct {
	ProductID string `json:"product_id"`
	Sales     int64  `json:"sales"`
}
