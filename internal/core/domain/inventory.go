package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Inventory is the stock of one product option.
type Inventory struct {
	OptionID  string
	ProductID string
	Price     decimal.Decimal
	Stock     int
	Version   int // optimistic locking
	CreatedAt time.Time
	UpdatedAt time.Time
}
