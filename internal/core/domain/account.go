package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	UserID    string
	Balance   decimal.Decimal
	Version   int
	UpdatedAt time.Time
}

type AccountTransactionType string

const (
	AccountCharge   AccountTransactionType = "CHARGE"
	AccountWithdraw AccountTransactionType = "WITHDRAW"
	AccountRefund   AccountTransactionType = "REFUND"
)

// AccountTransaction is one balance movement. (UserID, Type, ReferenceID) is
// unique, so replaying a withdraw or refund for the same order is a no-op.
type AccountTransaction struct {
	UserID      string
	Type        AccountTransactionType
	Amount      decimal.Decimal
	ReferenceID string
	CreatedAt   time.Time
}
