package storage

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/rl1809/commerce-core/internal/port"
)

const (
	mysqlErrDuplicateEntry = 1062
	mysqlErrLockWait       = 1205
	mysqlErrDeadlock       = 1213

	txAttempts = 3
	txBackoff  = 20 * time.Millisecond
)

// MySQLAdapter is the unit of work over the durable store.
type MySQLAdapter struct {
	db *sqlx.DB
}

func NewMySQLAdapter(db *sqlx.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Within runs fn in a transaction and commits if fn returns nil. A transaction
// aborted by a deadlock or lock wait timeout is rolled back and run again, so
// fn must not have effects outside tx.
func (m *MySQLAdapter) Within(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	return retry.Do(
		func() error { return m.within(ctx, fn) },
		retry.Context(ctx),
		retry.Attempts(txAttempts),
		retry.Delay(txBackoff),
		retry.RetryIf(isTransient),
		retry.LastErrorOnly(true),
	)
}

func (m *MySQLAdapter) within(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := fn(ctx, &mysqlTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

type mysqlTx struct {
	tx *sqlx.Tx
}

func (t *mysqlTx) Orders() port.OrderRepository { return &orderRepository{tx: t.tx} }
func (t *mysqlTx) Inventory() port.InventoryRepository { return &inventoryRepository{tx: t.tx} }
func (t *mysqlTx) Accounts() port.AccountRepository { return &accountRepository{tx: t.tx} }
func (t *mysqlTx) Coupons() port.CouponRepository { return &couponRepository{tx: t.tx} }
func (t *mysqlTx) Outbox() port.OutboxRepository { return &outboxRepository{tx: t.tx} }

func mysqlErrorNumber(err error) uint16 {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number
	}
	return 0
}

func isDuplicateEntry(err error) bool {
	return mysqlErrorNumber(err) == mysqlErrDuplicateEntry
}

func isTransient(err error) bool {
	switch mysqlErrorNumber(err) {
	case mysqlErrDeadlock, mysqlErrLockWait:
		return true
	}
	return false
}
