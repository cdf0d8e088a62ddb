package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/commerce-core/internal/adapter/storage"
	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/lock"
	"github.com/rl1809/commerce-core/internal/port"
)

// memStore is a serializable in-memory unit of work. A failed Within restores
// the snapshot taken when it started.
type memStore struct {
	mu sync.Mutex

	orders    map[string]domain.Order
	inventory map[string]domain.Inventory
	accounts  map[string]domain.Account
	txns      map[string]domain.AccountTransaction
	coupons   map[string]domain.Coupon
	issued    map[string]domain.IssuedCoupon
	outbox    []domain.OutboxRecord
	published map[int64]bool
	nextID    int64

	// injected failures
	applyErr      error
	saveIssuedErr error
}

func newMemStore() *memStore {
	return &memStore{
		orders:    make(map[string]domain.Order),
		inventory: make(map[string]domain.Inventory),
		accounts:  make(map[string]domain.Account),
		txns:      make(map[string]domain.AccountTransaction),
		coupons:   make(map[string]domain.Coupon),
		issued:    make(map[string]domain.IssuedCoupon),
		published: make(map[int64]bool),
	}
}

type memSnapshot struct {
	orders    map[string]domain.Order
	inventory map[string]domain.Inventory
	accounts  map[string]domain.Account
	txns      map[string]domain.AccountTransaction
	coupons   map[string]domain.Coupon
	issued    map[string]domain.IssuedCoupon
	outbox    []domain.OutboxRecord
	published map[int64]bool
	nextID    int64
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *memStore) snapshot() memSnapshot {
	return memSnapshot{
		orders:    cloneMap(m.orders),
		inventory: cloneMap(m.inventory),
		accounts:  cloneMap(m.accounts),
		txns:      cloneMap(m.txns),
		coupons:   cloneMap(m.coupons),
		issued:    cloneMap(m.issued),
		outbox:    append([]domain.OutboxRecord(nil), m.outbox...),
		published: cloneMap(m.published),
		nextID:    m.nextID,
	}
}

func (m *memStore) restore(s memSnapshot) {
	m.orders, m.inventory, m.accounts, m.txns = s.orders, s.inventory, s.accounts, s.txns
	m.coupons, m.issued, m.outbox, m.published, m.nextID = s.coupons, s.issued, s.outbox, s.published, s.nextID
}

func (m *memStore) Within(ctx context.Context, fn func(ctx context.Context, tx port.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(ctx, memTx{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// Test accessors

func (m *memStore) seedInventory(optionID, productID string, price int64, stock int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventory[optionID] = domain.Inventory{OptionID: optionID, ProductID: productID, Price: decimal.NewFromInt(price), Stock: stock}
}

func (m *memStore) seedAccount(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[userID] = domain.Account{UserID: userID, Balance: decimal.NewFromInt(balance)}
}

func (m *memStore) seedCoupon(c domain.Coupon, holders ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coupons[c.ID] = c
	for _, u := range holders {
		m.issued[c.ID+"/"+u] = domain.IssuedCoupon{CouponID: c.ID, CouponCode: c.Code, UserID: u, Status: domain.IssuedCouponStatusIssued}
	}
}

func (m *memStore) stock(optionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inventory[optionID].Stock
}

func (m *memStore) balance(userID string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[userID].Balance
}

func (m *memStore) order(id string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memStore) issuedCoupon(couponID, userID string) (domain.IssuedCoupon, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ic, ok := m.issued[couponID+"/"+userID]
	return ic, ok
}

func (m *memStore) issuedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.issued)
}

func (m *memStore) transactions(t domain.AccountTransactionType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, txn := range m.txns {
		if txn.Type == t {
			n++
		}
	}
	return n
}

func (m *memStore) lastOutbox(t domain.EventType) (domain.Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.outbox) - 1; i >= 0; i-- {
		if m.outbox[i].Event.Type == t {
			return m.outbox[i].Event, true
		}
	}
	return domain.Event{}, false
}

func (m *memStore) outboxTypes() []domain.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]domain.EventType, len(m.outbox))
	for i, r := range m.outbox {
		types[i] = r.Event.Type
	}
	return types
}

type memTx struct{ m *memStore }

func (t memTx) Orders() port.OrderRepository { return memOrders{t.m} }
func (t memTx) Inventory() port.InventoryRepository { return memInventory{t.m} }
func (t memTx) Accounts() port.AccountRepository { return memAccounts{t.m} }
func (t memTx) Coupons() port.CouponRepository { return memCoupons{t.m} }
func (t memTx) Outbox() port.OutboxRepository { return memOutbox{t.m} }

type memOrders struct{ m *memStore }

func (r memOrders) Create(ctx context.Context, o domain.Order) error {
	if _, ok := r.m.orders[o.ID]; ok {
		return errors.Errorf("duplicate order %s", o.ID)
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	r.m.orders[o.ID] = o
	return nil
}

func (r memOrders) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	o, ok := r.m.orders[id]
	if !ok {
		return nil, errors.Wrap(domain.ErrOrderNotFound, id)
	}
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return &o, nil
}

func (r memOrders) FindByIDForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return r.FindByID(ctx, id)
}

func (r memOrders) UpdateStatus(ctx context.Context, id string, from, to domain.OrderStatus) (bool, error) {
	o, ok := r.m.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	r.m.orders[id] = o
	return true, nil
}

func (r memOrders) SetStockDeducted(ctx context.Context, id string, value, skipCancelled bool) (bool, error) {
	o, ok := r.m.orders[id]
	if !ok || o.StockDeducted == value || (skipCancelled && o.Status == domain.OrderStatusCancelled) {
		return false, nil
	}
	o.StockDeducted = value
	r.m.orders[id] = o
	return true, nil
}

type memInventory struct{ m *memStore }

func (r memInventory) FindByOptionID(ctx context.Context, optionID string) (*domain.Inventory, error) {
	inv, ok := r.m.inventory[optionID]
	if !ok {
		return nil, errors.Wrap(domain.ErrInventoryNotFound, optionID)
	}
	return &inv, nil
}

func (r memInventory) Decrease(ctx context.Context, optionID string, quantity int) error {
	inv, ok := r.m.inventory[optionID]
	if !ok {
		return errors.Wrap(domain.ErrInventoryNotFound, optionID)
	}
	if inv.Stock < quantity {
		return errors.Wrap(domain.ErrInsufficientStock, optionID)
	}
	inv.Stock -= quantity
	inv.Version++
	r.m.inventory[optionID] = inv
	return nil
}

func (r memInventory) Increase(ctx context.Context, optionID string, quantity int) error {
	inv, ok := r.m.inventory[optionID]
	if !ok {
		return errors.Wrap(domain.ErrInventoryNotFound, optionID)
	}
	inv.Stock += quantity
	inv.Version++
	r.m.inventory[optionID] = inv
	return nil
}

type memAccounts struct{ m *memStore }

func (r memAccounts) FindByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	a, ok := r.m.accounts[userID]
	if !ok {
		return nil, errors.Wrap(domain.ErrAccountNotFound, userID)
	}
	return &a, nil
}

func (r memAccounts) Apply(ctx context.Context, txn domain.AccountTransaction) (bool, error) {
	if r.m.applyErr != nil {
		return false, r.m.applyErr
	}
	key := txn.UserID + "|" + string(txn.Type) + "|" + txn.ReferenceID
	if _, ok := r.m.txns[key]; ok {
		return false, nil
	}
	a, ok := r.m.accounts[txn.UserID]
	if !ok {
		return false, errors.Wrap(domain.ErrAccountNotFound, txn.UserID)
	}
	switch txn.Type {
	case domain.AccountWithdraw:
		if a.Balance.LessThan(txn.Amount) {
			return false, errors.Wrap(domain.ErrInsufficientBalance, txn.UserID)
		}
		a.Balance = a.Balance.Sub(txn.Amount)
	default:
		a.Balance = a.Balance.Add(txn.Amount)
	}
	r.m.accounts[txn.UserID] = a
	r.m.txns[key] = txn
	return true, nil
}

type memCoupons struct{ m *memStore }

func (r memCoupons) Create(ctx context.Context, c domain.Coupon) error {
	for _, existing := range r.m.coupons {
		if existing.Code == c.Code {
			return errors.Wrap(domain.ErrCouponExists, c.Code)
		}
	}
	r.m.coupons[c.ID] = c
	return nil
}

func (r memCoupons) FindByCode(ctx context.Context, code string) (*domain.Coupon, error) {
	for _, c := range r.m.coupons {
		if c.Code == code {
			return &c, nil
		}
	}
	return nil, errors.Wrap(domain.ErrCouponNotFound, code)
}

func (r memCoupons) FindByID(ctx context.Context, id string) (*domain.Coupon, error) {
	c, ok := r.m.coupons[id]
	if !ok {
		return nil, errors.Wrap(domain.ErrCouponNotFound, id)
	}
	return &c, nil
}

func (r memCoupons) SaveIssued(ctx context.Context, ic domain.IssuedCoupon) error {
	if r.m.saveIssuedErr != nil {
		return r.m.saveIssuedErr
	}
	key := ic.CouponID + "/" + ic.UserID
	if _, ok := r.m.issued[key]; !ok {
		r.m.issued[key] = ic
	}
	return nil
}

func (r memCoupons) FindIssued(ctx context.Context, couponID, userID string) (*domain.IssuedCoupon, error) {
	ic, ok := r.m.issued[couponID+"/"+userID]
	if !ok {
		return nil, errors.Wrap(domain.ErrCouponNotUsable, couponID)
	}
	return &ic, nil
}

func (r memCoupons) UpdateIssuedStatus(ctx context.Context, couponID, userID string, from, to domain.IssuedCouponStatus) (bool, error) {
	key := couponID + "/" + userID
	ic, ok := r.m.issued[key]
	if !ok || ic.Status != from {
		return false, nil
	}
	ic.Status = to
	r.m.issued[key] = ic
	return true, nil
}

type memOutbox struct{ m *memStore }

func (r memOutbox) Append(ctx context.Context, events ...domain.Event) error {
	for _, e := range events {
		r.m.nextID++
		r.m.outbox = append(r.m.outbox, domain.OutboxRecord{ID: r.m.nextID, Event: e, CreatedAt: time.Now()})
	}
	return nil
}

func (r memOutbox) FetchPending(ctx context.Context, limit int) ([]domain.OutboxRecord, error) {
	var out []domain.OutboxRecord
	for _, rec := range r.m.outbox {
		if len(out) == limit {
			break
		}
		if !r.m.published[rec.ID] {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r memOutbox) MarkPublished(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		r.m.published[id] = true
	}
	return nil
}

// syncBus runs subscribers in order on the caller's goroutine and records
// every delivered event.
type syncBus struct {
	mu        sync.Mutex
	subs      map[domain.EventType][]port.EventHandler
	names     map[domain.EventType][]string
	delivered []domain.Event
}

func newSyncBus() *syncBus {
	return &syncBus{
		subs:  make(map[domain.EventType][]port.EventHandler),
		names: make(map[domain.EventType][]string),
	}
}

func (b *syncBus) Subscribe(t domain.EventType, name string, h port.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], h)
	b.names[t] = append(b.names[t], name)
}

func (b *syncBus) Deliver(ctx context.Context, e domain.Event) error {
	b.mu.Lock()
	handlers := b.subs[e.Type]
	b.delivered = append(b.delivered, e)
	b.mu.Unlock()

	for _, handle := range handlers {
		if err := handle(ctx, e); err != nil {
			return errors.Wrapf(err, "handler for %s", e.Type)
		}
	}
	return nil
}

func (b *syncBus) count(t domain.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.delivered {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (b *syncBus) last(t domain.EventType) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.delivered) - 1; i >= 0; i-- {
		if b.delivered[i].Type == t {
			return b.delivered[i], true
		}
	}
	return domain.Event{}, false
}

// harness wires the services over memStore, a syncBus and a miniredis-backed
// Redis adapter, with real lock and coupon scripts.
type harness struct {
	t       *testing.T
	store   *memStore
	bus     *syncBus
	mr      *miniredis.Miniredis
	redis   *storage.RedisAdapter
	locks   *lock.Manager
	orders  *OrderService
	saga    *SagaCoordinator
	coupons *CouponService
	logs    *test.Hook
}

func newHarness(t *testing.T, lockCfg lock.Config) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	h := &harness{
		t:     t,
		store: newMemStore(),
		bus:   newSyncBus(),
		mr:    mr,
		redis: storage.NewRedisAdapter(client),
		logs:  hook,
	}
	h.locks = lock.NewManager(h.redis, lockCfg, logger)
	h.orders = NewOrderService(h.store, h.locks, h.redis, logger)
	h.saga = NewSagaCoordinator(h.store, h.locks, h.orders, h.redis, h.redis, logger)
	h.saga.Register(h.bus)
	h.coupons = NewCouponService(h.redis, h.store, CouponConfig{Writers: 2, QueueSize: 100, RetryAttempts: 2, RetryDelay: time.Millisecond}, logger)
	return h
}

// pump relays the outbox one record at a time until nothing is pending. A
// record is marked only after its handlers succeeded.
func (h *harness) pump() {
	h.t.Helper()
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		var records []domain.OutboxRecord
		err := h.store.Within(ctx, func(ctx context.Context, tx port.Tx) error {
			var err error
			records, err = tx.Outbox().FetchPending(ctx, 1)
			return err
		})
		require.NoError(h.t, err)
		if len(records) == 0 {
			return
		}

		rec := records[0]
		require.NoError(h.t, h.bus.Deliver(ctx, rec.Event))
		require.NoError(h.t, h.store.Within(ctx, func(ctx context.Context, tx port.Tx) error {
			return tx.Outbox().MarkPublished(ctx, rec.ID)
		}))
	}
	h.t.Fatal("events did not settle")
}

func (h *harness) ranking() map[string]int64 {
	h.t.Helper()
	ranks, err := h.redis.TopProducts(context.Background(), 100)
	require.NoError(h.t, err)
	out := make(map[string]int64, len(ranks))
	for _, r := range ranks {
		out[r.ProductID] = r.Sales
	}
	return out
}

func sortedUsers(entries []domain.WaitingQueueEntry) []string {
	users := make([]string, len(entries))
	for i, e := range entries {
		users[i] = e.UserID
	}
	sort.Strings(users)
	return users
}
