package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestAcquireLock_Exclusive(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	ok, err := adapter.AcquireLock(ctx, "lock:k", "a", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected first acquire to succeed")
	}

	ok, err = adapter.AcquireLock(ctx, "lock:k", "b", time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second acquire to fail while held")
	}

	if ttl := mr.TTL("lock:k"); ttl != time.Second {
		t.Errorf("expected lease 1s, got %s", ttl)
	}
}

func TestReleaseLock_OnlyOwner(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	if _, err := adapter.AcquireLock(ctx, "lock:k", "owner", time.Minute); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	released, err := adapter.ReleaseLock(ctx, "lock:k", "intruder")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released {
		t.Error("expected release with a foreign token to be refused")
	}
	if !mr.Exists("lock:k") {
		t.Fatal("lock was deleted by a foreign token")
	}

	released, err = adapter.ReleaseLock(ctx, "lock:k", "owner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !released {
		t.Error("expected owner release to succeed")
	}
	if mr.Exists("lock:k") {
		t.Error("lock still present after release")
	}
}

func TestReleaseLock_ExpiredLease(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	adapter.AcquireLock(ctx, "lock:k", "owner", 100*time.Millisecond)
	mr.FastForward(200 * time.Millisecond)

	released, err := adapter.ReleaseLock(ctx, "lock:k", "owner")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if released {
		t.Error("expected release after expiry to report false")
	}
}

func TestIssueCoupon_Success(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	if err := adapter.ResetCoupon(ctx, "SPRINGAA", "coupon-1", 3); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	res, err := adapter.IssueCoupon(ctx, "SPRINGAA", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Succeeded() || res.CouponID != "coupon-1" {
		t.Fatalf("expected success with coupon-1, got %+v", res)
	}

	left, _ := adapter.RemainingStock(ctx, "SPRINGAA")
	if left != 2 {
		t.Errorf("expected 2 left, got %d", left)
	}
	if ok, _ := mr.SIsMember(keysFor("SPRINGAA").issued, "user-1"); !ok {
		t.Error("user not recorded in issued set")
	}
}

func TestIssueCoupon_AlreadyIssued(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	adapter.ResetCoupon(ctx, "SPRINGAA", "coupon-1", 3)
	adapter.IssueCoupon(ctx, "SPRINGAA", "user-1")

	res, err := adapter.IssueCoupon(ctx, "SPRINGAA", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Succeeded() || res.Reason != domain.IssueAlreadyIssued {
		t.Fatalf("expected ALREADY_ISSUED, got %+v", res)
	}

	// A refused second attempt must not consume stock
	left, _ := adapter.RemainingStock(ctx, "SPRINGAA")
	if left != 2 {
		t.Errorf("expected 2 left, got %d", left)
	}
}

func TestIssueCoupon_SoldOut(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	adapter.ResetCoupon(ctx, "SPRINGAA", "coupon-1", 1)
	adapter.IssueCoupon(ctx, "SPRINGAA", "user-1")

	res, err := adapter.IssueCoupon(ctx, "SPRINGAA", "user-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reason != domain.IssueSoldOut {
		t.Fatalf("expected SOLD_OUT, got %+v", res)
	}
}

func TestIssueCoupon_UnknownCodeIsSoldOut(t *testing.T) {
	_, client := newTestRedis(t)
	adapter := NewRedisAdapter(client)

	res, err := adapter.IssueCoupon(context.Background(), "NOSUCHCP", "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reason != domain.IssueSoldOut {
		t.Fatalf("expected SOLD_OUT, got %+v", res)
	}
}

func TestIssueCoupon_Concurrent(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	stock := 20
	users := 100
	adapter.ResetCoupon(ctx, "FLASHDAY", "coupon-1", stock)

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every user tries twice
			for j := 0; j < 2; j++ {
				res, err := adapter.IssueCoupon(ctx, "FLASHDAY", fmt.Sprintf("user-%d", i))
				if err != nil {
					t.Errorf("unexpected error: %v", err)
					return
				}
				if res.Succeeded() {
					successCount.Add(1)
				}
			}
		}(i)
	}

	wg.Wait()

	if successCount.Load() != int32(stock) {
		t.Errorf("expected %d successes, got %d", stock, successCount.Load())
	}
	members, _ := mr.Members(keysFor("FLASHDAY").issued)
	if len(members) != stock {
		t.Errorf("expected %d issued users, got %d", stock, len(members))
	}
	left, _ := adapter.RemainingStock(ctx, "FLASHDAY")
	if left != 0 {
		t.Errorf("expected stock 0, got %d", left)
	}
}

func TestResetCoupon_ClearsState(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	adapter.ResetCoupon(ctx, "SPRINGAA", "coupon-1", 1)
	adapter.IssueCoupon(ctx, "SPRINGAA", "user-1")
	adapter.AddToWaitingQueue(ctx, "SPRINGAA", "user-2", time.Now())

	if err := adapter.ResetCoupon(ctx, "SPRINGAA", "coupon-1", 5); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	left, _ := adapter.RemainingStock(ctx, "SPRINGAA")
	if left != 5 {
		t.Errorf("expected 5 tokens, got %d", left)
	}
	if mr.Exists(keysFor("SPRINGAA").issued) {
		t.Error("issued set survived reset")
	}
	if mr.Exists(keysFor("SPRINGAA").waiting) {
		t.Error("waiting queue survived reset")
	}

	// Reset to zero leaves no stock key at all
	adapter.ResetCoupon(ctx, "SPRINGAA", "coupon-1", 0)
	left, _ = adapter.RemainingStock(ctx, "SPRINGAA")
	if left != 0 {
		t.Errorf("expected 0 tokens, got %d", left)
	}
}

func TestWaitingQueue_OrderAndExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	base := time.Now().Truncate(time.Millisecond)
	adapter.AddToWaitingQueue(ctx, "SPRINGAA", "old", base.Add(-40*time.Minute))
	adapter.AddToWaitingQueue(ctx, "SPRINGAA", "first", base.Add(-2*time.Minute))
	adapter.AddToWaitingQueue(ctx, "SPRINGAA", "second", base.Add(-time.Minute))
	// Re-adding keeps the original position
	adapter.AddToWaitingQueue(ctx, "SPRINGAA", "first", base)

	entries, err := adapter.TopWaitingUsers(ctx, "SPRINGAA", 10, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 live entries, got %+v", entries)
	}
	if entries[0].UserID != "first" || entries[1].UserID != "second" {
		t.Errorf("unexpected order: %+v", entries)
	}
	if !entries[0].EnqueuedAt.Equal(base.Add(-2 * time.Minute)) {
		t.Errorf("expected original enqueue time, got %s", entries[0].EnqueuedAt)
	}

	if ttl := mr.TTL(keysFor("SPRINGAA").waiting); ttl != domain.WaitingQueueTTL {
		t.Errorf("expected queue ttl %s, got %s", domain.WaitingQueueTTL, ttl)
	}

	if err := adapter.RemoveFromWaitingQueue(ctx, "SPRINGAA", "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entries, _ = adapter.TopWaitingUsers(ctx, "SPRINGAA", 1, base)
	if len(entries) != 1 || entries[0].UserID != "second" {
		t.Errorf("expected only second, got %+v", entries)
	}
}

func TestSales_Ranking(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	adapter.IncrementSales(ctx, map[string]int{"p1": 2, "p2": 5})
	adapter.IncrementSales(ctx, map[string]int{"p1": 4, "p3": 1})
	adapter.IncrementSales(ctx, map[string]int{"p2": -3})

	ranks, err := adapter.TopProducts(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranks) != 2 {
		t.Fatalf("expected 2 ranks, got %+v", ranks)
	}
	if ranks[0] != (domain.ProductRank{ProductID: "p1", Sales: 6}) {
		t.Errorf("unexpected first rank: %+v", ranks[0])
	}
	if ranks[1] != (domain.ProductRank{ProductID: "p2", Sales: 2}) {
		t.Errorf("unexpected second rank: %+v", ranks[1])
	}
}

func TestSetIdempotency_Success(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	ok, err := adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected first call to succeed")
	}

	ok, err = adapter.SetIdempotency(ctx, "test-idem-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected second call to fail")
	}
}

func TestDeleteIdempotency_ReleasesKey(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	if ok, err := adapter.SetIdempotency(ctx, "order:alice:req-1"); err != nil || !ok {
		t.Fatalf("expected first set to succeed, got %v, %v", ok, err)
	}
	if err := adapter.DeleteIdempotency(ctx, "order:alice:req-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ok, err := adapter.SetIdempotency(ctx, "order:alice:req-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Error("expected key to be free after delete")
	}

	// Deleting a missing key is not an error
	if err := adapter.DeleteIdempotency(ctx, "order:alice:never-set"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSetIdempotency_Concurrent(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	adapter := NewRedisAdapter(client)

	var successCount atomic.Int32
	var wg sync.WaitGroup
	concurrency := 100

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adapter.SetIdempotency(ctx, "concurrent-idem-key")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != 1 {
		t.Errorf("expected exactly 1 success, got %d", successCount.Load())
	}
}
