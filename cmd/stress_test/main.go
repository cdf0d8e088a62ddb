package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rl1809/commerce-core/internal/adapter/storage"
	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/lock"
)

const (
	redisAddr     = "localhost:6379"
	couponCode    = "STRESSAA"
	initialStock  = 20
	totalRequests = 50
	lockWorkers   = 30
	counterKey    = "stress:counter"
)

func main() {
	ctx := context.Background()
	log := logrus.New()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.WithError(err).Fatal("failed to connect redis")
	}
	defer rdb.Close()

	adapter := storage.NewRedisAdapter(rdb)
	couponPass := issueCoupons(ctx, adapter, log)
	lockPass := contendLock(ctx, rdb, adapter, log)

	if !couponPass || !lockPass {
		log.Fatal("stress test failed")
	}
}

func issueCoupons(ctx context.Context, adapter *storage.RedisAdapter, log *logrus.Logger) bool {
	if err := adapter.ResetCoupon(ctx, couponCode, uuid.NewString(), initialStock); err != nil {
		log.WithError(err).Fatal("failed to reset coupon")
	}

	var success, soldOut, already, failed atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	// Every user asks twice, so duplicates race against first attempts.
	for i := 0; i < totalRequests; i++ {
		for attempt := 0; attempt < 2; attempt++ {
			wg.Add(1)
			go func(userID string) {
				defer wg.Done()

				res, err := adapter.IssueCoupon(ctx, couponCode, userID)
				switch {
				case err != nil:
					failed.Add(1)
				case res.Succeeded():
					success.Add(1)
				case res.Reason == domain.IssueSoldOut:
					soldOut.Add(1)
				case res.Reason == domain.IssueAlreadyIssued:
					already.Add(1)
				default:
					failed.Add(1)
				}
			}(fmt.Sprintf("user-%d", i))
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	remaining, err := adapter.RemainingStock(ctx, couponCode)
	if err != nil {
		log.WithError(err).Fatal("failed to read stock")
	}

	fmt.Println("========== COUPON ISSUE RESULTS ==========")
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Users:            %d (x2 requests)\n", totalRequests)
	fmt.Printf("Issued:           %d\n", success.Load())
	fmt.Printf("Sold Out:         %d\n", soldOut.Load())
	fmt.Printf("Already Issued:   %d\n", already.Load())
	fmt.Printf("Errors:           %d\n", failed.Load())
	fmt.Printf("Remaining Stock:  %d\n", remaining)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success.Load() == initialStock && remaining == 0 && failed.Load() == 0 {
		fmt.Printf("PASS: exactly %d coupons issued\n", initialStock)
		return true
	}
	fmt.Printf("FAIL: expected %d issued and no stock left, got %d issued and %d left\n",
		initialStock, success.Load(), remaining)
	return false
}

// contendLock increments a plain Redis counter with a read-modify-write under
// one lock. Lost updates mean the lock let two holders in.
func contendLock(ctx context.Context, rdb *redis.Client, adapter *storage.RedisAdapter, log *logrus.Logger) bool {
	rdb.Del(ctx, counterKey)

	quiet := logrus.New()
	quiet.SetLevel(logrus.WarnLevel)
	manager := lock.NewManager(adapter, lock.Config{
		DefaultTimeout:     5 * time.Second,
		Lease:              10 * time.Second,
		PollInterval:       5 * time.Millisecond,
		FirstTimeoutFactor: 1,
	}, quiet)
	key := domain.InventoryLockKey("stress-option")

	var timeouts atomic.Int32
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < lockWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			err := manager.WithLock(ctx, key, 0, func(ctx context.Context) error {
				n, err := rdb.Get(ctx, counterKey).Int()
				if err != nil && err != redis.Nil {
					return err
				}
				return rdb.Set(ctx, counterKey, n+1, 0).Err()
			})
			if err != nil {
				timeouts.Add(1)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	counter, err := rdb.Get(ctx, counterKey).Int()
	if err != nil {
		log.WithError(err).Fatal("failed to read counter")
	}

	fmt.Println("========== LOCK CONTENTION RESULTS =======")
	fmt.Printf("Workers:          %d\n", lockWorkers)
	fmt.Printf("Counter:          %d\n", counter)
	fmt.Printf("Failed:           %d\n", timeouts.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if counter == lockWorkers && timeouts.Load() == 0 {
		fmt.Println("PASS: no lost updates")
		return true
	}
	fmt.Printf("FAIL: expected counter %d, got %d\n", lockWorkers, counter)
	return false
}
