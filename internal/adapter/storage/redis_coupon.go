package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

// issueCouponScript is the only writer of a coupon's stock and issued set.
// It returns {1, token} or {0, reason}.
var issueCouponScript = redis.NewScript(`
local issued = KEYS[1]
local stock = KEYS[2]
local user = ARGV[1]

if redis.call('SISMEMBER', issued, user) == 1 then
	return {0, 'ALREADY_ISSUED'}
end

local token = redis.call('LPOP', stock)
if not token then
	return {0, 'SOLD_OUT'}
end

redis.call('SADD', issued, user)
return {1, token}
`)

type couponKeys struct {
	stock   string
	issued  string
	waiting string
}

// The hash tag keeps all keys of one coupon in the same cluster slot, which
// the script requires.
func keysFor(code string) couponKeys {
	prefix := "coupon:{" + code + "}:"
	return couponKeys{
		stock:   prefix + "stock",
		issued:  prefix + "issued",
		waiting: prefix + "waiting",
	}
}

func (r *RedisAdapter) IssueCoupon(ctx context.Context, code, userID string) (domain.CouponIssueResult, error) {
	keys := keysFor(code)

	reply, err := issueCouponScript.Run(ctx, r.client, []string{keys.issued, keys.stock}, userID).Slice()
	if err != nil {
		return domain.CouponIssueResult{}, err
	}
	if len(reply) != 2 {
		return domain.CouponIssueResult{}, errors.Errorf("unexpected issue script reply: %v", reply)
	}

	ok, _ := reply[0].(int64)
	value, _ := reply[1].(string)
	if ok == 1 {
		return domain.IssueSuccess(value), nil
	}

	switch reason := domain.IssueFailureReason(value); reason {
	case domain.IssueSoldOut, domain.IssueAlreadyIssued:
		return domain.IssueFailure(reason), nil
	default:
		return domain.CouponIssueResult{}, errors.Errorf("unexpected issue script reason: %q", value)
	}
}

func (r *RedisAdapter) ResetCoupon(ctx context.Context, code, couponID string, quantity int) error {
	keys := keysFor(code)

	tokens := make([]interface{}, quantity)
	for i := range tokens {
		tokens[i] = couponID
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys.stock, keys.issued, keys.waiting)
		if quantity > 0 {
			pipe.RPush(ctx, keys.stock, tokens...)
		}
		return nil
	})
	return err
}

func (r *RedisAdapter) RemainingStock(ctx context.Context, code string) (int, error) {
	n, err := r.client.LLen(ctx, keysFor(code).stock).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RedisAdapter) AddToWaitingQueue(ctx context.Context, code, userID string, now time.Time) error {
	key := keysFor(code).waiting

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", expiredBefore(now))
		pipe.ZAddNX(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		pipe.PExpire(ctx, key, domain.WaitingQueueTTL)
		return nil
	})
	return err
}

func (r *RedisAdapter) TopWaitingUsers(ctx context.Context, code string, n int, now time.Time) ([]domain.WaitingQueueEntry, error) {
	if n <= 0 {
		return nil, nil
	}
	key := keysFor(code).waiting

	var rangeCmd *redis.ZSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", expiredBefore(now))
		rangeCmd = pipe.ZRangeWithScores(ctx, key, 0, int64(n-1))
		return nil
	})
	if err != nil {
		return nil, err
	}

	entries := make([]domain.WaitingQueueEntry, 0, len(rangeCmd.Val()))
	for _, z := range rangeCmd.Val() {
		member, _ := z.Member.(string)
		entries = append(entries, domain.WaitingQueueEntry{
			UserID:     member,
			EnqueuedAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

func (r *RedisAdapter) RemoveFromWaitingQueue(ctx context.Context, code, userID string) error {
	return r.client.ZRem(ctx, keysFor(code).waiting, userID).Err()
}

// expiredBefore is the exclusive score bound of entries older than the TTL.
func expiredBefore(now time.Time) string {
	return "(" + strconv.FormatInt(now.Add(-domain.WaitingQueueTTL).UnixMilli(), 10)
}
