package storage

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/commerce-core/internal/core/domain"
)

const productSalesKey = "ranking:product-sales"

func (r *RedisAdapter) IncrementSales(ctx context.Context, sales map[string]int) error {
	if len(sales) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for productID, delta := range sales {
			pipe.ZIncrBy(ctx, productSalesKey, float64(delta), productID)
		}
		return nil
	})
	return err
}

func (r *RedisAdapter) TopProducts(ctx context.Context, n int) ([]domain.ProductRank, error) {
	if n <= 0 {
		return nil, nil
	}

	zs, err := r.client.ZRevRangeWithScores(ctx, productSalesKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}

	ranks := make([]domain.ProductRank, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		ranks = append(ranks, domain.ProductRank{ProductID: member, Sales: int64(z.Score)})
	}
	return ranks, nil
}
