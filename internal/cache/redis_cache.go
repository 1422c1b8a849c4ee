package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"pharmapos/backend/internal/domain"
)

type RedisPromotionCache struct {
	client *redis.Client
}

func NewRedisPromotionCache(addr string, password string, db int) *RedisPromotionCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPromotionCache{client: client}
}

func (c *RedisPromotionCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPromotionCache) Close() error {
	return c.client.Close()
}

func (c *RedisPromotionCache) GetDiscount(ctx context.Context, code string) (*domain.DiscountCode, bool, error) {
	val, err := c.client.Get(ctx, "promo:code:"+code).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var discount domain.DiscountCode
	if err := json.Unmarshal([]byte(val), &discount); err != nil {
		return nil, false, err
	}
	return &discount, true, nil
}

func (c *RedisPromotionCache) SetDiscount(ctx context.Context, code string, value *domain.DiscountCode, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "promo:code:"+code, payload, ttl).Err()
}

func (c *RedisPromotionCache) GetOffers(ctx context.Context, key string) ([]domain.QuantityOffer, bool, error) {
	val, err := c.client.Get(ctx, "promo:offers:"+key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var offers []domain.QuantityOffer
	if err := json.Unmarshal([]byte(val), &offers); err != nil {
		return nil, false, err
	}
	return offers, true, nil
}

func (c *RedisPromotionCache) SetOffers(ctx context.Context, key string, offers []domain.QuantityOffer, ttl time.Duration) error {
	payload, err := json.Marshal(offers)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, "promo:offers:"+key, payload, ttl).Err()
}
