package issuance

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/allegro/bigcache/v3"

	"coupon/pkg/utils"
)

const (
	soldOutExpired   = "EXPIRED"
	soldOutExhausted = "EXHAUSTED"
)

// SoldOutCache remembers coupons observed expired or exhausted. Both states
// are final, so a hit can be answered without touching Redis or the database.
type SoldOutCache struct {
	cache *bigcache.BigCache
}

// NewSoldOutCache creates a cache whose entries live for ttl
func NewSoldOutCache(ttl time.Duration) (*SoldOutCache, error) {
	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 64
	cfg.Verbose = false

	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create sold-out cache: %w", err)
	}
	return &SoldOutCache{cache: cache}, nil
}

// Check returns the cached rejection for couponID, or nil
func (c *SoldOutCache) Check(couponID uint64) error {
	if c == nil {
		return nil
	}
	v, err := c.cache.Get(soldOutKey(couponID))
	if err != nil {
		return nil
	}
	if string(v) == soldOutExpired {
		return utils.ErrCouponExpired
	}
	return utils.ErrCouponExhausted
}

// Mark caches cause when it is an expiry or exhaustion error
func (c *SoldOutCache) Mark(couponID uint64, cause error) {
	if c == nil || cause == nil {
		return
	}
	var v string
	switch {
	case errors.Is(cause, utils.ErrCouponExpired):
		v = soldOutExpired
	case errors.Is(cause, utils.ErrCouponExhausted):
		v = soldOutExhausted
	default:
		return
	}
	_ = c.cache.Set(soldOutKey(couponID), []byte(v))
}

// Len returns the number of cached coupons
func (c *SoldOutCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// Close releases the cache
func (c *SoldOutCache) Close() error {
	if c == nil {
		return nil
	}
	return c.cache.Close()
}

func soldOutKey(couponID uint64) string {
	return "sold_out:" + strconv.FormatUint(couponID, 10)
}
