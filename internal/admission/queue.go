// Package admission buffers async issue requests in a Redis sorted set scored
// by due time, so bursts are accepted immediately and drained at the
// worker's pace.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	redisx "coupon/internal/redis"
	"coupon/pkg/clock"
	"coupon/pkg/utils"
)

// DefaultKey is the sorted set holding pending entries
const DefaultKey = "coupon:queue:processing"

// Entry is one admitted request. Attempts counts earlier failed processing
// rounds.
type Entry struct {
	RequestID   string    `json:"requestId"`
	UserID      uint64    `json:"userId"`
	CouponID    uint64    `json:"couponId"`
	RequestedAt time.Time `json:"requestedAt"`
	Attempts    int       `json:"attempts"`
}

// Queue is the admission buffer
type Queue struct {
	client redis.UniversalClient
	key    string
	clock  clock.Clock
}

// NewQueue creates a queue on DefaultKey
func NewQueue(client redis.UniversalClient, c clock.Clock) *Queue {
	if c == nil {
		c = clock.NewSystem()
	}
	return &Queue{client: client, key: DefaultKey, clock: c}
}

// Enqueue adds e, due at its request time
func (q *Queue) Enqueue(ctx context.Context, e Entry) error {
	if e.RequestID == "" || e.UserID == 0 || e.CouponID == 0 {
		return utils.NewError(utils.CodeInvalidParam, "requestId, userId and couponId are required")
	}
	return q.add(ctx, e, e.RequestedAt)
}

// Requeue puts e back with one more attempt, due after delay
func (q *Queue) Requeue(ctx context.Context, e Entry, delay time.Duration) error {
	e.Attempts++
	return q.add(ctx, e, q.clock.Now().Add(delay))
}

// PopDue atomically removes the earliest entry whose due time has passed.
// It returns nil without error when nothing is due.
func (q *Queue) PopDue(ctx context.Context) (*Entry, error) {
	res, err := redisx.PopDueScript.Run(ctx, q.client, []string{q.key}, q.clock.Now().UnixMilli()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, utils.WrapError(err, utils.CodeRedisError, "failed to pop admission queue")
	}
	if len(res) == 0 {
		return nil, nil
	}

	var e Entry
	if err := json.Unmarshal([]byte(res[0]), &e); err != nil {
		return nil, fmt.Errorf("decode queue entry %q: %w", res[0], err)
	}
	return &e, nil
}

// Size returns how many entries are waiting, due or not
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, utils.WrapError(err, utils.CodeRedisError, "failed to read admission queue size")
	}
	return n, nil
}

func (q *Queue) add(ctx context.Context, e Entry, due time.Time) error {
	member, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode queue entry: %w", err)
	}
	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return utils.WrapError(err, utils.CodeRedisError, "failed to enqueue issue request")
	}
	return nil
}
