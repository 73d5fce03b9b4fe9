// Package status keeps the pollable lifecycle record of async issue requests.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"coupon/internal/model"
	redisx "coupon/internal/redis"
	"coupon/pkg/clock"
	"coupon/pkg/utils"
)

const keyPrefix = "coupon:request:"

// ErrCompleted is returned when a transition would move a COMPLETED record
// backwards
var ErrCompleted = errors.New("status: request already completed")

// Key returns the Redis key holding requestID's record
func Key(requestID string) string {
	return keyPrefix + requestID
}

// Store writes each record as JSON with a TTL; every write refreshes the TTL.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
	clock  clock.Clock
}

// NewStore creates a status store
func NewStore(client redis.UniversalClient, ttl time.Duration, c clock.Clock) *Store {
	if c == nil {
		c = clock.NewSystem()
	}
	return &Store{client: client, ttl: ttl, clock: c}
}

// Get loads a record; a missing or expired one is ErrRequestNotFound
func (s *Store) Get(ctx context.Context, requestID string) (*model.IssuanceRequest, error) {
	data, err := s.client.Get(ctx, Key(requestID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, utils.ErrRequestNotFound
		}
		return nil, utils.WrapError(err, utils.CodeRedisError, "failed to load request status")
	}

	var req model.IssuanceRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, utils.WrapError(err, utils.CodeInternalError, "corrupt request status")
	}
	return &req, nil
}

// Save overwrites the record
func (s *Store) Save(ctx context.Context, req *model.IssuanceRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request status: %w", err)
	}
	if err := s.client.Set(ctx, Key(req.RequestID), data, s.ttl).Err(); err != nil {
		return utils.WrapError(err, utils.CodeRedisError, "failed to save request status")
	}
	return nil
}

// saveUnlessCompleted writes req unless the stored record is COMPLETED. The
// check and the write run as one script, so a concurrent MarkCompleted is
// never overwritten.
func (s *Store) saveUnlessCompleted(ctx context.Context, req *model.IssuanceRequest) (bool, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("encode request status: %w", err)
	}
	written, err := redisx.SetUnlessCompletedScript.Run(ctx, s.client,
		[]string{Key(req.RequestID)}, data, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, utils.WrapError(err, utils.CodeRedisError, "failed to save request status")
	}
	return written == 1, nil
}

// MarkPending records a freshly admitted request
func (s *Store) MarkPending(ctx context.Context, req *model.IssuanceRequest) error {
	req.Status = model.RequestStatusPending
	req.Message = model.MessagePending
	req.CompletedAt = nil
	req.GrantID = nil
	return s.Save(ctx, req)
}

// MarkProcessing records that a worker or consumer picked the request up. It
// returns ErrCompleted when the request already completed.
func (s *Store) MarkProcessing(ctx context.Context, req *model.IssuanceRequest) error {
	req.Status = model.RequestStatusProcessing
	req.Message = model.MessageProcessing
	written, err := s.saveUnlessCompleted(ctx, req)
	if err != nil {
		return err
	}
	if !written {
		return ErrCompleted
	}
	return nil
}

// MarkCompleted records the grant
func (s *Store) MarkCompleted(ctx context.Context, req *model.IssuanceRequest, grantID uint64) error {
	now := s.clock.Now()
	req.Status = model.RequestStatusCompleted
	req.Message = model.MessageCompleted
	req.CompletedAt = &now
	req.GrantID = &grantID
	return s.Save(ctx, req)
}

// MarkFailed records the final error. A COMPLETED record is left as is.
func (s *Store) MarkFailed(ctx context.Context, req *model.IssuanceRequest, cause error) error {
	now := s.clock.Now()
	req.Status = model.RequestStatusFailed
	req.Message = utils.GetErrorMessage(cause)
	req.CompletedAt = &now
	req.GrantID = nil
	_, err := s.saveUnlessCompleted(ctx, req)
	return err
}

// IsCompleted reports whether requestID already finished with a grant
func (s *Store) IsCompleted(ctx context.Context, requestID string) (bool, error) {
	req, err := s.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, utils.ErrRequestNotFound) {
			return false, nil
		}
		return false, err
	}
	return req.Status == model.RequestStatusCompleted, nil
}
