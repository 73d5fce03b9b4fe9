// Package issuance grants limited-quantity coupons through three paths that
// all end in the same conditional capacity-write: a locked synchronous call,
// the Redis admission queue and the partitioned event log.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"coupon/internal/admission"
	"coupon/internal/config"
	"coupon/internal/event"
	"coupon/internal/eventlog"
	"coupon/internal/model"
	"coupon/internal/monitor"
	"coupon/internal/repository"
	"coupon/internal/status"
	"coupon/pkg/clock"
	"coupon/pkg/lock"
	"coupon/pkg/log"
	"coupon/pkg/snowflake"
	"coupon/pkg/utils"
)

// ErrRequestCompleted is returned by ProcessRequest for a request that
// already finished with a grant; callers acknowledge it without side effects.
var ErrRequestCompleted = errors.New("issuance: request already completed")

// IssuanceService issuance service interface
type IssuanceService interface {
	// IssueSync grants couponID to userID within the request
	IssueSync(ctx context.Context, couponID, userID uint64) (*model.UserCoupon, error)

	// RequestAsync admits a request for later processing and returns its PENDING record
	RequestAsync(ctx context.Context, couponID, userID uint64) (*model.IssuanceRequest, error)

	// GetStatus returns the lifecycle record of an async request
	GetStatus(ctx context.Context, requestID string) (*model.IssuanceRequest, error)

	// QueueSize returns how many requests wait in the admission queue
	QueueSize(ctx context.Context) (int64, error)
}

// Deps are the collaborators of Service
type Deps struct {
	Coupons     repository.CouponRepository
	UserCoupons repository.UserCouponRepository
	Locker      lock.Locker
	Queue       *admission.Queue
	Status      *status.Store
	Producer    eventlog.Producer
	IDs         *snowflake.Generator
	SoldOut     *SoldOutCache
	Metrics     *monitor.MetricsCollector
	Tracer      *monitor.Tracer
	Clock       clock.Clock
}

// Options are the tunables of Service
type Options struct {
	AsyncMode   string
	LockWait    time.Duration
	LockLease   time.Duration
	IssueTopic  string
	EventsTopic string
}

// OptionsFromConfig collects the service options from the loaded config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		AsyncMode:   cfg.Issuance.AsyncMode,
		LockWait:    cfg.Issuance.LockWait,
		LockLease:   cfg.Issuance.LockLease,
		IssueTopic:  cfg.Kafka.IssueTopic,
		EventsTopic: cfg.Outbox.Topic,
	}
}

// Service implements IssuanceService and the request processing shared by
// the queue worker and the log consumer.
type Service struct {
	Deps
	opts Options
}

// NewService creates the issuance service
func NewService(deps Deps, opts Options) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if opts.AsyncMode == "" {
		opts.AsyncMode = config.AsyncModeQueue
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 3 * time.Second
	}
	if opts.LockLease <= 0 {
		opts.LockLease = 5 * time.Second
	}
	return &Service{Deps: deps, opts: opts}
}

// LockKey is the sync-path lock for one user's attempt on one coupon. It only
// collapses duplicate attempts; the global cap is enforced by the conditional
// write.
func LockKey(couponID, userID uint64) string {
	return fmt.Sprintf("coupon:issue:lock:%d:%d", couponID, userID)
}

func (s *Service) IssueSync(ctx context.Context, couponID, userID uint64) (grant *model.UserCoupon, err error) {
	start := time.Now()
	ctx, span := s.Tracer.StartIssueSpan(ctx, monitor.PathSync, couponID, userID)
	defer func() {
		s.Tracer.RecordError(span, err)
		span.End()
		s.Metrics.RecordIssue(monitor.PathSync, resultOf(err), time.Since(start))
	}()

	if couponID == 0 || userID == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "couponId and userId are required")
	}
	if err := s.SoldOut.Check(couponID); err != nil {
		s.Metrics.RecordSoldOutHit()
		return nil, err
	}

	err = lock.WithLock(ctx, s.timedLocker(), LockKey(couponID, userID), s.opts.LockWait, s.opts.LockLease,
		func(ctx context.Context) error {
			var ierr error
			grant, ierr = s.issue(ctx, couponID, userID, "")
			return ierr
		})
	if err != nil {
		if errors.Is(err, lock.ErrLockTimeout) {
			return nil, utils.WrapError(err, utils.CodeConflict, "another issue request for this coupon is in progress, please retry")
		}
		if _, ok := utils.IsAppError(err); !ok && ctx.Err() == nil {
			err = utils.WrapError(err, utils.CodeRedisError, "failed to acquire issue lock")
		}
		return nil, err
	}

	log.WithContext(ctx).WithFields(map[string]interface{}{
		"coupon_id": couponID,
		"user_id":   userID,
		"grant_id":  grant.ID,
	}).Info("Coupon issued")
	return grant, nil
}

func (s *Service) RequestAsync(ctx context.Context, couponID, userID uint64) (*model.IssuanceRequest, error) {
	if couponID == 0 || userID == 0 {
		return nil, utils.NewError(utils.CodeInvalidParam, "couponId and userId are required")
	}

	req := &model.IssuanceRequest{
		RequestID:   uuid.NewString(),
		UserID:      userID,
		CouponID:    couponID,
		RequestedAt: s.Clock.Now(),
	}
	// the record exists before any worker can see the request
	if err := s.Status.MarkPending(ctx, req); err != nil {
		return nil, err
	}

	var err error
	switch s.opts.AsyncMode {
	case config.AsyncModeLog:
		err = s.publishIssueRequested(ctx, req)
	default:
		err = s.Queue.Enqueue(ctx, admission.Entry{
			RequestID:   req.RequestID,
			UserID:      req.UserID,
			CouponID:    req.CouponID,
			RequestedAt: req.RequestedAt,
		})
	}
	if err != nil {
		if serr := s.Status.MarkFailed(context.WithoutCancel(ctx), req, err); serr != nil {
			log.WithContext(ctx).WithFields(map[string]interface{}{
				"request_id": req.RequestID,
				"error":      serr.Error(),
			}).Warn("Failed to record admission failure")
		}
		return nil, err
	}

	s.Metrics.RecordAdmitted(s.opts.AsyncMode)
	log.WithContext(ctx).WithFields(map[string]interface{}{
		"request_id": req.RequestID,
		"coupon_id":  couponID,
		"user_id":    userID,
		"mode":       s.opts.AsyncMode,
	}).Debug("Issue request admitted")
	return req, nil
}

func (s *Service) GetStatus(ctx context.Context, requestID string) (*model.IssuanceRequest, error) {
	if requestID == "" {
		return nil, utils.NewError(utils.CodeInvalidParam, "requestId is required")
	}
	return s.Status.Get(ctx, requestID)
}

func (s *Service) QueueSize(ctx context.Context) (int64, error) {
	return s.Queue.Size(ctx)
}

// ProcessRequest runs an admitted request through validation and the
// capacity-write, recording PROCESSING and then COMPLETED. Failures are
// returned unrecorded so the caller can choose between retrying and
// FailRequest. A replay of a request whose grant already exists completes
// with that grant instead of issuing a second one.
func (s *Service) ProcessRequest(ctx context.Context, req *model.IssuanceRequest, path string) (grant *model.UserCoupon, err error) {
	start := time.Now()
	ctx, span := s.Tracer.StartIssueSpan(ctx, path, req.CouponID, req.UserID)
	defer func() {
		if !errors.Is(err, ErrRequestCompleted) {
			s.Tracer.RecordError(span, err)
			s.Metrics.RecordIssue(path, resultOf(err), time.Since(start))
		}
		span.End()
	}()

	done, err := s.Status.IsCompleted(ctx, req.RequestID)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, ErrRequestCompleted
	}

	if err := s.Status.MarkProcessing(ctx, req); err != nil {
		if errors.Is(err, status.ErrCompleted) {
			return nil, ErrRequestCompleted
		}
		return nil, err
	}

	grant, err = s.issue(ctx, req.CouponID, req.UserID, req.RequestID)
	if errors.Is(err, utils.ErrCouponAlreadyIssued) {
		existing, ferr := s.UserCoupons.FindByUserAndCoupon(ctx, req.UserID, req.CouponID)
		switch {
		case ferr != nil:
			// unknown whether the grant is ours; retry rather than fail
			return nil, utils.WrapError(ferr, utils.CodeDatabaseError, "failed to load existing grant")
		case existing != nil && existing.RequestID == req.RequestID:
			grant, err = existing, nil
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.Status.MarkCompleted(ctx, req, grant.ID); err != nil {
		// the grant is committed; a replay finds it by request id
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"grant_id":   grant.ID,
			"error":      err.Error(),
		}).Warn("Failed to record completed status")
	}
	return grant, nil
}

// FailRequest records cause as the final outcome unless the request already
// completed.
func (s *Service) FailRequest(ctx context.Context, req *model.IssuanceRequest, cause error) error {
	done, err := s.Status.IsCompleted(ctx, req.RequestID)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	return s.Status.MarkFailed(ctx, req, cause)
}

// issue validates and performs the capacity-write. requestID is empty for
// sync calls.
func (s *Service) issue(ctx context.Context, couponID, userID uint64, requestID string) (*model.UserCoupon, error) {
	if err := s.SoldOut.Check(couponID); err != nil {
		s.Metrics.RecordSoldOutHit()
		return nil, err
	}

	coupon, err := s.Coupons.GetByID(ctx, couponID)
	if err != nil {
		return nil, err
	}
	now := s.Clock.Now()
	if err := coupon.CheckIssuable(now); err != nil {
		s.SoldOut.Mark(couponID, err)
		return nil, err
	}

	exists, err := s.UserCoupons.Exists(ctx, userID, couponID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, utils.ErrCouponAlreadyIssued
	}

	id, err := s.IDs.Next()
	if err != nil {
		return nil, utils.WrapError(err, utils.CodeInternalError, "failed to generate grant id")
	}
	grant := &model.UserCoupon{
		ID:        uint64(id),
		UserID:    userID,
		CouponID:  couponID,
		Status:    model.UserCouponStatusAvailable,
		IssuedAt:  now,
		RequestID: requestID,
	}

	var events []*model.OutboxEvent
	if s.opts.EventsTopic != "" {
		row, err := event.NewCouponIssued(grant).ToOutbox(s.opts.EventsTopic)
		if err != nil {
			return nil, utils.WrapError(err, utils.CodeInternalError, "failed to build issued event")
		}
		events = append(events, row)
	}

	if err := s.Coupons.IssueGrant(ctx, grant, events...); err != nil {
		s.SoldOut.Mark(couponID, err)
		return nil, err
	}
	return grant, nil
}

func (s *Service) publishIssueRequested(ctx context.Context, req *model.IssuanceRequest) error {
	ev := event.NewIssueRequested(req.RequestID, req.CouponID, req.UserID, req.RequestedAt)
	data, err := event.Marshal(ev)
	if err != nil {
		return utils.WrapError(err, utils.CodeInternalError, "failed to encode issue request")
	}

	err = s.Producer.Publish(ctx, eventlog.Message{
		Topic: s.opts.IssueTopic,
		Key:   ev.Key(),
		Value: data,
		Headers: map[string]string{
			"event-id":   ev.ID,
			"event-type": string(ev.Type),
		},
	})
	if err != nil {
		return utils.WrapError(err, utils.CodeEventLogError, "failed to publish issue request")
	}
	return nil
}

func (s *Service) timedLocker() lock.Locker {
	return timedLocker{Locker: s.Locker, metrics: s.Metrics}
}

type timedLocker struct {
	lock.Locker
	metrics *monitor.MetricsCollector
}

func (t timedLocker) Acquire(ctx context.Context, key string, wait, lease time.Duration) (*lock.Lock, error) {
	start := time.Now()
	l, err := t.Locker.Acquire(ctx, key, wait, lease)
	t.metrics.RecordLockWait(time.Since(start))
	return l, err
}

// IsTerminal reports whether err is a business outcome that retrying cannot
// change.
func IsTerminal(err error) bool {
	switch utils.GetErrorCode(err) {
	case utils.CodeCouponNotFound,
		utils.CodeCouponExpired,
		utils.CodeCouponExhausted,
		utils.CodeCouponAlreadyIssued,
		utils.CodeInvalidParam:
		return true
	}
	return false
}

func resultOf(err error) string {
	if err == nil {
		return utils.CodeSuccess.Name()
	}
	return utils.GetErrorCode(err).Name()
}
