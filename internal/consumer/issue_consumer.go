// Package consumer hosts the event log consumers of the issue topic and its
// dead-letter topic.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coupon/internal/config"
	"coupon/internal/event"
	"coupon/internal/eventlog"
	"coupon/internal/model"
	"coupon/internal/monitor"
	"coupon/internal/service/issuance"
	"coupon/pkg/log"
	"coupon/pkg/utils"
)

// Processor runs admitted requests through the capacity-write
type Processor interface {
	ProcessRequest(ctx context.Context, req *model.IssuanceRequest, path string) (*model.UserCoupon, error)
	FailRequest(ctx context.Context, req *model.IssuanceRequest, cause error) error
}

// IssueConsumer handles IssueRequested events. Messages of one coupon share a
// partition, so they are handled one at a time and in publish order.
type IssueConsumer struct {
	log          eventlog.Log
	processor    Processor
	topic        string
	groupID      string
	policy       eventlog.RetryPolicy
	restartDelay time.Duration
}

// NewIssueConsumer creates the issue topic consumer
func NewIssueConsumer(l eventlog.Log, processor Processor, cfg config.KafkaConfig) *IssueConsumer {
	return &IssueConsumer{
		log:       l,
		processor: processor,
		topic:     cfg.IssueTopic,
		groupID:   cfg.GroupID,
		policy: eventlog.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.RetryBackoff,
			DLTTopic:    cfg.DLTTopic(),
		},
		restartDelay: time.Second,
	}
}

// Start consumes until ctx is done. A failed run leaves the failing offset
// uncommitted and is restarted after a delay, which redelivers the message.
func (c *IssueConsumer) Start(ctx context.Context) error {
	handler := eventlog.WithRetry(c.Handle, c.policy, c.log)

	log.WithFields(map[string]interface{}{
		"topic":    c.topic,
		"group_id": c.groupID,
		"dlt":      c.policy.DLTTopic,
	}).Info("Issue consumer started")

	return runUntilDone(ctx, c.restartDelay, func() error {
		consumer := c.log.Consumer(c.topic, c.groupID)
		defer consumer.Close()
		return consumer.Run(ctx, handler)
	}, "Issue consumer stopped with error, restarting")
}

// Handle processes one IssueRequested message. It returns an error only for
// failures worth redelivering; business rejections are recorded as FAILED and
// acknowledged.
func (c *IssueConsumer) Handle(ctx context.Context, msg eventlog.Message) error {
	ev, err := event.Unmarshal(msg.Value)
	if err != nil {
		return eventlog.Permanent(err)
	}
	payload, ok := ev.Payload.(event.IssueRequested)
	if !ok {
		return eventlog.Permanent(fmt.Errorf("unexpected event type %s on %s", ev.Type, msg.Topic))
	}

	req := &model.IssuanceRequest{
		RequestID:   payload.RequestID,
		UserID:      payload.UserID,
		CouponID:    payload.CouponID,
		RequestedAt: payload.RequestedAt,
	}
	fields := map[string]interface{}{
		"request_id": req.RequestID,
		"coupon_id":  req.CouponID,
		"user_id":    req.UserID,
		"partition":  msg.Partition,
		"offset":     msg.Offset,
	}

	grant, err := c.processor.ProcessRequest(ctx, req, monitor.PathLog)
	switch {
	case err == nil:
		fields["grant_id"] = grant.ID
		log.WithContext(ctx).WithFields(fields).Info("Logged issue request completed")
		return nil

	case errors.Is(err, issuance.ErrRequestCompleted):
		log.WithContext(ctx).WithFields(fields).Debug("Logged issue request already completed")
		return nil

	case issuance.IsTerminal(err):
		fields["code"] = utils.GetErrorCode(err).Name()
		log.WithContext(ctx).WithFields(fields).Info("Logged issue request rejected")
		if ferr := c.processor.FailRequest(ctx, req, err); ferr != nil {
			return ferr
		}
		return nil

	default:
		return err
	}
}

func runUntilDone(ctx context.Context, delay time.Duration, run func() error, msg string) error {
	for {
		err := run()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.WithFields(map[string]interface{}{
				"error": err.Error(),
			}).Error(msg)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}
