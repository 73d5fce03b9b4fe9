package consumer

import (
	"context"
	"errors"
	"time"

	"coupon/internal/config"
	"coupon/internal/event"
	"coupon/internal/eventlog"
	"coupon/internal/model"
	"coupon/internal/monitor"
	"coupon/pkg/log"
)

// ErrDeadLettered is the FAILED cause recorded when the dead-letter message
// carries no exception header.
var ErrDeadLettered = errors.New("issue request dead-lettered")

// DLTConsumer watches the dead-letter topic. Every message is logged,
// counted and acknowledged; a request it belongs to is marked FAILED.
type DLTConsumer struct {
	log          eventlog.Log
	processor    Processor
	metrics      *monitor.MetricsCollector
	topic        string
	groupID      string
	restartDelay time.Duration
}

// NewDLTConsumer creates the dead-letter consumer
func NewDLTConsumer(l eventlog.Log, processor Processor, metrics *monitor.MetricsCollector, cfg config.KafkaConfig) *DLTConsumer {
	return &DLTConsumer{
		log:          l,
		processor:    processor,
		metrics:      metrics,
		topic:        cfg.DLTTopic(),
		groupID:      cfg.DLTGroupID,
		restartDelay: time.Second,
	}
}

func (c *DLTConsumer) Start(ctx context.Context) error {
	log.WithFields(map[string]interface{}{
		"topic":    c.topic,
		"group_id": c.groupID,
	}).Info("Dead-letter consumer started")

	return runUntilDone(ctx, c.restartDelay, func() error {
		consumer := c.log.Consumer(c.topic, c.groupID)
		defer consumer.Close()
		return consumer.Run(ctx, c.Handle)
	}, "Dead-letter consumer stopped with error, restarting")
}

// Handle never fails; there is nowhere further to send the message
func (c *DLTConsumer) Handle(ctx context.Context, msg eventlog.Message) error {
	origin := msg.Headers[eventlog.HeaderOriginalTopic]
	if origin == "" {
		origin = msg.Topic
	}
	c.metrics.RecordDeadLetter(origin)

	fields := map[string]interface{}{
		"topic":              msg.Topic,
		"key":                string(msg.Key),
		"partition":          msg.Partition,
		"offset":             msg.Offset,
		"original_topic":     msg.Headers[eventlog.HeaderOriginalTopic],
		"original_partition": msg.Headers[eventlog.HeaderOriginalPartition],
		"original_offset":    msg.Headers[eventlog.HeaderOriginalOffset],
		"attempts":           msg.Headers[eventlog.HeaderAttempts],
		"exception":          msg.Headers[eventlog.HeaderExceptionMessage],
		"payload":            string(msg.Value),
	}
	log.WithFields(fields).Error("Dead-lettered message received")

	ev, err := event.Unmarshal(msg.Value)
	if err != nil {
		return nil
	}
	payload, ok := ev.Payload.(event.IssueRequested)
	if !ok {
		return nil
	}

	cause := ErrDeadLettered
	if m := msg.Headers[eventlog.HeaderExceptionMessage]; m != "" {
		cause = errors.New(m)
	}
	req := &model.IssuanceRequest{
		RequestID:   payload.RequestID,
		UserID:      payload.UserID,
		CouponID:    payload.CouponID,
		RequestedAt: payload.RequestedAt,
	}
	if err := c.processor.FailRequest(ctx, req, cause); err != nil {
		log.WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"error":      err.Error(),
		}).Error("Failed to record dead-lettered request")
	}
	return nil
}
