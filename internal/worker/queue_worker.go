// Package worker drains the Redis admission queue.
package worker

import (
	"context"
	"errors"
	"time"

	"coupon/internal/admission"
	"coupon/internal/config"
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

// QueueWorker is the single consumer of the admission queue. Entries are
// popped one at a time in due order and processed synchronously, so there is
// never more than one request in flight.
type QueueWorker struct {
	queue     *admission.Queue
	processor Processor
	metrics   *monitor.MetricsCollector
	interval  time.Duration
	backoff   time.Duration
	maxRetry  int
	timeout   time.Duration
}

// NewQueueWorker creates a queue worker
func NewQueueWorker(queue *admission.Queue, processor Processor, metrics *monitor.MetricsCollector, cfg config.IssuanceConfig) *QueueWorker {
	w := &QueueWorker{
		queue:     queue,
		processor: processor,
		metrics:   metrics,
		interval:  cfg.WorkerInterval,
		backoff:   cfg.RetryBackoff,
		maxRetry:  cfg.MaxRetry,
		timeout:   cfg.ProcessTimeout,
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}
	if w.backoff <= 0 {
		w.backoff = time.Minute
	}
	if w.maxRetry < 0 {
		w.maxRetry = 0
	}
	if w.timeout <= 0 {
		w.timeout = 30 * time.Second
	}
	return w
}

// Start polls on every tick, draining whatever is due, until ctx is done
func (w *QueueWorker) Start(ctx context.Context) error {
	log.WithFields(map[string]interface{}{
		"interval":  w.interval.String(),
		"backoff":   w.backoff.String(),
		"max_retry": w.maxRetry,
	}).Info("Queue worker started")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Queue worker stopped")
			return nil
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *QueueWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		ok, err := w.ProcessNext(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithFields(map[string]interface{}{
					"error": err.Error(),
				}).Error("Queue worker poll failed")
			}
			return
		}
		if !ok {
			return
		}
	}
}

// ProcessNext pops and handles one due entry. It reports false when nothing
// was due. Processing failures are settled here; only queue errors are
// returned. A popped entry is settled even if ctx is cancelled meanwhile,
// within the worker's processing timeout.
func (w *QueueWorker) ProcessNext(ctx context.Context) (bool, error) {
	entry, err := w.queue.PopDue(ctx)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	// the entry only exists in memory now
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	req := &model.IssuanceRequest{
		RequestID:   entry.RequestID,
		UserID:      entry.UserID,
		CouponID:    entry.CouponID,
		RequestedAt: entry.RequestedAt,
	}
	fields := map[string]interface{}{
		"request_id": entry.RequestID,
		"coupon_id":  entry.CouponID,
		"user_id":    entry.UserID,
		"attempts":   entry.Attempts,
	}

	grant, err := w.processor.ProcessRequest(ctx, req, monitor.PathQueue)
	switch {
	case err == nil:
		fields["grant_id"] = grant.ID
		log.WithFields(fields).Info("Queued issue request completed")
		return true, nil

	case errors.Is(err, issuance.ErrRequestCompleted):
		log.WithFields(fields).Debug("Queued issue request already completed")
		return true, nil

	case issuance.IsTerminal(err):
		fields["code"] = utils.GetErrorCode(err).Name()
		log.WithFields(fields).Info("Queued issue request rejected")
		w.fail(ctx, req, err)
		return true, nil

	case entry.Attempts < w.maxRetry:
		fields["error"] = err.Error()
		if rerr := w.queue.Requeue(ctx, *entry, w.backoff); rerr != nil {
			fields["requeue_error"] = rerr.Error()
			log.WithFields(fields).Error("Failed to requeue issue request")
			w.fail(ctx, req, err)
			return true, nil
		}
		w.metrics.RecordRequeue()
		log.WithFields(fields).Warn("Queued issue request requeued")
		return true, nil

	default:
		fields["error"] = err.Error()
		log.WithFields(fields).Error("Queued issue request failed after retries")
		w.fail(ctx, req, err)
		return true, nil
	}
}

func (w *QueueWorker) fail(ctx context.Context, req *model.IssuanceRequest, cause error) {
	if err := w.processor.FailRequest(ctx, req, cause); err != nil {
		log.WithFields(map[string]interface{}{
			"request_id": req.RequestID,
			"error":      err.Error(),
		}).Error("Failed to record failed status")
	}
}
