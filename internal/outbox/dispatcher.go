// Package outbox publishes events that were committed to the outbox table.
package outbox

import (
	"context"
	"errors"
	"time"

	"coupon/internal/config"
	"coupon/internal/eventlog"
	"coupon/internal/model"
	"coupon/internal/monitor"
	"coupon/internal/repository"
	"coupon/pkg/breaker"
	"coupon/pkg/clock"
	"coupon/pkg/log"
)

// Header names set on every published event
const (
	HeaderEventID   = "event-id"
	HeaderEventType = "event-type"
)

// Dispatcher polls pending outbox rows and publishes them in id order. A
// failed row stops the batch so later events for the same coupon never
// overtake it.
type Dispatcher struct {
	repo      repository.OutboxRepository
	producer  eventlog.Producer
	breaker   *breaker.Breaker
	metrics   *monitor.MetricsCollector
	clock     clock.Clock
	interval  time.Duration
	batchSize int
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMetrics records publish outcomes
func WithMetrics(m *monitor.MetricsCollector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides the time source
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithBreaker replaces the default publish breaker
func WithBreaker(b *breaker.Breaker) Option {
	return func(d *Dispatcher) { d.breaker = b }
}

// NewDispatcher creates a dispatcher
func NewDispatcher(repo repository.OutboxRepository, producer eventlog.Producer, cfg config.OutboxConfig, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		repo:      repo,
		producer:  producer,
		clock:     clock.NewSystem(),
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
	}
	if d.interval <= 0 {
		d.interval = time.Second
	}
	if d.batchSize <= 0 {
		d.batchSize = 100
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.breaker == nil {
		d.breaker = breaker.New("outbox-publish", breaker.Settings{
			OpenTimeout: 10 * time.Second,
			OnStateChange: func(name string, from, to breaker.State) {
				log.WithFields(map[string]interface{}{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			},
		})
	}
	return d
}

// Start dispatches on every tick until ctx is done
func (d *Dispatcher) Start(ctx context.Context) error {
	log.WithFields(map[string]interface{}{
		"interval":   d.interval.String(),
		"batch_size": d.batchSize,
	}).Info("Outbox dispatcher started")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Outbox dispatcher stopped")
			return nil
		case <-ticker.C:
			if _, err := d.DispatchOnce(ctx); err != nil && !errors.Is(err, breaker.ErrOpen) && ctx.Err() == nil {
				log.WithFields(map[string]interface{}{
					"error": err.Error(),
				}).Error("Outbox dispatch failed")
			}
		}
	}
}

// DispatchOnce publishes one batch and returns how many rows were published
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	rows, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, row := range rows {
		err := d.breaker.Execute(func() error {
			return d.producer.Publish(ctx, toMessage(row))
		})
		if err != nil {
			d.metrics.RecordOutbox("failed")
			if !errors.Is(err, breaker.ErrOpen) && !errors.Is(err, breaker.ErrHalfOpenLimit) {
				if markErr := d.repo.MarkFailed(ctx, row.ID, err); markErr != nil {
					log.WithFields(map[string]interface{}{
						"outbox_id": row.ID,
						"error":     markErr.Error(),
					}).Error("Failed to record outbox failure")
				}
			}
			return published, err
		}

		if err := d.repo.MarkPublished(ctx, row.ID, d.clock.Now()); err != nil {
			// the row will be published again; consumers dedupe on event id
			return published, err
		}
		d.metrics.RecordOutbox("published")
		published++
	}
	return published, nil
}

func toMessage(row *model.OutboxEvent) eventlog.Message {
	return eventlog.Message{
		Topic: row.Topic,
		Key:   []byte(row.AggregateID),
		Value: row.Payload,
		Headers: map[string]string{
			HeaderEventID:   row.EventID,
			HeaderEventType: row.EventType,
		},
	}
}
