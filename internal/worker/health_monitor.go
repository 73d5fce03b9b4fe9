package worker

import (
	"context"
	"time"

	"coupon/internal/config"
	"coupon/internal/monitor"
	"coupon/pkg/log"
)

// QueueSizer reports the admission queue length
type QueueSizer interface {
	Size(ctx context.Context) (int64, error)
}

// HealthMonitor periodically samples the admission queue size
type HealthMonitor struct {
	queue     QueueSizer
	metrics   *monitor.MetricsCollector
	interval  time.Duration
	threshold int64
}

// NewHealthMonitor creates a queue health monitor
func NewHealthMonitor(queue QueueSizer, metrics *monitor.MetricsCollector, cfg config.IssuanceConfig) *HealthMonitor {
	m := &HealthMonitor{
		queue:     queue,
		metrics:   metrics,
		interval:  cfg.QueueHealthInterval,
		threshold: cfg.QueueHealthThreshold,
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	if m.threshold <= 0 {
		m.threshold = 1000
	}
	return m
}

// Start checks on every tick until ctx is done
func (m *HealthMonitor) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
				log.WithFields(map[string]interface{}{
					"error": err.Error(),
				}).Error("Failed to read admission queue size")
			}
		}
	}
}

// Check samples the queue once and reports whether it is over the threshold
func (m *HealthMonitor) Check(ctx context.Context) (int64, bool, error) {
	size, err := m.queue.Size(ctx)
	if err != nil {
		return 0, false, err
	}

	backlogged := size > m.threshold
	m.metrics.UpdateQueueSize(size, backlogged)
	if backlogged {
		log.WithFields(map[string]interface{}{
			"size":      size,
			"threshold": m.threshold,
		}).Warn("Admission queue backlog above threshold")
	}
	return size, backlogged, nil
}
