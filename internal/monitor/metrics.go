package monitor

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Issue paths used as the "path" label
const (
	PathSync  = "sync"
	PathQueue = "queue"
	PathLog   = "log"
)

// MetricsCollector holds every Prometheus metric of the service. All Record
// methods are safe on a nil collector so components can run without metrics.
type MetricsCollector struct {
	registry *prometheus.Registry

	// business
	issueTotal       *prometheus.CounterVec
	issueDuration    *prometheus.HistogramVec
	lockWaitDuration prometheus.Histogram
	admittedTotal    *prometheus.CounterVec
	requeueTotal     prometheus.Counter
	queueSize        prometheus.Gauge
	queueBacklogged  prometheus.Gauge
	outboxTotal      *prometheus.CounterVec
	deadLetterTotal  *prometheus.CounterVec
	soldOutHitsTotal prometheus.Counter

	// http
	httpRequestTotal    *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// runtime
	memoryUsage    prometheus.Gauge
	goroutineCount prometheus.Gauge
	gcDuration     prometheus.Gauge
}

// NewMetricsCollector registers all metrics on a fresh registry
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mc := &MetricsCollector{registry: reg}
	mc.initMetrics(promauto.With(reg))
	return mc
}

func (mc *MetricsCollector) initMetrics(f promauto.Factory) {
	mc.issueTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_issue_total",
			Help: "Coupon issue attempts by path and result code",
		},
		[]string{"path", "result"},
	)

	mc.issueDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "coupon_issue_duration_seconds",
			Help:    "Duration of coupon issue attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	mc.lockWaitDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "coupon_issue_lock_wait_seconds",
		Help:    "Time spent waiting for the issue lock",
		Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 3},
	})

	mc.admittedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_issue_admitted_total",
			Help: "Async issue requests accepted, by async mode",
		},
		[]string{"mode"},
	)

	mc.requeueTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "coupon_queue_requeue_total",
		Help: "Admission queue entries put back for retry",
	})

	mc.queueSize = f.NewGauge(prometheus.GaugeOpts{
		Name: "coupon_queue_size",
		Help: "Entries waiting in the admission queue",
	})

	mc.queueBacklogged = f.NewGauge(prometheus.GaugeOpts{
		Name: "coupon_queue_backlogged",
		Help: "1 while the admission queue is above its health threshold",
	})

	mc.outboxTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_outbox_publish_total",
			Help: "Outbox rows published, by result",
		},
		[]string{"result"},
	)

	mc.deadLetterTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coupon_dead_letter_total",
			Help: "Messages observed on dead-letter topics",
		},
		[]string{"topic"},
	)

	mc.soldOutHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "coupon_soldout_cache_hits_total",
		Help: "Issue attempts rejected by the local sold-out cache",
	})

	mc.httpRequestTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	mc.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	mc.memoryUsage = f.NewGauge(prometheus.GaugeOpts{
		Name: "coupon_memory_alloc_bytes",
		Help: "Heap bytes allocated",
	})
	mc.goroutineCount = f.NewGauge(prometheus.GaugeOpts{
		Name: "coupon_goroutines",
		Help: "Number of goroutines",
	})
	mc.gcDuration = f.NewGauge(prometheus.GaugeOpts{
		Name: "coupon_gc_pause_seconds_total",
		Help: "Cumulative GC pause time",
	})
}

// RecordIssue records one issue attempt; result is the error code name or SUCCESS
func (mc *MetricsCollector) RecordIssue(path, result string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.issueTotal.WithLabelValues(path, result).Inc()
	mc.issueDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordLockWait records how long lock acquisition took
func (mc *MetricsCollector) RecordLockWait(d time.Duration) {
	if mc == nil {
		return
	}
	mc.lockWaitDuration.Observe(d.Seconds())
}

// RecordAdmitted counts an accepted async request
func (mc *MetricsCollector) RecordAdmitted(mode string) {
	if mc == nil {
		return
	}
	mc.admittedTotal.WithLabelValues(mode).Inc()
}

// RecordRequeue counts a queue entry put back for retry
func (mc *MetricsCollector) RecordRequeue() {
	if mc == nil {
		return
	}
	mc.requeueTotal.Inc()
}

// UpdateQueueSize sets the admission queue gauges
func (mc *MetricsCollector) UpdateQueueSize(size int64, backlogged bool) {
	if mc == nil {
		return
	}
	mc.queueSize.Set(float64(size))
	if backlogged {
		mc.queueBacklogged.Set(1)
	} else {
		mc.queueBacklogged.Set(0)
	}
}

// RecordOutbox counts an outbox publish attempt
func (mc *MetricsCollector) RecordOutbox(result string) {
	if mc == nil {
		return
	}
	mc.outboxTotal.WithLabelValues(result).Inc()
}

// RecordDeadLetter counts a dead-lettered message
func (mc *MetricsCollector) RecordDeadLetter(topic string) {
	if mc == nil {
		return
	}
	mc.deadLetterTotal.WithLabelValues(topic).Inc()
}

// RecordSoldOutHit counts a rejection served from the sold-out cache
func (mc *MetricsCollector) RecordSoldOutHit() {
	if mc == nil {
		return
	}
	mc.soldOutHitsTotal.Inc()
}

// RecordHTTPRequest records a served request
func (mc *MetricsCollector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if mc == nil {
		return
	}
	mc.httpRequestTotal.WithLabelValues(method, path, status).Inc()
	mc.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics samples runtime memory and goroutine stats
func (mc *MetricsCollector) UpdateSystemMetrics() {
	if mc == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	mc.memoryUsage.Set(float64(m.Alloc))
	mc.goroutineCount.Set(float64(runtime.NumGoroutine()))
	mc.gcDuration.Set(float64(m.PauseTotalNs) / 1e9)
}

// StartSystemMetricsCollection samples runtime stats until ctx is done
func (mc *MetricsCollector) StartSystemMetricsCollection(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mc.UpdateSystemMetrics()
		}
	}
}

// GetRegistry returns the registry to serve on /metrics
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	return mc.registry
}

// Handler serves the registry in the Prometheus exposition format
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{Registry: mc.registry})
}
