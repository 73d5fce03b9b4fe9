package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coupon/internal/admission"
	"coupon/internal/config"
	"coupon/internal/model"
	"coupon/internal/monitor"
	"coupon/internal/repository"
	"coupon/internal/service/issuance"
	"coupon/internal/status"
	"coupon/internal/testutil"
	"coupon/pkg/clock"
	"coupon/pkg/lock"
	"coupon/pkg/snowflake"
	"coupon/pkg/utils"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// flakyCoupons fails the first n loads with a database error. onLoad runs
// before every load.
type flakyCoupons struct {
	repository.CouponRepository
	failures atomic.Int32
	onLoad   func()
}

func (f *flakyCoupons) GetByID(ctx context.Context, id uint64) (*model.Coupon, error) {
	if f.onLoad != nil {
		f.onLoad()
	}
	if err := ctx.Err(); err != nil {
		return nil, utils.WrapError(err, utils.CodeDatabaseError, "failed to load coupon")
	}
	if f.failures.Add(-1) >= 0 {
		return nil, utils.ErrDatabaseError
	}
	return f.CouponRepository.GetByID(ctx, id)
}

type harness struct {
	db      *gorm.DB
	clock   *clock.Manual
	queue   *admission.Queue
	coupons *flakyCoupons
	svc     *issuance.Service
	worker  *QueueWorker
}

func newHarness(t *testing.T, failures int32) *harness {
	t.Helper()

	db := testutil.NewSQLiteDB(t)
	_, client := testutil.NewRedis(t)
	clk := clock.NewManual(testNow)
	ids, err := snowflake.New(1)
	require.NoError(t, err)

	coupons := &flakyCoupons{CouponRepository: repository.NewCouponRepository(db)}
	coupons.failures.Store(failures)

	queue := admission.NewQueue(client, clk)
	svc := issuance.NewService(issuance.Deps{
		Coupons:     coupons,
		UserCoupons: repository.NewUserCouponRepository(db),
		Locker:      lock.NewManager(client),
		Queue:       queue,
		Status:      status.NewStore(client, time.Hour, clk),
		IDs:         ids,
		Clock:       clk,
	}, issuance.Options{AsyncMode: config.AsyncModeQueue})

	w := NewQueueWorker(queue, svc, monitor.NewMetricsCollector(), config.IssuanceConfig{
		WorkerInterval: 5 * time.Millisecond,
		RetryBackoff:   time.Minute,
		MaxRetry:       2,
	})
	return &harness{db: db, clock: clk, queue: queue, coupons: coupons, svc: svc, worker: w}
}

func (h *harness) status(t *testing.T, requestID string) *model.IssuanceRequest {
	t.Helper()
	req, err := h.svc.GetStatus(context.Background(), requestID)
	require.NoError(t, err)
	return req
}

func (h *harness) size(t *testing.T) int64 {
	t.Helper()
	n, err := h.queue.Size(context.Background())
	require.NoError(t, err)
	return n
}

func TestQueueWorker_TransientFailureIsRetried(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	coupon := testutil.SeedCoupon(t, h.db, 5, 0, testNow.Add(time.Hour))

	req, err := h.svc.RequestAsync(ctx, coupon.ID, 21)
	require.NoError(t, err)
	assert.Equal(t, model.RequestStatusPending, h.status(t, req.RequestID).Status)

	ok, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.RequestStatusProcessing, h.status(t, req.RequestID).Status)
	assert.Equal(t, int64(1), h.size(t))

	// not due until the backoff elapses
	ok, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	h.clock.Advance(time.Minute)
	ok, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	got := h.status(t, req.RequestID)
	assert.Equal(t, model.RequestStatusCompleted, got.Status)
	assert.Equal(t, model.MessageCompleted, got.Message)
	require.NotNil(t, got.GrantID)
	require.NotNil(t, got.CompletedAt)
	assert.Zero(t, h.size(t))
}

func TestQueueWorker_RetriesAreBounded(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()
	coupon := testutil.SeedCoupon(t, h.db, 5, 0, testNow.Add(time.Hour))

	req, err := h.svc.RequestAsync(ctx, coupon.ID, 21)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := h.worker.ProcessNext(ctx)
		require.NoError(t, err)
		require.True(t, ok, "round %d", i)
		h.clock.Advance(time.Minute)
	}

	got := h.status(t, req.RequestID)
	assert.Equal(t, model.RequestStatusFailed, got.Status)
	assert.Equal(t, "database error", got.Message)
	assert.Zero(t, h.size(t))

	var c model.Coupon
	require.NoError(t, h.db.First(&c, coupon.ID).Error)
	assert.Zero(t, c.IssuedQuantity)
}

func TestQueueWorker_TerminalErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	coupon := testutil.SeedCoupon(t, h.db, 1, 1, testNow.Add(time.Hour))

	req, err := h.svc.RequestAsync(ctx, coupon.ID, 21)
	require.NoError(t, err)

	ok, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	got := h.status(t, req.RequestID)
	assert.Equal(t, model.RequestStatusFailed, got.Status)
	assert.Equal(t, "coupon is exhausted", got.Message)
	assert.Zero(t, h.size(t))
}

func TestQueueWorker_CompletedEntryIsSkipped(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	coupon := testutil.SeedCoupon(t, h.db, 5, 0, testNow.Add(time.Hour))

	req, err := h.svc.RequestAsync(ctx, coupon.ID, 21)
	require.NoError(t, err)

	ok, err := h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	entry := admission.Entry{RequestID: req.RequestID, UserID: 21, CouponID: coupon.ID, RequestedAt: req.RequestedAt}
	require.NoError(t, h.queue.Requeue(ctx, entry, 0))

	ok, err = h.worker.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, model.RequestStatusCompleted, h.status(t, req.RequestID).Status)

	var n int64
	require.NoError(t, h.db.Model(&model.UserCoupon{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestQueueWorker_ProcessesInEnqueueOrder(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	coupon := testutil.SeedCoupon(t, h.db, 2, 0, testNow.Add(time.Hour))

	var ids []string
	for user := uint64(1); user <= 3; user++ {
		req, err := h.svc.RequestAsync(ctx, coupon.ID, user)
		require.NoError(t, err)
		ids = append(ids, req.RequestID)
		h.clock.Advance(time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		_, err := h.worker.ProcessNext(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, model.RequestStatusCompleted, h.status(t, ids[0]).Status)
	assert.Equal(t, model.RequestStatusCompleted, h.status(t, ids[1]).Status)
	last := h.status(t, ids[2])
	assert.Equal(t, model.RequestStatusFailed, last.Status)
	assert.Equal(t, "coupon is exhausted", last.Message)
}

func TestQueueWorker_Start(t *testing.T) {
	h := newHarness(t, 0)
	coupon := testutil.SeedCoupon(t, h.db, 5, 0, testNow.Add(time.Hour))

	req, err := h.svc.RequestAsync(context.Background(), coupon.ID, 21)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Start(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.svc.GetStatus(context.Background(), req.RequestID)
		return err == nil && got.Status == model.RequestStatusCompleted
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}

type stubSizer struct {
	size int64
	err  error
}

func (s stubSizer) Size(ctx context.Context) (int64, error) { return s.size, s.err }

func TestHealthMonitor_Check(t *testing.T) {
	cfg := config.IssuanceConfig{QueueHealthThreshold: 10}

	size, backlogged, err := NewHealthMonitor(stubSizer{size: 3}, monitor.NewMetricsCollector(), cfg).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), size)
	assert.False(t, backlogged)

	_, backlogged, err = NewHealthMonitor(stubSizer{size: 11}, nil, cfg).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, backlogged)

	_, _, err = NewHealthMonitor(stubSizer{err: errors.New("redis down")}, nil, cfg).Check(context.Background())
	assert.Error(t, err)
}

func TestQueueWorker_ShutdownDuringProcessing(t *testing.T) {
	t.Run("popped entry still completes", func(t *testing.T) {
		h := newHarness(t, 0)
		coupon := testutil.SeedCoupon(t, h.db, 5, 0, testNow.Add(time.Hour))
		req, err := h.svc.RequestAsync(context.Background(), coupon.ID, 31)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.coupons.onLoad = cancel

		ok, err := h.worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		require.Error(t, ctx.Err())

		assert.Equal(t, model.RequestStatusCompleted, h.status(t, req.RequestID).Status)
		assert.Zero(t, h.size(t))
	})

	t.Run("transient failure is requeued, not failed", func(t *testing.T) {
		h := newHarness(t, 1)
		coupon := testutil.SeedCoupon(t, h.db, 5, 0, testNow.Add(time.Hour))
		req, err := h.svc.RequestAsync(context.Background(), coupon.ID, 32)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		h.coupons.onLoad = cancel

		ok, err := h.worker.ProcessNext(ctx)
		require.NoError(t, err)
		assert.True(t, ok)

		assert.Equal(t, model.RequestStatusProcessing, h.status(t, req.RequestID).Status)
		assert.Equal(t, int64(1), h.size(t))

		h.coupons.onLoad = nil
		h.clock.Advance(time.Minute)
		ok, err = h.worker.ProcessNext(context.Background())
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, model.RequestStatusCompleted, h.status(t, req.RequestID).Status)
	})
}
