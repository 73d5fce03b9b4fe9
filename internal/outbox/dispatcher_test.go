package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coupon/internal/config"
	"coupon/internal/event"
	"coupon/internal/eventlog"
	"coupon/internal/model"
	"coupon/internal/repository"
	"coupon/internal/testutil"
	"coupon/pkg/breaker"
	"coupon/pkg/clock"
)

type flakyProducer struct {
	err   error
	calls int
}

func (p *flakyProducer) Publish(ctx context.Context, msgs ...eventlog.Message) error {
	p.calls++
	return p.err
}

func (p *flakyProducer) Close() error { return nil }

func seedOutbox(t *testing.T, db *gorm.DB, couponIDs ...uint64) {
	t.Helper()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range couponIDs {
		row, err := event.NewCouponCreated(&model.Coupon{
			ID:            id,
			Name:          "Spring sale",
			TotalQuantity: 10,
			ExpiredAt:     at.Add(time.Hour),
			CreatedAt:     at,
		}).ToOutbox("coupon-events")
		require.NoError(t, err)
		require.NoError(t, db.Create(row).Error)
	}
}

func pending(t *testing.T, db *gorm.DB) []model.OutboxEvent {
	t.Helper()
	var rows []model.OutboxEvent
	require.NoError(t, db.Where("status = ?", model.OutboxStatusPending).Order("id").Find(&rows).Error)
	return rows
}

func TestDispatcher_DispatchOnce(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	seedOutbox(t, db, 3, 4, 3)

	logs := eventlog.NewMemoryLog(eventlog.MemoryConfig{Partitions: 1})
	now := time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)
	d := NewDispatcher(repository.NewOutboxRepository(db), logs, config.OutboxConfig{BatchSize: 10}, WithClock(clock.NewManual(now)))

	n, err := d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, pending(t, db))

	msgs := logs.Messages("coupon-events")
	require.Len(t, msgs, 3)
	assert.Equal(t, "3", string(msgs[0].Key))
	assert.Equal(t, "4", string(msgs[1].Key))
	assert.Equal(t, "CouponCreated", msgs[0].Headers[HeaderEventType])

	decoded, err := event.Unmarshal(msgs[2].Value)
	require.NoError(t, err)
	assert.Equal(t, msgs[2].Headers[HeaderEventID], decoded.ID)

	var row model.OutboxEvent
	require.NoError(t, db.First(&row).Error)
	assert.Equal(t, model.OutboxStatusPublished, row.Status)
	require.NotNil(t, row.PublishedAt)
	assert.True(t, row.PublishedAt.Equal(now))

	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatcher_PublishFailure(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	seedOutbox(t, db, 1, 2)

	producer := &flakyProducer{err: errors.New("broker unavailable")}
	d := NewDispatcher(repository.NewOutboxRepository(db), producer, config.OutboxConfig{BatchSize: 10})

	n, err := d.DispatchOnce(context.Background())
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, producer.calls, "batch stops at the first failure")

	rows := pending(t, db)
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0].Attempts)
	assert.Contains(t, rows[0].LastError, "broker unavailable")
	assert.Zero(t, rows[1].Attempts)

	producer.err = nil
	n, err = d.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, pending(t, db))
}

func TestDispatcher_BreakerOpen(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	seedOutbox(t, db, 1)

	producer := &flakyProducer{err: errors.New("broker unavailable")}
	b := breaker.New("test", breaker.Settings{
		OpenTimeout: time.Hour,
		ShouldTrip:  func(c breaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
	})
	d := NewDispatcher(repository.NewOutboxRepository(db), producer, config.OutboxConfig{}, WithBreaker(b))

	_, err := d.DispatchOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, b.State())

	_, err = d.DispatchOnce(context.Background())
	assert.ErrorIs(t, err, breaker.ErrOpen)
	assert.Equal(t, 1, producer.calls)

	rows := pending(t, db)
	require.Len(t, rows, 1)
	assert.Equal(t, 1, rows[0].Attempts, "short-circuited attempts are not recorded")
}

func TestDispatcher_Start(t *testing.T) {
	db := testutil.NewSQLiteDB(t)
	seedOutbox(t, db, 9)

	logs := eventlog.NewMemoryLog(eventlog.MemoryConfig{Partitions: 1})
	d := NewDispatcher(repository.NewOutboxRepository(db), logs, config.OutboxConfig{Interval: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool {
		return logs.Len("coupon-events") == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
