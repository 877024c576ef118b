package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/store"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAvailability struct {
	calls []models.VariantSelector
	err   error
}

func (f *fakeAvailability) MarkUnavailable(_ context.Context, _ int64, sel models.VariantSelector) (int64, error) {
	f.calls = append(f.calls, sel)
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

type fakePublisher struct {
	retries        []*models.InventoryAdjustmentFailedEvent
	reconciliation []*models.PaymentReconciliationRequiredEvent
}

func (f *fakePublisher) PublishInventoryAdjustmentFailed(_ context.Context, e *models.InventoryAdjustmentFailedEvent) error {
	f.retries = append(f.retries, e)
	return nil
}

func (f *fakePublisher) PublishPaymentReconciliationRequired(_ context.Context, e *models.PaymentReconciliationRequiredEvent) error {
	f.reconciliation = append(f.reconciliation, e)
	return nil
}

func newRetryWorker(inv *fakeAvailability, pub *fakePublisher) (*InventoryRetryWorker, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	w := NewInventoryRetryWorker(nil, inv, pub, 3)
	w.backoff = 0
	w.logger = zap.New(core)
	return w, logs
}

func failedEvent(attempt int) *models.InventoryAdjustmentFailedEvent {
	return &models.InventoryAdjustmentFailedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeInventoryAdjustmentFailed),
		OrderNumber: "ORD-1",
		ProductID:   7,
		Size:        "M",
		Color:       "red",
		Attempt:     attempt,
		Reason:      "connection reset",
	}
}

func TestInventoryRetrySucceeds(t *testing.T) {
	inv := &fakeAvailability{}
	pub := &fakePublisher{}
	w, _ := newRetryWorker(inv, pub)

	require.NoError(t, w.Handle(context.Background(), failedEvent(1)))

	require.Len(t, inv.calls, 1)
	assert.Equal(t, models.VariantSelector{Size: "M", Color: "red"}, inv.calls[0])
	assert.Empty(t, pub.retries)
}

func TestInventoryRetryRequeues(t *testing.T) {
	inv := &fakeAvailability{err: errors.New("db down")}
	pub := &fakePublisher{}
	w, _ := newRetryWorker(inv, pub)

	original := failedEvent(1)
	require.NoError(t, w.Handle(context.Background(), original))

	require.Len(t, pub.retries, 1)
	next := pub.retries[0]
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "db down", next.Reason)
	assert.Equal(t, original.ProductID, next.ProductID)
	assert.NotEqual(t, original.EventID, next.EventID)
}

func TestInventoryRetryGivesUp(t *testing.T) {
	inv := &fakeAvailability{err: errors.New("db down")}
	pub := &fakePublisher{}
	w, logs := newRetryWorker(inv, pub)

	require.NoError(t, w.Handle(context.Background(), failedEvent(3)))
	assert.Empty(t, pub.retries)
	assert.Equal(t, 1, logs.FilterMessage("Giving up on inventory adjustment").Len())

	inv.err = store.ErrNotFound
	require.NoError(t, w.Handle(context.Background(), failedEvent(1)))
	assert.Empty(t, pub.retries, "missing product is not retried")
}

func TestInventoryRetryRoutesKafkaMessages(t *testing.T) {
	inv := &fakeAvailability{}
	w, _ := newRetryWorker(inv, &fakePublisher{})

	payload, err := json.Marshal(failedEvent(1))
	require.NoError(t, err)
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: payload}))
	assert.Len(t, inv.calls, 1)

	placed, err := json.Marshal(models.OrderPlacedEvent{BaseEvent: models.NewBaseEvent(models.EventTypeOrderPlaced)})
	require.NoError(t, err)
	require.NoError(t, w.eventHandler.HandleMessage(context.Background(), kafka.Message{Value: placed}))
	assert.Len(t, inv.calls, 1, "other event types are skipped")
}

type fakeSweeper struct {
	attempts []models.PaymentAttempt
	resolved map[int64]int64
	flagged  []int64
	listErr  error
}

func (f *fakeSweeper) StaleVerifiedAttempts(_ context.Context, _ time.Duration, _ int) ([]models.PaymentAttempt, error) {
	return f.attempts, f.listErr
}

func (f *fakeSweeper) MarkResolved(_ context.Context, attemptID, orderID int64) error {
	f.resolved[attemptID] = orderID
	return nil
}

func (f *fakeSweeper) Flag(_ context.Context, attemptID int64) error {
	f.flagged = append(f.flagged, attemptID)
	return nil
}

type fakeOrders map[string]int64

func (f fakeOrders) GetOrderIDByIntentID(_ context.Context, intentID string) (int64, error) {
	if id, ok := f[intentID]; ok {
		return id, nil
	}
	return 0, store.ErrNotFound
}

func TestReconciliationSweep(t *testing.T) {
	sweeper := &fakeSweeper{
		resolved: map[int64]int64{},
		attempts: []models.PaymentAttempt{
			{ID: 1, UserID: "user-1", IntentID: models.StringPtr("order_a"), PaymentID: models.StringPtr("pay_a"), Amount: decimal.NewFromInt(1048), Currency: "INR"},
			{ID: 2, UserID: "user-2", IntentID: models.StringPtr("order_b"), PaymentID: models.StringPtr("pay_b"), Amount: decimal.NewFromInt(549), Currency: "INR", LastError: models.StringPtr("connection reset")},
		},
	}
	pub := &fakePublisher{}
	core, logs := observer.New(zap.DebugLevel)

	w := NewReconciliationWorker(sweeper, fakeOrders{"order_a": 42}, pub, time.Minute, 5*time.Minute)
	w.logger = zap.New(core)

	resolved, flagged, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, flagged)

	assert.Equal(t, map[int64]int64{1: 42}, sweeper.resolved)
	assert.Equal(t, []int64{2}, sweeper.flagged)

	require.Len(t, pub.reconciliation, 1)
	event := pub.reconciliation[0]
	assert.Equal(t, "order_b", event.IntentID)
	assert.Equal(t, "pay_b", event.PaymentID)
	assert.Equal(t, "connection reset", event.LastError)
	assert.True(t, event.Amount.Equal(decimal.NewFromInt(549)))

	entries := logs.FilterMessage("Payment verified without order, manual reconciliation required").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "user-2", fields["user_id"])
	assert.Equal(t, "pay_b", fields["payment_id"])
}

func TestReconciliationSweepListError(t *testing.T) {
	sweeper := &fakeSweeper{resolved: map[int64]int64{}, listErr: errors.New("db down")}
	w := NewReconciliationWorker(sweeper, fakeOrders{}, &fakePublisher{}, time.Minute, time.Minute)

	_, _, err := w.RunOnce(context.Background())
	assert.Error(t, err)
}

func TestReconciliationStartStopsOnCancel(t *testing.T) {
	sweeper := &fakeSweeper{resolved: map[int64]int64{}}
	w := NewReconciliationWorker(sweeper, fakeOrders{}, &fakePublisher{}, time.Millisecond, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Start(ctx), context.DeadlineExceeded)
}
