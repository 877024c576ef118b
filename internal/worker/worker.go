package worker

import (
	"context"
	"errors"
	"time"

	"storefront-service/internal/broker"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// reconcileBatchSize caps the attempts handled per sweep
const reconcileBatchSize = 100

// Availability re-applies availability changes
type Availability interface {
	MarkUnavailable(ctx context.Context, productID int64, sel models.VariantSelector) (int64, error)
}

// RetryPublisher re-queues failed inventory adjustments
type RetryPublisher interface {
	PublishInventoryAdjustmentFailed(ctx context.Context, event *models.InventoryAdjustmentFailedEvent) error
}

// InventoryRetryWorker re-applies availability updates that failed after checkout
type InventoryRetryWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	inventory    Availability
	events       RetryPublisher
	maxAttempts  int
	backoff      time.Duration
	logger       *zap.Logger
}

// NewInventoryRetryWorker creates a new inventory retry worker. consumer may
// be nil when only Handle is used.
func NewInventoryRetryWorker(
	consumer *broker.Consumer,
	inventory Availability,
	events RetryPublisher,
	maxAttempts int,
) *InventoryRetryWorker {
	w := &InventoryRetryWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		inventory:    inventory,
		events:       events,
		maxAttempts:  maxAttempts,
		backoff:      time.Second,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnInventoryAdjustmentFailed(w.Handle)
	return w
}

// Start consumes events until ctx is cancelled
func (w *InventoryRetryWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting inventory retry worker", zap.Int("max_attempts", w.maxAttempts))
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *InventoryRetryWorker) Stop() error {
	w.logger.Info("Stopping inventory retry worker")
	return w.consumer.Close()
}

// Handle retries one failed adjustment. A failed retry is re-queued with the
// attempt counter bumped until maxAttempts is reached.
func (w *InventoryRetryWorker) Handle(ctx context.Context, event *models.InventoryAdjustmentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "InventoryRetryWorker.Handle")
	defer span.End()

	if wait := time.Duration(event.Attempt) * w.backoff; wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	sel := models.VariantSelector{Size: event.Size, Color: event.Color}
	changed, err := w.inventory.MarkUnavailable(ctx, event.ProductID, sel)
	if err == nil {
		w.logger.Info("Inventory adjustment applied on retry",
			zap.String("order_id", event.OrderNumber),
			zap.Int64("product_id", event.ProductID),
			zap.Int("attempt", event.Attempt),
			zap.Int64("variants_changed", changed))
		return nil
	}

	if errors.Is(err, store.ErrNotFound) || event.Attempt >= w.maxAttempts {
		util.FailSpan(span, err)
		w.logger.Error("Giving up on inventory adjustment",
			zap.String("order_id", event.OrderNumber),
			zap.Int64("product_id", event.ProductID),
			zap.String("size", event.Size),
			zap.String("color", event.Color),
			zap.Int("attempt", event.Attempt),
			zap.Error(err))
		return nil
	}

	w.logger.Warn("Inventory adjustment retry failed, re-queueing",
		zap.String("order_id", event.OrderNumber),
		zap.Int64("product_id", event.ProductID),
		zap.Int("attempt", event.Attempt),
		zap.Error(err))

	next := *event
	next.BaseEvent = models.NewBaseEvent(models.EventTypeInventoryAdjustmentFailed)
	next.Attempt = event.Attempt + 1
	next.Reason = err.Error()
	return w.events.PublishInventoryAdjustmentFailed(ctx, &next)
}

// AttemptSweeper is the payment side of reconciliation
type AttemptSweeper interface {
	StaleVerifiedAttempts(ctx context.Context, grace time.Duration, limit int) ([]models.PaymentAttempt, error)
	MarkResolved(ctx context.Context, attemptID, orderID int64) error
	Flag(ctx context.Context, attemptID int64) error
}

// OrderFinder looks up the order created for a gateway intent
type OrderFinder interface {
	GetOrderIDByIntentID(ctx context.Context, intentID string) (int64, error)
}

// ReconciliationPublisher announces payments that need manual follow-up
type ReconciliationPublisher interface {
	PublishPaymentReconciliationRequired(ctx context.Context, event *models.PaymentReconciliationRequiredEvent) error
}

// ReconciliationWorker periodically settles verified payments. Attempts whose
// order exists are resolved; the rest are flagged and announced.
type ReconciliationWorker struct {
	payments AttemptSweeper
	orders   OrderFinder
	events   ReconciliationPublisher
	interval time.Duration
	grace    time.Duration
	logger   *zap.Logger
}

// NewReconciliationWorker creates a new reconciliation worker
func NewReconciliationWorker(
	payments AttemptSweeper,
	orders OrderFinder,
	events ReconciliationPublisher,
	interval, grace time.Duration,
) *ReconciliationWorker {
	return &ReconciliationWorker{
		payments: payments,
		orders:   orders,
		events:   events,
		interval: interval,
		grace:    grace,
		logger:   util.GetLogger(),
	}
}

// Start sweeps every interval until ctx is cancelled
func (w *ReconciliationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconciliation worker",
		zap.Duration("interval", w.interval),
		zap.Duration("grace", w.grace))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reconciliation worker")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Reconciliation sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce performs one sweep and reports how many attempts were resolved and flagged
func (w *ReconciliationWorker) RunOnce(ctx context.Context) (resolved, flagged int, err error) {
	ctx, span := util.StartSpan(ctx, "ReconciliationWorker.RunOnce")
	defer span.End()

	attempts, err := w.payments.StaleVerifiedAttempts(ctx, w.grace, reconcileBatchSize)
	if err != nil {
		util.FailSpan(span, err)
		return 0, 0, err
	}

	for i := range attempts {
		a := &attempts[i]
		intentID := models.Deref(a.IntentID)

		orderID, err := w.orders.GetOrderIDByIntentID(ctx, intentID)
		switch {
		case err == nil:
			if err := w.payments.MarkResolved(ctx, a.ID, orderID); err != nil {
				w.logger.Warn("Failed to resolve payment attempt", zap.Int64("attempt_id", a.ID), zap.Error(err))
				continue
			}
			resolved++
		case errors.Is(err, store.ErrNotFound):
			if w.flag(ctx, a) {
				flagged++
			}
		default:
			w.logger.Warn("Failed to look up order for payment",
				zap.Int64("attempt_id", a.ID),
				zap.String("intent_id", intentID),
				zap.Error(err))
		}
	}

	if resolved+flagged > 0 {
		w.logger.Info("Reconciliation sweep finished", zap.Int("resolved", resolved), zap.Int("flagged", flagged))
	}
	return resolved, flagged, nil
}

func (w *ReconciliationWorker) flag(ctx context.Context, a *models.PaymentAttempt) bool {
	if err := w.payments.Flag(ctx, a.ID); err != nil {
		w.logger.Warn("Failed to flag payment attempt", zap.Int64("attempt_id", a.ID), zap.Error(err))
		return false
	}
	util.PaymentReconciliationRequired.Inc()

	w.logger.Error("Payment verified without order, manual reconciliation required",
		zap.Int64("attempt_id", a.ID),
		zap.String("user_id", a.UserID),
		zap.String("intent_id", models.Deref(a.IntentID)),
		zap.String("payment_id", models.Deref(a.PaymentID)),
		zap.String("amount", a.Amount.String()))

	event := &models.PaymentReconciliationRequiredEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentReconciliationRequired),
		AttemptID: a.ID,
		UserID:    a.UserID,
		IntentID:  models.Deref(a.IntentID),
		PaymentID: models.Deref(a.PaymentID),
		Amount:    a.Amount,
		Currency:  a.Currency,
		LastError: models.Deref(a.LastError),
	}
	if err := w.events.PublishPaymentReconciliationRequired(ctx, event); err != nil {
		w.logger.Error("Failed to publish payment.reconciliation_required event",
			zap.Int64("attempt_id", a.ID),
			zap.Error(err))
	}
	return true
}
