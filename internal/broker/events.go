package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderNumber string) string {
	return "order-" + orderNumber
}

// PublishOrderPlaced publishes an order.placed event
func (ep *EventPublisher) PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderNumber), event.EventType, event)
}

// PublishOrderCancelled publishes an order.cancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderNumber), event.EventType, event)
}

// PublishOrderStatusChanged publishes an order.status_changed event
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderNumber), event.EventType, event)
}

// PublishInventoryAdjustmentFailed publishes an inventory.adjustment_failed event
func (ep *EventPublisher) PublishInventoryAdjustmentFailed(ctx context.Context, event *models.InventoryAdjustmentFailedEvent) error {
	key := "product-" + strconv.FormatInt(event.ProductID, 10)
	return ep.producer.PublishEvent(ctx, key, event.EventType, event)
}

// PublishPaymentReconciliationRequired publishes a payment.reconciliation_required event
func (ep *EventPublisher) PublishPaymentReconciliationRequired(ctx context.Context, event *models.PaymentReconciliationRequiredEvent) error {
	key := "payment-" + event.IntentID
	return ep.producer.PublishEvent(ctx, key, event.EventType, event)
}

// EventHandler routes incoming events to registered callbacks
type EventHandler struct {
	onInventoryAdjustmentFailed func(context.Context, *models.InventoryAdjustmentFailedEvent) error
	logger                      *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnInventoryAdjustmentFailed registers a handler for inventory.adjustment_failed events
func (eh *EventHandler) OnInventoryAdjustmentFailed(handler func(context.Context, *models.InventoryAdjustmentFailedEvent) error) {
	eh.onInventoryAdjustmentFailed = handler
}

// HandleMessage routes messages to appropriate handlers. Event types without a
// handler are skipped, so the consumer can share the order topic.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Warn("Dropping malformed event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	switch baseEvent.EventType {
	case models.EventTypeInventoryAdjustmentFailed:
		if eh.onInventoryAdjustmentFailed != nil {
			var event models.InventoryAdjustmentFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", baseEvent.EventType, err)
			}
			eh.logger.Debug("Handling event",
				zap.String("event_type", baseEvent.EventType),
				zap.String("event_id", baseEvent.EventID))
			return eh.onInventoryAdjustmentFailed(ctx, &event)
		}
	}

	return nil
}
