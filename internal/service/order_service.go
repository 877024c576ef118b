package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// orderTransitions lists the legal next statuses of each status
var orderTransitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusPending:   {models.OrderStatusConfirmed, models.OrderStatusCancelled},
	models.OrderStatusConfirmed: {models.OrderStatusShipped, models.OrderStatusCancelled},
	models.OrderStatusShipped:   {models.OrderStatusDelivered},
	models.OrderStatusDelivered: {models.OrderStatusReturned},
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderService manages orders after checkout
type OrderService struct {
	orders          OrderStore
	inventory       *InventoryAdjuster
	events          EventPublisher
	restockOnCancel bool
	logger          *zap.Logger
}

// NewOrderService creates a new order service
func NewOrderService(
	orders OrderStore,
	inventory *InventoryAdjuster,
	events EventPublisher,
	restockOnCancel bool,
) *OrderService {
	return &OrderService{
		orders:          orders,
		inventory:       inventory,
		events:          events,
		restockOnCancel: restockOnCancel,
		logger:          util.GetLogger(),
	}
}

// GetOrder retrieves an order owned by userID
func (s *OrderService) GetOrder(ctx context.Context, userID, orderNumber string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder")
	defer span.End()

	return s.load(ctx, userID, orderNumber)
}

// ListOrders retrieves the user's orders, newest first
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	orders, err := s.orders.ListOrdersByUser(ctx, userID)
	if err != nil {
		return nil, internalError(StageLifecycle, "could not list orders", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// Cancel cancels a pending or confirmed order. notes, when set, replaces the order notes.
func (s *OrderService) Cancel(ctx context.Context, userID, orderNumber, notes string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Cancel")
	defer span.End()

	order, err := s.load(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}

	if !CanTransition(order.Status, models.OrderStatusCancelled) {
		return nil, invalidTransitionError(fmt.Sprintf("order %s is %s and can no longer be cancelled", orderNumber, order.Status))
	}

	if err := s.transition(ctx, order, models.OrderStatusCancelled); err != nil {
		return nil, err
	}
	util.OrdersCancelledTotal.Inc()

	if notes != "" {
		if err := s.orders.UpdateOrderNotes(ctx, order.ID, notes); err != nil {
			s.logger.Error("Failed to store cancellation notes",
				zap.String("order_id", orderNumber),
				zap.Error(err))
		} else {
			order.Notes = notes
		}
	}

	restocked := false
	if s.restockOnCancel {
		restocked = s.restock(ctx, order)
	}

	s.logger.Info("Order cancelled",
		zap.String("order_id", orderNumber),
		zap.String("user_id", userID),
		zap.Bool("restocked", restocked))

	event := &models.OrderCancelledEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderCancelled),
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Restocked:   restocked,
	}
	if err := s.events.PublishOrderCancelled(ctx, event); err != nil {
		s.logger.Error("Failed to publish order.cancelled event", zap.String("order_id", orderNumber), zap.Error(err))
	}

	return order, nil
}

// UpdateStatus moves the order along the lifecycle. Cancellation goes through Cancel.
func (s *OrderService) UpdateStatus(ctx context.Context, userID, orderNumber string, to models.OrderStatus) (*models.Order, error) {
	if to == models.OrderStatusCancelled {
		return s.Cancel(ctx, userID, orderNumber, "")
	}

	ctx, span := util.StartSpan(ctx, "OrderService.UpdateStatus")
	defer span.End()

	order, err := s.load(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}

	from := order.Status
	if !CanTransition(from, to) {
		return nil, invalidTransitionError(fmt.Sprintf("order %s cannot move from %s to %s", orderNumber, from, to))
	}

	if err := s.transition(ctx, order, to); err != nil {
		return nil, err
	}

	event := &models.OrderStatusChangedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeOrderStatusChanged),
		OrderNumber: order.OrderNumber,
		From:        from,
		To:          to,
	}
	if err := s.events.PublishOrderStatusChanged(ctx, event); err != nil {
		s.logger.Error("Failed to publish order.status_changed event", zap.String("order_id", orderNumber), zap.Error(err))
	}

	return order, nil
}

// UpdateNotes replaces the notes of an order owned by userID
func (s *OrderService) UpdateNotes(ctx context.Context, userID, orderNumber, notes string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.UpdateNotes")
	defer span.End()

	order, err := s.load(ctx, userID, orderNumber)
	if err != nil {
		return nil, err
	}

	if err := s.orders.UpdateOrderNotes(ctx, order.ID, notes); err != nil {
		return nil, internalError(StageLifecycle, "could not update notes", err)
	}
	order.Notes = notes
	order.UpdatedAt = time.Now().UTC()
	return order, nil
}

func (s *OrderService) load(ctx context.Context, userID, orderNumber string) (*models.Order, error) {
	order, err := s.orders.GetOrderForUser(ctx, orderNumber, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFoundError(StageLifecycle, fmt.Sprintf("order %s not found", orderNumber), err)
	}
	if err != nil {
		return nil, internalError(StageLifecycle, "could not load order", err)
	}
	return order, nil
}

// transition applies a conditional status update. Losing a race with another
// writer is reported as an invalid transition.
func (s *OrderService) transition(ctx context.Context, order *models.Order, to models.OrderStatus) error {
	ok, err := s.orders.TransitionOrderStatus(ctx, order.ID, order.Status, to)
	if err != nil {
		return internalError(StageLifecycle, "could not update order status", err)
	}
	if !ok {
		return invalidTransitionError(fmt.Sprintf("order %s changed concurrently, reload and retry", order.OrderNumber))
	}

	order.Status = to
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *OrderService) restock(ctx context.Context, order *models.Order) bool {
	ok := true
	for _, item := range order.Items {
		sel := models.VariantSelector{Size: item.Size, Color: item.Color}
		if _, err := s.inventory.Restock(ctx, item.ProductID, sel); err != nil {
			ok = false
			s.logger.Error("Failed to restock cancelled item",
				zap.String("order_id", order.OrderNumber),
				zap.Int64("product_id", item.ProductID),
				zap.Error(err))
		}
	}
	return ok
}
