package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeOrderPlaced                   = "order.placed"
	EventTypeOrderCancelled                = "order.cancelled"
	EventTypeOrderStatusChanged            = "order.status_changed"
	EventTypeInventoryAdjustmentFailed     = "inventory.adjustment_failed"
	EventTypePaymentReconciliationRequired = "payment.reconciliation_required"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseEvent stamps a fresh event id and time
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderPlacedEvent published once an order is committed
type OrderPlacedEvent struct {
	BaseEvent
	OrderNumber   string          `json:"order_number"`
	UserID        string          `json:"user_id"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	Total         decimal.Decimal `json:"total"`
	Currency      string          `json:"currency"`
	Items         []OrderItemData `json:"items"`
}

// OrderCancelledEvent published when a customer cancels
type OrderCancelledEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	UserID      string `json:"user_id"`
	Restocked   bool   `json:"restocked"`
}

// OrderStatusChangedEvent published on lifecycle transitions other than cancel
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderNumber string      `json:"order_number"`
	From        OrderStatus `json:"from"`
	To          OrderStatus `json:"to"`
}

// InventoryAdjustmentFailedEvent asks the inventory worker to retry marking variants unavailable
type InventoryAdjustmentFailedEvent struct {
	BaseEvent
	OrderNumber string `json:"order_number"`
	ProductID   int64  `json:"product_id"`
	Size        string `json:"size,omitempty"`
	Color       string `json:"color,omitempty"`
	Attempt     int    `json:"attempt"`
	Reason      string `json:"reason"`
}

// PaymentReconciliationRequiredEvent flags a verified payment without a local order
type PaymentReconciliationRequiredEvent struct {
	BaseEvent
	AttemptID int64           `json:"attempt_id"`
	UserID    string          `json:"user_id"`
	IntentID  string          `json:"intent_id"`
	PaymentID string          `json:"payment_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	LastError string          `json:"last_error,omitempty"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64           `json:"product_id"`
	VariantID int64           `json:"variant_id"`
	Size      string          `json:"size,omitempty"`
	Color     string          `json:"color,omitempty"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
