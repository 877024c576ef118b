package service

import (
	"context"
	"time"

	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
)

// CatalogStore reads products and variants
type CatalogStore interface {
	GetProductBySlug(ctx context.Context, slug string) (*models.Product, error)
	GetVariantsByProductID(ctx context.Context, productID int64) ([]models.ProductVariant, error)
}

// AvailabilityStore flips variant availability
type AvailabilityStore interface {
	SetVariantsAvailability(ctx context.Context, productID int64, sel models.VariantSelector, available bool) (int64, error)
}

// OrderStore persists orders
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrderForUser(ctx context.Context, orderNumber, userID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error)
	GetOrderIDByIntentID(ctx context.Context, intentID string) (int64, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error)
	TransitionOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error)
	UpdateOrderNotes(ctx context.Context, orderID int64, notes string) error
}

// PaymentAttemptStore persists the local reconciliation record of online payments
type PaymentAttemptStore interface {
	CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error
	SetAttemptIntent(ctx context.Context, attemptID int64, intentID string) error
	MarkAttemptFailed(ctx context.Context, attemptID int64, reason string) error
	GetAttemptByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error)
	MarkAttemptVerified(ctx context.Context, attemptID int64, paymentID string) error
	MarkAttemptResolved(ctx context.Context, attemptID, orderID int64) error
	RecordAttemptError(ctx context.Context, attemptID int64, reason string) error
	MarkAttemptFlagged(ctx context.Context, attemptID int64) error
	ListStaleVerifiedAttempts(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentAttempt, error)
}

// HoldStore keeps short-lived variant holds and checkout locks
type HoldStore interface {
	ReserveVariant(ctx context.Context, variantID int64, owner string, ttl time.Duration) (bool, error)
	ReleaseVariant(ctx context.Context, variantID int64, owner string) error
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

// PaymentGateway creates intents and verifies payment proofs
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency, receipt, label string) (*gateway.Intent, error)
	VerifyPayment(intentID, paymentID, signature string) error
	KeyID() string
	Name() string
}

// EventPublisher publishes domain events
type EventPublisher interface {
	PublishOrderPlaced(ctx context.Context, event *models.OrderPlacedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishOrderStatusChanged(ctx context.Context, event *models.OrderStatusChangedEvent) error
	PublishInventoryAdjustmentFailed(ctx context.Context, event *models.InventoryAdjustmentFailedEvent) error
	PublishPaymentReconciliationRequired(ctx context.Context, event *models.PaymentReconciliationRequiredEvent) error
}
