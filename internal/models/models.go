package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog product
type Product struct {
	ID          int64     `db:"id" json:"id"`
	Slug        string    `db:"slug" json:"slug"`
	Title       string    `db:"title" json:"title"`
	Description string    `db:"description" json:"description"`
	Img         string    `db:"img" json:"img"`
	Category    string    `db:"category" json:"category"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ProductVariant is a size/color combination of a product with its own price and availability
type ProductVariant struct {
	ID           int64           `db:"id" json:"id"`
	ProductID    int64           `db:"product_id" json:"product_id"`
	Size         string          `db:"size" json:"size"`
	Color        string          `db:"color" json:"color"`
	Price        decimal.Decimal `db:"price" json:"price"`
	Availability bool            `db:"availability" json:"availability"`
	Img          string          `db:"img" json:"img"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// VariantSelector narrows a product to variants. Empty fields match anything.
type VariantSelector struct {
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
}

// Matches reports whether v satisfies the selector
func (s VariantSelector) Matches(v ProductVariant) bool {
	if s.Size != "" && v.Size != s.Size {
		return false
	}
	if s.Color != "" && v.Color != s.Color {
		return false
	}
	return true
}

// CartLine is a client-held cart entry. ClientPrice is informational only.
type CartLine struct {
	Slug        string          `json:"slug" binding:"required"`
	Size        string          `json:"size,omitempty"`
	Color       string          `json:"color,omitempty"`
	Quantity    int             `json:"quantity" binding:"required,min=1"`
	ClientPrice decimal.Decimal `json:"clientPrice"`
}

// Selector returns the variant selector of the line
func (l CartLine) Selector() VariantSelector {
	return VariantSelector{Size: l.Size, Color: l.Color}
}

// Address is a shipping or billing address, stored as JSONB
type Address struct {
	Name       string `json:"name" binding:"required"`
	Email      string `json:"email" binding:"required,email"`
	Phone      string `json:"phone" binding:"required"`
	Address    string `json:"address" binding:"required"`
	City       string `json:"city" binding:"required"`
	State      string `json:"state" binding:"required"`
	PostalCode string `json:"postalCode" binding:"required"`
	Country    string `json:"country" binding:"required"`
}

// MissingFields lists the json names of empty required fields
func (a Address) MissingFields() []string {
	var missing []string
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	check("name", a.Name)
	check("email", a.Email)
	check("phone", a.Phone)
	check("address", a.Address)
	check("city", a.City)
	check("state", a.State)
	check("postalCode", a.PostalCode)
	check("country", a.Country)
	return missing
}

// Value implements driver.Valuer
func (a Address) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (a *Address) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, a)
	case string:
		return json.Unmarshal([]byte(v), a)
	case nil:
		*a = Address{}
		return nil
	default:
		return fmt.Errorf("unsupported address column type %T", src)
	}
}

// OrderStatus is the fulfilment status of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusReturned  OrderStatus = "returned"
)

// ParseOrderStatus validates a status string
func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned:
		return st, nil
	}
	return "", fmt.Errorf("invalid order status %q", s)
}

// PaymentStatus evolves independently of OrderStatus
type PaymentStatus string

// Payment statuses
const (
	PaymentStatusPending  PaymentStatus = "pending"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentMethod selects the checkout payment path
type PaymentMethod string

// Supported payment methods
const (
	PaymentMethodCOD    PaymentMethod = "cod"
	PaymentMethodOnline PaymentMethod = "online"
)

// ErrUnsupportedPaymentMethod is returned by ParsePaymentMethod
var ErrUnsupportedPaymentMethod = errors.New("unsupported payment method")

// ParsePaymentMethod validates a payment method string
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch m := PaymentMethod(strings.ToLower(strings.TrimSpace(s))); m {
	case PaymentMethodCOD, PaymentMethodOnline:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, s)
}

// Order is a placed customer order
type Order struct {
	ID              int64           `db:"id" json:"-"`
	OrderNumber     string          `db:"order_number" json:"orderId"`
	UserID          string          `db:"user_id" json:"userId"`
	Items           []OrderItem     `db:"-" json:"products"`
	ShippingAddress Address         `db:"shipping_address" json:"shippingAddress"`
	BillingAddress  Address         `db:"billing_address" json:"billingAddress"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	Shipping        decimal.Decimal `db:"shipping" json:"shipping"`
	Total           decimal.Decimal `db:"total" json:"total"`
	Currency        string          `db:"currency" json:"currency"`
	Status          OrderStatus     `db:"status" json:"status"`
	PaymentStatus   PaymentStatus   `db:"payment_status" json:"paymentStatus"`
	PaymentMethod   PaymentMethod   `db:"payment_method" json:"paymentMethod"`
	PaymentID       *string         `db:"payment_id" json:"paymentId,omitempty"`
	PaymentGateway  *string         `db:"payment_gateway" json:"paymentGateway,omitempty"`
	IntentID        *string         `db:"intent_id" json:"intentId,omitempty"`
	IdempotencyKey  *string         `db:"idempotency_key" json:"-"`
	Notes           string          `db:"notes" json:"notes,omitempty"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// OrderItem is a persisted order line with the price resolved at checkout
type OrderItem struct {
	ID        int64           `db:"id" json:"-"`
	OrderID   int64           `db:"order_id" json:"-"`
	ProductID int64           `db:"product_id" json:"productId"`
	VariantID int64           `db:"variant_id" json:"variantId"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Quantity  int             `db:"quantity" json:"quantity"`
	Size      string          `db:"size" json:"size,omitempty"`
	Color     string          `db:"color" json:"color,omitempty"`
	Image     string          `db:"image" json:"image,omitempty"`
}

// AttemptStatus tracks a payment attempt through reconciliation
type AttemptStatus string

// Payment attempt statuses
const (
	AttemptStatusInitiated AttemptStatus = "initiated"
	AttemptStatusCreated   AttemptStatus = "created"
	AttemptStatusVerified  AttemptStatus = "verified"
	AttemptStatusResolved  AttemptStatus = "resolved"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusFlagged   AttemptStatus = "flagged"
)

// PaymentAttempt is the local record of an online payment, written before the
// gateway is called and resolved once the order is persisted.
type PaymentAttempt struct {
	ID          int64           `db:"id" json:"id"`
	Receipt     string          `db:"receipt" json:"receipt"`
	UserID      string          `db:"user_id" json:"user_id"`
	IntentID    *string         `db:"intent_id" json:"intent_id,omitempty"`
	PaymentID   *string         `db:"payment_id" json:"payment_id,omitempty"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
	AmountMinor int64           `db:"amount_minor" json:"amount_minor"`
	Currency    string          `db:"currency" json:"currency"`
	Status      AttemptStatus   `db:"status" json:"status"`
	OrderID     *int64          `db:"order_id" json:"order_id,omitempty"`
	LastError   *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// StringPtr returns nil for an empty string
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or ""
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
