package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"
)

const (
	orderNumberPrefix = "ORD-"

	constraintOrderIdempotency = "orders_user_idempotency_key"
	constraintOrderIntent      = "orders_intent_id_key"
)

// NewOrderNumber returns a unique, human-readable order identifier that is
// independent of the internal row id.
func NewOrderNumber() string {
	return orderNumberPrefix + ulid.Make().String()
}

// CreateOrder writes the order and its items in a single transaction. The
// commit is the checkout commit point.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin order transaction: %w", err)
	}
	defer tx.Rollback()

	if order.OrderNumber == "" {
		order.OrderNumber = NewOrderNumber()
	}

	query := `
		INSERT INTO orders (
			order_number, user_id, shipping_address, billing_address,
			amount, shipping, total, currency, status, payment_status,
			payment_method, payment_id, payment_gateway, intent_id, idempotency_key, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		order.OrderNumber, order.UserID, order.ShippingAddress, order.BillingAddress,
		order.Amount, order.Shipping, order.Total, order.Currency, order.Status, order.PaymentStatus,
		order.PaymentMethod, order.PaymentID, order.PaymentGateway, order.IntentID, order.IdempotencyKey, order.Notes,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if constraint, ok := uniqueConstraint(err); ok {
			switch constraint {
			case constraintOrderIdempotency:
				return ErrDuplicateIdempotencyKey
			case constraintOrderIntent:
				return ErrDuplicateIntent
			}
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.OrderID = order.ID
		err = tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, variant_id, name, price, quantity, size, color, image)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			item.OrderID, item.ProductID, item.VariantID, item.Name, item.Price,
			item.Quantity, item.Size, item.Color, item.Image)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

// GetOrderForUser retrieves an order by its public number, scoped to its owner
func (s *Store) GetOrderForUser(ctx context.Context, orderNumber, userID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE order_number = $1 AND user_id = $2", orderNumber, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderNumber, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey retrieves a user's order by idempotency key, or nil
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachItems(ctx, []*models.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderIDByIntentID returns the id of the order paid with intentID
func (s *Store) GetOrderIDByIntentID(ctx context.Context, intentID string) (int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT id FROM orders WHERE intent_id = $1", intentID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("order for intent %s: %w", intentID, ErrNotFound)
	}
	return id, err
}

// ListOrdersByUser retrieves a user's orders, newest first
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, err
	}

	ptrs := make([]*models.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := s.attachItems(ctx, ptrs); err != nil {
		return nil, err
	}
	return orders, nil
}

// TransitionOrderStatus moves an order from one status to another. It reports
// false when the order was no longer in the expected status.
func (s *Store) TransitionOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateOrderNotes replaces the order notes
func (s *Store) UpdateOrderNotes(ctx context.Context, orderID int64, notes string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE orders SET notes = $1, updated_at = NOW() WHERE id = $2",
		notes, orderID)
	return err
}

func (s *Store) attachItems(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]int64, len(orders))
	byID := make(map[int64]*models.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		byID[o.ID] = o
		o.Items = []models.OrderItem{}
	}

	query, args, err := sqlx.In("SELECT * FROM order_items WHERE order_id IN (?) ORDER BY id", ids)
	if err != nil {
		return err
	}
	query = s.db.Rebind(query)

	var items []models.OrderItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return fmt.Errorf("failed to load order items: %w", err)
	}
	for _, item := range items {
		if o, ok := byID[item.OrderID]; ok {
			o.Items = append(o.Items, item)
		}
	}
	return nil
}
