//go:build integration
// +build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"storefront-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startPostgres(ctx context.Context, t *testing.T) *Store {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "storefront"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(terminateCtx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:postgres@%s:%s/storefront?sslmode=disable", host, port.Port())
	s, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.RunMigrations())
	return s
}

func seedMug(ctx context.Context, t *testing.T, s *Store) (*models.Product, []models.ProductVariant) {
	t.Helper()

	product := &models.Product{Slug: "mug-a", Title: "Mug A", Category: "kitchen"}
	variants := []models.ProductVariant{
		{Size: "M", Color: "red", Price: decimal.NewFromInt(499), Availability: true},
		{Size: "L", Color: "red", Price: decimal.NewFromInt(549), Availability: true},
		{Size: "M", Color: "blue", Price: decimal.NewFromInt(499), Availability: true},
	}
	require.NoError(t, s.CreateProduct(ctx, product, variants))
	return product, variants
}

func testAddress() models.Address {
	return models.Address{
		Name: "Asha", Email: "asha@example.com", Phone: "9999999999", Address: "1 Main Rd",
		City: "Pune", State: "MH", PostalCode: "411001", Country: "IN",
	}
}

func newOrder(userID string, p *models.Product, v models.ProductVariant) *models.Order {
	return &models.Order{
		UserID:          userID,
		ShippingAddress: testAddress(),
		BillingAddress:  testAddress(),
		Amount:          decimal.NewFromInt(998),
		Shipping:        decimal.NewFromInt(50),
		Total:           decimal.NewFromInt(1048),
		Currency:        "INR",
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		PaymentMethod:   models.PaymentMethodCOD,
		Items: []models.OrderItem{{
			ProductID: p.ID, VariantID: v.ID, Name: p.Title, Price: v.Price,
			Quantity: 2, Size: v.Size, Color: v.Color,
		}},
	}
}

func TestStoreIntegration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	s := startPostgres(ctx, t)
	product, variants := seedMug(ctx, t, s)

	t.Run("catalog lookup", func(t *testing.T) {
		got, err := s.GetProductBySlug(ctx, "mug-a")
		require.NoError(t, err)
		assert.Equal(t, product.ID, got.ID)

		vs, err := s.GetVariantsByProductID(ctx, product.ID)
		require.NoError(t, err)
		require.Len(t, vs, 3)
		assert.True(t, vs[0].Price.Equal(decimal.NewFromInt(499)))

		_, err = s.GetProductBySlug(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("order round trip", func(t *testing.T) {
		order := newOrder("user-1", product, variants[0])
		require.NoError(t, s.CreateOrder(ctx, order))
		assert.NotZero(t, order.ID)
		assert.Regexp(t, `^ORD-[0-9A-Z]{26}$`, order.OrderNumber)

		got, err := s.GetOrderForUser(ctx, order.OrderNumber, "user-1")
		require.NoError(t, err)
		assert.True(t, got.Total.Equal(decimal.NewFromInt(1048)))
		assert.Equal(t, testAddress(), got.ShippingAddress)
		require.Len(t, got.Items, 1)
		assert.Equal(t, 2, got.Items[0].Quantity)

		_, err = s.GetOrderForUser(ctx, order.OrderNumber, "someone-else")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("idempotency key is unique per user", func(t *testing.T) {
		first := newOrder("user-2", product, variants[0])
		first.IdempotencyKey = models.StringPtr("key-1")
		require.NoError(t, s.CreateOrder(ctx, first))

		dup := newOrder("user-2", product, variants[0])
		dup.IdempotencyKey = models.StringPtr("key-1")
		assert.ErrorIs(t, s.CreateOrder(ctx, dup), ErrDuplicateIdempotencyKey)

		other := newOrder("user-3", product, variants[0])
		other.IdempotencyKey = models.StringPtr("key-1")
		assert.NoError(t, s.CreateOrder(ctx, other))

		found, err := s.GetOrderByIdempotencyKey(ctx, "user-2", "key-1")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, first.OrderNumber, found.OrderNumber)

		missing, err := s.GetOrderByIdempotencyKey(ctx, "user-2", "key-2")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("conditional status transition", func(t *testing.T) {
		order := newOrder("user-4", product, variants[0])
		require.NoError(t, s.CreateOrder(ctx, order))

		ok, err := s.TransitionOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.TransitionOrderStatus(ctx, order.ID, models.OrderStatusPending, models.OrderStatusCancelled)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.UpdateOrderNotes(ctx, order.ID, "changed my mind"))
		got, err := s.GetOrderForUser(ctx, order.OrderNumber, "user-4")
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusCancelled, got.Status)
		assert.Equal(t, "changed my mind", got.Notes)
	})

	t.Run("list orders newest first", func(t *testing.T) {
		a := newOrder("user-5", product, variants[0])
		require.NoError(t, s.CreateOrder(ctx, a))
		b := newOrder("user-5", product, variants[1])
		require.NoError(t, s.CreateOrder(ctx, b))

		orders, err := s.ListOrdersByUser(ctx, "user-5")
		require.NoError(t, err)
		require.Len(t, orders, 2)
		assert.Equal(t, b.OrderNumber, orders[0].OrderNumber)
		assert.Len(t, orders[1].Items, 1)
	})

	t.Run("availability update honours wildcards", func(t *testing.T) {
		changed, err := s.SetVariantsAvailability(ctx, product.ID, models.VariantSelector{Color: "red"}, false)
		require.NoError(t, err)
		assert.EqualValues(t, 2, changed)

		changed, err = s.SetVariantsAvailability(ctx, product.ID, models.VariantSelector{Color: "red"}, false)
		require.NoError(t, err)
		assert.EqualValues(t, 0, changed)

		vs, err := s.GetVariantsByProductID(ctx, product.ID)
		require.NoError(t, err)
		assert.False(t, vs[0].Availability)
		assert.False(t, vs[1].Availability)
		assert.True(t, vs[2].Availability)

		_, err = s.SetVariantsAvailability(ctx, 999999, models.VariantSelector{}, false)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("payment attempt lifecycle", func(t *testing.T) {
		attempt := &models.PaymentAttempt{
			Receipt: "rcpt_test_1", UserID: "user-6", Amount: decimal.NewFromInt(1048),
			AmountMinor: 104800, Currency: "INR",
		}
		require.NoError(t, s.CreatePaymentAttempt(ctx, attempt))
		require.NoError(t, s.SetAttemptIntent(ctx, attempt.ID, "order_abc"))
		require.NoError(t, s.MarkAttemptVerified(ctx, attempt.ID, "pay_abc"))

		stale, err := s.ListStaleVerifiedAttempts(ctx, -time.Minute, 10)
		require.NoError(t, err)
		require.Len(t, stale, 1)
		assert.Equal(t, "pay_abc", models.Deref(stale[0].PaymentID))

		order := newOrder("user-6", product, variants[2])
		order.IntentID = models.StringPtr("order_abc")
		require.NoError(t, s.CreateOrder(ctx, order))

		dup := newOrder("user-6", product, variants[2])
		dup.IntentID = models.StringPtr("order_abc")
		assert.ErrorIs(t, s.CreateOrder(ctx, dup), ErrDuplicateIntent)

		orderID, err := s.GetOrderIDByIntentID(ctx, "order_abc")
		require.NoError(t, err)
		require.NoError(t, s.MarkAttemptResolved(ctx, attempt.ID, orderID))

		got, err := s.GetAttemptByIntentID(ctx, "order_abc")
		require.NoError(t, err)
		assert.Equal(t, models.AttemptStatusResolved, got.Status)
		require.NotNil(t, got.OrderID)
		assert.Equal(t, orderID, *got.OrderID)

		assert.ErrorIs(t, s.MarkAttemptVerified(ctx, attempt.ID, "pay_other"), ErrNotFound)
	})
}
