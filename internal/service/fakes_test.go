package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/store"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "test-secret"

// fakeStore is an in-memory stand-in for store.Store
type fakeStore struct {
	mu       sync.Mutex
	products map[string]*models.Product
	variants map[int64][]models.ProductVariant
	orders   []*models.Order
	attempts map[int64]*models.PaymentAttempt
	nextID   int64

	createOrderErr     error
	availabilityErr    error
	transitionConflict bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		products: map[string]*models.Product{},
		variants: map[int64][]models.ProductVariant{},
		attempts: map[int64]*models.PaymentAttempt{},
		nextID:   1000,
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) addProduct(p models.Product, variants ...models.ProductVariant) {
	f.products[p.Slug] = &p
	for i := range variants {
		variants[i].ProductID = p.ID
	}
	f.variants[p.ID] = variants
}

func (f *fakeStore) variant(productID, variantID int64) models.ProductVariant {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range f.variants[productID] {
		if v.ID == variantID {
			return v
		}
	}
	panic(fmt.Sprintf("variant %d not seeded", variantID))
}

func (f *fakeStore) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

func (f *fakeStore) GetProductBySlug(ctx context.Context, slug string) (*models.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[slug]
	if !ok {
		return nil, fmt.Errorf("product %q: %w", slug, store.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) GetVariantsByProductID(ctx context.Context, productID int64) ([]models.ProductVariant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ProductVariant(nil), f.variants[productID]...), nil
}

func (f *fakeStore) SetVariantsAvailability(ctx context.Context, productID int64, sel models.VariantSelector, available bool) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.availabilityErr != nil {
		return 0, f.availabilityErr
	}
	vs, ok := f.variants[productID]
	if !ok {
		return 0, store.ErrNotFound
	}
	var changed int64
	for i := range vs {
		if sel.Matches(vs[i]) && vs[i].Availability != available {
			vs[i].Availability = available
			changed++
		}
	}
	return changed, nil
}

func (f *fakeStore) CreateOrder(ctx context.Context, order *models.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createOrderErr != nil {
		return f.createOrderErr
	}
	for _, o := range f.orders {
		if order.IdempotencyKey != nil && o.IdempotencyKey != nil &&
			o.UserID == order.UserID && *o.IdempotencyKey == *order.IdempotencyKey {
			return store.ErrDuplicateIdempotencyKey
		}
		if order.IntentID != nil && o.IntentID != nil && *o.IntentID == *order.IntentID {
			return store.ErrDuplicateIntent
		}
	}
	order.ID = f.id()
	order.OrderNumber = store.NewOrderNumber()
	order.CreatedAt = time.Now().UTC()
	order.UpdatedAt = order.CreatedAt
	for i := range order.Items {
		order.Items[i].ID = f.id()
		order.Items[i].OrderID = order.ID
	}
	cp := *order
	cp.Items = append([]models.OrderItem(nil), order.Items...)
	f.orders = append(f.orders, &cp)
	return nil
}

func (f *fakeStore) findOrder(pred func(*models.Order) bool) *models.Order {
	for _, o := range f.orders {
		if pred(o) {
			cp := *o
			cp.Items = append([]models.OrderItem(nil), o.Items...)
			return &cp
		}
	}
	return nil
}

func (f *fakeStore) GetOrderForUser(ctx context.Context, orderNumber, userID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.findOrder(func(o *models.Order) bool { return o.OrderNumber == orderNumber && o.UserID == userID })
	if o == nil {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findOrder(func(o *models.Order) bool {
		return o.UserID == userID && models.Deref(o.IdempotencyKey) == key
	}), nil
}

func (f *fakeStore) GetOrderIDByIntentID(ctx context.Context, intentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.findOrder(func(o *models.Order) bool { return models.Deref(o.IntentID) == intentID })
	if o == nil {
		return 0, store.ErrNotFound
	}
	return o.ID, nil
}

func (f *fakeStore) ListOrdersByUser(ctx context.Context, userID string) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for i := len(f.orders) - 1; i >= 0; i-- {
		if f.orders[i].UserID == userID {
			out = append(out, *f.orders[i])
		}
	}
	return out, nil
}

func (f *fakeStore) TransitionOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transitionConflict {
		return false, nil
	}
	for _, o := range f.orders {
		if o.ID == orderID && o.Status == from {
			o.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateOrderNotes(ctx context.Context, orderID int64, notes string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.ID == orderID {
			o.Notes = notes
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) storedOrder(orderNumber string) *models.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.findOrder(func(o *models.Order) bool { return o.OrderNumber == orderNumber })
}

func (f *fakeStore) setOrderStatus(orderNumber string, status models.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.orders {
		if o.OrderNumber == orderNumber {
			o.Status = status
		}
	}
}

func (f *fakeStore) CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt.ID = f.id()
	attempt.CreatedAt = time.Now()
	attempt.UpdatedAt = attempt.CreatedAt
	cp := *attempt
	f.attempts[attempt.ID] = &cp
	return nil
}

func (f *fakeStore) updateAttempt(id int64, fn func(a *models.PaymentAttempt) bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.attempts[id]
	if !ok || !fn(a) {
		return store.ErrNotFound
	}
	a.UpdatedAt = time.Now()
	return nil
}

func (f *fakeStore) SetAttemptIntent(ctx context.Context, attemptID int64, intentID string) error {
	return f.updateAttempt(attemptID, func(a *models.PaymentAttempt) bool {
		a.IntentID = models.StringPtr(intentID)
		a.Status = models.AttemptStatusCreated
		return true
	})
}

func (f *fakeStore) MarkAttemptFailed(ctx context.Context, attemptID int64, reason string) error {
	return f.updateAttempt(attemptID, func(a *models.PaymentAttempt) bool {
		a.Status = models.AttemptStatusFailed
		a.LastError = models.StringPtr(reason)
		return true
	})
}

func (f *fakeStore) GetAttemptByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if models.Deref(a.IntentID) == intentID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) MarkAttemptVerified(ctx context.Context, attemptID int64, paymentID string) error {
	return f.updateAttempt(attemptID, func(a *models.PaymentAttempt) bool {
		if a.Status != models.AttemptStatusCreated && a.Status != models.AttemptStatusVerified {
			return false
		}
		a.PaymentID = models.StringPtr(paymentID)
		a.Status = models.AttemptStatusVerified
		return true
	})
}

func (f *fakeStore) MarkAttemptResolved(ctx context.Context, attemptID, orderID int64) error {
	return f.updateAttempt(attemptID, func(a *models.PaymentAttempt) bool {
		a.Status = models.AttemptStatusResolved
		a.OrderID = &orderID
		a.LastError = nil
		return true
	})
}

func (f *fakeStore) RecordAttemptError(ctx context.Context, attemptID int64, reason string) error {
	return f.updateAttempt(attemptID, func(a *models.PaymentAttempt) bool {
		a.LastError = models.StringPtr(reason)
		return true
	})
}

func (f *fakeStore) MarkAttemptFlagged(ctx context.Context, attemptID int64) error {
	return f.updateAttempt(attemptID, func(a *models.PaymentAttempt) bool {
		a.Status = models.AttemptStatusFlagged
		return true
	})
}

func (f *fakeStore) ListStaleVerifiedAttempts(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []models.PaymentAttempt
	for _, a := range f.attempts {
		if a.Status == models.AttemptStatusVerified && a.UpdatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeStore) attemptByIntent(intentID string) *models.PaymentAttempt {
	a, err := f.GetAttemptByIntentID(context.Background(), intentID)
	if err != nil {
		return nil
	}
	return a
}

// fakeHolds mimics the Redis hold and lock semantics
type fakeHolds struct {
	mu   sync.Mutex
	keys map[string]string
	err  error
}

func newFakeHolds() *fakeHolds {
	return &fakeHolds{keys: map[string]string{}}
}

func (h *fakeHolds) take(key, owner string) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return false, h.err
	}
	if cur, ok := h.keys[key]; ok && cur != owner {
		return false, nil
	}
	h.keys[key] = owner
	return true, nil
}

func (h *fakeHolds) drop(key, owner string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	if h.keys[key] == owner {
		delete(h.keys, key)
	}
	return nil
}

func (h *fakeHolds) ReserveVariant(ctx context.Context, variantID int64, owner string, ttl time.Duration) (bool, error) {
	return h.take(fmt.Sprintf("hold:variant:%d", variantID), owner)
}

func (h *fakeHolds) ReleaseVariant(ctx context.Context, variantID int64, owner string) error {
	return h.drop(fmt.Sprintf("hold:variant:%d", variantID), owner)
}

func (h *fakeHolds) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return h.take("lock:"+key, owner)
}

func (h *fakeHolds) ReleaseLock(ctx context.Context, key, owner string) error {
	return h.drop("lock:"+key, owner)
}

func (h *fakeHolds) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.keys)
}

// fakeGateway verifies with the real HMAC check and hands out local intent ids
type fakeGateway struct {
	*gateway.Razorpay
	mu        sync.Mutex
	n         int
	createErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{Razorpay: gateway.NewRazorpay("rzp_test_key", testSecret, "http://gateway.invalid", time.Second)}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, amountMinor int64, currency, receipt, label string) (*gateway.Intent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.n++
	return &gateway.Intent{ID: fmt.Sprintf("order_test_%d", g.n), Amount: amountMinor, Currency: currency, Receipt: receipt}, nil
}

// fakePublisher records published events
type fakePublisher struct {
	mu             sync.Mutex
	placed         []*models.OrderPlacedEvent
	cancelled      []*models.OrderCancelledEvent
	statusChanged  []*models.OrderStatusChangedEvent
	inventoryFails []*models.InventoryAdjustmentFailedEvent
	reconciliation []*models.PaymentReconciliationRequiredEvent
	err            error
}

func (p *fakePublisher) PublishOrderPlaced(ctx context.Context, e *models.OrderPlacedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placed = append(p.placed, e)
	return p.err
}

func (p *fakePublisher) PublishOrderCancelled(ctx context.Context, e *models.OrderCancelledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = append(p.cancelled, e)
	return p.err
}

func (p *fakePublisher) PublishOrderStatusChanged(ctx context.Context, e *models.OrderStatusChangedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusChanged = append(p.statusChanged, e)
	return p.err
}

func (p *fakePublisher) PublishInventoryAdjustmentFailed(ctx context.Context, e *models.InventoryAdjustmentFailedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inventoryFails = append(p.inventoryFails, e)
	return p.err
}

func (p *fakePublisher) PublishPaymentReconciliationRequired(ctx context.Context, e *models.PaymentReconciliationRequiredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconciliation = append(p.reconciliation, e)
	return p.err
}

type harness struct {
	store     *fakeStore
	holds     *fakeHolds
	gateway   *fakeGateway
	events    *fakePublisher
	inventory *InventoryAdjuster
	payments  *PaymentService
	checkout  *CheckoutOrchestrator
	orders    *OrderService
	logs      *observer.ObservedLogs
}

const (
	mugID     = int64(1)
	mugRedM   = int64(11)
	mugRedL   = int64(12)
	mugBlueM  = int64(13)
	teeID     = int64(2)
	teeBlackS = int64(21)
)

func newHarness(t *testing.T) *harness {
	t.Helper()

	fs := newFakeStore()
	fs.addProduct(models.Product{ID: mugID, Slug: "mug-a", Title: "Mug A", Img: "mug.png"},
		models.ProductVariant{ID: mugRedM, Size: "M", Color: "red", Price: decimal.NewFromInt(499), Availability: true},
		models.ProductVariant{ID: mugRedL, Size: "L", Color: "red", Price: decimal.NewFromInt(549), Availability: true},
		models.ProductVariant{ID: mugBlueM, Size: "M", Color: "blue", Price: decimal.NewFromInt(499), Availability: false},
	)
	fs.addProduct(models.Product{ID: teeID, Slug: "tee-b", Title: "Tee B"},
		models.ProductVariant{ID: teeBlackS, Size: "S", Color: "black", Price: decimal.RequireFromString("299.50"), Availability: true, Img: "tee.png"},
	)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	holds := newFakeHolds()
	gw := newFakeGateway()
	events := &fakePublisher{}

	inventory := NewInventoryAdjuster(fs, holds, time.Minute)
	inventory.logger = logger
	payments := NewPaymentService(fs, gw, "INR")
	payments.logger = logger

	checkout := NewCheckoutOrchestrator(NewCatalogLookup(fs), inventory, payments, fs, events, CheckoutConfig{
		ShippingFlatRate: decimal.NewFromInt(50),
		Currency:         "INR",
		Timeout:          5 * time.Second,
	})
	checkout.logger = logger

	orders := NewOrderService(fs, inventory, events, false)
	orders.logger = logger

	return &harness{
		store:     fs,
		holds:     holds,
		gateway:   gw,
		events:    events,
		inventory: inventory,
		payments:  payments,
		checkout:  checkout,
		orders:    orders,
		logs:      logs,
	}
}

func testAddress() models.Address {
	return models.Address{
		Name: "Asha", Email: "asha@example.com", Phone: "9999999999", Address: "1 Main Rd",
		City: "Pune", State: "MH", PostalCode: "411001", Country: "IN",
	}
}

func mugCart(qty int) []models.CartLine {
	return []models.CartLine{{Slug: "mug-a", Color: "red", Quantity: qty, ClientPrice: decimal.NewFromInt(999)}}
}

func codRequest(lines []models.CartLine) *PlaceOrderRequest {
	return &PlaceOrderRequest{
		UserID:          "user-1",
		Lines:           lines,
		ShippingAddress: testAddress(),
		PaymentMethod:   models.PaymentMethodCOD,
	}
}

func workflowErr(t *testing.T, err error) *WorkflowError {
	t.Helper()
	var we *WorkflowError
	if !errors.As(err, &we) {
		t.Fatalf("expected *WorkflowError, got %T: %v", err, err)
	}
	return we
}
