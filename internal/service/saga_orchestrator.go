package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// postCommitTimeout bounds the best-effort steps that run after the order is saved
const postCommitTimeout = 5 * time.Second

// CheckoutConfig holds the business knobs of the checkout workflow
type CheckoutConfig struct {
	ShippingFlatRate decimal.Decimal
	Currency         string
	Timeout          time.Duration
}

// PrepareIntentRequest asks for a gateway intent covering the cart
type PrepareIntentRequest struct {
	UserID string            `json:"-"`
	Lines  []models.CartLine `json:"products" binding:"required,min=1,dive"`
	Label  string            `json:"label"`
}

// PlaceOrderRequest is the checkout input
type PlaceOrderRequest struct {
	UserID          string               `json:"-"`
	Lines           []models.CartLine    `json:"products" binding:"required,min=1,dive"`
	ShippingAddress models.Address       `json:"shippingAddress"`
	BillingAddress  *models.Address      `json:"billingAddress,omitempty"`
	PaymentMethod   models.PaymentMethod `json:"paymentMethod" binding:"required"`
	Payment         *PaymentProof        `json:"payment,omitempty"`
	IdempotencyKey  string               `json:"idempotencyKey,omitempty"`
	Notes           string               `json:"notes,omitempty"`
}

// PlaceOrderResult is a placed or replayed order
type PlaceOrderResult struct {
	Order    *models.Order
	Replayed bool
}

func validateLines(lines []models.CartLine) *WorkflowError {
	if len(lines) == 0 {
		return validationError(StageValidate, "cart is empty")
	}
	for i, l := range lines {
		if strings.TrimSpace(l.Slug) == "" {
			return validationError(StageValidate, fmt.Sprintf("products[%d]: slug is required", i))
		}
		if l.Quantity < 1 {
			return validationError(StageValidate, fmt.Sprintf("products[%d]: quantity must be at least 1", i))
		}
	}
	return nil
}

// Validate checks the request shape before any catalog or payment work
func (r *PrepareIntentRequest) Validate() error {
	if r.UserID == "" {
		return validationError(StageValidate, "user is required")
	}
	if err := validateLines(r.Lines); err != nil {
		return err
	}
	return nil
}

// Validate checks the request shape and normalises the payment method
func (r *PlaceOrderRequest) Validate() error {
	if r.UserID == "" {
		return validationError(StageValidate, "user is required")
	}
	if err := validateLines(r.Lines); err != nil {
		return err
	}
	if missing := r.ShippingAddress.MissingFields(); len(missing) > 0 {
		return validationError(StageValidate, "shippingAddress is missing "+strings.Join(missing, ", "))
	}
	if r.BillingAddress != nil {
		if missing := r.BillingAddress.MissingFields(); len(missing) > 0 {
			return validationError(StageValidate, "billingAddress is missing "+strings.Join(missing, ", "))
		}
	}

	method, err := models.ParsePaymentMethod(string(r.PaymentMethod))
	if err != nil {
		return validationError(StageValidate, err.Error())
	}
	r.PaymentMethod = method

	if method == models.PaymentMethodOnline && r.Payment == nil {
		return validationError(StagePayment, "payment proof is required for online orders")
	}
	return nil
}

type resolvedLine struct {
	product  *models.Product
	variant  *models.ProductVariant
	quantity int
}

// CheckoutOrchestrator drives validate, price, pay, persist, adjust
type CheckoutOrchestrator struct {
	catalog   *CatalogLookup
	inventory *InventoryAdjuster
	payments  *PaymentService
	orders    OrderStore
	events    EventPublisher
	cfg       CheckoutConfig
	logger    *zap.Logger
}

// NewCheckoutOrchestrator creates a new checkout orchestrator
func NewCheckoutOrchestrator(
	catalog *CatalogLookup,
	inventory *InventoryAdjuster,
	payments *PaymentService,
	orders OrderStore,
	events EventPublisher,
	cfg CheckoutConfig,
) *CheckoutOrchestrator {
	return &CheckoutOrchestrator{
		catalog:   catalog,
		inventory: inventory,
		payments:  payments,
		orders:    orders,
		events:    events,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// PrepareOnlinePayment validates and prices the cart, then creates a gateway intent for the total
func (co *CheckoutOrchestrator) PrepareOnlinePayment(ctx context.Context, req *PrepareIntentRequest) (*IntentResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.PrepareOnlinePayment")
	defer span.End()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, co.cfg.Timeout)
	defer cancel()

	lines, _, err := co.resolveLines(ctx, req.Lines, "")
	if err != nil {
		util.FailSpan(span, err)
		return nil, err
	}

	totals := ComputeTotals(pricedLines(lines), co.cfg.ShippingFlatRate)
	intent, err := co.payments.CreateIntent(ctx, req.UserID, totals, req.Label)
	if err != nil {
		util.FailSpan(span, err)
		return nil, err
	}
	return intent, nil
}

// PlaceOrder runs the checkout workflow. Once the order is saved it is always
// returned, whatever happens to inventory adjustment or event publishing.
func (co *CheckoutOrchestrator) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.PlaceOrder")
	defer span.End()

	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, co.fail(span, req, start, err)
	}
	method := string(req.PaymentMethod)
	util.CheckoutAttemptsTotal.WithLabelValues(method).Inc()
	span.SetAttributes(attribute.String("user_id", req.UserID), attribute.String("payment_method", method))

	ctx, cancel := context.WithTimeout(ctx, co.cfg.Timeout)
	defer cancel()

	owner := uuid.New().String()

	if req.IdempotencyKey != "" {
		if result, err := co.replay(ctx, req.UserID, req.IdempotencyKey); err != nil || result != nil {
			if err != nil {
				return nil, co.fail(span, req, start, err)
			}
			return result, nil
		}

		lockKey := fmt.Sprintf("checkout:%s:%s", req.UserID, req.IdempotencyKey)
		if !co.inventory.Lock(ctx, lockKey, owner) {
			return nil, co.fail(span, req, start, &WorkflowError{
				Kind:      KindConflict,
				Code:      CodeCheckoutInProgress,
				Stage:     StageValidate,
				Message:   "a checkout with this idempotency key is already in progress",
				Retryable: true,
			})
		}
		defer func() {
			unlockCtx, cancel := detach(ctx)
			defer cancel()
			co.inventory.Unlock(unlockCtx, lockKey, owner)
		}()
	}

	lines, held, err := co.resolveLines(ctx, req.Lines, owner)
	defer func() {
		releaseCtx, cancel := detach(ctx)
		defer cancel()
		co.inventory.Release(releaseCtx, owner, held)
	}()
	if err != nil {
		return nil, co.fail(span, req, start, err)
	}

	totals := ComputeTotals(pricedLines(lines), co.cfg.ShippingFlatRate)
	order := co.buildOrder(req, lines, totals)

	var attempt *models.PaymentAttempt
	if req.PaymentMethod == models.PaymentMethodOnline {
		attempt, err = co.payments.VerifyForCheckout(ctx, req.UserID, req.Payment, totals.Total)
		if err != nil {
			return nil, co.fail(span, req, start, err)
		}
		order.Status = models.OrderStatusConfirmed
		order.PaymentStatus = models.PaymentStatusPaid
		order.PaymentID = models.StringPtr(req.Payment.PaymentID)
		order.IntentID = models.StringPtr(req.Payment.IntentID)
		order.PaymentGateway = models.StringPtr(co.payments.GatewayName())
	}

	if err := ctx.Err(); err != nil {
		return nil, co.fail(span, req, start, timeoutError(StagePersist, err))
	}

	if err := co.orders.CreateOrder(ctx, order); err != nil {
		result, perr := co.persistFailed(ctx, req, attempt, err)
		if perr != nil {
			return nil, co.fail(span, req, start, perr)
		}
		return result, nil
	}

	util.OrdersPlacedTotal.WithLabelValues(method).Inc()
	co.logger.Info("Order placed",
		zap.String("order_id", order.OrderNumber),
		zap.String("user_id", order.UserID),
		zap.String("payment_method", method),
		zap.String("total", order.Total.StringFixed(2)))

	postCtx, cancelPost := detach(ctx)
	defer cancelPost()
	co.afterCommit(postCtx, order, attempt)

	util.CheckoutDuration.WithLabelValues(method, "placed").Observe(time.Since(start).Seconds())
	return &PlaceOrderResult{Order: order}, nil
}

func (co *CheckoutOrchestrator) replay(ctx context.Context, userID, key string) (*PlaceOrderResult, error) {
	existing, err := co.orders.GetOrderByIdempotencyKey(ctx, userID, key)
	if err != nil {
		return nil, internalError(StageValidate, "could not check idempotency key", err)
	}
	if existing == nil {
		return nil, nil
	}

	util.CheckoutReplaysTotal.Inc()
	co.logger.Info("Idempotent checkout replayed",
		zap.String("order_id", existing.OrderNumber),
		zap.String("user_id", userID))
	return &PlaceOrderResult{Order: existing, Replayed: true}, nil
}

// resolveLines re-resolves every cart line and drops the ones that cannot be
// bought. A non-empty owner also places holds; held variants are returned so
// they can be released.
func (co *CheckoutOrchestrator) resolveLines(ctx context.Context, cart []models.CartLine, owner string) ([]resolvedLine, []int64, error) {
	var (
		lines []resolvedLine
		held  []int64
	)

	for _, cl := range cart {
		product, variant, err := co.catalog.Resolve(ctx, cl.Slug, cl.Selector())
		if errors.Is(err, store.ErrNotFound) {
			util.CartLinesDroppedTotal.WithLabelValues("not_found").Inc()
			co.logger.Info("Dropping cart line", zap.String("slug", cl.Slug), zap.String("reason", "not_found"))
			continue
		}
		if err != nil {
			return nil, held, internalError(StagePrice, "could not resolve cart", err)
		}

		if !variant.Availability {
			util.CartLinesDroppedTotal.WithLabelValues("unavailable").Inc()
			co.logger.Info("Dropping cart line", zap.String("slug", cl.Slug), zap.String("reason", "unavailable"))
			continue
		}

		if owner != "" {
			if !co.inventory.Reserve(ctx, variant.ID, owner) {
				util.CartLinesDroppedTotal.WithLabelValues("held").Inc()
				co.logger.Info("Dropping cart line", zap.String("slug", cl.Slug), zap.String("reason", "held"))
				continue
			}
			held = append(held, variant.ID)
		}

		lines = append(lines, resolvedLine{product: product, variant: variant, quantity: cl.Quantity})
	}

	if len(lines) == 0 {
		return nil, held, &WorkflowError{
			Kind:    KindValidation,
			Code:    CodeNoValidItems,
			Stage:   StagePrice,
			Message: "none of the products in the cart are available",
		}
	}
	return lines, held, nil
}

func pricedLines(lines []resolvedLine) []PricedLine {
	priced := make([]PricedLine, len(lines))
	for i, l := range lines {
		priced[i] = PricedLine{Price: l.variant.Price, Quantity: l.quantity}
	}
	return priced
}

func (co *CheckoutOrchestrator) buildOrder(req *PlaceOrderRequest, lines []resolvedLine, totals Totals) *models.Order {
	billing := req.ShippingAddress
	if req.BillingAddress != nil {
		billing = *req.BillingAddress
	}

	items := make([]models.OrderItem, len(lines))
	for i, l := range lines {
		image := l.variant.Img
		if image == "" {
			image = l.product.Img
		}
		items[i] = models.OrderItem{
			ProductID: l.product.ID,
			VariantID: l.variant.ID,
			Name:      l.product.Title,
			Price:     l.variant.Price,
			Quantity:  l.quantity,
			Size:      l.variant.Size,
			Color:     l.variant.Color,
			Image:     image,
		}
	}

	return &models.Order{
		UserID:          req.UserID,
		Items:           items,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  billing,
		Amount:          totals.Amount,
		Shipping:        totals.Shipping,
		Total:           totals.Total,
		Currency:        co.cfg.Currency,
		Status:          models.OrderStatusPending,
		PaymentStatus:   models.PaymentStatusPending,
		PaymentMethod:   req.PaymentMethod,
		IdempotencyKey:  models.StringPtr(req.IdempotencyKey),
		Notes:           req.Notes,
	}
}

// persistFailed classifies a failed order write. A concurrent duplicate of the
// same idempotency key is answered with the winning order.
func (co *CheckoutOrchestrator) persistFailed(ctx context.Context, req *PlaceOrderRequest, attempt *models.PaymentAttempt, err error) (*PlaceOrderResult, error) {
	dctx, cancel := detach(ctx)
	defer cancel()

	switch {
	case errors.Is(err, store.ErrDuplicateIdempotencyKey):
		result, replayErr := co.replay(dctx, req.UserID, req.IdempotencyKey)
		if replayErr == nil && result != nil {
			return result, nil
		}
		return nil, &WorkflowError{
			Kind: KindConflict, Code: CodeCheckoutInProgress, Stage: StagePersist,
			Message: "a checkout with this idempotency key already exists", Err: err,
		}
	case errors.Is(err, store.ErrDuplicateIntent):
		return nil, verificationFailed("payment was already used for another order", err)
	}

	if attempt == nil && isDeadline(err) {
		// The insert may have committed before the deadline fired.
		return nil, &WorkflowError{
			Kind:    KindTimeout,
			Code:    CodeOrderOutcomeUnknown,
			Stage:   StagePersist,
			Message: "checkout timed out while saving the order; check your orders before placing it again",
			Err:     err,
		}
	}

	if attempt == nil {
		return nil, &WorkflowError{
			Kind:      KindPersistence,
			Code:      CodeOrderNotSaved,
			Stage:     StagePersist,
			Message:   "the order could not be saved",
			Retryable: true,
			Err:       err,
		}
	}

	co.logger.Error("Payment captured but order not saved",
		zap.Int64("attempt_id", attempt.ID),
		zap.String("intent_id", models.Deref(attempt.IntentID)),
		zap.String("payment_id", req.Payment.PaymentID),
		zap.String("user_id", req.UserID),
		zap.String("amount", attempt.Amount.StringFixed(2)),
		zap.Error(err))

	if recErr := co.payments.RecordPersistenceFailure(dctx, attempt.ID, err); recErr != nil {
		co.logger.Error("Failed to record persistence failure on payment attempt",
			zap.Int64("attempt_id", attempt.ID),
			zap.Error(recErr))
	}

	return nil, &WorkflowError{
		Kind:    KindPersistence,
		Code:    CodePaymentCapturedOrderNotSaved,
		Stage:   StagePersist,
		Message: "your payment was received but the order could not be saved; contact support with payment id " + req.Payment.PaymentID,
		Err:     err,
	}
}

// afterCommit runs the best-effort steps that follow the commit point
func (co *CheckoutOrchestrator) afterCommit(ctx context.Context, order *models.Order, attempt *models.PaymentAttempt) {
	if attempt != nil {
		if err := co.payments.MarkResolved(ctx, attempt.ID, order.ID); err != nil {
			co.logger.Warn("Failed to resolve payment attempt, sweeper will retry",
				zap.Int64("attempt_id", attempt.ID),
				zap.String("order_id", order.OrderNumber),
				zap.Error(err))
		}
	}

	eventItems := make([]models.OrderItemData, 0, len(order.Items))
	for _, item := range order.Items {
		sel := models.VariantSelector{Size: item.Size, Color: item.Color}
		if _, err := co.inventory.MarkUnavailable(ctx, item.ProductID, sel); err != nil {
			co.inventoryFailed(ctx, order.OrderNumber, item.ProductID, sel, err)
		}

		eventItems = append(eventItems, models.OrderItemData{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Size:      item.Size,
			Color:     item.Color,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}

	event := &models.OrderPlacedEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderPlaced),
		OrderNumber:   order.OrderNumber,
		UserID:        order.UserID,
		PaymentMethod: order.PaymentMethod,
		PaymentStatus: order.PaymentStatus,
		Total:         order.Total,
		Currency:      order.Currency,
		Items:         eventItems,
	}
	if err := co.events.PublishOrderPlaced(ctx, event); err != nil {
		co.logger.Error("Failed to publish order.placed event",
			zap.String("order_id", order.OrderNumber),
			zap.Error(err))
	}
}

func (co *CheckoutOrchestrator) inventoryFailed(ctx context.Context, orderNumber string, productID int64, sel models.VariantSelector, cause error) {
	util.InventoryAdjustmentsFailed.Inc()
	werr := &WorkflowError{
		Kind:    KindInventoryAdjustment,
		Stage:   StageInventory,
		Message: "availability not updated",
		Err:     cause,
	}
	co.logger.Error("Inventory adjustment failed",
		zap.String("order_id", orderNumber),
		zap.Int64("product_id", productID),
		zap.String("size", sel.Size),
		zap.String("color", sel.Color),
		zap.Error(werr))

	event := &models.InventoryAdjustmentFailedEvent{
		BaseEvent:   models.NewBaseEvent(models.EventTypeInventoryAdjustmentFailed),
		OrderNumber: orderNumber,
		ProductID:   productID,
		Size:        sel.Size,
		Color:       sel.Color,
		Attempt:     1,
		Reason:      cause.Error(),
	}
	if err := co.events.PublishInventoryAdjustmentFailed(ctx, event); err != nil {
		co.logger.Error("Failed to publish inventory.adjustment_failed event",
			zap.String("order_id", orderNumber),
			zap.Error(err))
	}
}

func (co *CheckoutOrchestrator) fail(span trace.Span, req *PlaceOrderRequest, start time.Time, err error) error {
	we := AsWorkflowError(err)
	util.FailSpan(span, we)
	util.CheckoutFailuresTotal.WithLabelValues(string(we.Kind), string(we.Stage)).Inc()
	method := req.PaymentMethod
	if method != models.PaymentMethodCOD && method != models.PaymentMethodOnline {
		method = "unknown"
	}
	util.CheckoutDuration.WithLabelValues(string(method), "failed").Observe(time.Since(start).Seconds())

	co.logger.Warn("Checkout failed",
		zap.String("user_id", req.UserID),
		zap.String("kind", string(we.Kind)),
		zap.String("code", we.Code),
		zap.String("stage", string(we.Stage)),
		zap.Error(err))
	return we
}

func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
}
