package service

import (
	"context"
	"fmt"
	"time"

	"storefront-service/internal/models"
	"storefront-service/internal/util"

	"go.uber.org/zap"
)

// InventoryAdjuster owns variant availability and checkout holds
type InventoryAdjuster struct {
	store  AvailabilityStore
	holds  HoldStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewInventoryAdjuster creates a new inventory adjuster. holds may be nil, in
// which case checkouts run without variant holds.
func NewInventoryAdjuster(store AvailabilityStore, holds HoldStore, ttl time.Duration) *InventoryAdjuster {
	return &InventoryAdjuster{
		store:  store,
		holds:  holds,
		ttl:    ttl,
		logger: util.GetLogger(),
	}
}

// MarkUnavailable sets availability=false on every variant of the product
// matching sel and returns how many changed
func (ia *InventoryAdjuster) MarkUnavailable(ctx context.Context, productID int64, sel models.VariantSelector) (int64, error) {
	ctx, span := util.StartSpan(ctx, "InventoryAdjuster.MarkUnavailable")
	defer span.End()

	changed, err := ia.store.SetVariantsAvailability(ctx, productID, sel, false)
	if err != nil {
		util.FailSpan(span, err)
		return 0, fmt.Errorf("failed to mark product %d unavailable: %w", productID, err)
	}

	util.VariantsMarkedUnavailable.Add(float64(changed))
	return changed, nil
}

// Restock sets availability=true on every variant of the product matching sel
func (ia *InventoryAdjuster) Restock(ctx context.Context, productID int64, sel models.VariantSelector) (int64, error) {
	ctx, span := util.StartSpan(ctx, "InventoryAdjuster.Restock")
	defer span.End()

	changed, err := ia.store.SetVariantsAvailability(ctx, productID, sel, true)
	if err != nil {
		util.FailSpan(span, err)
		return 0, fmt.Errorf("failed to restock product %d: %w", productID, err)
	}
	return changed, nil
}

// Reserve places a hold on the variant for owner. It reports false only when
// another checkout holds the variant; a Redis failure is logged and treated
// as a granted hold.
func (ia *InventoryAdjuster) Reserve(ctx context.Context, variantID int64, owner string) bool {
	if ia.holds == nil {
		return true
	}

	ok, err := ia.holds.ReserveVariant(ctx, variantID, owner, ia.ttl)
	if err != nil {
		ia.logger.Warn("Variant hold unavailable, continuing without it",
			zap.Int64("variant_id", variantID),
			zap.Error(err))
		return true
	}
	if !ok {
		util.ReservationConflictsTotal.Inc()
	}
	return ok
}

// Release drops the holds owner placed on variantIDs
func (ia *InventoryAdjuster) Release(ctx context.Context, owner string, variantIDs []int64) {
	if ia.holds == nil {
		return
	}
	for _, id := range variantIDs {
		if err := ia.holds.ReleaseVariant(ctx, id, owner); err != nil {
			ia.logger.Warn("Failed to release variant hold",
				zap.Int64("variant_id", id),
				zap.Error(err))
		}
	}
}

// Lock takes the checkout lock for key. It reports false only when another
// request holds it.
func (ia *InventoryAdjuster) Lock(ctx context.Context, key, owner string) bool {
	if ia.holds == nil {
		return true
	}
	ok, err := ia.holds.AcquireLock(ctx, key, owner, ia.ttl)
	if err != nil {
		ia.logger.Warn("Checkout lock unavailable, continuing without it", zap.String("key", key), zap.Error(err))
		return true
	}
	return ok
}

// Unlock releases a lock taken with Lock
func (ia *InventoryAdjuster) Unlock(ctx context.Context, key, owner string) {
	if ia.holds == nil {
		return
	}
	if err := ia.holds.ReleaseLock(ctx, key, owner); err != nil {
		ia.logger.Warn("Failed to release checkout lock", zap.String("key", key), zap.Error(err))
	}
}
