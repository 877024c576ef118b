package service

import (
	"context"
	"fmt"

	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

// CatalogLookup resolves cart references against live catalog state
type CatalogLookup struct {
	store CatalogStore
}

// NewCatalogLookup creates a new catalog lookup
func NewCatalogLookup(store CatalogStore) *CatalogLookup {
	return &CatalogLookup{store: store}
}

// Resolve returns the product for slug and the first variant matching sel,
// preferring an available one. Unknown slugs and unmatched selectors wrap
// store.ErrNotFound.
func (c *CatalogLookup) Resolve(ctx context.Context, slug string, sel models.VariantSelector) (*models.Product, *models.ProductVariant, error) {
	ctx, span := util.StartSpan(ctx, "CatalogLookup.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("slug", slug))

	product, err := c.store.GetProductBySlug(ctx, slug)
	if err != nil {
		return nil, nil, err
	}

	variants, err := c.store.GetVariantsByProductID(ctx, product.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load variants of %q: %w", slug, err)
	}

	var fallback *models.ProductVariant
	for i := range variants {
		v := &variants[i]
		if !sel.Matches(*v) {
			continue
		}
		if v.Availability {
			return product, v, nil
		}
		if fallback == nil {
			fallback = v
		}
	}
	if fallback != nil {
		return product, fallback, nil
	}

	return nil, nil, fmt.Errorf("variant %s/%s of %q: %w", sel.Size, sel.Color, slug, store.ErrNotFound)
}
