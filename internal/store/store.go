package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdempotencyKey means the user already placed an order with this key
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrDuplicateIntent means an order already references this payment intent
	ErrDuplicateIntent = errors.New("payment intent already used by another order")
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore opens the connection pool. The caller owns the pool and must Close it.
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the pool is usable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateProduct inserts a product together with its variants
func (s *Store) CreateProduct(ctx context.Context, product *models.Product, variants []models.ProductVariant) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.GetContext(ctx, product, `
		INSERT INTO products (slug, title, description, img, category)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`,
		product.Slug, product.Title, product.Description, product.Img, product.Category)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}

	for i := range variants {
		v := &variants[i]
		v.ProductID = product.ID
		err = tx.GetContext(ctx, v, `
			INSERT INTO product_variants (product_id, size, color, price, availability, img)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING *`,
			v.ProductID, v.Size, v.Color, v.Price, v.Availability, v.Img)
		if err != nil {
			return fmt.Errorf("failed to insert variant %s/%s: %w", v.Size, v.Color, err)
		}
	}

	return tx.Commit()
}

// GetProductBySlug retrieves a product by slug
func (s *Store) GetProductBySlug(ctx context.Context, slug string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT * FROM products WHERE slug = $1", slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %q: %w", slug, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetVariantsByProductID retrieves all variants of a product in insertion order
func (s *Store) GetVariantsByProductID(ctx context.Context, productID int64) ([]models.ProductVariant, error) {
	var variants []models.ProductVariant
	err := s.db.SelectContext(ctx, &variants,
		"SELECT * FROM product_variants WHERE product_id = $1 ORDER BY id", productID)
	return variants, err
}

// SetVariantsAvailability sets availability on every variant of the product
// matching sel. Variants already in the target state are left untouched, so the
// returned count is the number of variants that actually changed.
func (s *Store) SetVariantsAvailability(ctx context.Context, productID int64, sel models.VariantSelector, available bool) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE product_variants
		SET availability = $4, updated_at = NOW()
		WHERE product_id = $1
		  AND ($2 = '' OR size = $2)
		  AND ($3 = '' OR color = $3)
		  AND availability <> $4`,
		productID, sel.Size, sel.Color, available)
	if err != nil {
		return 0, fmt.Errorf("failed to update variant availability: %w", err)
	}

	changed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		return changed, nil
	}

	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID); err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("product %d: %w", productID, ErrNotFound)
	}
	return 0, nil
}

func uniqueConstraint(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return pqErr.Constraint, true
	}
	return "", false
}
