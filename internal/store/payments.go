package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/models"
)

// CreatePaymentAttempt records an attempt in status initiated, before the gateway is called
func (s *Store) CreatePaymentAttempt(ctx context.Context, attempt *models.PaymentAttempt) error {
	attempt.Status = models.AttemptStatusInitiated
	return s.db.QueryRowxContext(ctx, `
		INSERT INTO payment_attempts (receipt, user_id, amount, amount_minor, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`,
		attempt.Receipt, attempt.UserID, attempt.Amount, attempt.AmountMinor, attempt.Currency, attempt.Status,
	).Scan(&attempt.ID, &attempt.CreatedAt, &attempt.UpdatedAt)
}

// SetAttemptIntent stores the gateway intent id and moves the attempt to created
func (s *Store) SetAttemptIntent(ctx context.Context, attemptID int64, intentID string) error {
	return s.updateAttempt(ctx, attemptID,
		"UPDATE payment_attempts SET intent_id = $2, status = $3, updated_at = NOW() WHERE id = $1",
		intentID, models.AttemptStatusCreated)
}

// MarkAttemptFailed records why the gateway call failed
func (s *Store) MarkAttemptFailed(ctx context.Context, attemptID int64, reason string) error {
	return s.updateAttempt(ctx, attemptID,
		"UPDATE payment_attempts SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1",
		models.AttemptStatusFailed, reason)
}

// GetAttemptByIntentID looks up an attempt by its gateway intent id
func (s *Store) GetAttemptByIntentID(ctx context.Context, intentID string) (*models.PaymentAttempt, error) {
	var attempt models.PaymentAttempt
	err := s.db.GetContext(ctx, &attempt, "SELECT * FROM payment_attempts WHERE intent_id = $1", intentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment attempt for intent %s: %w", intentID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

// MarkAttemptVerified stores the verified payment id. Resolved attempts are left alone.
func (s *Store) MarkAttemptVerified(ctx context.Context, attemptID int64, paymentID string) error {
	return s.updateAttempt(ctx, attemptID, `
		UPDATE payment_attempts SET payment_id = $2, status = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('created', 'verified')`,
		paymentID, models.AttemptStatusVerified)
}

// MarkAttemptResolved links the attempt to the order that consumed it
func (s *Store) MarkAttemptResolved(ctx context.Context, attemptID, orderID int64) error {
	return s.updateAttempt(ctx, attemptID,
		"UPDATE payment_attempts SET order_id = $2, status = $3, last_error = NULL, updated_at = NOW() WHERE id = $1",
		orderID, models.AttemptStatusResolved)
}

// RecordAttemptError keeps the last persistence failure for reconciliation
func (s *Store) RecordAttemptError(ctx context.Context, attemptID int64, reason string) error {
	return s.updateAttempt(ctx, attemptID,
		"UPDATE payment_attempts SET last_error = $2, updated_at = NOW() WHERE id = $1",
		reason)
}

// MarkAttemptFlagged marks a verified attempt as needing manual reconciliation
func (s *Store) MarkAttemptFlagged(ctx context.Context, attemptID int64) error {
	return s.updateAttempt(ctx, attemptID,
		"UPDATE payment_attempts SET status = $2, updated_at = NOW() WHERE id = $1",
		models.AttemptStatusFlagged)
}

// ListStaleVerifiedAttempts returns verified attempts not touched for olderThan
func (s *Store) ListStaleVerifiedAttempts(ctx context.Context, olderThan time.Duration, limit int) ([]models.PaymentAttempt, error) {
	var attempts []models.PaymentAttempt
	err := s.db.SelectContext(ctx, &attempts, `
		SELECT * FROM payment_attempts
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		models.AttemptStatusVerified, time.Now().Add(-olderThan), limit)
	return attempts, err
}

func (s *Store) updateAttempt(ctx context.Context, attemptID int64, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, append([]interface{}{attemptID}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update payment attempt %d: %w", attemptID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("payment attempt %d: %w", attemptID, ErrNotFound)
	}
	return nil
}
