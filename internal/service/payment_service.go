package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"storefront-service/internal/gateway"
	"storefront-service/internal/models"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const defaultPaymentLabel = "Order Payment"

// PaymentProof is what the client returns after completing gateway checkout
type PaymentProof struct {
	IntentID  string `json:"intentId" binding:"required"`
	PaymentID string `json:"paymentId" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// IntentResponse is everything the client needs to open gateway checkout
type IntentResponse struct {
	IntentID    string          `json:"intentId"`
	Receipt     string          `json:"receipt"`
	KeyID       string          `json:"keyId"`
	Label       string          `json:"label"`
	Amount      decimal.Decimal `json:"amount"`
	AmountMinor int64           `json:"amountMinor"`
	Currency    string          `json:"currency"`
	Totals      Totals          `json:"totals"`
}

// PaymentService wraps the gateway with the local attempt record
type PaymentService struct {
	attempts PaymentAttemptStore
	gateway  PaymentGateway
	currency string
	logger   *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(attempts PaymentAttemptStore, gw PaymentGateway, currency string) *PaymentService {
	return &PaymentService{
		attempts: attempts,
		gateway:  gw,
		currency: currency,
		logger:   util.GetLogger(),
	}
}

// GatewayName is stored on online orders
func (ps *PaymentService) GatewayName() string {
	return ps.gateway.Name()
}

// CreateIntent records a payment attempt and then creates the gateway intent.
// The attempt exists before any money can move.
func (ps *PaymentService) CreateIntent(ctx context.Context, userID string, totals Totals, label string) (*IntentResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.CreateIntent")
	defer span.End()

	if strings.TrimSpace(label) == "" {
		label = defaultPaymentLabel
	}

	amountMinor := ToMinorUnits(totals.Total)
	if amountMinor <= 0 {
		return nil, paymentError(CodeInvalidAmount, "order total must be positive", gateway.ErrInvalidAmount)
	}

	attempt := &models.PaymentAttempt{
		Receipt:     "rcpt_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24],
		UserID:      userID,
		Amount:      totals.Total,
		AmountMinor: amountMinor,
		Currency:    ps.currency,
	}
	if err := ps.attempts.CreatePaymentAttempt(ctx, attempt); err != nil {
		return nil, internalError(StagePayment, "could not record payment attempt", err)
	}

	intent, err := ps.gateway.CreateIntent(ctx, amountMinor, ps.currency, attempt.Receipt, label)
	if err != nil {
		util.FailSpan(span, err)
		if markErr := ps.attempts.MarkAttemptFailed(ctx, attempt.ID, err.Error()); markErr != nil {
			ps.logger.Error("Failed to mark payment attempt failed",
				zap.Int64("attempt_id", attempt.ID),
				zap.Error(markErr))
		}
		return nil, gatewayError(err)
	}

	if err := ps.attempts.SetAttemptIntent(ctx, attempt.ID, intent.ID); err != nil {
		return nil, internalError(StagePayment, "could not record payment intent", err)
	}

	util.PaymentIntentsCreated.Inc()
	ps.logger.Info("Payment attempt created",
		zap.Int64("attempt_id", attempt.ID),
		zap.String("intent_id", intent.ID),
		zap.String("user_id", userID),
		zap.Int64("amount_minor", amountMinor))

	return &IntentResponse{
		IntentID:    intent.ID,
		Receipt:     attempt.Receipt,
		KeyID:       ps.gateway.KeyID(),
		Label:       label,
		Amount:      totals.Total,
		AmountMinor: amountMinor,
		Currency:    ps.currency,
		Totals:      totals,
	}, nil
}

// VerifyForCheckout checks the proof signature and that the attempt belongs
// to userID, is still open, and was created for exactly total.
func (ps *PaymentService) VerifyForCheckout(ctx context.Context, userID string, proof *PaymentProof, total decimal.Decimal) (*models.PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.VerifyForCheckout")
	defer span.End()

	if proof == nil {
		return nil, verificationFailed("payment proof is required for online orders", nil)
	}

	if err := ps.gateway.VerifyPayment(proof.IntentID, proof.PaymentID, proof.Signature); err != nil {
		util.PaymentVerificationsTotal.WithLabelValues("bad_signature").Inc()
		if errors.Is(err, gateway.ErrGatewayConfig) {
			return nil, gatewayError(err)
		}
		return nil, verificationFailed("payment signature is invalid", err)
	}

	attempt, err := ps.attempts.GetAttemptByIntentID(ctx, proof.IntentID)
	if errors.Is(err, store.ErrNotFound) {
		util.PaymentVerificationsTotal.WithLabelValues("unknown_intent").Inc()
		return nil, verificationFailed("payment intent is unknown", err)
	}
	if err != nil {
		return nil, internalError(StagePayment, "could not load payment attempt", err)
	}

	if attempt.Status != models.AttemptStatusCreated && attempt.Status != models.AttemptStatusVerified {
		util.PaymentVerificationsTotal.WithLabelValues("not_open").Inc()
		return nil, verificationFailed(fmt.Sprintf("payment intent is %s", attempt.Status), nil)
	}

	// A valid signature means the gateway captured money, so the payment id is
	// recorded before any check that can still reject the checkout.
	if err := ps.attempts.MarkAttemptVerified(ctx, attempt.ID, proof.PaymentID); err != nil {
		return nil, internalError(StagePayment, "could not record payment verification", err)
	}
	attempt.Status = models.AttemptStatusVerified
	attempt.PaymentID = models.StringPtr(proof.PaymentID)

	var reason, msg string
	switch {
	case attempt.UserID != userID:
		reason, msg = "wrong_user", "payment intent belongs to another user"
	case attempt.AmountMinor != ToMinorUnits(total):
		reason = "amount_mismatch"
		msg = fmt.Sprintf("payment amount %d does not match order total %d", attempt.AmountMinor, ToMinorUnits(total))
	}
	if reason != "" {
		util.PaymentVerificationsTotal.WithLabelValues(reason).Inc()
		if err := ps.attempts.RecordAttemptError(ctx, attempt.ID, msg); err != nil {
			ps.logger.Error("Failed to record payment mismatch", zap.Int64("attempt_id", attempt.ID), zap.Error(err))
		}
		ps.logger.Warn("Verified payment rejected at checkout",
			zap.Int64("attempt_id", attempt.ID),
			zap.String("payment_id", proof.PaymentID),
			zap.String("reason", reason))
		return nil, verificationFailed(msg, nil)
	}

	util.PaymentVerificationsTotal.WithLabelValues("ok").Inc()
	return attempt, nil
}

// MarkResolved links a verified attempt to its persisted order
func (ps *PaymentService) MarkResolved(ctx context.Context, attemptID, orderID int64) error {
	return ps.attempts.MarkAttemptResolved(ctx, attemptID, orderID)
}

// RecordPersistenceFailure keeps the failure on the attempt for reconciliation
func (ps *PaymentService) RecordPersistenceFailure(ctx context.Context, attemptID int64, cause error) error {
	return ps.attempts.RecordAttemptError(ctx, attemptID, cause.Error())
}

// StaleVerifiedAttempts lists verified attempts idle for longer than grace
func (ps *PaymentService) StaleVerifiedAttempts(ctx context.Context, grace time.Duration, limit int) ([]models.PaymentAttempt, error) {
	return ps.attempts.ListStaleVerifiedAttempts(ctx, grace, limit)
}

// Flag marks an attempt as needing manual reconciliation
func (ps *PaymentService) Flag(ctx context.Context, attemptID int64) error {
	return ps.attempts.MarkAttemptFlagged(ctx, attemptID)
}

func paymentError(code, msg string, err error) *WorkflowError {
	return &WorkflowError{Kind: KindPayment, Code: code, Stage: StagePayment, Message: msg, Err: err}
}

func verificationFailed(msg string, err error) *WorkflowError {
	return &WorkflowError{
		Kind:      KindPayment,
		Code:      CodePaymentVerificationFailed,
		Stage:     StagePayment,
		Message:   msg,
		Retryable: true,
		Err:       err,
	}
}

func gatewayError(err error) *WorkflowError {
	switch {
	case errors.Is(err, gateway.ErrGatewayConfig):
		return paymentError(CodeGatewayConfig, "online payments are not available", err)
	case errors.Is(err, gateway.ErrInvalidAmount):
		return paymentError(CodeInvalidAmount, "order total must be positive", err)
	case errors.Is(err, gateway.ErrGatewayRejected):
		return paymentError(CodeGatewayRejected, "payment provider rejected the request", err)
	case isDeadline(err):
		return timeoutError(StagePayment, err)
	default:
		we := paymentError(CodeGatewayUnavailable, "payment provider is unavailable, try again", err)
		we.Retryable = true
		return we
	}
}
