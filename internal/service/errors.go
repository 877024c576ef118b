package service

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable class of a workflow failure
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindNotFound            ErrorKind = "not_found"
	KindPayment             ErrorKind = "payment"
	KindPersistence         ErrorKind = "persistence"
	KindInventoryAdjustment ErrorKind = "inventory_adjustment"
	KindInvalidTransition   ErrorKind = "invalid_transition"
	KindConflict            ErrorKind = "conflict"
	KindTimeout             ErrorKind = "timeout"
	KindInternal            ErrorKind = "internal"
)

// Stage is the checkout step a failure happened in
type Stage string

const (
	StageValidate  Stage = "validate"
	StagePrice     Stage = "price"
	StagePayment   Stage = "payment"
	StagePersist   Stage = "persist"
	StageInventory Stage = "inventory"
	StageLifecycle Stage = "lifecycle"
)

// Error codes surfaced to clients
const (
	CodeInvalidRequest               = "InvalidRequest"
	CodeNoValidItems                 = "NoValidItems"
	CodeOrderNotFound                = "OrderNotFound"
	CodeGatewayConfig                = "GatewayConfigError"
	CodeInvalidAmount                = "InvalidAmount"
	CodeGatewayUnavailable           = "GatewayUnavailable"
	CodeGatewayRejected              = "GatewayRejected"
	CodePaymentVerificationFailed    = "PaymentVerificationFailed"
	CodePaymentCapturedOrderNotSaved = "PaymentCapturedOrderNotSaved"
	CodeOrderNotSaved                = "OrderNotSaved"
	CodeInvalidTransition            = "InvalidTransition"
	CodeCheckoutInProgress           = "CheckoutInProgress"
	CodeCheckoutTimeout              = "CheckoutTimeout"
	CodeOrderOutcomeUnknown          = "OrderOutcomeUnknown"
	CodeInternal                     = "InternalError"
)

// WorkflowError is returned by every service operation
type WorkflowError struct {
	Kind      ErrorKind
	Code      string
	Stage     Stage
	Message   string
	Retryable bool
	Err       error
}

func (e *WorkflowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Stage, e.Message)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// AsWorkflowError extracts a *WorkflowError from err, wrapping anything else as internal
func AsWorkflowError(err error) *WorkflowError {
	var we *WorkflowError
	if errors.As(err, &we) {
		return we
	}
	return &WorkflowError{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

func validationError(stage Stage, msg string) *WorkflowError {
	return &WorkflowError{Kind: KindValidation, Code: CodeInvalidRequest, Stage: stage, Message: msg, Retryable: true}
}

func notFoundError(stage Stage, msg string, err error) *WorkflowError {
	return &WorkflowError{Kind: KindNotFound, Code: CodeOrderNotFound, Stage: stage, Message: msg, Err: err}
}

func internalError(stage Stage, msg string, err error) *WorkflowError {
	if isDeadline(err) {
		return timeoutError(stage, err)
	}
	return &WorkflowError{Kind: KindInternal, Code: CodeInternal, Stage: stage, Message: msg, Retryable: true, Err: err}
}

func timeoutError(stage Stage, err error) *WorkflowError {
	return &WorkflowError{
		Kind:      KindTimeout,
		Code:      CodeCheckoutTimeout,
		Stage:     stage,
		Message:   "checkout timed out before the order was saved; it is safe to retry",
		Retryable: true,
		Err:       err,
	}
}

func invalidTransitionError(msg string) *WorkflowError {
	return &WorkflowError{Kind: KindInvalidTransition, Code: CodeInvalidTransition, Stage: StageLifecycle, Message: msg}
}

func isDeadline(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
