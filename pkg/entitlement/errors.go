package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
)

// Domain-level error values returned by the entitlement service.
var (
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrAccountNotFound           = errors.New("account not found")
	ErrContentNotFound           = errors.New("content not found")
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrPurchaseNotFound          = errors.New("purchase not found")
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrDuplicateIdempotencyKey   = errors.New("duplicate idempotency key")
	ErrDuplicateDeposit          = errors.New("duplicate deposit")
	ErrNotPPV                    = errors.New("content is not pay-per-view")
	ErrAlreadyUnlocked           = errors.New("content already unlocked")
	ErrAlreadyDisputed           = errors.New("transaction already disputed")
	ErrNotDisputable             = errors.New("transaction not disputable")
	ErrTransactionStatusConflict = errors.New("transaction status conflict")
	ErrSelfTransfer              = errors.New("cannot transfer to the same account")
	ErrStoreUnavailable          = errors.New("store unavailable")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidContentID          = errors.New("invalid content id")
	ErrInvalidAccountID          = errors.New("invalid account id")
	ErrInvalidTransactionID      = errors.New("invalid transaction id")
	ErrInvalidExternalPaymentID  = errors.New("invalid external payment id")
	ErrInvalidAmount             = errors.New("invalid amount")
	ErrInvalidTransactionKind    = errors.New("invalid transaction kind")
	ErrInvalidTransactionStatus  = errors.New("invalid transaction status")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidTransfer           = errors.New("invalid transfer")
	ErrInvalidStreamToken        = errors.New("invalid stream token request")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrInvalidBalance            = errors.New("invalid balance")
	ErrInvalidRevenueWindow      = errors.New("invalid revenue window")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// IsTransient reports whether err is a retryable storage failure rather than a domain outcome.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsValidation reports whether err was caused by malformed caller input.
func IsValidation(err error) bool {
	for _, validationError := range []error{
		ErrInvalidUserID,
		ErrInvalidContentID,
		ErrInvalidAccountID,
		ErrInvalidTransactionID,
		ErrInvalidExternalPaymentID,
		ErrInvalidAmount,
		ErrInvalidMetadataJSON,
		ErrInvalidTransfer,
		ErrInvalidStreamToken,
		ErrSelfTransfer,
		ErrInvalidRevenueWindow,
	} {
		if errors.Is(err, validationError) {
			return true
		}
	}
	return false
}

// IsRejection reports whether err is a business outcome the caller caused, such as a short balance or
// malformed input, rather than a store or internal fault.
func IsRejection(err error) bool {
	if err == nil || IsTransient(err) {
		return false
	}
	if IsValidation(err) {
		return true
	}
	for _, outcomeError := range []error{
		ErrInsufficientFunds,
		ErrAccountNotFound,
		ErrContentNotFound,
		ErrSubscriptionNotFound,
		ErrPurchaseNotFound,
		ErrTransactionNotFound,
		ErrDuplicateDeposit,
		ErrNotPPV,
		ErrAlreadyUnlocked,
		ErrAlreadyDisputed,
		ErrNotDisputable,
		pricing.ErrInvalidRate,
		pricing.ErrInvalidGrossAmount,
	} {
		if errors.Is(err, outcomeError) {
			return true
		}
	}
	return false
}
