package entitlement

import (
	"context"
	"time"
)

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a ledger mutation or an access decision.
// Status is "ok", "denied" or "error"; Reason is set for denials.
type OperationLog struct {
	Operation     string
	UserID        UserID
	Counterparty  UserID
	ContentID     ContentID
	TransactionID TransactionID
	Amount        Tokens
	Status        string
	Reason        DenialReason
	Error         error
}

// Denied reports whether the entry records an access denial.
func (entry OperationLog) Denied() bool {
	return entry.Status == operationStatusDenied
}

// Failed reports whether the entry records an error.
func (entry OperationLog) Failed() bool {
	return entry.Status == operationStatusError
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithEventPublisher wires the live-event sink notified after committed tips.
func WithEventPublisher(publisher EventPublisher) ServiceOption {
	return func(service *Service) {
		service.publisher = publisher
	}
}

// WithStoreTimeout bounds every store-backed operation. Zero leaves the caller's deadline alone.
func WithStoreTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		service.storeTimeout = timeout
	}
}

// WithPlatformAccount materializes the platform's fee share into the given user's account.
func WithPlatformAccount(userID UserID) ServiceOption {
	return func(service *Service) {
		service.ledger.platformUserID = userID
	}
}

// WithIDGenerator replaces the generator used for account and transaction ids.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.ledger.newID = generate
		}
	}
}
