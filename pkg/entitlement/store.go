package entitlement

import "context"

// Store is the persistence contract used by the Ledger, Evaluator and Gateway.
//
// Every implementation must make UpdateAccountBalance and IncrementViewCountIfBelowLimit atomic
// conditional writes, and WithTx must commit all writes made through txStore or none of them.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	GetAccount(ctx context.Context, userID UserID) (Account, error)
	GetAccountByID(ctx context.Context, accountID AccountID) (Account, error)
	GetOrCreateAccount(ctx context.Context, userID UserID, newAccountID AccountID, createdUnixUTC int64) (Account, error)
	// UpdateAccountBalance adds delta and returns the new balance, or ErrInsufficientFunds
	// without writing when the result would be negative.
	UpdateAccountBalance(ctx context.Context, accountID AccountID, delta Tokens) (Tokens, error)

	AppendTransaction(ctx context.Context, transaction Transaction) error
	GetTransaction(ctx context.Context, transactionID TransactionID) (Transaction, error)
	// FindDepositByExternalPayment returns the non-failed deposit settled by externalPaymentID.
	FindDepositByExternalPayment(ctx context.Context, externalPaymentID ExternalPaymentID) (Transaction, error)
	UpdateTransactionStatus(ctx context.Context, transactionID TransactionID, from TransactionStatus, to TransactionStatus) error
	ListTransactions(ctx context.Context, accountID AccountID, limit int) ([]Transaction, error)
	// ListCompletedTransactionsSince returns the account's COMPLETED transactions created at or after
	// sinceUnixUTC, oldest first.
	ListCompletedTransactionsSince(ctx context.Context, accountID AccountID, sinceUnixUTC int64) ([]Transaction, error)

	GetSubscription(ctx context.Context, fanID UserID, creatorID UserID) (Subscription, error)
	GetContentAsset(ctx context.Context, contentID ContentID) (ContentAsset, error)
	GetPurchase(ctx context.Context, fanID UserID, contentID ContentID) (Purchase, error)
	// UnlockPurchase creates an unlocked purchase, or unlocks an existing locked one keeping its view count.
	UnlockPurchase(ctx context.Context, fanID UserID, contentID ContentID, createdUnixUTC int64) error
	// IncrementViewCountIfBelowLimit bumps an unlocked purchase's view count when it is below viewLimit
	// (viewLimit <= 0 means unlimited) and reports whether a row changed.
	IncrementViewCountIfBelowLimit(ctx context.Context, fanID UserID, contentID ContentID, viewLimit int64) (bool, error)
	IncrementContentViews(ctx context.Context, contentID ContentID) error
}

// EventPublisher receives live events after the ledger change they describe has committed.
type EventPublisher interface {
	PublishTip(ctx context.Context, event TipEvent) error
}

// TipEvent announces a completed tip to live viewers.
type TipEvent struct {
	FromUserID      UserID
	ToUserID        UserID
	Amount          Tokens
	CreatorEarnings Tokens
	TransactionID   TransactionID
	CreatedUnixUTC  int64
}
