package entitlement

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tokens is a signed amount of the platform's virtual currency. One token is the smallest unit.
type Tokens int64

// Int64 returns the raw amount.
func (amount Tokens) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with its sign flipped.
func (amount Tokens) Negated() Tokens {
	return -amount
}

// NewPositiveTokens validates an amount and ensures it is strictly positive.
func NewPositiveTokens(raw int64) (Tokens, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Tokens(raw), nil
}

// UserID identifies an authenticated principal.
type UserID struct {
	value string
}

// ContentID identifies a content asset.
type ContentID struct {
	value string
}

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// TransactionID identifies a ledger transaction.
type TransactionID struct {
	value string
}

// ExternalPaymentID is the payment processor's identifier for a settlement.
type ExternalPaymentID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewContentID validates and normalizes a content id.
func NewContentID(raw string) (ContentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ContentID{}, fmt.Errorf("%w: empty value", ErrInvalidContentID)
	}
	return ContentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ContentID) String() string {
	return id.value
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// NewTransactionID validates and normalizes a transaction id.
func NewTransactionID(raw string) (TransactionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return TransactionID{}, fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return TransactionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id TransactionID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id TransactionID) IsZero() bool {
	return id.value == ""
}

// NewExternalPaymentID validates and normalizes a processor payment id.
func NewExternalPaymentID(raw string) (ExternalPaymentID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalPaymentID{}, fmt.Errorf("%w: empty value", ErrInvalidExternalPaymentID)
	}
	return ExternalPaymentID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ExternalPaymentID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id ExternalPaymentID) IsZero() bool {
	return id.value == ""
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Visibility controls who may access a content asset.
type Visibility string

const (
	VisibilityPublic      Visibility = "PUBLIC"
	VisibilitySubscribers Visibility = "SUBSCRIBERS"
	VisibilityPPV         Visibility = "PPV"

	// VisibilityPrivate is set by takedowns; only the owner retains access.
	VisibilityPrivate Visibility = "PRIVATE"
)

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindDeposit         TransactionKind = "DEPOSIT"
	KindTip             TransactionKind = "TIP"
	KindSubscription    TransactionKind = "SUBSCRIPTION"
	KindPurchase        TransactionKind = "PURCHASE"
	KindDisputeReversal TransactionKind = "DISPUTE_REVERSAL"
)

// ParseTransactionKind validates a stored kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch kind := TransactionKind(strings.TrimSpace(raw)); kind {
	case KindDeposit, KindTip, KindSubscription, KindPurchase, KindDisputeReversal:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// String returns the kind label.
func (kind TransactionKind) String() string {
	return string(kind)
}

// isTransferKind reports whether the kind moves value between two accounts.
func (kind TransactionKind) isTransferKind() bool {
	return kind == KindTip || kind == KindSubscription || kind == KindPurchase
}

// isDisputableKind reports whether a payer can charge back a credit of this kind.
// Reversal rows are ledger bookkeeping and never disputable.
func (kind TransactionKind) isDisputableKind() bool {
	return kind == KindDeposit || kind.isTransferKind()
}

// TransactionStatus defines the transaction lifecycle.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusDisputed  TransactionStatus = "DISPUTED"
)

// ParseTransactionStatus validates a stored status.
func ParseTransactionStatus(raw string) (TransactionStatus, error) {
	switch status := TransactionStatus(strings.TrimSpace(raw)); status {
	case StatusPending, StatusCompleted, StatusFailed, StatusDisputed:
		return status, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionStatus, raw)
	}
}

// String returns the status label.
func (status TransactionStatus) String() string {
	return string(status)
}

// Account holds a token balance. Balance is never negative and only changes through the Ledger.
type Account struct {
	ID             AccountID
	UserID         UserID
	Balance        Tokens
	USDCents       *int64
	CreatedUnixUTC int64
}

// Transaction is an immutable ledger record. Only its status may move, COMPLETED to DISPUTED.
type Transaction struct {
	ID                        TransactionID
	AccountID                 AccountID
	Kind                      TransactionKind
	Amount                    Tokens
	Status                    TransactionStatus
	CounterpartyAccountID     AccountID
	CounterpartyTransactionID TransactionID
	ExternalPaymentID         ExternalPaymentID
	IdempotencyKey            string
	PlatformFee               Tokens
	AgencyFee                 Tokens
	Metadata                  MetadataJSON
	CreatedUnixUTC            int64
}

// ContentAsset describes a protected content item.
type ContentAsset struct {
	ID               ContentID
	CreatorID        UserID
	Visibility       Visibility
	Price            Tokens
	ViewLimit        int64
	CurrentViews     int64
	OriginURL        string
	WatermarkEnabled bool
	DRMEnabled       bool
}

// HasViewLimit reports whether per-user views are capped.
func (asset ContentAsset) HasViewLimit() bool {
	return asset.ViewLimit > 0
}

// Subscription links a fan to a creator until ExpiresAtUnixUTC.
type Subscription struct {
	FanID            UserID
	CreatorID        UserID
	Active           bool
	ExpiresAtUnixUTC int64
}

// Purchase records a PPV unlock and the fan's view count for it.
type Purchase struct {
	FanID          UserID
	ContentID      ContentID
	Unlocked       bool
	ViewCount      int64
	CreatedUnixUTC int64
}
