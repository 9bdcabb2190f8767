package entitlement

import "time"

const (
	operationOpenAccount      = "open_account"
	operationMintStreamToken  = "mint_stream_token"
	operationGrantStreamToken = "grant_stream_token"
	operationAuthorizeStream  = "authorize_stream"
	operationTip              = "tip"
	operationUnlockPPV        = "unlock_ppv"
	operationDeposit          = "deposit"
	operationFailedDeposit    = "failed_deposit"
	operationFlagDispute      = "flag_dispute"
	operationPublishTipEvent  = "publish_tip_event"

	operationStatusOK     = "ok"
	operationStatusDenied = "denied"
	operationStatusError  = "error"

	idempotencyKeyDelimiter   = ":"
	idempotencyPrefixTransfer = "transfer"
	idempotencyPrefixDeposit  = "deposit"
	idempotencyPrefixFailed   = "deposit_failed"
	idempotencyPrefixDispute  = "dispute"
	idempotencySuffixDebit    = "debit"
	idempotencySuffixCredit   = "credit"
	idempotencySuffixPlatform = "platform"
	idempotencySuffixAgency   = "agency"

	defaultListTransactionsLimit = 50
	maxListTransactionsLimit     = 200

	defaultStreamTokenTTL = time.Hour
)

// DenialReason is the caller-facing explanation of a denied access decision.
type DenialReason string

const (
	ReasonInvalidURL           DenialReason = "Invalid or expired URL"
	ReasonSubscriptionRequired DenialReason = "Subscription required"
	ReasonPurchaseRequired     DenialReason = "Purchase required"
	ReasonViewLimitReached     DenialReason = "View limit reached"
	ReasonAccessDenied         DenialReason = "Access denied"
	ReasonContentNotFound      DenialReason = "Content not found"
)

// String returns the reason text.
func (reason DenialReason) String() string {
	return string(reason)
}
