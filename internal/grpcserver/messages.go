package grpcserver

// AccountRequest identifies a wallet owner.
type AccountRequest struct {
	UserID string `json:"user_id"`
}

// AccountResponse describes a wallet.
type AccountResponse struct {
	AccountID      string `json:"account_id"`
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	USDCents       *int64 `json:"usd_cents,omitempty"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type ListTransactionsRequest struct {
	UserID string `json:"user_id"`
	Limit  int32  `json:"limit"`
}

type ListTransactionsResponse struct {
	Transactions []TransactionMessage `json:"transactions"`
}

// TransactionMessage is the wire form of a ledger transaction.
type TransactionMessage struct {
	TransactionID             string `json:"transaction_id"`
	AccountID                 string `json:"account_id"`
	Kind                      string `json:"kind"`
	Amount                    int64  `json:"amount"`
	Status                    string `json:"status"`
	CounterpartyAccountID     string `json:"counterparty_account_id,omitempty"`
	CounterpartyTransactionID string `json:"counterparty_transaction_id,omitempty"`
	ExternalPaymentID         string `json:"external_payment_id,omitempty"`
	PlatformFee               int64  `json:"platform_fee"`
	AgencyFee                 int64  `json:"agency_fee"`
	MetadataJSON              string `json:"metadata_json"`
	CreatedUnixUTC            int64  `json:"created_unix_utc"`
}

type StreamTokenRequest struct {
	ContentID  string `json:"content_id"`
	UserID     string `json:"user_id"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

// TokenMessage is a minted stream token. Query is the URL-encoded form.
type TokenMessage struct {
	ContentID string `json:"content_id"`
	UserID    string `json:"user_id"`
	ExpiresAt int64  `json:"expires_at"`
	Signature string `json:"signature"`
	Query     string `json:"query"`
}

type GrantStreamTokenResponse struct {
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason,omitempty"`
	Token   *TokenMessage `json:"token,omitempty"`
}

type AuthorizeStreamRequest struct {
	ContentID string `json:"content_id"`
	UserID    string `json:"user_id"`
	ExpiresAt string `json:"expires_at"`
	Signature string `json:"signature"`
}

type DescriptorMessage struct {
	ContentID string `json:"content_id"`
	OriginURL string `json:"origin_url"`
	Watermark bool   `json:"watermark"`
	DRM       bool   `json:"drm"`
}

type AuthorizeStreamResponse struct {
	Allowed    bool               `json:"allowed"`
	Reason     string             `json:"reason,omitempty"`
	Descriptor *DescriptorMessage `json:"descriptor,omitempty"`
}

// TipRequest moves tokens between wallets. An empty PlatformRate uses the server default.
type TipRequest struct {
	FromUserID   string `json:"from_user_id"`
	ToUserID     string `json:"to_user_id"`
	Amount       int64  `json:"amount"`
	PlatformRate string `json:"platform_rate,omitempty"`
	AgencyUserID string `json:"agency_user_id,omitempty"`
	AgencyRate   string `json:"agency_rate,omitempty"`
	MetadataJSON string `json:"metadata_json,omitempty"`
}

type UnlockPPVRequest struct {
	UserID       string `json:"user_id"`
	ContentID    string `json:"content_id"`
	PlatformRate string `json:"platform_rate,omitempty"`
}

type TransferResponse struct {
	Debit           TransactionMessage `json:"debit"`
	Credit          TransactionMessage `json:"credit"`
	PlatformFee     int64              `json:"platform_fee"`
	AgencyFee       int64              `json:"agency_fee"`
	CreatorEarnings int64              `json:"creator_earnings"`
}

type DepositRequest struct {
	UserID            string `json:"user_id"`
	Amount            int64  `json:"amount"`
	ExternalPaymentID string `json:"external_payment_id"`
	MetadataJSON      string `json:"metadata_json,omitempty"`
}

type FlagDisputeRequest struct {
	TransactionID     string `json:"transaction_id,omitempty"`
	ExternalPaymentID string `json:"external_payment_id,omitempty"`
}

type DisputeResponse struct {
	Disputed     TransactionMessage  `json:"disputed"`
	Reversal     *TransactionMessage `json:"reversal,omitempty"`
	Recovered    int64               `json:"recovered"`
	Shortfall    int64               `json:"shortfall"`
	ReviewUserID string              `json:"review_user_id"`
}

type RevenueRequest struct {
	UserID string `json:"user_id"`
	Days   int32  `json:"days,omitempty"`
}

// RevenueShareMessage carries Percentage as a two-place decimal string.
type RevenueShareMessage struct {
	Amount     int64  `json:"amount"`
	Percentage string `json:"percentage"`
}

type RevenueDayMessage struct {
	Date    string `json:"date"`
	Revenue int64  `json:"revenue"`
}

type RevenueResponse struct {
	Days          []RevenueDayMessage `json:"days"`
	Subscriptions RevenueShareMessage `json:"subscriptions"`
	PPV           RevenueShareMessage `json:"ppv"`
	Tips          RevenueShareMessage `json:"tips"`
	Total         int64               `json:"total"`
	SinceUnixUTC  int64               `json:"since_unix_utc"`
}
