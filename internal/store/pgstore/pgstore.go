package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transactions_idem"
	pgUniqueViolationCode               = "23505"
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectBalance                 = "balance"
	errorSubjectContent                 = "content"
	errorSubjectPurchase                = "purchase"
	errorSubjectSchema                  = "schema"
	errorSubjectSubscription            = "subscription"
	errorSubjectTransaction             = "transaction"
	errorCodeBegin                      = "begin"
	errorCodeCommit                     = "commit"
	errorCodeCreate                     = "create"
	errorCodeDuplicate                  = "duplicate"
	errorCodeGet                        = "get"
	errorCodeIncrement                  = "increment"
	errorCodeInsert                     = "insert"
	errorCodeInvalid                    = "invalid"
	errorCodeList                       = "list"
	errorCodeLookup                     = "lookup"
	errorCodeUnlock                     = "unlock"
	errorCodeUpdate                     = "update"
	errorCodeUpdateStatus               = "update_status"

	// Schema matches the tables gormstore migrates, so either store can serve the same database.
	Schema = `
		create table if not exists accounts (
			account_id uuid primary key,
			user_id text not null,
			token_balance bigint not null default 0 check (token_balance >= 0),
			usd_cents bigint,
			created_at timestamptz not null
		);
		create unique index if not exists idx_accounts_user on accounts(user_id);

		create table if not exists transactions (
			sequence bigserial primary key,
			transaction_id uuid not null,
			account_id uuid not null,
			kind text not null,
			amount bigint not null,
			status text not null,
			counterparty_account_id text,
			counterparty_transaction_id text,
			external_payment_id text,
			idempotency_key text not null,
			platform_fee bigint not null default 0,
			agency_fee bigint not null default 0,
			metadata jsonb not null default '{}',
			created_at timestamptz not null
		);
		create unique index if not exists idx_transactions_id on transactions(transaction_id);
		create unique index if not exists uniq_transactions_idem on transactions(idempotency_key);
		create index if not exists idx_transactions_account_created on transactions(account_id, created_at);
		create index if not exists idx_transactions_external_payment on transactions(external_payment_id);

		create table if not exists content_assets (
			content_id text primary key,
			creator_id text not null,
			visibility text not null,
			price bigint not null default 0,
			view_limit bigint not null default 0,
			current_views bigint not null default 0,
			origin_url text not null default '',
			watermark_enabled boolean not null default false,
			drm_enabled boolean not null default false
		);
		create index if not exists idx_content_assets_creator on content_assets(creator_id);

		create table if not exists subscriptions (
			fan_id text not null,
			creator_id text not null,
			active boolean not null,
			expires_at timestamptz not null,
			primary key (fan_id, creator_id)
		);

		create table if not exists purchases (
			fan_id text not null,
			content_id text not null,
			unlocked boolean not null,
			view_count bigint not null default 0,
			created_at timestamptz not null,
			primary key (fan_id, content_id)
		);
	`

	sqlInsertAccount = `
		insert into accounts(account_id, user_id, token_balance, created_at)
		values ($1, $2, 0, to_timestamp($3))
		on conflict (user_id) do nothing
	`

	sqlSelectAccountColumns = `
		select account_id::text, user_id, token_balance, usd_cents, extract(epoch from created_at)::bigint
		from accounts
	`

	sqlSelectAccountByUser = sqlSelectAccountColumns + ` where user_id = $1`

	sqlSelectAccountByIDForUpdate = sqlSelectAccountColumns + ` where account_id = $1 for update`

	sqlUpdateBalance = `
		update accounts set token_balance = token_balance + $2
		where account_id = $1 and token_balance + $2 >= 0
		returning token_balance
	`

	sqlUpsertContentAsset = `
		insert into content_assets(content_id, creator_id, visibility, price, view_limit, current_views, origin_url, watermark_enabled, drm_enabled)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		on conflict (content_id) do update set
			creator_id = excluded.creator_id,
			visibility = excluded.visibility,
			price = excluded.price,
			view_limit = excluded.view_limit,
			current_views = excluded.current_views,
			origin_url = excluded.origin_url,
			watermark_enabled = excluded.watermark_enabled,
			drm_enabled = excluded.drm_enabled
	`

	sqlUpsertSubscription = `
		insert into subscriptions(fan_id, creator_id, active, expires_at)
		values ($1, $2, $3, to_timestamp($4))
		on conflict (fan_id, creator_id) do update set
			active = excluded.active,
			expires_at = excluded.expires_at
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, account_id, kind, amount, status,
			counterparty_account_id, counterparty_transaction_id, external_payment_id,
			idempotency_key, platform_fee, agency_fee, metadata, created_at
		)
		values (
			$1, $2, $3, $4, $5,
			nullif($6,''), nullif($7,''), nullif($8,''),
			$9, $10, $11, coalesce(nullif($12,''),'{}')::jsonb, to_timestamp($13)
		)
	`

	sqlSelectTransactionColumns = `
		select
			transaction_id::text,
			account_id::text,
			kind,
			amount,
			status,
			coalesce(counterparty_account_id,''),
			coalesce(counterparty_transaction_id,''),
			coalesce(external_payment_id,''),
			idempotency_key,
			platform_fee,
			agency_fee,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from transactions
	`

	sqlSelectTransactionByID = sqlSelectTransactionColumns + ` where transaction_id = $1`

	sqlSelectDepositByExternalPayment = sqlSelectTransactionColumns + `
		where external_payment_id = $1 and kind = 'DEPOSIT' and status <> 'FAILED'
		order by sequence asc
		limit 1
		for update
	`

	sqlListTransactions = sqlSelectTransactionColumns + `
		where account_id = $1
		order by sequence desc
		limit $2
	`

	sqlListCompletedTransactionsSince = sqlSelectTransactionColumns + `
		where account_id = $1 and status = 'COMPLETED' and created_at >= to_timestamp($2)
		order by created_at asc, sequence asc
	`

	sqlUpdateTransactionStatus = `
		update transactions set status = $3
		where transaction_id = $1 and status = $2
	`

	sqlSelectSubscription = `
		select active, extract(epoch from expires_at)::bigint
		from subscriptions
		where fan_id = $1 and creator_id = $2
	`

	sqlSelectContentAsset = `
		select creator_id, visibility, price, view_limit, current_views, origin_url, watermark_enabled, drm_enabled
		from content_assets
		where content_id = $1
	`

	sqlSelectPurchase = `
		select unlocked, view_count, extract(epoch from created_at)::bigint
		from purchases
		where fan_id = $1 and content_id = $2
	`

	sqlUnlockPurchase = `
		insert into purchases(fan_id, content_id, unlocked, view_count, created_at)
		values ($1, $2, true, 0, to_timestamp($3))
		on conflict (fan_id, content_id) do update set unlocked = true
	`

	sqlIncrementViewCount = `
		update purchases set view_count = view_count + 1
		where fan_id = $1 and content_id = $2 and unlocked and ($3::bigint <= 0 or view_count < $3::bigint)
	`

	sqlIncrementContentViews = `
		update content_assets set current_views = current_views + 1
		where content_id = $1
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row
}

// Store implements entitlement.Store using a pgx connection pool.
// Outside WithTx every statement autocommits.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate creates the schema when it does not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, userID entitlement.UserID) (entitlement.Account, error) {
	return store.scanAccount(store.db.QueryRow(ctx, sqlSelectAccountByUser, userID.String()))
}

// GetAccountByID locks the row for the rest of the enclosing transaction.
func (store *Store) GetAccountByID(ctx context.Context, accountID entitlement.AccountID) (entitlement.Account, error) {
	return store.scanAccount(store.db.QueryRow(ctx, sqlSelectAccountByIDForUpdate, accountID.String()))
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID entitlement.UserID, newAccountID entitlement.AccountID, createdUnixUTC int64) (entitlement.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, newAccountID.String(), userID.String(), createdUnixUTC); err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return store.GetAccount(ctx, userID)
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID entitlement.AccountID, delta entitlement.Tokens) (entitlement.Tokens, error) {
	var balance int64
	err := store.db.QueryRow(ctx, sqlUpdateBalance, accountID.String(), delta.Int64()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupError := store.GetAccountByID(ctx, accountID); lookupError != nil {
			return 0, lookupError
		}
		return 0, entitlement.ErrInsufficientFunds
	}
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, err)
	}
	return entitlement.Tokens(balance), nil
}

func (store *Store) AppendTransaction(ctx context.Context, transaction entitlement.Transaction) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transaction.ID.String(),
		transaction.AccountID.String(),
		transaction.Kind.String(),
		transaction.Amount.Int64(),
		transaction.Status.String(),
		transaction.CounterpartyAccountID.String(),
		transaction.CounterpartyTransactionID.String(),
		transaction.ExternalPaymentID.String(),
		transaction.IdempotencyKey,
		transaction.PlatformFee.Int64(),
		transaction.AgencyFee.Int64(),
		transaction.Metadata.String(),
		transaction.CreatedUnixUTC,
	)
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, entitlement.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID entitlement.TransactionID) (entitlement.Transaction, error) {
	return scanTransaction(store.db.QueryRow(ctx, sqlSelectTransactionByID, transactionID.String()))
}

func (store *Store) FindDepositByExternalPayment(ctx context.Context, externalPaymentID entitlement.ExternalPaymentID) (entitlement.Transaction, error) {
	return scanTransaction(store.db.QueryRow(ctx, sqlSelectDepositByExternalPayment, externalPaymentID.String()))
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID entitlement.TransactionID, from entitlement.TransactionStatus, to entitlement.TransactionStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateTransactionStatus, transactionID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := store.GetTransaction(ctx, transactionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, entitlement.ErrTransactionStatusConflict)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID entitlement.AccountID, limit int) ([]entitlement.Transaction, error) {
	return store.queryTransactions(ctx, sqlListTransactions, accountID.String(), limit)
}

func (store *Store) ListCompletedTransactionsSince(ctx context.Context, accountID entitlement.AccountID, sinceUnixUTC int64) ([]entitlement.Transaction, error) {
	return store.queryTransactions(ctx, sqlListCompletedTransactionsSince, accountID.String(), sinceUnixUTC)
}

func (store *Store) queryTransactions(ctx context.Context, statement string, arguments ...any) ([]entitlement.Transaction, error) {
	rows, err := store.db.Query(ctx, statement, arguments...)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	var transactions []entitlement.Transaction
	for rows.Next() {
		transaction, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	return transactions, nil
}

func (store *Store) GetSubscription(ctx context.Context, fanID entitlement.UserID, creatorID entitlement.UserID) (entitlement.Subscription, error) {
	subscription := entitlement.Subscription{FanID: fanID, CreatorID: creatorID}
	err := store.db.QueryRow(ctx, sqlSelectSubscription, fanID.String(), creatorID.String()).Scan(&subscription.Active, &subscription.ExpiresAtUnixUTC)
	if err != nil {
		return entitlement.Subscription{}, wrapLookupError(errorSubjectSubscription, err, entitlement.ErrSubscriptionNotFound)
	}
	return subscription, nil
}

func (store *Store) GetContentAsset(ctx context.Context, contentID entitlement.ContentID) (entitlement.ContentAsset, error) {
	var (
		creatorValue    string
		visibilityValue string
		priceValue      int64
	)
	asset := entitlement.ContentAsset{ID: contentID}
	err := store.db.QueryRow(ctx, sqlSelectContentAsset, contentID.String()).Scan(
		&creatorValue,
		&visibilityValue,
		&priceValue,
		&asset.ViewLimit,
		&asset.CurrentViews,
		&asset.OriginURL,
		&asset.WatermarkEnabled,
		&asset.DRMEnabled,
	)
	if err != nil {
		return entitlement.ContentAsset{}, wrapLookupError(errorSubjectContent, err, entitlement.ErrContentNotFound)
	}
	creatorID, err := entitlement.NewUserID(creatorValue)
	if err != nil {
		return entitlement.ContentAsset{}, wrapStoreError(errorSubjectContent, errorCodeInvalid, err)
	}
	asset.CreatorID = creatorID
	asset.Visibility = entitlement.Visibility(visibilityValue)
	asset.Price = entitlement.Tokens(priceValue)
	return asset, nil
}

func (store *Store) GetPurchase(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID) (entitlement.Purchase, error) {
	purchase := entitlement.Purchase{FanID: fanID, ContentID: contentID}
	err := store.db.QueryRow(ctx, sqlSelectPurchase, fanID.String(), contentID.String()).Scan(&purchase.Unlocked, &purchase.ViewCount, &purchase.CreatedUnixUTC)
	if err != nil {
		return entitlement.Purchase{}, wrapLookupError(errorSubjectPurchase, err, entitlement.ErrPurchaseNotFound)
	}
	return purchase, nil
}

func (store *Store) UnlockPurchase(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID, createdUnixUTC int64) error {
	if _, err := store.db.Exec(ctx, sqlUnlockPurchase, fanID.String(), contentID.String(), createdUnixUTC); err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUnlock, err)
	}
	return nil
}

func (store *Store) IncrementViewCountIfBelowLimit(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID, viewLimit int64) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlIncrementViewCount, fanID.String(), contentID.String(), viewLimit)
	if err != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeIncrement, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (store *Store) IncrementContentViews(ctx context.Context, contentID entitlement.ContentID) error {
	tag, err := store.db.Exec(ctx, sqlIncrementContentViews, contentID.String())
	if err != nil {
		return wrapStoreError(errorSubjectContent, errorCodeIncrement, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectContent, errorCodeIncrement, entitlement.ErrContentNotFound)
	}
	return nil
}

// PutContentAsset inserts or replaces a content asset.
func (store *Store) PutContentAsset(ctx context.Context, asset entitlement.ContentAsset) error {
	_, err := store.db.Exec(ctx, sqlUpsertContentAsset,
		asset.ID.String(),
		asset.CreatorID.String(),
		string(asset.Visibility),
		asset.Price.Int64(),
		asset.ViewLimit,
		asset.CurrentViews,
		asset.OriginURL,
		asset.WatermarkEnabled,
		asset.DRMEnabled,
	)
	if err != nil {
		return wrapStoreError(errorSubjectContent, errorCodeInsert, err)
	}
	return nil
}

// PutSubscription inserts or replaces a subscription.
func (store *Store) PutSubscription(ctx context.Context, subscription entitlement.Subscription) error {
	_, err := store.db.Exec(ctx, sqlUpsertSubscription,
		subscription.FanID.String(),
		subscription.CreatorID.String(),
		subscription.Active,
		subscription.ExpiresAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) scanAccount(row pgx.Row) (entitlement.Account, error) {
	var (
		accountValue string
		userValue    string
		balanceValue int64
		usdCents     *int64
		createdUnix  int64
	)
	if err := row.Scan(&accountValue, &userValue, &balanceValue, &usdCents, &createdUnix); err != nil {
		return entitlement.Account{}, wrapLookupError(errorSubjectAccount, err, entitlement.ErrAccountNotFound)
	}
	accountID, err := entitlement.NewAccountID(accountValue)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	userID, err := entitlement.NewUserID(userValue)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return entitlement.Account{
		ID:             accountID,
		UserID:         userID,
		Balance:        entitlement.Tokens(balanceValue),
		USDCents:       usdCents,
		CreatedUnixUTC: createdUnix,
	}, nil
}

func scanTransaction(row pgx.Row) (entitlement.Transaction, error) {
	var (
		transactionValue  string
		accountValue      string
		kindValue         string
		amountValue       int64
		statusValue       string
		counterpartyValue string
		counterTxValue    string
		paymentValue      string
		idempotencyKey    string
		platformFee       int64
		agencyFee         int64
		metadataValue     string
		createdUnix       int64
	)
	err := row.Scan(
		&transactionValue,
		&accountValue,
		&kindValue,
		&amountValue,
		&statusValue,
		&counterpartyValue,
		&counterTxValue,
		&paymentValue,
		&idempotencyKey,
		&platformFee,
		&agencyFee,
		&metadataValue,
		&createdUnix,
	)
	if err != nil {
		return entitlement.Transaction{}, wrapLookupError(errorSubjectTransaction, err, entitlement.ErrTransactionNotFound)
	}
	transaction, err := parseTransaction(transactionValue, accountValue, kindValue, statusValue, counterpartyValue, counterTxValue, paymentValue, metadataValue)
	if err != nil {
		return entitlement.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	transaction.Amount = entitlement.Tokens(amountValue)
	transaction.IdempotencyKey = idempotencyKey
	transaction.PlatformFee = entitlement.Tokens(platformFee)
	transaction.AgencyFee = entitlement.Tokens(agencyFee)
	transaction.CreatedUnixUTC = createdUnix
	return transaction, nil
}

func parseTransaction(transactionValue, accountValue, kindValue, statusValue, counterpartyValue, counterTxValue, paymentValue, metadataValue string) (entitlement.Transaction, error) {
	var transaction entitlement.Transaction
	var err error
	if transaction.ID, err = entitlement.NewTransactionID(transactionValue); err != nil {
		return entitlement.Transaction{}, err
	}
	if transaction.AccountID, err = entitlement.NewAccountID(accountValue); err != nil {
		return entitlement.Transaction{}, err
	}
	if transaction.Kind, err = entitlement.ParseTransactionKind(kindValue); err != nil {
		return entitlement.Transaction{}, err
	}
	if transaction.Status, err = entitlement.ParseTransactionStatus(statusValue); err != nil {
		return entitlement.Transaction{}, err
	}
	if transaction.Metadata, err = entitlement.NewMetadataJSON(metadataValue); err != nil {
		return entitlement.Transaction{}, err
	}
	if counterpartyValue != "" {
		if transaction.CounterpartyAccountID, err = entitlement.NewAccountID(counterpartyValue); err != nil {
			return entitlement.Transaction{}, err
		}
	}
	if counterTxValue != "" {
		if transaction.CounterpartyTransactionID, err = entitlement.NewTransactionID(counterTxValue); err != nil {
			return entitlement.Transaction{}, err
		}
	}
	if paymentValue != "" {
		if transaction.ExternalPaymentID, err = entitlement.NewExternalPaymentID(paymentValue); err != nil {
			return entitlement.Transaction{}, err
		}
	}
	return transaction, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, classifyError(err))
}

func wrapLookupError(subject string, err error, notFound error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return wrapStoreError(subject, errorCodeGet, notFound)
	}
	return wrapStoreError(subject, errorCodeGet, err)
}

// classifyError marks connection-level failures as retryable.
func classifyError(err error) error {
	if err == nil || errors.Is(err, entitlement.ErrStoreUnavailable) {
		return err
	}
	var connectError *pgconn.ConnectError
	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) || errors.As(err, &connectError) {
		return fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}
	return err
}

func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	return false
}

var _ entitlement.Store = (*Store)(nil)
