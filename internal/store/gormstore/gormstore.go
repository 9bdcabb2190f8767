package gormstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transactions_idem"
	idempotencyKeyColumn                = "transactions.idempotency_key"
	defaultMetadataJSON                 = "{}"
	pgUniqueViolationCode               = "23505"
	sqlitePrimaryCodeMask               = 0xFF
	sqliteBusyCode                      = 5
	sqliteLockedCode                    = 6
	sqliteUniqueConstraintCode          = 2067
	errorOperationStore                 = "store"
	errorSubjectAccount                 = "account"
	errorSubjectBalance                 = "balance"
	errorSubjectContent                 = "content"
	errorSubjectPurchase                = "purchase"
	errorSubjectSubscription            = "subscription"
	errorSubjectTransaction             = "transaction"
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
)

// Store implements entitlement.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetAccount(ctx context.Context, userID entitlement.UserID) (entitlement.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&model).Error
	if err != nil {
		return entitlement.Account{}, wrapLookupError(errorSubjectAccount, err, entitlement.ErrAccountNotFound)
	}
	return mapAccount(model)
}

// GetAccountByID locks the row for the rest of the enclosing transaction.
func (store *Store) GetAccountByID(ctx context.Context, accountID entitlement.AccountID) (entitlement.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if err != nil {
		return entitlement.Account{}, wrapLookupError(errorSubjectAccount, err, entitlement.ErrAccountNotFound)
	}
	return mapAccount(model)
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID entitlement.UserID, newAccountID entitlement.AccountID, createdUnixUTC int64) (entitlement.Account, error) {
	candidate := Account{
		AccountID: newAccountID.String(),
		UserID:    userID.String(),
		CreatedAt: unixToTime(createdUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return store.GetAccount(ctx, userID)
}

// UpdateAccountBalance applies delta with a conditional UPDATE so the balance can never go negative.
func (store *Store) UpdateAccountBalance(ctx context.Context, accountID entitlement.AccountID, delta entitlement.Tokens) (entitlement.Tokens, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND token_balance + ? >= 0", accountID.String(), delta.Int64()).
		Update("token_balance", gorm.Expr("token_balance + ?", delta.Int64()))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetAccountByID(ctx, accountID); err != nil {
			return 0, err
		}
		return 0, entitlement.ErrInsufficientFunds
	}
	var model Account
	if err := store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error; err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return entitlement.Tokens(model.TokenBalance), nil
}

func (store *Store) AppendTransaction(ctx context.Context, transaction entitlement.Transaction) error {
	model := Transaction{
		TransactionID:             transaction.ID.String(),
		AccountID:                 transaction.AccountID.String(),
		Kind:                      transaction.Kind.String(),
		Amount:                    transaction.Amount.Int64(),
		Status:                    transaction.Status.String(),
		CounterpartyAccountID:     optionalString(transaction.CounterpartyAccountID.String()),
		CounterpartyTransactionID: optionalString(transaction.CounterpartyTransactionID.String()),
		ExternalPaymentID:         optionalString(transaction.ExternalPaymentID.String()),
		IdempotencyKey:            transaction.IdempotencyKey,
		PlatformFee:               transaction.PlatformFee.Int64(),
		AgencyFee:                 transaction.AgencyFee.Int64(),
		Metadata:                  datatypesJSON(transaction.Metadata.String()),
		CreatedAt:                 unixToTime(transaction.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, entitlement.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID entitlement.TransactionID) (entitlement.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).Where("transaction_id = ?", transactionID.String()).Take(&model).Error
	if err != nil {
		return entitlement.Transaction{}, wrapLookupError(errorSubjectTransaction, err, entitlement.ErrTransactionNotFound)
	}
	return mapTransaction(model)
}

func (store *Store) FindDepositByExternalPayment(ctx context.Context, externalPaymentID entitlement.ExternalPaymentID) (entitlement.Transaction, error) {
	var model Transaction
	err := store.db.WithContext(ctx).
		Where("external_payment_id = ? AND kind = ? AND status <> ?",
			externalPaymentID.String(), entitlement.KindDeposit.String(), entitlement.StatusFailed.String()).
		Order("sequence ASC").
		Take(&model).Error
	if err != nil {
		return entitlement.Transaction{}, wrapLookupError(errorSubjectTransaction, err, entitlement.ErrTransactionNotFound)
	}
	return mapTransaction(model)
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID entitlement.TransactionID, from entitlement.TransactionStatus, to entitlement.TransactionStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", transactionID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetTransaction(ctx, transactionID); err != nil {
			return err
		}
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdateStatus, entitlement.ErrTransactionStatusConflict)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, accountID entitlement.AccountID, limit int) ([]entitlement.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("sequence DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]entitlement.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) ListCompletedTransactionsSince(ctx context.Context, accountID entitlement.AccountID, sinceUnixUTC int64) ([]entitlement.Transaction, error) {
	var rows []Transaction
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND status = ? AND created_at >= ?",
			accountID.String(), entitlement.StatusCompleted.String(), time.Unix(sinceUnixUTC, 0).UTC()).
		Order("created_at ASC").
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]entitlement.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) GetSubscription(ctx context.Context, fanID entitlement.UserID, creatorID entitlement.UserID) (entitlement.Subscription, error) {
	var model Subscription
	err := store.db.WithContext(ctx).
		Where("fan_id = ? AND creator_id = ?", fanID.String(), creatorID.String()).
		Take(&model).Error
	if err != nil {
		return entitlement.Subscription{}, wrapLookupError(errorSubjectSubscription, err, entitlement.ErrSubscriptionNotFound)
	}
	return entitlement.Subscription{
		FanID:            fanID,
		CreatorID:        creatorID,
		Active:           model.Active,
		ExpiresAtUnixUTC: model.ExpiresAt.Unix(),
	}, nil
}

func (store *Store) GetContentAsset(ctx context.Context, contentID entitlement.ContentID) (entitlement.ContentAsset, error) {
	var model ContentAsset
	err := store.db.WithContext(ctx).Where("content_id = ?", contentID.String()).Take(&model).Error
	if err != nil {
		return entitlement.ContentAsset{}, wrapLookupError(errorSubjectContent, err, entitlement.ErrContentNotFound)
	}
	creatorID, err := entitlement.NewUserID(model.CreatorID)
	if err != nil {
		return entitlement.ContentAsset{}, wrapStoreError(errorSubjectContent, errorCodeInvalid, err)
	}
	return entitlement.ContentAsset{
		ID:               contentID,
		CreatorID:        creatorID,
		Visibility:       entitlement.Visibility(model.Visibility),
		Price:            entitlement.Tokens(model.Price),
		ViewLimit:        model.ViewLimit,
		CurrentViews:     model.CurrentViews,
		OriginURL:        model.OriginURL,
		WatermarkEnabled: model.WatermarkEnabled,
		DRMEnabled:       model.DRMEnabled,
	}, nil
}

func (store *Store) GetPurchase(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID) (entitlement.Purchase, error) {
	var model Purchase
	err := store.db.WithContext(ctx).
		Where("fan_id = ? AND content_id = ?", fanID.String(), contentID.String()).
		Take(&model).Error
	if err != nil {
		return entitlement.Purchase{}, wrapLookupError(errorSubjectPurchase, err, entitlement.ErrPurchaseNotFound)
	}
	return entitlement.Purchase{
		FanID:          fanID,
		ContentID:      contentID,
		Unlocked:       model.Unlocked,
		ViewCount:      model.ViewCount,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func (store *Store) UnlockPurchase(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID, createdUnixUTC int64) error {
	model := Purchase{
		FanID:     fanID.String(),
		ContentID: contentID.String(),
		Unlocked:  true,
		CreatedAt: unixToTime(createdUnixUTC),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fan_id"}, {Name: "content_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"unlocked": true}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeUnlock, err)
	}
	return nil
}

// IncrementViewCountIfBelowLimit is a single conditional UPDATE; concurrent callers at the limit
// serialize on the row and only one of them sees a changed row.
func (store *Store) IncrementViewCountIfBelowLimit(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID, viewLimit int64) (bool, error) {
	query := store.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("fan_id = ? AND content_id = ? AND unlocked = ?", fanID.String(), contentID.String(), true)
	if viewLimit > 0 {
		query = query.Where("view_count < ?", viewLimit)
	}
	result := query.Update("view_count", gorm.Expr("view_count + 1"))
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeIncrement, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (store *Store) IncrementContentViews(ctx context.Context, contentID entitlement.ContentID) error {
	result := store.db.WithContext(ctx).
		Model(&ContentAsset{}).
		Where("content_id = ?", contentID.String()).
		Update("current_views", gorm.Expr("current_views + 1"))
	if result.Error != nil {
		return wrapStoreError(errorSubjectContent, errorCodeIncrement, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectContent, errorCodeIncrement, entitlement.ErrContentNotFound)
	}
	return nil
}

// PutContentAsset inserts or replaces a content asset. It backs the catalog sync and test fixtures.
func (store *Store) PutContentAsset(ctx context.Context, asset entitlement.ContentAsset) error {
	model := ContentAsset{
		ContentID:        asset.ID.String(),
		CreatorID:        asset.CreatorID.String(),
		Visibility:       string(asset.Visibility),
		Price:            asset.Price.Int64(),
		ViewLimit:        asset.ViewLimit,
		CurrentViews:     asset.CurrentViews,
		OriginURL:        asset.OriginURL,
		WatermarkEnabled: asset.WatermarkEnabled,
		DRMEnabled:       asset.DRMEnabled,
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectContent, errorCodeInsert, err)
	}
	return nil
}

// PutSubscription inserts or replaces a subscription.
func (store *Store) PutSubscription(ctx context.Context, subscription entitlement.Subscription) error {
	model := Subscription{
		FanID:     subscription.FanID.String(),
		CreatorID: subscription.CreatorID.String(),
		Active:    subscription.Active,
		ExpiresAt: unixToTime(subscription.ExpiresAtUnixUTC),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSubscription, errorCodeInsert, err)
	}
	return nil
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, classifyError(err))
}

func wrapLookupError(subject string, err error, notFound error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return wrapStoreError(subject, errorCodeGet, notFound)
	}
	return wrapStoreError(subject, errorCodeGet, err)
}

// classifyError marks connection-level failures and lock contention as retryable.
func classifyError(err error) error {
	if err == nil || errors.Is(err, entitlement.ErrStoreUnavailable) {
		return err
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & sqlitePrimaryCodeMask {
		case sqliteBusyCode, sqliteLockedCode:
			return fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}
	var connectError *pgconn.ConnectError
	if errors.As(err, &connectError) {
		return fmt.Errorf("%w: %v", entitlement.ErrStoreUnavailable, err)
	}
	return err
}

func mapAccount(model Account) (entitlement.Account, error) {
	accountID, err := entitlement.NewAccountID(model.AccountID)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	userID, err := entitlement.NewUserID(model.UserID)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	if model.TokenBalance < 0 {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, entitlement.ErrInvalidBalance)
	}
	return entitlement.Account{
		ID:             accountID,
		UserID:         userID,
		Balance:        entitlement.Tokens(model.TokenBalance),
		USDCents:       model.USDCents,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapTransaction(row Transaction) (entitlement.Transaction, error) {
	transaction, err := parseTransaction(row)
	if err != nil {
		return entitlement.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transaction, nil
}

func parseTransaction(row Transaction) (entitlement.Transaction, error) {
	transactionID, err := entitlement.NewTransactionID(row.TransactionID)
	if err != nil {
		return entitlement.Transaction{}, err
	}
	accountID, err := entitlement.NewAccountID(row.AccountID)
	if err != nil {
		return entitlement.Transaction{}, err
	}
	kind, err := entitlement.ParseTransactionKind(row.Kind)
	if err != nil {
		return entitlement.Transaction{}, err
	}
	status, err := entitlement.ParseTransactionStatus(row.Status)
	if err != nil {
		return entitlement.Transaction{}, err
	}
	metadata, err := entitlement.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return entitlement.Transaction{}, err
	}
	transaction := entitlement.Transaction{
		ID:             transactionID,
		AccountID:      accountID,
		Kind:           kind,
		Amount:         entitlement.Tokens(row.Amount),
		Status:         status,
		IdempotencyKey: row.IdempotencyKey,
		PlatformFee:    entitlement.Tokens(row.PlatformFee),
		AgencyFee:      entitlement.Tokens(row.AgencyFee),
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.CounterpartyAccountID != nil {
		if transaction.CounterpartyAccountID, err = entitlement.NewAccountID(*row.CounterpartyAccountID); err != nil {
			return entitlement.Transaction{}, err
		}
	}
	if row.CounterpartyTransactionID != nil {
		if transaction.CounterpartyTransactionID, err = entitlement.NewTransactionID(*row.CounterpartyTransactionID); err != nil {
			return entitlement.Transaction{}, err
		}
	}
	if row.ExternalPaymentID != nil {
		if transaction.ExternalPaymentID, err = entitlement.NewExternalPaymentID(*row.ExternalPaymentID); err != nil {
			return entitlement.Transaction{}, err
		}
	}
	return transaction, nil
}

func optionalString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func unixToTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

// isIdempotencyConflict matches only the idempotency key index. Other unique violations, such as a reused
// transaction id, stay ordinary insert failures.
func isIdempotencyConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionIdempotencyKey
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteUniqueConstraintCode &&
			strings.Contains(sqliteErr.Error(), idempotencyKeyColumn)
	}
	return false
}

var _ entitlement.Store = (*Store)(nil)
