// Package memstore is an in-memory entitlement.Store.
//
// Transactions run against a private copy of the state while holding the store mutex and replace the
// committed state only when the callback succeeds, which makes them serializable. Calls made outside
// WithTx are individually atomic.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
)

type pairKey struct {
	left  string
	right string
}

type state struct {
	accounts        map[string]entitlement.Account
	accountByUser   map[string]string
	transactions    []entitlement.Transaction
	transactionByID map[string]int
	idempotencyKeys map[string]struct{}
	contents        map[string]entitlement.ContentAsset
	subscriptions   map[pairKey]entitlement.Subscription
	purchases       map[pairKey]entitlement.Purchase
}

func newState() *state {
	return &state{
		accounts:        map[string]entitlement.Account{},
		accountByUser:   map[string]string{},
		transactionByID: map[string]int{},
		idempotencyKeys: map[string]struct{}{},
		contents:        map[string]entitlement.ContentAsset{},
		subscriptions:   map[pairKey]entitlement.Subscription{},
		purchases:       map[pairKey]entitlement.Purchase{},
	}
}

func (current *state) clone() *state {
	copied := newState()
	for key, value := range current.accounts {
		copied.accounts[key] = value
	}
	for key, value := range current.accountByUser {
		copied.accountByUser[key] = value
	}
	copied.transactions = append(make([]entitlement.Transaction, 0, len(current.transactions)), current.transactions...)
	for key, value := range current.transactionByID {
		copied.transactionByID[key] = value
	}
	for key := range current.idempotencyKeys {
		copied.idempotencyKeys[key] = struct{}{}
	}
	for key, value := range current.contents {
		copied.contents[key] = value
	}
	for key, value := range current.subscriptions {
		copied.subscriptions[key] = value
	}
	for key, value := range current.purchases {
		copied.purchases[key] = value
	}
	return copied
}

// Store implements entitlement.Store in memory.
type Store struct {
	mu      *sync.Mutex
	shared  **state
	pending *state
	inTx    bool
}

// New returns an empty Store.
func New() *Store {
	committed := newState()
	return &Store{mu: &sync.Mutex{}, shared: &committed}
}

// WithTx runs fn against a snapshot and commits it when fn returns nil.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	transactionStore := &Store{mu: store.mu, shared: store.shared, pending: (*store.shared).clone(), inTx: true}
	if err := fn(ctx, transactionStore); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	*store.shared = transactionStore.pending
	return nil
}

func (store *Store) access(ctx context.Context, fn func(data *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if store.inTx {
		return fn(store.pending)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(*store.shared)
}

// PutContentAsset seeds or replaces a content asset.
func (store *Store) PutContentAsset(asset entitlement.ContentAsset) {
	_ = store.access(context.Background(), func(data *state) error {
		data.contents[asset.ID.String()] = asset
		return nil
	})
}

// PutSubscription seeds or replaces a subscription.
func (store *Store) PutSubscription(subscription entitlement.Subscription) {
	_ = store.access(context.Background(), func(data *state) error {
		data.subscriptions[pairKey{subscription.FanID.String(), subscription.CreatorID.String()}] = subscription
		return nil
	})
}

// PutPurchase seeds or replaces a purchase record.
func (store *Store) PutPurchase(purchase entitlement.Purchase) {
	_ = store.access(context.Background(), func(data *state) error {
		data.purchases[pairKey{purchase.FanID.String(), purchase.ContentID.String()}] = purchase
		return nil
	})
}

// SetVisibility changes an asset's visibility, as a takedown does.
func (store *Store) SetVisibility(contentID entitlement.ContentID, visibility entitlement.Visibility) error {
	return store.access(context.Background(), func(data *state) error {
		asset, ok := data.contents[contentID.String()]
		if !ok {
			return entitlement.ErrContentNotFound
		}
		asset.Visibility = visibility
		data.contents[contentID.String()] = asset
		return nil
	})
}

func (store *Store) GetAccount(ctx context.Context, userID entitlement.UserID) (entitlement.Account, error) {
	var account entitlement.Account
	err := store.access(ctx, func(data *state) error {
		accountID, ok := data.accountByUser[userID.String()]
		if !ok {
			return entitlement.ErrAccountNotFound
		}
		account = data.accounts[accountID]
		return nil
	})
	return account, err
}

func (store *Store) GetAccountByID(ctx context.Context, accountID entitlement.AccountID) (entitlement.Account, error) {
	var account entitlement.Account
	err := store.access(ctx, func(data *state) error {
		found, ok := data.accounts[accountID.String()]
		if !ok {
			return entitlement.ErrAccountNotFound
		}
		account = found
		return nil
	})
	return account, err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, userID entitlement.UserID, newAccountID entitlement.AccountID, createdUnixUTC int64) (entitlement.Account, error) {
	var account entitlement.Account
	err := store.access(ctx, func(data *state) error {
		if accountID, ok := data.accountByUser[userID.String()]; ok {
			account = data.accounts[accountID]
			return nil
		}
		account = entitlement.Account{ID: newAccountID, UserID: userID, CreatedUnixUTC: createdUnixUTC}
		data.accounts[newAccountID.String()] = account
		data.accountByUser[userID.String()] = newAccountID.String()
		return nil
	})
	return account, err
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID entitlement.AccountID, delta entitlement.Tokens) (entitlement.Tokens, error) {
	var balance entitlement.Tokens
	err := store.access(ctx, func(data *state) error {
		account, ok := data.accounts[accountID.String()]
		if !ok {
			return entitlement.ErrAccountNotFound
		}
		if account.Balance+delta < 0 {
			return entitlement.ErrInsufficientFunds
		}
		account.Balance += delta
		data.accounts[accountID.String()] = account
		balance = account.Balance
		return nil
	})
	return balance, err
}

func (store *Store) AppendTransaction(ctx context.Context, transaction entitlement.Transaction) error {
	return store.access(ctx, func(data *state) error {
		if _, exists := data.idempotencyKeys[transaction.IdempotencyKey]; exists {
			return entitlement.ErrDuplicateIdempotencyKey
		}
		data.idempotencyKeys[transaction.IdempotencyKey] = struct{}{}
		data.transactionByID[transaction.ID.String()] = len(data.transactions)
		data.transactions = append(data.transactions, transaction)
		return nil
	})
}

func (store *Store) GetTransaction(ctx context.Context, transactionID entitlement.TransactionID) (entitlement.Transaction, error) {
	var transaction entitlement.Transaction
	err := store.access(ctx, func(data *state) error {
		index, ok := data.transactionByID[transactionID.String()]
		if !ok {
			return entitlement.ErrTransactionNotFound
		}
		transaction = data.transactions[index]
		return nil
	})
	return transaction, err
}

func (store *Store) FindDepositByExternalPayment(ctx context.Context, externalPaymentID entitlement.ExternalPaymentID) (entitlement.Transaction, error) {
	var transaction entitlement.Transaction
	err := store.access(ctx, func(data *state) error {
		for _, candidate := range data.transactions {
			if candidate.Kind == entitlement.KindDeposit &&
				candidate.Status != entitlement.StatusFailed &&
				candidate.ExternalPaymentID == externalPaymentID {
				transaction = candidate
				return nil
			}
		}
		return entitlement.ErrTransactionNotFound
	})
	return transaction, err
}

func (store *Store) UpdateTransactionStatus(ctx context.Context, transactionID entitlement.TransactionID, from entitlement.TransactionStatus, to entitlement.TransactionStatus) error {
	return store.access(ctx, func(data *state) error {
		index, ok := data.transactionByID[transactionID.String()]
		if !ok {
			return entitlement.ErrTransactionNotFound
		}
		if data.transactions[index].Status != from {
			return entitlement.ErrTransactionStatusConflict
		}
		data.transactions[index].Status = to
		return nil
	})
}

func (store *Store) ListTransactions(ctx context.Context, accountID entitlement.AccountID, limit int) ([]entitlement.Transaction, error) {
	var transactions []entitlement.Transaction
	err := store.access(ctx, func(data *state) error {
		for index := len(data.transactions) - 1; index >= 0 && len(transactions) < limit; index-- {
			if data.transactions[index].AccountID == accountID {
				transactions = append(transactions, data.transactions[index])
			}
		}
		return nil
	})
	return transactions, err
}

func (store *Store) ListCompletedTransactionsSince(ctx context.Context, accountID entitlement.AccountID, sinceUnixUTC int64) ([]entitlement.Transaction, error) {
	var transactions []entitlement.Transaction
	err := store.access(ctx, func(data *state) error {
		for _, transaction := range data.transactions {
			if transaction.AccountID == accountID &&
				transaction.Status == entitlement.StatusCompleted &&
				transaction.CreatedUnixUTC >= sinceUnixUTC {
				transactions = append(transactions, transaction)
			}
		}
		return nil
	})
	sort.SliceStable(transactions, func(left, right int) bool {
		return transactions[left].CreatedUnixUTC < transactions[right].CreatedUnixUTC
	})
	return transactions, err
}

func (store *Store) GetSubscription(ctx context.Context, fanID entitlement.UserID, creatorID entitlement.UserID) (entitlement.Subscription, error) {
	var subscription entitlement.Subscription
	err := store.access(ctx, func(data *state) error {
		found, ok := data.subscriptions[pairKey{fanID.String(), creatorID.String()}]
		if !ok {
			return entitlement.ErrSubscriptionNotFound
		}
		subscription = found
		return nil
	})
	return subscription, err
}

func (store *Store) GetContentAsset(ctx context.Context, contentID entitlement.ContentID) (entitlement.ContentAsset, error) {
	var asset entitlement.ContentAsset
	err := store.access(ctx, func(data *state) error {
		found, ok := data.contents[contentID.String()]
		if !ok {
			return entitlement.ErrContentNotFound
		}
		asset = found
		return nil
	})
	return asset, err
}

func (store *Store) GetPurchase(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID) (entitlement.Purchase, error) {
	var purchase entitlement.Purchase
	err := store.access(ctx, func(data *state) error {
		found, ok := data.purchases[pairKey{fanID.String(), contentID.String()}]
		if !ok {
			return entitlement.ErrPurchaseNotFound
		}
		purchase = found
		return nil
	})
	return purchase, err
}

func (store *Store) UnlockPurchase(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID, createdUnixUTC int64) error {
	return store.access(ctx, func(data *state) error {
		key := pairKey{fanID.String(), contentID.String()}
		purchase, ok := data.purchases[key]
		if !ok {
			purchase = entitlement.Purchase{FanID: fanID, ContentID: contentID, CreatedUnixUTC: createdUnixUTC}
		}
		purchase.Unlocked = true
		data.purchases[key] = purchase
		return nil
	})
}

func (store *Store) IncrementViewCountIfBelowLimit(ctx context.Context, fanID entitlement.UserID, contentID entitlement.ContentID, viewLimit int64) (bool, error) {
	incremented := false
	err := store.access(ctx, func(data *state) error {
		key := pairKey{fanID.String(), contentID.String()}
		purchase, ok := data.purchases[key]
		if !ok || !purchase.Unlocked {
			return nil
		}
		if viewLimit > 0 && purchase.ViewCount >= viewLimit {
			return nil
		}
		purchase.ViewCount++
		data.purchases[key] = purchase
		incremented = true
		return nil
	})
	return incremented, err
}

func (store *Store) IncrementContentViews(ctx context.Context, contentID entitlement.ContentID) error {
	return store.access(ctx, func(data *state) error {
		asset, ok := data.contents[contentID.String()]
		if !ok {
			return entitlement.ErrContentNotFound
		}
		asset.CurrentViews++
		data.contents[contentID.String()] = asset
		return nil
	})
}

// Transactions returns every recorded transaction of the account in insertion order.
func (store *Store) Transactions(accountID entitlement.AccountID) []entitlement.Transaction {
	var transactions []entitlement.Transaction
	_ = store.access(context.Background(), func(data *state) error {
		for _, transaction := range data.transactions {
			if transaction.AccountID == accountID {
				transactions = append(transactions, transaction)
			}
		}
		return nil
	})
	return transactions
}

// AccountIDs lists known account ids in lexical order.
func (store *Store) AccountIDs() []entitlement.AccountID {
	var accountIDs []entitlement.AccountID
	_ = store.access(context.Background(), func(data *state) error {
		for _, account := range data.accounts {
			accountIDs = append(accountIDs, account.ID)
		}
		return nil
	})
	sort.Slice(accountIDs, func(left, right int) bool {
		return accountIDs[left].String() < accountIDs[right].String()
	})
	return accountIDs
}

var _ entitlement.Store = (*Store)(nil)
