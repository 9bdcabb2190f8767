package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/google/uuid"
)

// Ledger is the component of record for balances and the transaction trail.
// Every mutation runs inside a single store transaction.
type Ledger struct {
	store          Store
	nowFn          func() int64
	newID          func() string
	platformUserID UserID
}

// NewLedger wires a Ledger over store.
func NewLedger(store Store, now func() int64) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Ledger{store: store, nowFn: now, newID: uuid.NewString}, nil
}

// TransferRequest moves Gross tokens from From to To, less commissions.
type TransferRequest struct {
	From         UserID
	To           UserID
	Gross        Tokens
	Kind         TransactionKind
	PlatformRate pricing.Rate
	AgencyRate   pricing.Rate
	Agency       UserID
	Metadata     MetadataJSON
}

// TransferResult holds the records written by a transfer.
// PlatformCredit is set only when a platform account is materialized and the fee is non-zero.
type TransferResult struct {
	Debit          Transaction
	Credit         Transaction
	PlatformCredit *Transaction
	AgencyCredit   *Transaction
	Split          pricing.Split
}

// DisputeOutcome reports what a dispute reversal did.
// Shortfall is the part of the disputed credit the holder had already spent; Reversal records it.
type DisputeOutcome struct {
	Disputed      Transaction
	Reversal      *Transaction
	Recovered     Tokens
	Shortfall     Tokens
	ReviewAccount UserID
}

// OpenAccount returns the user's account, creating an empty one when absent.
func (ledger *Ledger) OpenAccount(ctx context.Context, userID UserID) (Account, error) {
	return ledger.store.GetOrCreateAccount(ctx, userID, ledger.nextAccountID(), ledger.nowFn())
}

// Account returns the user's account.
func (ledger *Ledger) Account(ctx context.Context, userID UserID) (Account, error) {
	return ledger.store.GetAccount(ctx, userID)
}

// ListTransactions returns the newest transactions of the user's account first.
func (ledger *Ledger) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	account, err := ledger.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ledger.store.ListTransactions(ctx, account.ID, normalizeListLimit(limit))
}

// CompletedTransactionsSince returns the user's COMPLETED transactions created at or after sinceUnixUTC,
// oldest first.
func (ledger *Ledger) CompletedTransactionsSince(ctx context.Context, userID UserID, sinceUnixUTC int64) ([]Transaction, error) {
	account, err := ledger.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ledger.store.ListCompletedTransactionsSince(ctx, account.ID, sinceUnixUTC)
}

// Transfer debits the sender and credits the receiver (and any fee accounts) atomically.
func (ledger *Ledger) Transfer(ctx context.Context, request TransferRequest) (TransferResult, error) {
	var result TransferResult
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		var transferError error
		result, transferError = ledger.transferInTx(ctx, transactionStore, request)
		return transferError
	})
	if err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

func (ledger *Ledger) transferInTx(ctx context.Context, transactionStore Store, request TransferRequest) (TransferResult, error) {
	if err := validateTransferRequest(request); err != nil {
		return TransferResult{}, err
	}
	fromAccount, err := transactionStore.GetAccount(ctx, request.From)
	if err != nil {
		return TransferResult{}, err
	}
	toAccount, err := transactionStore.GetAccount(ctx, request.To)
	if err != nil {
		return TransferResult{}, err
	}
	if fromAccount.Balance < request.Gross {
		return TransferResult{}, ErrInsufficientFunds
	}
	split, err := pricing.Calculate(request.Gross.Int64(), request.PlatformRate, request.AgencyRate)
	if err != nil {
		return TransferResult{}, fmt.Errorf("%w: %v", ErrInvalidTransfer, err)
	}
	if !split.Balanced() {
		return TransferResult{}, WrapError("ledger", "split", "unbalanced", ErrInvalidBalance)
	}

	var agencyAccount *Account
	if split.AgencyFee > 0 {
		account, err := transactionStore.GetAccount(ctx, request.Agency)
		if err != nil {
			return TransferResult{}, err
		}
		agencyAccount = &account
	}
	var platformAccount *Account
	if split.PlatformFee > 0 && !ledger.platformUserID.IsZero() {
		account, err := transactionStore.GetOrCreateAccount(ctx, ledger.platformUserID, ledger.nextAccountID(), ledger.nowFn())
		if err != nil {
			return TransferResult{}, err
		}
		platformAccount = &account
	}

	deltas := map[AccountID]Tokens{fromAccount.ID: request.Gross.Negated()}
	deltas[toAccount.ID] += Tokens(split.CreatorEarnings)
	if agencyAccount != nil {
		deltas[agencyAccount.ID] += Tokens(split.AgencyFee)
	}
	if platformAccount != nil {
		deltas[platformAccount.ID] += Tokens(split.PlatformFee)
	}
	if err := applyBalanceDeltas(ctx, transactionStore, deltas); err != nil {
		return TransferResult{}, err
	}

	nowUnixUTC := ledger.nowFn()
	baseKey := idempotencyPrefixTransfer + idempotencyKeyDelimiter + ledger.newID()
	debitID := ledger.nextTransactionID()
	creditID := ledger.nextTransactionID()
	result := TransferResult{Split: split}
	result.Debit = Transaction{
		ID:                        debitID,
		AccountID:                 fromAccount.ID,
		Kind:                      request.Kind,
		Amount:                    request.Gross.Negated(),
		Status:                    StatusCompleted,
		CounterpartyAccountID:     toAccount.ID,
		CounterpartyTransactionID: creditID,
		IdempotencyKey:            deriveIdempotencyKey(baseKey, idempotencySuffixDebit),
		PlatformFee:               Tokens(split.PlatformFee),
		AgencyFee:                 Tokens(split.AgencyFee),
		Metadata:                  request.Metadata,
		CreatedUnixUTC:            nowUnixUTC,
	}
	result.Credit = Transaction{
		ID:                        creditID,
		AccountID:                 toAccount.ID,
		Kind:                      request.Kind,
		Amount:                    Tokens(split.CreatorEarnings),
		Status:                    StatusCompleted,
		CounterpartyAccountID:     fromAccount.ID,
		CounterpartyTransactionID: debitID,
		IdempotencyKey:            deriveIdempotencyKey(baseKey, idempotencySuffixCredit),
		PlatformFee:               Tokens(split.PlatformFee),
		AgencyFee:                 Tokens(split.AgencyFee),
		Metadata:                  request.Metadata,
		CreatedUnixUTC:            nowUnixUTC,
	}
	records := []Transaction{result.Debit, result.Credit}
	if agencyAccount != nil {
		agencyCredit := ledger.feeCredit(result.Debit, agencyAccount.ID, Tokens(split.AgencyFee), deriveIdempotencyKey(baseKey, idempotencySuffixAgency))
		result.AgencyCredit = &agencyCredit
		records = append(records, agencyCredit)
	}
	if platformAccount != nil {
		platformCredit := ledger.feeCredit(result.Debit, platformAccount.ID, Tokens(split.PlatformFee), deriveIdempotencyKey(baseKey, idempotencySuffixPlatform))
		result.PlatformCredit = &platformCredit
		records = append(records, platformCredit)
	}
	for _, record := range records {
		if err := transactionStore.AppendTransaction(ctx, record); err != nil {
			return TransferResult{}, err
		}
	}
	return result, nil
}

// Deposit credits a confirmed external payment. A repeat of the same external payment id
// fails with ErrDuplicateDeposit and changes nothing.
func (ledger *Ledger) Deposit(ctx context.Context, userID UserID, amount Tokens, externalPaymentID ExternalPaymentID, metadata MetadataJSON) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if externalPaymentID.IsZero() {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidExternalPaymentID)
	}
	var deposit Transaction
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		_, lookupError := transactionStore.FindDepositByExternalPayment(ctx, externalPaymentID)
		if lookupError == nil {
			return ErrDuplicateDeposit
		}
		if !errors.Is(lookupError, ErrTransactionNotFound) {
			return lookupError
		}
		account, err := transactionStore.GetOrCreateAccount(ctx, userID, ledger.nextAccountID(), ledger.nowFn())
		if err != nil {
			return err
		}
		if _, err := transactionStore.UpdateAccountBalance(ctx, account.ID, amount); err != nil {
			return err
		}
		deposit = Transaction{
			ID:                ledger.nextTransactionID(),
			AccountID:         account.ID,
			Kind:              KindDeposit,
			Amount:            amount,
			Status:            StatusCompleted,
			ExternalPaymentID: externalPaymentID,
			IdempotencyKey:    deriveIdempotencyKey(idempotencyPrefixDeposit, externalPaymentID.String()),
			Metadata:          metadata,
			CreatedUnixUTC:    ledger.nowFn(),
		}
		return transactionStore.AppendTransaction(ctx, deposit)
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateDeposit, externalPaymentID.String())
	}
	if err != nil {
		return Transaction{}, err
	}
	return deposit, nil
}

// RecordFailedDeposit appends a FAILED deposit for audit without touching the balance.
func (ledger *Ledger) RecordFailedDeposit(ctx context.Context, userID UserID, amount Tokens, externalPaymentID ExternalPaymentID, metadata MetadataJSON) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if externalPaymentID.IsZero() {
		return Transaction{}, fmt.Errorf("%w: empty value", ErrInvalidExternalPaymentID)
	}
	var failed Transaction
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, userID, ledger.nextAccountID(), ledger.nowFn())
		if err != nil {
			return err
		}
		failed = Transaction{
			ID:                ledger.nextTransactionID(),
			AccountID:         account.ID,
			Kind:              KindDeposit,
			Amount:            amount,
			Status:            StatusFailed,
			ExternalPaymentID: externalPaymentID,
			IdempotencyKey:    deriveIdempotencyKey(idempotencyPrefixFailed, externalPaymentID.String()),
			Metadata:          metadata,
			CreatedUnixUTC:    ledger.nowFn(),
		}
		return transactionStore.AppendTransaction(ctx, failed)
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrDuplicateDeposit, externalPaymentID.String())
	}
	if err != nil {
		return Transaction{}, err
	}
	return failed, nil
}

// ReverseForDispute moves a completed credit to DISPUTED and claws back what the account still holds.
//
// The disputed amount leaves the balance. When the holder has already spent part of it, the balance
// stops at zero and a DISPUTE_REVERSAL transaction records the unrecovered remainder so that the
// balance still equals the sum of COMPLETED amounts. The account owner must be flagged for review by
// the caller; the Ledger never suspends accounts itself.
func (ledger *Ledger) ReverseForDispute(ctx context.Context, transactionID TransactionID) (DisputeOutcome, error) {
	var outcome DisputeOutcome
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		original, err := transactionStore.GetTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		var reverseError error
		outcome, reverseError = ledger.reverseInTx(ctx, transactionStore, original)
		return reverseError
	})
	if err != nil {
		return DisputeOutcome{}, err
	}
	return outcome, nil
}

// ReverseDepositForDispute is ReverseForDispute keyed by the processor's payment id.
func (ledger *Ledger) ReverseDepositForDispute(ctx context.Context, externalPaymentID ExternalPaymentID) (DisputeOutcome, error) {
	var outcome DisputeOutcome
	err := ledger.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		original, err := transactionStore.FindDepositByExternalPayment(ctx, externalPaymentID)
		if err != nil {
			return err
		}
		var reverseError error
		outcome, reverseError = ledger.reverseInTx(ctx, transactionStore, original)
		return reverseError
	})
	if err != nil {
		return DisputeOutcome{}, err
	}
	return outcome, nil
}

func (ledger *Ledger) reverseInTx(ctx context.Context, transactionStore Store, original Transaction) (DisputeOutcome, error) {
	switch {
	case original.Status == StatusDisputed:
		return DisputeOutcome{}, ErrAlreadyDisputed
	case original.Status != StatusCompleted:
		return DisputeOutcome{}, fmt.Errorf("%w: status %s", ErrNotDisputable, original.Status)
	case !original.Kind.isDisputableKind():
		return DisputeOutcome{}, fmt.Errorf("%w: kind %s", ErrNotDisputable, original.Kind)
	case original.Amount <= 0:
		return DisputeOutcome{}, fmt.Errorf("%w: only credits can be disputed", ErrNotDisputable)
	}
	if err := transactionStore.UpdateTransactionStatus(ctx, original.ID, StatusCompleted, StatusDisputed); err != nil {
		if errors.Is(err, ErrTransactionStatusConflict) {
			return DisputeOutcome{}, ErrAlreadyDisputed
		}
		return DisputeOutcome{}, err
	}
	account, err := transactionStore.GetAccountByID(ctx, original.AccountID)
	if err != nil {
		return DisputeOutcome{}, err
	}
	recovered := original.Amount
	if account.Balance < recovered {
		recovered = account.Balance
	}
	if recovered > 0 {
		if _, err := transactionStore.UpdateAccountBalance(ctx, account.ID, recovered.Negated()); err != nil {
			return DisputeOutcome{}, err
		}
	}
	original.Status = StatusDisputed
	outcome := DisputeOutcome{
		Disputed:      original,
		Recovered:     recovered,
		Shortfall:     original.Amount - recovered,
		ReviewAccount: account.UserID,
	}
	if outcome.Shortfall > 0 {
		reversal := Transaction{
			ID:                        ledger.nextTransactionID(),
			AccountID:                 account.ID,
			Kind:                      KindDisputeReversal,
			Amount:                    outcome.Shortfall,
			Status:                    StatusCompleted,
			CounterpartyAccountID:     original.CounterpartyAccountID,
			CounterpartyTransactionID: original.ID,
			ExternalPaymentID:         original.ExternalPaymentID,
			IdempotencyKey:            deriveIdempotencyKey(idempotencyPrefixDispute, original.ID.String()),
			Metadata:                  original.Metadata,
			CreatedUnixUTC:            ledger.nowFn(),
		}
		if err := transactionStore.AppendTransaction(ctx, reversal); err != nil {
			return DisputeOutcome{}, err
		}
		outcome.Reversal = &reversal
	}
	return outcome, nil
}

func (ledger *Ledger) feeCredit(debit Transaction, accountID AccountID, amount Tokens, idempotencyKey string) Transaction {
	return Transaction{
		ID:                        ledger.nextTransactionID(),
		AccountID:                 accountID,
		Kind:                      debit.Kind,
		Amount:                    amount,
		Status:                    StatusCompleted,
		CounterpartyAccountID:     debit.AccountID,
		CounterpartyTransactionID: debit.ID,
		IdempotencyKey:            idempotencyKey,
		PlatformFee:               debit.PlatformFee,
		AgencyFee:                 debit.AgencyFee,
		Metadata:                  debit.Metadata,
		CreatedUnixUTC:            debit.CreatedUnixUTC,
	}
}

func (ledger *Ledger) nextAccountID() AccountID {
	return AccountID{value: ledger.newID()}
}

func (ledger *Ledger) nextTransactionID() TransactionID {
	return TransactionID{value: ledger.newID()}
}

// applyBalanceDeltas writes balance changes in account id order so concurrent transfers over the
// same accounts acquire row locks in the same sequence.
func applyBalanceDeltas(ctx context.Context, transactionStore Store, deltas map[AccountID]Tokens) error {
	accountIDs := make([]AccountID, 0, len(deltas))
	for accountID := range deltas {
		accountIDs = append(accountIDs, accountID)
	}
	sort.Slice(accountIDs, func(left, right int) bool {
		return accountIDs[left].String() < accountIDs[right].String()
	})
	for _, accountID := range accountIDs {
		delta := deltas[accountID]
		if delta == 0 {
			continue
		}
		if _, err := transactionStore.UpdateAccountBalance(ctx, accountID, delta); err != nil {
			return err
		}
	}
	return nil
}

func validateTransferRequest(request TransferRequest) error {
	if request.From.IsZero() {
		return fmt.Errorf("%w: sender", ErrInvalidUserID)
	}
	if request.To.IsZero() {
		return fmt.Errorf("%w: receiver", ErrInvalidUserID)
	}
	if request.From == request.To {
		return ErrSelfTransfer
	}
	if request.Gross <= 0 {
		return fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !request.Kind.isTransferKind() {
		return fmt.Errorf("%w: kind %s", ErrInvalidTransfer, request.Kind)
	}
	if !request.AgencyRate.IsZero() {
		if request.Agency.IsZero() {
			return fmt.Errorf("%w: agency rate without agency", ErrInvalidTransfer)
		}
		if request.Agency == request.From || request.Agency == request.To {
			return fmt.Errorf("%w: agency must be a third party", ErrInvalidTransfer)
		}
	}
	return nil
}

func deriveIdempotencyKey(base string, suffix string) string {
	return base + idempotencyKeyDelimiter + suffix
}

func normalizeListLimit(limit int) int {
	if limit <= 0 {
		return defaultListTransactionsLimit
	}
	if limit > maxListTransactionsLimit {
		return maxListTransactionsLimit
	}
	return limit
}
