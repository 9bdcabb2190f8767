// Package storetest runs the same ledger properties against every entitlement.Store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
	"github.com/google/uuid"
)

const (
	codecSecret    = "storetest-secret"
	tipAttempts    = 12
	tipAmount      = entitlement.Tokens(25)
	fanStartTokens = entitlement.Tokens(100)
	viewAttempts   = 16
	viewLimit      = 2
)

var platformRate = pricing.MustParseRate("0.20")

// Harness is one backend under test.
type Harness struct {
	Store entitlement.Store
	// PutContentAsset seeds catalog rows, which the entitlement.Store interface only reads.
	PutContentAsset func(ctx context.Context, asset entitlement.ContentAsset) error
}

// RunStoreProperties runs every property as a subtest. newHarness is called once per subtest.
// Identifiers are unique per run so a persistent database can be reused.
func RunStoreProperties(test *testing.T, newHarness func(test *testing.T) Harness) {
	test.Run("concurrent tips never overdraw", func(test *testing.T) {
		ConcurrentTipsNeverOverdraw(test, newHarness(test))
	})
	test.Run("concurrent views stop at the limit", func(test *testing.T) {
		ConcurrentViewsStopAtLimit(test, newHarness(test))
	})
	test.Run("completed transactions since", func(test *testing.T) {
		CompletedTransactionsSince(test, newHarness(test))
	})
}

// ConcurrentTipsNeverOverdraw races tips of 25 tokens from a 100 token balance. Exactly four succeed,
// the rest are refused for insufficient funds and both balances equal the sum of their COMPLETED rows.
func ConcurrentTipsNeverOverdraw(test *testing.T, harness Harness) {
	test.Helper()
	ctx := context.Background()
	service := newService(test, harness.Store)
	fan := uniqueUserID(test, "fan")
	creator := uniqueUserID(test, "creator")
	if _, err := service.RecordExternalDeposit(ctx, fan, fanStartTokens, uniquePaymentID(test), entitlement.MetadataJSON{}); err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if _, err := service.OpenAccount(ctx, creator); err != nil {
		test.Fatalf("open creator: %v", err)
	}

	var succeeded, refused atomic.Int64
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt < tipAttempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			_, err := service.Tip(ctx, entitlement.TipRequest{From: fan, To: creator, Amount: tipAmount, PlatformRate: platformRate})
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, entitlement.ErrInsufficientFunds):
				refused.Add(1)
			default:
				test.Errorf("unexpected tip error: %v", err)
			}
		}()
	}
	waitGroup.Wait()

	wantSucceeded := int64(fanStartTokens / tipAmount)
	if succeeded.Load() != wantSucceeded || refused.Load() != tipAttempts-wantSucceeded {
		test.Fatalf("expected %d successes and %d refusals, got %d and %d", wantSucceeded, tipAttempts-wantSucceeded, succeeded.Load(), refused.Load())
	}
	fanAccount := assertBalanceMatchesTrail(test, harness.Store, fan)
	creatorAccount := assertBalanceMatchesTrail(test, harness.Store, creator)
	if fanAccount.Balance != 0 {
		test.Fatalf("expected fan balance 0, got %d", fanAccount.Balance)
	}
	if creatorAccount.Balance != 80 {
		test.Fatalf("expected creator balance 80, got %d", creatorAccount.Balance)
	}
}

// ConcurrentViewsStopAtLimit races stream authorizations and conditional increments against a purchase
// with a view limit. Only viewLimit of them may count.
func ConcurrentViewsStopAtLimit(test *testing.T, harness Harness) {
	test.Helper()
	ctx := context.Background()
	service := newService(test, harness.Store)
	fan := uniqueUserID(test, "fan")
	content := uniqueContentID(test)
	asset := entitlement.ContentAsset{
		ID:         content,
		CreatorID:  uniqueUserID(test, "creator"),
		Visibility: entitlement.VisibilityPPV,
		Price:      5,
		ViewLimit:  viewLimit,
	}
	if err := harness.PutContentAsset(ctx, asset); err != nil {
		test.Fatalf("put content: %v", err)
	}
	if err := harness.Store.UnlockPurchase(ctx, fan, content, time.Now().Unix()); err != nil {
		test.Fatalf("unlock: %v", err)
	}
	token, err := service.MintStreamToken(ctx, content, fan, time.Minute)
	if err != nil {
		test.Fatalf("mint: %v", err)
	}
	raw := signedurl.RawToken{ContentID: token.ContentID, UserID: token.UserID, ExpiresAt: token.ExpiresAtString(), Signature: token.Signature}

	var granted, denied atomic.Int64
	var waitGroup sync.WaitGroup
	for attempt := 0; attempt < viewAttempts; attempt++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			grant, err := service.AuthorizeStream(ctx, raw)
			if err != nil {
				test.Errorf("authorize: %v", err)
				return
			}
			if grant.Decision.Allowed {
				granted.Add(1)
				return
			}
			if grant.Decision.Reason != entitlement.ReasonViewLimitReached {
				test.Errorf("unexpected denial %s", grant.Decision.Reason)
			}
			denied.Add(1)
		}()
	}
	waitGroup.Wait()

	if granted.Load() != viewLimit || denied.Load() != viewAttempts-viewLimit {
		test.Fatalf("expected %d grants, got %d granted %d denied", viewLimit, granted.Load(), denied.Load())
	}
	purchase, err := harness.Store.GetPurchase(ctx, fan, content)
	if err != nil || purchase.ViewCount != viewLimit {
		test.Fatalf("expected view count %d, got %+v (%v)", viewLimit, purchase, err)
	}
}

// CompletedTransactionsSince checks the revenue window query: COMPLETED rows at or after the cutoff,
// oldest first.
func CompletedTransactionsSince(test *testing.T, harness Harness) {
	test.Helper()
	ctx := context.Background()
	store := harness.Store
	account, err := store.GetOrCreateAccount(ctx, uniqueUserID(test, "creator"), mustAccountID(test, uuid.NewString()), 1)
	if err != nil {
		test.Fatalf("create account: %v", err)
	}
	const cutoff = int64(1_700_000_000)
	rows := []struct {
		created int64
		status  entitlement.TransactionStatus
		amount  entitlement.Tokens
	}{
		{created: cutoff + 7200, status: entitlement.StatusCompleted, amount: 3},
		{created: cutoff - 1, status: entitlement.StatusCompleted, amount: 100},
		{created: cutoff, status: entitlement.StatusCompleted, amount: 1},
		{created: cutoff + 3600, status: entitlement.StatusDisputed, amount: 50},
		{created: cutoff + 3600, status: entitlement.StatusCompleted, amount: 2},
	}
	for _, row := range rows {
		transactionID := mustTransactionID(test, uuid.NewString())
		err := store.AppendTransaction(ctx, entitlement.Transaction{
			ID:             transactionID,
			AccountID:      account.ID,
			Kind:           entitlement.KindTip,
			Amount:         row.amount,
			Status:         row.status,
			IdempotencyKey: "storetest:" + transactionID.String(),
			CreatedUnixUTC: row.created,
		})
		if err != nil {
			test.Fatalf("append: %v", err)
		}
	}

	listed, err := store.ListCompletedTransactionsSince(ctx, account.ID, cutoff)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	wantAmounts := []entitlement.Tokens{1, 2, 3}
	if len(listed) != len(wantAmounts) {
		test.Fatalf("expected %d rows, got %+v", len(wantAmounts), listed)
	}
	for index, want := range wantAmounts {
		if listed[index].Amount != want || listed[index].Status != entitlement.StatusCompleted {
			test.Fatalf("row %d: expected completed amount %d, got %+v", index, want, listed[index])
		}
	}
}

func assertBalanceMatchesTrail(test *testing.T, store entitlement.Store, userID entitlement.UserID) entitlement.Account {
	test.Helper()
	ctx := context.Background()
	account, err := store.GetAccount(ctx, userID)
	if err != nil {
		test.Fatalf("account %s: %v", userID, err)
	}
	completed, err := store.ListCompletedTransactionsSince(ctx, account.ID, 0)
	if err != nil {
		test.Fatalf("trail %s: %v", userID, err)
	}
	var sum entitlement.Tokens
	for _, transaction := range completed {
		sum += transaction.Amount
	}
	if sum != account.Balance || account.Balance < 0 {
		test.Fatalf("account %s balance %d does not match completed sum %d", userID, account.Balance, sum)
	}
	return account
}

func newService(test *testing.T, store entitlement.Store) *entitlement.Service {
	test.Helper()
	codec, err := signedurl.NewCodec([]byte(codecSecret), time.Now)
	if err != nil {
		test.Fatalf("codec: %v", err)
	}
	service, err := entitlement.NewService(store, codec, time.Now)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	return service
}

func uniqueUserID(test *testing.T, prefix string) entitlement.UserID {
	test.Helper()
	userID, err := entitlement.NewUserID(prefix + "-" + uuid.NewString())
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func uniqueContentID(test *testing.T) entitlement.ContentID {
	test.Helper()
	contentID, err := entitlement.NewContentID("clip-" + uuid.NewString())
	if err != nil {
		test.Fatalf("content id: %v", err)
	}
	return contentID
}

func uniquePaymentID(test *testing.T) entitlement.ExternalPaymentID {
	test.Helper()
	paymentID, err := entitlement.NewExternalPaymentID("pi_" + uuid.NewString())
	if err != nil {
		test.Fatalf("payment id: %v", err)
	}
	return paymentID
}

func mustAccountID(test *testing.T, raw string) entitlement.AccountID {
	test.Helper()
	accountID, err := entitlement.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustTransactionID(test *testing.T, raw string) entitlement.TransactionID {
	test.Helper()
	transactionID, err := entitlement.NewTransactionID(raw)
	if err != nil {
		test.Fatalf("transaction id: %v", err)
	}
	return transactionID
}
