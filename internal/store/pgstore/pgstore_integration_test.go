package pgstore_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/fanvault/internal/store/storetest"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresDSNVariable = "FANVAULT_TEST_POSTGRES_DSN"

func newIntegrationStore(test *testing.T) *pgstore.Store {
	test.Helper()
	dsn := os.Getenv(postgresDSNVariable)
	if dsn == "" {
		test.Skipf("%s not set; skipping postgres integration test", postgresDSNVariable)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		test.Fatalf("open pool: %v", err)
	}
	test.Cleanup(pool.Close)
	if err := pgstore.Migrate(ctx, pool); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return pgstore.New(pool)
}

func TestStorePropertiesOverPostgres(test *testing.T) {
	newIntegrationStore(test)
	storetest.RunStoreProperties(test, func(test *testing.T) storetest.Harness {
		store := newIntegrationStore(test)
		return storetest.Harness{Store: store, PutContentAsset: store.PutContentAsset}
	})
}

func TestDepositDisputeFlowOverPostgres(test *testing.T) {
	store := newIntegrationStore(test)
	codec, err := signedurl.NewCodec([]byte("pgstore-secret"), time.Now)
	if err != nil {
		test.Fatalf("codec: %v", err)
	}
	service, err := entitlement.NewService(store, codec, time.Now)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	ctx := context.Background()
	fan, err := entitlement.NewUserID("fan-" + uuid.NewString())
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	paymentID, err := entitlement.NewExternalPaymentID("pi_" + uuid.NewString())
	if err != nil {
		test.Fatalf("payment id: %v", err)
	}

	deposit, err := service.RecordExternalDeposit(ctx, fan, 40, paymentID, entitlement.MetadataJSON{})
	if err != nil {
		test.Fatalf("deposit: %v", err)
	}
	if _, err := service.RecordExternalDeposit(ctx, fan, 40, paymentID, entitlement.MetadataJSON{}); !errors.Is(err, entitlement.ErrDuplicateDeposit) {
		test.Fatalf("expected ErrDuplicateDeposit, got %v", err)
	}
	outcome, err := service.FlagDisputeByPayment(ctx, paymentID)
	if err != nil {
		test.Fatalf("dispute: %v", err)
	}
	if outcome.Disputed.ID != deposit.ID || outcome.Recovered != 40 || outcome.Reversal != nil {
		test.Fatalf("unexpected outcome %+v", outcome)
	}
	if _, err := service.FlagDispute(ctx, deposit.ID); !errors.Is(err, entitlement.ErrAlreadyDisputed) {
		test.Fatalf("expected ErrAlreadyDisputed, got %v", err)
	}
	account, err := service.Balance(ctx, fan)
	if err != nil || account.Balance != 0 {
		test.Fatalf("expected balance 0, got %+v (%v)", account, err)
	}
	report, err := service.Revenue(ctx, fan, 0)
	if err != nil || report.Total() != 0 {
		test.Fatalf("expected no revenue from a deposit, got %+v (%v)", report, err)
	}
}
