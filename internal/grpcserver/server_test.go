package grpcserver

import (
	"context"
	"math"
	"net"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufconnSize = 1 << 20

type harness struct {
	client *EntitlementServiceClient
	store  *memstore.Store
	logs   *observer.ObservedLogs
}

func startHarness(t *testing.T) harness {
	t.Helper()
	codec, err := signedurl.NewCodec([]byte("grpc-secret"), time.Now)
	if err != nil {
		t.Fatalf("codec init failed: %v", err)
	}
	store := memstore.New()
	service, err := entitlement.NewService(store, codec, time.Now)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(UnaryLoggingInterceptor(zap.New(core))))
	RegisterEntitlementServiceServer(grpcServer, NewEntitlementServer(service, pricing.MustParseRate("0.20")))
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil {
			t.Logf("gRPC server error: %v", serveErr)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.DialContext(ctx)
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("gRPC client init failed: %v", err)
	}
	t.Cleanup(func() {
		grpcServer.Stop()
		_ = conn.Close()
	})
	return harness{client: NewEntitlementServiceClient(conn), store: store, logs: logs}
}

func (h harness) open(t *testing.T, userID string) {
	t.Helper()
	if _, err := h.client.OpenAccount(context.Background(), &AccountRequest{UserID: userID}); err != nil {
		t.Fatalf("open account failed: %v", err)
	}
}

func (h harness) deposit(t *testing.T, userID string, amount int64, paymentID string) {
	t.Helper()
	if _, err := h.client.RecordExternalDeposit(context.Background(), &DepositRequest{UserID: userID, Amount: amount, ExternalPaymentID: paymentID}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func requireCode(t *testing.T, err error, want codes.Code, wantMessage string) {
	t.Helper()
	if status.Code(err) != want {
		t.Fatalf("expected %s, got %v", want, err)
	}
	if wantMessage != "" && status.Convert(err).Message() != wantMessage {
		t.Fatalf("expected message %q, got %q", wantMessage, status.Convert(err).Message())
	}
}

func TestPPVFlowOverGRPC(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()
	h.store.PutContentAsset(entitlement.ContentAsset{
		ID:               entitlementContentID(t, "clip-1"),
		CreatorID:        entitlementUserID(t, "creator"),
		Visibility:       entitlement.VisibilityPPV,
		Price:            100,
		ViewLimit:        1,
		OriginURL:        "https://cdn.example.com/clip-1.m3u8",
		WatermarkEnabled: true,
	})
	h.open(t, "creator")
	h.deposit(t, "fan", 150, "pi_1")

	grant, err := h.client.GrantStreamToken(ctx, &StreamTokenRequest{ContentID: "clip-1", UserID: "fan"})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	if grant.Allowed || grant.Reason != entitlement.ReasonPurchaseRequired.String() || grant.Token != nil {
		t.Fatalf("expected purchase required denial, got %+v", grant)
	}

	transfer, err := h.client.UnlockPPV(ctx, &UnlockPPVRequest{UserID: "fan", ContentID: "clip-1"})
	if err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if transfer.Debit.Amount != -100 || transfer.Credit.Amount != 80 || transfer.PlatformFee != 20 {
		t.Fatalf("unexpected transfer %+v", transfer)
	}
	_, err = h.client.UnlockPPV(ctx, &UnlockPPVRequest{UserID: "fan", ContentID: "clip-1"})
	requireCode(t, err, codes.AlreadyExists, errorAlreadyUnlocked)

	grant, err = h.client.GrantStreamToken(ctx, &StreamTokenRequest{ContentID: "clip-1", UserID: "fan", TTLSeconds: 60})
	if err != nil || !grant.Allowed || grant.Token == nil {
		t.Fatalf("expected granted token, got %+v (%v)", grant, err)
	}
	authorizeRequest := &AuthorizeStreamRequest{
		ContentID: grant.Token.ContentID,
		UserID:    grant.Token.UserID,
		ExpiresAt: signedurl.Token{ExpiresAt: grant.Token.ExpiresAt}.ExpiresAtString(),
		Signature: grant.Token.Signature,
	}
	authorized, err := h.client.AuthorizeStream(ctx, authorizeRequest)
	if err != nil {
		t.Fatalf("authorize failed: %v", err)
	}
	if !authorized.Allowed || authorized.Descriptor == nil || !authorized.Descriptor.Watermark {
		t.Fatalf("expected descriptor, got %+v", authorized)
	}
	authorized, err = h.client.AuthorizeStream(ctx, authorizeRequest)
	if err != nil {
		t.Fatalf("second authorize failed: %v", err)
	}
	if authorized.Allowed || authorized.Reason != entitlement.ReasonViewLimitReached.String() {
		t.Fatalf("expected view limit denial, got %+v", authorized)
	}

	authorizeRequest.Signature = "tampered"
	authorized, err = h.client.AuthorizeStream(ctx, authorizeRequest)
	if err != nil {
		t.Fatalf("tampered authorize returned error: %v", err)
	}
	if authorized.Allowed || authorized.Reason != entitlement.ReasonInvalidURL.String() {
		t.Fatalf("expected invalid url denial, got %+v", authorized)
	}

	balance, err := h.client.GetBalance(ctx, &AccountRequest{UserID: "fan"})
	if err != nil {
		t.Fatalf("balance failed: %v", err)
	}
	if balance.Balance != 50 {
		t.Fatalf("expected 50 tokens left, got %d", balance.Balance)
	}
}

func TestErrorMapping(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()
	h.open(t, "creator")
	h.deposit(t, "fan", 10, "pi_small")

	testCases := []struct {
		name        string
		call        func() error
		wantCode    codes.Code
		wantMessage string
	}{
		{
			name: "empty user",
			call: func() error {
				_, err := h.client.GetBalance(ctx, &AccountRequest{UserID: "  "})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorInvalidUserID,
		},
		{
			name: "unknown account",
			call: func() error {
				_, err := h.client.GetBalance(ctx, &AccountRequest{UserID: "ghost"})
				return err
			},
			wantCode:    codes.NotFound,
			wantMessage: errorAccountNotFound,
		},
		{
			name: "insufficient funds",
			call: func() error {
				_, err := h.client.Tip(ctx, &TipRequest{FromUserID: "fan", ToUserID: "creator", Amount: 11})
				return err
			},
			wantCode:    codes.FailedPrecondition,
			wantMessage: errorInsufficientFunds,
		},
		{
			name: "self tip",
			call: func() error {
				_, err := h.client.Tip(ctx, &TipRequest{FromUserID: "fan", ToUserID: "fan", Amount: 1})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorSelfTransfer,
		},
		{
			name: "bad rate",
			call: func() error {
				_, err := h.client.Tip(ctx, &TipRequest{FromUserID: "fan", ToUserID: "creator", Amount: 1, PlatformRate: "1.5"})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorInvalidRate,
		},
		{
			name: "duplicate deposit",
			call: func() error {
				_, err := h.client.RecordExternalDeposit(ctx, &DepositRequest{UserID: "fan", Amount: 10, ExternalPaymentID: "pi_small"})
				return err
			},
			wantCode:    codes.AlreadyExists,
			wantMessage: errorDuplicateDeposit,
		},
		{
			name: "list limit",
			call: func() error {
				_, err := h.client.ListTransactions(ctx, &ListTransactionsRequest{UserID: "fan", Limit: 500})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorInvalidListLimit,
		},
		{
			name: "dispute without target",
			call: func() error {
				_, err := h.client.FlagDispute(ctx, &FlagDisputeRequest{})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorDisputeTargetMissing,
		},
		{
			name: "unlock missing content",
			call: func() error {
				_, err := h.client.UnlockPPV(ctx, &UnlockPPVRequest{UserID: "fan", ContentID: "missing"})
				return err
			},
			wantCode:    codes.NotFound,
			wantMessage: errorContentNotFound,
		},
		{
			name: "negative ttl",
			call: func() error {
				_, err := h.client.MintStreamToken(ctx, &StreamTokenRequest{ContentID: "clip-1", UserID: "fan", TTLSeconds: -1})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorInvalidTTL,
		},
		{
			name: "overflowing ttl",
			call: func() error {
				_, err := h.client.GrantStreamToken(ctx, &StreamTokenRequest{ContentID: "clip-1", UserID: "fan", TTLSeconds: math.MaxInt64})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorInvalidTTL,
		},
		{
			name: "ttl above a week",
			call: func() error {
				_, err := h.client.MintStreamToken(ctx, &StreamTokenRequest{ContentID: "clip-1", UserID: "fan", TTLSeconds: maxStreamTokenTTLSeconds + 1})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorInvalidTTL,
		},
		{
			name: "revenue window too wide",
			call: func() error {
				_, err := h.client.Revenue(ctx, &RevenueRequest{UserID: "creator", Days: 400})
				return err
			},
			wantCode:    codes.InvalidArgument,
			wantMessage: errorInvalidRevenueWindow,
		},
		{
			name: "revenue for unknown account",
			call: func() error {
				_, err := h.client.Revenue(ctx, &RevenueRequest{UserID: "ghost"})
				return err
			},
			wantCode:    codes.NotFound,
			wantMessage: errorAccountNotFound,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			requireCode(t, testCase.call(), testCase.wantCode, testCase.wantMessage)
		})
	}
}

func TestDisputeByPaymentOverGRPC(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()
	h.open(t, "creator")
	h.deposit(t, "fan", 100, "pi_dispute")
	if _, err := h.client.Tip(ctx, &TipRequest{FromUserID: "fan", ToUserID: "creator", Amount: 60}); err != nil {
		t.Fatalf("tip failed: %v", err)
	}

	outcome, err := h.client.FlagDispute(ctx, &FlagDisputeRequest{ExternalPaymentID: "pi_dispute"})
	if err != nil {
		t.Fatalf("dispute failed: %v", err)
	}
	if outcome.Disputed.Status != entitlement.StatusDisputed.String() {
		t.Fatalf("expected disputed status, got %s", outcome.Disputed.Status)
	}
	if outcome.Recovered != 40 || outcome.Shortfall != 60 || outcome.ReviewUserID != "fan" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}

	_, err = h.client.FlagDispute(ctx, &FlagDisputeRequest{ExternalPaymentID: "pi_dispute"})
	requireCode(t, err, codes.AlreadyExists, errorAlreadyDisputed)

	listed, err := h.client.ListTransactions(ctx, &ListTransactionsRequest{UserID: "fan"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed.Transactions) != 3 || listed.Transactions[0].Kind != entitlement.KindDisputeReversal.String() {
		t.Fatalf("expected reversal first, got %+v", listed.Transactions)
	}
}

func TestInterceptorLogsFailures(t *testing.T) {
	h := startHarness(t)
	_, err := h.client.GetBalance(context.Background(), &AccountRequest{UserID: "ghost"})
	requireCode(t, err, codes.NotFound, errorAccountNotFound)

	entries := h.logs.FilterField(zap.String("code", codes.NotFound.String())).All()
	if len(entries) != 1 {
		t.Fatalf("expected one NotFound log entry, got %d", len(entries))
	}
	if entries[0].ContextMap()["method"] != fullMethodName(methodGetBalance) {
		t.Fatalf("unexpected method field %v", entries[0].ContextMap()["method"])
	}
}

func entitlementUserID(t *testing.T, raw string) entitlement.UserID {
	t.Helper()
	userID, err := entitlement.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return userID
}

func entitlementContentID(t *testing.T, raw string) entitlement.ContentID {
	t.Helper()
	contentID, err := entitlement.NewContentID(raw)
	if err != nil {
		t.Fatalf("content id: %v", err)
	}
	return contentID
}

func TestMintStreamTokenAcceptsWeekLongTTL(t *testing.T) {
	h := startHarness(t)
	token, err := h.client.MintStreamToken(context.Background(), &StreamTokenRequest{ContentID: "clip-1", UserID: "fan", TTLSeconds: maxStreamTokenTTLSeconds})
	if err != nil {
		t.Fatalf("mint failed: %v", err)
	}
	if token.ExpiresAt <= time.Now().Add(6*24*time.Hour).Unix() {
		t.Fatalf("expected expiry about a week out, got %d", token.ExpiresAt)
	}
}

func TestRevenueOverGRPC(t *testing.T) {
	h := startHarness(t)
	ctx := context.Background()
	h.open(t, "creator")
	h.deposit(t, "fan", 100, "pi_revenue")
	for _, amount := range []int64{50, 25} {
		if _, err := h.client.Tip(ctx, &TipRequest{FromUserID: "fan", ToUserID: "creator", Amount: amount}); err != nil {
			t.Fatalf("tip failed: %v", err)
		}
	}

	revenue, err := h.client.Revenue(ctx, &RevenueRequest{UserID: "creator", Days: 7})
	if err != nil {
		t.Fatalf("revenue failed: %v", err)
	}
	if revenue.Total != 60 || revenue.Tips.Amount != 60 || revenue.Tips.Percentage != "100.00" {
		t.Fatalf("unexpected tip totals %+v", revenue)
	}
	if revenue.PPV.Amount != 0 || revenue.PPV.Percentage != "0.00" || revenue.Subscriptions.Amount != 0 {
		t.Fatalf("expected no other sources, got %+v", revenue)
	}
	var charted int64
	for _, day := range revenue.Days {
		charted += day.Revenue
	}
	if len(revenue.Days) == 0 || charted != revenue.Total {
		t.Fatalf("expected chart data to sum to the total, got %+v", revenue.Days)
	}

	fanRevenue, err := h.client.Revenue(ctx, &RevenueRequest{UserID: "fan"})
	if err != nil {
		t.Fatalf("fan revenue failed: %v", err)
	}
	if fanRevenue.Total != 0 || len(fanRevenue.Days) != 0 {
		t.Fatalf("deposits are not revenue, got %+v", fanRevenue)
	}
}
