package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

var handlerNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

type handlerFixture struct {
	handler *httpHandler
	store   *memstore.Store
	service *entitlement.Service
}

func newHandlerFixture(t *testing.T) handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	clock := func() time.Time { return handlerNow }
	codec, err := signedurl.NewCodec([]byte("stream-secret"), clock)
	if err != nil {
		t.Fatalf("codec init failed: %v", err)
	}
	store := memstore.New()
	service, err := entitlement.NewService(store, codec, clock)
	if err != nil {
		t.Fatalf("service init failed: %v", err)
	}
	cfg := Config{SessionSigningKey: "k", PlatformRate: pricing.MustParseRate("0.20")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config invalid: %v", err)
	}
	handler := &httpHandler{logger: zap.NewNop(), service: service, cfg: cfg, now: clock}
	return handlerFixture{handler: handler, store: store, service: service}
}

func (f handlerFixture) deposit(t *testing.T, rawUserID string, amount int64, paymentID string) {
	t.Helper()
	userID, _ := entitlement.NewUserID(rawUserID)
	externalID, _ := entitlement.NewExternalPaymentID(paymentID)
	if _, err := f.service.RecordExternalDeposit(context.Background(), userID, entitlement.Tokens(amount), externalID, entitlement.MetadataJSON{}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
}

func (f handlerFixture) putContent(t *testing.T, rawContentID string, rawCreatorID string, visibility entitlement.Visibility, price int64) {
	t.Helper()
	contentID, _ := entitlement.NewContentID(rawContentID)
	creatorID, _ := entitlement.NewUserID(rawCreatorID)
	f.store.PutContentAsset(entitlement.ContentAsset{
		ID:               contentID,
		CreatorID:        creatorID,
		Visibility:       visibility,
		Price:            entitlement.Tokens(price),
		OriginURL:        "https://cdn.example.com/" + rawContentID + ".m3u8",
		WatermarkEnabled: true,
		DRMEnabled:       true,
	})
	if _, err := f.service.OpenAccount(context.Background(), creatorID); err != nil {
		t.Fatalf("open creator account failed: %v", err)
	}
}

func newTestContext(method, target string, payload map[string]any) (*gin.Context, *httptest.ResponseRecorder) {
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(method, target, payloadReader(payload))
	return ctx, recorder
}

func payloadReader(payload map[string]any) *bytes.Reader {
	if payload == nil {
		return bytes.NewReader(nil)
	}
	encoded, _ := json.Marshal(payload)
	return bytes.NewReader(encoded)
}

func claimsFor(userID string, roles ...string) *sessionvalidator.Claims {
	return &sessionvalidator.Claims{UserID: userID, UserEmail: userID + "@example.com", UserRoles: roles}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func errorMessage(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	envelope, _ := decodeBody(t, recorder)["error"].(map[string]any)
	message, _ := envelope["message"].(string)
	return message
}

func (f handlerFixture) grantStreamURL(t *testing.T, userID string, contentID string) string {
	t.Helper()
	ctx, recorder := newTestContext(http.MethodPost, "/api/content/"+contentID+"/stream-token", nil)
	ctx.Params = gin.Params{{Key: "id", Value: contentID}}
	ctx.Set(claimsContextKey, claimsFor(userID))
	f.handler.handleStreamToken(ctx)
	if recorder.Code != http.StatusOK {
		t.Fatalf("stream token status=%d body=%s", recorder.Code, recorder.Body.String())
	}
	streamURL, _ := decodeBody(t, recorder)["url"].(string)
	if !strings.HasPrefix(streamURL, streamPath+"?") {
		t.Fatalf("unexpected stream url %q", streamURL)
	}
	return streamURL
}

func TestStreamFlowWithWatermark(t *testing.T) {
	f := newHandlerFixture(t)
	f.putContent(t, "clip", "creator", entitlement.VisibilityPPV, 100)
	f.deposit(t, "fan", 100, "pi_1")

	denyCtx, denyRecorder := newTestContext(http.MethodPost, "/api/content/clip/stream-token", nil)
	denyCtx.Params = gin.Params{{Key: "id", Value: "clip"}}
	denyCtx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleStreamToken(denyCtx)
	if denyRecorder.Code != http.StatusForbidden || errorMessage(t, denyRecorder) != entitlement.ReasonPurchaseRequired.String() {
		t.Fatalf("expected purchase required, status=%d body=%s", denyRecorder.Code, denyRecorder.Body.String())
	}

	unlockCtx, unlockRecorder := newTestContext(http.MethodPost, "/api/content/clip/unlock", nil)
	unlockCtx.Params = gin.Params{{Key: "id", Value: "clip"}}
	unlockCtx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleUnlock(unlockCtx)
	if unlockRecorder.Code != http.StatusOK {
		t.Fatalf("unlock status=%d body=%s", unlockRecorder.Code, unlockRecorder.Body.String())
	}
	if earnings := decodeBody(t, unlockRecorder)["creator_earnings"]; earnings != float64(80) {
		t.Fatalf("expected 80 creator earnings, got %v", earnings)
	}

	streamURL := f.grantStreamURL(t, "fan", "clip")
	streamCtx, streamRecorder := newTestContext(http.MethodGet, streamURL, nil)
	streamCtx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleStream(streamCtx)
	if streamRecorder.Code != http.StatusOK {
		t.Fatalf("stream status=%d body=%s", streamRecorder.Code, streamRecorder.Body.String())
	}
	var response streamResponse
	if err := json.Unmarshal(streamRecorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode stream: %v", err)
	}
	wantWatermark := "fan@example.com • 192.0.2.1 • 2026-03-01 12:30:00"
	if response.URL != "https://cdn.example.com/clip.m3u8" || !response.DRM || response.Watermark == nil || *response.Watermark != wantWatermark {
		t.Fatalf("unexpected stream response %+v", response)
	}
}

func TestStreamRejections(t *testing.T) {
	f := newHandlerFixture(t)
	f.putContent(t, "free", "creator", entitlement.VisibilityPublic, 0)
	streamURL := f.grantStreamURL(t, "fan", "free")
	parsed, err := url.Parse(streamURL)
	if err != nil {
		t.Fatalf("parse stream url: %v", err)
	}
	tampered := parsed.Query()
	tampered.Set("expires", "9999999999")

	testCases := []struct {
		name        string
		target      string
		claims      *sessionvalidator.Claims
		wantStatus  int
		wantMessage string
	}{
		{name: "no session", target: streamURL, claims: nil, wantStatus: http.StatusUnauthorized, wantMessage: "missing session"},
		{name: "missing parameters", target: streamPath + "?id=free", claims: claimsFor("fan"), wantStatus: http.StatusBadRequest, wantMessage: reasonInvalidParameters},
		{name: "other user", target: streamURL, claims: claimsFor("intruder"), wantStatus: http.StatusForbidden, wantMessage: reasonUserMismatch},
		{name: "tampered expiry", target: streamPath + "?" + tampered.Encode(), claims: claimsFor("fan"), wantStatus: http.StatusForbidden, wantMessage: entitlement.ReasonInvalidURL.String()},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctx, recorder := newTestContext(http.MethodGet, testCase.target, nil)
			if testCase.claims != nil {
				ctx.Set(claimsContextKey, testCase.claims)
			}
			f.handler.handleStream(ctx)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d body=%s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
			if got := errorMessage(t, recorder); got != testCase.wantMessage {
				t.Fatalf("expected message %q, got %q", testCase.wantMessage, got)
			}
		})
	}
}

func TestStreamTokenForUnknownContent(t *testing.T) {
	f := newHandlerFixture(t)
	ctx, recorder := newTestContext(http.MethodPost, "/api/content/ghost/stream-token", nil)
	ctx.Params = gin.Params{{Key: "id", Value: "ghost"}}
	ctx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleStreamToken(ctx)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestTipStatuses(t *testing.T) {
	f := newHandlerFixture(t)
	f.putContent(t, "any", "creator", entitlement.VisibilityPublic, 0)
	f.deposit(t, "fan", 50, "pi_tip")

	testCases := []struct {
		name       string
		payload    map[string]any
		wantStatus int
	}{
		{name: "ok", payload: map[string]any{"to_user_id": "creator", "amount": 50}, wantStatus: http.StatusOK},
		{name: "insufficient funds", payload: map[string]any{"to_user_id": "creator", "amount": 1}, wantStatus: http.StatusPaymentRequired},
		{name: "zero amount", payload: map[string]any{"to_user_id": "creator", "amount": 0}, wantStatus: http.StatusBadRequest},
		{name: "self tip", payload: map[string]any{"to_user_id": "fan", "amount": 1}, wantStatus: http.StatusBadRequest},
		{name: "unknown recipient", payload: map[string]any{"to_user_id": "nobody", "amount": 1}, wantStatus: http.StatusNotFound},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctx, recorder := newTestContext(http.MethodPost, "/api/tips", testCase.payload)
			ctx.Request.Header.Set("Content-Type", "application/json")
			ctx.Set(claimsContextKey, claimsFor("fan"))
			f.handler.handleTip(ctx)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected %d, got %d body=%s", testCase.wantStatus, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestAdminDisputeRequiresRole(t *testing.T) {
	f := newHandlerFixture(t)
	f.deposit(t, "fan", 30, "pi_admin")
	payload := map[string]any{"external_payment_id": "pi_admin"}

	ctx, recorder := newTestContext(http.MethodPost, "/api/admin/disputes", payload)
	ctx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleAdminDispute(ctx)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without admin role, got %d", recorder.Code)
	}

	ctx, recorder = newTestContext(http.MethodPost, "/api/admin/disputes", payload)
	ctx.Set(claimsContextKey, claimsFor("ops", "admin"))
	f.handler.handleAdminDispute(ctx)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["recovered"] != float64(30) || body["review_user_id"] != "fan" {
		t.Fatalf("unexpected dispute body %v", body)
	}

	ctx, recorder = newTestContext(http.MethodPost, "/api/admin/disputes", payload)
	ctx.Set(claimsContextKey, claimsFor("ops", "admin"))
	f.handler.handleAdminDispute(ctx)
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 on repeat dispute, got %d", recorder.Code)
	}
}

func TestWalletLimitValidation(t *testing.T) {
	f := newHandlerFixture(t)
	ctx, recorder := newTestContext(http.MethodGet, "/api/wallet?limit=1000", nil)
	ctx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleWallet(ctx)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}

	ctx, recorder = newTestContext(http.MethodGet, "/api/wallet", nil)
	ctx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleWallet(ctx)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 before the account exists, got %d", recorder.Code)
	}
}

func TestWebhookDisabled(t *testing.T) {
	f := newHandlerFixture(t)
	ctx, recorder := newTestContext(http.MethodPost, "/webhooks/payments", nil)
	f.handler.handlePaymentWebhook(ctx)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestRevenueBreakdown(t *testing.T) {
	f := newHandlerFixture(t)
	f.putContent(t, "clip", "creator", entitlement.VisibilityPPV, 50)
	f.deposit(t, "fan", 100, "pi_1")

	unlockCtx, unlockRecorder := newTestContext(http.MethodPost, "/api/content/clip/unlock", nil)
	unlockCtx.Params = gin.Params{{Key: "id", Value: "clip"}}
	unlockCtx.Set(claimsContextKey, claimsFor("fan"))
	f.handler.handleUnlock(unlockCtx)
	if unlockRecorder.Code != http.StatusOK {
		t.Fatalf("unlock status=%d body=%s", unlockRecorder.Code, unlockRecorder.Body.String())
	}
	fan, _ := entitlement.NewUserID("fan")
	creator, _ := entitlement.NewUserID("creator")
	if _, err := f.service.Tip(context.Background(), entitlement.TipRequest{From: fan, To: creator, Amount: 10, PlatformRate: pricing.MustParseRate("0.20")}); err != nil {
		t.Fatalf("tip failed: %v", err)
	}

	testCases := []struct {
		name       string
		target     string
		userID     string
		wantStatus int
		wantTotal  int64
	}{
		{name: "creator default window", target: "/api/analytics/revenue", userID: "creator", wantStatus: http.StatusOK, wantTotal: 48},
		{name: "fan earned nothing", target: "/api/analytics/revenue?days=7", userID: "fan", wantStatus: http.StatusOK, wantTotal: 0},
		{name: "unknown account", target: "/api/analytics/revenue", userID: "stranger", wantStatus: http.StatusNotFound},
		{name: "zero days", target: "/api/analytics/revenue?days=0", userID: "creator", wantStatus: http.StatusBadRequest},
		{name: "window too wide", target: "/api/analytics/revenue?days=366", userID: "creator", wantStatus: http.StatusBadRequest},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			ctx, recorder := newTestContext(http.MethodGet, testCase.target, nil)
			ctx.Set(claimsContextKey, claimsFor(testCase.userID))
			f.handler.handleRevenue(ctx)
			if recorder.Code != testCase.wantStatus {
				t.Fatalf("status=%d body=%s", recorder.Code, recorder.Body.String())
			}
			if testCase.wantStatus != http.StatusOK {
				return
			}
			var response revenueResponse
			if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
				t.Fatalf("decode revenue: %v", err)
			}
			if response.Total != testCase.wantTotal {
				t.Fatalf("expected total %d, got %+v", testCase.wantTotal, response)
			}
			if testCase.wantTotal == 0 {
				if len(response.ChartData) != 0 || response.Breakdown["tips"].Percentage != 0 {
					t.Fatalf("expected an empty report, got %+v", response)
				}
				return
			}
			if len(response.ChartData) != 1 || response.ChartData[0].Date != "2026-03-01" || response.ChartData[0].Revenue != 48 {
				t.Fatalf("unexpected chart data %+v", response.ChartData)
			}
			if ppv := response.Breakdown["ppv"]; ppv.Amount != 40 || ppv.Percentage != 83.33 {
				t.Fatalf("unexpected ppv share %+v", ppv)
			}
			if tips := response.Breakdown["tips"]; tips.Amount != 8 || tips.Percentage != 16.67 {
				t.Fatalf("unexpected tip share %+v", tips)
			}
			if subscriptions := response.Breakdown["subscriptions"]; subscriptions.Amount != 0 || subscriptions.Percentage != 0 {
				t.Fatalf("unexpected subscription share %+v", subscriptions)
			}
		})
	}
}
