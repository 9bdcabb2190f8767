package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/internal/webhook"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamPath              = "/api/content/stream"
	signatureHeader         = "Stripe-Signature"
	reasonUserMismatch      = "User mismatch"
	reasonInvalidParameters = "Invalid parameters"
)

type httpHandler struct {
	logger  *zap.Logger
	service *entitlement.Service
	webhook *webhook.Handler
	cfg     Config
	now     func() time.Time
}

type tipRequest struct {
	ToUserID string         `json:"to_user_id"`
	Amount   int64          `json:"amount"`
	Metadata map[string]any `json:"metadata"`
}

type disputeRequest struct {
	TransactionID     string `json:"transaction_id"`
	ExternalPaymentID string `json:"external_payment_id"`
}

type walletResponse struct {
	AccountID    string                `json:"account_id"`
	Balance      int64                 `json:"balance"`
	Transactions []transactionResponse `json:"transactions"`
}

type transactionResponse struct {
	TransactionID  string          `json:"transaction_id"`
	Kind           string          `json:"kind"`
	Amount         int64           `json:"amount"`
	Status         string          `json:"status"`
	PlatformFee    int64           `json:"platform_fee"`
	AgencyFee      int64           `json:"agency_fee"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type revenueResponse struct {
	ChartData []revenueDayResponse            `json:"chartData"`
	Breakdown map[string]revenueShareResponse `json:"breakdown"`
	Total     int64                           `json:"total"`
	Since     int64                           `json:"since_unix_utc"`
}

type revenueDayResponse struct {
	Date    string `json:"date"`
	Revenue int64  `json:"revenue"`
}

type revenueShareResponse struct {
	Amount     int64   `json:"amount"`
	Percentage float64 `json:"percentage"`
}

type streamResponse struct {
	URL       string  `json:"url"`
	Watermark *string `json:"watermark"`
	DRM       bool    `json:"drm"`
}

func (handler *httpHandler) handleOpenAccount(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	if _, err := handler.service.OpenAccount(requestCtx, userID); err != nil {
		handler.writeError(ctx, err)
		return
	}
	handler.respondWithWallet(ctx, userID, defaultWalletHistory)
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	limit := defaultWalletHistory
	if rawLimit := ctx.Query("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 || parsed > maxWalletHistory {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_limit", "limit must be between 1 and 200"))
			return
		}
		limit = parsed
	}
	handler.respondWithWallet(ctx, userID, limit)
}

func (handler *httpHandler) handleTip(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	var request tipRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	recipient, err := entitlement.NewUserID(request.ToUserID)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	amount, err := entitlement.NewPositiveTokens(request.Amount)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	metadata, err := entitlement.NewMetadataJSON(marshalMetadata(request.Metadata))
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.Tip(requestCtx, entitlement.TipRequest{
		From:         userID,
		To:           recipient,
		Amount:       amount,
		PlatformRate: handler.cfg.PlatformRate,
		Metadata:     metadata,
	})
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transferPayload(result))
}

func (handler *httpHandler) handleUnlock(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	contentID, err := entitlement.NewContentID(ctx.Param("id"))
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	result, err := handler.service.UnlockPPV(requestCtx, userID, contentID, handler.cfg.PlatformRate)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, transferPayload(result))
}

// handleStreamToken is the grant step: the token is only minted when the caller is entitled.
func (handler *httpHandler) handleStreamToken(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	contentID, err := entitlement.NewContentID(ctx.Param("id"))
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	token, decision, err := handler.service.GrantStreamToken(requestCtx, userID, contentID, handler.cfg.StreamTokenTTL)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	if !decision.Allowed {
		handler.writeDenial(ctx, decision.Reason)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"url":        streamPath + "?" + token.Query().Encode(),
		"expires_at": token.ExpiresAt,
	})
}

func (handler *httpHandler) handleStream(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	raw, err := signedurl.ParseQuery(ctx.Request.URL.Query())
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_parameters", reasonInvalidParameters))
		return
	}
	if raw.UserID != claims.GetUserID() {
		ctx.JSON(http.StatusForbidden, errorResponse("user_mismatch", reasonUserMismatch))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	grant, err := handler.service.AuthorizeStream(requestCtx, raw)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	if !grant.Decision.Allowed || grant.Descriptor == nil {
		handler.writeDenial(ctx, grant.Decision.Reason)
		return
	}
	response := streamResponse{URL: grant.Descriptor.OriginURL, DRM: grant.Descriptor.DRM}
	if grant.Descriptor.Watermark {
		label := claims.GetUserEmail()
		if label == "" {
			label = claims.GetUserID()
		}
		text := entitlement.WatermarkText(label, ctx.ClientIP(), handler.now())
		response.Watermark = &text
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handleRevenue(ctx *gin.Context) {
	userID, ok := handler.requireUser(ctx)
	if !ok {
		return
	}
	days := entitlement.DefaultRevenueWindowDays
	if rawDays := ctx.Query("days"); rawDays != "" {
		parsed, err := strconv.Atoi(rawDays)
		if err != nil || parsed <= 0 || parsed > entitlement.MaxRevenueWindowDays {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_days", "days must be between 1 and 365"))
			return
		}
		days = parsed
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	report, err := handler.service.Revenue(requestCtx, userID, days)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	response := revenueResponse{
		ChartData: make([]revenueDayResponse, 0, len(report.Days)),
		Breakdown: map[string]revenueShareResponse{
			"subscriptions": revenueShare(report, report.Subscriptions),
			"ppv":           revenueShare(report, report.PPV),
			"tips":          revenueShare(report, report.Tips),
		},
		Total: report.Total().Int64(),
		Since: report.SinceUnixUTC,
	}
	for _, day := range report.Days {
		response.ChartData = append(response.ChartData, revenueDayResponse{Date: day.Date, Revenue: day.Revenue.Int64()})
	}
	ctx.JSON(http.StatusOK, response)
}

func revenueShare(report entitlement.RevenueReport, amount entitlement.Tokens) revenueShareResponse {
	return revenueShareResponse{Amount: amount.Int64(), Percentage: report.Share(amount).InexactFloat64()}
}

func (handler *httpHandler) handleAdminDispute(ctx *gin.Context) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return
	}
	if !slices.Contains(claims.GetUserRoles(), handler.cfg.AdminRole) {
		ctx.JSON(http.StatusForbidden, errorResponse("forbidden", "admin role required"))
		return
	}
	var request disputeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	var (
		outcome entitlement.DisputeOutcome
		err     error
	)
	switch {
	case request.TransactionID != "":
		transactionID, parseErr := entitlement.NewTransactionID(request.TransactionID)
		if parseErr != nil {
			handler.writeError(ctx, parseErr)
			return
		}
		outcome, err = handler.service.FlagDispute(requestCtx, transactionID)
	case request.ExternalPaymentID != "":
		paymentID, parseErr := entitlement.NewExternalPaymentID(request.ExternalPaymentID)
		if parseErr != nil {
			handler.writeError(ctx, parseErr)
			return
		}
		outcome, err = handler.service.FlagDisputeByPayment(requestCtx, paymentID)
	default:
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "transaction_id or external_payment_id is required"))
		return
	}
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	response := gin.H{
		"disputed":       transactionPayload(outcome.Disputed),
		"recovered":      outcome.Recovered.Int64(),
		"shortfall":      outcome.Shortfall.Int64(),
		"review_user_id": outcome.ReviewAccount.String(),
	}
	if outcome.Reversal != nil {
		response["reversal"] = transactionPayload(*outcome.Reversal)
	}
	ctx.JSON(http.StatusOK, response)
}

func (handler *httpHandler) handlePaymentWebhook(ctx *gin.Context) {
	if handler.webhook == nil {
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("webhook_disabled", "payment webhook is not configured"))
		return
	}
	payload, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookPayloadBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	result, err := handler.webhook.Handle(ctx.Request.Context(), payload, ctx.GetHeader(signatureHeader))
	switch {
	case errors.Is(err, webhook.ErrMissingSignature), errors.Is(err, webhook.ErrInvalidSignature):
		handler.logger.Warn("payment webhook rejected", zap.Error(err))
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_signature", "webhook signature rejected"))
		return
	case errors.Is(err, webhook.ErrInvalidEvent):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_event", err.Error()))
		return
	case err != nil:
		handler.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true, "action": string(result.Action)})
}

func (handler *httpHandler) requireUser(ctx *gin.Context) (entitlement.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return entitlement.UserID{}, false
	}
	userID, err := entitlement.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session has no user"))
		return entitlement.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) requestContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
}

func (handler *httpHandler) respondWithWallet(ctx *gin.Context, userID entitlement.UserID, limit int) {
	requestCtx, cancel := handler.requestContext(ctx)
	defer cancel()
	account, err := handler.service.Balance(requestCtx, userID)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	transactions, err := handler.service.ListTransactions(requestCtx, userID, limit)
	if err != nil {
		handler.writeError(ctx, err)
		return
	}
	wallet := walletResponse{
		AccountID:    account.ID.String(),
		Balance:      account.Balance.Int64(),
		Transactions: make([]transactionResponse, 0, len(transactions)),
	}
	for _, transaction := range transactions {
		wallet.Transactions = append(wallet.Transactions, transactionPayload(transaction))
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": wallet})
}

func (handler *httpHandler) writeDenial(ctx *gin.Context, reason entitlement.DenialReason) {
	status := http.StatusForbidden
	if reason == entitlement.ReasonContentNotFound {
		status = http.StatusNotFound
	}
	ctx.JSON(status, errorResponse("access_denied", reason.String()))
}

// writeError maps domain errors onto HTTP statuses. Unknown failures are logged and reported as 500.
func (handler *httpHandler) writeError(ctx *gin.Context, err error) {
	switch {
	case entitlement.IsValidation(err), errors.Is(err, pricing.ErrInvalidRate), errors.Is(err, pricing.ErrInvalidGrossAmount):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_request", err.Error()))
	case errors.Is(err, entitlement.ErrInsufficientFunds):
		ctx.JSON(http.StatusPaymentRequired, errorResponse("insufficient_funds", "insufficient funds"))
	case errors.Is(err, entitlement.ErrAccountNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("account_not_found", "account not found"))
	case errors.Is(err, entitlement.ErrContentNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("content_not_found", entitlement.ReasonContentNotFound.String()))
	case errors.Is(err, entitlement.ErrTransactionNotFound):
		ctx.JSON(http.StatusNotFound, errorResponse("transaction_not_found", "transaction not found"))
	case errors.Is(err, entitlement.ErrNotPPV):
		ctx.JSON(http.StatusConflict, errorResponse("not_ppv", "content is not pay-per-view"))
	case errors.Is(err, entitlement.ErrAlreadyUnlocked):
		ctx.JSON(http.StatusConflict, errorResponse("already_unlocked", "content already unlocked"))
	case errors.Is(err, entitlement.ErrAlreadyDisputed):
		ctx.JSON(http.StatusConflict, errorResponse("already_disputed", "transaction already disputed"))
	case errors.Is(err, entitlement.ErrNotDisputable):
		ctx.JSON(http.StatusConflict, errorResponse("not_disputable", "transaction not disputable"))
	case errors.Is(err, entitlement.ErrDuplicateDeposit):
		ctx.JSON(http.StatusConflict, errorResponse("duplicate_deposit", "payment already recorded"))
	case entitlement.IsTransient(err):
		handler.logger.Warn("store unavailable", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_unavailable", "try again later"))
	default:
		handler.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "request failed"))
	}
}

func transferPayload(result entitlement.TransferResult) gin.H {
	return gin.H{
		"debit":            transactionPayload(result.Debit),
		"credit":           transactionPayload(result.Credit),
		"platform_fee":     result.Split.PlatformFee,
		"agency_fee":       result.Split.AgencyFee,
		"creator_earnings": result.Split.CreatorEarnings,
	}
}

func transactionPayload(transaction entitlement.Transaction) transactionResponse {
	return transactionResponse{
		TransactionID:  transaction.ID.String(),
		Kind:           transaction.Kind.String(),
		Amount:         transaction.Amount.Int64(),
		Status:         transaction.Status.String(),
		PlatformFee:    transaction.PlatformFee.Int64(),
		AgencyFee:      transaction.AgencyFee.Int64(),
		Metadata:       json.RawMessage(transaction.Metadata.String()),
		CreatedUnixUTC: transaction.CreatedUnixUTC,
	}
}

func marshalMetadata(metadata map[string]any) string {
	if metadata == nil {
		return "{}"
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
