package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/fanvault/pkg/entitlement"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/pricing"
	"github.com/MarkoPoloResearchLab/fanvault/pkg/signedurl"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	errorInsufficientFunds    = "insufficient_funds"
	errorAccountNotFound      = "account_not_found"
	errorContentNotFound      = "content_not_found"
	errorTransactionNotFound  = "transaction_not_found"
	errorDuplicateDeposit     = "duplicate_deposit"
	errorNotPPV               = "not_ppv"
	errorAlreadyUnlocked      = "already_unlocked"
	errorAlreadyDisputed      = "already_disputed"
	errorNotDisputable        = "not_disputable"
	errorSelfTransfer         = "self_transfer"
	errorInvalidUserID        = "invalid_user_id"
	errorInvalidContentID     = "invalid_content_id"
	errorInvalidTransactionID = "invalid_transaction_id"
	errorInvalidPaymentID     = "invalid_external_payment_id"
	errorInvalidAmount        = "invalid_amount"
	errorInvalidMetadata      = "invalid_metadata_json"
	errorInvalidRate          = "invalid_rate"
	errorInvalidTransfer      = "invalid_transfer"
	errorInvalidStreamToken   = "invalid_stream_token"
	errorInvalidListLimit     = "invalid_list_limit"
	errorStoreUnavailable     = "store_unavailable"
	errorDisputeTargetMissing = "dispute_target_required"
	errorInvalidTTL           = "invalid_ttl"
	errorInvalidRevenueWindow = "invalid_revenue_window"

	maxListTransactionsLimit = 200
	maxStreamTokenTTLSeconds = 7 * 24 * 60 * 60
)

// EntitlementServer exposes entitlement.Service over gRPC.
type EntitlementServer struct {
	service             *entitlement.Service
	defaultPlatformRate pricing.Rate
}

// NewEntitlementServer constructs the gRPC server. defaultPlatformRate applies when a request omits a rate.
func NewEntitlementServer(service *entitlement.Service, defaultPlatformRate pricing.Rate) *EntitlementServer {
	return &EntitlementServer{service: service, defaultPlatformRate: defaultPlatformRate}
}

func (server *EntitlementServer) OpenAccount(ctx context.Context, request *AccountRequest) (*AccountResponse, error) {
	userID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, operationError := server.service.OpenAccount(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return accountResponse(account), nil
}

func (server *EntitlementServer) GetBalance(ctx context.Context, request *AccountRequest) (*AccountResponse, error) {
	userID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	account, operationError := server.service.Balance(ctx, userID)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return accountResponse(account), nil
}

func (server *EntitlementServer) ListTransactions(ctx context.Context, request *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	userID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	if request.Limit > maxListTransactionsLimit {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListLimit)
	}
	transactions, operationError := server.service.ListTransactions(ctx, userID, int(request.Limit))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &ListTransactionsResponse{Transactions: make([]TransactionMessage, 0, len(transactions))}
	for _, transaction := range transactions {
		response.Transactions = append(response.Transactions, transactionMessage(transaction))
	}
	return response, nil
}

func (server *EntitlementServer) MintStreamToken(ctx context.Context, request *StreamTokenRequest) (*TokenMessage, error) {
	contentID, userID, err := parseStreamSubject(request.ContentID, request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	ttl, err := streamTokenTTL(request.TTLSeconds)
	if err != nil {
		return nil, err
	}
	token, operationError := server.service.MintStreamToken(ctx, contentID, userID, ttl)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return tokenMessage(token), nil
}

func (server *EntitlementServer) GrantStreamToken(ctx context.Context, request *StreamTokenRequest) (*GrantStreamTokenResponse, error) {
	contentID, userID, err := parseStreamSubject(request.ContentID, request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	ttl, err := streamTokenTTL(request.TTLSeconds)
	if err != nil {
		return nil, err
	}
	token, decision, operationError := server.service.GrantStreamToken(ctx, userID, contentID, ttl)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &GrantStreamTokenResponse{Allowed: decision.Allowed, Reason: decision.Reason.String()}
	if decision.Allowed {
		response.Token = tokenMessage(token)
	}
	return response, nil
}

// AuthorizeStream returns denials in the response body; only faults become gRPC errors.
func (server *EntitlementServer) AuthorizeStream(ctx context.Context, request *AuthorizeStreamRequest) (*AuthorizeStreamResponse, error) {
	grant, operationError := server.service.AuthorizeStream(ctx, signedurl.RawToken{
		ContentID: request.ContentID,
		UserID:    request.UserID,
		ExpiresAt: request.ExpiresAt,
		Signature: request.Signature,
	})
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &AuthorizeStreamResponse{Allowed: grant.Decision.Allowed, Reason: grant.Decision.Reason.String()}
	if grant.Descriptor != nil {
		response.Descriptor = &DescriptorMessage{
			ContentID: grant.Descriptor.ContentID.String(),
			OriginURL: grant.Descriptor.OriginURL,
			Watermark: grant.Descriptor.Watermark,
			DRM:       grant.Descriptor.DRM,
		}
	}
	return response, nil
}

func (server *EntitlementServer) Tip(ctx context.Context, request *TipRequest) (*TransferResponse, error) {
	tipRequest, err := server.parseTipRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.service.Tip(ctx, tipRequest)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return transferResponse(result), nil
}

func (server *EntitlementServer) UnlockPPV(ctx context.Context, request *UnlockPPVRequest) (*TransferResponse, error) {
	contentID, userID, err := parseStreamSubject(request.ContentID, request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	platformRate, err := server.platformRate(request.PlatformRate)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	result, operationError := server.service.UnlockPPV(ctx, userID, contentID, platformRate)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	return transferResponse(result), nil
}

func (server *EntitlementServer) RecordExternalDeposit(ctx context.Context, request *DepositRequest) (*TransactionMessage, error) {
	userID, amount, paymentID, metadata, err := parseDepositRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	deposit, operationError := server.service.RecordExternalDeposit(ctx, userID, amount, paymentID, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	message := transactionMessage(deposit)
	return &message, nil
}

func (server *EntitlementServer) RecordFailedDeposit(ctx context.Context, request *DepositRequest) (*TransactionMessage, error) {
	userID, amount, paymentID, metadata, err := parseDepositRequest(request)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	failed, operationError := server.service.RecordFailedDeposit(ctx, userID, amount, paymentID, metadata)
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	message := transactionMessage(failed)
	return &message, nil
}

// FlagDispute accepts either a transaction id or the external payment id of a deposit.
func (server *EntitlementServer) FlagDispute(ctx context.Context, request *FlagDisputeRequest) (*DisputeResponse, error) {
	var (
		outcome        entitlement.DisputeOutcome
		operationError error
	)
	switch {
	case request.TransactionID != "":
		transactionID, err := entitlement.NewTransactionID(request.TransactionID)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
		outcome, operationError = server.service.FlagDispute(ctx, transactionID)
	case request.ExternalPaymentID != "":
		paymentID, err := entitlement.NewExternalPaymentID(request.ExternalPaymentID)
		if err != nil {
			return nil, mapToGRPCError(err)
		}
		outcome, operationError = server.service.FlagDisputeByPayment(ctx, paymentID)
	default:
		return nil, status.Error(codes.InvalidArgument, errorDisputeTargetMissing)
	}
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &DisputeResponse{
		Disputed:     transactionMessage(outcome.Disputed),
		Recovered:    outcome.Recovered.Int64(),
		Shortfall:    outcome.Shortfall.Int64(),
		ReviewUserID: outcome.ReviewAccount.String(),
	}
	if outcome.Reversal != nil {
		reversal := transactionMessage(*outcome.Reversal)
		response.Reversal = &reversal
	}
	return response, nil
}

func (server *EntitlementServer) Revenue(ctx context.Context, request *RevenueRequest) (*RevenueResponse, error) {
	creatorID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	report, operationError := server.service.Revenue(ctx, creatorID, int(request.Days))
	if operationError != nil {
		return nil, mapToGRPCError(operationError)
	}
	response := &RevenueResponse{
		Days:          make([]RevenueDayMessage, 0, len(report.Days)),
		Subscriptions: revenueShareMessage(report, report.Subscriptions),
		PPV:           revenueShareMessage(report, report.PPV),
		Tips:          revenueShareMessage(report, report.Tips),
		Total:         report.Total().Int64(),
		SinceUnixUTC:  report.SinceUnixUTC,
	}
	for _, day := range report.Days {
		response.Days = append(response.Days, RevenueDayMessage{Date: day.Date, Revenue: day.Revenue.Int64()})
	}
	return response, nil
}

func (server *EntitlementServer) parseTipRequest(request *TipRequest) (entitlement.TipRequest, error) {
	from, err := entitlement.NewUserID(request.FromUserID)
	if err != nil {
		return entitlement.TipRequest{}, err
	}
	to, err := entitlement.NewUserID(request.ToUserID)
	if err != nil {
		return entitlement.TipRequest{}, err
	}
	amount, err := entitlement.NewPositiveTokens(request.Amount)
	if err != nil {
		return entitlement.TipRequest{}, err
	}
	platformRate, err := server.platformRate(request.PlatformRate)
	if err != nil {
		return entitlement.TipRequest{}, err
	}
	metadata, err := entitlement.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return entitlement.TipRequest{}, err
	}
	tipRequest := entitlement.TipRequest{From: from, To: to, Amount: amount, PlatformRate: platformRate, Metadata: metadata}
	if request.AgencyUserID != "" {
		if tipRequest.Agency, err = entitlement.NewUserID(request.AgencyUserID); err != nil {
			return entitlement.TipRequest{}, err
		}
	}
	if request.AgencyRate != "" {
		if tipRequest.AgencyRate, err = pricing.ParseRate(request.AgencyRate); err != nil {
			return entitlement.TipRequest{}, err
		}
	}
	return tipRequest, nil
}

func (server *EntitlementServer) platformRate(raw string) (pricing.Rate, error) {
	if raw == "" {
		return server.defaultPlatformRate, nil
	}
	return pricing.ParseRate(raw)
}

func parseStreamSubject(rawContentID string, rawUserID string) (entitlement.ContentID, entitlement.UserID, error) {
	contentID, err := entitlement.NewContentID(rawContentID)
	if err != nil {
		return entitlement.ContentID{}, entitlement.UserID{}, err
	}
	userID, err := entitlement.NewUserID(rawUserID)
	if err != nil {
		return entitlement.ContentID{}, entitlement.UserID{}, err
	}
	return contentID, userID, nil
}

func parseDepositRequest(request *DepositRequest) (entitlement.UserID, entitlement.Tokens, entitlement.ExternalPaymentID, entitlement.MetadataJSON, error) {
	userID, err := entitlement.NewUserID(request.UserID)
	if err != nil {
		return entitlement.UserID{}, 0, entitlement.ExternalPaymentID{}, entitlement.MetadataJSON{}, err
	}
	amount, err := entitlement.NewPositiveTokens(request.Amount)
	if err != nil {
		return entitlement.UserID{}, 0, entitlement.ExternalPaymentID{}, entitlement.MetadataJSON{}, err
	}
	paymentID, err := entitlement.NewExternalPaymentID(request.ExternalPaymentID)
	if err != nil {
		return entitlement.UserID{}, 0, entitlement.ExternalPaymentID{}, entitlement.MetadataJSON{}, err
	}
	metadata, err := entitlement.NewMetadataJSON(request.MetadataJSON)
	if err != nil {
		return entitlement.UserID{}, 0, entitlement.ExternalPaymentID{}, entitlement.MetadataJSON{}, err
	}
	return userID, amount, paymentID, metadata, nil
}

func accountResponse(account entitlement.Account) *AccountResponse {
	return &AccountResponse{
		AccountID:      account.ID.String(),
		UserID:         account.UserID.String(),
		Balance:        account.Balance.Int64(),
		USDCents:       account.USDCents,
		CreatedUnixUTC: account.CreatedUnixUTC,
	}
}

func tokenMessage(token signedurl.Token) *TokenMessage {
	return &TokenMessage{
		ContentID: token.ContentID,
		UserID:    token.UserID,
		ExpiresAt: token.ExpiresAt,
		Signature: token.Signature,
		Query:     token.Query().Encode(),
	}
}

// streamTokenTTL bounds the requested lifetime before it is converted to a Duration.
func streamTokenTTL(seconds int64) (time.Duration, error) {
	if seconds < 0 || seconds > maxStreamTokenTTLSeconds {
		return 0, status.Error(codes.InvalidArgument, errorInvalidTTL)
	}
	return time.Duration(seconds) * time.Second, nil
}

func revenueShareMessage(report entitlement.RevenueReport, amount entitlement.Tokens) RevenueShareMessage {
	return RevenueShareMessage{Amount: amount.Int64(), Percentage: report.Share(amount).StringFixed(2)}
}

func transferResponse(result entitlement.TransferResult) *TransferResponse {
	return &TransferResponse{
		Debit:           transactionMessage(result.Debit),
		Credit:          transactionMessage(result.Credit),
		PlatformFee:     result.Split.PlatformFee,
		AgencyFee:       result.Split.AgencyFee,
		CreatorEarnings: result.Split.CreatorEarnings,
	}
}

func transactionMessage(transaction entitlement.Transaction) TransactionMessage {
	return TransactionMessage{
		TransactionID:             transaction.ID.String(),
		AccountID:                 transaction.AccountID.String(),
		Kind:                      transaction.Kind.String(),
		Amount:                    transaction.Amount.Int64(),
		Status:                    transaction.Status.String(),
		CounterpartyAccountID:     transaction.CounterpartyAccountID.String(),
		CounterpartyTransactionID: transaction.CounterpartyTransactionID.String(),
		ExternalPaymentID:         transaction.ExternalPaymentID.String(),
		PlatformFee:               transaction.PlatformFee.Int64(),
		AgencyFee:                 transaction.AgencyFee.Int64(),
		MetadataJSON:              transaction.Metadata.String(),
		CreatedUnixUTC:            transaction.CreatedUnixUTC,
	}
}

func mapToGRPCError(source error) error {
	switch {
	case errors.Is(source, entitlement.ErrInvalidUserID):
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	case errors.Is(source, entitlement.ErrInvalidContentID):
		return status.Error(codes.InvalidArgument, errorInvalidContentID)
	case errors.Is(source, entitlement.ErrInvalidTransactionID):
		return status.Error(codes.InvalidArgument, errorInvalidTransactionID)
	case errors.Is(source, entitlement.ErrInvalidExternalPaymentID):
		return status.Error(codes.InvalidArgument, errorInvalidPaymentID)
	case errors.Is(source, entitlement.ErrInvalidAmount), errors.Is(source, pricing.ErrInvalidGrossAmount):
		return status.Error(codes.InvalidArgument, errorInvalidAmount)
	case errors.Is(source, entitlement.ErrInvalidMetadataJSON):
		return status.Error(codes.InvalidArgument, errorInvalidMetadata)
	case errors.Is(source, pricing.ErrInvalidRate):
		return status.Error(codes.InvalidArgument, errorInvalidRate)
	case errors.Is(source, entitlement.ErrInvalidTransfer):
		return status.Error(codes.InvalidArgument, errorInvalidTransfer)
	case errors.Is(source, entitlement.ErrInvalidStreamToken):
		return status.Error(codes.InvalidArgument, errorInvalidStreamToken)
	case errors.Is(source, entitlement.ErrInvalidRevenueWindow):
		return status.Error(codes.InvalidArgument, errorInvalidRevenueWindow)
	case errors.Is(source, entitlement.ErrSelfTransfer):
		return status.Error(codes.InvalidArgument, errorSelfTransfer)
	case errors.Is(source, entitlement.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	case errors.Is(source, entitlement.ErrNotPPV):
		return status.Error(codes.FailedPrecondition, errorNotPPV)
	case errors.Is(source, entitlement.ErrNotDisputable):
		return status.Error(codes.FailedPrecondition, errorNotDisputable)
	case errors.Is(source, entitlement.ErrAccountNotFound):
		return status.Error(codes.NotFound, errorAccountNotFound)
	case errors.Is(source, entitlement.ErrContentNotFound):
		return status.Error(codes.NotFound, errorContentNotFound)
	case errors.Is(source, entitlement.ErrTransactionNotFound):
		return status.Error(codes.NotFound, errorTransactionNotFound)
	case errors.Is(source, entitlement.ErrDuplicateDeposit):
		return status.Error(codes.AlreadyExists, errorDuplicateDeposit)
	case errors.Is(source, entitlement.ErrAlreadyUnlocked):
		return status.Error(codes.AlreadyExists, errorAlreadyUnlocked)
	case errors.Is(source, entitlement.ErrAlreadyDisputed):
		return status.Error(codes.AlreadyExists, errorAlreadyDisputed)
	case entitlement.IsTransient(source):
		return status.Error(codes.Unavailable, errorStoreUnavailable)
	default:
		return status.Error(codes.Internal, fmt.Sprintf("internal: %v", source))
	}
}
