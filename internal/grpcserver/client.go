package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

// EntitlementServiceClient calls the entitlement service over a JSON-coded connection.
type EntitlementServiceClient struct {
	connection grpc.ClientConnInterface
}

// NewEntitlementServiceClient wraps an existing connection.
func NewEntitlementServiceClient(connection grpc.ClientConnInterface) *EntitlementServiceClient {
	return &EntitlementServiceClient{connection: connection}
}

func (client *EntitlementServiceClient) OpenAccount(ctx context.Context, request *AccountRequest, options ...grpc.CallOption) (*AccountResponse, error) {
	return invoke[AccountResponse](ctx, client.connection, methodOpenAccount, request, options)
}

func (client *EntitlementServiceClient) GetBalance(ctx context.Context, request *AccountRequest, options ...grpc.CallOption) (*AccountResponse, error) {
	return invoke[AccountResponse](ctx, client.connection, methodGetBalance, request, options)
}

func (client *EntitlementServiceClient) ListTransactions(ctx context.Context, request *ListTransactionsRequest, options ...grpc.CallOption) (*ListTransactionsResponse, error) {
	return invoke[ListTransactionsResponse](ctx, client.connection, methodListTransactions, request, options)
}

func (client *EntitlementServiceClient) MintStreamToken(ctx context.Context, request *StreamTokenRequest, options ...grpc.CallOption) (*TokenMessage, error) {
	return invoke[TokenMessage](ctx, client.connection, methodMintStreamToken, request, options)
}

func (client *EntitlementServiceClient) GrantStreamToken(ctx context.Context, request *StreamTokenRequest, options ...grpc.CallOption) (*GrantStreamTokenResponse, error) {
	return invoke[GrantStreamTokenResponse](ctx, client.connection, methodGrantStreamToken, request, options)
}

func (client *EntitlementServiceClient) AuthorizeStream(ctx context.Context, request *AuthorizeStreamRequest, options ...grpc.CallOption) (*AuthorizeStreamResponse, error) {
	return invoke[AuthorizeStreamResponse](ctx, client.connection, methodAuthorizeStream, request, options)
}

func (client *EntitlementServiceClient) Tip(ctx context.Context, request *TipRequest, options ...grpc.CallOption) (*TransferResponse, error) {
	return invoke[TransferResponse](ctx, client.connection, methodTip, request, options)
}

func (client *EntitlementServiceClient) UnlockPPV(ctx context.Context, request *UnlockPPVRequest, options ...grpc.CallOption) (*TransferResponse, error) {
	return invoke[TransferResponse](ctx, client.connection, methodUnlockPPV, request, options)
}

func (client *EntitlementServiceClient) RecordExternalDeposit(ctx context.Context, request *DepositRequest, options ...grpc.CallOption) (*TransactionMessage, error) {
	return invoke[TransactionMessage](ctx, client.connection, methodRecordExternalDeposit, request, options)
}

func (client *EntitlementServiceClient) RecordFailedDeposit(ctx context.Context, request *DepositRequest, options ...grpc.CallOption) (*TransactionMessage, error) {
	return invoke[TransactionMessage](ctx, client.connection, methodRecordFailedDeposit, request, options)
}

func (client *EntitlementServiceClient) FlagDispute(ctx context.Context, request *FlagDisputeRequest, options ...grpc.CallOption) (*DisputeResponse, error) {
	return invoke[DisputeResponse](ctx, client.connection, methodFlagDispute, request, options)
}

func (client *EntitlementServiceClient) Revenue(ctx context.Context, request *RevenueRequest, options ...grpc.CallOption) (*RevenueResponse, error) {
	return invoke[RevenueResponse](ctx, client.connection, methodRevenue, request, options)
}

func invoke[Response any](ctx context.Context, connection grpc.ClientConnInterface, method string, request any, options []grpc.CallOption) (*Response, error) {
	response := new(Response)
	callOptions := append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, options...)
	if err := connection.Invoke(ctx, fullMethodName(method), request, response, callOptions...); err != nil {
		return nil, err
	}
	return response, nil
}
