package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "fanvault.entitlement.v1.EntitlementService"

const (
	methodOpenAccount           = "OpenAccount"
	methodGetBalance            = "GetBalance"
	methodListTransactions      = "ListTransactions"
	methodMintStreamToken       = "MintStreamToken"
	methodGrantStreamToken      = "GrantStreamToken"
	methodAuthorizeStream       = "AuthorizeStream"
	methodTip                   = "Tip"
	methodUnlockPPV             = "UnlockPPV"
	methodRecordExternalDeposit = "RecordExternalDeposit"
	methodRecordFailedDeposit   = "RecordFailedDeposit"
	methodFlagDispute           = "FlagDispute"
	methodRevenue               = "Revenue"
)

// EntitlementServiceServer is the server API for the entitlement service.
type EntitlementServiceServer interface {
	OpenAccount(context.Context, *AccountRequest) (*AccountResponse, error)
	GetBalance(context.Context, *AccountRequest) (*AccountResponse, error)
	ListTransactions(context.Context, *ListTransactionsRequest) (*ListTransactionsResponse, error)
	MintStreamToken(context.Context, *StreamTokenRequest) (*TokenMessage, error)
	GrantStreamToken(context.Context, *StreamTokenRequest) (*GrantStreamTokenResponse, error)
	AuthorizeStream(context.Context, *AuthorizeStreamRequest) (*AuthorizeStreamResponse, error)
	Tip(context.Context, *TipRequest) (*TransferResponse, error)
	UnlockPPV(context.Context, *UnlockPPVRequest) (*TransferResponse, error)
	RecordExternalDeposit(context.Context, *DepositRequest) (*TransactionMessage, error)
	RecordFailedDeposit(context.Context, *DepositRequest) (*TransactionMessage, error)
	FlagDispute(context.Context, *FlagDisputeRequest) (*DisputeResponse, error)
	Revenue(context.Context, *RevenueRequest) (*RevenueResponse, error)
}

// EntitlementServiceDesc describes the service for grpc.Server.RegisterService.
var EntitlementServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*EntitlementServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodOpenAccount, Handler: unaryHandler(methodOpenAccount, EntitlementServiceServer.OpenAccount)},
		{MethodName: methodGetBalance, Handler: unaryHandler(methodGetBalance, EntitlementServiceServer.GetBalance)},
		{MethodName: methodListTransactions, Handler: unaryHandler(methodListTransactions, EntitlementServiceServer.ListTransactions)},
		{MethodName: methodMintStreamToken, Handler: unaryHandler(methodMintStreamToken, EntitlementServiceServer.MintStreamToken)},
		{MethodName: methodGrantStreamToken, Handler: unaryHandler(methodGrantStreamToken, EntitlementServiceServer.GrantStreamToken)},
		{MethodName: methodAuthorizeStream, Handler: unaryHandler(methodAuthorizeStream, EntitlementServiceServer.AuthorizeStream)},
		{MethodName: methodTip, Handler: unaryHandler(methodTip, EntitlementServiceServer.Tip)},
		{MethodName: methodUnlockPPV, Handler: unaryHandler(methodUnlockPPV, EntitlementServiceServer.UnlockPPV)},
		{MethodName: methodRecordExternalDeposit, Handler: unaryHandler(methodRecordExternalDeposit, EntitlementServiceServer.RecordExternalDeposit)},
		{MethodName: methodRecordFailedDeposit, Handler: unaryHandler(methodRecordFailedDeposit, EntitlementServiceServer.RecordFailedDeposit)},
		{MethodName: methodFlagDispute, Handler: unaryHandler(methodFlagDispute, EntitlementServiceServer.FlagDispute)},
		{MethodName: methodRevenue, Handler: unaryHandler(methodRevenue, EntitlementServiceServer.Revenue)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fanvault/entitlement/v1",
}

// RegisterEntitlementServiceServer registers server on registrar.
func RegisterEntitlementServiceServer(registrar grpc.ServiceRegistrar, server EntitlementServiceServer) {
	registrar.RegisterService(&EntitlementServiceDesc, server)
}

func fullMethodName(method string) string {
	return "/" + serviceName + "/" + method
}

func unaryHandler[Request any, Response any](method string, call func(EntitlementServiceServer, context.Context, *Request) (*Response, error)) grpc.MethodHandler {
	return func(server any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		request := new(Request)
		if err := decode(request); err != nil {
			return nil, err
		}
		typedServer := server.(EntitlementServiceServer)
		if interceptor == nil {
			return call(typedServer, ctx, request)
		}
		info := &grpc.UnaryServerInfo{Server: server, FullMethod: fullMethodName(method)}
		handler := func(ctx context.Context, request any) (any, error) {
			return call(typedServer, ctx, request.(*Request))
		}
		return interceptor(ctx, request, info, handler)
	}
}
