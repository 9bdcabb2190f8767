package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/MarkoPoloResearchLab/fanvault/internal/grpcserver"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	flagUserID        = "user"
	flagTransactionID = "transaction"
	flagPaymentID     = "payment"
	flagAmount        = "amount"
	flagLimit         = "limit"
	flagDays          = "days"
)

// adminCall runs one RPC against a running vaultd and returns the response to print.
type adminCall func(ctx context.Context, client *grpcserver.EntitlementServiceClient) (any, error)

func newAdminCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands against a running vaultd over gRPC",
	}

	balance := &cobra.Command{
		Use:   "balance",
		Short: "Show a wallet and its recent transactions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString(flagUserID)
			limit, _ := cmd.Flags().GetInt32(flagLimit)
			return runAdminCall(cmd, cfg, func(ctx context.Context, client *grpcserver.EntitlementServiceClient) (any, error) {
				account, err := client.GetBalance(ctx, &grpcserver.AccountRequest{UserID: userID})
				if err != nil {
					return nil, err
				}
				history, err := client.ListTransactions(ctx, &grpcserver.ListTransactionsRequest{UserID: userID, Limit: limit})
				if err != nil {
					return nil, err
				}
				return struct {
					Account      *grpcserver.AccountResponse     `json:"account"`
					Transactions []grpcserver.TransactionMessage `json:"transactions"`
				}{Account: account, Transactions: history.Transactions}, nil
			})
		},
	}
	balance.Flags().String(flagUserID, "", "wallet owner user id (required)")
	balance.Flags().Int32(flagLimit, 20, "number of transactions to show")

	deposit := &cobra.Command{
		Use:   "deposit",
		Short: "Record a settled external payment as a deposit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString(flagUserID)
			amount, _ := cmd.Flags().GetInt64(flagAmount)
			paymentID, _ := cmd.Flags().GetString(flagPaymentID)
			return runAdminCall(cmd, cfg, func(ctx context.Context, client *grpcserver.EntitlementServiceClient) (any, error) {
				return client.RecordExternalDeposit(ctx, &grpcserver.DepositRequest{
					UserID:            userID,
					Amount:            amount,
					ExternalPaymentID: paymentID,
				})
			})
		},
	}
	deposit.Flags().String(flagUserID, "", "wallet owner user id (required)")
	deposit.Flags().Int64(flagAmount, 0, "tokens to credit (required)")
	deposit.Flags().String(flagPaymentID, "", "processor payment id (required)")

	dispute := &cobra.Command{
		Use:   "dispute",
		Short: "Flag a completed transaction as disputed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			transactionID, _ := cmd.Flags().GetString(flagTransactionID)
			paymentID, _ := cmd.Flags().GetString(flagPaymentID)
			if (transactionID == "") == (paymentID == "") {
				return fmt.Errorf("exactly one of --%s or --%s is required", flagTransactionID, flagPaymentID)
			}
			return runAdminCall(cmd, cfg, func(ctx context.Context, client *grpcserver.EntitlementServiceClient) (any, error) {
				return client.FlagDispute(ctx, &grpcserver.FlagDisputeRequest{
					TransactionID:     transactionID,
					ExternalPaymentID: paymentID,
				})
			})
		},
	}
	dispute.Flags().String(flagTransactionID, "", "transaction id to dispute")
	dispute.Flags().String(flagPaymentID, "", "processor payment id of the disputed deposit")

	revenue := &cobra.Command{
		Use:   "revenue",
		Short: "Show a creator's earnings by day and by source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, _ := cmd.Flags().GetString(flagUserID)
			days, _ := cmd.Flags().GetInt32(flagDays)
			return runAdminCall(cmd, cfg, func(ctx context.Context, client *grpcserver.EntitlementServiceClient) (any, error) {
				return client.Revenue(ctx, &grpcserver.RevenueRequest{UserID: userID, Days: days})
			})
		},
	}
	revenue.Flags().String(flagUserID, "", "creator user id (required)")
	revenue.Flags().Int32(flagDays, 30, "trailing window in days")

	cmd.AddCommand(balance, deposit, dispute, revenue)
	return cmd
}

func runAdminCall(cmd *cobra.Command, cfg *runtimeConfig, call adminCall) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.RPCTimeout)
	defer cancel()

	conn, err := grpc.NewClient(cfg.ServerAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connect vaultd: %w", err)
	}
	defer conn.Close()
	conn.Connect()
	if err := waitForClientReady(ctx, conn); err != nil {
		return fmt.Errorf("connect vaultd: %w", err)
	}

	response, err := call(ctx, grpcserver.NewEntitlementServiceClient(conn))
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), response)
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func waitForClientReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if state == connectivity.Shutdown {
			return errors.New("grpc connection shutdown before ready")
		}
		if !conn.WaitForStateChange(ctx, state) {
			if err := ctx.Err(); err != nil {
				return err
			}
			return errors.New("grpc connection failed to reach ready state")
		}
	}
}
