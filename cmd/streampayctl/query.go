package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"StreamPay/internal/server"
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a running streampayd over gRPC.",
}

// withClient dials --grpc-addr, runs call and prints its result as JSON.
func withClient(cmd *cobra.Command, call func(ctx context.Context, c *server.Client) (any, error)) error {
	addr, _ := cmd.Flags().GetString("grpc-addr")
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	resp, err := call(ctx, server.NewClient(conn))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func flagUint64(cmd *cobra.Command, name string) uint64 {
	v, _ := cmd.Flags().GetUint64(name)
	return v
}

var queryContractsCmd = &cobra.Command{
	Use:   "contracts",
	Short: "List every pay contract in creation order.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			return c.ListPayContracts(ctx, &server.ListPayContractsRequest{})
		})
	},
}

var queryContractCmd = &cobra.Command{
	Use:   "contract",
	Short: "Show the pay contract of a token.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			return c.GetPayContract(ctx, &server.GetPayContractRequest{Token: flagString(cmd, "token")})
		})
	},
}

var queryBalanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show a payer's balance, negative when its streams outran its funds.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			return c.GetPayerBalance(ctx, &server.GetPayerBalanceRequest{
				Token: flagString(cmd, "token"),
				Payer: flagString(cmd, "payer"),
				At:    flagUint64(cmd, "at"),
			})
		})
	},
}

var queryWithdrawableCmd = &cobra.Command{
	Use:   "withdrawable",
	Short: "Show what a stream could pay its payee.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			return c.Withdrawable(ctx, &server.WithdrawableRequest{
				Token:        flagString(cmd, "token"),
				Payer:        flagString(cmd, "payer"),
				Payee:        flagString(cmd, "payee"),
				AmountPerSec: flagString(cmd, "amount-per-sec"),
				At:           flagUint64(cmd, "at"),
			})
		})
	},
}

var queryStreamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List a payer's active streams.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			return c.ListStreams(ctx, &server.ListStreamsRequest{
				Token: flagString(cmd, "token"),
				Payer: flagString(cmd, "payer"),
			})
		})
	},
}

var queryHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List the ledger logs of a stream on one token's ledger.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			limit, _ := cmd.Flags().GetInt("limit")
			req := &server.GetStreamHistoryRequest{
				Token:    flagString(cmd, "token"),
				StreamID: flagString(cmd, "stream-id"),
				Limit:    limit,
			}
			if cmd.Flags().Changed("after") {
				after, _ := cmd.Flags().GetInt64("after")
				req.AfterSequence = &after
			}
			return c.GetStreamHistory(ctx, req)
		})
	},
}

var queryIntegrityCmd = &cobra.Command{
	Use:   "integrity",
	Short: "Verify the event log hash chain and the projected stream rates.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			return c.VerifyIntegrity(ctx, &server.VerifyIntegrityRequest{})
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Ask streampayd to take and store a snapshot now.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
			return c.TakeSnapshot(ctx, &server.TakeSnapshotRequest{})
		})
	},
}

func init() {
	queryCmd.PersistentFlags().String("grpc-addr", envOr("STREAMPAY_GRPC_ADDR", "localhost:9090"), "streampayd gRPC address")
	snapshotCmd.Flags().String("grpc-addr", envOr("STREAMPAY_GRPC_ADDR", "localhost:9090"), "streampayd gRPC address")

	queryContractCmd.Flags().String("token", "", "Token address")

	for _, c := range []*cobra.Command{queryBalanceCmd, queryWithdrawableCmd, queryStreamsCmd} {
		c.Flags().String("token", "", "Token address")
		c.Flags().String("payer", "", "Payer address")
	}
	queryBalanceCmd.Flags().Uint64("at", 0, "Unix time to evaluate at (default now)")
	queryWithdrawableCmd.Flags().String("payee", "", "Payee address")
	queryWithdrawableCmd.Flags().String("amount-per-sec", "", "Internal per-second rate")
	queryWithdrawableCmd.Flags().Uint64("at", 0, "Unix time to evaluate at (default now)")

	queryHistoryCmd.Flags().String("token", "", "Token address")
	queryHistoryCmd.Flags().String("stream-id", "", "Stream id")
	queryHistoryCmd.Flags().Int("limit", 100, "Maximum logs to return")
	queryHistoryCmd.Flags().Int64("after", 0, "Only logs after this sequence")

	queryCmd.AddCommand(queryContractsCmd, queryContractCmd, queryBalanceCmd, queryWithdrawableCmd,
		queryStreamsCmd, queryHistoryCmd, queryIntegrityCmd)
	rootCmd.AddCommand(queryCmd, snapshotCmd)
}
