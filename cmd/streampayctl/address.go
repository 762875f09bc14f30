package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"StreamPay/internal/ledger"
	fpmath "StreamPay/internal/math"
	"StreamPay/internal/registry"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Predict deterministic deployment addresses.",
}

var addressFactoryCmd = &cobra.Command{
	Use:   "factory",
	Short: "Print the registry address for a deployer and salt.",
	RunE: func(cmd *cobra.Command, args []string) error {
		deployer, err := addressFlag(cmd, "deployer")
		if err != nil {
			return err
		}
		saltHex, _ := cmd.Flags().GetString("salt")
		salt, err := parseSalt(saltHex)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), registry.FactoryAddress(deployer, salt).Hex())
		return nil
	},
}

var addressLedgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Print the ledger address the registry assigns to a token.",
	Long: "Prints the address whether or not the ledger has been created, " +
		"so payers can fund it before it exists.",
	RunE: func(cmd *cobra.Command, args []string) error {
		factory, err := addressFlag(cmd, "factory")
		if err != nil {
			return err
		}
		token, err := addressFlag(cmd, "token")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), registry.PredictAddress(factory, token).Hex())
		return nil
	},
}

var rateCmd = &cobra.Command{
	Use:   "rate",
	Short: "Convert an amount per period into an internal per-second rate.",
	Long: "`rate --amount 1000 --period 2592000 --decimals 6` prints the " +
		"amount_per_sec that streams 1000 tokens every 30 days.",
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, _ := cmd.Flags().GetString("amount")
		period, _ := cmd.Flags().GetUint64("period")
		decimals, _ := cmd.Flags().GetUint8("decimals")

		rate, err := perSecondRate(amount, period, decimals)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), rate.Dec())
		return nil
	},
}

var streamIDCmd = &cobra.Command{
	Use:   "stream-id",
	Short: "Print the id of the stream from payer to payee at a rate.",
	RunE: func(cmd *cobra.Command, args []string) error {
		payer, err := addressFlag(cmd, "payer")
		if err != nil {
			return err
		}
		payee, err := addressFlag(cmd, "payee")
		if err != nil {
			return err
		}
		rateStr, _ := cmd.Flags().GetString("amount-per-sec")
		rate, err := uint256.FromDecimal(rateStr)
		if err != nil {
			return fmt.Errorf("--amount-per-sec %q: %w", rateStr, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), ledger.NewStreamKey(payer, payee, rate).ID().Hex())
		return nil
	},
}

func init() {
	addressFactoryCmd.Flags().String("deployer", registry.DefaultDeployer.Hex(), "Deployer address")
	addressFactoryCmd.Flags().String("salt", "0x", "Deployment salt, up to 32 bytes hex")
	addressLedgerCmd.Flags().String("factory", "", "Registry address")
	addressLedgerCmd.Flags().String("token", "", "Token address")
	addressCmd.AddCommand(addressFactoryCmd, addressLedgerCmd)

	rateCmd.Flags().String("amount", "", "Amount in whole tokens, e.g. 1500.25")
	rateCmd.Flags().Uint64("period", 30*24*60*60, "Period in seconds")
	rateCmd.Flags().Uint8("decimals", 18, "Token decimals")

	streamIDCmd.Flags().String("payer", "", "Payer address")
	streamIDCmd.Flags().String("payee", "", "Payee address")
	streamIDCmd.Flags().String("amount-per-sec", "", "Internal per-second rate")

	rootCmd.AddCommand(addressCmd, rateCmd, streamIDCmd)
}

func parseSalt(s string) (common.Hash, error) {
	raw := common.FromHex(s)
	if len(raw) > common.HashLength {
		return common.Hash{}, fmt.Errorf("salt %q is longer than 32 bytes", s)
	}
	return common.BytesToHash(raw), nil
}

// perSecondRate turns a human amount streamed over period seconds into the
// internal rate. The result must fit the ledger's rate width.
func perSecondRate(amount string, period uint64, decimals uint8) (*uint256.Int, error) {
	n, err := fpmath.NewNormalizer(decimals)
	if err != nil {
		return nil, err
	}
	native, err := fpmath.ParseNative(amount, decimals)
	if err != nil {
		return nil, err
	}
	rate, err := n.PerSecond(native, period)
	if err != nil {
		return nil, err
	}
	if rate.IsZero() {
		return nil, fmt.Errorf("%s over %ds rounds to a zero rate", amount, period)
	}
	if rate.BitLen() > fpmath.RateBits {
		return nil, fmt.Errorf("rate %s exceeds %d bits", rate.Dec(), fpmath.RateBits)
	}
	return rate, nil
}
