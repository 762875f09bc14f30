package main

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"StreamPay/internal/observability"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "streampayctl",
	Short: "Operator tool for the StreamPay ledger service.",
	Long: `streampayctl predicts registry and ledger addresses, converts ` +
		`amounts into per-second stream rates, computes stream ids, ` +
		`submits commands over NATS and queries a running streampayd.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := zerolog.WarnLevel
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			level = zerolog.DebugLevel
		}
		logger = observability.NewConsoleLogger(cmd.ErrOrStderr(), "streampayctl", level)
	},
}

var logger = zerolog.Nop()

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output to stdout")
}

func main() {
	Execute()
}

func addressFlag(cmd *cobra.Command, name string) (common.Address, error) {
	v, _ := cmd.Flags().GetString(name)
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s must be a hex address, got %q", name, v)
	}
	return common.HexToAddress(v), nil
}
