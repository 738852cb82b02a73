package cli

import (
	"time"

	"github.com/spf13/cobra"

	"fallback-oracle/internal/app"
)

var (
	simulateQueryID   uint64
	simulatePush      string
	simulatePushAge   time.Duration
	simulateTwap      string
	simulateLiquidity string
	simulateAlert     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the arbitration on given readings, optionally sending the fallback alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().Simulate(cmd.Context(), app.SimulateOptions{
			QueryID:   simulateQueryID,
			PushValue: simulatePush,
			PushAge:   simulatePushAge,
			TwapValue: simulateTwap,
			Liquidity: simulateLiquidity,
			Overrides: thresholdOverrides(cmd),
			Alert:     simulateAlert,
		})
		return err
	},
}

func init() {
	simulateCmd.Flags().Uint64Var(&simulateQueryID, "query-id", 1, "Feed identifier")
	simulateCmd.Flags().StringVar(&simulatePush, "push", "", "Push oracle value (raw integer at oracle.price_decimals)")
	simulateCmd.Flags().DurationVar(&simulatePushAge, "push-age", 0, "Age of the push report")
	simulateCmd.Flags().StringVar(&simulateTwap, "twap", "", "TWAP value (raw integer at oracle.price_decimals)")
	simulateCmd.Flags().StringVar(&simulateLiquidity, "liquidity", "0", "Current pool liquidity")
	simulateCmd.Flags().BoolVar(&simulateAlert, "alert", false, "Send the alert when the result falls back")
	addThresholdFlags(simulateCmd)
	_ = simulateCmd.MarkFlagRequired("push")
	_ = simulateCmd.MarkFlagRequired("twap")
}
