package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"fallback-oracle/internal/app"
	"fallback-oracle/internal/twap"
)

var (
	minLiquidity string
	maxAge       time.Duration
	maxDeviation uint64
	windowStart  uint32
	windowEnd    uint32
)

var decideCmd = &cobra.Command{
	Use:   "decide <query-id>",
	Short: "Arbitrate one feed against the chain and print the decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseQueryID(args[0])
		if err != nil {
			return err
		}
		return getApp().Decide(cmd.Context(), id, thresholdOverrides(cmd))
	},
}

var poolCmd = &cobra.Command{
	Use:   "pool <query-id>",
	Short: "Print the reference pool bound to a feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseQueryID(args[0])
		if err != nil {
			return err
		}
		return getApp().Pool(id)
	},
}

var feedsCmd = &cobra.Command{
	Use:   "feeds",
	Short: "List configured feeds and their pools",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Feeds()
	},
}

func init() {
	addThresholdFlags(decideCmd)
}

// addThresholdFlags registers the per-query threshold overrides.
func addThresholdFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&minLiquidity, "min-liquidity", "", "Minimum pool liquidity (defaults to config)")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Maximum push report age (defaults to config)")
	cmd.Flags().Uint64Var(&maxDeviation, "max-deviation", 0, "Maximum TWAP deviation in percent (defaults to config)")
	cmd.Flags().Uint32Var(&windowStart, "window-start", 0, "TWAP window start in seconds ago")
	cmd.Flags().Uint32Var(&windowEnd, "window-end", 0, "TWAP window end in seconds ago")
}

// thresholdOverrides collects only the flags the user set.
func thresholdOverrides(cmd *cobra.Command) app.ThresholdOverrides {
	var o app.ThresholdOverrides
	flags := cmd.Flags()
	if flags.Changed("min-liquidity") {
		v := minLiquidity
		o.MinLiquidity = &v
	}
	if flags.Changed("max-age") {
		v := maxAge
		o.MaxAge = &v
	}
	if flags.Changed("max-deviation") {
		v := maxDeviation
		o.MaxDeviationPct = &v
	}
	if flags.Changed("window-start") || flags.Changed("window-end") {
		o.Window = &twap.Window{SecondsAgoStart: windowStart, SecondsAgoEnd: windowEnd}
	}
	return o
}

func parseQueryID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid query id %q: %w", raw, err)
	}
	return id, nil
}
