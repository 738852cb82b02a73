package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"fallback-oracle/internal/app"
)

var (
	showQueryID uint64
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent decisions of a feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			QueryID: showQueryID,
			Limit:   showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().Uint64Var(&showQueryID, "query-id", 0, "Feed to display")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of decisions to display")
	_ = showCmd.MarkFlagRequired("query-id")
}
