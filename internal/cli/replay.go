package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fallback-oracle/internal/app"
)

var (
	replayInterval time.Duration
	replayPersist  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay decisions against the offline snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			Interval: replayInterval,
			Persist:  replayPersist,
		}

		from, err := timeFlag(cmd, "from")
		if err != nil {
			return err
		}
		to, err := timeFlag(cmd, "to")
		if err != nil {
			return err
		}
		if from != nil {
			opts.From = *from
		}
		if to != nil {
			opts.To = *to
		}
		if from != nil && to != nil && to.Before(*from) {
			return fmt.Errorf("--from must not be after --to")
		}

		_, err = getApp().Replay(cmd.Context(), opts)
		return err
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage the offline snapshot",
}

var snapshotImportCmd = &cobra.Command{
	Use:   "import <file.json>",
	Short: "Import push reports and pool observations from a JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err != nil {
			return err
		}
		_, err := getApp().ImportSnapshot(cmd.Context(), args[0])
		return err
	},
}

func init() {
	replayCmd.Flags().String("from", "", "First round (RFC3339, inclusive)")
	replayCmd.Flags().String("to", "", "Last round (RFC3339, inclusive; defaults to the snapshot as_of)")
	replayCmd.Flags().DurationVar(&replayInterval, "interval", 0, "Round spacing (defaults to scheduler.interval)")
	replayCmd.Flags().BoolVar(&replayPersist, "persist", false, "Write decisions to the database")

	snapshotCmd.AddCommand(snapshotImportCmd)
}
