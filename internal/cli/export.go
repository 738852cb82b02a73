package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fallback-oracle/internal/app"
)

var exportOpts app.ExportOptions

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded decisions as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := exportOpts

		from, err := timeFlag(cmd, "from")
		if err != nil {
			return err
		}
		to, err := timeFlag(cmd, "to")
		if err != nil {
			return err
		}
		opts.From, opts.To = from, to

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	flags := exportCmd.Flags()
	flags.Uint64Var(&exportOpts.QueryID, "query-id", 0, "Feed to export")
	flags.String("from", "", "Start timestamp (RFC3339, inclusive)")
	flags.String("to", "", "End timestamp (RFC3339, exclusive)")
	flags.StringVar(&exportOpts.PNGPath, "png", "", "Path to write PNG chart")
	flags.StringVar(&exportOpts.CSVPath, "csv", "", "Path to write CSV data")
	flags.IntVar(&exportOpts.MaxPoints, "max-points", 0, "Maximum data points to export (defaults to config)")
	_ = exportCmd.MarkFlagRequired("query-id")
}

// timeFlag parses an RFC3339 string flag; unset flags yield nil.
func timeFlag(cmd *cobra.Command, name string) (*time.Time, error) {
	raw, err := cmd.Flags().GetString(name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &t, nil
}
