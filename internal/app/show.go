package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"fallback-oracle/internal/storage"
)

// Show prints recent decisions of one feed.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show decisions")
	}
	if closeStore != nil {
		defer closeStore()
	}

	records, err := store.ListRecentDecisions(ctx, opts.QueryID, opts.Limit)
	if err != nil {
		return err
	}
	return a.writeDecisions(records)
}

func (a *App) writeDecisions(records []storage.DecisionRecord) error {
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no decisions found")
		return nil
	}

	exp := -int32(a.Config.Oracle.PriceDecimals)
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tSource\tValue\tPush\tTWAP\tDeviation%\tAge(s)\tGates")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.DecidedAt.UTC().Format(time.RFC3339),
			rec.Source,
			formatDecimal(rec.Value.Shift(exp), 6),
			formatDecimal(rec.PushValue.Shift(exp), 6),
			formatDecimal(rec.TwapValue.Shift(exp), 6),
			formatDecimal(rec.DeviationPct, 3),
			rec.AgeSeconds,
			recordGates(rec),
		)
	}

	return writer.Flush()
}

func recordGates(rec storage.DecisionRecord) string {
	mark := func(ok bool) string {
		if ok {
			return "+"
		}
		return "-"
	}
	return fmt.Sprintf("L%s F%s D%s", mark(rec.LiquidityOK), mark(rec.FreshnessOK), mark(rec.DeviationOK))
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func bigToDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}
