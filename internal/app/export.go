package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"fallback-oracle/internal/arbiter"
	"fallback-oracle/internal/storage"
)

// Export renders recorded decisions of one feed as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	records, err := store.ListDecisionsBetween(ctx, opts.QueryID, from, to, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Uint64("query_id", opts.QueryID).Msg("no decisions found for export window")
		return nil
	}

	return a.writeExport(records, opts)
}

func (a *App) writeExport(records []storage.DecisionRecord, opts ExportOptions) error {
	downsampled := downsampleDecisions(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting decisions")

	if opts.CSVPath != "" {
		if err := writeDecisionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDecisionsPNG(opts.PNGPath, downsampled, a.Config.Oracle.PriceDecimals); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDecisions(records []storage.DecisionRecord, max int) []storage.DecisionRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.DecisionRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

func writeDecisionsCSV(path string, records []storage.DecisionRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"decided_at", "query_id", "source", "value", "value_ts", "push_value", "push_ts", "twap_value", "liquidity", "deviation_pct", "age_seconds", "liquidity_ok", "freshness_ok", "deviation_ok"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, rec := range records {
		record := []string{
			rec.DecidedAt.Format(time.RFC3339),
			strconv.FormatUint(rec.QueryID, 10),
			rec.Source,
			rec.Value.String(),
			strconv.FormatInt(rec.ValueTimestamp.Unix(), 10),
			rec.PushValue.String(),
			strconv.FormatInt(rec.PushTimestamp.Unix(), 10),
			rec.TwapValue.String(),
			rec.Liquidity.String(),
			rec.DeviationPct.StringFixed(6),
			strconv.FormatInt(rec.AgeSeconds, 10),
			strconv.FormatBool(rec.LiquidityOK),
			strconv.FormatBool(rec.FreshnessOK),
			strconv.FormatBool(rec.DeviationOK),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeDecisionsPNG(path string, records []storage.DecisionRecord, priceDecimals uint8) error {
	if len(records) < 2 {
		return errors.New("at least two decisions are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	exp := -int32(priceDecimals)
	x := make([]time.Time, len(records))
	push := make([]float64, len(records))
	twapValues := make([]float64, len(records))
	source := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.DecidedAt
		push[i] = rec.PushValue.Shift(exp).InexactFloat64()
		twapValues[i] = rec.TwapValue.Shift(exp).InexactFloat64()
		source[i] = float64(arbiter.SourceAMM)
		if rec.FellBack() {
			source[i] = float64(arbiter.SourcePush)
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.4f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:  "Source (1=amm, 2=push)",
			Range: &chart.ContinuousRange{Min: 0.5, Max: 2.5},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Push oracle",
				XValues: x,
				YValues: push,
			},
			chart.TimeSeries{
				Name:    "AMM TWAP",
				XValues: x,
				YValues: twapValues,
			},
			chart.TimeSeries{
				Name:    "Chosen source",
				XValues: x,
				YValues: source,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
