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

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"shelfwatch/internal/storage"
)

// ExportOptions hold parameters for exporting an entity's metric history.
type ExportOptions struct {
	EntityID  string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders one entity's daily metrics as CSV and/or a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	to := storage.Day(time.Now().UTC())
	if opts.To != nil {
		to = storage.Day(*opts.To)
	}

	from := to.AddDate(0, 0, -opts.MaxPoints)
	if opts.From != nil {
		from = storage.Day(*opts.From)
	}

	if to.Before(from) {
		return errors.New("from must be before to")
	}

	metrics, err := store.ListMetricsBetween(ctx, opts.EntityID, from, to)
	if err != nil {
		return err
	}
	if len(metrics) == 0 {
		a.Logger.Info().Str("entity", opts.EntityID).Msg("no metrics found for export window")
		return nil
	}

	downsampled := downsampleMetrics(metrics, opts.MaxPoints)
	a.Logger.Info().Int("total", len(metrics)).Int("exported", len(downsampled)).Msg("exporting metrics")

	if opts.CSVPath != "" {
		if err := writeMetricsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeMetricsPNG(opts.PNGPath, opts.EntityID, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleMetrics(metrics []storage.DailyMetric, max int) []storage.DailyMetric {
	if max <= 0 || len(metrics) <= max {
		return metrics
	}

	result := make([]storage.DailyMetric, 0, max)
	step := float64(len(metrics)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(metrics) {
			idx = len(metrics) - 1
		}
		result = append(result, metrics[idx])
	}
	return result
}

func writeMetricsCSV(path string, metrics []storage.DailyMetric) error {
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

	header := []string{"date", "price", "rank", "rating", "review_count", "secondary_price"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, m := range metrics {
		record := []string{
			m.Date.Format(time.DateOnly),
			csvOptDecimal(m.Price),
			csvOptInt(m.Rank),
			csvOptDecimal(m.Rating),
			csvOptInt(m.ReviewCount),
			csvOptDecimal(m.SecondaryPrice),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeMetricsPNG(path, entityID string, metrics []storage.DailyMetric) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(metrics))
	price := make([]float64, 0, len(metrics))
	rank := make([]float64, 0, len(metrics))
	for _, m := range metrics {
		x = append(x, m.Date)
		if m.Price != nil {
			price = append(price, m.Price.InexactFloat64())
		} else {
			price = append(price, 0)
		}
		if m.Rank != nil {
			rank = append(rank, float64(*m.Rank))
		} else {
			rank = append(rank, 0)
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Title:  entityID,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Rank",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: price,
			},
			chart.TimeSeries{
				Name:    "Rank",
				XValues: x,
				YValues: rank,
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

func csvOptDecimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

func csvOptInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
