package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	EntityID string
	Limit    int
}

// Show prints an entity's unresolved alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.ListActiveAlerts(ctx, opts.EntityID, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no active alerts")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tEntity\tKind\tSeverity\tDate\tChange%\tMessage")

	for _, alert := range alerts {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.ID,
			alert.EntityID,
			alert.Kind,
			alert.Severity,
			alert.AlertDate.Format(time.DateOnly),
			formatOptDecimal(alert.ChangePct, 1),
			sanitizeInline(alert.Message),
		)
	}

	writer.Flush()
	return nil
}

// ResolveOptions configure the resolve command.
type ResolveOptions struct {
	AlertID    int64
	ResolvedBy string
}

// Resolve marks one alert as handled.
func (a *App) Resolve(ctx context.Context, opts ResolveOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	done, err := store.ResolveAlert(ctx, opts.AlertID, opts.ResolvedBy)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("alert %d not found or already resolved", opts.AlertID)
	}

	a.Logger.Info().Int64("alert_id", opts.AlertID).Str("resolved_by", opts.ResolvedBy).Msg("alert resolved")
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

func formatOptDecimal(d *decimal.Decimal, places int32) string {
	if d == nil {
		return "-"
	}
	return d.StringFixed(places)
}
