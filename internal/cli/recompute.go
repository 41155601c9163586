package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shelfwatch/internal/app"
)

var (
	recomputeDate  string
	recomputeScope []string
)

var recomputeCmd = &cobra.Command{
	Use:   "recompute",
	Short: "Recompute derived rows and detect anomalies for one date",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseTargetDate(recomputeDate)
		if err != nil {
			return err
		}

		opts := app.BatchOptions{
			Date:  date,
			Scope: recomputeScope,
		}
		return getApp().Recompute(cmd.Context(), opts)
	},
}

func init() {
	recomputeCmd.Flags().StringVar(&recomputeDate, "date", "", "Target date (YYYY-MM-DD, defaults to yesterday UTC)")
	recomputeCmd.Flags().StringSliceVar(&recomputeScope, "entity", nil, "Restrict to specific entity ids (repeatable)")
}

// parseTargetDate resolves an ISO date flag, defaulting to the prior UTC day.
func parseTargetDate(value string) (time.Time, error) {
	if value == "" {
		return time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -1), nil
	}
	date, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date value: %w", err)
	}
	return date, nil
}
