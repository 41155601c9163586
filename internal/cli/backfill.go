package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"shelfwatch/internal/app"
)

var (
	backfillFrom  string
	backfillTo    string
	backfillScope []string
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Recompute derived rows over a historical date range",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.DateOnly, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.DateOnly, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		if to.Before(from) {
			return fmt.Errorf("--from must not be after --to")
		}

		opts := app.BackfillOptions{
			From:  from,
			To:    to,
			Scope: backfillScope,
		}
		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End date (YYYY-MM-DD, inclusive)")
	backfillCmd.Flags().StringSliceVar(&backfillScope, "entity", nil, "Restrict to specific entity ids (repeatable)")
}
