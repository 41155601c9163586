package cli

import (
	"github.com/spf13/cobra"

	"shelfwatch/internal/app"
)

var (
	detectDate  string
	detectScope []string
)

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run anomaly detection against already-computed deltas",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := parseTargetDate(detectDate)
		if err != nil {
			return err
		}

		opts := app.BatchOptions{
			Date:  date,
			Scope: detectScope,
		}
		return getApp().Detect(cmd.Context(), opts)
	},
}

func init() {
	detectCmd.Flags().StringVar(&detectDate, "date", "", "Target date (YYYY-MM-DD, defaults to yesterday UTC)")
	detectCmd.Flags().StringSliceVar(&detectScope, "entity", nil, "Restrict to specific entity ids (repeatable)")
}
