package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"shelfwatch/internal/app"
)

var (
	resolveID int64
	resolveBy string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Mark an alert as handled",
	RunE: func(cmd *cobra.Command, args []string) error {
		if resolveID <= 0 {
			return fmt.Errorf("--id must be provided")
		}
		if resolveBy == "" {
			return fmt.Errorf("--by must be provided")
		}

		opts := app.ResolveOptions{
			AlertID:    resolveID,
			ResolvedBy: resolveBy,
		}
		return getApp().Resolve(cmd.Context(), opts)
	},
}

func init() {
	resolveCmd.Flags().Int64Var(&resolveID, "id", 0, "Alert id to resolve")
	resolveCmd.Flags().StringVar(&resolveBy, "by", "", "Operator resolving the alert")
}
