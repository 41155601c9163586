package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"shelfwatch/internal/app"
)

var (
	showEntity string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display an entity's unresolved alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showEntity == "" {
			return fmt.Errorf("--entity must be provided")
		}
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			EntityID: showEntity,
			Limit:    showLimit,
		}
		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showEntity, "entity", "", "Entity id to inspect")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
}
