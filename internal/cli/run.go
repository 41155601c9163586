package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduled batch service",
	Long:  "Run the long-lived service: recompute the mart for the prior day on each aligned interval, detect anomalies, and publish cache invalidations.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}
