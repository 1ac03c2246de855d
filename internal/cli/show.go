package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chaintrack/internal/app"
)

var (
	showLimit int
	showJSON  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List recently persisted analyses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 || showLimit > 500 {
			return fmt.Errorf("--limit must be between 1 and 500")
		}
		return getApp().Show(cmd.Context(), app.ShowOptions{Limit: showLimit, JSON: showJSON}, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of analyses to display")
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the stored records as JSON instead of a table")
}
