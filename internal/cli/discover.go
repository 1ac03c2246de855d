package cli

import (
	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Negotiate the language model provider and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Discover(cmd.Context(), cmd.OutOrStdout())
	},
}
