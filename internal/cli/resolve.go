package cli

import (
	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <txHash>",
	Short: "Resolve a transaction and print its canonical record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Resolve(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}
