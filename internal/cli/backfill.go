package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chaintrack/internal/app"
)

var (
	backfillFile    string
	backfillLLM     bool
	backfillDryRun  bool
	backfillWorkers int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Resolve, analyse and persist a list of transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFile == "" {
			return fmt.Errorf("--file must be provided")
		}
		if backfillWorkers <= 0 {
			return fmt.Errorf("--workers must be greater than zero")
		}

		opts := app.BackfillOptions{
			File:    backfillFile,
			UseLLM:  backfillLLM,
			DryRun:  backfillDryRun,
			Workers: backfillWorkers,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFile, "file", "", "File with one transaction hash per line")
	backfillCmd.Flags().BoolVar(&backfillLLM, "llm", false, "Enrich analyses with the language model")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Run without writing to storage")
	backfillCmd.Flags().IntVar(&backfillWorkers, "workers", 2, "Number of concurrent workers")
}
