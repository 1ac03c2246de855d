package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"chaintrack/internal/app"
)

var (
	analyzeFile   string
	analyzeLLM    bool
	analyzeClient string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [txHash]",
	Short: "Analyse a transaction given by hash or as a JSON file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.AnalyzeOptions{
			File:     analyzeFile,
			UseLLM:   analyzeLLM,
			ClientID: analyzeClient,
		}
		if len(args) == 1 {
			opts.TxHash = args[0]
		}
		if opts.File != "" && opts.TxHash != "" {
			return fmt.Errorf("pass either a transaction hash or --file, not both")
		}
		return getApp().Analyze(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeFile, "file", "", "JSON file with the transaction object (- for stdin)")
	analyzeCmd.Flags().BoolVar(&analyzeLLM, "llm", false, "Enrich the analysis with the language model")
	analyzeCmd.Flags().StringVar(&analyzeClient, "client", "cli", "Client identity used for the language model quota")
}
