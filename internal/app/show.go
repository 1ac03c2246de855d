package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	JSON  bool
}

// Show prints recently persisted analyses.
func (a *App) Show(ctx context.Context, opts ShowOptions, out io.Writer) error {
	e, err := a.newEngine(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()
	if e.store == nil {
		return errors.New("storage.driver not configured; cannot show analyses")
	}

	records, err := e.store.ListRecentAnalyses(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if opts.JSON {
		return writeIndented(out, records)
	}
	if len(records) == 0 {
		fmt.Fprintln(out, "no analyses found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Updated (UTC)\tTx\tAnomaly\tScore\tFee\tLLM\tClient\tSummary")

	for _, record := range records {
		summary := ""
		if result, err := record.Decode(); err == nil {
			summary = sanitizeInline(result.Summary)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%.2f\t%s\t%t\t%s\t%s\n",
			record.UpdatedAt.UTC().Format(time.RFC3339),
			record.TxHash,
			record.AnomalyLabel,
			record.AnomalyScore,
			record.FeePrediction,
			record.UsedLLM,
			record.ClientID,
			truncate(summary, 80),
		)
	}

	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}

func truncate(v string, n int) string {
	if len(v) <= n {
		return v
	}
	return v[:n-3] + "..."
}
