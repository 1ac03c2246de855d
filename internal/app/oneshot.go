package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"chaintrack/internal/analysis"
)

// AnalyzeOptions configure the analyze command.
type AnalyzeOptions struct {
	File     string
	TxHash   string
	UseLLM   bool
	ClientID string
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Resolve prints the canonical record of one transaction.
func (a *App) Resolve(ctx context.Context, txHash string, out io.Writer) error {
	e, err := a.newEngine(ctx, false)
	if err != nil {
		return err
	}
	defer e.close()

	record, err := e.resolver.Resolve(ctx, txHash)
	if err != nil {
		return err
	}
	return writeIndented(out, record)
}

// Analyze analyses a transaction read from a JSON file (or stdin with "-") or
// resolved by hash, persisting the result when a sink is configured.
func (a *App) Analyze(ctx context.Context, opts AnalyzeOptions, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e, err := a.newEngine(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()

	in, err := a.analysisInput(ctx, e, opts)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		_ = e.writer.Run(ctx)
		close(done)
	}()

	clientID := opts.ClientID
	if clientID == "" {
		clientID = "cli"
	}
	outcome := e.analyzer.Analyze(ctx, in, analysis.Options{WantLLM: opts.UseLLM, ClientID: clientID})

	cancel()
	<-done

	if outcome.QuotaExceeded {
		a.Logger.Warn().Msg("language model quota exhausted; result excludes language model output")
	}
	return writeIndented(out, outcome.Result)
}

func (a *App) analysisInput(ctx context.Context, e *engine, opts AnalyzeOptions) (analysis.Input, error) {
	switch {
	case opts.File != "":
		var (
			data []byte
			err  error
		)
		if opts.File == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(opts.File)
		}
		if err != nil {
			return analysis.Input{}, fmt.Errorf("read transaction file: %w", err)
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			return analysis.Input{}, fmt.Errorf("parse transaction file: %w", err)
		}
		if tx, ok := raw["tx"].(map[string]any); ok {
			raw = tx
		}
		return analysis.ParseInput(raw), nil
	case strings.TrimSpace(opts.TxHash) != "":
		record, err := e.resolver.Resolve(ctx, opts.TxHash)
		if err != nil {
			return analysis.Input{}, err
		}
		return analysis.InputFromRecord(record), nil
	default:
		return analysis.Input{}, errors.New("either a transaction hash or --file is required")
	}
}

// Discover runs provider discovery once and prints the resulting diagnostics.
func (a *App) Discover(ctx context.Context, out io.Writer) error {
	e, err := a.newEngine(ctx, false)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.negotiator.Discover(ctx); err != nil {
		return err
	}
	return writeIndented(out, e.negotiator.Diagnostics())
}
