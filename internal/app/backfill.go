package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"chaintrack/internal/analysis"
)

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	File    string
	UseLLM  bool
	DryRun  bool
	Workers int
}

// Backfill resolves and analyses every hash listed in a file (one per line,
// '#' comments allowed) and persists the results.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	hashes, err := readHashes(opts.File)
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		return errors.New("no transaction hashes found in --file")
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e, err := a.newEngine(ctx, !opts.DryRun)
	if err != nil {
		return err
	}
	defer e.close()

	if opts.DryRun {
		a.Logger.Warn().Msg("backfill dry-run: analyses will not be persisted")
	} else if e.store == nil {
		return errors.New("storage.driver not configured; cannot backfill")
	}

	writerDone := make(chan struct{})
	go func() {
		_ = e.writer.Run(ctx)
		close(writerDone)
	}()

	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, hash := range hashes {
		g.Go(func() error {
			record, err := e.resolver.Resolve(gctx, hash)
			if err != nil {
				failed.Add(1)
				a.Logger.Error().Err(err).Str("tx_hash", hash).Msg("backfill resolve failed")
				return nil
			}
			if record.Sample {
				failed.Add(1)
				a.Logger.Warn().Str("tx_hash", hash).Msg("no upstream returned the transaction; skipping sample record")
				return nil
			}
			outcome := e.analyzer.Analyze(gctx, analysis.InputFromRecord(record), analysis.Options{WantLLM: opts.UseLLM, ClientID: "backfill"})
			if outcome.QuotaExceeded {
				a.Logger.Warn().Str("tx_hash", hash).Msg("language model quota exhausted during backfill")
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	cancel()
	<-writerDone

	stats := e.writer.Stats()
	a.Logger.Info().
		Int64("processed", processed.Load()).
		Int64("failed", failed.Load()).
		Int64("persisted", stats.Written).
		Int64("dropped", stats.Dropped).
		Msg("backfill finished")
	if failed.Load() > 0 {
		return fmt.Errorf("%d of %d transactions failed; see logs", failed.Load(), len(hashes))
	}
	return nil
}

func readHashes(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("--file is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hash file: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	var hashes []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := strings.ToLower(line)
		if seen[key] {
			continue
		}
		seen[key] = true
		hashes = append(hashes, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hash file: %w", err)
	}
	return hashes, nil
}
