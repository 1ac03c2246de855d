package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"chaintrack/internal/llm"
	"chaintrack/internal/storage"
)

// Pruner drops expired quota windows.
type Pruner interface {
	Prune() int
}

// UsageSource exposes the language-model usage counters.
type UsageSource interface {
	Usage() llm.Usage
}

// PruneRateWindows removes expired per-client quota windows.
func PruneRateWindows(p Pruner, logger zerolog.Logger) Job {
	return Job{
		Name: "prune_rate_windows",
		Run: func(ctx context.Context, at time.Time) error {
			if removed := p.Prune(); removed > 0 {
				logger.Debug().Int("removed", removed).Msg("expired rate windows pruned")
			}
			return nil
		},
	}
}

// LogUsage reports language-model and persistence counters.
func LogUsage(usage UsageSource, writer *storage.Writer, logger zerolog.Logger) Job {
	return Job{
		Name: "log_usage",
		Run: func(ctx context.Context, at time.Time) error {
			u := usage.Usage()
			stats := writer.Stats()
			logger.Info().
				Int64("llm_calls", u.Calls).
				Int64("llm_successes", u.Successes).
				Int64("llm_failures", u.Failures).
				Int64("llm_cache_hits", u.CacheHits).
				Int64("llm_quota_rejections", u.QuotaRejections).
				Int64("llm_simulated", u.Simulated).
				Int64("persisted", stats.Written).
				Int64("persist_failed", stats.Failed).
				Int64("persist_dropped", stats.Dropped).
				Msg("usage report")
			return nil
		},
	}
}
