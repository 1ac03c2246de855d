package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chaintrack/internal/llm"
	"chaintrack/internal/ratelimit"
	"chaintrack/internal/storage"
)

func TestTickRunsEveryJobDespiteFailures(t *testing.T) {
	var ran []string
	s := New(Options{Interval: time.Minute}, zerolog.Nop(),
		Job{Name: "a", Run: func(ctx context.Context, at time.Time) error {
			ran = append(ran, "a")
			return errors.New("boom")
		}},
		Job{Name: "b", Run: func(ctx context.Context, at time.Time) error {
			ran = append(ran, "b")
			return nil
		}},
	)
	s.Tick(context.Background(), time.Now())
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("任务执行顺序错误: %v", ran)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	var ticks atomic.Int32
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop(), Job{Name: "count", Run: func(ctx context.Context, at time.Time) error {
		ticks.Add(1)
		return nil
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if ticks.Load() == 0 {
		t.Fatal("expected at least one tick")
	}
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next tick %s", got)
	}
}

func TestPruneRateWindowsJob(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := ratelimit.New(ratelimit.Options{Window: time.Minute, MaxCalls: 2, Now: func() time.Time { return now }})
	limiter.Consume("a")
	limiter.Consume("b")
	now = now.Add(2 * time.Minute)

	job := PruneRateWindows(limiter, zerolog.Nop())
	if err := job.Run(context.Background(), now); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if tracked := limiter.Snapshot().Tracked; tracked != 0 {
		t.Fatalf("expected expired windows to be dropped, still tracking %d", tracked)
	}
}

type staticUsage struct{ usage llm.Usage }

func (s staticUsage) Usage() llm.Usage { return s.usage }

func TestLogUsageJob(t *testing.T) {
	writer := storage.NewWriter(nil, 1, time.Second, zerolog.Nop())
	job := LogUsage(staticUsage{usage: llm.Usage{Calls: 3}}, writer, zerolog.Nop())
	if err := job.Run(context.Background(), time.Now()); err != nil {
		t.Fatalf("log usage: %v", err)
	}
}
