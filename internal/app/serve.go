package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"chaintrack/internal/scheduler"
	"chaintrack/internal/server"
	"chaintrack/internal/version"
)

// Serve runs the HTTP API until SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := a.newEngine(ctx, true)
	if err != nil {
		return err
	}
	defer e.close()

	cfg := a.Config
	handler := server.New(server.Deps{
		Resolver:   e.resolver,
		Analyzer:   e.analyzer,
		Negotiator: e.negotiator,
		Prices:     e.prices,
		Quota:      e.limiter,
	}, server.Options{
		CORSOrigins:          cfg.Server.CORSOrigins,
		Version:              version.Version,
		IgnoreClientIDHeader: !cfg.Server.TrustClientIDHeader,
		IgnoreForwardedFor:   !cfg.Server.TrustForwardedFor,
	}, a.Logger).Handler()
	if !cfg.Server.TrustClientIDHeader || !cfg.Server.TrustForwardedFor {
		a.Logger.Info().
			Bool("client_id_header", cfg.Server.TrustClientIDHeader).
			Bool("forwarded_for", cfg.Server.TrustForwardedFor).
			Msg("quota identity headers restricted")
	}

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sched := scheduler.New(scheduler.Options{Interval: cfg.Housekeeping.Interval}, a.Logger,
		scheduler.PruneRateWindows(e.limiter, a.Logger),
		scheduler.LogUsage(e.negotiator, e.writer, a.Logger),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.writer.Run(gctx)
	})
	g.Go(func() error {
		if err := sched.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if cfg.LLM.DiscoverOnStartup && e.negotiator.Configured() {
		g.Go(func() error {
			if err := e.negotiator.Discover(gctx); err != nil {
				a.Logger.Warn().Err(err).Msg("startup discovery failed; will retry lazily")
			}
			return nil
		})
	}
	g.Go(func() error {
		a.Logger.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		a.Logger.Info().Msg("shutting down http server")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("server terminated with error")
		return err
	}
	a.Logger.Info().Msg("server stopped")
	return nil
}
