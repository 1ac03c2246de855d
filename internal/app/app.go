package app

import (
	"context"

	"github.com/rs/zerolog"

	"chaintrack/internal/analysis"
	"chaintrack/internal/cache"
	"chaintrack/internal/config"
	"chaintrack/internal/fetcher"
	"chaintrack/internal/llm"
	"chaintrack/internal/logging"
	"chaintrack/internal/mlstub"
	"chaintrack/internal/ratelimit"
	"chaintrack/internal/resolver"
	"chaintrack/internal/storage"
	"chaintrack/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// engine is the fully wired object graph shared by every command.
type engine struct {
	cache      *cache.ResultCache
	rpc        *fetcher.RPC
	resolver   *resolver.Resolver
	prices     *resolver.PriceBook
	limiter    *ratelimit.Limiter
	negotiator *llm.Negotiator
	store      storage.AnalysisStore
	writer     *storage.Writer
	analyzer   *analysis.Orchestrator
}

func (e *engine) close() {
	if e.rpc != nil {
		e.rpc.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}

func (a *App) userAgent() string {
	return version.UserAgent(a.Config.App.Name)
}

// newEngine wires the engine. withStore opens the configured analyses sink.
func (a *App) newEngine(ctx context.Context, withStore bool) (*engine, error) {
	cfg := a.Config
	e := &engine{cache: cache.New(cfg.Cache.CleanupInterval)}

	e.rpc = fetcher.NewRPC(fetcher.RPCOptions{
		URL:     cfg.Ethereum.RPCURL,
		Timeout: cfg.Ethereum.RequestTimeout,
	}, a.Logger)
	explorer := fetcher.NewExplorer(fetcher.ExplorerOptions{
		BaseURL:           cfg.Explorer.BaseURL,
		APIKey:            cfg.Explorer.APIKey,
		RequestsPerSecond: cfg.Explorer.RequestsPerSecond,
		Timeout:           cfg.Explorer.RequestTimeout,
		UserAgent:         a.userAgent(),
	}, a.Logger)
	e.resolver = resolver.New(e.rpc, explorer, explorer, e.cache, resolver.Options{
		StepTimeout: cfg.Ethereum.RequestTimeout,
		TxTTL:       cfg.Cache.TxTTL,
		AddressTTL:  cfg.Cache.AddressTxTTL,
	}, a.Logger)

	price := fetcher.NewPrice(fetcher.PriceOptions{
		BaseURL:           cfg.Price.BaseURL,
		RequestsPerSecond: cfg.Price.RequestsPerSecond,
		Timeout:           cfg.Price.RequestTimeout,
		UserAgent:         a.userAgent(),
	}, a.Logger)
	e.prices = resolver.NewPriceBook(price, e.cache, cfg.Price.CacheTTL, cfg.Price.RequestTimeout, a.Logger)

	e.limiter = ratelimit.New(ratelimit.Options{
		Window:   cfg.RateLimit.Window,
		MaxCalls: cfg.RateLimit.MaxCalls,
	})

	e.negotiator = llm.New(llm.Options{
		Enabled:         cfg.LLM.Enabled,
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		ModelOverride:   cfg.LLM.Model,
		Timeout:         cfg.LLM.Timeout,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		UserAgent:       a.userAgent(),
	}, a.Logger)

	var scorer mlstub.Scorer
	if cfg.ML.Enabled {
		scorer = mlstub.NewClient(cfg.ML.BaseURL, cfg.ML.Timeout, a.Logger)
	}

	if withStore {
		store, err := storage.Open(ctx, cfg, a.Logger)
		if err != nil {
			e.close()
			return nil, err
		}
		e.store = store
	}
	e.writer = storage.NewWriter(e.store, cfg.Storage.QueueSize, cfg.Storage.WriteTimeout, a.Logger)

	e.analyzer = analysis.New(analysis.Deps{
		Cache:   e.cache,
		Limiter: e.limiter,
		LLM:     e.negotiator,
		Scorer:  scorer,
		Writer:  e.writer,
		Prices:  e.prices,
	}, analysis.Settings{
		ModelTimeout: cfg.ML.Timeout,
		LLMCacheTTL:  cfg.LLM.CacheTTL,
	}, a.Logger)

	return e, nil
}
