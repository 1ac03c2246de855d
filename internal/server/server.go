package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"chaintrack/internal/analysis"
	"chaintrack/internal/fetcher"
	"chaintrack/internal/llm"
	"chaintrack/internal/model"
	"chaintrack/internal/ratelimit"
)

// TxResolver resolves single transactions and address histories.
type TxResolver interface {
	Resolve(ctx context.Context, txHash string) (model.TransactionRecord, error)
	AddressTransactions(ctx context.Context, address string, limit int) ([]model.TransactionRecord, error)
}

// Analyzer produces merged analyses.
type Analyzer interface {
	Analyze(ctx context.Context, in analysis.Input, opts analysis.Options) analysis.Outcome
}

// Negotiator is the administrative view of the language-model provider.
type Negotiator interface {
	Diagnostics() llm.Diagnostics
	Rediscover(ctx context.Context) error
}

// PriceSource serves USD quotes.
type PriceSource interface {
	USD(ctx context.Context, symbol string) (fetcher.Quote, error)
}

// QuotaView exposes the limiter configuration for diagnostics.
type QuotaView interface {
	Snapshot() ratelimit.Snapshot
}

// Deps are the use cases behind the HTTP surface.
type Deps struct {
	Resolver   TxResolver
	Analyzer   Analyzer
	Negotiator Negotiator
	Prices     PriceSource
	Quota      QuotaView
}

// Options tune the HTTP surface. IgnoreClientIDHeader keys the quota on the
// client address only; IgnoreForwardedFor keeps RemoteAddr as sent by the peer.
type Options struct {
	CORSOrigins          []string
	Version              string
	Now                  func() time.Time
	IgnoreClientIDHeader bool
	IgnoreForwardedFor   bool
}

// Server exposes the engine over HTTP.
type Server struct {
	deps    Deps
	opts    Options
	origins map[string]bool
	logger  zerolog.Logger
}

// New constructs the HTTP surface.
func New(deps Deps, opts Options, logger zerolog.Logger) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	origins := make(map[string]bool, len(opts.CORSOrigins))
	for _, o := range opts.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = true
		}
	}
	return &Server{
		deps:    deps,
		opts:    opts,
		origins: origins,
		logger:  logger.With().Str("component", "http").Logger(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if !s.opts.IgnoreForwardedFor {
		r.Use(middleware.RealIP)
	}
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tx/ethereum/{txHash}", s.handleGetTx)
		r.Get("/address/ethereum/{address}/txs", s.handleAddressTxs)
		r.Post("/analyze/tx", s.handleAnalyze)
		r.Get("/price/{symbol}", s.handlePrice)
		r.Get("/_diag/llm", s.handleDiag)
		r.Post("/_diag/llm/rediscover", s.handleRediscover)
	})
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := s.logger.Info()
		if status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("request served")
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (s.origins[origin] || s.origins["*"]) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Accept, Content-Type, X-Client-Id, X-Request-Id")
			h.Set("Access-Control-Expose-Headers", "Retry-After, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
