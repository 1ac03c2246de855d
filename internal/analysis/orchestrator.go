package analysis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"chaintrack/internal/bounded"
	"chaintrack/internal/cache"
	"chaintrack/internal/fetcher"
	"chaintrack/internal/llm"
	"chaintrack/internal/mlstub"
	"chaintrack/internal/model"
	"chaintrack/internal/ratelimit"
	"chaintrack/internal/storage"
)

const (
	defaultModelTimeout = 2500 * time.Millisecond
	defaultLLMCacheTTL  = time.Hour
	defaultChain        = "ethereum"
)

// LanguageModel is the negotiated generation path plus its usage counters.
type LanguageModel interface {
	Configured() bool
	Usable() bool
	Generate(ctx context.Context, prompt string) (llm.Response, error)
	RecordCacheHit()
	RecordQuotaRejection()
	RecordSimulated()
}

// PriceSource quotes USD prices for the valueUSD feature.
type PriceSource interface {
	USD(ctx context.Context, symbol string) (fetcher.Quote, error)
}

// Deps are the collaborators of the orchestrator. Scorer, LanguageModel and
// Writer may be nil.
type Deps struct {
	Cache   *cache.ResultCache
	Limiter *ratelimit.Limiter
	LLM     LanguageModel
	Scorer  mlstub.Scorer
	Writer  *storage.Writer
	Prices  PriceSource
}

// Settings tune the orchestrator.
type Settings struct {
	ModelTimeout time.Duration
	LLMCacheTTL  time.Duration
	Now          func() time.Time
}

// Options are per-call switches.
type Options struct {
	WantLLM  bool
	ClientID string
}

// Outcome is the merged analysis plus the quota decision taken, if any.
type Outcome struct {
	Result        model.AnalysisResult
	RateLimit     *ratelimit.Decision
	QuotaExceeded bool
	UsedLLM       bool
}

// Orchestrator merges the local fee heuristic, the model stub and the
// language model into one AnalysisResult.
type Orchestrator struct {
	deps     Deps
	settings Settings
	logger   zerolog.Logger
}

// New constructs an orchestrator.
func New(deps Deps, settings Settings, logger zerolog.Logger) *Orchestrator {
	if settings.ModelTimeout <= 0 {
		settings.ModelTimeout = defaultModelTimeout
	}
	if settings.LLMCacheTTL <= 0 {
		settings.LLMCacheTTL = defaultLLMCacheTTL
	}
	if settings.Now == nil {
		settings.Now = time.Now
	}
	return &Orchestrator{
		deps:     deps,
		settings: settings,
		logger:   logger.With().Str("component", "analysis").Logger(),
	}
}

// Analyze never fails: whatever goes wrong, the result carries an anomaly and a summary.
func (o *Orchestrator) Analyze(ctx context.Context, in Input, opts Options) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().Interface("panic", r).Str("tx_hash", in.TxHash).Msg("analysis panicked")
			result := model.SafeDefault()
			result.Errors = []string{fmt.Sprintf("internal: %v", r)}
			out = Outcome{Result: result}
		}
	}()

	in.TxHash = strings.ToLower(strings.TrimSpace(in.TxHash))
	result := model.AnalysisResult{Anomaly: model.DefaultAnomaly()}

	localFee, hasLocalFee := LocalFee(in)
	if hasLocalFee {
		result.FeePrediction = localFee.Prediction()
		result.FeeWeiDecimalString = localFee.WeiString()
	}

	stub := o.callStub(ctx, in)
	if stub.anomaly != nil {
		result.Anomaly = *stub.anomaly
	}
	if stub.fee != nil {
		result.FeePrediction = stub.fee.Prediction()
	}
	result.Errors = append(result.Errors, stub.errors...)
	result.Summary = summarize(in, result)

	out = Outcome{Result: result}
	if opts.WantLLM {
		out = o.runLLM(ctx, in, result, opts)
	}

	o.persist(in, opts, out)
	return out
}

type stubOutcome struct {
	anomaly *model.Anomaly
	fee     *Fee
	errors  []string
}

// callStub asks the model stub for an anomaly score and a fee prediction in
// parallel. Either half may fail on its own.
func (o *Orchestrator) callStub(ctx context.Context, in Input) stubOutcome {
	var out stubOutcome
	if o.deps.Scorer == nil {
		return out
	}

	var (
		score            mlstub.Score
		fee              mlstub.FeePrediction
		scoreErr, feeErr error
		features         = featuresOf(in)
		recentGas        []float64
		g                errgroup.Group
	)
	if gwei, ok := gasPriceGwei(in); ok {
		recentGas = []float64{gwei.InexactFloat64()}
	}
	if usd, ok := o.valueUSD(ctx, in); ok {
		features.ValueUSD = &usd
	}

	g.Go(func() error {
		score, scoreErr = bounded.Call(ctx, o.settings.ModelTimeout, func(ctx context.Context) (mlstub.Score, error) {
			return o.deps.Scorer.Anomaly(ctx, features)
		})
		return nil
	})
	g.Go(func() error {
		fee, feeErr = bounded.Call(ctx, o.settings.ModelTimeout, func(ctx context.Context) (mlstub.FeePrediction, error) {
			return o.deps.Scorer.PredictFee(ctx, recentGas)
		})
		return nil
	})
	_ = g.Wait()

	if scoreErr != nil {
		o.logger.Warn().Err(scoreErr).Str("tx_hash", in.TxHash).Msg("model stub anomaly unavailable")
		out.errors = append(out.errors, "ml.anomaly: "+scoreErr.Error())
	} else {
		out.anomaly = &model.Anomaly{Label: score.Label, Score: score.Score}
	}
	if feeErr != nil {
		o.logger.Warn().Err(feeErr).Str("tx_hash", in.TxHash).Msg("model stub fee prediction unavailable")
		out.errors = append(out.errors, "ml.fee: "+feeErr.Error())
	} else {
		f := stubFee(in, fee.PredictedGwei)
		out.fee = &f
	}
	return out
}

func featuresOf(in Input) mlstub.Features {
	features := mlstub.Features{
		TxHash:   in.TxHash,
		FromAddr: in.From,
		To:       in.To,
	}
	if v, ok := parseAmount(in.GasUsed); ok {
		f := v.InexactFloat64()
		features.GasUsed = &f
	}
	if v, ok := gasPriceGwei(in); ok {
		f := v.InexactFloat64()
		features.GasPriceGwei = &f
	}
	return features
}

// valueUSD prices the transferred amount. A missing or failed quote leaves the
// feature unset.
func (o *Orchestrator) valueUSD(ctx context.Context, in Input) (float64, bool) {
	if o.deps.Prices == nil {
		return 0, false
	}
	value, err := decimal.NewFromString(strings.TrimSpace(in.ValueDecimal))
	if err != nil || value.IsNegative() {
		return 0, false
	}
	symbol := strings.TrimSpace(in.TokenSymbol)
	if symbol == "" {
		symbol = "ETH"
	}
	quote, err := bounded.Call(ctx, o.settings.ModelTimeout, func(ctx context.Context) (fetcher.Quote, error) {
		return o.deps.Prices.USD(ctx, symbol)
	})
	if err != nil {
		o.logger.Debug().Err(err).Str("symbol", symbol).Msg("no price for valueUSD feature")
		return 0, false
	}
	return value.Mul(quote.USD).InexactFloat64(), true
}

// summarize builds the one-line default summary from whatever fields exist.
func summarize(in Input, result model.AnalysisResult) string {
	var b strings.Builder
	b.WriteString("Transaction")
	if in.TxHash != "" {
		b.WriteString(" " + shorten(in.TxHash))
	}
	if in.ValueDecimal != "" {
		symbol := in.TokenSymbol
		if symbol == "" {
			symbol = "ETH"
		}
		fmt.Fprintf(&b, " moving %s %s", in.ValueDecimal, symbol)
	}
	if in.From != "" {
		b.WriteString(" from " + shorten(in.From))
	}
	if in.To != "" {
		b.WriteString(" to " + shorten(in.To))
	}
	if in.Status != "" {
		b.WriteString(" (" + in.Status + ")")
	}
	if b.Len() == len("Transaction") {
		b.WriteString(" with no identifying details")
	}
	if result.FeePrediction != "" {
		b.WriteString("; estimated fee " + result.FeePrediction)
	}
	fmt.Fprintf(&b, "; anomaly %s (score %.2f).", result.Anomaly.Label, result.Anomaly.Score)
	return b.String()
}

func shorten(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:10] + "..." + s[len(s)-4:]
}

func (o *Orchestrator) persist(in Input, opts Options, out Outcome) {
	if in.TxHash == "" || !o.deps.Writer.Enabled() {
		return
	}
	record, err := storage.NewAnalysisRecord(in.TxHash, defaultChain, opts.ClientID, out.Result, out.UsedLLM, o.settings.Now())
	if err != nil {
		o.logger.Warn().Err(err).Msg("analysis not persisted")
		return
	}
	o.deps.Writer.Enqueue(record)
}
