package analysis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chaintrack/internal/apperr"
	"chaintrack/internal/cache"
	"chaintrack/internal/fetcher"
	"chaintrack/internal/llm"
	"chaintrack/internal/mlstub"
	"chaintrack/internal/ratelimit"
	"chaintrack/internal/storage"
)

const hashA = "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"

type fakeLLM struct {
	configured bool
	failed     bool
	reply      string
	err        error
	panicOn    bool

	calls      atomic.Int32
	cacheHits  atomic.Int32
	rejections atomic.Int32
	simulated  atomic.Int32
}

func (f *fakeLLM) Configured() bool { return f.configured }
func (f *fakeLLM) Usable() bool     { return f.configured && !f.failed }

func (f *fakeLLM) Generate(ctx context.Context, prompt string) (llm.Response, error) {
	f.calls.Add(1)
	if f.panicOn {
		panic("provider exploded")
	}
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.reply, Extractor: "GoogleGenShape"}, nil
}

func (f *fakeLLM) RecordCacheHit()       { f.cacheHits.Add(1) }
func (f *fakeLLM) RecordQuotaRejection() { f.rejections.Add(1) }
func (f *fakeLLM) RecordSimulated()      { f.simulated.Add(1) }

type fakeScorer struct {
	score    mlstub.Score
	scoreErr error
	gwei     float64
	feeErr   error
	delay    time.Duration

	mu       sync.Mutex
	features mlstub.Features
	recent   []float64
}

func (f *fakeScorer) Anomaly(ctx context.Context, features mlstub.Features) (mlstub.Score, error) {
	f.mu.Lock()
	f.features = features
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return mlstub.Score{}, ctx.Err()
		}
	}
	return f.score, f.scoreErr
}

func (f *fakeScorer) PredictFee(ctx context.Context, recent []float64) (mlstub.FeePrediction, error) {
	f.mu.Lock()
	f.recent = recent
	f.mu.Unlock()
	return mlstub.FeePrediction{PredictedGwei: f.gwei}, f.feeErr
}

func newLimiter(max int) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Options{Window: time.Minute, MaxCalls: max})
}

func newOrchestrator(deps Deps) *Orchestrator {
	if deps.Cache == nil {
		deps.Cache = cache.New(time.Minute)
	}
	if deps.Limiter == nil {
		deps.Limiter = newLimiter(6)
	}
	return New(deps, Settings{ModelTimeout: 200 * time.Millisecond}, zerolog.Nop())
}

func TestLocalFeeFromGwei(t *testing.T) {
	o := newOrchestrator(Deps{})
	out := o.Analyze(context.Background(), ParseInput(map[string]any{
		"gasUsed":      float64(21000),
		"gasPriceGwei": float64(30),
	}), Options{})

	res := out.Result
	if res.Anomaly.Label != "normal" || res.Anomaly.Score != 0.01 {
		t.Fatalf("默认异常评分错误: %+v", res.Anomaly)
	}
	if res.FeePrediction != "0.00063 ETH" {
		t.Fatalf("unexpected fee prediction %q", res.FeePrediction)
	}
	if res.FeeWeiDecimalString != "630000000000000" {
		t.Fatalf("unexpected fee wei %q", res.FeeWeiDecimalString)
	}
	if res.Summary == "" {
		t.Fatal("summary must never be empty")
	}
	if out.RateLimit != nil || out.QuotaExceeded {
		t.Fatal("analysis without language model must not touch the quota")
	}
}

func TestLocalFeeFromRawWei(t *testing.T) {
	cases := []struct {
		name string
		in   Input
		want string
		ok   bool
	}{
		{name: "hex wei", in: Input{GasUsed: "21000", GasPrice: "0x6fc23ac00"}, want: "630000000000000", ok: true},
		{name: "decimal wei", in: Input{GasUsed: "0x5208", GasPrice: "30000000000"}, want: "630000000000000", ok: true},
		{name: "fractional gwei truncates", in: Input{GasUsed: "3", GasPriceGwei: "0.0000000005"}, want: "1", ok: true},
		{name: "gwei wins over wei", in: Input{GasUsed: "1", GasPriceGwei: "1", GasPrice: "5"}, want: "1000000000", ok: true},
		{name: "garbage gas price", in: Input{GasUsed: "21000", GasPriceGwei: "abc"}, ok: false},
		{name: "negative gas", in: Input{GasUsed: "-1", GasPriceGwei: "1"}, ok: false},
		{name: "missing gas", in: Input{GasPriceGwei: "1"}, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fee, ok := LocalFee(tc.in)
			if ok != tc.ok {
				t.Fatalf("ok=%v want %v", ok, tc.ok)
			}
			if ok && fee.WeiString() != tc.want {
				t.Fatalf("wei=%s want %s", fee.WeiString(), tc.want)
			}
		})
	}
}

func TestAnalyzeEmptyInputStillAnswers(t *testing.T) {
	o := newOrchestrator(Deps{})
	for _, raw := range []map[string]any{nil, {}, {"gasUsed": map[string]any{"x": 1}, "to": []any{1}}} {
		out := o.Analyze(context.Background(), ParseInput(raw), Options{WantLLM: true})
		if out.Result.Anomaly.Label == "" || out.Result.Summary == "" {
			t.Fatalf("anomaly and summary must be set, got %+v", out.Result)
		}
		if out.Result.FeePrediction != "" {
			t.Fatalf("no fee expected without gas fields, got %q", out.Result.FeePrediction)
		}
	}
}

func TestSimulatedWhenLanguageModelUnconfigured(t *testing.T) {
	limiter := newLimiter(6)
	model := &fakeLLM{configured: false}
	o := newOrchestrator(Deps{Limiter: limiter, LLM: model})

	out := o.Analyze(context.Background(), Input{TxHash: hashA, GasUsed: "21000", GasPriceGwei: "30"}, Options{WantLLM: true, ClientID: "c1"})
	if !strings.Contains(out.Result.Summary, "LLM-enriched summary") {
		t.Fatalf("summary should mention the simulated enrichment: %q", out.Result.Summary)
	}
	if len(out.Result.Recommendations) == 0 {
		t.Fatal("simulated response must carry recommendations")
	}
	if out.RateLimit != nil || out.QuotaExceeded {
		t.Fatal("simulation must not consume quota")
	}
	if got := limiter.Peek("c1").Remaining; got != 6 {
		t.Fatalf("quota should be untouched, remaining=%d", got)
	}
	if model.calls.Load() != 0 || model.simulated.Load() != 1 {
		t.Fatalf("unexpected counters calls=%d simulated=%d", model.calls.Load(), model.simulated.Load())
	}
}

func TestSimulatedWithoutAnyLanguageModel(t *testing.T) {
	o := newOrchestrator(Deps{})
	out := o.Analyze(context.Background(), Input{}, Options{WantLLM: true})
	if !strings.Contains(out.Result.Summary, "LLM-enriched summary") || len(out.Result.Recommendations) == 0 {
		t.Fatalf("unexpected simulated result %+v", out.Result)
	}
}

func TestLanguageModelOverridesFields(t *testing.T) {
	model := &fakeLLM{
		configured: true,
		reply: "Sure! Here you go: {\"summary\": \"Plain ETH transfer {ok}\", \"anomaly\": {\"label\": \"suspicious\", \"score\": 0.9}, " +
			"\"feePrediction\": \"0.001 ETH\", \"recommendations\": [\"check recipient\", 3]} trailing {junk}",
	}
	scorer := &fakeScorer{score: mlstub.Score{Score: 0.2, Label: "normal"}, gwei: 40}
	o := newOrchestrator(Deps{LLM: model, Scorer: scorer})

	out := o.Analyze(context.Background(), Input{TxHash: hashA, GasUsed: "21000", GasPriceGwei: "30"}, Options{WantLLM: true, ClientID: "c1"})
	res := out.Result
	if res.Summary != "Plain ETH transfer {ok}" {
		t.Fatalf("summary not overridden: %q", res.Summary)
	}
	if res.Anomaly.Label != "suspicious" || res.Anomaly.Score != 0.9 {
		t.Fatalf("anomaly not overridden: %+v", res.Anomaly)
	}
	if res.FeePrediction != "0.001 ETH" {
		t.Fatalf("language model fee should win, got %q", res.FeePrediction)
	}
	if len(res.Recommendations) != 1 || res.Recommendations[0] != "check recipient" {
		t.Fatalf("unexpected recommendations %v", res.Recommendations)
	}
	if res.FeeWeiDecimalString != "630000000000000" {
		t.Fatalf("local wei estimate should survive, got %q", res.FeeWeiDecimalString)
	}
	if out.RateLimit == nil || out.RateLimit.Remaining != 5 || !out.UsedLLM {
		t.Fatalf("one unit of quota should be consumed, got %+v", out.RateLimit)
	}
}

func TestLanguageModelRawTextKept(t *testing.T) {
	model := &fakeLLM{configured: true, reply: "I cannot produce JSON today"}
	o := newOrchestrator(Deps{LLM: model})

	out := o.Analyze(context.Background(), Input{TxHash: hashA}, Options{WantLLM: true})
	raw, ok := out.Result.LanguageModelOutput.(map[string]any)
	if !ok || raw["raw"] != "I cannot produce JSON today" {
		t.Fatalf("raw text should be kept, got %#v", out.Result.LanguageModelOutput)
	}
	if out.Result.Anomaly.Label != "normal" || out.Result.Summary == "" {
		t.Fatalf("defaults must survive a parse failure: %+v", out.Result)
	}
}

func TestLanguageModelCacheSkipsQuota(t *testing.T) {
	limiter := newLimiter(1)
	model := &fakeLLM{configured: true, reply: `{"summary":"cached answer"}`}
	o := newOrchestrator(Deps{Limiter: limiter, LLM: model})

	first := o.Analyze(context.Background(), Input{TxHash: hashA}, Options{WantLLM: true, ClientID: "c1"})
	second := o.Analyze(context.Background(), Input{TxHash: strings.ToUpper(hashA[:2]) + hashA[2:]}, Options{WantLLM: true, ClientID: "c1"})

	if first.Result.Summary != "cached answer" || second.Result.Summary != "cached answer" {
		t.Fatalf("unexpected summaries %q / %q", first.Result.Summary, second.Result.Summary)
	}
	if second.QuotaExceeded || second.RateLimit != nil {
		t.Fatal("cache hit must not consume quota")
	}
	if model.calls.Load() != 1 || model.cacheHits.Load() != 1 {
		t.Fatalf("calls=%d cacheHits=%d", model.calls.Load(), model.cacheHits.Load())
	}
}

func TestQuotaExceededOnSeventhCall(t *testing.T) {
	model := &fakeLLM{configured: true, reply: `{"summary":"ok"}`}
	o := newOrchestrator(Deps{Limiter: newLimiter(6), LLM: model})

	hashes := make([]string, 7)
	for i := range hashes {
		hashes[i] = "0x" + strings.Repeat(string(rune('a'+i)), 64)
	}
	var last Outcome
	for i, h := range hashes {
		last = o.Analyze(context.Background(), Input{TxHash: h, GasUsed: "21000", GasPriceGwei: "30"}, Options{WantLLM: true, ClientID: "c1"})
		if i < 6 && last.QuotaExceeded {
			t.Fatalf("call %d should be allowed", i+1)
		}
	}
	if !last.QuotaExceeded || last.RateLimit == nil || last.RateLimit.Remaining != 0 {
		t.Fatalf("7th call should be rejected, got %+v", last.RateLimit)
	}
	if last.Result.FeePrediction != "0.00063 ETH" || last.Result.Summary == "" {
		t.Fatalf("non language-model fields must still be merged: %+v", last.Result)
	}
	if model.calls.Load() != 6 || model.rejections.Load() != 1 {
		t.Fatalf("calls=%d rejections=%d", model.calls.Load(), model.rejections.Load())
	}
}

func TestLanguageModelFailureIsStageTagged(t *testing.T) {
	model := &fakeLLM{configured: true, err: apperr.New(apperr.KindTimeout, "upstream call exceeded 12s")}
	o := newOrchestrator(Deps{LLM: model})

	out := o.Analyze(context.Background(), Input{TxHash: hashA}, Options{WantLLM: true})
	if len(out.Result.Errors) != 1 || !strings.HasPrefix(out.Result.Errors[0], "llm: ") {
		t.Fatalf("expected an llm-tagged error, got %v", out.Result.Errors)
	}
	if out.UsedLLM {
		t.Fatal("failed call must not count as language model output")
	}
}

func TestConfigurationErrorFallsBackToSimulation(t *testing.T) {
	limiter := newLimiter(6)
	model := &fakeLLM{configured: true, err: apperr.New(apperr.KindConfiguration, "no usable model")}
	o := newOrchestrator(Deps{Limiter: limiter, LLM: model})

	out := o.Analyze(context.Background(), Input{TxHash: hashA}, Options{WantLLM: true, ClientID: "c1"})
	if !strings.Contains(out.Result.Summary, "LLM-enriched summary") {
		t.Fatalf("configuration failure should simulate, got %q", out.Result.Summary)
	}
	if got := limiter.Peek("c1").Remaining; got != 6 {
		t.Fatalf("配置错误不应消耗配额, remaining=%d", got)
	}
	if out.RateLimit == nil || out.RateLimit.Remaining != 6 {
		t.Fatalf("refunded decision should be reported, got %+v", out.RateLimit)
	}
}

func TestFailedDiscoverySkipsQuota(t *testing.T) {
	limiter := newLimiter(6)
	model := &fakeLLM{configured: true, failed: true, reply: `{"summary":"never"}`}
	o := newOrchestrator(Deps{Limiter: limiter, LLM: model})

	out := o.Analyze(context.Background(), Input{TxHash: hashA}, Options{WantLLM: true, ClientID: "c1"})
	if !strings.Contains(out.Result.Summary, "LLM-enriched summary") {
		t.Fatalf("unusable model should simulate, got %q", out.Result.Summary)
	}
	if out.RateLimit != nil || limiter.Peek("c1").Remaining != 6 {
		t.Fatal("unusable model must not consume quota")
	}
	if model.calls.Load() != 0 {
		t.Fatalf("unusable model must not be called, calls=%d", model.calls.Load())
	}
}

func TestPanicBecomesSafeDefault(t *testing.T) {
	model := &fakeLLM{configured: true, panicOn: true}
	o := newOrchestrator(Deps{LLM: model})

	out := o.Analyze(context.Background(), Input{TxHash: hashA}, Options{WantLLM: true})
	if out.Result.Anomaly.Label != "normal" || out.Result.Summary == "" {
		t.Fatalf("panic should yield the safe default, got %+v", out.Result)
	}
	if len(out.Result.Errors) == 0 {
		t.Fatal("panic should be reported in errors")
	}
}

func TestModelStubMerged(t *testing.T) {
	scorer := &fakeScorer{score: mlstub.Score{Score: 0.93, Label: "suspicious"}, gwei: 40}
	o := newOrchestrator(Deps{Scorer: scorer})

	out := o.Analyze(context.Background(), Input{TxHash: hashA, From: "0xabc", GasUsed: "21000", GasPriceGwei: "30"}, Options{})
	if out.Result.Anomaly.Label != "suspicious" || out.Result.Anomaly.Score != 0.93 {
		t.Fatalf("stub anomaly should win over the default: %+v", out.Result.Anomaly)
	}
	if out.Result.FeePrediction != "0.00084 ETH" {
		t.Fatalf("stub fee should win over the local estimate, got %q", out.Result.FeePrediction)
	}
	if out.Result.FeeWeiDecimalString != "630000000000000" {
		t.Fatalf("local wei estimate should stay, got %q", out.Result.FeeWeiDecimalString)
	}
	scorer.mu.Lock()
	defer scorer.mu.Unlock()
	if scorer.features.FromAddr != "0xabc" || scorer.features.GasUsed == nil || *scorer.features.GasUsed != 21000 {
		t.Fatalf("unexpected features %+v", scorer.features)
	}
	if len(scorer.recent) != 1 || scorer.recent[0] != 30 {
		t.Fatalf("unexpected recent gas %v", scorer.recent)
	}
}

func TestModelStubPartialFailure(t *testing.T) {
	scorer := &fakeScorer{scoreErr: errors.New("connection refused"), gwei: 40}
	o := newOrchestrator(Deps{Scorer: scorer})

	out := o.Analyze(context.Background(), Input{GasUsed: "21000", GasPriceGwei: "30"}, Options{})
	if out.Result.Anomaly.Label != "normal" || out.Result.Anomaly.Score != 0.01 {
		t.Fatalf("anomaly should fall back to the default: %+v", out.Result.Anomaly)
	}
	if out.Result.FeePrediction != "0.00084 ETH" {
		t.Fatalf("fee half should still succeed, got %q", out.Result.FeePrediction)
	}
	if len(out.Result.Errors) != 1 || !strings.HasPrefix(out.Result.Errors[0], "ml.anomaly: ") {
		t.Fatalf("unexpected errors %v", out.Result.Errors)
	}
}

func TestModelStubTimeout(t *testing.T) {
	scorer := &fakeScorer{score: mlstub.Score{Score: 0.5, Label: "normal"}, gwei: 40, delay: time.Second}
	o := newOrchestrator(Deps{Scorer: scorer})

	start := time.Now()
	out := o.Analyze(context.Background(), Input{}, Options{})
	if time.Since(start) > 900*time.Millisecond {
		t.Fatal("stub call should be bounded")
	}
	if out.Result.Anomaly.Score != 0.01 {
		t.Fatalf("timed out anomaly should fall back, got %+v", out.Result.Anomaly)
	}
}

type recordingSink struct {
	mu      sync.Mutex
	records []storage.AnalysisRecord
}

func (s *recordingSink) UpsertAnalysis(ctx context.Context, record storage.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *recordingSink) GetAnalysis(ctx context.Context, txHash string) (storage.AnalysisRecord, error) {
	return storage.AnalysisRecord{}, storage.ErrNotFound
}

func (s *recordingSink) ListRecentAnalyses(ctx context.Context, limit int) ([]storage.AnalysisRecord, error) {
	return nil, nil
}

func (s *recordingSink) Close() {}

func TestAnalysisIsQueuedForPersistence(t *testing.T) {
	sink := &recordingSink{}
	writer := storage.NewWriter(sink, 4, time.Second, zerolog.Nop())
	o := newOrchestrator(Deps{Writer: writer})

	o.Analyze(context.Background(), Input{TxHash: hashA, GasUsed: "21000", GasPriceGwei: "30"}, Options{ClientID: "c1"})
	o.Analyze(context.Background(), Input{GasUsed: "21000"}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = writer.Run(ctx)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.records) != 1 {
		t.Fatalf("only hashed analyses are persisted, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.TxHash != hashA || rec.ClientID != "c1" || rec.FeePrediction != "0.00063 ETH" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestParseInputAliases(t *testing.T) {
	in := ParseInput(map[string]any{
		"hash":     " 0xABC ",
		"value":    "1.5",
		"symbol":   "USDC",
		"gasUsed":  "21000",
		"gasPrice": "0x6fc23ac00",
		"status":   true,
	})
	if in.TxHash != "0xABC" || in.ValueDecimal != "1.5" || in.TokenSymbol != "USDC" {
		t.Fatalf("aliases not honoured: %+v", in)
	}
	if in.Status != "" {
		t.Fatalf("mistyped field should be ignored, got %q", in.Status)
	}
	fee, ok := LocalFee(in)
	if !ok || fee.Prediction() != "0.00063 ETH" {
		t.Fatalf("fee from raw wei: %v %q", ok, fee.Prediction())
	}
}

type fakePrices struct {
	usd     map[string]string
	symbols []string
}

func (f *fakePrices) USD(ctx context.Context, symbol string) (fetcher.Quote, error) {
	f.symbols = append(f.symbols, symbol)
	raw, ok := f.usd[symbol]
	if !ok {
		return fetcher.Quote{}, apperr.New(apperr.KindNotFound, "price missing for "+symbol)
	}
	return fetcher.Quote{Symbol: symbol, USD: decimal.RequireFromString(raw)}, nil
}

func TestStubReceivesValueUSD(t *testing.T) {
	scorer := &fakeScorer{score: mlstub.Score{Score: 0.1, Label: "normal"}, gwei: 30}
	prices := &fakePrices{usd: map[string]string{"ETH": "2000", "USDC": "1"}}
	o := newOrchestrator(Deps{Scorer: scorer, Prices: prices})

	o.Analyze(context.Background(), Input{TxHash: hashA, ValueDecimal: "1.5"}, Options{})
	if scorer.features.ValueUSD == nil || *scorer.features.ValueUSD != 3000 {
		t.Fatalf("valueUSD should be value x ETH price, got %v", scorer.features.ValueUSD)
	}

	o.Analyze(context.Background(), Input{TxHash: hashA, ValueDecimal: "250", TokenSymbol: "USDC"}, Options{})
	if scorer.features.ValueUSD == nil || *scorer.features.ValueUSD != 250 {
		t.Fatalf("token value should use the token price, got %v", scorer.features.ValueUSD)
	}
}

func TestValueUSDOmittedWithoutPrice(t *testing.T) {
	scorer := &fakeScorer{score: mlstub.Score{Score: 0.1, Label: "normal"}, gwei: 30}
	prices := &fakePrices{usd: map[string]string{}}
	o := newOrchestrator(Deps{Scorer: scorer, Prices: prices})

	out := o.Analyze(context.Background(), Input{TxHash: hashA, ValueDecimal: "2", TokenSymbol: "PEPE"}, Options{})
	if scorer.features.ValueUSD != nil {
		t.Fatalf("valueUSD must be unset without a quote, got %v", *scorer.features.ValueUSD)
	}
	if len(out.Result.Errors) != 0 {
		t.Fatalf("a missing price is not an analysis error: %v", out.Result.Errors)
	}

	o.Analyze(context.Background(), Input{TxHash: hashA, ValueDecimal: "not-a-number"}, Options{})
	if len(prices.symbols) != 1 {
		t.Fatalf("unparseable value must not trigger a price lookup, lookups %v", prices.symbols)
	}
}
