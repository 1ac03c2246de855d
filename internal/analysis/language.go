package analysis

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"chaintrack/internal/apperr"
	"chaintrack/internal/cache"
	"chaintrack/internal/llm"
	"chaintrack/internal/model"
)

const (
	anonymousClient = "anonymous"
	suspiciousLabel = "suspicious"
)

// runLLM enriches base with the language model. The branch order is cache,
// simulation when unconfigured, quota, then a real call.
func (o *Orchestrator) runLLM(ctx context.Context, in Input, base model.AnalysisResult, opts Options) Outcome {
	out := Outcome{Result: base}

	key := ""
	if in.TxHash != "" {
		key = cache.NamespaceLLM + in.TxHash
	}
	if key != "" {
		if text, ok := cache.Lookup[string](o.deps.Cache, key); ok {
			if o.deps.LLM != nil {
				o.deps.LLM.RecordCacheHit()
			}
			out.Result = mergeLLM(base, text)
			out.UsedLLM = true
			return out
		}
	}

	if o.deps.LLM == nil || !o.deps.LLM.Configured() || !o.deps.LLM.Usable() {
		out.Result = o.simulate(in, base)
		return out
	}

	identity := strings.TrimSpace(opts.ClientID)
	if identity == "" {
		identity = anonymousClient
	}
	if o.deps.Limiter != nil {
		decision := o.deps.Limiter.Consume(identity)
		out.RateLimit = &decision
		if !decision.Allowed {
			o.deps.LLM.RecordQuotaRejection()
			o.logger.Info().Str("client", identity).Time("reset_at", decision.ResetAt).Msg("language model quota exhausted")
			out.QuotaExceeded = true
			return out
		}
	}

	resp, err := o.deps.LLM.Generate(ctx, buildPrompt(in, base))
	if err != nil {
		if apperr.Is(err, apperr.KindConfiguration) {
			if o.deps.Limiter != nil {
				decision := o.deps.Limiter.Refund(identity)
				out.RateLimit = &decision
			}
			out.Result = o.simulate(in, base)
			return out
		}
		o.logger.Warn().Err(err).Str("tx_hash", in.TxHash).Msg("language model call failed")
		out.Result = withError(base, "llm: "+err.Error())
		return out
	}

	if key != "" && o.deps.Cache != nil {
		o.deps.Cache.Set(key, resp.Text, o.settings.LLMCacheTTL)
	}
	out.Result = mergeLLM(base, resp.Text)
	out.UsedLLM = true
	return out
}

// simulate stands in for the language model when none is reachable.
func (o *Orchestrator) simulate(in Input, base model.AnalysisResult) model.AnalysisResult {
	if o.deps.LLM != nil {
		o.deps.LLM.RecordSimulated()
	}
	result := base
	result.Summary = base.Summary + " LLM-enriched summary (simulated): no language model is configured, so this assessment relies on local heuristics."

	recs := []string{"Verify the counterparty address before sending further funds."}
	if base.FeePrediction != "" {
		recs = append(recs, "Compare the estimated fee of "+base.FeePrediction+" with current network conditions before resubmitting.")
	}
	if base.Anomaly.Label == suspiciousLabel {
		recs = append(recs, "Review this transaction manually; the anomaly model flagged it.")
	}
	result.Recommendations = recs
	result.LanguageModelOutput = map[string]any{"simulated": true}
	return result
}

type promptTx struct {
	Input
	Anomaly       model.Anomaly `json:"anomaly"`
	FeePrediction string        `json:"feePrediction,omitempty"`
}

func buildPrompt(in Input, base model.AnalysisResult) string {
	payload, err := json.Marshal(promptTx{Input: in, Anomaly: base.Anomaly, FeePrediction: base.FeePrediction})
	if err != nil {
		payload = []byte("{}")
	}
	var b strings.Builder
	b.WriteString("You are a blockchain transaction analyst. Analyse the Ethereum transaction below ")
	b.WriteString("and reply with one JSON object with the keys \"summary\" (string), ")
	b.WriteString("\"anomaly\" ({\"label\": \"normal\" or \"suspicious\", \"score\": number between 0 and 1}), ")
	b.WriteString("\"feePrediction\" (string) and \"recommendations\" (array of strings).\n")
	b.WriteString("Transaction and local assessment: ")
	b.Write(payload)
	return b.String()
}

// mergeLLM overlays the fields found in the model's reply onto base. A reply
// without a JSON object is kept verbatim under languageModelOutput.raw.
func mergeLLM(base model.AnalysisResult, text string) model.AnalysisResult {
	obj, ok := llm.ExtractObject(text)
	if !ok {
		result := withError(base, "llm.parse: no JSON object in response")
		result.LanguageModelOutput = map[string]any{"raw": text}
		return result
	}

	result := base
	if summary, ok := obj["summary"].(string); ok && strings.TrimSpace(summary) != "" {
		result.Summary = strings.TrimSpace(summary)
	}
	if raw, ok := obj["anomaly"].(map[string]any); ok {
		if label, ok := raw["label"].(string); ok && strings.TrimSpace(label) != "" {
			result.Anomaly.Label = strings.TrimSpace(label)
		}
		if score, ok := raw["score"].(float64); ok && score >= 0 && score <= 1 {
			result.Anomaly.Score = score
		}
	}
	switch fee := obj["feePrediction"].(type) {
	case string:
		if strings.TrimSpace(fee) != "" {
			result.FeePrediction = strings.TrimSpace(fee)
		}
	case float64:
		result.FeePrediction = strconv.FormatFloat(fee, 'f', -1, 64)
	}
	if list, ok := obj["recommendations"].([]any); ok {
		recs := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				recs = append(recs, strings.TrimSpace(s))
			}
		}
		if len(recs) > 0 {
			result.Recommendations = recs
		}
	}
	result.LanguageModelOutput = obj
	return result
}

func withError(r model.AnalysisResult, msg string) model.AnalysisResult {
	errs := make([]string, 0, len(r.Errors)+1)
	errs = append(errs, r.Errors...)
	r.Errors = append(errs, msg)
	return r
}
