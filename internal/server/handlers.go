package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"chaintrack/internal/analysis"
	"chaintrack/internal/apperr"
	"chaintrack/internal/llm"
	"chaintrack/internal/model"
	"chaintrack/internal/ratelimit"
)

const (
	maxBodyBytes   = 1 << 20
	clientIDHeader = "X-Client-Id"
)

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type analyzeRequest struct {
	Tx     map[string]any `json:"tx"`
	UseLLM bool           `json:"useLLM"`
}

type quotaBody struct {
	Error      string               `json:"error"`
	RetryAfter int                  `json:"retryAfter"`
	Analysis   model.AnalysisResult `json:"analysis"`
}

type diagBody struct {
	llm.Diagnostics
	RateLimit *ratelimit.Snapshot `json:"rateLimit,omitempty"`
}

type addressBody struct {
	Address      string                    `json:"address"`
	Chain        string                    `json:"chain"`
	Transactions []model.TransactionRecord `json:"transactions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.opts.Version})
}

func (s *Server) handleGetTx(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		s.writeError(w, apperr.New(apperr.KindConfiguration, "transaction resolver not configured"))
		return
	}
	record, err := s.deps.Resolver.Resolve(r.Context(), chi.URLParam(r, "txHash"))
	if err != nil {
		if apperr.Is(err, apperr.KindInvalidInput) {
			s.writeError(w, err)
			return
		}
		// Anything past input validation means the source chain was exhausted.
		s.writeErrorStatus(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleAddressTxs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Resolver == nil {
		s.writeError(w, apperr.New(apperr.KindConfiguration, "transaction resolver not configured"))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, apperr.New(apperr.KindInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = n
	}
	address := chi.URLParam(r, "address")
	records, err := s.deps.Resolver.AddressTransactions(r.Context(), address, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, addressBody{Address: strings.ToLower(address), Chain: "ethereum", Transactions: records})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analyzer == nil {
		s.writeError(w, apperr.New(apperr.KindConfiguration, "analysis not configured"))
		return
	}
	req, err := decodeAnalyzeRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}

	out := s.deps.Analyzer.Analyze(r.Context(), analysis.ParseInput(req.Tx), analysis.Options{
		WantLLM:  req.UseLLM,
		ClientID: s.clientIdentity(r),
	})

	if out.RateLimit != nil {
		setRateLimitHeaders(w, *out.RateLimit)
	}
	if out.QuotaExceeded {
		retryAfter := 0
		if out.RateLimit != nil {
			retryAfter = out.RateLimit.RetryAfterSeconds(s.opts.Now())
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeJSON(w, http.StatusTooManyRequests, quotaBody{
			Error:      "language model rate limit exceeded",
			RetryAfter: retryAfter,
			Analysis:   out.Result,
		})
		return
	}
	writeJSON(w, http.StatusOK, out.Result)
}

// decodeAnalyzeRequest accepts {"tx": {...}, "useLLM": bool} or the bare
// transaction object. An empty body is an empty transaction.
func decodeAnalyzeRequest(r *http.Request) (analyzeRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return analyzeRequest{}, apperr.Wrap(apperr.KindInvalidInput, "read request body", err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return analyzeRequest{}, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return analyzeRequest{}, apperr.Wrap(apperr.KindInvalidInput, "request body must be a JSON object", err)
	}

	var req analyzeRequest
	if tx, ok := raw["tx"].(map[string]any); ok {
		req.Tx = tx
	} else {
		req.Tx = raw
	}
	switch v := raw["useLLM"].(type) {
	case bool:
		req.UseLLM = v
	case string:
		req.UseLLM, _ = strconv.ParseBool(v)
	}
	if !req.UseLLM && r.URL.Query().Get("llm") != "" {
		req.UseLLM, _ = strconv.ParseBool(r.URL.Query().Get("llm"))
	}
	return req, nil
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prices == nil {
		s.writeError(w, apperr.New(apperr.KindConfiguration, "price source not configured"))
		return
	}
	quote, err := s.deps.Prices.USD(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleDiag(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diagnostics())
}

func (s *Server) handleRediscover(w http.ResponseWriter, r *http.Request) {
	if s.deps.Negotiator == nil {
		s.writeError(w, apperr.New(apperr.KindConfiguration, "language model not configured"))
		return
	}
	if err := s.deps.Negotiator.Rediscover(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.diagnostics())
}

func (s *Server) diagnostics() diagBody {
	var body diagBody
	if s.deps.Negotiator != nil {
		body.Diagnostics = s.deps.Negotiator.Diagnostics()
	}
	if s.deps.Quota != nil {
		snap := s.deps.Quota.Snapshot()
		body.RateLimit = &snap
	}
	return body
}

// clientIdentity prefers the explicit client header, then the client IP. Both
// are caller-controlled, so the quota keyed on them is advisory.
func (s *Server) clientIdentity(r *http.Request) string {
	if !s.opts.IgnoreClientIDHeader {
		if id := strings.TrimSpace(r.Header.Get(clientIDHeader)); id != "" {
			return id
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidInput, apperr.KindParse:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case apperr.KindConfiguration:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeErrorStatus(w, statusFor(err), err)
}

func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, err error) {
	body := errorBody{Error: http.StatusText(status), Details: err.Error()}
	var typed *apperr.Error
	if errors.As(err, &typed) && typed.Message != "" {
		body.Error = typed.Message
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
