package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"chaintrack/internal/apperr"
	"chaintrack/internal/bounded"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout   = 12 * time.Second
	defaultMaxTokens = 256
	probePrompt      = "Reply with the single word: ok"
	probeMaxTokens   = 8
)

// Options parameterise the negotiator.
type Options struct {
	Enabled         bool
	BaseURL         string
	APIKey          string
	ModelOverride   string
	Timeout         time.Duration
	MaxOutputTokens int
	UserAgent       string
}

// Response is a successful generation.
type Response struct {
	Text      string `json:"text"`
	Extractor string `json:"extractor"`
	Model     string `json:"model"`
	Method    Method `json:"method"`
	Shape     Shape  `json:"payloadShape"`
}

// Diagnostics describes the negotiated provider state.
type Diagnostics struct {
	Configured   bool   `json:"configured"`
	Enabled      bool   `json:"enabled"`
	State        State  `json:"state"`
	Model        string `json:"model"`
	Method       Method `json:"method"`
	PayloadShape Shape  `json:"payloadShape"`
	Usage        Usage  `json:"usage"`
}

// Negotiator discovers which model, method and payload shape a language-model
// endpoint accepts and then speaks only that dialect.
type Negotiator struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string

	mu      sync.RWMutex
	state   State
	profile Profile

	discovery singleflight.Group
	usage     usageCounters
}

// New constructs a negotiator. No network traffic happens until Discover or Generate.
func New(opts Options, logger zerolog.Logger) *Negotiator {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = defaultMaxTokens
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	opts.ModelOverride = strings.TrimPrefix(strings.TrimSpace(opts.ModelOverride), "models/")

	return &Negotiator{
		opts:    opts,
		logger:  logger.With().Str("component", "llm_negotiator").Logger(),
		client:  &http.Client{},
		baseURL: baseURL,
		state:   StateUndiscovered,
		profile: emptyProfile(),
	}
}

// Configured reports whether real calls are possible.
func (n *Negotiator) Configured() bool {
	return n.opts.Enabled && strings.TrimSpace(n.opts.APIKey) != ""
}

// Profile returns the current provider profile.
func (n *Negotiator) Profile() Profile {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.profile
}

// State returns the discovery state.
func (n *Negotiator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Diagnostics snapshots configuration, profile and usage.
func (n *Negotiator) Diagnostics() Diagnostics {
	n.mu.RLock()
	state, profile := n.state, n.profile
	n.mu.RUnlock()

	return Diagnostics{
		Configured:   n.Configured(),
		Enabled:      n.opts.Enabled,
		State:        state,
		Model:        profile.Model,
		Method:       profile.Method,
		PayloadShape: profile.Shape,
		Usage:        n.usage.snapshot(),
	}
}

// Usage snapshots the cumulative counters.
func (n *Negotiator) Usage() Usage { return n.usage.snapshot() }

// RecordCacheHit counts a response served from the cache.
func (n *Negotiator) RecordCacheHit() { n.usage.cacheHits.Add(1) }

// RecordQuotaRejection counts a call refused by the rate limiter.
func (n *Negotiator) RecordQuotaRejection() { n.usage.quotaRejections.Add(1) }

// RecordSimulated counts a simulated response.
func (n *Negotiator) RecordSimulated() { n.usage.simulated.Add(1) }

// Discover runs discovery once per process. Later calls return immediately.
func (n *Negotiator) Discover(ctx context.Context) error {
	if !n.Configured() {
		return apperr.New(apperr.KindConfiguration, "language model not configured")
	}

	// Discovery outlives the request that triggered it; each step is bounded by opts.Timeout.
	discoverCtx := context.WithoutCancel(ctx)
	ch := n.discovery.DoChan("discover", func() (any, error) {
		n.mu.Lock()
		if n.state != StateUndiscovered {
			n.mu.Unlock()
			return nil, nil
		}
		n.state = StateDiscovering
		n.mu.Unlock()

		profile, state := n.discover(discoverCtx)

		n.mu.Lock()
		n.profile = profile
		n.state = state
		n.mu.Unlock()

		n.logger.Info().
			Str("state", string(state)).
			Str("model", profile.Model).
			Str("method", string(profile.Method)).
			Str("shape", string(profile.Shape)).
			Msg("language model discovery finished")
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return apperr.Wrap(apperr.KindTimeout, "language model discovery still running", ctx.Err())
	}
}

// Usable reports whether a real call can be attempted: configured and not
// known to have failed discovery.
func (n *Negotiator) Usable() bool {
	return n.Configured() && n.State() != StateDiscoveryFailed
}

// Rediscover forgets the current profile and runs discovery again.
func (n *Negotiator) Rediscover(ctx context.Context) error {
	if !n.Configured() {
		return apperr.New(apperr.KindConfiguration, "language model not configured")
	}
	n.mu.Lock()
	if n.state == StateDiscovering {
		n.mu.Unlock()
		return apperr.New(apperr.KindInvalidInput, "discovery already in progress")
	}
	n.state = StateUndiscovered
	n.profile = emptyProfile()
	n.mu.Unlock()
	return n.Discover(ctx)
}

func (n *Negotiator) discover(ctx context.Context) (Profile, State) {
	profile := emptyProfile()

	models, err := n.listModels(ctx)
	if err != nil {
		n.logger.Warn().Err(err).Msg("model listing failed")
	} else {
		profile.Model, profile.Method = selectModel(models)
	}

	if profile.Method == MethodNone && n.opts.ModelOverride != "" {
		profile.Model = n.opts.ModelOverride
		profile.Method = MethodGenerateContent
		n.logger.Info().Str("model", profile.Model).Msg("using configured model override")
	}

	if profile.Method == MethodNone {
		return profile, StateDiscoveryFailed
	}

	for _, shape := range shapeOrder {
		n.usage.probes.Add(1)
		if _, err := n.send(ctx, profile, shape, probePrompt, probeMaxTokens); err != nil {
			n.logger.Debug().Err(err).Str("shape", string(shape)).Msg("payload shape rejected")
			continue
		}
		profile.Shape = shape
		break
	}
	if profile.Shape == ShapeNone {
		n.logger.Warn().Str("model", profile.Model).Msg("no payload shape accepted during probing; will retry at call time")
	}
	return profile, StateDiscovered
}

type listedModel struct {
	Name                       string   `json:"name"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
}

func (n *Negotiator) listModels(ctx context.Context) ([]listedModel, error) {
	endpoint := n.baseURL + "/models?" + url.Values{"key": {n.opts.APIKey}}.Encode()
	payload, err := bounded.Call(ctx, n.opts.Timeout, func(ctx context.Context) ([]byte, error) {
		return n.do(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Models []listedModel `json:"models"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, apperr.Wrap(apperr.KindParse, "decode model listing", err)
	}
	return body.Models, nil
}

// selectModel picks the first model supporting the highest-priority method.
func selectModel(models []listedModel) (string, Method) {
	for _, method := range methodPriority {
		for _, m := range models {
			for _, supported := range m.SupportedGenerationMethods {
				if Method(supported) == method {
					return strings.TrimPrefix(m.Name, "models/"), method
				}
			}
		}
	}
	return "", MethodNone
}

// Generate sends prompt using the negotiated dialect. Without a frozen shape the
// shapes are tried in order and the first accepted one is frozen.
func (n *Negotiator) Generate(ctx context.Context, prompt string) (Response, error) {
	if !n.Configured() {
		return Response{}, apperr.New(apperr.KindConfiguration, "language model not configured")
	}
	if state := n.State(); state == StateUndiscovered || state == StateDiscovering {
		if err := n.Discover(ctx); err != nil {
			return Response{}, err
		}
	}

	profile := n.Profile()
	if profile.Method == MethodNone {
		return Response{}, apperr.New(apperr.KindConfiguration, "no usable language model discovered")
	}

	n.usage.calls.Add(1)

	if profile.Shape != ShapeNone {
		resp, err := n.send(ctx, profile, profile.Shape, prompt, n.opts.MaxOutputTokens)
		if err != nil {
			n.usage.failures.Add(1)
			return Response{}, err
		}
		n.usage.successes.Add(1)
		return resp, nil
	}

	var lastErr error
	for _, shape := range shapeOrder {
		resp, err := n.send(ctx, profile, shape, prompt, n.opts.MaxOutputTokens)
		if err != nil {
			lastErr = err
			if apperr.Is(err, apperr.KindTimeout) {
				break
			}
			continue
		}
		resp.Shape = n.freezeShape(profile.Model, shape)
		n.usage.successes.Add(1)
		return resp, nil
	}

	n.usage.failures.Add(1)
	return Response{}, apperr.Wrap(apperr.KindUpstream, "no payload shape accepted", lastErr)
}

// freezeShape records shape unless one is already set. It returns the frozen shape.
func (n *Negotiator) freezeShape(model string, shape Shape) Shape {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.profile.Model != model {
		return shape
	}
	if n.profile.Shape == ShapeNone {
		n.profile.Shape = shape
		n.logger.Info().Str("shape", string(shape)).Msg("payload shape frozen")
	}
	return n.profile.Shape
}

func (n *Negotiator) send(ctx context.Context, profile Profile, shape Shape, prompt string, maxTokens int) (Response, error) {
	body, err := json.Marshal(buildPayload(shape, prompt, maxTokens))
	if err != nil {
		return Response{}, apperr.Wrap(apperr.KindInternal, "encode payload", err)
	}
	endpoint := fmt.Sprintf("%s/models/%s:%s?%s", n.baseURL, url.PathEscape(profile.Model), profile.Method,
		url.Values{"key": {n.opts.APIKey}}.Encode())

	payload, err := bounded.Call(ctx, n.opts.Timeout, func(ctx context.Context) ([]byte, error) {
		return n.do(ctx, http.MethodPost, endpoint, body)
	})
	if err != nil {
		return Response{}, err
	}

	text, extractor := ExtractText(payload)
	return Response{
		Text:      text,
		Extractor: extractor,
		Model:     profile.Model,
		Method:    profile.Method,
		Shape:     shape,
	}, nil
}

func (n *Negotiator) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build language model request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ua := strings.TrimSpace(n.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "chaintrack/1.0")
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "language model request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "read language model response", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Error struct {
			Message string `json:"message"`
			Status  string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Error.Message != "" {
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("language model api error (%d): %s", status, apiErr.Error.Message))
	}
	if len(payload) > 0 {
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("language model api error (%d): %s", status, strings.TrimSpace(string(payload))))
	}
	return apperr.New(apperr.KindUpstream, fmt.Sprintf("language model api error (%d)", status))
}
