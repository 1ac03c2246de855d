package mlstub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chaintrack/internal/apperr"
)

const (
	defaultBaseURL = "http://localhost:8000/ml"
	defaultTimeout = 2500 * time.Millisecond

	// DefaultPredictedGwei is what the stub answers without recent gas history.
	DefaultPredictedGwei = 30.0
)

// Features is the anomaly request contract of the model-serving stub.
type Features struct {
	TxHash            string   `json:"txHash,omitempty"`
	FromAddr          string   `json:"from_addr,omitempty"`
	To                string   `json:"to,omitempty"`
	ValueUSD          *float64 `json:"valueUSD,omitempty"`
	RelativeValue     *float64 `json:"relativeValue,omitempty"`
	TimeDelta         *float64 `json:"timeDelta,omitempty"`
	TxCount24h        *int     `json:"txCount24h,omitempty"`
	GasUsed           *float64 `json:"gasUsed,omitempty"`
	GasPriceGwei      *float64 `json:"gasPriceGwei,omitempty"`
	IsNewCounterparty *int     `json:"isNewCounterparty,omitempty"`
}

// Score is the anomaly answer.
type Score struct {
	Score float64 `json:"score"`
	Label string  `json:"label"`
}

// FeePrediction is the fee answer.
type FeePrediction struct {
	PredictedGwei float64 `json:"predicted_gwei"`
}

// Scorer is the subset of the stub used by the orchestrator.
type Scorer interface {
	Anomaly(ctx context.Context, features Features) (Score, error)
	PredictFee(ctx context.Context, recentGasGwei []float64) (FeePrediction, error)
}

// Client calls the model-serving stub over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

// NewClient constructs a stub client.
func NewClient(baseURL string, timeout time.Duration, logger zerolog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.With().Str("component", "ml_stub").Logger(),
	}
}

// Anomaly posts features to /anomaly.
func (c *Client) Anomaly(ctx context.Context, features Features) (Score, error) {
	var out Score
	if err := c.post(ctx, "/anomaly", features, &out); err != nil {
		return Score{}, err
	}
	if out.Score < 0 || out.Score > 1 {
		return Score{}, apperr.New(apperr.KindParse, fmt.Sprintf("anomaly score %.4f outside [0,1]", out.Score))
	}
	if out.Label == "" {
		out.Label = "normal"
		if out.Score > 0.85 {
			out.Label = "suspicious"
		}
	}
	return out, nil
}

// PredictFee posts recent gas prices to /predict_fee.
func (c *Client) PredictFee(ctx context.Context, recentGasGwei []float64) (FeePrediction, error) {
	if recentGasGwei == nil {
		recentGasGwei = []float64{}
	}
	var out FeePrediction
	if err := c.post(ctx, "/predict_fee", map[string][]float64{"recent_gas": recentGasGwei}, &out); err != nil {
		return FeePrediction{}, err
	}
	if out.PredictedGwei <= 0 {
		return FeePrediction{}, apperr.New(apperr.KindParse, "predicted fee must be positive")
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal stub payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "create stub request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return apperr.Wrap(apperr.KindTimeout, "stub "+path, err)
		}
		return apperr.Wrap(apperr.KindUpstream, "stub "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstream, "read stub response", err)
	}
	if resp.StatusCode/100 != 2 {
		c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Msg("stub returned error")
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("stub %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data))))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(apperr.KindParse, "decode stub response", err)
	}
	return nil
}

var _ Scorer = (*Client)(nil)
