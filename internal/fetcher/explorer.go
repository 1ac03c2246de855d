package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chaintrack/internal/apperr"
)

const defaultExplorerURL = "https://api.etherscan.io/api"

// ExplorerOptions parameterise the block-explorer fetcher.
type ExplorerOptions struct {
	BaseURL           string
	APIKey            string
	RequestsPerSecond float64
	Timeout           time.Duration
	UserAgent         string
}

// Explorer talks to an Etherscan-compatible API. The proxy module mirrors
// JSON-RPC responses so decoding is shared with the node source.
type Explorer struct {
	opts    ExplorerOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
}

// NewExplorer constructs an explorer fetcher.
func NewExplorer(opts ExplorerOptions, logger zerolog.Logger) *Explorer {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultExplorerURL
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}

	return &Explorer{
		opts:    opts,
		logger:  logger.With().Str("component", "explorer_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

func (e *Explorer) Name() string { return "explorer" }

// Configured reports whether an API key is available.
func (e *Explorer) Configured() bool { return strings.TrimSpace(e.opts.APIKey) != "" }

// TransactionByHash proxies eth_getTransactionByHash.
func (e *Explorer) TransactionByHash(ctx context.Context, hash string) (*RawTx, error) {
	raw, err := e.proxy(ctx, "eth_getTransactionByHash", url.Values{"txhash": {hash}})
	if err != nil {
		return nil, err
	}
	return decodeTx(e.Name(), raw)
}

// TransactionReceipt proxies eth_getTransactionReceipt.
func (e *Explorer) TransactionReceipt(ctx context.Context, hash string) (*RawReceipt, error) {
	raw, err := e.proxy(ctx, "eth_getTransactionReceipt", url.Values{"txhash": {hash}})
	if err != nil {
		return nil, err
	}
	return decodeReceipt(e.Name(), raw)
}

// BlockByNumber proxies eth_getBlockByNumber.
func (e *Explorer) BlockByNumber(ctx context.Context, number uint64) (*RawBlock, error) {
	raw, err := e.proxy(ctx, "eth_getBlockByNumber", url.Values{
		"tag":     {hexutil.EncodeUint64(number)},
		"boolean": {"false"},
	})
	if err != nil {
		return nil, err
	}
	return decodeBlock(e.Name(), raw)
}

// AccountTx is one row of the account txlist endpoint. Numbers arrive as decimal strings.
type AccountTx struct {
	Hash        string `json:"hash"`
	BlockNumber string `json:"blockNumber"`
	TimeStamp   string `json:"timeStamp"`
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	GasUsed     string `json:"gasUsed"`
	GasPrice    string `json:"gasPrice"`
	IsError     string `json:"isError"`
	Status      string `json:"txreceipt_status"`
	Input       string `json:"input"`
}

// AddressTransactions lists the most recent normal transactions of an address.
func (e *Explorer) AddressTransactions(ctx context.Context, address string, limit int) ([]AccountTx, error) {
	if limit <= 0 {
		limit = 10
	}
	env, err := e.get(ctx, url.Values{
		"module":     {"account"},
		"action":     {"txlist"},
		"address":    {address},
		"startblock": {"0"},
		"endblock":   {"99999999"},
		"page":       {"1"},
		"offset":     {strconv.Itoa(limit)},
		"sort":       {"desc"},
	})
	if err != nil {
		return nil, err
	}

	if env.Status == "0" {
		if strings.Contains(strings.ToLower(env.Message), "no transactions") {
			return []AccountTx{}, nil
		}
		return nil, apperr.New(apperr.KindUpstream, "explorer txlist: "+env.describe())
	}

	var rows []AccountTx
	if err := json.Unmarshal(env.Result, &rows); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "explorer txlist: decode result", err)
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (e *Explorer) proxy(ctx context.Context, action string, params url.Values) (json.RawMessage, error) {
	params.Set("module", "proxy")
	params.Set("action", action)

	env, err := e.get(ctx, params)
	if err != nil {
		return nil, err
	}
	if env.Error != nil {
		return nil, apperr.New(apperr.KindUpstream, fmt.Sprintf("explorer %s: %s", action, env.Error.Message))
	}
	if env.Status == "0" {
		return nil, apperr.New(apperr.KindUpstream, fmt.Sprintf("explorer %s: %s", action, env.describe()))
	}
	return env.Result, nil
}

func (e *Explorer) get(ctx context.Context, params url.Values) (*explorerEnvelope, error) {
	if !e.Configured() {
		return nil, apperr.New(apperr.KindConfiguration, "explorer api key not configured")
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, apperr.Wrap(apperr.KindTimeout, "explorer pacing", err)
	}

	params.Set("apikey", e.opts.APIKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "build explorer request", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(e.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "chaintrack/1.0")
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, "explorer request", err)
		}
		return nil, apperr.Wrap(apperr.KindUpstream, "explorer request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "read explorer response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError("explorer", resp.StatusCode, payload)
	}

	var env explorerEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstream, "decode explorer response", err)
	}
	e.logger.Debug().Str("action", params.Get("action")).Int("bytes", len(payload)).Msg("explorer response")
	return &env, nil
}

type explorerEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (e *explorerEnvelope) describe() string {
	var text string
	if err := json.Unmarshal(e.Result, &text); err == nil && text != "" {
		return text
	}
	if e.Message != "" {
		return e.Message
	}
	return "request rejected"
}

type errorResponse struct {
	Message     string `json:"message"`
	Error       string `json:"error"`
	Description string `json:"description"`
}

func parseHTTPError(api string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Description != "" {
			return apperr.New(apperr.KindUpstream, fmt.Sprintf("%s api error (%d): %s", api, status, apiErr.Description))
		}
		if apiErr.Message != "" {
			return apperr.New(apperr.KindUpstream, fmt.Sprintf("%s api error (%d): %s", api, status, apiErr.Message))
		}
		if apiErr.Error != "" {
			return apperr.New(apperr.KindUpstream, fmt.Sprintf("%s api error (%d): %s", api, status, apiErr.Error))
		}
	}
	if len(payload) > 0 {
		return apperr.New(apperr.KindUpstream, fmt.Sprintf("%s api error (%d): %s", api, status, strings.TrimSpace(string(payload))))
	}
	return apperr.New(apperr.KindUpstream, fmt.Sprintf("%s api error (%d)", api, status))
}

var (
	_ TxSource             = (*Explorer)(nil)
	_ AddressHistorySource = (*Explorer)(nil)
)
