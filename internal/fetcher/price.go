package fetcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"chaintrack/internal/apperr"
)

const defaultPriceURL = "https://api.coingecko.com/api/v3"

var assetIDs = map[string]string{
	"ETH":  "ethereum",
	"WETH": "weth",
	"BTC":  "bitcoin",
	"USDC": "usd-coin",
	"USDT": "tether",
	"DAI":  "dai",
}

// AssetID maps a ticker to the price API asset id.
func AssetID(symbol string) (string, bool) {
	id, ok := assetIDs[strings.ToUpper(strings.TrimSpace(symbol))]
	return id, ok
}

// Quote is a USD spot price.
type Quote struct {
	Symbol    string          `json:"symbol"`
	AssetID   string          `json:"assetId"`
	USD       decimal.Decimal `json:"usd"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

// PriceOptions parameterise the spot price fetcher.
type PriceOptions struct {
	BaseURL           string
	RequestsPerSecond float64
	Timeout           time.Duration
	UserAgent         string
}

// Price fetches spot prices from a CoinGecko-compatible API.
type Price struct {
	opts    PriceOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	limiter *rate.Limiter
	now     func() time.Time
}

// NewPrice constructs a price fetcher.
func NewPrice(opts PriceOptions, logger zerolog.Logger) *Price {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultPriceURL
	}

	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}

	return &Price{
		opts:    opts,
		logger:  logger.With().Str("component", "price_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Limit(rps), 2),
		now:     time.Now,
	}
}

// FetchUSD retrieves the USD price of a supported symbol.
func (p *Price) FetchUSD(ctx context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	id, ok := AssetID(symbol)
	if !ok {
		return Quote{}, apperr.New(apperr.KindInvalidInput, "unsupported symbol "+symbol)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return Quote{}, apperr.Wrap(apperr.KindTimeout, "price pacing", err)
	}

	params := url.Values{"ids": {id}, "vs_currencies": {"usd"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/simple/price?"+params.Encode(), nil)
	if err != nil {
		return Quote{}, apperr.Wrap(apperr.KindInternal, "build price request", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "chaintrack/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Quote{}, apperr.Wrap(apperr.KindUpstream, "price request", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, apperr.Wrap(apperr.KindUpstream, "read price response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError("price", resp.StatusCode, payload)
	}

	var body map[string]map[string]json.Number
	if err := json.Unmarshal(payload, &body); err != nil {
		return Quote{}, apperr.Wrap(apperr.KindParse, "decode price response", err)
	}
	raw, ok := body[id]["usd"]
	if !ok {
		return Quote{}, apperr.New(apperr.KindNotFound, "price missing for "+id)
	}
	usd, err := decimal.NewFromString(raw.String())
	if err != nil {
		return Quote{}, apperr.Wrap(apperr.KindParse, "parse usd price", err)
	}

	return Quote{Symbol: symbol, AssetID: id, USD: usd, FetchedAt: p.now().UTC()}, nil
}

var _ PriceFetcher = (*Price)(nil)
