package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"pricecore/config"
	"pricecore/internal/egress"
	"pricecore/logger"
	"pricecore/models"
)

// RouteFunc yields the egress route to use for the next request.
type RouteFunc func() egress.Route

type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type ticker24h struct {
	Symbol             string `json:"symbol"`
	PriceChange        string `json:"priceChange"`
	PriceChangePercent string `json:"priceChangePercent"`
	OpenPrice          string `json:"openPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	LastPrice          string `json:"lastPrice"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	CloseTime          int64  `json:"closeTime"`
}

// RESTClient is a stateless wrapper around the public ticker endpoints.
type RESTClient struct {
	baseURL    string
	apiKey     string
	userAgent  string
	timeout    time.Duration
	limiter    *rate.Limiter
	transports *egress.Transports
	route      RouteFunc
	log        *logger.Log
}

func NewRESTClient(cfg config.ExchangeConfig, transports *egress.Transports, route RouteFunc) *RESTClient {
	log := logger.GetLogger()
	if route == nil {
		route = egress.Direct
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	c := &RESTClient{
		baseURL:    strings.TrimRight(cfg.RESTURL, "/"),
		apiKey:     cfg.APIKey,
		userAgent:  cfg.UserAgent,
		timeout:    cfg.Timeout,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), burst),
		transports: transports,
		route:      route,
		log:        log,
	}

	log.WithComponent("binance_rest").WithFields(logger.Fields{
		"base_url":            c.baseURL,
		"timeout":             cfg.Timeout,
		"requests_per_second": cfg.RateLimit.RequestsPerSecond,
	}).Info("binance rest client initialized")

	return c
}

func (c *RESTClient) httpClient(route egress.Route) (*http.Client, error) {
	tr, err := c.transports.For(route)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: userAgentTransport{agent: c.userAgent, base: tr}, Timeout: c.timeout}, nil
}

func (c *RESTClient) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	route := c.route()
	client, err := c.httpClient(route)
	if err != nil {
		return err
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s via %s: %w", path, route.Name, err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(c.log.WithComponent("binance_rest"), "binance_rest", "api_request", time.Since(start), logger.Fields{"path": path})
	reportUsedWeight(c.log, resp.Header, route.Name)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return egress.FromStatus(resp.StatusCode, &StatusError{Code: resp.StatusCode, Body: string(body)})
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, path, err)
	}
	return nil
}

// Price fetches the latest price of one symbol.
func (c *RESTClient) Price(ctx context.Context, symbol string) (models.PriceSample, error) {
	var tp tickerPrice
	if err := c.get(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}}, &tp); err != nil {
		return models.PriceSample{}, err
	}
	return priceSample(tp.Symbol, tp.Price, time.Now().UTC())
}

// Prices fetches the latest price of the given symbols, or of every listed
// symbol when none are given.
func (c *RESTClient) Prices(ctx context.Context, symbols []string) ([]models.PriceSample, error) {
	query := url.Values{}
	if len(symbols) > 0 {
		raw, _ := json.Marshal(symbols)
		query.Set("symbols", string(raw))
	}
	var tps []tickerPrice
	if err := c.get(ctx, "/api/v3/ticker/price", query, &tps); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]models.PriceSample, 0, len(tps))
	for _, tp := range tps {
		s, err := priceSample(tp.Symbol, tp.Price, now)
		if err != nil {
			c.log.WithComponent("binance_rest").WithError(err).Debug("skipping ticker")
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty ticker list", ErrMalformedPayload)
	}
	return out, nil
}

// Stats fetches the rolling 24h window of one symbol.
func (c *RESTClient) Stats(ctx context.Context, symbol string) (models.Stats, error) {
	var t ticker24h
	if err := c.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol}}, &t); err != nil {
		return models.Stats{}, err
	}
	return t.stats()
}

// AllStats fetches the rolling 24h window of the given symbols.
func (c *RESTClient) AllStats(ctx context.Context, symbols []string) ([]models.Stats, error) {
	query := url.Values{}
	if len(symbols) > 0 {
		raw, _ := json.Marshal(symbols)
		query.Set("symbols", string(raw))
	}
	var ts []ticker24h
	if err := c.get(ctx, "/api/v3/ticker/24hr", query, &ts); err != nil {
		return nil, err
	}
	out := make([]models.Stats, 0, len(ts))
	for _, t := range ts {
		s, err := t.stats()
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty stats list", ErrMalformedPayload)
	}
	return out, nil
}

func priceSample(symbol, price string, ts time.Time) (models.PriceSample, error) {
	p, err := decimal.NewFromString(price)
	if err != nil || !p.IsPositive() || symbol == "" {
		return models.PriceSample{}, fmt.Errorf("%w: price %q for %q", ErrMalformedPayload, price, symbol)
	}
	return models.PriceSample{
		Symbol:    models.NormalizeSymbol(symbol),
		Price:     p,
		Timestamp: ts,
		Source:    models.SourceREST,
	}, nil
}

func (t ticker24h) stats() (models.Stats, error) {
	return buildStats(t.Symbol, t.OpenPrice, t.HighPrice, t.LowPrice, t.LastPrice,
		t.Volume, t.QuoteVolume, t.PriceChange, t.PriceChangePercent, t.CloseTime)
}

func buildStats(symbol, open, high, low, last, volume, quoteVolume, change, changePct string, closeTime int64) (models.Stats, error) {
	fields := []string{open, high, low, last, volume, quoteVolume, change, changePct}
	vals := make([]decimal.Decimal, len(fields))
	for i, f := range fields {
		d, err := decimal.NewFromString(f)
		if err != nil {
			return models.Stats{}, fmt.Errorf("%w: stats for %q: %v", ErrMalformedPayload, symbol, err)
		}
		vals[i] = d
	}
	if symbol == "" || !vals[3].IsPositive() {
		return models.Stats{}, fmt.Errorf("%w: stats for %q without last price", ErrMalformedPayload, symbol)
	}
	ts := time.Now().UTC()
	if closeTime > 0 {
		ts = time.UnixMilli(closeTime).UTC()
	}
	return models.Stats{
		Symbol:             models.NormalizeSymbol(symbol),
		Open:               vals[0],
		High:               vals[1],
		Low:                vals[2],
		Last:               vals[3],
		Volume:             vals[4],
		QuoteVolume:        vals[5],
		PriceChange:        vals[6],
		PriceChangePercent: vals[7],
		Timestamp:          ts,
		Source:             models.SourceREST,
	}, nil
}
