package binance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"

	"pricecore/config"
	"pricecore/internal/egress"
	"pricecore/logger"
	"pricecore/models"
)

// SDKClient polls the spot API through the go-binance client. One SDK client
// is kept per egress route so it shares that route's transport.
type SDKClient struct {
	cfg        config.ExchangeConfig
	transports *egress.Transports
	route      RouteFunc

	mu      sync.Mutex
	clients map[string]*gobinance.Client

	log *logger.Log
}

func NewSDKClient(cfg config.ExchangeConfig, transports *egress.Transports, route RouteFunc) *SDKClient {
	if route == nil {
		route = egress.Direct
	}
	c := &SDKClient{
		cfg:        cfg,
		transports: transports,
		route:      route,
		clients:    make(map[string]*gobinance.Client),
		log:        logger.GetLogger(),
	}
	c.log.WithComponent("binance_sdk").WithFields(logger.Fields{"base_url": cfg.RESTURL}).Info("binance sdk client initialized")
	return c
}

func (c *SDKClient) client() (*gobinance.Client, error) {
	route := c.route()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[route.Key()]; ok {
		return cl, nil
	}
	tr, err := c.transports.For(route)
	if err != nil {
		return nil, err
	}
	cl := gobinance.NewClient(c.cfg.APIKey, "")
	cl.HTTPClient = &http.Client{
		Transport: statusGuardTransport{base: userAgentTransport{agent: c.cfg.UserAgent, base: tr}},
		Timeout:   c.cfg.Timeout,
	}
	cl.BaseURL = strings.TrimRight(c.cfg.RESTURL, "/")
	c.clients[route.Key()] = cl
	return cl, nil
}

// Price fetches one symbol's latest price.
func (c *SDKClient) Price(ctx context.Context, symbol string) (models.PriceSample, error) {
	cl, err := c.client()
	if err != nil {
		return models.PriceSample{}, err
	}
	res, err := cl.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.PriceSample{}, sdkError("sdk price "+symbol, err)
	}
	for _, p := range res {
		if strings.EqualFold(p.Symbol, symbol) {
			return priceSample(p.Symbol, p.Price, time.Now().UTC())
		}
	}
	return models.PriceSample{}, fmt.Errorf("%w: sdk returned no price for %s", ErrMalformedPayload, symbol)
}

// Prices fetches the full price list and keeps the requested symbols, or
// everything when symbols is empty.
func (c *SDKClient) Prices(ctx context.Context, symbols []string) ([]models.PriceSample, error) {
	cl, err := c.client()
	if err != nil {
		return nil, err
	}
	res, err := cl.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, sdkError("sdk prices", err)
	}
	want := symbolSet(symbols)
	now := time.Now().UTC()
	out := make([]models.PriceSample, 0, len(want))
	for _, p := range res {
		if len(want) > 0 {
			if _, ok := want[models.NormalizeSymbol(p.Symbol)]; !ok {
				continue
			}
		}
		s, err := priceSample(p.Symbol, p.Price, now)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: sdk returned no prices", ErrMalformedPayload)
	}
	return out, nil
}

// Stats fetches one symbol's 24h window.
func (c *SDKClient) Stats(ctx context.Context, symbol string) (models.Stats, error) {
	cl, err := c.client()
	if err != nil {
		return models.Stats{}, err
	}
	res, err := cl.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.Stats{}, sdkError("sdk stats "+symbol, err)
	}
	for _, s := range res {
		if strings.EqualFold(s.Symbol, symbol) {
			return sdkStats(s)
		}
	}
	return models.Stats{}, fmt.Errorf("%w: sdk returned no stats for %s", ErrMalformedPayload, symbol)
}

// AllStats fetches every 24h window and keeps the requested symbols.
func (c *SDKClient) AllStats(ctx context.Context, symbols []string) ([]models.Stats, error) {
	cl, err := c.client()
	if err != nil {
		return nil, err
	}
	res, err := cl.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, sdkError("sdk stats", err)
	}
	want := symbolSet(symbols)
	out := make([]models.Stats, 0, len(want))
	for _, s := range res {
		if len(want) > 0 {
			if _, ok := want[models.NormalizeSymbol(s.Symbol)]; !ok {
				continue
			}
		}
		st, err := sdkStats(s)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: sdk returned no stats", ErrMalformedPayload)
	}
	return out, nil
}

// WeightLimit reads the REQUEST_WEIGHT per minute limit from exchangeInfo.
// It returns 0 if the limit is not advertised.
func (c *SDKClient) WeightLimit(ctx context.Context) (int64, error) {
	cl, err := c.client()
	if err != nil {
		return 0, err
	}
	info, err := cl.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, rl := range info.RateLimits {
		if rl.RateLimitType == "REQUEST_WEIGHT" && rl.Interval == "MINUTE" {
			return rl.Limit, nil
		}
	}
	return 0, nil
}

func sdkStats(s *gobinance.PriceChangeStats) (models.Stats, error) {
	return buildStats(s.Symbol, s.OpenPrice, s.HighPrice, s.LowPrice, s.LastPrice,
		s.Volume, s.QuoteVolume, s.PriceChange, s.PriceChangePercent, s.CloseTime)
}

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[models.NormalizeSymbol(s)] = struct{}{}
	}
	return set
}
