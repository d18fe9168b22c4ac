// Package synthetic produces a bounded random walk per symbol for periods
// without real market data. Series continue from the last real price so a
// switch between real and synthetic data never shows a jump.
package synthetic

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"pricecore/internal/cache"
	"pricecore/internal/metrics"
	"pricecore/logger"
	"pricecore/models"
)

const (
	randomAmplitude = 0.0035
	trendAmplitude  = 0.001
	trendPeriod     = 4 * time.Hour
	jitterAmplitude = 0.002
)

type Config struct {
	Interval          time.Duration
	MaxStep           float64
	ReversionStrength float64
	ReversionPeriod   time.Duration
	Symbols           []string
	// Seed fixes the random source; zero uses the clock.
	Seed int64
}

// series is the per-symbol walk state. It lives for the process lifetime.
type series struct {
	last        float64
	anchor      float64
	volatility  float64
	trendPhase  float64
	steps       int64
	sinceRevert time.Duration
	updatedAt   time.Time

	open   float64
	high   float64
	low    float64
	volume float64
	start  time.Time
}

type Generator struct {
	cfg   Config
	cache *cache.PriceCache

	mu     sync.Mutex
	series map[string]*series
	rnd    *rand.Rand

	stepMu  sync.Mutex
	active  atomic.Bool
	running atomic.Bool

	now func() time.Time
	log *logger.Log
}

func New(cfg Config, c *cache.PriceCache) *Generator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxStep <= 0 {
		cfg.MaxStep = 0.005
	}
	if cfg.ReversionPeriod <= 0 {
		cfg.ReversionPeriod = 30 * time.Minute
	}
	if cfg.ReversionStrength <= 0 {
		cfg.ReversionStrength = 0.1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		symbols = append(symbols, models.NormalizeSymbol(s))
	}
	cfg.Symbols = symbols

	return &Generator{
		cfg:    cfg,
		cache:  c,
		series: make(map[string]*series),
		rnd:    rand.New(rand.NewSource(seed)),
		now:    time.Now,
		log:    logger.GetLogger(),
	}
}

// Run steps every known symbol once per interval while the generator is
// active. It returns when ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("generator already running")
	}
	defer g.running.Store(false)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.stepAll()
		}
	}
}

func (g *Generator) stepAll() {
	g.stepMu.Lock()
	defer g.stepMu.Unlock()
	if !g.active.Load() {
		return
	}
	for _, sym := range g.Symbols() {
		g.Next(sym)
	}
}

// Activate starts background stepping.
func (g *Generator) Activate() {
	if !g.active.Swap(true) {
		g.log.WithComponent("synthetic").WithFields(logger.Fields{"symbols": len(g.Symbols())}).Info("synthetic generator activated")
	}
}

// Deactivate stops background stepping and waits for a step in flight, so
// no synthetic sample is written after it returns.
func (g *Generator) Deactivate() {
	wasActive := g.active.Swap(false)
	g.stepMu.Lock()
	g.stepMu.Unlock()
	if wasActive {
		g.log.WithComponent("synthetic").Info("synthetic generator deactivated")
	}
}

func (g *Generator) Active() bool {
	return g.active.Load()
}

// Symbols lists configured, cached and already simulated symbols.
func (g *Generator) Symbols() []string {
	set := make(map[string]struct{})
	for _, s := range g.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, s := range g.cache.Symbols() {
		set[s] = struct{}{}
	}
	g.mu.Lock()
	for s := range g.series {
		set[s] = struct{}{}
	}
	g.mu.Unlock()

	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Next advances the symbol's series by one step, writes the result to the
// cache and returns it. It never fails for a non-empty symbol.
func (g *Generator) Next(symbol string) models.PriceSample {
	symbol = models.NormalizeSymbol(symbol)
	now := g.now().UTC()
	cached, hasCached := g.cache.Get(symbol)

	g.mu.Lock()
	s, ok := g.series[symbol]
	if !ok {
		s = g.newSeries(symbol, cached, hasCached, now)
		g.series[symbol] = s
	}
	if hasCached && cached.Source.Real() && cached.Timestamp.After(s.updatedAt) {
		p, _ := cached.Price.Float64()
		s.last, s.anchor = p, p
		s.updatedAt = cached.Timestamp
	}

	price := g.step(s, now)
	ts := now
	if hasCached && cached.Timestamp.After(ts) {
		ts = cached.Timestamp
	}
	s.updatedAt = ts
	volume := s.last * (0.5 + g.rnd.Float64()) * 0.01
	s.volume += volume
	g.mu.Unlock()

	sample := models.PriceSample{
		Symbol:    symbol,
		Price:     price,
		Volume:    decimal.NewFromFloat(volume).Round(4),
		Timestamp: ts,
		Source:    models.SourceSynthetic,
	}
	g.cache.Update(sample)
	metrics.IncrementSynthetic(symbol)
	return sample
}

func (g *Generator) newSeries(symbol string, cached models.PriceSample, hasCached bool, now time.Time) *series {
	var base float64
	switch {
	case hasCached && cached.Source.Real():
		base, _ = cached.Price.Float64()
	case basePrices[symbol] > 0:
		base = basePrices[symbol]
	default:
		base = hashBase(symbol) * (1 + (g.rnd.Float64()*2-1)*jitterAmplitude)
	}

	volatility := 1.0
	switch {
	case base >= 1000:
		volatility = 0.8
	case base < 1:
		volatility = 1.3
	}

	g.log.WithComponent("synthetic").WithFields(logger.Fields{"symbol": symbol, "seed_price": base}).Debug("synthetic series created")

	return &series{
		last:       base,
		anchor:     base,
		volatility: volatility,
		open:       base,
		high:       base,
		low:        base,
		start:      now,
	}
}

// step applies one bounded move and returns the rounded price. Caller holds g.mu.
func (g *Generator) step(s *series, now time.Time) decimal.Decimal {
	random := (g.rnd.Float64()*2 - 1) * randomAmplitude * s.volatility
	s.trendPhase = 2 * math.Pi * math.Mod(float64(now.UnixNano()), float64(trendPeriod)) / float64(trendPeriod)
	trend := trendAmplitude * math.Sin(s.trendPhase)

	next := s.last * (1 + random + trend)

	s.steps++
	s.sinceRevert += g.cfg.Interval
	if s.sinceRevert >= g.cfg.ReversionPeriod {
		next += (s.anchor - next) * g.cfg.ReversionStrength
		s.sinceRevert = 0
	}

	lo, hi := s.last*(1-g.cfg.MaxStep), s.last*(1+g.cfg.MaxStep)
	next = math.Min(math.Max(next, lo), hi)

	price := roundPrice(next)
	s.last, _ = price.Float64()
	s.high = math.Max(s.high, s.last)
	s.low = math.Min(s.low, s.last)
	return price
}

// roundPrice keeps more decimals for cheaper assets.
func roundPrice(p float64) decimal.Decimal {
	var places int32
	switch {
	case p >= 1000:
		places = 2
	case p >= 1:
		places = 4
	case p >= 0.01:
		places = 6
	default:
		places = 8
	}
	d := decimal.NewFromFloat(p).Round(places)
	if !d.IsPositive() {
		d = decimal.New(1, -8)
	}
	return d
}

// Stats returns a synthetic 24h window built from the series session.
func (g *Generator) Stats(symbol string) models.Stats {
	symbol = models.NormalizeSymbol(symbol)
	g.mu.Lock()
	_, ok := g.series[symbol]
	g.mu.Unlock()
	if !ok {
		g.Next(symbol)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.series[symbol]
	last := roundPrice(s.last)
	open := roundPrice(s.open)
	change := last.Sub(open)
	pct := decimal.Zero
	if open.IsPositive() {
		pct = change.Div(open).Mul(decimal.NewFromInt(100)).Round(3)
	}
	vol := decimal.NewFromFloat(s.volume).Round(4)
	return models.Stats{
		Symbol:             symbol,
		Open:               open,
		High:               roundPrice(s.high),
		Low:                roundPrice(s.low),
		Last:               last,
		Volume:             vol,
		QuoteVolume:        vol.Mul(last).Round(2),
		PriceChange:        change,
		PriceChangePercent: pct,
		Timestamp:          s.updatedAt,
		Source:             models.SourceSynthetic,
	}
}
