// Package source is the single read path for prices. Each call walks an
// ordered cascade (fresh cache, SDK, REST, synthetic) and always returns a
// value for a syntactically valid symbol.
package source

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"pricecore/internal/cache"
	"pricecore/internal/events"
	"pricecore/internal/metrics"
	"pricecore/internal/supervisor"
	"pricecore/internal/synthetic"
	"pricecore/logger"
	"pricecore/models"
)

// Fetcher is one network tier of the cascade.
type Fetcher interface {
	Price(ctx context.Context, symbol string) (models.PriceSample, error)
	Prices(ctx context.Context, symbols []string) ([]models.PriceSample, error)
	Stats(ctx context.Context, symbol string) (models.Stats, error)
	AllStats(ctx context.Context, symbols []string) ([]models.Stats, error)
}

// Connection reports the streaming connection health.
type Connection interface {
	Live() bool
	Status() supervisor.Status
}

type BreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

type Config struct {
	Freshness time.Duration
	Timeout   time.Duration
	Symbols   []string
	Breaker   BreakerConfig
}

// Tier names a fetcher in cascade order.
type Tier struct {
	Name    string
	Fetcher Fetcher
}

type tier struct {
	name    string
	fetcher Fetcher
	breaker *gobreaker.CircuitBreaker
}

type Status struct {
	Supervisor      supervisor.Status `json:"supervisor"`
	CachedSymbols   int               `json:"cached_symbols"`
	LastRealUpdate  time.Time         `json:"last_real_update,omitempty"`
	LastStream      time.Time         `json:"last_stream_update,omitempty"`
	LastREST        time.Time         `json:"last_rest_update,omitempty"`
	LastSynthetic   time.Time         `json:"last_synthetic_update,omitempty"`
	SyntheticActive bool              `json:"synthetic_active"`
	Events          events.Stats      `json:"events"`
	EventQueue      int               `json:"event_queue"`
	Breakers        map[string]string `json:"breakers"`
}

type Facade struct {
	cfg   Config
	cache *cache.PriceCache
	gen   *synthetic.Generator
	conn  Connection
	bus   *events.Bus
	tiers []tier
	now   func() time.Time
	log   *logger.Log
}

// New builds the facade. tiers are tried in the given order; nil fetchers
// are skipped.
func New(cfg Config, c *cache.PriceCache, gen *synthetic.Generator, conn Connection, bus *events.Bus, tiers ...Tier) *Facade {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, s := range cfg.Symbols {
		if sym, err := models.ParseSymbol(s); err == nil {
			symbols = append(symbols, sym)
		}
	}
	cfg.Symbols = symbols

	f := &Facade{
		cfg:   cfg,
		cache: c,
		gen:   gen,
		conn:  conn,
		bus:   bus,
		now:   time.Now,
		log:   logger.GetLogger(),
	}
	for _, t := range tiers {
		if t.Fetcher == nil {
			continue
		}
		f.tiers = append(f.tiers, tier{name: t.Name, fetcher: t.Fetcher, breaker: newBreaker(t.Name, cfg.Breaker)})
	}
	return f
}

func newBreaker(name string, cfg BreakerConfig) *gobreaker.CircuitBreaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	halfOpen := cfg.HalfOpenMaxRequests
	if halfOpen <= 0 {
		halfOpen = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(halfOpen),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerOpen(name, to == gobreaker.StateOpen)
			logger.GetLogger().WithComponent("source").WithFields(logger.Fields{
				"tier": name,
				"from": from.String(),
				"to":   to.String(),
			}).Info("circuit breaker state changed")
		},
	})
}

// fresh reports whether a cached sample may be served without I/O.
func (f *Facade) fresh(s models.PriceSample) bool {
	if !s.Source.Real() {
		return false
	}
	if f.now().Sub(s.Timestamp) >= f.cfg.Freshness {
		return false
	}
	if s.Source == models.SourceStream && (f.conn == nil || !f.conn.Live()) {
		return false
	}
	return true
}

func (f *Facade) cachedFresh(symbol string) (models.PriceSample, bool) {
	s, ok := f.cache.Get(symbol)
	if !ok || !f.fresh(s) {
		return models.PriceSample{}, false
	}
	return s, true
}

// rejection carries an error the exchange answered deliberately, such as an
// unknown symbol. It passes through the breaker as a result so it does not
// count against the tier.
type rejection struct{ err error }

func isRejected(err error) bool {
	var r interface{ Rejected() bool }
	return errors.As(err, &r) && r.Rejected()
}

// execute runs one tier call under the caller's deadline.
func execute[T any](ctx context.Context, f *Facade, t tier, call func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	start := time.Now()
	res, err := t.breaker.Execute(func() (interface{}, error) {
		v, err := call(ctx)
		if err != nil && isRejected(err) {
			return rejection{err: err}, nil
		}
		return v, err
	})
	if r, ok := res.(rejection); ok {
		err = r.err
	}
	metrics.ObserveFetch(t.name, err, time.Since(start))
	if err != nil {
		f.log.WithComponent("source").WithError(err).WithFields(logger.Fields{"tier": t.name}).Debug("tier failed")
		return zero, err
	}
	return res.(T), nil
}

// deadline bounds one facade call across every tier it tries.
func (f *Facade) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, f.cfg.Timeout)
}

// GetSymbolPrice returns the best available price. The only error is
// models.ErrInvalidSymbol.
func (f *Facade) GetSymbolPrice(ctx context.Context, symbol string) (models.PriceSample, error) {
	sym, err := models.ParseSymbol(symbol)
	if err != nil {
		return models.PriceSample{}, err
	}
	ctx, cancel := f.deadline(ctx)
	defer cancel()
	return f.resolvePrice(ctx, sym), nil
}

func (f *Facade) resolvePrice(ctx context.Context, sym string) models.PriceSample {
	if s, ok := f.cachedFresh(sym); ok {
		return s
	}
	for _, t := range f.tiers {
		t := t
		s, err := execute(ctx, f, t, func(c context.Context) (models.PriceSample, error) {
			return t.fetcher.Price(c, sym)
		})
		if err == nil {
			f.cache.Update(s)
			return s
		}
	}
	return f.gen.Next(sym)
}

// trackedSymbols is the configured set plus every symbol the exchange has
// served. Symbols only ever seen synthetically are left out so a bad lookup
// cannot spoil bulk requests.
func (f *Facade) trackedSymbols() []string {
	set := make(map[string]struct{}, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		set[s] = struct{}{}
	}
	for _, s := range f.cache.GetAll() {
		if s.Source.Real() {
			set[s.Symbol] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// GetAllPrices returns one sample per tracked symbol, ordered by symbol.
// Symbols the bulk call does not cover go through the single-symbol cascade.
func (f *Facade) GetAllPrices(ctx context.Context) ([]models.PriceSample, error) {
	tracked := f.trackedSymbols()
	if len(tracked) == 0 {
		return []models.PriceSample{}, nil
	}

	got := make(map[string]models.PriceSample, len(tracked))
	for _, sym := range tracked {
		if s, ok := f.cachedFresh(sym); ok {
			got[sym] = s
		}
	}
	if len(got) == len(tracked) {
		return f.orderedPrices(tracked, got), nil
	}

	ctx, cancel := f.deadline(ctx)
	defer cancel()

	for _, t := range f.tiers {
		t := t
		samples, err := execute(ctx, f, t, func(c context.Context) ([]models.PriceSample, error) {
			return t.fetcher.Prices(c, tracked)
		})
		if err != nil {
			continue
		}
		for _, s := range samples {
			f.cache.Update(s)
			got[s.Symbol] = s
		}
		break
	}

	out := make([]models.PriceSample, len(tracked))
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i, sym := range tracked {
		if s, ok := got[sym]; ok {
			out[i] = s
			continue
		}
		i, sym := i, sym
		g.Go(func() error {
			out[i] = f.resolvePrice(ctx, sym)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (f *Facade) orderedPrices(symbols []string, got map[string]models.PriceSample) []models.PriceSample {
	out := make([]models.PriceSample, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, got[sym])
	}
	return out
}

// cacheStats records the last price of a stats window. The window's close
// time is exchange clock, so the cache entry is stamped locally.
func (f *Facade) cacheStats(st models.Stats) {
	s := st.Sample()
	s.Timestamp = f.now().UTC()
	f.cache.Update(s)
}

// Get24hrStats follows the same cascade for the 24h window.
func (f *Facade) Get24hrStats(ctx context.Context, symbol string) (models.Stats, error) {
	sym, err := models.ParseSymbol(symbol)
	if err != nil {
		return models.Stats{}, err
	}
	ctx, cancel := f.deadline(ctx)
	defer cancel()
	return f.resolveStats(ctx, sym), nil
}

func (f *Facade) resolveStats(ctx context.Context, sym string) models.Stats {
	for _, t := range f.tiers {
		t := t
		st, err := execute(ctx, f, t, func(c context.Context) (models.Stats, error) {
			return t.fetcher.Stats(c, sym)
		})
		if err == nil {
			f.cacheStats(st)
			return st
		}
	}
	return f.gen.Stats(sym)
}

// GetAll24hrStats returns the 24h window of every tracked symbol. When no
// bulk tier answers, symbols are resolved concurrently one by one.
func (f *Facade) GetAll24hrStats(ctx context.Context) ([]models.Stats, error) {
	tracked := f.trackedSymbols()
	if len(tracked) == 0 {
		return []models.Stats{}, nil
	}
	got := make(map[string]models.Stats, len(tracked))

	ctx, cancel := f.deadline(ctx)
	defer cancel()

	for _, t := range f.tiers {
		t := t
		stats, err := execute(ctx, f, t, func(c context.Context) ([]models.Stats, error) {
			return t.fetcher.AllStats(c, tracked)
		})
		if err != nil {
			continue
		}
		for _, st := range stats {
			f.cacheStats(st)
			got[st.Symbol] = st
		}
		break
	}

	out := make([]models.Stats, len(tracked))
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i, sym := range tracked {
		if st, ok := got[sym]; ok {
			out[i] = st
			continue
		}
		i, sym := i, sym
		g.Go(func() error {
			out[i] = f.resolveStats(ctx, sym)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (f *Facade) OnPriceUpdate(fn events.PriceHandler) func() {
	return f.bus.OnPriceUpdate(fn)
}

func (f *Facade) OnSignificantChange(fn events.ChangeHandler) func() {
	return f.bus.OnSignificantChange(fn)
}

func (f *Facade) Status() Status {
	st := Status{
		CachedSymbols:   f.cache.Len(),
		SyntheticActive: f.gen.Active(),
		Breakers:        make(map[string]string, len(f.tiers)),
	}
	if f.conn != nil {
		st.Supervisor = f.conn.Status()
	}
	if f.bus != nil {
		st.Events = f.bus.GetStats()
		st.EventQueue = f.bus.QueueLen()
	}
	st.LastStream, _ = f.cache.LastUpdate(models.SourceStream)
	st.LastREST, _ = f.cache.LastUpdate(models.SourceREST)
	st.LastSynthetic, _ = f.cache.LastUpdate(models.SourceSynthetic)
	st.LastRealUpdate = st.LastStream
	if st.LastREST.After(st.LastRealUpdate) {
		st.LastRealUpdate = st.LastREST
	}
	for _, t := range f.tiers {
		st.Breakers[t.name] = t.breaker.State().String()
	}
	return st
}
