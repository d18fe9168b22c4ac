package source

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pricecore/internal/cache"
	"pricecore/internal/egress"
	"pricecore/internal/events"
	"pricecore/internal/supervisor"
	"pricecore/internal/synthetic"
	"pricecore/models"
	"pricecore/reader/binance"
)

type fakeFetcher struct {
	mu    sync.Mutex
	err   error
	price decimal.Decimal
	calls int

	// known, when set, makes the fetcher answer like the exchange does for
	// unknown symbols: a 400 for the whole request.
	known     map[string]bool
	bulkErr   error
	hang      bool
	requested [][]string
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) Requested() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.requested...)
}

func (f *fakeFetcher) begin(ctx context.Context, bulk bool, symbols ...string) error {
	f.mu.Lock()
	f.calls++
	if bulk {
		f.requested = append(f.requested, append([]string(nil), symbols...))
	}
	err, bulkErr, known, hang := f.err, f.bulkErr, f.known, f.hang
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if bulk && bulkErr != nil {
		return bulkErr
	}
	for _, s := range symbols {
		if known != nil && !known[s] {
			return &binance.StatusError{Code: 400, Body: `{"code":-1121,"msg":"Invalid symbol."}`}
		}
	}
	return nil
}

func (f *fakeFetcher) sample(symbol string) models.PriceSample {
	return models.PriceSample{Symbol: symbol, Price: f.price, Timestamp: time.Now().UTC(), Source: models.SourceREST}
}

func (f *fakeFetcher) stats(symbol string) models.Stats {
	return models.Stats{Symbol: symbol, Open: f.price, High: f.price, Low: f.price, Last: f.price, Timestamp: time.Now().UTC(), Source: models.SourceREST}
}

func (f *fakeFetcher) Price(ctx context.Context, symbol string) (models.PriceSample, error) {
	if err := f.begin(ctx, false, symbol); err != nil {
		return models.PriceSample{}, err
	}
	return f.sample(symbol), nil
}

func (f *fakeFetcher) Prices(ctx context.Context, symbols []string) ([]models.PriceSample, error) {
	if err := f.begin(ctx, true, symbols...); err != nil {
		return nil, err
	}
	out := make([]models.PriceSample, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, f.sample(s))
	}
	return out, nil
}

func (f *fakeFetcher) Stats(ctx context.Context, symbol string) (models.Stats, error) {
	if err := f.begin(ctx, false, symbol); err != nil {
		return models.Stats{}, err
	}
	return f.stats(symbol), nil
}

func (f *fakeFetcher) AllStats(ctx context.Context, symbols []string) ([]models.Stats, error) {
	if err := f.begin(ctx, true, symbols...); err != nil {
		return nil, err
	}
	out := make([]models.Stats, 0, len(symbols))
	for _, s := range symbols {
		out = append(out, f.stats(s))
	}
	return out, nil
}

type fakeConn struct{ live atomic.Bool }

func (c *fakeConn) Live() bool { return c.live.Load() }

func (c *fakeConn) Status() supervisor.Status {
	if c.live.Load() {
		return supervisor.Status{State: supervisor.Connected.String()}
	}
	return supervisor.Status{State: supervisor.Reconnecting.String()}
}

var errOffline = errors.New("dial tcp: network is unreachable")

func newTestFacade(t *testing.T, conn Connection, tiers ...Tier) (*Facade, *cache.PriceCache) {
	t.Helper()
	c := cache.New()
	gen := synthetic.New(synthetic.Config{MaxStep: 0.005, Seed: 7, Symbols: []string{"BTCUSDT", "ETHUSDT"}}, c)
	bus := events.NewBus(16, 0.01)
	cfg := Config{
		Freshness: time.Minute,
		Timeout:   time.Second,
		Symbols:   []string{"btc-usdt", "ETHUSDT"},
		Breaker:   BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute},
	}
	return New(cfg, c, gen, conn, bus, tiers...), c
}

func TestGetSymbolPriceRejectsInvalidSymbol(t *testing.T) {
	f, _ := newTestFacade(t, &fakeConn{})
	_, err := f.GetSymbolPrice(context.Background(), "$$")
	require.ErrorIs(t, err, models.ErrInvalidSymbol)
	_, err = f.Get24hrStats(context.Background(), "")
	require.ErrorIs(t, err, models.ErrInvalidSymbol)
}

func TestCascadeFallsThroughTiers(t *testing.T) {
	sdk := &fakeFetcher{err: errOffline}
	rest := &fakeFetcher{price: decimal.RequireFromString("65000")}
	f, c := newTestFacade(t, &fakeConn{}, Tier{Name: "sdk", Fetcher: sdk}, Tier{Name: "rest", Fetcher: rest})

	s, err := f.GetSymbolPrice(context.Background(), "btcusdt")
	require.NoError(t, err)
	require.Equal(t, models.SourceREST, s.Source)
	require.True(t, s.Price.Equal(rest.price))
	require.Equal(t, 1, sdk.Calls())
	require.Equal(t, 1, rest.Calls())

	cached, ok := c.Get("BTCUSDT")
	require.True(t, ok)
	require.Equal(t, models.SourceREST, cached.Source)

	// a fresh REST sample is served without touching the network
	_, err = f.GetSymbolPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 1, sdk.Calls())
	require.Equal(t, 1, rest.Calls())
}

func TestNilTierIsSkipped(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(10)}
	f, _ := newTestFacade(t, &fakeConn{}, Tier{Name: "sdk"}, Tier{Name: "rest", Fetcher: rest})
	require.Len(t, f.Status().Breakers, 1)
	s, err := f.GetSymbolPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceREST, s.Source)
}

func TestStreamSampleRequiresLiveConnection(t *testing.T) {
	conn := &fakeConn{}
	rest := &fakeFetcher{err: errOffline}
	f, c := newTestFacade(t, conn, Tier{Name: "rest", Fetcher: rest})
	c.Update(models.PriceSample{Symbol: "ETHUSDT", Price: decimal.NewFromInt(3500), Timestamp: time.Now().UTC(), Source: models.SourceStream})

	s, err := f.GetSymbolPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceSynthetic, s.Source)
	require.Equal(t, 1, rest.Calls())

	conn.live.Store(true)
	c.Update(models.PriceSample{Symbol: "ETHUSDT", Price: decimal.NewFromInt(3501), Timestamp: time.Now().UTC().Add(time.Millisecond), Source: models.SourceStream})
	s, err = f.GetSymbolPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceStream, s.Source)
	require.Equal(t, 1, rest.Calls())
}

func TestStaleRealSampleIsRefetched(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(2)}
	f, c := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: rest})
	c.Update(models.PriceSample{Symbol: "XRPUSDT", Price: decimal.NewFromInt(1), Timestamp: time.Now().Add(-2 * time.Minute), Source: models.SourceREST})

	s, err := f.GetSymbolPrice(context.Background(), "XRPUSDT")
	require.NoError(t, err)
	require.True(t, s.Price.Equal(decimal.NewFromInt(2)))
	require.Equal(t, 1, rest.Calls())
}

func TestGetAllPricesMergesPerSymbol(t *testing.T) {
	rest := &fakeFetcher{err: errOffline}
	f, c := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: rest})
	c.Update(models.PriceSample{Symbol: "BTCUSDT", Price: decimal.NewFromInt(65000), Timestamp: time.Now().UTC(), Source: models.SourceREST})
	c.Update(models.PriceSample{Symbol: "SOLUSDT", Price: decimal.NewFromInt(150), Timestamp: time.Now().Add(-time.Hour), Source: models.SourceREST})

	all, err := f.GetAllPrices(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	bySymbol := map[string]models.PriceSample{}
	for _, s := range all {
		bySymbol[s.Symbol] = s
	}
	require.Equal(t, models.SourceREST, bySymbol["BTCUSDT"].Source)
	require.Equal(t, models.SourceSynthetic, bySymbol["ETHUSDT"].Source)
	require.Equal(t, models.SourceSynthetic, bySymbol["SOLUSDT"].Source)
	require.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, []string{all[0].Symbol, all[1].Symbol, all[2].Symbol})
}

func TestGetAllPricesBulkSuccess(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(5)}
	f, _ := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: rest})
	all, err := f.GetAllPrices(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, s := range all {
		require.Equal(t, models.SourceREST, s.Source)
	}
	require.Equal(t, 1, rest.Calls())

	_, err = f.GetAllPrices(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, rest.Calls(), "all fresh, no refetch")
}

func TestStatsFallBackToSynthetic(t *testing.T) {
	rest := &fakeFetcher{err: errOffline}
	f, _ := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: rest})

	st, err := f.Get24hrStats(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceSynthetic, st.Source)
	require.True(t, st.High.GreaterThanOrEqual(st.Low))

	all, err := f.GetAll24hrStats(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, s := range all {
		require.Equal(t, models.SourceSynthetic, s.Source)
		require.NotEmpty(t, s.Symbol)
	}
}

func TestGetAll24hrStatsFromBulkTier(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(7)}
	f, c := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: rest})
	all, err := f.GetAll24hrStats(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, models.SourceREST, all[0].Source)
	require.Equal(t, 2, c.Len())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	rest := &fakeFetcher{err: errOffline}
	c := cache.New()
	gen := synthetic.New(synthetic.Config{Seed: 1}, c)
	f := New(Config{Breaker: BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}}, c, gen, &fakeConn{}, events.NewBus(4, 0.01), Tier{Name: "rest", Fetcher: rest})

	for i := 0; i < 5; i++ {
		s, err := f.GetSymbolPrice(context.Background(), "BTCUSDT")
		require.NoError(t, err)
		require.Equal(t, models.SourceSynthetic, s.Source)
	}
	require.Equal(t, 2, rest.Calls())
	require.Equal(t, "open", f.Status().Breakers["rest"])
}

func TestSubscriptionsReceiveFacadeUpdates(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(100)}
	c := cache.New()
	bus := events.NewBus(16, 0.01)
	c.Observe(bus.Observe)
	f := New(Config{}, c, synthetic.New(synthetic.Config{Seed: 1}, c), &fakeConn{}, bus, Tier{Name: "rest", Fetcher: rest})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Run(ctx) }()

	got := make(chan models.PriceUpdate, 4)
	unsubscribe := f.OnPriceUpdate(func(u models.PriceUpdate) { got <- u })
	defer unsubscribe()

	_, err := f.GetSymbolPrice(ctx, "LTCUSDT")
	require.NoError(t, err)
	select {
	case u := <-got:
		require.Equal(t, "LTCUSDT", u.Sample.Symbol)
		require.NotEmpty(t, u.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no price update delivered")
	}
}

type switchStreamer struct {
	allow atomic.Bool
	drop  chan error
}

func (s *switchStreamer) Connect(ctx context.Context, route egress.Route, symbols []string) error {
	if !s.allow.Load() {
		return egress.FromStatus(451, nil)
	}
	return nil
}

func (s *switchStreamer) Listen(ctx context.Context) error {
	select {
	case err := <-s.drop:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *switchStreamer) Disconnect() error { return nil }

func TestOfflineStreamRecoverAndFallBack(t *testing.T) {
	c := cache.New()
	gen := synthetic.New(synthetic.Config{MaxStep: 0.005, Seed: 42, Symbols: []string{"BTCUSDT", "ETHUSDT"}}, c)
	streamer := &switchStreamer{drop: make(chan error, 1)}
	sup := supervisor.New(supervisor.Config{
		ReconnectInterval:       5 * time.Millisecond,
		DegradedGrace:           5 * time.Millisecond,
		SimulationRetryInterval: 10 * time.Millisecond,
		Symbols:                 []string{"BTCUSDT", "ETHUSDT"},
	}, streamer, gen, []egress.Route{egress.Direct()})
	rest := &fakeFetcher{err: errOffline}
	f := New(Config{Freshness: time.Minute, Symbols: []string{"BTCUSDT", "ETHUSDT"}, Breaker: BreakerConfig{FailureThreshold: 1000}},
		c, gen, sup, events.NewBus(64, 0.01), Tier{Name: "rest", Fetcher: rest})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return sup.State() == supervisor.Simulating }, 2*time.Second, time.Millisecond)

	all, err := f.GetAllPrices(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for _, s := range all {
		require.Equal(t, models.SourceSynthetic, s.Source)
	}

	streamer.allow.Store(true)
	require.Eventually(t, sup.Live, 2*time.Second, time.Millisecond)
	require.False(t, gen.Active())

	tick := models.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(3500), EventTimeMs: time.Now().UnixMilli()}
	require.True(t, c.Update(tick.Sample()))

	calls := rest.Calls()
	s, err := f.GetSymbolPrice(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceStream, s.Source)
	require.True(t, s.Price.Equal(decimal.NewFromInt(3500)))
	require.Equal(t, calls, rest.Calls())

	streamer.allow.Store(false)
	streamer.drop <- errors.New("websocket: close 1006 (abnormal closure)")
	require.Eventually(t, func() bool { return !sup.Live() }, 2*time.Second, time.Millisecond)

	s, err = f.GetSymbolPrice(ctx, "ETHUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceSynthetic, s.Source)
	diff := s.Price.Sub(decimal.NewFromInt(3500)).Abs()
	require.True(t, diff.LessThanOrEqual(decimal.RequireFromString("17.5")), "synthetic price %s drifted too far", s.Price)
	require.Greater(t, rest.Calls(), calls)
}

func TestUnknownSymbolDoesNotSpoilBulkRequests(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(60000), known: map[string]bool{"BTCUSDT": true, "ETHUSDT": true}}
	f, c := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: rest})
	f.cfg.Freshness = time.Nanosecond

	s, err := f.GetSymbolPrice(context.Background(), "FOOBAR")
	require.NoError(t, err)
	require.Equal(t, models.SourceSynthetic, s.Source)
	_, cached := c.Get("FOOBAR")
	require.True(t, cached)

	for i := 0; i < 2; i++ {
		all, err := f.GetAllPrices(context.Background())
		require.NoError(t, err)
		require.Len(t, all, 2)
		for _, s := range all {
			require.Equal(t, models.SourceREST, s.Source, s.Symbol)
		}
	}
	for _, req := range rest.Requested() {
		require.NotContains(t, req, "FOOBAR")
	}
}

func TestFailedBulkFallsBackPerSymbol(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(5), bulkErr: &binance.StatusError{Code: 500, Body: "bulk down"}}
	f, _ := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: rest})

	all, err := f.GetAllPrices(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, s := range all {
		require.Equal(t, models.SourceREST, s.Source, s.Symbol)
	}
	require.Equal(t, 3, rest.Calls())

	stats, err := f.GetAll24hrStats(context.Background())
	require.NoError(t, err)
	for _, st := range stats {
		require.Equal(t, models.SourceREST, st.Source, st.Symbol)
	}
}

func TestRejectedSymbolDoesNotOpenBreaker(t *testing.T) {
	rest := &fakeFetcher{price: decimal.NewFromInt(65000), known: map[string]bool{"BTCUSDT": true}}
	c := cache.New()
	f := New(Config{Breaker: BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}},
		c, synthetic.New(synthetic.Config{Seed: 3}, c), &fakeConn{}, events.NewBus(4, 0.01), Tier{Name: "rest", Fetcher: rest})

	for i := 0; i < 5; i++ {
		s, err := f.GetSymbolPrice(context.Background(), "FOOBAR")
		require.NoError(t, err)
		require.Equal(t, models.SourceSynthetic, s.Source)
	}
	require.Equal(t, 5, rest.Calls())
	require.Equal(t, "closed", f.Status().Breakers["rest"])

	s, err := f.GetSymbolPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceREST, s.Source)

	// real outages still trip it
	rest.setErr(errOffline)
	for i := 0; i < 3; i++ {
		_, err := f.GetSymbolPrice(context.Background(), "ETHUSDT")
		require.NoError(t, err)
	}
	require.Equal(t, "open", f.Status().Breakers["rest"])
}

func TestOneDeadlineAcrossTiers(t *testing.T) {
	sdk := &fakeFetcher{hang: true}
	rest := &fakeFetcher{hang: true}
	c := cache.New()
	timeout := 300 * time.Millisecond
	f := New(Config{Timeout: timeout, Symbols: []string{"BTCUSDT"}, Breaker: BreakerConfig{FailureThreshold: 100}},
		c, synthetic.New(synthetic.Config{Seed: 5}, c), &fakeConn{}, events.NewBus(4, 0.01),
		Tier{Name: "sdk", Fetcher: sdk}, Tier{Name: "rest", Fetcher: rest})

	start := time.Now()
	s, err := f.GetSymbolPrice(context.Background(), "BTCUSDT")
	took := time.Since(start)
	require.NoError(t, err)
	require.Equal(t, models.SourceSynthetic, s.Source)
	require.Less(t, took, timeout+timeout/2)
	require.Equal(t, 0, rest.Calls(), "deadline spent before the second tier")

	start = time.Now()
	_, err = f.GetAllPrices(context.Background())
	require.NoError(t, err)
	require.Less(t, time.Since(start), timeout+timeout/2)

	start = time.Now()
	_, err = f.Get24hrStats(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Less(t, time.Since(start), timeout+timeout/2)
}

func TestStreamTickAppliesDespiteExchangeClockSkew(t *testing.T) {
	f, c := newTestFacade(t, &fakeConn{}, Tier{Name: "rest", Fetcher: &fakeFetcher{err: errOffline}})
	s, err := f.GetSymbolPrice(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	require.Equal(t, models.SourceSynthetic, s.Source)

	behind := models.Tick{Symbol: "ETHUSDT", Price: decimal.NewFromInt(3500), EventTimeMs: time.Now().Add(-10 * time.Second).UnixMilli()}
	require.True(t, c.Update(behind.Sample()))
	got, _ := c.Get("ETHUSDT")
	require.Equal(t, models.SourceStream, got.Source)
}
