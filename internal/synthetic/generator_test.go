package synthetic

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pricecore/internal/cache"
	"pricecore/models"
)

func newGenerator(c *cache.PriceCache, symbols ...string) *Generator {
	return New(Config{
		Interval:          10 * time.Millisecond,
		MaxStep:           0.005,
		ReversionStrength: 0.1,
		ReversionPeriod:   30 * time.Minute,
		Symbols:           symbols,
		Seed:              42,
	}, c)
}

func relDiff(a, b decimal.Decimal) float64 {
	d, _ := a.Sub(b).Abs().Div(b).Float64()
	return d
}

func TestContinuityFromLastRealSample(t *testing.T) {
	c := cache.New()
	real := models.PriceSample{
		Symbol:    "ETHUSDT",
		Price:     decimal.NewFromInt(3500),
		Timestamp: time.Now().Add(-time.Second),
		Source:    models.SourceStream,
	}
	c.Update(real)
	g := newGenerator(c)

	s := g.Next("ETHUSDT")
	require.Equal(t, models.SourceSynthetic, s.Source)
	require.LessOrEqual(t, relDiff(s.Price, real.Price), 0.005)

	got, _ := c.Get("ETHUSDT")
	require.Equal(t, models.SourceSynthetic, got.Source)
	require.False(t, got.Timestamp.Before(real.Timestamp))
}

func TestReanchorsToNewerRealSample(t *testing.T) {
	c := cache.New()
	g := newGenerator(c)
	for i := 0; i < 50; i++ {
		g.Next("BTCUSDT")
	}

	c.Update(models.PriceSample{
		Symbol:    "BTCUSDT",
		Price:     decimal.NewFromInt(50000),
		Timestamp: time.Now().Add(time.Second),
		Source:    models.SourceREST,
	})
	s := g.Next("BTCUSDT")
	require.LessOrEqual(t, relDiff(s.Price, decimal.NewFromInt(50000)), 0.005)
}

func TestStepsAreBounded(t *testing.T) {
	c := cache.New()
	g := newGenerator(c)
	prev := g.Next("SOLUSDT")
	for i := 0; i < 2000; i++ {
		next := g.Next("SOLUSDT")
		require.LessOrEqual(t, relDiff(next.Price, prev.Price), 0.0051)
		require.True(t, next.Price.IsPositive())
		prev = next
	}
}

func TestUnknownSymbolSeedIsStable(t *testing.T) {
	base := hashBase("FOOBARUSDT")
	require.Equal(t, base, hashBase("FOOBARUSDT"))

	for seed := int64(1); seed < 5; seed++ {
		g := New(Config{Seed: seed}, cache.New())
		s := g.Next("FOOBARUSDT")
		require.LessOrEqual(t, relDiff(s.Price, decimal.NewFromFloat(base)), 0.008)
	}
}

func TestMeanReversionPullsTowardAnchor(t *testing.T) {
	g := New(Config{Interval: time.Minute, ReversionPeriod: time.Minute, ReversionStrength: 0.5, MaxStep: 0.005, Seed: 7}, cache.New())
	s := &series{last: 110, anchor: 100, volatility: 0}
	price := g.step(s, time.Now())
	require.Equal(t, "109.45", price.String())
	require.Zero(t, s.sinceRevert)
}

func TestRoundPricePrecisionTiers(t *testing.T) {
	cases := map[float64]int32{
		65000.123456: -2,
		3.123456789:  -4,
		0.0312345678: -6,
		0.0000123456: -8,
	}
	for in, exp := range cases {
		d := roundPrice(in)
		require.GreaterOrEqual(t, d.Exponent(), exp, "price %v", in)
		require.Equal(t, d.String(), d.Round(-exp).String())
	}
	require.True(t, roundPrice(0).IsPositive())
}

func TestActivateDeactivateRun(t *testing.T) {
	c := cache.New()
	g := newGenerator(c, "BTCUSDT", "ETHUSDT")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	require.Zero(t, c.Len(), "inactive generator must not write")

	g.Activate()
	require.Eventually(t, func() bool { return c.Len() == 2 }, time.Second, 5*time.Millisecond)

	g.Deactivate()
	require.False(t, g.Active())
	before := c.GetAll()
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, before, c.GetAll())
}

func TestStats(t *testing.T) {
	g := newGenerator(cache.New())
	for i := 0; i < 20; i++ {
		g.Next("ETHUSDT")
	}
	st := g.Stats("ETHUSDT")
	require.Equal(t, models.SourceSynthetic, st.Source)
	require.True(t, st.High.GreaterThanOrEqual(st.Low))
	require.True(t, st.Last.LessThanOrEqual(st.High))
	require.True(t, st.Last.GreaterThanOrEqual(st.Low))
	require.Equal(t, "3500", st.Open.String())

	fresh := g.Stats("NEWCOINUSDT")
	require.True(t, fresh.Last.IsPositive())
}
