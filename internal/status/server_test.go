package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pricecore/config"
	"pricecore/internal/source"
	"pricecore/internal/supervisor"
	"pricecore/logger"
	"pricecore/models"
)

type fakePrices struct {
	state     string
	synthetic bool
	cached    int
}

func (f *fakePrices) GetSymbolPrice(ctx context.Context, symbol string) (models.PriceSample, error) {
	sym, err := models.ParseSymbol(symbol)
	if err != nil {
		return models.PriceSample{}, err
	}
	return models.PriceSample{Symbol: sym, Price: decimal.NewFromInt(42), Timestamp: time.Unix(0, 0).UTC(), Source: models.SourceREST}, nil
}

func (f *fakePrices) GetAllPrices(ctx context.Context) ([]models.PriceSample, error) {
	s, _ := f.GetSymbolPrice(ctx, "BTCUSDT")
	return []models.PriceSample{s}, nil
}

func (f *fakePrices) Get24hrStats(ctx context.Context, symbol string) (models.Stats, error) {
	sym, err := models.ParseSymbol(symbol)
	if err != nil {
		return models.Stats{}, err
	}
	return models.Stats{Symbol: sym, Last: decimal.NewFromInt(42), Source: models.SourceSynthetic}, nil
}

func (f *fakePrices) Status() source.Status {
	return source.Status{
		Supervisor:      supervisor.Status{State: f.state},
		SyntheticActive: f.synthetic,
		CachedSymbols:   f.cached,
	}
}

type fakeReconnector struct{ calls int }

func (f *fakeReconnector) Reconnect() { f.calls++ }

func newTestServer(t *testing.T, prices *fakePrices, rc Reconnector) (*Server, http.Handler) {
	t.Helper()
	srv := NewServer(config.StatusConfig{Enabled: true, Addr: ":0"}, prices, rc, logger.Logger())
	require.NotNil(t, srv)
	router, err := srv.buildRouter()
	require.NoError(t, err)
	return srv, router
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestDisabledServerIsNil(t *testing.T) {
	srv := NewServer(config.StatusConfig{Enabled: false}, &fakePrices{}, nil, logger.Logger())
	require.Nil(t, srv)
	require.NoError(t, srv.Run(context.Background()))
	require.Empty(t, srv.Address())
}

func TestHealth(t *testing.T) {
	prices := &fakePrices{state: "reconnecting"}
	_, h := newTestServer(t, prices, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/health").Code)

	prices.synthetic = true
	rec := do(h, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, false, body["live"])
	require.Equal(t, true, body["synthetic_active"])

	prices.synthetic = false
	prices.state = "connected"
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health").Code)
}

func TestPriceEndpoints(t *testing.T) {
	_, h := newTestServer(t, &fakePrices{state: "connected"}, nil)

	rec := do(h, http.MethodGet, "/prices/btc-usdt")
	require.Equal(t, http.StatusOK, rec.Code)
	var sample models.PriceSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sample))
	require.Equal(t, "BTCUSDT", sample.Symbol)
	require.Equal(t, models.SourceREST, sample.Source)

	require.Equal(t, http.StatusBadRequest, do(h, http.MethodGet, "/prices/$$$").Code)

	rec = do(h, http.MethodGet, "/prices")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"BTCUSDT"`)

	rec = do(h, http.MethodGet, "/stats/ethusdt")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"synthetic"`)

	rec = do(h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"connected"`)

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/metrics").Code)
}

func TestReconnectEndpoint(t *testing.T) {
	rc := &fakeReconnector{}
	_, h := newTestServer(t, &fakePrices{}, rc)
	require.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/reconnect").Code)
	require.Equal(t, 1, rc.calls)

	_, h = newTestServer(t, &fakePrices{}, nil)
	require.Equal(t, http.StatusNotImplemented, do(h, http.MethodPost, "/reconnect").Code)
}

func TestLogsEndpointCapturesEntries(t *testing.T) {
	srv, h := newTestServer(t, &fakePrices{}, nil)
	srv.log.WithComponent("supervisor").WithFields(logger.Fields{"route": "direct"}).Info("connected")

	rec := do(h, http.MethodGet, "/logs")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"supervisor"`)
	require.Contains(t, rec.Body.String(), `"direct"`)
}

func TestLogStoreLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		entry := logrus.NewEntry(logrus.New())
		entry.Message = string(rune('a' + i))
		entry.Level = logrus.InfoLevel
		require.NoError(t, store.Fire(entry))
	}
	snap := store.snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "c", snap[0].Message)

	store.close()
	require.NoError(t, store.Fire(logrus.NewEntry(logrus.New())))
	require.Len(t, store.snapshot(), 2)
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":               "0.0.0.0:8090",
		" :9090 ":        "0.0.0.0:9090",
		"localhost":      "localhost:8090",
		"127.0.0.1:8000": "127.0.0.1:8000",
		"*:7000":         "0.0.0.0:7000",
	}
	for in, want := range cases {
		require.Equal(t, want, normalizeAddress(in), in)
	}
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := NewServer(config.StatusConfig{Enabled: true, Addr: "127.0.0.1:0"}, &fakePrices{}, nil, logger.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
