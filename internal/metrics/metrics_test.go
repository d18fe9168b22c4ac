package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pricecore/logger"
)

func TestHandlerExposesCollectors(t *testing.T) {
	Init()
	IncrementTick("BTCUSDT")
	ObserveFetch("rest", errors.New("boom"), 10*time.Millisecond)
	ObserveFetch("sdk", nil, time.Millisecond)
	SetState([]string{"connected", "simulating"}, "simulating")
	IncrementTransition("connected", "degraded")
	IncrementSynthetic("ETHUSDT")
	IncrementMalformed()
	SetBreakerOpen("rest", true)
	SetCacheSymbols(2)
	EmitDropMetric(logger.GetLogger(), DropMetricPriceUpdate, "BTCUSDT")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`pricecore_ticks_total{symbol="BTCUSDT"}`,
		`pricecore_fetch_total{outcome="error",tier="rest"}`,
		`pricecore_supervisor_state{state="simulating"} 1`,
		`pricecore_events_dropped_total{kind="price_update_events_dropped"}`,
		`pricecore_breaker_open{tier="rest"} 1`,
		`pricecore_cache_symbols 2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("scrape missing %s", want)
		}
	}
}
