// Package metrics registers the Prometheus collectors for price acquisition:
//
//	pricecore_ticks_total
//	pricecore_fetch_total / pricecore_fetch_duration_seconds
//	pricecore_supervisor_state / pricecore_supervisor_transitions_total
//	pricecore_events_dropped_total
//	pricecore_synthetic_samples_total
//	pricecore_malformed_messages_total
//	pricecore_breaker_open
//	go_* and process_* system metrics
//
// The collectors are served by the status server through Handler.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pricecore/logger"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	ticks            *prometheus.CounterVec
	fetches          *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	supervisorState  *prometheus.GaugeVec
	transitions      *prometheus.CounterVec
	eventsDropped    *prometheus.CounterVec
	syntheticSamples *prometheus.CounterVec
	malformed        prometheus.Counter
	breakerOpen      *prometheus.GaugeVec
	cacheSymbols     prometheus.Gauge
)

// Init creates and registers all collectors once.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		ticks = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecore_ticks_total",
			Help: "Number of stream ticks applied to the price cache",
		}, []string{"symbol"})

		fetches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecore_fetch_total",
			Help: "Number of on-demand fetch attempts per tier and outcome",
		}, []string{"tier", "outcome"})

		fetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pricecore_fetch_duration_seconds",
			Help:    "Latency of on-demand fetches per tier",
			Buckets: prometheus.DefBuckets,
		}, []string{"tier"})

		supervisorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricecore_supervisor_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"})

		transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecore_supervisor_transitions_total",
			Help: "Connection state transitions",
		}, []string{"from", "to"})

		eventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecore_events_dropped_total",
			Help: "Events dropped because the dispatch queue was full",
		}, []string{"kind"})

		syntheticSamples = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricecore_synthetic_samples_total",
			Help: "Synthetic samples produced per symbol",
		}, []string{"symbol"})

		malformed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricecore_malformed_messages_total",
			Help: "Stream messages that could not be decoded",
		})

		breakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pricecore_breaker_open",
			Help: "1 while the circuit breaker of a fetch tier is open",
		}, []string{"tier"})

		cacheSymbols = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pricecore_cache_symbols",
			Help: "Number of symbols held in the price cache",
		})

		registry.MustRegister(ticks, fetches, fetchDuration, supervisorState, transitions,
			eventsDropped, syntheticSamples, malformed, breakerOpen, cacheSymbols)
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func IncrementTick(symbol string) {
	if ticks != nil {
		ticks.WithLabelValues(symbol).Inc()
	}
	logger.IncrementStreamTick()
}

// ObserveFetch records one fetch attempt of a cascade tier.
func ObserveFetch(tier string, err error, took time.Duration) {
	switch tier {
	case "rest":
		logger.IncrementRESTFetch()
	case "sdk":
		logger.IncrementSDKFetch()
	}
	if fetches == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	fetches.WithLabelValues(tier, outcome).Inc()
	fetchDuration.WithLabelValues(tier).Observe(took.Seconds())
}

// SetState marks current as the only active connection state.
func SetState(all []string, current string) {
	if supervisorState == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		supervisorState.WithLabelValues(s).Set(v)
	}
}

func IncrementTransition(from, to string) {
	if transitions != nil {
		transitions.WithLabelValues(from, to).Inc()
	}
}

func IncrementSynthetic(symbol string) {
	if syntheticSamples != nil {
		syntheticSamples.WithLabelValues(symbol).Inc()
	}
	logger.IncrementSyntheticSample()
}

func IncrementMalformed() {
	if malformed != nil {
		malformed.Inc()
	}
	logger.IncrementMalformed()
}

func SetBreakerOpen(tier string, open bool) {
	if breakerOpen == nil {
		return
	}
	v := 0.0
	if open {
		v = 1
	}
	breakerOpen.WithLabelValues(tier).Set(v)
}

func SetCacheSymbols(n int) {
	if cacheSymbols != nil {
		cacheSymbols.Set(float64(n))
	}
}
