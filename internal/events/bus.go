// Package events fans cache updates out to subscribers on a dedicated
// dispatch goroutine so a slow subscriber never blocks a cache writer.
package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pricecore/internal/metrics"
	"pricecore/logger"
	"pricecore/models"
)

type PriceHandler func(models.PriceUpdate)
type ChangeHandler func(models.SignificantChange)

type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
}

type envelope struct {
	update *models.PriceUpdate
	change *models.SignificantChange
}

type Bus struct {
	queue     chan envelope
	threshold decimal.Decimal

	subMu      sync.RWMutex
	nextSub    uint64
	priceSubs  map[uint64]PriceHandler
	changeSubs map[uint64]ChangeHandler

	stats      Stats
	statsMutex sync.RWMutex

	mu      sync.Mutex
	running bool

	log *logger.Log
}

// NewBus creates a bus with a bounded queue. threshold is the fractional
// move (0.01 = 1%) above which a SignificantChange is emitted.
func NewBus(queueSize int, threshold float64) *Bus {
	if queueSize <= 0 {
		queueSize = 1024
	}
	log := logger.GetLogger()
	log.WithComponent("event_bus").WithFields(logger.Fields{
		"queue_size": queueSize,
		"threshold":  threshold,
	}).Info("event bus initialized")

	return &Bus{
		queue:      make(chan envelope, queueSize),
		threshold:  decimal.NewFromFloat(threshold),
		priceSubs:  make(map[uint64]PriceHandler),
		changeSubs: make(map[uint64]ChangeHandler),
		log:        log,
	}
}

// OnPriceUpdate registers fn and returns a function removing it.
func (b *Bus) OnPriceUpdate(fn PriceHandler) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.priceSubs[id] = fn
	return func() {
		b.subMu.Lock()
		delete(b.priceSubs, id)
		b.subMu.Unlock()
	}
}

// OnSignificantChange registers fn and returns a function removing it.
func (b *Bus) OnSignificantChange(fn ChangeHandler) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSub
	b.nextSub++
	b.changeSubs[id] = fn
	return func() {
		b.subMu.Lock()
		delete(b.changeSubs, id)
		b.subMu.Unlock()
	}
}

// Observe is registered as a cache observer. It never blocks.
func (b *Bus) Observe(sample models.PriceSample, previous *models.PriceSample) {
	b.send(envelope{update: &models.PriceUpdate{
		ID:       uuid.NewString(),
		Sample:   sample,
		Previous: previous,
	}}, sample.Symbol)

	if change, ok := b.significant(sample, previous); ok {
		b.send(envelope{change: &change}, sample.Symbol)
	}
}

func (b *Bus) significant(sample models.PriceSample, previous *models.PriceSample) (models.SignificantChange, bool) {
	if previous == nil || !previous.Price.IsPositive() {
		return models.SignificantChange{}, false
	}
	ratio := sample.Price.Sub(previous.Price).Div(previous.Price)
	if ratio.Abs().LessThanOrEqual(b.threshold) {
		return models.SignificantChange{}, false
	}
	return models.SignificantChange{
		ID:            uuid.NewString(),
		Symbol:        sample.Symbol,
		OldPrice:      previous.Price,
		NewPrice:      sample.Price,
		ChangePercent: ratio.Mul(decimal.NewFromInt(100)).Round(4),
		Source:        sample.Source,
		Timestamp:     sample.Timestamp,
	}, true
}

func (b *Bus) send(env envelope, symbol string) bool {
	select {
	case b.queue <- env:
		b.statsMutex.Lock()
		b.stats.Published++
		b.statsMutex.Unlock()
		return true
	default:
		b.statsMutex.Lock()
		b.stats.Dropped++
		b.statsMutex.Unlock()
		kind := metrics.DropMetricPriceUpdate
		if env.change != nil {
			kind = metrics.DropMetricSignificantChange
		}
		metrics.EmitDropMetric(b.log, kind, symbol)
		return false
	}
}

// Run dispatches queued events until ctx is cancelled.
func (b *Bus) Run(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("event bus already running")
	}
	b.running = true
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.queue:
			b.dispatch(env)
		}
	}
}

func (b *Bus) dispatch(env envelope) {
	b.subMu.RLock()
	var priceSubs []PriceHandler
	var changeSubs []ChangeHandler
	if env.update != nil {
		for _, fn := range b.priceSubs {
			priceSubs = append(priceSubs, fn)
		}
	}
	if env.change != nil {
		for _, fn := range b.changeSubs {
			changeSubs = append(changeSubs, fn)
		}
	}
	b.subMu.RUnlock()

	for _, fn := range priceSubs {
		b.invoke(func() { fn(*env.update) })
	}
	for _, fn := range changeSubs {
		b.invoke(func() { fn(*env.change) })
	}
}

func (b *Bus) invoke(call func()) {
	defer func() {
		if r := recover(); r != nil {
			b.statsMutex.Lock()
			b.stats.Panics++
			b.statsMutex.Unlock()
			b.log.WithComponent("event_bus").WithFields(logger.Fields{"panic": r}).Error("subscriber panicked")
		}
	}()
	call()
	b.statsMutex.Lock()
	b.stats.Delivered++
	b.statsMutex.Unlock()
}

func (b *Bus) GetStats() Stats {
	b.statsMutex.RLock()
	defer b.statsMutex.RUnlock()
	return b.stats
}

// QueueLen reports the number of events waiting for dispatch.
func (b *Bus) QueueLen() int {
	return len(b.queue)
}
