package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which acquisition strategy produced a sample.
type Source string

const (
	SourceStream    Source = "stream"
	SourceREST      Source = "rest"
	SourceSynthetic Source = "synthetic"
)

// Real reports whether the source is backed by exchange data.
func (s Source) Real() bool {
	return s == SourceStream || s == SourceREST
}

// ErrInvalidSymbol is returned for symbols that cannot be normalized into a
// canonical trading-pair identifier.
var ErrInvalidSymbol = errors.New("invalid symbol")

var symbolRegexp = regexp.MustCompile(`^[A-Z0-9]{2,30}$`)

var symbolReplacer = strings.NewReplacer("-", "", "_", "", "/", "", " ", "", "\t", "")

// NormalizeSymbol converts hyphenated, slashed or lowercase input into the
// canonical uppercase form (e.g. "btc-usdt" -> "BTCUSDT").
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(symbolReplacer.Replace(strings.TrimSpace(symbol)))
}

// ParseSymbol normalizes and validates a symbol.
func ParseSymbol(symbol string) (string, error) {
	s := NormalizeSymbol(symbol)
	if !symbolRegexp.MatchString(s) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return s, nil
}

// PriceSample is the latest known price for a symbol. Samples are values and
// are superseded, never mutated.
type PriceSample struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp time.Time       `json:"timestamp"`
	Source    Source          `json:"source"`
}

// Tick is one decoded streaming update. EventTimeMs is the exchange's event
// time and is informational only.
type Tick struct {
	Symbol      string
	Price       decimal.Decimal
	Volume      decimal.Decimal
	EventTimeMs int64
}

// Sample converts a tick into a stream-tagged sample stamped with the local
// receive time, the same clock REST and synthetic samples use.
func (t Tick) Sample() PriceSample {
	return PriceSample{
		Symbol:    t.Symbol,
		Price:     t.Price,
		Volume:    t.Volume,
		Timestamp: time.Now().UTC(),
		Source:    SourceStream,
	}
}

// Stats is a 24h rolling window summary for a symbol.
type Stats struct {
	Symbol             string          `json:"symbol"`
	Open               decimal.Decimal `json:"open"`
	High               decimal.Decimal `json:"high"`
	Low                decimal.Decimal `json:"low"`
	Last               decimal.Decimal `json:"last"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
	PriceChange        decimal.Decimal `json:"price_change"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	Timestamp          time.Time       `json:"timestamp"`
	Source             Source          `json:"source"`
}

// Sample returns the last price of the stats window as a sample.
func (s Stats) Sample() PriceSample {
	return PriceSample{
		Symbol:    s.Symbol,
		Price:     s.Last,
		Volume:    s.Volume,
		Timestamp: s.Timestamp,
		Source:    s.Source,
	}
}
