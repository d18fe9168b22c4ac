package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceUpdate is published for every sample applied to the price cache.
type PriceUpdate struct {
	ID       string       `json:"id"`
	Sample   PriceSample  `json:"sample"`
	Previous *PriceSample `json:"previous,omitempty"`
}

// SignificantChange is published when two consecutive samples for a symbol
// differ by more than the configured fraction.
type SignificantChange struct {
	ID            string          `json:"id"`
	Symbol        string          `json:"symbol"`
	OldPrice      decimal.Decimal `json:"old_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Source        Source          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
}
