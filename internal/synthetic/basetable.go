package synthetic

// basePrices seeds series for well-known symbols when no real sample has
// been seen yet.
var basePrices = map[string]float64{
	"BTCUSDT":   65000,
	"ETHUSDT":   3500,
	"BNBUSDT":   580,
	"SOLUSDT":   150,
	"XRPUSDT":   0.52,
	"ADAUSDT":   0.45,
	"DOGEUSDT":  0.12,
	"TRXUSDT":   0.12,
	"DOTUSDT":   7,
	"AVAXUSDT":  35,
	"LINKUSDT":  14,
	"MATICUSDT": 0.7,
	"LTCUSDT":   80,
	"ATOMUSDT":  8,
	"SHIBUSDT":  0.000018,
	"PEPEUSDT":  0.0000085,
	"ETHBTC":    0.054,
}

// hashBase derives a stable price from the symbol's character codes for
// symbols without a real sample or base entry.
func hashBase(symbol string) float64 {
	var h uint32
	for _, c := range symbol {
		h = h*31 + uint32(c)
	}
	return 0.1 + float64(h%10000)/100
}
