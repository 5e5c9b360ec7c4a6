package strategy

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Pricer converts token amounts to USD
type Pricer interface {
	PriceUSD(token string) (decimal.Decimal, bool)
}

// StaticPricer is a fixed token -> USD price table, keyed by upper-case symbol
type StaticPricer map[string]decimal.Decimal

// DefaultPricer prices the common dollar stablecoins at parity
func DefaultPricer() StaticPricer {
	one := decimal.NewFromInt(1)
	return StaticPricer{
		"USDC":  one,
		"USDT":  one,
		"DAI":   one,
		"USDS":  one,
		"PYUSD": one,
	}
}

// PriceUSD implements Pricer
func (p StaticPricer) PriceUSD(token string) (decimal.Decimal, bool) {
	price, ok := p[strings.ToUpper(token)]
	return price, ok
}
