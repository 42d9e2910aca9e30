package models

import "strings"

// TradingPair is an exchange symbol in canonical BASE_QUOTE form, e.g. "BTC_USDC".
type TradingPair string

// NormalizePair upper-cases s and accepts "-" or "/" as the base/quote separator.
func NormalizePair(s string) TradingPair {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", "/", "_").Replace(s)
	return TradingPair(s)
}

func (p TradingPair) String() string { return string(p) }

// Topic is the lower-case form used in stream endpoints.
func (p TradingPair) Topic() string { return strings.ToLower(string(p)) }

func (p TradingPair) Base() string {
	base, _, _ := strings.Cut(string(p), "_")
	return base
}

func (p TradingPair) Quote() string {
	_, quote, ok := strings.Cut(string(p), "_")
	if !ok {
		return ""
	}
	return quote
}

// Valid reports whether the pair has both a base and a quote.
func (p TradingPair) Valid() bool {
	return p.Base() != "" && p.Quote() != ""
}
