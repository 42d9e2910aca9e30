package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeSide string

const (
	TradeBuy  TradeSide = "buy"
	TradeSell TradeSide = "sell"
)

// TradeEvent is one executed trade from the trade stream.
type TradeEvent struct {
	Pair      TradingPair     `json:"pair"`
	TradeID   string          `json:"trade_id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      TradeSide       `json:"side"`
	Timestamp time.Time       `json:"timestamp"`
}

// Market is a tradable pair with its 24h statistics.
type Market struct {
	Pair      TradingPair     `json:"pair"`
	Base      string          `json:"base"`
	Quote     string          `json:"quote"`
	LastPrice decimal.Decimal `json:"last_price"`
	Volume    decimal.Decimal `json:"volume"`
	USDVolume decimal.Decimal `json:"usd_volume"`
}
