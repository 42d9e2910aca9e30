package ripio

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"bookflow/models"
)

type TradePublisher interface {
	PublishTrade(models.TradeEvent) bool
}

// TradeHandler forwards trade stream payloads to a publisher. A payload may
// hold one trade or a list of trades.
type TradeHandler struct {
	pair models.TradingPair
	sink TradePublisher
}

func NewTradeHandler(pair models.TradingPair, sink TradePublisher) *TradeHandler {
	return &TradeHandler{pair: pair, sink: sink}
}

func (h *TradeHandler) Handle(_ context.Context, payload []byte, received time.Time) error {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) || bytes.Equal(payload, []byte("{}")) {
		return nil
	}

	var trades []models.RipioTrade
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &trades); err != nil {
			return &DecodeError{Kind: "trades", Err: err}
		}
	} else {
		var single models.RipioTrade
		if err := json.Unmarshal(payload, &single); err != nil {
			return &DecodeError{Kind: "trades", Err: err}
		}
		trades = append(trades, single)
	}

	for _, t := range trades {
		h.sink.PublishTrade(t.ToTrade(h.pair, received))
	}
	return nil
}
