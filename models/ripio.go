package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// STREAM ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// StreamFrame is the envelope of every websocket message. Payload is base64
// encoded JSON.
type StreamFrame struct {
	MessageID string `json:"messageId"`
	Payload   string `json:"payload"`
}

// Ack acknowledges a StreamFrame by its message id.
type Ack struct {
	MessageID string `json:"messageId"`
}

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////////// BOOK ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

type RipioLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// RipioBook is the body of the REST order book endpoint and of the
// orderbook stream payload. Timestamp is only present on stream payloads
// and is in epoch milliseconds.
type RipioBook struct {
	Buy       []RipioLevel `json:"buy"`
	Sell      []RipioLevel `json:"sell"`
	UpdatedID int64        `json:"updated_id"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

func toLevels(in []RipioLevel) []PriceLevel {
	if len(in) == 0 {
		return nil
	}
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price, Amount: l.Amount}
	}
	return out
}

// ToSnapshot converts a REST body into a normalized Snapshot captured at.
func (b RipioBook) ToSnapshot(pair TradingPair, at time.Time) Snapshot {
	snap := Snapshot{
		Pair:       pair,
		Bids:       toLevels(b.Buy),
		Asks:       toLevels(b.Sell),
		SequenceID: b.UpdatedID,
		Timestamp:  at,
	}
	snap.Normalize()
	return snap
}

// ToDiff converts a stream payload into a Diff. received is used when the
// payload carries no timestamp.
func (b RipioBook) ToDiff(pair TradingPair, received time.Time) Diff {
	ts := received
	if b.Timestamp > 0 {
		ts = time.UnixMilli(b.Timestamp).UTC()
	}
	return Diff{
		Pair:       pair,
		Bids:       toLevels(b.Buy),
		Asks:       toLevels(b.Sell),
		SequenceID: b.UpdatedID,
		Timestamp:  ts,
	}
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////////// TRADES ///////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// FlexID accepts a JSON string or number.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// RipioTrade is the trade stream payload. Timestamp is epoch milliseconds.
type RipioTrade struct {
	ID        FlexID          `json:"id"`
	Pair      string          `json:"pair"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Side      string          `json:"side"`
	Timestamp int64           `json:"timestamp"`
}

// ToTrade converts the payload; the stream's pair wins over an empty payload pair.
func (t RipioTrade) ToTrade(pair TradingPair, received time.Time) TradeEvent {
	if t.Pair != "" {
		pair = NormalizePair(t.Pair)
	}
	ts := received
	if t.Timestamp > 0 {
		ts = time.UnixMilli(t.Timestamp).UTC()
	}
	return TradeEvent{
		Pair:      pair,
		TradeID:   string(t.ID),
		Price:     t.Price,
		Amount:    t.Amount,
		Side:      TradeSide(strings.ToLower(t.Side)),
		Timestamp: ts,
	}
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// METADATA //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// RipioRate is one entry of GET /rate/all/.
type RipioRate struct {
	Pair      string          `json:"pair"`
	LastPrice decimal.Decimal `json:"last_price"`
	Volume    decimal.Decimal `json:"volume"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
}

// RipioPair is one entry of GET /pair/.
type RipioPair struct {
	Symbol  string `json:"symbol"`
	Base    string `json:"base"`
	Quote   string `json:"quote"`
	Enabled bool   `json:"enabled"`
}

type RipioPairList struct {
	Results []RipioPair `json:"results"`
}
