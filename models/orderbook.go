package models

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBid Side = "bid"
	SideAsk Side = "ask"
)

// PriceLevel is one price of one side of the book. A zero Amount in a diff
// removes the level.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// Snapshot is the full book of a pair at SequenceID.
type Snapshot struct {
	Pair       TradingPair  `json:"pair"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	SequenceID int64        `json:"sequence_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Normalize sorts bids descending and asks ascending, collapses duplicate
// prices (the later level wins) and drops empty levels.
func (s *Snapshot) Normalize() {
	s.Bids = normalizeSide(s.Bids, true)
	s.Asks = normalizeSide(s.Asks, false)
}

// Truncate keeps at most depth levels per side. depth <= 0 keeps everything.
func (s *Snapshot) Truncate(depth int) {
	if depth <= 0 {
		return
	}
	if len(s.Bids) > depth {
		s.Bids = s.Bids[:depth]
	}
	if len(s.Asks) > depth {
		s.Asks = s.Asks[:depth]
	}
}

func normalizeSide(levels []PriceLevel, descending bool) []PriceLevel {
	if len(levels) == 0 {
		return nil
	}
	sorted := make([]PriceLevel, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		if descending {
			return sorted[i].Price.GreaterThan(sorted[j].Price)
		}
		return sorted[i].Price.LessThan(sorted[j].Price)
	})

	out := sorted[:0]
	for _, lvl := range sorted {
		if n := len(out); n > 0 && out[n-1].Price.Equal(lvl.Price) {
			out[n-1] = lvl
			continue
		}
		out = append(out, lvl)
	}

	kept := out[:0]
	for _, lvl := range out {
		if lvl.Amount.IsPositive() {
			kept = append(kept, lvl)
		}
	}
	return kept
}

// Diff is an incremental book update. Levels are applied in order.
type Diff struct {
	Pair       TradingPair  `json:"pair"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	SequenceID int64        `json:"sequence_id"`
	Timestamp  time.Time    `json:"timestamp"`
}

// BookState is the synchronization state of a reconciled book.
type BookState int

const (
	BookUnseeded BookState = iota
	BookLive
	BookStale
)

func (s BookState) String() string {
	switch s {
	case BookUnseeded:
		return "unseeded"
	case BookLive:
		return "live"
	case BookStale:
		return "stale"
	default:
		return "unknown"
	}
}

func (s BookState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *BookState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unseeded":
		*s = BookUnseeded
	case "live":
		*s = BookLive
	case "stale":
		*s = BookStale
	default:
		return fmt.Errorf("unknown book state %q", b)
	}
	return nil
}

// BookView is a read-only copy of a reconciled book.
type BookView struct {
	Pair       TradingPair  `json:"pair"`
	State      BookState    `json:"state"`
	SequenceID int64        `json:"sequence_id"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// BestBid returns the highest bid, if any.
func (v BookView) BestBid() (PriceLevel, bool) {
	if len(v.Bids) == 0 {
		return PriceLevel{}, false
	}
	return v.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (v BookView) BestAsk() (PriceLevel, bool) {
	if len(v.Asks) == 0 {
		return PriceLevel{}, false
	}
	return v.Asks[0], true
}
