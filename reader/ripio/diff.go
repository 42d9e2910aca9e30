package ripio

import (
	"context"
	"encoding/json"
	"time"

	"bookflow/models"
)

// DiffSubmitter takes diffs without blocking.
type DiffSubmitter interface {
	Submit(models.Diff) bool
}

// DiffHandler turns orderbook stream payloads into diffs for a reconciler.
type DiffHandler struct {
	pair   models.TradingPair
	target DiffSubmitter
}

func NewDiffHandler(pair models.TradingPair, target DiffSubmitter) *DiffHandler {
	return &DiffHandler{pair: pair, target: target}
}

func (h *DiffHandler) Handle(_ context.Context, payload []byte, received time.Time) error {
	var book models.RipioBook
	if err := json.Unmarshal(payload, &book); err != nil {
		return &DecodeError{Kind: "orderbook", Err: err}
	}
	// a rejected diff is counted by the target, which also schedules a reseed
	h.target.Submit(book.ToDiff(h.pair, received))
	return nil
}
