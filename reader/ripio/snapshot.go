package ripio

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

// FetchSnapshot returns the current book of pair, at most depth levels per
// side, captured at the client's clock. It does not retry.
func (c *Client) FetchSnapshot(ctx context.Context, pair models.TradingPair, depth int) (models.Snapshot, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return models.Snapshot{}, ctx.Err()
			}
			return models.Snapshot{}, &TransportError{Op: "snapshot", Pair: pair, Err: err}
		}
	}

	query := url.Values{}
	if depth > 0 {
		query.Set("limit", strconv.Itoa(depth))
	}

	start := time.Now()
	var book models.RipioBook
	size, err := c.getJSON(ctx, "snapshot", pair, "/orderbook/"+pair.String()+"/", query, &book)
	if err != nil {
		return models.Snapshot{}, err
	}
	metrics.RecordChannelMessage("snapshot_rest", size)

	snap := book.ToSnapshot(pair, c.now())
	snap.Truncate(depth)

	logger.LogPerformanceEntry(c.log.WithComponent("ripio_client"), "ripio_client", "fetch_snapshot", time.Since(start), logger.Fields{
		"pair":        pair,
		"sequence_id": snap.SequenceID,
		"bids":        len(snap.Bids),
		"asks":        len(snap.Asks),
	})
	return snap, nil
}
