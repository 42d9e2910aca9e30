// Package orderbook holds the price levels of one pair, keyed by decimal
// price in two B-trees.
package orderbook

import (
	"github.com/google/btree"

	"bookflow/models"
)

const degree = 32

// Book is not safe for concurrent use; the owning reconciler serializes access.
type Book struct {
	bids *btree.BTreeG[models.PriceLevel]
	asks *btree.BTreeG[models.PriceLevel]
}

func bidLess(a, b models.PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
func askLess(a, b models.PriceLevel) bool { return a.Price.LessThan(b.Price) }

func New() *Book {
	return &Book{
		bids: btree.NewG[models.PriceLevel](degree, bidLess),
		asks: btree.NewG[models.PriceLevel](degree, askLess),
	}
}

// Replace discards every level and loads the given sides.
func (b *Book) Replace(bids, asks []models.PriceLevel) {
	b.bids.Clear(true)
	b.asks.Clear(true)
	b.Apply(models.SideBid, bids)
	b.Apply(models.SideAsk, asks)
}

// Apply sets each level in order. A non-positive amount removes the price;
// removing an absent price is a no-op.
func (b *Book) Apply(side models.Side, levels []models.PriceLevel) {
	tree := b.side(side)
	for _, lvl := range levels {
		if !lvl.Amount.IsPositive() {
			tree.Delete(lvl)
			continue
		}
		tree.ReplaceOrInsert(lvl)
	}
}

// Level returns the level resting at price on side.
func (b *Book) Level(side models.Side, lvl models.PriceLevel) (models.PriceLevel, bool) {
	return b.side(side).Get(lvl)
}

// Bids returns up to depth levels, best first. depth <= 0 returns all.
func (b *Book) Bids(depth int) []models.PriceLevel { return collect(b.bids, depth) }

// Asks returns up to depth levels, best first. depth <= 0 returns all.
func (b *Book) Asks(depth int) []models.PriceLevel { return collect(b.asks, depth) }

func (b *Book) Len() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

func (b *Book) Clear() {
	b.bids.Clear(true)
	b.asks.Clear(true)
}

func (b *Book) side(side models.Side) *btree.BTreeG[models.PriceLevel] {
	if side == models.SideAsk {
		return b.asks
	}
	return b.bids
}

func collect(tree *btree.BTreeG[models.PriceLevel], depth int) []models.PriceLevel {
	n := tree.Len()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]models.PriceLevel, 0, n)
	tree.Ascend(func(lvl models.PriceLevel) bool {
		if len(out) == n {
			return false
		}
		out = append(out, lvl)
		return true
	})
	return out
}
