package channel

import (
	"context"
	"testing"
	"time"

	"bookflow/models"
)

func TestChannelsDropWhenFull(t *testing.T) {
	c := NewChannels("test", 1, 1, 1)
	defer c.Close()

	if !c.PublishDiff(models.Diff{Pair: "BTC_USDC", SequenceID: 1}) {
		t.Fatal("first diff should be queued")
	}
	if c.PublishDiff(models.Diff{Pair: "BTC_USDC", SequenceID: 2}) {
		t.Fatal("second diff should be dropped")
	}
	if !c.PublishTrade(models.TradeEvent{Pair: "BTC_USDC"}) {
		t.Fatal("trade queue is independent of the diff queue")
	}

	stats := c.GetStats()
	if stats.DiffSent != 1 || stats.DiffDropped != 1 || stats.TradeSent != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := <-c.Diffs; got.SequenceID != 1 {
		t.Fatalf("unexpected queued diff: %d", got.SequenceID)
	}
}

func TestChannelsPublishAfterClose(t *testing.T) {
	c := NewChannels("closed", 1, 1, 1)
	c.Close()
	c.Close()

	if c.PublishSnapshot(models.Snapshot{Pair: "BTC_USDC"}) {
		t.Fatal("publish after close must report a drop")
	}
}

func TestChannelsMetricsReporting(t *testing.T) {
	c := NewChannels("report", 1, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(15 * time.Millisecond)
	cancel()
	c.Close()
}

type countingSink struct {
	diffs, snaps, trades int
	accept               bool
}

func (s *countingSink) PublishDiff(models.Diff) bool         { s.diffs++; return s.accept }
func (s *countingSink) PublishSnapshot(models.Snapshot) bool { s.snaps++; return s.accept }
func (s *countingSink) PublishTrade(models.TradeEvent) bool  { s.trades++; return s.accept }

func TestFanout(t *testing.T) {
	a := &countingSink{accept: true}
	b := &countingSink{accept: false}
	f := Fanout{a, b, Discard{}}

	if f.PublishDiff(models.Diff{}) {
		t.Fatal("fanout must report a drop by any sink")
	}
	f.PublishSnapshot(models.Snapshot{})
	f.PublishTrade(models.TradeEvent{})

	for _, s := range []*countingSink{a, b} {
		if s.diffs != 1 || s.snaps != 1 || s.trades != 1 {
			t.Fatalf("every sink must see every event: %+v", s)
		}
	}
	if !(Fanout{a, Discard{}}).PublishTrade(models.TradeEvent{}) {
		t.Fatal("fanout of accepting sinks must succeed")
	}
}
