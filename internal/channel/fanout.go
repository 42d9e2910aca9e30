package channel

import "bookflow/models"

// Fanout publishes every event to each sink. It reports true only when every
// sink accepted the event.
type Fanout []Sink

func (f Fanout) PublishDiff(d models.Diff) bool {
	ok := true
	for _, s := range f {
		ok = s.PublishDiff(d) && ok
	}
	return ok
}

func (f Fanout) PublishSnapshot(snap models.Snapshot) bool {
	ok := true
	for _, s := range f {
		ok = s.PublishSnapshot(snap) && ok
	}
	return ok
}

func (f Fanout) PublishTrade(t models.TradeEvent) bool {
	ok := true
	for _, s := range f {
		ok = s.PublishTrade(t) && ok
	}
	return ok
}

// Discard accepts and drops every event.
type Discard struct{}

func (Discard) PublishDiff(models.Diff) bool         { return true }
func (Discard) PublishSnapshot(models.Snapshot) bool { return true }
func (Discard) PublishTrade(models.TradeEvent) bool  { return true }
