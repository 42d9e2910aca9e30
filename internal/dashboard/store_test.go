package dashboard

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookflow/internal/metrics"
)

func TestHistoryWrapsAround(t *testing.T) {
	h := newHistory[int](3)
	assert.Empty(t, h.list(nil))

	for i := 1; i <= 5; i++ {
		h.add(i)
	}
	assert.Equal(t, []int{3, 4, 5}, h.list(nil))
	assert.Equal(t, []int{4}, h.list(func(i int) bool { return i%2 == 0 }))
}

func TestMetricStoreFiltersByPair(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Timestamp: time.Unix(1, 0), Component: "reconciler", Name: "diffs", Pair: "BTC_USDC", Value: 1})
	store.handle(metrics.Metric{Timestamp: time.Unix(2, 0), Component: "reconciler", Name: "diffs", Pair: "ETH_BTC", Value: 2})
	store.handle(metrics.Metric{Timestamp: time.Unix(3, 0), Component: "channels", Name: "diff_queue_len", Value: 3})

	assert.Len(t, store.snapshot(recordFilter{}), 3)

	btc := store.snapshot(recordFilter{Pair: "BTC_USDC"})
	require.Len(t, btc, 1)
	assert.Equal(t, 1, btc[0].Value)

	assert.Len(t, store.snapshot(recordFilter{Component: "reconciler"}), 2)
	assert.Empty(t, store.snapshot(recordFilter{Component: "channels", Pair: "BTC_USDC"}))
}

func fire(t *testing.T, store *logStore, level logrus.Level, msg string, data logrus.Fields) {
	t.Helper()
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = level
	entry.Message = msg
	entry.Data = data
	require.NoError(t, store.Fire(entry))
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(5)
	fire(t, store, logrus.WarnLevel, "book marked stale; reseed requested", logrus.Fields{
		"component": "reconciler",
		"pair":      "BTC_USDC",
		"reason":    "stream connected",
	})
	fire(t, store, logrus.InfoLevel, "book seeded", logrus.Fields{"component": "reconciler", "pair": "ETH_BTC"})

	all := store.snapshot(recordFilter{}, logrus.TraceLevel)
	require.Len(t, all, 2)
	assert.Equal(t, "reconciler", all[0].Component)
	assert.Equal(t, "BTC_USDC", all[0].Pair)
	assert.Equal(t, "stream connected", all[0].Fields["reason"])
	assert.NotContains(t, all[0].Fields, "component")

	warns := store.snapshot(recordFilter{}, logrus.WarnLevel)
	require.Len(t, warns, 1)
	assert.Equal(t, "book marked stale; reseed requested", warns[0].Message)

	assert.Len(t, store.snapshot(recordFilter{Pair: "ETH_BTC"}, logrus.InfoLevel), 1)
}

func TestLogStoreRespectsLimitAndClose(t *testing.T) {
	store := newLogStore(2)
	for i := 0; i < 4; i++ {
		fire(t, store, logrus.InfoLevel, "msg", logrus.Fields{"index": i})
	}

	snapshot := store.snapshot(recordFilter{}, logrus.TraceLevel)
	require.Len(t, snapshot, 2)
	assert.Equal(t, 2, snapshot[0].Fields["index"])

	store.close()
	fire(t, store, logrus.InfoLevel, "ignored", nil)
	assert.Len(t, store.snapshot(recordFilter{}, logrus.TraceLevel), 2)
}
