package writer

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/models"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) keys(suffix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.objects {
		if strings.HasSuffix(k, suffix) {
			out = append(out, k)
		}
	}
	return out
}

func newTestArchive(batch int, up objectUploader) (*ArchiveWriter, *channel.Channels) {
	return newTestArchiveTarget(batch, s3Target{client: up, bucket: "bookflow-archive"})
}

func newTestArchiveTarget(batch int, target archiveTarget) (*ArchiveWriter, *channel.Channels) {
	ch := channel.NewChannels("archive", 8, 8, 8)
	w := newArchiveWriter(appconfig.S3Config{
		Bucket:        "bookflow-archive",
		Prefix:        "ripio",
		BatchSize:     batch,
		FlushInterval: time.Hour,
		Compression:   "snappy",
	}, "1.0.0", ch, target)
	w.now = func() time.Time { return time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC) }
	return w, ch
}

func TestArchiveObjectKey(t *testing.T) {
	w, _ := newTestArchive(10, &fakeUploader{})
	key := w.objectKey(archiveKey{kindDiff, "BTC_USDC"}, time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC), "abc")
	assert.Equal(t, "ripio/diff/pair=BTC_USDC/date=2024-05-01/abc.parquet", key)
}

func TestArchiveRecordFlattening(t *testing.T) {
	at := time.UnixMilli(1714557000000)
	snap := models.Snapshot{
		Pair:       "BTC_USDC",
		SequenceID: 10,
		Timestamp:  at,
		Bids:       []models.PriceLevel{testLevel("100", "1"), testLevel("99", "2")},
		Asks:       []models.PriceLevel{testLevel("101", "0.5")},
	}
	rows := snapshotRecords(snap)
	require.Len(t, rows, 3)
	assert.Equal(t, archiveRecord{
		Kind: kindSnapshot, Pair: "BTC_USDC", SequenceID: 10, Timestamp: 1714557000000,
		Side: "bid", Level: 2, Price: "99", Amount: "2",
	}, rows[1])
	assert.Equal(t, int32(1), rows[2].Level)
	assert.Equal(t, "ask", rows[2].Side)

	d := models.Diff{Pair: "BTC_USDC", SequenceID: 11, Timestamp: at, Asks: []models.PriceLevel{testLevel("101", "0")}}
	drows := diffRecords(d)
	require.Len(t, drows, 1)
	assert.Equal(t, int32(0), drows[0].Level)
	assert.Equal(t, "0", drows[0].Amount)

	tr := tradeRecord(models.TradeEvent{Pair: "ETH_BTC", TradeID: "9", Side: models.TradeBuy, Price: testLevel("0.05", "1").Price, Amount: testLevel("1", "3").Amount, Timestamp: at})
	assert.Equal(t, "9", tr.TradeID)
	assert.Equal(t, "buy", tr.Side)
	assert.Equal(t, "0.05", tr.Price)
}

func TestArchiveAddReturnsFullBatch(t *testing.T) {
	w, _ := newTestArchive(3, &fakeUploader{})
	key := archiveKey{kindTrade, "BTC_USDC"}
	row := []archiveRecord{{Kind: kindTrade}}

	assert.Nil(t, w.add(key, row))
	assert.Nil(t, w.add(key, row))
	full := w.add(key, row)
	assert.Len(t, full, 3)
	assert.Empty(t, w.buffer[key])
}

func TestArchiveUploadWritesParquetAndManifest(t *testing.T) {
	up := &fakeUploader{}
	w, _ := newTestArchive(10, up)

	rows := diffRecords(models.Diff{
		Pair:       "BTC_USDC",
		SequenceID: 11,
		Timestamp:  time.UnixMilli(1714557000000),
		Bids:       []models.PriceLevel{testLevel("100", "0")},
		Asks:       []models.PriceLevel{testLevel("101", "1.5")},
	})
	w.upload(context.Background(), archiveKey{kindDiff, "BTC_USDC"}, rows)

	data := up.keys(".parquet")
	require.Len(t, data, 1)
	assert.True(t, strings.HasPrefix(data[0], "ripio/diff/pair=BTC_USDC/date=2024-05-01/"))
	body := up.objects[data[0]]
	assert.Equal(t, "PAR1", string(body[:4]))

	assert.Len(t, up.keys("ripio/diff/metadata/metadata.json"), 1)
	stats := w.Stats()
	assert.Equal(t, int64(2), stats.MessagesWritten)
	assert.Equal(t, int64(1), stats.BatchesWritten)
}

func TestArchiveLocalTargetWritesFiles(t *testing.T) {
	dir := t.TempDir()
	w, _ := newTestArchiveTarget(10, localTarget{dir: dir})

	rows := snapshotRecords(models.Snapshot{
		Pair:       "ETH_BTC",
		SequenceID: 3,
		Timestamp:  time.UnixMilli(1714557000000),
		Bids:       []models.PriceLevel{testLevel("0.05", "1")},
	})
	w.upload(context.Background(), archiveKey{kindSnapshot, "ETH_BTC"}, rows)

	files, err := filepath.Glob(filepath.Join(dir, "ripio", "snapshot", "pair=ETH_BTC", "date=2024-05-01", "*.parquet"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	body, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Equal(t, "PAR1", string(body[:4]))

	manifest, err := os.ReadFile(filepath.Join(dir, "ripio", "snapshot", "metadata", "metadata.json"))
	require.NoError(t, err)
	assert.Contains(t, string(manifest), "file://")

	stats := w.Stats()
	assert.Equal(t, int64(1), stats.BatchesWritten)
	assert.Equal(t, int64(len(body)), stats.BytesWritten)
}

func TestArchiveUploadFailureCounted(t *testing.T) {
	w, _ := newTestArchive(10, &fakeUploader{err: errors.New("denied")})
	w.upload(context.Background(), archiveKey{kindTrade, "BTC_USDC"}, []archiveRecord{{Kind: kindTrade}})
	assert.Equal(t, int64(1), w.Stats().ErrorsCount)
}

func TestArchiveFlushesOnShutdown(t *testing.T) {
	up := &fakeUploader{}
	w, ch := newTestArchive(100, up)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx))
	ch.PublishTrade(models.TradeEvent{Pair: "BTC_USDC", TradeID: "1", Timestamp: time.Now()})
	require.Eventually(t, func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return len(w.buffer) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	w.Stop()
	assert.Len(t, up.keys(".parquet"), 1)
}
