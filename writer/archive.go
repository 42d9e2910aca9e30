package writer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "bookflow/config"
	"bookflow/internal/channel"
	"bookflow/internal/metadata"
	"bookflow/internal/metrics"
	"bookflow/logger"
	"bookflow/models"
)

const (
	kindDiff     = "diff"
	kindSnapshot = "snapshot"
	kindTrade    = "trade"
)

// archiveRecord is one parquet row: a price level of a diff or snapshot, or
// a trade. Decimals are kept as strings so no precision is lost.
type archiveRecord struct {
	Kind       string `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Pair       string `parquet:"name=pair, type=BYTE_ARRAY, convertedtype=UTF8"`
	SequenceID int64  `parquet:"name=sequence_id, type=INT64"`
	Timestamp  int64  `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Side       string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level      int32  `parquet:"name=level, type=INT32"`
	Price      string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Amount     string `parquet:"name=amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID    string `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type archiveKey struct {
	kind string
	pair models.TradingPair
}

// memoryFile is an in-memory parquet target; the writer only appends.
type memoryFile struct{ buffer *bytes.Buffer }

func newMemoryFile() *memoryFile { return &memoryFile{buffer: &bytes.Buffer{}} }

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }
func (m *memoryFile) Bytes() []byte                             { return m.buffer.Bytes() }

type objectUploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// archiveTarget stores parquet objects and the manifests describing them.
type archiveTarget interface {
	metadata.ObjectStore
	// WriteRows stores rows as one parquet object at key and returns its size.
	WriteRows(ctx context.Context, key string, rows []archiveRecord, compression string, meta map[string]string) (int64, error)
	URI(key string) string
}

type s3Target struct {
	client objectUploader
	bucket string
}

func (t s3Target) Put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	return err
}

func (t s3Target) WriteRows(ctx context.Context, key string, rows []archiveRecord, compression string, meta map[string]string) (int64, error) {
	fw := newMemoryFile()
	if err := writeParquet(fw, rows, compression); err != nil {
		return 0, err
	}
	data := fw.Bytes()
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(t.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    meta,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upload to S3 bucket %s: %w", t.bucket, err)
	}
	return int64(len(data)), nil
}

func (t s3Target) URI(key string) string { return fmt.Sprintf("s3://%s/%s", t.bucket, key) }

// localTarget writes the archive layout under a directory on disk.
type localTarget struct {
	dir string
}

func (t localTarget) Put(_ context.Context, key string, body []byte, _ string) error {
	full := filepath.Join(t.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, body, 0o644)
}

func (t localTarget) WriteRows(_ context.Context, key string, rows []archiveRecord, compression string, _ map[string]string) (int64, error) {
	full := filepath.Join(t.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create archive directory: %w", err)
	}
	fw, err := local.NewLocalFileWriter(full)
	if err != nil {
		return 0, fmt.Errorf("failed to create parquet file: %w", err)
	}
	if err := writeParquet(fw, rows, compression); err != nil {
		fw.Close()
		return 0, err
	}
	if err := fw.Close(); err != nil {
		return 0, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (t localTarget) URI(key string) string {
	return "file://" + filepath.ToSlash(filepath.Join(t.dir, filepath.FromSlash(key)))
}

// ArchiveWriter buffers rows per (kind, pair) and uploads them as parquet
// objects when a buffer reaches BatchSize or on every FlushInterval.
type ArchiveWriter struct {
	cfg       appconfig.S3Config
	version   string
	ch        *channel.Channels
	target    archiveTarget
	manifests map[string]*metadata.Generator
	now       func() time.Time
	log       *logger.Log

	mu      sync.Mutex
	buffer  map[archiveKey][]archiveRecord
	running bool
	wg      sync.WaitGroup

	objects, rows, bytesWritten, errorsCount atomic.Int64
}

// NewArchiveWriter writes to S3, or under cfg.LocalDir when it is set.
func NewArchiveWriter(ctx context.Context, cfg appconfig.S3Config, version string, ch *channel.Channels) (*ArchiveWriter, error) {
	if cfg.LocalDir != "" {
		if err := os.MkdirAll(cfg.LocalDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create archive directory: %w", err)
		}
		w := newArchiveWriter(cfg, version, ch, localTarget{dir: cfg.LocalDir})
		w.log.WithComponent("archive_writer").WithFields(logger.Fields{
			"local_dir": cfg.LocalDir,
			"prefix":    cfg.Prefix,
		}).Info("archive writer initialized")
		return w, nil
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	w := newArchiveWriter(cfg, version, ch, s3Target{client: client, bucket: cfg.Bucket})
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
		"prefix":     cfg.Prefix,
	}).Info("archive writer initialized")
	return w, nil
}

func newArchiveWriter(cfg appconfig.S3Config, version string, ch *channel.Channels, target archiveTarget) *ArchiveWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	manifests := make(map[string]*metadata.Generator, 3)
	for _, kind := range []string{kindDiff, kindSnapshot, kindTrade} {
		root := path.Join(cfg.Prefix, kind)
		manifests[kind] = metadata.NewGenerator(target, root, target.URI(root))
	}
	return &ArchiveWriter{
		cfg:       cfg,
		version:   version,
		ch:        ch,
		target:    target,
		manifests: manifests,
		now:       time.Now,
		log:       logger.GetLogger(),
		buffer:    make(map[archiveKey][]archiveRecord),
	}
}

func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("archive writer already running")
	}
	w.running = true

	w.wg.Add(2)
	go w.worker(ctx)
	go w.flushWorker(ctx)
	return nil
}

// Stop waits for the workers; the final flush runs on context cancellation.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.wg.Wait()
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		var (
			key  archiveKey
			rows []archiveRecord
		)
		select {
		case <-ctx.Done():
			return
		case d, ok := <-w.ch.Diffs:
			if !ok {
				return
			}
			key, rows = archiveKey{kindDiff, d.Pair}, diffRecords(d)
		case s, ok := <-w.ch.Snapshots:
			if !ok {
				return
			}
			key, rows = archiveKey{kindSnapshot, s.Pair}, snapshotRecords(s)
		case ev, ok := <-w.ch.Trades:
			if !ok {
				return
			}
			key, rows = archiveKey{kindTrade, ev.Pair}, []archiveRecord{tradeRecord(ev)}
		}
		if full := w.add(key, rows); full != nil {
			w.upload(context.WithoutCancel(ctx), key, full)
		}
	}
}

// add appends rows and returns the buffer when it reached BatchSize.
func (w *ArchiveWriter) add(key archiveKey, rows []archiveRecord) []archiveRecord {
	if len(rows) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buffer[key] = append(w.buffer[key], rows...)
	if len(w.buffer[key]) < w.cfg.BatchSize {
		return nil
	}
	full := w.buffer[key]
	delete(w.buffer, key)
	return full
}

func (w *ArchiveWriter) flushWorker(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx), "shutdown")
			return
		case <-ticker.C:
			w.flush(ctx, "interval")
		}
	}
}

func (w *ArchiveWriter) flush(ctx context.Context, reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[archiveKey][]archiveRecord)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"buffers": len(buffers),
		"reason":  reason,
	}).Debug("flushing buffers")

	for key, rows := range buffers {
		w.upload(ctx, key, rows)
	}
}

func (w *ArchiveWriter) upload(ctx context.Context, key archiveKey, rows []archiveRecord) {
	at := w.now().UTC()
	objectKey := w.objectKey(key, at, uuid.NewString())
	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"kind":   key.kind,
		"pair":   key.pair,
		"rows":   len(rows),
		"key":    objectKey,
	})

	size, err := w.target.WriteRows(ctx, objectKey, rows, w.cfg.Compression, map[string]string{
		"content-type":     "parquet",
		"compression":      w.cfg.Compression,
		"bookflow-version": w.version,
	})
	if err != nil {
		w.errorsCount.Add(1)
		log.WithError(err).Error("failed to write archive object")
		return
	}

	w.objects.Add(1)
	w.rows.Add(int64(len(rows)))
	w.bytesWritten.Add(size)
	logger.LogDataFlowEntry(log, key.kind+"_channel", "archive", len(rows), "rows")

	df := metadata.DataFile{
		Path:        w.target.URI(objectKey),
		FileSize:    size,
		RecordCount: int64(len(rows)),
		Partition: map[string]string{
			"pair": key.pair.String(),
			"date": at.Format("2006-01-02"),
		},
		Timestamp: at,
	}
	if err := w.manifests[key.kind].AddFile(ctx, df); err != nil {
		log.WithError(err).Warn("failed to update manifest")
	}
}

// objectKey is {prefix}/{kind}/pair={PAIR}/date=YYYY-MM-DD/{id}.parquet.
func (w *ArchiveWriter) objectKey(key archiveKey, at time.Time, id string) string {
	return path.Join(
		w.cfg.Prefix,
		key.kind,
		"pair="+key.pair.String(),
		"date="+at.UTC().Format("2006-01-02"),
		id+".parquet",
	)
}

func writeParquet(pf source.ParquetFile, rows []archiveRecord, compression string) error {
	pw, err := pqwriter.NewParquetWriter(pf, new(archiveRecord), 4)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}

// Stats is read by the runtime report.
func (w *ArchiveWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		MessagesWritten: w.rows.Load(),
		BatchesWritten:  w.objects.Load(),
		BytesWritten:    w.bytesWritten.Load(),
		ErrorsCount:     w.errorsCount.Load(),
		QueueLen:        len(w.ch.Diffs) + len(w.ch.Snapshots) + len(w.ch.Trades),
		QueueCap:        cap(w.ch.Diffs) + cap(w.ch.Snapshots) + cap(w.ch.Trades),
	}
}

func levelRecords(kind string, pair models.TradingPair, seq int64, at time.Time, side models.Side, levels []models.PriceLevel, ranked bool) []archiveRecord {
	out := make([]archiveRecord, 0, len(levels))
	for i, l := range levels {
		r := archiveRecord{
			Kind:       kind,
			Pair:       pair.String(),
			SequenceID: seq,
			Timestamp:  at.UnixMilli(),
			Side:       string(side),
			Price:      l.Price.String(),
			Amount:     l.Amount.String(),
		}
		if ranked {
			r.Level = int32(i + 1)
		}
		out = append(out, r)
	}
	return out
}

func diffRecords(d models.Diff) []archiveRecord {
	rows := levelRecords(kindDiff, d.Pair, d.SequenceID, d.Timestamp, models.SideBid, d.Bids, false)
	return append(rows, levelRecords(kindDiff, d.Pair, d.SequenceID, d.Timestamp, models.SideAsk, d.Asks, false)...)
}

func snapshotRecords(s models.Snapshot) []archiveRecord {
	rows := levelRecords(kindSnapshot, s.Pair, s.SequenceID, s.Timestamp, models.SideBid, s.Bids, true)
	return append(rows, levelRecords(kindSnapshot, s.Pair, s.SequenceID, s.Timestamp, models.SideAsk, s.Asks, true)...)
}

func tradeRecord(ev models.TradeEvent) archiveRecord {
	return archiveRecord{
		Kind:      kindTrade,
		Pair:      ev.Pair.String(),
		Timestamp: ev.Timestamp.UnixMilli(),
		Side:      string(ev.Side),
		Price:     ev.Price.String(),
		Amount:    ev.Amount.String(),
		TradeID:   ev.TradeID,
	}
}
