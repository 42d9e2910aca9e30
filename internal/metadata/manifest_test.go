package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memStore) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = body
	return nil
}

func TestGeneratorWritesManifestAndMetadata(t *testing.T) {
	store := &memStore{}
	gen := NewGenerator(store, "ripio/diff", "s3://bucket/ripio/diff")
	df := DataFile{
		Path:        "s3://bucket/ripio/diff/pair=BTC_USDC/date=2024-05-01/a.parquet",
		FileSize:    100,
		RecordCount: 10,
		Partition:   map[string]string{"pair": "BTC_USDC", "date": "2024-05-01"},
		Timestamp:   time.Unix(1714521600, 0),
	}
	if err := gen.AddFile(context.Background(), df); err != nil {
		t.Fatalf("AddFile: %v", err)
	}
	// same timestamp must still produce a distinct snapshot
	if err := gen.AddFile(context.Background(), df); err != nil {
		t.Fatalf("AddFile: %v", err)
	}

	raw, ok := store.objects["ripio/diff/metadata/metadata.json"]
	if !ok {
		t.Fatalf("metadata not written: %v", store.objects)
	}
	var tm TableMetadata
	if err := json.Unmarshal(raw, &tm); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if len(tm.Snapshots) != 2 || tm.Snapshots[0].SnapshotID == tm.Snapshots[1].SnapshotID {
		t.Fatalf("unexpected snapshots: %+v", tm.Snapshots)
	}
	if tm.CurrentSnapshotID != tm.Snapshots[1].SnapshotID {
		t.Fatalf("current snapshot %d is not the latest", tm.CurrentSnapshotID)
	}
	if _, ok := store.objects["ripio/diff/metadata/"+tm.Snapshots[0].Manifest]; !ok {
		t.Fatalf("manifest %s not written", tm.Snapshots[0].Manifest)
	}
}

func TestGeneratorBoundsSnapshots(t *testing.T) {
	gen := NewGenerator(&memStore{}, "t", "s3://b/t")
	gen.maxSnapshots = 3
	for i := 0; i < 5; i++ {
		if err := gen.AddFile(context.Background(), DataFile{Timestamp: time.Unix(int64(i), 0)}); err != nil {
			t.Fatalf("AddFile: %v", err)
		}
	}
	tm := gen.Metadata()
	if len(tm.Snapshots) != 3 || tm.Snapshots[0].TimestampMs != 2000 {
		t.Fatalf("unexpected snapshots: %+v", tm.Snapshots)
	}
}

func TestGeneratorStoreError(t *testing.T) {
	boom := errors.New("denied")
	gen := NewGenerator(&memStore{err: boom}, "t", "s3://b/t")
	if err := gen.AddFile(context.Background(), DataFile{Timestamp: time.Now()}); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(gen.Metadata().Snapshots) != 0 {
		t.Fatal("failed manifest must not be recorded")
	}
}
