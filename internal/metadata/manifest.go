// Package metadata keeps a manifest of the parquet objects written by the
// archive so readers can list a table without scanning the bucket.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultMaxSnapshots = 500

// DataFile describes one archived parquet object.
type DataFile struct {
	Path        string            `json:"path"`
	FileSize    int64             `json:"file_size_in_bytes"`
	RecordCount int64             `json:"record_count"`
	Partition   map[string]string `json:"partition"`
	Timestamp   time.Time         `json:"-"`
}

type ManifestEntry struct {
	Status   int      `json:"status"`
	DataFile DataFile `json:"data_file"`
}

type Snapshot struct {
	SnapshotID  int64  `json:"snapshot-id"`
	TimestampMs int64  `json:"timestamp-ms"`
	Manifest    string `json:"manifest-list"`
}

// TableMetadata follows the layout of an Iceberg metadata.json, reduced to
// what the archive needs.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// ObjectStore persists small JSON objects next to the data files.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}

// Generator appends one manifest per data file and rewrites the table
// metadata after each one. It is safe for concurrent use.
type Generator struct {
	store        ObjectStore
	root         string
	location     string
	tableUUID    string
	maxSnapshots int

	mu        sync.Mutex
	snapshots []Snapshot
}

// NewGenerator returns a generator writing under root. location is the URI
// recorded in the metadata, e.g. s3://bucket/prefix/diff.
func NewGenerator(store ObjectStore, root, location string) *Generator {
	return &Generator{
		store:        store,
		root:         root,
		location:     location,
		tableUUID:    uuid.NewString(),
		maxSnapshots: defaultMaxSnapshots,
	}
}

// AddFile records df as a new snapshot of the table.
func (g *Generator) AddFile(ctx context.Context, df DataFile) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	snapID := df.Timestamp.UnixNano()
	if n := len(g.snapshots); n > 0 && snapID <= g.snapshots[n-1].SnapshotID {
		snapID = g.snapshots[n-1].SnapshotID + 1
	}
	manifestFile := fmt.Sprintf("manifest-%d.json", snapID)

	body, err := json.Marshal([]ManifestEntry{{Status: 1, DataFile: df}})
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := g.store.Put(ctx, g.key(manifestFile), body, "application/json"); err != nil {
		return fmt.Errorf("put manifest: %w", err)
	}

	g.snapshots = append(g.snapshots, Snapshot{
		SnapshotID:  snapID,
		TimestampMs: df.Timestamp.UnixMilli(),
		Manifest:    manifestFile,
	})
	if len(g.snapshots) > g.maxSnapshots {
		g.snapshots = append([]Snapshot(nil), g.snapshots[len(g.snapshots)-g.maxSnapshots:]...)
	}
	return g.writeTableMetadata(ctx)
}

func (g *Generator) writeTableMetadata(ctx context.Context) error {
	tm := g.metadataLocked()
	body, err := json.MarshalIndent(tm, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal table metadata: %w", err)
	}
	if err := g.store.Put(ctx, g.key("metadata.json"), body, "application/json"); err != nil {
		return fmt.Errorf("put table metadata: %w", err)
	}
	return nil
}

// Metadata returns the current table metadata.
func (g *Generator) Metadata() TableMetadata {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metadataLocked()
}

func (g *Generator) metadataLocked() TableMetadata {
	tm := TableMetadata{
		FormatVersion: 2,
		TableUUID:     g.tableUUID,
		Location:      g.location,
		Snapshots:     append([]Snapshot(nil), g.snapshots...),
	}
	if n := len(g.snapshots); n > 0 {
		tm.CurrentSnapshotID = g.snapshots[n-1].SnapshotID
	}
	return tm
}

func (g *Generator) key(file string) string {
	return path.Join(g.root, "metadata", file)
}
