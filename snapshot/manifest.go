package snapshot

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/hupe1980/vecshard/model"
)

// FormatVersion is the archive layout version written by this package.
const FormatVersion = 1

const (
	manifestName = "manifest.json"
	metaName     = "meta.json"
	stateDir     = "state"
	tailName     = "wal.log"
	shardsDir    = "shards"
	nestedDir    = "collections"
)

// Kind distinguishes collection archives from full-storage archives.
type Kind string

const (
	KindCollection Kind = "collection"
	KindFull       Kind = "full"
)

// Manifest is the first thing validated on restore.
type Manifest struct {
	FormatVersion int               `json:"format_version"`
	Kind          Kind              `json:"kind"`
	Collection    string            `json:"collection,omitempty"`
	Config        json.RawMessage   `json:"config,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Shards        []ShardManifest   `json:"shards,omitempty"`
	Collections   []string          `json:"collections,omitempty"`
	Files         map[string]uint32 `json:"files,omitempty"`
}

// Shard returns the manifest entry for id.
func (m *Manifest) Shard(id model.ShardID) (ShardManifest, bool) {
	for _, s := range m.Shards {
		if s.ShardID == id {
			return s, true
		}
	}
	return ShardManifest{}, false
}

// ShardManifest describes one shard inside a collection archive.
type ShardManifest struct {
	ShardID model.ShardID `json:"shard_id"`
	// WALOffset is the last WAL sequence number covered by state plus tail.
	WALOffset uint64 `json:"wal_offset"`
	// BackendSeq is the sequence number the state files cover at least.
	BackendSeq  uint64            `json:"backend_seq"`
	TailEntries int               `json:"tail_entries"`
	Files       map[string]uint32 `json:"files"`
}

// Description is the sidecar stored next to each archive. List reads only
// descriptions.
type Description struct {
	Name        string      `json:"name"`
	Collection  string      `json:"collection,omitempty"`
	CreatedAt   time.Time   `json:"creation_time"`
	Size        int64       `json:"size"`
	Checksum    uint32      `json:"checksum"`
	Compression string      `json:"compression"`
	Shards      []ShardInfo `json:"shards,omitempty"`
	Collections []string    `json:"collections,omitempty"`
}

// ShardInfo is the per-shard part of a Description.
type ShardInfo struct {
	ShardID   model.ShardID `json:"shard_id"`
	WALOffset uint64        `json:"wal_offset"`
}

func sortNewestFirst(ds []Description) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.After(ds[j].CreatedAt)
		}
		return ds[i].Name > ds[j].Name
	})
}
