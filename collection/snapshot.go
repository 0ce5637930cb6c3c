package collection

import (
	"context"
	"encoding/json"

	"github.com/hupe1980/vecshard/snapshot"
)

// Source returns the collection as an input of a full snapshot. The config
// stored with it is the JSON descriptor.
func (c *Collection) Source() (snapshot.CollectionSource, error) {
	if c.closed.Load() {
		return snapshot.CollectionSource{}, ErrClosed
	}
	desc, err := json.Marshal(c.Descriptor())
	if err != nil {
		return snapshot.CollectionSource{}, err
	}
	sources := make([]snapshot.Source, len(c.shards))
	for i, s := range c.shards {
		sources[i] = s
	}
	return snapshot.CollectionSource{Name: c.name, Config: desc, Sources: sources}, nil
}

// Snapshot captures every shard into a new collection snapshot.
func (c *Collection) Snapshot(ctx context.Context, mgr *snapshot.Manager) (snapshot.Description, error) {
	src, err := c.Source()
	if err != nil {
		return snapshot.Description{}, err
	}
	return mgr.Create(ctx, src.Name, src.Config, src.Sources)
}

// DescriptorOf decodes the descriptor stored in a snapshot manifest.
func DescriptorOf(m snapshot.Manifest) (Descriptor, error) {
	var desc Descriptor
	if len(m.Config) > 0 {
		if err := json.Unmarshal(m.Config, &desc); err != nil {
			return Descriptor{}, err
		}
	}
	desc.Name = m.Collection
	return desc, nil
}
