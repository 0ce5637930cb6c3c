package collection

import (
	"fmt"
	"maps"
	"strconv"

	"github.com/hupe1980/vecshard/model"
)

// Config is the mutable configuration of a collection. The name is not part
// of it; it is fixed at creation.
type Config struct {
	ShardNumber            int            `json:"shard_number" yaml:"shard_number"`
	ReplicationFactor      int            `json:"replication_factor" yaml:"replication_factor"`
	WriteConsistencyFactor int            `json:"write_consistency_factor" yaml:"write_consistency_factor"`
	IndexParams            map[string]any `json:"index_params,omitempty" yaml:"index_params,omitempty"`
	OptimizerParams        map[string]any `json:"optimizer_params,omitempty" yaml:"optimizer_params,omitempty"`
}

// WithDefaults fills zero counts with 1.
func (c Config) WithDefaults() Config {
	if c.ShardNumber == 0 {
		c.ShardNumber = 1
	}
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 1
	}
	if c.WriteConsistencyFactor == 0 {
		c.WriteConsistencyFactor = 1
	}
	return c
}

// Validate checks the config against the number of peers able to host it.
func (c Config) Validate(peers int) error {
	switch {
	case c.ShardNumber < 1:
		return fmt.Errorf("%w: shard_number must be positive, got %d", ErrInvalidConfig, c.ShardNumber)
	case c.ReplicationFactor < 1:
		return fmt.Errorf("%w: replication_factor must be positive, got %d", ErrInvalidConfig, c.ReplicationFactor)
	case c.WriteConsistencyFactor < 1:
		return fmt.Errorf("%w: write_consistency_factor must be positive, got %d", ErrInvalidConfig, c.WriteConsistencyFactor)
	case c.WriteConsistencyFactor > c.ReplicationFactor:
		return fmt.Errorf("%w: write_consistency_factor %d exceeds replication_factor %d",
			ErrInvalidConfig, c.WriteConsistencyFactor, c.ReplicationFactor)
	case c.ReplicationFactor > peers:
		return fmt.Errorf("%w: replication_factor %d exceeds %d available peers",
			ErrInvalidConfig, c.ReplicationFactor, peers)
	}
	return nil
}

// Patch is a partial config update. Nil fields are left unchanged; param
// maps are merged key by key.
type Patch struct {
	ReplicationFactor      *int           `json:"replication_factor,omitempty" yaml:"replication_factor,omitempty"`
	WriteConsistencyFactor *int           `json:"write_consistency_factor,omitempty" yaml:"write_consistency_factor,omitempty"`
	IndexParams            map[string]any `json:"index_params,omitempty" yaml:"index_params,omitempty"`
	OptimizerParams        map[string]any `json:"optimizer_params,omitempty" yaml:"optimizer_params,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.ReplicationFactor == nil && p.WriteConsistencyFactor == nil &&
		len(p.IndexParams) == 0 && len(p.OptimizerParams) == 0
}

// Merge returns c with p applied.
func (c Config) Merge(p Patch) Config {
	out := c
	if p.ReplicationFactor != nil {
		out.ReplicationFactor = *p.ReplicationFactor
	}
	if p.WriteConsistencyFactor != nil {
		out.WriteConsistencyFactor = *p.WriteConsistencyFactor
	}
	out.IndexParams = mergeParams(c.IndexParams, p.IndexParams)
	out.OptimizerParams = mergeParams(c.OptimizerParams, p.OptimizerParams)
	return out
}

func mergeParams(base, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return maps.Clone(base)
	}
	out := make(map[string]any, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}

// Descriptor is everything needed to reopen a collection: its name, config,
// replica layout and field index schema.
type Descriptor struct {
	Name string `json:"name"`
	// Generation tells apart instances that share a name. A restore builds
	// the next generation while the current one keeps serving.
	Generation uint64             `json:"generation,omitempty"`
	Config     Config             `json:"config"`
	Layout     Layout             `json:"layout"`
	Schema     []model.FieldIndex `json:"schema,omitempty"`
}

// ReplicaKey is the name replicas of this instance are stored under. The
// first generation uses the collection name.
func (d Descriptor) ReplicaKey() string {
	if d.Generation == 0 {
		return d.Name
	}
	return d.Name + "/g" + strconv.FormatUint(d.Generation, 10)
}
