package vecshard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hupe1980/vecshard/blobstore"
	"github.com/hupe1980/vecshard/blobstore/minio"
	"github.com/hupe1980/vecshard/blobstore/s3"
	"github.com/hupe1980/vecshard/collection"
	"github.com/hupe1980/vecshard/model"
	"github.com/hupe1980/vecshard/replica"
	"github.com/hupe1980/vecshard/shard/memory"
	"github.com/hupe1980/vecshard/shard/pebble"
	"github.com/hupe1980/vecshard/snapshot"
	"github.com/hupe1980/vecshard/wal"
	"gopkg.in/yaml.v3"
)

// Config is the file form of the storage options.
type Config struct {
	DataDir string `yaml:"data_dir"`
	// Backend is "memory" or "pebble".
	Backend       string            `yaml:"backend"`
	CommitTimeout time.Duration     `yaml:"commit_timeout"`
	WAL           WALConfig         `yaml:"wal"`
	Replication   ReplicationConfig `yaml:"replication"`
	Snapshots     SnapshotConfig    `yaml:"snapshots"`
	Cluster       ClusterConfig     `yaml:"cluster"`
	Logging       LoggingConfig     `yaml:"logging"`
}

// WALConfig holds shard WAL configuration.
type WALConfig struct {
	// Durability is "sync" or "async".
	Durability  string `yaml:"durability"`
	SegmentSize int64  `yaml:"segment_size"`
	// CompressionLevel enables zstd record compression when > 0.
	CompressionLevel int `yaml:"compression_level"`
}

// ReplicationConfig holds replica set configuration.
type ReplicationConfig struct {
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	RecoveryInitial     time.Duration `yaml:"recovery_initial_interval"`
	RecoveryMaxInterval time.Duration `yaml:"recovery_max_interval"`
	RecoveryMaxElapsed  time.Duration `yaml:"recovery_max_elapsed"`
	BackgroundJobs      int64         `yaml:"background_jobs"`
}

// SnapshotConfig holds snapshot storage configuration.
type SnapshotConfig struct {
	// Store is "local", "minio" or "s3".
	Store string `yaml:"store"`
	// Dir is the local store root. Defaults to <data_dir>/snapshots.
	Dir string `yaml:"dir"`
	// Compression is "zstd", "lz4" or "none".
	Compression        string `yaml:"compression"`
	IOLimitBytesPerSec int64  `yaml:"io_limit_bytes_per_sec"`

	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`
	Secure   bool   `yaml:"secure"`
	// AccessKey and SecretKey are read from the environment when prefixed
	// with "env:".
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// CommitTable enables DynamoDB committed CURRENT pointers on s3.
	CommitTable string `yaml:"commit_table"`
}

// ClusterConfig is the explicit peer set.
type ClusterConfig struct {
	Self         model.Peer   `yaml:"self"`
	Peers        []model.Peer `yaml:"peers"`
	VirtualNodes int          `yaml:"virtual_nodes"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadConfig loads configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML document, applies defaults and validates it.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Backend == "" {
		c.Backend = "pebble"
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = DefaultCommitTimeout
	}
	if c.WAL.Durability == "" {
		c.WAL.Durability = "sync"
	}
	if c.Snapshots.Store == "" {
		c.Snapshots.Store = "local"
	}
	if c.Cluster.Self.ID == "" {
		c.Cluster.Self.ID = "local"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	switch c.Backend {
	case "memory", "pebble":
	default:
		return fmt.Errorf("backend must be memory or pebble, got %q", c.Backend)
	}
	if _, err := wal.ParseDurability(c.WAL.Durability); err != nil {
		return err
	}
	if _, err := snapshot.ParseCompression(c.Snapshots.Compression); err != nil {
		return err
	}
	switch c.Snapshots.Store {
	case "local":
	case "minio", "s3":
		if c.Snapshots.Bucket == "" {
			return fmt.Errorf("snapshots.bucket is required for store %s", c.Snapshots.Store)
		}
		if c.Snapshots.Store == "minio" && c.Snapshots.Endpoint == "" {
			return fmt.Errorf("snapshots.endpoint is required for store minio")
		}
	default:
		return fmt.Errorf("snapshots.store must be local, minio or s3, got %q", c.Snapshots.Store)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return c.topology().Validate()
}

func (c *Config) topology() collection.Topology {
	return collection.Topology{Self: c.Cluster.Self, Peers: c.Cluster.Peers}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return l, nil
}

func secret(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}

// Options converts the configuration into Open options. Remote snapshot
// stores are connected here.
func (c *Config) Options(ctx context.Context) ([]Option, error) {
	durability, err := wal.ParseDurability(c.WAL.Durability)
	if err != nil {
		return nil, err
	}
	walOpts := []wal.Option{wal.WithDurability(durability)}
	if c.WAL.SegmentSize > 0 {
		walOpts = append(walOpts, wal.WithSegmentSize(c.WAL.SegmentSize))
	}
	if c.WAL.CompressionLevel > 0 {
		walOpts = append(walOpts, wal.WithCompression(c.WAL.CompressionLevel))
	}

	var replicaOpts []replica.Option
	if c.Replication.AckTimeout > 0 {
		replicaOpts = append(replicaOpts, replica.WithAckTimeout(c.Replication.AckTimeout))
	}
	policy := replica.DefaultRecoveryPolicy
	if c.Replication.RecoveryInitial > 0 {
		policy.InitialInterval = c.Replication.RecoveryInitial
	}
	if c.Replication.RecoveryMaxInterval > 0 {
		policy.MaxInterval = c.Replication.RecoveryMaxInterval
	}
	if c.Replication.RecoveryMaxElapsed > 0 {
		policy.MaxElapsedTime = c.Replication.RecoveryMaxElapsed
	}
	replicaOpts = append(replicaOpts, replica.WithRecoveryPolicy(policy))

	compression, err := snapshot.ParseCompression(c.Snapshots.Compression)
	if err != nil {
		return nil, err
	}
	store, err := c.blobStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger := NewTextLogger(level)
	if strings.EqualFold(c.Logging.Format, "json") {
		logger = NewJSONLogger(level)
	}

	opts := []Option{
		WithTopology(c.topology()),
		WithCommitTimeout(c.CommitTimeout),
		WithWALOptions(walOpts...),
		WithReplicaOptions(replicaOpts...),
		WithSnapshotOptions(snapshot.WithCompression(compression)),
		WithIOLimit(c.Snapshots.IOLimitBytesPerSec),
		WithVirtualNodes(c.Cluster.VirtualNodes),
		WithLogger(logger),
	}
	if c.Replication.BackgroundJobs > 0 {
		opts = append(opts, WithBackgroundJobs(c.Replication.BackgroundJobs))
	}
	switch c.Backend {
	case "memory":
		opts = append(opts, WithBackend(memory.Factory))
	case "pebble":
		opts = append(opts, WithBackend(pebble.Factory))
	}
	if store != nil {
		opts = append(opts, WithBlobStore(store))
	}
	return opts, nil
}

func (c *Config) blobStore(ctx context.Context) (blobstore.BlobStore, error) {
	sc := c.Snapshots
	switch sc.Store {
	case "minio":
		st, err := minio.Dial(minio.Options{
			Endpoint:  sc.Endpoint,
			AccessKey: secret(sc.AccessKey),
			SecretKey: secret(sc.SecretKey),
			Secure:    sc.Secure,
			Region:    sc.Region,
		}, sc.Bucket, sc.Prefix)
		if err != nil {
			return nil, err
		}
		if err := st.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return st, nil
	case "s3":
		if sc.CommitTable != "" {
			return s3.NewCommittedFromConfig(ctx, sc.Bucket, sc.Prefix, sc.CommitTable)
		}
		return s3.NewFromConfig(ctx, sc.Bucket, sc.Prefix)
	default:
		if sc.Dir != "" {
			return blobstore.NewLocalStore(sc.Dir), nil
		}
		return nil, nil
	}
}

// OpenConfig opens the storage described by cfg. Extra options are applied
// after the configured ones.
func OpenConfig(ctx context.Context, cfg *Config, extra ...Option) (*Storage, error) {
	opts, err := cfg.Options(ctx)
	if err != nil {
		return nil, err
	}
	return Open(ctx, cfg.DataDir, append(opts, extra...)...)
}
