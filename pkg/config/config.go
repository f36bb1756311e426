// Package config assembles runtime settings from environment variables and
// an optional YAML overlay named by LEDGERX_CONFIG.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/partition"
	"github.com/canopy-network/ledgerx/pkg/utils"
	"gopkg.in/yaml.v3"
)

const EnvConfigFile = "LEDGERX_CONFIG"

var ErrInvalidConfig = errors.New("invalid config")

type Pipeline struct {
	Enabled         bool
	FirstCheckpoint int64
	BatchSize       int
	CollectInterval time.Duration
	// Retention is the number of checkpoints kept, 0 keeps everything.
	Retention int64
	Delay     time.Duration
}

type Partitions struct {
	Spans            map[entities.Entity]int64
	Lookahead        map[entities.Entity]int64
	ShardConcurrency int
}

type Pruner struct {
	Cron             string
	MaxChunkSize     int
	DeleteRPS        float64
	ShardConcurrency int
	LeaseTTL         time.Duration
}

type Snapshot struct {
	Enabled bool
	Cron    string
	Lag     int64
	MaxStep int64
}

type Source struct {
	Driver  string
	Brokers []string
	Topic   string
	// GroupPrefix is joined with the pipeline name to form the consumer group.
	GroupPrefix string
	KafkaTLS    bool
}

type Redis struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	StreamMaxLen int64
}

type Config struct {
	Database   string
	HTTPAddr   string
	Pipelines  map[string]Pipeline
	Partitions Partitions
	Pruner     Pruner
	Snapshot   Snapshot
	Source     Source
	Redis      Redis
}

// Load reads the environment, applies the YAML overlay if LEDGERX_CONFIG is
// set and validates the result.
func Load() (*Config, error) {
	cfg := FromEnv()
	if path := os.Getenv(EnvConfigFile); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if err := cfg.Overlay(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a config from environment variables and defaults.
func FromEnv() *Config {
	enabled := make(map[string]bool)
	for _, name := range utils.EnvList("PIPELINES", []string{
		pipeline.Checkpoints, pipeline.Transactions, pipeline.Events, pipeline.Objects, pipeline.Packages,
	}) {
		enabled[name] = true
	}

	cfg := &Config{
		Database:  utils.Env("LEDGERX_DB", "ledgerx"),
		HTTPAddr:  utils.Env("ADDR", ":3003"),
		Pipelines: make(map[string]Pipeline),
		Partitions: Partitions{
			Spans:            partition.DefaultSpans(),
			Lookahead:        make(map[entities.Entity]int64),
			ShardConcurrency: utils.EnvInt("PARTITION_SHARD_CONCURRENCY", 16),
		},
		Pruner: Pruner{
			Cron:             utils.Env("PRUNER_CRON", "*/30 * * * * *"),
			MaxChunkSize:     utils.EnvInt("PRUNER_MAX_CHUNK_SIZE", 10_000),
			DeleteRPS:        float64(utils.EnvInt("PRUNER_DELETE_RPS", 50)),
			ShardConcurrency: utils.EnvInt("PRUNER_SHARD_CONCURRENCY", 8),
			LeaseTTL:         utils.EnvDuration("PRUNER_LEASE_TTL", 5*time.Minute),
		},
		Snapshot: Snapshot{
			Enabled: utils.EnvBool("SNAPSHOT_ENABLED", false),
			Cron:    utils.Env("SNAPSHOT_CRON", "*/10 * * * * *"),
			Lag:     utils.EnvInt64("SNAPSHOT_LAG", 0),
			MaxStep: utils.EnvInt64("SNAPSHOT_MAX_STEP", 10_000),
		},
		Source: Source{
			Driver:      utils.Env("SOURCE_DRIVER", "stdio"),
			Brokers:     utils.EnvList("KAFKA_BROKERS", nil),
			Topic:       utils.Env("SOURCE_TOPIC", "checkpoints"),
			GroupPrefix: utils.Env("SOURCE_GROUP_PREFIX", "ledgerx"),
			KafkaTLS:    utils.EnvBool("KAFKA_TLS", false),
		},
		Redis: Redis{
			Enabled:      utils.EnvBool("REDIS_ENABLED", false),
			Addr:         utils.Env("REDIS_HOST", "localhost") + ":" + utils.Env("REDIS_PORT", "6379"),
			Password:     utils.Env("REDIS_PASSWORD", ""),
			DB:           utils.EnvInt("REDIS_DB", 0),
			StreamMaxLen: utils.EnvInt64("REDIS_STREAM_MAXLEN", 10000),
		},
	}

	base := Pipeline{
		FirstCheckpoint: utils.EnvInt64("FIRST_CHECKPOINT", 0),
		BatchSize:       utils.EnvInt("BATCH_SIZE", 100),
		CollectInterval: utils.EnvDuration("COLLECT_INTERVAL", 500*time.Millisecond),
		Retention:       utils.EnvInt64("RETENTION", 0),
		Delay:           utils.EnvDuration("PRUNE_DELAY", time.Minute),
	}
	for _, p := range pipeline.All() {
		pc := base
		pc.Enabled = enabled[p.Name]
		if p.Compacted {
			pc.Enabled = cfg.Snapshot.Enabled
		}
		cfg.Pipelines[p.Name] = pc
	}
	for _, e := range entities.WithScheme(entities.SchemeRange) {
		suffix := strings.ToUpper(string(e))
		cfg.Partitions.Spans[e] = utils.EnvInt64("PARTITION_SPAN_"+suffix, cfg.Partitions.Spans[e])
		if v := utils.EnvInt64("PARTITION_LOOKAHEAD_"+suffix, -1); v >= 0 {
			cfg.Partitions.Lookahead[e] = v
		}
	}
	return cfg
}

// overlay mirrors Config with optional fields so a YAML file only overrides
// what it mentions.
type overlay struct {
	Database   *string                    `yaml:"database"`
	HTTPAddr   *string                    `yaml:"http_addr"`
	Pipelines  map[string]pipelineOverlay `yaml:"pipelines"`
	Partitions struct {
		Spans            map[string]int64 `yaml:"spans"`
		Lookahead        map[string]int64 `yaml:"lookahead"`
		ShardConcurrency *int             `yaml:"shard_concurrency"`
	} `yaml:"partitions"`
	Pruner struct {
		Cron             *string        `yaml:"cron"`
		MaxChunkSize     *int           `yaml:"max_chunk_size"`
		DeleteRPS        *float64       `yaml:"delete_rps"`
		ShardConcurrency *int           `yaml:"shard_concurrency"`
		LeaseTTL         *time.Duration `yaml:"lease_ttl"`
	} `yaml:"pruner"`
	Snapshot struct {
		Enabled *bool   `yaml:"enabled"`
		Cron    *string `yaml:"cron"`
		Lag     *int64  `yaml:"lag"`
		MaxStep *int64  `yaml:"max_step"`
	} `yaml:"snapshot"`
	Source struct {
		Driver      *string  `yaml:"driver"`
		Brokers     []string `yaml:"brokers"`
		Topic       *string  `yaml:"topic"`
		GroupPrefix *string  `yaml:"group_prefix"`
		KafkaTLS    *bool    `yaml:"kafka_tls"`
	} `yaml:"source"`
	Redis struct {
		Enabled      *bool   `yaml:"enabled"`
		Addr         *string `yaml:"addr"`
		Password     *string `yaml:"password"`
		DB           *int    `yaml:"db"`
		StreamMaxLen *int64  `yaml:"stream_max_len"`
	} `yaml:"redis"`
}

type pipelineOverlay struct {
	Enabled         *bool          `yaml:"enabled"`
	FirstCheckpoint *int64         `yaml:"first_checkpoint"`
	BatchSize       *int           `yaml:"batch_size"`
	CollectInterval *time.Duration `yaml:"collect_interval"`
	Retention       *int64         `yaml:"retention"`
	Delay           *time.Duration `yaml:"delay"`
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Overlay applies a YAML document on top of cfg. Unknown keys are rejected.
func (c *Config) Overlay(data []byte) error {
	var o overlay
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&o); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	set(&c.Database, o.Database)
	set(&c.HTTPAddr, o.HTTPAddr)

	for name, po := range o.Pipelines {
		pc, ok := c.Pipelines[name]
		if !ok {
			return fmt.Errorf("%w: unknown pipeline %q", ErrInvalidConfig, name)
		}
		set(&pc.Enabled, po.Enabled)
		set(&pc.FirstCheckpoint, po.FirstCheckpoint)
		set(&pc.BatchSize, po.BatchSize)
		set(&pc.CollectInterval, po.CollectInterval)
		set(&pc.Retention, po.Retention)
		set(&pc.Delay, po.Delay)
		c.Pipelines[name] = pc
	}

	for name, span := range o.Partitions.Spans {
		e, err := rangeEntity(name)
		if err != nil {
			return err
		}
		c.Partitions.Spans[e] = span
	}
	for name, v := range o.Partitions.Lookahead {
		e, err := rangeEntity(name)
		if err != nil {
			return err
		}
		c.Partitions.Lookahead[e] = v
	}
	set(&c.Partitions.ShardConcurrency, o.Partitions.ShardConcurrency)

	set(&c.Pruner.Cron, o.Pruner.Cron)
	set(&c.Pruner.MaxChunkSize, o.Pruner.MaxChunkSize)
	set(&c.Pruner.DeleteRPS, o.Pruner.DeleteRPS)
	set(&c.Pruner.ShardConcurrency, o.Pruner.ShardConcurrency)
	set(&c.Pruner.LeaseTTL, o.Pruner.LeaseTTL)

	set(&c.Snapshot.Enabled, o.Snapshot.Enabled)
	set(&c.Snapshot.Cron, o.Snapshot.Cron)
	set(&c.Snapshot.Lag, o.Snapshot.Lag)
	set(&c.Snapshot.MaxStep, o.Snapshot.MaxStep)
	if o.Snapshot.Enabled != nil {
		pc := c.Pipelines[pipeline.ObjectsSnapshot]
		pc.Enabled = *o.Snapshot.Enabled
		c.Pipelines[pipeline.ObjectsSnapshot] = pc
	}

	set(&c.Source.Driver, o.Source.Driver)
	if o.Source.Brokers != nil {
		c.Source.Brokers = utils.Dedup(o.Source.Brokers)
	}
	set(&c.Source.Topic, o.Source.Topic)
	set(&c.Source.GroupPrefix, o.Source.GroupPrefix)
	set(&c.Source.KafkaTLS, o.Source.KafkaTLS)

	set(&c.Redis.Enabled, o.Redis.Enabled)
	set(&c.Redis.Addr, o.Redis.Addr)
	set(&c.Redis.Password, o.Redis.Password)
	set(&c.Redis.DB, o.Redis.DB)
	set(&c.Redis.StreamMaxLen, o.Redis.StreamMaxLen)
	return nil
}

func rangeEntity(name string) (entities.Entity, error) {
	e, err := entities.FromString(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if e.Spec().Scheme != entities.SchemeRange {
		return "", fmt.Errorf("%w: %s is not range partitioned", ErrInvalidConfig, e)
	}
	return e, nil
}

// Validate checks values that would otherwise fail deep inside a component.
func (c *Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database name is required"))
	}
	for name, pc := range c.Pipelines {
		if pc.FirstCheckpoint < 0 || pc.BatchSize <= 0 || pc.CollectInterval <= 0 || pc.Retention < 0 || pc.Delay < 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: first_checkpoint, retention and delay must be >= 0, batch_size and collect_interval > 0", name))
		}
	}
	if _, err := partition.NewScheme(c.Partitions.Spans); err != nil {
		errs = append(errs, err)
	}
	for e, v := range c.Partitions.Lookahead {
		if v < 0 || v >= c.Partitions.Spans[e] {
			errs = append(errs, fmt.Errorf("lookahead of %s must be in [0, span)", e))
		}
	}
	if c.Pruner.MaxChunkSize <= 0 || c.Pruner.DeleteRPS < 0 || c.Pruner.LeaseTTL <= 0 {
		errs = append(errs, errors.New("pruner: max_chunk_size and lease_ttl must be > 0, delete_rps >= 0"))
	}
	if c.Snapshot.Lag < 0 || c.Snapshot.MaxStep < 0 {
		errs = append(errs, errors.New("snapshot: lag and max_step must be >= 0"))
	}
	if strings.EqualFold(c.Source.Driver, "kafka") && len(c.Source.Brokers) == 0 {
		errs = append(errs, errors.New("source: kafka driver requires brokers"))
	}
	if len(c.EnabledPipelines()) == 0 {
		errs = append(errs, errors.New("no pipeline enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// EnabledPipelines returns enabled pipelines in registry order.
func (c *Config) EnabledPipelines() []pipeline.Pipeline {
	var out []pipeline.Pipeline
	for _, p := range pipeline.All() {
		if c.Pipelines[p.Name].Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Group is the consumer group of a pipeline.
func (c *Config) Group(pipelineName string) string {
	return c.Source.GroupPrefix + "-" + pipelineName
}
