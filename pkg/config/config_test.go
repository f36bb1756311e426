package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	require.NoError(t, cfg.Validate())

	var names []string
	for _, p := range cfg.EnabledPipelines() {
		names = append(names, p.Name)
	}
	require.Equal(t, []string{
		pipeline.Checkpoints, pipeline.Transactions, pipeline.Events, pipeline.Objects, pipeline.Packages,
	}, names)
	require.False(t, cfg.Pipelines[pipeline.ObjectsSnapshot].Enabled)
	require.Equal(t, "ledgerx-objects", cfg.Group(pipeline.Objects))
	require.Equal(t, int64(100_000), cfg.Partitions.Spans[entities.Checkpoints])
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PIPELINES", "objects, snapshot_missing,objects")
	t.Setenv("FIRST_CHECKPOINT", "42")
	t.Setenv("RETENTION", "1000")
	t.Setenv("PARTITION_SPAN_TRANSACTIONS", "5000")
	t.Setenv("PARTITION_LOOKAHEAD_TRANSACTIONS", "0")
	t.Setenv("SNAPSHOT_ENABLED", "true")

	cfg := FromEnv()
	require.True(t, cfg.Pipelines[pipeline.Objects].Enabled)
	require.False(t, cfg.Pipelines[pipeline.Checkpoints].Enabled)
	require.True(t, cfg.Pipelines[pipeline.ObjectsSnapshot].Enabled)
	require.Equal(t, int64(42), cfg.Pipelines[pipeline.Objects].FirstCheckpoint)
	require.Equal(t, int64(1000), cfg.Pipelines[pipeline.Events].Retention)
	require.Equal(t, int64(5000), cfg.Partitions.Spans[entities.Transactions])
	v, ok := cfg.Partitions.Lookahead[entities.Transactions]
	require.True(t, ok)
	require.Zero(t, v)
}

func TestOverlayMergesPartialDocument(t *testing.T) {
	cfg := FromEnv()
	doc := `
pipelines:
  transactions:
    retention: 500
    delay: 30s
  objects:
    enabled: false
partitions:
  spans:
    events: 2000
pruner:
  max_chunk_size: 250
snapshot:
  enabled: true
  lag: 10
source:
  driver: kafka
  brokers: ["a:9092", "a:9092", "b:9092"]
`
	require.NoError(t, cfg.Overlay([]byte(doc)))
	require.NoError(t, cfg.Validate())

	tx := cfg.Pipelines[pipeline.Transactions]
	require.Equal(t, int64(500), tx.Retention)
	require.Equal(t, 30*time.Second, tx.Delay)
	require.Equal(t, 100, tx.BatchSize)
	require.True(t, tx.Enabled)

	require.False(t, cfg.Pipelines[pipeline.Objects].Enabled)
	require.True(t, cfg.Pipelines[pipeline.ObjectsSnapshot].Enabled)
	require.Equal(t, int64(2000), cfg.Partitions.Spans[entities.Events])
	require.Equal(t, int64(100_000), cfg.Partitions.Spans[entities.Checkpoints])
	require.Equal(t, 250, cfg.Pruner.MaxChunkSize)
	require.Equal(t, int64(10), cfg.Snapshot.Lag)
	require.Equal(t, []string{"a:9092", "b:9092"}, cfg.Source.Brokers)
}

func TestOverlayRejectsUnknownKeys(t *testing.T) {
	cases := map[string]string{
		"unknown field":    "pruner:\n  max_chunks: 1\n",
		"unknown pipeline": "pipelines:\n  blocks:\n    retention: 1\n",
		"plain span":       "partitions:\n  spans:\n    packages: 10\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			err := FromEnv().Overlay([]byte(doc))
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := FromEnv()
	cfg.Source.Driver = "kafka"
	cfg.Partitions.Spans[entities.Checkpoints] = 0
	pc := cfg.Pipelines[pipeline.Events]
	pc.BatchSize = 0
	cfg.Pipelines[pipeline.Events] = pc

	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	require.Contains(t, err.Error(), "brokers")
	require.Contains(t, err.Error(), "pipeline events")
	require.Contains(t, err.Error(), "checkpoints")
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledgerx.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: other\nhttp_addr: \":9000\"\n"), 0o600))
	t.Setenv(EnvConfigFile, path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "other", cfg.Database)
	require.Equal(t, ":9000", cfg.HTTPAddr)

	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	require.Error(t, err)
}
