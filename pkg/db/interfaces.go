package db

import (
	"context"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
)

// TableWrite is the part of a row set that lands in one physical table.
type TableWrite struct {
	Entity entities.Entity
	Table  string
	// Partition is the range partition index or shard number, 0 for plain tables.
	Partition  int64
	Rows       []indexer.Row
	Tombstones []indexer.Tombstone
}

// CommitRequest writes a batch and advances a pipeline's high marks atomically.
type CommitRequest struct {
	Pipeline string
	// Expected is the watermark the batch was built against; nil for the first commit.
	Expected *admin.Watermark
	// FirstCheckpoint seeds reader_lo and pruner_hi on the first commit.
	FirstCheckpoint int64
	Marks           admin.HighMarks
	Writes          []TableWrite
}

// DeleteRequest removes at most Limit rows of Table whose key column is below Below.
type DeleteRequest struct {
	Entity entities.Entity
	Table  string
	Below  int64
	Limit  int
}

// SnapshotRequest folds objects_history in (Expected.CheckpointHiInclusive, Marks.CheckpointHiInclusive]
// into objects_snapshot and moves the snapshot watermark to Marks.
type SnapshotRequest struct {
	Pipeline string
	Expected *admin.Watermark
	Marks    admin.HighMarks
}

// WatermarkStore reads and moves pipeline watermarks. Every mutation keeps
// pruner_hi <= reader_lo <= checkpoint_hi_inclusive.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, pipeline string) (*admin.Watermark, error)
	ListWatermarks(ctx context.Context) ([]admin.Watermark, error)
	// SetReaderWatermark moves reader_lo forward, clamped to checkpoint_hi_inclusive,
	// and stamps pruner_timestamp_ms. It reports whether anything changed.
	SetReaderWatermark(ctx context.Context, pipeline string, readerLo, epochLo, nowMs int64) (bool, error)
	// SetPrunerWatermark moves pruner_hi from expected to prunerHi.
	SetPrunerWatermark(ctx context.Context, pipeline string, expected, prunerHi int64) error
	RegisterReader(ctx context.Context, pipeline, reader string, lo int64) error
	UnregisterReader(ctx context.Context, pipeline, reader string) error
	ListReaders(ctx context.Context, pipeline string) ([]admin.Reader, error)
}

// PartitionStore owns partition DDL and the partitions catalog. All methods are idempotent.
type PartitionStore interface {
	ListPartitions(ctx context.Context, entity entities.Entity) ([]admin.Partition, error)
	CreatePartition(ctx context.Context, p admin.Partition) error
	DetachPartition(ctx context.Context, entity entities.Entity, index int64) error
	DropPartition(ctx context.Context, entity entities.Entity, index int64) error
	CreateShard(ctx context.Context, entity entities.Entity, shard int) error
}

// CommitStore is what a committer needs.
type CommitStore interface {
	GetWatermark(ctx context.Context, pipeline string) (*admin.Watermark, error)
	Commit(ctx context.Context, req CommitRequest) error
}

// PruneStore is what the pruner needs besides watermarks and partitions.
type PruneStore interface {
	DeleteBelow(ctx context.Context, req DeleteRequest) (int64, error)
	// TxLoForCheckpoint returns the first transaction of cp from pruner_cp_watermark.
	TxLoForCheckpoint(ctx context.Context, cp int64) (int64, error)
	// CheckpointMarks returns the high marks a pipeline would have after committing cp.
	CheckpointMarks(ctx context.Context, cp int64) (admin.HighMarks, error)
}

// SnapshotStore is what the objects snapshot compactor needs.
type SnapshotStore interface {
	GetWatermark(ctx context.Context, pipeline string) (*admin.Watermark, error)
	RegisterReader(ctx context.Context, pipeline, reader string, lo int64) error
	CheckpointMarks(ctx context.Context, cp int64) (admin.HighMarks, error)
	AdvanceSnapshot(ctx context.Context, req SnapshotRequest) error
}

// LeaseStore grants time-bounded exclusive ownership of a name.
type LeaseStore interface {
	// TryAcquire succeeds if the lease is absent or expired.
	TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (admin.Lease, bool, error)
	// Renew succeeds only for the current owner.
	Renew(ctx context.Context, name, owner string, ttl time.Duration) (admin.Lease, bool, error)
	// Release is idempotent when the lease is already absent.
	Release(ctx context.Context, name, owner string) error
	Get(ctx context.Context, name string) (admin.Lease, error)
}

// LedgerStore is the full store used by the binaries.
type LedgerStore interface {
	WatermarkStore
	PartitionStore
	PruneStore
	Commit(ctx context.Context, req CommitRequest) error
	AdvanceSnapshot(ctx context.Context, req SnapshotRequest) error
	Close() error
}
