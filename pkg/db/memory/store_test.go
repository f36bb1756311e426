package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/stretchr/testify/require"
)

func checkpointWrite(index int64, seqs ...int64) db.TableWrite {
	w := db.TableWrite{Entity: entities.Checkpoints, Table: entities.Checkpoints.PartitionTable(index), Partition: index}
	for _, s := range seqs {
		w.Rows = append(w.Rows, &indexer.Checkpoint{SequenceNumber: s, Epoch: 1, NetworkTotalTransactions: s + 1, TimestampMs: s * 10})
	}
	return w
}

func newStoreWithPartition(t *testing.T) *Store {
	t.Helper()
	s := New(nil)
	require.NoError(t, s.CreatePartition(context.Background(), admin.Partition{
		Entity: string(entities.Checkpoints), Index: 0, Lo: 0, Hi: 100,
	}))
	return s
}

func TestCommitAdvancesWatermarkWithCAS(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithPartition(t)

	req := db.CommitRequest{
		Pipeline: "checkpoints",
		Marks:    admin.HighMarks{CheckpointHiInclusive: 2, TxHi: 2, EpochHiInclusive: 1},
		Writes:   []db.TableWrite{checkpointWrite(0, 0, 1, 2)},
	}
	require.NoError(t, s.Commit(ctx, req))

	wm, err := s.GetWatermark(ctx, "checkpoints")
	require.NoError(t, err)
	require.Equal(t, int64(2), wm.CheckpointHiInclusive)
	require.Equal(t, int64(0), wm.ReaderLo)

	// a second first-commit loses the CAS
	err = s.Commit(ctx, req)
	require.True(t, errors.Is(err, db.ErrWatermarkConflict))

	stale := admin.Watermark{CheckpointHiInclusive: 1}
	err = s.Commit(ctx, db.CommitRequest{Pipeline: "checkpoints", Expected: &stale, Marks: admin.HighMarks{CheckpointHiInclusive: 3}})
	require.True(t, errors.Is(err, db.ErrWatermarkConflict))

	err = s.Commit(ctx, db.CommitRequest{Pipeline: "checkpoints", Expected: wm, Marks: admin.HighMarks{CheckpointHiInclusive: 2}})
	require.True(t, errors.Is(err, db.ErrInvariant))

	require.NoError(t, s.Commit(ctx, db.CommitRequest{
		Pipeline: "checkpoints", Expected: wm,
		Marks:  admin.HighMarks{CheckpointHiInclusive: 3, TxHi: 3},
		Writes: []db.TableWrite{checkpointWrite(0, 3)},
	}))
	require.Len(t, s.Rows("checkpoints_partition_0"), 4)
	require.Equal(t, 2, s.Commits())
}

func TestCommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithPartition(t)

	// the second write targets a partition that does not exist
	err := s.Commit(ctx, db.CommitRequest{
		Pipeline: "checkpoints",
		Marks:    admin.HighMarks{CheckpointHiInclusive: 100},
		Writes:   []db.TableWrite{checkpointWrite(0, 99), checkpointWrite(1, 100)},
	})
	require.True(t, errors.Is(err, db.ErrPartitionNotReady))
	require.Empty(t, s.Rows("checkpoints_partition_0"))
	_, err = s.GetWatermark(ctx, "checkpoints")
	require.True(t, errors.Is(err, db.ErrNotFound))

	// rows outside the partition bounds are rejected like a partition constraint
	err = s.Commit(ctx, db.CommitRequest{
		Pipeline: "checkpoints",
		Marks:    admin.HighMarks{CheckpointHiInclusive: 100},
		Writes:   []db.TableWrite{{Entity: entities.Checkpoints, Table: "checkpoints_partition_0", Rows: []indexer.Row{&indexer.Checkpoint{SequenceNumber: 150}}}},
	})
	require.True(t, errors.Is(err, db.ErrPartitionNotReady))

	boom := errors.New("boom")
	s.FailCommits(boom)
	err = s.Commit(ctx, db.CommitRequest{Pipeline: "checkpoints", Marks: admin.HighMarks{CheckpointHiInclusive: 0}, Writes: []db.TableWrite{checkpointWrite(0, 0)}})
	require.Equal(t, boom, err)
	require.Empty(t, s.Rows("checkpoints_partition_0"))
}

func TestReplayedRowsDoNotDuplicate(t *testing.T) {
	s := newStoreWithPartition(t)
	w := checkpointWrite(0, 0, 1)
	require.NoError(t, s.ApplyWithoutWatermark([]db.TableWrite{w}))
	before := s.Digest(entities.Checkpoints)
	require.NoError(t, s.ApplyWithoutWatermark([]db.TableWrite{w}))
	require.Equal(t, before, s.Digest(entities.Checkpoints))
	require.Len(t, s.EntityRows(entities.Checkpoints), 2)
}

func TestObjectsUpsertNewerAndTombstones(t *testing.T) {
	s := New(nil)
	id := []byte{0xab, 1}
	write := func(v int64) db.TableWrite {
		return db.TableWrite{Entity: entities.Objects, Table: "objects", Rows: []indexer.Row{&indexer.Object{ObjectID: id, ObjectVersion: v}}}
	}
	require.NoError(t, s.ApplyWithoutWatermark([]db.TableWrite{write(7), write(3)}))
	rows := s.Rows("objects")
	require.Len(t, rows, 1)
	require.Equal(t, int64(7), rows[0][1])

	// a tombstone older than the stored version is ignored
	require.NoError(t, s.ApplyWithoutWatermark([]db.TableWrite{{Entity: entities.Objects, Table: "objects", Tombstones: []indexer.Tombstone{{ObjectID: id, Version: 5}}}}))
	require.Len(t, s.Rows("objects"), 1)
	require.NoError(t, s.ApplyWithoutWatermark([]db.TableWrite{{Entity: entities.Objects, Table: "objects", Tombstones: []indexer.Tombstone{{ObjectID: id, Version: 9}}}}))
	require.Empty(t, s.Rows("objects"))
}

func TestReaderAndPrunerWatermarks(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithPartition(t)
	require.NoError(t, s.Commit(ctx, db.CommitRequest{Pipeline: "checkpoints", Marks: admin.HighMarks{CheckpointHiInclusive: 50}}))

	changed, err := s.SetReaderWatermark(ctx, "checkpoints", 20, 1, 1000)
	require.NoError(t, err)
	require.True(t, changed)

	// only forward
	changed, err = s.SetReaderWatermark(ctx, "checkpoints", 10, 0, 2000)
	require.NoError(t, err)
	require.False(t, changed)

	// clamped to checkpoint_hi
	changed, err = s.SetReaderWatermark(ctx, "checkpoints", 80, 2, 3000)
	require.NoError(t, err)
	require.True(t, changed)
	wm, err := s.GetWatermark(ctx, "checkpoints")
	require.NoError(t, err)
	require.Equal(t, int64(50), wm.ReaderLo)
	require.Equal(t, int64(3000), wm.PrunerTimestampMs)
	require.Equal(t, int64(2), wm.EpochLo)

	require.True(t, errors.Is(s.SetPrunerWatermark(ctx, "checkpoints", 5, 10), db.ErrWatermarkConflict))
	require.True(t, errors.Is(s.SetPrunerWatermark(ctx, "checkpoints", 0, 51), db.ErrInvariant))
	require.NoError(t, s.SetPrunerWatermark(ctx, "checkpoints", 0, 40))

	_, err = s.SetReaderWatermark(ctx, "nope", 1, 0, 0)
	require.True(t, errors.Is(err, db.ErrNotFound))
}

func TestRegisterReader(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithPartition(t)
	require.NoError(t, s.RegisterReader(ctx, "checkpoints", "early", 0))
	require.NoError(t, s.Commit(ctx, db.CommitRequest{Pipeline: "checkpoints", Marks: admin.HighMarks{CheckpointHiInclusive: 50}}))
	_, err := s.SetReaderWatermark(ctx, "checkpoints", 30, 0, 1)
	require.NoError(t, err)

	err = s.RegisterReader(ctx, "checkpoints", "late", 10)
	require.True(t, errors.Is(err, db.ErrBelowReaderLo))
	require.NoError(t, s.RegisterReader(ctx, "checkpoints", "late", 30))

	readers, err := s.ListReaders(ctx, "checkpoints")
	require.NoError(t, err)
	require.Len(t, readers, 2)
	require.Equal(t, "early", readers[0].Reader)

	require.NoError(t, s.UnregisterReader(ctx, "checkpoints", "early"))
	readers, err = s.ListReaders(ctx, "checkpoints")
	require.NoError(t, err)
	require.Len(t, readers, 1)
}

func TestPartitionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithPartition(t)
	p := admin.Partition{Entity: string(entities.Checkpoints), Index: 0, Lo: 0, Hi: 100}
	require.NoError(t, s.CreatePartition(ctx, p))

	require.Error(t, s.DropPartition(ctx, entities.Checkpoints, 0))
	require.NoError(t, s.DetachPartition(ctx, entities.Checkpoints, 0))
	require.NoError(t, s.DetachPartition(ctx, entities.Checkpoints, 0))
	require.False(t, s.HasTable("checkpoints_partition_0"))
	require.True(t, errors.Is(s.CreatePartition(ctx, p), db.ErrPartitionRetired))

	require.NoError(t, s.DropPartition(ctx, entities.Checkpoints, 0))
	require.NoError(t, s.DropPartition(ctx, entities.Checkpoints, 0))
	parts, err := s.ListPartitions(ctx, entities.Checkpoints)
	require.NoError(t, err)
	require.Equal(t, admin.PartitionDropped, parts[0].State)
	require.NotNil(t, parts[0].DetachedAt)

	require.Error(t, s.CreateShard(ctx, entities.Checkpoints, 1))
	require.Error(t, s.CreateShard(ctx, entities.ObjectsVersion, 256))
	require.NoError(t, s.CreateShard(ctx, entities.ObjectsVersion, 0xab))
	require.True(t, s.HasTable("objects_version_ab"))
}

func TestDeleteBelowChunks(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithPartition(t)
	require.NoError(t, s.ApplyWithoutWatermark([]db.TableWrite{checkpointWrite(0, 0, 1, 2, 3, 4, 5, 6)}))

	n, err := s.DeleteBelow(ctx, db.DeleteRequest{Entity: entities.Checkpoints, Table: "checkpoints_partition_0", Below: 5, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
	n, err = s.DeleteBelow(ctx, db.DeleteRequest{Entity: entities.Checkpoints, Table: "checkpoints_partition_0", Below: 5, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
	require.Len(t, s.Rows("checkpoints_partition_0"), 2)

	_, err = s.DeleteBelow(ctx, db.DeleteRequest{Entity: entities.Checkpoints, Table: "missing", Below: 5, Limit: 3})
	require.True(t, errors.Is(err, db.ErrNotFound))
}

func TestLookups(t *testing.T) {
	ctx := context.Background()
	s := newStoreWithPartition(t)
	require.NoError(t, s.ApplyWithoutWatermark([]db.TableWrite{
		checkpointWrite(0, 7),
		{Entity: entities.PrunerCpWatermark, Table: "pruner_cp_watermark", Rows: []indexer.Row{
			&indexer.PrunerCpWatermark{CheckpointSequenceNumber: 7, MinTxSequenceNumber: 40, MaxTxSequenceNumber: 44},
		}},
	}))

	lo, err := s.TxLoForCheckpoint(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, int64(40), lo)
	_, err = s.TxLoForCheckpoint(ctx, 8)
	require.True(t, errors.Is(err, db.ErrNotFound))

	marks, err := s.CheckpointMarks(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, admin.HighMarks{EpochHiInclusive: 1, CheckpointHiInclusive: 7, TxHi: 7, TimestampMs: 70}, marks)
	_, err = s.CheckpointMarks(ctx, 8)
	require.True(t, errors.Is(err, db.ErrNotFound))
}

func TestLeases(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1000, 0)
	l := NewLeases(func() time.Time { return now })

	_, ok, err := l.TryAcquire(ctx, "pruner", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	cur, ok, err := l.TryAcquire(ctx, "pruner", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "a", cur.Owner)

	_, _, err = l.Renew(ctx, "pruner", "b", time.Minute)
	require.True(t, errors.Is(err, db.ErrNotOwner))
	require.True(t, errors.Is(l.Release(ctx, "pruner", "b"), db.ErrNotOwner))

	now = now.Add(2 * time.Minute)
	_, ok, err = l.TryAcquire(ctx, "pruner", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "pruner", "b"))
	require.NoError(t, l.Release(ctx, "pruner", "b"))
	_, err = l.Get(ctx, "pruner")
	require.True(t, errors.Is(err, db.ErrNotFound))

	_, _, err = l.TryAcquire(ctx, "", "a", time.Minute)
	require.True(t, errors.Is(err, db.ErrInvalidInput))
}
