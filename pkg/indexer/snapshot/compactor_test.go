package snapshot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/memory"
	"github.com/canopy-network/ledgerx/pkg/indexer/committer"
	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
	"github.com/canopy-network/ledgerx/pkg/indexer/types/typestest"
	"github.com/canopy-network/ledgerx/pkg/partition"
	"github.com/canopy-network/ledgerx/pkg/retry"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	objA = typestest.ID(0xa0, 1)
	objB = typestest.ID(0xb0, 2)
	objC = typestest.ID(0xc0, 3)
)

// objectChain creates A at 2, mutates it at 8, creates B at 3, deletes it at
// 12 and creates C at 15.
func objectChain(n int64) []*types.CheckpointData {
	changes := map[int64]types.ObjectChange{
		2:  typestest.Created(objA, 1),
		3:  typestest.Created(objB, 1),
		8:  typestest.Change(objA, 2, 1),
		12: typestest.Change(objB, 2, 2),
		15: typestest.Created(objC, 1),
	}
	chain := typestest.NewChain(0, 0)
	out := make([]*types.CheckpointData, 0, n)
	for seq := int64(0); seq < n; seq++ {
		if ch, ok := changes[seq]; ok {
			out = append(out, chain.Next(types.TransactionData{Digest: typestest.ID(0xd0, seq), Objects: []types.ObjectChange{ch}}))
			continue
		}
		out = append(out, chain.Next())
	}
	return out
}

func commitObjects(t *testing.T, store *memory.Store, cps []*types.CheckpointData) {
	t.Helper()
	scheme, err := partition.NewScheme(partition.DefaultSpans())
	require.NoError(t, err)
	m := partition.NewManager(store, scheme, zaptest.NewLogger(t), partition.ManagerConfig{})
	t.Cleanup(m.Close)
	p, err := pipeline.ByName(pipeline.Objects)
	require.NoError(t, err)
	c, err := committer.New(store, m, zaptest.NewLogger(t), committer.Config{
		Pipeline: p,
		Retry:    retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	_, err = c.Commit(context.Background(), cps)
	require.NoError(t, err)
}

func snapshotVersions(t *testing.T, store *memory.Store) map[string]int64 {
	t.Helper()
	spec := entities.ObjectsSnapshot.Spec()
	id, v := spec.ColumnIndex("object_id"), spec.ColumnIndex("object_version")
	out := make(map[string]int64)
	for _, r := range store.EntityRows(entities.ObjectsSnapshot) {
		out[string(r[id].([]byte))] = r[v].(int64)
	}
	return out
}

func TestAdvanceFoldsHistoryUpToLag(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	cps := objectChain(20)
	commitObjects(t, store, cps)

	c, err := New(store, zaptest.NewLogger(t), Config{Lag: 5})
	require.NoError(t, err)

	res, err := c.Advance(ctx)
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, int64(-1), res.From)
	require.Equal(t, int64(14), res.To)
	require.Equal(t, map[string]int64{string(objA): 2}, snapshotVersions(t, store))

	wm, err := store.GetWatermark(ctx, pipeline.ObjectsSnapshot)
	require.NoError(t, err)
	require.Equal(t, int64(14), wm.CheckpointHiInclusive)
	require.NoError(t, wm.Validate())

	readers, err := store.ListReaders(ctx, pipeline.Objects)
	require.NoError(t, err)
	require.Len(t, readers, 1)
	require.Equal(t, ReaderName, readers[0].Reader)
	require.Equal(t, int64(15), readers[0].ReaderLo)

	// nothing new to fold
	res, err = c.Advance(ctx)
	require.NoError(t, err)
	require.False(t, res.Advanced)
}

func TestAdvanceIsIncremental(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	commitObjects(t, store, objectChain(20))

	c, err := New(store, zaptest.NewLogger(t), Config{MaxStep: 10})
	require.NoError(t, err)

	res, err := c.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), res.To)
	versions := snapshotVersions(t, store)
	require.Equal(t, int64(2), versions[string(objA)])
	require.Equal(t, int64(1), versions[string(objB)])

	res, err = c.Advance(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(9), res.From)
	require.Equal(t, int64(19), res.To)
	versions = snapshotVersions(t, store)
	require.Len(t, versions, 2)
	require.Contains(t, versions, string(objC))
	require.NotContains(t, versions, string(objB))

	for _, r := range store.EntityRows(entities.ObjectsSnapshot) {
		require.False(t, bytes.Equal(r[0].([]byte), objB))
	}
}

func TestAdvanceWithoutObjectsIsNoop(t *testing.T) {
	c, err := New(memory.New(nil), zaptest.NewLogger(t), Config{})
	require.NoError(t, err)
	res, err := c.Advance(context.Background())
	require.NoError(t, err)
	require.False(t, res.Advanced)
}

func TestAdvanceFailsWhenHistoryIsGone(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	commitObjects(t, store, objectChain(20))

	c, err := New(store, zaptest.NewLogger(t), Config{Lag: 10})
	require.NoError(t, err)
	_, err = c.Advance(ctx)
	require.NoError(t, err)

	// objects retention ran ahead of the snapshot reader
	require.NoError(t, store.UnregisterReader(ctx, pipeline.Objects, ReaderName))
	_, err = store.SetReaderWatermark(ctx, pipeline.Objects, 15, 0, 1)
	require.NoError(t, err)

	_, err = c.Advance(ctx)
	require.ErrorIs(t, err, db.ErrBelowReaderLo)
}

func TestFirstAdvanceRefusesPrunedHistory(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	commitObjects(t, store, objectChain(30))

	// objects retention ran before the snapshot was ever built; A was last
	// changed at 8 and its history is gone
	_, err := store.SetReaderWatermark(ctx, pipeline.Objects, 10, 0, 1)
	require.NoError(t, err)
	require.NoError(t, store.SetPrunerWatermark(ctx, pipeline.Objects, 0, 10))

	c, err := New(store, zaptest.NewLogger(t), Config{Lag: 5})
	require.NoError(t, err)
	res, err := c.Advance(ctx)
	require.ErrorIs(t, err, db.ErrBelowReaderLo)
	require.False(t, res.Advanced)

	require.Empty(t, snapshotVersions(t, store))
	_, err = store.GetWatermark(ctx, pipeline.ObjectsSnapshot)
	require.ErrorIs(t, err, db.ErrNotFound)
	readers, err := store.ListReaders(ctx, pipeline.Objects)
	require.NoError(t, err)
	require.Empty(t, readers)
}

func TestFirstAdvancePinsFirstCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := memory.New(nil)
	commitObjects(t, store, objectChain(30))

	// reader_lo moved but nothing was deleted yet
	_, err := store.SetReaderWatermark(ctx, pipeline.Objects, 10, 0, 1)
	require.NoError(t, err)

	c, err := New(store, zaptest.NewLogger(t), Config{Lag: 5})
	require.NoError(t, err)
	_, err = c.Advance(ctx)
	require.ErrorIs(t, err, db.ErrBelowReaderLo)
	require.Empty(t, snapshotVersions(t, store))
}

func TestNewValidates(t *testing.T) {
	_, err := New(memory.New(nil), zaptest.NewLogger(t), Config{Lag: -1})
	require.ErrorIs(t, err, db.ErrInvalidInput)
}
