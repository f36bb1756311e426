package transform

import (
	"errors"
	"testing"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
	"github.com/canopy-network/ledgerx/pkg/indexer/types/typestest"
	"github.com/stretchr/testify/require"
)

func TestBuildCheckpoints(t *testing.T) {
	chain := typestest.NewChain(0, 0)
	batch := append(chain.Batch(2, 3), chain.Next())

	ws, err := Build([]entities.Entity{entities.Checkpoints, entities.PrunerCpWatermark}, batch)
	require.NoError(t, err)
	require.Equal(t, int64(0), ws.First)
	require.Equal(t, int64(2), ws.Last)
	require.Equal(t, int64(5), ws.Marks.TxHi)
	require.Equal(t, int64(2), ws.Marks.CheckpointHiInclusive)
	require.Len(t, ws.Sets, 2)

	cps := ws.Set(entities.Checkpoints).Rows
	require.Len(t, cps, 3)
	first := cps[0].(*indexer.Checkpoint)
	require.Equal(t, int64(0), *first.MinTxSequenceNumber)
	require.Equal(t, int64(2), *first.MaxTxSequenceNumber)
	require.Len(t, first.TxDigests, 3)
	require.Equal(t, int64(13), first.TotalGasCost)

	empty := cps[2].(*indexer.Checkpoint)
	require.Nil(t, empty.MinTxSequenceNumber)

	wm := ws.Set(entities.PrunerCpWatermark).Rows[2].(*indexer.PrunerCpWatermark)
	require.Equal(t, int64(6), wm.MinTxSequenceNumber)
	require.Equal(t, int64(5), wm.MaxTxSequenceNumber)
	require.Nil(t, ws.Set(entities.Transactions))
}

func TestBuildTransactionsFanOut(t *testing.T) {
	chain := typestest.NewChain(10, 100)
	tx := typestest.Tx(1)
	// two calls into the same package collapse in tx_calls_pkg
	tx.MoveCalls = append(tx.MoveCalls, types.MoveCall{Package: tx.MoveCalls[0].Package, Module: "pay", Function: "split"})
	batch := []*types.CheckpointData{chain.Next(tx)}

	families := []entities.Entity{
		entities.Transactions, entities.TxSenders, entities.TxCallsPkg, entities.TxCallsMod, entities.TxCallsFun,
	}
	ws, err := Build(families, batch)
	require.NoError(t, err)

	txs := ws.Set(entities.Transactions).Rows
	require.Len(t, txs, 1)
	require.Equal(t, int64(100), txs[0].(*indexer.Transaction).TxSequenceNumber)
	require.Len(t, txs[0].(*indexer.Transaction).Events, 1)

	require.Len(t, ws.Set(entities.TxSenders).Rows, 1)
	require.Len(t, ws.Set(entities.TxCallsPkg).Rows, 1)
	require.Len(t, ws.Set(entities.TxCallsMod).Rows, 2)
	require.Len(t, ws.Set(entities.TxCallsFun).Rows, 2)

	row := ws.Set(entities.TxCallsFun).Rows[0].(*indexer.IndexRow)
	require.Equal(t, int64(100), row.TxSequenceNumber)
	require.Equal(t, "transfer", row.Dims[2])
	require.Nil(t, row.EventSequenceNumber)
}

func TestBuildEvents(t *testing.T) {
	chain := typestest.NewChain(0, 0)
	tx := typestest.Tx(3)
	tx.Events = append(tx.Events, tx.Events[0])
	ws, err := Build([]entities.Entity{entities.Events, entities.EventStructName, entities.EventSenders}, []*types.CheckpointData{chain.Next(tx)})
	require.NoError(t, err)

	evs := ws.Set(entities.Events).Rows
	require.Len(t, evs, 2)
	require.Equal(t, int64(1), evs[1].(*indexer.Event).EventSequenceNumber)
	require.Contains(t, evs[0].(*indexer.Event).EventType, "::coin::Transferred")

	names := ws.Set(entities.EventStructName).Rows
	require.Len(t, names, 2)
	require.Equal(t, int64(1), *names[1].(*indexer.IndexRow).EventSequenceNumber)
	require.Len(t, ws.Set(entities.EventSenders).Rows, 2)
}

func TestBuildObjectsKeepsNewestState(t *testing.T) {
	id := typestest.ID(0xab, 1)
	gone := typestest.ID(0x01, 2)
	chain := typestest.NewChain(10, 0)

	tx1 := types.TransactionData{Objects: []types.ObjectChange{typestest.Created(id, 1), typestest.Created(gone, 1)}}
	tx2 := types.TransactionData{Objects: []types.ObjectChange{typestest.Change(id, 3, int16(indexer.ObjectMutated))}}
	tx3 := types.TransactionData{Objects: []types.ObjectChange{
		typestest.Change(id, 7, int16(indexer.ObjectMutated)),
		typestest.Change(gone, 2, int16(indexer.ObjectDeleted)),
	}}
	batch := []*types.CheckpointData{chain.Next(tx1), chain.Next(tx2), chain.Next(tx3)}

	ws, err := Build([]entities.Entity{entities.Objects, entities.ObjectsHistory, entities.ObjectsVersion}, batch)
	require.NoError(t, err)

	live := ws.Set(entities.Objects)
	require.Len(t, live.Rows, 1)
	require.Equal(t, int64(7), live.Rows[0].(*indexer.Object).ObjectVersion)
	require.Equal(t, []indexer.Tombstone{{ObjectID: gone, Version: 2}}, live.Tombstones)

	require.Len(t, ws.Set(entities.ObjectsHistory).Rows, 5)
	versions := ws.Set(entities.ObjectsVersion).Rows
	require.Len(t, versions, 5)
	require.Equal(t, int64(12), versions[4].(*indexer.ObjectVersion).CpSequenceNumber)
}

func TestBuildRejectsBrokenBatches(t *testing.T) {
	chain := typestest.NewChain(0, 0)
	a := chain.Next(typestest.Tx(0))
	chain.Next()
	c := chain.Next()

	_, err := Build([]entities.Entity{entities.Checkpoints}, []*types.CheckpointData{a, c})
	require.True(t, errors.Is(err, types.ErrMalformedCheckpoint))

	// transaction numbering must continue across checkpoints
	b := typestest.NewChain(1, 5).Next()
	_, err = Build([]entities.Entity{entities.Checkpoints}, []*types.CheckpointData{a, b})
	require.True(t, errors.Is(err, types.ErrMalformedCheckpoint))

	_, err = Build([]entities.Entity{entities.Checkpoints}, nil)
	require.Error(t, err)

	_, err = Build([]entities.Entity{"nope"}, []*types.CheckpointData{a})
	require.Error(t, err)
}

func TestDigestIsDeterministic(t *testing.T) {
	families := entities.All()
	build := func() *WriteSet {
		chain := typestest.NewChain(0, 0)
		ws, err := Build(families, chain.Batch(4, 3))
		require.NoError(t, err)
		return ws
	}
	a, b := build(), build()
	require.Equal(t, a.Digest(), b.Digest())
	require.Equal(t, a.RowCount(), b.RowCount())

	chain := typestest.NewChain(0, 0)
	other, err := Build(families, chain.Batch(4, 2))
	require.NoError(t, err)
	require.NotEqual(t, a.Digest(), other.Digest())
}

func TestRowDigestDereferencesPointers(t *testing.T) {
	x, y := int64(5), int64(5)
	a := &indexer.Checkpoint{SequenceNumber: 1, MinTxSequenceNumber: &x}
	b := &indexer.Checkpoint{SequenceNumber: 1, MinTxSequenceNumber: &y}
	require.Equal(t, RowDigest(a), RowDigest(b))

	y = 6
	require.NotEqual(t, RowDigest(a), RowDigest(b))
}
