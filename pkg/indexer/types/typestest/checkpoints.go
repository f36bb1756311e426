// Package typestest generates contiguous checkpoint chains for tests.
package typestest

import (
	"encoding/binary"

	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

// Chain hands out checkpoints in order, keeping sequence and transaction
// numbering contiguous.
type Chain struct {
	next    int64
	totalTx int64
	epoch   int64
	// CheckpointsPerEpoch ends an epoch every n checkpoints. Zero never ends one.
	CheckpointsPerEpoch int64
}

// NewChain starts at checkpoint first with txBefore transactions already on the network.
func NewChain(first, txBefore int64) *Chain {
	return &Chain{next: first, totalTx: txBefore}
}

// Next returns the next checkpoint carrying txs.
func (c *Chain) Next(txs ...types.TransactionData) *types.CheckpointData {
	seq := c.next
	c.next++
	c.totalTx += int64(len(txs))
	end := c.CheckpointsPerEpoch > 0 && (seq+1)%c.CheckpointsPerEpoch == 0
	cp := &types.CheckpointData{
		Summary: types.CheckpointSummary{
			SequenceNumber:           seq,
			Digest:                   ID(0xcc, seq),
			Epoch:                    c.epoch,
			NetworkTotalTransactions: c.totalTx,
			TimestampMs:              1_700_000_000_000 + seq*250,
			GasCost:                  types.GasCostSummary{ComputationCost: 10, StorageCost: 5, StorageRebate: 2},
			EndOfEpoch:               end,
		},
		Transactions: txs,
	}
	if seq > 0 {
		cp.Summary.PreviousDigest = ID(0xcc, seq-1)
	}
	if end {
		c.epoch++
	}
	return cp
}

// Batch returns n checkpoints each carrying txsPer generated transactions.
func (c *Chain) Batch(n, txsPer int) []*types.CheckpointData {
	out := make([]*types.CheckpointData, 0, n)
	for i := 0; i < n; i++ {
		txs := make([]types.TransactionData, txsPer)
		for j := range txs {
			txs[j] = Tx(c.totalTx + int64(j))
		}
		out = append(out, c.Next(txs...))
	}
	return out
}

// ID returns a 32 byte identifier with first byte lead, unique per seed.
func ID(lead byte, seed int64) []byte {
	id := make([]byte, 32)
	id[0] = lead
	binary.BigEndian.PutUint64(id[24:], uint64(seed))
	return id
}

// Tx generates a transaction with one move call, one event and one created object.
func Tx(seed int64) types.TransactionData {
	sender := ID(0x5e, seed%7)
	pkg := ID(0x02, 0)
	return types.TransactionData{
		Digest:              ID(0xd0, seed),
		RawTransaction:      []byte{byte(seed)},
		RawEffects:          []byte{byte(seed), 1},
		SuccessCommandCount: 1,
		Sender:              sender,
		Recipients:          [][]byte{ID(0x7e, seed)},
		InputObjects:        [][]byte{ID(0x10, seed)},
		ChangedObjects:      [][]byte{ID(byte(seed), seed)},
		AffectedAddresses:   [][]byte{sender},
		AffectedObjects:     [][]byte{ID(byte(seed), seed)},
		MoveCalls:           []types.MoveCall{{Package: pkg, Module: "coin", Function: "transfer"}},
		Events: []types.EventData{{
			PackageID: pkg,
			Module:    "coin",
			Type:      types.StructTag{Address: pkg, Module: "coin", Name: "Transferred"},
			Sender:    sender,
			Bcs:       []byte{byte(seed)},
		}},
		Objects: []types.ObjectChange{Created(ID(byte(seed), seed), 1)},
	}
}

// Created is an object change creating id at version.
func Created(id []byte, version int64) types.ObjectChange {
	return Change(id, version, 0)
}

// Change is an object change of status at version.
func Change(id []byte, version int64, status int16) types.ObjectChange {
	return types.ObjectChange{
		ObjectID:   id,
		Version:    version,
		Status:     status,
		Digest:     ID(0xdd, version),
		OwnerType:  1,
		OwnerID:    ID(0x0a, 1),
		Type:       &types.StructTag{Address: ID(0x02, 0), Module: "coin", Name: "Coin"},
		Serialized: []byte{byte(version)},
	}
}
