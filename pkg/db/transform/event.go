package transform

import (
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

// Event maps the n-th event of a transaction into its row.
func Event(cp *types.CheckpointData, txSeq int64, tx *types.TransactionData, n int64, ev *types.EventData) *indexer.Event {
	return &indexer.Event{
		TxSequenceNumber:    txSeq,
		EventSequenceNumber: n,
		TransactionDigest:   tx.Digest,
		Senders:             [][]byte{ev.Sender},
		Package:             ev.PackageID,
		Module:              ev.Module,
		EventType:           ev.Type.String(),
		TimestampMs:         cp.Summary.TimestampMs,
		Bcs:                 ev.Bcs,
		Sender:              ev.Sender,
	}
}

func (b *builder) events(cp *types.CheckpointData) {
	first := cp.FirstTxSequenceNumber()
	for i := range cp.Transactions {
		tx := &cp.Transactions[i]
		seq := first + int64(i)
		for j := range tx.Events {
			ev := &tx.Events[j]
			n := int64(j)
			b.add(entities.Events, Event(cp, seq, tx, n, ev))

			ix := &indexRows{b: b, seq: seq, event: &n, seen: map[string]struct{}{}}
			tag := ev.Type
			ix.add(entities.EventEmitPackage, ev.PackageID, ev.Sender)
			ix.add(entities.EventEmitModule, ev.PackageID, ev.Module, ev.Sender)
			ix.add(entities.EventStructPackage, tag.Address, ev.Sender)
			ix.add(entities.EventStructModule, tag.Address, tag.Module, ev.Sender)
			ix.add(entities.EventStructName, tag.Address, tag.Module, tag.Name, ev.Sender)
			ix.add(entities.EventStructInstantiation, tag.Address, tag.Module, tag.Instantiation(), ev.Sender)
			ix.add(entities.EventSenders, ev.Sender)
		}
	}
}
