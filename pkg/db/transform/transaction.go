package transform

import (
	"strings"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

// Transaction maps one transaction into its row.
func Transaction(cp *types.CheckpointData, seq int64, tx *types.TransactionData) *indexer.Transaction {
	events := make([][]byte, len(tx.Events))
	for i, ev := range tx.Events {
		events[i] = ev.Bcs
	}
	return &indexer.Transaction{
		TxSequenceNumber:         seq,
		TransactionDigest:        tx.Digest,
		RawTransaction:           tx.RawTransaction,
		RawEffects:               tx.RawEffects,
		CheckpointSequenceNumber: cp.Summary.SequenceNumber,
		TimestampMs:              cp.Summary.TimestampMs,
		ObjectChanges:            nonNil(tx.ObjectChanges),
		BalanceChanges:           nonNil(tx.BalanceChanges),
		Events:                   events,
		TransactionKind:          tx.Kind,
		SuccessCommandCount:      tx.SuccessCommandCount,
	}
}

func nonNil(b [][]byte) [][]byte {
	if b == nil {
		return [][]byte{}
	}
	return b
}

// indexRows collects fan-out rows of one transaction, dropping repeats of the
// same primary key.
type indexRows struct {
	b     *builder
	seq   int64
	event *int64
	seen  map[string]struct{}
}

func (ix *indexRows) add(e entities.Entity, dims ...any) {
	if !ix.b.wants(e) {
		return
	}
	// the trailing sender is not part of the key of multi-dimension tables
	keyDims := dims
	if len(dims) > 1 {
		keyDims = dims[:len(dims)-1]
	}
	var key strings.Builder
	key.WriteString(string(e))
	for _, d := range keyDims {
		key.WriteByte(0)
		switch v := d.(type) {
		case []byte:
			key.Write(v)
		case string:
			key.WriteString(v)
		}
	}
	if _, dup := ix.seen[key.String()]; dup {
		return
	}
	ix.seen[key.String()] = struct{}{}
	ix.b.add(e, &indexer.IndexRow{Dims: dims, TxSequenceNumber: ix.seq, EventSequenceNumber: ix.event})
}

func (b *builder) transactions(cp *types.CheckpointData) {
	first := cp.FirstTxSequenceNumber()
	for i := range cp.Transactions {
		tx := &cp.Transactions[i]
		seq := first + int64(i)
		b.add(entities.Transactions, Transaction(cp, seq, tx))

		ix := &indexRows{b: b, seq: seq, seen: map[string]struct{}{}}
		ix.add(entities.TxSenders, tx.Sender)
		for _, r := range tx.Recipients {
			ix.add(entities.TxRecipients, r, tx.Sender)
		}
		for _, c := range tx.MoveCalls {
			ix.add(entities.TxCallsPkg, c.Package, tx.Sender)
			ix.add(entities.TxCallsMod, c.Package, c.Module, tx.Sender)
			ix.add(entities.TxCallsFun, c.Package, c.Module, c.Function, tx.Sender)
		}
		for _, o := range tx.InputObjects {
			ix.add(entities.TxInputObjects, o, tx.Sender)
		}
		for _, o := range tx.ChangedObjects {
			ix.add(entities.TxChangedObjects, o, tx.Sender)
		}
		for _, a := range tx.AffectedAddresses {
			ix.add(entities.TxAffectedAddresses, a, tx.Sender)
		}
		for _, o := range tx.AffectedObjects {
			ix.add(entities.TxAffectedObjects, o, tx.Sender)
		}
	}
}
