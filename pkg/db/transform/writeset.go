// Package transform turns decoded checkpoints into the rows each table family
// stores. Builders are pure: the same batch always yields the same WriteSet.
package transform

import (
	"fmt"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/indexer/types"
)

// RowSet is everything written to one family by a batch.
type RowSet struct {
	Entity     entities.Entity
	Rows       []indexer.Row
	Tombstones []indexer.Tombstone
}

// WriteSet is the output of one batch for one pipeline.
type WriteSet struct {
	First int64
	Last  int64
	// Marks are the high marks the batch moves the pipeline to.
	Marks admin.HighMarks
	// Sets follows registry order and only holds requested families.
	Sets []RowSet
}

// Set returns the row set of e, or nil when e was not requested.
func (ws *WriteSet) Set(e entities.Entity) *RowSet {
	for i := range ws.Sets {
		if ws.Sets[i].Entity == e {
			return &ws.Sets[i]
		}
	}
	return nil
}

// RowCount counts rows and tombstones across all families.
func (ws *WriteSet) RowCount() int {
	n := 0
	for _, s := range ws.Sets {
		n += len(s.Rows) + len(s.Tombstones)
	}
	return n
}

type builder struct {
	rows    map[entities.Entity][]indexer.Row
	objects *objectState
}

func (b *builder) add(e entities.Entity, r indexer.Row) {
	if _, ok := b.rows[e]; ok {
		b.rows[e] = append(b.rows[e], r)
	}
}

func (b *builder) wants(e entities.Entity) bool {
	_, ok := b.rows[e]
	return ok
}

// Build produces the write set of families for a contiguous batch. The batch
// must be ordered by sequence number without holes and transaction numbering
// must continue across checkpoints.
func Build(families []entities.Entity, batch []*types.CheckpointData) (*WriteSet, error) {
	if len(batch) == 0 {
		return nil, fmt.Errorf("%w: empty batch", types.ErrMalformedCheckpoint)
	}

	b := &builder{rows: make(map[entities.Entity][]indexer.Row, len(families))}
	for _, e := range families {
		if !e.IsValid() {
			return nil, fmt.Errorf("unknown entity %q", e)
		}
		b.rows[e] = []indexer.Row{}
	}
	if b.wants(entities.Objects) {
		b.objects = newObjectState()
	}

	for i, cp := range batch {
		if err := cp.Validate(); err != nil {
			return nil, err
		}
		if i > 0 {
			prev := batch[i-1]
			if cp.Summary.SequenceNumber != prev.Summary.SequenceNumber+1 {
				return nil, fmt.Errorf("%w: checkpoint %d follows %d",
					types.ErrMalformedCheckpoint, cp.Summary.SequenceNumber, prev.Summary.SequenceNumber)
			}
			if cp.FirstTxSequenceNumber() != prev.Summary.NetworkTotalTransactions {
				return nil, fmt.Errorf("%w: checkpoint %d starts at tx %d, previous ended at %d",
					types.ErrMalformedCheckpoint, cp.Summary.SequenceNumber,
					cp.FirstTxSequenceNumber(), prev.Summary.NetworkTotalTransactions)
			}
		}

		b.checkpoint(cp)
		b.transactions(cp)
		b.events(cp)
		b.objectChanges(cp)
		b.packages(cp)
	}

	last := batch[len(batch)-1].Summary
	ws := &WriteSet{
		First: batch[0].Summary.SequenceNumber,
		Last:  last.SequenceNumber,
		Marks: admin.HighMarks{
			EpochHiInclusive:      last.Epoch,
			CheckpointHiInclusive: last.SequenceNumber,
			TxHi:                  last.NetworkTotalTransactions - 1,
			TimestampMs:           last.TimestampMs,
		},
	}
	for _, e := range entities.All() {
		rows, ok := b.rows[e]
		if !ok {
			continue
		}
		set := RowSet{Entity: e, Rows: rows}
		if e == entities.Objects {
			set.Rows, set.Tombstones = b.objects.final()
		}
		ws.Sets = append(ws.Sets, set)
	}
	return ws, nil
}
