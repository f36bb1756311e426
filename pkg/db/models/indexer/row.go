// Package indexer holds the ledger row models written by the committer.
//
// Every row exposes Values in the column order declared by its family in
// pkg/db/entities, so stores can write any family generically.
package indexer

// Row is a single record of a table family.
type Row interface {
	Values() []any
}

// Tombstone removes the live row of ObjectID when its stored version is older
// than Version. Used for deleted and wrapped objects.
type Tombstone struct {
	ObjectID []byte `json:"object_id"`
	Version  int64  `json:"version"`
}

// IndexRow is a row of a transaction or event fan-out table. Dims are the
// leading dimension columns in declared order (including any trailing sender).
type IndexRow struct {
	Dims             []any `json:"dims"`
	TxSequenceNumber int64 `json:"tx_sequence_number"`
	// EventSequenceNumber is set for event_* tables only.
	EventSequenceNumber *int64 `json:"event_sequence_number,omitempty"`
}

func (r *IndexRow) Values() []any {
	out := make([]any, 0, len(r.Dims)+2)
	out = append(out, r.Dims...)
	out = append(out, r.TxSequenceNumber)
	if r.EventSequenceNumber != nil {
		out = append(out, *r.EventSequenceNumber)
	}
	return out
}
