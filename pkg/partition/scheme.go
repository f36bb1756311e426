// Package partition maps table family keys to physical tables and manages
// the lifecycle of range partitions and hash shards.
package partition

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/db/transform"
)

// ErrInvalidKey is returned for negative keys and unroutable rows.
var ErrInvalidKey = errors.New("invalid partition key")

// ID identifies one physical table of a family: a range partition index, a
// shard number or 0 for plain tables.
type ID struct {
	Entity entities.Entity
	Index  int64
}

// Table is the physical table name.
func (id ID) Table() string {
	switch id.Entity.Spec().Scheme {
	case entities.SchemeRange:
		return id.Entity.PartitionTable(id.Index)
	case entities.SchemeShard:
		return id.Entity.ShardTable(int(id.Index))
	default:
		return id.Entity.TableName()
	}
}

func (id ID) String() string {
	return id.Table()
}

// DefaultSpans are the range widths used when none is configured.
func DefaultSpans() map[entities.Entity]int64 {
	return map[entities.Entity]int64{
		entities.Checkpoints:    100_000,
		entities.Transactions:   1_000_000,
		entities.Events:         1_000_000,
		entities.ObjectsHistory: 100_000,
	}
}

// Scheme is the pure, total mapping from keys to partitions.
type Scheme struct {
	spans map[entities.Entity]int64
}

// NewScheme builds a scheme. Range families missing from spans use DefaultSpans.
func NewScheme(spans map[entities.Entity]int64) (*Scheme, error) {
	s := &Scheme{spans: DefaultSpans()}
	for e, span := range spans {
		if !e.IsValid() {
			return nil, fmt.Errorf("partition span for unknown entity %q", e)
		}
		if e.Spec().Scheme != entities.SchemeRange {
			return nil, fmt.Errorf("partition span for %s which is not range partitioned", e)
		}
		if span <= 0 {
			return nil, fmt.Errorf("partition span for %s must be > 0, got %d", e, span)
		}
		s.spans[e] = span
	}
	return s, nil
}

// Span returns the width of e's range partitions, 0 for non-range families.
func (s *Scheme) Span(e entities.Entity) int64 {
	return s.spans[e]
}

// PartitionFor returns the partition holding key. Shard families are routed
// by object id, see ShardFor.
func (s *Scheme) PartitionFor(e entities.Entity, key int64) (ID, error) {
	if key < 0 {
		return ID{}, fmt.Errorf("%w: %s key %d", ErrInvalidKey, e, key)
	}
	switch e.Spec().Scheme {
	case entities.SchemeRange:
		return ID{Entity: e, Index: key / s.spans[e]}, nil
	case entities.SchemeShard:
		return ID{}, fmt.Errorf("%w: %s is sharded by object id", ErrInvalidKey, e)
	default:
		return ID{Entity: e}, nil
	}
}

// ShardFor returns the shard of an object id: its first byte.
func ShardFor(objectID []byte) (int64, error) {
	if len(objectID) == 0 {
		return 0, fmt.Errorf("%w: empty object id", ErrInvalidKey)
	}
	return int64(objectID[0]), nil
}

// Range returns the [lo, hi) key range id covers. Plain tables and shards
// cover every key.
func (s *Scheme) Range(id ID) (int64, int64) {
	if id.Entity.Spec().Scheme != entities.SchemeRange {
		return 0, math.MaxInt64
	}
	span := s.spans[id.Entity]
	lo := id.Index * span
	if id.Index >= math.MaxInt64/span {
		return lo, math.MaxInt64
	}
	return lo, lo + span
}

// Key extracts the key column of a row of e.
func Key(e entities.Entity, row indexer.Row) (int64, error) {
	spec := e.Spec()
	if spec.KeyColumn == "" {
		return 0, fmt.Errorf("%w: %s has no key column", ErrInvalidKey, e)
	}
	v := row.Values()[spec.ColumnIndex(spec.KeyColumn)]
	key, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s is %T", ErrInvalidKey, e, spec.KeyColumn, v)
	}
	return key, nil
}

// Locate returns the physical table a row of e belongs to.
func (s *Scheme) Locate(e entities.Entity, row indexer.Row) (ID, error) {
	spec := e.Spec()
	switch spec.Scheme {
	case entities.SchemeShard:
		v := row.Values()[spec.ColumnIndex(spec.RouteColumn)]
		id, ok := v.([]byte)
		if !ok {
			return ID{}, fmt.Errorf("%w: %s.%s is %T", ErrInvalidKey, e, spec.RouteColumn, v)
		}
		shard, err := ShardFor(id)
		if err != nil {
			return ID{}, err
		}
		return ID{Entity: e, Index: shard}, nil
	case entities.SchemeRange:
		key, err := Key(e, row)
		if err != nil {
			return ID{}, err
		}
		return s.PartitionFor(e, key)
	default:
		return ID{Entity: e}, nil
	}
}

// Split groups a row set by physical table in ascending partition order.
// Tombstones only exist for plain families and stay with the single table.
func (s *Scheme) Split(set transform.RowSet) ([]db.TableWrite, error) {
	groups := make(map[int64]*db.TableWrite)
	for _, row := range set.Rows {
		id, err := s.Locate(set.Entity, row)
		if err != nil {
			return nil, fmt.Errorf("routing %s: %w", set.Entity, err)
		}
		w, ok := groups[id.Index]
		if !ok {
			w = &db.TableWrite{Entity: set.Entity, Table: id.Table(), Partition: id.Index}
			groups[id.Index] = w
		}
		w.Rows = append(w.Rows, row)
	}
	if len(set.Tombstones) > 0 {
		if set.Entity.Spec().Scheme != entities.SchemePlain {
			return nil, fmt.Errorf("%w: tombstones for %s", ErrInvalidKey, set.Entity)
		}
		w, ok := groups[0]
		if !ok {
			w = &db.TableWrite{Entity: set.Entity, Table: set.Entity.TableName()}
			groups[0] = w
		}
		w.Tombstones = append(w.Tombstones, set.Tombstones...)
	}

	out := make([]db.TableWrite, 0, len(groups))
	for _, w := range groups {
		out = append(out, *w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out, nil
}

// Route splits every row set of a write set.
func (s *Scheme) Route(ws *transform.WriteSet) ([]db.TableWrite, error) {
	var out []db.TableWrite
	for _, set := range ws.Sets {
		writes, err := s.Split(set)
		if err != nil {
			return nil, err
		}
		out = append(out, writes...)
	}
	return out, nil
}
