// Package memory is an in-process implementation of the ledger store. It
// mirrors the Postgres store's semantics: atomic commits, watermark CAS,
// partition catalog and chunked deletes. Used by tests and local replay.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/db/transform"
)

type table struct {
	entity entities.Entity
	// attached is false for detached range partitions
	attached bool
	rows     map[string][]any
}

// Store is safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	tables     map[string]*table
	partitions map[entities.Entity]map[int64]*admin.Partition
	watermarks map[string]admin.Watermark
	readers    map[string]map[string]admin.Reader
	faults     []error
	commits    int
}

var _ db.LedgerStore = (*Store)(nil)

// New returns a store with every plain table created.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	s := &Store{
		now:        now,
		tables:     make(map[string]*table),
		partitions: make(map[entities.Entity]map[int64]*admin.Partition),
		watermarks: make(map[string]admin.Watermark),
		readers:    make(map[string]map[string]admin.Reader),
	}
	for _, e := range entities.WithScheme(entities.SchemePlain) {
		s.tables[e.TableName()] = &table{entity: e, attached: true, rows: make(map[string][]any)}
	}
	return s
}

// FailCommits makes the next len(errs) commits return errs in order without writing anything.
func (s *Store) FailCommits(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, errs...)
}

// Commits counts successful commits.
func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *Store) Close() error { return nil }

func primaryKey(spec entities.Spec, values []any) string {
	h := transform.NewHasher()
	key := make([]any, len(spec.PrimaryKey))
	for i, c := range spec.PrimaryKey {
		key[i] = values[spec.ColumnIndex(c)]
	}
	transform.HashValues(h, key)
	return string(h.Sum(nil))
}

// checkWrite mirrors the errors Postgres raises for a missing table or a row
// outside the partition bounds.
func (s *Store) checkWrite(w db.TableWrite) error {
	t, ok := s.tables[w.Table]
	if !ok || !t.attached || t.entity != w.Entity {
		return fmt.Errorf("%w: table %s", db.ErrPartitionNotReady, w.Table)
	}
	spec := w.Entity.Spec()
	if spec.Scheme != entities.SchemeRange {
		return nil
	}
	p := s.partitions[w.Entity][w.Partition]
	if p == nil {
		return fmt.Errorf("%w: table %s", db.ErrPartitionNotReady, w.Table)
	}
	idx := spec.ColumnIndex(spec.KeyColumn)
	for _, r := range w.Rows {
		key, _ := r.Values()[idx].(int64)
		if !p.Covers(key) {
			return fmt.Errorf("%w: no partition of %s for key %d", db.ErrPartitionNotReady, w.Entity, key)
		}
	}
	return nil
}

func (s *Store) apply(w db.TableWrite) {
	t := s.tables[w.Table]
	spec := w.Entity.Spec()
	for _, r := range w.Rows {
		values := append([]any(nil), r.Values()...)
		s.put(t, spec, values)
	}
	for _, ts := range w.Tombstones {
		s.tombstone(t, spec, ts)
	}
}

func (s *Store) put(t *table, spec entities.Spec, values []any) {
	pk := primaryKey(spec, values)
	cur, exists := t.rows[pk]
	switch {
	case !exists:
		t.rows[pk] = values
	case spec.Mode == entities.WriteUpsertNewer:
		vi := spec.ColumnIndex(spec.VersionColumn)
		if cur[vi].(int64) < values[vi].(int64) {
			t.rows[pk] = values
		}
	}
}

func (s *Store) tombstone(t *table, spec entities.Spec, ts indexer.Tombstone) {
	vi := spec.ColumnIndex(spec.VersionColumn)
	idx := spec.ColumnIndex("object_id")
	for pk, row := range t.rows {
		if bytes.Equal(row[idx].([]byte), ts.ObjectID) && row[vi].(int64) < ts.Version {
			delete(t.rows, pk)
		}
	}
}

// Commit writes every row and moves the pipeline watermark in one step.
func (s *Store) Commit(_ context.Context, req db.CommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.faults) > 0 {
		err := s.faults[0]
		s.faults = s.faults[1:]
		return err
	}

	cur, exists := s.watermarks[req.Pipeline]
	var next admin.Watermark
	switch {
	case req.Expected == nil && exists:
		return fmt.Errorf("%w: %s already at %d", db.ErrWatermarkConflict, req.Pipeline, cur.CheckpointHiInclusive)
	case req.Expected == nil:
		next = admin.Initial(req.Pipeline, req.FirstCheckpoint, req.Marks)
	case !exists || cur.CheckpointHiInclusive != req.Expected.CheckpointHiInclusive:
		return fmt.Errorf("%w: %s expected %d", db.ErrWatermarkConflict, req.Pipeline, req.Expected.CheckpointHiInclusive)
	default:
		if req.Marks.CheckpointHiInclusive <= cur.CheckpointHiInclusive {
			return fmt.Errorf("%w: %s checkpoint_hi %d does not advance %d",
				db.ErrInvariant, req.Pipeline, req.Marks.CheckpointHiInclusive, cur.CheckpointHiInclusive)
		}
		next = cur.WithHighMarks(req.Marks)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	for _, w := range req.Writes {
		if err := s.checkWrite(w); err != nil {
			return err
		}
	}
	for _, w := range req.Writes {
		s.apply(w)
	}
	s.watermarks[req.Pipeline] = next
	s.commits++
	return nil
}

// ApplyWithoutWatermark writes rows but leaves watermarks alone, the state a
// non-transactional writer would leave after crashing between the two.
func (s *Store) ApplyWithoutWatermark(writes []db.TableWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if err := s.checkWrite(w); err != nil {
			return err
		}
	}
	for _, w := range writes {
		s.apply(w)
	}
	return nil
}

// DeleteBelow removes up to req.Limit rows whose key is below req.Below.
func (s *Store) DeleteBelow(_ context.Context, req db.DeleteRequest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[req.Table]
	if !ok || !t.attached {
		return 0, fmt.Errorf("%w: table %s", db.ErrNotFound, req.Table)
	}
	spec := req.Entity.Spec()
	idx := spec.ColumnIndex(spec.KeyColumn)
	if idx < 0 {
		return 0, fmt.Errorf("%w: %s has no key column", db.ErrInvalidInput, req.Entity)
	}
	var n int64
	for pk, row := range t.rows {
		if req.Limit > 0 && n >= int64(req.Limit) {
			break
		}
		if row[idx].(int64) < req.Below {
			delete(t.rows, pk)
			n++
		}
	}
	return n, nil
}

// entityRows returns every row of e in attached tables.
func (s *Store) entityRows(e entities.Entity) [][]any {
	var out [][]any
	for _, t := range s.tables {
		if t.entity != e || !t.attached {
			continue
		}
		for _, r := range t.rows {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) TxLoForCheckpoint(_ context.Context, cp int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.entityRows(entities.PrunerCpWatermark) {
		if r[0].(int64) == cp {
			return r[1].(int64), nil
		}
	}
	return 0, fmt.Errorf("%w: pruner_cp_watermark %d", db.ErrNotFound, cp)
}

func (s *Store) CheckpointMarks(_ context.Context, cp int64) (admin.HighMarks, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec := entities.Checkpoints.Spec()
	for _, r := range s.entityRows(entities.Checkpoints) {
		if r[0].(int64) != cp {
			continue
		}
		return admin.HighMarks{
			EpochHiInclusive:      r[spec.ColumnIndex("epoch")].(int64),
			CheckpointHiInclusive: cp,
			TxHi:                  r[spec.ColumnIndex("network_total_transactions")].(int64) - 1,
			TimestampMs:           r[spec.ColumnIndex("timestamp_ms")].(int64),
		}, nil
	}
	return admin.HighMarks{}, fmt.Errorf("%w: checkpoint %d", db.ErrNotFound, cp)
}

// AdvanceSnapshot folds history into objects_snapshot and moves the snapshot watermark.
func (s *Store) AdvanceSnapshot(_ context.Context, req db.SnapshotRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.watermarks[req.Pipeline]
	from := int64(-1)
	var next admin.Watermark
	switch {
	case req.Expected == nil && exists:
		return fmt.Errorf("%w: %s already at %d", db.ErrWatermarkConflict, req.Pipeline, cur.CheckpointHiInclusive)
	case req.Expected == nil:
		next = admin.Initial(req.Pipeline, 0, req.Marks)
	case !exists || cur.CheckpointHiInclusive != req.Expected.CheckpointHiInclusive:
		return fmt.Errorf("%w: %s expected %d", db.ErrWatermarkConflict, req.Pipeline, req.Expected.CheckpointHiInclusive)
	default:
		from = cur.CheckpointHiInclusive
		next = cur.WithHighMarks(req.Marks)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	to := req.Marks.CheckpointHiInclusive

	var history [][]any
	for _, r := range s.entityRows(entities.ObjectsHistory) {
		if cp := r[0].(int64); cp > from && cp <= to {
			history = append(history, r)
		}
	}
	// history columns: checkpoint, status, object columns...
	hspec := entities.ObjectsHistory.Spec()
	vi := hspec.ColumnIndex("object_version")
	sort.Slice(history, func(i, j int) bool {
		if history[i][0].(int64) != history[j][0].(int64) {
			return history[i][0].(int64) < history[j][0].(int64)
		}
		return history[i][vi].(int64) < history[j][vi].(int64)
	})

	t := s.tables[entities.ObjectsSnapshot.TableName()]
	spec := entities.ObjectsSnapshot.Spec()
	for _, h := range history {
		status := indexer.ObjectStatus(h[1].(int16))
		if status.Live() {
			values := append(append([]any{}, h[2:]...), h[0])
			s.put(t, spec, values)
			continue
		}
		s.tombstone(t, spec, indexer.Tombstone{ObjectID: h[2].([]byte), Version: h[vi].(int64)})
	}
	s.watermarks[req.Pipeline] = next
	return nil
}
