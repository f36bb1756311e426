package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
)

func (s *Store) ListPartitions(_ context.Context, entity entities.Entity) ([]admin.Partition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]admin.Partition, 0, len(s.partitions[entity]))
	for _, p := range s.partitions[entity] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) CreatePartition(_ context.Context, p admin.Partition) error {
	e := entities.Entity(p.Entity)
	if !e.IsValid() || e.Spec().Scheme != entities.SchemeRange || p.Lo >= p.Hi {
		return fmt.Errorf("%w: partition %s[%d,%d)", db.ErrInvalidInput, p.Entity, p.Lo, p.Hi)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.partitions[e] == nil {
		s.partitions[e] = make(map[int64]*admin.Partition)
	}
	if cur, ok := s.partitions[e][p.Index]; ok {
		if cur.State != admin.PartitionAttached {
			return fmt.Errorf("%w: %s", db.ErrPartitionRetired, e.PartitionTable(p.Index))
		}
		return nil
	}
	p.State = admin.PartitionAttached
	p.CreatedAt = s.now().UTC()
	s.partitions[e][p.Index] = &p
	s.tables[e.PartitionTable(p.Index)] = &table{entity: e, attached: true, rows: make(map[string][]any)}
	return nil
}

func (s *Store) DetachPartition(_ context.Context, entity entities.Entity, index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[entity][index]
	if !ok {
		return fmt.Errorf("%w: %s", db.ErrNotFound, entity.PartitionTable(index))
	}
	if p.State != admin.PartitionAttached {
		return nil
	}
	now := s.now().UTC()
	p.State = admin.PartitionDetached
	p.DetachedAt = &now
	s.tables[entity.PartitionTable(index)].attached = false
	return nil
}

func (s *Store) DropPartition(_ context.Context, entity entities.Entity, index int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.partitions[entity][index]
	if !ok {
		return fmt.Errorf("%w: %s", db.ErrNotFound, entity.PartitionTable(index))
	}
	switch p.State {
	case admin.PartitionDropped:
		return nil
	case admin.PartitionAttached:
		return fmt.Errorf("%w: %s must be detached before drop", db.ErrInvalidInput, entity.PartitionTable(index))
	}
	p.State = admin.PartitionDropped
	delete(s.tables, entity.PartitionTable(index))
	return nil
}

func (s *Store) CreateShard(_ context.Context, entity entities.Entity, shard int) error {
	if !entity.IsValid() || entity.Spec().Scheme != entities.SchemeShard || shard < 0 || shard >= entities.ShardCount {
		return fmt.Errorf("%w: shard %s/%d", db.ErrInvalidInput, entity, shard)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := entity.ShardTable(shard)
	if _, ok := s.tables[name]; !ok {
		s.tables[name] = &table{entity: entity, attached: true, rows: make(map[string][]any)}
	}
	return nil
}
