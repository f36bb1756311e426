package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/jackc/pgx/v5"
)

func (s *Store) ListPartitions(ctx context.Context, entity entities.Entity) ([]admin.Partition, error) {
	rows, err := s.Query(ctx, `
		SELECT entity, partition_index, lo, hi, state, created_at, detached_at
		FROM partitions
		WHERE entity = $1
		ORDER BY partition_index
	`, string(entity))
	if err != nil {
		return nil, fmt.Errorf("query partitions %s: %w", entity, err)
	}
	defer rows.Close()

	out := []admin.Partition{}
	for rows.Next() {
		var (
			p     admin.Partition
			state string
		)
		if err := rows.Scan(&p.Entity, &p.Index, &p.Lo, &p.Hi, &state, &p.CreatedAt, &p.DetachedAt); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		p.State = admin.PartitionState(state)
		out = append(out, p)
	}
	return out, rows.Err()
}

// catalogState locks the catalog row of a partition. ok is false when absent.
func catalogState(ctx context.Context, tx pgx.Tx, entity entities.Entity, index int64) (admin.PartitionState, bool, error) {
	var state string
	err := tx.QueryRow(ctx, `
		SELECT state FROM partitions WHERE entity = $1 AND partition_index = $2 FOR UPDATE
	`, string(entity), index).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lock partition %s: %w", entity.PartitionTable(index), err)
	}
	return admin.PartitionState(state), true, nil
}

// CreatePartition attaches a child table covering [p.Lo, p.Hi) and records
// it in the catalog. Creating a known attached partition is a no-op.
func (s *Store) CreatePartition(ctx context.Context, p admin.Partition) error {
	e := entities.Entity(p.Entity)
	if !e.IsValid() || e.Spec().Scheme != entities.SchemeRange || p.Lo >= p.Hi {
		return fmt.Errorf("%w: partition %s[%d,%d)", db.ErrInvalidInput, p.Entity, p.Lo, p.Hi)
	}
	table := e.PartitionTable(p.Index)

	err := s.BeginFunc(ctx, func(tx pgx.Tx) error {
		state, ok, err := catalogState(ctx, tx, e, p.Index)
		if err != nil {
			return err
		}
		if ok && state != admin.PartitionAttached {
			return fmt.Errorf("%w: %s", db.ErrPartitionRetired, table)
		}
		if ok {
			return nil
		}

		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM (%d) TO (%d)",
			ident(table), ident(e.TableName()), p.Lo, p.Hi)
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create partition %s: %w", table, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO partitions (entity, partition_index, lo, hi, state, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (entity, partition_index) DO NOTHING
		`, p.Entity, p.Index, p.Lo, p.Hi, string(admin.PartitionAttached))
		if err != nil {
			return fmt.Errorf("record partition %s: %w", table, err)
		}
		return nil
	})
	return err
}

// DetachPartition detaches a child table so it no longer receives rows or
// answers queries through the parent. The table stays until DropPartition.
func (s *Store) DetachPartition(ctx context.Context, entity entities.Entity, index int64) error {
	table := entity.PartitionTable(index)
	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		state, ok, err := catalogState(ctx, tx, entity, index)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", db.ErrNotFound, table)
		}
		if state != admin.PartitionAttached {
			return nil
		}
		ddl := fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", ident(entity.TableName()), ident(table))
		if _, err := tx.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("detach partition %s: %w", table, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE partitions SET state = $3, detached_at = $4
			WHERE entity = $1 AND partition_index = $2
		`, string(entity), index, string(admin.PartitionDetached), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("record detach %s: %w", table, err)
		}
		return nil
	})
}

// DropPartition drops a detached child table. Attached partitions must be detached first.
func (s *Store) DropPartition(ctx context.Context, entity entities.Entity, index int64) error {
	table := entity.PartitionTable(index)
	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		state, ok, err := catalogState(ctx, tx, entity, index)
		if err != nil {
			return err
		}
		switch {
		case !ok:
			return fmt.Errorf("%w: %s", db.ErrNotFound, table)
		case state == admin.PartitionDropped:
			return nil
		case state == admin.PartitionAttached:
			return fmt.Errorf("%w: %s must be detached before drop", db.ErrInvalidInput, table)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", ident(table))); err != nil {
			return fmt.Errorf("drop partition %s: %w", table, err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE partitions SET state = $3 WHERE entity = $1 AND partition_index = $2
		`, string(entity), index, string(admin.PartitionDropped))
		if err != nil {
			return fmt.Errorf("record drop %s: %w", table, err)
		}
		return nil
	})
}

// CreateShard creates one of the fixed shard tables of a sharded family.
func (s *Store) CreateShard(ctx context.Context, entity entities.Entity, shard int) error {
	if !entity.IsValid() || entity.Spec().Scheme != entities.SchemeShard || shard < 0 || shard >= entities.ShardCount {
		return fmt.Errorf("%w: shard %s/%d", db.ErrInvalidInput, entity, shard)
	}
	spec := entity.Spec()
	table := entity.ShardTable(shard)
	if err := s.Exec(ctx, tableDDL(spec, table)); err != nil {
		return fmt.Errorf("create shard %s: %w", table, err)
	}
	if ddl := keyIndexDDL(spec, table); ddl != "" {
		if err := s.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("index shard %s: %w", table, err)
		}
	}
	return nil
}
