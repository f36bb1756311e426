package ledger

import (
	"context"
	"fmt"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/postgres"
)

// deleteSQL removes rows below $1. With a limit the rows are picked by ctid
// so each call holds locks on a bounded set of rows.
func deleteSQL(spec entities.Spec, table string, limit int) string {
	t, key := ident(table), ident(spec.KeyColumn)
	if limit <= 0 {
		return fmt.Sprintf("DELETE FROM %s WHERE %s < $1", t, key)
	}
	return fmt.Sprintf(
		"DELETE FROM %s WHERE ctid = ANY(ARRAY(SELECT ctid FROM %s WHERE %s < $1 LIMIT %d))",
		t, t, key, limit,
	)
}

// DeleteBelow removes up to req.Limit rows of req.Table whose key is below req.Below.
func (s *Store) DeleteBelow(ctx context.Context, req db.DeleteRequest) (int64, error) {
	if !req.Entity.IsValid() {
		return 0, fmt.Errorf("%w: unknown entity %q", db.ErrInvalidInput, req.Entity)
	}
	spec := req.Entity.Spec()
	if spec.KeyColumn == "" {
		return 0, fmt.Errorf("%w: %s has no key column", db.ErrInvalidInput, req.Entity)
	}
	tag, err := s.GetExecutor(ctx).Exec(ctx, deleteSQL(spec, req.Table, req.Limit), req.Below)
	if err != nil {
		if postgres.IsUndefinedTable(err) {
			return 0, fmt.Errorf("%w: table %s", db.ErrNotFound, req.Table)
		}
		return 0, fmt.Errorf("delete from %s below %d: %w", req.Table, req.Below, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) TxLoForCheckpoint(ctx context.Context, cp int64) (int64, error) {
	var lo int64
	err := s.QueryRow(ctx, `
		SELECT min_tx_sequence_number FROM pruner_cp_watermark WHERE checkpoint_sequence_number = $1
	`, cp).Scan(&lo)
	if err != nil {
		if postgres.IsNoRows(err) {
			return 0, fmt.Errorf("%w: pruner_cp_watermark %d", db.ErrNotFound, cp)
		}
		return 0, fmt.Errorf("query pruner_cp_watermark %d: %w", cp, err)
	}
	return lo, nil
}

func (s *Store) CheckpointMarks(ctx context.Context, cp int64) (admin.HighMarks, error) {
	marks := admin.HighMarks{CheckpointHiInclusive: cp}
	err := s.QueryRow(ctx, `
		SELECT epoch, network_total_transactions - 1, timestamp_ms
		FROM checkpoints
		WHERE sequence_number = $1
	`, cp).Scan(&marks.EpochHiInclusive, &marks.TxHi, &marks.TimestampMs)
	if err != nil {
		if postgres.IsNoRows(err) {
			return admin.HighMarks{}, fmt.Errorf("%w: checkpoint %d", db.ErrNotFound, cp)
		}
		return admin.HighMarks{}, fmt.Errorf("query checkpoint %d: %w", cp, err)
	}
	return marks, nil
}
