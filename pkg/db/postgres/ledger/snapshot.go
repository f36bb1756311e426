package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/jackc/pgx/v5"
)

// latestHistory selects the last change of every object in ($1, $2].
const latestHistory = `
	SELECT DISTINCT ON (object_id) *
	FROM objects_history
	WHERE checkpoint_sequence_number > $1 AND checkpoint_sequence_number <= $2
	ORDER BY object_id, checkpoint_sequence_number DESC, object_version DESC
`

func snapshotUpsertSQL() string {
	spec := entities.ObjectsSnapshot.Spec()
	cols := identList(spec.Columns)

	var set []string
	for _, c := range spec.Columns {
		if !isKey(spec, c) {
			set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
		}
	}
	return fmt.Sprintf(`
		INSERT INTO objects_snapshot (%s)
		SELECT %s FROM (%s) latest
		WHERE object_status NOT IN (%d, %d)
		ON CONFLICT (object_id) DO UPDATE SET %s
		WHERE objects_snapshot.object_version < EXCLUDED.object_version
	`, cols, cols, latestHistory, indexer.ObjectDeleted, indexer.ObjectWrapped, strings.Join(set, ", "))
}

func snapshotDeleteSQL() string {
	return fmt.Sprintf(`
		DELETE FROM objects_snapshot s
		USING (%s) latest
		WHERE s.object_id = latest.object_id
			AND latest.object_status IN (%d, %d)
			AND s.object_version < latest.object_version
	`, latestHistory, indexer.ObjectDeleted, indexer.ObjectWrapped)
}

// AdvanceSnapshot folds history into objects_snapshot and moves the snapshot
// watermark in the same transaction.
func (s *Store) AdvanceSnapshot(ctx context.Context, req db.SnapshotRequest) error {
	from := int64(-1)
	if req.Expected != nil {
		from = req.Expected.CheckpointHiInclusive
	}
	to := req.Marks.CheckpointHiInclusive

	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := casHighMarks(ctx, tx, req.Pipeline, req.Expected, 0, req.Marks); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, snapshotUpsertSQL(), from, to); err != nil {
			return fmt.Errorf("upsert objects_snapshot (%d, %d]: %w", from, to, err)
		}
		if _, err := tx.Exec(ctx, snapshotDeleteSQL(), from, to); err != nil {
			return fmt.Errorf("delete objects_snapshot (%d, %d]: %w", from, to, err)
		}
		return nil
	})
}
