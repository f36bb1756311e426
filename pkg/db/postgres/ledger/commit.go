package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/canopy-network/ledgerx/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

// maxParams is the Postgres bind parameter limit of one statement.
const maxParams = 65535

// Commit writes every row and moves the pipeline watermark in one transaction.
func (s *Store) Commit(ctx context.Context, req db.CommitRequest) error {
	err := s.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := casHighMarks(ctx, tx, req.Pipeline, req.Expected, req.FirstCheckpoint, req.Marks); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, w := range req.Writes {
			queueWrite(batch, w)
		}
		return postgres.ExecuteBatch(ctx, tx, batch)
	})
	return classifyWrite(err)
}

// casHighMarks inserts the first watermark of a pipeline or moves the high
// marks of an existing one from expected.
func casHighMarks(ctx context.Context, exec postgres.Executor, pipeline string, expected *admin.Watermark, first int64, marks admin.HighMarks) error {
	if expected == nil {
		wm := admin.Initial(pipeline, first, marks)
		if err := wm.Validate(); err != nil {
			return err
		}
		tag, err := exec.Exec(ctx, `
			INSERT INTO watermarks (
				pipeline, epoch_hi_inclusive, checkpoint_hi_inclusive, tx_hi, timestamp_ms,
				epoch_lo, reader_lo, pruner_timestamp_ms, pruner_hi
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (pipeline) DO NOTHING
		`, wm.Pipeline, wm.EpochHiInclusive, wm.CheckpointHiInclusive, wm.TxHi, wm.TimestampMs,
			wm.EpochLo, wm.ReaderLo, wm.PrunerTimestampMs, wm.PrunerHi)
		if err != nil {
			return fmt.Errorf("insert watermark %s: %w", pipeline, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s already has a watermark", db.ErrWatermarkConflict, pipeline)
		}
		return nil
	}

	if marks.CheckpointHiInclusive <= expected.CheckpointHiInclusive {
		return fmt.Errorf("%w: %s checkpoint_hi %d does not advance %d",
			db.ErrInvariant, pipeline, marks.CheckpointHiInclusive, expected.CheckpointHiInclusive)
	}
	if marks.TxHi < -1 {
		return fmt.Errorf("%w: %s tx_hi %d", db.ErrInvariant, pipeline, marks.TxHi)
	}
	tag, err := exec.Exec(ctx, `
		UPDATE watermarks SET
			epoch_hi_inclusive = $3,
			checkpoint_hi_inclusive = $4,
			tx_hi = $5,
			timestamp_ms = $6,
			updated_at = NOW()
		WHERE pipeline = $1 AND checkpoint_hi_inclusive = $2
	`, pipeline, expected.CheckpointHiInclusive,
		marks.EpochHiInclusive, marks.CheckpointHiInclusive, marks.TxHi, marks.TimestampMs)
	if err != nil {
		return fmt.Errorf("update watermark %s: %w", pipeline, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s expected %d", db.ErrWatermarkConflict, pipeline, expected.CheckpointHiInclusive)
	}
	return nil
}

// classifyWrite maps missing tables and partition bound violations to
// ErrPartitionNotReady so the committer ensures partitions and retries.
func classifyWrite(err error) error {
	if err == nil {
		return nil
	}
	if postgres.IsMissingPartition(err) {
		return fmt.Errorf("%w: %v", db.ErrPartitionNotReady, err)
	}
	return err
}

func queueWrite(batch *pgx.Batch, w db.TableWrite) {
	spec := w.Entity.Spec()
	rows := w.Rows
	if spec.Mode == entities.WriteUpsertNewer {
		rows = newestPerKey(spec, rows)
	}

	perStmt := maxParams / len(spec.Columns)
	for start := 0; start < len(rows); start += perStmt {
		chunk := rows[start:min(start+perStmt, len(rows))]
		sql, args := insertSQL(spec, w.Table, chunk)
		batch.Queue(sql, args...)
	}
	for _, ts := range w.Tombstones {
		batch.Queue(fmt.Sprintf(
			`DELETE FROM %s WHERE object_id = $1 AND %s < $2`, ident(w.Table), ident(spec.VersionColumn),
		), ts.ObjectID, ts.Version)
	}
}

// newestPerKey keeps the highest version of each primary key. A single
// INSERT ... ON CONFLICT DO UPDATE cannot touch the same row twice.
func newestPerKey(spec entities.Spec, rows []indexer.Row) []indexer.Row {
	vi := spec.ColumnIndex(spec.VersionColumn)
	pk := make([]int, len(spec.PrimaryKey))
	for i, c := range spec.PrimaryKey {
		pk[i] = spec.ColumnIndex(c)
	}

	pos := make(map[string]int, len(rows))
	out := make([]indexer.Row, 0, len(rows))
	for _, r := range rows {
		values := r.Values()
		var key strings.Builder
		for _, i := range pk {
			fmt.Fprintf(&key, "%x\x00", values[i])
		}
		j, seen := pos[key.String()]
		if !seen {
			pos[key.String()] = len(out)
			out = append(out, r)
			continue
		}
		if out[j].Values()[vi].(int64) < values[vi].(int64) {
			out[j] = r
		}
	}
	return out
}

// insertSQL builds a multi-row insert. Append families ignore existing keys,
// upsert families replace a row only with a newer version.
func insertSQL(spec entities.Spec, table string, rows []indexer.Row) (string, []any) {
	cols := len(spec.Columns)
	args := make([]any, 0, len(rows)*cols)

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", ident(table), identList(spec.Columns))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := 0; j < cols; j++ {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+j+1)
		}
		b.WriteByte(')')
		args = append(args, r.Values()...)
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", identList(spec.PrimaryKey))
	if spec.Mode != entities.WriteUpsertNewer {
		b.WriteString("DO NOTHING")
		return b.String(), args
	}
	b.WriteString("DO UPDATE SET ")
	first := true
	for _, c := range spec.Columns {
		if isKey(spec, c) {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%s = EXCLUDED.%s", ident(c), ident(c))
	}
	fmt.Fprintf(&b, " WHERE %s.%s < EXCLUDED.%s", ident(table), ident(spec.VersionColumn), ident(spec.VersionColumn))
	return b.String(), args
}

func isKey(spec entities.Spec, column string) bool {
	for _, c := range spec.PrimaryKey {
		if c == column {
			return true
		}
	}
	return false
}
