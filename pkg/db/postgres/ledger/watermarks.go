package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/canopy-network/ledgerx/pkg/db/postgres"
	"github.com/jackc/pgx/v5"
)

const watermarkColumns = `
	pipeline, epoch_hi_inclusive, checkpoint_hi_inclusive, tx_hi, timestamp_ms,
	epoch_lo, reader_lo, pruner_timestamp_ms, pruner_hi
`

func scanWatermark(row pgx.Row) (*admin.Watermark, error) {
	var wm admin.Watermark
	err := row.Scan(
		&wm.Pipeline, &wm.EpochHiInclusive, &wm.CheckpointHiInclusive, &wm.TxHi, &wm.TimestampMs,
		&wm.EpochLo, &wm.ReaderLo, &wm.PrunerTimestampMs, &wm.PrunerHi,
	)
	if err != nil {
		return nil, err
	}
	return &wm, nil
}

func (s *Store) GetWatermark(ctx context.Context, pipeline string) (*admin.Watermark, error) {
	wm, err := scanWatermark(s.QueryRow(ctx,
		`SELECT `+watermarkColumns+` FROM watermarks WHERE pipeline = $1`, pipeline))
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, fmt.Errorf("%w: watermark %s", db.ErrNotFound, pipeline)
		}
		return nil, fmt.Errorf("query watermark %s: %w", pipeline, err)
	}
	return wm, nil
}

func (s *Store) ListWatermarks(ctx context.Context) ([]admin.Watermark, error) {
	rows, err := s.Query(ctx, `SELECT `+watermarkColumns+` FROM watermarks ORDER BY pipeline`)
	if err != nil {
		return nil, fmt.Errorf("query watermarks: %w", err)
	}
	defer rows.Close()

	out := []admin.Watermark{}
	for rows.Next() {
		wm, err := scanWatermark(rows)
		if err != nil {
			return nil, fmt.Errorf("scan watermark: %w", err)
		}
		out = append(out, *wm)
	}
	return out, rows.Err()
}

// SetReaderWatermark moves reader_lo forward only, clamped to checkpoint_hi_inclusive.
func (s *Store) SetReaderWatermark(ctx context.Context, pipeline string, readerLo, epochLo, nowMs int64) (bool, error) {
	tag, err := s.GetExecutor(ctx).Exec(ctx, `
		UPDATE watermarks SET
			reader_lo = LEAST($2, checkpoint_hi_inclusive),
			epoch_lo = $3,
			pruner_timestamp_ms = $4,
			updated_at = NOW()
		WHERE pipeline = $1 AND LEAST($2, checkpoint_hi_inclusive) > reader_lo
	`, pipeline, readerLo, epochLo, nowMs)
	if err != nil {
		return false, fmt.Errorf("set reader watermark %s: %w", pipeline, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetWatermark(ctx, pipeline); err != nil {
		return false, err
	}
	return false, nil
}

// SetPrunerWatermark moves pruner_hi from expected to prunerHi, never past reader_lo.
func (s *Store) SetPrunerWatermark(ctx context.Context, pipeline string, expected, prunerHi int64) error {
	tag, err := s.GetExecutor(ctx).Exec(ctx, `
		UPDATE watermarks SET pruner_hi = $3, updated_at = NOW()
		WHERE pipeline = $1 AND pruner_hi = $2 AND $3 >= pruner_hi AND $3 <= reader_lo
	`, pipeline, expected, prunerHi)
	if err != nil {
		return fmt.Errorf("set pruner watermark %s: %w", pipeline, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	wm, err := s.GetWatermark(ctx, pipeline)
	if err != nil {
		return err
	}
	switch {
	case wm.PrunerHi != expected:
		return fmt.Errorf("%w: %s pruner_hi is %d, expected %d", db.ErrWatermarkConflict, pipeline, wm.PrunerHi, expected)
	case prunerHi < wm.PrunerHi:
		return fmt.Errorf("%w: %s pruner_hi %d moves back from %d", db.ErrInvariant, pipeline, prunerHi, wm.PrunerHi)
	default:
		return fmt.Errorf("%w: %s pruner_hi %d > reader_lo %d", db.ErrInvariant, pipeline, prunerHi, wm.ReaderLo)
	}
}

// RegisterReader records a reader's low-water mark. The watermark row is read
// FOR SHARE so the pruner cannot move reader_lo past lo concurrently.
func (s *Store) RegisterReader(ctx context.Context, pipeline, reader string, lo int64) error {
	if pipeline == "" || reader == "" || lo < 0 {
		return fmt.Errorf("%w: pipeline, reader and lo >= 0 required", db.ErrInvalidInput)
	}
	return s.BeginFunc(ctx, func(tx pgx.Tx) error {
		var readerLo int64
		err := tx.QueryRow(ctx, `SELECT reader_lo FROM watermarks WHERE pipeline = $1 FOR SHARE`, pipeline).Scan(&readerLo)
		switch {
		case err == nil && lo < readerLo:
			return fmt.Errorf("%w: %s reader %s at %d, reader_lo %d", db.ErrBelowReaderLo, pipeline, reader, lo, readerLo)
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("lock watermark %s: %w", pipeline, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO watermark_readers (pipeline, reader, reader_lo, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (pipeline, reader) DO UPDATE SET
				reader_lo = EXCLUDED.reader_lo,
				updated_at = NOW()
		`, pipeline, reader, lo)
		if err != nil {
			return fmt.Errorf("register reader %s/%s: %w", pipeline, reader, err)
		}
		return nil
	})
}

func (s *Store) UnregisterReader(ctx context.Context, pipeline, reader string) error {
	if err := s.Exec(ctx, `DELETE FROM watermark_readers WHERE pipeline = $1 AND reader = $2`, pipeline, reader); err != nil {
		return fmt.Errorf("unregister reader %s/%s: %w", pipeline, reader, err)
	}
	return nil
}

func (s *Store) ListReaders(ctx context.Context, pipeline string) ([]admin.Reader, error) {
	rows, err := s.Query(ctx, `
		SELECT pipeline, reader, reader_lo, updated_at
		FROM watermark_readers
		WHERE pipeline = $1
		ORDER BY reader
	`, pipeline)
	if err != nil {
		return nil, fmt.Errorf("query readers %s: %w", pipeline, err)
	}
	defer rows.Close()

	out := []admin.Reader{}
	for rows.Next() {
		var r admin.Reader
		if err := rows.Scan(&r.Pipeline, &r.Reader, &r.ReaderLo, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reader: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
