package ledger

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/indexer"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestTableDDL(t *testing.T) {
	ddl := tableDDL(entities.Transactions.Spec(), entities.Transactions.TableName())
	require.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "transactions"`)
	require.Contains(t, ddl, `"tx_sequence_number" BIGINT NOT NULL`)
	require.Contains(t, ddl, `"object_changes" BYTEA[],`)
	require.Contains(t, ddl, `PRIMARY KEY ("tx_sequence_number")`)
	require.True(t, strings.HasSuffix(ddl, `PARTITION BY RANGE ("tx_sequence_number")`))

	shard := tableDDL(entities.ObjectsVersion.Spec(), entities.ObjectsVersion.ShardTable(0xab))
	require.Contains(t, shard, `"objects_version_ab"`)
	require.NotContains(t, shard, "PARTITION BY")

	// every registered column has a type that makes sense for its Go value
	for _, e := range entities.All() {
		for _, c := range e.Spec().Columns {
			require.NotEmpty(t, columnType(c), "%s.%s", e, c)
		}
	}
}

func TestKeyIndexDDL(t *testing.T) {
	require.Empty(t, keyIndexDDL(entities.Checkpoints.Spec(), "checkpoints"))
	require.Empty(t, keyIndexDDL(entities.Objects.Spec(), "objects"))
	require.Equal(t,
		`CREATE INDEX IF NOT EXISTS "tx_senders_tx_sequence_number_idx" ON "tx_senders" ("tx_sequence_number")`,
		keyIndexDDL(entities.TxSenders.Spec(), "tx_senders"))
	require.Contains(t, keyIndexDDL(entities.ObjectsVersion.Spec(), "objects_version_00"), `"objects_version_00" ("cp_sequence_number")`)
}

func TestInsertSQLAppend(t *testing.T) {
	spec := entities.PrunerCpWatermark.Spec()
	rows := []indexer.Row{
		&indexer.PrunerCpWatermark{CheckpointSequenceNumber: 1, MinTxSequenceNumber: 0, MaxTxSequenceNumber: 2},
		&indexer.PrunerCpWatermark{CheckpointSequenceNumber: 2, MinTxSequenceNumber: 3, MaxTxSequenceNumber: 3},
	}
	sql, args := insertSQL(spec, "pruner_cp_watermark", rows)
	require.Equal(t,
		`INSERT INTO "pruner_cp_watermark" ("checkpoint_sequence_number", "min_tx_sequence_number", "max_tx_sequence_number") `+
			`VALUES ($1, $2, $3), ($4, $5, $6) ON CONFLICT ("checkpoint_sequence_number") DO NOTHING`,
		sql)
	require.Equal(t, []any{int64(1), int64(0), int64(2), int64(2), int64(3), int64(3)}, args)
}

func TestInsertSQLUpsertNewer(t *testing.T) {
	spec := entities.Objects.Spec()
	sql, args := insertSQL(spec, "objects", []indexer.Row{&indexer.Object{ObjectID: []byte{1}, ObjectVersion: 4}})
	require.Len(t, args, len(spec.Columns))
	require.Contains(t, sql, `ON CONFLICT ("object_id") DO UPDATE SET "object_version" = EXCLUDED."object_version"`)
	require.NotContains(t, sql, `"object_id" = EXCLUDED`)
	require.True(t, strings.HasSuffix(sql, `WHERE "objects"."object_version" < EXCLUDED."object_version"`))
}

func TestNewestPerKey(t *testing.T) {
	spec := entities.Objects.Spec()
	rows := []indexer.Row{
		&indexer.Object{ObjectID: []byte{1}, ObjectVersion: 2},
		&indexer.Object{ObjectID: []byte{2}, ObjectVersion: 1},
		&indexer.Object{ObjectID: []byte{1}, ObjectVersion: 7},
		&indexer.Object{ObjectID: []byte{1}, ObjectVersion: 5},
	}
	out := newestPerKey(spec, rows)
	require.Len(t, out, 2)
	require.Equal(t, int64(7), out[0].(*indexer.Object).ObjectVersion)
	require.Equal(t, []byte{2}, out[1].(*indexer.Object).ObjectID)
}

func TestQueueWriteChunksLargeWrites(t *testing.T) {
	spec := entities.PrunerCpWatermark.Spec()
	perStmt := maxParams / len(spec.Columns)
	rows := make([]indexer.Row, perStmt+10)
	for i := range rows {
		rows[i] = &indexer.PrunerCpWatermark{CheckpointSequenceNumber: int64(i)}
	}
	batch := &pgx.Batch{}
	queueWrite(batch, db.TableWrite{
		Entity: entities.PrunerCpWatermark,
		Table:  "pruner_cp_watermark",
		Rows:   rows,
	})
	require.Equal(t, 2, batch.Len())

	objects := &pgx.Batch{}
	queueWrite(objects, db.TableWrite{
		Entity:     entities.Objects,
		Table:      "objects",
		Rows:       []indexer.Row{&indexer.Object{ObjectID: []byte{9}, ObjectVersion: 1}},
		Tombstones: []indexer.Tombstone{{ObjectID: []byte{3}, Version: 4}},
	})
	require.Equal(t, 2, objects.Len())
	require.Equal(t, `DELETE FROM "objects" WHERE object_id = $1 AND "object_version" < $2`, objects.QueuedQueries[1].SQL)
}

func TestDeleteSQL(t *testing.T) {
	spec := entities.Events.Spec()
	require.Equal(t, `DELETE FROM "events_partition_2" WHERE "tx_sequence_number" < $1`, deleteSQL(spec, "events_partition_2", 0))
	require.Equal(t,
		`DELETE FROM "tx_senders" WHERE ctid = ANY(ARRAY(SELECT ctid FROM "tx_senders" WHERE "tx_sequence_number" < $1 LIMIT 500))`,
		deleteSQL(entities.TxSenders.Spec(), "tx_senders", 500))
}

func TestSnapshotSQL(t *testing.T) {
	upsert := snapshotUpsertSQL()
	require.Contains(t, upsert, "DISTINCT ON (object_id)")
	require.Contains(t, upsert, fmt.Sprintf("object_status NOT IN (%d, %d)", indexer.ObjectDeleted, indexer.ObjectWrapped))
	require.Contains(t, upsert, `"checkpoint_sequence_number" = EXCLUDED."checkpoint_sequence_number"`)
	require.Contains(t, snapshotDeleteSQL(), "latest.object_status IN (2, 3)")
}

func TestClassifyWrite(t *testing.T) {
	require.NoError(t, classifyWrite(nil))

	missing := fmt.Errorf("batch statement 0 failed: %w", &pgconn.PgError{Code: "23514", Message: "no partition of relation"})
	require.ErrorIs(t, classifyWrite(missing), db.ErrPartitionNotReady)

	other := errors.New("connection reset")
	require.Equal(t, other, classifyWrite(other))
}
