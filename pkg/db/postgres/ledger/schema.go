package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// columnTypes maps every column name used by the family registry to its SQL type.
var columnTypes = map[string]string{
	"sequence_number":            "BIGINT",
	"epoch":                      "BIGINT",
	"network_total_transactions": "BIGINT",
	"timestamp_ms":               "BIGINT",
	"total_gas_cost":             "BIGINT",
	"computation_cost":           "BIGINT",
	"storage_cost":               "BIGINT",
	"storage_rebate":             "BIGINT",
	"non_refundable_storage_fee": "BIGINT",
	"min_tx_sequence_number":     "BIGINT",
	"max_tx_sequence_number":     "BIGINT",
	"checkpoint_sequence_number": "BIGINT",
	"cp_sequence_number":         "BIGINT",
	"tx_sequence_number":         "BIGINT",
	"event_sequence_number":      "BIGINT",
	"object_version":             "BIGINT",
	"coin_balance":               "BIGINT",
	"package_version":            "BIGINT",

	"end_of_epoch": "BOOLEAN",

	"transaction_kind":      "SMALLINT",
	"success_command_count": "SMALLINT",
	"owner_type":            "SMALLINT",
	"df_kind":               "SMALLINT",
	"object_status":         "SMALLINT",

	"tx_digests":      "BYTEA[]",
	"object_changes":  "BYTEA[]",
	"balance_changes": "BYTEA[]",
	"events":          "BYTEA[]",
	"senders":         "BYTEA[]",

	"module":             "TEXT",
	"func":               "TEXT",
	"event_type":         "TEXT",
	"type_name":          "TEXT",
	"type_instantiation": "TEXT",
	"object_type":        "TEXT",
	"object_type_module": "TEXT",
	"object_type_name":   "TEXT",
	"coin_type":          "TEXT",
}

// columnType defaults to BYTEA: digests, ids, addresses and raw payloads.
func columnType(column string) string {
	if t, ok := columnTypes[column]; ok {
		return t
	}
	return "BYTEA"
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func identList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = ident(n)
	}
	return strings.Join(out, ", ")
}

// tableDDL returns CREATE TABLE for a physical table of spec. Range families
// get a partitioned parent; children are created by CreatePartition.
func tableDDL(spec entities.Spec, table string) string {
	required := make(map[string]bool, len(spec.PrimaryKey)+1)
	for _, c := range spec.PrimaryKey {
		required[c] = true
	}
	if spec.KeyColumn != "" {
		required[spec.KeyColumn] = true
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", ident(table))
	for _, c := range spec.Columns {
		fmt.Fprintf(&b, "\t%s %s", ident(c), columnType(c))
		if required[c] {
			b.WriteString(" NOT NULL")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n)", identList(spec.PrimaryKey))
	if spec.Scheme == entities.SchemeRange {
		fmt.Fprintf(&b, " PARTITION BY RANGE (%s)", ident(spec.KeyColumn))
	}
	return b.String()
}

// keyIndexDDL indexes the prune key of tables whose primary key does not lead with it.
func keyIndexDDL(spec entities.Spec, table string) string {
	if spec.KeyColumn == "" || spec.Retained || spec.PrimaryKey[0] == spec.KeyColumn {
		return ""
	}
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		ident(table+"_"+spec.KeyColumn+"_idx"), ident(table), ident(spec.KeyColumn))
}

const watermarksDDL = `
	CREATE TABLE IF NOT EXISTS watermarks (
		pipeline TEXT PRIMARY KEY,
		epoch_hi_inclusive BIGINT NOT NULL,
		checkpoint_hi_inclusive BIGINT NOT NULL,
		tx_hi BIGINT NOT NULL,
		timestamp_ms BIGINT NOT NULL,
		epoch_lo BIGINT NOT NULL DEFAULT 0,
		reader_lo BIGINT NOT NULL,
		pruner_timestamp_ms BIGINT NOT NULL DEFAULT 0,
		pruner_hi BIGINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		CONSTRAINT watermarks_order CHECK (
			pruner_hi <= reader_lo AND reader_lo <= checkpoint_hi_inclusive AND tx_hi >= -1
		)
	)
`

const readersDDL = `
	CREATE TABLE IF NOT EXISTS watermark_readers (
		pipeline TEXT NOT NULL,
		reader TEXT NOT NULL,
		reader_lo BIGINT NOT NULL,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (pipeline, reader)
	)
`

const partitionsDDL = `
	CREATE TABLE IF NOT EXISTS partitions (
		entity TEXT NOT NULL,
		partition_index BIGINT NOT NULL,
		lo BIGINT NOT NULL,
		hi BIGINT NOT NULL,
		state TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		detached_at TIMESTAMP WITH TIME ZONE,
		PRIMARY KEY (entity, partition_index)
	)
`

// InitializeDB creates bookkeeping tables, plain tables and range parents.
// Shard tables and range children are created by the partition manager.
func (s *Store) InitializeDB(ctx context.Context) error {
	s.Logger.Info("Initializing ledger database", zap.String("database", s.Name))

	for name, ddl := range map[string]string{
		"watermarks":        watermarksDDL,
		"watermark_readers": readersDDL,
		"partitions":        partitionsDDL,
	} {
		s.Logger.Debug("Initialize table", zap.String("table", name))
		if err := s.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
	}

	for _, e := range entities.All() {
		spec := e.Spec()
		if spec.Scheme == entities.SchemeShard {
			continue
		}
		s.Logger.Debug("Initialize table", zap.String("table", e.TableName()), zap.Stringer("scheme", spec.Scheme))
		if err := s.Exec(ctx, tableDDL(spec, e.TableName())); err != nil {
			return fmt.Errorf("create %s: %w", e, err)
		}
		if ddl := keyIndexDDL(spec, e.TableName()); ddl != "" {
			if err := s.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("index %s: %w", e, err)
			}
		}
	}
	return nil
}
