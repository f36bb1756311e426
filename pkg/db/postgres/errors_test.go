package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	wrap := func(code string) error {
		return fmt.Errorf("batch statement 3 failed: %w", &pgconn.PgError{Code: code})
	}

	require.Equal(t, CodeUndefinedTable, SQLState(wrap(CodeUndefinedTable)))
	require.Empty(t, SQLState(errors.New("boom")))

	require.True(t, IsUndefinedTable(wrap(CodeUndefinedTable)))
	require.True(t, IsMissingPartition(wrap(CodeCheckViolation)))
	require.True(t, IsMissingPartition(wrap(CodeUndefinedTable)))
	require.False(t, IsMissingPartition(wrap(CodeUniqueViolation)))

	require.True(t, IsTransient(wrap(CodeDeadlockDetected)))
	require.True(t, IsTransient(wrap(CodeSerializationFailure)))
	require.False(t, IsTransient(wrap(CodeCheckViolation)))
}

func TestPoolConfigForComponent(t *testing.T) {
	t.Setenv("POSTGRES_CONN_MAX_LIFETIME", "10m")
	cfg := GetPoolConfigForComponent("pruner")
	require.Equal(t, "pruner", cfg.Component)
	require.Equal(t, int32(16), cfg.MaxConns)
	require.Equal(t, "10m0s", cfg.ConnMaxLifetime.String())
	require.Equal(t, int32(20), GetPoolConfigForComponent("other").MaxConns)
}
