//go:build integration

package lease

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

func TestStoreTryAcquireRenewRelease(t *testing.T) {
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		t.Skip("POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s, err := New(pool)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(ctx))

	name := "pruner-" + time.Now().Format("150405.000000")
	l, ok, err := s.TryAcquire(ctx, name, "a", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", l.Owner)

	l, ok, err = s.TryAcquire(ctx, name, "b", 2*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "a", l.Owner)

	_, _, err = s.Renew(ctx, name, "b", time.Second)
	require.ErrorIs(t, err, db.ErrNotOwner)
	_, ok, err = s.Renew(ctx, name, "a", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, s.Release(ctx, name, "b"), db.ErrNotOwner)
	require.NoError(t, s.Release(ctx, name, "a"))
	require.NoError(t, s.Release(ctx, name, "a"))

	_, err = s.Get(ctx, name)
	require.ErrorIs(t, err, db.ErrNotFound)
}
