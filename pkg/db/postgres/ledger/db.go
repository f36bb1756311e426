// Package ledger is the Postgres implementation of the ledger store: range
// partitioned families, shard tables, watermarks and the partition catalog.
package ledger

import (
	"context"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/postgres"
	"go.uber.org/zap"
)

// Store is safe for concurrent use.
type Store struct {
	postgres.Client
	Name string
}

var _ db.LedgerStore = (*Store)(nil)

// New connects to the named database, creating it when missing, and
// ensures every table and range parent exists.
func New(ctx context.Context, logger *zap.Logger, name string, poolConfig postgres.PoolConfig) (*Store, error) {
	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, &poolConfig)
	if err != nil {
		return nil, err
	}

	store := &Store{
		Client: client,
		Name:   name,
	}
	if err := store.InitializeDB(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

// Close terminates the underlying connection pool.
func (s *Store) Close() error {
	s.Pool.Close()
	return nil
}

// DatabaseName returns the name of the ledger database
func (s *Store) DatabaseName() string {
	return s.Name
}
