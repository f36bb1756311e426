// Package lease implements db.LeaseStore over a Postgres table so a single
// pruner instance runs at a time.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS leases_expires_at_idx ON leases (expires_at);
`

type Store struct {
	pool *pgxpool.Pool
}

var _ db.LeaseStore = (*Store)(nil)

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", db.ErrInvalidInput)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure leases schema: %w", err)
	}
	return nil
}

// TryAcquire takes the lease when it is absent or expired. Expiry is judged
// by the database clock so instances with skewed clocks agree.
func (s *Store) TryAcquire(ctx context.Context, name, owner string, ttl time.Duration) (admin.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return admin.Lease{}, false, err
	}

	out := admin.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO leases (name, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE leases.expires_at <= now()
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&out.Owner, &out.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// held by someone else
			cur, gerr := s.Get(ctx, name)
			if gerr != nil {
				return admin.Lease{}, false, gerr
			}
			return cur, false, nil
		}
		return admin.Lease{}, false, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return out, true, nil
}

// Renew extends a lease held by owner.
func (s *Store) Renew(ctx context.Context, name, owner string, ttl time.Duration) (admin.Lease, bool, error) {
	if err := validateInput(name, owner, ttl); err != nil {
		return admin.Lease{}, false, err
	}

	out := admin.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `
		UPDATE leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE name = $1 AND owner = $2
		RETURNING owner, expires_at
	`, name, owner, ttlMilliseconds(ttl)).Scan(&out.Owner, &out.ExpiresAt)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return admin.Lease{}, false, fmt.Errorf("renew lease %s: %w", name, err)
	}

	cur, gerr := s.Get(ctx, name)
	if gerr != nil {
		return admin.Lease{}, false, gerr
	}
	if cur.Owner != owner {
		return admin.Lease{}, false, db.ErrNotOwner
	}
	return admin.Lease{}, false, fmt.Errorf("renew lease %s: lost between update and read", name)
}

// Release is idempotent when the lease is already gone.
func (s *Store) Release(ctx context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return db.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM leases WHERE name = $1 AND owner = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("release lease %s: %w", name, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cur, gerr := s.Get(ctx, name)
	if errors.Is(gerr, db.ErrNotFound) {
		return nil
	}
	if gerr != nil {
		return gerr
	}
	if cur.Owner != owner {
		return db.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, name string) (admin.Lease, error) {
	if name == "" {
		return admin.Lease{}, db.ErrInvalidInput
	}

	out := admin.Lease{Name: name}
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM leases WHERE name = $1`, name).Scan(&out.Owner, &out.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return admin.Lease{}, db.ErrNotFound
		}
		return admin.Lease{}, fmt.Errorf("get lease %s: %w", name, err)
	}
	return out, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	return max(ttl.Milliseconds(), 1)
}

func validateInput(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", db.ErrInvalidInput)
	}
	return nil
}
