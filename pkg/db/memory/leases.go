package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
)

// Leases is an in-memory lease store for tests and single-process runs.
type Leases struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]admin.Lease
}

var _ db.LeaseStore = (*Leases)(nil)

func NewLeases(now func() time.Time) *Leases {
	if now == nil {
		now = time.Now
	}
	return &Leases{now: now, leases: make(map[string]admin.Lease)}
}

func validateLease(name, owner string, ttl time.Duration) error {
	if name == "" || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: name/owner must be non-empty and ttl must be > 0", db.ErrInvalidInput)
	}
	return nil
}

func (l *Leases) TryAcquire(_ context.Context, name, owner string, ttl time.Duration) (admin.Lease, bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return admin.Lease{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.leases[name]
	if !ok || !cur.ExpiresAt.After(now) {
		out := admin.Lease{Name: name, Owner: owner, ExpiresAt: now.Add(ttl)}
		l.leases[name] = out
		return out, true, nil
	}
	return cur, false, nil
}

func (l *Leases) Renew(_ context.Context, name, owner string, ttl time.Duration) (admin.Lease, bool, error) {
	if err := validateLease(name, owner, ttl); err != nil {
		return admin.Lease{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[name]
	if !ok {
		return admin.Lease{}, false, db.ErrNotFound
	}
	if cur.Owner != owner {
		return admin.Lease{}, false, db.ErrNotOwner
	}
	out := admin.Lease{Name: name, Owner: owner, ExpiresAt: l.now().Add(ttl)}
	l.leases[name] = out
	return out, true, nil
}

func (l *Leases) Release(_ context.Context, name, owner string) error {
	if name == "" || owner == "" {
		return db.ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[name]
	if !ok {
		return nil
	}
	if cur.Owner != owner {
		return db.ErrNotOwner
	}
	delete(l.leases, name)
	return nil
}

func (l *Leases) Get(_ context.Context, name string) (admin.Lease, error) {
	if name == "" {
		return admin.Lease{}, db.ErrInvalidInput
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[name]
	if !ok {
		return admin.Lease{}, db.ErrNotFound
	}
	return cur, nil
}
