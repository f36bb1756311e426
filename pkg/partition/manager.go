package partition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/entities"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// ManagerConfig tunes partition creation.
type ManagerConfig struct {
	// Lookahead is how many keys before the end of the open partition the next
	// one is created. Defaults to a tenth of the span.
	Lookahead map[entities.Entity]int64
	// ShardConcurrency bounds parallel shard DDL.
	ShardConcurrency int
}

type catalog struct {
	mu     sync.Mutex
	loaded bool
	parts  map[int64]admin.Partition
}

// Manager creates, retires and drops partitions. It keeps a per-entity cache
// of the catalog so the hot commit path does not hit the database for
// partitions it already knows.
type Manager struct {
	store     db.PartitionStore
	scheme    *Scheme
	logger    *zap.Logger
	lookahead map[entities.Entity]int64
	pool      pond.Pool
	catalogs  *xsync.Map[entities.Entity, *catalog]
	shards    *xsync.Map[string, struct{}]
}

func NewManager(store db.PartitionStore, scheme *Scheme, logger *zap.Logger, cfg ManagerConfig) *Manager {
	workers := cfg.ShardConcurrency
	if workers <= 0 {
		workers = 16
	}
	lookahead := make(map[entities.Entity]int64)
	for _, e := range entities.WithScheme(entities.SchemeRange) {
		lookahead[e] = scheme.Span(e) / 10
		if v, ok := cfg.Lookahead[e]; ok && v >= 0 && v < scheme.Span(e) {
			lookahead[e] = v
		}
	}
	return &Manager{
		store:     store,
		scheme:    scheme,
		logger:    logger,
		lookahead: lookahead,
		pool:      pond.NewPool(workers, pond.WithQueueSize(entities.ShardCount*2)),
		catalogs:  xsync.NewMap[entities.Entity, *catalog](),
		shards:    xsync.NewMap[string, struct{}](),
	}
}

// Scheme returns the key scheme the manager creates partitions for.
func (m *Manager) Scheme() *Scheme {
	return m.scheme
}

// Close waits for in-flight shard work.
func (m *Manager) Close() {
	m.pool.StopAndWait()
}

func (m *Manager) catalog(ctx context.Context, e entities.Entity) (*catalog, error) {
	c, _ := m.catalogs.LoadOrStore(e, &catalog{})
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return c, nil
	}
	if err := m.load(ctx, e, c); err != nil {
		return nil, err
	}
	return c, nil
}

// refresh reloads e's catalog from the store. Partitions are created and
// retired by other processes, so reads that decide what to prune or report
// never trust the cached copy.
func (m *Manager) refresh(ctx context.Context, e entities.Entity) (*catalog, error) {
	c, _ := m.catalogs.LoadOrStore(e, &catalog{})
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := m.load(ctx, e, c); err != nil {
		return nil, err
	}
	return c, nil
}

// load replaces c's partitions with the store's. c.mu must be held.
func (m *Manager) load(ctx context.Context, e entities.Entity, c *catalog) error {
	parts, err := m.store.ListPartitions(ctx, e)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", e, err)
	}
	c.parts = make(map[int64]admin.Partition, len(parts))
	for _, p := range parts {
		c.parts[p.Index] = p
	}
	c.loaded = true
	return nil
}

// Invalidate forgets what is cached for e, e.g. after the store reported a
// missing partition.
func (m *Manager) Invalidate(e entities.Entity) {
	m.catalogs.Delete(e)
	if e.Spec().Scheme == entities.SchemeShard {
		for i := 0; i < entities.ShardCount; i++ {
			m.shards.Delete(e.ShardTable(i))
		}
	}
}

// EnsurePartitionFor makes sure the partition holding key exists.
func (m *Manager) EnsurePartitionFor(ctx context.Context, e entities.Entity, key int64) error {
	return m.EnsureRange(ctx, e, key, key)
}

// EnsureRange creates every partition covering [lo, hi]. When hi is within
// the lookahead of its partition's end, the next partition is created too.
func (m *Manager) EnsureRange(ctx context.Context, e entities.Entity, lo, hi int64) error {
	if e.Spec().Scheme != entities.SchemeRange {
		return nil
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	first, err := m.scheme.PartitionFor(e, lo)
	if err != nil {
		return err
	}
	last, err := m.scheme.PartitionFor(e, hi)
	if err != nil {
		return err
	}
	end := last.Index
	if _, partHi := m.scheme.Range(last); hi >= partHi-m.lookahead[e] {
		end++
	}

	c, err := m.catalog(ctx, e)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx := first.Index; idx <= end; idx++ {
		if p, ok := c.parts[idx]; ok {
			if p.State != admin.PartitionAttached {
				return fmt.Errorf("%w: %s", db.ErrPartitionRetired, e.PartitionTable(idx))
			}
			continue
		}
		lo, hi := m.scheme.Range(ID{Entity: e, Index: idx})
		p := admin.Partition{Entity: string(e), Index: idx, Lo: lo, Hi: hi, State: admin.PartitionAttached}
		if err := m.store.CreatePartition(ctx, p); err != nil {
			return fmt.Errorf("create %s: %w", e.PartitionTable(idx), err)
		}
		c.parts[idx] = p
		m.logger.Info("Partition created",
			zap.String("entity", string(e)),
			zap.Int64("index", idx),
			zap.Int64("lo", lo),
			zap.Int64("hi", hi),
		)
	}
	return nil
}

// EnsureWrites creates every partition and shard the writes target.
func (m *Manager) EnsureWrites(ctx context.Context, writes []db.TableWrite) error {
	type bounds struct{ lo, hi int64 }
	ranges := make(map[entities.Entity]*bounds)
	var order []entities.Entity
	for _, w := range writes {
		switch w.Entity.Spec().Scheme {
		case entities.SchemeShard:
			if err := m.ensureShard(ctx, w.Entity, int(w.Partition)); err != nil {
				return err
			}
		case entities.SchemeRange:
			for _, r := range w.Rows {
				key, err := Key(w.Entity, r)
				if err != nil {
					return err
				}
				b, ok := ranges[w.Entity]
				if !ok {
					ranges[w.Entity] = &bounds{lo: key, hi: key}
					order = append(order, w.Entity)
					continue
				}
				b.lo = min(b.lo, key)
				b.hi = max(b.hi, key)
			}
		}
	}
	for _, e := range order {
		if err := m.EnsureRange(ctx, e, ranges[e].lo, ranges[e].hi); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) ensureShard(ctx context.Context, e entities.Entity, shard int) error {
	name := e.ShardTable(shard)
	if _, ok := m.shards.Load(name); ok {
		return nil
	}
	if err := m.store.CreateShard(ctx, e, shard); err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	m.shards.Store(name, struct{}{})
	return nil
}

// EnsureShards creates all shards of every sharded family on the worker pool.
func (m *Manager) EnsureShards(ctx context.Context) error {
	group := m.pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var (
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entities.WithScheme(entities.SchemeShard) {
		for i := 0; i < entities.ShardCount; i++ {
			group.Submit(func() {
				if err := groupCtx.Err(); err != nil {
					return
				}
				if err := m.ensureShard(groupCtx, e, i); err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
				}
			})
		}
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		errs = append(errs, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// Partitions returns the partitions of e recorded in the store, ordered by
// index.
func (m *Manager) Partitions(ctx context.Context, e entities.Entity) ([]admin.Partition, error) {
	c, err := m.refresh(ctx, e)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]admin.Partition, 0, len(c.parts))
	for _, p := range c.parts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// RetirePartitionsBelow detaches attached partitions whose whole range lies below frontier.
func (m *Manager) RetirePartitionsBelow(ctx context.Context, e entities.Entity, frontier int64) ([]admin.Partition, error) {
	if e.Spec().Scheme != entities.SchemeRange {
		return nil, nil
	}
	parts, err := m.Partitions(ctx, e)
	if err != nil {
		return nil, err
	}
	c, err := m.catalog(ctx, e)
	if err != nil {
		return nil, err
	}

	var retired []admin.Partition
	for _, p := range parts {
		if p.State != admin.PartitionAttached || p.Hi > frontier {
			continue
		}
		if err := m.store.DetachPartition(ctx, e, p.Index); err != nil {
			return retired, fmt.Errorf("detach %s: %w", e.PartitionTable(p.Index), err)
		}
		p.State = admin.PartitionDetached
		c.mu.Lock()
		c.parts[p.Index] = p
		c.mu.Unlock()
		retired = append(retired, p)
		m.logger.Info("Partition retired",
			zap.String("entity", string(e)),
			zap.Int64("index", p.Index),
			zap.Int64("hi", p.Hi),
			zap.Int64("frontier", frontier),
		)
	}
	return retired, nil
}

// Straddling returns attached partitions holding keys on both sides of frontier
// or wholly below it, i.e. those still needing row deletes.
func (m *Manager) Straddling(ctx context.Context, e entities.Entity, frontier int64) ([]admin.Partition, error) {
	parts, err := m.Partitions(ctx, e)
	if err != nil {
		return nil, err
	}
	var out []admin.Partition
	for _, p := range parts {
		if p.State == admin.PartitionAttached && p.Lo < frontier {
			out = append(out, p)
		}
	}
	return out, nil
}

// DropRetired drops detached partitions of e and returns how many were dropped.
func (m *Manager) DropRetired(ctx context.Context, e entities.Entity) (int, error) {
	if e.Spec().Scheme != entities.SchemeRange {
		return 0, nil
	}
	parts, err := m.Partitions(ctx, e)
	if err != nil {
		return 0, err
	}
	c, err := m.catalog(ctx, e)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, p := range parts {
		if p.State != admin.PartitionDetached {
			continue
		}
		if err := m.store.DropPartition(ctx, e, p.Index); err != nil {
			return dropped, fmt.Errorf("drop %s: %w", e.PartitionTable(p.Index), err)
		}
		p.State = admin.PartitionDropped
		c.mu.Lock()
		c.parts[p.Index] = p
		c.mu.Unlock()
		dropped++
	}
	return dropped, nil
}
