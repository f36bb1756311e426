// Package scheduler runs periodic jobs on a cron schedule. Every job is
// guarded by a lease so only one process runs it at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Job is one run of a scheduled task.
type Job func(ctx context.Context) error

type Config struct {
	// LeaseTTL bounds how long a crashed owner blocks other instances. A run
	// longer than the TTL loses exclusivity, so keep Timeout below it.
	LeaseTTL time.Duration
	Timeout  time.Duration
	// Owner identifies this process; a random UUID when empty.
	Owner string
}

type entry struct {
	name string
	spec string
	job  Job
	// running skips overlapping runs inside this process
	running sync.Mutex
}

type Scheduler struct {
	cron   *cron.Cron
	leases db.LeaseStore
	logger *zap.Logger
	cfg    Config

	mu      sync.Mutex
	entries map[string]*entry
	held    map[string]bool
}

func New(leases db.LeaseStore, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.Timeout <= 0 || cfg.Timeout > cfg.LeaseTTL {
		cfg.Timeout = cfg.LeaseTTL
	}
	return &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(cron.DefaultLogger))),
		leases:  leases,
		logger:  logger.With(zap.String("owner", cfg.Owner)),
		cfg:     cfg,
		entries: make(map[string]*entry),
		held:    make(map[string]bool),
	}
}

func (s *Scheduler) Owner() string {
	return s.cfg.Owner
}

// Add registers job under name (also the lease name) on a seconds-enabled cron spec.
func (s *Scheduler) Add(ctx context.Context, name, spec string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("%w: job %s already scheduled", db.ErrInvalidInput, name)
	}
	e := &entry{name: name, spec: spec, job: job}
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.run(ctx, e); err != nil {
			s.logger.Warn("Scheduled job failed", zap.String("job", name), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.entries[name] = e
	return nil
}

// RunOnce runs a registered job now, under the same lease rules as a
// scheduled run. It reports whether the job ran.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: job %s", db.ErrNotFound, name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) (bool, error) {
	if !e.running.TryLock() {
		s.logger.Debug("Previous run still in progress", zap.String("job", e.name))
		return false, nil
	}
	defer e.running.Unlock()

	ok, err := s.acquire(ctx, e.name)
	if err != nil {
		return false, fmt.Errorf("lease %s: %w", e.name, err)
	}
	if !ok {
		s.logger.Debug("Lease held elsewhere", zap.String("job", e.name))
		return false, nil
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	start := time.Now()
	err = e.job(rctx)
	s.logger.Debug("Job finished", zap.String("job", e.name), zap.Duration("took", time.Since(start)), zap.Error(err))
	return true, err
}

// acquire takes the lease or renews it when this process already holds it.
func (s *Scheduler) acquire(ctx context.Context, name string) (bool, error) {
	lease, ok, err := s.leases.TryAcquire(ctx, name, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if !ok && lease.Owner == s.cfg.Owner {
		_, ok, err = s.leases.Renew(ctx, name, s.cfg.Owner, s.cfg.LeaseTTL)
		if errors.Is(err, db.ErrNotOwner) || errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	s.mu.Lock()
	s.held[name] = ok
	s.mu.Unlock()
	return ok, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.entries {
		s.logger.Info("Job scheduled", zap.String("job", name), zap.String("cronSpec", e.spec))
	}
}

// Stop waits for running jobs and releases every lease this process holds.
func (s *Scheduler) Stop(ctx context.Context) {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, held := range s.held {
		if !held {
			continue
		}
		if err := s.leases.Release(ctx, name, s.cfg.Owner); err != nil && !errors.Is(err, db.ErrNotOwner) {
			s.logger.Warn("Failed to release lease", zap.String("job", name), zap.Error(err))
		}
		delete(s.held, name)
	}
}
