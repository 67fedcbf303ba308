package sync

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
)

// Config controls the reconciliation scheduler.
type Config struct {
	// Enabled turns periodic ticks on. On-demand triggers and push
	// nudges work either way.
	Enabled bool
	// Interval between periodic ticks.
	Interval time.Duration
	// BatchSize caps how many stale accounts one tick reconciles.
	BatchSize int
	// StaleThreshold marks accounts due when their last pass is older.
	StaleThreshold time.Duration
	// ResyncMessageCap bounds the window listed during a full resync.
	ResyncMessageCap int
	// OpTimeout bounds each provider or store call within a pass.
	OpTimeout time.Duration
}

const (
	// batchConcurrency bounds how many accounts reconcile in parallel
	// within one periodic batch.
	batchConcurrency = 4

	// keyRetention is how long applied-change keys are kept. It must
	// outlive the providers' redelivery horizon.
	keyRetention = 7 * 24 * time.Hour
)

// Status reports the scheduler's operational state.
type Status struct {
	Enabled    bool  `json:"enabled"`
	Running    bool  `json:"running"`
	IntervalMs int64 `json:"interval_ms"`
}

// Scheduler drives periodic reconciliation passes and on-demand
// triggers. At most one pass per account runs at a time, and a tick
// that fires while the previous batch is still running is skipped
// rather than queued.
type Scheduler struct {
	cfg         Config
	registry    *accounts.Registry
	store       Store
	tokens      TokenSource
	factory     Factory
	broadcaster Broadcaster
	log         *zap.Logger

	// active holds accounts with a pass in flight; insert-if-absent is
	// the per-account lock.
	active   map[int64]struct{}
	activeMu sync.Mutex

	batchInFlight atomic.Bool
	running       atomic.Bool
	stop          chan struct{}
	wg            sync.WaitGroup

	now func() time.Time
}

// NewScheduler creates the reconciliation scheduler.
func NewScheduler(cfg Config, registry *accounts.Registry, store Store, tokens TokenSource, factory Factory, broadcaster Broadcaster, log *zap.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 5 * time.Minute
	}
	if cfg.ResyncMessageCap <= 0 {
		cfg.ResyncMessageCap = 1000
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}

	return &Scheduler{
		cfg:         cfg,
		registry:    registry,
		store:       store,
		tokens:      tokens,
		factory:     factory,
		broadcaster: broadcaster,
		log:         log,
		active:      make(map[int64]struct{}),
		stop:        make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the periodic tick loop. It returns immediately; when
// periodic reconciliation is disabled nothing is started.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		s.log.Info("periodic reconciliation disabled")
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("reconciliation scheduler started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize))

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.batchInFlight.CompareAndSwap(false, true) {
				s.log.Debug("previous batch still running, skipping tick")
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.batchInFlight.Store(false)
				s.runBatch(ctx)
			}()
		}
	}
}

// Stop halts scheduling. Passes already executing run to completion
// before Stop returns; no new ones start.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.log.Info("reconciliation scheduler stopped")
}

// Status reports the scheduler's operational state.
func (s *Scheduler) Status() Status {
	return Status{
		Enabled:    s.cfg.Enabled,
		Running:    s.running.Load(),
		IntervalMs: s.cfg.Interval.Milliseconds(),
	}
}

// Nudge handles a provider push notification. When the account is free
// a pass starts in the background; when a pass already holds it the
// account is marked dirty so the next periodic batch picks it up. The
// return reports whether a pass started.
func (s *Scheduler) Nudge(ctx context.Context, accountID int64) bool {
	if !s.tryAcquire(accountID) {
		if err := s.store.MarkDirty(ctx, accountID); err != nil {
			s.log.Error("mark dirty failed", zap.Int64("account_id", accountID), zap.Error(err))
		}
		return false
	}

	s.wg.Add(1)
	go func() {
		// The push request's context dies with its HTTP response.
		ctx := context.Background()
		defer s.wg.Done()
		defer s.release(accountID)
		if _, err := s.runPass(ctx, accountID); err != nil {
			s.log.Warn("push-triggered pass failed", zap.Int64("account_id", accountID), zap.Error(err))
		}
	}()
	return true
}

func (s *Scheduler) runBatch(ctx context.Context) {
	started := s.now()

	ids, err := s.selectStale(ctx)
	if err != nil {
		s.log.Error("stale account selection failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}

	var succeeded, failed, authSkipped, applied atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			res, err := s.ReconcileAccount(gctx, id)
			switch {
			case err == nil:
				succeeded.Add(1)
				applied.Add(int64(res.Applied))
			case errors.Is(err, ErrBusy):
				// An on-demand pass got there first.
			case errors.Is(err, ErrAuthExpired):
				authSkipped.Add(1)
				s.log.Warn("account credentials expired, skipping",
					zap.Int64("account_id", id), zap.Error(err))
			default:
				failed.Add(1)
				s.log.Error("reconciliation failed",
					zap.Int64("account_id", id), zap.Error(err))
			}
			// One account's failure never aborts the batch.
			return nil
		})
	}
	_ = g.Wait()

	s.log.Info("reconciliation batch complete",
		zap.Int("scanned", len(ids)),
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Int64("auth_skipped", authSkipped.Load()),
		zap.Int64("changes_applied", applied.Load()),
		zap.Duration("elapsed", s.now().Sub(started)))

	if n, err := s.store.PruneAppliedChanges(ctx, s.now().Add(-keyRetention)); err != nil {
		s.log.Warn("idempotency key prune failed", zap.Error(err))
	} else if n > 0 {
		s.log.Debug("pruned idempotency keys", zap.Int64("pruned", n))
	}
}

func (s *Scheduler) selectStale(ctx context.Context) ([]int64, error) {
	accts, err := s.registry.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list accounts")
	}
	states, err := s.store.SyncStates(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list sync states")
	}

	byID := make(map[int64]*SyncState, len(states))
	for _, st := range states {
		byID[st.AccountID] = st
	}

	cutoff := s.now().Add(-s.cfg.StaleThreshold)
	return selectBatch(accts, byID, cutoff, s.cfg.BatchSize), nil
}

// selectBatch picks due accounts oldest-first. Never-synced accounts
// sort before everything, and dirty accounts bypass the staleness
// check entirely.
func selectBatch(accts []*accounts.Account, states map[int64]*SyncState, cutoff time.Time, limit int) []int64 {
	type candidate struct {
		id   int64
		last time.Time
	}

	var cands []candidate
	for _, a := range accts {
		st := states[a.ID]
		switch {
		case st == nil:
			cands = append(cands, candidate{id: a.ID})
		case st.Dirty, !st.LastReconciledAt.After(cutoff):
			cands = append(cands, candidate{id: a.ID, last: st.LastReconciledAt})
		}
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].last.Before(cands[j].last) })
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}

	ids := make([]int64, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

func (s *Scheduler) tryAcquire(accountID int64) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()

	if _, exists := s.active[accountID]; exists {
		return false
	}
	s.active[accountID] = struct{}{}
	return true
}

func (s *Scheduler) release(accountID int64) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	delete(s.active, accountID)
}
