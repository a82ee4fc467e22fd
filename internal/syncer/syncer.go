// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"pkg-harvest/internal/config"
	"pkg-harvest/internal/database"
	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/metrics"
	"pkg-harvest/internal/model"
	"pkg-harvest/internal/normalizer"
	"pkg-harvest/internal/reconciler"
	"pkg-harvest/internal/stats"
)

// Collector yields the raw records of one repository in pages.
type Collector interface {
	Pages(ctx context.Context, repo config.RepositoryConfig) iter.Seq2[[]model.RawPackageRecord, error]
}

// Resolver reports the upstream version and release date of a package.
type Resolver interface {
	Resolve(ctx context.Context, name, currentVersion string) (model.Resolution, error)
}

// Store is the persistence the orchestrator needs. *database.Store implements it.
type Store interface {
	BeginRun(ctx context.Context, repoName string, syncType model.SyncType, start time.Time) (model.Repository, model.SyncLog, error)
	FinishRun(ctx context.Context, out database.RunOutcome) error
	ApplyPlan(ctx context.Context, plan reconciler.Plan, out database.RunOutcome) error
	AppendRunLog(ctx context.Context, runID int64, text string) error
	ListPackages(ctx context.Context, repositoryID int64) ([]model.Package, error)
	SaveStats(ctx context.Context, st model.RepositoryStats) error
	GetSyncLog(ctx context.Context, runID int64) (model.SyncLog, error)
	RecoverInterruptedRuns(ctx context.Context, now time.Time) (int, error)
}

// Settings tunes scheduling and fan-out.
type Settings struct {
	Interval           time.Duration
	SyncConcurrency    int
	ResolveConcurrency int
}

// activeRun is the in-process handle of a running harvest.
type activeRun struct {
	id         int64
	cancel     context.CancelFunc
	cancelled  atomic.Bool
	committing atomic.Bool
	done       chan struct{}
}

// Syncer orchestrates harvest runs: it owns the run state machine, the scheduler
// and the run trigger interface.
type Syncer struct {
	store     Store
	collector Collector
	resolver  Resolver
	repos     map[string]config.RepositoryConfig
	order     []string
	settings  Settings
	metrics   *metrics.SyncMetrics
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	active map[int64]*activeRun
	wg     sync.WaitGroup
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(store Store, collector Collector, resolver Resolver, repos []config.RepositoryConfig, settings Settings, m *metrics.SyncMetrics, logger *slog.Logger) *Syncer {
	if settings.SyncConcurrency < 1 {
		settings.SyncConcurrency = 1
	}
	if settings.ResolveConcurrency < 1 {
		settings.ResolveConcurrency = 1
	}

	s := &Syncer{
		store:     store,
		collector: collector,
		resolver:  resolver,
		repos:     make(map[string]config.RepositoryConfig, len(repos)),
		settings:  settings,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		active:    make(map[int64]*activeRun),
	}
	for _, r := range repos {
		s.repos[r.Name] = r
		s.order = append(s.order, r.Name)
	}
	return s
}

// Recover closes runs a previous process left in running state so their
// repositories can be synced again.
func (s *Syncer) Recover(ctx context.Context) error {
	n, err := s.store.RecoverInterruptedRuns(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Marked interrupted runs as failed", "count", n)
	}
	return nil
}

// StartSync takes the repository lease, records a running SyncLog and starts the
// run in the background. The returned id is the SyncLog id.
func (s *Syncer) StartSync(ctx context.Context, repoName string, syncType model.SyncType) (int64, error) {
	cfg, ok := s.repos[repoName]
	if !ok {
		return 0, fmt.Errorf("repository %q: %w", repoName, custom_errors.ErrNotFound)
	}

	repo, run, err := s.store.BeginRun(ctx, repoName, syncType, s.now())
	if err != nil {
		return 0, err
	}

	// The run outlives the request that started it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar := &activeRun{id: run.ID, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.active[run.ID] = ar
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.execute(runCtx, ar, repo, cfg, run)
	}()

	return run.ID, nil
}

// CancelSync asks a run owned by this process to stop. The run observes the request
// between pages and before commit; a commit already in progress completes.
func (s *Syncer) CancelSync(runID int64) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("sync run %d: %w", runID, custom_errors.ErrRunNotActive)
	}

	ar.cancelled.Store(true)
	if !ar.committing.Load() {
		ar.cancel()
	}
	return nil
}

// GetStatus returns the SyncLog of a run.
func (s *Syncer) GetStatus(ctx context.Context, runID int64) (model.SyncLog, error) {
	return s.store.GetSyncLog(ctx, runID)
}

// Wait blocks until the run reaches a terminal state or ctx is done.
// Runs not active in this process return immediately.
func (s *Syncer) Wait(ctx context.Context, runID int64) error {
	s.mu.Lock()
	ar, ok := s.active[runID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every active run and waits for them to record their outcome.
func (s *Syncer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, ar := range s.active {
		ar.cancelled.Store(true)
		if !ar.committing.Load() {
			ar.cancel()
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins the scheduled synchronization of every sync-enabled repository.
func (s *Syncer) Start(ctx context.Context) {
	s.logger.Info("Starting syncer", "interval", s.settings.Interval.String(), "concurrency", s.settings.SyncConcurrency)
	ticker := time.NewTicker(s.settings.Interval)
	defer ticker.Stop()

	s.runSyncCycle(ctx) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.runSyncCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Syncer shutting down", "reason", ctx.Err())
			return
		}
	}
}

// runSyncCycle runs a full sync of all enabled repositories, a bounded number at a time.
func (s *Syncer) runSyncCycle(ctx context.Context) {
	s.logger.Info("Starting new sync cycle")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.settings.SyncConcurrency)

	for _, name := range s.order {
		if !s.repos[name].SyncEnabled() {
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			runID, err := s.StartSync(gctx, name, model.SyncFull)
			var rejected *custom_errors.ConcurrentSyncRejected
			switch {
			case errors.As(err, &rejected):
				s.logger.Info("Skipping repository, sync already running", "repository", name)
				return nil
			case err != nil:
				s.logger.Error("Failed to start sync", "repository", name, "error", err)
				return nil
			}
			if err := s.Wait(gctx, runID); err != nil {
				s.logger.Info("Stopped waiting for run", "repository", name, "run_id", runID, "reason", err)
			}
			return nil
		})
	}

	_ = g.Wait()
	s.logger.Info("Sync cycle finished")
}

// execute drives one run from running to its terminal state.
func (s *Syncer) execute(ctx context.Context, ar *activeRun, repo model.Repository, cfg config.RepositoryConfig, run model.SyncLog) {
	logger := s.logger.With("repository", repo.Name, "run_id", run.ID, "sync_type", run.SyncType)
	rl := newRunLog(s.now)
	started := s.now()
	s.metrics.RunStarted()
	logger.Info("Sync run started")
	rl.add("%s sync of %s started", run.SyncType, repo.Name)

	status := model.SyncSuccess
	defer func() {
		s.mu.Lock()
		delete(s.active, ar.id)
		s.mu.Unlock()
		close(ar.done)
		s.metrics.RunFinished(repo.Name, string(status), s.now().Sub(started))
	}()

	plan, total, err := s.harvest(ctx, ar, logger, rl, repo, cfg, run)
	if err == nil && ar.cancelled.Load() {
		err = &custom_errors.CancellationRequested{RunID: run.ID, Stage: "commit"}
	}

	if err == nil {
		ar.committing.Store(true)
		added, updated, removed := plan.Counts()
		rl.add("applying plan: %d added, %d updated, %d removed", added, updated, removed)
		out := database.RunOutcome{
			RunID:        run.ID,
			RepositoryID: repo.ID,
			EndTime:      s.now(),
			Total:        total,
			Logs:         rl.String(),
		}
		// Commit is not interruptible.
		commitCtx := context.WithoutCancel(ctx)
		err = s.store.ApplyPlan(commitCtx, plan, out)
		if err == nil {
			logger.Info("Sync run succeeded", "total", total, "added", added, "updated", updated, "removed", removed)
			s.metrics.PackagesChanged(repo.Name, added, updated, removed)
			if ar.cancelled.Load() {
				logger.Warn("Cancellation arrived during commit, run kept as success")
				note := rl.line("cancellation requested during commit; the commit completed and the run stays success")
				if err := s.store.AppendRunLog(commitCtx, run.ID, note); err != nil {
					logger.Error("Failed to note late cancellation", "error", err)
				}
			}
			if run.SyncType == model.SyncFull {
				s.refreshStats(commitCtx, logger, repo.ID)
			}
			return
		}
	}

	status = model.SyncFailed
	var cancelled *custom_errors.CancellationRequested
	if errors.As(err, &cancelled) || (ar.cancelled.Load() && !ar.committing.Load()) {
		status = model.SyncCancelled
	}
	logger.Error("Sync run ended", "status", status, "error", err)
	rl.add("run %s: %v", status, err)

	finishErr := s.store.FinishRun(context.WithoutCancel(ctx), database.RunOutcome{
		RunID:        run.ID,
		RepositoryID: repo.ID,
		Status:       status,
		EndTime:      s.now(),
		Total:        total,
		ErrorMessage: err.Error(),
		Logs:         rl.String(),
	})
	if finishErr != nil {
		logger.Error("Failed to record run outcome", "error", finishErr)
	}
}

// harvest collects, resolves, normalizes and plans. It never writes packages.
func (s *Syncer) harvest(ctx context.Context, ar *activeRun, logger *slog.Logger, rl *runLog, repo model.Repository, cfg config.RepositoryConfig, run model.SyncLog) (reconciler.Plan, int, error) {
	var incoming []model.Package
	var records, skipped int

	for page, err := range s.collector.Pages(ctx, cfg) {
		if ar.cancelled.Load() {
			return reconciler.Plan{}, 0, &custom_errors.CancellationRequested{RunID: run.ID, Stage: "collect"}
		}
		if err != nil {
			return reconciler.Plan{}, 0, fmt.Errorf("failed to collect packages: %w", err)
		}

		pkgs, n, err := s.normalizePage(ctx, rl, repo, page)
		if err != nil {
			if ar.cancelled.Load() {
				return reconciler.Plan{}, 0, &custom_errors.CancellationRequested{RunID: run.ID, Stage: "resolve"}
			}
			return reconciler.Plan{}, 0, err
		}
		records += len(page)
		skipped += n
		incoming = append(incoming, pkgs...)
		logger.Debug("Processed page", "records", len(page), "skipped", n)
	}
	if ar.cancelled.Load() {
		return reconciler.Plan{}, 0, &custom_errors.CancellationRequested{RunID: run.ID, Stage: "collect"}
	}
	s.metrics.RecordSkipped(repo.Name, skipped)
	rl.add("collected %d records, %d skipped by validation", records, skipped)

	existing, err := s.store.ListPackages(ctx, repo.ID)
	if err != nil {
		return reconciler.Plan{}, 0, fmt.Errorf("failed to load stored packages: %w", err)
	}

	plan := reconciler.Build(existing, incoming, run.SyncType)
	if plan.Duplicates > 0 {
		rl.add("%d duplicate package versions collapsed, last occurrence kept", plan.Duplicates)
	}
	return plan, len(incoming) - plan.Duplicates, nil
}

// normalizePage resolves and normalizes one page with a bounded worker pool.
// Output keeps arrival order so duplicate keys resolve deterministically.
func (s *Syncer) normalizePage(ctx context.Context, rl *runLog, repo model.Repository, page []model.RawPackageRecord) ([]model.Package, int, error) {
	out := make([]model.Package, len(page))
	valid := make([]bool, len(page))
	var skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.settings.ResolveConcurrency)
	for i, raw := range page {
		g.Go(func() error {
			// Validate before spending a lookup on the record.
			if _, err := normalizer.Normalize(repo.ID, raw, model.Resolution{}); err != nil {
				var verr *custom_errors.ValidationError
				if errors.As(err, &verr) {
					skipped.Add(1)
					rl.add("skipped: %v", verr)
					return nil
				}
				return err
			}

			res, err := s.resolve(gctx, rl, raw)
			if err != nil {
				return err
			}
			pkg, err := normalizer.Normalize(repo.ID, raw, res)
			if err != nil {
				return err
			}
			out[i] = pkg
			valid[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	pkgs := make([]model.Package, 0, len(page))
	for i := range out {
		if valid[i] {
			pkgs = append(pkgs, out[i])
		}
	}
	return pkgs, int(skipped.Load()), nil
}

// resolve downgrades transient failures to an unresolved package. Fatal resolver
// errors and cancellation abort the run.
func (s *Syncer) resolve(ctx context.Context, rl *runLog, raw model.RawPackageRecord) (model.Resolution, error) {
	res, err := s.resolver.Resolve(ctx, raw.Name, raw.Version)
	var transient *custom_errors.ResolutionTransientError
	switch {
	case err == nil && res.Found:
		s.metrics.Resolution("found")
		return res, nil
	case err == nil:
		s.metrics.Resolution("not_found")
		return res, nil
	case ctx.Err() != nil:
		// The run was cancelled or a sibling lookup already failed.
		s.metrics.Resolution("cancelled")
		return model.Resolution{}, err
	case errors.As(err, &transient):
		s.metrics.Resolution("transient")
		rl.add("unresolved %s: %v", raw.Name, err)
		return model.Resolution{}, nil
	default:
		s.metrics.Resolution("fatal")
		return model.Resolution{}, err
	}
}

// refreshStats recomputes today's stats row. Failures are logged only.
func (s *Syncer) refreshStats(ctx context.Context, logger *slog.Logger, repositoryID int64) {
	pkgs, err := s.store.ListPackages(ctx, repositoryID)
	if err != nil {
		logger.Error("Failed to load packages for stats", "error", err)
		return
	}
	st := stats.Aggregate(repositoryID, pkgs, s.now())
	if err := s.store.SaveStats(ctx, st); err != nil {
		logger.Error("Failed to save repository stats", "error", err)
		return
	}
	logger.Info("Repository stats refreshed", "stat_date", st.StatDate.Format(time.DateOnly), "total", st.TotalPackages, "outdated", st.OutdatedPackages)
}
