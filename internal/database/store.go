// internal/database/store.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/model"
	"pkg-harvest/internal/reconciler"
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"

	defaultSearchLimit = 50
	maxSearchLimit     = 500
)

// Store wraps the pool and groups statements into the transactions a sync run needs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store. The caller owns the pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// RunOutcome is what gets written when a run reaches a terminal state.
type RunOutcome struct {
	RunID        int64
	RepositoryID int64
	Status       model.SyncStatus
	EndTime      time.Time
	Total        int
	Added        int
	Updated      int
	Removed      int
	ErrorMessage string
	Logs         string
}

func (s *Store) inTx(ctx context.Context, opts pgx.TxOptions, fn func(q Querier) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // Rollback is a no-op if the transaction is already committed.

	if err := fn(New(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// EnsureRepositories registers configured repositories, updating display name and sync flag.
func (s *Store) EnsureRepositories(ctx context.Context, repos []UpsertRepositoryParams) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(q Querier) error {
		for _, r := range repos {
			if _, err := q.UpsertRepository(ctx, r); err != nil {
				return fmt.Errorf("failed to upsert repository %s: %w", r.Name, err)
			}
		}
		return nil
	})
}

// BeginRun takes the repository lease and opens a running SyncLog in one transaction.
func (s *Store) BeginRun(ctx context.Context, repoName string, syncType model.SyncType, start time.Time) (model.Repository, model.SyncLog, error) {
	var repo model.Repository
	var run model.SyncLog
	err := s.inTx(ctx, pgx.TxOptions{}, func(q Querier) error {
		var err error
		repo, run, err = beginRun(ctx, q, repoName, syncType, start)
		return err
	})
	if isPgError(err, uniqueViolation) || isPgError(err, serializationFailure) {
		return repo, run, &custom_errors.ConcurrentSyncRejected{Repository: repoName}
	}
	return repo, run, err
}

func beginRun(ctx context.Context, q Querier, repoName string, syncType model.SyncType, start time.Time) (model.Repository, model.SyncLog, error) {
	repo, err := q.GetRepositoryByName(ctx, repoName)
	if errors.Is(err, pgx.ErrNoRows) {
		return repo, model.SyncLog{}, fmt.Errorf("repository %q: %w", repoName, custom_errors.ErrNotFound)
	} else if err != nil {
		return repo, model.SyncLog{}, err
	}
	if !repo.SyncEnabled {
		return repo, model.SyncLog{}, &custom_errors.RepositoryDisabled{Repository: repoName}
	}

	repo, err = q.AcquireRepositoryLease(ctx, repo.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return repo, model.SyncLog{}, &custom_errors.ConcurrentSyncRejected{Repository: repoName}
	} else if err != nil {
		return repo, model.SyncLog{}, err
	}

	run, err := q.CreateSyncLog(ctx, CreateSyncLogParams{
		RepositoryID: repo.ID,
		SyncType:     syncType,
		StartTime:    start,
	})
	return repo, run, err
}

// FinishRun closes a run that did not apply a plan (failed or cancelled) and releases the lease.
func (s *Store) FinishRun(ctx context.Context, out RunOutcome) error {
	return s.inTx(ctx, pgx.TxOptions{}, func(q Querier) error {
		return finishRun(ctx, q, out, nil)
	})
}

func finishRun(ctx context.Context, q Querier, out RunOutcome, syncTime *time.Time) error {
	var msg *string
	if out.ErrorMessage != "" {
		msg = &out.ErrorMessage
	}
	n, err := q.FinishSyncLog(ctx, FinishSyncLogParams{
		ID:              out.RunID,
		Status:          out.Status,
		EndTime:         out.EndTime,
		PackagesTotal:   out.Total,
		PackagesUpdated: out.Updated,
		PackagesAdded:   out.Added,
		PackagesRemoved: out.Removed,
		ErrorMessage:    msg,
		Logs:            out.Logs,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("sync run %d is not running", out.RunID)
	}

	repoStatus := model.RepoStatusFailed
	if out.Status == model.SyncSuccess {
		repoStatus = model.RepoStatusSuccess
	}
	return q.ReleaseRepository(ctx, ReleaseRepositoryParams{ID: out.RepositoryID, Status: repoStatus, SyncTime: syncTime})
}

// ApplyPlan writes every insert, update and removal of a run together with its success
// record. Either all of it commits or none of it does.
func (s *Store) ApplyPlan(ctx context.Context, plan reconciler.Plan, out RunOutcome) error {
	err := s.inTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable, AccessMode: pgx.ReadWrite}, func(q Querier) error {
		return applyPlan(ctx, q, plan, out)
	})
	if err != nil {
		return &custom_errors.StorageApplyError{Err: err}
	}
	return nil
}

func applyPlan(ctx context.Context, q Querier, plan reconciler.Plan, out RunOutcome) error {
	if len(plan.ToRemove) > 0 {
		ids := make([]int64, len(plan.ToRemove))
		for i, p := range plan.ToRemove {
			ids[i] = p.ID
		}
		n, err := q.DeletePackages(ctx, out.RepositoryID, ids)
		if err != nil {
			return fmt.Errorf("failed to delete packages: %w", err)
		}
		if n != int64(len(ids)) {
			return fmt.Errorf("delete count mismatch: expected %d, got %d", len(ids), n)
		}
	}

	if len(plan.ToInsert) > 0 {
		rows := make([]model.Package, len(plan.ToInsert))
		for i, p := range plan.ToInsert {
			p.RepositoryID = out.RepositoryID
			rows[i] = p
		}
		n, err := q.CreatePackages(ctx, rows)
		if err != nil {
			return fmt.Errorf("failed to insert packages: %w", err)
		}
		if n != int64(len(rows)) {
			return fmt.Errorf("insert count mismatch: expected %d, got %d", len(rows), n)
		}
	}

	for _, p := range plan.ToUpdate {
		p.RepositoryID = out.RepositoryID
		n, err := q.UpdatePackage(ctx, p)
		if err != nil {
			return fmt.Errorf("failed to update package %s: %w", p.Key(), err)
		}
		if n != 1 {
			return fmt.Errorf("package %s (id %d) vanished during apply", p.Key(), p.ID)
		}
	}

	out.Status = model.SyncSuccess
	out.Added, out.Updated, out.Removed = plan.Counts()
	syncTime := out.EndTime
	return finishRun(ctx, q, out, &syncTime)
}

// AppendRunLog adds text to a run's log without changing its status.
func (s *Store) AppendRunLog(ctx context.Context, runID int64, text string) error {
	return New(s.pool).AppendSyncLog(ctx, runID, text)
}

// ListPackages returns the stored package set of a repository.
func (s *Store) ListPackages(ctx context.Context, repositoryID int64) ([]model.Package, error) {
	return New(s.pool).ListPackagesByRepository(ctx, repositoryID)
}

// SaveStats upserts the daily stats row.
func (s *Store) SaveStats(ctx context.Context, st model.RepositoryStats) error {
	return New(s.pool).UpsertRepositoryStats(ctx, st)
}

// GetSyncLog returns the run with the given id.
func (s *Store) GetSyncLog(ctx context.Context, runID int64) (model.SyncLog, error) {
	l, err := New(s.pool).GetSyncLog(ctx, runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return l, fmt.Errorf("sync run %d: %w", runID, custom_errors.ErrNotFound)
	}
	return l, err
}

// ListRepositories returns every registered repository.
func (s *Store) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	return New(s.pool).ListRepositories(ctx)
}

// GetStats returns the stats row of a repository for a day.
func (s *Store) GetStats(ctx context.Context, repoName string, day time.Time) (model.RepositoryStats, error) {
	q := New(s.pool)
	repo, err := q.GetRepositoryByName(ctx, repoName)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RepositoryStats{}, fmt.Errorf("repository %q: %w", repoName, custom_errors.ErrNotFound)
	} else if err != nil {
		return model.RepositoryStats{}, err
	}
	st, err := q.GetRepositoryStats(ctx, repo.ID, day)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("stats for %q on %s: %w", repoName, day.Format(time.DateOnly), custom_errors.ErrNotFound)
	}
	return st, err
}

// SearchPackages runs the package query interface, clamping the page size.
func (s *Store) SearchPackages(ctx context.Context, arg SearchPackagesParams) ([]model.Package, error) {
	return New(s.pool).SearchPackages(ctx, ClampSearch(arg))
}

// ClampSearch applies the default and maximum page size and a non-negative offset.
func ClampSearch(arg SearchPackagesParams) SearchPackagesParams {
	if arg.Limit <= 0 {
		arg.Limit = defaultSearchLimit
	}
	if arg.Limit > maxSearchLimit {
		arg.Limit = maxSearchLimit
	}
	if arg.Offset < 0 {
		arg.Offset = 0
	}
	return arg
}

// RecoverInterruptedRuns fails every run left in running state by a previous process
// and releases the repositories it held.
func (s *Store) RecoverInterruptedRuns(ctx context.Context, now time.Time) (int, error) {
	var recovered int
	err := s.inTx(ctx, pgx.TxOptions{}, func(q Querier) error {
		runs, err := q.ListRunningSyncLogs(ctx)
		if err != nil {
			return err
		}
		for _, r := range runs {
			msg := "interrupted: process stopped before the run finished"
			if _, err := q.FinishSyncLog(ctx, FinishSyncLogParams{
				ID:           r.ID,
				Status:       model.SyncFailed,
				EndTime:      now,
				ErrorMessage: &msg,
				Logs:         r.Logs,
			}); err != nil {
				return err
			}
		}
		recovered = len(runs)
		_, err = q.ReleaseAllRunningRepositories(ctx)
		return err
	})
	return recovered, err
}

func isPgError(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
