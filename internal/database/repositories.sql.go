// internal/database/repositories.sql.go
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pkg-harvest/internal/model"
)

const repositoryColumns = `id, name, display_name, sync_enabled, last_sync_time, last_sync_status`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	var status string
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.SyncEnabled, &r.LastSyncTime, &status)
	r.LastSyncStatus = model.RepoStatus(status)
	return r, err
}

const upsertRepository = `
INSERT INTO repository (name, display_name, sync_enabled)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET display_name = EXCLUDED.display_name,
    sync_enabled = EXCLUDED.sync_enabled,
    updated_at   = NOW()
RETURNING ` + repositoryColumns

type UpsertRepositoryParams struct {
	Name        string
	DisplayName string
	SyncEnabled bool
}

func (q *Queries) UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (model.Repository, error) {
	return scanRepository(q.db.QueryRow(ctx, upsertRepository, arg.Name, arg.DisplayName, arg.SyncEnabled))
}

const getRepositoryByName = `SELECT ` + repositoryColumns + ` FROM repository WHERE name = $1`

func (q *Queries) GetRepositoryByName(ctx context.Context, name string) (model.Repository, error) {
	return scanRepository(q.db.QueryRow(ctx, getRepositoryByName, name))
}

const listRepositories = `SELECT ` + repositoryColumns + ` FROM repository ORDER BY name`

func (q *Queries) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	rows, err := q.db.Query(ctx, listRepositories)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// The conditional update is the lease: only one caller can move a row to running.
const acquireRepositoryLease = `
UPDATE repository
SET last_sync_status = 'running', updated_at = NOW()
WHERE id = $1 AND last_sync_status <> 'running'
RETURNING ` + repositoryColumns

// AcquireRepositoryLease returns pgx.ErrNoRows when the repository is already running.
func (q *Queries) AcquireRepositoryLease(ctx context.Context, id int64) (model.Repository, error) {
	return scanRepository(q.db.QueryRow(ctx, acquireRepositoryLease, id))
}

const releaseRepository = `
UPDATE repository
SET last_sync_status = $2,
    last_sync_time   = COALESCE($3, last_sync_time),
    updated_at       = NOW()
WHERE id = $1`

type ReleaseRepositoryParams struct {
	ID       int64
	Status   model.RepoStatus
	SyncTime *time.Time
}

func (q *Queries) ReleaseRepository(ctx context.Context, arg ReleaseRepositoryParams) error {
	_, err := q.db.Exec(ctx, releaseRepository, arg.ID, string(arg.Status), arg.SyncTime)
	return err
}

const releaseAllRunningRepositories = `
UPDATE repository
SET last_sync_status = 'failed', updated_at = NOW()
WHERE last_sync_status = 'running'`

func (q *Queries) ReleaseAllRunningRepositories(ctx context.Context) (int64, error) {
	tag, err := q.db.Exec(ctx, releaseAllRunningRepositories)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
