// internal/database/sync_logs.sql.go
package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"pkg-harvest/internal/model"
)

const syncLogColumns = `id, repository_id, sync_type, start_time, end_time, packages_total,
    packages_updated, packages_added, packages_removed, status, error_message, logs`

func scanSyncLog(row pgx.Row) (model.SyncLog, error) {
	var l model.SyncLog
	var syncType, status string
	err := row.Scan(
		&l.ID, &l.RepositoryID, &syncType, &l.StartTime, &l.EndTime, &l.PackagesTotal,
		&l.PackagesUpdated, &l.PackagesAdded, &l.PackagesRemoved, &status, &l.ErrorMessage, &l.Logs,
	)
	l.SyncType = model.SyncType(syncType)
	l.Status = model.SyncStatus(status)
	return l, err
}

const createSyncLog = `
INSERT INTO sync_logs (repository_id, sync_type, start_time, status)
VALUES ($1, $2, $3, 'running')
RETURNING ` + syncLogColumns

type CreateSyncLogParams struct {
	RepositoryID int64
	SyncType     model.SyncType
	StartTime    time.Time
}

func (q *Queries) CreateSyncLog(ctx context.Context, arg CreateSyncLogParams) (model.SyncLog, error) {
	return scanSyncLog(q.db.QueryRow(ctx, createSyncLog, arg.RepositoryID, string(arg.SyncType), arg.StartTime))
}

// Only a running log can be finished, so a run reaches a terminal status once.
const finishSyncLog = `
UPDATE sync_logs
SET status           = $2,
    end_time         = $3,
    packages_total   = $4,
    packages_updated = $5,
    packages_added   = $6,
    packages_removed = $7,
    error_message    = $8,
    logs             = $9
WHERE id = $1 AND status = 'running'`

type FinishSyncLogParams struct {
	ID              int64
	Status          model.SyncStatus
	EndTime         time.Time
	PackagesTotal   int
	PackagesUpdated int
	PackagesAdded   int
	PackagesRemoved int
	ErrorMessage    *string
	Logs            string
}

// FinishSyncLog returns the number of rows moved to a terminal state (0 or 1).
func (q *Queries) FinishSyncLog(ctx context.Context, arg FinishSyncLogParams) (int64, error) {
	tag, err := q.db.Exec(ctx, finishSyncLog,
		arg.ID,
		string(arg.Status),
		arg.EndTime,
		arg.PackagesTotal,
		arg.PackagesUpdated,
		arg.PackagesAdded,
		arg.PackagesRemoved,
		arg.ErrorMessage,
		arg.Logs,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Appends to the free-text log without touching the status.
const appendSyncLog = `UPDATE sync_logs SET logs = logs || $2 WHERE id = $1`

func (q *Queries) AppendSyncLog(ctx context.Context, id int64, text string) error {
	_, err := q.db.Exec(ctx, appendSyncLog, id, text)
	return err
}

const getSyncLog = `SELECT ` + syncLogColumns + ` FROM sync_logs WHERE id = $1`

func (q *Queries) GetSyncLog(ctx context.Context, id int64) (model.SyncLog, error) {
	return scanSyncLog(q.db.QueryRow(ctx, getSyncLog, id))
}

const listRunningSyncLogs = `SELECT ` + syncLogColumns + ` FROM sync_logs WHERE status = 'running' ORDER BY id`

func (q *Queries) ListRunningSyncLogs(ctx context.Context) ([]model.SyncLog, error) {
	rows, err := q.db.Query(ctx, listRunningSyncLogs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, l)
	}
	return items, rows.Err()
}
