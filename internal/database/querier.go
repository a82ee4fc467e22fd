// internal/database/querier.go
package database

import (
	"context"
	"time"

	"pkg-harvest/internal/model"
)

// Querier is the set of statements the store and the API run.
type Querier interface {
	UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (model.Repository, error)
	GetRepositoryByName(ctx context.Context, name string) (model.Repository, error)
	ListRepositories(ctx context.Context) ([]model.Repository, error)
	AcquireRepositoryLease(ctx context.Context, id int64) (model.Repository, error)
	ReleaseRepository(ctx context.Context, arg ReleaseRepositoryParams) error
	ReleaseAllRunningRepositories(ctx context.Context) (int64, error)

	CreateSyncLog(ctx context.Context, arg CreateSyncLogParams) (model.SyncLog, error)
	FinishSyncLog(ctx context.Context, arg FinishSyncLogParams) (int64, error)
	AppendSyncLog(ctx context.Context, id int64, text string) error
	GetSyncLog(ctx context.Context, id int64) (model.SyncLog, error)
	ListRunningSyncLogs(ctx context.Context) ([]model.SyncLog, error)

	ListPackagesByRepository(ctx context.Context, repositoryID int64) ([]model.Package, error)
	CreatePackages(ctx context.Context, arg []model.Package) (int64, error)
	UpdatePackage(ctx context.Context, arg model.Package) (int64, error)
	DeletePackages(ctx context.Context, repositoryID int64, ids []int64) (int64, error)
	SearchPackages(ctx context.Context, arg SearchPackagesParams) ([]model.Package, error)

	UpsertRepositoryStats(ctx context.Context, arg model.RepositoryStats) error
	GetRepositoryStats(ctx context.Context, repositoryID int64, statDate time.Time) (model.RepositoryStats, error)
}

var _ Querier = (*Queries)(nil)
