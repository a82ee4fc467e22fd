// internal/database/packages.sql.go
package database

import (
	"context"

	"github.com/jackc/pgx/v5"

	"pkg-harvest/internal/model"
)

const packageColumns = `p.id, p.repository_id, p.package_name, p.display_name, p.version, p.upstream_version,
    p.upstream_release_date, p.system_release_date, p.libyear, p.days_outdated, p.source_url,
    p.language, p.website, p.description, p.is_outdated, p.last_updated, p.created_at`

func scanPackage(row pgx.Row) (model.Package, error) {
	var p model.Package
	err := row.Scan(
		&p.ID, &p.RepositoryID, &p.PackageName, &p.DisplayName, &p.Version, &p.UpstreamVersion,
		&p.UpstreamReleaseDate, &p.SystemReleaseDate, &p.Libyear, &p.DaysOutdated, &p.SourceURL,
		&p.Language, &p.Website, &p.Description, &p.IsOutdated, &p.LastUpdated, &p.CreatedAt,
	)
	return p, err
}

func collectPackages(rows pgx.Rows) ([]model.Package, error) {
	defer rows.Close()
	var items []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

const listPackagesByRepository = `
SELECT ` + packageColumns + `
FROM packages p
WHERE p.repository_id = $1
ORDER BY p.package_name, p.version`

func (q *Queries) ListPackagesByRepository(ctx context.Context, repositoryID int64) ([]model.Package, error) {
	rows, err := q.db.Query(ctx, listPackagesByRepository, repositoryID)
	if err != nil {
		return nil, err
	}
	return collectPackages(rows)
}

var createPackagesColumns = []string{
	"repository_id", "package_name", "display_name", "version", "upstream_version",
	"upstream_release_date", "system_release_date", "libyear", "days_outdated", "source_url",
	"language", "website", "description", "is_outdated",
}

// CreatePackages bulk inserts with COPY and returns the number of rows written.
func (q *Queries) CreatePackages(ctx context.Context, arg []model.Package) (int64, error) {
	return q.db.CopyFrom(ctx, pgx.Identifier{"packages"}, createPackagesColumns, pgx.CopyFromSlice(len(arg), func(i int) ([]any, error) {
		p := arg[i]
		return []any{
			p.RepositoryID, p.PackageName, p.DisplayName, p.Version, p.UpstreamVersion,
			p.UpstreamReleaseDate, p.SystemReleaseDate, p.Libyear, p.DaysOutdated, p.SourceURL,
			p.Language, p.Website, p.Description, p.IsOutdated,
		}, nil
	}))
}

const updatePackage = `
UPDATE packages
SET display_name          = $3,
    upstream_version      = $4,
    upstream_release_date = $5,
    system_release_date   = $6,
    libyear               = $7,
    days_outdated         = $8,
    source_url            = $9,
    language              = $10,
    website               = $11,
    description           = $12,
    is_outdated           = $13,
    last_updated          = NOW()
WHERE id = $1 AND repository_id = $2`

func (q *Queries) UpdatePackage(ctx context.Context, arg model.Package) (int64, error) {
	tag, err := q.db.Exec(ctx, updatePackage,
		arg.ID, arg.RepositoryID, arg.DisplayName, arg.UpstreamVersion,
		arg.UpstreamReleaseDate, arg.SystemReleaseDate, arg.Libyear, arg.DaysOutdated,
		arg.SourceURL, arg.Language, arg.Website, arg.Description, arg.IsOutdated,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const deletePackages = `DELETE FROM packages WHERE repository_id = $1 AND id = ANY($2::bigint[])`

func (q *Queries) DeletePackages(ctx context.Context, repositoryID int64, ids []int64) (int64, error) {
	tag, err := q.db.Exec(ctx, deletePackages, repositoryID, ids)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// NamePattern is matched case-insensitively as a substring; LIKE wildcards pass through.
const searchPackages = `
SELECT ` + packageColumns + `
FROM packages p
JOIN repository r ON r.id = p.repository_id
WHERE ($1::text IS NULL OR p.package_name ILIKE '%' || $1::text || '%')
  AND ($2::text IS NULL OR r.name = $2::text)
  AND ($3::numeric IS NULL OR p.libyear >= $3::numeric)
  AND ($4::boolean IS NULL OR p.is_outdated = $4::boolean)
ORDER BY p.libyear DESC NULLS LAST, p.package_name, p.version
LIMIT $5 OFFSET $6`

type SearchPackagesParams struct {
	NamePattern    *string
	RepositoryName *string
	MinLibyear     *float64
	IsOutdated     *bool
	Limit          int32
	Offset         int32
}

func (q *Queries) SearchPackages(ctx context.Context, arg SearchPackagesParams) ([]model.Package, error) {
	rows, err := q.db.Query(ctx, searchPackages,
		arg.NamePattern, arg.RepositoryName, arg.MinLibyear, arg.IsOutdated, arg.Limit, arg.Offset)
	if err != nil {
		return nil, err
	}
	return collectPackages(rows)
}
