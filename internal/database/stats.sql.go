// internal/database/stats.sql.go
package database

import (
	"context"
	"encoding/json"
	"time"

	"pkg-harvest/internal/model"
)

// A rerun for the same day replaces the whole row.
const upsertRepositoryStats = `
INSERT INTO repository_stats (
    repository_id, stat_date, total_packages, outdated_packages,
    avg_libyear, max_libyear, median_libyear, language_stats
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb)
ON CONFLICT (repository_id, stat_date) DO UPDATE
SET total_packages    = EXCLUDED.total_packages,
    outdated_packages = EXCLUDED.outdated_packages,
    avg_libyear       = EXCLUDED.avg_libyear,
    max_libyear       = EXCLUDED.max_libyear,
    median_libyear    = EXCLUDED.median_libyear,
    language_stats    = EXCLUDED.language_stats,
    created_at        = NOW()`

func (q *Queries) UpsertRepositoryStats(ctx context.Context, arg model.RepositoryStats) error {
	langs := arg.LanguageStats
	if langs == nil {
		langs = map[string]int{}
	}
	encoded, err := json.Marshal(langs)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, upsertRepositoryStats,
		arg.RepositoryID, arg.StatDate, arg.TotalPackages, arg.OutdatedPackages,
		arg.AvgLibyear, arg.MaxLibyear, arg.MedianLibyear, string(encoded),
	)
	return err
}

const getRepositoryStats = `
SELECT repository_id, stat_date, total_packages, outdated_packages,
       avg_libyear, max_libyear, median_libyear, language_stats
FROM repository_stats
WHERE repository_id = $1 AND stat_date = $2`

func (q *Queries) GetRepositoryStats(ctx context.Context, repositoryID int64, statDate time.Time) (model.RepositoryStats, error) {
	var s model.RepositoryStats
	var langs []byte
	err := q.db.QueryRow(ctx, getRepositoryStats, repositoryID, statDate).Scan(
		&s.RepositoryID, &s.StatDate, &s.TotalPackages, &s.OutdatedPackages,
		&s.AvgLibyear, &s.MaxLibyear, &s.MedianLibyear, &langs,
	)
	if err != nil {
		return s, err
	}
	s.LanguageStats = map[string]int{}
	if len(langs) > 0 {
		if err := json.Unmarshal(langs, &s.LanguageStats); err != nil {
			return s, err
		}
	}
	return s, nil
}
