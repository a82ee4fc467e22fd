// internal/model/models.go
package model

import (
	"time"
)

// RepoStatus is the last-sync state stored on a repository row.
type RepoStatus string

const (
	RepoStatusSuccess RepoStatus = "success"
	RepoStatusFailed  RepoStatus = "failed"
	RepoStatusRunning RepoStatus = "running"
)

// SyncType selects between a complete catalogue pass and a partial one.
type SyncType string

const (
	SyncFull        SyncType = "full"
	SyncIncremental SyncType = "incremental"
)

// ParseSyncType maps a user supplied string to a SyncType. Empty means full.
func ParseSyncType(s string) (SyncType, bool) {
	switch SyncType(s) {
	case "", SyncFull:
		return SyncFull, true
	case SyncIncremental:
		return SyncIncremental, true
	}
	return "", false
}

// SyncStatus is the state of a single harvest run.
type SyncStatus string

const (
	SyncRunning   SyncStatus = "running"
	SyncSuccess   SyncStatus = "success"
	SyncFailed    SyncStatus = "failed"
	SyncCancelled SyncStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s SyncStatus) Terminal() bool {
	return s == SyncSuccess || s == SyncFailed || s == SyncCancelled
}

// Repository is one tracked distribution/version/arch source.
type Repository struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	DisplayName    string     `json:"display_name"`
	SyncEnabled    bool       `json:"sync_enabled"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	LastSyncStatus RepoStatus `json:"last_sync_status"`
}

// Package is a single package version observed in one repository.
type Package struct {
	ID                  int64      `json:"id"`
	RepositoryID        int64      `json:"repository_id"`
	PackageName         string     `json:"package_name"`
	DisplayName         string     `json:"display_name"`
	Version             string     `json:"version"`
	UpstreamVersion     *string    `json:"upstream_version,omitempty"`
	UpstreamReleaseDate *time.Time `json:"upstream_release_date,omitempty"`
	SystemReleaseDate   *time.Time `json:"system_release_date,omitempty"`
	Libyear             *float64   `json:"libyear,omitempty"`
	DaysOutdated        *int       `json:"days_outdated,omitempty"`
	SourceURL           string     `json:"source_url,omitempty"`
	Language            string     `json:"language,omitempty"`
	Website             string     `json:"website,omitempty"`
	Description         string     `json:"description,omitempty"`
	IsOutdated          bool       `json:"is_outdated"`
	LastUpdated         time.Time  `json:"last_updated"`
	CreatedAt           time.Time  `json:"created_at"`
}

// Key is the per-repository identity of a package row.
func (p Package) Key() PackageKey {
	return PackageKey{Name: p.PackageName, Version: p.Version}
}

// PackageKey identifies a package version inside one repository.
type PackageKey struct {
	Name    string
	Version string
}

func (k PackageKey) String() string {
	return k.Name + "@" + k.Version
}

// SyncLog is the audit record of one harvest run. Its ID doubles as the run id.
type SyncLog struct {
	ID              int64      `json:"id"`
	RepositoryID    int64      `json:"repository_id"`
	SyncType        SyncType   `json:"sync_type"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	PackagesTotal   int        `json:"packages_total"`
	PackagesUpdated int        `json:"packages_updated"`
	PackagesAdded   int        `json:"packages_added"`
	PackagesRemoved int        `json:"packages_removed"`
	Status          SyncStatus `json:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	Logs            string     `json:"logs,omitempty"`
}

// RepositoryStats is the derived daily summary for a repository.
type RepositoryStats struct {
	RepositoryID     int64          `json:"repository_id"`
	StatDate         time.Time      `json:"stat_date"`
	TotalPackages    int            `json:"total_packages"`
	OutdatedPackages int            `json:"outdated_packages"`
	AvgLibyear       *float64       `json:"avg_libyear,omitempty"`
	MaxLibyear       *float64       `json:"max_libyear,omitempty"`
	MedianLibyear    *float64       `json:"median_libyear,omitempty"`
	LanguageStats    map[string]int `json:"language_stats"`
}

// RawPackageRecord is what a collector yields before validation.
// Extra carries distribution specific fields (license, sourcerpm, section...).
type RawPackageRecord struct {
	Name        string
	Version     string
	Release     string
	Epoch       string
	Arch        string
	Description string
	SourceURL   string
	Language    string
	Website     string
	BuildTime   *time.Time
	Extra       map[string]string
}

// Resolution is the upstream view of a package as reported by a resolver.
type Resolution struct {
	Found           bool
	UpstreamVersion string
	ReleaseDate     *time.Time
	// InstalledReleaseDate is when upstream published the installed version.
	// It stands in for a missing build time, as on Debian-style indexes.
	InstalledReleaseDate *time.Time
	Language             string
	Website              string
}
