// internal/reconciler/reconciler.go
package reconciler

import (
	"sort"
	"time"

	"pkg-harvest/internal/model"
)

// Plan is the set of row changes a run would make. Building it has no side effects.
type Plan struct {
	ToInsert []model.Package
	ToUpdate []model.Package
	ToRemove []model.Package
	// Duplicates counts incoming rows dropped because a later row had the same key.
	Duplicates int
}

// Empty reports whether applying the plan would change nothing.
func (p Plan) Empty() bool {
	return len(p.ToInsert) == 0 && len(p.ToUpdate) == 0 && len(p.ToRemove) == 0
}

// Counts returns (added, updated, removed).
func (p Plan) Counts() (int, int, int) {
	return len(p.ToInsert), len(p.ToUpdate), len(p.ToRemove)
}

// Build diffs incoming packages against the stored set of one repository.
//
// Rows are keyed on (package_name, version). When incoming holds the same key
// more than once the last occurrence in arrival order wins. Rows that exist on
// both sides are updated only if a comparable field changed; updates carry the
// stored row ID. Removals are computed for full syncs only, since an
// incremental run sees a subset of the catalogue. Output slices are sorted by key.
func Build(existing, incoming []model.Package, syncType model.SyncType) Plan {
	var plan Plan

	stored := make(map[model.PackageKey]model.Package, len(existing))
	for _, p := range existing {
		stored[p.Key()] = p
	}

	latest := make(map[model.PackageKey]model.Package, len(incoming))
	for _, p := range incoming {
		if _, dup := latest[p.Key()]; dup {
			plan.Duplicates++
		}
		latest[p.Key()] = p
	}

	for key, in := range latest {
		old, ok := stored[key]
		if !ok {
			plan.ToInsert = append(plan.ToInsert, in)
			continue
		}
		if Changed(old, in) {
			in.ID = old.ID
			in.RepositoryID = old.RepositoryID
			in.CreatedAt = old.CreatedAt
			plan.ToUpdate = append(plan.ToUpdate, in)
		}
	}

	if syncType == model.SyncFull {
		for key, old := range stored {
			if _, ok := latest[key]; !ok {
				plan.ToRemove = append(plan.ToRemove, old)
			}
		}
	}

	sortByKey(plan.ToInsert)
	sortByKey(plan.ToUpdate)
	sortByKey(plan.ToRemove)
	return plan
}

// Changed reports whether any field outside the identity key differs.
func Changed(a, b model.Package) bool {
	return !eqString(a.UpstreamVersion, b.UpstreamVersion) ||
		!eqTime(a.UpstreamReleaseDate, b.UpstreamReleaseDate) ||
		!eqTime(a.SystemReleaseDate, b.SystemReleaseDate) ||
		!eqFloat(a.Libyear, b.Libyear) ||
		!eqInt(a.DaysOutdated, b.DaysOutdated) ||
		a.IsOutdated != b.IsOutdated ||
		a.Description != b.Description ||
		a.SourceURL != b.SourceURL ||
		a.Language != b.Language ||
		a.Website != b.Website ||
		a.DisplayName != b.DisplayName
}

func sortByKey(pkgs []model.Package) {
	sort.Slice(pkgs, func(i, j int) bool {
		if pkgs[i].PackageName != pkgs[j].PackageName {
			return pkgs[i].PackageName < pkgs[j].PackageName
		}
		return pkgs[i].Version < pkgs[j].Version
	})
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqFloat(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
