// internal/normalizer/normalizer.go
package normalizer

import (
	"strings"
	"time"

	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/freshness"
	"pkg-harvest/internal/model"
)

// Normalize turns a collector record plus its upstream resolution into a Package.
// The result depends only on its inputs; last_updated is left for storage to stamp.
func Normalize(repositoryID int64, raw model.RawPackageRecord, res model.Resolution) (model.Package, error) {
	display := strings.TrimSpace(raw.Name)
	version := strings.TrimSpace(raw.Version)

	switch {
	case repositoryID <= 0:
		return model.Package{}, &custom_errors.ValidationError{Field: "repository_id", Record: display}
	case display == "":
		return model.Package{}, &custom_errors.ValidationError{Field: "package_name", Record: version}
	case version == "":
		return model.Package{}, &custom_errors.ValidationError{Field: "version", Record: display}
	case strings.Contains(display, "%{"):
		return model.Package{}, &custom_errors.ValidationError{Field: "package_name", Record: display, Reason: "contains an unexpanded macro"}
	}

	pkg := model.Package{
		RepositoryID:      repositoryID,
		PackageName:       strings.ToLower(display),
		DisplayName:       display,
		Version:           version,
		SystemReleaseDate: systemReleaseDate(raw, res),
		SourceURL:         strings.TrimSpace(raw.SourceURL),
		Language:          firstNonEmpty(res.Language, raw.Language),
		Website:           firstNonEmpty(res.Website, raw.Website),
		Description:       strings.TrimSpace(raw.Description),
	}

	if res.Found {
		if uv := strings.TrimSpace(res.UpstreamVersion); uv != "" {
			pkg.UpstreamVersion = &uv
		}
		pkg.UpstreamReleaseDate = day(res.ReleaseDate)
	}

	upstream := ""
	if pkg.UpstreamVersion != nil {
		upstream = *pkg.UpstreamVersion
	}
	f := freshness.Compute(version, pkg.SystemReleaseDate, upstream, pkg.UpstreamReleaseDate)
	pkg.Libyear = f.Libyear
	pkg.DaysOutdated = f.DaysOutdated
	pkg.IsOutdated = f.IsOutdated

	return pkg, nil
}

// systemReleaseDate uses the build time and falls back to the upstream date of
// the installed version when the index carries none.
func systemReleaseDate(raw model.RawPackageRecord, res model.Resolution) *time.Time {
	if d := day(raw.BuildTime); d != nil {
		return d
	}
	if res.Found {
		return day(res.InstalledReleaseDate)
	}
	return nil
}

// day truncates to the UTC calendar date, the precision release dates are stored at.
func day(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	u := t.UTC()
	d := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
