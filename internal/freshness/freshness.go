// internal/freshness/freshness.go
package freshness

import (
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

const daysPerYear = 365.25

var epochPrefix = regexp.MustCompile(`^\d+:`)

// Result is the freshness of one installed version against its upstream.
// Nil pointers mean the value is not knowable from the inputs.
type Result struct {
	Libyear      *float64
	DaysOutdated *int
	IsOutdated   bool
}

// Compute derives libyear and outdated-days for an installed version.
// It never fails; unresolvable input yields an all-nil, not outdated Result.
func Compute(installedVersion string, installedDate *time.Time, upstreamVersion string, upstreamDate *time.Time) Result {
	if strings.TrimSpace(upstreamVersion) == "" && upstreamDate == nil {
		return Result{}
	}

	if installedDate != nil && upstreamDate != nil && !installedDate.IsZero() && !upstreamDate.IsZero() {
		days := wholeDays(*installedDate, *upstreamDate)
		ly := round3(float64(days) / daysPerYear)
		return Result{Libyear: &ly, DaysOutdated: &days, IsOutdated: days > 0}
	}

	if strings.TrimSpace(upstreamVersion) == "" || strings.TrimSpace(installedVersion) == "" {
		return Result{}
	}
	if behind(installedVersion, upstreamVersion) {
		return Result{IsOutdated: true}
	}
	zero, none := 0.0, 0
	return Result{Libyear: &zero, DaysOutdated: &none}
}

// Libyear returns the non-negative distance between two release dates in years.
func Libyear(installed, upstream time.Time) float64 {
	return round3(float64(wholeDays(installed, upstream)) / daysPerYear)
}

// NormalizeVersion strips decorations that differ between a distro and its upstream:
// surrounding space, case, a leading "v", an epoch ("2:") and a packaging revision ("-1.fc39").
func NormalizeVersion(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	v = epochPrefix.ReplaceAllString(v, "")
	if i := strings.LastIndex(v, "-"); i > 0 && strings.ContainsAny(v[:i], "0123456789") {
		v = v[:i]
	}
	return strings.TrimPrefix(v, "v")
}

// behind reports whether installed is older than upstream.
func behind(installed, upstream string) bool {
	a, b := NormalizeVersion(installed), NormalizeVersion(upstream)
	if a == b {
		return false
	}
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA == nil && errB == nil {
		return va.LessThan(vb)
	}
	return true
}

func wholeDays(from, to time.Time) int {
	if !to.After(from) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
