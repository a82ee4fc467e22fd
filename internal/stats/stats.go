// internal/stats/stats.go
package stats

import (
	"math"
	"sort"
	"strings"
	"time"

	"pkg-harvest/internal/model"
)

// UnknownLanguage groups packages with no language.
const UnknownLanguage = "unknown"

// Aggregate computes the daily stats row for a repository from its current package set.
// Packages with an unknown libyear are left out of avg, median and max entirely.
func Aggregate(repositoryID int64, packages []model.Package, date time.Time) model.RepositoryStats {
	s := model.RepositoryStats{
		RepositoryID:  repositoryID,
		StatDate:      StatDate(date),
		TotalPackages: len(packages),
		LanguageStats: make(map[string]int),
	}

	var libyears []float64
	for _, p := range packages {
		if p.IsOutdated {
			s.OutdatedPackages++
		}
		if p.Libyear != nil {
			libyears = append(libyears, *p.Libyear)
		}
		lang := strings.TrimSpace(p.Language)
		if lang == "" {
			lang = UnknownLanguage
		}
		s.LanguageStats[lang]++
	}

	if len(libyears) == 0 {
		return s
	}

	sort.Float64s(libyears)
	var sum float64
	for _, v := range libyears {
		sum += v
	}
	avg := round3(sum / float64(len(libyears)))
	maxLy := libyears[len(libyears)-1]
	median := round3(medianOf(libyears))

	s.AvgLibyear = &avg
	s.MaxLibyear = &maxLy
	s.MedianLibyear = &median
	return s
}

// StatDate truncates t to its UTC calendar day.
func StatDate(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// medianOf expects sorted input.
func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
