// internal/pypi/resolver.go
package pypi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/git-pkgs/registries"
	_ "github.com/git-pkgs/registries/all"

	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/freshness"
	"pkg-harvest/internal/model"
)

const requestTimeout = 30 * time.Second

// Resolver looks up the latest upstream release of a package on PyPI.
// Packages are mapped to PyPI projects through the configured upstream links.
type Resolver struct {
	reg    registries.Registry
	links  map[string]string
	logger *slog.Logger

	mu    sync.Mutex
	sites map[string]string
}

// NewResolver creates a Resolver against the PyPI JSON API at baseURL.
// An empty baseURL uses pypi.org. The registry client retries 429 and 5xx
// responses up to maxRetries times.
func NewResolver(baseURL string, links map[string]string, maxRetries int, logger *slog.Logger) (*Resolver, error) {
	client := registries.NewClient(
		registries.WithTimeout(requestTimeout),
		registries.WithMaxRetries(maxRetries),
	)
	reg, err := registries.New("pypi", baseURL, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create pypi registry: %w", err)
	}

	projects := make(map[string]string, len(links))
	for pkg, project := range links {
		project = strings.TrimSpace(project)
		if project == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: "pypi:"}
		}
		projects[strings.ToLower(strings.TrimSpace(pkg))] = project
	}

	return &Resolver{
		reg:    reg,
		links:  projects,
		logger: logger,
		sites:  make(map[string]string),
	}, nil
}

// Resolve returns the upstream view of a package.
// An unknown project is a successful lookup with Found false; any other
// registry failure is a ResolutionTransientError.
func (r *Resolver) Resolve(ctx context.Context, name, currentVersion string) (model.Resolution, error) {
	project, ok := r.links[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return model.Resolution{}, nil
	}
	logger := r.logger.With("package", name, "upstream", "pypi:"+project)

	res, err := r.lookup(ctx, project, currentVersion)
	switch {
	case ctx.Err() != nil:
		return model.Resolution{}, ctx.Err()
	case err == nil && !res.Found:
		logger.Debug("No upstream release")
		return model.Resolution{}, nil
	case err == nil:
		logger.Debug("Resolved upstream release", "current", currentVersion, "upstream", res.UpstreamVersion)
		return res, nil
	case isNotFound(err):
		logger.Debug("Unknown pypi project")
		return model.Resolution{}, nil
	default:
		return model.Resolution{}, &custom_errors.ResolutionTransientError{Name: name, Err: err}
	}
}

func (r *Resolver) lookup(ctx context.Context, project, currentVersion string) (model.Resolution, error) {
	versions, err := r.reg.FetchVersions(ctx, project)
	if err != nil {
		return model.Resolution{}, err
	}

	latest := latestStable(versions)
	if latest == nil {
		return model.Resolution{}, nil
	}

	website, err := r.website(ctx, project)
	if err != nil {
		return model.Resolution{}, err
	}

	res := model.Resolution{
		Found:           true,
		UpstreamVersion: latest.Number,
		ReleaseDate:     published(*latest),
		Language:        "Python",
		Website:         website,
	}
	if v := installed(versions, currentVersion); v != nil {
		res.InstalledReleaseDate = published(*v)
	}
	return res, nil
}

// website fetches the project homepage once per project.
func (r *Resolver) website(ctx context.Context, project string) (string, error) {
	r.mu.Lock()
	site, ok := r.sites[project]
	r.mu.Unlock()
	if ok {
		return site, nil
	}

	pkg, err := r.reg.FetchPackage(ctx, project)
	if err != nil {
		return "", err
	}
	site = pkg.Homepage
	if site == "" {
		site = pkg.Repository
	}

	r.mu.Lock()
	r.sites[project] = site
	r.mu.Unlock()
	return site, nil
}

// latestStable picks the highest non-yanked final release. Projects whose
// version numbers do not parse fall back to the newest upload.
func latestStable(versions []registries.Version) *registries.Version {
	var best, newest *registries.Version
	var bestSemver *semver.Version
	for i := range versions {
		v := &versions[i]
		if v.Status != registries.StatusNone {
			continue
		}
		if newest == nil || v.PublishedAt.After(newest.PublishedAt) {
			newest = v
		}
		sv, err := semver.NewVersion(v.Number)
		if err != nil || sv.Prerelease() != "" {
			continue
		}
		if bestSemver == nil || sv.GreaterThan(bestSemver) {
			best, bestSemver = v, sv
		}
	}
	if best != nil {
		return best
	}
	return newest
}

// installed finds the release matching a distro version such as "2.25.1+dfsg-2".
func installed(versions []registries.Version, currentVersion string) *registries.Version {
	want := freshness.NormalizeVersion(currentVersion)
	if want == "" {
		return nil
	}
	wantSemver, wantErr := semver.NewVersion(want)
	for i := range versions {
		v := &versions[i]
		got := freshness.NormalizeVersion(v.Number)
		if got == want {
			return v
		}
		if wantErr != nil {
			continue
		}
		if sv, err := semver.NewVersion(got); err == nil && sv.Equal(wantSemver) {
			return v
		}
	}
	return nil
}

func published(v registries.Version) *time.Time {
	if v.PublishedAt.IsZero() {
		return nil
	}
	t := v.PublishedAt.UTC()
	return &t
}

// isNotFound recognises the registry's not-found shapes: the sentinel, the
// typed error and a bare 404.
func isNotFound(err error) bool {
	if errors.Is(err, registries.ErrNotFound) {
		return true
	}
	var nf *registries.NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	var httpErr *registries.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
		return true
	}
	var notFound interface{ IsNotFound() bool }
	return errors.As(err, &notFound) && notFound.IsNotFound()
}
