// internal/github/client.go
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenk/backoff"
	backoffv5 "github.com/cenkalti/backoff/v5"
	"github.com/google/go-github/v62/github"
	circuit "github.com/rubyist/circuitbreaker"
	"golang.org/x/oauth2"

	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/freshness"
	"pkg-harvest/internal/model"
)

var (
	errNotFound     = errors.New("upstream project or release not found")
	errUnauthorized = errors.New("github rejected the credentials")
	errRateLimited  = errors.New("rate limited by github")
)

// repoRef holds the owner and name of an upstream GitHub project.
type repoRef struct {
	Owner string
	Name  string
}

func (r repoRef) String() string { return r.Owner + "/" + r.Name }

type repoMeta struct {
	language string
	website  string
}

// Resolver looks up the latest upstream release of a package on GitHub.
// Packages are mapped to projects through the configured upstream links; unmapped
// packages resolve as not found without any request.
type Resolver struct {
	gh         *github.Client
	links      map[string]repoRef
	maxRetries int
	newBackOff func() backoffv5.BackOff
	breaker    *circuit.Breaker
	logger     *slog.Logger

	mu    sync.Mutex
	metas map[repoRef]repoMeta
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithBackOff sets the retry schedule used between attempts of one request.
func WithBackOff(fn func() backoffv5.BackOff) Option {
	return func(r *Resolver) {
		r.newBackOff = fn
	}
}

// WithBreakerThreshold sets how many consecutive failed lookups open the circuit.
func WithBreakerThreshold(n int64) Option {
	return func(r *Resolver) {
		r.breaker = newBreaker(n)
	}
}

// NewResolver creates and configures a new Resolver instance.
// An empty token creates an unauthenticated client with GitHub's lower rate limit.
func NewResolver(token string, links map[string]string, maxRetries int, logger *slog.Logger, opts ...Option) (*Resolver, error) {
	refs, err := parseRepoRefs(links)
	if err != nil {
		return nil, err
	}

	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(
			&oauth2.Token{AccessToken: token},
		)
		hc = oauth2.NewClient(context.Background(), ts)
	}

	r := &Resolver{
		gh:         github.NewClient(hc),
		links:      refs,
		maxRetries: maxRetries,
		newBackOff: func() backoffv5.BackOff {
			b := backoffv5.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			return b
		},
		breaker: newBreaker(5),
		logger:  logger,
		metas:   make(map[repoRef]repoMeta),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// newBreaker trips after n consecutive failures and lets a trial call through on an exponential schedule.
func newBreaker(n int64) *circuit.Breaker {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	return circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(n),
	})
}

// Resolve returns the upstream view of a package.
// Not found is a successful lookup with Found false. Exhausted retries give a
// ResolutionTransientError; an open circuit or rejected credentials give a ResolutionFatalError.
func (r *Resolver) Resolve(ctx context.Context, name, currentVersion string) (model.Resolution, error) {
	ref, ok := r.links[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return model.Resolution{}, nil
	}
	logger := r.logger.With("package", name, "upstream", ref.String())

	var res model.Resolution
	var lookupErr error
	err := r.breaker.Call(func() error {
		res, lookupErr = r.lookup(ctx, ref, currentVersion)
		if isUpstreamFailure(lookupErr) && ctx.Err() == nil {
			return lookupErr
		}
		return nil
	}, 0)

	switch {
	case errors.Is(err, circuit.ErrBreakerOpen):
		return model.Resolution{}, &custom_errors.ResolutionFatalError{Err: fmt.Errorf("circuit open for github: %w", err)}
	case ctx.Err() != nil:
		return model.Resolution{}, ctx.Err()
	case lookupErr == nil:
		logger.Debug("Resolved upstream release", "current", currentVersion, "upstream", res.UpstreamVersion)
		return res, nil
	case errors.Is(lookupErr, errNotFound):
		logger.Debug("No upstream release")
		return model.Resolution{}, nil
	case errors.Is(lookupErr, errUnauthorized):
		return model.Resolution{}, &custom_errors.ResolutionFatalError{Err: lookupErr}
	default:
		return model.Resolution{}, &custom_errors.ResolutionTransientError{Name: name, Err: lookupErr}
	}
}

// Breaker returns the state of the circuit for health reporting.
func (r *Resolver) Breaker() string {
	if r.breaker.Tripped() {
		return "open"
	}
	return "closed"
}

func (r *Resolver) lookup(ctx context.Context, ref repoRef, currentVersion string) (model.Resolution, error) {
	rel, err := retry(ctx, r, "latest release", func() (*github.RepositoryRelease, *github.Response, error) {
		return r.gh.Repositories.GetLatestRelease(ctx, ref.Owner, ref.Name)
	})
	if err != nil {
		return model.Resolution{}, err
	}

	version := strings.TrimPrefix(strings.TrimSpace(rel.GetTagName()), "v")
	if version == "" {
		return model.Resolution{}, errNotFound
	}

	res := model.Resolution{Found: true, UpstreamVersion: version, ReleaseDate: releaseDate(rel)}

	meta, err := r.repoMeta(ctx, ref)
	if err != nil {
		return model.Resolution{}, err
	}
	res.Language = meta.language
	res.Website = meta.website

	installed := freshness.NormalizeVersion(currentVersion)
	if installed == freshness.NormalizeVersion(version) {
		res.InstalledReleaseDate = res.ReleaseDate
		return res, nil
	}
	res.InstalledReleaseDate, err = r.installedRelease(ctx, ref, installed)
	if err != nil {
		return model.Resolution{}, err
	}
	return res, nil
}

// installedRelease dates the release tagged with the installed version, tried
// as "v1.2.3" then "1.2.3". A version with no matching release has no date.
func (r *Resolver) installedRelease(ctx context.Context, ref repoRef, installed string) (*time.Time, error) {
	if installed == "" {
		return nil, nil
	}
	for _, tag := range []string{"v" + installed, installed} {
		rel, err := retry(ctx, r, "release by tag", func() (*github.RepositoryRelease, *github.Response, error) {
			return r.gh.Repositories.GetReleaseByTag(ctx, ref.Owner, ref.Name, tag)
		})
		if errors.Is(err, errNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return releaseDate(rel), nil
	}
	return nil, nil
}

// releaseDate prefers the publication time and falls back to the creation time.
func releaseDate(rel *github.RepositoryRelease) *time.Time {
	if ts := rel.GetPublishedAt(); !ts.IsZero() {
		t := ts.UTC()
		return &t
	}
	if ts := rel.GetCreatedAt(); !ts.IsZero() {
		t := ts.UTC()
		return &t
	}
	return nil
}

// repoMeta fetches language and homepage once per project.
func (r *Resolver) repoMeta(ctx context.Context, ref repoRef) (repoMeta, error) {
	r.mu.Lock()
	meta, ok := r.metas[ref]
	r.mu.Unlock()
	if ok {
		return meta, nil
	}

	repo, err := retry(ctx, r, "repository", func() (*github.Repository, *github.Response, error) {
		return r.gh.Repositories.Get(ctx, ref.Owner, ref.Name)
	})
	if err != nil {
		return repoMeta{}, err
	}

	meta = repoMeta{language: repo.GetLanguage(), website: repo.GetHomepage()}
	if meta.website == "" {
		meta.website = repo.GetHTMLURL()
	}

	r.mu.Lock()
	r.metas[ref] = meta
	r.mu.Unlock()
	return meta, nil
}

// retry runs one GitHub call under the resolver's retry budget.
func retry[T any](ctx context.Context, r *Resolver, what string, call func() (T, *github.Response, error)) (T, error) {
	return backoffv5.Retry(ctx, func() (T, error) {
		v, _, err := call()
		if err != nil {
			return v, classify(err)
		}
		return v, nil
	},
		backoffv5.WithBackOff(r.newBackOff()),
		backoffv5.WithMaxTries(uint(r.maxRetries)+1),
		backoffv5.WithNotify(func(err error, wait time.Duration) {
			r.logger.Debug("Retrying github request", "request", what, "wait", wait, "error", err)
		}),
	)
}

// classify maps a go-github error to a retry decision.
func classify(err error) error {
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return fmt.Errorf("%w: %w", errRateLimited, backoffv5.RetryAfter(secondsUntil(rle.Rate.Reset.Time)))
	}

	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		secs := 1
		if d := abuse.GetRetryAfter(); d > 0 {
			secs = int(math.Ceil(d.Seconds()))
		}
		return fmt.Errorf("%w: %w", errRateLimited, backoffv5.RetryAfter(secs))
	}

	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == http.StatusNotFound:
			return backoffv5.Permanent(errNotFound)
		case code == http.StatusUnauthorized:
			return backoffv5.Permanent(fmt.Errorf("%w: %w", errUnauthorized, err))
		case code == http.StatusTooManyRequests || code >= http.StatusInternalServerError:
			return err
		default:
			return backoffv5.Permanent(err)
		}
	}

	// Transport errors are retried.
	return err
}

// isUpstreamFailure reports whether err should count against the circuit.
func isUpstreamFailure(err error) bool {
	return err != nil && !errors.Is(err, errNotFound)
}

func secondsUntil(t time.Time) int {
	secs := int(math.Ceil(time.Until(t).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// parseRepoRefs validates the package to 'owner/name' links.
func parseRepoRefs(links map[string]string) (map[string]repoRef, error) {
	refs := make(map[string]repoRef, len(links))
	for pkg, r := range links {
		parts := strings.Split(strings.TrimSpace(r), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		refs[strings.ToLower(strings.TrimSpace(pkg))] = repoRef{Owner: parts[0], Name: parts[1]}
	}
	return refs, nil
}
