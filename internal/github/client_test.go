// internal/github/client_test.go
package github

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	backoffv5 "github.com/cenkalti/backoff/v5"
	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "pkg-harvest/internal/errors"
)

const maxRetries = 2

// setupTestResolver creates a httptest server and a resolver pointing to it.
func setupTestResolver(t *testing.T, handler http.Handler, opts ...Option) *Resolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	opts = append([]Option{WithBackOff(func() backoffv5.BackOff {
		return backoffv5.NewConstantBackOff(time.Millisecond)
	})}, opts...)
	r, err := NewResolver("", map[string]string{"Curl": "curl/curl", "zlib": "madler/zlib"}, maxRetries, logger, opts...)
	require.NoError(t, err)

	// Override the resolver's internal client to point to our test server.
	gh := github.NewClient(server.Client())
	base, err := url.Parse(server.URL + "/")
	require.NoError(t, err)
	gh.BaseURL = base
	r.gh = gh

	return r
}

func releaseAndRepo(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/repos/curl/curl/releases/latest":
		fmt.Fprintln(w, `{"tag_name": "v8.5.0", "published_at": "2023-12-06T07:00:00Z"}`)
	case "/repos/curl/curl/releases/tags/v7.81.0":
		fmt.Fprintln(w, `{"tag_name": "v7.81.0", "published_at": "2022-11-01T07:00:00Z"}`)
	case "/repos/curl/curl":
		fmt.Fprintln(w, `{"name": "curl", "language": "C", "homepage": "https://curl.se", "html_url": "https://github.com/curl/curl"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"message": "Not Found"}`)
	}
}

func TestResolver_Resolve(t *testing.T) {
	t.Run("resolves the latest release", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(releaseAndRepo))

		res, err := r.Resolve(context.Background(), "curl", "7.81.0")

		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, "8.5.0", res.UpstreamVersion)
		require.NotNil(t, res.ReleaseDate)
		assert.Equal(t, time.Date(2023, 12, 6, 7, 0, 0, 0, time.UTC), *res.ReleaseDate)
		assert.Equal(t, "C", res.Language)
		assert.Equal(t, "https://curl.se", res.Website)
		require.NotNil(t, res.InstalledReleaseDate)
		assert.Equal(t, time.Date(2022, 11, 1, 7, 0, 0, 0, time.UTC), *res.InstalledReleaseDate)
	})

	t.Run("distro decorations are stripped before the tag lookup", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(releaseAndRepo))

		res, err := r.Resolve(context.Background(), "curl", "7.81.0-1ubuntu1.15")

		require.NoError(t, err)
		require.NotNil(t, res.InstalledReleaseDate)
		assert.Equal(t, time.Date(2022, 11, 1, 7, 0, 0, 0, time.UTC), *res.InstalledReleaseDate)
	})

	t.Run("installed release falls back to the bare tag", func(t *testing.T) {
		var paths []string
		var mu sync.Mutex
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			mu.Lock()
			paths = append(paths, req.URL.Path)
			mu.Unlock()
			if req.URL.Path == "/repos/curl/curl/releases/tags/8.4.0" {
				fmt.Fprintln(w, `{"tag_name": "8.4.0", "created_at": "2023-10-11T06:00:00Z"}`)
				return
			}
			releaseAndRepo(w, req)
		}))

		res, err := r.Resolve(context.Background(), "curl", "8.4.0")

		require.NoError(t, err)
		require.NotNil(t, res.InstalledReleaseDate)
		assert.Equal(t, time.Date(2023, 10, 11, 6, 0, 0, 0, time.UTC), *res.InstalledReleaseDate)
		assert.Contains(t, paths, "/repos/curl/curl/releases/tags/v8.4.0")
	})

	t.Run("installed version without a release has no date", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(releaseAndRepo))

		res, err := r.Resolve(context.Background(), "curl", "7.0.0")

		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.NotNil(t, res.ReleaseDate)
		assert.Nil(t, res.InstalledReleaseDate)
	})

	t.Run("up to date package reuses the latest release date", func(t *testing.T) {
		var requestCount int32
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			releaseAndRepo(w, req)
		}))

		res, err := r.Resolve(context.Background(), "curl", "v8.5.0")

		require.NoError(t, err)
		require.NotNil(t, res.InstalledReleaseDate)
		assert.Equal(t, *res.ReleaseDate, *res.InstalledReleaseDate)
		assert.Equal(t, int32(2), atomic.LoadInt32(&requestCount), "latest release and repository only")
	})

	t.Run("unmapped package makes no request", func(t *testing.T) {
		var requestCount int32
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&requestCount, 1)
		}))

		res, err := r.Resolve(context.Background(), "bash", "5.1")

		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Zero(t, atomic.LoadInt32(&requestCount))
	})

	t.Run("404 means not found without retries", func(t *testing.T) {
		var requestCount int32
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusNotFound)
		}))

		res, err := r.Resolve(context.Background(), "zlib", "1.2.11")

		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Equal(t, int32(1), atomic.LoadInt32(&requestCount))
	})

	t.Run("retries on 503 server error and succeeds", func(t *testing.T) {
		var requestCount int32
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if atomic.AddInt32(&requestCount, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable) // Fail first time
				return
			}
			releaseAndRepo(w, req)
		}))

		res, err := r.Resolve(context.Background(), "curl", "7.81.0")

		require.NoError(t, err)
		assert.Equal(t, "8.5.0", res.UpstreamVersion)
		assert.Equal(t, int32(4), atomic.LoadInt32(&requestCount), "one retry plus the repository and tag lookups")
	})

	t.Run("waits for rate limit reset", func(t *testing.T) {
		var requestCount int32
		reset := time.Now().Add(time.Second)
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if atomic.AddInt32(&requestCount, 1) == 1 {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))
				w.WriteHeader(http.StatusForbidden) // RateLimitError is a 403
				fmt.Fprintln(w, `{"message": "API rate limit exceeded"}`)
				return
			}
			releaseAndRepo(w, req)
		}))

		startTime := time.Now()
		res, err := r.Resolve(context.Background(), "curl", "7.81.0")
		elapsed := time.Since(startTime)

		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond, "resolver should wait for rate limit reset")
	})

	t.Run("persistent server error is transient after max retries", func(t *testing.T) {
		var requestCount int32
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))

		_, err := r.Resolve(context.Background(), "curl", "7.81.0")

		var transient *custom_errors.ResolutionTransientError
		require.ErrorAs(t, err, &transient)
		assert.Equal(t, "curl", transient.Name)
		var ghErr *github.ErrorResponse
		require.ErrorAs(t, err, &ghErr)
		assert.Equal(t, http.StatusInternalServerError, ghErr.Response.StatusCode)
		assert.Equal(t, int32(maxRetries+1), atomic.LoadInt32(&requestCount))
	})

	t.Run("bad credentials are fatal", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprintln(w, `{"message": "Bad credentials"}`)
		}))

		_, err := r.Resolve(context.Background(), "curl", "7.81.0")

		var fatal *custom_errors.ResolutionFatalError
		assert.ErrorAs(t, err, &fatal)
	})

	t.Run("open circuit is fatal", func(t *testing.T) {
		var requestCount int32
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&requestCount, 1)
			w.WriteHeader(http.StatusBadGateway)
		}), WithBreakerThreshold(2))

		for i := 0; i < 2; i++ {
			_, err := r.Resolve(context.Background(), "curl", "7.81.0")
			var transient *custom_errors.ResolutionTransientError
			require.ErrorAs(t, err, &transient)
		}
		assert.Equal(t, "open", r.Breaker())
		before := atomic.LoadInt32(&requestCount)

		_, err := r.Resolve(context.Background(), "zlib", "1.2.11")

		var fatal *custom_errors.ResolutionFatalError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, before, atomic.LoadInt32(&requestCount), "no request while the circuit is open")
	})

	t.Run("cancelled context is returned as is", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(releaseAndRepo))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.Resolve(ctx, "curl", "7.81.0")

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewResolver_InvalidLink(t *testing.T) {
	_, err := NewResolver("", map[string]string{"curl": "curl"}, 1, slog.Default())

	var formatErr *custom_errors.ErrInvalidRepoFormat
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, "curl", formatErr.Repo)
}
