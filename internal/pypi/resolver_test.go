// internal/pypi/resolver_test.go
package pypi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	custom_errors "pkg-harvest/internal/errors"
)

const requestsProject = `{
  "info": {"name": "requests", "version": "2.31.0", "home_page": "https://requests.readthedocs.io", "project_urls": {"Source": "https://github.com/psf/requests"}},
  "releases": {
    "2.25.1": [{"upload_time": "2020-12-16T17:37:32"}],
    "2.28.2": [{"upload_time": "2023-06-01T09:00:00"}],
    "2.31.0": [{"upload_time": "2023-05-22T15:12:42"}],
    "2.32.0": [{"upload_time": "2023-07-01T10:00:00", "yanked": true}],
    "3.0.0rc1": [{"upload_time": "2023-08-01T10:00:00"}]
  }
}`

// setupTestResolver creates a httptest server and a resolver pointing to it.
func setupTestResolver(t *testing.T, handler http.Handler) *Resolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r, err := NewResolver(server.URL, map[string]string{"Python3-Requests": "requests", "python3-gone": "gone"}, 0, logger)
	require.NoError(t, err)
	return r
}

func pypiIndex(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/pypi/requests/json":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, requestsProject)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprintln(w, `{"message": "Not Found"}`)
	}
}

func TestResolver_Resolve(t *testing.T) {
	t.Run("resolves the highest final release", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(pypiIndex))

		res, err := r.Resolve(context.Background(), "python3-requests", "2.25.1+dfsg-2")

		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, "2.31.0", res.UpstreamVersion, "yanked and pre-releases are skipped")
		require.NotNil(t, res.ReleaseDate)
		assert.Equal(t, time.Date(2023, 5, 22, 15, 12, 42, 0, time.UTC), *res.ReleaseDate)
		require.NotNil(t, res.InstalledReleaseDate)
		assert.Equal(t, time.Date(2020, 12, 16, 17, 37, 32, 0, time.UTC), *res.InstalledReleaseDate)
		assert.Equal(t, "Python", res.Language)
		assert.Equal(t, "https://requests.readthedocs.io", res.Website)
	})

	t.Run("installed version missing from the index has no date", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(pypiIndex))

		res, err := r.Resolve(context.Background(), "python3-requests", "2.0.0-1")

		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Nil(t, res.InstalledReleaseDate)
	})

	t.Run("unmapped package makes no request", func(t *testing.T) {
		var requestCount int32
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&requestCount, 1)
		}))

		res, err := r.Resolve(context.Background(), "curl", "7.81.0")

		require.NoError(t, err)
		assert.False(t, res.Found)
		assert.Zero(t, atomic.LoadInt32(&requestCount))
	})

	t.Run("unknown project is not found", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(pypiIndex))

		res, err := r.Resolve(context.Background(), "python3-gone", "1.0")

		require.NoError(t, err)
		assert.False(t, res.Found)
	})

	t.Run("server error is transient", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))

		_, err := r.Resolve(context.Background(), "python3-requests", "2.25.1")

		var transient *custom_errors.ResolutionTransientError
		require.ErrorAs(t, err, &transient)
		assert.Equal(t, "python3-requests", transient.Name)
	})

	t.Run("cancelled context is returned as is", func(t *testing.T) {
		r := setupTestResolver(t, http.HandlerFunc(pypiIndex))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := r.Resolve(ctx, "python3-requests", "2.25.1")

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNewResolver_EmptyProject(t *testing.T) {
	_, err := NewResolver("", map[string]string{"python3-requests": " "}, 0, slog.Default())

	var formatErr *custom_errors.ErrInvalidRepoFormat
	assert.ErrorAs(t, err, &formatErr)
}

func TestLatestStable_FallsBackToNewestUpload(t *testing.T) {
	r := setupTestResolver(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"info": {"name": "tzdata", "version": "2024a"}, "releases": {
			"2023c": [{"upload_time": "2023-03-28T00:00:00"}],
			"2024a": [{"upload_time": "2024-02-02T00:00:00"}]
		}}`)
	}))

	res, err := r.Resolve(context.Background(), "python3-requests", "2023c-1")

	require.NoError(t, err)
	assert.Equal(t, "2024a", res.UpstreamVersion)
	require.NotNil(t, res.InstalledReleaseDate)
	assert.Equal(t, time.Date(2023, 3, 28, 0, 0, 0, 0, time.UTC), *res.InstalledReleaseDate)
}
