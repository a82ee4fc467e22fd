// internal/api/handler_test.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"pkg-harvest/internal/database"
	custom_errors "pkg-harvest/internal/errors"
	"pkg-harvest/internal/model"
)

type MockSyncService struct {
	mock.Mock
}

func (m *MockSyncService) StartSync(ctx context.Context, repoName string, syncType model.SyncType) (int64, error) {
	args := m.Called(ctx, repoName, syncType)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockSyncService) CancelSync(runID int64) error {
	args := m.Called(runID)
	return args.Error(0)
}
func (m *MockSyncService) GetStatus(ctx context.Context, runID int64) (model.SyncLog, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(model.SyncLog), args.Error(1)
}

type MockCatalog struct {
	mock.Mock
}

func (m *MockCatalog) ListRepositories(ctx context.Context) ([]model.Repository, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Repository), args.Error(1)
}
func (m *MockCatalog) SearchPackages(ctx context.Context, arg database.SearchPackagesParams) ([]model.Package, error) {
	args := m.Called(ctx, arg)
	return args.Get(0).([]model.Package), args.Error(1)
}
func (m *MockCatalog) GetStats(ctx context.Context, repoName string, day time.Time) (model.RepositoryStats, error) {
	args := m.Called(ctx, repoName, day)
	return args.Get(0).(model.RepositoryStats), args.Error(1)
}

type staticBreaker string

func (b staticBreaker) Breaker() string { return string(b) }

func setupRouter(t *testing.T) (http.Handler, *MockSyncService, *MockCatalog) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	syncs := new(MockSyncService)
	catalog := new(MockCatalog)
	h := &Handler{
		syncs:   syncs,
		catalog: catalog,
		breaker: staticBreaker("closed"),
		logger:  logger,
		now:     func() time.Time { return time.Date(2024, 5, 17, 22, 30, 0, 0, time.UTC) },
	}
	return h.routes(), syncs, catalog
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	var body map[string]any
	if rec.Body.Len() > 0 && rec.Body.Bytes()[0] == '{' {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthCheck(t *testing.T) {
	h, _, _ := setupRouter(t)

	rec, body := do(t, h, http.MethodGet, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "closed", body["resolver"])
}

func TestStartSync(t *testing.T) {
	h, syncs, _ := setupRouter(t)

	t.Run("accepted", func(t *testing.T) {
		syncs.On("StartSync", mock.Anything, "fedora-40", model.SyncIncremental).Return(int64(42), nil).Once()

		rec, body := do(t, h, http.MethodPost, "/v1/repositories/fedora-40/syncs?type=incremental")

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, float64(42), body["run_id"])
		assert.Equal(t, "/v1/syncs/42", rec.Header().Get("Location"))
	})

	t.Run("type defaults to full", func(t *testing.T) {
		syncs.On("StartSync", mock.Anything, "fedora-40", model.SyncFull).Return(int64(43), nil).Once()

		rec, body := do(t, h, http.MethodPost, "/v1/repositories/fedora-40/syncs")

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "full", body["sync_type"])
	})

	t.Run("bad type", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodPost, "/v1/repositories/fedora-40/syncs?type=partial")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("already running", func(t *testing.T) {
		syncs.On("StartSync", mock.Anything, "ubuntu-22.04", model.SyncFull).
			Return(int64(0), &custom_errors.ConcurrentSyncRejected{Repository: "ubuntu-22.04"}).Once()

		rec, body := do(t, h, http.MethodPost, "/v1/repositories/ubuntu-22.04/syncs")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Contains(t, body["error"], "already running")
	})

	t.Run("unknown repository", func(t *testing.T) {
		syncs.On("StartSync", mock.Anything, "nope", model.SyncFull).
			Return(int64(0), fmt.Errorf("repository %q: %w", "nope", custom_errors.ErrNotFound)).Once()

		rec, _ := do(t, h, http.MethodPost, "/v1/repositories/nope/syncs")

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("disabled repository", func(t *testing.T) {
		syncs.On("StartSync", mock.Anything, "debian-12", model.SyncFull).
			Return(int64(0), &custom_errors.RepositoryDisabled{Repository: "debian-12"}).Once()

		rec, _ := do(t, h, http.MethodPost, "/v1/repositories/debian-12/syncs")

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	syncs.AssertExpectations(t)
}

func TestGetAndCancelSync(t *testing.T) {
	h, syncs, _ := setupRouter(t)

	t.Run("get", func(t *testing.T) {
		syncs.On("GetStatus", mock.Anything, int64(7)).Return(model.SyncLog{ID: 7, Status: model.SyncRunning, SyncType: model.SyncFull}, nil).Once()

		rec, body := do(t, h, http.MethodGet, "/v1/syncs/7")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "running", body["status"])
	})

	t.Run("get unknown", func(t *testing.T) {
		syncs.On("GetStatus", mock.Anything, int64(8)).Return(model.SyncLog{}, custom_errors.ErrNotFound).Once()

		rec, _ := do(t, h, http.MethodGet, "/v1/syncs/8")

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad id", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodGet, "/v1/syncs/abc")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		syncs.On("CancelSync", int64(7)).Return(nil).Once()

		rec, body := do(t, h, http.MethodDelete, "/v1/syncs/7")

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, "cancelling", body["status"])
	})

	t.Run("cancel finished run", func(t *testing.T) {
		syncs.On("CancelSync", int64(9)).Return(fmt.Errorf("sync run 9: %w", custom_errors.ErrRunNotActive)).Once()

		rec, _ := do(t, h, http.MethodDelete, "/v1/syncs/9")

		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	syncs.AssertExpectations(t)
}

func TestSearchPackages(t *testing.T) {
	h, _, catalog := setupRouter(t)

	t.Run("filters are passed through", func(t *testing.T) {
		lib := 1.903
		catalog.On("SearchPackages", mock.Anything, mock.MatchedBy(func(arg database.SearchPackagesParams) bool {
			return *arg.NamePattern == "curl" && *arg.RepositoryName == "ubuntu-22.04" &&
				*arg.MinLibyear == 1.5 && *arg.IsOutdated && arg.Limit == 10 && arg.Offset == 20
		})).Return([]model.Package{{PackageName: "curl", Version: "7.81.0", Libyear: &lib, IsOutdated: true}}, nil).Once()

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
			"/v1/packages?name=curl&repository=ubuntu-22.04&min_libyear=1.5&outdated=true&limit=10&offset=20", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		var pkgs []model.Package
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pkgs))
		require.Len(t, pkgs, 1)
		assert.Equal(t, "curl", pkgs[0].PackageName)
	})

	t.Run("no filters", func(t *testing.T) {
		catalog.On("SearchPackages", mock.Anything, database.SearchPackagesParams{}).Return([]model.Package{}, nil).Once()

		rec, _ := do(t, h, http.MethodGet, "/v1/packages")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, "[]", rec.Body.String())
	})

	t.Run("limit at the int32 boundary is accepted", func(t *testing.T) {
		catalog.On("SearchPackages", mock.Anything, database.SearchPackagesParams{Limit: math.MaxInt32}).Return([]model.Package{}, nil).Once()

		rec, _ := do(t, h, http.MethodGet, "/v1/packages?limit=2147483647")

		assert.Equal(t, http.StatusOK, rec.Code)
	})

	for _, q := range []string{"min_libyear=-1", "min_libyear=x", "outdated=maybe", "limit=-5", "offset=abc", "limit=4294967297", "offset=2147483648"} {
		t.Run("rejects "+q, func(t *testing.T) {
			rec, _ := do(t, h, http.MethodGet, "/v1/packages?"+q)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	catalog.AssertExpectations(t)
}

func TestListRepositories(t *testing.T) {
	h, _, catalog := setupRouter(t)
	catalog.On("ListRepositories", mock.Anything).Return([]model.Repository{
		{ID: 1, Name: "fedora-40", SyncEnabled: true, LastSyncStatus: model.RepoStatusSuccess},
	}, nil).Once()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/repositories", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var repos []model.Repository
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repos))
	assert.Equal(t, "fedora-40", repos[0].Name)
	catalog.AssertExpectations(t)
}

func TestGetStats(t *testing.T) {
	h, _, catalog := setupRouter(t)

	t.Run("defaults to today", func(t *testing.T) {
		today := time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
		catalog.On("GetStats", mock.Anything, "fedora-40", today).
			Return(model.RepositoryStats{RepositoryID: 1, StatDate: today, TotalPackages: 3}, nil).Once()

		rec, body := do(t, h, http.MethodGet, "/v1/repositories/fedora-40/stats")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, float64(3), body["total_packages"])
	})

	t.Run("explicit date not found", func(t *testing.T) {
		day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
		catalog.On("GetStats", mock.Anything, "fedora-40", day).
			Return(model.RepositoryStats{}, custom_errors.ErrNotFound).Once()

		rec, _ := do(t, h, http.MethodGet, "/v1/repositories/fedora-40/stats?date=2024-01-02")

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad date", func(t *testing.T) {
		rec, _ := do(t, h, http.MethodGet, "/v1/repositories/fedora-40/stats?date=17/05/2024")

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	catalog.AssertExpectations(t)
}
