package repository

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/config"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestDB 创建测试数据库（临时目录中的 sqlite 文件）
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Type: "sqlite",
		Path: filepath.Join(t.TempDir(), "data", "test.db"),
	}, testLogger())
	require.NoError(t, err, "Failed to open test database")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestInitDB_UnsupportedType(t *testing.T) {
	_, err := InitDB(&config.DatabaseConfig{Type: "postgres"}, testLogger())
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestRunRepository_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	runs := NewRunRepository(db, testLogger())
	artifacts := NewArtifactRepository(db, testLogger())
	ctx := context.Background()

	run := &domain.ExploreRun{ID: "run-001", AppPackage: "com.example.app", Section: "Home"}
	require.NoError(t, runs.Create(ctx, run))
	assert.Equal(t, domain.RunStatusQueued, run.Status)

	require.NoError(t, runs.MarkRunning(ctx, run.ID, "/out/explore_20260301_1020"))

	for i, name := range []string{"home_main", "home_scrolled"} {
		require.NoError(t, artifacts.Create(ctx, &domain.CaptureArtifact{
			RunID:      run.ID,
			Sequence:   2 - i,
			ScreenName: name,
			Path:       filepath.Join("/out/explore_20260301_1020", name+".xml"),
		}))
	}

	run.Status = domain.RunStatusCompleted
	run.OutputDir = "/out/explore_20260301_1020"
	run.ArtifactCount = 2
	run.FailureCount = 1
	run.VisitedCount = 3
	require.NoError(t, runs.Finish(ctx, run, []domain.RunFailure{
		{Destination: "tab:History", Type: domain.FailureTypeNavigation, Message: "not found"},
	}))

	found, err := runs.FindByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCompleted, found.Status)
	assert.NotNil(t, found.StartedAt)
	assert.NotNil(t, found.CompletedAt)
	assert.Equal(t, 3, found.VisitedCount)
	require.Len(t, found.Artifacts, 2)
	assert.Equal(t, 1, found.Artifacts[0].Sequence)
	assert.Equal(t, "home_scrolled", found.Artifacts[0].ScreenName)
	require.Len(t, found.Failures, 1)
	assert.Equal(t, run.ID, found.Failures[0].RunID)
	assert.Equal(t, domain.FailureTypeNavigation, found.Failures[0].Type)
}

func TestRunRepository_ListAndCounts(t *testing.T) {
	db := setupTestDB(t)
	runs := NewRunRepository(db, testLogger())
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, status := range []domain.RunStatus{domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCompleted} {
		require.NoError(t, runs.Create(ctx, &domain.ExploreRun{
			ID:         "run-" + string(rune('a'+i)),
			AppPackage: "com.example.app",
			Status:     status,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := runs.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "run-c", list[0].ID)
	assert.Equal(t, "run-b", list[1].ID)

	counts, err := runs.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["completed"])
	assert.Equal(t, int64(1), counts["failed"])

	_, err = runs.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestArtifactRepository_FindAndRebase(t *testing.T) {
	db := setupTestDB(t)
	repo := NewArtifactRepository(db, testLogger())
	ctx := context.Background()

	tmp := "/out/xml_dumps/_tmp_1"
	require.NoError(t, repo.Create(ctx, &domain.CaptureArtifact{RunID: "r1", Sequence: 1, ScreenName: "Login", Path: tmp + "/001_Login.xml"}))
	require.NoError(t, repo.Create(ctx, &domain.CaptureArtifact{RunID: "r1", Sequence: 2, ScreenName: "Home", Path: tmp + "/002_Home.xml"}))
	require.NoError(t, repo.Create(ctx, &domain.CaptureArtifact{RunID: "r2", Sequence: 1, ScreenName: "Home", Path: tmp + "/001_Home.xml"}))

	a, err := repo.FindBySequence(ctx, "r1", 2)
	require.NoError(t, err)
	assert.Equal(t, "Home", a.ScreenName)

	_, err = repo.FindBySequence(ctx, "r1", 3)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	require.NoError(t, repo.RebaseDir(ctx, "r1", tmp, "/out/xml_dumps/260301_1020"))

	list, err := repo.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "/out/xml_dumps/260301_1020/001_Login.xml", list[0].Path)
	assert.Equal(t, "/out/xml_dumps/260301_1020/002_Home.xml", list[1].Path)

	other, err := repo.ListByRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, tmp+"/001_Home.xml", other[0].Path)
}

// TestRepositories_ConcurrentWrites worker 与 HTTP 接口同时写入
func TestRepositories_ConcurrentWrites(t *testing.T) {
	db := setupTestDB(t)
	runs := NewRunRepository(db, testLogger())
	artifacts := NewArtifactRepository(db, testLogger())
	ctx := context.Background()

	const concurrency = 10
	const perRun = 5

	var wg sync.WaitGroup
	errs := make(chan error, concurrency*(perRun+3))
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := &domain.ExploreRun{ID: fmt.Sprintf("run-%03d", i), AppPackage: "com.example.app"}
			if err := runs.Create(ctx, run); err != nil {
				errs <- err
				return
			}
			errs <- runs.MarkRunning(ctx, run.ID, fmt.Sprintf("/out/run_%03d", i))
			for seq := 1; seq <= perRun; seq++ {
				errs <- artifacts.Create(ctx, &domain.CaptureArtifact{
					RunID:      run.ID,
					Sequence:   seq,
					ScreenName: fmt.Sprintf("screen_%d", seq),
					SavedAt:    time.Now(),
				})
			}
			run.Status = domain.RunStatusCompleted
			run.ArtifactCount = perRun
			errs <- runs.Finish(ctx, run, nil)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	counts, err := runs.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(concurrency), counts[string(domain.RunStatusCompleted)])

	for i := 0; i < concurrency; i++ {
		list, err := artifacts.ListByRun(ctx, fmt.Sprintf("run-%03d", i))
		require.NoError(t, err)
		assert.Len(t, list, perRun)
	}
}
