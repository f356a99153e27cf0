package repository

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"gorm.io/gorm"
)

type RunRepository interface {
	Create(ctx context.Context, run *domain.ExploreRun) error
	MarkRunning(ctx context.Context, id, outputDir string) error
	// Finish 写入最终状态、统计和失败记录
	Finish(ctx context.Context, run *domain.ExploreRun, failures []domain.RunFailure) error
	UpdateOutputDir(ctx context.Context, id, outputDir string) error
	FindByID(ctx context.Context, id string) (*domain.ExploreRun, error)
	List(ctx context.Context, limit int) ([]*domain.ExploreRun, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, error)
}

type runRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewRunRepository(db *gorm.DB, logger *logrus.Logger) RunRepository {
	return &runRepo{db: db, logger: logger}
}

func (r *runRepo) Create(ctx context.Context, run *domain.ExploreRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.RunStatusQueued
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *runRepo) MarkRunning(ctx context.Context, id, outputDir string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.ExploreRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     domain.RunStatusRunning,
			"output_dir": outputDir,
			"started_at": &now,
		}).Error
}

func (r *runRepo) Finish(ctx context.Context, run *domain.ExploreRun, failures []domain.RunFailure) error {
	if run.CompletedAt == nil {
		now := time.Now().UTC()
		run.CompletedAt = &now
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.ExploreRun{}).
			Where("id = ?", run.ID).
			Updates(map[string]interface{}{
				"status":         run.Status,
				"output_dir":     run.OutputDir,
				"artifact_count": run.ArtifactCount,
				"failure_count":  run.FailureCount,
				"visited_count":  run.VisitedCount,
				"crash_count":    run.CrashCount,
				"failure_type":   run.FailureType,
				"error_message":  run.ErrorMessage,
				"completed_at":   run.CompletedAt,
			}).Error
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			return nil
		}
		for i := range failures {
			failures[i].RunID = run.ID
		}
		return tx.Create(&failures).Error
	})
}

func (r *runRepo) UpdateOutputDir(ctx context.Context, id, outputDir string) error {
	return r.db.WithContext(ctx).
		Model(&domain.ExploreRun{}).
		Where("id = ?", id).
		Update("output_dir", outputDir).Error
}

func (r *runRepo) FindByID(ctx context.Context, id string) (*domain.ExploreRun, error) {
	var run domain.ExploreRun
	err := r.db.WithContext(ctx).
		Preload("Artifacts", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence ASC")
		}).
		Preload("Failures").
		First(&run, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(ctx context.Context, limit int) ([]*domain.ExploreRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []*domain.ExploreRun
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// GetStatusCounts 各状态运行数量
func (r *runRepo) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	err := r.db.WithContext(ctx).
		Model(&domain.ExploreRun{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}
