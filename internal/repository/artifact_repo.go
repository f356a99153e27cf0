package repository

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"gorm.io/gorm"
)

// ArtifactRepository 快照索引。文件本身在会话目录中，这里只记录元数据。
type ArtifactRepository interface {
	Create(ctx context.Context, a *domain.CaptureArtifact) error
	ListByRun(ctx context.Context, runID string) ([]*domain.CaptureArtifact, error)
	FindBySequence(ctx context.Context, runID string, seq int) (*domain.CaptureArtifact, error)
	// RebaseDir 会话目录重命名后更新路径前缀
	RebaseDir(ctx context.Context, runID, oldDir, newDir string) error
}

type artifactRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewArtifactRepository(db *gorm.DB, logger *logrus.Logger) ArtifactRepository {
	return &artifactRepo{db: db, logger: logger}
}

func (r *artifactRepo) Create(ctx context.Context, a *domain.CaptureArtifact) error {
	err := r.db.WithContext(ctx).Create(a).Error
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"run_id":   a.RunID,
			"sequence": a.Sequence,
		}).Error("Artifact insert failed")
	}
	return err
}

func (r *artifactRepo) ListByRun(ctx context.Context, runID string) ([]*domain.CaptureArtifact, error) {
	var artifacts []*domain.CaptureArtifact
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("sequence ASC").
		Find(&artifacts).Error
	return artifacts, err
}

func (r *artifactRepo) FindBySequence(ctx context.Context, runID string, seq int) (*domain.CaptureArtifact, error) {
	var a domain.CaptureArtifact
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND sequence = ?", runID, seq).
		First(&a).Error
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *artifactRepo) RebaseDir(ctx context.Context, runID, oldDir, newDir string) error {
	if oldDir == newDir {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var artifacts []*domain.CaptureArtifact
		if err := tx.Where("run_id = ?", runID).Find(&artifacts).Error; err != nil {
			return err
		}
		for _, a := range artifacts {
			if !strings.HasPrefix(a.Path, oldDir) {
				continue
			}
			path := newDir + strings.TrimPrefix(a.Path, oldDir)
			if err := tx.Model(a).Update("path", path).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
