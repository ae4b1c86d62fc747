package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
	"github.com/pixelmuse/pixelmuse-backend/internal/types"
)

type TrainingRunRepo interface {
	Create(ctx context.Context, tx *gorm.DB, runs []*types.TrainingRun) ([]*types.TrainingRun, error)
	GetByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string) (*types.TrainingRun, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*types.TrainingRun, error)
	UpdateFieldsByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string, updates map[string]interface{}) error
}

type trainingRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTrainingRunRepo(db *gorm.DB, baseLog *logger.Logger) TrainingRunRepo {
	return &trainingRunRepo{
		db:  db,
		log: baseLog.With("repo", "TrainingRunRepo"),
	}
}

func (r *trainingRunRepo) Create(ctx context.Context, tx *gorm.DB, runs []*types.TrainingRun) ([]*types.TrainingRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(runs) == 0 {
		return []*types.TrainingRun{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

func (r *trainingRunRepo) GetByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string) (*types.TrainingRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if trainingID == "" {
		return nil, nil
	}
	var run types.TrainingRun
	err := transaction.WithContext(ctx).
		Where("replicate_training_id = ?", trainingID).
		Limit(1).
		Find(&run).Error
	if err != nil {
		return nil, err
	}
	if run.ID == uuid.Nil {
		return nil, nil
	}
	return &run, nil
}

func (r *trainingRunRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*types.TrainingRun, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.TrainingRun
	if userID == uuid.Nil {
		return out, nil
	}
	if limit <= 0 {
		limit = 50
	}
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *trainingRunRepo) UpdateFieldsByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if trainingID == "" {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.TrainingRun{}).
		Where("replicate_training_id = ?", trainingID).
		Updates(updates).Error
}
