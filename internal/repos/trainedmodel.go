package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
	"github.com/pixelmuse/pixelmuse-backend/internal/types"
)

type TrainedModelRepo interface {
	Create(ctx context.Context, tx *gorm.DB, models []*types.TrainedModel) ([]*types.TrainedModel, error)
	GetByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string) (*types.TrainedModel, error)
	ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.TrainedModel, error)
	UpdateFieldsByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string, updates map[string]interface{}) error
}

type trainedModelRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTrainedModelRepo(db *gorm.DB, baseLog *logger.Logger) TrainedModelRepo {
	return &trainedModelRepo{
		db:  db,
		log: baseLog.With("repo", "TrainedModelRepo"),
	}
}

func (r *trainedModelRepo) Create(ctx context.Context, tx *gorm.DB, models []*types.TrainedModel) ([]*types.TrainedModel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(models) == 0 {
		return []*types.TrainedModel{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&models).Error; err != nil {
		return nil, err
	}
	return models, nil
}

func (r *trainedModelRepo) GetByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string) (*types.TrainedModel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if trainingID == "" {
		return nil, nil
	}
	var model types.TrainedModel
	err := transaction.WithContext(ctx).
		Where("replicate_training_id = ?", trainingID).
		Order("created_at DESC").
		Limit(1).
		Find(&model).Error
	if err != nil {
		return nil, err
	}
	if model.ID == uuid.Nil {
		return nil, nil
	}
	return &model, nil
}

func (r *trainedModelRepo) ListByUser(ctx context.Context, tx *gorm.DB, userID uuid.UUID) ([]*types.TrainedModel, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.TrainedModel
	if userID == uuid.Nil {
		return out, nil
	}
	if err := transaction.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *trainedModelRepo) UpdateFieldsByTrainingID(ctx context.Context, tx *gorm.DB, trainingID string, updates map[string]interface{}) error {
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
		Model(&types.TrainedModel{}).
		Where("replicate_training_id = ?", trainingID).
		Updates(updates).Error
}
