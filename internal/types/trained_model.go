package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TrainedModel is the local persisted model record. HuggingfaceRepoID and
// ReadyForInference are the durable source of truth for "was this published":
// the in-process publish tracker is advisory only.
type TrainedModel struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID              uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	ReplicateTrainingID string         `gorm:"column:replicate_training_id;index" json:"replicate_training_id"`
	Name                string         `gorm:"column:name;not null" json:"name"`
	TriggerWord         string         `gorm:"column:trigger_word;not null" json:"trigger_word"`
	Status              string         `gorm:"column:status;not null;index" json:"status"` // training|ready|failed
	HuggingfaceRepoID   *string        `gorm:"column:huggingface_repo_id" json:"huggingface_repo_id,omitempty"`
	ReadyForInference   bool           `gorm:"column:ready_for_inference;not null;default:false" json:"ready_for_inference"`
	TrainingCompletedAt *time.Time     `gorm:"column:training_completed_at" json:"training_completed_at,omitempty"`
	CreatedAt           time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (TrainedModel) TableName() string { return "trained_model" }
