package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TrainingRun is the local job-queue record for one remote LoRA training.
// ReplicateTrainingID is assigned by the provider at submission time and is
// the key every status source is joined on.
type TrainingRun struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID              uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	ReplicateTrainingID string         `gorm:"column:replicate_training_id;uniqueIndex" json:"replicate_training_id"`
	ModelName           string         `gorm:"column:model_name;not null" json:"model_name"`
	TriggerWord         string         `gorm:"column:trigger_word;not null" json:"trigger_word"`
	BaseModel           string         `gorm:"column:base_model;not null" json:"base_model"`
	Status              string         `gorm:"column:status;not null;index" json:"status"` // queued|starting|training|uploading|completed|failed
	Error               string         `gorm:"column:error" json:"error"`
	ZipFilename         string         `gorm:"column:zip_filename" json:"zip_filename"`
	Steps               int            `gorm:"column:steps;not null;default:1000" json:"steps"`
	LearningRate        float64        `gorm:"column:learning_rate;not null;default:0.0004" json:"learning_rate"`
	LoraRank            int            `gorm:"column:lora_rank;not null;default:16" json:"lora_rank"`
	BatchSize           int            `gorm:"column:batch_size;not null;default:1" json:"batch_size"`
	Resolution          string         `gorm:"column:resolution;not null;default:'512,768,1024'" json:"resolution"`
	Metadata            datatypes.JSON `gorm:"type:jsonb;column:metadata" json:"metadata"`
	CompletedAt         *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt           gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (TrainingRun) TableName() string { return "training_run" }
