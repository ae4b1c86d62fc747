package services

import (
	"strings"
	"time"

	"github.com/pixelmuse/pixelmuse-backend/internal/clients/replicate"
	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
)

// Unified training statuses presented to clients.
const (
	UnifiedStarting  = "starting"
	UnifiedTraining  = "training"
	UnifiedUploading = "uploading"
	UnifiedCompleted = "completed"
	UnifiedFailed    = "failed"
)

// Progress bands. Training log percent is mapped into
// [trainingBandLow, trainingBandHigh]; the publish phase sits above it.
const (
	startingProgress        = 5
	trainingBandLow         = 10
	trainingBandHigh        = 80
	trainingDefaultProgress = 45
	uploadOngoingProgress   = 85
	uploadReadyProgress     = 90
)

// QueueSnapshot is the local job-queue record's view of a run.
type QueueSnapshot struct {
	Status       string     `json:"status,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ProviderSnapshot is the external training provider's view of a run.
type ProviderSnapshot struct {
	Status string         `json:"status,omitempty"`
	Error  string         `json:"error,omitempty"`
	Logs   string         `json:"-"`
	Output map[string]any `json:"-"`
}

// ModelSnapshot is the local persisted model record's view of a run. Its
// repo id + ready flag are the durable completion signal.
type ModelSnapshot struct {
	Status              string     `json:"status,omitempty"`
	HuggingfaceRepoID   *string    `json:"huggingface_repo_id,omitempty"`
	ReadyForInference   bool       `json:"ready_for_inference"`
	TrainingCompletedAt *time.Time `json:"training_completed_at,omitempty"`
}

// StatusSources bundles the three independently-fetched snapshots. Any of
// them may be nil or partially populated; none is authoritative alone.
type StatusSources struct {
	Queue       *QueueSnapshot
	Provider    *ProviderSnapshot
	Model       *ModelSnapshot
	LogProgress *LogProgress
}

// SourcesEcho is a diagnostic pass-through of what the resolver saw. It never
// influences the resolved status.
type SourcesEcho struct {
	Queue    *QueueSnapshot    `json:"queue,omitempty"`
	Provider *ProviderSnapshot `json:"provider,omitempty"`
	Model    *ModelSnapshot    `json:"model,omitempty"`
}

// UnifiedStatus is the single reconciled view of a training run. Built fresh
// on every resolve call and never mutated afterwards.
type UnifiedStatus struct {
	ID                   string       `json:"id"`
	ModelName            string       `json:"model_name"`
	Status               string       `json:"status"`
	Progress             int          `json:"progress"`
	Stage                string       `json:"stage"`
	EstimatedSecondsLeft int          `json:"estimated_seconds_left,omitempty"`
	Error                string       `json:"error,omitempty"`
	NeedsUpload          bool         `json:"needs_upload"`
	CanRetryUpload       bool         `json:"can_retry_upload"`
	LogProgress          *LogProgress `json:"log_progress,omitempty"`
	Sources              *SourcesEcho `json:"sources,omitempty"`
}

// StatusResolver merges the three status sources into one UnifiedStatus. Pure
// given the publish tracker's current contents: no I/O, no mutation of its
// inputs, and it never fails — every combination of missing or partial
// snapshots resolves to some well-formed status.
type StatusResolver interface {
	Resolve(trainingID, displayName string, src StatusSources) *UnifiedStatus
}

type statusResolver struct {
	log     *logger.Logger
	parser  LogProgressParser
	tracker PublishTracker
}

func NewStatusResolver(baseLog *logger.Logger, parser LogProgressParser, tracker PublishTracker) StatusResolver {
	return &statusResolver{
		log:     baseLog.With("service", "StatusResolver"),
		parser:  parser,
		tracker: tracker,
	}
}

func (r *statusResolver) Resolve(trainingID, displayName string, src StatusSources) *UnifiedStatus {
	us := &UnifiedStatus{
		ID:        trainingID,
		ModelName: displayName,
		Status:    UnifiedStarting,
		Progress:  0,
		Stage:     "Preparing training environment",
		Sources: &SourcesEcho{
			Queue:    src.Queue,
			Provider: src.Provider,
			Model:    src.Model,
		},
	}

	lp := src.LogProgress
	if lp == nil && src.Provider != nil && src.Provider.Logs != "" && r.parser != nil {
		lp = r.parser.Parse(src.Provider.Logs)
	}
	us.LogProgress = lp

	// The durable model record wins over everything: once it shows a hosted,
	// inference-ready model the run is completed no matter how stale the
	// provider or queue views are. This is what keeps the status from ever
	// regressing out of completed.
	if src.Model != nil && src.Model.ReadyForInference &&
		src.Model.HuggingfaceRepoID != nil && *src.Model.HuggingfaceRepoID != "" {
		us.Status = UnifiedCompleted
		us.Progress = 100
		us.Stage = "Training completed successfully and model uploaded to HuggingFace"
		return us
	}

	providerStatus := ""
	if src.Provider != nil {
		providerStatus = src.Provider.Status
	}

	switch providerStatus {
	case replicate.StatusFailed, replicate.StatusCanceled:
		r.resolveFailed(us, src, providerStatus, lp)
	case replicate.StatusSucceeded:
		r.resolveSucceeded(us, trainingID)
	case replicate.StatusProcessing:
		r.resolveTraining(us, lp)
	case replicate.StatusStarting:
		us.Status = UnifiedStarting
		us.Progress = startingProgress
		us.Stage = "Preparing training environment"
	default:
		r.resolveFromQueue(us, src, trainingID, lp)
	}
	return us
}

func (r *statusResolver) resolveFailed(us *UnifiedStatus, src StatusSources, providerStatus string, lp *LogProgress) {
	us.Status = UnifiedFailed
	us.Stage = "Training failed"
	if providerStatus == replicate.StatusCanceled {
		us.Stage = "Training canceled"
	}

	switch {
	case src.Provider != nil && src.Provider.Error != "":
		us.Error = src.Provider.Error
	case src.Queue != nil && src.Queue.ErrorMessage != "":
		us.Error = src.Queue.ErrorMessage
	case providerStatus == replicate.StatusCanceled:
		us.Error = "Training was canceled"
	default:
		us.Error = "Training failed for an unknown reason"
	}

	// Keep the last known progress when the logs show how far it got.
	us.Progress = 0
	if lp != nil {
		us.Progress = mapToBand(lp.Percent, trainingBandLow, trainingBandHigh)
	}
}

func (r *statusResolver) resolveSucceeded(us *UnifiedStatus, trainingID string) {
	switch {
	case r.tracker != nil && r.tracker.IsPublished(trainingID):
		// The model record may lag the publish we just finished; trust the
		// process-local completion cache.
		us.Status = UnifiedCompleted
		us.Progress = 100
		us.Stage = "Training completed successfully and model uploaded to HuggingFace"
	case r.tracker != nil && r.tracker.IsPublishing(trainingID):
		us.Status = UnifiedUploading
		us.Progress = uploadOngoingProgress
		us.Stage = "Uploading trained model to HuggingFace"
	default:
		us.Status = UnifiedUploading
		us.Progress = uploadReadyProgress
		us.Stage = "Training completed successfully, ready for upload to HuggingFace"
		us.NeedsUpload = true
		us.CanRetryUpload = true
	}
}

func (r *statusResolver) resolveTraining(us *UnifiedStatus, lp *LogProgress) {
	us.Status = UnifiedTraining
	us.Progress = trainingDefaultProgress
	us.Stage = "Training LoRA model"
	if lp != nil {
		us.Progress = mapToBand(lp.Percent, trainingBandLow, trainingBandHigh)
		if lp.StageDescription != "" {
			us.Stage = lp.StageDescription
		}
		us.EstimatedSecondsLeft = lp.EstimatedSecondsRemaining()
	}
}

// resolveFromQueue handles a missing or unrecognized provider status by
// leniently interpreting the local queue record. Nothing interpretable
// resolves to starting at 0.
func (r *statusResolver) resolveFromQueue(us *UnifiedStatus, src StatusSources, trainingID string, lp *LogProgress) {
	queueStatus := ""
	if src.Queue != nil {
		queueStatus = strings.ToLower(strings.TrimSpace(src.Queue.Status))
	}

	switch {
	case strings.Contains(queueStatus, "fail") || strings.Contains(queueStatus, "cancel") || strings.Contains(queueStatus, "error"):
		us.Status = UnifiedFailed
		us.Stage = "Training failed"
		us.Error = "Training failed for an unknown reason"
		if src.Queue != nil && src.Queue.ErrorMessage != "" {
			us.Error = src.Queue.ErrorMessage
		}
	case strings.Contains(queueStatus, "complete") || strings.Contains(queueStatus, "succeed"):
		r.resolveSucceeded(us, trainingID)
	case strings.Contains(queueStatus, "upload"):
		r.resolveSucceeded(us, trainingID)
	case strings.Contains(queueStatus, "train") || strings.Contains(queueStatus, "process") || strings.Contains(queueStatus, "run"):
		r.resolveTraining(us, lp)
	default:
		if r.log != nil && queueStatus != "" {
			r.log.Debug("Uninterpretable queue status, defaulting to starting", "training_id", trainingID, "queue_status", queueStatus)
		}
		us.Status = UnifiedStarting
		us.Progress = 0
		us.Stage = "Preparing training environment"
	}
}

// mapToBand maps a 0-100 percentage into [low, high].
func mapToBand(pct, low, high int) int {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return low + (high-low)*pct/100
}
