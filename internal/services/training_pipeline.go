package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/pixelmuse/pixelmuse-backend/internal/clients/huggingface"
	"github.com/pixelmuse/pixelmuse-backend/internal/clients/replicate"
	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
	"github.com/pixelmuse/pixelmuse-backend/internal/repos"
	"github.com/pixelmuse/pixelmuse-backend/internal/sse"
	"github.com/pixelmuse/pixelmuse-backend/internal/types"
	"github.com/pixelmuse/pixelmuse-backend/internal/utils"
)

// StartTrainingParams are the caller-supplied inputs for one training run.
// Zero hyperparameters fall back to the flux trainer defaults.
type StartTrainingParams struct {
	UserID       uuid.UUID
	ModelName    string
	TriggerWord  string
	BaseModel    string
	Steps        int
	LearningRate float64
	LoraRank     int
	BatchSize    int
	Resolution   string
	Images       []TrainingImage
}

type ValidationIssue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// StartTrainingResult reports either validation failure (Valid=false, no side
// effects happened) or the submission outcome. A failed submission still
// carries the bundle filename when bundling had already produced one.
type StartTrainingResult struct {
	Valid       bool              `json:"valid"`
	Errors      []ValidationIssue `json:"errors,omitempty"`
	TrainingID  string            `json:"training_id,omitempty"`
	ZipFilename string            `json:"zip_filename,omitempty"`
	Status      *UnifiedStatus    `json:"status,omitempty"`
}

type TrainingPipelineService interface {
	StartTraining(ctx context.Context, params StartTrainingParams) (*StartTrainingResult, error)
	GetTrainingStatus(ctx context.Context, trainingID, displayName string, triggerPublishIfReady bool) (*UnifiedStatus, error)
	TriggerHuggingFaceUpload(ctx context.Context, trainingID, displayName string) (*UnifiedStatus, error)
	CancelTraining(ctx context.Context, trainingID string) error
	StageTimeline(ctx context.Context, trainingID, displayName string) ([]StageView, error)
}

type trainingPipelineService struct {
	db  *gorm.DB
	log *logger.Logger

	sseHub *sse.SSEHub

	runRepo   repos.TrainingRunRepo
	modelRepo repos.TrainedModelRepo

	bundler  ImageBundlerService
	provider replicate.Client
	hosting  huggingface.Client
	resolver StatusResolver
	tracker  PublishTracker
	stages   StageMapper

	destOwner      string
	captionDropout float64
	optimizer      string
	fetchTimeout   time.Duration
	publishTimeout time.Duration
}

func NewTrainingPipelineService(
	db *gorm.DB,
	baseLog *logger.Logger,
	sseHub *sse.SSEHub,
	runRepo repos.TrainingRunRepo,
	modelRepo repos.TrainedModelRepo,
	bundler ImageBundlerService,
	provider replicate.Client,
	hosting huggingface.Client,
	resolver StatusResolver,
	tracker PublishTracker,
	stages StageMapper,
) TrainingPipelineService {
	log := baseLog.With("service", "TrainingPipelineService")
	return &trainingPipelineService{
		db:             db,
		log:            log,
		sseHub:         sseHub,
		runRepo:        runRepo,
		modelRepo:      modelRepo,
		bundler:        bundler,
		provider:       provider,
		hosting:        hosting,
		resolver:       resolver,
		tracker:        tracker,
		stages:         stages,
		destOwner:      utils.GetEnv("REPLICATE_DESTINATION_OWNER", "pixelmuse", log),
		captionDropout: utils.GetEnvAsFloat("TRAINER_CAPTION_DROPOUT_RATE", 0.05, log),
		optimizer:      utils.GetEnv("TRAINER_OPTIMIZER", "adamw8bit", log),
		fetchTimeout:   time.Duration(utils.GetEnvAsInt("STATUS_FETCH_TIMEOUT_SECONDS", 5, log)) * time.Second,
		publishTimeout: time.Duration(utils.GetEnvAsInt("PUBLISH_TIMEOUT_SECONDS", 600, log)) * time.Second,
	}
}

func validateStartParams(p StartTrainingParams) []ValidationIssue {
	var issues []ValidationIssue
	if len(strings.TrimSpace(p.ModelName)) < 2 {
		issues = append(issues, ValidationIssue{Field: "model_name", Message: "Model name must be at least 2 characters"})
	}
	if len(strings.TrimSpace(p.TriggerWord)) < 2 {
		issues = append(issues, ValidationIssue{Field: "trigger_word", Message: "Trigger word must be at least 2 characters"})
	}
	if len(p.Images) < MinTrainingImages {
		issues = append(issues, ValidationIssue{Field: "images", Message: fmt.Sprintf("At least %d training images are required", MinTrainingImages)})
	} else if len(p.Images) > MaxTrainingImages {
		issues = append(issues, ValidationIssue{Field: "images", Message: fmt.Sprintf("Maximum %d training images allowed", MaxTrainingImages)})
	}
	return issues
}

func applyTrainingDefaults(p *StartTrainingParams) {
	if p.BaseModel == "" {
		p.BaseModel = "black-forest-labs/FLUX.1-dev"
	}
	if p.Steps <= 0 {
		p.Steps = 1000
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.0004
	}
	if p.LoraRank <= 0 {
		p.LoraRank = 16
	}
	if p.BatchSize <= 0 {
		p.BatchSize = 1
	}
	if p.Resolution == "" {
		p.Resolution = "512,768,1024"
	}
}

func (s *trainingPipelineService) StartTraining(ctx context.Context, params StartTrainingParams) (*StartTrainingResult, error) {
	if issues := validateStartParams(params); len(issues) > 0 {
		return &StartTrainingResult{Valid: false, Errors: issues}, nil
	}
	if params.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id required")
	}
	applyTrainingDefaults(&params)

	bundle, err := s.bundler.CreateBundle(ctx, params.UserID, params.Images)
	if err != nil {
		return nil, fmt.Errorf("create bundle: %w", err)
	}
	if !bundle.Success {
		// Hard abort: nothing was submitted to the provider.
		return &StartTrainingResult{
			Valid:       true,
			ZipFilename: bundle.BundleFilename,
			Status: &UnifiedStatus{
				ModelName: params.ModelName,
				Status:    UnifiedFailed,
				Stage:     "Preparing training images failed",
				Error:     bundle.Error,
			},
		}, nil
	}

	destination := fmt.Sprintf("%s/%s", s.destOwner, slugify(params.ModelName))
	training, err := s.provider.CreateTraining(ctx, destination, replicate.TrainingInput{
		InputImages:        bundle.BundleURL,
		TriggerWord:        params.TriggerWord,
		Steps:              params.Steps,
		LearningRate:       params.LearningRate,
		LoraRank:           params.LoraRank,
		BatchSize:          params.BatchSize,
		Resolution:         params.Resolution,
		CaptionDropoutRate: s.captionDropout,
		Optimizer:          s.optimizer,
	})
	if err != nil {
		s.log.Error("Training submission rejected", "model_name", params.ModelName, "error", err)
		return &StartTrainingResult{
			Valid:       true,
			ZipFilename: bundle.BundleFilename,
			Status: &UnifiedStatus{
				ModelName: params.ModelName,
				Status:    UnifiedFailed,
				Stage:     "Submitting training to provider failed",
				Error:     err.Error(),
			},
		}, nil
	}

	now := time.Now()
	run := &types.TrainingRun{
		ID:                  uuid.New(),
		UserID:              params.UserID,
		ReplicateTrainingID: training.ID,
		ModelName:           params.ModelName,
		TriggerWord:         params.TriggerWord,
		BaseModel:           params.BaseModel,
		Status:              UnifiedStarting,
		ZipFilename:         bundle.BundleFilename,
		Steps:               params.Steps,
		LearningRate:        params.LearningRate,
		LoraRank:            params.LoraRank,
		BatchSize:           params.BatchSize,
		Resolution:          params.Resolution,
		Metadata: datatypes.JSON(mustJSON(map[string]any{
			"destination": destination,
			"bundle_url":  bundle.BundleURL,
			"image_count": bundle.ImageCount,
			"bundle_size": bundle.TotalSize,
		})),
		CreatedAt: now,
		UpdatedAt: now,
	}
	model := &types.TrainedModel{
		ID:                  uuid.New(),
		UserID:              params.UserID,
		ReplicateTrainingID: training.ID,
		Name:                params.ModelName,
		TriggerWord:         params.TriggerWord,
		Status:              "training",
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.runRepo.Create(ctx, tx, []*types.TrainingRun{run}); err != nil {
			return fmt.Errorf("create training run: %w", err)
		}
		if _, err := s.modelRepo.Create(ctx, tx, []*types.TrainedModel{model}); err != nil {
			return fmt.Errorf("create trained model: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(params.UserID, sse.SSEEventTrainingSubmitted, map[string]any{
		"training_id": training.ID,
		"model_name":  params.ModelName,
	})

	us := s.resolver.Resolve(training.ID, params.ModelName, StatusSources{
		Queue:    queueSnapshotFromRun(run),
		Provider: providerSnapshotFrom(training),
		Model:    modelSnapshotFrom(model),
	})
	return &StartTrainingResult{
		Valid:       true,
		TrainingID:  training.ID,
		ZipFilename: bundle.BundleFilename,
		Status:      us,
	}, nil
}

// fetchedSources is one poll's worth of raw material for reconciliation. The
// three fetches are independent; any of them may have failed or lagged.
type fetchedSources struct {
	src         StatusSources
	training    *replicate.Training
	run         *types.TrainingRun
	providerErr error
}

func (s *trainingPipelineService) fetchSources(ctx context.Context, trainingID string) fetchedSources {
	var (
		training    *replicate.Training
		providerErr error
		run         *types.TrainingRun
		model       *types.TrainedModel
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, s.fetchTimeout)
		defer cancel()
		training, providerErr = s.provider.GetTraining(tctx, trainingID)
		return nil
	})
	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, s.fetchTimeout)
		defer cancel()
		r, err := s.runRepo.GetByTrainingID(tctx, nil, trainingID)
		if err != nil {
			s.log.Warn("Failed to load training run record", "training_id", trainingID, "error", err)
			return nil
		}
		run = r
		return nil
	})
	g.Go(func() error {
		tctx, cancel := context.WithTimeout(gctx, s.fetchTimeout)
		defer cancel()
		m, err := s.modelRepo.GetByTrainingID(tctx, nil, trainingID)
		if err != nil {
			s.log.Warn("Failed to load trained model record", "training_id", trainingID, "error", err)
			return nil
		}
		model = m
		return nil
	})
	_ = g.Wait()

	return fetchedSources{
		src: StatusSources{
			Queue:    queueSnapshotFromRun(run),
			Provider: providerSnapshotFrom(training),
			Model:    modelSnapshotFrom(model),
		},
		training:    training,
		run:         run,
		providerErr: providerErr,
	}
}

func (s *trainingPipelineService) GetTrainingStatus(ctx context.Context, trainingID, displayName string, triggerPublishIfReady bool) (*UnifiedStatus, error) {
	if strings.TrimSpace(trainingID) == "" {
		return &UnifiedStatus{
			Status: UnifiedFailed,
			Stage:  "Invalid request",
			Error:  "missing training id",
		}, nil
	}

	fetched := s.fetchSources(ctx, trainingID)
	displayName = resolveDisplayName(displayName, fetched.run)
	us := s.resolver.Resolve(trainingID, displayName, fetched.src)

	// A provider fetch failure fails this poll only; the caller re-polls. The
	// one exception is a run the durable model record already shows completed.
	if fetched.providerErr != nil && us.Status != UnifiedCompleted {
		return &UnifiedStatus{
			ID:        trainingID,
			ModelName: displayName,
			Status:    UnifiedFailed,
			Stage:     "Failed to fetch training status",
			Error:     fetched.providerErr.Error(),
			Sources:   us.Sources,
		}, nil
	}

	if triggerPublishIfReady && us.NeedsUpload {
		if s.tracker.TryBeginPublish(trainingID) {
			go s.publish(trainingID, displayName, fetched.training)
		}
		// Re-resolve so this caller and any concurrent one both observe the
		// publish as ongoing rather than racing to start a second one.
		us = s.resolver.Resolve(trainingID, displayName, fetched.src)
	}

	s.syncRunRecord(ctx, trainingID, us)
	s.broadcastStatus(fetched.run, us)
	return us, nil
}

func (s *trainingPipelineService) TriggerHuggingFaceUpload(ctx context.Context, trainingID, displayName string) (*UnifiedStatus, error) {
	if strings.TrimSpace(trainingID) == "" {
		return &UnifiedStatus{
			Status: UnifiedFailed,
			Stage:  "Invalid request",
			Error:  "missing training id",
		}, nil
	}

	fetched := s.fetchSources(ctx, trainingID)
	displayName = resolveDisplayName(displayName, fetched.run)

	if fetched.providerErr != nil {
		return &UnifiedStatus{
			ID:        trainingID,
			ModelName: displayName,
			Status:    UnifiedFailed,
			Stage:     "Failed to fetch training status",
			Error:     fetched.providerErr.Error(),
		}, nil
	}
	providerStatus := ""
	if fetched.training != nil {
		providerStatus = fetched.training.Status
	}
	if providerStatus != replicate.StatusSucceeded {
		return &UnifiedStatus{
			ID:        trainingID,
			ModelName: displayName,
			Status:    UnifiedFailed,
			Stage:     "Upload rejected",
			Error:     fmt.Sprintf("Cannot upload to HuggingFace: training status is %q, not %q", providerStatus, replicate.StatusSucceeded),
		}, nil
	}

	us := s.resolver.Resolve(trainingID, displayName, fetched.src)
	if us.NeedsUpload {
		if s.tracker.TryBeginPublish(trainingID) {
			go s.publish(trainingID, displayName, fetched.training)
		}
		us = s.resolver.Resolve(trainingID, displayName, fetched.src)
	}
	return us, nil
}

func (s *trainingPipelineService) CancelTraining(ctx context.Context, trainingID string) error {
	if strings.TrimSpace(trainingID) == "" {
		return fmt.Errorf("training id required")
	}
	if err := s.provider.CancelTraining(ctx, trainingID); err != nil {
		return fmt.Errorf("cancel training: %w", err)
	}
	if err := s.runRepo.UpdateFieldsByTrainingID(ctx, nil, trainingID, map[string]interface{}{
		"status": "canceled",
	}); err != nil {
		s.log.Warn("Failed to record cancellation", "training_id", trainingID, "error", err)
	}
	return nil
}

func (s *trainingPipelineService) StageTimeline(ctx context.Context, trainingID, displayName string) ([]StageView, error) {
	if strings.TrimSpace(trainingID) == "" {
		return nil, fmt.Errorf("training id required")
	}
	fetched := s.fetchSources(ctx, trainingID)
	displayName = resolveDisplayName(displayName, fetched.run)
	us := s.resolver.Resolve(trainingID, displayName, fetched.src)
	if fetched.providerErr != nil && us.Status != UnifiedCompleted {
		us = &UnifiedStatus{
			ID:        trainingID,
			ModelName: displayName,
			Status:    UnifiedFailed,
			Stage:     "Failed to fetch training status",
			Error:     fetched.providerErr.Error(),
		}
	}

	var debugData map[string]any
	if fetched.run != nil && len(fetched.run.Metadata) > 0 {
		if err := json.Unmarshal(fetched.run.Metadata, &debugData); err != nil {
			s.log.Debug("Unparseable run metadata", "training_id", trainingID, "error", err)
		}
	}
	return s.stages.Timeline(us, debugData), nil
}

// publish uploads the trained weights to the hosting repo. Runs detached from
// the request that triggered it; the tracker claim is already held.
func (s *trainingPipelineService) publish(trainingID, displayName string, training *replicate.Training) {
	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	defer cancel()
	log := s.log.With("training_id", trainingID)

	var userID uuid.UUID
	if run, err := s.runRepo.GetByTrainingID(ctx, nil, trainingID); err == nil && run != nil {
		userID = run.UserID
	}
	if userID != uuid.Nil {
		s.broadcast(userID, sse.SSEEventModelUploadStarted, map[string]any{"training_id": trainingID})
	}

	fail := func(reason string) {
		// The run stays retryable: the claim is released without marking
		// completion and the run record keeps its non-failed status.
		log.Error("Publish failed", "reason", reason)
		s.tracker.FinishPublish(trainingID, false)
		if err := s.runRepo.UpdateFieldsByTrainingID(ctx, nil, trainingID, map[string]interface{}{
			"error": reason,
		}); err != nil {
			log.Warn("Failed to record publish error", "error", err)
		}
		if userID != uuid.Nil {
			s.broadcast(userID, sse.SSEEventModelUploadFailed, map[string]any{
				"training_id": trainingID,
				"error":       reason,
			})
		}
	}

	weightsURL := weightsURLFromOutput(training)
	if weightsURL == "" {
		fail("training output contains no weights URL")
		return
	}

	repoID, err := s.hosting.EnsureRepo(ctx, hostingRepoName(displayName, trainingID))
	if err != nil {
		fail(fmt.Sprintf("create hosting repo: %v", err))
		return
	}

	// A retried publish lands on the same repo; if the weights are already
	// there (a prior attempt died after uploading), skip the re-upload.
	result := &huggingface.PublishResult{RepoID: repoID}
	if status, err := s.hosting.GetRepoStatus(ctx, repoID); err == nil && status != nil && status.ModelReady {
		log.Info("Weights already present in hosting repo, skipping upload", "repo_id", repoID)
	} else {
		result, err = s.hosting.UploadWeights(ctx, repoID, "lora.safetensors", weightsURL)
		if err != nil {
			fail(fmt.Sprintf("upload weights: %v", err))
			return
		}
	}

	now := time.Now()
	if err := s.modelRepo.UpdateFieldsByTrainingID(ctx, nil, trainingID, map[string]interface{}{
		"status":                "ready",
		"huggingface_repo_id":   result.RepoID,
		"ready_for_inference":   true,
		"training_completed_at": now,
	}); err != nil {
		log.Error("Failed to persist published model", "error", err)
	}
	if err := s.runRepo.UpdateFieldsByTrainingID(ctx, nil, trainingID, map[string]interface{}{
		"status":       UnifiedCompleted,
		"error":        "",
		"completed_at": now,
	}); err != nil {
		log.Warn("Failed to mark run completed", "error", err)
	}
	s.tracker.FinishPublish(trainingID, true)
	log.Info("Model published", "repo_id", result.RepoID)

	if userID != uuid.Nil {
		s.broadcast(userID, sse.SSEEventTrainingCompleted, map[string]any{
			"training_id": trainingID,
			"repo_id":     result.RepoID,
			"repo_url":    result.RepoURL,
		})
	}
}

// syncRunRecord writes the resolved view back onto the queue record so list
// endpoints stay roughly in step without their own reconciliation. Best
// effort: a write failure only means the next poll re-derives the same thing.
func (s *trainingPipelineService) syncRunRecord(ctx context.Context, trainingID string, us *UnifiedStatus) {
	updates := map[string]interface{}{
		"status": us.Status,
		"error":  us.Error,
	}
	if err := s.runRepo.UpdateFieldsByTrainingID(ctx, nil, trainingID, updates); err != nil {
		s.log.Warn("Failed to sync run record", "training_id", trainingID, "error", err)
	}
}

func (s *trainingPipelineService) broadcastStatus(run *types.TrainingRun, us *UnifiedStatus) {
	if run == nil {
		return
	}
	event := sse.SSEEventTrainingProgress
	switch us.Status {
	case UnifiedCompleted:
		event = sse.SSEEventTrainingCompleted
	case UnifiedFailed:
		event = sse.SSEEventTrainingFailed
	}
	s.broadcast(run.UserID, event, map[string]any{
		"training_id": us.ID,
		"status":      us.Status,
		"progress":    us.Progress,
		"stage":       us.Stage,
		"error":       us.Error,
	})
}

func (s *trainingPipelineService) broadcast(userID uuid.UUID, event sse.SSEEvent, data map[string]any) {
	if s.sseHub == nil || userID == uuid.Nil {
		return
	}
	s.sseHub.Broadcast(sse.SSEMessage{
		Channel: userID.String(),
		Event:   event,
		Data:    data,
	})
}

func queueSnapshotFromRun(run *types.TrainingRun) *QueueSnapshot {
	if run == nil {
		return nil
	}
	return &QueueSnapshot{
		Status:       run.Status,
		ErrorMessage: run.Error,
		CompletedAt:  run.CompletedAt,
	}
}

func providerSnapshotFrom(t *replicate.Training) *ProviderSnapshot {
	if t == nil {
		return nil
	}
	return &ProviderSnapshot{
		Status: t.Status,
		Error:  t.Error,
		Logs:   t.Logs,
		Output: t.Output,
	}
}

func modelSnapshotFrom(m *types.TrainedModel) *ModelSnapshot {
	if m == nil {
		return nil
	}
	return &ModelSnapshot{
		Status:              m.Status,
		HuggingfaceRepoID:   m.HuggingfaceRepoID,
		ReadyForInference:   m.ReadyForInference,
		TrainingCompletedAt: m.TrainingCompletedAt,
	}
}

func resolveDisplayName(displayName string, run *types.TrainingRun) string {
	if strings.TrimSpace(displayName) != "" {
		return displayName
	}
	if run != nil {
		return run.ModelName
	}
	return ""
}

func weightsURLFromOutput(t *replicate.Training) string {
	if t == nil || t.Output == nil {
		return ""
	}
	if w, ok := t.Output["weights"].(string); ok {
		return w
	}
	return ""
}

// hostingRepoName is deterministic per training id so a retried publish lands
// on the same repo instead of orphaning a half-created one.
func hostingRepoName(displayName, trainingID string) string {
	slug := slugify(displayName)
	if slug == "" {
		slug = "lora"
	}
	suffix := trainingID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return slug + "-" + strings.ToLower(suffix)
}

func slugify(s string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return raw
}
