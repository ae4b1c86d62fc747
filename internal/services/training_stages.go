package services

import (
	"time"
)

// Pipeline stages in execution order, for the client's stepper/timeline view.
const (
	StageInitialization = "initialization"
	StageBundling       = "bundling"
	StageRemoteTraining = "remote_training"
	StagePublication    = "publication"
	StageCompletion     = "completion"
)

// PipelineStages is the fixed display order.
var PipelineStages = []string{
	StageInitialization,
	StageBundling,
	StageRemoteTraining,
	StagePublication,
	StageCompletion,
}

// Per-stage display statuses.
const (
	StageStatusCompleted  = "completed"
	StageStatusInProgress = "in_progress"
	StageStatusFailed     = "failed"
	StageStatusPending    = "pending"
)

// StageView is one row of the timeline.
type StageView struct {
	Stage           string     `json:"stage"`
	Status          string     `json:"status"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// StageMapper derives the display status of each pipeline stage. Explicit
// per-stage timing in debugData wins; otherwise the stage's position relative
// to the one implied by the UnifiedStatus decides. Total: every stage name
// gets a determined status for every UnifiedStatus.
type StageMapper interface {
	StageStatus(stageName string, us *UnifiedStatus, debugData map[string]any) StageView
	Timeline(us *UnifiedStatus, debugData map[string]any) []StageView
}

type stageMapper struct{}

func NewStageMapper() StageMapper {
	return &stageMapper{}
}

func (m *stageMapper) Timeline(us *UnifiedStatus, debugData map[string]any) []StageView {
	out := make([]StageView, 0, len(PipelineStages))
	for _, name := range PipelineStages {
		out = append(out, m.StageStatus(name, us, debugData))
	}
	return out
}

func (m *stageMapper) StageStatus(stageName string, us *UnifiedStatus, debugData map[string]any) StageView {
	view := StageView{Stage: stageName, Status: StageStatusPending}

	if sv, ok := stageFromDebugData(stageName, debugData); ok {
		return sv
	}

	idx := stageIndex(stageName)
	if idx < 0 {
		// Unknown stage names still get a determined answer.
		return view
	}

	current, failed := currentStage(us)
	currentIdx := stageIndex(current)

	switch {
	case idx < currentIdx:
		view.Status = StageStatusCompleted
	case idx > currentIdx:
		view.Status = StageStatusPending
	case failed:
		view.Status = StageStatusFailed
		if us != nil {
			view.Error = us.Error
		}
	case us != nil && us.Status == UnifiedCompleted:
		view.Status = StageStatusCompleted
	default:
		view.Status = StageStatusInProgress
	}
	return view
}

// currentStage maps a UnifiedStatus to the stage the run is in. A run only
// has a training id once initialization and bundling are behind it, so those
// two stages are always completed from a poller's point of view. Provider
// failures land on remote_training; publication failures never flip the run
// to failed (it stays uploading and retryable).
func currentStage(us *UnifiedStatus) (string, bool) {
	if us == nil {
		return StageRemoteTraining, false
	}
	switch us.Status {
	case UnifiedStarting, UnifiedTraining:
		return StageRemoteTraining, false
	case UnifiedUploading:
		return StagePublication, false
	case UnifiedCompleted:
		return StageCompletion, false
	case UnifiedFailed:
		return StageRemoteTraining, true
	default:
		return StageRemoteTraining, false
	}
}

func stageIndex(name string) int {
	for i, s := range PipelineStages {
		if s == name {
			return i
		}
	}
	return -1
}

// stageFromDebugData honors explicit per-stage records of the shape
// {"stages": {"bundling": {"status": ..., "start_time": ..., "end_time":
// ..., "error": ...}}} with RFC3339 timestamps.
func stageFromDebugData(stageName string, debugData map[string]any) (StageView, bool) {
	if debugData == nil {
		return StageView{}, false
	}
	stages, ok := debugData["stages"].(map[string]any)
	if !ok {
		return StageView{}, false
	}
	entry, ok := stages[stageName].(map[string]any)
	if !ok {
		return StageView{}, false
	}

	view := StageView{Stage: stageName, Status: StageStatusPending}
	if s, ok := entry["status"].(string); ok && validStageStatus(s) {
		view.Status = s
	}
	if e, ok := entry["error"].(string); ok {
		view.Error = e
	}
	view.StartTime = parseDebugTime(entry["start_time"])
	view.EndTime = parseDebugTime(entry["end_time"])
	if view.StartTime != nil && view.EndTime != nil && view.EndTime.After(*view.StartTime) {
		view.DurationSeconds = view.EndTime.Sub(*view.StartTime).Seconds()
	}
	return view, true
}

func validStageStatus(s string) bool {
	switch s {
	case StageStatusCompleted, StageStatusInProgress, StageStatusFailed, StageStatusPending:
		return true
	}
	return false
}

func parseDebugTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return &parsed
		}
	}
	return nil
}
