package services

import (
	"testing"

	"github.com/pixelmuse/pixelmuse-backend/internal/clients/replicate"
	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func newTestResolver(t *testing.T) (StatusResolver, PublishTracker) {
	t.Helper()
	tracker := NewMemoryPublishTracker()
	return NewStatusResolver(testLogger(t), NewReplicateLogParser(), tracker), tracker
}

func strPtr(s string) *string { return &s }

func TestResolveModelRecordWins(t *testing.T) {
	r, _ := newTestResolver(t)

	// Even a failed provider snapshot cannot regress a run whose model record
	// shows a hosted, inference-ready model.
	us := r.Resolve("t1", "My Model", StatusSources{
		Provider: &ProviderSnapshot{Status: replicate.StatusFailed, Error: "stale view"},
		Queue:    &QueueSnapshot{Status: "failed"},
		Model:    &ModelSnapshot{Status: "ready", ReadyForInference: true, HuggingfaceRepoID: strPtr("acme/my-model")},
	})
	if us.Status != UnifiedCompleted || us.Progress != 100 {
		t.Fatalf("want completed/100 got %s/%d", us.Status, us.Progress)
	}
	if us.Error != "" {
		t.Fatalf("completed run should carry no error, got %q", us.Error)
	}
}

func TestResolveProviderFailed(t *testing.T) {
	r, _ := newTestResolver(t)

	logs := "flux_train_replicate:  40%|████      | 400/1000 [02:30<03:45, 2.67it/s]"
	us := r.Resolve("t1", "My Model", StatusSources{
		Provider: &ProviderSnapshot{Status: replicate.StatusFailed, Error: "Out of memory: GPU ran out of VRAM", Logs: logs},
		Queue:    &QueueSnapshot{Status: "training", ErrorMessage: "older error"},
	})
	if us.Status != UnifiedFailed {
		t.Fatalf("want failed got %s", us.Status)
	}
	if us.Error != "Out of memory: GPU ran out of VRAM" {
		t.Fatalf("provider error must pass through verbatim, got %q", us.Error)
	}
	// 40% of the way through the 10..80 band.
	if us.Progress != 38 {
		t.Fatalf("want band progress 38 got %d", us.Progress)
	}
}

func TestResolveFailedErrorPrecedence(t *testing.T) {
	r, _ := newTestResolver(t)

	us := r.Resolve("t1", "m", StatusSources{
		Provider: &ProviderSnapshot{Status: replicate.StatusFailed},
		Queue:    &QueueSnapshot{ErrorMessage: "queue saw it die"},
	})
	if us.Error != "queue saw it die" {
		t.Fatalf("want queue error fallback, got %q", us.Error)
	}

	us = r.Resolve("t1", "m", StatusSources{
		Provider: &ProviderSnapshot{Status: replicate.StatusCanceled},
	})
	if us.Status != UnifiedFailed || us.Error != "Training was canceled" || us.Stage != "Training canceled" {
		t.Fatalf("canceled defaults wrong: %+v", us)
	}

	us = r.Resolve("t1", "m", StatusSources{
		Provider: &ProviderSnapshot{Status: replicate.StatusFailed},
	})
	if us.Error != "Training failed for an unknown reason" {
		t.Fatalf("want generic failure error, got %q", us.Error)
	}
}

func TestResolveSucceededPublishStates(t *testing.T) {
	r, tracker := newTestResolver(t)
	src := StatusSources{Provider: &ProviderSnapshot{Status: replicate.StatusSucceeded}}

	us := r.Resolve("t1", "m", src)
	if us.Status != UnifiedUploading || us.Progress != 90 {
		t.Fatalf("ready-for-upload: want uploading/90 got %s/%d", us.Status, us.Progress)
	}
	if !us.NeedsUpload || !us.CanRetryUpload {
		t.Fatalf("want NeedsUpload and CanRetryUpload set: %+v", us)
	}

	if !tracker.TryBeginPublish("t1") {
		t.Fatal("TryBeginPublish refused a fresh id")
	}
	us = r.Resolve("t1", "m", src)
	if us.Status != UnifiedUploading || us.Progress != 85 || us.NeedsUpload {
		t.Fatalf("publishing: want uploading/85 without NeedsUpload got %+v", us)
	}

	tracker.FinishPublish("t1", true)
	us = r.Resolve("t1", "m", src)
	if us.Status != UnifiedCompleted || us.Progress != 100 {
		t.Fatalf("published: want completed/100 got %s/%d", us.Status, us.Progress)
	}

	// A failed publish re-opens the upload window.
	tracker2 := NewMemoryPublishTracker()
	r2 := NewStatusResolver(testLogger(t), NewReplicateLogParser(), tracker2)
	tracker2.TryBeginPublish("t2")
	tracker2.FinishPublish("t2", false)
	us = r2.Resolve("t2", "m", src)
	if us.Status != UnifiedUploading || us.Progress != 90 || !us.NeedsUpload {
		t.Fatalf("after failed publish: want uploading/90 NeedsUpload got %+v", us)
	}
}

func TestResolveProcessing(t *testing.T) {
	r, _ := newTestResolver(t)

	us := r.Resolve("t1", "m", StatusSources{
		Provider: &ProviderSnapshot{Status: replicate.StatusProcessing},
	})
	if us.Status != UnifiedTraining || us.Progress != 45 {
		t.Fatalf("no logs: want training/45 got %s/%d", us.Status, us.Progress)
	}

	us = r.Resolve("t1", "m", StatusSources{
		Provider: &ProviderSnapshot{
			Status: replicate.StatusProcessing,
			Logs:   "flux_train_replicate: 100%|██████████| 1000/1000 [10:00<00:00, 1.67it/s]",
		},
	})
	if us.Status != UnifiedTraining || us.Progress != 80 {
		t.Fatalf("full logs: want training/80 got %s/%d", us.Status, us.Progress)
	}
	if us.Stage != "Training LoRA model (1000/1000 steps)" {
		t.Fatalf("unexpected stage %q", us.Stage)
	}

	us = r.Resolve("t1", "m", StatusSources{
		Provider: &ProviderSnapshot{
			Status: replicate.StatusProcessing,
			Logs:   "flux_train_replicate:  40%|████      | 400/1000 [02:30<03:45, 2.67it/s]",
		},
	})
	if us.Progress != 38 {
		t.Fatalf("mid logs: want 38 got %d", us.Progress)
	}
	if us.EstimatedSecondsLeft != 225 {
		t.Fatalf("want eta 225 got %d", us.EstimatedSecondsLeft)
	}
}

func TestResolveQueueFallback(t *testing.T) {
	r, _ := newTestResolver(t)

	cases := []struct {
		name       string
		queue      *QueueSnapshot
		wantStatus string
	}{
		{"nil sources", nil, UnifiedStarting},
		{"queued", &QueueSnapshot{Status: "queued"}, UnifiedStarting},
		{"training", &QueueSnapshot{Status: "training"}, UnifiedTraining},
		{"processing", &QueueSnapshot{Status: "processing"}, UnifiedTraining},
		{"uploading", &QueueSnapshot{Status: "uploading"}, UnifiedUploading},
		{"completed", &QueueSnapshot{Status: "completed"}, UnifiedUploading},
		{"failed", &QueueSnapshot{Status: "failed", ErrorMessage: "boom"}, UnifiedFailed},
		{"canceled", &QueueSnapshot{Status: "canceled"}, UnifiedFailed},
		{"garbage", &QueueSnapshot{Status: "???"}, UnifiedStarting},
	}
	for _, tc := range cases {
		us := r.Resolve("t1", "m", StatusSources{Queue: tc.queue})
		if us.Status != tc.wantStatus {
			t.Fatalf("%s: want=%s got=%s", tc.name, tc.wantStatus, us.Status)
		}
		if tc.name == "failed" && us.Error != "boom" {
			t.Fatalf("failed queue: want error boom got %q", us.Error)
		}
	}

	// Queue "completed" without a ready model record means the publish never
	// landed; the run must come back as uploadable, not completed.
	us := r.Resolve("t1", "m", StatusSources{Queue: &QueueSnapshot{Status: "completed"}})
	if !us.NeedsUpload {
		t.Fatalf("stale completed queue: want NeedsUpload got %+v", us)
	}
}

// Every combination of snapshots must resolve to a well-formed status, and
// resolving twice must give the same answer.
func TestResolveTotalAndIdempotent(t *testing.T) {
	r, _ := newTestResolver(t)

	valid := map[string]bool{
		UnifiedStarting:  true,
		UnifiedTraining:  true,
		UnifiedUploading: true,
		UnifiedCompleted: true,
		UnifiedFailed:    true,
	}

	providers := []*ProviderSnapshot{
		nil,
		{Status: replicate.StatusStarting},
		{Status: replicate.StatusProcessing},
		{Status: replicate.StatusSucceeded},
		{Status: replicate.StatusFailed, Error: "x"},
		{Status: replicate.StatusCanceled},
		{Status: "weird-new-status"},
	}
	queues := []*QueueSnapshot{
		nil,
		{Status: "queued"},
		{Status: "training"},
		{Status: "completed"},
		{Status: "failed", ErrorMessage: "q"},
		{Status: "zzz"},
	}
	models := []*ModelSnapshot{
		nil,
		{Status: "training"},
		{Status: "ready", ReadyForInference: true, HuggingfaceRepoID: strPtr("acme/m")},
		{Status: "ready", ReadyForInference: true, HuggingfaceRepoID: strPtr("")},
	}

	for _, p := range providers {
		for _, q := range queues {
			for _, m := range models {
				src := StatusSources{Provider: p, Queue: q, Model: m}
				us := r.Resolve("t1", "m", src)
				if us == nil {
					t.Fatalf("nil status for %+v", src)
				}
				if !valid[us.Status] {
					t.Fatalf("invalid status %q for %+v", us.Status, src)
				}
				if us.Progress < 0 || us.Progress > 100 {
					t.Fatalf("progress out of range: %d for %+v", us.Progress, src)
				}
				again := r.Resolve("t1", "m", src)
				if again.Status != us.Status || again.Progress != us.Progress {
					t.Fatalf("not idempotent for %+v: %s/%d vs %s/%d", src, us.Status, us.Progress, again.Status, again.Progress)
				}
			}
		}
	}
}

func TestMapToBand(t *testing.T) {
	cases := []struct{ pct, want int }{
		{0, 10}, {50, 45}, {100, 80}, {-5, 10}, {150, 80},
	}
	for _, tc := range cases {
		if got := mapToBand(tc.pct, 10, 80); got != tc.want {
			t.Fatalf("mapToBand(%d): want=%d got=%d", tc.pct, tc.want, got)
		}
	}
}
