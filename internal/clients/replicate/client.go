package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
)

// Training statuses reported by the provider.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// TrainingInput carries the hyperparameters for one LoRA training job.
type TrainingInput struct {
	InputImages        string  `json:"input_images"`
	TriggerWord        string  `json:"trigger_word"`
	Steps              int     `json:"steps"`
	LearningRate       float64 `json:"learning_rate"`
	LoraRank           int     `json:"lora_rank"`
	BatchSize          int     `json:"batch_size"`
	Resolution         string  `json:"resolution"`
	CaptionDropoutRate float64 `json:"caption_dropout_rate,omitempty"`
	Optimizer          string  `json:"optimizer,omitempty"`
}

// Training is the provider's view of a training job. Output and Logs are left
// loosely typed: the provider's trainer version controls their exact shape.
type Training struct {
	ID          string            `json:"id"`
	Status      string            `json:"status"`
	Error       string            `json:"error,omitempty"`
	Logs        string            `json:"logs,omitempty"`
	Output      map[string]any    `json:"output,omitempty"`
	URLs        map[string]string `json:"urls,omitempty"`
	CreatedAt   string            `json:"created_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

type Client interface {
	CreateTraining(ctx context.Context, destination string, input TrainingInput) (*Training, error)
	GetTraining(ctx context.Context, trainingID string) (*Training, error)
	CancelTraining(ctx context.Context, trainingID string) error
}

type client struct {
	log            *logger.Logger
	baseURL        string
	apiToken       string
	trainerOwner   string
	trainerModel   string
	trainerVersion string
	httpClient     *http.Client
}

func New(log *logger.Logger) (Client, error) {
	apiToken := os.Getenv("REPLICATE_API_TOKEN")
	if apiToken == "" {
		return nil, fmt.Errorf("missing REPLICATE_API_TOKEN")
	}

	baseURL := os.Getenv("REPLICATE_BASE_URL")
	if baseURL == "" {
		baseURL = "https://api.replicate.com"
	}

	owner := os.Getenv("REPLICATE_TRAINER_OWNER")
	if owner == "" {
		owner = "ostris"
	}
	model := os.Getenv("REPLICATE_TRAINER_MODEL")
	if model == "" {
		model = "flux-dev-lora-trainer"
	}
	version := os.Getenv("REPLICATE_TRAINER_VERSION")
	if version == "" {
		return nil, fmt.Errorf("missing REPLICATE_TRAINER_VERSION")
	}

	timeoutSec := 30
	if v := os.Getenv("REPLICATE_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:            log.With("client", "ReplicateClient"),
		baseURL:        baseURL,
		apiToken:       apiToken,
		trainerOwner:   owner,
		trainerModel:   model,
		trainerVersion: version,
		httpClient:     &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

// HTTPError preserves the provider's response body verbatim so failures can be
// surfaced to callers unchanged.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("replicate http %d: %s", e.StatusCode, e.Body)
}

// Status polls are not retried here: a transient fetch failure is reported to
// the caller, who is expected to poll again.
func (c *client) do(ctx context.Context, method, path string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	raw, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if uErr := json.Unmarshal(raw, out); uErr != nil {
		return fmt.Errorf("replicate decode error: %w; raw=%s", uErr, string(raw))
	}
	return nil
}

type createTrainingRequest struct {
	Destination string        `json:"destination"`
	Input       TrainingInput `json:"input"`
}

func (c *client) CreateTraining(ctx context.Context, destination string, input TrainingInput) (*Training, error) {
	if destination == "" {
		return nil, fmt.Errorf("destination required")
	}
	if input.InputImages == "" {
		return nil, fmt.Errorf("input images url required")
	}
	path := fmt.Sprintf("/v1/models/%s/%s/versions/%s/trainings", c.trainerOwner, c.trainerModel, c.trainerVersion)
	var out Training
	if err := c.do(ctx, http.MethodPost, path, createTrainingRequest{Destination: destination, Input: input}, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("replicate returned no training id")
	}
	c.log.Info("Training submitted", "training_id", out.ID, "status", out.Status)
	return &out, nil
}

func (c *client) GetTraining(ctx context.Context, trainingID string) (*Training, error) {
	if trainingID == "" {
		return nil, fmt.Errorf("training id required")
	}
	var out Training
	if err := c.do(ctx, http.MethodGet, "/v1/trainings/"+trainingID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) CancelTraining(ctx context.Context, trainingID string) error {
	if trainingID == "" {
		return fmt.Errorf("training id required")
	}
	return c.do(ctx, http.MethodPost, "/v1/trainings/"+trainingID+"/cancel", nil, nil)
}
