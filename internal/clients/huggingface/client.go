package huggingface

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pixelmuse/pixelmuse-backend/internal/logger"
)

// PublishResult reports where a model's weights ended up.
type PublishResult struct {
	RepoID  string `json:"repo_id"`
	RepoURL string `json:"repo_url"`
}

// RepoStatus is the existence check used when re-deriving "needs upload".
type RepoStatus struct {
	RepoExists bool `json:"repo_exists"`
	ModelReady bool `json:"model_ready"`
}

type Client interface {
	EnsureRepo(ctx context.Context, repoName string) (string, error)
	UploadWeights(ctx context.Context, repoID string, filename string, weightsURL string) (*PublishResult, error)
	GetRepoStatus(ctx context.Context, repoID string) (*RepoStatus, error)
	DeleteRepo(ctx context.Context, repoID string) error
}

type client struct {
	log        *logger.Logger
	baseURL    string
	apiToken   string
	namespace  string
	httpClient *http.Client
}

func New(log *logger.Logger) (Client, error) {
	apiToken := os.Getenv("HUGGINGFACE_API_TOKEN")
	if apiToken == "" {
		return nil, fmt.Errorf("missing HUGGINGFACE_API_TOKEN")
	}
	namespace := os.Getenv("HUGGINGFACE_NAMESPACE")
	if namespace == "" {
		return nil, fmt.Errorf("missing HUGGINGFACE_NAMESPACE")
	}

	baseURL := os.Getenv("HUGGINGFACE_BASE_URL")
	if baseURL == "" {
		baseURL = "https://huggingface.co"
	}

	// Weight uploads move real model files; the timeout is generous.
	timeoutSec := 300
	if v := os.Getenv("HUGGINGFACE_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && parsed > 0 {
			timeoutSec = parsed
		}
	}

	return &client{
		log:        log.With("client", "HuggingFaceClient"),
		baseURL:    baseURL,
		apiToken:   apiToken,
		namespace:  namespace,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("huggingface http %d: %s", e.StatusCode, e.Body)
}

func (c *client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

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
		return fmt.Errorf("huggingface decode error: %w; raw=%s", uErr, string(raw))
	}
	return nil
}

type createRepoRequest struct {
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Type         string `json:"type"`
	Private      bool   `json:"private"`
}

// EnsureRepo creates the model repo if it does not already exist and returns
// the fully-qualified repo id. An already-existing repo is not an error, so a
// retried publish after a crashed process converges instead of failing.
func (c *client) EnsureRepo(ctx context.Context, repoName string) (string, error) {
	if repoName == "" {
		return "", fmt.Errorf("repo name required")
	}
	repoID := c.namespace + "/" + repoName

	body, err := json.Marshal(createRepoRequest{
		Name:         repoName,
		Organization: c.namespace,
		Type:         "model",
		Private:      true,
	})
	if err != nil {
		return "", err
	}
	err = c.do(ctx, http.MethodPost, "/api/repos/create", "application/json", bytes.NewReader(body), nil)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict {
			c.log.Debug("Repo already exists", "repo_id", repoID)
			return repoID, nil
		}
		return "", err
	}
	return repoID, nil
}

type commitHeader struct {
	Summary string `json:"summary"`
}

type commitFile struct {
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

type commitLine struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// UploadWeights streams the trained weights from the provider's output URL and
// commits them into the hosting repo as a single file.
func (c *client) UploadWeights(ctx context.Context, repoID string, filename string, weightsURL string) (*PublishResult, error) {
	if repoID == "" {
		return nil, fmt.Errorf("repo id required")
	}
	if filename == "" {
		filename = "lora.safetensors"
	}
	if weightsURL == "" {
		return nil, fmt.Errorf("weights url required")
	}

	weights, err := c.fetchWeights(ctx, weightsURL)
	if err != nil {
		return nil, fmt.Errorf("fetch weights: %w", err)
	}

	var ndjson bytes.Buffer
	enc := json.NewEncoder(&ndjson)
	if err := enc.Encode(commitLine{Key: "header", Value: commitHeader{Summary: "Upload trained LoRA weights"}}); err != nil {
		return nil, err
	}
	if err := enc.Encode(commitLine{Key: "file", Value: commitFile{
		Path:     filename,
		Encoding: "base64",
		Content:  base64.StdEncoding.EncodeToString(weights),
	}}); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/api/models/%s/commit/main", repoID)
	if err := c.do(ctx, http.MethodPost, path, "application/x-ndjson", &ndjson, nil); err != nil {
		return nil, err
	}

	c.log.Info("Weights uploaded", "repo_id", repoID, "file", filename, "bytes", len(weights))
	return &PublishResult{
		RepoID:  repoID,
		RepoURL: c.baseURL + "/" + repoID,
	}, nil
}

type modelInfoResponse struct {
	ID       string `json:"id"`
	Siblings []struct {
		Rfilename string `json:"rfilename"`
	} `json:"siblings"`
}

func (c *client) GetRepoStatus(ctx context.Context, repoID string) (*RepoStatus, error) {
	if repoID == "" {
		return nil, fmt.Errorf("repo id required")
	}
	var info modelInfoResponse
	err := c.do(ctx, http.MethodGet, "/api/models/"+repoID, "", nil, &info)
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return &RepoStatus{RepoExists: false, ModelReady: false}, nil
		}
		return nil, err
	}
	ready := false
	for _, s := range info.Siblings {
		if strings.HasSuffix(s.Rfilename, ".safetensors") {
			ready = true
			break
		}
	}
	return &RepoStatus{RepoExists: true, ModelReady: ready}, nil
}

type deleteRepoRequest struct {
	Name         string `json:"name"`
	Organization string `json:"organization,omitempty"`
	Type         string `json:"type"`
}

func (c *client) DeleteRepo(ctx context.Context, repoID string) error {
	if repoID == "" {
		return fmt.Errorf("repo id required")
	}
	name := repoID
	org := ""
	if i := strings.IndexByte(repoID, '/'); i >= 0 {
		org = repoID[:i]
		name = repoID[i+1:]
	}
	body, err := json.Marshal(deleteRepoRequest{Name: name, Organization: org, Type: "model"})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodDelete, "/api/repos/delete", "application/json", bytes.NewReader(body), nil)
}

func (c *client) fetchWeights(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("weights download http %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
