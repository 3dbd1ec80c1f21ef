package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridianlabs/meridian/internal/models"
	"github.com/meridianlabs/meridian/internal/parser"
)

var (
	// ErrNotFoundYet marks an artifact that legitimately does not exist
	// before the job reaches the relevant phase. Callers must treat it as
	// expected and never fast-retry it.
	ErrNotFoundYet = errors.New("artifact not available yet")
)

// Client is a thin HTTP wrapper around the remote research job runner.
// It owns no workflow logic; phase sequencing lives in internal/workflow.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	// Bounded retry for idempotent reads (status polling). Writes that
	// advance a phase are never retried here.
	readRetries    int
	readRetryDelay time.Duration
}

// Options tunes the retry policy for idempotent reads. Non-positive
// values take the defaults (3 retries, 500ms apart).
type Options struct {
	ReadRetries    int
	ReadRetryDelay time.Duration
}

// NewClient creates a runner client. A nil http.Client gets a default with
// a 30s timeout, matching the runner's slowest synchronous endpoints.
func NewClient(baseURL string, httpClient *http.Client, logger *zap.Logger, opts Options) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = 3
	}
	if opts.ReadRetryDelay <= 0 {
		opts.ReadRetryDelay = 500 * time.Millisecond
	}
	return &Client{
		baseURL:        baseURL,
		httpClient:     httpClient,
		logger:         logger,
		readRetries:    opts.ReadRetries,
		readRetryDelay: opts.ReadRetryDelay,
	}
}

// BaseURL returns the configured runner endpoint.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateSessionRequest is the body for the create-session endpoint.
type CreateSessionRequest struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Topic       string   `json:"topic"`
	Tags        []string `json:"tags,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// CreateSession creates a durable session on the runner and returns its id.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (string, error) {
	var resp createSessionResponse
	if err := c.postJSON(ctx, "/api/sessions", req, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.SessionID == "" {
		return "", fmt.Errorf("create session: runner returned empty session id")
	}
	return resp.SessionID, nil
}

// SectionedResponse is the common response shape of the generation
// endpoints: either a list of titled sections or a single summary string.
type SectionedResponse struct {
	Sections []parser.Section `json:"sections,omitempty"`
	Summary  string           `json:"summary,omitempty"`
	Sources  []models.Source  `json:"sources,omitempty"`
}

// GenerateQuestionsRequest asks the runner for clarifying questions on a
// research topic.
type GenerateQuestionsRequest struct {
	Prompt        string                 `json:"prompt"`
	ModelsConfig  map[string]interface{} `json:"models_config,omitempty"`
	ExecutionMode string                 `json:"execution_mode,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
}

// GenerateQuestions runs the question-generation phase.
func (c *Client) GenerateQuestions(ctx context.Context, req GenerateQuestionsRequest) (*SectionedResponse, error) {
	var resp SectionedResponse
	if err := c.postJSON(ctx, "/api/research/questions", req, &resp); err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}
	return &resp, nil
}

// CreatePlanRequest asks the runner for a report plan given the user's
// feedback on the clarifying questions.
type CreatePlanRequest struct {
	Topic     string   `json:"topic"`
	Questions []string `json:"questions,omitempty"`
	Feedback  string   `json:"feedback,omitempty"`
	Request   string   `json:"request,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
}

// CreatePlan runs the planning phase.
func (c *Client) CreatePlan(ctx context.Context, req CreatePlanRequest) (*SectionedResponse, error) {
	var resp SectionedResponse
	if err := c.postJSON(ctx, "/api/research/plan", req, &resp); err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	return &resp, nil
}

// ExecuteResearchRequest kicks off the batched research execution.
type ExecuteResearchRequest struct {
	Topic     string `json:"topic"`
	Plan      string `json:"plan"`
	Request   string `json:"request,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// ExecuteResearch runs the research phase; the call is synchronous from the
// client's perspective and returns one section per completed search task.
func (c *Client) ExecuteResearch(ctx context.Context, req ExecuteResearchRequest) (*SectionedResponse, error) {
	var resp SectionedResponse
	if err := c.postJSON(ctx, "/api/research/execute", req, &resp); err != nil {
		return nil, fmt.Errorf("execute research: %w", err)
	}
	return &resp, nil
}

// FinalReportRequest asks the runner to synthesize the final report from
// accumulated findings.
type FinalReportRequest struct {
	Topic       string `json:"topic"`
	Plan        string `json:"plan"`
	Findings    string `json:"findings"`
	Requirement string `json:"requirement,omitempty"`
	Request     string `json:"request,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
}

// FinalReport runs the report-writing phase.
func (c *Client) FinalReport(ctx context.Context, req FinalReportRequest) (*SectionedResponse, error) {
	var resp SectionedResponse
	if err := c.postJSON(ctx, "/api/research/report", req, &resp); err != nil {
		return nil, fmt.Errorf("final report: %w", err)
	}
	return &resp, nil
}

// StatusResponse is the polled job status.
type StatusResponse struct {
	Status             string  `json:"status"`
	ProgressPercentage float64 `json:"progress_percentage,omitempty"`
	CurrentStep        string  `json:"current_step,omitempty"`
}

// GetStatus fetches the current job status. Transient failures are retried
// a bounded number of times; a 404 maps to ErrNotFoundYet and is returned
// immediately.
func (c *Client) GetStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.getJSONWithRetry(ctx, "/api/research/status/"+jobID, &resp); err != nil {
		return nil, fmt.Errorf("get status: %w", err)
	}
	return &resp, nil
}

// GetSessionSummary fetches the one-shot session summary, normally on the
// first observed terminal transition.
func (c *Client) GetSessionSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	var resp models.SessionSummary
	if err := c.getJSONWithRetry(ctx, "/api/sessions/"+sessionID+"/summary", &resp); err != nil {
		return nil, fmt.Errorf("get session summary: %w", err)
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSONWithRetry(ctx context.Context, path string, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.readRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.readRetryDelay):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		err = c.do(req, out)
		if err == nil {
			return nil
		}
		// Not-found-yet is an expected condition, not a transient fault.
		if errors.Is(err, ErrNotFoundYet) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		c.logger.Debug("retrying idempotent read",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return lastErr
}

func (c *Client) do(req *http.Request, out interface{}) error {
	reqID := uuid.New().String()
	req.Header.Set("X-Request-ID", reqID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFoundYet
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Read a bounded slice of the body for the error message.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("runner returned error status",
			zap.String("request_id", reqID),
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
		)
		return fmt.Errorf("runner returned status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
