package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the SnapDeploy control API for interactive tools.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	streamClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client. Log streams reuse its
// transport without the request timeout.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
			c.streamClient = &http.Client{Transport: h.Transport}
		}
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:9000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:      strings.TrimRight(trimmed, "/"),
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		streamClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
	// DeploymentID is set when the API recorded a deployment before failing.
	DeploymentID string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	if body == nil {
		return apiErr
	}
	var payload struct {
		Error        string `json:"error"`
		DeploymentID string `json:"deploymentId"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(payload.Error)
	apiErr.DeploymentID = payload.DeploymentID
	return apiErr
}

// Deployment represents API deployment payloads.
type Deployment struct {
	ID          string     `json:"deploymentId"`
	ProjectID   string     `json:"projectId"`
	Status      string     `json:"status"`
	WorkerRef   string     `json:"workerRef"`
	Error       string     `json:"error"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt"`
}

// Terminal reports whether the deployment finished.
func (d Deployment) Terminal() bool {
	return d.Status == "READY" || d.Status == "FAILED"
}

// TriggerDeployment requests a new deployment for the project.
func (c *Client) TriggerDeployment(ctx context.Context, token, projectID string) (Deployment, error) {
	body := map[string]string{"projectId": projectID}
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, "/deployments", body, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// GetDeployment fetches a deployment's current state.
func (c *Client) GetDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(deploymentID))
	var deployment Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// ReconcileDeployment asks the API to re-read the worker state.
func (c *Client) ReconcileDeployment(ctx context.Context, token, deploymentID string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s/reconcile", url.PathEscape(deploymentID))
	var deployment Deployment
	if err := c.do(ctx, http.MethodPost, path, nil, token, &deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// LogEvent models one deployment log line.
type LogEvent struct {
	EventID      string    `json:"eventId"`
	DeploymentID string    `json:"deploymentId"`
	Log          string    `json:"log"`
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
}

// FetchLogs returns the stored log history of the deployment.
func (c *Client) FetchLogs(ctx context.Context, token, deploymentID string) ([]LogEvent, error) {
	path := fmt.Sprintf("/logs/%s", url.PathEscape(deploymentID))
	var resp struct {
		Logs []LogEvent `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}
