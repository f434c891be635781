package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"flowwatch/internal/protocol"
)

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

type Submission struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

type submitRequest struct {
	Goal       string         `json:"goal"`
	Parameters map[string]any `json:"parameters"`
}

type submitResponse struct {
	TaskID      string `json:"task_id"`
	TaskIDCamel string `json:"taskId"`
	Status      string `json:"status"`
}

type resumeRequest struct {
	Decision protocol.Decision `json:"decision"`
}

var ErrMissingTaskID = errors.New("backend: submission response without task id")

type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL must have a host, got: %s", base)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var rc *resty.Client
	if opts.HTTPClient != nil {
		rc = resty.NewWithClient(opts.HTTPClient)
	} else {
		rc = resty.New()
	}
	rc.SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if token := strings.TrimSpace(opts.Token); token != "" {
		rc.SetAuthToken(token)
	}
	return &Client{http: rc, logger: logger}, nil
}

func (c *Client) SubmitTask(ctx context.Context, goal string, params map[string]any) (Submission, error) {
	if params == nil {
		params = map[string]any{}
	}
	var out submitResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(submitRequest{Goal: goal, Parameters: params}).
		SetResult(&out).
		SetError(&APIError{}).
		Post("/tasks")
	if err != nil {
		return Submission{}, fmt.Errorf("submit task: %w", err)
	}
	if err := asAPIError(resp); err != nil {
		return Submission{}, err
	}
	sub := Submission{TaskID: strings.TrimSpace(out.TaskID), Status: out.Status}
	if sub.TaskID == "" {
		sub.TaskID = strings.TrimSpace(out.TaskIDCamel)
	}
	if sub.TaskID == "" {
		return Submission{}, ErrMissingTaskID
	}
	c.logger.Debug("task submitted", "task_id", sub.TaskID, "status", sub.Status)
	return sub, nil
}

func (c *Client) ResumeWorkflow(ctx context.Context, workflowRunID string, decision protocol.Decision) error {
	workflowRunID = strings.TrimSpace(workflowRunID)
	if workflowRunID == "" {
		return errors.New("workflow run id is required")
	}
	if !decision.Valid() {
		return fmt.Errorf("invalid decision %q", decision)
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("runID", workflowRunID).
		SetBody(resumeRequest{Decision: decision}).
		SetError(&APIError{}).
		Post("/workflows/{runID}/resume")
	if err != nil {
		return fmt.Errorf("resume workflow: %w", err)
	}
	if err := asAPIError(resp); err != nil {
		return err
	}
	c.logger.Debug("workflow resumed", "workflow_run_id", workflowRunID, "decision", string(decision))
	return nil
}

func asAPIError(resp *resty.Response) error {
	if resp.StatusCode() < 400 {
		return nil
	}
	if apiErr, ok := resp.Error().(*APIError); ok && apiErr != nil && apiErr.Message != "" {
		apiErr.StatusCode = resp.StatusCode()
		return apiErr
	}
	msg := strings.TrimSpace(resp.String())
	if msg == "" {
		msg = http.StatusText(resp.StatusCode())
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg}
}
