package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manimstudio/api/internal/config"
	"github.com/manimstudio/api/internal/model"
)

// RenderErrorKind classifies render failures
type RenderErrorKind string

const (
	RenderErrorConfig  RenderErrorKind = "config"
	RenderErrorTimeout RenderErrorKind = "timeout"
	RenderErrorNetwork RenderErrorKind = "network"
	RenderErrorRemote  RenderErrorKind = "remote"
)

// RenderError is a classified failure from the render service
type RenderError struct {
	Kind       RenderErrorKind
	Message    string
	Logs       string
	StatusCode int
	Retriable  bool
}

func (e *RenderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("render %s error (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("render %s error: %s", e.Kind, e.Message)
}

// maxReasonLogs bounds how much renderer output is kept in a failure reason
const maxReasonLogs = 2000

// FailureReason describes err for the project's error reason, ending with the
// tail of the renderer's logs when there are any.
func FailureReason(err error) string {
	var rerr *RenderError
	if !errors.As(err, &rerr) || rerr.Logs == "" {
		return err.Error()
	}
	logs := rerr.Logs
	if len(logs) > maxReasonLogs {
		logs = "..." + logs[len(logs)-maxReasonLogs:]
	}
	return rerr.Error() + "\n" + logs
}

// IsRetriable reports whether err is worth another attempt.
// Unclassified errors are treated as transient.
func IsRetriable(err error) bool {
	var rerr *RenderError
	if errors.As(err, &rerr) {
		return rerr.Retriable
	}
	return err != nil
}

// RenderRequest is one render of a job's source
type RenderRequest struct {
	JobID   string
	Source  string
	Options model.RenderOptions
}

// RenderResult is a finished render
type RenderResult struct {
	VideoURL string
}

type renderBody struct {
	Code       string `json:"code"`
	JobID      string `json:"job_id"`
	Quality    string `json:"quality"`
	Resolution string `json:"resolution"`
	FPS        int    `json:"fps"`
}

type renderResponse struct {
	VideoURL  string `json:"video_url"`
	Error     string `json:"error"`
	Logs      string `json:"logs"`
	Retriable *bool  `json:"retriable"`
}

// RendererClient calls the external render service
type RendererClient struct {
	httpClient *http.Client
	url        string
	timeout    time.Duration
}

// NewRendererClient creates a new render service client
func NewRendererClient(cfg *config.RendererConfig) *RendererClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &RendererClient{
		httpClient: &http.Client{},
		url:        cfg.URL,
		timeout:    timeout,
	}
}

// placeholderURL ships in deployment templates in place of a real render service
const placeholderURL = "USER_MUST_PROVIDE_THIS_URL"

// IsConfigured returns true if a render service URL is set
func (c *RendererClient) IsConfigured() bool {
	url := strings.TrimSpace(c.url)
	return url != "" && url != placeholderURL
}

// Render posts the source and waits for the video location.
// The job id is sent as Idempotency-Key so a redelivered job can be recognised remotely.
func (c *RendererClient) Render(ctx context.Context, r *RenderRequest) (*RenderResult, error) {
	if !c.IsConfigured() {
		return nil, &RenderError{
			Kind:    RenderErrorConfig,
			Message: "render service is not configured, set RENDERER_URL",
		}
	}

	opts := r.Options.WithDefaults()
	bodyBytes, err := json.Marshal(renderBody{
		Code:       r.Source,
		JobID:      r.JobID,
		Quality:    string(opts.Quality),
		Resolution: opts.Resolution,
		FPS:        opts.FPS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, &RenderError{Kind: RenderErrorConfig, Message: fmt.Sprintf("invalid render service URL: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", r.JobID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	var result renderResponse
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil && resp.StatusCode < 300 {
			return nil, &RenderError{
				Kind:       RenderErrorRemote,
				Message:    "render service returned malformed response",
				StatusCode: resp.StatusCode,
			}
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if result.VideoURL != "" {
			return &RenderResult{VideoURL: result.VideoURL}, nil
		}
		msg := result.Error
		if msg == "" {
			msg = "unknown rendering error from render service"
		}
		return nil, &RenderError{
			Kind:       RenderErrorRemote,
			Message:    msg,
			Logs:       result.Logs,
			StatusCode: resp.StatusCode,
			Retriable:  result.Retriable != nil && *result.Retriable,
		}
	}

	return nil, classifyStatus(resp.StatusCode, &result)
}

func classifyStatus(status int, result *renderResponse) *RenderError {
	msg := result.Error
	if msg == "" {
		msg = http.StatusText(status)
	}

	rerr := &RenderError{
		Kind:       RenderErrorRemote,
		Message:    msg,
		Logs:       result.Logs,
		StatusCode: status,
	}

	switch {
	case result.Retriable != nil:
		rerr.Retriable = *result.Retriable
	case result.Logs != "":
		// the renderer ran the source and it failed; running it again will not help
		rerr.Retriable = false
	case status == http.StatusTooManyRequests || status >= 500:
		rerr.Retriable = true
	}
	return rerr
}

func classifyTransportError(ctx context.Context, err error) *RenderError {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &RenderError{
			Kind:      RenderErrorTimeout,
			Message:   "render request timed out, the animation may be too complex",
			Retriable: true,
		}
	}
	return &RenderError{
		Kind:      RenderErrorNetwork,
		Message:   fmt.Sprintf("cannot reach render service: %v", err),
		Retriable: true,
	}
}
