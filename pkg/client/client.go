// Package client talks to the generation API: it submits module requests and
// polls task status until a terminal state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Task statuses reported by the server.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ErrTaskNotFound is returned when the server answers 404 for a task id.
var ErrTaskNotFound = errors.New("task not found")

// APIError is a non-2xx answer carrying the server's envelope message.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api status %d", e.StatusCode)
	}
	return fmt.Sprintf("api status %d: %s", e.StatusCode, e.Message)
}

// Submission is the data returned by POST /generate/{module}.
type Submission struct {
	TaskID        string          `json:"taskId"`
	EstimatedTime int             `json:"estimatedTime"`
	Images        []string        `json:"images"`
	UsedPrompt    string          `json:"usedPrompt"`
	Parameters    json.RawMessage `json:"parameters"`
}

// Result is attached to completed tasks.
type Result struct {
	Images     []string        `json:"images"`
	UsedPrompt string          `json:"usedPrompt"`
	Parameters json.RawMessage `json:"parameters"`
}

// Status is one snapshot of a task.
type Status struct {
	TaskID   string   `json:"taskId"`
	Status   string   `json:"status"`
	Progress int      `json:"progress"`
	Result   *Result  `json:"result,omitempty"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
}

// Terminal reports whether the task will not change any more.
func (s Status) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// Images returns the non-empty result images of a completed task.
func (s Status) Images() []string {
	if s.Result == nil {
		return nil
	}
	out := make([]string, 0, len(s.Result.Images))
	for _, img := range s.Result.Images {
		if strings.TrimSpace(img) != "" {
			out = append(out, img)
		}
	}
	return out
}

type envelope struct {
	Code      int             `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
	RequestID string          `json:"requestId"`
}

// Client is a thin typed wrapper over the HTTP API.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a client for baseURL with a 30s request timeout.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Generate submits body to the module endpoint. body is encoded as JSON unless
// it is already a []byte or json.RawMessage.
func (c *Client) Generate(ctx context.Context, module string, body any) (Submission, error) {
	var raw []byte
	switch b := body.(type) {
	case nil:
		raw = []byte("{}")
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	default:
		var err error
		if raw, err = json.Marshal(body); err != nil {
			return Submission{}, fmt.Errorf("encode request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("generate", module), bytes.NewReader(raw))
	if err != nil {
		return Submission{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var sub Submission
	if err := c.do(req, &sub); err != nil {
		return Submission{}, fmt.Errorf("generate %s: %w", module, err)
	}
	if sub.TaskID == "" {
		return Submission{}, fmt.Errorf("generate %s: response has no task id", module)
	}
	return sub, nil
}

// Status fetches the current state of taskID.
func (c *Client) Status(ctx context.Context, taskID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("task", taskID, "status"), nil)
	if err != nil {
		return Status{}, err
	}
	var st Status
	if err := c.do(req, &st); err != nil {
		return Status{}, fmt.Errorf("task %s status: %w", taskID, err)
	}
	return st, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.BaseURL + "/" + strings.Join(escaped, "/")
}

func (c *Client) do(req *http.Request, out any) error {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode == http.StatusNotFound {
		return ErrTaskNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Message
		if decodeErr != nil {
			msg = strings.TrimSpace(string(body))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
