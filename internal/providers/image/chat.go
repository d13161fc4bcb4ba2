package image

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

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/extract"
	"genstudio/internal/infra"
)

const (
	defaultChatTimeout   = 60 * time.Second
	defaultChatMaxTokens = 4000
	defaultTemperature   = 0.7
)

// ChatOptions configures an OpenAI-compatible chat completions back end.
type ChatOptions struct {
	Name       string
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *infra.Logger
}

type chatClient struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	logger     *infra.Logger
	headers    map[string]string
	modalities []string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Modalities  []string      `json:"modalities,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content chatContent `json:"content"`
			Images  []struct {
				ImageURL chatImageURL `json:"image_url"`
			} `json:"images"`
		} `json:"message"`
	} `json:"choices"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// chatContent accepts either a plain string or an array of typed parts.
type chatContent string

func (c *chatContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = chatContent(s)
		return nil
	}
	var parts []chatPart
	if err := json.Unmarshal(data, &parts); err != nil {
		if string(data) == "null" {
			*c = ""
			return nil
		}
		return err
	}
	var sb strings.Builder
	for _, p := range parts {
		if p.Text != "" {
			sb.WriteString(p.Text)
			sb.WriteString("\n")
		}
		if p.ImageURL != nil && p.ImageURL.URL != "" {
			fmt.Fprintf(&sb, "![image](%s)\n", p.ImageURL.URL)
		}
	}
	*c = chatContent(strings.TrimSpace(sb.String()))
	return nil
}

type chatReply struct {
	text   string
	images []string
}

func newChatClient(opts ChatOptions, defaultName, defaultBaseURL, defaultModel string) chatClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultChatTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = defaultName
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return chatClient{
		name:       name,
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		timeout:    timeout,
		httpClient: client,
		logger:     logger,
	}
}

func (c *chatClient) complete(ctx context.Context, req Request) (chatReply, error) {
	if c.apiKey == "" {
		return chatReply{}, ErrMissingAPIKey
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: buildContent(req)}},
		MaxTokens:   defaultChatMaxTokens,
		Temperature: defaultTemperature,
		Modalities:  c.modalities,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return chatReply{}, fmt.Errorf("%s: encode request: %w", c.name, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return chatReply{}, fmt.Errorf("%s: build request: %w", c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		if v != "" {
			httpReq.Header.Set(k, v)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chatReply{}, fmt.Errorf("%s: request: %w", c.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return chatReply{}, fmt.Errorf("%s: read response: %w", c.name, err)
	}
	c.logger.Debug().
		Str("provider", c.name).
		Str("task_id", req.TaskID).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("provider responded")

	if resp.StatusCode >= 300 {
		msg := string(body)
		var apiErr chatErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return chatReply{}, fmt.Errorf("%s status %d: %s: %w", c.name, resp.StatusCode, truncate(msg, 200), domain.ErrProviderFailure)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return chatReply{}, fmt.Errorf("%s: decode response: %w", c.name, errors.Join(err, domain.ErrProviderFailure))
	}
	if len(out.Choices) == 0 {
		return chatReply{}, fmt.Errorf("%s: empty choices: %w", c.name, domain.ErrProviderFailure)
	}
	msg := out.Choices[0].Message
	reply := chatReply{text: strings.TrimSpace(string(msg.Content))}
	for _, img := range msg.Images {
		if u := strings.TrimSpace(img.ImageURL.URL); u != "" {
			reply.images = append(reply.images, u)
		}
	}
	return reply, nil
}

func buildContent(req Request) any {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(req.Prompt))
	if neg := strings.TrimSpace(req.NegativePrompt); neg != "" {
		sb.WriteString("\n\nAvoid: ")
		sb.WriteString(neg)
	}
	if req.Count > 1 {
		fmt.Fprintf(&sb, "\n\nGenerate %d images.", req.Count)
	}
	text := sb.String()

	refs := make([]string, 0, len(req.ReferenceImages))
	for _, r := range req.ReferenceImages {
		if r = strings.TrimSpace(r); r != "" {
			refs = append(refs, r)
		}
	}
	if len(refs) == 0 {
		return text
	}
	parts := make([]chatPart, 0, len(refs)+1)
	for _, r := range refs {
		parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: asDataURL(r)}})
	}
	return append(parts, chatPart{Type: "text", Text: text})
}

// asDataURL wraps raw base64 in a JPEG data URL; URLs pass through.
func asDataURL(ref string) string {
	lower := strings.ToLower(ref)
	if strings.HasPrefix(lower, "data:") || strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return ref
	}
	return "data:image/jpeg;base64," + ref
}

// ChatAdapter talks to the primary image-capable chat model and recovers URLs
// from its free-form reply.
type ChatAdapter struct {
	client chatClient
}

func NewChatAdapter(opts ChatOptions) *ChatAdapter {
	return &ChatAdapter{client: newChatClient(opts, "primary", "https://api.nananobanana.com/v1", "nano-banana")}
}

func (a *ChatAdapter) Name() string     { return a.client.name }
func (a *ChatAdapter) Model() string    { return a.client.model }
func (a *ChatAdapter) Configured() bool { return a.client.apiKey != "" }

func (a *ChatAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	reply, err := a.client.complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	images := extract.Extract(reply.text)
	if len(images) == 0 {
		return Response{Raw: reply.text}, fmt.Errorf("%s: %w", a.client.name, domain.ErrNoImages)
	}
	return Response{Images: images, Raw: reply.text}, nil
}

var _ Adapter = (*ChatAdapter)(nil)
