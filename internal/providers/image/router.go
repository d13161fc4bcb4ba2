package image

import (
	"context"
	"fmt"
	"strings"

	"genstudio/internal/domain"
	"genstudio/internal/extract"
)

// RouterOptions configures the secondary, OpenRouter-style back end.
type RouterOptions struct {
	ChatOptions
	Referer string
	Title   string
}

// RouterAdapter asks a routed multimodal model for images. Structured image
// parts win; otherwise URLs are recovered from the reply text.
type RouterAdapter struct {
	client chatClient
}

func NewRouterAdapter(opts RouterOptions) *RouterAdapter {
	client := newChatClient(opts.ChatOptions, "secondary", "https://openrouter.ai/api/v1", "google/gemini-2.5-flash-image-preview")
	client.modalities = []string{"image", "text"}
	client.headers = map[string]string{
		"HTTP-Referer": strings.TrimSpace(opts.Referer),
		"X-Title":      strings.TrimSpace(opts.Title),
	}
	return &RouterAdapter{client: client}
}

func (a *RouterAdapter) Name() string     { return a.client.name }
func (a *RouterAdapter) Model() string    { return a.client.model }
func (a *RouterAdapter) Configured() bool { return a.client.apiKey != "" }

func (a *RouterAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	reply, err := a.client.complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	var images []string
	seen := map[string]struct{}{}
	for _, u := range reply.images {
		if !usableImageRef(u) {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		images = append(images, u)
	}
	if len(images) == 0 {
		images = extract.Extract(reply.text)
	}
	if len(images) == 0 {
		return Response{Raw: reply.text}, fmt.Errorf("%s: %w", a.client.name, domain.ErrNoImages)
	}
	return Response{Images: images, Raw: reply.text}, nil
}

func usableImageRef(u string) bool {
	lower := strings.ToLower(u)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "data:image/")
}

var _ Adapter = (*RouterAdapter)(nil)
