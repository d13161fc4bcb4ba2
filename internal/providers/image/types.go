package image

import (
	"context"
	"errors"
	"strings"
)

// ErrMissingAPIKey is returned by network adapters that have no credentials.
var ErrMissingAPIKey = errors.New("provider api key missing")

// Request describes a normalized generation call passed to any adapter.
type Request struct {
	TaskID          string
	Prompt          string
	NegativePrompt  string
	ReferenceImages []string
	Count           int
}

// Response carries the image URLs an adapter produced and the raw reply text.
type Response struct {
	Images []string
	Raw    string
}

// Adapter is the contract implemented by all image back ends.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
}

// configurable is implemented by adapters that may lack credentials.
type configurable interface {
	Configured() bool
}

// Selector resolves which adapter serves a task.
type Selector struct {
	Primary     Adapter
	Secondary   Adapter
	Placeholder Adapter
}

// Select returns the primary adapter when configured, else the secondary,
// else the placeholder.
func (s Selector) Select() Adapter {
	for _, a := range []Adapter{s.Primary, s.Secondary} {
		if isConfigured(a) {
			return a
		}
	}
	if s.Placeholder != nil {
		return s.Placeholder
	}
	return NewPlaceholder(PlaceholderOptions{})
}

// Fallback returns the placeholder adapter used after a real back end gives up.
func (s Selector) Fallback() Adapter {
	if s.Placeholder != nil {
		return s.Placeholder
	}
	return NewPlaceholder(PlaceholderOptions{})
}

func isConfigured(a Adapter) bool {
	if a == nil {
		return false
	}
	if c, ok := a.(configurable); ok {
		return c.Configured()
	}
	return true
}

func normalizeCount(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
