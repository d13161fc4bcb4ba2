package image

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// PlaceholderMarker tags every synthetic URL so downstream consumers can drop them.
const PlaceholderMarker = "placeholder"

const defaultPlaceholderBaseURL = "https://picsum.photos/seed"

// PlaceholderOptions configures the synthetic generator.
type PlaceholderOptions struct {
	BaseURL string
	Delay   time.Duration
}

// Placeholder produces deterministic synthetic URLs without any network call.
type Placeholder struct {
	baseURL string
	delay   time.Duration
}

func NewPlaceholder(opts PlaceholderOptions) *Placeholder {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = defaultPlaceholderBaseURL
	}
	return &Placeholder{baseURL: base, delay: opts.Delay}
}

func (p *Placeholder) Name() string { return PlaceholderMarker }

func (p *Placeholder) Generate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	count := normalizeCount(req.Count)
	images := make([]string, count)
	for i := range images {
		seed := deterministicSeed(req.Prompt, req.NegativePrompt, i)
		images[i] = fmt.Sprintf("%s/%s-%d-%d/1024/1024", p.baseURL, PlaceholderMarker, seed, i+1)
	}
	if p.delay > 0 {
		timer := time.NewTimer(p.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	return Response{Images: images}, nil
}

// IsPlaceholder reports whether url was produced by a Placeholder.
func IsPlaceholder(url string) bool {
	return strings.Contains(strings.ToLower(url), PlaceholderMarker)
}

func deterministicSeed(values ...any) int {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		parts = append(parts, fmt.Sprint(v))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	n := binary.BigEndian.Uint32(sum[:4]) % 2147483647
	if n == 0 {
		n = binary.BigEndian.Uint32(sum[4:8])%2147483646 + 1
	}
	return int(n)
}

var _ Adapter = (*Placeholder)(nil)
