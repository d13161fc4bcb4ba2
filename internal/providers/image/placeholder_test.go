package image

import (
	"context"
	"strings"
	"testing"
)

func TestPlaceholderIsDeterministic(t *testing.T) {
	p := NewPlaceholder(PlaceholderOptions{})
	req := Request{Prompt: "red fox in snow", Count: 3}
	first, err := p.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate error: %v", err)
	}
	second, _ := p.Generate(context.Background(), req)
	if len(first.Images) != 3 {
		t.Fatalf("expected 3 images, got %d", len(first.Images))
	}
	for i := range first.Images {
		if first.Images[i] != second.Images[i] {
			t.Fatalf("image %d differs between calls", i)
		}
		if !IsPlaceholder(first.Images[i]) {
			t.Fatalf("image %q lacks placeholder marker", first.Images[i])
		}
		if !strings.HasPrefix(first.Images[i], "https://picsum.photos/seed/placeholder-") {
			t.Fatalf("unexpected url %q", first.Images[i])
		}
	}
	if first.Images[0] == first.Images[1] {
		t.Fatalf("images within one call must differ")
	}
}

func TestPlaceholderDefaultsCountAndHonorsContext(t *testing.T) {
	p := NewPlaceholder(PlaceholderOptions{BaseURL: "https://img.local/"})
	res, err := p.Generate(context.Background(), Request{Prompt: "x"})
	if err != nil || len(res.Images) != 1 || !strings.HasPrefix(res.Images[0], "https://img.local/placeholder-") {
		t.Fatalf("unexpected result %#v err=%v", res, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Generate(ctx, Request{Prompt: "x"}); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestIsPlaceholder(t *testing.T) {
	if IsPlaceholder("https://cdn.example.com/a.png") {
		t.Fatalf("real url flagged as placeholder")
	}
	if !IsPlaceholder("https://via.example.com/PLACEHOLDER/1") {
		t.Fatalf("marker match must be case-insensitive")
	}
}

func TestSelectorOrder(t *testing.T) {
	primary := NewChatAdapter(ChatOptions{APIKey: "p"})
	secondary := NewRouterAdapter(RouterOptions{ChatOptions: ChatOptions{APIKey: "s"}})
	placeholder := NewPlaceholder(PlaceholderOptions{})

	tests := []struct {
		name string
		sel  Selector
		want string
	}{
		{name: "primary wins", sel: Selector{Primary: primary, Secondary: secondary, Placeholder: placeholder}, want: "primary"},
		{name: "secondary when primary unconfigured", sel: Selector{Primary: NewChatAdapter(ChatOptions{}), Secondary: secondary, Placeholder: placeholder}, want: "secondary"},
		{name: "placeholder when nothing configured", sel: Selector{Primary: NewChatAdapter(ChatOptions{}), Secondary: NewRouterAdapter(RouterOptions{}), Placeholder: placeholder}, want: PlaceholderMarker},
		{name: "implicit placeholder", sel: Selector{}, want: PlaceholderMarker},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sel.Select().Name(); got != tc.want {
				t.Fatalf("Select() = %q, want %q", got, tc.want)
			}
		})
	}
}
