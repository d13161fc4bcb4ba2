// Package extract recovers image URLs from free-form model replies.
package extract

import (
	"net/url"
	"regexp"
	"strings"
)

// Family identifies the matching strategy that produced a URL.
type Family int

const (
	FamilyMarkdown Family = iota + 1
	FamilyInline
	FamilyCDN
	FamilyImageExtension
	FamilyImageHint
)

var (
	markdownPattern = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^\s)]+)(?:\s+"[^"]*")?\)`)
	// Inline replies look like "|>![image](url)" or "|>url".
	inlinePattern = regexp.MustCompile(`\|>\s*(?:!\[[^\]]*\]\()?(https?://[^\s)]+)`)
	cdnPattern    = regexp.MustCompile("https?://cloudflarer?2?\\.nananobanana\\.com/[^\\s)<>\"{}|\\\\^`\\[\\]]+")
	barePattern   = regexp.MustCompile("https?://[^\\s<>\"'{}|\\\\^`\\[\\]()]+")

	trailingPunct = regexp.MustCompile(`[)\]}>.,;:!?'"]+$`)

	imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg"}
	imageHints      = []string{"image", "img", "photo", "picture", "pic", "generated", "render", "media", "cdn", "upload"}
)

// Match is a cleaned URL with the family that first produced it.
type Match struct {
	URL    string
	Family Family
}

// Extract returns the de-duplicated image URLs found in raw, in first-seen
// order across families. It never fails; unrecognized text yields nil.
func Extract(raw string) []string {
	matches := ExtractMatches(raw)
	if len(matches) == 0 {
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.URL)
	}
	return out
}

// ExtractMatches is Extract with the producing family attached to each URL.
func ExtractMatches(raw string) []Match {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	c := collector{seen: map[string]struct{}{}}

	for _, sub := range markdownPattern.FindAllStringSubmatch(raw, -1) {
		c.add(sub[1], FamilyMarkdown)
	}
	for _, sub := range inlinePattern.FindAllStringSubmatch(raw, -1) {
		c.add(sub[1], FamilyInline)
	}
	for _, hit := range cdnPattern.FindAllString(raw, -1) {
		c.add(hit, FamilyCDN)
	}

	bare := barePattern.FindAllString(raw, -1)
	for _, hit := range bare {
		if hasImageExtension(Clean(hit)) {
			c.add(hit, FamilyImageExtension)
		}
	}
	for _, hit := range bare {
		if hasImageHint(Clean(hit)) {
			c.add(hit, FamilyImageHint)
		}
	}
	return c.out
}

// Clean strips trailing punctuation and brackets left over from prose or markup.
func Clean(candidate string) string {
	return trailingPunct.ReplaceAllString(strings.TrimSpace(candidate), "")
}

type collector struct {
	seen map[string]struct{}
	out  []Match
}

func (c *collector) add(candidate string, family Family) {
	cleaned := Clean(candidate)
	if !strings.HasPrefix(cleaned, "http://") && !strings.HasPrefix(cleaned, "https://") {
		return
	}
	if _, err := url.Parse(cleaned); err != nil {
		return
	}
	if _, ok := c.seen[cleaned]; ok {
		return
	}
	c.seen[cleaned] = struct{}{}
	c.out = append(c.out, Match{URL: cleaned, Family: family})
}

func hasImageExtension(raw string) bool {
	path := raw
	if idx := strings.IndexAny(path, "?#"); idx >= 0 {
		path = path[:idx]
	}
	path = strings.ToLower(path)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func hasImageHint(raw string) bool {
	lower := strings.ToLower(raw)
	for _, hint := range imageHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
