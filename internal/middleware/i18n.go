package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeCtxKey struct{}
type countryCtxKey struct{}

// Locales that have localized prompt defaults, in matcher order.
var (
	localeTags = []language.Tag{language.English, language.Indonesian, language.Chinese}
	localeKeys = []string{"en", "id", "zh"}
	matcher    = language.NewMatcher(localeTags)
)

var countryLocales = map[string]string{
	"ID": "id",
	"CN": "zh",
	"TW": "zh",
	"HK": "zh",
	"MO": "zh",
	"SG": "zh",
}

// Proxies and CDNs that already resolved the caller's country.
var countryHeaders = []string{"X-Country-Code", "X-IP-Country", "CF-IPCountry", "X-Appengine-Country"}

// CountryLookup resolves ISO country codes for an IP address.
type CountryLookup func(ip string) (string, error)

// I18N stores the request locale and, when known, the caller's country in
// the request context.
func I18N(defaultLocale string, lookup CountryLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			country := ResolveCountry(r, lookup)
			ctx := WithLocale(r.Context(), detectLocale(r, defaultLocale, country))
			if country != "" {
				ctx = context.WithValue(ctx, countryCtxKey{}, country)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithLocale returns a copy of ctx carrying locale.
func WithLocale(ctx context.Context, locale string) context.Context {
	return context.WithValue(ctx, localeCtxKey{}, locale)
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(localeCtxKey{}).(string); ok && v != "" {
		return v
	}
	return "en"
}

func CountryFromContext(ctx context.Context) string {
	v, _ := ctx.Value(countryCtxKey{}).(string)
	return v
}

// detectLocale prefers explicit language headers, then the country, then the
// configured fallback.
func detectLocale(r *http.Request, fallback, country string) string {
	if tag, ok := localeHeader(r); ok {
		return matchLocale(tag)
	}
	if tags := acceptedTags(r); len(tags) > 0 {
		return matchLocale(tags...)
	}
	if country != "" {
		if locale, ok := countryLocales[strings.ToUpper(country)]; ok {
			return locale
		}
		return "en"
	}
	if fallback != "" {
		return fallback
	}
	return "en"
}

func matchLocale(tags ...language.Tag) string {
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return "en"
	}
	return localeKeys[idx]
}

func localeHeader(r *http.Request) (language.Tag, bool) {
	v := strings.TrimSpace(r.Header.Get("X-Locale"))
	if v == "" {
		return language.Und, false
	}
	tag, err := language.Parse(v)
	return tag, err == nil
}

// acceptedTags returns Accept-Language entries ordered by weight.
func acceptedTags(r *http.Request) []language.Tag {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil {
		return nil
	}
	return tags
}

func requestTags(r *http.Request) []language.Tag {
	var tags []language.Tag
	if tag, ok := localeHeader(r); ok {
		tags = append(tags, tag)
	}
	return append(tags, acceptedTags(r)...)
}

// ResolveCountry resolves a best-effort ISO country code: proxy headers, then
// a region named in the language headers, then lookup on the client IP.
func ResolveCountry(r *http.Request, lookup CountryLookup) string {
	if r == nil {
		return ""
	}
	for _, key := range countryHeaders {
		if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
			return strings.ToUpper(v)
		}
	}

	tags := requestTags(r)
	for _, tag := range tags {
		if region, conf := tag.Region(); conf == language.Exact {
			return region.String()
		}
	}
	if len(tags) > 0 {
		if base, _ := tags[0].Base(); base.String() == "id" {
			return "ID"
		}
	}

	if lookup == nil {
		return ""
	}
	ip := ClientIP(r)
	if ip == "" {
		return ""
	}
	country, err := lookup(ip)
	if err != nil {
		return ""
	}
	return strings.ToUpper(country)
}

// ClientIP returns the first X-Forwarded-For hop or the remote host.
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); strings.TrimSpace(first) != "" {
		return strings.TrimSpace(first)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
