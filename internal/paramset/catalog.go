package paramset

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"genstudio/internal/domain"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Threshold maps a minimum quality to a sampler value.
type Threshold struct {
	Min   int     `yaml:"min"`
	Value float64 `yaml:"value"`
}

// QualityTables quantize a 0-100 quality score into steps and guidance.
type QualityTables struct {
	Steps    []Threshold `yaml:"steps"`
	Guidance []Threshold `yaml:"guidance"`
}

// ModuleSpec holds the vocabulary and sampler defaults of one module.
type ModuleSpec struct {
	NegativePrompt  string              `yaml:"negative_prompt"`
	Steps           int                 `yaml:"steps"`
	Guidance        float64             `yaml:"guidance"`
	StepsQuality    int                 `yaml:"steps_quality"`
	GuidanceQuality int                 `yaml:"guidance_quality"`
	DefaultStyle    string              `yaml:"default_style"`
	Styles          map[string][]string `yaml:"styles"`
	QualityTokens   map[int][]string    `yaml:"quality_tokens"`
	DefaultPlatform string              `yaml:"default_platform"`
	Platforms       map[string]string   `yaml:"platforms"`
	Lead            []string            `yaml:"lead"`
	Trail           []string            `yaml:"trail"`
	Defaults        map[string]string   `yaml:"defaults"`
}

// Default returns a module default value or fallback when unset.
func (m ModuleSpec) Default(key, fallback string) string {
	if v := strings.TrimSpace(m.Defaults[key]); v != "" {
		return v
	}
	return fallback
}

// Catalog is the full prompt vocabulary loaded from YAML.
type Catalog struct {
	DefaultCount        int                              `yaml:"default_count"`
	DefaultDescriptions map[string]string                `yaml:"default_descriptions"`
	Quality             QualityTables                    `yaml:"quality"`
	Modules             map[domain.ModuleType]ModuleSpec `yaml:"modules"`
}

var defaultCatalog = sync.OnceValues(func() (*Catalog, error) {
	return ParseCatalog(defaultCatalogYAML)
})

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := defaultCatalog()
	if err != nil {
		panic(fmt.Sprintf("paramset: embedded catalog invalid: %v", err))
	}
	return c
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadCatalog reads an override file and fills anything it omits from the
// embedded catalog. An empty path returns the embedded catalog.
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	override, err := ParseCatalog(raw)
	if err != nil {
		return nil, err
	}
	return override.mergeDefaults(DefaultCatalog()), nil
}

func (c *Catalog) normalize() error {
	if c.DefaultCount <= 0 {
		c.DefaultCount = domain.MaxImageCount
	}
	if c.DefaultCount > domain.MaxImageCount {
		c.DefaultCount = domain.MaxImageCount
	}
	for _, table := range [][]Threshold{c.Quality.Steps, c.Quality.Guidance} {
		sort.SliceStable(table, func(i, j int) bool { return table[i].Min > table[j].Min })
	}
	for key := range c.Modules {
		if domain.ParseModule(string(key)) != key {
			return fmt.Errorf("catalog: unknown module %q", key)
		}
	}
	return nil
}

func (c *Catalog) mergeDefaults(base *Catalog) *Catalog {
	out := *c
	if len(out.Quality.Steps) == 0 {
		out.Quality.Steps = base.Quality.Steps
	}
	if len(out.Quality.Guidance) == 0 {
		out.Quality.Guidance = base.Quality.Guidance
	}
	if out.DefaultDescriptions == nil {
		out.DefaultDescriptions = map[string]string{}
	}
	for k, v := range base.DefaultDescriptions {
		if _, ok := out.DefaultDescriptions[k]; !ok {
			out.DefaultDescriptions[k] = v
		}
	}
	modules := make(map[domain.ModuleType]ModuleSpec, len(base.Modules))
	for k, v := range base.Modules {
		modules[k] = v
	}
	for k, v := range c.Modules {
		modules[k] = v
	}
	out.Modules = modules
	return &out
}

// Module returns the settings for m, falling back to the standard module.
func (c *Catalog) Module(m domain.ModuleType) ModuleSpec {
	if ms, ok := c.Modules[m]; ok {
		return ms
	}
	return c.Modules[domain.ModuleStandard]
}

// StepsFor quantizes quality into a step count.
func (c *Catalog) StepsFor(quality int) int {
	return int(lookupThreshold(c.Quality.Steps, quality, 30))
}

// GuidanceFor quantizes quality into a guidance scale.
func (c *Catalog) GuidanceFor(quality int) float64 {
	return lookupThreshold(c.Quality.Guidance, quality, 7.0)
}

func lookupThreshold(table []Threshold, quality int, fallback float64) float64 {
	for _, t := range table {
		if quality >= t.Min {
			return t.Value
		}
	}
	return fallback
}
