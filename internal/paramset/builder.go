// Package paramset turns module-specific user input into normalized
// generation parameters.
package paramset

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"genstudio/internal/domain"
)

const (
	defaultQuality         = 80
	defaultControlStrength = 70
	defaultFusionStrength  = 60
)

var localeMatcher = language.NewMatcher([]language.Tag{
	language.English,
	language.Indonesian,
	language.Chinese,
})

// Builder assembles parameters from a catalog. It holds no mutable state.
type Builder struct {
	catalog *Catalog
}

// NewBuilder returns a builder over c, or the embedded catalog when c is nil.
func NewBuilder(c *Catalog) *Builder {
	if c == nil {
		c = DefaultCatalog()
	}
	return &Builder{catalog: c}
}

// Build uses the embedded catalog.
func Build(in Input) domain.GenerationParameters {
	return NewBuilder(nil).Build(in)
}

// Build maps in to parameters. It is total: missing or out-of-range fields
// fall back to catalog defaults.
func (b *Builder) Build(in Input) domain.GenerationParameters {
	variant := in.Variant
	if variant == nil {
		variant = zeroVariant(in.Module)
	}
	module := variant.module()
	ms := b.catalog.Module(module)
	desc := normalizeText(in.Common.Description)

	p := domain.GenerationParameters{
		NegativePrompt:  ms.NegativePrompt,
		Steps:           ms.Steps,
		GuidanceScale:   ms.Guidance,
		ImageCount:      b.catalog.DefaultCount,
		ReferenceImage:  strings.TrimSpace(in.Common.ReferenceImage),
		ReferenceImages: append([]string(nil), in.Common.ReferenceImages...),
	}
	if p.Steps == 0 {
		p.Steps = b.catalog.StepsFor(ms.StepsQuality)
	}
	if p.GuidanceScale == 0 {
		p.GuidanceScale = b.catalog.GuidanceFor(ms.GuidanceQuality)
	}

	var parts []string
	switch v := variant.(type) {
	case FigurineInput:
		quality := clamp(orDefault(v.Quality, defaultQuality), 60, 100)
		style := foldKey(v.Style)
		if style == "" {
			style = foldKey(ms.DefaultStyle)
		}
		parts = append(parts, "figurine of "+b.subject(desc, in.Common.Locale))
		parts = append(parts, ms.Styles[style]...)
		parts = append(parts, qualityTokens(ms.QualityTokens, quality)...)
		if c := normalizeText(v.BackgroundColor); c != "" {
			parts = append(parts, "background "+c)
		}
		if l := normalizeText(v.Lighting); l != "" {
			parts = append(parts, l+" lighting")
		}
		if a := normalizeText(v.Angle); a != "" {
			parts = append(parts, a+" angle")
		}
		parts = append(parts, ms.Trail...)
		p.Steps = b.catalog.StepsFor(quality)
		p.GuidanceScale = b.catalog.GuidanceFor(quality)

	case MultiPoseInput:
		features := firstNonEmpty(normalizeText(v.CharacterFeatures), desc, ms.Default("features", "consistent character design"))
		parts = append(parts, ms.Lead...)
		parts = append(parts, features)
		for _, pose := range v.PoseTypes {
			if pose = normalizeText(pose); pose != "" {
				parts = append(parts, pose+" pose")
			}
		}
		if v.MaintainStyle {
			parts = append(parts, "consistent art style")
		}
		parts = append(parts, ms.Trail...)
		p.ImageCount = clamp(orDefault(v.PoseCount, domain.MaxImageCount), 1, domain.MaxImageCount)

	case SketchControlInput:
		strength := clamp(orDefault(v.ControlStrength, defaultControlStrength), 10, 100)
		parts = append(parts, ms.Lead...)
		parts = append(parts, desc, fmt.Sprintf("structure adherence %d%%", strength))

	case ImageFusionInput:
		strength := clamp(orDefault(v.FusionStrength, defaultFusionStrength), 10, 100)
		parts = append(parts, ms.Lead...)
		parts = append(parts, desc, fmt.Sprintf("fusion strength %d%%", strength))

	case ObjectReplaceInput:
		parts = append(parts, ms.Lead...)
		parts = append(parts, firstNonEmpty(desc, ms.Default("target", "target object")))
		parts = append(parts, ms.Trail...)

	case IDPhotosInput:
		parts = append(parts, ms.Lead...)
		parts = append(parts,
			firstNonEmpty(normalizeText(v.Size), ms.Default("size", "33x48mm")),
			"background "+firstNonEmpty(normalizeText(v.Background), ms.Default("background", "blue")),
		)
		parts = append(parts, ms.Trail...)

	case GroupPhotoInput:
		parts = append(parts, ms.Lead...)
		parts = append(parts, desc)
		parts = append(parts, ms.Trail...)

	case MultiCameraInput:
		parts = append(parts, ms.Lead...)
		parts = append(parts, desc)
		angles := make([]string, 0, len(v.Angles))
		for _, a := range v.Angles {
			if a = normalizeText(a); a != "" {
				angles = append(angles, a)
			}
		}
		if len(angles) > 0 {
			parts = append(parts, "angles: "+strings.Join(angles, " | "))
		}

	case SocialCoverInput:
		size, ok := ms.Platforms[foldKey(v.Platform)]
		if !ok {
			size = ms.Platforms[foldKey(ms.DefaultPlatform)]
		}
		parts = append(parts, ms.Lead...)
		if size != "" {
			parts = append(parts, "size "+size)
		}
		parts = append(parts,
			normalizeText(v.Title),
			normalizeText(v.Subtitle),
			firstNonEmpty(normalizeText(v.Style), ms.DefaultStyle),
		)
		parts = append(parts, ms.Trail...)

	case StandardInput:
		parts = append(parts, firstNonEmpty(desc, ms.Default("subject", "high quality image")))
		if style := normalizeText(v.Style); style != "" {
			parts = append(parts, "style "+style)
		}
		parts = append(parts, ms.Trail...)
		p.ImageCount = clamp(orDefault(v.Count, b.catalog.DefaultCount), 1, domain.MaxImageCount)
	}

	p.Prompt = joinParts(parts)
	if p.Prompt == "" {
		p.Prompt = b.subject(desc, in.Common.Locale)
	}
	p.ImageCount = clamp(p.ImageCount, 1, domain.MaxImageCount)
	return p
}

// subject returns desc or the localized default description.
func (b *Builder) subject(desc, locale string) string {
	if desc != "" {
		return desc
	}
	key := LocaleKey(locale)
	if v := strings.TrimSpace(b.catalog.DefaultDescriptions[key]); v != "" {
		return v
	}
	if v := strings.TrimSpace(b.catalog.DefaultDescriptions["en"]); v != "" {
		return v
	}
	return "Generate an image"
}

// LocaleKey reduces a locale string to a supported base language.
func LocaleKey(raw string) string {
	tag, _ := language.MatchStrings(localeMatcher, raw)
	base, _ := tag.Base()
	return base.String()
}

func zeroVariant(m domain.ModuleType) Variant {
	switch m {
	case domain.ModuleFigurine:
		return FigurineInput{}
	case domain.ModuleMultiPose:
		return MultiPoseInput{}
	case domain.ModuleSketchControl:
		return SketchControlInput{}
	case domain.ModuleImageFusion:
		return ImageFusionInput{}
	case domain.ModuleObjectReplace:
		return ObjectReplaceInput{}
	case domain.ModuleIDPhotos:
		return IDPhotosInput{}
	case domain.ModuleGroupPhoto:
		return GroupPhotoInput{}
	case domain.ModuleMultiCamera:
		return MultiCameraInput{}
	case domain.ModuleSocialCover:
		return SocialCoverInput{}
	default:
		return StandardInput{}
	}
}

// qualityTokens picks the descriptors of the largest tier not above quality.
func qualityTokens(tiers map[int][]string, quality int) []string {
	keys := make([]int, 0, len(tiers))
	for k := range tiers {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))
	for _, k := range keys {
		if quality >= k {
			return tiers[k]
		}
	}
	return nil
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(norm.NFC.String(s)), " ")
}

func foldKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func joinParts(parts []string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ", ")
}

func orDefault(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
