package paramset

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"genstudio/internal/domain"
)

// Input is a module-tagged request. Common carries the fields every module
// accepts; Variant holds the module's own typed fields.
type Input struct {
	Module  domain.ModuleType
	Common  Common
	Variant Variant
}

// Common fields shared by all modules.
type Common struct {
	Description     string
	Locale          string
	ReferenceImage  string
	ReferenceImages []string
}

// Variant is implemented by each module's typed field set.
type Variant interface {
	module() domain.ModuleType
}

type FigurineInput struct {
	Style           string
	Quality         int
	BackgroundColor string
	Lighting        string
	Angle           string
}

type MultiPoseInput struct {
	CharacterFeatures string
	PoseCount         int
	PoseTypes         []string
	MaintainStyle     bool
}

type SketchControlInput struct {
	ControlStrength int
}

type ImageFusionInput struct {
	FusionStrength int
}

type ObjectReplaceInput struct{}

type IDPhotosInput struct {
	Size       string
	Background string
}

type GroupPhotoInput struct{}

type MultiCameraInput struct {
	Angles []string
}

type SocialCoverInput struct {
	Platform string
	Title    string
	Subtitle string
	Style    string
}

type StandardInput struct {
	Style string
	Count int
}

func (FigurineInput) module() domain.ModuleType      { return domain.ModuleFigurine }
func (MultiPoseInput) module() domain.ModuleType     { return domain.ModuleMultiPose }
func (SketchControlInput) module() domain.ModuleType { return domain.ModuleSketchControl }
func (ImageFusionInput) module() domain.ModuleType   { return domain.ModuleImageFusion }
func (ObjectReplaceInput) module() domain.ModuleType { return domain.ModuleObjectReplace }
func (IDPhotosInput) module() domain.ModuleType      { return domain.ModuleIDPhotos }
func (GroupPhotoInput) module() domain.ModuleType    { return domain.ModuleGroupPhoto }
func (MultiCameraInput) module() domain.ModuleType   { return domain.ModuleMultiCamera }
func (SocialCoverInput) module() domain.ModuleType   { return domain.ModuleSocialCover }
func (StandardInput) module() domain.ModuleType      { return domain.ModuleStandard }

// DecodeInput turns a loose JSON body into a typed Input. It never fails:
// malformed JSON or mistyped fields are treated as absent.
func DecodeInput(module domain.ModuleType, raw []byte, locale string) Input {
	f := parseFields(raw)
	in := Input{
		Module: module,
		Common: Common{
			Description:     firstNonEmpty(f.str("description"), f.str("prompt")),
			Locale:          locale,
			ReferenceImage:  f.str("referenceImage"),
			ReferenceImages: f.strs("referenceImages"),
		},
	}

	switch module {
	case domain.ModuleFigurine:
		opts := f.object("additionalOptions")
		in.Variant = FigurineInput{
			Style:           f.str("style"),
			Quality:         f.integer("quality"),
			BackgroundColor: opts.str("backgroundColor"),
			Lighting:        opts.str("lighting"),
			Angle:           opts.str("angle"),
		}
	case domain.ModuleMultiPose:
		in.Variant = MultiPoseInput{
			CharacterFeatures: f.str("characterFeatures"),
			PoseCount:         f.integer("poseCount"),
			PoseTypes:         f.strs("poseTypes"),
			MaintainStyle:     f.flag("maintainStyle"),
		}
	case domain.ModuleSketchControl:
		in.Variant = SketchControlInput{ControlStrength: f.integer("controlStrength")}
	case domain.ModuleImageFusion:
		in.Variant = ImageFusionInput{FusionStrength: f.integer("fusionStrength")}
	case domain.ModuleObjectReplace:
		in.Variant = ObjectReplaceInput{}
	case domain.ModuleIDPhotos:
		in.Variant = IDPhotosInput{Size: f.str("size"), Background: f.str("background")}
	case domain.ModuleGroupPhoto:
		in.Variant = GroupPhotoInput{}
	case domain.ModuleMultiCamera:
		in.Variant = MultiCameraInput{Angles: f.strs("angles")}
	case domain.ModuleSocialCover:
		in.Variant = SocialCoverInput{
			Platform: f.str("platform"),
			Title:    f.str("title"),
			Subtitle: f.str("subtitle"),
			Style:    f.str("style"),
		}
	default:
		in.Module = domain.ModuleStandard
		in.Variant = StandardInput{Style: f.str("style"), Count: f.integer("count")}
	}
	return in
}

type fields map[string]json.RawMessage

func parseFields(raw []byte) fields {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return fields{}
	}
	return f
}

func (f fields) str(key string) string {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func (f fields) strs(key string) []string {
	var raw []json.RawMessage
	if err := json.Unmarshal(f[key], &raw); err != nil {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// integer accepts JSON numbers and numeric strings.
func (f fields) integer(key string) int {
	raw, ok := f[key]
	if !ok {
		return 0
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return roundBounded(n)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return roundBounded(v)
		}
	}
	return 0
}

func roundBounded(v float64) int {
	const limit = 1 << 20
	switch {
	case math.IsNaN(v):
		return 0
	case v > limit:
		return limit
	case v < -limit:
		return -limit
	}
	return int(math.Round(v))
}

func (f fields) flag(key string) bool {
	var b bool
	if err := json.Unmarshal(f[key], &b); err != nil {
		return false
	}
	return b
}

func (f fields) object(key string) fields {
	var nested fields
	if err := json.Unmarshal(f[key], &nested); err != nil {
		return fields{}
	}
	return nested
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
