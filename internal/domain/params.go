package domain

import "strings"

// ModuleType identifies a generation module exposed under /generate/{module}.
type ModuleType string

const (
	ModuleFigurine      ModuleType = "figurine"
	ModuleMultiPose     ModuleType = "multi-pose"
	ModuleSketchControl ModuleType = "sketch-control"
	ModuleImageFusion   ModuleType = "image-fusion"
	ModuleSocialCover   ModuleType = "social-cover"
	ModuleObjectReplace ModuleType = "object-replace"
	ModuleIDPhotos      ModuleType = "id-photos"
	ModuleGroupPhoto    ModuleType = "group-photo"
	ModuleMultiCamera   ModuleType = "multi-camera"
	ModuleStandard      ModuleType = "standard"
)

var knownModules = map[ModuleType]struct{}{
	ModuleFigurine:      {},
	ModuleMultiPose:     {},
	ModuleSketchControl: {},
	ModuleImageFusion:   {},
	ModuleSocialCover:   {},
	ModuleObjectReplace: {},
	ModuleIDPhotos:      {},
	ModuleGroupPhoto:    {},
	ModuleMultiCamera:   {},
	ModuleStandard:      {},
}

// ParseModule normalizes a path segment into a module. Unknown values map to
// ModuleStandard so callers always get a buildable module.
func ParseModule(raw string) ModuleType {
	m := ModuleType(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := knownModules[m]; ok {
		return m
	}
	return ModuleStandard
}

// MaxImageCount bounds how many images a single task may request.
const MaxImageCount = 4

// GenerationParameters is the normalized request built once per task.
type GenerationParameters struct {
	Prompt          string   `json:"prompt"`
	NegativePrompt  string   `json:"negative_prompt"`
	Steps           int      `json:"num_inference_steps"`
	GuidanceScale   float64  `json:"guidance_scale"`
	ImageCount      int      `json:"num_images_per_prompt"`
	ReferenceImage  string   `json:"reference_image,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"`
}

// References returns every reference payload, single image first.
func (p GenerationParameters) References() []string {
	out := make([]string, 0, len(p.ReferenceImages)+1)
	if strings.TrimSpace(p.ReferenceImage) != "" {
		out = append(out, p.ReferenceImage)
	}
	for _, ref := range p.ReferenceImages {
		if strings.TrimSpace(ref) != "" {
			out = append(out, ref)
		}
	}
	return out
}

// GenerationResult is attached to a task when it completes.
type GenerationResult struct {
	Images     []string             `json:"images"`
	UsedPrompt string               `json:"usedPrompt"`
	Parameters GenerationParameters `json:"parameters"`
}

// Clone returns a copy that shares no slices with r.
func (r GenerationResult) Clone() GenerationResult {
	out := r
	out.Images = append([]string{}, r.Images...)
	out.Parameters.ReferenceImages = append([]string(nil), r.Parameters.ReferenceImages...)
	return out
}
