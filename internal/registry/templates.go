package registry

import (
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/medialoom/pipeline/pkg/types"
)

const (
	defaultResolution   = "1024x1024"
	defaultVideoSeconds = 4
)

// templateSpec is the static definition of one workflow type: its stage
// chain plus the schema its user config must satisfy.
type templateSpec struct {
	id               string
	name             string
	stageKinds       []types.StageKind
	configSchemaJSON string
	configSchema     *jsonschema.Schema
}

// All current templates are linear chains; the edge model supports
// branching but no built-in template uses it.
var builtinTemplates = []*templateSpec{
	{
		id:   "text-to-image",
		name: "Text to Image",
		stageKinds: []types.StageKind{
			types.StageKindPrompt,
			types.StageKindEnhance,
			types.StageKindImage,
			types.StageKindOutput,
		},
		configSchemaJSON: textToImageConfigSchemaJSON,
	},
	{
		id:   "text-to-video",
		name: "Text to Video",
		stageKinds: []types.StageKind{
			types.StageKindPrompt,
			types.StageKindEnhance,
			types.StageKindImage,
			types.StageKindVideo,
			types.StageKindOutput,
		},
		configSchemaJSON: textToVideoConfigSchemaJSON,
	},
	{
		id:   "image-to-video",
		name: "Image to Video",
		stageKinds: []types.StageKind{
			types.StageKindPrompt,
			types.StageKindVideo,
			types.StageKindOutput,
		},
		configSchemaJSON: imageToVideoConfigSchemaJSON,
	},
}

// TemplateInfo describes a template for catalog listings.
type TemplateInfo struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Stages []types.StageKind `json:"stages"`
}

// Templates returns the catalog of available workflow templates.
func (r *Registry) Templates() []TemplateInfo {
	infos := make([]TemplateInfo, 0, len(builtinTemplates))
	for _, tpl := range builtinTemplates {
		infos = append(infos, TemplateInfo{
			ID:     tpl.id,
			Name:   tpl.name,
			Stages: tpl.stageKinds,
		})
	}
	return infos
}

func (tpl *templateSpec) hasKind(kind types.StageKind) bool {
	for _, k := range tpl.stageKinds {
		if k == kind {
			return true
		}
	}
	return false
}
