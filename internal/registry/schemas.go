package registry

// Embedded JSON schemas. Stage input schemas are checked by the executor
// before a provider is contacted; output schemas are checked against the
// provider's response before it is propagated downstream. Config schemas
// validate the user-supplied workflow configuration at resolve time.

const promptInputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/prompt/input.json",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "maxLength": 2000}
  }
}`

const promptOutputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/prompt/output.json",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1}
  }
}`

const enhanceInputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/enhance/input.json",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1}
  }
}`

const enhanceOutputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/enhance/output.json",
  "type": "object",
  "required": ["prompt"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1}
  }
}`

const imageInputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/image/input.json",
  "type": "object",
  "required": ["prompt", "resolution"],
  "properties": {
    "prompt": {"type": "string", "minLength": 1},
    "resolution": {"type": "string", "enum": ["512x512", "1024x1024", "1920x1080"]}
  }
}`

const imageOutputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/image/output.json",
  "type": "object",
  "required": ["image_url"],
  "properties": {
    "image_url": {"type": "string", "minLength": 1}
  }
}`

const videoInputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/video/input.json",
  "type": "object",
  "required": ["duration_seconds"],
  "anyOf": [
    {"required": ["image_url"]},
    {"required": ["source_image_url"]}
  ],
  "properties": {
    "duration_seconds": {"type": "integer", "minimum": 1, "maximum": 30},
    "image_url": {"type": "string", "minLength": 1},
    "source_image_url": {"type": "string", "minLength": 1}
  }
}`

const videoOutputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/video/output.json",
  "type": "object",
  "required": ["video_url"],
  "properties": {
    "video_url": {"type": "string", "minLength": 1}
  }
}`

const outputInputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/output/input.json",
  "type": "object",
  "anyOf": [
    {"required": ["image_url"]},
    {"required": ["video_url"]}
  ],
  "properties": {
    "image_url": {"type": "string", "minLength": 1},
    "video_url": {"type": "string", "minLength": 1}
  }
}`

const outputOutputSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "stage/output/output.json",
  "type": "object",
  "required": ["artifacts"],
  "properties": {
    "artifacts": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["url"],
        "properties": {
          "stage_id": {"type": "string"},
          "kind": {"type": "string"},
          "url": {"type": "string", "minLength": 1},
          "content_type": {"type": "string"}
        }
      }
    },
    "manifest_url": {"type": "string"}
  }
}`

const textToImageConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "template/text-to-image/config.json",
  "type": "object",
  "required": ["prompt"],
  "additionalProperties": false,
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "maxLength": 2000},
    "resolution": {"type": "string", "enum": ["512x512", "1024x1024", "1920x1080"]}
  }
}`

const textToVideoConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "template/text-to-video/config.json",
  "type": "object",
  "required": ["prompt"],
  "additionalProperties": false,
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "maxLength": 2000},
    "resolution": {"type": "string", "enum": ["512x512", "1024x1024", "1920x1080"]},
    "duration_seconds": {"type": "integer", "minimum": 1, "maximum": 30}
  }
}`

const imageToVideoConfigSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "template/image-to-video/config.json",
  "type": "object",
  "required": ["prompt", "source_image_url"],
  "additionalProperties": false,
  "properties": {
    "prompt": {"type": "string", "minLength": 1, "maxLength": 2000},
    "source_image_url": {"type": "string", "minLength": 1},
    "duration_seconds": {"type": "integer", "minimum": 1, "maximum": 30}
  }
}`
