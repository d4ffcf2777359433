package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/medialoom/pipeline/pkg/types"
)

// LocalProvider simulates a generation backend for development and
// testing. Output URLs are deterministic from the run and stage IDs, so
// repeated runs of the same config are reproducible.
type LocalProvider struct {
	kind types.StageKind

	// latency is how long a simulated generation takes. Kept small so
	// local runs finish quickly.
	latency time.Duration
}

// NewLocalProviders returns one LocalProvider per stage kind.
func NewLocalProviders(latency time.Duration) []Provider {
	kinds := []types.StageKind{
		types.StageKindPrompt,
		types.StageKindEnhance,
		types.StageKindImage,
		types.StageKindVideo,
		types.StageKindOutput,
	}
	providers := make([]Provider, 0, len(kinds))
	for _, kind := range kinds {
		providers = append(providers, &LocalProvider{kind: kind, latency: latency})
	}
	return providers
}

func (p *LocalProvider) Kind() types.StageKind { return p.kind }

func (p *LocalProvider) Generate(ctx context.Context, req *Request, progress ProgressFunc) (map[string]any, error) {
	// Simulated generation in three steps so progress events fire.
	for _, pct := range []int{0, 30} {
		progress(pct)
		if err := p.wait(ctx); err != nil {
			return nil, err
		}
	}

	output, err := p.output(req)
	if err != nil {
		return nil, err
	}
	progress(100)
	return output, nil
}

func (p *LocalProvider) wait(ctx context.Context) error {
	step := p.latency / 2
	if step <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(step):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *LocalProvider) output(req *Request) (map[string]any, error) {
	prompt, _ := req.Payload["prompt"].(string)

	switch p.kind {
	case types.StageKindPrompt:
		return map[string]any{"prompt": prompt}, nil

	case types.StageKindEnhance:
		return map[string]any{
			"prompt": enhancePrompt(prompt),
		}, nil

	case types.StageKindImage:
		resolution, _ := req.Payload["resolution"].(string)
		return map[string]any{
			"image_url":  fmt.Sprintf("local://artifacts/%s/%s/image.png", req.RunID, req.StageID),
			"resolution": resolution,
		}, nil

	case types.StageKindVideo:
		return map[string]any{
			"video_url": fmt.Sprintf("local://artifacts/%s/%s/video.mp4", req.RunID, req.StageID),
		}, nil

	case types.StageKindOutput:
		var artifacts []any
		if imageURL, ok := req.Payload["image_url"].(string); ok && imageURL != "" {
			artifacts = append(artifacts, map[string]any{
				"kind": string(types.StageKindImage),
				"url":  imageURL,
			})
		}
		if videoURL, ok := req.Payload["video_url"].(string); ok && videoURL != "" {
			artifacts = append(artifacts, map[string]any{
				"kind": string(types.StageKindVideo),
				"url":  videoURL,
			})
		}
		if len(artifacts) == 0 {
			return nil, Permanentf("no upstream artifacts to finalize")
		}
		return map[string]any{"artifacts": artifacts}, nil

	default:
		return nil, Permanentf("unsupported stage kind %q", p.kind)
	}
}

// enhancePrompt is a stand-in for the LLM rewrite the hosted enhance
// backend performs.
func enhancePrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return prompt
	}
	return prompt + ", highly detailed, cinematic lighting, 8k"
}

var _ Provider = (*LocalProvider)(nil)
