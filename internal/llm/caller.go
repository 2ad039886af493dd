package llm

import (
	"context"

	"github.com/joelkehle/trialsense/internal/clinical"
)

const DefaultModel = "claude-sonnet-4-5"

// Caller is the text-generation oracle. The returned text may or may not be
// well-formed JSON.
type Caller interface {
	Generate(ctx context.Context, prompt string) (string, error)
	ModelName() string
}

// VisionCaller accepts an image attachment alongside the prompt.
type VisionCaller interface {
	GenerateWithImage(ctx context.Context, prompt string, image Image) (string, error)
}

// SearchCaller runs a web-search grounded generation and returns the
// citations separately from the text.
type SearchCaller interface {
	Search(ctx context.Context, prompt string) (SearchResult, error)
}

// Image is a base64-encoded image payload.
type Image struct {
	MediaType string
	Base64    string
}

type SearchResult struct {
	Text      string
	Citations []clinical.Citation
}
