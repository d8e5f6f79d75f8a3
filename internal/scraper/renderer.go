// internal/scraper/renderer.go
package scraper

import (
	"context"
	"time"
)

type RenderRequest struct {
	URL string
	// WaitFor is the content marker selector. Renderers that execute
	// scripts wait for it (or a block marker) before returning.
	WaitFor      string
	BlockMarkers []string
	Timeout      time.Duration
}

type RenderResult struct {
	Status   int
	FinalURL string
	HTML     []byte
}

// Renderer turns a URL into HTML. Classification of the result is left to
// the Fetcher.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*RenderResult, error)
}
