// internal/scraper/colly_renderer.go
package scraper

import (
	"context"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyRenderer fetches server-rendered HTML without executing scripts.
type CollyRenderer struct {
	base *colly.Collector
}

func NewCollyRenderer(userAgent string, timeout time.Duration) *CollyRenderer {
	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(),
	)
	c.ParseHTTPErrorResponse = true
	if timeout > 0 {
		c.SetRequestTimeout(timeout)
	}
	return &CollyRenderer{base: c}
}

func (r *CollyRenderer) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	c := r.base.Clone()
	c.ParseHTTPErrorResponse = true

	var result *RenderResult
	c.OnRequest(func(cr *colly.Request) {
		cr.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	c.OnResponse(func(resp *colly.Response) {
		result = &RenderResult{
			Status:   resp.StatusCode,
			FinalURL: resp.Request.URL.String(),
			HTML:     resp.Body,
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(req.URL)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if err != nil {
			return nil, err
		}
		if result == nil {
			return &RenderResult{FinalURL: req.URL}, nil
		}
		return result, nil
	}
}
