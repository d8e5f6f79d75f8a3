// internal/scraper/helpers_test.go
package scraper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/rategate"
)

type renderFunc func(req RenderRequest) (*RenderResult, error)

// fakeRenderer answers from per-URL scripts. A URL with several responses
// plays them in order and repeats the last one.
type fakeRenderer struct {
	mu      sync.Mutex
	scripts map[string][]renderFunc
	calls   map[string]int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{scripts: make(map[string][]renderFunc), calls: make(map[string]int)}
}

func (f *fakeRenderer) page(url string, status int, html string) *fakeRenderer {
	return f.script(url, func(req RenderRequest) (*RenderResult, error) {
		return &RenderResult{Status: status, FinalURL: req.URL, HTML: []byte(html)}, nil
	})
}

func (f *fakeRenderer) fail(url string, err error) *fakeRenderer {
	return f.script(url, func(RenderRequest) (*RenderResult, error) { return nil, err })
}

func (f *fakeRenderer) script(url string, fn renderFunc) *fakeRenderer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[url] = append(f.scripts[url], fn)
	return f
}

func (f *fakeRenderer) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	f.mu.Lock()
	n := f.calls[req.URL]
	f.calls[req.URL] = n + 1
	script := f.scripts[req.URL]
	f.mu.Unlock()

	if len(script) == 0 {
		return &RenderResult{Status: 404, FinalURL: req.URL}, nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n](req)
}

func (f *fakeRenderer) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func fastParams(threshold int) config.GateParams {
	return config.GateParams{
		Capacity:         1,
		FailureThreshold: threshold,
		BackoffCap:       3,
		CoolDown:         time.Minute,
		MaxCoolDown:      time.Hour,
	}
}

func newTestFetcher(r Renderer, threshold int) (*Fetcher, *rategate.Registry) {
	gates := rategate.NewRegistry(func(string) config.GateParams { return fastParams(threshold) })
	f := NewFetcher(r, gates, FetcherOptions{
		MaxAttempts:    3,
		RenderTimeout:  time.Second,
		CaptchaMarkers: []string{`input[name="captcha"]`},
		Sleep:          func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	return f, gates
}

// mockAdapter serves canned listing pages keyed by token.
type mockAdapter struct {
	mu         sync.Mutex
	pages      map[string]Page
	pageErrs   map[string]error
	detailErrs map[string]error
	listCalls  []string
	details    int
}

func (m *mockAdapter) Source() models.Source { return models.Source("mock") }

func (m *mockAdapter) ListPage(ctx context.Context, q Query, token string) (Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls = append(m.listCalls, token)
	if err := m.pageErrs[token]; err != nil {
		return Page{}, err
	}
	p, ok := m.pages[token]
	if !ok {
		return Page{}, fmt.Errorf("unexpected token %q", token)
	}
	return p, nil
}

func (m *mockAdapter) FetchDetail(ctx context.Context, ref ItemRef) (*RawRecord, error) {
	m.mu.Lock()
	m.details++
	err := m.detailErrs[ref.SourceID]
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &RawRecord{SourceID: ref.SourceID, URL: ref.URL, Fields: map[string]string{FieldName: "Item " + ref.SourceID}}, nil
}

func refs(ids ...string) []ItemRef {
	out := make([]ItemRef, len(ids))
	for i, id := range ids {
		out[i] = ItemRef{URL: "https://example.com/p/" + id, SourceID: id}
	}
	return out
}
