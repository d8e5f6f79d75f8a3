// internal/scraper/pagination_test.go
package scraper

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ctx context.Context, it *PageIterator) []Page {
	var pages []Page
	for {
		p, ok := it.Next(ctx)
		if !ok {
			return pages
		}
		pages = append(pages, p)
	}
}

func TestPageIteratorStopsOnRepeatedToken(t *testing.T) {
	m := &mockAdapter{pages: map[string]Page{
		"":   {Items: refs("a"), Next: "p2"},
		"p2": {Items: refs("b"), Next: "p3"},
		"p3": {Items: refs("c"), Next: "p2"},
	}}

	it := NewPageIterator(m, Query{}, 0)
	pages := drain(context.Background(), it)

	assert.Len(t, pages, 3)
	assert.Equal(t, StopCycle, it.Reason())
	assert.Equal(t, []string{"", "p2", "p3"}, m.listCalls)
}

func TestPageIteratorStopsWhenPageRepeatsItsOwnToken(t *testing.T) {
	m := &mockAdapter{pages: map[string]Page{
		"":  {Items: refs("a"), Next: "T"},
		"T": {Items: refs("b"), Next: "T"},
	}}

	it := NewPageIterator(m, Query{}, 0)
	pages := drain(context.Background(), it)

	assert.Len(t, pages, 2)
	assert.Equal(t, StopCycle, it.Reason())
	assert.Equal(t, []string{"", "T"}, m.listCalls)

	it.Reset()
	first, ok := it.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "T", first.Next)
	assert.Equal(t, []string{"", "T", ""}, m.listCalls)
}

func TestPageIteratorStopConditions(t *testing.T) {
	tests := []struct {
		name      string
		pages     map[string]Page
		maxPages  int
		wantPages int
		reason    StopReason
	}{
		{
			name:      "empty page",
			pages:     map[string]Page{"": {Items: refs("a"), Next: "p2"}, "p2": {Next: "p3"}},
			wantPages: 1,
			reason:    StopEmptyPage,
		},
		{
			name:      "no next token",
			pages:     map[string]Page{"": {Items: refs("a"), Next: "p2"}, "p2": {Items: refs("b")}},
			wantPages: 2,
			reason:    StopNoToken,
		},
		{
			name: "page ceiling",
			pages: map[string]Page{
				"":   {Items: refs("a"), Next: "p2"},
				"p2": {Items: refs("b"), Next: "p3"},
				"p3": {Items: refs("c"), Next: "p4"},
			},
			maxPages:  2,
			wantPages: 2,
			reason:    StopMaxPages,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := NewPageIterator(&mockAdapter{pages: tt.pages}, Query{}, tt.maxPages)
			pages := drain(context.Background(), it)
			assert.Len(t, pages, tt.wantPages)
			assert.Equal(t, tt.reason, it.Reason())

			_, ok := it.Next(context.Background())
			assert.False(t, ok, "iterator stays stopped")
		})
	}
}

func TestPageIteratorResetRestartsFromFirstPage(t *testing.T) {
	m := &mockAdapter{pages: map[string]Page{
		"":   {Items: refs("a"), Next: "p2"},
		"p2": {Items: refs("b")},
	}}
	it := NewPageIterator(m, Query{}, 0)
	drain(context.Background(), it)

	it.Reset()
	pages := drain(context.Background(), it)
	require.Len(t, pages, 2)
	assert.Equal(t, []string{"", "p2", "", "p2"}, m.listCalls)
}

func TestPageIteratorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := &mockAdapter{pages: map[string]Page{"": {Items: refs("a")}}}
	it := NewPageIterator(m, Query{}, 0)
	_, ok := it.Next(ctx)

	assert.False(t, ok)
	assert.Equal(t, StopCancelled, it.Reason())
	assert.Empty(t, m.listCalls)
}

type collected struct {
	mu      sync.Mutex
	results []ItemResult
}

func (c *collected) sink(_ context.Context, res ItemResult) {
	c.mu.Lock()
	c.results = append(c.results, res)
	c.mu.Unlock()
}

func (c *collected) failures() int {
	n := 0
	for _, r := range c.results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func TestDriverSkipsFailedItemsAndContinues(t *testing.T) {
	m := &mockAdapter{
		pages: map[string]Page{
			"":   {Items: refs("a", "b", "c"), Next: "p2"},
			"p2": {Items: refs("d")},
		},
		detailErrs: map[string]error{"b": &BlockSignal{Reason: BlockCaptcha}},
	}
	var c collected

	stats := NewDriver(m, Limits{Concurrency: 2}).Run(context.Background(), Query{}, c.sink)

	assert.Equal(t, 2, stats.Pages)
	assert.Equal(t, 4, stats.Items)
	assert.Equal(t, StopNoToken, stats.StopReason)
	assert.Len(t, c.results, 4)
	assert.Equal(t, 1, c.failures())
}

func TestDriverHonoursItemCeiling(t *testing.T) {
	m := &mockAdapter{pages: map[string]Page{
		"":   {Items: refs("a", "b"), Next: "p2"},
		"p2": {Items: refs("c", "d"), Next: "p3"},
		"p3": {Items: refs("e")},
	}}
	var c collected

	stats := NewDriver(m, Limits{MaxItems: 3}).Run(context.Background(), Query{}, c.sink)

	assert.Equal(t, 3, stats.Items)
	assert.Equal(t, StopMaxItems, stats.StopReason)
	assert.Len(t, c.results, 3)
	assert.Equal(t, []string{"", "p2"}, m.listCalls)
}

func TestDriverSkipsFailedPage(t *testing.T) {
	m := &mockAdapter{
		pages:    map[string]Page{"": {Items: refs("a"), Next: "p2"}},
		pageErrs: map[string]error{"p2": errors.New("listing timed out")},
	}
	var c collected

	stats := NewDriver(m, Limits{}).Run(context.Background(), Query{}, c.sink)

	assert.Equal(t, StopPageError, stats.StopReason)
	assert.Equal(t, 1, stats.PagesSkipped)
	assert.Error(t, stats.PageErr)
	assert.Len(t, c.results, 1)
}
