// internal/scraper/pagination.go
package scraper

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type StopReason string

const (
	StopEmptyPage StopReason = "empty_page"
	StopNoToken   StopReason = "no_next_page"
	StopMaxPages  StopReason = "max_pages"
	StopMaxItems  StopReason = "max_items"
	StopCycle     StopReason = "repeated_token"
	StopPageError StopReason = "page_error"
	StopCancelled StopReason = "cancelled"
)

// Limits of zero mean unbounded. Concurrency bounds detail fetches per page.
type Limits struct {
	MaxPages    int `json:"max_pages,omitempty"`
	MaxItems    int `json:"max_items,omitempty"`
	Concurrency int `json:"concurrency,omitempty"`
}

// PageIterator walks listing pages from the first one. It never requests a
// token twice and stops on the first empty page, missing token, page
// ceiling or listing failure.
type PageIterator struct {
	adapter  Adapter
	query    Query
	maxPages int

	token  string
	seen   map[string]struct{}
	pages  int
	done   bool
	reason StopReason
	err    error
}

func NewPageIterator(adapter Adapter, q Query, maxPages int) *PageIterator {
	it := &PageIterator{adapter: adapter, query: q, maxPages: maxPages}
	it.Reset()
	return it
}

// Reset rewinds to the first page.
func (it *PageIterator) Reset() {
	it.token = ""
	it.seen = make(map[string]struct{})
	it.pages = 0
	it.done = false
	it.reason = ""
	it.err = nil
}

// Next returns the next page, or false once iteration is over. A page that
// triggers a stop (no token, repeated token) is still returned.
func (it *PageIterator) Next(ctx context.Context) (Page, bool) {
	if it.done {
		return Page{}, false
	}
	if err := ctx.Err(); err != nil {
		it.stop(StopCancelled, err)
		return Page{}, false
	}
	if it.maxPages > 0 && it.pages >= it.maxPages {
		it.stop(StopMaxPages, nil)
		return Page{}, false
	}

	page, err := it.adapter.ListPage(ctx, it.query, it.token)
	if err != nil {
		if ctx.Err() != nil {
			it.stop(StopCancelled, ctx.Err())
		} else {
			it.stop(StopPageError, err)
		}
		return Page{}, false
	}
	it.pages++

	if len(page.Items) == 0 {
		it.stop(StopEmptyPage, nil)
		return Page{}, false
	}

	if page.Next == "" {
		it.stop(StopNoToken, nil)
	} else if _, repeated := it.seen[page.Next]; repeated {
		it.stop(StopCycle, nil)
	} else {
		it.seen[page.Next] = struct{}{}
		it.token = page.Next
	}
	return page, true
}

// Stop ends iteration early. The first recorded reason wins.
func (it *PageIterator) Stop(reason StopReason) {
	it.stop(reason, nil)
}

func (it *PageIterator) stop(reason StopReason, err error) {
	if it.done {
		return
	}
	it.done = true
	it.reason = reason
	it.err = err
}

func (it *PageIterator) Pages() int         { return it.pages }
func (it *PageIterator) Reason() StopReason { return it.reason }
func (it *PageIterator) Err() error         { return it.err }

// ItemResult is handed to the sink for every item reference, failed or not.
type ItemResult struct {
	Ref    ItemRef
	Record *RawRecord
	Err    error
}

type Sink func(ctx context.Context, res ItemResult)

type DriverStats struct {
	Pages        int        `json:"pages"`
	PagesSkipped int        `json:"pages_skipped"`
	Items        int        `json:"items"`
	StopReason   StopReason `json:"stop_reason"`
	PageErr      error      `json:"-"`
}

// Driver pages through one source and fetches item details with bounded
// concurrency. Item failures are passed to the sink and never stop the walk.
type Driver struct {
	adapter Adapter
	limits  Limits
	log     *logrus.Entry
}

func NewDriver(adapter Adapter, limits Limits) *Driver {
	if limits.Concurrency < 1 {
		limits.Concurrency = 1
	}
	return &Driver{
		adapter: adapter,
		limits:  limits,
		log: logrus.WithFields(logrus.Fields{
			"component": "pagination",
			"source":    adapter.Source(),
		}),
	}
}

func (d *Driver) Pages(q Query) *PageIterator {
	return NewPageIterator(d.adapter, q, d.limits.MaxPages)
}

func (d *Driver) Run(ctx context.Context, q Query, sink Sink) DriverStats {
	it := d.Pages(q)
	var stats DriverStats

	for {
		page, ok := it.Next(ctx)
		if !ok {
			break
		}

		items := page.Items
		if d.limits.MaxItems > 0 {
			remaining := d.limits.MaxItems - stats.Items
			if len(items) >= remaining {
				items = items[:remaining]
				it.Stop(StopMaxItems)
			}
		}
		stats.Items += len(items)

		d.log.WithFields(logrus.Fields{
			"page":  it.Pages(),
			"items": len(items),
		}).Debug("Listing page fetched")

		d.fetchDetails(ctx, items, sink)
	}

	stats.Pages = it.Pages()
	stats.StopReason = it.Reason()
	if it.Reason() == StopPageError {
		stats.PagesSkipped = 1
		stats.PageErr = it.Err()
		d.log.WithError(it.Err()).Warn("Listing page failed, pagination stopped")
	}
	return stats
}

func (d *Driver) fetchDetails(ctx context.Context, items []ItemRef, sink Sink) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.limits.Concurrency)

	for _, ref := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				sink(gctx, ItemResult{Ref: ref, Err: err})
				return nil
			}
			rec, err := d.adapter.FetchDetail(gctx, ref)
			sink(gctx, ItemResult{Ref: ref, Record: rec, Err: err})
			return nil
		})
	}
	_ = g.Wait()
}
