// internal/scraper/browser_renderer.go
package scraper

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// BrowserRenderer drives a headless Chrome so script-rendered listings can
// be read. One browser is shared; every render opens its own tab.
type BrowserRenderer struct {
	browserCtx    context.Context
	cancelBrowser context.CancelFunc
	cancelAlloc   context.CancelFunc
}

func NewBrowserRenderer(parent context.Context, userAgent string, headless bool) (*BrowserRenderer, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(userAgent),
		chromedp.Flag("headless", headless),
		chromedp.WindowSize(1920, 1080),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// start the browser now so the first render does not pay for it
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, err
	}

	return &BrowserRenderer{
		browserCtx:    browserCtx,
		cancelBrowser: cancelBrowser,
		cancelAlloc:   cancelAlloc,
	}, nil
}

func (r *BrowserRenderer) Render(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	var status atomic.Int64
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		if e, ok := ev.(*network.EventResponseReceived); ok && e.Type == network.ResourceTypeDocument {
			status.CompareAndSwap(0, e.Response.Status)
		}
	})

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancelRun := context.WithTimeout(tabCtx, timeout)
	defer cancelRun()

	actions := []chromedp.Action{
		network.Enable(),
		chromedp.Navigate(req.URL),
	}
	if sel := waitSelector(req); sel != "" {
		actions = append(actions, chromedp.WaitReady(sel, chromedp.ByQuery))
	}
	var html, location string
	actions = append(actions,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
	)

	err := chromedp.Run(runCtx, actions...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// an error page never shows the content marker; report its status
		if st := status.Load(); st >= 400 {
			return &RenderResult{Status: int(st), FinalURL: req.URL}, nil
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, context.DeadlineExceeded
		}
		return nil, err
	}

	return &RenderResult{
		Status:   int(status.Load()),
		FinalURL: location,
		HTML:     []byte(html),
	}, nil
}

func (r *BrowserRenderer) Close() {
	r.cancelBrowser()
	r.cancelAlloc()
}

// waitSelector matches either the content marker or any block marker, so
// a challenge page returns immediately instead of running into the timeout.
func waitSelector(req RenderRequest) string {
	parts := make([]string, 0, len(req.BlockMarkers)+1)
	if req.WaitFor != "" {
		parts = append(parts, req.WaitFor)
	}
	parts = append(parts, req.BlockMarkers...)
	return strings.Join(parts, ", ")
}
