// internal/scraper/fetcher.go
package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/medequip-scraper/internal/metrics"
	"github.com/javajoker/medequip-scraper/internal/rategate"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeTransient
	outcomeBlocked
	outcomeFatal
	outcomeCancelled
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeTransient:
		return "transient"
	case outcomeBlocked:
		return "blocked"
	case outcomeFatal:
		return "fatal"
	default:
		return "cancelled"
	}
}

// outcome is the classified result of a single fetch attempt.
type outcome struct {
	kind   outcomeKind
	doc    *goquery.Document
	status int
	reason BlockReason
	err    error
}

type FetcherOptions struct {
	MaxAttempts    int
	RenderTimeout  time.Duration
	CaptchaMarkers []string
	// Sleep waits between transient retries. Defaults to a context-aware timer.
	Sleep func(context.Context, time.Duration) error
}

// Fetcher routes every page load through the domain's rate gate, classifies
// the result and applies the retry budget.
type Fetcher struct {
	renderer Renderer
	gates    *rategate.Registry
	opts     FetcherOptions
	log      *logrus.Entry
}

func NewFetcher(renderer Renderer, gates *rategate.Registry, opts FetcherOptions) *Fetcher {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RenderTimeout <= 0 {
		opts.RenderTimeout = 30 * time.Second
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Fetcher{
		renderer: renderer,
		gates:    gates,
		opts:     opts,
		log:      logrus.WithField("component", "fetcher"),
	}
}

// Fetch loads rawURL and returns its parsed document once waitFor is present.
//
// Hard blocks (403, 429, CAPTCHA) are reported to the gate and returned at
// once. A render timeout is a soft block: reported, then retried within the
// attempt budget. Network and 5xx failures are retried with the gate's
// backoff and count as one block only when the budget is spent.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, waitFor string) (*goquery.Document, error) {
	domain := rategate.DomainOf(rawURL)
	gate := f.gates.For(domain)
	log := f.log.WithFields(logrus.Fields{"domain": domain, "url": rawURL})

	var last outcome
	for attempt := 1; attempt <= f.opts.MaxAttempts; attempt++ {
		permit, err := gate.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		out := f.attempt(ctx, rawURL, waitFor)
		metrics.RecordFetch(domain, out.kind.String(), time.Since(start))

		switch out.kind {
		case outcomeSuccess:
			permit.Success()
			return out.doc, nil

		case outcomeFatal:
			// the site answered, it just has nothing for us
			permit.Success()
			return nil, &FetchError{URL: rawURL, Status: out.status, Err: out.err}

		case outcomeCancelled:
			permit.Release()
			return nil, out.err

		case outcomeBlocked:
			permit.Block(string(out.reason))
			log.WithFields(logrus.Fields{
				"reason":  out.reason,
				"status":  out.status,
				"attempt": attempt,
			}).Warn("Fetch blocked")
			if out.reason == BlockRenderTimeout && attempt < f.opts.MaxAttempts {
				last = out
				continue
			}
			return nil, &BlockSignal{URL: rawURL, Domain: domain, Reason: out.reason, Status: out.status}

		case outcomeTransient:
			last = out
			if attempt == f.opts.MaxAttempts {
				permit.Block(string(BlockTransientExhausted))
				break
			}
			permit.Release()
			delay := gate.RetryDelay(attempt)
			log.WithError(out.err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Transient fetch failure, retrying")
			if err := f.opts.Sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}

	return nil, &TransientFetchError{URL: rawURL, Attempts: f.opts.MaxAttempts, Err: last.err}
}

func (f *Fetcher) attempt(ctx context.Context, rawURL, waitFor string) outcome {
	renderCtx, cancel := context.WithTimeout(ctx, f.opts.RenderTimeout)
	defer cancel()

	res, err := f.renderer.Render(renderCtx, RenderRequest{
		URL:          rawURL,
		WaitFor:      waitFor,
		BlockMarkers: f.opts.CaptchaMarkers,
		Timeout:      f.opts.RenderTimeout,
	})
	if err != nil {
		return classifyError(ctx, err)
	}
	return f.classifyResult(res, waitFor)
}

func classifyError(ctx context.Context, err error) outcome {
	if ctx.Err() != nil {
		return outcome{kind: outcomeCancelled, err: ctx.Err()}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return outcome{kind: outcomeBlocked, reason: BlockRenderTimeout, err: err}
	}
	return outcome{kind: outcomeTransient, err: err}
}

func (f *Fetcher) classifyResult(res *RenderResult, waitFor string) outcome {
	status := res.Status
	switch {
	case status == http.StatusForbidden:
		return outcome{kind: outcomeBlocked, status: status, reason: BlockForbidden}
	case status == http.StatusTooManyRequests:
		return outcome{kind: outcomeBlocked, status: status, reason: BlockRateLimited}
	case status == http.StatusRequestTimeout || status >= 500:
		return outcome{kind: outcomeTransient, status: status, err: fmt.Errorf("server returned %d", status)}
	case status == http.StatusNotFound || status == http.StatusGone:
		return outcome{kind: outcomeFatal, status: status, err: ErrNotFound}
	case status >= 400:
		return outcome{kind: outcomeFatal, status: status, err: fmt.Errorf("client error %d", status)}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(res.HTML))
	if err != nil {
		return outcome{kind: outcomeFatal, status: status, err: fmt.Errorf("parse html: %w", err)}
	}

	for _, marker := range f.opts.CaptchaMarkers {
		if doc.Find(marker).Length() > 0 {
			return outcome{kind: outcomeBlocked, status: status, reason: BlockCaptcha}
		}
	}

	if waitFor != "" && doc.Find(waitFor).Length() == 0 {
		return outcome{kind: outcomeBlocked, status: status, reason: BlockRenderTimeout}
	}

	if res.FinalURL != "" {
		if u, err := url.Parse(res.FinalURL); err == nil {
			doc.Url = u
		}
	}
	return outcome{kind: outcomeSuccess, status: status, doc: doc}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
