// internal/scraper/errors.go
package scraper

import (
	"errors"
	"fmt"
)

type BlockReason string

const (
	BlockForbidden          BlockReason = "forbidden"
	BlockRateLimited        BlockReason = "rate_limited"
	BlockCaptcha            BlockReason = "captcha"
	BlockRenderTimeout      BlockReason = "render_timeout"
	BlockTransientExhausted BlockReason = "transient_exhausted"
)

var ErrNotFound = errors.New("page not found")

// BlockSignal means the site refused or challenged the request.
type BlockSignal struct {
	URL    string
	Domain string
	Reason BlockReason
	Status int
}

func (e *BlockSignal) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("blocked by %s (%s, status %d): %s", e.Domain, e.Reason, e.Status, e.URL)
	}
	return fmt.Sprintf("blocked by %s (%s): %s", e.Domain, e.Reason, e.URL)
}

// TransientFetchError is a network or server failure that survived every retry.
type TransientFetchError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// FetchError is a non-retryable failure such as a 404.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
