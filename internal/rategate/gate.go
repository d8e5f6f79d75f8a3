// internal/rategate/gate.go
package rategate

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/javajoker/medequip-scraper/internal/config"
	"github.com/javajoker/medequip-scraper/internal/metrics"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitOpenError is returned by Acquire while a domain is cooling down.
type CircuitOpenError struct {
	Domain     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit open for %s, retry after %s", e.Domain, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for %s, trial request in flight", e.Domain)
}

type Option func(*Gate)

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(g *Gate) { g.sleep = sleep }
}

func WithRand(r *rand.Rand) Option {
	return func(g *Gate) { g.rnd = r }
}

// Gate throttles and guards all fetches to one domain. It combines a token
// bucket, a jitter window, exponential backoff after blocks and a circuit
// breaker. Safe for concurrent use.
type Gate struct {
	domain  string
	params  config.GateParams
	limiter *rate.Limiter
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	log     *logrus.Entry

	mu        sync.Mutex
	rnd       *rand.Rand
	state     State
	failures  int
	coolDown  time.Duration
	reopenAt  time.Time
	notBefore time.Time
	trial     bool
}

func New(domain string, params config.GateParams, opts ...Option) *Gate {
	limit := rate.Inf
	if params.RefillPerSecond > 0 {
		limit = rate.Limit(params.RefillPerSecond)
	}
	burst := params.Capacity
	if burst < 1 {
		burst = 1
	}

	g := &Gate{
		domain:   domain,
		params:   params,
		limiter:  rate.NewLimiter(limit, burst),
		now:      time.Now,
		sleep:    sleepContext,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		coolDown: params.CoolDown,
		log: logrus.WithFields(logrus.Fields{
			"component": "rategate",
			"domain":    domain,
		}),
	}
	for _, opt := range opts {
		opt(g)
	}

	metrics.SetCircuitState(domain, int(StateClosed))
	return g
}

// Permit is one granted fetch. Exactly one of Success, Block or Release
// should be called when the fetch is over; later calls are ignored.
type Permit struct {
	gate  *Gate
	trial bool
	done  bool
}

func (p *Permit) Success() {
	if p == nil || p.done {
		return
	}
	p.done = true
	p.gate.onSuccess(p.trial)
}

func (p *Permit) Block(reason string) {
	if p == nil || p.done {
		return
	}
	p.done = true
	p.gate.onBlock(p.trial, reason)
}

// Release gives the permit back without a verdict, e.g. on cancellation.
func (p *Permit) Release() {
	if p == nil || p.done {
		return
	}
	p.done = true
	p.gate.onRelease(p.trial)
}

// Acquire waits for the backoff deadline, a bucket token and a jitter delay.
// While the circuit is open it fails fast with *CircuitOpenError.
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	wait, trial, err := g.admit()
	if err != nil {
		return nil, err
	}
	permit := &Permit{gate: g, trial: trial}

	if err := g.sleep(ctx, wait); err != nil {
		permit.Release()
		return nil, err
	}
	if err := g.limiter.Wait(ctx); err != nil {
		permit.Release()
		return nil, err
	}
	if err := g.sleep(ctx, g.jitter()); err != nil {
		permit.Release()
		return nil, err
	}
	return permit, nil
}

func (g *Gate) admit() (time.Duration, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	trial := false

	switch g.state {
	case StateOpen:
		if now.Before(g.reopenAt) {
			return 0, false, &CircuitOpenError{Domain: g.domain, RetryAfter: g.reopenAt.Sub(now)}
		}
		g.setState(StateHalfOpen)
		g.trial = true
		trial = true
	case StateHalfOpen:
		if g.trial {
			return 0, false, &CircuitOpenError{Domain: g.domain}
		}
		g.trial = true
		trial = true
	}

	wait := g.notBefore.Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, trial, nil
}

func (g *Gate) onSuccess(trial bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = 0
	g.notBefore = time.Time{}
	if trial && g.state == StateHalfOpen {
		g.trial = false
		g.coolDown = g.params.CoolDown
		g.setState(StateClosed)
		g.log.Info("Circuit closed after successful trial")
	}
}

func (g *Gate) onBlock(trial bool, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.failures++
	g.notBefore = now.Add(g.backoffLocked(g.failures))
	metrics.RecordBlock(g.domain, reason)

	entry := g.log.WithFields(logrus.Fields{
		"reason":   reason,
		"failures": g.failures,
	})

	switch {
	case trial && g.state == StateHalfOpen:
		g.coolDown *= 2
		if g.coolDown > g.params.MaxCoolDown {
			g.coolDown = g.params.MaxCoolDown
		}
		g.openLocked(now)
		entry.WithField("cool_down", g.coolDown).Warn("Trial request blocked, circuit reopened")
	case g.state == StateClosed && g.failures >= g.params.FailureThreshold:
		g.openLocked(now)
		entry.WithField("cool_down", g.coolDown).Warn("Circuit opened")
	default:
		entry.Debug("Block signal recorded")
	}
}

func (g *Gate) onRelease(trial bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if trial && g.state == StateHalfOpen {
		g.trial = false
	}
}

func (g *Gate) openLocked(now time.Time) {
	g.trial = false
	g.reopenAt = now.Add(g.coolDown)
	g.setState(StateOpen)
}

func (g *Gate) setState(s State) {
	g.state = s
	metrics.SetCircuitState(g.domain, int(s))
}

// RetryDelay is the backoff to wait before retry number attempt of a
// transient failure. It does not touch the failure counter.
func (g *Gate) RetryDelay(attempt int) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.backoffLocked(attempt)
}

// backoffLocked is base * 2^min(n, cap) plus up to a quarter of that as jitter.
func (g *Gate) backoffLocked(n int) time.Duration {
	if g.params.BackoffBase <= 0 {
		return 0
	}
	if n > g.params.BackoffCap {
		n = g.params.BackoffCap
	}
	if n < 0 {
		n = 0
	}
	if n > 30 {
		n = 30
	}
	d := g.params.BackoffBase << uint(n)
	if spread := int64(d / 4); spread > 0 {
		d += time.Duration(g.rnd.Int63n(spread))
	}
	return d
}

func (g *Gate) jitter() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	span := int64(g.params.JitterMax - g.params.JitterMin)
	if span <= 0 {
		return g.params.JitterMin
	}
	return g.params.JitterMin + time.Duration(g.rnd.Int63n(span))
}

func (g *Gate) Domain() string {
	return g.domain
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

func (g *Gate) CoolDown() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.coolDown
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
