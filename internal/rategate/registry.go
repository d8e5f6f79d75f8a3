// internal/rategate/registry.go
package rategate

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/javajoker/medequip-scraper/internal/config"
)

// Registry hands out one shared Gate per domain, creating gates lazily.
type Registry struct {
	mtx    sync.Mutex
	gates  map[string]*Gate
	params func(domain string) config.GateParams
	opts   []Option
}

func NewRegistry(params func(domain string) config.GateParams, opts ...Option) *Registry {
	return &Registry{
		gates:  make(map[string]*Gate),
		params: params,
		opts:   opts,
	}
}

// NewRegistryFromConfig maps each source's base URL host to that source's
// gate parameters. Unknown domains get the defaults.
func NewRegistryFromConfig(cfg *config.Config, opts ...Option) *Registry {
	byDomain := make(map[string]config.GateParams)
	for source, base := range cfg.Scraper.BaseURLs {
		byDomain[DomainOf(base)] = cfg.RateGate.GateFor(source)
	}
	defaults := cfg.RateGate.Defaults

	return NewRegistry(func(domain string) config.GateParams {
		if p, ok := byDomain[domain]; ok {
			return p
		}
		return defaults
	}, opts...)
}

func (r *Registry) For(domain string) *Gate {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	g, exists := r.gates[domain]
	if !exists {
		g = New(domain, r.params(domain), r.opts...)
		r.gates[domain] = g
	}
	return g
}

type GateStatus struct {
	Domain   string `json:"domain"`
	State    string `json:"state"`
	Failures int    `json:"failures"`
}

func (r *Registry) Snapshot() []GateStatus {
	r.mtx.Lock()
	gates := make([]*Gate, 0, len(r.gates))
	for _, g := range r.gates {
		gates = append(gates, g)
	}
	r.mtx.Unlock()

	out := make([]GateStatus, 0, len(gates))
	for _, g := range gates {
		out = append(out, GateStatus{Domain: g.Domain(), State: g.State().String(), Failures: g.Failures()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// DomainOf returns the lowercased host of rawURL without a leading "www.".
func DomainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.ToLower(rawURL)
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
