// Package proxy owns the set of network egress identities the crawler
// rotates through. The pool tracks failures per identity, quarantines
// repeat offenders permanently, and replenishes itself from an external
// supplier.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrNoProxyAvailable means selection found no identity at all, even after a
// refill attempt and with the rate filter relaxed.
var ErrNoProxyAvailable = errors.New("no proxy identity available")

// Identity is one egress identity and its health bookkeeping.
type Identity struct {
	Address             string // e.g. "http://1.2.3.4:8080"
	Protocol            string
	QualityTier         string
	ConsecutiveFailures int
	LastUsedAt          time.Time
	Quarantined         bool
}

// RateGate is the per-proxy availability check the pool consults during
// selection. QuotaGuard satisfies it.
type RateGate interface {
	ProxyAvailable(addr string) bool
}

// Config tunes pool behaviour.
type Config struct {
	// BanThreshold is the consecutive-failure count at which an identity is
	// quarantined. Quarantine is permanent: there is no rehabilitation path.
	BanThreshold int
	// PoolFloor is the active-pool size below which a refill is triggered
	// immediately after a quarantine event.
	PoolFloor int
	// ScarcityFraction triggers a refill during selection when viable
	// candidates drop below this fraction of the pool.
	ScarcityFraction float64
	// RefillInterval forces a periodic full refill regardless of failures,
	// to counter supplier-side expiry of identities.
	RefillInterval time.Duration
	// FetchLimit is the per-tier limit passed to the supplier.
	FetchLimit int
}

// DefaultConfig returns the pool tuning used in production runs.
func DefaultConfig() Config {
	return Config{
		BanThreshold:     3,
		PoolFloor:        20,
		ScarcityFraction: 0.25,
		RefillInterval:   30 * time.Minute,
		FetchLimit:       500,
	}
}

// Pool is the active set of proxy identities.
type Pool struct {
	cfg      Config
	supplier Supplier
	gate     RateGate

	mu          sync.Mutex
	active      map[string]*Identity
	knownGood   map[string]struct{}
	quarantined map[string]struct{}
	lastRefill  time.Time

	now  func() time.Time
	pick func(n int) int
}

// NewPool creates a Pool that refills from the supplier and filters
// selection through the rate gate.
func NewPool(cfg Config, supplier Supplier, gate RateGate) *Pool {
	if cfg.BanThreshold <= 0 {
		cfg.BanThreshold = DefaultConfig().BanThreshold
	}
	if cfg.ScarcityFraction <= 0 {
		cfg.ScarcityFraction = DefaultConfig().ScarcityFraction
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = DefaultConfig().FetchLimit
	}
	return &Pool{
		cfg:         cfg,
		supplier:    supplier,
		gate:        gate,
		active:      make(map[string]*Identity),
		knownGood:   make(map[string]struct{}),
		quarantined: make(map[string]struct{}),
		now:         time.Now,
		pick:        rand.Intn,
	}
}

// Size returns the number of identities in the active pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// QuarantinedCount returns how many identities have been permanently removed.
func (p *Pool) QuarantinedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.quarantined)
}

// Refill fetches all tiers from the supplier and merges new endpoints into
// the active pool. Quarantined identities never come back. Supplier errors
// leave the pool unchanged.
func (p *Pool) Refill(ctx context.Context) error {
	results := make([][]Endpoint, len(Tiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, tier := range Tiers {
		g.Go(func() error {
			eps, err := p.supplier.FetchTier(gctx, tier, p.cfg.FetchLimit)
			if err != nil {
				// One bad tier must not sink the others.
				log.Warn().Err(err).Str("tier", tier).Msg("Proxy supplier tier fetch failed")
				return nil
			}
			results[i] = eps
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for i, tier := range Tiers {
		for _, ep := range results[i] {
			proto := strings.ToLower(ep.Protocol)
			if proto != "http" && proto != "https" {
				continue
			}
			if ep.IP == "" || ep.Port == 0 {
				continue
			}
			addr := fmt.Sprintf("%s://%s:%d", proto, ep.IP, ep.Port)
			if _, bad := p.quarantined[addr]; bad {
				continue
			}
			if _, exists := p.active[addr]; exists {
				continue
			}
			p.active[addr] = &Identity{
				Address:     addr,
				Protocol:    proto,
				QualityTier: tier,
			}
			added++
		}
	}
	p.lastRefill = p.now()

	log.Info().
		Int("added", added).
		Int("pool_size", len(p.active)).
		Msg("Refilled proxy pool")

	return nil
}

// Select picks an identity for the next request. Priority: known-good
// identities within their rate window, then the general pool; a refill is
// triggered when candidates run scarce; as a last resort the rate filter is
// relaxed rather than stalling the crawl.
func (p *Pool) Select(ctx context.Context, excluding map[string]struct{}) (Identity, error) {
	p.mu.Lock()
	needsPeriodic := p.cfg.RefillInterval > 0 && p.now().Sub(p.lastRefill) > p.cfg.RefillInterval
	p.mu.Unlock()

	if needsPeriodic {
		log.Info().Msg("Periodic proxy pool refresh")
		if err := p.Refill(ctx); err != nil {
			log.Warn().Err(err).Msg("Periodic proxy refill failed")
		}
	}

	p.mu.Lock()

	if id, ok := p.chooseLocked(p.goodCandidatesLocked(excluding, true)); ok {
		p.mu.Unlock()
		return id, nil
	}

	candidates := p.generalCandidatesLocked(excluding, true)
	if len(candidates) < p.scarcityFloorLocked() {
		poolSize := len(p.active)
		p.mu.Unlock()
		log.Info().
			Int("candidates", len(candidates)).
			Int("pool_size", poolSize).
			Msg("Viable proxies scarce, refilling pool")
		if err := p.Refill(ctx); err != nil {
			log.Warn().Err(err).Msg("Scarcity refill failed")
		}
		p.mu.Lock()
		candidates = p.generalCandidatesLocked(excluding, true)
	}

	if id, ok := p.chooseLocked(candidates); ok {
		p.mu.Unlock()
		return id, nil
	}

	// Last resort: ignore the rate window rather than stalling forever.
	log.Warn().Msg("All proxies rate-limited, relaxing window filter")
	candidates = p.generalCandidatesLocked(excluding, false)
	if len(candidates) == 0 {
		candidates = p.generalCandidatesLocked(nil, false)
	}
	id, ok := p.chooseLocked(candidates)
	p.mu.Unlock()
	if !ok {
		return Identity{}, ErrNoProxyAvailable
	}
	return id, nil
}

func (p *Pool) scarcityFloorLocked() int {
	floor := int(float64(len(p.active)) * p.cfg.ScarcityFraction)
	if floor < 5 {
		floor = 5
	}
	return floor
}

func (p *Pool) goodCandidatesLocked(excluding map[string]struct{}, rateFiltered bool) []*Identity {
	out := make([]*Identity, 0, len(p.knownGood))
	for addr := range p.knownGood {
		id, ok := p.active[addr]
		if !ok {
			continue
		}
		if _, skip := excluding[addr]; skip {
			continue
		}
		if rateFiltered && p.gate != nil && !p.gate.ProxyAvailable(addr) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (p *Pool) generalCandidatesLocked(excluding map[string]struct{}, rateFiltered bool) []*Identity {
	out := make([]*Identity, 0, len(p.active))
	for addr, id := range p.active {
		if _, skip := excluding[addr]; skip {
			continue
		}
		if rateFiltered && p.gate != nil && !p.gate.ProxyAvailable(addr) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (p *Pool) chooseLocked(candidates []*Identity) (Identity, bool) {
	if len(candidates) == 0 {
		return Identity{}, false
	}
	id := candidates[p.pick(len(candidates))]
	id.LastUsedAt = p.now()
	return *id, true
}

// MarkSuccess promotes an identity into the known-good subset and zeroes its
// failure counter.
func (p *Pool) MarkSuccess(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.active[addr]
	if !ok {
		return
	}
	id.ConsecutiveFailures = 0
	if _, already := p.knownGood[addr]; !already {
		p.knownGood[addr] = struct{}{}
		log.Debug().
			Str("proxy", addr).
			Int("known_good", len(p.knownGood)).
			Msg("Proxy promoted to known-good set")
	}
}

// MarkFailure increments an identity's failure counter and quarantines it at
// the ban threshold. A quarantine that drops the pool below its floor
// triggers an immediate refill rather than waiting for the next selection.
func (p *Pool) MarkFailure(ctx context.Context, addr string) {
	p.mu.Lock()
	id, ok := p.active[addr]
	if !ok {
		p.mu.Unlock()
		return
	}

	id.ConsecutiveFailures++
	if id.ConsecutiveFailures < p.cfg.BanThreshold {
		p.mu.Unlock()
		return
	}

	id.Quarantined = true
	delete(p.active, addr)
	delete(p.knownGood, addr)
	p.quarantined[addr] = struct{}{}
	size := len(p.active)
	p.mu.Unlock()

	log.Warn().
		Str("proxy", addr).
		Int("failures", id.ConsecutiveFailures).
		Int("pool_size", size).
		Msg("Proxy quarantined")

	if size < p.cfg.PoolFloor {
		if err := p.Refill(ctx); err != nil {
			log.Warn().Err(err).Msg("Post-quarantine refill failed")
		}
	}
}
