// Package quota enforces per-platform request budgets and per-proxy request
// pacing. The guard only reports facts and gates dispatch; retry-vs-abandon
// decisions belong to the orchestrator.
package quota

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDailyQuotaExceeded means the platform's daily budget is spent. This
	// is a hard stop: the platform's crawl must abort for the rest of the day.
	ErrDailyQuotaExceeded = errors.New("daily request quota exceeded")

	// ErrHourlyWaitExceeded means the wait until the next hour boundary is
	// longer than the configured ceiling, so waiting it out is not worth it.
	ErrHourlyWaitExceeded = errors.New("hourly quota wait exceeds ceiling")
)

// Config holds per-platform budget tuning.
type Config struct {
	DailyLimit        int
	HourlyLimit       int
	Delay             time.Duration // minimum spacing between requests
	MaxBackoff        time.Duration // cap for hostile-response backoff
	HourlyWaitCeiling time.Duration // longest acceptable wait for an hour boundary
	ProxyWindowLimit  int           // requests per proxy per rolling window
	ProxyWindow       time.Duration
}

// DefaultConfig returns the budget tuning used in production runs.
func DefaultConfig() Config {
	return Config{
		DailyLimit:        5000,
		HourlyLimit:       400,
		Delay:             5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		HourlyWaitCeiling: 5 * time.Minute,
		ProxyWindowLimit:  2,
		ProxyWindow:       60 * time.Second,
	}
}

type platformState struct {
	dailyCount    int
	hourlyCount   int
	dailyResetAt  time.Time
	hourlyResetAt time.Time
	backoff       time.Duration
	lastDispatch  time.Time
}

// Guard tracks request budgets per platform and a rolling rate window per
// proxy identity. All waits are context-aware; nothing here blocks a thread
// past cancellation.
type Guard struct {
	cfg Config

	mu        sync.Mutex
	platforms map[string]*platformState
	proxies   map[string][]time.Time // dispatch stamps inside the rolling window

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewGuard creates a Guard with the given configuration.
func NewGuard(cfg Config) *Guard {
	if cfg.ProxyWindow <= 0 {
		cfg.ProxyWindow = 60 * time.Second
	}
	if cfg.ProxyWindowLimit <= 0 {
		cfg.ProxyWindowLimit = 2
	}
	return &Guard{
		cfg:       cfg,
		platforms: make(map[string]*platformState),
		proxies:   make(map[string][]time.Time),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Guard) state(platform string) *platformState {
	st, ok := g.platforms[platform]
	if !ok {
		st = &platformState{}
		g.platforms[platform] = st
	}
	return st
}

// resetCounters rolls the daily and hourly windows forward when their reset
// timestamps have elapsed. Boundaries are UTC.
func (st *platformState) resetCounters(now time.Time) {
	now = now.UTC()
	if !now.Before(st.dailyResetAt) {
		st.dailyCount = 0
		y, m, d := now.Date()
		st.dailyResetAt = time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}
	if !now.Before(st.hourlyResetAt) {
		st.hourlyCount = 0
		st.hourlyResetAt = now.Truncate(time.Hour).Add(time.Hour)
	}
}

// Acquire blocks until the platform is allowed to dispatch one request, or
// returns an abort condition. It enforces, in order: the daily hard stop, the
// hourly soft stop (bounded wait), and the inter-request spacing plus any
// active backoff.
func (g *Guard) Acquire(ctx context.Context, platform string) error {
	for {
		g.mu.Lock()
		st := g.state(platform)
		now := g.now().UTC()
		st.resetCounters(now)

		if st.dailyCount >= g.cfg.DailyLimit {
			g.mu.Unlock()
			log.Warn().
				Str("platform", platform).
				Int("daily_count", st.dailyCount).
				Msg("Daily quota exhausted")
			return ErrDailyQuotaExceeded
		}

		if st.hourlyCount >= g.cfg.HourlyLimit {
			wait := st.hourlyResetAt.Sub(now)
			g.mu.Unlock()
			if wait > g.cfg.HourlyWaitCeiling {
				log.Warn().
					Str("platform", platform).
					Dur("wait", wait).
					Dur("ceiling", g.cfg.HourlyWaitCeiling).
					Msg("Hourly quota wait too long")
				return ErrHourlyWaitExceeded
			}
			log.Info().
				Str("platform", platform).
				Dur("wait", wait).
				Msg("Hourly quota reached, waiting for hour boundary")
			if err := g.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		// Spacing and backoff are additive. The slot is claimed under the
		// lock so concurrent callers serialize their dispatch times instead
		// of all observing the same lastDispatch.
		pause := g.cfg.Delay + st.backoff
		slot := now
		if !st.lastDispatch.IsZero() {
			if at := st.lastDispatch.Add(pause); at.After(now) {
				slot = at
			}
		}
		st.lastDispatch = slot
		wait := slot.Sub(now)
		g.mu.Unlock()

		if wait > 0 {
			return g.sleep(ctx, wait)
		}
		return nil
	}
}

// RecordDispatch increments the platform counters. Counters only move after a
// request is actually dispatched, never speculatively.
func (g *Guard) RecordDispatch(platform string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(platform)
	now := g.now().UTC()
	st.resetCounters(now)
	st.dailyCount++
	st.hourlyCount++
	// Never rewind past a slot another caller already claimed in Acquire.
	if now.After(st.lastDispatch) {
		st.lastDispatch = now
	}
}

// RecordResponse adjusts the platform backoff from the response status code.
// retryAfter carries a Retry-After hint when the server sent one (zero
// otherwise).
func (g *Guard) RecordResponse(platform string, statusCode int, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state(platform)
	prev := st.backoff

	switch {
	case statusCode == 429 || statusCode == 403 || statusCode == 407:
		// Targeted hostility: double the penalty.
		next := max(st.backoff*2, g.cfg.Delay)
		next = max(next, retryAfter)
		st.backoff = min(next, g.cfg.MaxBackoff)
	case statusCode >= 500:
		// Transient server trouble, not targeting: gentler growth.
		next := max(st.backoff*3/2, g.cfg.Delay)
		st.backoff = min(next, g.cfg.MaxBackoff)
	case statusCode >= 200 && statusCode < 400:
		st.backoff = 0
	}

	if st.backoff != prev {
		log.Info().
			Str("platform", platform).
			Int("status", statusCode).
			Dur("backoff", st.backoff).
			Dur("previous", prev).
			Msg("Adjusted platform backoff")
	}
}

// Backoff returns the currently active backoff for a platform.
func (g *Guard) Backoff(platform string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state(platform).backoff
}

// Counts returns the current daily and hourly counters for a platform.
func (g *Guard) Counts(platform string) (daily, hourly int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.state(platform)
	st.resetCounters(g.now().UTC())
	return st.dailyCount, st.hourlyCount
}

// pruneProxyWindow drops dispatch stamps that have aged out of the rolling
// window and returns what remains. Caller holds g.mu.
func (g *Guard) pruneProxyWindow(addr string, now time.Time) []time.Time {
	stamps := g.proxies[addr]
	cutoff := now.Add(-g.cfg.ProxyWindow)
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		stamps = append(stamps[:0], stamps[i:]...)
		g.proxies[addr] = stamps
	}
	return stamps
}

// ProxyAvailable reports whether the proxy still has budget in its rolling
// window. It never consumes budget; selection filters call it freely.
func (g *Guard) ProxyAvailable(addr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pruneProxyWindow(addr, g.now())) < g.cfg.ProxyWindowLimit
}

// AwaitProxy consumes one slot of the proxy's rolling window. When the window
// is full it waits until the oldest dispatch ages out, so no window of
// ProxyWindow length ever holds more than ProxyWindowLimit requests.
func (g *Guard) AwaitProxy(ctx context.Context, addr string) error {
	for {
		g.mu.Lock()
		now := g.now()
		stamps := g.pruneProxyWindow(addr, now)
		if len(stamps) < g.cfg.ProxyWindowLimit {
			g.proxies[addr] = append(stamps, now)
			g.mu.Unlock()
			return nil
		}
		wait := stamps[0].Add(g.cfg.ProxyWindow).Sub(now)
		g.mu.Unlock()
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}
