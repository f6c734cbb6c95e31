// Package orchestrator drives the crawl: it owns the probe queue, dispatches
// fetches through the quota guard and proxy pool, classifies responses,
// schedules subdivision and retries, and persists progress after every probe.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/venuescout/gridcrawler/internal/checkpoint"
	"github.com/venuescout/gridcrawler/internal/extract"
	"github.com/venuescout/gridcrawler/internal/fetch"
	"github.com/venuescout/gridcrawler/internal/grid"
	"github.com/venuescout/gridcrawler/internal/proxy"
	"github.com/venuescout/gridcrawler/internal/quota"
)

// Platform is the quota-guard key for the single target service.
const Platform = "google_maps"

// captchaSignatures are scanned against the lowercased response body. A page
// matching any of them is a challenge, not a result list.
var captchaSignatures = []string{
	"recaptcha",
	"g-recaptcha",
	"hcaptcha",
	"captcha-form",
	"unusual traffic",
	"olağan dışı trafik",
	"automated queries",
}

// Fetcher performs one proxied page fetch.
type Fetcher interface {
	Fetch(ctx context.Context, url, proxyAddr string) (*fetch.Result, error)
}

// Extractor turns a rendered page into records plus the raw card count.
type Extractor interface {
	Parse(body []byte) ([]extract.Record, int, error)
}

// ProxyPool is the egress identity source.
type ProxyPool interface {
	Select(ctx context.Context, excluding map[string]struct{}) (proxy.Identity, error)
	MarkSuccess(addr string)
	MarkFailure(ctx context.Context, addr string)
}

// RateGuard gates dispatch against platform quotas and per-proxy windows.
type RateGuard interface {
	Acquire(ctx context.Context, platform string) error
	RecordDispatch(platform string)
	RecordResponse(platform string, statusCode int, retryAfter time.Duration)
	AwaitProxy(ctx context.Context, addr string) error
}

// Sink receives each unique venue record exactly once.
type Sink interface {
	Emit(rec extract.Record) error
}

// Config tunes orchestration behaviour.
type Config struct {
	GridSize         int
	BaseZoom         int
	Box              grid.BoundingBox
	Concurrency      int // clamped to [1,3]
	MaxProxyRetries  int
	MaxEmptyRetries  int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	NoProxyWait      time.Duration
	VerificationPass bool
}

// DefaultConfig covers the Istanbul restaurant crawl.
func DefaultConfig() Config {
	return Config{
		GridSize:         15,
		BaseZoom:         15,
		Box:              grid.BoundingBox{NELat: 41.20, NELng: 29.15, SWLat: 40.80, SWLng: 28.60},
		Concurrency:      2,
		MaxProxyRetries:  100,
		MaxEmptyRetries:  2,
		BreakerThreshold: 3,
		BreakerCooldown:  60 * time.Second,
		NoProxyWait:      30 * time.Second,
		VerificationPass: true,
	}
}

// Stats summarises a finished run.
type Stats struct {
	RunID             string
	ProbesCompleted   int
	ProbesSkipped     int
	ResultsFound      int
	DuplicatesElided  int
	EmptyCells        int
	Subdivisions      int
	MaxDepth          int
	CaptchaHits       int
	HostileResponses  int
	TransportFailures int
	Abandoned         int
}

// Orchestrator coordinates a single crawl run.
type Orchestrator struct {
	cfg       Config
	planner   *grid.Planner
	pool      ProxyPool
	guard     RateGuard
	fetcher   Fetcher
	extractor Extractor
	store     *checkpoint.Store
	sink      Sink

	mu            sync.Mutex
	cond          *sync.Cond
	queue         []grid.Probe
	inFlight      int
	pendingByRoot map[string]int
	deferrals     map[string]int
	state         *checkpoint.State
	verification  bool
	breakerFails  int
	stats         Stats

	sleep func(ctx context.Context, d time.Duration) error
}

// New wires an Orchestrator from its collaborators.
func New(cfg Config, planner *grid.Planner, pool ProxyPool, guard RateGuard, fetcher Fetcher, extractor Extractor, store *checkpoint.Store, sink Sink) *Orchestrator {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > 3 {
		cfg.Concurrency = 3
	}
	o := &Orchestrator{
		cfg:           cfg,
		planner:       planner,
		pool:          pool,
		guard:         guard,
		fetcher:       fetcher,
		extractor:     extractor,
		store:         store,
		sink:          sink,
		pendingByRoot: make(map[string]int),
		deferrals:     make(map[string]int),
		sleep:         sleepCtx,
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the full crawl: the main pass with adaptive subdivision, then
// a single verification sweep of the base grid with subdivision disabled.
// The returned stats are valid even when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	o.stats.RunID = uuid.New().String()
	logger := log.With().Str("run_id", o.stats.RunID).Logger()

	state, err := o.store.Load()
	if err != nil {
		return o.stats, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	o.state = state

	roots := o.planner.GenerateGrid(o.cfg.Box, o.cfg.GridSize, o.cfg.BaseZoom)

	seeded := 0
	for _, p := range roots {
		if _, done := state.CompletedProbes[p.Key()]; done {
			o.stats.ProbesSkipped++
			continue
		}
		o.enqueue(p)
		seeded++
	}
	logger.Info().
		Int("total_cells", len(roots)).
		Int("seeded", seeded).
		Int("skipped", o.stats.ProbesSkipped).
		Msg("Crawl pass starting")

	if err := o.runPass(ctx); err != nil {
		if errors.Is(err, quota.ErrDailyQuotaExceeded) || errors.Is(err, quota.ErrHourlyWaitExceeded) {
			sentry.CaptureException(err)
			logger.Warn().Err(err).Msg("Run aborted by platform quota")
		}
		return o.stats, err
	}

	if o.cfg.VerificationPass {
		o.mu.Lock()
		o.verification = true
		o.mu.Unlock()

		for _, p := range roots {
			o.enqueue(p)
		}
		logger.Info().Int("cells", len(roots)).Msg("Verification pass starting")
		if err := o.runPass(ctx); err != nil {
			if errors.Is(err, quota.ErrDailyQuotaExceeded) || errors.Is(err, quota.ErrHourlyWaitExceeded) {
				sentry.CaptureException(err)
			}
			return o.stats, err
		}
	}

	logger.Info().
		Int("probes", o.stats.ProbesCompleted).
		Int("results", o.stats.ResultsFound).
		Int("duplicates", o.stats.DuplicatesElided).
		Int("abandoned", o.stats.Abandoned).
		Msg("Crawl finished")
	return o.stats, nil
}

// runPass drains the queue with a bounded worker group. It returns the first
// fatal error (platform quota exhaustion or context cancellation); per-probe
// failures are absorbed by the retry policy.
func (o *Orchestrator) runPass(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		o.cond.Broadcast()
	})
	defer stop()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	for i := 0; i < o.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := o.worker(ctx); err != nil {
				errMu.Lock()
				if firstErr == nil && !errors.Is(err, context.Canceled) {
					firstErr = err
				}
				errMu.Unlock()
				cancel()
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return context.Cause(ctx)
}

func (o *Orchestrator) worker(ctx context.Context) error {
	for {
		p, ok := o.next(ctx)
		if !ok {
			return ctx.Err()
		}
		if err := o.processProbe(ctx, p); err != nil {
			o.finish()
			return err
		}
		o.finish()
	}
}

// next blocks until a probe is available or the pass is drained.
func (o *Orchestrator) next(ctx context.Context) (grid.Probe, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.queue) == 0 && o.inFlight > 0 && ctx.Err() == nil {
		o.cond.Wait()
	}
	if ctx.Err() != nil || len(o.queue) == 0 {
		return grid.Probe{}, false
	}
	p := o.queue[0]
	o.queue = o.queue[1:]
	o.inFlight++
	return p, true
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	o.inFlight--
	o.mu.Unlock()
	o.cond.Broadcast()
}

func (o *Orchestrator) enqueue(p grid.Probe) {
	o.mu.Lock()
	o.queue = append(o.queue, p)
	o.pendingByRoot[rootKey(p)]++
	o.mu.Unlock()
	o.cond.Broadcast()
}

// rootKey resolves the base grid cell a probe descends from. Subdivision
// children always carry the root cell's key so completion can be tracked
// with a flat counter regardless of depth.
func rootKey(p grid.Probe) string {
	if p.ParentKey != "" {
		return p.ParentKey
	}
	return p.Key()
}

type responseKind int

const (
	kindSuccess responseKind = iota
	kindCaptcha
	kindHostile
	kindTransport
)

// classify decides what a fetch result means for the retry policy.
func classify(res *fetch.Result) responseKind {
	switch res.StatusCode {
	case 429, 403, 407:
		return kindHostile
	}
	if res.StatusCode < 200 || res.StatusCode >= 400 {
		return kindTransport
	}
	// A redirect to the interstitial or consent flow means the result feed
	// never loaded.
	if strings.Contains(res.FinalURL, "google.com/sorry") ||
		strings.Contains(res.FinalURL, "consent.google.") {
		return kindCaptcha
	}
	// Turkish-aware folding: the dotless-ı signature has to match a body
	// served in any casing.
	body := extract.NormalizeTurkish(string(res.Body))
	for _, sig := range captchaSignatures {
		if strings.Contains(body, sig) {
			return kindCaptcha
		}
	}
	return kindSuccess
}

// processProbe runs one probe to completion: rotate proxies until the page
// yields, the empty budget is spent, or the proxy budget is exhausted. Only
// platform-level quota errors and cancellation propagate.
func (o *Orchestrator) processProbe(ctx context.Context, p grid.Probe) error {
	url := fetch.SearchURL(p.Lat, p.Lng, p.Zoom)
	logger := log.With().Str("probe", p.Key()).Int("depth", p.Depth).Logger()

	exclude := make(map[string]struct{})
	emptyRetries := 0

	for attempt := 0; attempt < o.cfg.MaxProxyRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		identity, err := o.pool.Select(ctx, exclude)
		if errors.Is(err, proxy.ErrNoProxyAvailable) {
			if len(exclude) > 0 {
				// Every identity is burned for this probe; start over
				// rather than stalling the whole cell.
				exclude = make(map[string]struct{})
				continue
			}
			logger.Warn().Dur("wait", o.cfg.NoProxyWait).Msg("Proxy pool empty, waiting")
			if err := o.sleep(ctx, o.cfg.NoProxyWait); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		if err := o.guard.Acquire(ctx, Platform); err != nil {
			return err
		}
		if err := o.guard.AwaitProxy(ctx, identity.Address); err != nil {
			return err
		}
		o.guard.RecordDispatch(Platform)

		res, err := o.fetcher.Fetch(ctx, url, identity.Address)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.noteFailure(&o.stats.TransportFailures)
			o.pool.MarkFailure(ctx, identity.Address)
			exclude[identity.Address] = struct{}{}
			logger.Debug().Err(err).Str("proxy", identity.Address).Msg("Transport failure, rotating proxy")
			if err := o.breakerPause(ctx); err != nil {
				return err
			}
			continue
		}

		o.guard.RecordResponse(Platform, res.StatusCode, res.RetryAfter)

		switch classify(res) {
		case kindHostile:
			o.noteFailure(&o.stats.HostileResponses)
			o.pool.MarkFailure(ctx, identity.Address)
			exclude[identity.Address] = struct{}{}
			logger.Warn().Int("status", res.StatusCode).Str("proxy", identity.Address).Msg("Hostile response, rotating proxy")
			if err := o.breakerPause(ctx); err != nil {
				return err
			}

		case kindCaptcha:
			// A challenge means this probe is being watched; re-hitting it
			// right away looks exactly like a bot. Send it to the back of
			// the queue instead.
			o.noteFailure(&o.stats.CaptchaHits)
			o.pool.MarkFailure(ctx, identity.Address)
			logger.Warn().Str("proxy", identity.Address).Msg("Challenge page served, deferring probe")
			if err := o.breakerPause(ctx); err != nil {
				return err
			}
			if o.deferProbe(p) {
				return nil
			}
			o.abandonProbe(p, logger)
			return nil

		case kindTransport:
			o.noteFailure(&o.stats.TransportFailures)
			o.pool.MarkFailure(ctx, identity.Address)
			exclude[identity.Address] = struct{}{}
			if err := o.breakerPause(ctx); err != nil {
				return err
			}

		case kindSuccess:
			o.resetBreaker()
			o.pool.MarkSuccess(identity.Address)

			records, rawCount, perr := o.extractor.Parse(res.Body)
			if perr != nil {
				logger.Error().Err(perr).Msg("Failed to parse result page")
				exclude[identity.Address] = struct{}{}
				continue
			}

			if rawCount == 0 {
				emptyRetries++
				if emptyRetries <= o.cfg.MaxEmptyRetries {
					logger.Debug().Int("retry", emptyRetries).Msg("Empty page, retrying with another proxy")
					exclude[identity.Address] = struct{}{}
					continue
				}
				o.mu.Lock()
				o.stats.EmptyCells++
				o.mu.Unlock()
				o.completeProbe(p, rawCount, logger)
				return nil
			}

			o.emitRecords(records, logger)
			o.completeProbe(p, rawCount, logger)
			return nil
		}
	}

	o.abandonProbe(p, logger)
	return nil
}

// deferProbe puts a probe at the back of the queue without touching its root
// cell's pending counter. Returns false once the probe's deferral budget is
// spent.
func (o *Orchestrator) deferProbe(p grid.Probe) bool {
	o.mu.Lock()
	o.deferrals[p.Key()]++
	ok := o.deferrals[p.Key()] <= o.cfg.MaxProxyRetries
	if ok {
		o.queue = append(o.queue, p)
	}
	o.mu.Unlock()
	o.cond.Broadcast()
	return ok
}

// abandonProbe gives up on a probe but still resolves it, so the root cell
// can complete. Lossy but bounded.
func (o *Orchestrator) abandonProbe(p grid.Probe, logger zerolog.Logger) {
	o.mu.Lock()
	o.stats.Abandoned++
	o.mu.Unlock()
	logger.Error().Int("attempts", o.cfg.MaxProxyRetries).Msg("Probe abandoned after exhausting retry budget")
	o.completeProbe(p, 0, logger)
}

// emitRecords deduplicates against the seen-ID set and forwards new venues
// to the sink.
func (o *Orchestrator) emitRecords(records []extract.Record, logger zerolog.Logger) {
	o.mu.Lock()
	fresh := records[:0]
	for _, rec := range records {
		if _, seen := o.state.SeenResultIDs[rec.ExternalID]; seen {
			o.stats.DuplicatesElided++
			continue
		}
		o.state.SeenResultIDs[rec.ExternalID] = struct{}{}
		o.stats.ResultsFound++
		fresh = append(fresh, rec)
	}
	o.mu.Unlock()

	for _, rec := range fresh {
		if err := o.sink.Emit(rec); err != nil {
			logger.Error().Err(err).Str("venue", rec.Name).Msg("Failed to emit record")
		}
	}
}

// completeProbe enqueues subdivision children when the cell is dense,
// settles the root cell's pending counter, and persists the checkpoint. The
// root key is only written once every descendant has resolved; a cell that
// still has children in flight must be re-crawled from scratch on resume.
func (o *Orchestrator) completeProbe(p grid.Probe, rawCount int, logger zerolog.Logger) {
	o.mu.Lock()
	verification := o.verification
	o.mu.Unlock()

	if o.planner.ShouldSubdivide(p, rawCount, verification) {
		children := o.planner.Subdivide(p)
		for _, child := range children {
			o.enqueue(child)
		}
		o.mu.Lock()
		o.stats.Subdivisions++
		if depth := p.Depth + 1; depth > o.stats.MaxDepth {
			o.stats.MaxDepth = depth
		}
		o.mu.Unlock()
		logger.Info().
			Int("raw_cards", rawCount).
			Int("children", len(children)).
			Int("zoom", p.Zoom+1).
			Msg("Dense cell, subdividing")
	}

	o.mu.Lock()
	o.stats.ProbesCompleted++
	root := rootKey(p)
	o.pendingByRoot[root]--
	settled := o.pendingByRoot[root] <= 0
	if settled {
		delete(o.pendingByRoot, root)
		// Children are never re-seeded individually, so only the root key
		// goes into the checkpoint.
		o.state.CompletedProbes[root] = struct{}{}
	}
	// Snapshot under the lock; Save runs concurrently with workers that
	// are still mutating the live maps.
	snapshot := o.state.Clone()
	o.mu.Unlock()

	if settled {
		logger.Info().Str("cell", root).Msg("Grid cell fully covered")
	}

	if err := o.store.Save(snapshot); err != nil {
		logger.Error().Err(err).Msg("Failed to persist checkpoint")
	}
}

// noteFailure bumps a failure stat and the breaker's consecutive counter.
func (o *Orchestrator) noteFailure(stat *int) {
	o.mu.Lock()
	*stat++
	o.breakerFails++
	o.mu.Unlock()
}

func (o *Orchestrator) resetBreaker() {
	o.mu.Lock()
	o.breakerFails = 0
	o.mu.Unlock()
}

// breakerPause cools the whole run down after a streak of consecutive
// failures, which usually means the platform is pushing back rather than one
// bad proxy.
func (o *Orchestrator) breakerPause(ctx context.Context) error {
	o.mu.Lock()
	tripped := o.breakerFails >= o.cfg.BreakerThreshold
	if tripped {
		o.breakerFails = 0
	}
	o.mu.Unlock()

	if !tripped {
		return nil
	}
	log.Warn().Dur("cooldown", o.cfg.BreakerCooldown).Msg("Failure streak, pausing all workers")
	return o.sleep(ctx, o.cfg.BreakerCooldown)
}
