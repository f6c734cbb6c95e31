package grid

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
)

// Probe is a single spatial search request: a coordinate pair at a map zoom
// level. Probes are immutable once created; identity is the rounded
// coordinate pair plus zoom.
type Probe struct {
	Lat       float64
	Lng       float64
	Zoom      int
	Depth     int
	ParentKey string
}

// Key returns the checkpoint identity for this probe.
func (p Probe) Key() string {
	return fmt.Sprintf("%.6f,%.6f,z%d", p.Lat, p.Lng, p.Zoom)
}

// BoundingBox describes the region to cover, as NE and SW corners.
type BoundingBox struct {
	NELat float64
	NELng float64
	SWLat float64
	SWLng float64
}

// PlannerConfig controls grid generation and subdivision.
type PlannerConfig struct {
	// OverlapFraction is the fractional overlap between sibling cells when a
	// probe is subdivided, so venues on cell edges are not lost.
	OverlapFraction float64
	// MaxZoom is the deepest useful zoom on the target service; subdivision
	// never crosses it.
	MaxZoom int
	// DensityThreshold is the raw card count at which a cell is considered
	// too dense to enumerate in one pass.
	DensityThreshold int
}

// DefaultPlannerConfig returns the planner tuning used in production runs.
func DefaultPlannerConfig() PlannerConfig {
	return PlannerConfig{
		OverlapFraction:  0.15,
		MaxZoom:          21,
		DensityThreshold: 100,
	}
}

// Planner produces the initial probe grid over a bounding box and computes
// child probes for cells that turn out to be too dense.
type Planner struct {
	cfg PlannerConfig

	// shuffle is swappable so tests can pin probe order.
	shuffle func(n int, swap func(i, j int))
}

// NewPlanner creates a Planner with the given configuration.
func NewPlanner(cfg PlannerConfig) *Planner {
	if cfg.OverlapFraction < 0 || cfg.OverlapFraction >= 1 {
		cfg.OverlapFraction = DefaultPlannerConfig().OverlapFraction
	}
	if cfg.MaxZoom <= 0 {
		cfg.MaxZoom = DefaultPlannerConfig().MaxZoom
	}
	if cfg.DensityThreshold <= 0 {
		cfg.DensityThreshold = DefaultPlannerConfig().DensityThreshold
	}
	return &Planner{cfg: cfg, shuffle: rand.Shuffle}
}

// Config returns the planner configuration.
func (pl *Planner) Config() PlannerConfig {
	return pl.cfg
}

// SetShuffle replaces the probe-order shuffle. Passing a no-op keeps grid
// order deterministic, which tests rely on.
func (pl *Planner) SetShuffle(fn func(n int, swap func(i, j int))) {
	pl.shuffle = fn
}

// GenerateGrid returns n*n probes spaced uniformly across the box at the base
// zoom. The order is shuffled so the target service never sees a sweeping
// scan pattern.
func (pl *Planner) GenerateGrid(box BoundingBox, n, zoom int) []Probe {
	probes := make([]Probe, 0, n*n)

	latStep, lngStep := 0.0, 0.0
	if n > 1 {
		latStep = (box.NELat - box.SWLat) / float64(n-1)
		lngStep = (box.NELng - box.SWLng) / float64(n-1)
	}

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			probes = append(probes, Probe{
				Lat:  round6(box.SWLat + float64(i)*latStep),
				Lng:  round6(box.SWLng + float64(j)*lngStep),
				Zoom: zoom,
			})
		}
	}

	pl.shuffle(len(probes), func(i, j int) {
		probes[i], probes[j] = probes[j], probes[i]
	})

	log.Info().
		Int("points", len(probes)).
		Int("zoom", zoom).
		Float64("sw_lat", box.SWLat).Float64("sw_lng", box.SWLng).
		Float64("ne_lat", box.NELat).Float64("ne_lng", box.NELng).
		Msg("Generated probe grid")

	return probes
}

// CoverageSpan estimates the lat/lng degrees covered by one probe at the
// given zoom. Calibrated against the target service: roughly 0.027 x 0.035
// degrees at zoom 15, halving with each zoom step.
func CoverageSpan(zoom int) (latSpan, lngSpan float64) {
	scale := math.Pow(2, float64(15-zoom))
	return 0.027 * scale, 0.035 * scale
}

// Subdivide splits a dense probe into four children at zoom+1. The children
// overlap by the configured fraction so their combined coverage is never
// smaller than the parent's.
func (pl *Planner) Subdivide(p Probe) []Probe {
	childZoom := p.Zoom + 1
	latSpan, lngSpan := CoverageSpan(p.Zoom)

	shrink := 1.0 - pl.cfg.OverlapFraction
	latStep := latSpan / 2 * shrink
	lngStep := lngSpan / 2 * shrink

	parentKey := p.Key()
	if p.ParentKey != "" {
		// Children of a subdivided cell keep rolling completion up to the
		// original grid cell.
		parentKey = p.ParentKey
	}

	children := make([]Probe, 0, 4)
	for _, dLat := range []float64{-latStep, latStep} {
		for _, dLng := range []float64{-lngStep, lngStep} {
			children = append(children, Probe{
				Lat:       round6(p.Lat + dLat),
				Lng:       round6(p.Lng + dLng),
				Zoom:      childZoom,
				Depth:     p.Depth + 1,
				ParentKey: parentKey,
			})
		}
	}

	log.Debug().
		Str("parent", p.Key()).
		Int("child_zoom", childZoom).
		Int("depth", p.Depth+1).
		Msg("Subdivided dense probe")

	return children
}

// ShouldSubdivide reports whether a probe that returned rawCardCount result
// cards warrants a finer-grained re-scan. Subdivision is suppressed during a
// verification pass to bound its cost.
func (pl *Planner) ShouldSubdivide(p Probe, rawCardCount int, verificationPass bool) bool {
	return rawCardCount >= pl.cfg.DensityThreshold &&
		p.Zoom < pl.cfg.MaxZoom &&
		!verificationPass
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
