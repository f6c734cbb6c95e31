package proxy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSupplier struct {
	endpoints map[string][]Endpoint
	err       error
	calls     int
}

func (s *stubSupplier) FetchTier(_ context.Context, tier string, _ int) ([]Endpoint, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.endpoints[tier], nil
}

type stubGate struct {
	blocked map[string]bool
}

func (g *stubGate) ProxyAvailable(addr string) bool {
	return !g.blocked[addr]
}

func endpoints(n int) []Endpoint {
	out := make([]Endpoint, n)
	for i := range out {
		out[i] = Endpoint{IP: fmt.Sprintf("10.0.0.%d", i+1), Port: 8080, Protocol: "http"}
	}
	return out
}

func newTestPool(t *testing.T, cfg Config, sup Supplier, gate RateGate) *Pool {
	t.Helper()
	p := NewPool(cfg, sup, gate)
	p.pick = func(int) int { return 0 }
	return p
}

func TestRefillMergesValidEndpoints(t *testing.T) {
	sup := &stubSupplier{endpoints: map[string][]Endpoint{
		"high": {
			{IP: "10.0.0.1", Port: 8080, Protocol: "http"},
			{IP: "10.0.0.2", Port: 3128, Protocol: "HTTPS"},
			{IP: "10.0.0.3", Port: 1080, Protocol: "socks5"}, // unsupported
			{IP: "", Port: 8080, Protocol: "http"},           // malformed
		},
		"medium": {
			{IP: "10.0.0.1", Port: 8080, Protocol: "http"}, // duplicate
		},
	}}
	p := newTestPool(t, DefaultConfig(), sup, nil)

	require.NoError(t, p.Refill(context.Background()))
	assert.Equal(t, 2, p.Size())
}

func TestRefillSupplierFailureLeavesPoolUnchanged(t *testing.T) {
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(3)}}
	p := newTestPool(t, DefaultConfig(), sup, nil)
	require.NoError(t, p.Refill(context.Background()))
	require.Equal(t, 3, p.Size())

	sup.err = errors.New("supplier down")
	assert.NoError(t, p.Refill(context.Background()))
	assert.Equal(t, 3, p.Size())
}

func TestSelectPrefersKnownGood(t *testing.T) {
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(10)}}
	p := newTestPool(t, DefaultConfig(), sup, nil)
	require.NoError(t, p.Refill(context.Background()))

	p.MarkSuccess("http://10.0.0.7:8080")

	id, err := p.Select(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.7:8080", id.Address)
}

func TestSelectHonoursExclusions(t *testing.T) {
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(2)}}
	p := newTestPool(t, DefaultConfig(), sup, nil)
	require.NoError(t, p.Refill(context.Background()))

	excluding := map[string]struct{}{"http://10.0.0.1:8080": {}}
	for i := 0; i < 5; i++ {
		id, err := p.Select(context.Background(), excluding)
		require.NoError(t, err)
		assert.Equal(t, "http://10.0.0.2:8080", id.Address)
	}
}

func TestSelectRelaxesRateFilterAsLastResort(t *testing.T) {
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(2)}}
	gate := &stubGate{blocked: map[string]bool{
		"http://10.0.0.1:8080": true,
		"http://10.0.0.2:8080": true,
	}}
	p := newTestPool(t, DefaultConfig(), sup, gate)
	require.NoError(t, p.Refill(context.Background()))

	id, err := p.Select(context.Background(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id.Address, "selection must not stall when every proxy is rate-limited")
}

func TestSelectEmptyPoolAfterRefillFails(t *testing.T) {
	sup := &stubSupplier{err: errors.New("supplier down")}
	p := newTestPool(t, DefaultConfig(), sup, nil)

	_, err := p.Select(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoProxyAvailable)
}

func TestQuarantineAtBanThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanThreshold = 3
	cfg.PoolFloor = 0 // keep the refill out of this test
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(5)}}
	p := newTestPool(t, cfg, sup, nil)
	require.NoError(t, p.Refill(context.Background()))

	const victim = "http://10.0.0.1:8080"
	ctx := context.Background()
	p.MarkFailure(ctx, victim)
	p.MarkFailure(ctx, victim)
	assert.Equal(t, 5, p.Size(), "below threshold, identity stays")

	p.MarkFailure(ctx, victim)
	assert.Equal(t, 4, p.Size())
	assert.Equal(t, 1, p.QuarantinedCount())

	// Quarantined identities never come out of Select again.
	for i := 0; i < 10; i++ {
		id, err := p.Select(ctx, nil)
		require.NoError(t, err)
		assert.NotEqual(t, victim, id.Address)
	}
}

func TestQuarantinedIdentityNeverReturnsOnRefill(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolFloor = 0
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(3)}}
	p := newTestPool(t, cfg, sup, nil)
	require.NoError(t, p.Refill(context.Background()))

	const victim = "http://10.0.0.2:8080"
	ctx := context.Background()
	for i := 0; i < cfg.BanThreshold; i++ {
		p.MarkFailure(ctx, victim)
	}
	require.Equal(t, 2, p.Size())

	// Supplier still offers the banned endpoint; the pool must refuse it.
	require.NoError(t, p.Refill(ctx))
	assert.Equal(t, 2, p.Size())
}

func TestQuarantineBelowFloorTriggersRefill(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanThreshold = 1
	cfg.PoolFloor = 3
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(3)}}
	p := newTestPool(t, cfg, sup, nil)
	require.NoError(t, p.Refill(context.Background()))
	callsAfterFill := sup.calls

	p.MarkFailure(context.Background(), "http://10.0.0.1:8080")
	assert.Greater(t, sup.calls, callsAfterFill, "quarantine below floor must refill immediately")
}

func TestMarkSuccessResetsFailureCount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BanThreshold = 3
	cfg.PoolFloor = 0
	sup := &stubSupplier{endpoints: map[string][]Endpoint{"high": endpoints(1)}}
	p := newTestPool(t, cfg, sup, nil)
	require.NoError(t, p.Refill(context.Background()))

	const addr = "http://10.0.0.1:8080"
	ctx := context.Background()
	p.MarkFailure(ctx, addr)
	p.MarkFailure(ctx, addr)
	p.MarkSuccess(addr)
	p.MarkFailure(ctx, addr)
	p.MarkFailure(ctx, addr)

	assert.Equal(t, 1, p.Size(), "success must reset the consecutive-failure count")
}
