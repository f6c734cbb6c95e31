package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Endpoint is one egress identity as reported by the supplier.
type Endpoint struct {
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// Tier names recognised by the supplier, in preference order.
var Tiers = []string{"high", "medium", "low"}

// Supplier hands out proxy endpoints by quality tier. Failures from a
// supplier must never crash a crawl; callers treat an error as "pool
// unchanged".
type Supplier interface {
	FetchTier(ctx context.Context, tier string, limit int) ([]Endpoint, error)
}

// HTTPSupplier talks to the proxy API over HTTP.
type HTTPSupplier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSupplier creates a supplier client for the given API base URL.
func NewHTTPSupplier(baseURL, apiKey string) *HTTPSupplier {
	return &HTTPSupplier{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

type tierResponse struct {
	Success bool       `json:"success"`
	Proxies []Endpoint `json:"proxies"`
}

// FetchTier returns up to limit endpoints of the requested quality tier.
func (s *HTTPSupplier) FetchTier(ctx context.Context, tier string, limit int) ([]Endpoint, error) {
	url := fmt.Sprintf("%s/api/v1/proxies/%s?limit=%d", s.baseURL, tier, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build supplier request: %w", err)
	}
	req.Header.Set("X-API-Key", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supplier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supplier returned status %d for tier %s", resp.StatusCode, tier)
	}

	var tr tierResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("failed to decode supplier response: %w", err)
	}
	if !tr.Success {
		return nil, fmt.Errorf("supplier reported failure for tier %s", tier)
	}

	log.Debug().
		Str("tier", tier).
		Int("count", len(tr.Proxies)).
		Msg("Fetched proxy tier from supplier")

	return tr.Proxies, nil
}
