// Package fetch issues probe requests against the mapping service through a
// rotating proxy, and reports transport facts without interpreting them.
package fetch

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
)

// searchURLTemplate is the mapping service's search endpoint, templated from
// probe coordinates and zoom.
const searchURLTemplate = "https://www.google.com/maps/search/restoran/@%.6f,%.6f,%dz?hl=tr"

// SearchURL builds the search request URL for a probe position.
func SearchURL(lat, lng float64, zoom int) string {
	return fmt.Sprintf(searchURLTemplate, lat, lng, zoom)
}

// defaultUserAgents is rotated per request so one egress identity does not
// present a single stable browser fingerprint.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
}

// Result carries the transport facts of one fetch. Classification into
// retry-or-abandon outcomes happens at the orchestrator, not here.
type Result struct {
	StatusCode   int
	Body         []byte
	FinalURL     string
	ResponseTime time.Duration
	RetryAfter   time.Duration
}

// Config controls fetcher behaviour.
type Config struct {
	Timeout    time.Duration
	UserAgents []string
}

// DefaultConfig returns the fetcher settings used in production runs.
func DefaultConfig() *Config {
	return &Config{
		Timeout:    30 * time.Second,
		UserAgents: defaultUserAgents,
	}
}

// Fetcher fetches rendered search pages through per-request proxies.
type Fetcher struct {
	cfg  *Config
	base *colly.Collector
	pick func(n int) int
}

// New creates a Fetcher. A nil config selects defaults.
func New(cfg *Config) *Fetcher {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = defaultUserAgents
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
	)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{cfg: cfg, base: c, pick: rand.Intn}
}

// Fetch requests url through proxyAddr and returns the response facts. A
// non-nil Result with a non-zero status is returned even for hostile status
// codes; an error means the request never produced an HTTP response.
func (f *Fetcher) Fetch(ctx context.Context, url, proxyAddr string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := f.base.Clone()
	c.UserAgent = f.cfg.UserAgents[f.pick(len(f.cfg.UserAgents))]
	if proxyAddr != "" {
		if err := c.SetProxy(proxyAddr); err != nil {
			return nil, fmt.Errorf("failed to set proxy %s: %w", proxyAddr, err)
		}
	}

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "tr-TR,tr;q=0.9,en-US;q=0.8,en;q=0.7")
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
	})

	var (
		res       *Result
		transport error
	)

	capture := func(r *colly.Response) {
		if r == nil || r.StatusCode == 0 {
			return
		}
		res = &Result{
			StatusCode: r.StatusCode,
			Body:       r.Body,
			FinalURL:   r.Request.URL.String(),
			RetryAfter: parseRetryAfter(r.Headers.Get("Retry-After"), time.Now()),
		}
	}

	c.OnResponse(capture)
	c.OnError(func(r *colly.Response, err error) {
		capture(r)
		transport = err
	})

	start := time.Now()
	if err := c.Visit(url); err != nil && transport == nil {
		transport = err
	}
	c.Wait()

	if res != nil {
		res.ResponseTime = time.Since(start)
		log.Debug().
			Str("url", url).
			Str("proxy", proxyAddr).
			Int("status", res.StatusCode).
			Dur("response_time", res.ResponseTime).
			Msg("Fetched probe page")
		return res, nil
	}
	if transport == nil {
		transport = fmt.Errorf("no response received for %s", url)
	}
	return nil, transport
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms of the
// Retry-After header.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
