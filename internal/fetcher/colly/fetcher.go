// Package collyfetcher implements scraper.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultUserAgent    = "Mozilla/5.0 (Compatible; MediaScraper/1.0)"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxBodyBytes = 5 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	// InsecureSkipVerify disables TLS certificate validation so self-signed
	// and expired certificates do not block a crawl.
	InsecureSkipVerify bool
	// Transport overrides the shared keep-alive transport.
	Transport http.RoundTripper
}

// Fetcher implements scraper.Fetcher using the Colly collector. One Fetcher
// owns one connection pool which every fetch reuses.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport(cfg.InsecureSkipVerify)
	}

	// colly truncates silently at MaxBodySize, so read one extra byte to
	// detect oversized bodies.
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(cfg.UserAgent),
		colly.MaxBodySize(cfg.MaxBodyBytes+1),
	)
	c.DisableCookies()
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch performs a single GET. Non-HTML responses are returned with an empty
// body so callers can gate on ContentType without paying for the download.
func (f *Fetcher) Fetch(ctx context.Context, url string) (scraper.FetchResponse, error) {
	state := &fetchState{start: time.Now(), maxBody: f.cfg.MaxBodyBytes}
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, state)

	err := f.runCollector(ctx, collector, url)
	return state.finish(url, err)
}

// Close releases idle keep-alive connections.
func (f *Fetcher) Close() {
	type idleCloser interface{ CloseIdleConnections() }
	if ic, ok := f.transport.(idleCloser); ok {
		ic.CloseIdleConnections()
	}
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, state *fetchState) {
	hooks.OnResponseHeaders(func(r *colly.Response) {
		state.inspectHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.result = scraper.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(state.start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

type abortReason int

const (
	abortNone abortReason = iota
	abortStatus
	abortTooLarge
	abortNotHTML
)

type fetchState struct {
	start   time.Time
	maxBody int
	result  scraper.FetchResponse
	err     error
	abort   abortReason
}

func (s *fetchState) inspectHeaders(r *colly.Response) {
	contentType := r.Headers.Get("Content-Type")
	switch {
	case r.StatusCode < 200 || r.StatusCode > 299:
		s.abort = abortStatus
	case declaredLength(r.Headers) > int64(s.maxBody):
		s.abort = abortTooLarge
	case !scraper.IsHTML(contentType):
		s.abort = abortNotHTML
	default:
		return
	}
	s.result = scraper.FetchResponse{
		URL:         r.Request.URL.String(),
		StatusCode:  r.StatusCode,
		ContentType: contentType,
		Duration:    time.Since(s.start),
	}
	r.Request.Abort()
}

func (s *fetchState) finish(url string, err error) (scraper.FetchResponse, error) {
	if err != nil && errors.Is(err, colly.ErrAbortedAfterHeaders) {
		switch s.abort {
		case abortNotHTML:
			return s.result, nil
		case abortTooLarge:
			return scraper.FetchResponse{}, scraper.NewFetchError(scraper.ErrFetchTooLarge, url, nil)
		case abortStatus:
			return scraper.FetchResponse{}, &scraper.FetchError{
				Kind:       scraper.ErrFetchNetwork,
				URL:        url,
				StatusCode: s.result.StatusCode,
			}
		}
	}
	if err != nil {
		return scraper.FetchResponse{}, classify(url, err)
	}
	if s.err != nil {
		return scraper.FetchResponse{}, classify(url, s.err)
	}
	if len(s.result.Body) > s.maxBody {
		return scraper.FetchResponse{}, scraper.NewFetchError(scraper.ErrFetchTooLarge, url, nil)
	}
	return s.result, nil
}

func classify(url string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return scraper.NewFetchError(scraper.ErrFetchTimeout, url, err)
	}
	return scraper.NewFetchError(scraper.ErrFetchNetwork, url, err)
}

func declaredLength(h *http.Header) int64 {
	if h == nil {
		return -1
	}
	n, err := strconv.ParseInt(h.Get("Content-Length"), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func newHTTPTransport(insecure bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecure, //nolint:gosec // controlled by http.insecure_skip_verify
			MinVersion:         tls.VersionTLS12,
		},
	}
}
