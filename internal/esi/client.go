package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"evelogi/internal/config"
	"evelogi/internal/logger"
)

const defaultBaseURL = "https://esi.evetech.net/latest"

var (
	// ErrNotFound is returned when ESI answers 404. It is never retried.
	ErrNotFound = errors.New("esi: not found")
	// ErrUpstream wraps the last failure once every attempt is used up.
	ErrUpstream = errors.New("esi: upstream failure")
)

// Options configures a Client. Zero values take the defaults from config.Default.
type Options struct {
	BaseURL        string
	UserAgent      string
	MaxConcurrency int
	MaxAttempts    int
	RequestTimeout time.Duration
	RetryBackoff   time.Duration
	RateLimit      float64
	RateBurst      int
	StructureCache int
	HTTPClient     *http.Client
}

// OptionsFromConfig maps the esi config section to client options.
func OptionsFromConfig(c config.ESIConfig) Options {
	return Options{
		BaseURL:        c.BaseURL,
		UserAgent:      c.UserAgent,
		MaxConcurrency: c.MaxConcurrency,
		MaxAttempts:    c.MaxAttempts,
		RequestTimeout: c.RequestTimeout,
		RetryBackoff:   c.RetryBackoff,
		RateLimit:      c.RateLimit,
		RateBurst:      c.RateBurst,
		StructureCache: c.StructureCache,
	}
}

// Client is a rate-limited ESI HTTP client.
// Every request passes the limiter and the process-wide semaphore.
type Client struct {
	http           *http.Client
	baseURL        string
	userAgent      string
	sem            *semaphore.Weighted
	limiter        *rate.Limiter
	maxConcurrency int
	maxAttempts    int
	timeout        time.Duration
	backoff        time.Duration
	structures     *lru.Cache // int64 -> *StructureInfo
	requests       atomic.Int64
}

// NewClient creates an ESI client.
func NewClient(opts Options) *Client {
	d := config.Default().ESI
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = d.UserAgent
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = d.MaxConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.MaxAttempts
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = d.RequestTimeout
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = d.RateLimit
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = d.RateBurst
	}
	if opts.StructureCache <= 0 {
		opts.StructureCache = d.StructureCache
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	structures, _ := lru.New(opts.StructureCache)

	return &Client{
		http:           httpClient,
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		userAgent:      opts.UserAgent,
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		limiter:        rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst),
		maxConcurrency: opts.MaxConcurrency,
		maxAttempts:    opts.MaxAttempts,
		timeout:        opts.RequestTimeout,
		backoff:        opts.RetryBackoff,
		structures:     structures,
	}
}

// Requests reports how many HTTP requests the client has sent.
func (c *Client) Requests() int64 {
	return c.requests.Load()
}

// HealthCheck pings ESI to verify connectivity.
func (c *Client) HealthCheck(ctx context.Context) bool {
	var status struct {
		Players int `json:"players"`
	}
	_, err := c.once(ctx, c.baseURL+"/status/?datasource=tranquility", "", &status)
	return err == nil
}

// get performs a GET with retries and decodes the JSON body into dst.
func (c *Client) get(ctx context.Context, path string, query url.Values, token string, dst interface{}) (http.Header, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("datasource", "tranquility")
	u := c.baseURL + path + "?" + query.Encode()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 && c.backoff > 0 {
			wait := c.backoff << (attempt - 1)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		hdr, err := c.once(ctx, u, token, dst)
		if err == nil {
			return hdr, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		logger.Debug("ESI", fmt.Sprintf("GET %s attempt %d/%d: %v", path, attempt+1, c.maxAttempts, err))
	}
	return nil, fmt.Errorf("%w: GET %s after %d attempts: %w", ErrUpstream, path, c.maxAttempts, lastErr)
}

// once sends a single attempt bounded by the per-attempt timeout.
func (c *Client) once(ctx context.Context, u, token string, dst interface{}) (http.Header, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.requests.Add(1)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ESI %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return nil, fmt.Errorf("decode %s: %w", req.URL.Path, err)
	}
	return resp.Header, nil
}

// pageSet is the outcome of a paginated fetch.
type pageSet[T any] struct {
	items  []T
	pages  int
	failed int
}

// fetchPages reads page 1 for X-Pages, then pages 2..N concurrently.
// A failed later page is counted and skipped. A failed page 1 is an error.
func fetchPages[T any](ctx context.Context, c *Client, path string, query url.Values, token string) (pageSet[T], error) {
	pageQuery := func(p int) url.Values {
		q := url.Values{}
		for k, v := range query {
			q[k] = append([]string(nil), v...)
		}
		q.Set("page", strconv.Itoa(p))
		return q
	}

	var first []T
	hdr, err := c.get(ctx, path, pageQuery(1), token, &first)
	if err != nil {
		return pageSet[T]{}, err
	}

	total := 1
	if p := hdr.Get("X-Pages"); p != "" {
		if n, err := strconv.Atoi(p); err == nil && n > 1 {
			total = n
		}
	}
	if total == 1 {
		return pageSet[T]{items: first, pages: 1}, nil
	}

	results := make([][]T, total)
	results[0] = first
	var failed atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxConcurrency)
	for p := 2; p <= total; p++ {
		g.Go(func() error {
			var data []T
			if _, err := c.get(gctx, path, pageQuery(p), token, &data); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed.Add(1)
				logger.Warn("ESI", fmt.Sprintf("%s page %d/%d dropped: %v", path, p, total, err))
				return nil
			}
			results[p-1] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return pageSet[T]{}, err
	}

	size := 0
	for _, r := range results {
		size += len(r)
	}
	all := make([]T, 0, size)
	for _, r := range results {
		all = append(all, r...)
	}
	return pageSet[T]{items: all, pages: total, failed: int(failed.Load())}, nil
}
