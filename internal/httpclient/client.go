// File: internal/httpclient/client.go

// Package httpclient is the request bus the auditors share. Requests are
// queued and performed concurrently, but their callbacks are delivered
// serially by Run, so analysis code never has to lock its own state.
package httpclient

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/network"
)

// ErrClosed is returned when queueing on a closed client.
var ErrClosed = errors.New("httpclient: client is closed")

// Callback receives a completed response.
type Callback func(*Response)

type completion struct {
	resp *Response
	cb   Callback
}

// Statistics summarizes the traffic performed so far.
type Statistics struct {
	Requests  uint64
	Responses uint64
	TimedOut  uint64
	Failed    uint64
	Pending   int
}

// Client performs requests for the auditors.
type Client struct {
	cfg    config.HTTPConfig
	http   *http.Client
	jar    http.CookieJar
	sem    *semaphore.Weighted
	limit  *rate.Limiter
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	mu         sync.Mutex
	pending    int
	ready      []completion
	afterRun   []func()
	onComplete []Callback
	onCookies  []func(*url.URL, []*http.Cookie)
	notify     chan struct{}

	nextID    atomic.Uint64
	requests  atomic.Uint64
	responses atomic.Uint64
	timedOut  atomic.Uint64
	failed    atomic.Uint64
}

// New creates a client from the HTTP configuration. A nil transport config
// uses the network package defaults.
func New(cfg config.HTTPConfig, transport *network.TransportConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("httpclient: concurrency must be positive, got %d", cfg.Concurrency)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("httpclient: failed to create cookie jar: %w", err)
	}

	if transport == nil {
		transport = network.NewDefaultTransportConfig()
	}
	transport.IgnoreTLSErrors = cfg.IgnoreTLSErrors
	transport.Logger = logger
	if transport.MaxConnsPerHost == 0 || transport.MaxConnsPerHost > cfg.Concurrency {
		transport.MaxConnsPerHost = cfg.Concurrency
	}

	limit := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limit = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		http:    network.NewHTTPClient(transport),
		jar:     jar,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		limit:   limit,
		logger:  logger.Named("httpclient"),
		baseCtx: ctx,
		cancel:  cancel,
		notify:  make(chan struct{}, 1),
	}, nil
}

// -- Hooks --

// OnComplete registers an observer called for every delivered response,
// after the request's own callback.
func (c *Client) OnComplete(fn Callback) {
	c.mu.Lock()
	c.onComplete = append(c.onComplete, fn)
	c.mu.Unlock()
}

// OnCookies registers an observer for cookies set by the server.
func (c *Client) OnCookies(fn func(*url.URL, []*http.Cookie)) {
	c.mu.Lock()
	c.onCookies = append(c.onCookies, fn)
	c.mu.Unlock()
}

// AfterRun registers a one-shot hook fired by Run once the queue drains.
// Hooks may queue more requests; Run keeps going until none are left.
func (c *Client) AfterRun(fn func()) {
	c.mu.Lock()
	c.afterRun = append(c.afterRun, fn)
	c.mu.Unlock()
}

// -- Cookies --

// CookieJar exposes the shared cookie jar.
func (c *Client) CookieJar() http.CookieJar { return c.jar }

// UpdateCookies stores cookies for rawURL.
func (c *Client) UpdateCookies(rawURL string, cookies []*http.Cookie) {
	u, err := url.Parse(rawURL)
	if err != nil || len(cookies) == 0 {
		return
	}
	c.jar.SetCookies(u, cookies)
}

// Cookies returns the cookies the jar would send to rawURL.
func (c *Client) Cookies(rawURL string) []*http.Cookie {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	return c.jar.Cookies(u)
}

// -- Dispatch --

// Queue schedules req and returns immediately. cb is invoked by Run.
func (c *Client) Queue(req *Request, cb Callback) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if req.ID == 0 {
		req.ID = c.nextID.Add(1)
	}

	c.mu.Lock()
	c.pending++
	c.mu.Unlock()

	go func() {
		resp := c.perform(c.baseCtx, req)
		c.mu.Lock()
		c.ready = append(c.ready, completion{resp: resp, cb: cb})
		c.mu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}()
	return nil
}

// Do performs req synchronously. Observers are notified before it returns.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if req.ID == 0 {
		req.ID = c.nextID.Add(1)
	}
	resp := c.perform(ctx, req)
	c.deliver(completion{resp: resp})
	return resp, nil
}

// Run delivers completed responses until every queued request, including
// those queued by callbacks and AfterRun hooks, has been delivered.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.ready) > 0 {
			batch := c.ready
			c.ready = nil
			c.pending -= len(batch)
			c.mu.Unlock()
			for _, comp := range batch {
				c.deliver(comp)
			}
			continue
		}
		if c.pending == 0 {
			hooks := c.afterRun
			c.afterRun = nil
			c.mu.Unlock()
			if len(hooks) == 0 {
				return nil
			}
			for _, hook := range hooks {
				hook()
			}
			continue
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.notify:
		}
	}
}

// Pending returns the number of queued requests not yet delivered.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Statistics returns traffic counters.
func (c *Client) Statistics() Statistics {
	return Statistics{
		Requests:  c.requests.Load(),
		Responses: c.responses.Load(),
		TimedOut:  c.timedOut.Load(),
		Failed:    c.failed.Load(),
		Pending:   c.Pending(),
	}
}

// Close cancels in-flight requests and rejects new ones. Responses of
// cancelled requests are still delivered by Run, flagged with Err.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.cancel()
	c.http.CloseIdleConnections()
}

func (c *Client) deliver(comp completion) {
	c.responses.Add(1)
	if comp.cb != nil {
		comp.cb(comp.resp)
	}
	c.mu.Lock()
	observers := append([]Callback(nil), c.onComplete...)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(comp.resp)
	}
}

// -- Transport --

func (c *Client) perform(ctx context.Context, req *Request) *Response {
	resp := &Response{Request: req, URL: req.EffectiveURL(), Headers: http.Header{}}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		resp.Err = err
		c.failed.Add(1)
		return resp
	}
	defer c.sem.Release(1)

	if err := c.limit.Wait(ctx); err != nil {
		resp.Err = err
		c.failed.Add(1)
		return resp
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := c.build(reqCtx, req)
	if err != nil {
		resp.Err = err
		c.failed.Add(1)
		return resp
	}

	c.requests.Add(1)
	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		resp.Time = time.Since(start)
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			resp.TimedOut = true
			c.timedOut.Add(1)
		} else {
			resp.Err = err
			c.failed.Add(1)
		}
		return resp
	}
	defer httpResp.Body.Close()

	resp.Code = httpResp.StatusCode
	resp.Headers = httpResp.Header

	maxSize := c.cfg.ResponseMaxSize
	if req.ResponseMaxSize != nil {
		maxSize = *req.ResponseMaxSize
	}
	body, partial, err := readBody(httpResp, maxSize)
	resp.Time = time.Since(start)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			resp.TimedOut = true
			resp.Code = 0
			c.timedOut.Add(1)
			return resp
		}
		resp.Err = err
		c.failed.Add(1)
		return resp
	}
	resp.Body = body
	resp.Partial = partial

	if cookies := httpResp.Cookies(); len(cookies) > 0 {
		c.jar.SetCookies(httpReq.URL, cookies)
		c.mu.Lock()
		hooks := append(([]func(*url.URL, []*http.Cookie))(nil), c.onCookies...)
		c.mu.Unlock()
		for _, fn := range hooks {
			fn(httpReq.URL, cookies)
		}
	}
	return resp
}

func (c *Client) build(ctx context.Context, req *Request) (*http.Request, error) {
	method := req.method()
	var body io.Reader
	contentType := ""
	switch {
	case req.Body != "":
		body = strings.NewReader(req.Body)
	case !req.paramsInQuery() && len(req.Parameters) > 0:
		form := url.Values{}
		for k, v := range req.Parameters {
			form.Set(k, v)
		}
		body = strings.NewReader(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.EffectiveURL(), body)
	if err != nil {
		return nil, fmt.Errorf("httpclient: invalid request for %s: %w", req.URL, err)
	}
	if c.cfg.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	// Explicit cookies win over the jar's.
	cookies := make(map[string]string)
	for _, ck := range c.jar.Cookies(httpReq.URL) {
		cookies[ck.Name] = ck.Value
	}
	for k, v := range req.Cookies {
		cookies[k] = v
	}
	if len(cookies) > 0 {
		parts := make([]string, 0, len(cookies))
		for k, v := range cookies {
			parts = append(parts, k+"="+url.QueryEscape(v))
		}
		httpReq.Header.Set("Cookie", strings.Join(parts, "; "))
	}
	return httpReq, nil
}

// readBody applies the size limit: negative is unlimited, zero discards the
// body entirely, positive truncates and flags the response as partial.
func readBody(resp *http.Response, maxSize int64) (string, bool, error) {
	if maxSize == 0 {
		return "", false, nil
	}
	var reader io.Reader = resp.Body
	if maxSize > 0 {
		reader = io.LimitReader(resp.Body, maxSize+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return "", false, err
	}
	partial := false
	if maxSize > 0 && int64(len(raw)) > maxSize {
		raw = raw[:maxSize]
		partial = true
	}

	decoded, err := decode(resp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		// Truncated compressed streams cannot be fully decoded.
		if partial {
			return string(decoded), true, nil
		}
		return "", false, fmt.Errorf("httpclient: failed to decode body: %w", err)
	}
	return string(decoded), partial, nil
}

func decode(encoding string, raw []byte) ([]byte, error) {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	case "deflate":
		fl := flate.NewReader(bytes.NewReader(raw))
		defer fl.Close()
		r = fl
	case "br":
		r = brotli.NewReader(bytes.NewReader(raw))
	default:
		return raw, nil
	}
	return io.ReadAll(r)
}
