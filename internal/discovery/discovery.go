// internal/discovery/discovery.go

// Package discovery finds URLs the site itself advertises, robots.txt rules
// and sitemaps, so the crawl does not depend on every page being linked.
package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

const (
	// DefaultMaxURLs caps how many URLs one discovery run returns.
	DefaultMaxURLs = 1000
	// maxSitemapDepth bounds sitemap index nesting.
	maxSitemapDepth = 3
	// maxSitemapSize caps a downloaded robots.txt or sitemap.
	maxSitemapSize = 10 << 20
	// fetchConcurrency limits concurrent sitemap downloads.
	fetchConcurrency = 4
)

// Fetcher performs a request synchronously.
type Fetcher interface {
	Do(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error)
}

// Scope decides which URLs may be requested.
type Scope interface {
	InScope(raw string) bool
}

// Runner performs passive discovery for a seed URL.
type Runner struct {
	client  Fetcher
	scope   Scope
	logger  *zap.Logger
	maxURLs int
	// sem limits concurrent downloads.
	sem chan struct{}
}

// New creates a Runner. maxURLs <= 0 uses DefaultMaxURLs.
func New(client Fetcher, scope Scope, maxURLs int, logger *zap.Logger) (*Runner, error) {
	if client == nil {
		return nil, errors.New("discovery: fetcher cannot be nil")
	}
	if scope == nil {
		return nil, errors.New("discovery: scope cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxURLs <= 0 {
		maxURLs = DefaultMaxURLs
	}
	return &Runner{
		client:  client,
		scope:   scope,
		logger:  logger.Named("discovery"),
		maxURLs: maxURLs,
		sem:     make(chan struct{}, fetchConcurrency),
	}, nil
}

// collector keeps the unique, in-scope URLs found so far, in discovery order.
type collector struct {
	mu    sync.Mutex
	scope Scope
	max   int
	seen  map[string]struct{}
	list  []string
}

func (c *collector) add(raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" || !c.scope.InScope(raw) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.list) >= c.max {
		return
	}
	if _, ok := c.seen[raw]; ok {
		return
	}
	c.seen[raw] = struct{}{}
	c.list = append(c.list, raw)
}

func (c *collector) full() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.list) >= c.max
}

func (c *collector) urls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.list...)
}

// Discover returns the in-scope URLs listed by the robots.txt and the
// sitemaps of the seed's origin. Failures only shrink the result.
func (r *Runner) Discover(ctx context.Context, seed string) []string {
	u, err := url.Parse(seed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		r.logger.Debug("Seed is not an absolute URL, skipping discovery", zap.String("seed", seed))
		return nil
	}
	origin := &url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}
	c := &collector{scope: r.scope, max: r.maxURLs, seen: make(map[string]struct{})}

	sitemaps := append([]string{resolve(origin, "/sitemap.xml")}, r.robots(ctx, origin, c)...)

	var wg sync.WaitGroup
	queued := make(map[string]bool, len(sitemaps))
	for _, loc := range sitemaps {
		if loc == "" || queued[loc] {
			continue
		}
		queued[loc] = true
		wg.Add(1)
		go func(loc string) {
			defer wg.Done()
			r.sitemap(ctx, loc, 0, c)
		}(loc)
	}
	wg.Wait()

	found := c.urls()
	r.logger.Info("Passive discovery finished", zap.String("origin", origin.String()), zap.Int("urls", len(found)))
	return found
}

// robots records the paths robots.txt mentions and returns the sitemaps it
// declares.
func (r *Runner) robots(ctx context.Context, origin *url.URL, c *collector) []string {
	robotsURL := resolve(origin, "/robots.txt")
	body, ok := r.fetch(ctx, robotsURL)
	if !ok {
		r.logger.Debug("robots.txt not found or inaccessible", zap.String("url", robotsURL))
		return nil
	}

	var sitemaps []string
	for _, line := range strings.Split(body, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		field, value, found := strings.Cut(strings.TrimSpace(line), ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)

		switch strings.ToLower(strings.TrimSpace(field)) {
		case "sitemap":
			sitemaps = append(sitemaps, resolve(origin, value))
		case "allow", "disallow":
			if !strings.HasPrefix(value, "/") {
				continue
			}
			// Wildcards and query patterns cannot be requested as is.
			value, _, _ = strings.Cut(value, "*")
			value, _, _ = strings.Cut(value, "?")
			value = strings.TrimSuffix(value, "$")
			if len(value) > 1 {
				c.add(resolve(origin, value))
			}
		}
	}
	return sitemaps
}

// sitemap collects the URLs of a sitemap, following sitemap indexes.
func (r *Runner) sitemap(ctx context.Context, loc string, depth int, c *collector) {
	if depth > maxSitemapDepth || c.full() || !r.scope.InScope(loc) {
		return
	}
	body, ok := r.fetch(ctx, loc)
	if !ok {
		r.logger.Debug("Failed to fetch sitemap", zap.String("url", loc))
		return
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromString(body); err != nil || doc.Root() == nil {
		r.logger.Debug("Sitemap is not XML", zap.String("url", loc), zap.Error(err))
		return
	}

	root := doc.Root()
	switch root.Tag {
	case "sitemapindex":
		var wg sync.WaitGroup
		for _, ref := range root.SelectElements("sitemap") {
			nested := locOf(ref)
			if nested == "" {
				continue
			}
			wg.Add(1)
			go func(nested string) {
				defer wg.Done()
				r.sitemap(ctx, nested, depth+1, c)
			}(nested)
		}
		wg.Wait()
	case "urlset":
		for _, entry := range root.SelectElements("url") {
			c.add(locOf(entry))
		}
	default:
		r.logger.Debug("Unknown sitemap format", zap.String("url", loc), zap.String("root", root.Tag))
	}
}

// fetch GETs rawURL and returns its body when the server answered 200.
func (r *Runner) fetch(ctx context.Context, rawURL string) (string, bool) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return "", false
	}
	defer func() { <-r.sem }()

	resp, err := r.client.Do(ctx, &httpclient.Request{
		Method:          http.MethodGet,
		URL:             rawURL,
		ResponseMaxSize: httpclient.Size(maxSitemapSize),
	})
	if err != nil || !resp.OK() || resp.Code != http.StatusOK {
		return "", false
	}
	return resp.Body, true
}

func locOf(el *etree.Element) string {
	if loc := el.SelectElement("loc"); loc != nil {
		return strings.TrimSpace(loc.Text())
	}
	return ""
}

// resolve makes ref absolute against base. Unparseable references yield "".
func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}
