// File: internal/framework/data.go
package framework

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/filter"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
)

// PageMaxTries is how many times a URL is requested before it is recorded
// as a failure.
const PageMaxTries = 5

// replenishBatch is how many URLs are fetched at once when the page queue
// runs dry.
const replenishBatch = 10

// -- Dedup hashers --

func pageHash(p *page.Page) uint64 { return p.PersistentHash() }

func pathsHash(p *page.Page) uint64 {
	return murmur3.Sum64([]byte(p.URL + "\x00" + strings.Join(p.Paths(), "\n")))
}

func domHash(d page.DOM) uint64 { return d.PlayableHash() }

// -- URL queue --

// PushURL queues rawURL for fetching. It returns false if the URL is out of
// scope, redundant, already seen, or the scan accepts no more pages.
func (f *Framework) PushURL(rawURL string) bool {
	return f.pushURL(rawURL, false)
}

// pushURL with force skips the page limit check; it is used for the
// restricted path list.
func (f *Framework) pushURL(rawURL string, force bool) bool {
	if !force && !f.acceptsMorePages() {
		return false
	}
	normalized, err := f.scope.Normalize(rawURL, "")
	if err != nil {
		f.logger.Debug("URL rejected", zap.String("url", rawURL), zap.Error(err))
		return false
	}
	if f.urlFilter.Include(normalized) || f.scope.Redundant(normalized) {
		return false
	}
	if !f.urlFilter.Add(normalized) {
		return false
	}

	f.mu.Lock()
	f.urlQueue = append(f.urlQueue, normalized)
	f.urlQueueTotal++
	f.mu.Unlock()
	return true
}

// requeueURL puts a URL back for a retry, bypassing the filters.
func (f *Framework) requeueURL(rawURL string) {
	f.mu.Lock()
	f.urlQueue = append(f.urlQueue, rawURL)
	f.mu.Unlock()
}

func (f *Framework) popURL() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.urlQueue) > 0 {
		u := f.urlQueue[0]
		f.urlQueue = f.urlQueue[1:]
		// Scope may have changed since the URL was pushed.
		if f.scope.InScope(u) {
			return u, true
		}
	}
	return "", false
}

// -- Page queue --

// PushPage queues p for auditing. It returns false if p is out of scope,
// redundant, already seen, or the scan accepts no more pages.
func (f *Framework) PushPage(p *page.Page) bool {
	return f.pushPage(p, false)
}

func (f *Framework) pushPage(p *page.Page, force bool) bool {
	if !force && (!f.acceptsMorePages() || f.pageFilter.Include(p) ||
		f.scope.PageOut(p.URL, p.DOM.Depth) || f.scope.Redundant(p.URL)) {
		p.ClearCache()
		return false
	}

	// Lets the browser and the trainer know about elements we already have.
	f.elements.Update(p.Elements()...)

	f.mu.Lock()
	f.pageQueue = append(f.pageQueue, p)
	f.pageQueueTotal++
	f.mu.Unlock()
	f.pageFilter.Insert(p)
	return true
}

func (f *Framework) enqueuePage(p *page.Page) {
	f.mu.Lock()
	f.pageQueue = append(f.pageQueue, p)
	f.mu.Unlock()
}

func (f *Framework) popQueuedPage() *page.Page {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pageQueue) > 0 {
		p := f.pageQueue[0]
		f.pageQueue[0] = nil
		f.pageQueue = f.pageQueue[1:]
		if !f.scope.PageOut(p.URL, p.DOM.Depth) {
			return p
		}
	}
	return nil
}

func (f *Framework) hasWorkload() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urlQueue) > 0 || len(f.pageQueue) > 0
}

func (f *Framework) pageQueueEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pageQueue) == 0
}

func (f *Framework) urlQueueEmpty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urlQueue) == 0
}

// -- Fetching --

// popPage returns the next page to audit, fetching one from the URL queue
// when the page queue is empty. nil means there is nothing left.
func (f *Framework) popPage(ctx context.Context) (*page.Page, error) {
	if p := f.popQueuedPage(); p != nil {
		return p, nil
	}
	for !f.urlQueueEmpty() {
		var grabbed *page.Page
		queued, err := f.fetchNext(func(p *page.Page) { grabbed = p })
		if err != nil {
			return nil, err
		}
		if !queued {
			return nil, nil
		}
		if err := f.http.Run(ctx); err != nil {
			return nil, fmt.Errorf("framework: failed to fetch page: %w", err)
		}
		if grabbed != nil {
			return grabbed, nil
		}
	}
	return nil, nil
}

// fetchNext queues a request for the next URL. cb receives the page, or nil
// when the request failed.
func (f *Framework) fetchNext(cb func(*page.Page)) (bool, error) {
	rawURL, ok := f.popURL()
	if !ok {
		return false, nil
	}
	req := &httpclient.Request{Method: http.MethodGet, URL: rawURL, Performer: f}
	if err := f.http.Queue(req, func(resp *httpclient.Response) { cb(f.handleFetch(rawURL, resp)) }); err != nil {
		return false, fmt.Errorf("framework: failed to queue %s: %w", rawURL, err)
	}
	return true, nil
}

// handleFetch turns a fetch response into a page. Redirects are scheduled
// as new URLs; network failures are retried up to PageMaxTries times.
func (f *Framework) handleFetch(rawURL string, resp *httpclient.Response) *page.Page {
	if resp.Redirect() {
		location := resp.Location()
		if f.PushURL(location) {
			f.logger.Info("Scheduled redirection", zap.Int("code", resp.Code),
				zap.String("url", rawURL), zap.String("location", location))
		}
	}

	key := filter.StringHash(rawURL)
	if resp.Code != 0 {
		f.mu.Lock()
		delete(f.retries, key)
		f.mu.Unlock()
		return page.FromResponse(resp, f.pageOptions(rawURL))
	}

	reason := "timed out"
	if resp.Err != nil {
		reason = resp.Err.Error()
	}

	f.mu.Lock()
	f.retries[key]++
	tries := f.retries[key]
	exhausted := tries >= PageMaxTries
	if exhausted {
		delete(f.retries, key)
		f.failures = append(f.failures, rawURL)
	}
	f.mu.Unlock()

	if exhausted {
		f.logger.Error("Giving up trying to audit URL",
			zap.String("url", rawURL), zap.Int("tries", tries), zap.String("reason", reason))
		if f.metrics != nil {
			f.metrics.PageFailures.Inc()
		}
		return nil
	}
	f.logger.Warn("Retrying URL", zap.String("url", rawURL), zap.Int("tries", tries), zap.String("reason", reason))
	f.requeueURL(rawURL)
	return nil
}

// replenishPageQueue fetches a batch of URLs once the page queue is empty.
// Pages go straight into the queue; deduplicating them this early is
// premature.
func (f *Framework) replenishPageQueue(ctx context.Context) error {
	if !f.pageQueueEmpty() {
		return nil
	}
	for i := 0; i < replenishBatch; i++ {
		queued, err := f.fetchNext(func(p *page.Page) {
			if p != nil {
				f.enqueuePage(p)
			}
		})
		if err != nil {
			return err
		}
		if !queued {
			break
		}
	}
	if err := f.http.Run(ctx); err != nil {
		return fmt.Errorf("framework: failed to replenish the page queue: %w", err)
	}
	return nil
}

func (f *Framework) pageOptions(rawURL string) page.Options {
	return page.Options{
		LinkTemplates: f.linkTemplates,
		Cookies:       f.http.Cookies(rawURL),
	}
}

// -- Sitemap and paths --

func (f *Framework) addToSitemap(p *page.Page) {
	f.mu.Lock()
	f.sitemap[p.URL] = p.Code
	f.mu.Unlock()
}

// Sitemap returns the crawled URLs with their status codes.
func (f *Framework) Sitemap() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.sitemap))
	for k, v := range f.sitemap {
		out[k] = v
	}
	return out
}

// Failures returns the URLs given up on after PageMaxTries attempts.
func (f *Framework) Failures() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.failures...)
}

func (f *Framework) pushPaths(p *page.Page) int {
	if !f.pathsFilter.Add(p) {
		f.logger.Debug("Paths already seen", zap.String("url", p.URL))
		return 0
	}
	pushed := 0
	for _, path := range p.Paths() {
		if f.PushURL(path) {
			pushed++
		}
	}
	return pushed
}

// -- Limits --

func (f *Framework) crawl() bool { return !f.scope.Restricted() }

func (f *Framework) pageLimitReached() bool {
	f.mu.Lock()
	n := len(f.sitemap)
	f.mu.Unlock()
	return f.scope.PageLimitReached(n)
}

func (f *Framework) acceptsMorePages() bool {
	return f.crawl() && !f.pageLimitReached()
}
