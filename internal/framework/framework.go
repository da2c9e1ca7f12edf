// File: internal/framework/framework.go

// Package framework drives a scan: it owns the URL and page queues, feeds
// pages to the checks and the browser, and implements the pause, abort,
// suspend and restore lifecycle.
package framework

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/analysis/timeout"
	"github.com/xkilldash9x/scalpel-audit/internal/audit"
	"github.com/xkilldash9x/scalpel-audit/internal/browser"
	"github.com/xkilldash9x/scalpel-audit/internal/check"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/filter"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/metrics"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
	"github.com/xkilldash9x/scalpel-audit/internal/scope"
)

// idlePoll is how often an exhausted workload is re-checked while the
// browser or the trainer are still busy.
const idlePoll = 100 * time.Millisecond

var (
	errAborted   = errors.New("framework: scan aborted")
	errSuspended = errors.New("framework: scan suspended")
)

// Browser explores the DOM of pages and reports new states through the
// callback, from its own goroutines.
type Browser interface {
	Queue(job browser.Job, cb browser.Callback) error
	Pending() int
	Done() bool
	SkipStates() []uint64
	LoadSkipStates(hashes []uint64)
	Shutdown() error
}

// Discoverer lists URLs the target advertises outside its link graph.
type Discoverer interface {
	Discover(ctx context.Context, seed string) []string
}

// Dependencies are the collaborators of a scan. Browser, Metrics,
// Snapshots and Discovery are optional.
type Dependencies struct {
	HTTP      *httpclient.Client
	Scope     *scope.Manager
	Platforms *platform.Manager
	Checks    *check.Manager
	Issues    *audit.Issues
	Browser   Browser
	Metrics   *metrics.Metrics
	Snapshots SnapshotStore
	// Discovery, when set, adds the URLs the site advertises to a fresh scan.
	Discovery Discoverer
}

// Framework runs one scan.
type Framework struct {
	scanID    string
	cfg       config.Interface
	logger    *zap.Logger
	http      *httpclient.Client
	scope     *scope.Manager
	platforms *platform.Manager
	checks    *check.Manager
	issues    *audit.Issues
	browser   Browser
	metrics   *metrics.Metrics
	snapshots SnapshotStore
	discovery Discoverer
	env       *check.Env
	trainer   *Trainer

	linkTemplates []*regexp.Regexp
	auditKinds    []element.Kind

	state     *state
	cancelRun context.CancelFunc
	cleanOnce sync.Once

	// handoff serializes pages arriving from the browser and the trainer.
	handoff sync.Mutex

	// Thread-safe on their own.
	elements        *filter.ElementFilter
	pageFilter      *filter.Set[*page.Page]
	urlFilter       *filter.Set[string]
	pathsFilter     *filter.Set[*page.Page]
	domFilter       *filter.Set[page.DOM]
	elementPreCheck *filter.Set[element.Element]

	mu             sync.Mutex
	urlQueue       []string
	pageQueue      []*page.Page
	urlQueueTotal  int
	pageQueueTotal int
	sitemap        map[string]int
	retries        map[uint64]int
	failures       []string
	auditedPages   int
	currentURL     string
	restored       bool
	started        time.Time
	finished       time.Time
	snapshotPath   string
	snapshotSaved  string
}

// New wires a scan. Configuration errors, such as malformed link templates,
// surface here so the scan never starts.
func New(scanID string, cfg config.Interface, deps Dependencies, logger *zap.Logger) (*Framework, error) {
	if cfg == nil {
		return nil, errors.New("framework: config cannot be nil")
	}
	if deps.HTTP == nil || deps.Scope == nil || deps.Checks == nil {
		return nil, errors.New("framework: HTTP client, scope and check manager are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("framework").With(zap.String("scan_id", scanID))
	if deps.Issues == nil {
		deps.Issues = audit.NewIssues()
	}
	if deps.Platforms == nil {
		deps.Platforms = platform.NewManager(logger)
	}

	auditCfg := cfg.Audit()
	templates := make([]*regexp.Regexp, 0, len(auditCfg.LinkTemplates))
	for _, raw := range auditCfg.LinkTemplates {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("framework: invalid link template %q: %w", raw, err)
		}
		templates = append(templates, re)
	}
	kinds := make([]element.Kind, 0, len(auditCfg.Elements))
	for _, k := range auditCfg.Elements {
		kinds = append(kinds, element.Kind(k))
	}

	actx, err := audit.NewContext(scanID, deps.HTTP, deps.Scope, deps.Platforms, deps.Issues, logger)
	if err != nil {
		return nil, fmt.Errorf("framework: failed to create audit context: %w", err)
	}
	actx.WithBothHTTPMethods = auditCfg.WithBothHTTPMethods
	actx.ParameterNames = auditCfg.ParameterNames

	analyzer, err := timeout.NewAnalyzer(actx)
	if err != nil {
		return nil, fmt.Errorf("framework: failed to create timeout analyzer: %w", err)
	}
	analyzer.SetDeduplicate(cfg.Timeout().Deduplicate)

	f := &Framework{
		scanID:          scanID,
		cfg:             cfg,
		logger:          logger,
		http:            deps.HTTP,
		scope:           deps.Scope,
		platforms:       deps.Platforms,
		checks:          deps.Checks,
		issues:          deps.Issues,
		browser:         deps.Browser,
		metrics:         deps.Metrics,
		snapshots:       deps.Snapshots,
		discovery:       deps.Discovery,
		env:             &check.Env{Audit: actx, Timeout: analyzer},
		linkTemplates:   templates,
		auditKinds:      kinds,
		state:           newState(),
		elements:        filter.NewElementFilter(),
		pageFilter:      filter.NewSet(pageHash),
		urlFilter:       filter.NewStringSet(),
		pathsFilter:     filter.NewSet(pathsHash),
		domFilter:       filter.NewSet(domHash),
		elementPreCheck: filter.NewSet(func(e element.Element) uint64 { return e.CoverageHash() }),
		sitemap:         make(map[string]int),
		retries:         make(map[uint64]int),
	}

	f.trainer, err = NewTrainer(f, deps.Scope, f.elements, f.pageOptions, &f.handoff, logger)
	if err != nil {
		return nil, err
	}

	deps.HTTP.OnComplete(func(resp *httpclient.Response) { f.platforms.Fingerprint(resp) })
	deps.HTTP.OnComplete(f.trainer.Observe)
	if f.metrics != nil {
		deps.HTTP.OnComplete(f.metrics.ObserveResponse)
		deps.Issues.Subscribe(f.metrics.ObserveIssue)
	}
	return f, nil
}

// Env returns the state checks run with.
func (f *Framework) Env() *check.Env { return f.env }

// Issues returns the scan's issue sink.
func (f *Framework) Issues() *audit.Issues { return f.issues }

// ScanID identifies the scan.
func (f *Framework) ScanID() string { return f.scanID }

// -- Lifecycle --

// Run performs the scan and blocks until it is done, aborted, suspended or
// ctx expires. A ctx deadline ends the scan as timed out.
func (f *Framework) Run(ctx context.Context) error {
	if err := f.state.start(); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	f.mu.Lock()
	f.started = time.Now()
	f.cancelRun = cancel
	f.mu.Unlock()

	f.logger.Info("Scan starting",
		zap.String("seed", f.scope.Seed()),
		zap.Strings("checks", f.checks.Shortnames()),
		zap.Bool("restored", f.restored),
	)
	if f.checks.Empty() {
		f.logger.Warn("No checks loaded, the scan will only crawl")
	}

	return f.finish(ctx, f.audit(runCtx))
}

func (f *Framework) finish(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, errSuspended):
		return nil
	case f.state.abortRequested():
		f.cleanUp(true)
		f.state.finish(StatusAborted)
		f.logger.Info("Scan aborted")
		return nil
	case err == nil:
		f.cleanUp(true)
		f.state.finish(StatusDone)
		f.logger.Info("Scan completed", zap.Int("audited_pages", f.AuditedPages()), zap.Int("issues", f.issues.Len()))
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		f.cleanUp(true)
		f.state.setMessage(msgTimedOut)
		f.state.finish(StatusTimedOut)
		f.logger.Warn("Scan timed out")
		return nil
	default:
		f.cleanUp(true)
		f.state.finish(StatusAborted)
		return err
	}
}

// cleanUp stops the helpers and empties the queues, once.
func (f *Framework) cleanUp(shutdownBrowser bool) {
	f.cleanOnce.Do(func() {
		f.state.forceResume()
		f.state.set(StatusCleanup)

		if shutdownBrowser && f.browser != nil {
			f.state.setMessage(msgBrowserShutdown)
			if err := f.browser.Shutdown(); err != nil {
				f.logger.Warn("Browser pool shutdown failed", zap.Error(err))
			}
		}
		if err := f.trainer.Shutdown(5 * time.Second); err != nil {
			f.logger.Warn("Trainer shutdown failed", zap.Error(err))
		}

		f.state.setMessage(msgClearingQueues)
		f.mu.Lock()
		f.pageQueue = nil
		f.urlQueue = nil
		f.finished = time.Now()
		f.mu.Unlock()
		f.publishMetrics()
	})
}

// handleSignals is the cooperative yield point: it blocks while paused and
// reports aborts and suspensions.
func (f *Framework) handleSignals(ctx context.Context) error {
	if err := f.waitIfPaused(ctx); err != nil {
		return err
	}
	if f.state.abortRequested() {
		return errAborted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.state.suspendRequested() {
		return f.suspendToDisk(ctx)
	}
	return nil
}

func (f *Framework) waitIfPaused(ctx context.Context) error {
	if !f.state.pauseRequested() {
		return nil
	}
	f.state.paused()
	f.logger.Info("Scan paused")
	err := f.state.wait(ctx, func() bool {
		return len(f.state.pauses) == 0 || f.state.abort
	})
	if err == nil {
		f.logger.Info("Scan resumed")
	}
	return err
}

func (f *Framework) suspendToDisk(ctx context.Context) error {
	if f.browser != nil {
		f.state.setMessage(msgWaitingBrowsers, f.browser.Pending())
		if err := f.browser.Shutdown(); err != nil {
			f.logger.Warn("Browser pool shutdown failed", zap.Error(err))
		}
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	location, err := f.saveSnapshot(saveCtx)
	if err != nil {
		return fmt.Errorf("framework: suspend failed: %w", err)
	}

	f.cleanUp(false)
	f.mu.Lock()
	f.snapshotSaved = location
	f.mu.Unlock()
	f.state.addMessage(msgSnapshotLocation, location)
	f.state.finish(StatusSuspended)
	f.logger.Info("Scan suspended", zap.String("snapshot", location))
	return errSuspended
}

// Close releases the workers of a scan that is not running. Run releases
// them on its own; Close covers frameworks that never ran.
func (f *Framework) Close() error {
	if f.state.isRunning() {
		return fmt.Errorf("%w: cannot close a running scan", ErrInvalidState)
	}
	return f.trainer.Shutdown(5 * time.Second)
}

// Pause asks the scan to pause at its next yield point and returns the ID
// of the request. Every request must be resumed for the scan to carry on.
func (f *Framework) Pause() uint64 {
	id := f.state.pause()
	f.logger.Info("Pause requested", zap.Uint64("pause_id", id))
	return id
}

// WaitPaused blocks until a requested pause is effective.
func (f *Framework) WaitPaused(ctx context.Context) error {
	return f.state.wait(ctx, func() bool {
		return f.state.status == StatusPaused || !f.state.running
	})
}

// Resume withdraws the pause request id.
func (f *Framework) Resume(id uint64) error {
	return f.state.resume(id)
}

// Abort stops the scan as soon as possible. In-flight analysis is dropped.
func (f *Framework) Abort() error {
	requested, err := f.state.requestAbort()
	if err != nil || !requested {
		return err
	}
	f.mu.Lock()
	cancel := f.cancelRun
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Suspend asks the scan to write a snapshot and stop once the current page
// is audited. Paused scans cannot be suspended.
func (f *Framework) Suspend() error {
	_, err := f.state.requestSuspend()
	return err
}

// Wait blocks until the scan reaches a terminal status.
func (f *Framework) Wait(ctx context.Context) error {
	return f.state.wait(ctx, func() bool { return f.state.status.Finished() })
}

// Status returns the lifecycle status.
func (f *Framework) Status() Status { return f.state.get() }

// StatusMessages describe what the scan is busy with.
func (f *Framework) StatusMessages() []string { return f.state.statusMessages() }

// Running reports whether Run is in progress, paused or not.
func (f *Framework) Running() bool { return f.state.isRunning() }

// SnapshotLocation returns where a suspended scan was saved.
func (f *Framework) SnapshotLocation() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshotSaved
}

// -- Audit loop --

func (f *Framework) audit(ctx context.Context) error {
	if err := f.handleSignals(ctx); err != nil {
		return err
	}
	f.state.scanning()

	if !f.restored {
		f.PushURL(f.scope.Seed())
		for _, u := range f.scope.ExtendPaths() {
			f.PushURL(u)
		}
		for _, u := range f.scope.RestrictPaths() {
			f.pushURL(u, true)
		}
		if f.discovery != nil && f.crawl() {
			for _, u := range f.discovery.Discover(ctx, f.scope.Seed()) {
				f.PushURL(u)
			}
		}
	}

	for {
		idleLogged := false
		for !f.hasWorkload() && f.helpersBusy() {
			if !idleLogged {
				f.logger.Info("Workload exhausted, waiting for new pages",
					zap.Int("browser_jobs", f.browserPending()), zap.Int("trainings", f.trainer.Pending()))
				idleLogged = true
			}
			if err := f.handleSignals(ctx); err != nil {
				return err
			}
			if err := sleep(ctx, idlePoll); err != nil {
				return err
			}
		}

		if err := f.auditQueues(ctx); err != nil {
			return err
		}

		if f.helpersBusy() {
			if err := sleep(ctx, idlePoll); err != nil {
				return err
			}
			continue
		}
		if f.pageLimitReached() || !f.hasWorkload() {
			return nil
		}
	}
}

func (f *Framework) auditQueues(ctx context.Context) error {
	for !f.pageLimitReached() {
		if err := f.handleSignals(ctx); err != nil {
			return err
		}
		p, err := f.popPage(ctx)
		if err != nil {
			return err
		}
		if p == nil {
			return nil
		}
		if _, err := f.AuditPage(ctx, p); err != nil {
			return err
		}
		// Last, so the page queue is exhausted before URLs are turned into
		// pages.
		if err := f.replenishPageQueue(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AuditPage runs the loaded checks against p. Pages the browser or the
// trainer derive from it are queued, not audited. It reports whether any
// check ran.
func (f *Framework) AuditPage(ctx context.Context, p *page.Page) (bool, error) {
	if p == nil {
		return false, nil
	}
	if f.scope.PageOut(p.URL, p.DOM.Depth) {
		f.logger.Info("Ignoring page due to exclusion criteria", zap.String("url", p.URL))
		p.ClearCache()
		return false, nil
	}

	f.mu.Lock()
	f.auditedPages++
	f.currentURL = p.URL
	f.mu.Unlock()
	f.addToSitemap(p)
	if f.metrics != nil {
		f.metrics.PagesAudited.Inc()
	}

	logger := f.logger.With(zap.String("url", p.URL), zap.Int("code", p.Code), zap.Int("dom_depth", p.DOM.Depth))
	if p.Response != nil && !p.Response.OK() {
		logger.Warn("Auditing page without a proper response")
	} else {
		logger.Info("Auditing page")
	}
	if names := f.platforms.For(p.URL); len(names) > 0 {
		logger.Info("Identified platforms", zap.Any("platforms", names))
	}

	if f.crawl() {
		logger.Debug("Page paths pushed", zap.Int("count", f.pushPaths(p)))
	}
	f.trainer.Process(p)
	f.performBrowserAnalysis(p)

	ran := 0
	if !f.checks.Empty() {
		f.preAuditElementFilter(p)
		var err error
		ran, err = f.checks.Run(ctx, p, f.env)
		if err != nil {
			if ctx.Err() != nil {
				return ran > 0, err
			}
			logger.Warn("Page audit incomplete", zap.Error(err))
		}
	}
	p.ClearCache()

	if f.env.Timeout.HasCandidates() {
		logger.Info("Processing timeout-analysis candidates", zap.Ints("pending", f.env.Timeout.Pending()))
		if err := f.env.Timeout.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return ran > 0, err
			}
			logger.Warn("Timeout analysis failed", zap.Error(err))
		}
	}

	f.mu.Lock()
	f.currentURL = ""
	f.mu.Unlock()
	f.publishMetrics()
	return ran > 0, nil
}

// preAuditElementFilter drops elements whose coverage was audited on an
// earlier page. Cookies and headers are global and always kept, as are
// kinds that are not audited at all.
func (f *Framework) preAuditElementFilter(p *page.Page) {
	elements := p.Elements()
	kept := elements[:0:0]
	dropped := 0
	for _, e := range elements {
		switch {
		case e.Kind() == element.KindCookie || e.Kind() == element.KindHeader:
		case len(f.auditKinds) > 0 && !slices.Contains(f.auditKinds, e.Kind()):
		case !f.elementPreCheck.Add(e):
			dropped++
			continue
		}
		kept = append(kept, e)
	}
	if dropped > 0 {
		p.SetElements(kept)
		f.logger.Debug("Elements already audited", zap.String("url", p.URL), zap.Int("dropped", dropped))
	}
}

// -- Browser feedback --

func (f *Framework) performBrowserAnalysis(p *page.Page) bool {
	if f.browser == nil || !f.acceptsMorePages() ||
		f.scope.DOMDepthLimit() < p.DOM.Depth+1 || !p.HasScript() {
		return false
	}
	// Empty journeys all hash alike, only dedup real ones.
	if len(p.DOM.Transitions) > 0 && !f.domFilter.Add(p.DOM) {
		return false
	}
	if err := f.browser.Queue(browser.JobFor(p, f.http.Cookies(p.URL)), f.handleBrowserPage); err != nil {
		f.logger.Warn("Could not queue DOM exploration", zap.String("url", p.URL), zap.Error(err))
		return false
	}
	return true
}

// handleBrowserPage runs on browser worker goroutines.
func (f *Framework) handleBrowserPage(p *page.Page) {
	f.handoff.Lock()
	defer f.handoff.Unlock()
	if !f.PushPage(p) {
		return
	}
	f.logger.Info("Got new page from the browser",
		zap.String("url", p.URL), zap.Int("dom_depth", p.DOM.Depth), zap.Strings("transitions", p.DOM.Transitions))
}

func (f *Framework) helpersBusy() bool {
	return f.browserPending() > 0 || !f.trainer.Done()
}

func (f *Framework) browserPending() int {
	if f.browser == nil {
		return 0
	}
	return f.browser.Pending()
}

// AcceptsMorePages reports whether crawling may add pages.
func (f *Framework) AcceptsMorePages() bool { return f.acceptsMorePages() }

// -- Statistics --

// Statistics is a progress report.
type Statistics struct {
	Status            Status                `json:"status"`
	Messages          []string              `json:"messages,omitempty"`
	Runtime           time.Duration         `json:"runtime"`
	AuditedPages      int                   `json:"audited_pages"`
	FoundPages        int                   `json:"found_pages"`
	URLQueue          int                   `json:"url_queue"`
	URLQueueTotal     int                   `json:"url_queue_total"`
	PageQueue         int                   `json:"page_queue"`
	PageQueueTotal    int                   `json:"page_queue_total"`
	Failures          int                   `json:"failures"`
	CurrentURL        string                `json:"current_url,omitempty"`
	BrowserJobs       int                   `json:"browser_jobs"`
	Trainings         int                   `json:"trainings"`
	TimeoutCandidates []int                 `json:"timeout_candidates"`
	Issues            int                   `json:"issues"`
	HTTP              httpclient.Statistics `json:"http"`
}

// AuditedPages returns how many pages have been audited.
func (f *Framework) AuditedPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auditedPages
}

// Statistics reports the scan's progress.
func (f *Framework) Statistics() Statistics {
	s := Statistics{
		Status:            f.state.get(),
		Messages:          f.state.statusMessages(),
		BrowserJobs:       f.browserPending(),
		Trainings:         f.trainer.Pending(),
		TimeoutCandidates: f.env.Timeout.Pending(),
		Issues:            f.issues.Len(),
		HTTP:              f.http.Statistics(),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.started.IsZero():
	case f.finished.IsZero():
		s.Runtime = time.Since(f.started)
	default:
		s.Runtime = f.finished.Sub(f.started)
	}
	s.AuditedPages = f.auditedPages
	s.FoundPages = len(f.sitemap)
	s.URLQueue = len(f.urlQueue)
	s.URLQueueTotal = f.urlQueueTotal
	s.PageQueue = len(f.pageQueue)
	s.PageQueueTotal = f.pageQueueTotal
	s.Failures = len(f.failures)
	s.CurrentURL = f.currentURL
	return s
}

func (f *Framework) publishMetrics() {
	if f.metrics == nil {
		return
	}
	f.mu.Lock()
	f.metrics.URLQueue.Set(float64(len(f.urlQueue)))
	f.metrics.PageQueue.Set(float64(len(f.pageQueue)))
	f.mu.Unlock()
	f.metrics.BrowserJobs.Set(float64(f.browserPending()))
	f.metrics.SetTimeoutCandidates(f.env.Timeout.Pending())
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
