// File: internal/browser/chrome.go
package browser

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
)

const (
	settleDelay    = 150 * time.Millisecond
	readyTimeout   = 15 * time.Second
	defaultMaxTrig = 20
)

// discoverTriggers collects a unique CSS path for every element that reacts
// to an event, with the event to fire on it.
const discoverTriggers = `(function(limit) {
	const events = ['click', 'change', 'mouseover', 'submit', 'input', 'focus', 'blur', 'keyup'];
	function path(el) {
		const parts = [];
		while (el && el.nodeType === 1 && el !== document.documentElement) {
			let part = el.nodeName.toLowerCase();
			if (el.id) { parts.unshift(part + '#' + CSS.escape(el.id)); break; }
			let i = 1, sib = el;
			while ((sib = sib.previousElementSibling)) { if (sib.nodeName === el.nodeName) i++; }
			parts.unshift(part + ':nth-of-type(' + i + ')');
			el = el.parentElement;
		}
		return parts.join(' > ');
	}
	const out = [];
	for (const el of document.querySelectorAll('*')) {
		if (out.length >= limit) break;
		if (el.disabled) continue;
		for (const ev of events) {
			if (el.hasAttribute('on' + ev) || (ev === 'click' && el.tagName === 'A' && (el.getAttribute('href') || '').startsWith('javascript:'))) {
				out.push(ev + ':' + path(el));
				if (out.length >= limit) break;
			}
		}
	}
	return out;
})(%d)`

// ChromeExplorer explores DOM states with a shared headless Chrome process.
// Every Explore call gets its own tab.
type ChromeExplorer struct {
	cfg         config.BrowserConfig
	pageOptions page.Options
	logger      *zap.Logger

	initOnce      sync.Once
	initErr       error
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

var _ Explorer = (*ChromeExplorer)(nil)

// NewChromeExplorer creates an explorer. The browser is started on first use.
func NewChromeExplorer(cfg config.BrowserConfig, pageOptions page.Options, logger *zap.Logger) *ChromeExplorer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxEventTriggers <= 0 {
		cfg.MaxEventTriggers = defaultMaxTrig
	}
	return &ChromeExplorer{
		cfg:         cfg,
		pageOptions: pageOptions,
		logger:      logger.Named("chrome"),
	}
}

func (e *ChromeExplorer) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("headless", e.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", true),
	)
	if e.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(e.cfg.ExecPath))
	}
	return opts
}

func (e *ChromeExplorer) initialize() error {
	e.initOnce.Do(func() {
		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), e.allocatorOptions()...)
		browserCtx, browserCancel := chromedp.NewContext(allocCtx)
		if err := chromedp.Run(browserCtx); err != nil {
			browserCancel()
			allocCancel()
			e.initErr = fmt.Errorf("browser: failed to start chrome: %w", err)
			return
		}
		e.allocCancel = allocCancel
		e.browserCtx = browserCtx
		e.browserCancel = browserCancel
		e.logger.Info("Browser started", zap.Bool("headless", e.cfg.Headless))
	})
	return e.initErr
}

// Explore implements Explorer.
func (e *ChromeExplorer) Explore(ctx context.Context, job Job, emit Emit) error {
	if err := e.initialize(); err != nil {
		return err
	}
	logger := e.logger.With(zap.String("url", job.URL), zap.Int("depth", job.Depth))

	root, err := e.capture(ctx, job, "")
	if err != nil {
		return err
	}
	if !emit(root) {
		logger.Debug("DOM state already explored")
		return nil
	}
	triggers, err := e.triggers(ctx, job)
	if err != nil {
		return err
	}
	logger.Debug("Found event triggers", zap.Int("count", len(triggers)))

	for _, trigger := range triggers {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := e.capture(ctx, job, trigger)
		if err != nil {
			logger.Debug("Could not trigger event", zap.String("transition", trigger), zap.Error(err))
			continue
		}
		emit(p)
	}
	return nil
}

// capture restores the job's state in a fresh tab, optionally fires one more
// transition and snapshots the document.
func (e *ChromeExplorer) capture(ctx context.Context, job Job, trigger string) (*page.Page, error) {
	tab, cancel := e.tab(ctx)
	defer cancel()

	tasks := chromedp.Tasks{e.restore(job)}
	transitions := append([]string(nil), job.Transitions...)
	depth := job.Depth
	if trigger != "" {
		tasks = append(tasks, fire(trigger), chromedp.Sleep(settleDelay))
		transitions = append(transitions, trigger)
		depth++
	}

	var html, location string
	tasks = append(tasks,
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Location(&location),
	)
	if err := chromedp.Run(tab, tasks); err != nil {
		return nil, fmt.Errorf("browser: failed to capture %s: %w", job.URL, err)
	}
	return page.FromHTML(location, html, page.DOM{Depth: depth, Transitions: transitions}, e.pageOptions), nil
}

func (e *ChromeExplorer) triggers(ctx context.Context, job Job) ([]string, error) {
	tab, cancel := e.tab(ctx)
	defer cancel()

	var found []string
	if err := chromedp.Run(tab,
		e.restore(job),
		chromedp.Evaluate(fmt.Sprintf(discoverTriggers, e.cfg.MaxEventTriggers), &found),
	); err != nil {
		return nil, fmt.Errorf("browser: failed to discover triggers: %w", err)
	}
	return found, nil
}

// restore loads the job's URL with its cookies and replays its transitions.
func (e *ChromeExplorer) restore(job Job) chromedp.Action {
	tasks := chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			for _, c := range job.Cookies {
				if err := network.SetCookie(c.Name, c.Value).WithURL(job.URL).Do(ctx); err != nil {
					return fmt.Errorf("failed to set cookie %q: %w", c.Name, err)
				}
			}
			return nil
		}),
		chromedp.Navigate(job.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	}
	for _, t := range (page.DOM{Transitions: job.Transitions}).Playable() {
		tasks = append(tasks, fire(t), chromedp.Sleep(settleDelay))
	}
	return tasks
}

// fire dispatches a transition's event on its target.
func fire(transition string) chromedp.Action {
	event, selector, _ := ParseTransition(transition)
	script := fmt.Sprintf(`(function() {
		const el = document.querySelector(%s);
		if (!el) return false;
		if (%q === 'click' && typeof el.click === 'function') { el.click(); return true; }
		el.dispatchEvent(new Event(%q, {bubbles: true}));
		return true;
	})()`, strconv.Quote(selector), event, event)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		var ok bool
		if err := chromedp.Evaluate(script, &ok).Do(ctx); err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no element matches %q", selector)
		}
		return nil
	})
}

// tab opens a new tab bound to both the browser's lifetime and ctx.
func (e *ChromeExplorer) tab(ctx context.Context) (context.Context, context.CancelFunc) {
	tab, cancelTab := chromedp.NewContext(e.browserCtx)
	tab, cancelTimeout := context.WithTimeout(tab, readyTimeout)
	stop := context.AfterFunc(ctx, cancelTab)
	return tab, func() {
		stop()
		cancelTimeout()
		cancelTab()
	}
}

// Close shuts the browser down.
func (e *ChromeExplorer) Close() error {
	if e.browserCancel != nil {
		e.browserCancel()
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	return nil
}
