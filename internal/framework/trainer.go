// File: internal/framework/trainer.go
package framework

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/filter"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/scope"
)

const (
	trainerWorkers     = 2
	maxTrainingsPerURL = 25
)

// PageSink receives what the trainer and the browser discover.
type PageSink interface {
	PushURL(rawURL string) bool
	PushPage(p *page.Page) bool
	AcceptsMorePages() bool
}

// Trainer inspects responses to audit requests for elements that were not
// on the page being audited, and turns them into new pages. This catches
// workflows that only reveal themselves once inputs are submitted.
type Trainer struct {
	sink     PageSink
	scope    *scope.Manager
	elements *filter.ElementFilter
	options  func(rawURL string) page.Options
	handoff  sync.Locker
	logger   *zap.Logger

	workers *ants.Pool
	pending atomic.Int64
	wg      sync.WaitGroup

	mu       sync.Mutex
	seed     *page.Page
	perURL   map[string]int
	analyzed *filter.Set[string]
}

// NewTrainer creates a trainer feeding sink. handoff serializes pushes with
// the other producers of pages.
func NewTrainer(sink PageSink, sc *scope.Manager, elements *filter.ElementFilter, options func(string) page.Options, handoff sync.Locker, logger *zap.Logger) (*Trainer, error) {
	if sink == nil || sc == nil || elements == nil {
		return nil, errors.New("framework: trainer requires a sink, a scope and an element filter")
	}
	if options == nil {
		options = func(string) page.Options { return page.Options{} }
	}
	if handoff == nil {
		handoff = &sync.Mutex{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers, err := ants.NewPool(trainerWorkers)
	if err != nil {
		return nil, fmt.Errorf("framework: failed to create trainer pool: %w", err)
	}
	return &Trainer{
		sink:     sink,
		scope:    sc,
		elements: elements,
		options:  options,
		handoff:  handoff,
		logger:   logger.Named("trainer"),
		workers:  workers,
		perURL:   make(map[string]int),
		analyzed: filter.NewStringSet(),
	}, nil
}

// Process makes p the page new elements are compared against.
func (t *Trainer) Process(p *page.Page) {
	t.elements.Update(p.Elements()...)
	t.mu.Lock()
	t.seed = p
	t.mu.Unlock()
}

// Observe is registered as an HTTP OnComplete observer. Only responses to
// requests flagged for training are considered.
func (t *Trainer) Observe(resp *httpclient.Response) {
	if resp == nil || resp.Request == nil || !resp.Request.Train || resp.Code == 0 {
		return
	}
	if resp.Redirect() {
		t.handoff.Lock()
		t.sink.PushURL(resp.Location())
		t.handoff.Unlock()
		return
	}
	t.push(resp)
}

func (t *Trainer) push(resp *httpclient.Response) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.seed == nil {
		t.logger.Debug("No seed page assigned yet")
		return false
	}
	if !t.sink.AcceptsMorePages() || !t.withinScope(resp) {
		return false
	}
	if !t.analyzed.Add(trainingKey(resp)) {
		return false
	}
	t.perURL[resp.URL]++

	t.pending.Add(1)
	t.wg.Add(1)
	err := t.workers.Submit(func() {
		defer t.wg.Done()
		defer t.pending.Add(-1)
		t.analyze(resp)
	})
	if err != nil {
		t.pending.Add(-1)
		t.wg.Done()
		t.logger.Warn("Could not schedule training", zap.Error(err))
		return false
	}
	return true
}

func (t *Trainer) withinScope(resp *httpclient.Response) bool {
	var reason string
	switch {
	case t.perURL[resp.URL] >= maxTrainingsPerURL:
		reason = "reached maximum trainings"
	case !t.scope.InScope(resp.URL):
		reason = "matched exclusion criteria"
	case t.scope.Redundant(resp.URL):
		reason = "matched redundancy filters"
	}
	if reason != "" {
		t.logger.Debug("Skipping training", zap.String("url", resp.URL), zap.String("reason", reason))
		return false
	}
	return true
}

// trainingKey folds responses with the same parameter names, cookie names
// and body.
func trainingKey(resp *httpclient.Response) string {
	var params []string
	if u, err := url.Parse(resp.URL); err == nil {
		for name := range u.Query() {
			params = append(params, name)
		}
	}
	slices.Sort(params)

	var cookies []string
	for _, c := range (&http.Response{Header: resp.Headers}).Cookies() {
		cookies = append(cookies, c.Name)
	}
	slices.Sort(cookies)

	h := murmur3.Sum64([]byte(resp.Body))
	return strings.Join(params, ",") + ":" + strings.Join(cookies, ",") + ":" + fmt.Sprint(h)
}

func (t *Trainer) analyze(resp *httpclient.Response) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Training panicked",
				zap.Any("panicValue", r),
				zap.String("stack", string(debug.Stack())),
			)
		}
	}()

	incoming := page.FromResponse(resp, t.options(resp.URL))
	newCookies := t.elements.Update(incoming.ElementsOf(element.KindCookie)...)

	t.mu.Lock()
	seed := t.seed
	t.mu.Unlock()
	if seed != nil && incoming.URL == seed.URL && incoming.Body == seed.Body && newCookies == 0 {
		incoming.ClearCache()
		t.logger.Debug("Page hasn't changed", zap.String("url", resp.URL))
		return
	}

	found := newCookies + t.elements.Update(incoming.ElementsOf(element.KindForm, element.KindLink)...)

	t.handoff.Lock()
	defer t.handoff.Unlock()
	for _, path := range incoming.Paths() {
		t.sink.PushURL(path)
	}
	if found == 0 {
		incoming.ClearCache()
		return
	}
	t.logger.Info("Found new elements", zap.String("url", resp.URL), zap.Int("count", found))
	t.sink.PushPage(incoming)
}

// Done reports whether no training is queued or running.
func (t *Trainer) Done() bool { return t.pending.Load() == 0 }

// Pending returns the number of queued or running trainings.
func (t *Trainer) Pending() int { return int(t.pending.Load()) }

// Wait blocks until all trainings finish or ctx is done.
func (t *Trainer) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown waits for running trainings and releases the workers.
func (t *Trainer) Shutdown(timeout time.Duration) error {
	if t.workers.IsClosed() {
		return nil
	}
	if err := t.workers.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("framework: trainer shutdown: %w", err)
	}
	return nil
}
