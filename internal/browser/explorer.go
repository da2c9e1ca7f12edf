// File: internal/browser/explorer.go

// Package browser explores pages in a headless browser. It replays the DOM
// transitions that led to a page, triggers the events it finds there and
// reports every resulting DOM state back as a new page.
package browser

import (
	"context"
	"net/http"
	"strings"

	"github.com/xkilldash9x/scalpel-audit/internal/page"
)

// Transition prefixes. A transition is "<event>:<selector>", except for the
// initial page load which is "load:<url>".
const (
	TransitionLoad = "load"
)

// Job describes a DOM state to explore.
type Job struct {
	URL string
	// Transitions lead from loading URL to the state to explore.
	Transitions []string
	Depth       int
	// Cookies are set in the browser before the page is loaded.
	Cookies []*http.Cookie
}

// JobFor builds the job exploring p one level deeper.
func JobFor(p *page.Page, cookies []*http.Cookie) Job {
	transitions := p.DOM.Transitions
	if len(transitions) == 0 {
		transitions = []string{Transition(TransitionLoad, p.URL)}
	}
	return Job{
		URL:         p.URL,
		Transitions: append([]string(nil), transitions...),
		Depth:       p.DOM.Depth,
		Cookies:     cookies,
	}
}

// Transition formats a transition step.
func Transition(event, target string) string {
	return event + ":" + target
}

// ParseTransition splits a transition step into its event and target.
func ParseTransition(t string) (event, target string, ok bool) {
	return strings.Cut(t, ":")
}

// Emit reports a DOM state. It returns false when the state was already
// seen.
type Emit func(*page.Page) bool

// Explorer drives a browser.
type Explorer interface {
	// Explore restores the job's DOM state, reports it, then triggers each
	// event found there and reports the resulting states.
	Explore(ctx context.Context, job Job, emit Emit) error
	Close() error
}
