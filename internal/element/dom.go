// File: internal/element/dom.go
package element

import (
	"fmt"
	"net/http"
	"slices"
)

// DOM is an input the browser found on a rendered page, reachable only by
// replaying transitions. It is not submittable over HTTP.
type DOM struct {
	Base
	// Locator identifies the node in the page (a CSS selector).
	Locator     string
	transitions []string
}

// NewLinkDOM creates a DOM link whose inputs live in the URL fragment or are
// consumed by client-side routing.
func NewLinkDOM(action, locator string, inputs map[string]string, transitions []string) *DOM {
	return &DOM{
		Base:        newBase(KindLinkDOM, action, http.MethodGet, inputs),
		Locator:     locator,
		transitions: slices.Clone(transitions),
	}
}

// NewFormDOM creates a DOM form submitted by script.
func NewFormDOM(action, locator string, inputs map[string]string, transitions []string) *DOM {
	return &DOM{
		Base:        newBase(KindFormDOM, action, http.MethodGet, inputs),
		Locator:     locator,
		transitions: slices.Clone(transitions),
	}
}

// Transitions returns the event sequence that leads to the element.
func (d *DOM) Transitions() []string { return slices.Clone(d.transitions) }

func (d *DOM) Dup() Element {
	c := *d
	c.Base = d.Base.dup()
	c.transitions = slices.Clone(d.transitions)
	return &c
}

func (d *DOM) Reset() Element {
	c := *d
	c.Base = d.Base.reset()
	c.transitions = slices.Clone(d.transitions)
	return &c
}

func (d *DOM) Record() Record {
	r := d.record()
	r.Source = d.Locator
	r.Transitions = slices.Clone(d.transitions)
	return r
}

// ID includes the locator so two DOM inputs on one page stay distinct.
func (d *DOM) ID() string {
	return fmt.Sprintf("%s:%s", d.Base.ID(), d.Locator)
}
