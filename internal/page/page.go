// File: internal/page/page.go

// Package page turns HTTP responses and browser snapshots into pages: a URL,
// a body, the injectable elements found in it and the paths it links to.
package page

import (
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/spaolacci/murmur3"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

// DefaultAuditHeaders are turned into header elements on every page.
var DefaultAuditHeaders = []string{"User-Agent", "Referer", "X-Forwarded-For"}

// Options tunes element extraction.
type Options struct {
	// LinkTemplates turn path segments into link inputs; see element.NewLinkTemplate.
	LinkTemplates []*regexp.Regexp
	// Cookies are the jar's cookies for the page URL.
	Cookies []*http.Cookie
	// AuditHeaders lists request headers to expose as elements. Nil means
	// DefaultAuditHeaders.
	AuditHeaders []string
}

// DOM describes how the browser reached a page.
type DOM struct {
	Depth int `json:"depth"`
	// Transitions are "event:selector" steps from the page load; a
	// "load:<url>" step is not replayable.
	Transitions []string `json:"transitions,omitempty"`
	// SkipStates are DOM digests the browser already explored from here.
	SkipStates []uint64 `json:"skip_states,omitempty"`
}

// Playable returns the transitions that can be replayed in a browser.
func (d DOM) Playable() []string {
	var out []string
	for _, t := range d.Transitions {
		if !strings.HasPrefix(t, "load:") {
			out = append(out, t)
		}
	}
	return out
}

// PlayableHash identifies the DOM journey, folding structurally identical
// journeys that only differ by page loads.
func (d DOM) PlayableHash() uint64 {
	return murmur3.Sum64([]byte(strings.Join(d.Playable(), "\n")))
}

// Page is a parsed response.
type Page struct {
	URL      string
	Code     int
	Headers  http.Header
	Body     string
	Response *httpclient.Response
	DOM      DOM

	opts Options

	mu        sync.Mutex
	parsed    bool
	doc       *goquery.Document
	elements  []element.Element
	paths     []string
	hasScript bool
}

// FromResponse builds a page from an HTTP response.
func FromResponse(resp *httpclient.Response, opts Options) *Page {
	return &Page{
		URL:      resp.URL,
		Code:     resp.Code,
		Headers:  resp.Headers.Clone(),
		Body:     resp.Body,
		Response: resp,
		opts:     opts,
	}
}

// FromHTML builds a page from a rendered DOM, as reported by the browser.
func FromHTML(rawURL, body string, dom DOM, opts Options) *Page {
	return &Page{
		URL:     rawURL,
		Code:    http.StatusOK,
		Headers: http.Header{"Content-Type": []string{"text/html"}},
		Body:    body,
		DOM:     dom,
		opts:    opts,
	}
}

// Elements returns every element found on the page.
func (p *Page) Elements() []element.Element {
	p.parse()
	return slices.Clone(p.elements)
}

// ElementsOf returns the elements of the given kinds.
func (p *Page) ElementsOf(kinds ...element.Kind) []element.Element {
	var out []element.Element
	for _, e := range p.Elements() {
		if slices.Contains(kinds, e.Kind()) {
			out = append(out, e)
		}
	}
	return out
}

// Auditable returns the elements that can be submitted over HTTP.
func (p *Page) Auditable(kinds ...element.Kind) []element.Auditable {
	var out []element.Auditable
	for _, e := range p.Elements() {
		if len(kinds) > 0 && !slices.Contains(kinds, e.Kind()) {
			continue
		}
		if a, ok := e.(element.Auditable); ok {
			out = append(out, a)
		}
	}
	return out
}

// SetElements replaces the page's elements, used by the element pre-check.
func (p *Page) SetElements(elements []element.Element) {
	p.parse()
	p.mu.Lock()
	p.elements = slices.Clone(elements)
	p.mu.Unlock()
}

// Paths returns the absolute URLs the page links to, in document order.
func (p *Page) Paths() []string {
	p.parse()
	return slices.Clone(p.paths)
}

// HasScript reports whether the page runs client-side code.
func (p *Page) HasScript() bool {
	p.parse()
	return p.hasScript
}

// HTML reports whether the body is an HTML document.
func (p *Page) HTML() bool {
	if p.Response != nil {
		return p.Response.HTML()
	}
	ct := strings.ToLower(p.Headers.Get("Content-Type"))
	return strings.Contains(ct, "html")
}

// PersistentHash identifies the page across restarts: URL, body and the
// playable DOM journey.
func (p *Page) PersistentHash() uint64 {
	h := murmur3.New64()
	h.Write([]byte(p.URL))
	h.Write([]byte{0})
	h.Write([]byte(p.Body))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatUint(p.DOM.PlayableHash(), 16)))
	return h.Sum64()
}

// Digest hashes the document structure: tags with their id, name and class
// attributes. Pages differing only in text share a digest.
func (p *Page) Digest() uint64 {
	p.parse()
	p.mu.Lock()
	doc := p.doc
	p.mu.Unlock()
	if doc == nil {
		return murmur3.Sum64([]byte(p.Body))
	}

	h := murmur3.New64()
	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		h.Write([]byte(goquery.NodeName(s)))
		for _, attr := range []string{"id", "name", "class"} {
			if v, ok := s.Attr(attr); ok {
				h.Write([]byte(attr + "=" + v))
			}
		}
		h.Write([]byte{0})
	})
	return h.Sum64()
}

// ClearCache drops the parsed document and extracted data. They are rebuilt
// on demand.
func (p *Page) ClearCache() {
	p.mu.Lock()
	p.parsed = false
	p.doc = nil
	p.elements = nil
	p.paths = nil
	p.hasScript = false
	p.mu.Unlock()
}

func (p *Page) parse() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.parsed {
		return
	}
	p.parsed = true

	base, err := url.Parse(p.URL)
	if err != nil {
		return
	}

	x := &extractor{page: p, base: base, seenPaths: make(map[string]struct{})}
	if p.HTML() {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(p.Body)); err == nil {
			p.doc = doc
			x.document(doc)
		}
	}
	if p.Response != nil && p.Response.Redirect() {
		x.addPath(p.Response.Location())
	}
	x.pageLink()
	x.cookies()
	x.headers()
	x.requestBody()

	p.elements = x.elements
	p.paths = x.paths
	p.hasScript = x.hasScript
}
