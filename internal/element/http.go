// File: internal/element/http.go
package element

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

// -- Link --

// Link is a URL with query parameters, or a path whose segments were turned
// into inputs by a link template.
type Link struct {
	Base
	// template is the path with {name} placeholders, for template links.
	template string
}

// NewLink creates a link; query parameters in action become inputs and
// explicit inputs take precedence.
func NewLink(action string, inputs map[string]string) *Link {
	clean, query := splitQuery(action)
	for k, v := range inputs {
		query[k] = v
	}
	return &Link{Base: newBase(KindLink, clean, http.MethodGet, query)}
}

// NewLinkTemplate matches rawURL's path against a template regexp with named
// groups. Each group becomes an input; ok is false when nothing matched.
func NewLinkTemplate(rawURL string, tmpl *regexp.Regexp) (*Link, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}
	loc := tmpl.FindStringSubmatchIndex(u.Path)
	if loc == nil {
		return nil, false
	}

	inputs := make(map[string]string)
	var sb strings.Builder
	last := 0
	for i, name := range tmpl.SubexpNames() {
		if i == 0 || name == "" || loc[2*i] < 0 {
			continue
		}
		start, end := loc[2*i], loc[2*i+1]
		if start < last {
			continue
		}
		value, err := url.PathUnescape(u.Path[start:end])
		if err != nil {
			value = u.Path[start:end]
		}
		inputs[name] = value
		sb.WriteString(u.Path[last:start])
		sb.WriteString("{" + name + "}")
		last = end
	}
	if len(inputs) == 0 {
		return nil, false
	}
	sb.WriteString(u.Path[last:])

	u.RawQuery = ""
	u.Fragment = ""
	return &Link{Base: newBase(KindLink, u.String(), http.MethodGet, inputs), template: sb.String()}, true
}

// Template returns the path template, or "" for plain links.
func (l *Link) Template() string { return l.template }

func (l *Link) Dup() Element   { c := *l; c.Base = l.Base.dup(); return &c }
func (l *Link) Reset() Element { c := *l; c.Base = l.Base.reset(); return &c }

func (l *Link) Record() Record {
	r := l.record()
	r.Template = l.template
	return r
}

// Request builds the HTTP request for the link.
func (l *Link) Request() (*httpclient.Request, error) {
	if l.template == "" {
		return &httpclient.Request{Method: l.method, URL: l.action, Parameters: l.Inputs(), Performer: l}, nil
	}
	u, err := url.Parse(l.action)
	if err != nil {
		return nil, fmt.Errorf("element: invalid link action %q: %w", l.action, err)
	}
	path, raw := l.template, l.template
	for name, value := range l.inputs {
		path = strings.ReplaceAll(path, "{"+name+"}", value)
		raw = strings.ReplaceAll(raw, "{"+name+"}", url.PathEscape(value))
	}
	u.Path = path
	u.RawPath = raw
	return &httpclient.Request{Method: l.method, URL: u.String(), Performer: l}, nil
}

// -- Form --

// Form is an HTML form.
type Form struct {
	Base
	name string
}

// NewForm creates a form. An empty method means GET.
func NewForm(action, method string, inputs map[string]string) *Form {
	if method == "" {
		method = http.MethodGet
	}
	return &Form{Base: newBase(KindForm, action, method, inputs)}
}

// WithName sets the form's name attribute.
func (f *Form) WithName(name string) *Form {
	f.name = name
	return f
}

// Name returns the form's name attribute.
func (f *Form) Name() string { return f.name }

func (f *Form) Dup() Element   { c := *f; c.Base = f.Base.dup(); return &c }
func (f *Form) Reset() Element { c := *f; c.Base = f.Base.reset(); return &c }

func (f *Form) Record() Record {
	r := f.record()
	r.Name = f.name
	return r
}

// Request builds the HTTP request for the form.
func (f *Form) Request() (*httpclient.Request, error) {
	return &httpclient.Request{Method: f.method, URL: f.action, Parameters: f.Inputs(), Performer: f}, nil
}

// -- Cookie --

// Cookie is a single cookie sent to the page it was found on.
type Cookie struct {
	Base
}

// NewCookie creates a cookie element.
func NewCookie(action, name, value string) *Cookie {
	return &Cookie{Base: newBase(KindCookie, action, http.MethodGet, map[string]string{name: value})}
}

func (c *Cookie) Dup() Element   { d := *c; d.Base = c.Base.dup(); return &d }
func (c *Cookie) Reset() Element { d := *c; d.Base = c.Base.reset(); return &d }
func (c *Cookie) Record() Record { return c.record() }

// Request builds a GET request carrying the cookie.
func (c *Cookie) Request() (*httpclient.Request, error) {
	return &httpclient.Request{Method: http.MethodGet, URL: c.action, Cookies: c.Inputs(), Performer: c}, nil
}

// -- Header --

// Header is a single request header.
type Header struct {
	Base
}

// NewHeader creates a header element.
func NewHeader(action, name, value string) *Header {
	return &Header{Base: newBase(KindHeader, action, http.MethodGet, map[string]string{name: value})}
}

func (h *Header) Dup() Element   { d := *h; d.Base = h.Base.dup(); return &d }
func (h *Header) Reset() Element { d := *h; d.Base = h.Base.reset(); return &d }
func (h *Header) Record() Record { return h.record() }

// Request builds a GET request carrying the header.
func (h *Header) Request() (*httpclient.Request, error) {
	return &httpclient.Request{Method: http.MethodGet, URL: h.action, Headers: h.Inputs(), Performer: h}, nil
}

func splitQuery(action string) (string, map[string]string) {
	query := make(map[string]string)
	u, err := url.Parse(action)
	if err != nil {
		return action, query
	}
	for k, v := range u.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		} else {
			query[k] = ""
		}
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), query
}
