// File: internal/page/extract.go
package page

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
)

var pathSelectors = []struct{ selector, attr string }{
	{"a[href]", "href"},
	{"area[href]", "href"},
	{"link[href]", "href"},
	{"frame[src]", "src"},
	{"iframe[src]", "src"},
	{"script[src]", "src"},
	{"form[action]", "action"},
}

const eventAttrSelector = "[onclick],[onmouseover],[onmousedown],[onsubmit],[onchange],[onfocus],[onkeyup],[onload]"

type extractor struct {
	page *Page
	base *url.URL

	elements  []element.Element
	paths     []string
	seenPaths map[string]struct{}
	hasScript bool
}

func (x *extractor) resolve(raw string) (*url.URL, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	u := x.base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, false
	}
	u.Fragment = ""
	return u, true
}

func (x *extractor) addPath(raw string) {
	u, ok := x.resolve(raw)
	if !ok {
		return
	}
	s := u.String()
	if _, dup := x.seenPaths[s]; dup {
		return
	}
	x.seenPaths[s] = struct{}{}
	x.paths = append(x.paths, s)
}

func (x *extractor) document(doc *goquery.Document) {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, ok := x.resolve(href); ok {
			x.base = u
		}
	}

	for _, ps := range pathSelectors {
		doc.Find(ps.selector).Each(func(_ int, s *goquery.Selection) {
			v, _ := s.Attr(ps.attr)
			x.addPath(v)
		})
	}
	doc.Find(`meta[http-equiv]`).Each(func(_ int, s *goquery.Selection) {
		equiv, _ := s.Attr("http-equiv")
		if !strings.EqualFold(equiv, "refresh") {
			return
		}
		content, _ := s.Attr("content")
		if i := strings.Index(strings.ToLower(content), "url="); i >= 0 {
			x.addPath(strings.Trim(content[i+4:], `'" `))
		}
	})

	x.hasScript = doc.Find("script").Length() > 0 ||
		doc.Find(eventAttrSelector).Length() > 0 ||
		doc.Find(`a[href^="javascript:"]`).Length() > 0

	x.links(doc)
	x.forms(doc)
}

func (x *extractor) links(doc *goquery.Document) {
	seen := make(map[uint64]struct{})
	add := func(e element.Element) {
		h := element.Hash(e)
		if _, dup := seen[h]; dup {
			return
		}
		seen[h] = struct{}{}
		x.elements = append(x.elements, e)
	}

	doc.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		u, ok := x.resolve(href)
		if !ok {
			return
		}
		if u.RawQuery != "" {
			add(element.NewLink(u.String(), nil))
		}
		for _, tmpl := range x.page.opts.LinkTemplates {
			if l, ok := element.NewLinkTemplate(u.String(), tmpl); ok {
				add(l)
				break
			}
		}
	})
}

func (x *extractor) forms(doc *goquery.Document) {
	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		action := x.page.URL
		if a, ok := s.Attr("action"); ok && strings.TrimSpace(a) != "" {
			u, ok := x.resolve(a)
			if !ok {
				return
			}
			action = u.String()
		}
		method, _ := s.Attr("method")

		inputs := make(map[string]string)
		s.Find("input[name], button[name]").Each(func(_ int, in *goquery.Selection) {
			name, _ := in.Attr("name")
			value, _ := in.Attr("value")
			typ, _ := in.Attr("type")
			switch strings.ToLower(typ) {
			case "checkbox", "radio":
				if _, exists := inputs[name]; exists {
					return
				}
				if value == "" {
					value = "on"
				}
			}
			inputs[name] = value
		})
		s.Find("select[name]").Each(func(_ int, sel *goquery.Selection) {
			name, _ := sel.Attr("name")
			opt := sel.Find("option[selected]").First()
			if opt.Length() == 0 {
				opt = sel.Find("option").First()
			}
			value, ok := opt.Attr("value")
			if !ok {
				value = strings.TrimSpace(opt.Text())
			}
			inputs[name] = value
		})
		s.Find("textarea[name]").Each(func(_ int, ta *goquery.Selection) {
			name, _ := ta.Attr("name")
			inputs[name] = ta.Text()
		})
		if len(inputs) == 0 {
			return
		}

		form := element.NewForm(action, method, inputs)
		if name, ok := s.Attr("name"); ok {
			form.WithName(name)
		} else if id, ok := s.Attr("id"); ok {
			form.WithName(id)
		}
		x.elements = append(x.elements, form)
	})
}

// pageLink exposes the page's own query parameters.
func (x *extractor) pageLink() {
	u, err := url.Parse(x.page.URL)
	if err != nil || u.RawQuery == "" {
		return
	}
	self := element.NewLink(x.page.URL, nil)
	for _, e := range x.elements {
		if e.Kind() == element.KindLink && element.Hash(e) == element.Hash(self) {
			return
		}
	}
	x.elements = append(x.elements, self)
}

func (x *extractor) cookies() {
	seen := make(map[string]struct{})
	add := func(c *http.Cookie) {
		if c.Name == "" {
			return
		}
		if _, dup := seen[c.Name]; dup {
			return
		}
		seen[c.Name] = struct{}{}
		x.elements = append(x.elements, element.NewCookie(x.page.URL, c.Name, c.Value))
	}
	if x.page.Headers != nil {
		for _, c := range (&http.Response{Header: x.page.Headers}).Cookies() {
			add(c)
		}
	}
	for _, c := range x.page.opts.Cookies {
		add(c)
	}
}

func (x *extractor) headers() {
	names := x.page.opts.AuditHeaders
	if names == nil {
		names = DefaultAuditHeaders
	}
	var sent map[string]string
	if x.page.Response != nil && x.page.Response.Request != nil {
		sent = x.page.Response.Request.Headers
	}
	for _, name := range names {
		x.elements = append(x.elements, element.NewHeader(x.page.URL, name, headerValue(sent, name)))
	}
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// requestBody exposes a JSON or XML body the page was requested with.
func (x *extractor) requestBody() {
	if x.page.Response == nil || x.page.Response.Request == nil {
		return
	}
	req := x.page.Response.Request
	if req.Body == "" {
		return
	}
	contentType := headerValue(req.Headers, "Content-Type")
	action := req.URL
	switch {
	case element.LooksLikeJSON(contentType, req.Body):
		if j, err := element.NewJSON(action, req.Method, req.Body); err == nil {
			x.elements = append(x.elements, j)
		}
	case element.LooksLikeXML(contentType, req.Body):
		if xe, err := element.NewXML(action, req.Method, req.Body); err == nil {
			x.elements = append(x.elements, xe)
		}
	}
}
