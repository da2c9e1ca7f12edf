// File: internal/element/xml.go
package element

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"

	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

// XML is an XML request body whose text nodes and attributes are inputs.
// Input names are element paths such as "/order/item[2]/sku"; attributes
// append "/@name".
type XML struct {
	Base
	source string
}

// NewXML parses source and creates an XML element.
func NewXML(action, method, source string) (*XML, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(source); err != nil {
		return nil, fmt.Errorf("element: invalid XML body for %s: %w", action, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("element: XML body for %s has no root element", action)
	}
	inputs := make(map[string]string)
	walkXML(doc.Root(), "", func(path string, el *etree.Element, attr *etree.Attr) {
		if attr != nil {
			inputs[path] = attr.Value
			return
		}
		inputs[path] = el.Text()
	})
	if method == "" {
		method = http.MethodPost
	}
	return &XML{Base: newBase(KindXML, action, method, inputs), source: source}, nil
}

// Source returns the original document.
func (x *XML) Source() string { return x.source }

func (x *XML) Dup() Element   { c := *x; c.Base = x.Base.dup(); return &c }
func (x *XML) Reset() Element { c := *x; c.Base = x.Base.reset(); return &c }

func (x *XML) Record() Record {
	r := x.record()
	r.Source = x.source
	return r
}

// Body serializes the document with the current input values.
func (x *XML) Body() (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromString(x.source); err != nil {
		return "", fmt.Errorf("element: invalid XML source: %w", err)
	}
	walkXML(doc.Root(), "", func(path string, el *etree.Element, attr *etree.Attr) {
		value, ok := x.inputs[path]
		if !ok {
			return
		}
		if attr != nil {
			el.CreateAttr(attr.FullKey(), value)
			return
		}
		el.SetText(value)
	})
	out, err := doc.WriteToString()
	if err != nil {
		return "", fmt.Errorf("element: failed to encode XML body: %w", err)
	}
	return out, nil
}

// Request rebuilds the document with the current input values.
func (x *XML) Request() (*httpclient.Request, error) {
	body, err := x.Body()
	if err != nil {
		return nil, err
	}
	return &httpclient.Request{
		Method:    x.method,
		URL:       x.action,
		Body:      body,
		Headers:   map[string]string{"Content-Type": "application/xml"},
		Performer: x,
	}, nil
}

// walkXML visits attributes and leaf elements in document order. Siblings
// sharing a tag get a 1-based index.
func walkXML(el *etree.Element, parent string, visit func(path string, el *etree.Element, attr *etree.Attr)) {
	walkXMLAt(el, parent+"/"+el.FullTag(), visit)
}

func walkXMLAt(el *etree.Element, path string, visit func(string, *etree.Element, *etree.Attr)) {
	for i := range el.Attr {
		attr := el.Attr[i]
		visit(path+"/@"+attr.FullKey(), el, &attr)
	}

	children := el.ChildElements()
	if len(children) == 0 {
		visit(path, el, nil)
		return
	}

	counts := make(map[string]int, len(children))
	for _, c := range children {
		counts[c.FullTag()]++
	}
	seen := make(map[string]int, len(children))
	for _, c := range children {
		tag := c.FullTag()
		seen[tag]++
		childPath := path + "/" + tag
		if counts[tag] > 1 {
			childPath += "[" + strconv.Itoa(seen[tag]) + "]"
		}
		walkXMLAt(c, childPath, visit)
	}
}

// LooksLikeXML reports whether a request body should be parsed as XML.
func LooksLikeXML(contentType, body string) bool {
	if strings.Contains(contentType, "xml") {
		return true
	}
	return strings.HasPrefix(strings.TrimSpace(body), "<?xml")
}
