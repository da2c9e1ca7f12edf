// File: internal/element/json.go
package element

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSON is a JSON request body whose scalar leaves are inputs. Input names are
// dotted paths, with array indexes as path segments ("user.roles.0").
type JSON struct {
	Base
	source string
	doc    any
}

// NewJSON parses source and creates a JSON element.
func NewJSON(action, method, source string) (*JSON, error) {
	var doc any
	if err := json.UnmarshalFromString(source, &doc); err != nil {
		return nil, fmt.Errorf("element: invalid JSON body for %s: %w", action, err)
	}
	inputs := make(map[string]string)
	flattenJSON("", doc, inputs)
	if method == "" {
		method = http.MethodPost
	}
	return &JSON{Base: newBase(KindJSON, action, method, inputs), source: source, doc: doc}, nil
}

// Source returns the original document.
func (j *JSON) Source() string { return j.source }

func (j *JSON) Dup() Element   { c := *j; c.Base = j.Base.dup(); return &c }
func (j *JSON) Reset() Element { c := *j; c.Base = j.Base.reset(); return &c }

func (j *JSON) Record() Record {
	r := j.record()
	r.Source = j.source
	return r
}

// Request rebuilds the document with the current input values.
func (j *JSON) Request() (*httpclient.Request, error) {
	body, err := j.Body()
	if err != nil {
		return nil, err
	}
	return &httpclient.Request{
		Method:    j.method,
		URL:       j.action,
		Body:      body,
		Headers:   map[string]string{"Content-Type": "application/json"},
		Performer: j,
	}, nil
}

// Body serializes the document with the current input values. Leaves keep
// their original type unless their value changed, in which case they become
// strings.
func (j *JSON) Body() (string, error) {
	doc := rebuildJSON("", j.doc, j.inputs, j.defaults)
	out, err := json.MarshalToString(doc)
	if err != nil {
		return "", fmt.Errorf("element: failed to encode JSON body: %w", err)
	}
	return out, nil
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func flattenJSON(prefix string, node any, out map[string]string) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			flattenJSON(joinPath(prefix, k), child, out)
		}
	case []any:
		for i, child := range v {
			flattenJSON(joinPath(prefix, strconv.Itoa(i)), child, out)
		}
	case string:
		out[prefix] = v
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(v)
	}
}

func rebuildJSON(prefix string, node any, inputs, defaults map[string]string) any {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = rebuildJSON(joinPath(prefix, k), child, inputs, defaults)
		}
		// Inputs added by parameter-name mutations live at the top level.
		if prefix == "" {
			for name, value := range inputs {
				if _, known := defaults[name]; !known && !strings.Contains(name, ".") {
					out[name] = value
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = rebuildJSON(joinPath(prefix, strconv.Itoa(i)), child, inputs, defaults)
		}
		return out
	default:
		value, ok := inputs[prefix]
		if !ok || value == defaults[prefix] {
			return v
		}
		return value
	}
}

// LooksLikeJSON reports whether a request body should be parsed as JSON.
func LooksLikeJSON(contentType, body string) bool {
	if strings.Contains(contentType, "json") {
		return true
	}
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed))
}
