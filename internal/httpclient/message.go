// File: internal/httpclient/message.go
package httpclient

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Mode selects how a request is delivered.
type Mode int

const (
	// ModeAsync requests are queued and delivered by Run.
	ModeAsync Mode = iota
	// ModeSync requests are performed immediately by Do.
	ModeSync
)

// Request is a transport-agnostic HTTP request description. Parameters are
// sent in the query string for GET requests and as a urlencoded body
// otherwise, unless Body is set.
type Request struct {
	ID         uint64
	Method     string
	URL        string
	Parameters map[string]string
	Headers    map[string]string
	Cookies    map[string]string
	Body       string

	// Timeout overrides the client's default request timeout.
	Timeout time.Duration
	// ResponseMaxSize overrides the client's default body limit; see Size.
	ResponseMaxSize *int64
	// Train marks responses the passive trainer should inspect for new elements.
	Train bool
	// Performer is the element or component that issued the request.
	Performer any
}

// Size is a helper for setting Request.ResponseMaxSize.
func Size(n int64) *int64 { return &n }

// EffectiveURL returns the URL including query parameters for GET requests.
func (r *Request) EffectiveURL() string {
	if !r.paramsInQuery() || len(r.Parameters) == 0 {
		return r.URL
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return r.URL
	}
	q := u.Query()
	for k, v := range r.Parameters {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (r *Request) method() string {
	if r.Method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(r.Method)
}

func (r *Request) paramsInQuery() bool {
	m := r.method()
	return m == http.MethodGet || m == http.MethodHead || m == http.MethodDelete
}

// Response is the outcome of a Request. Network failures and timeouts are
// reported through the fields, never as Go errors from the client.
type Response struct {
	Request *Request
	URL     string
	Code    int
	Headers http.Header
	Body    string
	Time    time.Duration

	// TimedOut is set when the request exceeded its timeout; Code is 0.
	TimedOut bool
	// Partial is set when the body was truncated by the size limit.
	Partial bool
	// Err carries the transport error, if any.
	Err error
}

// OK reports whether the server answered at all.
func (r *Response) OK() bool {
	return r != nil && r.Err == nil && !r.TimedOut && r.Code != 0
}

// Redirect reports whether the response is a 3xx with a Location.
func (r *Response) Redirect() bool {
	return r.Code >= 300 && r.Code < 400 && r.Headers.Get("Location") != ""
}

// Location returns the absolute redirect target, or "".
func (r *Response) Location() string {
	loc := r.Headers.Get("Location")
	if loc == "" {
		return ""
	}
	base, err := url.Parse(r.URL)
	if err != nil {
		return loc
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// ContentType returns the media type without parameters.
func (r *Response) ContentType() string {
	ct := r.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Text reports whether the body is textual and worth parsing.
func (r *Response) Text() bool {
	ct := r.ContentType()
	switch {
	case ct == "":
		return true
	case strings.HasPrefix(ct, "text/"):
		return true
	case strings.Contains(ct, "json"), strings.Contains(ct, "xml"), strings.Contains(ct, "javascript"):
		return true
	}
	return false
}

// HTML reports whether the body is an HTML document.
func (r *Response) HTML() bool {
	ct := r.ContentType()
	return ct == "text/html" || ct == "application/xhtml+xml" || (ct == "" && strings.Contains(strings.ToLower(r.Body), "<html"))
}

// Seconds returns the elapsed time in seconds.
func (r *Response) Seconds() float64 {
	return r.Time.Seconds()
}
