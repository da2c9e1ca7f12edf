// File: internal/audit/audit_test.go
package audit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
	"github.com/xkilldash9x/scalpel-audit/internal/scope"
)

func newTestContext(t *testing.T, seed string) *Context {
	t.Helper()
	client, err := httpclient.New(config.HTTPConfig{
		Concurrency:     4,
		RequestTimeout:  5 * time.Second,
		ResponseMaxSize: -1,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	sc, err := scope.New(seed, config.ScopeConfig{}, nil)
	require.NoError(t, err)

	ctx, err := NewContext("scan-1", client, sc, nil, NewIssues(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return ctx
}

func echoServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = r.ParseForm()
		fmt.Fprintf(w, "id=%s", r.Form.Get("id"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewContext_Validation(t *testing.T) {
	_, err := NewContext("s", nil, nil, nil, NewIssues(), nil)
	assert.Error(t, err)

	client, err := httpclient.New(config.HTTPConfig{Concurrency: 1, RequestTimeout: time.Second}, nil, nil)
	require.NoError(t, err)
	defer client.Close()
	_, err = NewContext("s", client, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestAudit_QueuesMutationsAndDeduplicates(t *testing.T) {
	var hits atomic.Int64
	srv := echoServer(t, &hits)
	c := newTestContext(t, srv.URL)
	auditor := NewAuditor(c, "sample", schemas.IssueTemplate{Name: "Sample"})

	link := auditor.Adopt(element.NewLink(srv.URL+"/?id=1", nil))
	opts := Options{Formats: []element.Format{element.FormatStraight}}

	var bodies []string
	ok, err := c.Audit(context.Background(), link, platform.FlatPayloads("a", "b"), opts, func(resp *httpclient.Response, m element.Auditable) {
		assert.Equal(t, "sample", m.Auditor().Shortname())
		assert.Equal(t, m.AffectedInputValue(), strings.TrimPrefix(resp.Body, "id="))
		bodies = append(bodies, resp.Body)
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.HTTP.Run(context.Background()))
	assert.ElementsMatch(t, []string{"id=a", "id=b"}, bodies)

	ok, err = c.Audit(context.Background(), link, platform.FlatPayloads("a", "b"), opts, nil)
	require.NoError(t, err)
	assert.False(t, ok, "same element and payloads were already audited")

	opts.Redundant = true
	ok, err = c.Audit(context.Background(), link, platform.FlatPayloads("a"), opts, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.HTTP.Run(context.Background()))
	assert.Equal(t, int64(3), hits.Load())
}

func TestAudit_SkipsWhatCannotBeAudited(t *testing.T) {
	var hits atomic.Int64
	srv := echoServer(t, &hits)
	c := newTestContext(t, srv.URL)

	ok, err := c.Audit(context.Background(), element.NewLink(srv.URL+"/", nil), platform.FlatPayloads("a"), Options{}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "no inputs")

	ok, err = c.Audit(context.Background(), element.NewLink("http://elsewhere.invalid/?id=1", nil), platform.FlatPayloads("a"), Options{}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "out of scope")

	ok, err = c.Audit(context.Background(), element.NewLink(srv.URL+"/?id=1", nil), platform.Payloads{}, Options{}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "no payloads")
	assert.Zero(t, hits.Load())
}

func TestAudit_PlatformPayloads(t *testing.T) {
	var hits atomic.Int64
	srv := echoServer(t, &hits)
	c := newTestContext(t, srv.URL)
	c.Platforms.Update(srv.URL, platform.Windows)

	payloads := platform.PerPlatform(map[platform.Name][]string{
		platform.Unix:    {"unix"},
		platform.Windows: {"win"},
	})
	var seen []platform.Name
	_, err := c.Audit(context.Background(), element.NewLink(srv.URL+"/?id=1", nil), payloads,
		Options{Formats: []element.Format{element.FormatStraight}, Sync: true},
		func(resp *httpclient.Response, m element.Auditable) {
			seen = append(seen, m.Platform())
			assert.Equal(t, "id=win", resp.Body)
		})
	require.NoError(t, err)
	assert.Equal(t, []platform.Name{platform.Windows}, seen)
}

func TestAudit_PrepareSeesOnlySubmittedMutations(t *testing.T) {
	var hits atomic.Int64
	srv := echoServer(t, &hits)
	c := newTestContext(t, srv.URL)

	var prepared int
	var bodies, originals []string
	opts := Options{
		// Both formats yield the same value for an empty input.
		Formats: []element.Format{element.FormatStraight, element.FormatAppend},
		Prepare: func(m element.Auditable) Callback {
			prepared++
			original := m.AffectedInputValue()
			m.SetAffectedInputValue(strings.ToUpper(original))
			return func(resp *httpclient.Response, _ element.Auditable) {
				originals = append(originals, original)
				bodies = append(bodies, resp.Body)
			}
		},
	}
	ok, err := c.Audit(context.Background(), element.NewLink(srv.URL+"/?id=", nil), platform.FlatPayloads("a"), opts, func(*httpclient.Response, element.Auditable) {
		t.Error("the prepared callback replaces the audit callback")
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.HTTP.Run(context.Background()))

	assert.Equal(t, 1, prepared)
	assert.Equal(t, []string{"a"}, originals)
	assert.Equal(t, []string{"id=A"}, bodies)
	assert.EqualValues(t, 1, hits.Load())
}

func TestAudit_SubmitOptions(t *testing.T) {
	var hits atomic.Int64
	srv := echoServer(t, &hits)
	c := newTestContext(t, srv.URL)

	var got *httpclient.Response
	err := c.Submit(context.Background(), element.NewLink(srv.URL+"/?id=1", nil),
		Options{Sync: true, Submit: SubmitOptions{Timeout: time.Second, ResponseMaxSize: httpclient.Size(0), Train: true}},
		func(resp *httpclient.Response, _ element.Auditable) { got = resp })
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Empty(t, got.Body, "body discarded")
	assert.True(t, got.Request.Train)
	assert.Equal(t, time.Second, got.Request.Timeout)
}

func TestCalculateCost(t *testing.T) {
	c := newTestContext(t, "http://target.local/")
	link := element.NewLink("http://target.local/?a=1&b=2", nil)
	assert.Equal(t, 2*2*4, c.CalculateCost(link, 2, Options{}))
	assert.Equal(t, 3*2, c.CalculateCost(link, 3, Options{Formats: []element.Format{element.FormatStraight}}))

	c.WithBothHTTPMethods = true
	assert.Equal(t, 2*2, c.CalculateCost(link, 1, Options{Formats: []element.Format{element.FormatStraight}}))
}

func TestAuditor_LogVulnerability(t *testing.T) {
	c := newTestContext(t, "http://target.local/")
	var notified []*schemas.Issue
	c.Issues.Subscribe(func(i *schemas.Issue) { notified = append(notified, i) })

	auditor := NewAuditor(c, "cmd", schemas.IssueTemplate{Name: "OS command injection", Severity: schemas.SeverityHigh, CWE: []string{"CWE-78"}})
	form := auditor.Adopt(element.NewForm("http://target.local/ping", "POST", map[string]string{"host": "x"}))
	m := element.Mutations(form, "sleep 4", element.MutationOptions{Formats: []element.Format{element.FormatStraight}, Platform: platform.Unix})[0]

	resp := &httpclient.Response{
		Request:  &httpclient.Request{Method: "POST", URL: "http://target.local/ping", Body: "host=sleep+4"},
		URL:      "http://target.local/ping",
		TimedOut: true,
		Time:     4 * time.Second,
		Body:     strings.Repeat("x", maxIssueBody+10),
	}
	m.Auditor().LogVulnerability(element.Vulnerability{Vector: m, Response: resp, Remarks: map[string][]string{"timing_attack": {"ok"}}})
	m.Auditor().LogVulnerability(element.Vulnerability{Vector: m, Response: resp})

	require.Equal(t, 1, c.Issues.Len(), "variations are logged once")
	require.Len(t, notified, 1)
	issue := c.Issues.All()[0]
	assert.Equal(t, "scan-1", issue.ScanID)
	assert.Equal(t, "cmd", issue.Check)
	assert.Equal(t, schemas.SeverityHigh, issue.Severity)
	assert.Equal(t, "host", issue.Vector.AffectedInput)
	assert.Equal(t, "sleep 4", issue.Vector.Seed)
	assert.Equal(t, "unix", issue.Platform)
	assert.Equal(t, "os", issue.PlatformType)
	assert.True(t, issue.Response.TimedOut)
	assert.Equal(t, 4.0, issue.Response.Seconds)
	assert.Len(t, issue.Response.Body, maxIssueBody)
	assert.Equal(t, "POST", issue.Request.Method)
	assert.NotEmpty(t, issue.ID)

	restored := NewIssues()
	restored.Load(c.Issues.All())
	restored.Load(c.Issues.All())
	assert.Equal(t, 1, restored.Len())
}
