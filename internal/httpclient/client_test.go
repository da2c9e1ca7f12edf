// File: internal/httpclient/client_test.go
package httpclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

func testConfig() config.HTTPConfig {
	return config.HTTPConfig{
		Concurrency:     4,
		RequestTimeout:  5 * time.Second,
		UserAgent:       "scalpel-audit-test",
		ResponseMaxSize: -1,
	}
}

func newTestClient(t *testing.T, cfg config.HTTPConfig) *Client {
	t.Helper()
	c, err := New(cfg, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		fmt.Fprintf(w, "method=%s input=%s ua=%s", r.Method, r.Form.Get("input"), r.UserAgent())
	})
	mux.HandleFunc("/sleep", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
		fmt.Fprint(w, "late")
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a", 100))
	})
	mux.HandleFunc("/brotli", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write([]byte("compressed body"))
		_ = bw.Close()
		w.Header().Set("Content-Encoding", "br")
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("/set-cookie", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		fmt.Fprint(w, "ok")
	})
	mux.HandleFunc("/cookies", func(w http.ResponseWriter, r *http.Request) {
		for _, ck := range r.Cookies() {
			fmt.Fprintf(w, "%s=%s;", ck.Name, ck.Value)
		}
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestClient_New_Validation(t *testing.T) {
	cfg := testConfig()
	cfg.Concurrency = 0
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestClient_QueueAndRun(t *testing.T) {
	server := newEchoServer(t)
	c := newTestClient(t, testConfig())

	var inCallback atomic.Int32
	var overlapped atomic.Bool
	var bodies []string

	for i := 0; i < 20; i++ {
		req := &Request{URL: server.URL + "/echo", Parameters: map[string]string{"input": fmt.Sprint(i)}}
		require.NoError(t, c.Queue(req, func(resp *Response) {
			if inCallback.Add(1) > 1 {
				overlapped.Store(true)
			}
			bodies = append(bodies, resp.Body)
			inCallback.Add(-1)
		}))
	}

	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, bodies, 20)
	assert.False(t, overlapped.Load(), "callbacks must be delivered serially")
	assert.Zero(t, c.Pending())
	assert.Contains(t, bodies[0], "ua=scalpel-audit-test")
}

func TestClient_PostParametersInBody(t *testing.T) {
	server := newEchoServer(t)
	c := newTestClient(t, testConfig())

	resp, err := c.Do(context.Background(), &Request{
		Method:     http.MethodPost,
		URL:        server.URL + "/echo",
		Parameters: map[string]string{"input": "posted"},
	})
	require.NoError(t, err)
	assert.Equal(t, "method=POST input=posted ua=scalpel-audit-test", resp.Body)
	assert.Equal(t, server.URL+"/echo", resp.URL)
}

func TestClient_AfterRun(t *testing.T) {
	server := newEchoServer(t)
	c := newTestClient(t, testConfig())

	var order []string
	require.NoError(t, c.Queue(&Request{URL: server.URL + "/echo"}, func(*Response) {
		order = append(order, "first")
	}))
	c.AfterRun(func() {
		order = append(order, "hook")
		// Hooks may queue more work; Run must keep draining.
		require.NoError(t, c.Queue(&Request{URL: server.URL + "/echo"}, func(*Response) {
			order = append(order, "second")
		}))
	})

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, []string{"first", "hook", "second"}, order)

	// Hooks are one-shot.
	require.NoError(t, c.Run(context.Background()))
	assert.Len(t, order, 3)
}

func TestClient_Timeout(t *testing.T) {
	server := newEchoServer(t)
	c := newTestClient(t, testConfig())

	resp, err := c.Do(context.Background(), &Request{
		URL:             server.URL + "/sleep",
		Timeout:         200 * time.Millisecond,
		ResponseMaxSize: Size(0),
	})
	require.NoError(t, err)
	assert.True(t, resp.TimedOut)
	assert.Zero(t, resp.Code)
	assert.NoError(t, resp.Err)
	assert.False(t, resp.OK())
	assert.GreaterOrEqual(t, resp.Time, 200*time.Millisecond)
	assert.Equal(t, uint64(1), c.Statistics().TimedOut)
}

func TestClient_ResponseMaxSize(t *testing.T) {
	server := newEchoServer(t)

	tests := []struct {
		name        string
		max         *int64
		wantLen     int
		wantPartial bool
	}{
		{"client default unlimited", nil, 100, false},
		{"discard", Size(0), 0, false},
		{"truncate", Size(10), 10, true},
		{"fits", Size(1000), 100, false},
	}
	c := newTestClient(t, testConfig())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := c.Do(context.Background(), &Request{URL: server.URL + "/big", ResponseMaxSize: tt.max})
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, resp.Code)
			assert.Len(t, resp.Body, tt.wantLen)
			assert.Equal(t, tt.wantPartial, resp.Partial)
		})
	}
}

func TestClient_BrotliDecoding(t *testing.T) {
	server := newEchoServer(t)
	c := newTestClient(t, testConfig())

	resp, err := c.Do(context.Background(), &Request{URL: server.URL + "/brotli"})
	require.NoError(t, err)
	assert.Equal(t, "compressed body", resp.Body)
}

func TestClient_Cookies(t *testing.T) {
	server := newEchoServer(t)
	c := newTestClient(t, testConfig())

	var seen []string
	c.OnCookies(func(_ *url.URL, cookies []*http.Cookie) {
		for _, ck := range cookies {
			seen = append(seen, ck.Name)
		}
	})

	_, err := c.Do(context.Background(), &Request{URL: server.URL + "/set-cookie"})
	require.NoError(t, err)
	assert.Equal(t, []string{"session"}, seen)

	resp, err := c.Do(context.Background(), &Request{URL: server.URL + "/cookies"})
	require.NoError(t, err)
	assert.Equal(t, "session=abc;", resp.Body)

	resp, err = c.Do(context.Background(), &Request{URL: server.URL + "/cookies", Cookies: map[string]string{"session": "injected"}})
	require.NoError(t, err)
	assert.Equal(t, "session=injected;", resp.Body, "explicit cookies override the jar")
}

func TestClient_OnComplete(t *testing.T) {
	server := newEchoServer(t)
	c := newTestClient(t, testConfig())

	var observed atomic.Int32
	c.OnComplete(func(*Response) { observed.Add(1) })

	_, err := c.Do(context.Background(), &Request{URL: server.URL + "/echo"})
	require.NoError(t, err)
	require.NoError(t, c.Queue(&Request{URL: server.URL + "/echo"}, nil))
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, int32(2), observed.Load())
}

func TestClient_Closed(t *testing.T) {
	c := newTestClient(t, testConfig())
	c.Close()

	assert.ErrorIs(t, c.Queue(&Request{URL: "http://127.0.0.1/"}, nil), ErrClosed)
	_, err := c.Do(context.Background(), &Request{URL: "http://127.0.0.1/"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReadBody_UnknownEncodingPassthrough(t *testing.T) {
	resp := &http.Response{
		Header:        http.Header{"Content-Encoding": []string{"identity"}},
		Body:          io.NopCloser(strings.NewReader("plain")),
		ContentLength: -1,
	}
	body, partial, err := readBody(resp, -1)
	require.NoError(t, err)
	assert.Equal(t, "plain", body)
	assert.False(t, partial)
}
