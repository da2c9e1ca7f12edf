// File: internal/framework/trainer_test.go
package framework

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/filter"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/scope"
)

const trainerSeed = "http://app.test/"

// sink records what the trainer feeds back.
type sink struct {
	mu     sync.Mutex
	urls   []string
	pages  []*page.Page
	closed bool
}

func (s *sink) PushURL(rawURL string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, rawURL)
	return true
}

func (s *sink) PushPage(p *page.Page) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, p)
	return true
}

func (s *sink) AcceptsMorePages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *sink) snapshot() ([]string, []*page.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...), append([]*page.Page(nil), s.pages...)
}

func newTestTrainer(t *testing.T, out PageSink) *Trainer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sc, err := scope.New(trainerSeed, config.ScopeConfig{DirectoryDepthLimit: 10}, logger)
	require.NoError(t, err)
	tr, err := NewTrainer(out, sc, filter.NewElementFilter(), nil, nil, logger)
	require.NoError(t, err)
	return tr
}

func trainingResponse(rawURL, body string, train bool) *httpclient.Response {
	return &httpclient.Response{
		Request: &httpclient.Request{Method: http.MethodGet, URL: rawURL, Train: train},
		URL:     rawURL,
		Code:    http.StatusOK,
		Headers: http.Header{"Content-Type": {"text/html"}},
		Body:    body,
	}
}

func waitTrainer(t *testing.T, tr *Trainer) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
}

func TestTrainer_PushesPagesWithNewElements(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	out := &sink{}
	tr := newTestTrainer(t, out)
	defer tr.Shutdown(time.Second)

	seed := page.FromHTML(trainerSeed, `<html><body><form action="/login"><input name="user"></form></body></html>`, page.DOM{}, page.Options{})
	tr.Process(seed)

	body := `<html><body><form action="/login"><input name="user"></form>` +
		`<form action="/reset"><input name="email"></form><a href="/welcome">hi</a></body></html>`
	tr.Observe(trainingResponse(trainerSeed+"login?user=x", body, true))
	waitTrainer(t, tr)

	urls, pages := out.snapshot()
	require.Len(t, pages, 1)
	assert.Equal(t, trainerSeed+"login?user=x", pages[0].URL)
	assert.Contains(t, urls, trainerSeed+"welcome")
	assert.True(t, tr.Done())

	tr.Observe(trainingResponse(trainerSeed+"login?user=x", body, true))
	waitTrainer(t, tr)
	_, pages = out.snapshot()
	assert.Len(t, pages, 1, "identical responses are analyzed once")
}

func TestTrainer_IgnoresUnflaggedAndUnchanged(t *testing.T) {
	out := &sink{}
	tr := newTestTrainer(t, out)
	defer tr.Shutdown(time.Second)

	body := `<html><body><a href="/a?x=1">a</a></body></html>`
	tr.Observe(trainingResponse(trainerSeed, body, true))
	waitTrainer(t, tr)
	_, pages := out.snapshot()
	assert.Empty(t, pages, "nothing is trained before a page is processed")

	tr.Process(page.FromHTML(trainerSeed, body, page.DOM{}, page.Options{}))
	tr.Observe(trainingResponse(trainerSeed+"other", `<form><input name="q"></form>`, false))
	tr.Observe(trainingResponse(trainerSeed, body, true))
	waitTrainer(t, tr)

	_, pages = out.snapshot()
	assert.Empty(t, pages)
}

func TestTrainer_RedirectsAndLimits(t *testing.T) {
	out := &sink{}
	tr := newTestTrainer(t, out)
	defer tr.Shutdown(time.Second)
	tr.Process(page.FromHTML(trainerSeed, `<html></html>`, page.DOM{}, page.Options{}))

	redirect := trainingResponse(trainerSeed+"go", "", true)
	redirect.Code = http.StatusFound
	redirect.Headers.Set("Location", "/landing")
	tr.Observe(redirect)

	urls, _ := out.snapshot()
	assert.Equal(t, []string{trainerSeed + "landing"}, urls)

	out.mu.Lock()
	out.closed = true
	out.mu.Unlock()
	tr.Observe(trainingResponse(trainerSeed+"new", `<form><input name="q"></form>`, true))
	assert.True(t, tr.Done(), "a closed sink receives no trainings")

	out.mu.Lock()
	out.closed = false
	out.mu.Unlock()
	tr.Observe(trainingResponse("http://elsewhere.test/", `<form><input name="q"></form>`, true))
	assert.True(t, tr.Done(), "out-of-scope responses are not trained")
}

func TestTrainingKey(t *testing.T) {
	a := trainingResponse(trainerSeed+"?b=1&a=2", "body", true)
	b := trainingResponse(trainerSeed+"?a=9&b=8", "body", true)
	c := trainingResponse(trainerSeed+"?a=9", "body", true)
	assert.Equal(t, trainingKey(a), trainingKey(b), "values do not matter")
	assert.NotEqual(t, trainingKey(a), trainingKey(c))

	d := trainingResponse(trainerSeed+"?a=2&b=1", "body", true)
	d.Headers.Add("Set-Cookie", "session=1")
	assert.NotEqual(t, trainingKey(a), trainingKey(d))
}
