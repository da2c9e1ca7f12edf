// File: internal/check/manager_test.go
package check

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/scalpel-audit/internal/analysis/timeout"
	"github.com/xkilldash9x/scalpel-audit/internal/audit"
	"github.com/xkilldash9x/scalpel-audit/internal/config"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
	"github.com/xkilldash9x/scalpel-audit/internal/scope"
)

// fakeCheck records its runs into a shared journal.
type fakeCheck struct {
	*Base
	journal *[]string
	mu      *sync.Mutex
	run     func(ctx context.Context, p *page.Page, env *Env) error
}

func newFakeCheck(info Info, journal *[]string, mu *sync.Mutex) *fakeCheck {
	if info.Elements == nil {
		info.Elements = []element.Kind{element.KindLink}
	}
	return &fakeCheck{Base: NewBase(info, nil), journal: journal, mu: mu}
}

func (f *fakeCheck) Run(ctx context.Context, p *page.Page, env *Env) error {
	f.mu.Lock()
	*f.journal = append(*f.journal, f.Info().Shortname)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, p, env)
	}
	return nil
}

func newEnv(t *testing.T, seed string) *Env {
	t.Helper()
	logger := zaptest.NewLogger(t)
	client, err := httpclient.New(config.HTTPConfig{
		Concurrency:     2,
		RequestTimeout:  5 * time.Second,
		ResponseMaxSize: -1,
	}, nil, logger)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	sc, err := scope.New(seed, config.ScopeConfig{}, logger)
	require.NoError(t, err)
	c, err := audit.NewContext("scan-1", client, sc, nil, audit.NewIssues(), logger)
	require.NoError(t, err)
	a, err := timeout.NewAnalyzer(c)
	require.NoError(t, err)
	return &Env{Audit: c, Timeout: a}
}

func linkPage(rawURL string) *page.Page {
	return page.FromHTML(rawURL, `<html><body><a href="`+rawURL+`">self</a></body></html>`, page.DOM{}, page.Options{})
}

func TestNewManager_Builtin(t *testing.T) {
	m := NewManager(nil)
	assert.Equal(t, []string{
		"code_injection_timing",
		"no_sql_injection_differential",
		"os_cmd_injection_timing",
		"sql_injection_differential",
	}, m.Available())

	require.NoError(t, m.Load(nil))
	assert.Len(t, m.Loaded(), 4, "every builtin check passes validation")
	assert.False(t, m.Empty())
}

func TestManager_Load(t *testing.T) {
	var journal []string
	var mu sync.Mutex
	a := newFakeCheck(Info{Shortname: "a"}, &journal, &mu)
	b := newFakeCheck(Info{Shortname: "b"}, &journal, &mu)
	m := NewManager(zaptest.NewLogger(t), WithChecks(a, b))

	assert.True(t, m.Empty())
	require.NoError(t, m.Load([]string{"b", "b"}))
	assert.Equal(t, []string{"b"}, m.Shortnames())

	require.NoError(t, m.Load([]string{"*"}))
	assert.Equal(t, []string{"a", "b"}, m.Shortnames())

	err := m.Load([]string{"a", "missing"})
	assert.ErrorIs(t, err, ErrUnknownCheck)
	assert.Equal(t, []string{"a", "b"}, m.Shortnames(), "a failed load keeps the previous selection")
}

func TestManager_LoadValidates(t *testing.T) {
	tests := []struct {
		name string
		info Info
	}{
		{"invalid platform", Info{Shortname: "x", Platforms: []platform.Name{"amiga"}}},
		{"mixed sink elements", Info{
			Shortname: "x",
			Elements:  []element.Kind{element.KindLink, element.KindLinkDOM},
			Sinks:     []string{SinkActive},
			Cost:      1,
		}},
		{"sinks without cost", Info{Shortname: "x", Sinks: []string{SinkBlind}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var journal []string
			var mu sync.Mutex
			m := NewManager(nil, WithChecks(newFakeCheck(tt.info, &journal, &mu)))
			assert.Error(t, m.Load([]string{"x"}))
		})
	}

	m := NewManager(nil, WithChecks(&fakeCheck{Base: NewBase(Info{Shortname: "bare"}, nil)}))
	assert.Error(t, m.Load(nil), "elements are required")
}

func TestManager_SchedulePrefer(t *testing.T) {
	var journal []string
	var mu sync.Mutex
	timing := newFakeCheck(Info{Shortname: "cmd_timing", Prefer: []string{"cmd"}}, &journal, &mu)
	cmd := newFakeCheck(Info{Shortname: "cmd"}, &journal, &mu)
	other := newFakeCheck(Info{Shortname: "other", Prefer: []string{"not_loaded"}}, &journal, &mu)
	m := NewManager(nil, WithChecks(timing, cmd, other))

	require.NoError(t, m.Load([]string{"cmd_timing", "cmd", "other"}))
	assert.Equal(t, []string{"cmd", "other", "cmd_timing"}, m.Shortnames())

	require.NoError(t, m.Load([]string{"cmd_timing", "other"}))
	assert.Equal(t, []string{"cmd_timing", "other"}, m.Shortnames(), "unloaded preferences do not reorder")
}

func TestManager_RunTwoPasses(t *testing.T) {
	var (
		journal []string
		mu      sync.Mutex
		hits    int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)
	env := newEnv(t, srv.URL)

	// The first pass queues a request; it must be harvested before the
	// second pass starts.
	plain := newFakeCheck(Info{Shortname: "plain"}, &journal, &mu)
	plain.run = func(ctx context.Context, p *page.Page, env *Env) error {
		return env.Audit.HTTP.Queue(&httpclient.Request{URL: srv.URL + "/ping"}, func(*httpclient.Response) {
			mu.Lock()
			journal = append(journal, "harvested")
			mu.Unlock()
		})
	}
	sinky := newFakeCheck(Info{Shortname: "sinky", Sinks: []string{SinkActive}, Cost: 1}, &journal, &mu)
	unix := newFakeCheck(Info{Shortname: "unix", Platforms: []platform.Name{platform.Unix}}, &journal, &mu)
	m := NewManager(nil, WithChecks(sinky, plain, unix))
	require.NoError(t, m.Load(nil))

	p := linkPage(srv.URL + "/?id=1")
	env.Audit.Platforms.Update(p.URL, platform.Windows)

	ran, err := m.Run(context.Background(), p, env)
	require.NoError(t, err)
	assert.Equal(t, 2, ran, "the unix check does not support a windows resource")
	assert.Equal(t, []string{"plain", "harvested", "sinky"}, journal)
	assert.Equal(t, 1, hits)
}

func TestManager_RunOneJailsPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var journal []string
	var mu sync.Mutex

	boom := newFakeCheck(Info{Shortname: "boom"}, &journal, &mu)
	boom.run = func(context.Context, *page.Page, *Env) error { panic("kaboom") }
	failing := newFakeCheck(Info{Shortname: "failing"}, &journal, &mu)
	failing.run = func(context.Context, *page.Page, *Env) error { return errors.New("broken") }
	fine := newFakeCheck(Info{Shortname: "fine"}, &journal, &mu)

	m := NewManager(zap.New(core), WithChecks(boom, failing, fine))
	require.NoError(t, m.Load(nil))
	env := newEnv(t, "http://target.local/")

	ran, err := m.Run(context.Background(), linkPage("http://target.local/?id=1"), env)
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	assert.Equal(t, []string{"boom", "failing", "fine"}, journal)

	require.Equal(t, 1, logs.FilterMessage("Check panicked").Len())
	entry := logs.FilterMessage("Check panicked").All()[0]
	assert.Equal(t, "kaboom", entry.ContextMap()["panicValue"])
	assert.Equal(t, 1, logs.FilterMessage("Check failed").Len())
}

func TestManager_RunCancelled(t *testing.T) {
	var journal []string
	var mu sync.Mutex
	m := NewManager(nil, WithChecks(newFakeCheck(Info{Shortname: "a"}, &journal, &mu)))
	require.NoError(t, m.Load(nil))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran, err := m.Run(ctx, linkPage("http://target.local/?id=1"), newEnv(t, "http://target.local/"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ran)
	assert.Empty(t, journal)
}

func TestApplicable(t *testing.T) {
	var journal []string
	var mu sync.Mutex
	links := newFakeCheck(Info{Shortname: "links"}, &journal, &mu)
	cookies := newFakeCheck(Info{Shortname: "cookies", Elements: []element.Kind{element.KindCookie}}, &journal, &mu)
	php := newFakeCheck(Info{Shortname: "php", Platforms: []platform.Name{platform.PHP}}, &journal, &mu)

	withInputs := linkPage("http://target.local/?id=1")
	withoutInputs := linkPage("http://target.local/")

	assert.True(t, Applicable(links, withInputs, nil))
	assert.False(t, Applicable(links, withoutInputs, nil), "no inputs")
	assert.False(t, Applicable(cookies, withInputs, nil), "no element of the audited kind")
	assert.True(t, Applicable(php, withInputs, nil), "unidentified resources are supported")
	assert.True(t, Applicable(php, withInputs, []platform.Name{platform.PHP, platform.Linux}))
	assert.False(t, Applicable(php, withInputs, []platform.Name{platform.Java}))
}

func TestInfo_SupportsPlatforms(t *testing.T) {
	info := Info{Platforms: []platform.Name{platform.Unix, platform.Windows}}
	assert.True(t, info.SupportsPlatforms(nil))
	assert.True(t, info.SupportsPlatforms([]platform.Name{platform.Linux}), "linux is a unix")
	assert.True(t, info.SupportsPlatforms([]platform.Name{platform.PHP}), "operating system unknown")
	assert.False(t, Info{Platforms: []platform.Name{platform.Unix}}.SupportsPlatforms([]platform.Name{platform.Windows}))
	assert.True(t, Info{}.SupportsPlatforms([]platform.Name{platform.Java}), "platform agnostic")
}

func TestManager_Resolver(t *testing.T) {
	m := NewManager(nil)
	env := newEnv(t, "http://target.local/")
	resolve := m.Resolver(env)

	auditor := resolve("os_cmd_injection_timing")
	require.NotNil(t, auditor)
	assert.Equal(t, "os_cmd_injection_timing", auditor.Shortname())
	assert.Nil(t, resolve("missing"))
}
