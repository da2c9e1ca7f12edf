// File: internal/scope/scope_test.go
package scope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
)

func newManager(t *testing.T, seed string, cfg config.ScopeConfig) *Manager {
	t.Helper()
	m, err := New(seed, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return m
}

func TestNew_Errors(t *testing.T) {
	_, err := New("http://", config.ScopeConfig{}, nil)
	assert.Error(t, err)
	_, err = New("ftp://target.local/", config.ScopeConfig{}, nil)
	assert.Error(t, err)
	_, err = New("http://target.local/", config.ScopeConfig{IncludePatterns: []string{"("}}, nil)
	assert.Error(t, err)
}

func TestInScope_Hosts(t *testing.T) {
	tests := []struct {
		name       string
		subdomains bool
		url        string
		want       bool
	}{
		{"same host", false, "https://www.example.co.uk/a", true},
		{"sibling without subdomains", false, "https://api.example.co.uk/", false},
		{"sibling with subdomains", true, "https://api.example.co.uk/", true},
		{"root with subdomains", true, "https://example.co.uk/", true},
		{"lookalike", true, "https://notexample.co.uk/", false},
		{"other scheme", false, "javascript:alert(1)", false},
		{"mailto", false, "mailto:a@www.example.co.uk", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, "https://www.example.co.uk/", config.ScopeConfig{IncludeSubdomains: tt.subdomains})
			assert.Equal(t, "example.co.uk", m.RootDomain())
			assert.Equal(t, tt.want, m.InScope(tt.url))
		})
	}
}

func TestInScope_LocalTargets(t *testing.T) {
	m := newManager(t, "http://127.0.0.1:8080/", config.ScopeConfig{})
	assert.True(t, m.InScope("http://127.0.0.1:9090/x"))
	assert.False(t, m.InScope("http://127.0.0.2/"))

	m = newManager(t, "http://localhost/", config.ScopeConfig{IncludeSubdomains: true})
	assert.True(t, m.InScope("http://localhost/"))
}

func TestInScope_PatternsAndDepth(t *testing.T) {
	m := newManager(t, "http://target.local/", config.ScopeConfig{
		IncludePatterns:     []string{`/app/`},
		ExcludePatterns:     []string{`logout`},
		DirectoryDepthLimit: 2,
	})
	assert.True(t, m.InScope("http://target.local/app/index.php"))
	assert.True(t, m.InScope("http://target.local/app/b/index.php"))
	assert.False(t, m.InScope("http://target.local/app/b/c/index.php"), "too deep")
	assert.False(t, m.InScope("http://target.local/app/logout"))
	assert.False(t, m.InScope("http://target.local/other"))
}

func TestNormalize(t *testing.T) {
	m := newManager(t, "http://target.local/", config.ScopeConfig{})

	got, err := m.Normalize("../b?z=1&a=2#frag", "http://target.local:80/x/y")
	require.NoError(t, err)
	assert.Equal(t, "http://target.local/b?a=2&z=1", got)

	got, err = m.Normalize("http://target.local", "")
	require.NoError(t, err)
	assert.Equal(t, "http://target.local/", got)

	_, err = m.Normalize("/logo.PNG", "")
	assert.True(t, errors.Is(err, ErrOutOfScope))
	_, err = m.Normalize("http://elsewhere.local/", "")
	assert.True(t, errors.Is(err, ErrOutOfScope))
}

func TestRedundant(t *testing.T) {
	m := newManager(t, "http://target.local/", config.ScopeConfig{Redundant: map[string]int{`calendar\?month=`: 2}})
	assert.False(t, m.Redundant("http://target.local/calendar?month=1"))
	assert.False(t, m.Redundant("http://target.local/calendar?month=2"))
	assert.True(t, m.Redundant("http://target.local/calendar?month=3"))
	assert.False(t, m.Redundant("http://target.local/other"))
}

func TestLimitsAndPaths(t *testing.T) {
	m := newManager(t, "http://target.local/app/", config.ScopeConfig{
		PageLimit:     3,
		DOMDepthLimit: 1,
		ExtendPaths:   []string{"hidden", "/admin"},
		RestrictPaths: []string{"http://target.local/only"},
	})
	assert.False(t, m.PageLimitReached(2))
	assert.True(t, m.PageLimitReached(3))
	assert.False(t, m.DOMDepthExceeded(1))
	assert.True(t, m.PageOut("http://target.local/x", 2))
	assert.True(t, m.PageOut("http://elsewhere.local/", 0))
	assert.False(t, m.PageOut("http://target.local/x", 0))

	assert.Equal(t, []string{"http://target.local/app/hidden", "http://target.local/admin"}, m.ExtendPaths())
	assert.True(t, m.Restricted())
	assert.Equal(t, []string{"http://target.local/only"}, m.RestrictPaths())

	unlimited := newManager(t, "http://target.local/", config.ScopeConfig{})
	assert.False(t, unlimited.PageLimitReached(1_000_000))
}
