// File: internal/scope/scope.go

// Package scope decides which URLs and pages a scan is allowed to touch.
package scope

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/xkilldash9x/scalpel-audit/internal/config"
)

// ErrOutOfScope is returned by Normalize for URLs the scan must not visit.
var ErrOutOfScope = errors.New("scope: out of scope")

var ignoredExtensions = map[string]struct{}{
	".css": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".woff": {}, ".woff2": {}, ".ico": {}, ".svg": {}, ".ttf": {}, ".eot": {},
	".mp4": {}, ".webm": {}, ".pdf": {}, ".zip": {},
}

type redundancyRule struct {
	pattern   *regexp.Regexp
	remaining int
}

// Manager defines the boundaries of the engagement.
type Manager struct {
	logger *zap.Logger

	seed              *url.URL
	host              string
	rootDomain        string
	includeSubdomains bool

	include  []*regexp.Regexp
	exclude  []*regexp.Regexp
	dirDepth int

	pageLimit     int
	domDepthLimit int

	extend   []string
	restrict []string

	mu        sync.Mutex
	redundant []*redundancyRule
}

// New builds the scope around seedURL.
func New(seedURL string, cfg config.ScopeConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u, err := url.Parse(seedURL)
	if err != nil {
		return nil, fmt.Errorf("scope: invalid seed URL: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("scope: seed URL must have a hostname: %s", seedURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scope: unsupported seed scheme %q", u.Scheme)
	}

	m := &Manager{
		logger:            logger.Named("scope"),
		seed:              u,
		host:              strings.ToLower(host),
		rootDomain:        rootDomain(strings.ToLower(host)),
		includeSubdomains: cfg.IncludeSubdomains,
		dirDepth:          cfg.DirectoryDepthLimit,
		pageLimit:         cfg.PageLimit,
		domDepthLimit:     cfg.DOMDepthLimit,
	}

	if m.include, err = compile(cfg.IncludePatterns); err != nil {
		return nil, err
	}
	if m.exclude, err = compile(cfg.ExcludePatterns); err != nil {
		return nil, err
	}
	for p, n := range cfg.Redundant {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("scope: invalid redundancy pattern %q: %w", p, err)
		}
		m.redundant = append(m.redundant, &redundancyRule{pattern: re, remaining: n})
	}
	for _, p := range cfg.ExtendPaths {
		if abs, err := m.resolve(p); err == nil {
			m.extend = append(m.extend, abs)
		}
	}
	for _, p := range cfg.RestrictPaths {
		if abs, err := m.resolve(p); err == nil {
			m.restrict = append(m.restrict, abs)
		}
	}
	return m, nil
}

// rootDomain uses the Public Suffix List to find the organizational domain.
// IPs and single-label hosts are their own root.
func rootDomain(host string) string {
	if net.ParseIP(host) != nil {
		return host
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return domain
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("scope: invalid pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (m *Manager) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	return m.seed.ResolveReference(u).String(), nil
}

// Seed returns the URL the scan started from.
func (m *Manager) Seed() string { return m.seed.String() }

// RootDomain returns the eTLD+1 defining the scope.
func (m *Manager) RootDomain() string { return m.rootDomain }

// InScope checks host, scheme, patterns and directory depth.
func (m *Manager) InScope(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return m.inScope(u)
}

func (m *Manager) inScope(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if !m.hostInScope(strings.ToLower(u.Hostname())) {
		return false
	}

	s := u.String()
	for _, re := range m.exclude {
		if re.MatchString(s) {
			return false
		}
	}
	if len(m.include) > 0 {
		matched := false
		for _, re := range m.include {
			if re.MatchString(s) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	if m.dirDepth > 0 && directoryDepth(u.Path) > m.dirDepth {
		return false
	}
	return true
}

func (m *Manager) hostInScope(host string) bool {
	if host == m.host {
		return true
	}
	// must end with a dot followed by the root domain, "notourdomain.com"
	// does not count.
	return m.includeSubdomains && (host == m.rootDomain || strings.HasSuffix(host, "."+m.rootDomain))
}

func directoryDepth(p string) int {
	dir := path.Dir(path.Clean("/" + p))
	if dir == "/" {
		return 0
	}
	return strings.Count(dir, "/")
}

// Normalize resolves raw against base, drops the fragment and default ports,
// sorts the query, and rejects out-of-scope URLs and static assets.
func (m *Manager) Normalize(raw, base string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid URL format: %w", err)
	}
	if !u.IsAbs() {
		b := m.seed
		if base != "" {
			if b, err = url.Parse(base); err != nil {
				return "", fmt.Errorf("invalid base URL provided: %w", err)
			}
		}
		u = b.ResolveReference(u)
	}

	u.Fragment = ""
	host := u.Host
	if (u.Scheme == "http" && strings.HasSuffix(host, ":80")) || (u.Scheme == "https" && strings.HasSuffix(host, ":443")) {
		u.Host = u.Hostname()
	}
	if u.Path == "" {
		u.Path = "/"
	}
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}

	if _, ignore := ignoredExtensions[strings.ToLower(path.Ext(u.Path))]; ignore {
		return "", fmt.Errorf("%w: static asset %s", ErrOutOfScope, u)
	}
	if !m.inScope(u) {
		return "", fmt.Errorf("%w: %s", ErrOutOfScope, u)
	}
	return u.String(), nil
}

// Redundant reports whether raw matches a redundancy rule whose budget is
// spent. Every call for a matching URL consumes one unit of budget.
func (m *Manager) Redundant(raw string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rule := range m.redundant {
		if !rule.pattern.MatchString(raw) {
			continue
		}
		if rule.remaining <= 0 {
			m.logger.Debug("Redundant URL skipped", zap.String("url", raw), zap.String("pattern", rule.pattern.String()))
			return true
		}
		rule.remaining--
	}
	return false
}

// PageLimit returns the configured limit, 0 meaning unlimited.
func (m *Manager) PageLimit() int { return m.pageLimit }

// PageLimitReached reports whether count pages exhaust the limit.
func (m *Manager) PageLimitReached(count int) bool {
	return m.pageLimit > 0 && count >= m.pageLimit
}

// DOMDepthLimit returns how many transitions deep the browser may go.
func (m *Manager) DOMDepthLimit() int { return m.domDepthLimit }

// DOMDepthExceeded reports whether a page at depth is past the limit.
func (m *Manager) DOMDepthExceeded(depth int) bool { return depth > m.domDepthLimit }

// PageOut reports whether a page at rawURL and DOM depth must be dropped.
func (m *Manager) PageOut(rawURL string, domDepth int) bool {
	return !m.InScope(rawURL) || m.DOMDepthExceeded(domDepth)
}

// ExtendPaths returns extra seed URLs, resolved against the seed.
func (m *Manager) ExtendPaths() []string { return slices.Clone(m.extend) }

// RestrictPaths returns the only URLs to audit, when set.
func (m *Manager) RestrictPaths() []string { return slices.Clone(m.restrict) }

// Restricted reports whether crawling is replaced by a fixed path list.
func (m *Manager) Restricted() bool { return len(m.restrict) > 0 }
