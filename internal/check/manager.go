// File: internal/check/manager.go
package check

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
)

// ErrUnknownCheck is returned when loading a check that is not registered.
var ErrUnknownCheck = errors.New("check: unknown check")

// Manager keeps the registry of available checks and the set loaded for a
// scan, and runs the loaded checks against pages.
type Manager struct {
	logger    *zap.Logger
	available map[string]Check
	loaded    []Check
}

// Option configures a Manager.
type Option func(*Manager)

// WithChecks replaces the built-in registry. Used by tests to inject fakes.
func WithChecks(checks ...Check) Option {
	return func(m *Manager) {
		m.available = make(map[string]Check, len(checks))
		for _, c := range checks {
			m.available[c.Info().Shortname] = c
		}
	}
}

// NewManager creates a manager with the built-in checks available.
func NewManager(logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:    logger.Named("checks"),
		available: make(map[string]Check),
	}
	for _, c := range Builtin(m.logger) {
		m.available[c.Info().Shortname] = c
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Available returns the shortnames of every registered check, sorted.
func (m *Manager) Available() []string {
	names := make([]string, 0, len(m.available))
	for name := range m.available {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the registered check with the given shortname.
func (m *Manager) Lookup(name string) (Check, bool) {
	c, ok := m.available[name]
	return c, ok
}

// Load selects the checks to run. An empty list or "*" loads everything.
func (m *Manager) Load(names []string) error {
	if len(names) == 0 || slices.Contains(names, "*") {
		names = m.Available()
	}
	loaded := make([]Check, 0, len(names))
	seen := make(map[string]bool)
	for _, name := range names {
		c, ok := m.available[name]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownCheck, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := validate(c.Info()); err != nil {
			return err
		}
		loaded = append(loaded, c)
	}
	m.loaded = loaded
	m.logger.Info("Checks loaded", zap.Strings("checks", m.Shortnames()))
	return nil
}

func validate(info Info) error {
	if info.Shortname == "" {
		return errors.New("check: shortname is required")
	}
	if len(info.Elements) == 0 {
		return fmt.Errorf("check: %s does not declare the elements it audits", info.Shortname)
	}
	for _, p := range info.Platforms {
		if !p.Valid() {
			return fmt.Errorf("check: %s targets invalid platform %q", info.Shortname, p)
		}
	}
	if info.HasSinks() {
		dom := slices.ContainsFunc(info.Elements, func(k element.Kind) bool { return k.DOM() })
		plain := slices.ContainsFunc(info.Elements, func(k element.Kind) bool { return !k.DOM() })
		if dom && plain {
			return fmt.Errorf("check: %s declares sinks for both DOM and non-DOM elements", info.Shortname)
		}
		if info.Cost <= 0 {
			return fmt.Errorf("check: %s declares sinks without a cost", info.Shortname)
		}
	}
	return nil
}

// Loaded returns the loaded checks in running order.
func (m *Manager) Loaded() []Check {
	return m.Schedule()
}

// Shortnames returns the loaded checks' shortnames in running order.
func (m *Manager) Shortnames() []string {
	var names []string
	for _, c := range m.Schedule() {
		names = append(names, c.Info().Shortname)
	}
	return names
}

// Empty reports whether no check is loaded.
func (m *Manager) Empty() bool { return len(m.loaded) == 0 }

// Schedule orders the loaded checks so that a check runs after the loaded
// checks it prefers.
func (m *Manager) Schedule() []Check {
	var first, later []Check
	for _, c := range m.loaded {
		if m.prefersLoaded(c) {
			later = append(later, c)
		} else {
			first = append(first, c)
		}
	}
	return append(first, later...)
}

func (m *Manager) prefersLoaded(c Check) bool {
	for _, name := range c.Info().Prefer {
		for _, l := range m.loaded {
			if l.Info().Shortname == name {
				return true
			}
		}
	}
	return false
}

// WithoutPlatformsNorSinks returns the scheduled checks that need neither
// platform nor sink information.
func (m *Manager) WithoutPlatformsNorSinks() []Check {
	var out []Check
	for _, c := range m.Schedule() {
		if info := c.Info(); !info.HasPlatforms() && !info.HasSinks() {
			out = append(out, c)
		}
	}
	return out
}

// WithPlatformsOrSinks returns the scheduled checks that use platform or
// sink information.
func (m *Manager) WithPlatformsOrSinks() []Check {
	var out []Check
	for _, c := range m.Schedule() {
		if info := c.Info(); info.HasPlatforms() || info.HasSinks() {
			out = append(out, c)
		}
	}
	return out
}

// Run audits p in two passes. Checks needing neither platforms nor sinks go
// first and their traffic is harvested, so the platforms identified from it
// are available to the second pass. It returns how many checks ran.
func (m *Manager) Run(ctx context.Context, p *page.Page, env *Env) (int, error) {
	ran := 0
	for i, pass := range [][]Check{m.WithoutPlatformsNorSinks(), m.WithPlatformsOrSinks()} {
		for _, c := range pass {
			if err := ctx.Err(); err != nil {
				return ran, err
			}
			if m.RunOne(ctx, c, p, env) {
				ran++
			}
		}
		if err := env.Audit.HTTP.Run(ctx); err != nil {
			return ran, fmt.Errorf("check: failed to harvest responses of pass %d: %w", i+1, err)
		}
	}
	return ran, nil
}

// RunOne runs c against p unless it is not applicable. A check that fails
// or panics is logged and reported as not having run; it never aborts the
// audit of the page.
func (m *Manager) RunOne(ctx context.Context, c Check, p *page.Page, env *Env) (ran bool) {
	info := c.Info()
	if !Applicable(c, p, env.Audit.Platforms.For(p.URL)) {
		return false
	}

	logger := m.logger.With(zap.String("check", info.Shortname), zap.String("url", p.URL))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Check panicked",
				zap.Any("panicValue", r),
				zap.String("stack", string(debug.Stack())),
			)
			ran = false
		}
	}()

	logger.Debug("Running check")
	if err := c.Run(ctx, p, env); err != nil {
		logger.Error("Check failed", zap.Error(err))
		return false
	}
	return true
}

// Resolver maps check shortnames to auditors bound to env. It re-attaches
// restored timeout candidates to their checks.
func (m *Manager) Resolver(env *Env) element.AuditorResolver {
	return func(shortname string) element.Auditor {
		c, ok := m.available[shortname]
		if !ok {
			m.logger.Warn("Restored element refers to an unknown check", zap.String("check", shortname))
			return nil
		}
		return newAuditor(env, c.Info())
	}
}
