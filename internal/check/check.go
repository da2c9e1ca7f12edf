// File: internal/check/check.go

// Package check holds the vulnerability checks and the manager that runs
// them against pages.
package check

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/timeout"
	"github.com/xkilldash9x/scalpel-audit/internal/audit"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

// Sink areas a check can declare interest in.
const (
	SinkActive = "active"
	SinkBlind  = "blind"
	SinkBody   = "body"
)

// Info describes a check.
type Info struct {
	Name        string
	Shortname   string
	Description string
	// Elements lists the element kinds the check audits.
	Elements  []element.Kind
	Platforms []platform.Name
	Sinks     []string
	// Prefer names checks whose findings make this one redundant; it is
	// scheduled after them.
	Prefer []string
	// Cost estimates the requests the check makes per input.
	Cost  int
	Issue schemas.IssueTemplate
}

// HasPlatforms reports whether the check targets specific platforms.
func (i Info) HasPlatforms() bool { return len(i.Platforms) > 0 }

// HasSinks reports whether the check benefits from sink information.
func (i Info) HasSinks() bool { return len(i.Sinks) > 0 }

// SupportsPlatforms reports whether the check has anything to offer a
// resource identified as the given platforms. Unidentified resources and
// platform-agnostic checks are always supported.
func (i Info) SupportsPlatforms(identified []platform.Name) bool {
	if len(identified) == 0 || !i.HasPlatforms() {
		return true
	}
	wanted := make(map[platform.Name][]string, len(i.Platforms))
	for _, name := range i.Platforms {
		wanted[name] = []string{string(name)}
	}
	return len(platform.PerPlatform(wanted).Pick(identified)) > 0
}

// Env is the scan state a check runs with.
type Env struct {
	Audit   *audit.Context
	Timeout *timeout.Analyzer
}

// Check is a vulnerability check.
type Check interface {
	Info() Info
	Run(ctx context.Context, p *page.Page, env *Env) error
}

// Base implements the bookkeeping shared by checks and is meant to be
// embedded.
type Base struct {
	info   Info
	Logger *zap.Logger
}

// NewBase creates a Base with a logger named after the check.
func NewBase(info Info, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Base{
		info:   info,
		Logger: logger.Named(info.Shortname),
	}
}

// Info returns the check's description.
func (b *Base) Info() Info {
	return b.info
}

// Auditor binds the check to env's audit context.
func (b *Base) Auditor(env *Env) *audit.Auditor {
	return newAuditor(env, b.info)
}

func newAuditor(env *Env, info Info) *audit.Auditor {
	return audit.NewAuditor(env.Audit, info.Shortname, info.Issue)
}

// Elements returns the page's elements the check audits.
func (b *Base) Elements(p *page.Page) []element.Auditable {
	return p.Auditable(b.info.Elements...)
}

// Applicable reports whether running c against p could do anything.
func Applicable(c Check, p *page.Page, identified []platform.Name) bool {
	info := c.Info()
	if !info.SupportsPlatforms(identified) {
		return false
	}
	for _, e := range p.Auditable(info.Elements...) {
		if e.HasInputs() && slices.Contains(info.Elements, e.Kind()) {
			return true
		}
	}
	return false
}
