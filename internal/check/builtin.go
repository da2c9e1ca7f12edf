// File: internal/check/builtin.go
package check

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/differential"
	"github.com/xkilldash9x/scalpel-audit/internal/analysis/timeout"
	"github.com/xkilldash9x/scalpel-audit/internal/audit"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/page"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

// ElementsWithInputs are the HTTP-submittable element kinds.
var ElementsWithInputs = []element.Kind{
	element.KindLink, element.KindForm, element.KindCookie, element.KindHeader, element.KindJSON, element.KindXML,
}

// Builtin returns the checks shipped with the scanner.
func Builtin(logger *zap.Logger) []Check {
	return []Check{
		NewSQLInjectionDifferential(logger),
		NewNoSQLInjectionDifferential(logger),
		NewOSCommandInjectionTiming(logger),
		NewCodeInjectionTiming(logger),
	}
}

// -- Differential analysis checks --

// DifferentialCheck audits elements with boolean expression pairs.
type DifferentialCheck struct {
	*Base
	Options differential.Options
}

// Run implements Check.
func (c *DifferentialCheck) Run(ctx context.Context, p *page.Page, env *Env) error {
	auditor := c.Auditor(env)
	for _, e := range c.Elements(p) {
		_, err := differential.Analyze(ctx, env.Audit, auditor.Adopt(e), c.Options)
		if err := c.elementFailed(ctx, e, err); err != nil {
			return err
		}
	}
	return nil
}

// elementFailed logs an element's analysis error so that the remaining
// elements are still analyzed. Only cancellation stops the check.
func (b *Base) elementFailed(ctx context.Context, e element.Auditable, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", b.info.Shortname, ctxErr)
	}
	b.Logger.Warn("Element analysis failed",
		zap.String("kind", string(e.Kind())), zap.String("action", e.Action()), zap.Error(err))
	return nil
}

func differentialCost(opts differential.Options) int {
	precision := opts.Precision
	if precision <= 0 {
		precision = differential.DefaultPrecision
	}
	return (2 + 2*len(opts.Pairs)) * precision
}

// quotedPairs expands %q in every pair with each quote character.
func quotedPairs(templates []differential.Pair) []differential.Pair {
	var pairs []differential.Pair
	for _, q := range []string{"'", `"`, ""} {
		for _, t := range templates {
			pairs = append(pairs, differential.Pair{
				True:  strings.ReplaceAll(t.True, "%q", q),
				False: strings.ReplaceAll(t.False, "%q", q),
			})
		}
	}
	return pairs
}

// NewSQLInjectionDifferential detects blind SQL injection.
func NewSQLInjectionDifferential(logger *zap.Logger) *DifferentialCheck {
	opts := differential.Options{
		False: "-1839",
		Pairs: quotedPairs([]differential.Pair{
			{True: "1%q AND %q1%q=%q1", False: "1%q AND %q1%q=%q2"},
		}),
		// Responses feed the passive trainer.
		Submit: audit.SubmitOptions{Train: true},
	}
	return &DifferentialCheck{
		Base: NewBase(Info{
			Name:      "Blind SQL Injection (differential analysis)",
			Shortname: "sql_injection_differential",
			Description: "It uses differential analysis to determine how different inputs affect " +
				"the behavior of the web application and checks if the displayed behavior is " +
				"consistent with that of a vulnerable application.",
			Elements: []element.Kind{element.KindLink, element.KindForm, element.KindCookie},
			Sinks:    []string{SinkActive},
			Cost:     differentialCost(opts),
			Issue: schemas.IssueTemplate{
				Name: "Blind SQL Injection (differential analysis)",
				Description: "A SQL injection occurs when a value originating from the client's request " +
					"is used within a SQL query without prior sanitisation. The affected input changed " +
					"the page in the way a true or false condition would.",
				Severity: schemas.SeverityHigh,
				CWE:      []string{"CWE-89"},
				Tags:     []string{"sql", "blind", "differential", "injection", "database"},
				Remedy:   "Use parameterized queries; never build SQL through string concatenation of user input.",
			},
		}, logger),
		Options: opts,
	}
}

// NewNoSQLInjectionDifferential detects blind NoSQL injection.
func NewNoSQLInjectionDifferential(logger *zap.Logger) *DifferentialCheck {
	opts := differential.Options{
		False: "-1839",
		Pairs: quotedPairs([]differential.Pair{
			{True: "%q;return true;var foo=%q", False: "%q;return false;var foo=%q"},
			{True: "1%q||this%q", False: "1%q||!this%q"},
		}),
	}
	return &DifferentialCheck{
		Base: NewBase(Info{
			Name:      "Blind NoSQL Injection (differential analysis)",
			Shortname: "no_sql_injection_differential",
			Description: "It uses differential analysis to determine how different inputs affect " +
				"the behavior of the web application.",
			Elements:  []element.Kind{element.KindLink, element.KindForm, element.KindCookie},
			Platforms: []platform.Name{platform.NoSQL},
			Sinks:     []string{SinkActive},
			Cost:      differentialCost(opts),
			Issue: schemas.IssueTemplate{
				Name: "Blind NoSQL Injection (differential analysis)",
				Description: "A NoSQL injection occurs when a value originating from the client's request " +
					"is used within a NoSQL call without prior sanitisation.",
				Severity: schemas.SeverityHigh,
				CWE:      []string{"CWE-89"},
				Tags:     []string{"nosql", "blind", "differential", "injection", "database"},
				Remedy:   "Do not construct NoSQL API calls through string concatenation of unsanitized data.",
			},
		}, logger),
		Options: opts,
	}
}

// -- Timing attack checks --

// TimingCheck audits elements with payloads that delay the server.
type TimingCheck struct {
	*Base
	Payloads platform.Payloads
	Options  timeout.Options
}

// Run implements Check.
func (c *TimingCheck) Run(ctx context.Context, p *page.Page, env *Env) error {
	if env.Timeout == nil {
		return fmt.Errorf("%s: no timing analyzer configured", c.Info().Shortname)
	}
	auditor := c.Auditor(env)
	for _, e := range c.Elements(p) {
		_, err := env.Timeout.Analyze(ctx, auditor.Adopt(e), c.Payloads, c.Options)
		if err := c.elementFailed(ctx, e, err); err != nil {
			return err
		}
	}
	return nil
}

func timingCost(payloads platform.Payloads, opts timeout.Options) int {
	formats := len(opts.Formats)
	if formats == 0 {
		formats = len(element.DefaultFormats)
	}
	return payloads.Count() * formats
}

func prefixed(prefixes []string, byPlatform map[platform.Name]string) platform.Payloads {
	out := make(map[platform.Name][]string, len(byPlatform))
	for name, payload := range byPlatform {
		for _, p := range prefixes {
			out[name] = append(out[name], p+payload)
		}
	}
	return platform.PerPlatform(out)
}

// NewOSCommandInjectionTiming detects blind OS command injection.
func NewOSCommandInjectionTiming(logger *zap.Logger) *TimingCheck {
	payloads := prefixed([]string{"; ", "'; ", `"; `}, map[platform.Name]string{
		platform.Unix:    "sleep " + timeout.DelayStub + " #",
		platform.Windows: "ping -n " + timeout.DelayStub + " localhost &rem",
	})
	opts := timeout.Options{
		Formats: []element.Format{element.FormatStraight},
		Timeout: 4 * time.Second,
		Divider: 1000,
		Add:     -time.Second,
	}
	return &TimingCheck{
		Base: NewBase(Info{
			Name:        "OS command injection (timing)",
			Shortname:   "os_cmd_injection_timing",
			Description: "Tries to find operating system command injections using timing attacks.",
			Elements:    ElementsWithInputs,
			Platforms:   []platform.Name{platform.Unix, platform.Windows},
			Sinks:       []string{SinkBlind},
			Prefer:      []string{"os_cmd_injection"},
			Cost:        timingCost(payloads, opts),
			Issue: schemas.IssueTemplate{
				Name: "Operating system command injection (timing attack)",
				Description: "User supplied input is inserted into an operating system command without " +
					"proper sanitisation. Commands taking a specific amount of time to execute delayed " +
					"the response accordingly.",
				Severity: schemas.SeverityHigh,
				CWE:      []string{"CWE-78"},
				Tags:     []string{"os", "command", "code", "injection", "timing", "blind"},
				Remedy:   "Never use untrusted data to form a command executed by the OS.",
			},
		}, logger),
		Payloads: payloads,
		Options:  opts,
	}
}

// NewCodeInjectionTiming detects blind server-side code injection.
func NewCodeInjectionTiming(logger *zap.Logger) *TimingCheck {
	payloads := prefixed([]string{"", ";", `";`, "';"}, map[platform.Name]string{
		platform.Ruby:   "sleep(" + timeout.DelayStub + "/1000);",
		platform.PHP:    "sleep(" + timeout.DelayStub + "/1000);",
		platform.Perl:   "sleep(" + timeout.DelayStub + "/1000);",
		platform.Python: "import time;time.sleep(" + timeout.DelayStub + "/1000);",
		platform.Java:   "Thread.sleep(" + timeout.DelayStub + ");",
		platform.ASP:    "Thread.Sleep(" + timeout.DelayStub + ");",
	})
	opts := timeout.Options{
		Formats: []element.Format{element.FormatAppend, element.FormatStraight},
		Timeout: 4 * time.Second,
		Add:     -time.Second,
	}
	return &TimingCheck{
		Base: NewBase(Info{
			Name:        "Code injection (timing)",
			Shortname:   "code_injection_timing",
			Description: "Injects code snippets and assesses whether or not the execution of the payloads was delayed.",
			Elements:    ElementsWithInputs,
			Platforms:   []platform.Name{platform.Ruby, platform.PHP, platform.Perl, platform.Python, platform.Java, platform.ASP},
			Sinks:       []string{SinkBlind},
			Prefer:      []string{"code_injection"},
			Cost:        timingCost(payloads, opts),
			Issue: schemas.IssueTemplate{
				Name: "Code injection (timing attack)",
				Description: "Input is passed to an interpreter of the server-side language without " +
					"sanitisation. Code that sleeps for a specific amount of time delayed the response accordingly.",
				Severity: schemas.SeverityHigh,
				CWE:      []string{"CWE-94"},
				Tags:     []string{"code", "injection", "timing", "blind"},
				Remedy:   "Never pass untrusted input to eval-like functions or other code interpreters.",
			},
		}, logger),
		Payloads: payloads,
		Options:  opts,
	}
}
