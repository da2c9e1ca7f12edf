// File: internal/analysis/timeout/timeout.go

// Package timeout detects blind injection through response-time side
// channels.
//
// Analyze injects payloads carrying the DelayStub and keeps the mutations
// whose requests time out as phase 1 candidates. Run then walks every
// candidate through the phases in order. Each phase waits for the server to
// settle, sends a zero-delay control that must NOT time out, and sends the
// payload with the phase's scaled delay, which MUST time out. A candidate
// that clears the final phase is logged; one that fails any phase is dropped.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/audit"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/filter"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

const (
	// DelayStub is replaced in payloads with the delay the server should
	// sleep for.
	DelayStub = "__TIME__"
	// RemarksKey groups the issue remarks.
	RemarksKey = "timing_attack"
	// ResponsivenessLimit is how long the server gets to recover between
	// phases.
	ResponsivenessLimit = 120 * time.Second
)

// Phases holds the delay multiplier of each verification phase. The first
// phase uses the largest one to reject most false positives early, the last
// one repeats the base delay as the logged proof.
var Phases = []int{6, 1, 3, 2, 4, 5, 1}

// Options configures an analysis. They travel with every candidate it finds.
type Options struct {
	// Timeout is the base delay. Requests time out after the phase delay
	// plus Add.
	Timeout time.Duration `json:"timeout"`
	// Divider scales the delay written into payloads:
	// DelayStub = Timeout in milliseconds / Divider.
	Divider int              `json:"divider"`
	Add     time.Duration    `json:"add"`
	Formats []element.Format `json:"formats,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.Divider <= 0 {
		o.Divider = 1
	}
	return o
}

// PayloadDelay is the value substituted for DelayStub at the given delay.
func (o Options) PayloadDelay(delay time.Duration) string {
	o = o.withDefaults()
	return strconv.FormatInt(delay.Milliseconds()/int64(o.Divider), 10)
}

// RequestTimeout is the request timeout used at the given delay.
func (o Options) RequestTimeout(delay time.Duration) time.Duration {
	t := delay + o.Add
	if t <= 0 {
		t = time.Millisecond
	}
	return t
}

func (o Options) auditOptions() audit.Options {
	return audit.Options{
		Formats: o.Formats,
		Plain:   true,
	}
}

// Candidate is a mutation that timed out during probing, with the timing
// data its verification collects.
type Candidate struct {
	Element element.Auditable
	// TimingString is the injected value with DelayStub still in place.
	TimingString string
	Options      Options

	Delays             []time.Duration
	ControlTimes       []time.Duration
	StabilizationTimes []time.Duration

	id uint64
}

// ID is the candidate's timeout identity hash, taken when it was found.
func (c *Candidate) ID() uint64 { return c.id }

func candidateHash(c *Candidate) uint64 { return c.id }

// Analyzer owns the timing-attack state of one scan.
type Analyzer struct {
	audit  *audit.Context
	logger *zap.Logger

	mu          sync.Mutex
	deduplicate bool
	candidates  [][]*Candidate
	ids         []*filter.Set[*Candidate]
	logged      *filter.Set[*Candidate]
}

// NewAnalyzer creates an analyzer with deduplication enabled.
func NewAnalyzer(c *audit.Context) (*Analyzer, error) {
	if c == nil {
		return nil, errors.New("timeout: audit context cannot be nil")
	}
	a := &Analyzer{
		audit:       c,
		logger:      c.Logger.Named("timeout"),
		deduplicate: true,
		logged:      filter.NewSet(candidateHash),
	}
	a.reset()
	return a, nil
}

func (a *Analyzer) reset() {
	a.candidates = make([][]*Candidate, len(Phases))
	a.ids = make([]*filter.Set[*Candidate], len(Phases))
	for i := range Phases {
		a.ids[i] = filter.NewSet(candidateHash)
	}
}

// SetDeduplicate toggles candidate and issue deduplication.
func (a *Analyzer) SetDeduplicate(on bool) {
	a.mu.Lock()
	a.deduplicate = on
	a.mu.Unlock()
}

// HasCandidates reports whether phase 1 has candidates waiting.
func (a *Analyzer) HasCandidates() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.candidates[0]) > 0
}

// CandidatesInclude reports whether an element with the same timeout
// identity has been a phase 1 candidate.
func (a *Analyzer) CandidatesInclude(e element.Element) bool {
	return a.ids[0].IncludeHash(element.TimeoutHash(e))
}

// Pending returns the number of candidates per phase.
func (a *Analyzer) Pending() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, len(a.candidates))
	for i, list := range a.candidates {
		out[i] = len(list)
	}
	return out
}

func (a *Analyzer) add(phase int, c *Candidate) {
	a.mu.Lock()
	a.ids[phase].Insert(c)
	a.candidates[phase] = append(a.candidates[phase], c)
	a.mu.Unlock()
}

func (a *Analyzer) pop(phase int) *Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.candidates[phase]
	if len(list) == 0 {
		return nil
	}
	c := list[len(list)-1]
	a.candidates[phase] = list[:len(list)-1]
	return c
}

func (a *Analyzer) skipLogged(c *Candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deduplicate && a.logged.Include(c)
}

// CalculateCost estimates the requests analyzing elem makes.
func (a *Analyzer) CalculateCost(elem element.Element, payloadCount int, opts Options) int {
	return a.audit.CalculateCost(elem, payloadCount, opts.auditOptions())
}

// -- Probing --

// Analyze queues the timing requests for elem with payloads and returns whether
// anything was queued. Mutations that time out become phase 1 candidates
// while the HTTP client runs; Run verifies them afterwards.
func (a *Analyzer) Analyze(ctx context.Context, elem element.Auditable, payloads platform.Payloads, opts Options) (bool, error) {
	if opts.Timeout <= 0 {
		return false, fmt.Errorf("timeout: a positive timeout is required, got %s", opts.Timeout)
	}
	opts = opts.withDefaults()

	if !elem.HasInputs() {
		return false, nil
	}
	if a.audit.Scope != nil && !a.audit.Scope.InScope(elem.Action()) {
		a.logger.Debug("Element is out of scope, skipping", zap.String("audit_id", elem.AuditID("")))
		return false, nil
	}

	// Each submitted mutation keeps its stub for the verification phases and
	// is sent with a real delay instead.
	payloadDelay := opts.PayloadDelay(opts.Timeout)
	aopts := opts.auditOptions()
	aopts.Prepare = func(m element.Auditable) audit.Callback {
		injected := m.AffectedInputValue()
		m.SetAffectedInputValue(strings.ReplaceAll(injected, DelayStub, payloadDelay))
		return func(resp *httpclient.Response, m element.Auditable) {
			a.candidate(resp, m, injected, opts)
		}
	}
	aopts.Submit = audit.SubmitOptions{
		Timeout:         opts.RequestTimeout(opts.Timeout),
		ResponseMaxSize: httpclient.Size(0),
	}
	return a.audit.Audit(ctx, elem, payloads, aopts, nil)
}

// candidate turns a timed out response into a phase 1 candidate.
func (a *Analyzer) candidate(resp *httpclient.Response, m element.Auditable, injected string, opts Options) {
	if !resp.TimedOut || resp.Partial {
		return
	}
	c := &Candidate{
		Element:      m,
		TimingString: injected,
		Options:      opts,
		Delays:       []time.Duration{opts.Timeout},
		id:           element.TimeoutHash(m),
	}

	a.mu.Lock()
	seen := a.deduplicate && a.ids[0].Include(c)
	a.mu.Unlock()
	if seen {
		return
	}

	a.logger.Info("Found a candidate for phase 1",
		zap.String("kind", string(m.Kind())), zap.String("input", m.AffectedInputName()),
		zap.String("action", m.Action()), zap.String("value", m.AffectedInputValue()))
	a.add(0, c)
}

// -- Verification --

// Run verifies every pending candidate, phase by phase. Candidates promoted
// by a phase are verified by the next one during the same call.
func (a *Analyzer) Run(ctx context.Context) error {
	for phase := range Phases {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			c := a.pop(phase)
			if c == nil {
				break
			}
			if a.skipLogged(c) {
				continue
			}
			if err := a.runPhase(ctx, phase, c); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Analyzer) runPhase(ctx context.Context, phase int, c *Candidate) error {
	multiplier := Phases[phase]
	delay := c.Options.Timeout * time.Duration(multiplier)
	e := c.Element
	fields := []zap.Field{
		zap.String("kind", string(e.Kind())), zap.String("input", e.AffectedInputName()), zap.String("action", e.Action()),
	}
	a.logger.Info(fmt.Sprintf("Phase %d/%d", phase+1, len(Phases)),
		append(fields, zap.Duration("base_delay", c.Options.Timeout), zap.Int("multiplier", multiplier), zap.Duration("delay", delay))...)

	last := phase == len(Phases)-1
	return a.verify(ctx, c, delay, func(resp *httpclient.Response) {
		if !last {
			a.logger.Info(fmt.Sprintf("Verification was successful, candidate can progress to phase %d", phase+2), fields...)
			a.add(phase+1, c)
			return
		}
		a.log(c, resp)
	})
}

func (a *Analyzer) log(c *Candidate, resp *httpclient.Response) {
	e := c.Element
	e.SetSeed(strings.ReplaceAll(e.Seed(), DelayStub, c.Options.PayloadDelay(c.Options.Timeout)))

	a.mu.Lock()
	a.logged.Insert(c)
	a.mu.Unlock()

	auditor := e.Auditor()
	if auditor == nil {
		a.logger.Warn("Candidate has no auditor, cannot log issue", zap.String("action", e.Action()))
		return
	}
	a.logger.Info("Verification was successful",
		zap.String("kind", string(e.Kind())), zap.String("input", e.AffectedInputName()), zap.String("action", e.Action()))
	auditor.LogVulnerability(element.Vulnerability{
		Vector:   e,
		Response: resp,
		Remarks:  map[string][]string{RemarksKey: c.remarks()},
	})
}

func (c *Candidate) remarks() []string {
	return []string{
		"Delays (in seconds) used for each phase: " + joinSeconds(c.Delays),
		"Response times (in seconds) for control requests: " + joinSeconds(c.ControlTimes),
		"Response times (in seconds) for stabilization requests after each phase: " + joinSeconds(c.StabilizationTimes),
	}
}

func joinSeconds(ds []time.Duration) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
	}
	return strings.Join(parts, ", ")
}

// verify runs one phase gate at delay and calls pass with the response of a
// payload that timed out.
func (a *Analyzer) verify(ctx context.Context, c *Candidate, delay time.Duration, pass func(*httpclient.Response)) error {
	payloadDelay := c.Options.PayloadDelay(delay)
	payload := strings.ReplaceAll(c.TimingString, DelayStub, payloadDelay)
	timeout := c.Options.RequestTimeout(delay)

	ok, err := a.ensureResponsiveness(ctx, c)
	if err != nil || !ok {
		return err
	}

	// The control carries a real payload with a zero delay so that packet
	// dropping filters cannot pass for a vulnerable server.
	e := c.Element
	e.SetAffectedInputValue(strings.Replace(e.Seed(), DelayStub, "0", 1))
	control, err := a.send(ctx, e, timeout)
	if err != nil {
		return err
	}
	if control.TimedOut || control.Partial || control.Err != nil {
		a.logger.Info("Control check failed, aborting", zap.String("input", e.AffectedInputName()), zap.String("action", e.Action()))
		return nil
	}
	c.ControlTimes = append(c.ControlTimes, control.Time)

	e.SetAffectedInputValue(payload)
	a.logger.Debug("Sending payload",
		zap.String("payload_delay", payloadDelay), zap.Duration("request_timeout", timeout), zap.String("payload", payload))
	resp, err := a.send(ctx, e, timeout)
	if err != nil {
		return err
	}
	if !resp.TimedOut || resp.Partial {
		a.logger.Info("Verification failed", zap.Duration("response_time", resp.Time),
			zap.String("input", e.AffectedInputName()), zap.String("action", e.Action()))
		return nil
	}

	c.Delays = append(c.Delays, timeout)
	pass(resp)

	_, err = a.ensureResponsiveness(ctx, c)
	return err
}

// ensureResponsiveness waits, up to ResponsivenessLimit, for the element's
// default submission to be answered.
func (a *Analyzer) ensureResponsiveness(ctx context.Context, c *Candidate) (bool, error) {
	control, ok := c.Element.Reset().(element.Auditable)
	if !ok {
		return false, nil
	}
	fill(control)

	resp, err := a.send(ctx, control, ResponsivenessLimit)
	if err != nil {
		return false, err
	}
	if resp.TimedOut || resp.Partial || resp.Err != nil {
		a.logger.Warn("Max waiting time exceeded, server did not recover",
			zap.Duration("limit", ResponsivenessLimit), zap.String("action", control.Action()))
		return false, nil
	}
	c.StabilizationTimes = append(c.StabilizationTimes, resp.Time)
	return true, nil
}

func (a *Analyzer) send(ctx context.Context, e element.Auditable, timeout time.Duration) (*httpclient.Response, error) {
	var out *httpclient.Response
	err := a.audit.Submit(ctx, e, audit.Options{
		Sync:   true,
		Submit: audit.SubmitOptions{Timeout: timeout, ResponseMaxSize: httpclient.Size(0)},
	}, func(resp *httpclient.Response, _ element.Auditable) { out = resp })
	if err != nil {
		return nil, fmt.Errorf("timeout: %w", err)
	}
	if out == nil {
		return &httpclient.Response{Err: element.ErrNotSubmittable}, nil
	}
	if out.Err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return out, nil
}

// fill gives empty inputs a sample value so the element submits like a
// browser would.
func fill(e element.Element) {
	for name, value := range e.Inputs() {
		if value == "" {
			e.SetInput(name, "1")
		}
	}
}
