// File: internal/analysis/differential/differential.go

// Package differential detects boolean injection by comparing the responses
// to true and false expressions against a forced-false control.
//
// For every input the analyzer gathers four signatures:
//
//	control               the forced-false payload, before probing
//	true / false          each pair's expressions
//	control verification  the forced-false payload again, after probing
//
// An input is vulnerable when control == verification, false ~ control and
// false !~ true. Every signature is refined over Precision identical
// requests so that dynamic noise (banners, tokens, timestamps) drops out.
package differential

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/audit"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
	"github.com/xkilldash9x/scalpel-audit/internal/signature"
)

const (
	// DifferenceThreshold is the largest difference tolerated between
	// responses to identical requests. Beyond it the server is too chaotic
	// to analyze.
	DifferenceThreshold = 0.3
	// SimilarityThreshold decides whether two refined signatures match.
	SimilarityThreshold = 0.1
	// DefaultPrecision is how many identical requests back each signature.
	DefaultPrecision = 2
	// DefaultFalse is the forced-false control payload.
	DefaultFalse = "-1"
	// RemarksKey groups the issue remarks.
	RemarksKey = "differential_analysis"
)

// AllowedStatus lists the response codes the analyzer trusts.
var AllowedStatus = map[int]bool{200: true, 404: true}

// Pair is a true expression and its false counterpart.
type Pair struct {
	True  string `json:"true"`
	False string `json:"false"`
}

// Options configures an analysis.
type Options struct {
	False     string
	Pairs     []Pair
	Precision int
	Submit    audit.SubmitOptions
}

func (o Options) withDefaults() Options {
	if o.False == "" {
		o.False = DefaultFalse
	}
	if o.Precision <= 0 {
		o.Precision = DefaultPrecision
	}
	return o
}

func (o Options) auditOptions(skipLike func(element.Element) bool) audit.Options {
	return audit.Options{
		Formats:   []element.Format{element.FormatStraight},
		Redundant: true,
		Plain:     true,
		SkipLike:  skipLike,
		Submit:    o.Submit,
	}
}

// CalculateCost estimates the requests an analysis of elem makes: controls,
// their verification and both sides of every pair, Precision times each.
func CalculateCost(c *audit.Context, elem element.Element, opts Options) int {
	opts = opts.withDefaults()
	single := c.CalculateCost(elem, 1, opts.auditOptions(nil))
	return (2 + 2*len(opts.Pairs)) * single * opts.Precision
}

// Analyze schedules the analysis of elem and returns whether it did. The
// requests are queued on the scan's HTTP client; results arrive as it runs.
// elem must carry the auditor that will log the issue.
func Analyze(ctx context.Context, c *audit.Context, elem element.Auditable, opts Options) (bool, error) {
	opts = opts.withDefaults()
	logger := c.Logger.Named("differential")

	if !elem.HasInputs() {
		return false, nil
	}

	inputs := elem.Inputs()
	missing := make(map[string]bool)
	for _, name := range elem.MissingValues() {
		missing[name] = true
	}
	if len(inputs) > 1 && len(inputs) == len(missing) {
		logger.Debug("Inputs are missing default values, skipping",
			zap.String("kind", string(elem.Kind())), zap.String("action", elem.Action()))
		return false, nil
	}

	id := elem.AuditID("")
	if c.Audited(id) {
		return false, nil
	}
	c.MarkAudited(id)

	if c.Scope != nil && !c.Scope.InScope(elem.Action()) {
		logger.Debug("Element is out of scope, skipping", zap.String("audit_id", id))
		return false, nil
	}

	skipLike := func(m element.Element) bool {
		return len(inputs) > 1 && missing[m.AffectedInputName()]
	}
	aopts := opts.auditOptions(skipLike)

	mutations := len(c.Mutations(elem, opts.False, aopts))
	if mutations == 0 {
		return false, nil
	}

	a := &analysis{
		ctx:       ctx,
		audit:     c,
		elem:      elem,
		opts:      opts,
		aopts:     aopts,
		logger:    logger,
		mutations: mutations,
		expected:  mutations + mutations*len(opts.Pairs)*2,
		controls:  make(map[string]*signature.Signature),
		verified:  make(map[string]*signature.Signature),
		results:   make(map[int]map[string]*result),
		corrupted: make(map[int]map[string]bool),
	}

	if err := a.gather(opts.False, a.onControl); err != nil {
		return false, err
	}
	c.HTTP.AfterRun(func() {
		a.gatherPairs(true)
		a.gatherPairs(false)
	})
	return true, nil
}

type result struct {
	mutation element.Auditable
	response *httpclient.Response
	injected string
	trueSig  *signature.Signature
	falseSig *signature.Signature
}

// analysis is the per-element state. Its callbacks run serially on the
// HTTP client's Run goroutine, so it needs no locking.
type analysis struct {
	ctx    context.Context
	audit  *audit.Context
	elem   element.Auditable
	opts   Options
	aopts  audit.Options
	logger *zap.Logger

	mutations int
	expected  int
	received  int
	done      bool

	controls map[string]*signature.Signature
	verified map[string]*signature.Signature
	// verifiedCount counts usable verification signatures.
	verifiedCount int

	// results and corrupted are keyed by pair index, then input name.
	results   map[int]map[string]*result
	corrupted map[int]map[string]bool
}

type gatherFunc func(sig *signature.Signature, resp *httpclient.Response, m element.Auditable)

// gather submits seed Precision times and calls fn once per input: with the
// refined signature, or with nil when a response was unusable or the
// responses disagreed.
func (a *analysis) gather(seed string, fn gatherFunc) error {
	sigs := make(map[string][]*signature.Signature)
	corrupted := make(map[string]bool)

	cb := func(resp *httpclient.Response, m element.Auditable) {
		key := m.AffectedInputName()
		if corrupted[key] {
			return
		}
		if !a.usable(resp, m) {
			corrupted[key] = true
			fn(nil, resp, m)
			return
		}

		body := resp.Body
		if m.Seed() != "" {
			body = strings.ReplaceAll(body, m.Seed(), "")
		}
		sigs[key] = append(sigs[key], signature.For(body))
		if len(sigs[key]) != a.opts.Precision {
			return
		}

		refined, ok := a.stable(sigs[key])
		if !ok {
			a.logger.Debug("Responses to identical requests differ too much",
				zap.String("kind", string(m.Kind())), zap.String("input", key), zap.String("action", m.Action()))
			fn(nil, resp, m)
			return
		}
		fn(refined, resp, m)
	}

	for i := 0; i < a.opts.Precision; i++ {
		if _, err := a.audit.Audit(a.ctx, a.elem, platform.FlatPayloads(seed), a.aopts, cb); err != nil {
			return fmt.Errorf("differential: failed to gather signatures for %q: %w", seed, err)
		}
	}
	return nil
}

// stable checks the signatures against DifferenceThreshold and refines
// them into one.
func (a *analysis) stable(sigs []*signature.Signature) (*signature.Signature, bool) {
	if len(sigs) == 1 {
		return sigs[0], true
	}
	similar, err := signature.SimilarAll(DifferenceThreshold, sigs...)
	if err != nil || !similar {
		return nil, false
	}
	refined, err := signature.RefineAll(sigs...)
	if err != nil {
		return nil, false
	}
	return refined, true
}

func (a *analysis) usable(resp *httpclient.Response, m element.Auditable) bool {
	fields := []zap.Field{
		zap.String("kind", string(m.Kind())), zap.String("input", m.AffectedInputName()), zap.String("action", m.Action()),
	}
	switch {
	case !AllowedStatus[resp.Code]:
		a.logger.Debug("Server returned status, aborting analysis", append(fields, zap.Int("code", resp.Code))...)
		return false
	case resp.Body == "":
		a.logger.Debug("Server returned empty response body, aborting analysis", fields...)
		return false
	case resp.Partial:
		a.logger.Debug("Server returned partial response, aborting analysis", fields...)
		return false
	}
	return true
}

func (a *analysis) onControl(sig *signature.Signature, _ *httpclient.Response, m element.Auditable) {
	if sig != nil {
		a.controls[m.AffectedInputName()] = sig
		a.logger.Debug("Got control response",
			zap.String("kind", string(m.Kind())), zap.String("input", m.AffectedInputName()), zap.String("action", m.Action()))
	}
	a.increaseReceived()
}

func (a *analysis) gatherPairs(truth bool) {
	for i, pair := range a.opts.Pairs {
		if a.results[i] == nil {
			a.results[i] = make(map[string]*result)
			a.corrupted[i] = make(map[string]bool)
		}
		expr := pair.False
		if truth {
			expr = pair.True
		}
		idx := i
		err := a.gather(expr, func(sig *signature.Signature, resp *httpclient.Response, m element.Auditable) {
			a.onPair(idx, truth, expr, sig, resp, m)
		})
		if err != nil {
			a.logger.Warn("Could not gather pair signatures", zap.String("expression", expr), zap.Error(err))
		}
	}
}

func (a *analysis) onPair(pair int, truth bool, expr string, sig *signature.Signature, resp *httpclient.Response, m element.Auditable) {
	input := m.AffectedInputName()
	defer a.increaseReceived()

	if sig == nil || a.corrupted[pair][input] {
		a.corrupted[pair][input] = true
		return
	}
	if a.sieve(pair, input) {
		return
	}

	r := a.results[pair][input]
	if r == nil {
		r = &result{mutation: m, response: resp, injected: expr}
		a.results[pair][input] = r
	}
	if truth {
		r.trueSig = sig
	} else {
		r.falseSig = sig
	}

	if a.sieve(pair, input) {
		a.corrupted[pair][input] = true
	}
}

// sieve drops a result as soon as it cannot be vulnerable: the false
// response must match the control and differ from the true one.
func (a *analysis) sieve(pair int, input string) bool {
	r := a.results[pair][input]
	if r == nil {
		return false
	}
	if control := a.controls[input]; control != nil && r.falseSig != nil &&
		!control.Similar(r.falseSig, SimilarityThreshold) {
		delete(a.results[pair], input)
		return true
	}
	if r.falseSig != nil && r.trueSig != nil && r.falseSig.Similar(r.trueSig, SimilarityThreshold) {
		delete(a.results[pair], input)
		return true
	}
	return false
}

func (a *analysis) increaseReceived() {
	a.received++
	if a.done || a.received != a.expected {
		return
	}
	a.done = true

	// The server must still behave the way it did before probing.
	err := a.gather(a.opts.False, func(sig *signature.Signature, _ *httpclient.Response, m element.Auditable) {
		if sig == nil {
			return
		}
		a.verified[m.AffectedInputName()] = sig
		a.verifiedCount++
		if a.verifiedCount == a.mutations {
			a.match()
		}
	})
	if err != nil {
		a.logger.Warn("Could not gather control verification signatures", zap.Error(err))
	}
}

func (a *analysis) match() {
	a.logger.Debug("Gathered all signatures, processing data", zap.String("action", a.elem.Action()))

	for pair := range a.opts.Pairs {
		for input, r := range a.results[pair] {
			if r.response == nil || a.corrupted[pair][input] {
				continue
			}
			fields := []zap.Field{
				zap.String("kind", string(r.mutation.Kind())), zap.String("input", input), zap.String("action", r.mutation.Action()),
			}
			control, verification := a.controls[input], a.verified[input]
			switch {
			case control == nil:
				a.logger.Debug("Could not establish control baseline, aborting analysis", fields...)
				continue
			case verification == nil:
				a.logger.Debug("Could not establish control verification baseline, aborting analysis", fields...)
				continue
			case !control.Equal(verification):
				a.logger.Info("Control baseline too unstable, aborting analysis", fields...)
				continue
			}

			auditor := r.mutation.Auditor()
			if auditor == nil {
				a.logger.Warn("Mutation has no auditor, cannot log issue", fields...)
				continue
			}
			p := a.opts.Pairs[pair]
			auditor.LogVulnerability(element.Vulnerability{
				Vector:   r.mutation,
				Response: r.response,
				Remarks: map[string][]string{
					RemarksKey: {
						"True expression: " + p.True,
						"False expression: " + p.False,
						"Control false expression: " + a.opts.False,
					},
				},
			})
		}
	}

	a.controls = nil
	a.verified = nil
	a.results = nil
}
