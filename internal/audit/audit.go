// File: internal/audit/audit.go

// Package audit injects payloads into elements and delivers the responses to
// the analyzers. A Context is shared by every check of one scan.
package audit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/filter"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
	"github.com/xkilldash9x/scalpel-audit/internal/scope"
)

// Callback receives each mutation's response. It runs on the goroutine that
// drives httpclient.Client.Run.
type Callback func(resp *httpclient.Response, mutation element.Auditable)

// SubmitOptions are copied onto every request an audit makes.
type SubmitOptions struct {
	// Timeout, when set, overrides the client's request timeout.
	Timeout time.Duration
	// ResponseMaxSize, when set, overrides the client's body limit.
	ResponseMaxSize *int64
	Train           bool
}

// Options tunes a single Audit call.
type Options struct {
	Formats []element.Format
	// Redundant disables the audited-ID check.
	Redundant bool
	// Sync performs requests immediately instead of queueing them.
	Sync bool
	// Plain ignores the scan-wide method switching and parameter-name
	// injection, auditing only the element's own method and inputs.
	Plain        bool
	SkipLike     func(element.Element) bool
	EachMutation func(element.Element) []element.Element
	// Prepare is called with every mutation right before it is submitted,
	// after duplicates were dropped. It may modify the mutation. A non-nil
	// result replaces the callback for that mutation's response.
	Prepare func(m element.Auditable) Callback
	Submit  SubmitOptions
}

// Context is the scan-scoped state the auditors share.
type Context struct {
	ScanID    string
	HTTP      *httpclient.Client
	Scope     *scope.Manager
	Platforms *platform.Manager
	Issues    *Issues
	Logger    *zap.Logger

	// WithBothHTTPMethods and ParameterNames are applied to every audit.
	WithBothHTTPMethods bool
	ParameterNames      bool

	audited *filter.Set[string]
}

// NewContext validates the collaborators and builds a Context. Scope and
// Platforms are optional.
func NewContext(scanID string, client *httpclient.Client, sc *scope.Manager, platforms *platform.Manager, issues *Issues, logger *zap.Logger) (*Context, error) {
	if client == nil {
		return nil, errors.New("audit: HTTP client cannot be nil")
	}
	if issues == nil {
		return nil, errors.New("audit: issue sink cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if platforms == nil {
		platforms = platform.NewManager(logger)
	}
	return &Context{
		ScanID:    scanID,
		HTTP:      client,
		Scope:     sc,
		Platforms: platforms,
		Issues:    issues,
		Logger:    logger.Named("audit"),
		audited:   filter.NewStringSet(),
	}, nil
}

// Audited reports whether an audit ID has been recorded.
func (c *Context) Audited(id string) bool { return c.audited.Include(id) }

// MarkAudited records an audit ID.
func (c *Context) MarkAudited(id string) { c.audited.Insert(id) }

// AuditedHashes dumps the audited filter for snapshots.
func (c *Context) AuditedHashes() []uint64 { return c.audited.Hashes() }

// LoadAudited restores the audited filter.
func (c *Context) LoadAudited(hashes []uint64) { c.audited.Load(hashes) }

func (c *Context) mutationOptions(opts Options) element.MutationOptions {
	return element.MutationOptions{
		Formats:             opts.Formats,
		SkipLike:            opts.SkipLike,
		EachMutation:        opts.EachMutation,
		WithBothHTTPMethods: c.WithBothHTTPMethods && !opts.Plain,
		ParameterNames:      c.ParameterNames && !opts.Plain,
	}
}

// Mutations returns the mutations Audit would submit for a single payload.
func (c *Context) Mutations(elem element.Element, payload string, opts Options) []element.Element {
	return element.Mutations(elem, payload, c.mutationOptions(opts))
}

// Audit injects every applicable payload into elem. It returns false when
// nothing was submitted: the element has no inputs, is out of scope, or was
// already audited with the same payloads.
func (c *Context) Audit(ctx context.Context, elem element.Auditable, payloads platform.Payloads, opts Options, cb Callback) (bool, error) {
	if !elem.HasInputs() || payloads.Empty() {
		return false, nil
	}
	if c.Scope != nil && !c.Scope.InScope(elem.Action()) {
		return false, nil
	}

	picked := payloads.Pick(c.Platforms.For(elem.Action()))
	names := make([]platform.Name, 0, len(picked))
	for name := range picked {
		names = append(names, name)
	}
	slices.Sort(names)

	submitted := false
	for _, name := range names {
		for _, payload := range picked[name] {
			id := elem.AuditID(payload)
			if !opts.Redundant && c.Audited(id) {
				c.Logger.Debug("Skipping already audited element",
					zap.String("kind", string(elem.Kind())), zap.String("action", elem.Action()), zap.String("payload", payload))
				continue
			}

			mopts := c.mutationOptions(opts)
			mopts.Platform = name
			for _, m := range element.Mutations(elem, payload, mopts) {
				mutation, ok := m.(element.Auditable)
				if !ok {
					continue
				}
				if err := c.submit(ctx, mutation, opts, cb); err != nil {
					return submitted, err
				}
				submitted = true
			}
			c.MarkAudited(id)
		}
	}
	return submitted, nil
}

// Submit sends a single, already prepared element.
func (c *Context) Submit(ctx context.Context, elem element.Auditable, opts Options, cb Callback) error {
	return c.submit(ctx, elem, opts, cb)
}

func (c *Context) submit(ctx context.Context, m element.Auditable, opts Options, cb Callback) error {
	if opts.Prepare != nil {
		if own := opts.Prepare(m); own != nil {
			cb = own
		}
	}
	req, err := m.Request()
	if err != nil {
		c.Logger.Warn("Could not build request for mutation",
			zap.String("kind", string(m.Kind())), zap.String("input", m.AffectedInputName()), zap.Error(err))
		return nil
	}
	applySubmit(req, opts.Submit)
	req.Performer = m

	if opts.Sync {
		resp, err := c.HTTP.Do(ctx, req)
		if err != nil {
			return fmt.Errorf("audit: failed to perform request: %w", err)
		}
		if cb != nil {
			cb(resp, m)
		}
		return nil
	}

	err = c.HTTP.Queue(req, func(resp *httpclient.Response) {
		if cb != nil {
			cb(resp, m)
		}
	})
	if err != nil {
		return fmt.Errorf("audit: failed to queue request: %w", err)
	}
	return nil
}

func applySubmit(req *httpclient.Request, s SubmitOptions) {
	if s.Timeout > 0 {
		req.Timeout = s.Timeout
	}
	if s.ResponseMaxSize != nil {
		req.ResponseMaxSize = s.ResponseMaxSize
	}
	if s.Train {
		req.Train = true
	}
}

// CalculateCost estimates how many requests auditing elem with payloadCount
// payloads costs, before deduplication.
func (c *Context) CalculateCost(elem element.Element, payloadCount int, opts Options) int {
	return payloadCount * element.Count(elem, c.mutationOptions(opts))
}
