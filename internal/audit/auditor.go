// File: internal/audit/auditor.go
package audit

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/element"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

// maxIssueBody bounds the response body copied into an issue.
const maxIssueBody = 4096

// Auditor is a check's identity within a scan. Mutations keep it as their
// back-reference so analyzers can log issues without knowing the check.
type Auditor struct {
	ctx       *Context
	shortname string
	template  schemas.IssueTemplate
	logger    *zap.Logger
}

// NewAuditor binds a check's shortname and issue template to ctx.
func NewAuditor(ctx *Context, shortname string, template schemas.IssueTemplate) *Auditor {
	return &Auditor{
		ctx:       ctx,
		shortname: shortname,
		template:  template,
		logger:    ctx.Logger.With(zap.String("check", shortname)),
	}
}

func (a *Auditor) Shortname() string               { return a.shortname }
func (a *Auditor) Context() *Context               { return a.ctx }
func (a *Auditor) Logger() *zap.Logger             { return a.logger }
func (a *Auditor) Template() schemas.IssueTemplate { return a.template }

// Adopt returns a copy of elem owned by this auditor.
func (a *Auditor) Adopt(elem element.Auditable) element.Auditable {
	c := elem.Dup().(element.Auditable)
	c.SetAuditor(a)
	return c
}

// LogVulnerability turns an analyzer's finding into an issue.
func (a *Auditor) LogVulnerability(v element.Vulnerability) {
	issue := a.newIssue(v)
	if a.ctx.Issues.Log(issue) {
		a.logger.Info("Issue logged",
			zap.String("name", issue.Name),
			zap.String("kind", issue.Vector.Kind),
			zap.String("action", issue.Vector.Action),
			zap.String("input", issue.Vector.AffectedInput))
	}
}

func (a *Auditor) newIssue(v element.Vulnerability) *schemas.Issue {
	issue := &schemas.Issue{
		ID:            uuid.NewString(),
		ScanID:        a.ctx.ScanID,
		ObservedAt:    time.Now().UTC(),
		Check:         a.shortname,
		IssueTemplate: a.template,
		Remarks:       v.Remarks,
	}
	if e := v.Vector; e != nil {
		issue.Vector = schemas.Vector{
			Kind:          string(e.Kind()),
			Method:        e.Method(),
			Action:        e.Action(),
			AffectedInput: e.AffectedInputName(),
			Seed:          e.Seed(),
			Inputs:        e.Inputs(),
		}
		if p := e.Platform(); p != "" {
			issue.Platform = string(p)
			issue.PlatformType = string(p.Type())
		}
	}
	if resp := v.Response; resp != nil {
		issue.Response = responseSummary(resp)
		if resp.Request != nil {
			issue.Request = requestSummary(resp.Request)
		}
	}
	return issue
}

func requestSummary(req *httpclient.Request) schemas.RequestSummary {
	return schemas.RequestSummary{
		Method:  req.Method,
		URL:     req.EffectiveURL(),
		Headers: req.Headers,
		Body:    req.Body,
	}
}

func responseSummary(resp *httpclient.Response) schemas.ResponseSummary {
	body := resp.Body
	if len(body) > maxIssueBody {
		body = body[:maxIssueBody]
	}
	return schemas.ResponseSummary{
		Code:     resp.Code,
		Seconds:  resp.Seconds(),
		TimedOut: resp.TimedOut,
		Body:     body,
	}
}
