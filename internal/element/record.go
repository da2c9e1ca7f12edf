// File: internal/element/record.go
package element

import (
	"fmt"
	"net/http"

	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

// Record is the serializable form of an element, used when scan state is
// snapshotted. The auditor is kept by shortname and re-attached on restore.
type Record struct {
	Kind     Kind              `json:"kind"`
	Action   string            `json:"action"`
	Method   string            `json:"method"`
	Inputs   map[string]string `json:"inputs"`
	Defaults map[string]string `json:"defaults,omitempty"`
	Affected string            `json:"affected,omitempty"`
	Seed     string            `json:"seed,omitempty"`
	Format   Format            `json:"format,omitempty"`
	Mutation bool              `json:"mutation,omitempty"`
	Platform platform.Name     `json:"platform,omitempty"`
	Auditor  string            `json:"auditor,omitempty"`

	// Variant specific.
	Name        string   `json:"name,omitempty"`
	Template    string   `json:"template,omitempty"`
	Source      string   `json:"source,omitempty"`
	Transitions []string `json:"transitions,omitempty"`
}

// AuditorResolver maps an auditor shortname back to a live Auditor.
type AuditorResolver func(shortname string) Auditor

// FromRecord rebuilds an element. resolve may be nil.
func FromRecord(r Record, resolve AuditorResolver) (Element, error) {
	defaults := r.Defaults
	if defaults == nil {
		defaults = r.Inputs
	}

	var e Element
	switch r.Kind {
	case KindLink:
		e = &Link{Base: newBase(KindLink, r.Action, r.Method, defaults), template: r.Template}
	case KindForm:
		e = NewForm(r.Action, r.Method, defaults).WithName(r.Name)
	case KindCookie:
		e = &Cookie{Base: newBase(KindCookie, r.Action, http.MethodGet, defaults)}
	case KindHeader:
		e = &Header{Base: newBase(KindHeader, r.Action, http.MethodGet, defaults)}
	case KindJSON:
		j, err := NewJSON(r.Action, r.Method, r.Source)
		if err != nil {
			return nil, err
		}
		e = j
	case KindXML:
		x, err := NewXML(r.Action, r.Method, r.Source)
		if err != nil {
			return nil, err
		}
		e = x
	case KindLinkDOM:
		e = NewLinkDOM(r.Action, r.Source, defaults, r.Transitions)
	case KindFormDOM:
		e = NewFormDOM(r.Action, r.Source, defaults, r.Transitions)
	default:
		return nil, fmt.Errorf("element: unknown kind %q", r.Kind)
	}

	e.base().restore(r)
	if resolve != nil && r.Auditor != "" {
		e.SetAuditor(resolve(r.Auditor))
	}
	return e, nil
}
