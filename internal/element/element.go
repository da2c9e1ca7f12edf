// File: internal/element/element.go

// Package element models the injectable inputs of a web application: link
// and form parameters, cookies, headers, JSON and XML bodies, and inputs the
// browser discovered in the DOM.
//
// Behavior is split across small capability interfaces. Every variant is an
// Element (Inputtable, Mutable, Analyzable); only the variants that can be
// replayed over plain HTTP are also Submittable.
package element

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/spaolacci/murmur3"

	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

// ErrNotSubmittable is returned for elements that cannot be sent over HTTP.
var ErrNotSubmittable = errors.New("element: not submittable over HTTP")

// Kind identifies an element variant.
type Kind string

const (
	KindLink    Kind = "link"
	KindForm    Kind = "form"
	KindCookie  Kind = "cookie"
	KindHeader  Kind = "header"
	KindJSON    Kind = "json"
	KindXML     Kind = "xml"
	KindLinkDOM Kind = "link_dom"
	KindFormDOM Kind = "form_dom"
)

// Kinds lists every variant in a stable order.
var Kinds = []Kind{KindLink, KindForm, KindCookie, KindHeader, KindJSON, KindXML, KindLinkDOM, KindFormDOM}

// DOM reports whether k is a browser-derived variant.
func (k Kind) DOM() bool {
	return k == KindLinkDOM || k == KindFormDOM
}

// Auditor is the back-reference a mutation keeps to whoever created it, used
// for audit identities and issue logging. It does not own the element.
type Auditor interface {
	Shortname() string
	LogVulnerability(v Vulnerability)
}

// Vulnerability is what an analyzer reports through an Auditor.
type Vulnerability struct {
	Vector   Element
	Response *httpclient.Response
	Remarks  map[string][]string
}

// -- Capabilities --

// Inputtable elements carry named inputs with defaults.
type Inputtable interface {
	Inputs() map[string]string
	DefaultInputs() map[string]string
	InputNames() []string
	HasInputs() bool
	SetInput(name, value string)
	// MissingValues returns the names of inputs without a default value.
	MissingValues() []string
}

// Mutable elements can be duplicated with one input replaced by a payload.
type Mutable interface {
	AffectedInputName() string
	AffectedInputValue() string
	SetAffectedInputValue(value string)
	Seed() string
	SetSeed(seed string)
	Format() Format
	IsMutation() bool
	Platform() platform.Name
}

// Analyzable elements have the stable identities the analyzers deduplicate on.
type Analyzable interface {
	Auditor() Auditor
	SetAuditor(a Auditor)
	AuditID(injection string) string
	ID() string
	TimeoutID() string
	CoverageHash() uint64
}

// Submittable elements can be turned into an HTTP request.
type Submittable interface {
	Request() (*httpclient.Request, error)
}

// Element is implemented by every variant in this package.
type Element interface {
	Inputtable
	Mutable
	Analyzable

	Kind() Kind
	Action() string
	Method() string
	// Dup returns a deep copy that keeps mutation state.
	Dup() Element
	// Reset returns a copy restored to its default inputs, without mutation state.
	Reset() Element
	Record() Record

	base() *Base
}

// Auditable is an element the HTTP auditors can work with.
type Auditable interface {
	Element
	Submittable
}

// -- Base --

// Base holds the state shared by all variants.
type Base struct {
	kind     Kind
	action   string
	method   string
	inputs   map[string]string
	defaults map[string]string

	affected string
	seed     string
	format   Format
	mutation bool
	platform platform.Name
	auditor  Auditor
}

func newBase(kind Kind, action, method string, inputs map[string]string) Base {
	if inputs == nil {
		inputs = map[string]string{}
	}
	return Base{
		kind:     kind,
		action:   action,
		method:   strings.ToUpper(method),
		inputs:   maps.Clone(inputs),
		defaults: maps.Clone(inputs),
	}
}

func (b *Base) base() *Base { return b }

func (b *Base) dup() Base {
	c := *b
	c.inputs = maps.Clone(b.inputs)
	c.defaults = maps.Clone(b.defaults)
	return c
}

func (b *Base) reset() Base {
	c := b.dup()
	c.inputs = maps.Clone(b.defaults)
	c.affected = ""
	c.seed = ""
	c.format = 0
	c.mutation = false
	c.platform = ""
	return c
}

func (b *Base) Kind() Kind       { return b.kind }
func (b *Base) Action() string   { return b.action }
func (b *Base) Method() string   { return b.method }
func (b *Base) HasInputs() bool  { return len(b.inputs) > 0 }
func (b *Base) Seed() string     { return b.seed }
func (b *Base) SetSeed(s string) { b.seed = s }
func (b *Base) Format() Format   { return b.format }
func (b *Base) IsMutation() bool { return b.mutation }

func (b *Base) Platform() platform.Name { return b.platform }
func (b *Base) Auditor() Auditor        { return b.auditor }
func (b *Base) SetAuditor(a Auditor)    { b.auditor = a }

func (b *Base) Inputs() map[string]string        { return maps.Clone(b.inputs) }
func (b *Base) DefaultInputs() map[string]string { return maps.Clone(b.defaults) }

func (b *Base) InputNames() []string {
	var names []string
	for name := range b.inputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (b *Base) SetInput(name, value string) {
	b.inputs[name] = value
}

func (b *Base) MissingValues() []string {
	var missing []string
	for _, name := range b.InputNames() {
		if b.inputs[name] == "" {
			missing = append(missing, name)
		}
	}
	return missing
}

func (b *Base) AffectedInputName() string { return b.affected }

func (b *Base) AffectedInputValue() string {
	if b.affected == "" {
		return ""
	}
	return b.inputs[b.affected]
}

func (b *Base) SetAffectedInputValue(value string) {
	if b.affected == "" {
		return
	}
	b.inputs[b.affected] = value
}

// -- Identities --

func (b *Base) auditorName() string {
	if b.auditor == nil {
		return ""
	}
	return b.auditor.Shortname()
}

// AuditID identifies an audit of this element with the given injection,
// independent of input values and order.
func (b *Base) AuditID(injection string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s=%s",
		b.auditorName(), b.action, b.kind, strings.Join(b.InputNames(), ","), b.affected, injection)
}

// TimeoutID identifies a timing-attack candidate.
func (b *Base) TimeoutID() string {
	return b.AuditID(b.AffectedInputValue()) + ":" + b.affected
}

// ID identifies the element by its location and default inputs.
func (b *Base) ID() string {
	var sb strings.Builder
	sb.WriteString(b.action)
	sb.WriteByte(':')
	sb.WriteString(string(b.kind))
	sb.WriteByte(':')
	sb.WriteString(b.method)
	var names []string
	for name := range b.defaults {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		sb.WriteByte(':')
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(b.defaults[name])
	}
	return sb.String()
}

// CoverageHash identifies the element by where it is and which inputs it has,
// ignoring values. Two elements with the same coverage hash exercise the same
// server-side code path as far as auditing is concerned.
func (b *Base) CoverageHash() uint64 {
	key := b.action + ":" + string(b.kind) + ":" + b.method + ":" + strings.Join(b.InputNames(), ",")
	return murmur3.Sum64([]byte(key))
}

// Hash returns the murmur3 hash of ID.
func Hash(e Element) uint64 {
	return murmur3.Sum64([]byte(e.ID()))
}

// AuditHash returns the murmur3 hash of e.AuditID(injection).
func AuditHash(e Element, injection string) uint64 {
	return murmur3.Sum64([]byte(e.AuditID(injection)))
}

// TimeoutHash returns the murmur3 hash of e.TimeoutID().
func TimeoutHash(e Element) uint64 {
	return murmur3.Sum64([]byte(e.TimeoutID()))
}

func (b *Base) record() Record {
	return Record{
		Kind:     b.kind,
		Action:   b.action,
		Method:   b.method,
		Inputs:   maps.Clone(b.inputs),
		Defaults: maps.Clone(b.defaults),
		Affected: b.affected,
		Seed:     b.seed,
		Format:   b.format,
		Mutation: b.mutation,
		Platform: b.platform,
		Auditor:  b.auditorName(),
	}
}

func (b *Base) restore(r Record) {
	b.inputs = maps.Clone(r.Inputs)
	if b.inputs == nil {
		b.inputs = map[string]string{}
	}
	if r.Defaults != nil {
		b.defaults = maps.Clone(r.Defaults)
	}
	b.affected = r.Affected
	b.seed = r.Seed
	b.format = r.Format
	b.mutation = r.Mutation
	b.platform = r.Platform
}
