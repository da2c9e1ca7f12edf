// File: internal/element/mutation.go
package element

import (
	"net/http"
	"strings"

	"github.com/xkilldash9x/scalpel-audit/internal/platform"
)

// Format controls how a payload is combined with an input's original value.
// Formats are bit flags and may be combined.
type Format uint8

const (
	// FormatStraight replaces the value with the payload.
	FormatStraight Format = 1 << iota
	// FormatAppend appends the payload to the original value.
	FormatAppend
	// FormatNull terminates the payload with a null byte.
	FormatNull
	// FormatSemicolon prefixes the payload with a semicolon.
	FormatSemicolon
)

// DefaultFormats is used when MutationOptions.Formats is empty.
var DefaultFormats = []Format{FormatStraight, FormatAppend, FormatNull, FormatSemicolon}

// Apply combines original and payload according to f.
func (f Format) Apply(original, payload string) string {
	value := payload
	if f&FormatSemicolon != 0 {
		value = ";" + value
	}
	if f&FormatAppend != 0 {
		value = original + value
	}
	if f&FormatNull != 0 {
		value += "\x00"
	}
	return value
}

func (f Format) String() string {
	var parts []string
	if f&FormatStraight != 0 {
		parts = append(parts, "straight")
	}
	if f&FormatAppend != 0 {
		parts = append(parts, "append")
	}
	if f&FormatNull != 0 {
		parts = append(parts, "null")
	}
	if f&FormatSemicolon != 0 {
		parts = append(parts, "semicolon")
	}
	return strings.Join(parts, "|")
}

// MutationOptions tunes Mutations.
type MutationOptions struct {
	Formats []Format

	// SkipLike vetoes a mutation before it is emitted.
	SkipLike func(m Element) bool

	// EachMutation may inspect and transform a mutation. The returned
	// elements replace it; returning none vetoes it.
	EachMutation func(m Element) []Element

	// WithBothHTTPMethods also emits link and form mutations with the other
	// of GET/POST.
	WithBothHTTPMethods bool

	// ParameterNames also injects the payload as an extra parameter name.
	ParameterNames bool

	// Platform is attached to every mutation for issue attribution.
	Platform platform.Name
}

// Mutations generates one mutation per input and format with payload injected.
// Duplicates (same method, affected input and values) are emitted once.
func Mutations(e Element, payload string, opts MutationOptions) []Element {
	formats := opts.Formats
	if len(formats) == 0 {
		formats = DefaultFormats
	}

	var out []Element
	seen := make(map[string]struct{})
	emit := func(m Element) {
		if opts.SkipLike != nil && opts.SkipLike(m) {
			return
		}
		list := []Element{m}
		if opts.EachMutation != nil {
			list = opts.EachMutation(m)
		}
		for _, l := range list {
			if l == nil {
				continue
			}
			key := mutationKey(l)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, l)
		}
	}

	original := e.Inputs()
	for _, name := range e.InputNames() {
		for _, f := range formats {
			m := e.Dup()
			b := m.base()
			b.affected = name
			b.seed = payload
			b.format = f
			b.mutation = true
			b.platform = opts.Platform
			b.inputs[name] = f.Apply(original[name], payload)
			emit(m)

			if opts.WithBothHTTPMethods && switchable(m) {
				emit(switchMethod(m))
			}
		}
	}

	if opts.ParameterNames && switchable(e) {
		m := e.Dup()
		b := m.base()
		b.affected = payload
		b.seed = payload
		b.format = FormatStraight
		b.mutation = true
		b.platform = opts.Platform
		b.inputs[payload] = "1"
		emit(m)
	}

	return out
}

// Count returns how many mutations Mutations would generate for one payload,
// before vetoes.
func Count(e Element, opts MutationOptions) int {
	formats := len(opts.Formats)
	if formats == 0 {
		formats = len(DefaultFormats)
	}
	n := len(e.InputNames()) * formats
	if opts.WithBothHTTPMethods && switchable(e) {
		n *= 2
	}
	if opts.ParameterNames && switchable(e) {
		n++
	}
	return n
}

func switchable(e Element) bool {
	return e.Kind() == KindLink || e.Kind() == KindForm
}

func switchMethod(e Element) Element {
	m := e.Dup()
	b := m.base()
	if b.method == http.MethodPost {
		b.method = http.MethodGet
	} else {
		b.method = http.MethodPost
	}
	return m
}

func mutationKey(e Element) string {
	var sb strings.Builder
	sb.WriteString(e.Method())
	sb.WriteByte('|')
	sb.WriteString(e.AffectedInputName())
	inputs := e.Inputs()
	for _, name := range e.InputNames() {
		sb.WriteByte('|')
		sb.WriteString(name)
		sb.WriteByte('=')
		sb.WriteString(inputs[name])
	}
	return sb.String()
}
