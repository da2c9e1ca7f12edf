// File: internal/filter/element_filter.go
package filter

import "github.com/xkilldash9x/scalpel-audit/internal/element"

// ElementFilter remembers which elements have been seen, one set per kind.
// The trainer uses it to tell whether a response exposed anything new.
type ElementFilter struct {
	sets map[element.Kind]*Set[element.Element]
}

// NewElementFilter creates a filter tracking every element kind.
func NewElementFilter() *ElementFilter {
	f := &ElementFilter{sets: make(map[element.Kind]*Set[element.Element], len(element.Kinds))}
	for _, k := range element.Kinds {
		f.sets[k] = NewSet(element.Hash)
	}
	return f
}

// Update records elements and returns how many of them were new.
func (f *ElementFilter) Update(elements ...element.Element) int {
	added := 0
	for _, e := range elements {
		set, ok := f.sets[e.Kind()]
		if !ok {
			continue
		}
		if set.Add(e) {
			added++
		}
	}
	return added
}

// Include reports whether e has been seen.
func (f *ElementFilter) Include(e element.Element) bool {
	set, ok := f.sets[e.Kind()]
	return ok && set.Include(e)
}

// Statistics returns the number of tracked elements per kind.
func (f *ElementFilter) Statistics() map[element.Kind]int {
	stats := make(map[element.Kind]int, len(f.sets))
	for k, set := range f.sets {
		stats[k] = set.Len()
	}
	return stats
}

// Dump returns the tracked hashes per kind.
func (f *ElementFilter) Dump() map[element.Kind][]uint64 {
	out := make(map[element.Kind][]uint64, len(f.sets))
	for k, set := range f.sets {
		if !set.Empty() {
			out[k] = set.Hashes()
		}
	}
	return out
}

// Load merges a dump. Unknown kinds are ignored.
func (f *ElementFilter) Load(dump map[element.Kind][]uint64) {
	for k, hashes := range dump {
		if set, ok := f.sets[k]; ok {
			set.Load(hashes)
		}
	}
}

// Clear forgets everything.
func (f *ElementFilter) Clear() {
	for _, set := range f.sets {
		set.Clear()
	}
}
