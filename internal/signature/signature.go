// File: internal/signature/signature.go

// Package signature provides fuzzy content fingerprints for HTTP response
// bodies. A Signature is the set of hashes of the word tokens in a string; two
// signatures are compared by the share of tokens they do not have in common.
//
// Only token hashes are kept, never the tokens themselves. Two distinct tokens
// whose hashes collide are treated as the same token. With 64-bit hashes that is
// rare, and since every comparison is threshold based a collision can at worst
// lower a difference score slightly (a false negative, never a false positive).
package signature

import (
	"encoding/binary"
	"errors"
	"regexp"
	"slices"
	"sync"

	"github.com/spaolacci/murmur3"
)

var (
	// ErrFrozen is returned when mutating a frozen signature.
	ErrFrozen = errors.New("signature: cannot modify frozen signature")
	// ErrTooFew is returned by multi-signature operations given fewer than two signatures.
	ErrTooFew = errors.New("signature: at least two signatures are required")
)

// tokenSeparator splits on runs of non-word characters.
var tokenSeparator = regexp.MustCompile(`\W+`)

// Signature is a set of token hashes. It is safe for concurrent use; frozen
// signatures (everything handed out by a Cache) are read-only.
type Signature struct {
	mu     sync.RWMutex
	tokens map[uint64]struct{}
	frozen bool

	hash   uint64
	hashed bool
}

// New tokenizes data and builds an uncached, mutable signature.
func New(data string) *Signature {
	return &Signature{tokens: tokenize(data)}
}

func tokenize(data string) map[uint64]struct{} {
	tokens := make(map[uint64]struct{})
	for _, token := range tokenSeparator.Split(data, -1) {
		if token == "" {
			continue
		}
		tokens[murmur3.Sum64([]byte(token))] = struct{}{}
	}
	return tokens
}

// Size returns the number of distinct token hashes.
func (s *Signature) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Empty reports whether the signature holds no tokens.
func (s *Signature) Empty() bool { return s.Size() == 0 }

// Freeze makes the signature read-only.
func (s *Signature) Freeze() *Signature {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
	return s
}

// Frozen reports whether the signature is read-only.
func (s *Signature) Frozen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frozen
}

// Clone returns a mutable copy.
func (s *Signature) Clone() *Signature {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make(map[uint64]struct{}, len(s.tokens))
	for t := range s.tokens {
		tokens[t] = struct{}{}
	}
	return &Signature{tokens: tokens}
}

// Hash returns an order-independent hash of the token set.
func (s *Signature) Hash() uint64 {
	s.mu.RLock()
	if s.hashed {
		h := s.hash
		s.mu.RUnlock()
		return h
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hashed {
		s.hash = hashTokens(s.tokens)
		s.hashed = true
	}
	return s.hash
}

func hashTokens(tokens map[uint64]struct{}) uint64 {
	sorted := make([]uint64, 0, len(tokens))
	for t := range tokens {
		sorted = append(sorted, t)
	}
	slices.Sort(sorted)

	h := murmur3.New64()
	var buf [8]byte
	for _, t := range sorted {
		binary.BigEndian.PutUint64(buf[:], t)
		_, _ = h.Write(buf[:])
	}
	return h.Sum64()
}

// Equal reports set equality of the token hashes.
func (s *Signature) Equal(other *Signature) bool {
	if other == nil {
		return false
	}
	if s == other {
		return true
	}
	theirs := other.snapshot()
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.tokens) != len(theirs) {
		return false
	}
	for t := range s.tokens {
		if _, ok := theirs[t]; !ok {
			return false
		}
	}
	return true
}

// Difference is |symmetric difference| / |union|, in [0, 1].
// A nil other is maximally different; two empty signatures are identical.
func (s *Signature) Difference(other *Signature) float64 {
	if other == nil {
		return 1
	}
	if s == other {
		return 0
	}
	theirs := other.snapshot()
	s.mu.RLock()
	defer s.mu.RUnlock()

	small, large := s.tokens, theirs
	if len(small) > len(large) {
		small, large = large, small
	}
	intersection := 0
	for t := range small {
		if _, ok := large[t]; ok {
			intersection++
		}
	}

	union := len(s.tokens) + len(theirs) - intersection
	if union == 0 {
		return 0
	}
	return float64(union-intersection) / float64(union)
}

// Similar reports whether the difference to other is within threshold.
func (s *Signature) Similar(other *Signature, threshold float64) bool {
	if s.Equal(other) {
		return true
	}
	return s.Difference(other) <= threshold
}

// Refine returns a new signature holding only the tokens also present in data.
func (s *Signature) Refine(data string) *Signature {
	return s.RefineWith(&Signature{tokens: tokenize(data)})
}

// RefineWith returns a new signature holding the intersection with other.
func (s *Signature) RefineWith(other *Signature) *Signature {
	refined := s.Clone()
	if other == nil {
		refined.tokens = map[uint64]struct{}{}
		return refined
	}
	theirs := other.snapshot()
	for t := range refined.tokens {
		if _, ok := theirs[t]; !ok {
			delete(refined.tokens, t)
		}
	}
	return refined
}

// snapshot copies the token set. Operations on two signatures read the other
// one through a snapshot so that no goroutine holds two signature locks.
func (s *Signature) snapshot() map[uint64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tokens := make(map[uint64]struct{}, len(s.tokens))
	for t := range s.tokens {
		tokens[t] = struct{}{}
	}
	return tokens
}

// RefineInPlace intersects the receiver with other.
func (s *Signature) RefineInPlace(other *Signature) error {
	if s == other {
		return nil
	}
	var keep map[uint64]struct{}
	if other != nil {
		keep = other.snapshot()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	if keep == nil {
		s.tokens = map[uint64]struct{}{}
		s.hashed = false
		return nil
	}
	for t := range s.tokens {
		if _, ok := keep[t]; !ok {
			delete(s.tokens, t)
		}
	}
	s.hashed = false
	return nil
}

// Merge adds the tokens of other to the receiver.
func (s *Signature) Merge(other *Signature) error {
	if other == nil || s == other {
		return nil
	}
	add := other.snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrFrozen
	}
	for t := range add {
		s.tokens[t] = struct{}{}
	}
	s.hashed = false
	return nil
}
