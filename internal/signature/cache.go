// File: internal/signature/cache.go
package signature

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaolacci/murmur3"
)

// Cache sizes for the three memoized operations.
const (
	ForCacheSize     = 1000
	RefineCacheSize  = 1000
	SimilarCacheSize = 20000
)

// Cache memoizes signature construction, refinement and similarity checks.
// A scan performs the same comparisons over and over (every injection is repeated
// for precision), so these caches absorb most of the tokenizing work.
type Cache struct {
	forCache     *lru.Cache[[2]uint64, *Signature]
	refineCache  *lru.Cache[string, *Signature]
	similarCache *lru.Cache[string, bool]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// Stats reports cache effectiveness.
type Stats struct {
	Hits       uint64
	Misses     uint64
	ForLen     int
	RefineLen  int
	SimilarLen int
}

// Default backs the package level helpers.
var Default = NewCache()

// NewCache creates a cache with the standard sizes.
func NewCache() *Cache {
	return &Cache{
		forCache:     mustLRU[[2]uint64, *Signature](ForCacheSize),
		refineCache:  mustLRU[string, *Signature](RefineCacheSize),
		similarCache: mustLRU[string, bool](SimilarCacheSize),
	}
}

func mustLRU[K comparable, V any](size int) *lru.Cache[K, V] {
	c, err := lru.New[K, V](size)
	if err != nil {
		// Only a non-positive size fails, the sizes above are constants.
		panic(fmt.Sprintf("signature: lru init: %v", err))
	}
	return c
}

// For returns the frozen signature of data, building it on a cache miss.
// The key is a 128-bit hash of data so large bodies are not retained.
func (c *Cache) For(data string) *Signature {
	h1, h2 := murmur3.Sum128([]byte(data))
	key := [2]uint64{h1, h2}
	if sig, ok := c.forCache.Get(key); ok {
		c.hits.Add(1)
		return sig
	}
	c.misses.Add(1)
	sig := New(data).Freeze()
	c.forCache.Add(key, sig)
	return sig
}

// Refine returns the frozen intersection of all signatures.
func (c *Cache) Refine(signatures ...*Signature) (*Signature, error) {
	sorted, err := sortedByHash(signatures)
	if err != nil {
		return nil, err
	}
	key := cacheKey(sorted, "")
	if sig, ok := c.refineCache.Get(key); ok {
		c.hits.Add(1)
		return sig, nil
	}
	c.misses.Add(1)

	refined := sorted[0].Clone()
	for _, sig := range sorted[1:] {
		if err := refined.RefineInPlace(sig); err != nil {
			return nil, err
		}
	}
	refined.Freeze()
	c.refineCache.Add(key, refined)
	return refined, nil
}

// Similar reports whether every signature is similar to the root signature,
// the one with the lowest hash. Non-root signatures are not compared with each
// other, so two of them may differ by up to twice the threshold.
func (c *Cache) Similar(threshold float64, signatures ...*Signature) (bool, error) {
	sorted, err := sortedByHash(signatures)
	if err != nil {
		return false, err
	}
	key := cacheKey(sorted, strconv.FormatFloat(threshold, 'g', -1, 64))
	if similar, ok := c.similarCache.Get(key); ok {
		c.hits.Add(1)
		return similar, nil
	}
	c.misses.Add(1)

	root := sorted[0]
	similar := true
	for _, sig := range sorted[1:] {
		if !root.Similar(sig, threshold) {
			similar = false
			break
		}
	}
	c.similarCache.Add(key, similar)
	return similar, nil
}

// Purge empties every cache.
func (c *Cache) Purge() {
	c.forCache.Purge()
	c.refineCache.Purge()
	c.similarCache.Purge()
}

// Stats returns a snapshot of the hit/miss counters and cache sizes.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		ForLen:     c.forCache.Len(),
		RefineLen:  c.refineCache.Len(),
		SimilarLen: c.similarCache.Len(),
	}
}

func sortedByHash(signatures []*Signature) ([]*Signature, error) {
	sorted := make([]*Signature, 0, len(signatures))
	for _, sig := range signatures {
		if sig != nil {
			sorted = append(sorted, sig)
		}
	}
	if len(sorted) < 2 {
		return nil, ErrTooFew
	}
	slices.SortFunc(sorted, func(a, b *Signature) int {
		ha, hb := a.Hash(), b.Hash()
		switch {
		case ha < hb:
			return -1
		case ha > hb:
			return 1
		}
		return 0
	})
	return sorted, nil
}

func cacheKey(sorted []*Signature, suffix string) string {
	var b strings.Builder
	for _, sig := range sorted {
		b.WriteString(strconv.FormatUint(sig.Hash(), 16))
		b.WriteByte(':')
	}
	b.WriteString(suffix)
	return b.String()
}

// For returns the cached signature of data from the Default cache.
func For(data string) *Signature { return Default.For(data) }

// RefineAll intersects signatures using the Default cache.
func RefineAll(signatures ...*Signature) (*Signature, error) {
	return Default.Refine(signatures...)
}

// SimilarAll checks root-relative similarity using the Default cache.
func SimilarAll(threshold float64, signatures ...*Signature) (bool, error) {
	return Default.Similar(threshold, signatures...)
}
