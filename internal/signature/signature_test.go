// File: internal/signature/signature_test.go
package signature

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = `<html><body><h1>Products</h1><p>Item 42 costs 19.99 EUR</p></body></html>`

func TestNew_Tokenization(t *testing.T) {
	t.Run("splits on non word runs and drops empties", func(t *testing.T) {
		sig := New("  foo--bar__baz!!foo  ")
		// "bar__baz" is one token since underscore is a word character.
		assert.Equal(t, 2, sig.Size())
		assert.True(t, sig.Equal(New("foo bar__baz")))
	})

	t.Run("empty input", func(t *testing.T) {
		assert.True(t, New("").Empty())
		assert.True(t, New("!!! ---").Empty())
	})
}

func TestSignature_Identity(t *testing.T) {
	inputs := []string{"", "a", page, strings.Repeat("lorem ipsum ", 100), "ünïcødé text"}
	for _, in := range inputs {
		a, b := New(in), New(in)
		assert.True(t, a.Similar(b, 0), "input %q", in)
		assert.Zero(t, a.Difference(b), "input %q", in)
		assert.True(t, a.Equal(b))
		assert.Equal(t, a.Hash(), b.Hash())
	}
}

func TestSignature_Difference(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"disjoint", "a b", "c d", 1},
		{"half overlap", "a b c", "b c d", 0.5},
		{"subset", "a b c d", "a b", 0.5},
		{"order does not matter", "x y z", "z y x", 0},
		{"empty vs non empty", "", "a", 1},
		{"both empty", "", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, New(tt.a).Difference(New(tt.b)), 1e-9)
			assert.InDelta(t, tt.want, New(tt.b).Difference(New(tt.a)), 1e-9, "difference is symmetric")
		})
	}

	t.Run("nil is maximally different", func(t *testing.T) {
		assert.Equal(t, float64(1), New("a").Difference(nil))
		assert.False(t, New("a").Similar(nil, 0.9))
	})
}

func TestSignature_Similar(t *testing.T) {
	a := New("one two three four five six seven eight nine ten")
	b := New("one two three four five six seven eight nine eleven")
	// 2 differing tokens out of 11.
	assert.True(t, a.Similar(b, 0.2))
	assert.False(t, a.Similar(b, 0.1))
}

func TestSignature_Refine(t *testing.T) {
	sig := New("alpha beta gamma delta")

	refined := sig.Refine("beta delta epsilon")
	assert.Equal(t, 2, refined.Size())
	assert.True(t, refined.Equal(New("beta delta")))
	assert.Equal(t, 4, sig.Size(), "Refine must not touch the receiver")

	t.Run("never grows", func(t *testing.T) {
		for _, data := range []string{"", "alpha", "zeta eta theta", "alpha beta gamma delta epsilon"} {
			assert.LessOrEqual(t, sig.Refine(data).Size(), sig.Size())
		}
	})

	t.Run("with nil clears", func(t *testing.T) {
		assert.True(t, sig.RefineWith(nil).Empty())
	})
}

func TestSignature_InPlaceMutations(t *testing.T) {
	t.Run("refine in place", func(t *testing.T) {
		sig := New("a b c")
		before := sig.Hash()
		require.NoError(t, sig.RefineInPlace(New("b c d")))
		assert.True(t, sig.Equal(New("b c")))
		assert.NotEqual(t, before, sig.Hash(), "hash must be recomputed after mutation")
	})

	t.Run("merge", func(t *testing.T) {
		sig := New("a b")
		require.NoError(t, sig.Merge(New("c")))
		assert.True(t, sig.Equal(New("a b c")))
		require.NoError(t, sig.Merge(nil))
		assert.Equal(t, 3, sig.Size())
	})

	t.Run("frozen signatures reject mutation", func(t *testing.T) {
		sig := New("a b").Freeze()
		assert.True(t, sig.Frozen())
		assert.ErrorIs(t, sig.RefineInPlace(New("a")), ErrFrozen)
		assert.ErrorIs(t, sig.Merge(New("c")), ErrFrozen)
		assert.Equal(t, 2, sig.Size())

		clone := sig.Clone()
		assert.False(t, clone.Frozen())
		assert.NoError(t, clone.Merge(New("c")))
	})
}

func TestSignature_CrossedPairOperations(t *testing.T) {
	a := New("alpha beta gamma")
	b := New("beta gamma delta")

	var wg sync.WaitGroup
	run := func(op func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				op()
			}
		}()
	}
	// Each pair runs the same operation in both directions at once.
	run(func() { _ = a.Merge(b) })
	run(func() { _ = b.Merge(a) })
	run(func() { _ = a.RefineInPlace(b) })
	run(func() { _ = b.RefineInPlace(a) })
	run(func() { a.Difference(b) })
	run(func() { b.Equal(a) })
	run(func() { a.RefineWith(b) })

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("operations between two signatures did not finish")
	}
}

func TestCache_For(t *testing.T) {
	c := NewCache()

	first := c.For(page)
	second := c.For(page)
	assert.Same(t, first, second)
	assert.True(t, first.Frozen())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
	assert.Equal(t, 1, stats.ForLen)

	t.Run("bounded", func(t *testing.T) {
		for i := 0; i < ForCacheSize+50; i++ {
			c.For(fmt.Sprintf("body %d", i))
		}
		assert.Equal(t, ForCacheSize, c.Stats().ForLen)
	})

	c.Purge()
	assert.Zero(t, c.Stats().ForLen)
}

func TestCache_Refine(t *testing.T) {
	c := NewCache()

	_, err := c.Refine(New("a"))
	assert.ErrorIs(t, err, ErrTooFew)
	_, err = c.Refine(New("a"), nil)
	assert.ErrorIs(t, err, ErrTooFew)

	refined, err := c.Refine(New("a b c noise1"), New("a b c noise2"), New("a b c noise3"))
	require.NoError(t, err)
	assert.True(t, refined.Equal(New("a b c")))
	assert.True(t, refined.Frozen())

	again, err := c.Refine(New("a b c noise3"), New("a b c noise1"), New("a b c noise2"))
	require.NoError(t, err)
	assert.Same(t, refined, again, "argument order must not affect the cache key")
}

func TestCache_Similar(t *testing.T) {
	c := NewCache()

	_, err := c.Similar(0.1)
	assert.ErrorIs(t, err, ErrTooFew)

	ok, err := c.Similar(0, New(page), New(page))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Similar(0.1, New("a b c"), New("x y z"))
	require.NoError(t, err)
	assert.False(t, ok)

	t.Run("threshold is part of the key", func(t *testing.T) {
		a, b := New("a b c d"), New("a b c e")
		loose, err := c.Similar(0.5, a, b)
		require.NoError(t, err)
		strict, err := c.Similar(0.1, a, b)
		require.NoError(t, err)
		assert.True(t, loose)
		assert.False(t, strict)
	})
}

// Similarity is only checked against the root signature. This documents the
// asymmetry: two non-root signatures can be further apart than the threshold.
func TestCache_Similar_RootRelativeAsymmetry(t *testing.T) {
	base := "t1 t2 t3 t4 t5 t6 t7 t8 t9"
	sigs := []*Signature{New(base), New(base + " x1"), New(base + " y1")}

	sorted, err := sortedByHash(sigs)
	require.NoError(t, err)
	root := sorted[0]

	ok, err := NewCache().Similar(0.1, sigs...)
	require.NoError(t, err)

	expected := true
	for _, s := range sorted[1:] {
		if root.Difference(s) > 0.1 {
			expected = false
		}
	}
	assert.Equal(t, expected, ok)
}

func TestPackageHelpers(t *testing.T) {
	sig := For("shared body")
	assert.Same(t, sig, For("shared body"))

	refined, err := RefineAll(For("k1 k2 a"), For("k1 k2 b"))
	require.NoError(t, err)
	assert.Equal(t, 2, refined.Size())

	ok, err := SimilarAll(0.3, For("k1 k2 a"), For("k1 k2 b"))
	require.NoError(t, err)
	assert.False(t, ok) // 2 of 4 tokens differ
}
