// File: internal/signature/signature_fuzz_test.go
package signature

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
)

// FuzzSignature_Properties checks the algebraic properties that the analyzers
// rely on for arbitrary pairs of bodies.
func FuzzSignature_Properties(f *testing.F) {
	f.Add([]byte("<html>a b c</html>"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		left, err := consumer.GetString()
		if err != nil {
			return
		}
		right, err := consumer.GetString()
		if err != nil {
			return
		}

		a, b := New(left), New(right)

		if d := a.Difference(a); d != 0 {
			t.Fatalf("self difference must be 0, got %v", d)
		}
		d := a.Difference(b)
		if d < 0 || d > 1 {
			t.Fatalf("difference out of range: %v", d)
		}
		if d != b.Difference(a) {
			t.Fatalf("difference is not symmetric")
		}
		if a.Refine(right).Size() > a.Size() {
			t.Fatalf("refine grew the signature")
		}
		if a.Equal(b) != (a.Hash() == b.Hash() && a.Difference(b) == 0) {
			t.Fatalf("equality and hash disagree")
		}
	})
}
