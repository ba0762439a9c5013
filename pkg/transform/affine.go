// Package transform provides the coordinate transforms used to place tiles
// in world space and the closed set of models (translation, rigid, affine)
// that the global optimizer fits to pairwise constraints.
package transform

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Affine is an immutable N-dimensional affine transform x -> L*x + t,
// stored as an (n+1)x(n+1) homogeneous matrix. The zero value is invalid;
// use Identity, NewTranslation or NewAffine.
type Affine struct {
	n int
	m *mat.Dense
}

// Identity returns the n-dimensional identity transform.
func Identity(n int) Affine {
	m := mat.NewDense(n+1, n+1, nil)
	for i := 0; i <= n; i++ {
		m.Set(i, i, 1)
	}
	return Affine{n: n, m: m}
}

// NewTranslation returns a pure translation by t.
func NewTranslation(t []float64) Affine {
	a := Identity(len(t))
	for d, v := range t {
		a.m.Set(d, a.n, v)
	}
	return a
}

// NewAffine builds a transform from a row-packed n x (n+1) matrix
// [l00 l01 .. t0; l10 l11 .. t1; ...].
func NewAffine(n int, rowPacked []float64) (Affine, error) {
	if n <= 0 {
		return Affine{}, fmt.Errorf("invalid dimensionality %d", n)
	}
	if len(rowPacked) != n*(n+1) {
		return Affine{}, fmt.Errorf("expected %d values for a %dD affine, got %d", n*(n+1), n, len(rowPacked))
	}
	a := Identity(n)
	for r := 0; r < n; r++ {
		for c := 0; c <= n; c++ {
			a.m.Set(r, c, rowPacked[r*(n+1)+c])
		}
	}
	return a, nil
}

// fromDense wraps a homogeneous matrix, forcing the last row to [0 .. 0 1].
func fromDense(n int, m mat.Matrix) Affine {
	a := Identity(n)
	for r := 0; r < n; r++ {
		for c := 0; c <= n; c++ {
			a.m.Set(r, c, m.At(r, c))
		}
	}
	return a
}

// IsValid reports whether the transform was properly constructed.
func (a Affine) IsValid() bool {
	return a.m != nil
}

// NumDimensions returns the dimensionality of the transform.
func (a Affine) NumDimensions() int {
	return a.n
}

// Apply maps a point and returns the result as a new slice.
func (a Affine) Apply(p []float64) []float64 {
	out := make([]float64, a.n)
	for r := 0; r < a.n; r++ {
		v := a.m.At(r, a.n)
		for c := 0; c < a.n; c++ {
			v += a.m.At(r, c) * p[c]
		}
		out[r] = v
	}
	return out
}

// ApplyLinear maps a vector through the linear part only.
func (a Affine) ApplyLinear(v []float64) []float64 {
	out := make([]float64, a.n)
	for r := 0; r < a.n; r++ {
		for c := 0; c < a.n; c++ {
			out[r] += a.m.At(r, c) * v[c]
		}
	}
	return out
}

// Translation returns a copy of the translation part.
func (a Affine) Translation() []float64 {
	t := make([]float64, a.n)
	for d := 0; d < a.n; d++ {
		t[d] = a.m.At(d, a.n)
	}
	return t
}

// Linear returns a copy of the linear part as an n x n matrix.
func (a Affine) Linear() *mat.Dense {
	l := mat.NewDense(a.n, a.n, nil)
	l.Copy(a.m.Slice(0, a.n, 0, a.n))
	return l
}

// LinearPart returns the transform with its translation removed.
func (a Affine) LinearPart() Affine {
	out := fromDense(a.n, a.m)
	for d := 0; d < a.n; d++ {
		out.m.Set(d, a.n, 0)
	}
	return out
}

// IsTranslation reports whether the linear part is the identity.
func (a Affine) IsTranslation() bool {
	for r := 0; r < a.n; r++ {
		for c := 0; c < a.n; c++ {
			want := 0.0
			if r == c {
				want = 1
			}
			if a.m.At(r, c) != want {
				return false
			}
		}
	}
	return true
}

// Inverse returns the inverse transform.
func (a Affine) Inverse() (Affine, error) {
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		return Affine{}, fmt.Errorf("transform is not invertible: %w", err)
	}
	return fromDense(a.n, &inv), nil
}

// Concatenate returns a ∘ b, the transform that applies b first and a second.
func (a Affine) Concatenate(b Affine) Affine {
	var m mat.Dense
	m.Mul(a.m, b.m)
	return fromDense(a.n, &m)
}

// PreConcatenate returns b ∘ a, the transform that applies a first and b second.
func (a Affine) PreConcatenate(b Affine) Affine {
	return b.Concatenate(a)
}

// Translate returns the transform followed by a translation by t.
func (a Affine) Translate(t []float64) Affine {
	out := fromDense(a.n, a.m)
	for d := 0; d < a.n; d++ {
		out.m.Set(d, a.n, out.m.At(d, a.n)+t[d])
	}
	return out
}

// WithTranslation returns the transform with its translation replaced by t.
func (a Affine) WithTranslation(t []float64) Affine {
	out := fromDense(a.n, a.m)
	for d := 0; d < a.n; d++ {
		out.m.Set(d, a.n, t[d])
	}
	return out
}

// RowPacked returns the n x (n+1) matrix in row-major order.
func (a Affine) RowPacked() []float64 {
	out := make([]float64, 0, a.n*(a.n+1))
	for r := 0; r < a.n; r++ {
		for c := 0; c <= a.n; c++ {
			out = append(out, a.m.At(r, c))
		}
	}
	return out
}

// EqualApprox reports whether all matrix entries differ by at most tol.
func (a Affine) EqualApprox(b Affine, tol float64) bool {
	if a.n != b.n {
		return false
	}
	return mat.EqualApprox(a.m, b.m, tol)
}

func (a Affine) String() string {
	if !a.IsValid() {
		return "Affine[invalid]"
	}
	var sb strings.Builder
	sb.WriteString("Affine[")
	for r := 0; r < a.n; r++ {
		if r > 0 {
			sb.WriteString("; ")
		}
		for c := 0; c <= a.n; c++ {
			if c > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%.4g", a.m.At(r, c))
		}
	}
	sb.WriteString("]")
	return sb.String()
}
