package transform

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrNotEnoughMatches is returned when a model cannot be determined from
// the supplied point matches.
var ErrNotEnoughMatches = errors.New("not enough point matches to fit model")

// Kind selects one of the supported transform models.
type Kind int

const (
	KindTranslation Kind = iota
	KindRigid
	KindAffine
)

func (k Kind) String() string {
	switch k {
	case KindTranslation:
		return "translation"
	case KindRigid:
		return "rigid"
	case KindAffine:
		return "affine"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ParseKind converts a model name ("translation", "rigid", "affine") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "translation", "":
		return KindTranslation, nil
	case "rigid":
		return KindRigid, nil
	case "affine":
		return KindAffine, nil
	default:
		return 0, fmt.Errorf("unknown transform model %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	switch k {
	case KindTranslation, KindRigid, KindAffine:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown transform model %d", int(k))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// PointMatch pairs a point P with its target Q. Fitting a model means
// finding the transform that maps every P as close as possible to its Q.
type PointMatch struct {
	P, Q   []float64
	Weight float64
}

// Model is the capability interface shared by all transform models.
//
// A model is parameterized by NumParameters values; Affine builds the
// corresponding transform, with all-zero parameters meaning identity, and
// Partial is the derivative of output coordinate d with respect to one
// parameter, evaluated at the identity.
type Model interface {
	Kind() Kind
	NumDimensions() int
	NumParameters() int
	Affine(params []float64) Affine
	Partial(pos []float64, d, param int) float64
	Fit(matches []PointMatch) (Affine, error)
}

// New returns the model of the given kind for n dimensions.
func New(kind Kind, n int) (Model, error) {
	if n < 1 {
		return nil, fmt.Errorf("invalid dimensionality %d", n)
	}
	switch kind {
	case KindTranslation:
		return TranslationModel{n: n}, nil
	case KindRigid:
		if n != 2 && n != 3 {
			return nil, fmt.Errorf("rigid model supports 2D and 3D only, got %dD", n)
		}
		return RigidModel{n: n}, nil
	case KindAffine:
		return AffineModel{n: n}, nil
	default:
		return nil, fmt.Errorf("unsupported model kind %v", kind)
	}
}

// TranslationModel moves points by a constant vector.
type TranslationModel struct{ n int }

func (m TranslationModel) Kind() Kind         { return KindTranslation }
func (m TranslationModel) NumDimensions() int { return m.n }
func (m TranslationModel) NumParameters() int { return m.n }

func (m TranslationModel) Affine(params []float64) Affine {
	return NewTranslation(params[:m.n])
}

func (m TranslationModel) Partial(pos []float64, d, param int) float64 {
	if d == param {
		return 1
	}
	return 0
}

// Fit returns the weighted mean displacement.
func (m TranslationModel) Fit(matches []PointMatch) (Affine, error) {
	pc, qc, w := centroids(matches, m.n)
	if w <= 0 {
		return Affine{}, ErrNotEnoughMatches
	}
	t := make([]float64, m.n)
	for d := range t {
		t[d] = qc[d] - pc[d]
	}
	return NewTranslation(t), nil
}

// RigidModel is rotation plus translation. In 2D the parameters are
// (theta, tx, ty); in 3D they are (rx, ry, rz, tx, ty, tz) with the
// rotation composed as Rz*Ry*Rx.
type RigidModel struct{ n int }

func (m RigidModel) Kind() Kind         { return KindRigid }
func (m RigidModel) NumDimensions() int { return m.n }

func (m RigidModel) NumParameters() int {
	if m.n == 2 {
		return 3
	}
	return 6
}

func (m RigidModel) Affine(p []float64) Affine {
	if m.n == 2 {
		c, s := math.Cos(p[0]), math.Sin(p[0])
		a, _ := NewAffine(2, []float64{
			c, -s, p[1],
			s, c, p[2],
		})
		return a
	}

	cx, sx := math.Cos(p[0]), math.Sin(p[0])
	cy, sy := math.Cos(p[1]), math.Sin(p[1])
	cz, sz := math.Cos(p[2]), math.Sin(p[2])
	a, _ := NewAffine(3, []float64{
		cz * cy, cz*sy*sx - sz*cx, cz*sy*cx + sz*sx, p[3],
		sz * cy, sz*sy*sx + cz*cx, sz*sy*cx - cz*sx, p[4],
		-sy, cy * sx, cy * cx, p[5],
	})
	return a
}

func (m RigidModel) Partial(pos []float64, d, param int) float64 {
	if m.n == 2 {
		if param == 0 {
			// d/dtheta of R*x at theta=0 is (-y, x)
			if d == 0 {
				return -pos[1]
			}
			return pos[0]
		}
		if d == param-1 {
			return 1
		}
		return 0
	}

	x, y, z := pos[0], pos[1], pos[2]
	switch param {
	case 0:
		return [3]float64{0, -z, y}[d]
	case 1:
		return [3]float64{z, 0, -x}[d]
	case 2:
		return [3]float64{-y, x, 0}[d]
	}
	if d == param-3 {
		return 1
	}
	return 0
}

// Fit solves the weighted orthogonal Procrustes problem (Kabsch).
func (m RigidModel) Fit(matches []PointMatch) (Affine, error) {
	n := m.n
	pc, qc, w := centroids(matches, n)
	if w <= 0 || len(matches) < 2 {
		return Affine{}, ErrNotEnoughMatches
	}

	// Weighted cross-covariance H = sum w (p-pc)(q-qc)^T
	h := mat.NewDense(n, n, nil)
	for _, pm := range matches {
		if pm.Weight <= 0 {
			continue
		}
		for r := 0; r < n; r++ {
			for c := 0; c < n; c++ {
				h.Set(r, c, h.At(r, c)+pm.Weight*(pm.P[r]-pc[r])*(pm.Q[c]-qc[c]))
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(h, mat.SVDFull); !ok {
		return Affine{}, fmt.Errorf("rigid fit: SVD failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, .., det(V U^T)) * U^T keeps R a proper rotation
	var vut mat.Dense
	vut.Mul(&v, u.T())
	sign := 1.0
	if mat.Det(&vut) < 0 {
		sign = -1
	}
	diag := mat.NewDiagDense(n, nil)
	for i := 0; i < n; i++ {
		diag.SetDiag(i, 1)
	}
	diag.SetDiag(n-1, sign)

	var vd, r mat.Dense
	vd.Mul(&v, diag)
	r.Mul(&vd, u.T())

	packed := make([]float64, 0, n*(n+1))
	for row := 0; row < n; row++ {
		t := qc[row]
		for c := 0; c < n; c++ {
			t -= r.At(row, c) * pc[c]
			packed = append(packed, r.At(row, c))
		}
		packed = append(packed, t)
	}
	return NewAffine(n, packed)
}

// AffineModel is a general affine transform. Its n*(n+1) parameters are the
// row-packed offset from the identity matrix.
type AffineModel struct{ n int }

func (m AffineModel) Kind() Kind         { return KindAffine }
func (m AffineModel) NumDimensions() int { return m.n }
func (m AffineModel) NumParameters() int { return m.n * (m.n + 1) }

func (m AffineModel) Affine(p []float64) Affine {
	packed := make([]float64, m.n*(m.n+1))
	copy(packed, p)
	for d := 0; d < m.n; d++ {
		packed[d*(m.n+1)+d] += 1
	}
	a, _ := NewAffine(m.n, packed)
	return a
}

func (m AffineModel) Partial(pos []float64, d, param int) float64 {
	row, col := param/(m.n+1), param%(m.n+1)
	if row != d {
		return 0
	}
	if col == m.n {
		return 1
	}
	return pos[col]
}

// Fit solves the weighted linear least-squares problem with a QR
// factorization of the design matrix.
func (m AffineModel) Fit(matches []PointMatch) (Affine, error) {
	n := m.n
	rows := 0
	for _, pm := range matches {
		if pm.Weight > 0 {
			rows++
		}
	}
	if rows < n+1 {
		return Affine{}, ErrNotEnoughMatches
	}

	x := mat.NewDense(rows, n+1, nil)
	y := mat.NewDense(rows, n, nil)
	i := 0
	for _, pm := range matches {
		if pm.Weight <= 0 {
			continue
		}
		sw := math.Sqrt(pm.Weight)
		for c := 0; c < n; c++ {
			x.Set(i, c, sw*pm.P[c])
			y.Set(i, c, sw*pm.Q[c])
		}
		x.Set(i, n, sw)
		i++
	}

	var qr mat.QR
	qr.Factorize(x)
	var b mat.Dense
	if err := qr.SolveTo(&b, false, y); err != nil {
		return Affine{}, fmt.Errorf("affine fit: %w", err)
	}

	// b is (n+1) x n with b[c][r] the coefficient of input c for output r
	packed := make([]float64, 0, n*(n+1))
	for r := 0; r < n; r++ {
		for c := 0; c <= n; c++ {
			packed = append(packed, b.At(c, r))
		}
	}
	return NewAffine(n, packed)
}

// centroids returns the weighted centroids of P and Q and the total weight.
func centroids(matches []PointMatch, n int) ([]float64, []float64, float64) {
	pc := make([]float64, n)
	qc := make([]float64, n)
	w := 0.0
	for _, pm := range matches {
		if pm.Weight <= 0 {
			continue
		}
		for d := 0; d < n; d++ {
			pc[d] += pm.Weight * pm.P[d]
			qc[d] += pm.Weight * pm.Q[d]
		}
		w += pm.Weight
	}
	if w > 0 {
		for d := 0; d < n; d++ {
			pc[d] /= w
			qc[d] /= w
		}
	}
	return pc, qc, w
}

// MeanError returns the weighted mean distance between t(P) and Q.
func MeanError(t Affine, matches []PointMatch) float64 {
	sum, w := 0.0, 0.0
	for _, pm := range matches {
		if pm.Weight <= 0 {
			continue
		}
		sum += pm.Weight * Distance(t.Apply(pm.P), pm.Q)
		w += pm.Weight
	}
	if w == 0 {
		return 0
	}
	return sum / w
}

// Distance is the Euclidean distance between two points.
func Distance(a, b []float64) float64 {
	s := 0.0
	for d := range a {
		diff := a[d] - b[d]
		s += diff * diff
	}
	return math.Sqrt(s)
}
