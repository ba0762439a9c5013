package phasecorr

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/stat"

	"tilestitch/internal/models"
)

// latticePeak is a local maximum of the PCM.
type latticePeak struct {
	pos   []int
	index int
	value float64
}

// findLocalMaxima returns up to k local maxima of the periodic PCM, highest
// first. A pixel is a maximum if no pixel in its 3^n neighbourhood is
// larger; among equal neighbours only the one with the lowest index counts.
func findLocalMaxima(pcm *models.Image, k int) []latticePeak {
	if k <= 0 {
		return nil
	}
	n := pcm.NumDimensions()
	strides := pcm.Strides()
	offsets := neighbourOffsets(pcm.Dims)

	var peaks []latticePeak
	pos := make([]int, n)
	for i, v := range pcm.Data {
		if isLocalMax(pcm, strides, offsets, pos, i, v) {
			peaks = append(peaks, latticePeak{pos: append([]int(nil), pos...), index: i, value: v})
		}
		for d := 0; d < n; d++ {
			pos[d]++
			if pos[d] < pcm.Dims[d] {
				break
			}
			pos[d] = 0
		}
	}

	sort.SliceStable(peaks, func(a, b int) bool {
		return peaks[a].value > peaks[b].value
	})
	if len(peaks) > k {
		peaks = peaks[:k]
	}
	return peaks
}

// neighbourOffsets enumerates the 3^n - 1 neighbour steps, ignoring axes of
// size 1.
func neighbourOffsets(dims []int) [][]int {
	offsets := [][]int{make([]int, len(dims))}
	for d, s := range dims {
		if s <= 1 {
			continue
		}
		next := make([][]int, 0, 3*len(offsets))
		for _, o := range offsets {
			for _, step := range []int{-1, 0, 1} {
				c := append([]int(nil), o...)
				c[d] = step
				next = append(next, c)
			}
		}
		offsets = next
	}

	out := offsets[:0]
	for _, o := range offsets {
		zero := true
		for _, v := range o {
			if v != 0 {
				zero = false
				break
			}
		}
		if !zero {
			out = append(out, o)
		}
	}
	return out
}

func isLocalMax(pcm *models.Image, strides []int, offsets [][]int, pos []int, index int, v float64) bool {
	if math.IsNaN(v) {
		return false
	}
	for _, o := range offsets {
		j := 0
		for d, step := range o {
			p := pos[d] + step
			size := pcm.Dims[d]
			if p < 0 {
				p += size
			} else if p >= size {
				p -= size
			}
			j += p * strides[d]
		}
		w := pcm.Data[j]
		if w > v || (w == v && j < index) {
			return false
		}
	}
	return true
}

// candidateShifts expands one PCM lattice position into every shift it may
// stand for: along each axis the position p and its periodic alias p - size.
func candidateShifts(pos, padded []int) [][]int {
	shifts := [][]int{{}}
	for d, p := range pos {
		options := []int{p}
		if padded[d] > 1 && p != 0 {
			options = append(options, p-padded[d])
		}
		next := make([][]int, 0, len(shifts)*len(options))
		for _, s := range shifts {
			for _, o := range options {
				c := append(append([]int(nil), s...), o)
				next = append(next, c)
			}
		}
		shifts = next
	}
	return shifts
}

// overlapCorrelation computes the Pearson correlation between a(u+shift)
// and b(u) over every u where both are defined, together with the number
// of pixels involved.
func overlapCorrelation(a, b *models.Image, shift []int) (float64, int) {
	lo, hi, count := commonRegion(a, b, shift, 0)
	if count == 0 {
		return math.NaN(), 0
	}
	if count < 2 {
		return math.NaN(), count
	}
	return regionCorrelation(a, b, shift, lo, hi), count
}

// commonRegion returns the box [lo, hi) of positions u in b for which
// a(u+shift) is defined, shrunk by margin pixels on every axis longer than
// one pixel, and the number of pixels it holds.
func commonRegion(a, b *models.Image, shift []int, margin int) ([]int, []int, int) {
	n := a.NumDimensions()
	lo := make([]int, n)
	hi := make([]int, n)
	count := 1
	for d := 0; d < n; d++ {
		m := margin
		if a.Dims[d] <= 1 {
			m = 0
		}
		lo[d] = max(0, -shift[d]) + m
		hi[d] = min(b.Dims[d], a.Dims[d]-shift[d]) - m
		if hi[d] <= lo[d] {
			return lo, hi, 0
		}
		count *= hi[d] - lo[d]
	}
	return lo, hi, count
}

// regionCorrelation computes the Pearson correlation between a(u+shift)
// and b(u) for u in [lo, hi).
func regionCorrelation(a, b *models.Image, shift, lo, hi []int) float64 {
	n := a.NumDimensions()
	count := 1
	for d := 0; d < n; d++ {
		count *= hi[d] - lo[d]
	}

	xs := make([]float64, 0, count)
	ys := make([]float64, 0, count)
	strideA := a.Strides()
	strideB := b.Strides()

	pos := slices.Clone(lo)
	for {
		ia, ib := 0, 0
		for d := 0; d < n; d++ {
			ia += (pos[d] + shift[d]) * strideA[d]
			ib += pos[d] * strideB[d]
		}
		xs = append(xs, a.Data[ia])
		ys = append(ys, b.Data[ib])

		d := 0
		for ; d < n; d++ {
			pos[d]++
			if pos[d] < hi[d] {
				break
			}
			pos[d] = lo[d]
		}
		if d == n {
			break
		}
	}
	return stat.Correlation(xs, ys, nil)
}

// maxClimbSteps bounds the number of moves of one hill climb.
const maxClimbSteps = 64

// candidate is a scored integer shift.
type candidate struct {
	shift []int
	r     float64
	score float64
	count int
	valid bool
}

// scorer rates integer shifts by the correlation of the pixels they make
// overlap. Every shift is evaluated once.
type scorer struct {
	a, b      *models.Image
	minPixels float64
	maxPixels int
	weight    float64
	offsets   [][]int
	seen      map[string]candidate
}

func newScorer(a, b *models.Image, minPixels, weight float64) *scorer {
	return &scorer{
		a:         a,
		b:         b,
		minPixels: minPixels,
		maxPixels: a.Len(),
		weight:    weight,
		offsets:   neighbourOffsets(a.Dims),
		seen:      make(map[string]candidate),
	}
}

// score evaluates one shift. A shift is valid when it overlaps by at least
// minPixels and its correlation is finite; the score is
// r * (pixels/maxPixels)^weight.
func (s *scorer) score(shift []int) candidate {
	key := fmt.Sprint(shift)
	if c, ok := s.seen[key]; ok {
		return c
	}

	c := candidate{shift: shift}
	r, count := overlapCorrelation(s.a, s.b, shift)
	if count > 0 && float64(count) >= s.minPixels && !math.IsNaN(r) && !math.IsInf(r, 0) {
		c.r, c.count, c.valid = r, count, true
		c.score = r
		if s.weight != 0 {
			c.score *= math.Pow(float64(count)/float64(s.maxPixels), s.weight)
		}
	}
	s.seen[key] = c
	return c
}

// climb starts at shift and repeatedly moves to the best scoring of its
// 3^n - 1 neighbours while that improves the score. A PCM peak displaced
// from the correlation maximum by the crop borders thus still ends on it.
// It returns false if shift itself is not valid.
func (s *scorer) climb(shift []int) (candidate, bool) {
	cur := s.score(shift)
	if !cur.valid {
		return cur, false
	}
	for step := 0; step < maxClimbSteps; step++ {
		next := cur
		for _, o := range s.offsets {
			nb := make([]int, len(o))
			for d := range nb {
				nb[d] = cur.shift[d] + o[d]
			}
			if c := s.score(nb); c.valid && c.score > next.score {
				next = c
			}
		}
		if next.score <= cur.score {
			break
		}
		cur = next
	}
	return cur, true
}
