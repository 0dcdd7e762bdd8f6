// Package spline fits one-dimensional weighted smoothing B-splines.
//
// A fit minimises the weighted residual over free observations while passing
// exactly through every observation marked Exact. Smoothness is controlled by
// the number of interior knots: starting from a single polynomial piece, knots
// are inserted where the residual concentrates until the weighted residual sum
// of squares drops to the smoothing factor s.
//
// s is an upper bound, not a target: the first knot set with fp <= s is
// returned as its plain least-squares fit. FITPACK (and scipy) go on to tune a
// smoothing parameter on that knot set until fp is close to s, so for the same
// s a fit here can follow the data more closely than theirs.
package spline

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/yutiansut/copulae/errs"
)

const (
	// MinDegree and MaxDegree bound the polynomial degree of a spline.
	MinDegree = 1
	MaxDegree = 5

	// ConstraintTolerance is the largest relative deviation from an exact
	// observation a fit may show, scaled by max(1, |y|).
	ConstraintTolerance = 1e-8
)

// Observation is a single (x, y) data point. Exact observations are
// interpolated; the others are smoothed with the given weight.
type Observation struct {
	X      float64
	Y      float64
	Weight float64 // ignored when Exact
	Exact  bool
}

// Spline is a fitted B-spline of degree k with clamped knot vector.
// It is immutable and safe for concurrent evaluation.
type Spline struct {
	degree int
	knots  []float64 // len(coeffs) + degree + 1
	coeffs []float64
	fp     float64 // weighted residual sum of squares of the fit
}

// Fit fits a smoothing spline of the given degree through obs, which must be
// sorted by strictly increasing X. s is the smoothing factor: the fit stops
// adding knots once the weighted residual sum of squares is at most s.
func Fit(obs []Observation, degree int, s float64) (*Spline, error) {
	if err := validate(obs, degree, s); err != nil {
		return nil, err
	}

	m := len(obs)
	k := degree
	xb, xe := obs[0].X, obs[m-1].X
	maxInterior := m - k - 1

	var (
		interior []float64
		last     *Spline
	)
	for {
		t := knotVector(xb, xe, interior, k)
		sp, err := solve(obs, t, k)
		if err == nil {
			last = sp
			resid := sp.residuals(obs)
			if sp.fp <= s || len(interior) >= maxInterior {
				return sp, nil
			}
			x, ok := splitPoint(obs, t, resid)
			if !ok {
				return sp, nil
			}
			interior = insertSorted(interior, x)
			continue
		}

		// A failed system after a successful one means the extra knots are
		// not supported by the data; keep the last valid fit.
		if last != nil {
			return last, nil
		}
		if len(interior) >= maxInterior {
			return nil, err
		}
		x, ok := splitPoint(obs, t, nil)
		if !ok {
			return nil, err
		}
		interior = insertSorted(interior, x)
	}
}

func validate(obs []Observation, degree int, s float64) error {
	if degree < MinDegree || degree > MaxDegree {
		return errs.Invalid("spline degree must be in [%d, %d], got %d", MinDegree, MaxDegree, degree)
	}
	if math.IsNaN(s) || s < 0 {
		return errs.Invalid("smoothing factor must be non-negative, got %v", s)
	}
	if len(obs) < degree+1 {
		return errs.Invalid("spline of degree %d needs at least %d observations, got %d", degree, degree+1, len(obs))
	}
	for i, o := range obs {
		if math.IsNaN(o.X) || math.IsInf(o.X, 0) || math.IsNaN(o.Y) || math.IsInf(o.Y, 0) {
			return errs.Invalid("observation %d is not finite: (%v, %v)", i, o.X, o.Y)
		}
		if !o.Exact && !(o.Weight > 0) {
			return errs.Invalid("observation %d has non-positive weight %v", i, o.Weight)
		}
		if i > 0 && o.X <= obs[i-1].X {
			return errs.Invalid("observations must be sorted by strictly increasing x, got %v after %v", o.X, obs[i-1].X)
		}
	}
	return nil
}

// knotVector builds the clamped knot vector [xb]*(k+1) ++ interior ++ [xe]*(k+1).
func knotVector(xb, xe float64, interior []float64, k int) []float64 {
	t := make([]float64, 0, len(interior)+2*(k+1))
	for i := 0; i <= k; i++ {
		t = append(t, xb)
	}
	t = append(t, interior...)
	for i := 0; i <= k; i++ {
		t = append(t, xe)
	}
	return t
}

// solve computes the constrained weighted least-squares coefficients for the
// knot vector t through the KKT system
//
//	[ BᵀW²B  Cᵀ ] [c]   [BᵀW²y]
//	[ C      0  ] [λ] = [  d  ]
//
// where B holds the free rows and C the exact rows of the collocation matrix.
func solve(obs []Observation, t []float64, k int) (*Spline, error) {
	nc := len(t) - k - 1

	var exact []int
	for i, o := range obs {
		if o.Exact {
			exact = append(exact, i)
		}
	}
	ne := len(exact)
	if ne > nc {
		return nil, errs.Numerical("%d exact constraints exceed %d spline coefficients", ne, nc)
	}

	n := nc + ne
	kkt := mat.NewDense(n, n, nil)
	rhs := mat.NewVecDense(n, nil)
	basis := make([]float64, k+1)

	row := 0
	for _, o := range obs {
		l := findSpan(t, k, nc, o.X)
		basisFuncs(t, k, l, o.X, basis)
		first := l - k

		if o.Exact {
			for a := 0; a <= k; a++ {
				kkt.Set(nc+row, first+a, basis[a])
				kkt.Set(first+a, nc+row, basis[a])
			}
			rhs.SetVec(nc+row, o.Y)
			row++
			continue
		}

		w2 := o.Weight * o.Weight
		for a := 0; a <= k; a++ {
			rhs.SetVec(first+a, rhs.AtVec(first+a)+w2*o.Y*basis[a])
			for b := 0; b <= k; b++ {
				kkt.Set(first+a, first+b, kkt.At(first+a, first+b)+w2*basis[a]*basis[b])
			}
		}
	}

	var sol mat.VecDense
	if err := sol.SolveVec(kkt, rhs); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return nil, errs.Numerical("singular spline system with %d coefficients: %v", nc, err)
		}
	}

	coeffs := make([]float64, nc)
	for i := range coeffs {
		c := sol.AtVec(i)
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, errs.Numerical("non-finite spline coefficient at %d", i)
		}
		coeffs[i] = c
	}

	sp := &Spline{degree: k, knots: t, coeffs: coeffs}
	for _, i := range exact {
		o := obs[i]
		if dev := math.Abs(sp.Eval(o.X) - o.Y); dev > ConstraintTolerance*math.Max(1, math.Abs(o.Y)) {
			return nil, errs.Numerical("exact constraint at x=%v missed by %e", o.X, dev)
		}
	}
	return sp, nil
}

// residuals returns w·(y - s(x)) per observation (zero for exact ones) and
// stores the weighted sum of squares in sp.fp.
func (sp *Spline) residuals(obs []Observation) []float64 {
	resid := make([]float64, len(obs))
	fp := 0.0
	for i, o := range obs {
		if o.Exact {
			continue
		}
		r := o.Weight * (o.Y - sp.Eval(o.X))
		resid[i] = r
		fp += r * r
	}
	sp.fp = fp
	return resid
}

// splitPoint picks the data x at which to insert the next interior knot.
// Candidate intervals between distinct knots must hold at least one
// observation strictly inside. With resid nil the interval holding the most
// observations wins, otherwise the one with the largest residual sum.
func splitPoint(obs []Observation, t []float64, resid []float64) (float64, bool) {
	distinct := uniqueSorted(t)

	best, bestScore := -1.0, -1.0
	found := false
	i := 0
	for j := 0; j+1 < len(distinct); j++ {
		lo, hi := distinct[j], distinct[j+1]
		var inside []float64
		score := 0.0
		for ; i < len(obs) && obs[i].X < hi; i++ {
			if obs[i].X > lo {
				inside = append(inside, obs[i].X)
			}
			if resid != nil {
				score += resid[i] * resid[i]
			}
		}
		if resid == nil {
			score = float64(len(inside))
		}
		if len(inside) == 0 {
			continue
		}
		if score > bestScore {
			best, bestScore, found = inside[len(inside)/2], score, true
		}
	}
	return best, found
}

func uniqueSorted(t []float64) []float64 {
	out := make([]float64, 0, len(t))
	for i, v := range t {
		if i == 0 || v != t[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func insertSorted(xs []float64, x float64) []float64 {
	i := sort.SearchFloat64s(xs, x)
	xs = append(xs, 0)
	copy(xs[i+1:], xs[i:])
	xs[i] = x
	return xs
}

// findSpan returns l in [k, nc-1] with t[l] <= x < t[l+1], clamping x
// outside the base interval to the first or last span.
func findSpan(t []float64, k, nc int, x float64) int {
	if x >= t[nc] {
		return nc - 1
	}
	if x <= t[k] {
		return k
	}
	i := sort.Search(nc-k-1, func(i int) bool { return t[k+1+i] > x })
	return k + i
}

// basisFuncs fills n with the k+1 non-zero basis functions N_{l-k..l} at x.
func basisFuncs(t []float64, k, l int, x float64, n []float64) {
	left := make([]float64, k+1)
	right := make([]float64, k+1)
	n[0] = 1
	for j := 1; j <= k; j++ {
		left[j] = x - t[l+1-j]
		right[j] = t[l+j] - x
		saved := 0.0
		for r := 0; r < j; r++ {
			tmp := n[r] / (right[r+1] + left[j-r])
			n[r] = saved + right[r+1]*tmp
			saved = left[j-r] * tmp
		}
		n[j] = saved
	}
}

// Eval evaluates the spline at x. Outside the fitted range the boundary
// polynomial pieces are extrapolated.
func (sp *Spline) Eval(x float64) float64 {
	if math.IsNaN(x) {
		return math.NaN()
	}
	k := sp.degree
	nc := len(sp.coeffs)
	l := findSpan(sp.knots, k, nc, x)

	// de Boor's algorithm
	var buf [MaxDegree + 1]float64
	d := buf[:k+1]
	copy(d, sp.coeffs[l-k:l+1])
	t := sp.knots
	for r := 1; r <= k; r++ {
		for j := k; j >= r; j-- {
			lo := t[j+l-k]
			alpha := (x - lo) / (t[j+1+l-r] - lo)
			d[j] = (1-alpha)*d[j-1] + alpha*d[j]
		}
	}
	return d[k]
}

// EvalAll evaluates the spline at every x. An optional output slice may be
// supplied to avoid allocation.
func (sp *Spline) EvalAll(xs []float64, out ...[]float64) []float64 {
	var dst []float64
	if len(out) > 0 && len(out[0]) >= len(xs) {
		dst = out[0][:len(xs)]
	} else {
		dst = make([]float64, len(xs))
	}
	for i, x := range xs {
		dst[i] = sp.Eval(x)
	}
	return dst
}

// Derivative returns the first derivative as a spline of one degree lower.
// The derivative of a piecewise constant spline is zero.
func (sp *Spline) Derivative() *Spline {
	k := sp.degree
	t := sp.knots
	nc := len(sp.coeffs)
	if k == 0 {
		return &Spline{knots: append([]float64(nil), t...), coeffs: make([]float64, nc)}
	}
	coeffs := make([]float64, nc-1)
	for i := range coeffs {
		coeffs[i] = float64(k) * (sp.coeffs[i+1] - sp.coeffs[i]) / (t[i+k+1] - t[i+1])
	}
	knots := make([]float64, len(t)-2)
	copy(knots, t[1:len(t)-1])
	return &Spline{degree: k - 1, knots: knots, coeffs: coeffs}
}

// Degree returns the polynomial degree.
func (sp *Spline) Degree() int { return sp.degree }

// Knots returns a copy of the full knot vector.
func (sp *Spline) Knots() []float64 { return append([]float64(nil), sp.knots...) }

// Coefficients returns a copy of the B-spline coefficients.
func (sp *Spline) Coefficients() []float64 { return append([]float64(nil), sp.coeffs...) }

// Residual returns the weighted residual sum of squares over free observations.
func (sp *Spline) Residual() float64 { return sp.fp }

// Domain returns the fitted x range.
func (sp *Spline) Domain() (float64, float64) {
	return sp.knots[0], sp.knots[len(sp.knots)-1]
}

// State represents the serializable state of a Spline
type State struct {
	Version  int       `gob:"version"`
	Degree   int       `gob:"degree"`
	Knots    []float64 `gob:"knots"`
	Coeffs   []float64 `gob:"coeffs"`
	Residual float64   `gob:"residual"`
}

// State returns a snapshot suitable for encoding.
func (sp *Spline) State() State {
	return State{
		Version:  1,
		Degree:   sp.degree,
		Knots:    sp.Knots(),
		Coeffs:   sp.Coefficients(),
		Residual: sp.fp,
	}
}

// FromState rebuilds a spline from a decoded State.
func FromState(state State) (*Spline, error) {
	if state.Version != 1 {
		return nil, fmt.Errorf("unsupported spline state version %d", state.Version)
	}
	if state.Degree < 0 || state.Degree > MaxDegree {
		return nil, fmt.Errorf("invalid spline degree %d", state.Degree)
	}
	if len(state.Coeffs) < state.Degree+1 || len(state.Knots) != len(state.Coeffs)+state.Degree+1 {
		return nil, fmt.Errorf("invalid spline data length: %d knots, %d coefficients", len(state.Knots), len(state.Coeffs))
	}
	return &Spline{
		degree: state.Degree,
		knots:  append([]float64(nil), state.Knots...),
		coeffs: append([]float64(nil), state.Coeffs...),
		fp:     state.Residual,
	}, nil
}

// Save serializes the spline to gob format
func (sp *Spline) Save(w io.Writer) error {
	return gob.NewEncoder(w).Encode(sp.State())
}

// Load deserializes a spline from gob format
func Load(r io.Reader) (*Spline, error) {
	var state State
	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return nil, err
	}
	return FromState(state)
}
