// Package elliptical implements the Gaussian and Student-t copulas.
//
// Both copulas are parameterised by a correlation matrix; the Student-t
// copula also carries degrees of freedom that may be changed between calls.
// Densities are evaluated on uniform-marginal input through the quantile
// package.
package elliptical

import (
	"math"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/yutiansut/copulae/errs"
	"github.com/yutiansut/copulae/quantile"
)

// corrTolerance bounds how far the diagonal of a correlation matrix may
// stray from 1.
const corrTolerance = 1e-9

// shape is the correlation structure shared by both copulas.
type shape struct {
	dim  int
	corr *mat.SymDense
	l    mat.TriDense // Cholesky factor such that corr = L·L^T
}

func newShape(corr mat.Symmetric) (*shape, error) {
	if corr == nil {
		return nil, errs.Invalid("correlation matrix is nil")
	}
	d := corr.SymmetricDim()
	if d < 2 {
		return nil, errs.Invalid("correlation matrix must be at least 2x2, got %dx%d", d, d)
	}
	for i := 0; i < d; i++ {
		if math.Abs(corr.At(i, i)-1) > corrTolerance {
			return nil, errs.Invalid("correlation matrix diagonal must be 1, got %v at %d", corr.At(i, i), i)
		}
		for j := i + 1; j < d; j++ {
			v := corr.At(i, j)
			if math.IsNaN(v) || v < -1 || v > 1 {
				return nil, errs.Invalid("correlation %v at (%d, %d) outside [-1, 1]", v, i, j)
			}
		}
	}

	s := &shape{dim: d, corr: mat.NewSymDense(d, nil)}
	s.corr.CopySym(corr)

	var chol mat.Cholesky
	if !chol.Factorize(s.corr) {
		return nil, errs.Invalid("correlation matrix is not positive definite")
	}
	chol.LTo(&s.l)
	return s, nil
}

// Dim returns the number of margins.
func (s *shape) Dim() int { return s.dim }

// Corr returns a copy of the correlation matrix.
func (s *shape) Corr() *mat.SymDense {
	return mat.NewSymDense(s.dim, append([]float64(nil), s.corr.RawSymmetric().Data...))
}

// normal draws n rows of N(0, corr) as z·L^T.
func (s *shape) normal(n int, rng *rand.Rand) *mat.Dense {
	z := mat.NewDense(n, s.dim, nil)
	raw := z.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}
	var x mat.Dense
	x.Mul(z, s.l.T())
	return &x
}

func checkDraws(n int) error {
	if n < 1 {
		return errs.Invalid("number of draws must be positive, got %d", n)
	}
	return nil
}

func newRand(src rand.Source) *rand.Rand {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return rand.New(src)
}

func applyCDF(x *mat.Dense, cdf func(float64) float64) {
	raw := x.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			row[j] = cdf(v)
		}
	}
}

func (s *shape) checkCols(q *mat.Dense) error {
	if _, c := q.Dims(); c != s.dim {
		return errs.Invalid("input has %d columns, copula has dimension %d", c, s.dim)
	}
	return nil
}

func hasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

func finish(logDensity float64, log bool) float64 {
	if log {
		return logDensity
	}
	return math.Exp(logDensity)
}

// Gaussian is the Gaussian copula.
type Gaussian struct {
	*shape
	mvn *distmv.Normal
	pdf quantile.Func
}

// NewGaussian creates a Gaussian copula with the given correlation matrix.
func NewGaussian(corr mat.Symmetric) (*Gaussian, error) {
	s, err := newShape(corr)
	if err != nil {
		return nil, err
	}
	mvn, ok := distmv.NewNormal(make([]float64, s.dim), s.corr, nil)
	if !ok {
		return nil, errs.Numerical("gaussian copula: correlation matrix is not positive definite")
	}
	g := &Gaussian{shape: s, mvn: mvn}
	g.pdf = quantile.Gaussian.Wrap(g.logDensity)
	return g, nil
}

// DegreesOfFreedom is infinite for the Gaussian copula.
func (g *Gaussian) DegreesOfFreedom() float64 { return math.Inf(1) }

// Random returns n draws in uniform-marginal space.
func (g *Gaussian) Random(n int, src rand.Source) (*mat.Dense, error) {
	if err := checkDraws(n); err != nil {
		return nil, err
	}
	x := g.normal(n, newRand(src))
	applyCDF(x, distuv.UnitNormal.CDF)
	return x, nil
}

// PDF evaluates the copula density at each row of u. A mat.Vector is a
// single observation and yields a scalar result.
func (g *Gaussian) PDF(u mat.Matrix, log bool) (quantile.Result, error) {
	return g.pdf(g, u, log)
}

func (g *Gaussian) logDensity(_ quantile.Model, q *mat.Dense, log bool) ([]float64, error) {
	if err := g.checkCols(q); err != nil {
		return nil, err
	}
	r, _ := q.Dims()
	out := make([]float64, r)
	for i := range out {
		row := q.RawRowView(i)
		if hasNaN(row) {
			out[i] = math.NaN()
			continue
		}
		v := g.mvn.LogProb(row)
		for _, x := range row {
			v -= distuv.UnitNormal.LogProb(x)
		}
		out[i] = finish(v, log)
	}
	return out, nil
}

// Student is the Student-t copula.
type Student struct {
	*shape
	mu  sync.RWMutex
	df  float64
	pdf quantile.Func
}

// NewStudent creates a Student-t copula with the given correlation matrix
// and degrees of freedom.
func NewStudent(corr mat.Symmetric, df float64) (*Student, error) {
	if err := checkDF(df); err != nil {
		return nil, err
	}
	s, err := newShape(corr)
	if err != nil {
		return nil, err
	}
	t := &Student{shape: s, df: df}
	t.pdf = quantile.Student.Wrap(t.logDensity)
	return t, nil
}

func checkDF(df float64) error {
	if math.IsNaN(df) || math.IsInf(df, 0) || df <= 0 {
		return errs.Invalid("degrees of freedom must be positive and finite, got %v", df)
	}
	return nil
}

// DegreesOfFreedom returns the current degrees of freedom.
func (t *Student) DegreesOfFreedom() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.df
}

// SetDegreesOfFreedom changes the degrees of freedom used by later calls.
func (t *Student) SetDegreesOfFreedom(df float64) error {
	if err := checkDF(df); err != nil {
		return err
	}
	t.mu.Lock()
	t.df = df
	t.mu.Unlock()
	return nil
}

// Random returns n draws in uniform-marginal space.
func (t *Student) Random(n int, src rand.Source) (*mat.Dense, error) {
	if err := checkDraws(n); err != nil {
		return nil, err
	}
	df := t.DegreesOfFreedom()
	rng := newRand(src)

	x := t.normal(n, rng)
	chi := distuv.ChiSquared{K: df, Src: rng}
	for i := 0; i < n; i++ {
		row := x.RawRowView(i)
		scale := 1 / math.Sqrt(chi.Rand()/df)
		for j := range row {
			row[j] *= scale
		}
	}
	applyCDF(x, distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.CDF)
	return x, nil
}

// PDF evaluates the copula density at each row of u with the degrees of
// freedom current at call time.
func (t *Student) PDF(u mat.Matrix, log bool) (quantile.Result, error) {
	return t.pdf(t, u, log)
}

func (t *Student) logDensity(m quantile.Model, q *mat.Dense, log bool) ([]float64, error) {
	if err := t.checkCols(q); err != nil {
		return nil, err
	}
	df := m.DegreesOfFreedom()
	mvt, ok := distmv.NewStudentsT(make([]float64, t.dim), t.corr, df, nil)
	if !ok {
		return nil, errs.Numerical("student copula: correlation matrix is not positive definite")
	}
	marginal := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}

	r, _ := q.Dims()
	out := make([]float64, r)
	for i := range out {
		row := q.RawRowView(i)
		if hasNaN(row) {
			out[i] = math.NaN()
			continue
		}
		v := mvt.LogProb(row)
		for _, x := range row {
			v -= marginal.LogProb(x)
		}
		out[i] = finish(v, log)
	}
	return out, nil
}

// KendallTau returns Kendall's tau of any elliptical copula with pairwise
// correlation rho.
func KendallTau(rho float64) float64 {
	return 2 / math.Pi * math.Asin(rho)
}

// SpearmanRho returns Spearman's rho of a Gaussian copula with pairwise
// correlation rho.
func SpearmanRho(rho float64) float64 {
	return 6 / math.Pi * math.Asin(rho/2)
}
