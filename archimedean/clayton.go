// Package archimedean implements the Clayton copula and its grid family.
package archimedean

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/yutiansut/copulae/errs"
	gridcorr "github.com/yutiansut/copulae/grid-corr"
)

// Clayton is the Clayton copula with theta >= 0. Theta 0 is the
// independence copula.
type Clayton struct {
	theta float64
	dim   int
}

// NewClayton creates a Clayton copula of dimension dim.
func NewClayton(theta float64, dim int) (*Clayton, error) {
	if math.IsNaN(theta) || math.IsInf(theta, 0) || theta < 0 {
		return nil, errs.Invalid("clayton theta must be finite and non-negative, got %v", theta)
	}
	if dim < 2 {
		return nil, errs.Invalid("clayton dimension must be at least 2, got %d", dim)
	}
	return &Clayton{theta: theta, dim: dim}, nil
}

// Theta returns the copula parameter.
func (c *Clayton) Theta() float64 { return c.theta }

// Dim returns the number of margins.
func (c *Clayton) Dim() int { return c.dim }

// Random draws n observations with the Marshall-Olkin algorithm:
// V ~ Gamma(1/theta, 1), E_j ~ Exp(1), U_j = (1 + E_j/V)^(-1/theta).
func (c *Clayton) Random(n int, src rand.Source) (*mat.Dense, error) {
	if n < 1 {
		return nil, errs.Invalid("number of draws must be positive, got %d", n)
	}
	rng := newRand(src)
	out := mat.NewDense(n, c.dim, nil)

	if c.theta == 0 {
		raw := out.RawMatrix().Data
		for i := range raw {
			raw[i] = rng.Float64()
		}
		return out, nil
	}

	frailty := distuv.Gamma{Alpha: 1 / c.theta, Beta: 1, Src: rng}
	exp := distuv.Exponential{Rate: 1, Src: rng}
	for i := 0; i < n; i++ {
		v := frailty.Rand()
		row := out.RawRowView(i)
		for j := range row {
			row[j] = math.Exp(-math.Log1p(exp.Rand()/v) / c.theta)
		}
	}
	return out, nil
}

// CDF evaluates the copula at every row of u. Rows with a value outside
// [0, 1] or NaN evaluate to NaN.
func (c *Clayton) CDF(u mat.Matrix) ([]float64, error) {
	return c.eachRow(u, func(row []float64) float64 {
		if c.theta == 0 {
			p := 1.0
			for _, v := range row {
				p *= v
			}
			return p
		}
		s := 0.0
		for _, v := range row {
			if v == 0 {
				return 0
			}
			s += math.Pow(v, -c.theta)
		}
		return math.Pow(s-float64(c.dim)+1, -1/c.theta)
	}, true)
}

// PDF evaluates the copula density at every row of u. Rows with a value
// outside (0, 1) or NaN evaluate to NaN.
func (c *Clayton) PDF(u mat.Matrix, log bool) ([]float64, error) {
	d := float64(c.dim)
	return c.eachRow(u, func(row []float64) float64 {
		lp := 0.0
		if c.theta > 0 {
			s := 0.0
			for k, v := range row {
				lp += math.Log1p(float64(k)*c.theta) - (1+c.theta)*math.Log(v)
				s += math.Pow(v, -c.theta)
			}
			lp -= (d + 1/c.theta) * math.Log(s-d+1)
		}
		if log {
			return lp
		}
		return math.Exp(lp)
	}, false)
}

func (c *Clayton) eachRow(u mat.Matrix, f func(row []float64) float64, closed bool) ([]float64, error) {
	r, cols := u.Dims()
	if cols != c.dim {
		return nil, errs.Invalid("input has %d columns, copula has dimension %d", cols, c.dim)
	}
	out := make([]float64, r)
	row := make([]float64, cols)
	for i := 0; i < r; i++ {
		mat.Row(row, i, u)
		if !inUnit(row, closed) {
			out[i] = math.NaN()
			continue
		}
		out[i] = f(row)
	}
	return out, nil
}

func inUnit(row []float64, closed bool) bool {
	for _, v := range row {
		if closed {
			if !(v >= 0 && v <= 1) {
				return false
			}
		} else if !(v > 0 && v < 1) {
			return false
		}
	}
	return true
}

// KendallTau returns Kendall's tau of the Clayton copula, theta/(theta+2).
func KendallTau(theta float64) float64 {
	if math.IsInf(theta, 1) {
		return 1
	}
	return theta / (theta + 2)
}

// ClaytonFamily is the bivariate Clayton copula on Kendall's tau scale: grid
// values tau in [0, 1] map to theta = 2·tau/(1-tau).
type ClaytonFamily struct{}

// WithParameter returns a bivariate Clayton sampler. Theta +Inf is the
// comonotone limit.
func (ClaytonFamily) WithParameter(theta float64) (gridcorr.Sampler, error) {
	if math.IsInf(theta, 1) {
		return comonotone{}, nil
	}
	c, err := NewClayton(theta, 2)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Backward maps tau to theta.
func (ClaytonFamily) Backward(tau []float64) []float64 {
	out := make([]float64, len(tau))
	for i, t := range tau {
		if t == 1 {
			out[i] = math.Inf(1)
			continue
		}
		out[i] = 2 * t / (1 - t)
	}
	return out
}

// Forward maps theta to tau.
func (ClaytonFamily) Forward(theta []float64) []float64 {
	out := make([]float64, len(theta))
	for i, t := range theta {
		out[i] = KendallTau(t)
	}
	return out
}

type comonotone struct{}

func (comonotone) Random(n int, src rand.Source) (*mat.Dense, error) {
	if n < 1 {
		return nil, errs.Invalid("number of draws must be positive, got %d", n)
	}
	rng := newRand(src)
	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		u := rng.Float64()
		out.Set(i, 0, u)
		out.Set(i, 1, u)
	}
	return out, nil
}

func newRand(src rand.Source) *rand.Rand {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return rand.New(src)
}
