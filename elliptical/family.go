package elliptical

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/yutiansut/copulae/errs"
	gridcorr "github.com/yutiansut/copulae/grid-corr"
)

// GaussianFamily is the bivariate Gaussian copula indexed by its correlation.
type GaussianFamily struct{}

// WithParameter returns a bivariate Gaussian sampler with correlation rho.
func (GaussianFamily) WithParameter(rho float64) (gridcorr.Sampler, error) {
	return bivariate(rho, math.Inf(1))
}

// Backward is the identity: the grid is already on the correlation scale.
func (GaussianFamily) Backward(theta []float64) []float64 { return clone(theta) }

// Forward is the identity.
func (GaussianFamily) Forward(rho []float64) []float64 { return clone(rho) }

// StudentFamily is the bivariate Student-t copula with fixed degrees of
// freedom, indexed by its correlation.
type StudentFamily struct {
	DF float64
}

// WithParameter returns a bivariate Student-t sampler with correlation rho.
func (f StudentFamily) WithParameter(rho float64) (gridcorr.Sampler, error) {
	if err := checkDF(f.DF); err != nil {
		return nil, err
	}
	return bivariate(rho, f.DF)
}

// Backward is the identity: the grid is already on the correlation scale.
func (StudentFamily) Backward(theta []float64) []float64 { return clone(theta) }

// Forward is the identity.
func (StudentFamily) Forward(rho []float64) []float64 { return clone(rho) }

func bivariate(rho, df float64) (gridcorr.Sampler, error) {
	if math.IsNaN(rho) || rho < -1 || rho > 1 {
		return nil, errs.Invalid("correlation %v outside [-1, 1]", rho)
	}
	if math.Abs(rho) == 1 {
		return monotone{counter: rho < 0}, nil
	}
	corr := mat.NewSymDense(2, []float64{1, rho, rho, 1})
	if math.IsInf(df, 1) {
		g, err := NewGaussian(corr)
		if err != nil {
			return nil, err
		}
		return g, nil
	}
	t, err := NewStudent(corr, df)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// monotone samples the comonotone (u, u) or countermonotone (u, 1-u) copula,
// the limits of every elliptical family at |rho| = 1.
type monotone struct {
	counter bool
}

func (m monotone) Random(n int, src rand.Source) (*mat.Dense, error) {
	if err := checkDraws(n); err != nil {
		return nil, err
	}
	rng := newRand(src)
	out := mat.NewDense(n, 2, nil)
	for i := 0; i < n; i++ {
		u := rng.Float64()
		v := u
		if m.counter {
			v = 1 - u
		}
		out.Set(i, 0, u)
		out.Set(i, 1, v)
	}
	return out, nil
}

func clone(x []float64) []float64 {
	return append([]float64(nil), x...)
}
