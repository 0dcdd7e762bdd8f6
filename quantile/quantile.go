// Package quantile wraps density and distribution evaluators of elliptical
// copulas so they accept uniform-marginal input.
//
// The wrapped evaluator receives the input mapped through the quantile
// function of the copula's distribution family. Rows containing a value
// outside the open interval (0, 1), or NaN, always evaluate to NaN.
package quantile

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/yutiansut/copulae/errs"
)

// Family is a supported distribution family.
type Family int

const (
	// Gaussian uses the standard normal quantile function.
	Gaussian Family = iota
	// Student uses the Student-t quantile function with the model's degrees
	// of freedom.
	Student
)

var familyNames = [...][]string{
	Gaussian: {"norm", "gaussian", "normal"},
	Student:  {"t", "student"},
}

// quantiles is indexed by Family. df is ignored by Gaussian.
var quantiles = [...]func(p, df float64) float64{
	Gaussian: func(p, _ float64) float64 {
		return distuv.UnitNormal.Quantile(p)
	},
	Student: func(p, df float64) float64 {
		if math.IsInf(df, 1) {
			return distuv.UnitNormal.Quantile(p)
		}
		return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.Quantile(p)
	},
}

// ParseFamily parses a family name case-insensitively.
func ParseFamily(name string) (Family, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	var allowed []string
	for f, names := range familyNames {
		for _, n := range names {
			if n == lower {
				return Family(f), nil
			}
		}
		allowed = append(allowed, names...)
	}
	return 0, &errs.ArgumentError{Arg: "distribution family", Value: name, Allowed: allowed}
}

func (f Family) String() string {
	if f < 0 || int(f) >= len(familyNames) {
		return "unknown"
	}
	return familyNames[f][1]
}

// Model is the copula being evaluated. DegreesOfFreedom is read on every
// call; Gaussian models may return +Inf.
type Model interface {
	DegreesOfFreedom() float64
}

// Evaluator computes one density or distribution value per row of q, the
// input in quantile space.
type Evaluator func(m Model, q *mat.Dense, log bool) ([]float64, error)

// Func evaluates a copula on uniform-marginal input u. A mat.Vector is
// treated as a single observation.
type Func func(m Model, u mat.Matrix, log bool) (Result, error)

// Decorate returns a decorator for the named family. Unsupported names fail
// here, before any evaluation.
func Decorate(family string) (func(Evaluator) Func, error) {
	f, err := ParseFamily(family)
	if err != nil {
		return nil, err
	}
	return f.Wrap, nil
}

// Wrap converts eval into a Func taking uniform-marginal input.
func (f Family) Wrap(eval Evaluator) Func {
	return func(m Model, u mat.Matrix, log bool) (Result, error) {
		q, err := f.Quantile(m, u)
		if err != nil {
			return Result{}, err
		}

		values, err := eval(m, q, log)
		if err != nil {
			return Result{}, err
		}
		rows, _ := q.Dims()
		if len(values) != rows {
			return Result{}, fmt.Errorf("evaluator returned %d values for %d observations", len(values), rows)
		}

		out := make([]float64, rows)
		copy(out, values)
		for i := 0; i < rows; i++ {
			if hasNaN(q.RawRowView(i)) {
				out[i] = math.NaN()
			}
		}
		return Result{values: out}, nil
	}
}

// Quantile maps u elementwise through the family's quantile function.
func (f Family) Quantile(m Model, u mat.Matrix) (*mat.Dense, error) {
	if f < 0 || int(f) >= len(quantiles) {
		return nil, errs.Invalid("unknown distribution family %d", int(f))
	}

	df := math.Inf(1)
	if f == Student {
		if m == nil {
			return nil, errs.Invalid("student quantile needs a model with degrees of freedom")
		}
		df = m.DegreesOfFreedom()
		if math.IsNaN(df) || df <= 0 {
			return nil, errs.Invalid("degrees of freedom must be positive, got %v", df)
		}
	}

	var (
		r, c int
		at   func(i, j int) float64
	)
	if v, ok := u.(mat.Vector); ok {
		r, c = 1, v.Len()
		at = func(_, j int) float64 { return v.AtVec(j) }
	} else {
		r, c = u.Dims()
		at = u.At
	}
	if r == 0 || c == 0 {
		return nil, errs.Invalid("input must not be empty")
	}

	qf := quantiles[f]
	q := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			p := at(i, j)
			if p > 0 && p < 1 {
				q.Set(i, j, qf(p, df))
			} else {
				q.Set(i, j, math.NaN())
			}
		}
	}
	return q, nil
}

func hasNaN(row []float64) bool {
	for _, v := range row {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Result holds the output of a wrapped evaluation. A single observation
// collapses to a scalar.
type Result struct {
	values []float64
}

// IsScalar reports whether the result holds exactly one value.
func (r Result) IsScalar() bool { return len(r.values) == 1 }

// Scalar returns the single value of a scalar result, NaN otherwise.
func (r Result) Scalar() float64 {
	if len(r.values) != 1 {
		return math.NaN()
	}
	return r.values[0]
}

// Values returns one value per observation.
func (r Result) Values() []float64 { return r.values }

// Len returns the number of observations.
func (r Result) Len() int { return len(r.values) }
