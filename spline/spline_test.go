package spline

import (
	"bytes"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yutiansut/copulae/errs"
)

func cubic(x float64) float64 { return 1 + 2*x - 0.5*x*x + 0.1*x*x*x }

func gridObservations(n int, lo, hi float64, f func(float64) float64) []Observation {
	obs := make([]Observation, n)
	for i := range obs {
		x := lo + (hi-lo)*float64(i)/float64(n-1)
		obs[i] = Observation{X: x, Y: f(x), Weight: 1}
	}
	return obs
}

func TestFitReproducesPolynomial(t *testing.T) {
	const tol = 1e-9

	obs := gridObservations(20, -2, 3, cubic)
	sp, err := Fit(obs, 3, 1e-12)
	require.NoError(t, err)

	assert.Equal(t, 3, sp.Degree())
	assert.Len(t, sp.Knots(), 8, "a cubic needs no interior knots")
	assert.LessOrEqual(t, sp.Residual(), 1e-12)

	for _, x := range []float64{-2, -1.3, 0, 0.77, 2.5, 3} {
		assert.InDelta(t, cubic(x), sp.Eval(x), tol, "x=%v", x)
	}

	lo, hi := sp.Domain()
	assert.Equal(t, -2.0, lo)
	assert.Equal(t, 3.0, hi)
}

func TestFitExtrapolatesBoundaryPiece(t *testing.T) {
	line := func(x float64) float64 { return 0.5 - 3*x }
	sp, err := Fit(gridObservations(6, 0, 1, line), 1, 1e-12)
	require.NoError(t, err)

	assert.InDelta(t, line(-1), sp.Eval(-1), 1e-9)
	assert.InDelta(t, line(2), sp.Eval(2), 1e-9)
	assert.True(t, math.IsNaN(sp.Eval(math.NaN())))
}

func TestFitHonoursExactObservations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	obs := gridObservations(21, 0, 1, func(x float64) float64 {
		return x + 0.01*rng.NormFloat64()
	})
	obs[0] = Observation{X: 0, Y: 0, Exact: true}
	obs[len(obs)-1] = Observation{X: 1, Y: 1, Exact: true}

	for degree := MinDegree; degree <= MaxDegree; degree++ {
		sp, err := Fit(obs, degree, 1.1)
		require.NoError(t, err, "degree %d", degree)

		assert.InDelta(t, 0.0, sp.Eval(0), ConstraintTolerance, "degree %d", degree)
		assert.InDelta(t, 1.0, sp.Eval(1), ConstraintTolerance, "degree %d", degree)
		assert.InDelta(t, 0.5, sp.Eval(0.5), 0.05, "degree %d", degree)
	}
}

func TestFitInsertsKnotsUntilSmooth(t *testing.T) {
	wave := func(x float64) float64 { return math.Sin(4 * x) }
	obs := gridObservations(40, 0, 3, wave)

	rough, err := Fit(obs, 3, 1e6)
	require.NoError(t, err)
	assert.Len(t, rough.Knots(), 8, "a huge smoothing factor keeps the polynomial")

	smooth, err := Fit(obs, 3, 1e-3)
	require.NoError(t, err)
	assert.Greater(t, len(smooth.Knots()), 8)
	assert.LessOrEqual(t, smooth.Residual(), 1e-3)
	assert.Less(t, smooth.Residual(), rough.Residual())

	for _, o := range obs {
		assert.InDelta(t, o.Y, smooth.Eval(o.X), 0.035, "x=%v", o.X)
	}
}

func TestSmoothingFactorIsUpperBound(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	obs := make([]Observation, 60)
	for i := range obs {
		x := float64(i) / 59
		obs[i] = Observation{X: x, Y: math.Sin(6*x) + 0.05*rng.NormFloat64(), Weight: 1}
	}

	// s above the polynomial residual: no knot is inserted, even though
	// fp ends up far below s.
	loose, err := Fit(obs, 3, 1e6)
	require.NoError(t, err)
	assert.Len(t, loose.Knots(), 2*(3+1))
	assert.Less(t, loose.Residual(), 1e6)

	prev := len(loose.Knots())
	for _, s := range []float64{1, 0.5, 0.3} {
		sp, err := Fit(obs, 3, s)
		require.NoError(t, err)
		assert.LessOrEqual(t, sp.Residual(), s, "s=%v", s)
		assert.GreaterOrEqual(t, len(sp.Knots()), prev, "s=%v", s)
		prev = len(sp.Knots())
	}
}

func TestFitWeightsPullTowardHeavyPoints(t *testing.T) {
	obs := gridObservations(10, 0, 1, func(x float64) float64 { return 0 })
	obs[5].Y = 1

	light, err := Fit(obs, 1, 10)
	require.NoError(t, err)

	obs[5].Weight = 50
	heavy, err := Fit(obs, 1, 10)
	require.NoError(t, err)

	x := obs[5].X
	assert.Greater(t, heavy.Eval(x), light.Eval(x))
}

func TestFitRejectsInvalidInput(t *testing.T) {
	obs := gridObservations(10, 0, 1, cubic)

	_, err := Fit(obs, 0, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = Fit(obs, 6, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = Fit(obs, 3, -1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = Fit(obs[:3], 3, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	unsorted := append([]Observation(nil), obs...)
	unsorted[2], unsorted[3] = unsorted[3], unsorted[2]
	_, err = Fit(unsorted, 3, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	dup := append([]Observation(nil), obs...)
	dup[3].X = dup[2].X
	_, err = Fit(dup, 3, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	zeroWeight := append([]Observation(nil), obs...)
	zeroWeight[4].Weight = 0
	_, err = Fit(zeroWeight, 3, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	nan := append([]Observation(nil), obs...)
	nan[1].Y = math.NaN()
	_, err = Fit(nan, 3, 1)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestFitOverConstrained(t *testing.T) {
	// Three exact points that are not collinear cannot all lie on a line.
	obs := []Observation{
		{X: 0, Y: 0, Exact: true},
		{X: 1, Y: 1, Exact: true},
		{X: 2, Y: 0, Exact: true},
	}
	sp, err := Fit(obs, 1, 0)
	require.NoError(t, err, "an interior knot resolves the constraints")
	for _, o := range obs {
		assert.InDelta(t, o.Y, sp.Eval(o.X), ConstraintTolerance)
	}

	// Two exact points at the same x cannot both hold; validation catches it.
	_, err = Fit([]Observation{{X: 0, Y: 0, Exact: true}, {X: 0, Y: 1, Exact: true}}, 1, 0)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestDerivative(t *testing.T) {
	sp, err := Fit(gridObservations(15, -1, 2, cubic), 3, 1e-12)
	require.NoError(t, err)

	d := sp.Derivative()
	assert.Equal(t, 2, d.Degree())
	for _, x := range []float64{-1, -0.2, 0.5, 1.9} {
		want := 2 - x + 0.3*x*x
		assert.InDelta(t, want, d.Eval(x), 1e-8, "x=%v", x)
	}

	lin, err := Fit(gridObservations(5, 0, 1, func(x float64) float64 { return 4 * x }), 1, 1e-12)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, lin.Derivative().Eval(0.3), 1e-9)
}

func TestEvalAll(t *testing.T) {
	sp, err := Fit(gridObservations(10, 0, 1, cubic), 3, 1e-12)
	require.NoError(t, err)

	xs := []float64{0.1, 0.2, 0.3}
	got := sp.EvalAll(xs)
	require.Len(t, got, 3)

	buf := make([]float64, 5)
	reused := sp.EvalAll(xs, buf)
	assert.Len(t, reused, 3)
	assert.Equal(t, got, reused)
	assert.Same(t, &buf[0], &reused[0])
}

func TestSaveAndLoad(t *testing.T) {
	sp, err := Fit(gridObservations(30, 0, 3, func(x float64) float64 { return math.Cos(2 * x) }), 4, 1e-4)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, sp.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, sp.Degree(), loaded.Degree())
	assert.Equal(t, sp.Knots(), loaded.Knots())
	assert.Equal(t, sp.Residual(), loaded.Residual())
	for _, x := range []float64{0, 0.4, 1.7, 3} {
		assert.Equal(t, sp.Eval(x), loaded.Eval(x))
	}
}

func TestFromStateRejectsCorruptData(t *testing.T) {
	_, err := FromState(State{Version: 2})
	assert.Error(t, err)

	_, err = FromState(State{Version: 1, Degree: 3, Knots: []float64{0, 1}, Coeffs: []float64{1, 2, 3, 4}})
	assert.Error(t, err)

	_, err = FromState(State{Version: 1, Degree: 9})
	assert.Error(t, err)
}
