package elliptical

import (
	"context"
	"math"
	"math/rand/v2"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yutiansut/copulae/errs"
	gridcorr "github.com/yutiansut/copulae/grid-corr"
)

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	os.Exit(m.Run())
}

func TestFamilyMonotoneLimits(t *testing.T) {
	for _, f := range []gridcorr.Family{GaussianFamily{}, StudentFamily{DF: 3}} {
		co, err := f.WithParameter(1)
		require.NoError(t, err)
		u, err := co.Random(50, rand.NewPCG(1, 1))
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			assert.Equal(t, u.At(i, 0), u.At(i, 1))
		}

		counter, err := f.WithParameter(-1)
		require.NoError(t, err)
		u, err = counter.Random(50, rand.NewPCG(1, 1))
		require.NoError(t, err)
		for i := 0; i < 50; i++ {
			assert.InDelta(t, 1.0, u.At(i, 0)+u.At(i, 1), 1e-15)
		}
	}
}

func TestFamilyRejectsBadParameters(t *testing.T) {
	for _, rho := range []float64{1.5, -1.01, math.NaN()} {
		_, err := GaussianFamily{}.WithParameter(rho)
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, "rho=%v", rho)
	}

	_, err := StudentFamily{}.WithParameter(0.3)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument, "zero degrees of freedom")
}

func TestFamilyTransformsAreIdentityCopies(t *testing.T) {
	theta := []float64{-0.5, 0, 0.5}
	for _, f := range []gridcorr.Family{GaussianFamily{}, StudentFamily{DF: 5}} {
		back := f.Backward(theta)
		assert.Equal(t, theta, back)
		back[0] = 99
		assert.Equal(t, -0.5, theta[0])
		assert.Equal(t, theta, f.Forward(theta))
	}
}

func TestFamilySamplersAreIndependent(t *testing.T) {
	a, err := GaussianFamily{}.WithParameter(0.2)
	require.NoError(t, err)
	b, err := GaussianFamily{}.WithParameter(0.8)
	require.NoError(t, err)
	assert.Equal(t, 0.2, a.(*Gaussian).Corr().At(0, 1))
	assert.Equal(t, 0.8, b.(*Gaussian).Corr().At(0, 1))

	s, err := StudentFamily{DF: 7}.WithParameter(0.4)
	require.NoError(t, err)
	assert.Equal(t, 7.0, s.(*Student).DegreesOfFreedom())
}

func TestGaussianSpearmanInterpolator(t *testing.T) {
	e, err := gridcorr.NewEstimator(GaussianFamily{},
		gridcorr.WithNSim(2000),
		gridcorr.WithRandomSeed(7))
	require.NoError(t, err)

	grid := []float64{-1, -0.75, -0.5, -0.25, 0, 0.25, 0.5, 0.75, 1}
	sp, err := e.FormInterpolator(context.Background(), grid, "spearman",
		[]float64{-1, 0, 1}, []float64{-1, 0, 1},
		gridcorr.WithDegree(3))
	require.NoError(t, err)

	assert.InDelta(t, 1.0, sp.Eval(1), 1e-8)
	assert.InDelta(t, 0.0, sp.Eval(0), 1e-8)
	assert.InDelta(t, -1.0, sp.Eval(-1), 1e-8)
	for _, rho := range []float64{-0.6, -0.3, 0.3, 0.5, 0.8} {
		assert.InDelta(t, SpearmanRho(rho), sp.Eval(rho), 0.04, "rho=%v", rho)
	}
}
