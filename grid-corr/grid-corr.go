// Package gridcorr estimates the mapping from a copula's shape parameter to a
// rank correlation (Spearman's rho or Kendall's tau) when no closed form is
// known. The copula is sampled by Monte Carlo at every point of a parameter
// grid and a smoothing spline is fitted through the estimates, passing
// exactly through known anchor values.
package gridcorr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/yutiansut/copulae/errs"
	"github.com/yutiansut/copulae/funcstore"
	"github.com/yutiansut/copulae/rankcorr"
	"github.com/yutiansut/copulae/spline"
)

const (
	// DefaultNSim is the number of draws per grid point.
	DefaultNSim = 50000
	// DefaultDegree is the default spline degree.
	DefaultDegree = 5
	// DefaultSmoothing is the default spline smoothing factor.
	DefaultSmoothing = 1.1
)

// Sampler draws observations from a copula with a fixed parameter.
type Sampler interface {
	// Random returns an n x d matrix of draws in uniform-marginal space.
	// Rows containing NaN are allowed and are discarded by the estimator.
	Random(n int, src rand.Source) (*mat.Dense, error)
}

// Family is a copula family whose shape parameter can be set per sampler.
//
// Backward maps grid values to the native parameter used by WithParameter,
// Forward is its inverse.
type Family interface {
	WithParameter(alpha float64) (Sampler, error)
	Backward(theta []float64) []float64
	Forward(alpha []float64) []float64
}

// Estimator fits parameter-to-correlation interpolators for one family.
// Samplers are created per grid point, so an Estimator never mutates shared
// copula state and grid points are evaluated concurrently.
type Estimator struct {
	family  Family
	nsim    int
	seed    uint64
	workers int
	logger  zerolog.Logger
	store   *funcstore.Store
}

// Option defines a functional option for configuring an Estimator
type Option func(*Estimator)

// WithNSim sets the number of draws per grid point
func WithNSim(nsim int) Option {
	return func(e *Estimator) {
		e.nsim = nsim
	}
}

// WithRandomSeed sets the random seed for reproducibility
func WithRandomSeed(seed int64) Option {
	return func(e *Estimator) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		e.seed = uint64(seed)
	}
}

// WithWorkers bounds the number of grid points sampled concurrently
func WithWorkers(workers int) Option {
	return func(e *Estimator) {
		e.workers = workers
	}
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Estimator) {
		e.logger = logger
	}
}

// WithStore sets the store used by LoadOrForm
func WithStore(store *funcstore.Store) Option {
	return func(e *Estimator) {
		e.store = store
	}
}

// NewEstimator creates an estimator for the given family
func NewEstimator(family Family, options ...Option) (*Estimator, error) {
	if family == nil {
		return nil, errs.Invalid("copula family must not be nil")
	}

	e := &Estimator{
		family:  family,
		nsim:    DefaultNSim,
		seed:    uint64(time.Now().UnixNano()),
		workers: runtime.GOMAXPROCS(0),
		logger:  log.Logger.With().Str("component", "gridcorr").Logger(),
	}
	for _, opt := range options {
		opt(e)
	}

	if e.nsim < 2 {
		return nil, errs.Invalid("nsim must be at least 2, got %d", e.nsim)
	}
	if e.workers <= 0 {
		e.workers = runtime.GOMAXPROCS(0)
	}
	return e, nil
}

type fitConfig struct {
	symmetrize bool
	degree     int
	smoothing  float64
}

// FitOption configures a single FormInterpolator call
type FitOption func(*fitConfig)

// WithSymmetrize replaces every raw estimate r_i with
// sign(theta_i)*|r_i| + |r_(n-1-i)|/2 before fitting
func WithSymmetrize(symmetrize bool) FitOption {
	return func(c *fitConfig) {
		c.symmetrize = symmetrize
	}
}

// WithDegree sets the spline degree; values outside [1, 5] are clamped
func WithDegree(degree int) FitOption {
	return func(c *fitConfig) {
		c.degree = degree
	}
}

// WithSmoothing sets the spline smoothing factor
func WithSmoothing(s float64) FitOption {
	return func(c *fitConfig) {
		c.smoothing = s
	}
}

// FormInterpolator samples the copula along thetaGrid, computes the rank
// correlation named by method ("spearman" or "kendall", any case) at every
// point and fits a spline through the estimates. paramKnown and valuesKnown
// give exact correlations at chosen parameters; grid points equal to one of
// them are not used as estimates.
func (e *Estimator) FormInterpolator(ctx context.Context, thetaGrid []float64, method string,
	paramKnown, valuesKnown []float64, options ...FitOption) (*spline.Spline, error) {

	m, err := rankcorr.ParseMethod(method)
	if err != nil {
		return nil, err
	}

	cfg := fitConfig{degree: DefaultDegree, smoothing: DefaultSmoothing}
	for _, opt := range options {
		opt(&cfg)
	}
	degree := clampDegree(cfg.degree)

	good, err := validateGrid(thetaGrid, paramKnown, valuesKnown, degree)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(cfg.smoothing) || cfg.smoothing < 0 {
		return nil, errs.Invalid("smoothing factor must be non-negative, got %v", cfg.smoothing)
	}

	alphaGrid := e.family.Backward(thetaGrid)
	if len(alphaGrid) != len(thetaGrid) {
		return nil, fmt.Errorf("backward transform returned %d values for %d grid points", len(alphaGrid), len(thetaGrid))
	}

	start := time.Now()
	raw, err := e.sampleGrid(ctx, alphaGrid, m)
	if err != nil {
		return nil, err
	}
	if cfg.symmetrize {
		raw = symmetrize(thetaGrid, raw)
	}

	obs := observations(thetaGrid, raw, good, paramKnown, valuesKnown)
	sp, err := spline.Fit(obs, degree, cfg.smoothing)
	if err != nil {
		return nil, fmt.Errorf("fit %s interpolator: %w", m, err)
	}

	e.logger.Info().
		Str("method", m.String()).
		Int("grid", len(thetaGrid)).
		Int("anchors", len(paramKnown)).
		Int("degree", degree).
		Int("knots", len(sp.Knots())).
		Float64("residual", sp.Residual()).
		Dur("elapsed", time.Since(start)).
		Msg("interpolator formed")
	return sp, nil
}

// LoadOrForm returns the interpolator saved under name in the configured
// store, forming and saving it when absent.
func (e *Estimator) LoadOrForm(ctx context.Context, name string, thetaGrid []float64, method string,
	paramKnown, valuesKnown []float64, options ...FitOption) (*spline.Spline, error) {

	if e.store == nil {
		return nil, fmt.Errorf("no function store configured")
	}

	sp, err := e.store.Load(name)
	if err == nil {
		e.logger.Debug().Str("name", name).Msg("interpolator loaded from store")
		return sp, nil
	}
	if !errors.Is(err, funcstore.ErrNotFound) {
		return nil, err
	}

	sp, err = e.FormInterpolator(ctx, thetaGrid, method, paramKnown, valuesKnown, options...)
	if err != nil {
		return nil, err
	}
	if err := e.store.Save(name, sp); err != nil {
		return nil, err
	}
	return sp, nil
}

func clampDegree(degree int) int {
	return max(spline.MinDegree, min(degree, spline.MaxDegree))
}

// validateGrid checks the grid and anchors and returns the mask of grid
// points that do not coincide with an anchor.
func validateGrid(thetaGrid, paramKnown, valuesKnown []float64, degree int) ([]bool, error) {
	if len(thetaGrid) == 0 {
		return nil, errs.Invalid("theta grid must not be empty")
	}
	if len(paramKnown) != len(valuesKnown) {
		return nil, errs.Invalid("known parameters (%d) and values (%d) differ in length", len(paramKnown), len(valuesKnown))
	}

	known := make(map[float64]struct{}, len(paramKnown))
	for i, p := range paramKnown {
		if !isFinite(p) || !isFinite(valuesKnown[i]) {
			return nil, errs.Invalid("known point %d is not finite: (%v, %v)", i, p, valuesKnown[i])
		}
		if _, dup := known[p]; dup {
			return nil, errs.Invalid("duplicate known parameter %v", p)
		}
		known[p] = struct{}{}
	}

	seen := make(map[float64]struct{}, len(thetaGrid))
	good := make([]bool, len(thetaGrid))
	nGood := 0
	for i, theta := range thetaGrid {
		if !isFinite(theta) {
			return nil, errs.Invalid("grid value %d is not finite: %v", i, theta)
		}
		if _, dup := seen[theta]; dup {
			return nil, errs.Invalid("duplicate grid value %v", theta)
		}
		seen[theta] = struct{}{}
		if _, isKnown := known[theta]; !isKnown {
			good[i] = true
			nGood++
		}
	}

	if total := nGood + len(paramKnown); total < degree+1 {
		return nil, errs.Invalid("spline of degree %d needs at least %d distinct points, grid and anchors give %d", degree, degree+1, total)
	}
	return good, nil
}

func isFinite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// sampleGrid estimates the rank correlation at every alpha. Point i draws
// from the PCG stream (seed, i), so results do not depend on scheduling.
func (e *Estimator) sampleGrid(ctx context.Context, alphaGrid []float64, m rankcorr.Method) ([]float64, error) {
	results := make([]float64, len(alphaGrid))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, alpha := range alphaGrid {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := e.samplePoint(i, alpha, m)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Estimator) samplePoint(i int, alpha float64, m rankcorr.Method) (float64, error) {
	sampler, err := e.family.WithParameter(alpha)
	if err != nil {
		return 0, fmt.Errorf("grid point %d (alpha=%v): %w", i, alpha, err)
	}
	u, err := sampler.Random(e.nsim, rand.NewPCG(e.seed, uint64(i)))
	if err != nil {
		return 0, fmt.Errorf("sample grid point %d (alpha=%v): %w", i, alpha, err)
	}

	u = rankcorr.DropNaNRows(u)
	rows, _ := u.Dims()
	if rows == 0 {
		return 0, errs.Numerical("grid point %d (alpha=%v): all %d draws contain NaN", i, alpha, e.nsim)
	}
	r, err := rankcorr.Pair(u, m)
	if err != nil {
		return 0, fmt.Errorf("grid point %d (alpha=%v): %w", i, alpha, err)
	}
	if math.IsNaN(r) {
		return 0, errs.Numerical("grid point %d (alpha=%v) has undefined %s correlation", i, alpha, m)
	}

	e.logger.Debug().Int("index", i).Float64("alpha", alpha).Int("rows", rows).Float64("estimate", r).Msg("grid point sampled")
	return r, nil
}

// symmetrize signs every estimate by its grid value and adds half the
// magnitude of its mirror across the grid centre:
// sign(theta_i)*|r_i| + |r_(n-1-i)|/2.
func symmetrize(theta, raw []float64) []float64 {
	n := len(raw)
	out := make([]float64, n)
	for i := range raw {
		out[i] = sign(theta[i])*math.Abs(raw[i]) + math.Abs(raw[n-1-i])/2
	}
	return out
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	}
	return 0
}

// observations merges anchors (exact) with the good grid estimates (weight
// 1) sorted by parameter.
func observations(thetaGrid, raw []float64, good []bool, paramKnown, valuesKnown []float64) []spline.Observation {
	obs := make([]spline.Observation, 0, len(paramKnown)+len(thetaGrid))
	for i, p := range paramKnown {
		obs = append(obs, spline.Observation{X: p, Y: valuesKnown[i], Exact: true})
	}
	for i, theta := range thetaGrid {
		if good[i] {
			obs = append(obs, spline.Observation{X: theta, Y: raw[i], Weight: 1})
		}
	}
	sort.Slice(obs, func(a, b int) bool { return obs[a].X < obs[b].X })
	return obs
}
