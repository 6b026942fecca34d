package collect

import (
	"fmt"
	"math"

	"github.com/rescale/gridscan/internal/arraystore"
	"github.com/rescale/gridscan/internal/grid"
	"github.com/rescale/gridscan/internal/models"
)

// DefaultFitGroup holds the fit datasets of a full collection.
const DefaultFitGroup = "default fit"

// Reducer decomposes records into the arrays of a store. Collect sizes the
// arrays from the first successful record, then calls Reduce or MarkFailed
// once per grid point.
type Reducer interface {
	// Name identifies the collection mode in logs and attributes.
	Name() string
	// Group is the group the reducer owns and recreates on every pass. An
	// empty group means the whole store.
	Group() string
	// Validate checks that first carries the fields the reducer needs.
	Validate(space *grid.Space, first models.Record) error
	// Estimate returns the number of dense elements the reducer will write.
	Estimate(space *grid.Space, first models.Record) int64
	Prepare(store *arraystore.Store, space *grid.Space, first models.Record) error
	Reduce(c grid.Coordinate, values []grid.Value, rec models.Record) error
	MarkFailed(c grid.Coordinate, values []grid.Value) error
}

func joinShape(shape []int, trailing ...int) []int {
	out := make([]int, 0, len(shape)+len(trailing))
	out = append(out, shape...)
	return append(out, trailing...)
}

func elements(shape []int, trailing ...int) int64 {
	n := int64(1)
	for _, d := range joinShape(shape, trailing...) {
		n *= int64(d)
	}
	return n
}

// fitArrays are the fit datasets shared by the job and fit reducers.
type fitArrays struct {
	nfrac     int
	chi2      *arraystore.Array
	norm      *arraystore.Array
	deltaE    *arraystore.Array
	xmaxShift *arraystore.Array
	fractions *arraystore.Array
	failed    *arraystore.Array
}

func fitElements(shape []int, nfrac int) int64 {
	return 5*elements(shape) + elements(shape, nfrac)
}

func validateFit(first models.Record) (int, error) {
	if first.Fit == nil {
		return 0, fmt.Errorf("first successful record has no fit result")
	}
	if len(first.Fit.Weights) == 0 {
		return 0, fmt.Errorf("first successful record has no species weights")
	}
	return len(first.Fit.Weights), nil
}

func createFitArrays(store *arraystore.Store, group string, shape []int, nfrac int) (*fitArrays, error) {
	f := &fitArrays{nfrac: nfrac}
	specs := []struct {
		name string
		dst  **arraystore.Array
		spec arraystore.ArraySpec
	}{
		{"chi2", &f.chi2, arraystore.ArraySpec{Shape: shape}},
		{"norm", &f.norm, arraystore.ArraySpec{Shape: shape}},
		{"delta E", &f.deltaE, arraystore.ArraySpec{Shape: shape}},
		{"xmax_shift", &f.xmaxShift, arraystore.ArraySpec{Shape: shape}},
		{"fractions", &f.fractions, arraystore.ArraySpec{Shape: joinShape(shape, nfrac)}},
		{"failed", &f.failed, arraystore.ArraySpec{Shape: shape, DType: arraystore.Int64}},
	}
	for _, s := range specs {
		a, err := store.CreateArray(group+"/"+s.name, s.spec)
		if err != nil {
			return nil, err
		}
		*s.dst = a
	}
	return f, nil
}

func (f *fitArrays) write(c grid.Coordinate, fit *models.Fit) error {
	if fit == nil {
		return fmt.Errorf("record has no fit result")
	}
	if len(fit.Weights) != f.nfrac {
		return fmt.Errorf("record has %d species weights, expected %d", len(fit.Weights), f.nfrac)
	}
	scalars := []struct {
		a *arraystore.Array
		v float64
	}{
		{f.chi2, fit.Chi2},
		{f.norm, fit.Norm()},
		{f.deltaE, fit.DeltaE},
		{f.xmaxShift, fit.XmaxShift},
		{f.failed, 0},
	}
	for _, s := range scalars {
		if err := s.a.SetScalar(c, s.v); err != nil {
			return err
		}
	}
	return f.fractions.Set(c, fit.Fractions())
}

// markFailed leaves every field at its fill value except chi2, which is
// set to +Inf, and the failed mask.
func (f *fitArrays) markFailed(c grid.Coordinate) error {
	if err := f.chi2.SetScalar(c, math.Inf(1)); err != nil {
		return err
	}
	return f.failed.SetScalar(c, 1)
}

// JobReducer writes a full collection: the propagated states at the store
// root and the fit datasets in the "default fit" group. It owns the whole
// store.
type JobReducer struct {
	fit    *fitArrays
	states *arraystore.Array

	injected int
	stateLen int
}

// NewJobReducer returns the reducer of the default collection mode.
func NewJobReducer() *JobReducer {
	return &JobReducer{}
}

func (r *JobReducer) Name() string  { return "job" }
func (r *JobReducer) Group() string { return "" }

func (r *JobReducer) Validate(space *grid.Space, first models.Record) error {
	if _, err := validateFit(first); err != nil {
		return err
	}
	if len(first.Injections) == 0 {
		return fmt.Errorf("first successful record has no injections")
	}
	if len(first.Injections[0].State) == 0 {
		return fmt.Errorf("first successful record has an empty state")
	}
	return nil
}

func (r *JobReducer) Estimate(space *grid.Space, first models.Record) int64 {
	inj := first.Injections[0]
	shape := space.Shape()
	return fitElements(shape, len(first.Fit.Weights)) +
		elements(shape, len(first.Injections), len(inj.State)) +
		int64(len(inj.Egrid)+len(inj.KnownSpecies))
}

func (r *JobReducer) Prepare(store *arraystore.Store, space *grid.Space, first models.Record) error {
	inj := first.Injections[0]
	r.injected = len(first.Injections)
	r.stateLen = len(inj.State)
	shape := space.Shape()

	if len(inj.Egrid) > 0 {
		egrid, err := store.CreateArray("egrid", arraystore.ArraySpec{Shape: []int{len(inj.Egrid)}})
		if err != nil {
			return err
		}
		if err := egrid.SetAll(inj.Egrid); err != nil {
			return err
		}
	}
	if len(inj.KnownSpecies) > 0 {
		known, err := store.CreateArray("known_spec", arraystore.ArraySpec{
			Shape: []int{len(inj.KnownSpecies)},
			DType: arraystore.Int64,
		})
		if err != nil {
			return err
		}
		if err := known.SetAll(int64s(inj.KnownSpecies)); err != nil {
			return err
		}
	}

	states, err := store.CreateArray("states", arraystore.ArraySpec{
		Shape: joinShape(shape, r.injected, r.stateLen),
	})
	if err != nil {
		return err
	}
	r.states = states

	fit, err := createFitArrays(store, DefaultFitGroup, shape, len(first.Fit.Weights))
	if err != nil {
		return err
	}
	r.fit = fit
	return nil
}

func (r *JobReducer) Reduce(c grid.Coordinate, _ []grid.Value, rec models.Record) error {
	if len(rec.Injections) != r.injected {
		return fmt.Errorf("record has %d injections, expected %d", len(rec.Injections), r.injected)
	}
	stack := make([]float64, 0, r.injected*r.stateLen)
	for i, inj := range rec.Injections {
		if len(inj.State) != r.stateLen {
			return fmt.Errorf("injection %d has state length %d, expected %d", i, len(inj.State), r.stateLen)
		}
		stack = append(stack, inj.State...)
	}
	if err := r.states.Set(c, stack); err != nil {
		return err
	}
	return r.fit.write(c, rec.Fit)
}

func (r *JobReducer) MarkFailed(c grid.Coordinate, _ []grid.Value) error {
	return r.fit.markFailed(c)
}

// FitReducer adds the datasets of a refit to an existing store under its
// own group. The root datasets of the store are left untouched.
type FitReducer struct {
	tag string
	fit *fitArrays
}

// NewFitReducer returns a reducer writing into the group tag.
func NewFitReducer(tag string) *FitReducer {
	return &FitReducer{tag: tag}
}

func (r *FitReducer) Name() string  { return "fit" }
func (r *FitReducer) Group() string { return r.tag }

func (r *FitReducer) Validate(_ *grid.Space, first models.Record) error {
	if r.tag == "" {
		return fmt.Errorf("fit collection needs a fit tag")
	}
	_, err := validateFit(first)
	return err
}

func (r *FitReducer) Estimate(space *grid.Space, first models.Record) int64 {
	return fitElements(space.Shape(), len(first.Fit.Weights))
}

func (r *FitReducer) Prepare(store *arraystore.Store, space *grid.Space, first models.Record) error {
	fit, err := createFitArrays(store, r.tag, space.Shape(), len(first.Fit.Weights))
	if err != nil {
		return err
	}
	r.fit = fit
	return nil
}

func (r *FitReducer) Reduce(c grid.Coordinate, _ []grid.Value, rec models.Record) error {
	return r.fit.write(c, rec.Fit)
}

func (r *FitReducer) MarkFailed(c grid.Coordinate, _ []grid.Value) error {
	return r.fit.markFailed(c)
}

func int64s(in []int64) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
