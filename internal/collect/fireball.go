package collect

import (
	"fmt"
	"strings"

	"github.com/rescale/gridscan/internal/arraystore"
	"github.com/rescale/gridscan/internal/grid"
	"github.com/rescale/gridscan/internal/models"
)

// SourceGroup holds the fireball source spectra.
const SourceGroup = "source"

// MixedComposition is the subgroup of compositions with several species.
const MixedComposition = "mixed"

// CompositionTag names the subgroup of a composition label such as
// "101:1" or "402:0.5,1407:0.5".
func CompositionTag(label string) string {
	species := strings.Split(label, ",")
	if len(species) > 1 {
		return MixedComposition
	}
	id, _, _ := strings.Cut(species[0], ":")
	return strings.TrimSpace(id)
}

type fireballArrays struct {
	indices   *arraystore.Array
	spectra   *arraystore.Array
	neutrinos *arraystore.Array
	failed    *arraystore.Array
}

// FireballReducer collects source spectra. The last axis of the grid is the
// categorical composition; each composition tag gets its own subgroup of
// arrays indexed by the coordinate without that axis.
type FireballReducer struct {
	superphotos bool

	store  *arraystore.Store
	prefix []int
	groups map[string]*fireballArrays
}

// NewFireballReducer returns a fireball reducer. With superphotos set it
// collects the superphotospheric spectra instead of all collisions.
func NewFireballReducer(superphotos bool) *FireballReducer {
	return &FireballReducer{superphotos: superphotos}
}

func (r *FireballReducer) Name() string {
	if r.superphotos {
		return "fireball-superphotos"
	}
	return "fireball"
}

func (r *FireballReducer) Group() string { return SourceGroup }

func (r *FireballReducer) Validate(space *grid.Space, first models.Record) error {
	axes := space.Axes()
	if len(axes) < 2 {
		return fmt.Errorf("fireball collection needs at least two axes, got %d", len(axes))
	}
	for _, v := range axes[len(axes)-1].Values {
		if !v.IsLabel() {
			return fmt.Errorf("last axis %q must be a categorical composition", axes[len(axes)-1].Name)
		}
	}
	if first.Fireball == nil {
		return fmt.Errorf("first successful record has no fireball result")
	}
	if len(first.Fireball.Egrid) == 0 {
		return fmt.Errorf("first successful record has an empty energy grid")
	}
	return nil
}

func (r *FireballReducer) Estimate(space *grid.Space, first models.Record) int64 {
	shape := space.Shape()
	prefix := shape[:len(shape)-1]
	tags := map[string]bool{}
	for _, v := range space.Axes()[len(shape)-1].Values {
		tags[CompositionTag(v.Label)] = true
	}
	fb := first.Fireball
	npid := len(fb.CosmicRays.PIDs)
	ne := len(fb.Egrid)
	nnu := len(fb.Neutrinos)
	per := elements(prefix, npid) + elements(prefix, npid, ne) + elements(prefix, nnu, ne) + elements(prefix)
	return int64(ne) + int64(len(tags))*per
}

func (r *FireballReducer) Prepare(store *arraystore.Store, space *grid.Space, first models.Record) error {
	shape := space.Shape()
	r.store = store
	r.prefix = append([]int(nil), shape[:len(shape)-1]...)
	r.groups = map[string]*fireballArrays{}

	if err := store.RequireGroup(SourceGroup); err != nil {
		return err
	}
	egrid, err := store.CreateArray(SourceGroup+"/egrid", arraystore.ArraySpec{Shape: []int{len(first.Fireball.Egrid)}})
	if err != nil {
		return err
	}
	return egrid.SetAll(first.Fireball.Egrid)
}

// sourceSpectra picks the spectra to collect. In superphotos mode a record
// without superphotospheric spectra contributes zeros shaped like its
// all-collision spectra.
func (r *FireballReducer) sourceSpectra(fb *models.Fireball) (models.Spectrum, [][]float64) {
	if !r.superphotos {
		return fb.CosmicRays, fb.Neutrinos
	}
	if fb.SuperCosmicRays != nil {
		return *fb.SuperCosmicRays, fb.SuperNeutrinos
	}
	zeros := models.Spectrum{
		PIDs:    fb.CosmicRays.PIDs,
		Spectra: zerosLike(fb.CosmicRays.Spectra),
	}
	return zeros, zerosLike(fb.Neutrinos)
}

func zerosLike(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		out[i] = make([]float64, len(row))
	}
	return out
}

// nonzero drops the species with PID zero, which mark unused slots.
func nonzero(s models.Spectrum) ([]float64, [][]float64, error) {
	if len(s.Spectra) != len(s.PIDs) {
		return nil, nil, fmt.Errorf("spectrum has %d rows for %d particle ids", len(s.Spectra), len(s.PIDs))
	}
	var ids []float64
	var rows [][]float64
	for i, pid := range s.PIDs {
		if pid == 0 {
			continue
		}
		ids = append(ids, float64(pid))
		rows = append(rows, s.Spectra[i])
	}
	return ids, rows, nil
}

// flatten joins equal-length rows. An empty row set has width empty, so
// that its array keeps the energy axis.
func flatten(rows [][]float64, empty int) ([]float64, int, error) {
	if len(rows) == 0 {
		return nil, empty, nil
	}
	width := len(rows[0])
	out := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, 0, fmt.Errorf("row %d has %d values, expected %d", i, len(row), width)
		}
		out = append(out, row...)
	}
	return out, width, nil
}

func (r *FireballReducer) tagOf(values []grid.Value) string {
	return CompositionTag(values[len(values)-1].Label)
}

func (r *FireballReducer) failedArray(tag string) (*arraystore.Array, error) {
	if g, ok := r.groups[tag]; ok && g.failed != nil {
		return g.failed, nil
	}
	a, err := r.store.RequireArray(SourceGroup+"/"+tag+"/failed", arraystore.ArraySpec{
		Shape: r.prefix,
		DType: arraystore.Int64,
	})
	if err != nil {
		return nil, err
	}
	g := r.groups[tag]
	if g == nil {
		g = &fireballArrays{}
		r.groups[tag] = g
	}
	g.failed = a
	return a, nil
}

func (r *FireballReducer) Reduce(c grid.Coordinate, values []grid.Value, rec models.Record) error {
	if rec.Fireball == nil {
		return fmt.Errorf("record has no fireball result")
	}
	cr, nu := r.sourceSpectra(rec.Fireball)
	ids, rows, err := nonzero(cr)
	if err != nil {
		return err
	}
	spectra, ne, err := flatten(rows, len(rec.Fireball.Egrid))
	if err != nil {
		return err
	}
	neutrinos, nne, err := flatten(nu, len(rec.Fireball.Egrid))
	if err != nil {
		return err
	}

	tag := r.tagOf(values)
	failed, err := r.failedArray(tag)
	if err != nil {
		return err
	}
	g := r.groups[tag]
	group := SourceGroup + "/" + tag
	if g.indices == nil {
		if g.indices, err = r.store.RequireArray(group+"/indices", arraystore.ArraySpec{
			Shape: joinShape(r.prefix, len(ids)),
			DType: arraystore.Int64,
		}); err != nil {
			return err
		}
		if g.spectra, err = r.store.RequireArray(group+"/spectra", arraystore.ArraySpec{
			Shape: joinShape(r.prefix, len(ids), ne),
		}); err != nil {
			return err
		}
		if g.neutrinos, err = r.store.RequireArray(group+"/neutrinos", arraystore.ArraySpec{
			Shape: joinShape(r.prefix, len(nu), nne),
		}); err != nil {
			return err
		}
	}

	at := c[:len(c)-1]
	if err := g.indices.Set(at, ids); err != nil {
		return err
	}
	if err := g.spectra.Set(at, spectra); err != nil {
		return err
	}
	if err := g.neutrinos.Set(at, neutrinos); err != nil {
		return err
	}
	return failed.SetScalar(at, 0)
}

func (r *FireballReducer) MarkFailed(c grid.Coordinate, values []grid.Value) error {
	failed, err := r.failedArray(r.tagOf(values))
	if err != nil {
		return err
	}
	return failed.SetScalar(c[:len(c)-1], 1)
}
