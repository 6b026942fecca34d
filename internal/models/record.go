// Package models defines the data structures exchanged between the per-job
// runner, the result files and the collector.
package models

import "fmt"

// Status is the outcome of computing one grid point.
type Status string

const (
	StatusOK     Status = "ok"
	StatusFailed Status = "failed"
)

// Record is the result for one grid coordinate. Its position inside a
// result file is the only link to the coordinate.
type Record struct {
	Status Status `msgpack:"status" json:"status"`
	Reason string `msgpack:"reason,omitempty" json:"reason,omitempty"`

	Fit        *Fit        `msgpack:"fit,omitempty" json:"fit,omitempty"`
	Injections []Injection `msgpack:"injections,omitempty" json:"injections,omitempty"`
	Fireball   *Fireball   `msgpack:"fireball,omitempty" json:"fireball,omitempty"`
}

// Failed builds a failure record.
func Failed(reason string) Record {
	return Record{Status: StatusFailed, Reason: reason}
}

// IsFailed reports whether the grid point could not be computed.
func (r Record) IsFailed() bool {
	return r.Status == StatusFailed
}

// Validate checks the record is a well-formed tagged outcome.
func (r Record) Validate() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusFailed:
		return nil
	case "":
		return fmt.Errorf("record has no status")
	default:
		return fmt.Errorf("unknown record status %q", r.Status)
	}
}

// Fit is the best-fit result at a grid point.
type Fit struct {
	Chi2      float64 `msgpack:"chi2" json:"chi2"`
	DeltaE    float64 `msgpack:"delta_e" json:"delta_e"`
	XmaxShift float64 `msgpack:"xmax_shift" json:"xmax_shift"`
	// Weights holds one unnormalised weight per injected species.
	Weights []float64 `msgpack:"weights" json:"weights"`
}

// Norm is the sum of the species weights.
func (f Fit) Norm() float64 {
	var sum float64
	for _, w := range f.Weights {
		sum += w
	}
	return sum
}

// Fractions returns the weights divided by their sum.
func (f Fit) Fractions() []float64 {
	norm := f.Norm()
	out := make([]float64, len(f.Weights))
	for i, w := range f.Weights {
		out[i] = w / norm
	}
	return out
}

// Injection is the propagated state for one injected species.
type Injection struct {
	Egrid        []float64 `msgpack:"egrid" json:"egrid"`
	State        []float64 `msgpack:"state" json:"state"`
	KnownSpecies []int64   `msgpack:"known_spec" json:"known_spec"`
}

// Spectrum is a set of per-particle spectra on a shared energy grid.
// Spectra has one row per PID.
type Spectrum struct {
	PIDs    []int64     `msgpack:"pids" json:"pids"`
	Spectra [][]float64 `msgpack:"spectra" json:"spectra"`
}

// Fireball holds the source spectra of one source model. The Super* fields
// only count superphotospheric collisions and may be absent.
type Fireball struct {
	Egrid           []float64   `msgpack:"egrid" json:"egrid"`
	CosmicRays      Spectrum    `msgpack:"cosmic_rays" json:"cosmic_rays"`
	Neutrinos       [][]float64 `msgpack:"neutrinos" json:"neutrinos"`
	SuperCosmicRays *Spectrum   `msgpack:"super_cosmic_rays,omitempty" json:"super_cosmic_rays,omitempty"`
	SuperNeutrinos  [][]float64 `msgpack:"super_neutrinos,omitempty" json:"super_neutrinos,omitempty"`
}
