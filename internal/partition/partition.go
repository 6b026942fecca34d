// Package partition maps the permutation list of a grid onto a fixed number
// of batch jobs using strided (round-robin) assignment.
//
// Job j (1-based) owns the permutation-list positions j-1, j-1+njobs,
// j-1+2*njobs, ... Ownership depends only on njobs and the list length.
package partition

import (
	"errors"
	"fmt"

	"github.com/rescale/gridscan/internal/grid"
)

var (
	// ErrDuplicateCoordinate means the permutation list holds a coordinate
	// more than once. It is an internal consistency fault.
	ErrDuplicateCoordinate = errors.New("duplicate coordinate in permutation list")
	// ErrPartitionInconsistency means a (jobid, slot) pair failed to map
	// back to the coordinate it was derived from.
	ErrPartitionInconsistency = errors.New("partition inconsistency")
	// ErrInvalidJobID is returned for job ids outside [1, njobs].
	ErrInvalidJobID = errors.New("invalid job id")
)

// Partitioner splits a grid into njobs strided slices.
type Partitioner struct {
	space *grid.Space
	njobs int
	perms []grid.Coordinate
}

// New creates a Partitioner. The permutation list is computed once and
// shared by every lookup.
func New(space *grid.Space, njobs int) (*Partitioner, error) {
	if space == nil {
		return nil, fmt.Errorf("grid space is required")
	}
	if njobs < 1 {
		return nil, fmt.Errorf("njobs must be >= 1, got %d", njobs)
	}
	return &Partitioner{
		space: space,
		njobs: njobs,
		perms: space.Permutations(),
	}, nil
}

// NJobs returns the number of jobs.
func (p *Partitioner) NJobs() int {
	return p.njobs
}

// Space returns the underlying grid.
func (p *Partitioner) Space() *grid.Space {
	return p.space
}

// Permutations returns a copy of the permutation list.
func (p *Partitioner) Permutations() []grid.Coordinate {
	out := make([]grid.Coordinate, len(p.perms))
	for i, c := range p.perms {
		out[i] = c.Clone()
	}
	return out
}

// PermSlice returns the coordinates owned by jobid, in slot order. Jobs past
// the end of a short permutation list own an empty slice.
func (p *Partitioner) PermSlice(jobid int) ([]grid.Coordinate, error) {
	if jobid < 1 || jobid > p.njobs {
		return nil, fmt.Errorf("%w: %d (expected 1-%d)", ErrInvalidJobID, jobid, p.njobs)
	}
	out := make([]grid.Coordinate, 0, p.SliceLen(jobid))
	for pos := jobid - 1; pos < len(p.perms); pos += p.njobs {
		out = append(out, p.perms[pos].Clone())
	}
	return out, nil
}

// SliceLen is len(PermSlice(jobid)) without building the slice.
func (p *Partitioner) SliceLen(jobid int) int {
	if jobid < 1 || jobid > p.njobs || jobid > len(p.perms) {
		return 0
	}
	return (len(p.perms)-jobid)/p.njobs + 1
}

// IndexToJobID locates the job and slot that own coordinate c. The result
// is verified by mapping it back through PermSlice.
func (p *Partitioner) IndexToJobID(c grid.Coordinate) (jobid, slot int, err error) {
	pos := -1
	count := 0
	for i, perm := range p.perms {
		if perm.Equal(c) {
			if pos < 0 {
				pos = i
			}
			count++
		}
	}
	switch {
	case count == 0:
		return 0, 0, fmt.Errorf("could not find index %s in permutations: %w", c, grid.ErrNotFound)
	case count > 1:
		return 0, 0, fmt.Errorf("found index %s in permutations %d times: %w", c, count, ErrDuplicateCoordinate)
	}

	jobid = pos%p.njobs + 1
	slot = pos / p.njobs

	owned, err := p.PermSlice(jobid)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrPartitionInconsistency, err)
	}
	if slot >= len(owned) || !owned[slot].Equal(c) {
		return 0, 0, fmt.Errorf("%w: index %s mapped to jobid %d slot %d", ErrPartitionInconsistency, c, jobid, slot)
	}
	return jobid, slot, nil
}

// ValuesSlice returns the axis values of every coordinate owned by jobid.
func (p *Partitioner) ValuesSlice(jobid int) ([][]grid.Value, error) {
	coords, err := p.PermSlice(jobid)
	if err != nil {
		return nil, err
	}
	out := make([][]grid.Value, len(coords))
	for i, c := range coords {
		vals, err := p.space.IndexToParams(c)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		out[i] = vals
	}
	return out, nil
}
