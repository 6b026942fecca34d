package partition

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/rescale/gridscan/internal/grid"
)

func spaceFromLengths(lengths []int, dims int) *grid.Space {
	if dims > len(lengths) {
		dims = len(lengths)
	}
	if dims < 1 {
		return nil
	}
	axes := make([]grid.Axis, dims)
	for k := 0; k < dims; k++ {
		vals := make([]grid.Value, lengths[k])
		for i := range vals {
			vals[i] = grid.Num(float64(10*k + i))
		}
		axes[k] = grid.Axis{Name: string(rune('a' + k)), Values: vals}
	}
	s, err := grid.New(axes)
	if err != nil {
		return nil
	}
	return s
}

// TestProperty_ExactPartition checks that the job slices cover the
// permutation list exactly once for any grid shape and job count.
func TestProperty_ExactPartition(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("union of job slices equals permutations, slices disjoint", prop.ForAll(
		func(lengths []int, dims int, njobs int) bool {
			space := spaceFromLengths(lengths, dims)
			if space == nil {
				// shrinking may drop every axis
				return true
			}
			p, err := New(space, njobs)
			if err != nil {
				return false
			}

			seen := make(map[string]int)
			total := 0
			for jobid := 1; jobid <= njobs; jobid++ {
				slice, err := p.PermSlice(jobid)
				if err != nil {
					return false
				}
				for _, c := range slice {
					seen[c.String()]++
				}
				total += len(slice)
			}

			perms := space.Permutations()
			if total != len(perms) {
				return false
			}
			for _, c := range perms {
				if seen[c.String()] != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(1, 6)),
		gen.IntRange(1, 3),
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// TestProperty_JobIDRoundTrip checks perm_slice(jobid)[slot] == c for every
// coordinate of grids whose axes have different lengths.
func TestProperty_JobIDRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("IndexToJobID inverts PermSlice", prop.ForAll(
		func(first, extra int, njobs int) bool {
			space := spaceFromLengths([]int{first, first + extra, 2}, 3)
			p, err := New(space, njobs)
			if err != nil {
				return false
			}
			for _, c := range space.Permutations() {
				jobid, slot, err := p.IndexToJobID(c)
				if err != nil {
					return false
				}
				slice, err := p.PermSlice(jobid)
				if err != nil || slot >= len(slice) || !slice[slot].Equal(c) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 5),
		gen.IntRange(1, 4),
		gen.IntRange(1, 25),
	))

	properties.Property("ParamsToIndex inverts IndexToParams", prop.ForAll(
		func(lengths []int, dims int) bool {
			space := spaceFromLengths(lengths, dims)
			if space == nil {
				return true
			}
			for _, c := range space.Permutations() {
				vals, err := space.IndexToParams(c)
				if err != nil {
					return false
				}
				back, err := space.ParamsToIndex(vals)
				if err != nil || !back.Equal(c) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.IntRange(1, 5)),
		gen.IntRange(1, 3),
	))

	properties.TestingRun(t)
}
