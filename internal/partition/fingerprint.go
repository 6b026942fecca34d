package partition

import (
	"encoding/binary"
	"hash"
	"math"

	"github.com/spaolacci/murmur3"

	"github.com/rescale/gridscan/internal/grid"
)

// Fingerprint hashes everything that determines job ownership: axis names,
// axis values, the permutation list override and njobs. Result files carry
// it so that a changed grid or job count is detected before a record is
// placed at the wrong coordinate.
func Fingerprint(space *grid.Space, njobs int) uint64 {
	h := murmur3.New64()
	writeInt(h, njobs)
	writeGrid(h, space)
	return h.Sum64()
}

// GridFingerprint hashes the grid alone. Store positions depend only on
// coordinates, so the collected store carries this one and accepts passes
// that split the same grid over a different number of jobs.
func GridFingerprint(space *grid.Space) uint64 {
	h := murmur3.New64()
	writeGrid(h, space)
	return h.Sum64()
}

func writeInt(h hash.Hash64, v int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}

func writeGrid(h hash.Hash64, space *grid.Space) {
	var buf [8]byte
	for _, axis := range space.Axes() {
		h.Write([]byte(axis.Name))
		h.Write([]byte{0})
		writeInt(h, axis.Len())
		for _, v := range axis.Values {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Num))
			h.Write(buf[:])
			h.Write([]byte(v.Label))
			h.Write([]byte{0})
		}
	}
	if space.HasSubset() {
		h.Write([]byte("subset"))
		for _, c := range space.Permutations() {
			for _, idx := range c {
				writeInt(h, idx)
			}
		}
	}
}

// Fingerprint returns the fingerprint of this partitioning.
func (p *Partitioner) Fingerprint() uint64 {
	return Fingerprint(p.space, p.njobs)
}

// GridFingerprint returns the fingerprint of the partitioned grid.
func (p *Partitioner) GridFingerprint() uint64 {
	return GridFingerprint(p.space)
}
