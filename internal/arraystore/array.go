package arraystore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/snappy"
)

// DType is the element type of an array.
type DType int

const (
	Float64 DType = iota
	Int64
)

func (d DType) code() string {
	switch d {
	case Int64:
		return "<i8"
	default:
		return "<f8"
	}
}

func parseDType(code string) (DType, error) {
	switch code {
	case "<f8":
		return Float64, nil
	case "<i8":
		return Int64, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", code)
	}
}

// maxChunkElems bounds the default chunk size (8 MiB of float64).
const maxChunkElems = 1 << 20

// ArraySpec describes a new array. Chunks may be nil to pick a default.
type ArraySpec struct {
	Shape  []int
	Chunks []int
	DType  DType
}

type compressor struct {
	ID string `json:"id"`
}

type arrayMeta struct {
	ZarrFormat int         `json:"zarr_format"`
	Shape      []int       `json:"shape"`
	Chunks     []int       `json:"chunks"`
	DType      string      `json:"dtype"`
	Compressor *compressor `json:"compressor"`
	FillValue  any         `json:"fill_value"`
	Order      string      `json:"order"`
	Filters    []any       `json:"filters"`
}

func (spec ArraySpec) metadata() (arrayMeta, error) {
	for i, n := range spec.Shape {
		if n < 0 {
			return arrayMeta{}, fmt.Errorf("dimension %d has size %d: %w", i, n, ErrShapeMismatch)
		}
	}
	chunks := spec.Chunks
	if chunks == nil {
		chunks = DefaultChunks(spec.Shape)
	}
	if len(chunks) != len(spec.Shape) {
		return arrayMeta{}, fmt.Errorf("chunks %v do not match shape %v: %w", chunks, spec.Shape, ErrShapeMismatch)
	}
	for i, c := range chunks {
		if c < 1 {
			return arrayMeta{}, fmt.Errorf("chunk dimension %d has size %d: %w", i, c, ErrShapeMismatch)
		}
	}

	var fill any = "NaN"
	if spec.DType == Int64 {
		fill = 0
	}
	return arrayMeta{
		ZarrFormat: zarrFormat,
		Shape:      append([]int(nil), spec.Shape...),
		Chunks:     append([]int(nil), chunks...),
		DType:      spec.DType.code(),
		Compressor: &compressor{ID: "snappy"},
		FillValue:  fill,
		Order:      "C",
	}, nil
}

// DefaultChunks halves the leading dimensions until a chunk holds at most
// maxChunkElems elements. Trailing dimensions stay whole as long as
// possible so that a per-point vector lands in a single chunk. Empty
// dimensions get a chunk length of one.
func DefaultChunks(shape []int) []int {
	chunks := append([]int(nil), shape...)
	for i := range chunks {
		if chunks[i] < 1 {
			chunks[i] = 1
		}
	}
	for product(chunks) > maxChunkElems {
		shrunk := false
		for i := range chunks {
			if chunks[i] > 1 {
				chunks[i] = (chunks[i] + 1) / 2
				shrunk = true
				break
			}
		}
		if !shrunk {
			break
		}
	}
	return chunks
}

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// Array is an open dense array. Chunks are cached in memory once touched and
// written back by Flush.
type Array struct {
	name   string
	dir    string
	meta   arrayMeta
	dtype  DType
	fill   float64
	chunks map[string]*chunk

	dirty   int
	written int
}

type chunk struct {
	data  []float64
	dirty bool
}

func newArray(name, dir string, meta arrayMeta) *Array {
	dtype, _ := parseDType(meta.DType)
	fill := math.NaN()
	if dtype == Int64 {
		fill = 0
	}
	if f, ok := meta.FillValue.(float64); ok {
		fill = f
	}
	return &Array{
		name:   name,
		dir:    dir,
		meta:   meta,
		dtype:  dtype,
		fill:   fill,
		chunks: make(map[string]*chunk),
	}
}

// Name returns the array path inside the store.
func (a *Array) Name() string {
	return a.name
}

// Shape returns the array dimensions.
func (a *Array) Shape() []int {
	return append([]int(nil), a.meta.Shape...)
}

// Chunks returns the chunk dimensions.
func (a *Array) Chunks() []int {
	return append([]int(nil), a.meta.Chunks...)
}

// DType returns the element type.
func (a *Array) DType() DType {
	return a.dtype
}

// Set writes a block at prefix. The prefix fixes the leading len(prefix)
// indices and values fills the remaining dimensions in C order, so
// len(values) must equal the product of the trailing dimensions. Int64
// arrays truncate the values.
func (a *Array) Set(prefix []int, values []float64) error {
	inner, err := a.block(prefix, len(values))
	if err != nil {
		return err
	}
	return a.walk(prefix, inner, func(c *chunk, off, i int) {
		v := values[i]
		if a.dtype == Int64 {
			v = math.Trunc(v)
		}
		c.data[off] = v
		if !c.dirty {
			c.dirty = true
			a.dirty++
		}
	})
}

// SetScalar writes a single element at a full coordinate.
func (a *Array) SetScalar(index []int, v float64) error {
	if len(index) != len(a.meta.Shape) {
		return fmt.Errorf("array %q: index %v has %d dims, array has %d: %w",
			a.name, index, len(index), len(a.meta.Shape), ErrShapeMismatch)
	}
	return a.Set(index, []float64{v})
}

// SetAll writes the whole array.
func (a *Array) SetAll(values []float64) error {
	return a.Set(nil, values)
}

// Get reads the block at prefix.
func (a *Array) Get(prefix []int) ([]float64, error) {
	if len(prefix) > len(a.meta.Shape) {
		return nil, fmt.Errorf("array %q: prefix %v too long: %w", a.name, prefix, ErrShapeMismatch)
	}
	n := product(a.meta.Shape[len(prefix):])
	inner, err := a.block(prefix, n)
	if err != nil {
		return nil, err
	}
	out := make([]float64, n)
	err = a.walk(prefix, inner, func(c *chunk, off, i int) {
		out[i] = c.data[off]
	})
	return out, err
}

func (a *Array) block(prefix []int, n int) ([]int, error) {
	shape := a.meta.Shape
	if len(prefix) > len(shape) {
		return nil, fmt.Errorf("array %q: prefix %v has %d dims, array has %d: %w",
			a.name, prefix, len(prefix), len(shape), ErrShapeMismatch)
	}
	for i, idx := range prefix {
		if idx < 0 || idx >= shape[i] {
			return nil, fmt.Errorf("array %q: index %d out of range for dim %d (size %d): %w",
				a.name, idx, i, shape[i], ErrShapeMismatch)
		}
	}
	inner := shape[len(prefix):]
	if want := product(inner); n != want {
		return nil, fmt.Errorf("array %q: block at %v needs %d values, got %d: %w",
			a.name, prefix, want, n, ErrShapeMismatch)
	}
	return inner, nil
}

// walk visits every element of the block below prefix in C order, handing
// fn the owning chunk, the offset inside it and the element's block index.
func (a *Array) walk(prefix, inner []int, fn func(c *chunk, off, i int)) error {
	ndim := len(a.meta.Shape)
	index := make([]int, ndim)
	copy(index, prefix)
	total := product(inner)
	for i := 0; i < total; i++ {
		rem := i
		for k := len(inner) - 1; k >= 0; k-- {
			index[len(prefix)+k] = rem % inner[k]
			rem /= inner[k]
		}
		chunkIdx, off := a.locate(index)
		c, err := a.loadChunk(chunkIdx)
		if err != nil {
			return err
		}
		fn(c, off, i)
	}
	return nil
}

// locate returns the chunk holding index and the element offset inside it.
func (a *Array) locate(index []int) ([]int, int) {
	chunks := a.meta.Chunks
	chunkIdx := make([]int, len(index))
	off := 0
	for k, idx := range index {
		chunkIdx[k] = idx / chunks[k]
		off = off*chunks[k] + idx%chunks[k]
	}
	return chunkIdx, off
}

func (a *Array) loadChunk(chunkIdx []int) (*chunk, error) {
	key := chunkKey(chunkIdx)
	if c, ok := a.chunks[key]; ok {
		return c, nil
	}

	n := product(a.meta.Chunks)
	c := &chunk{data: make([]float64, n)}
	raw, err := os.ReadFile(filepath.Join(a.dir, key))
	switch {
	case errors.Is(err, os.ErrNotExist):
		for i := range c.data {
			c.data[i] = a.fill
		}
	case err != nil:
		return nil, fmt.Errorf("array %q: failed to read chunk %s: %w", a.name, key, err)
	default:
		if err := a.decodeChunk(raw, c.data); err != nil {
			return nil, fmt.Errorf("array %q: chunk %s: %w", a.name, key, err)
		}
	}
	a.chunks[key] = c
	return c, nil
}

// chunkKey names a chunk file by its grid indices joined with ".". A 0-d
// array has the single chunk "0".
func chunkKey(indices []int) string {
	if len(indices) == 0 {
		return "0"
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, ".")
}

func (a *Array) decodeChunk(raw []byte, dst []float64) error {
	buf, err := snappy.Decode(nil, raw)
	if err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	if len(buf) != 8*len(dst) {
		return fmt.Errorf("expected %d bytes, got %d", 8*len(dst), len(buf))
	}
	for i := range dst {
		bits := binary.LittleEndian.Uint64(buf[8*i:])
		if a.dtype == Int64 {
			dst[i] = float64(int64(bits))
		} else {
			dst[i] = math.Float64frombits(bits)
		}
	}
	return nil
}

func (a *Array) encodeChunk(src []float64) []byte {
	buf := make([]byte, 8*len(src))
	for i, v := range src {
		var bits uint64
		if a.dtype == Int64 {
			bits = uint64(int64(v))
		} else {
			bits = math.Float64bits(v)
		}
		binary.LittleEndian.PutUint64(buf[8*i:], bits)
	}
	return snappy.Encode(nil, buf)
}

// chunkBytes is the in-memory size of one chunk.
func (a *Array) chunkBytes() int64 {
	return 8 * int64(product(a.meta.Chunks))
}

// DirtyBytes is the in-memory size of the chunks written since the last
// flush.
func (a *Array) DirtyBytes() int64 {
	return int64(a.dirty) * a.chunkBytes()
}

// ChunksWritten counts the chunk files written by Flush over the lifetime
// of the array handle.
func (a *Array) ChunksWritten() int {
	return a.written
}

// Flush writes dirty chunks and drops every cached chunk, bounding memory
// between flushes.
func (a *Array) Flush() error {
	for key, c := range a.chunks {
		if c.dirty {
			if err := writeFileAtomic(filepath.Join(a.dir, key), a.encodeChunk(c.data)); err != nil {
				return fmt.Errorf("array %q: %w", a.name, err)
			}
			c.dirty = false
			a.dirty--
			a.written++
		}
		delete(a.chunks, key)
	}
	return nil
}
