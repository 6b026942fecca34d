package arraystore

import (
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestArray_BlockAcrossChunks(t *testing.T) {
	root := filepath.Join(t.TempDir(), "s.zarr")
	s, err := Create(root)
	if err != nil {
		t.Fatal(err)
	}
	// 3x2x5 with chunks 2x1x2 so a trailing block spans several chunks
	a, err := s.CreateArray("states", ArraySpec{Shape: []int{3, 2, 5}, Chunks: []int{2, 1, 2}})
	if err != nil {
		t.Fatal(err)
	}

	want := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := a.Set([]int{2}, want); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(a.chunks) != 0 {
		t.Errorf("Expected chunk cache to be empty after flush, got %d", len(a.chunks))
	}

	if _, err := os.Stat(filepath.Join(root, "states", "1.0.2")); err != nil {
		t.Errorf("Expected chunk file 1.0.2: %v", err)
	}

	got, err := a.Get([]int{2})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Expected %v, got %v", want, got)
		}
	}

	untouched, err := a.Get([]int{0, 1})
	if err != nil {
		t.Fatal(err)
	}
	for _, v := range untouched {
		if !math.IsNaN(v) {
			t.Errorf("Expected NaN in untouched block, got %v", v)
		}
	}
}

func TestArray_Int64(t *testing.T) {
	s, err := Create(filepath.Join(t.TempDir(), "s.zarr"))
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateArray("indices", ArraySpec{Shape: []int{2, 3}, DType: Int64})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Set([]int{1}, []float64{101, 402, -7.9}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = Open(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	a, err = s.Array("indices")
	if err != nil {
		t.Fatal(err)
	}
	if a.DType() != Int64 {
		t.Errorf("Expected Int64 dtype, got %v", a.DType())
	}
	got, err := a.Get(nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0, 0, 101, 402, -7}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
			break
		}
	}
}

func TestArray_ShapeErrors(t *testing.T) {
	s, err := Create(filepath.Join(t.TempDir(), "s.zarr"))
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateArray("x", ArraySpec{Shape: []int{2, 3}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		prefix []int
		values []float64
	}{
		{"wrong block length", []int{0}, []float64{1, 2}},
		{"index out of range", []int{2}, []float64{1, 2, 3}},
		{"negative index", []int{-1}, []float64{1, 2, 3}},
		{"prefix too long", []int{0, 0, 0}, []float64{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := a.Set(tt.prefix, tt.values); !errors.Is(err, ErrShapeMismatch) {
				t.Errorf("Expected ErrShapeMismatch, got %v", err)
			}
		})
	}

	if _, err := s.CreateArray("bad", ArraySpec{Shape: []int{-1}}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Expected ErrShapeMismatch for negative dim, got %v", err)
	}
}

func TestArray_EmptyTrailingDim(t *testing.T) {
	root := filepath.Join(t.TempDir(), "s.zarr")
	s, err := Create(root)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateArray("neutrinos", ArraySpec{Shape: []int{2, 0, 3}})
	if err != nil {
		t.Fatalf("CreateArray with an empty dim failed: %v", err)
	}
	if chunks := a.Chunks(); chunks[1] != 1 {
		t.Errorf("Expected chunk length 1 for the empty dim, got %v", chunks)
	}
	if err := a.Set([]int{1}, nil); err != nil {
		t.Fatalf("Set of an empty block failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "neutrinos"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != arrayFile {
		t.Errorf("Expected only %s in an empty array, got %d entries", arrayFile, len(entries))
	}

	s, err = Open(root)
	if err != nil {
		t.Fatal(err)
	}
	a, err = s.Array("neutrinos")
	if err != nil {
		t.Fatal(err)
	}
	got, err := a.Get([]int{0})
	if err != nil || len(got) != 0 {
		t.Errorf("Expected an empty block, got %v (%v)", got, err)
	}
}

func TestArray_DirtyBytes(t *testing.T) {
	s, err := Create(filepath.Join(t.TempDir(), "s.zarr"))
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateArray("x", ArraySpec{Shape: []int{4, 4}, Chunks: []int{2, 4}})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Set([]int{0}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if err := a.Set([]int{1}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if got := s.DirtyBytes(); got != 64 {
		t.Errorf("Expected one dirty chunk of 64 bytes, got %d", got)
	}
	if err := a.Set([]int{3}, []float64{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if got := s.DirtyBytes(); got != 128 {
		t.Errorf("Expected two dirty chunks of 128 bytes, got %d", got)
	}

	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := s.DirtyBytes(); got != 0 {
		t.Errorf("Expected no dirty bytes after flush, got %d", got)
	}
	if got := s.ChunksWritten(); got != 2 {
		t.Errorf("Expected 2 chunks written, got %d", got)
	}

	if _, err := a.Get([]int{0}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := s.ChunksWritten(); got != 2 {
		t.Errorf("Expected reads not to rewrite chunks, got %d written", got)
	}
}

func TestArray_Metadata(t *testing.T) {
	root := filepath.Join(t.TempDir(), "s.zarr")
	s, err := Create(root)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateArray("chi2", ArraySpec{Shape: []int{3}}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(filepath.Join(root, "chi2", arrayFile))
	if err != nil {
		t.Fatal(err)
	}
	var meta arrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatal(err)
	}
	if meta.ZarrFormat != 2 || meta.DType != "<f8" || meta.Order != "C" {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
	if meta.Compressor == nil || meta.Compressor.ID != "snappy" {
		t.Errorf("Expected raw snappy chunks, got %+v", meta.Compressor)
	}
	if meta.FillValue != "NaN" {
		t.Errorf("Expected NaN fill, got %v", meta.FillValue)
	}
}

func TestArray_CorruptChunk(t *testing.T) {
	root := filepath.Join(t.TempDir(), "s.zarr")
	s, err := Create(root)
	if err != nil {
		t.Fatal(err)
	}
	a, err := s.CreateArray("x", ArraySpec{Shape: []int{4}})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "x", "0"), []byte("garbage"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Get(nil); err == nil {
		t.Error("Expected error reading corrupt chunk")
	}
}

func TestDefaultChunks(t *testing.T) {
	got := DefaultChunks([]int{81, 61, 61, 40})
	n := product(got)
	if n > maxChunkElems {
		t.Errorf("Expected at most %d elements per chunk, got %d (%v)", maxChunkElems, n, got)
	}
	if got[3] != 40 {
		t.Errorf("Expected trailing dim kept whole, got %v", got)
	}

	small := DefaultChunks([]int{4, 2})
	if small[0] != 4 || small[1] != 2 {
		t.Errorf("Expected small shape unchanged, got %v", small)
	}
}

func TestChunkKey(t *testing.T) {
	if got := chunkKey(nil); got != "0" {
		t.Errorf("Expected \"0\", got %q", got)
	}
	if got := chunkKey([]int{1, 4, 0}); got != "1.4.0" {
		t.Errorf("Expected \"1.4.0\", got %q", got)
	}
}
