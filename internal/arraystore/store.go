// Package arraystore is a hierarchical store of named, chunked, dense
// N-dimensional arrays laid out on disk like a Zarr v2 directory store:
// groups are directories holding a .zgroup file, arrays are directories
// holding a .zarray file plus one snappy compressed file per chunk, and
// attributes live in .zattrs.
//
// The store is single-writer. Nothing here locks against a second process.
package arraystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const (
	groupFile  = ".zgroup"
	arrayFile  = ".zarray"
	attrsFile  = ".zattrs"
	zarrFormat = 2
)

var (
	// ErrNotExist is returned when a group, array or store is missing.
	ErrNotExist = errors.New("does not exist")
	// ErrExists is returned when creating something that is already there.
	ErrExists = errors.New("already exists")
	// ErrShapeMismatch is returned for writes that do not fit the array.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// Store is an open array store rooted at a directory.
type Store struct {
	root   string
	arrays map[string]*Array
}

// Create makes a new empty store at root. An existing store at root is
// removed first; an existing directory that is not a store is refused.
func Create(root string) (*Store, error) {
	if info, err := os.Stat(root); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("store path %s is a file: %w", root, ErrExists)
		}
		if !isStore(root) {
			entries, err := os.ReadDir(root)
			if err != nil {
				return nil, fmt.Errorf("failed to inspect %s: %w", root, err)
			}
			if len(entries) > 0 {
				return nil, fmt.Errorf("refusing to replace non-store directory %s: %w", root, ErrExists)
			}
		}
		if err := os.RemoveAll(root); err != nil {
			return nil, fmt.Errorf("failed to remove old store: %w", err)
		}
	}
	s := &Store{root: root, arrays: make(map[string]*Array)}
	if err := s.RequireGroup(""); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens an existing store.
func Open(root string) (*Store, error) {
	if !isStore(root) {
		return nil, fmt.Errorf("store %s: %w", root, ErrNotExist)
	}
	return &Store{root: root, arrays: make(map[string]*Array)}, nil
}

// OpenOrCreate opens the store at root, creating it when missing.
func OpenOrCreate(root string) (*Store, error) {
	if isStore(root) {
		return Open(root)
	}
	return Create(root)
}

func isStore(root string) bool {
	_, err := os.Stat(filepath.Join(root, groupFile))
	return err == nil
}

// Path returns the store root directory.
func (s *Store) Path() string {
	return s.root
}

func cleanName(name string) string {
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

func (s *Store) dir(name string) string {
	name = cleanName(name)
	if name == "" {
		return s.root
	}
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// HasGroup reports whether name is a group.
func (s *Store) HasGroup(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir(name), groupFile))
	return err == nil
}

// HasArray reports whether name is an array.
func (s *Store) HasArray(name string) bool {
	_, err := os.Stat(filepath.Join(s.dir(name), arrayFile))
	return err == nil
}

// RequireGroup creates the group and its parents when they are missing.
func (s *Store) RequireGroup(name string) error {
	name = cleanName(name)
	parts := []string{""}
	if name != "" {
		segs := strings.Split(name, "/")
		for i := range segs {
			parts = append(parts, strings.Join(segs[:i+1], "/"))
		}
	}
	for _, p := range parts {
		if s.HasArray(p) {
			return fmt.Errorf("cannot create group %q: an array uses that name: %w", p, ErrExists)
		}
		if s.HasGroup(p) {
			continue
		}
		dir := s.dir(p)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create group %q: %w", p, err)
		}
		if err := writeJSON(filepath.Join(dir, groupFile), map[string]int{"zarr_format": zarrFormat}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveGroup deletes a group with everything below it. Removing a missing
// group is not an error.
func (s *Store) RemoveGroup(name string) error {
	name = cleanName(name)
	if name == "" {
		return fmt.Errorf("cannot remove the root group")
	}
	for key := range s.arrays {
		if key == name || strings.HasPrefix(key, name+"/") {
			delete(s.arrays, key)
		}
	}
	if err := os.RemoveAll(s.dir(name)); err != nil {
		return fmt.Errorf("failed to remove group %q: %w", name, err)
	}
	return nil
}

// Members lists the direct children (groups and arrays) of a group.
func (s *Store) Members(name string) ([]string, error) {
	if !s.HasGroup(name) {
		return nil, fmt.Errorf("group %q: %w", name, ErrNotExist)
	}
	entries, err := os.ReadDir(s.dir(name))
	if err != nil {
		return nil, fmt.Errorf("failed to list group %q: %w", name, err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		child := path.Join(cleanName(name), e.Name())
		if s.HasGroup(child) || s.HasArray(child) {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// SetAttrs replaces the attributes of a group or array.
func (s *Store) SetAttrs(name string, attrs map[string]any) error {
	if !s.HasGroup(name) && !s.HasArray(name) {
		return fmt.Errorf("node %q: %w", name, ErrNotExist)
	}
	return writeJSON(filepath.Join(s.dir(name), attrsFile), attrs)
}

// Attrs returns the attributes of a group or array. Nodes without
// attributes return an empty map.
func (s *Store) Attrs(name string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(name), attrsFile))
	if errors.Is(err, os.ErrNotExist) {
		if !s.HasGroup(name) && !s.HasArray(name) {
			return nil, fmt.Errorf("node %q: %w", name, ErrNotExist)
		}
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes of %q: %w", name, err)
	}
	attrs := map[string]any{}
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, fmt.Errorf("failed to parse attributes of %q: %w", name, err)
	}
	return attrs, nil
}

// CreateArray creates a new array. Parent groups are created as needed.
func (s *Store) CreateArray(name string, spec ArraySpec) (*Array, error) {
	name = cleanName(name)
	if name == "" {
		return nil, fmt.Errorf("array name is required")
	}
	if s.HasArray(name) || s.HasGroup(name) {
		return nil, fmt.Errorf("array %q: %w", name, ErrExists)
	}
	meta, err := spec.metadata()
	if err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	if err := s.RequireGroup(path.Dir(name)); err != nil {
		return nil, err
	}
	dir := s.dir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create array %q: %w", name, err)
	}
	if err := writeJSON(filepath.Join(dir, arrayFile), meta); err != nil {
		return nil, err
	}
	a := newArray(name, dir, meta)
	s.arrays[name] = a
	return a, nil
}

// RequireArray opens name when it exists with the same shape and dtype and
// creates it otherwise. An existing array with a different layout is an
// error.
func (s *Store) RequireArray(name string, spec ArraySpec) (*Array, error) {
	name = cleanName(name)
	if !s.HasArray(name) {
		return s.CreateArray(name, spec)
	}
	a, err := s.Array(name)
	if err != nil {
		return nil, err
	}
	if !equalInts(a.meta.Shape, spec.Shape) || a.meta.DType != spec.DType.code() {
		return nil, fmt.Errorf("array %q has shape %v %s, requested %v %s: %w",
			name, a.meta.Shape, a.meta.DType, spec.Shape, spec.DType.code(), ErrShapeMismatch)
	}
	return a, nil
}

// Array opens an existing array.
func (s *Store) Array(name string) (*Array, error) {
	name = cleanName(name)
	if a, ok := s.arrays[name]; ok {
		return a, nil
	}
	dir := s.dir(name)
	data, err := os.ReadFile(filepath.Join(dir, arrayFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("array %q: %w", name, ErrNotExist)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read array %q: %w", name, err)
	}
	var meta arrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata of %q: %w", name, err)
	}
	if _, err := parseDType(meta.DType); err != nil {
		return nil, fmt.Errorf("array %q: %w", name, err)
	}
	a := newArray(name, dir, meta)
	s.arrays[name] = a
	return a, nil
}

// Flush writes every dirty chunk of every open array.
func (s *Store) Flush() error {
	names := make([]string, 0, len(s.arrays))
	for name := range s.arrays {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.arrays[name].Flush(); err != nil {
			return err
		}
	}
	return nil
}

// DirtyBytes sums the unflushed chunk memory of every open array.
func (s *Store) DirtyBytes() int64 {
	var n int64
	for _, a := range s.arrays {
		n += a.DirtyBytes()
	}
	return n
}

// ChunksWritten counts the chunk files flushed through this handle.
func (s *Store) ChunksWritten() int {
	n := 0
	for _, a := range s.arrays {
		n += a.ChunksWritten()
	}
	return n
}

// Close flushes the store. The Store must not be used afterwards.
func (s *Store) Close() error {
	err := s.Flush()
	s.arrays = nil
	return err
}

// writeJSON writes v to path through a temporary file and a rename.
func writeJSON(p string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(p), err)
	}
	return writeFileAtomic(p, data)
}

func writeFileAtomic(p string, data []byte) error {
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", p, err)
	}
	return nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
