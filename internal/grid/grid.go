// Package grid models the N-dimensional parameter grid of a scan as an
// ordered list of coordinate tuples (the permutation list).
package grid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrNotFound indicates a value or coordinate that is not part of the grid.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguousMatch indicates a value that occurs more than once on its axis.
	ErrAmbiguousMatch = errors.New("ambiguous match")
)

// Value is a single point on an axis. Numeric axes set Num, categorical
// axes (e.g. a source composition) set Label.
type Value struct {
	Num   float64
	Label string
}

// Num returns a numeric axis value.
func Num(f float64) Value {
	return Value{Num: f}
}

// Label returns a categorical axis value.
func Label(s string) Value {
	return Value{Label: s}
}

// IsLabel reports whether v is categorical.
func (v Value) IsLabel() bool {
	return v.Label != ""
}

// Equal is an exact comparison; no tolerance is applied to numbers.
func (v Value) Equal(o Value) bool {
	return v.Label == o.Label && v.Num == o.Num
}

func (v Value) String() string {
	if v.IsLabel() {
		return v.Label
	}
	return strconv.FormatFloat(v.Num, 'g', -1, 64)
}

// ParseValue interprets s as a number when possible and as a label otherwise.
func ParseValue(s string) Value {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Num(f)
	}
	return Label(s)
}

// Axis is one named dimension of the grid.
type Axis struct {
	Name   string
	Values []Value
}

// Categorical reports whether every value on the axis is a label.
func (a Axis) Categorical() bool {
	for _, v := range a.Values {
		if !v.IsLabel() {
			return false
		}
	}
	return len(a.Values) > 0
}

// ParseValue interprets s by the kind of the axis: verbatim on a
// categorical axis, as a number otherwise. Axes mixing both kinds fall back
// to the package level ParseValue.
func (a Axis) ParseValue(s string) (Value, error) {
	if a.Categorical() {
		return Label(s), nil
	}
	numeric := true
	for _, v := range a.Values {
		if v.IsLabel() {
			numeric = false
			break
		}
	}
	if !numeric {
		return ParseValue(s), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("axis %q takes numbers, got %q", a.Name, s)
	}
	return Num(f), nil
}

// Len returns the number of points on the axis.
func (a Axis) Len() int {
	return len(a.Values)
}

// Coordinate holds one index per axis.
type Coordinate []int

// Equal reports whether both coordinates address the same grid point.
func (c Coordinate) Equal(o Coordinate) bool {
	if len(c) != len(o) {
		return false
	}
	for i := range c {
		if c[i] != o[i] {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (c Coordinate) Clone() Coordinate {
	out := make(Coordinate, len(c))
	copy(out, c)
	return out
}

func (c Coordinate) String() string {
	parts := make([]string, len(c))
	for i, idx := range c {
		parts[i] = strconv.Itoa(idx)
	}
	return "(" + strings.Join(parts, ",") + ")"
}

// Space is an immutable grid definition. The zero value is not usable; build
// one with New.
type Space struct {
	axes   []Axis
	subset []Coordinate
}

// New validates the axes and returns a Space. Axis names must be unique and
// every axis must have at least one value. Duplicate values on an axis are
// accepted here and reported by ParamsToIndex.
func New(axes []Axis) (*Space, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("grid needs at least one axis")
	}
	seen := make(map[string]bool, len(axes))
	copied := make([]Axis, len(axes))
	for i, a := range axes {
		if a.Name == "" {
			return nil, fmt.Errorf("axis %d has no name", i)
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate axis name %q", a.Name)
		}
		seen[a.Name] = true
		if len(a.Values) == 0 {
			return nil, fmt.Errorf("axis %q has no values", a.Name)
		}
		vals := make([]Value, len(a.Values))
		copy(vals, a.Values)
		copied[i] = Axis{Name: a.Name, Values: vals}
	}
	return &Space{axes: copied}, nil
}

// WithSubset returns a copy of s whose permutation list is the given
// explicit coordinates instead of the full Cartesian product. It is used to
// resume or limit a scan without recomputing the product.
func (s *Space) WithSubset(coords []Coordinate) (*Space, error) {
	subset := make([]Coordinate, len(coords))
	for i, c := range coords {
		if err := s.check(c); err != nil {
			return nil, fmt.Errorf("subset entry %d: %w", i, err)
		}
		subset[i] = c.Clone()
	}
	return &Space{axes: s.axes, subset: subset}, nil
}

// HasSubset reports whether an explicit subset overrides the product.
func (s *Space) HasSubset() bool {
	return s.subset != nil
}

// Axes returns a copy of the axis definitions.
func (s *Space) Axes() []Axis {
	out := make([]Axis, len(s.axes))
	for i, a := range s.axes {
		vals := make([]Value, len(a.Values))
		copy(vals, a.Values)
		out[i] = Axis{Name: a.Name, Values: vals}
	}
	return out
}

// AxisNames returns the axis names in grid order.
func (s *Space) AxisNames() []string {
	names := make([]string, len(s.axes))
	for i, a := range s.axes {
		names[i] = a.Name
	}
	return names
}

// AxisValues returns the values of every axis, same order as AxisNames.
func (s *Space) AxisValues() [][]Value {
	out := make([][]Value, len(s.axes))
	for i, a := range s.axes {
		out[i] = make([]Value, len(a.Values))
		copy(out[i], a.Values)
	}
	return out
}

// Shape returns the axis lengths.
func (s *Space) Shape() []int {
	shape := make([]int, len(s.axes))
	for i, a := range s.axes {
		shape[i] = a.Len()
	}
	return shape
}

// Size is the number of points in the permutation list.
func (s *Space) Size() int {
	if s.subset != nil {
		return len(s.subset)
	}
	n := 1
	for _, a := range s.axes {
		n *= a.Len()
	}
	return n
}

// Permutations returns the permutation list: the Cartesian product of all
// axis index ranges with the first axis varying slowest, or the injected
// subset. The order is stable for identical configurations.
func (s *Space) Permutations() []Coordinate {
	if s.subset != nil {
		out := make([]Coordinate, len(s.subset))
		for i, c := range s.subset {
			out[i] = c.Clone()
		}
		return out
	}

	shape := s.Shape()
	total := s.Size()
	perms := make([]Coordinate, total)
	cur := make(Coordinate, len(shape))
	for p := 0; p < total; p++ {
		perms[p] = cur.Clone()
		// odometer increment, last axis fastest
		for k := len(shape) - 1; k >= 0; k-- {
			cur[k]++
			if cur[k] < shape[k] {
				break
			}
			cur[k] = 0
		}
	}
	return perms
}

// IndexToParams maps a coordinate to its axis values.
func (s *Space) IndexToParams(c Coordinate) ([]Value, error) {
	if err := s.check(c); err != nil {
		return nil, err
	}
	out := make([]Value, len(c))
	for k, idx := range c {
		out[k] = s.axes[k].Values[idx]
	}
	return out, nil
}

// ParseParams parses one string per axis with Axis.ParseValue.
func (s *Space) ParseParams(args []string) ([]Value, error) {
	if len(args) != len(s.axes) {
		return nil, fmt.Errorf("expected %d values, got %d", len(s.axes), len(args))
	}
	values := make([]Value, len(args))
	for i, arg := range args {
		v, err := s.axes[i].ParseValue(arg)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}

// ParamsToIndex finds the coordinate of the given axis values by exact
// match. A value missing from its axis yields ErrNotFound; a value present
// more than once yields ErrAmbiguousMatch.
func (s *Space) ParamsToIndex(values []Value) (Coordinate, error) {
	if len(values) != len(s.axes) {
		return nil, fmt.Errorf("expected %d values, got %d", len(s.axes), len(values))
	}
	coord := make(Coordinate, len(values))
	for k, v := range values {
		axis := s.axes[k]
		found := -1
		count := 0
		for i, av := range axis.Values {
			if av.Equal(v) {
				if found < 0 {
					found = i
				}
				count++
			}
		}
		switch {
		case count == 0:
			return nil, fmt.Errorf("could not find value (%s) for the parameter (%s): %w", v, axis.Name, ErrNotFound)
		case count > 1:
			return nil, fmt.Errorf("found value %s for parameter (%s) %d times: %w", v, axis.Name, count, ErrAmbiguousMatch)
		}
		coord[k] = found
	}
	return coord, nil
}

func (s *Space) check(c Coordinate) error {
	if len(c) != len(s.axes) {
		return fmt.Errorf("coordinate %s has %d indices, grid has %d axes", c, len(c), len(s.axes))
	}
	for k, idx := range c {
		if idx < 0 || idx >= s.axes[k].Len() {
			return fmt.Errorf("index %d out of range for axis %q (len %d): %w", idx, s.axes[k].Name, s.axes[k].Len(), ErrNotFound)
		}
	}
	return nil
}

// Linspace returns n evenly spaced numbers over [start, stop].
func Linspace(start, stop float64, n int) []Value {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []Value{Num(start)}
	}
	out := make([]Value, n)
	step := (stop - start) / float64(n-1)
	for i := 0; i < n; i++ {
		out[i] = Num(start + float64(i)*step)
	}
	out[n-1] = Num(stop)
	return out
}

// Logspace returns n numbers spaced evenly on a log scale from 10^start to 10^stop.
func Logspace(start, stop float64, n int) []Value {
	lin := Linspace(start, stop, n)
	for i := range lin {
		lin[i] = Num(math.Pow(10, lin[i].Num))
	}
	return lin
}
