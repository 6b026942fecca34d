package partition

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is an inclusive run of consecutive job ids.
type Range struct {
	First int
	Last  int
}

// Len returns the number of job ids in the range.
func (r Range) Len() int {
	return r.Last - r.First + 1
}

// String renders "12-47", or "12" for a single id.
func (r Range) String() string {
	if r.First == r.Last {
		return strconv.Itoa(r.First)
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// Ranges compresses an ascending list of ids into contiguous runs.
func Ranges(ids []int) []Range {
	var out []Range
	for _, id := range ids {
		if n := len(out); n > 0 && out[n-1].Last+1 == id {
			out[n-1].Last = id
			continue
		}
		out = append(out, Range{First: id, Last: id})
	}
	return out
}

// FormatRanges joins ranges with ", ".
func FormatRanges(rs []Range) string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

// ParseRange parses "A-B" or "A".
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	first, last, found := strings.Cut(s, "-")
	a, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
	}
	b := a
	if found {
		b, err = strconv.Atoi(strings.TrimSpace(last))
		if err != nil {
			return Range{}, fmt.Errorf("invalid range %q: %w", s, err)
		}
	}
	if a < 1 || b < a {
		return Range{}, fmt.Errorf("invalid range %q", s)
	}
	return Range{First: a, Last: b}, nil
}
