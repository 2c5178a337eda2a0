// Package prompts reads the ordered prompt list contributors record from.
//
// Rows are addressed by their 1-based position in the external source. A
// level is a fixed-size contiguous block of rows; blank rows inside a block
// are returned as empty strings and filtered by the caller.
package prompts

import (
	"context"
	"fmt"
	"strings"
)

// Range is an inclusive span of 1-based source rows.
type Range struct {
	First int
	Last  int
}

// Len returns the number of rows in the range.
func (r Range) Len() int {
	if r.Last < r.First {
		return 0
	}
	return r.Last - r.First + 1
}

// Contains reports whether row lies inside the range.
func (r Range) Contains(row int) bool {
	return row >= r.First && row <= r.Last
}

func (r Range) String() string {
	return fmt.Sprintf("%d..%d", r.First, r.Last)
}

// LevelRange returns the rows that make up a 1-based level:
// [(level-1)*pageSize+1, level*pageSize].
func LevelRange(level, pageSize int) Range {
	return Range{
		First: (level-1)*pageSize + 1,
		Last:  level * pageSize,
	}
}

// Source is the external ordered prompt list.
type Source interface {
	// FetchRange returns the raw cells for r.First..r.Last in order. The
	// result has exactly r.Len() entries; rows past the end of the source
	// come back blank.
	FetchRange(ctx context.Context, r Range) ([]string, error)
}

// FetchOne returns the text of a single row.
func FetchOne(ctx context.Context, src Source, row int) (string, error) {
	cells, err := src.FetchRange(ctx, Range{First: row, Last: row})
	if err != nil {
		return "", err
	}
	if len(cells) == 0 {
		return "", nil
	}
	return cells[0], nil
}

// IsBlank reports whether a cell holds no usable prompt text.
func IsBlank(cell string) bool {
	return strings.TrimSpace(cell) == ""
}

func padTo(cells []string, n int) []string {
	if len(cells) >= n {
		return cells[:n]
	}
	out := make([]string, n)
	copy(out, cells)
	return out
}
