package prompts

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/kuitang/readaloud/internal/errs"
)

// StaticSource serves prompts from memory. It backs --no-sheet mode, where
// prompts come from a local text file with one prompt per line.
type StaticSource struct {
	mu   sync.RWMutex
	rows []string
}

// NewStaticSource returns a source whose row i+1 is rows[i].
func NewStaticSource(rows []string) *StaticSource {
	cp := make([]string, len(rows))
	copy(cp, rows)
	return &StaticSource{rows: cp}
}

// NewFileSource loads one prompt per line from path. Blank lines are kept so
// row numbers match line numbers.
func NewFileSource(path string) (*StaticSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prompt file: %w", err)
	}
	defer f.Close()

	var rows []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		rows = append(rows, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return NewStaticSource(rows), nil
}

// FetchRange implements Source.
func (s *StaticSource) FetchRange(_ context.Context, r Range) ([]string, error) {
	if r.First < 1 || r.Len() == 0 {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("invalid prompt range %s", r))
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, r.Len())
	for i := range out {
		idx := r.First - 1 + i
		if idx < len(s.rows) {
			out[i] = s.rows[idx]
		}
	}
	return out, nil
}

// Set replaces the text of one row, growing the source as needed. Used to
// simulate upstream edits.
func (s *StaticSource) Set(row int, text string) {
	if row < 1 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.rows) < row {
		s.rows = append(s.rows, "")
	}
	s.rows[row-1] = text
}

// Len returns the number of rows currently held.
func (s *StaticSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}
