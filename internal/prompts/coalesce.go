package prompts

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Coalescing merges identical concurrent range fetches into one upstream
// call. Many contributors reaching the same level boundary at once would
// otherwise each hit the Sheets quota for the same rows.
type Coalescing struct {
	next  Source
	group singleflight.Group
}

// NewCoalescing wraps next.
func NewCoalescing(next Source) *Coalescing {
	return &Coalescing{next: next}
}

// FetchRange implements Source. The shared call is detached from any single
// caller's cancellation so one abandoned request cannot fail the others.
func (c *Coalescing) FetchRange(ctx context.Context, r Range) ([]string, error) {
	v, err, _ := c.group.Do(r.String(), func() (any, error) {
		return c.next.FetchRange(context.WithoutCancel(ctx), r)
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]string)
	out := make([]string, len(shared))
	copy(out, shared)
	return out, nil
}
