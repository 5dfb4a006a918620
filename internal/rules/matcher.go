package rules

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Matcher filters a snapshot bucket down to the rules whose predicate holds.
type Matcher struct {
	threshold int
	workers   int
}

// NewMatcher creates a matcher. Buckets with at least threshold rules are
// evaluated by up to workers goroutines; threshold 0 keeps matching serial.
func NewMatcher(threshold, workers int) *Matcher {
	if workers <= 0 {
		workers = 1
	}
	return &Matcher{threshold: threshold, workers: workers}
}

// Match returns every rule of the request's bucket whose predicate holds,
// in bucket order. The first element is the highest-priority match.
func (m *Matcher) Match(ctx context.Context, snap *Snapshot, f *Facts) ([]*CompiledRule, error) {
	bucket := snap.Bucket(f.Request.SubsidyType)
	if len(bucket) == 0 {
		return nil, nil
	}

	if m.threshold > 0 && len(bucket) >= m.threshold && m.workers > 1 {
		return m.matchParallel(ctx, bucket, f)
	}

	var matched []*CompiledRule
	for _, cr := range bucket {
		if cr.Matches(f) {
			matched = append(matched, cr)
		}
	}
	return matched, nil
}

func (m *Matcher) matchParallel(ctx context.Context, bucket []*CompiledRule, f *Facts) ([]*CompiledRule, error) {
	hits := make([]bool, len(bucket))

	chunk := (len(bucket) + m.workers - 1) / m.workers

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)

	for start := 0; start < len(bucket); start += chunk {
		end := min(start+chunk, len(bucket))
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				hits[i] = bucket[i].Matches(f)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var matched []*CompiledRule
	for i, ok := range hits {
		if ok {
			matched = append(matched, bucket[i])
		}
	}
	return matched, nil
}
