package rules

import (
	"sort"
	"time"
)

// Snapshot is one immutable generation of compiled rules. The id index and
// the subsidy-type buckets are built together and published together.
type Snapshot struct {
	Version uint64
	BuiltAt time.Time

	byID    map[int64]*CompiledRule
	buckets map[string][]*CompiledRule
}

// emptySnapshot is served before the first successful refresh.
var emptySnapshot = &Snapshot{
	byID:    map[int64]*CompiledRule{},
	buckets: map[string][]*CompiledRule{},
}

func newSnapshot(version uint64, builtAt time.Time, compiled []*CompiledRule) *Snapshot {
	s := &Snapshot{
		Version: version,
		BuiltAt: builtAt,
		byID:    make(map[int64]*CompiledRule, len(compiled)),
		buckets: make(map[string][]*CompiledRule),
	}

	for _, cr := range compiled {
		s.byID[cr.Rule.ID] = cr
		s.buckets[cr.Rule.SubsidyType] = append(s.buckets[cr.Rule.SubsidyType], cr)
	}

	for _, bucket := range s.buckets {
		sort.Slice(bucket, func(i, j int) bool {
			a, b := bucket[i].Rule, bucket[j].Rule
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.ID < b.ID
		})
	}

	return s
}

// Bucket returns the rules of a subsidy type, priority descending then id
// ascending. The slice must not be modified.
func (s *Snapshot) Bucket(subsidyType string) []*CompiledRule {
	return s.buckets[subsidyType]
}

// Rule looks a compiled rule up by id.
func (s *Snapshot) Rule(id int64) (*CompiledRule, bool) {
	cr, ok := s.byID[id]
	return cr, ok
}

// Len is the number of rules in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.byID)
}

// SubsidyTypes lists the bucket keys in lexical order.
func (s *Snapshot) SubsidyTypes() []string {
	keys := make([]string, 0, len(s.buckets))
	for k := range s.buckets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Loaded reports whether the snapshot came from a successful refresh.
func (s *Snapshot) Loaded() bool {
	return s.Version > 0
}
