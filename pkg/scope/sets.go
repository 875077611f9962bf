package scope

import "sort"

// IDSet is a set of integer identifiers
type IDSet map[int64]struct{}

// NewIDSet creates an IDSet from the given identifiers
func NewIDSet(ids ...int64) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Add inserts an identifier into the set
func (s IDSet) Add(id int64) {
	s[id] = struct{}{}
}

// Contains reports whether the set holds the identifier
func (s IDSet) Contains(id int64) bool {
	_, ok := s[id]
	return ok
}

// Union adds every identifier of other into the set
func (s IDSet) Union(other IDSet) {
	for id := range other {
		s[id] = struct{}{}
	}
}

// Clone returns an independent copy of the set
func (s IDSet) Clone() IDSet {
	out := make(IDSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Values returns the identifiers in ascending order
func (s IDSet) Values() []int64 {
	out := make([]int64, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// StringSet is a set of strings
type StringSet map[string]struct{}

// NewStringSet creates a StringSet from the given values
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Has reports whether the set holds the value
func (s StringSet) Has(value string) bool {
	_, ok := s[value]
	return ok
}

// Intersects reports whether the two sets share any value
func (s StringSet) Intersects(other StringSet) bool {
	for v := range other {
		if _, ok := s[v]; ok {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every value of other is in the set
func (s StringSet) ContainsAll(other StringSet) bool {
	for v := range other {
		if _, ok := s[v]; !ok {
			return false
		}
	}
	return true
}

// Values returns the members in ascending order
func (s StringSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ScopeByField maps a column name to the identifier values a caller may see.
// An empty map means no restriction; consumers must OR the per-field filters,
// not intersect them.
type ScopeByField map[string]IDSet

// Clone returns a deep copy
func (s ScopeByField) Clone() ScopeByField {
	out := make(ScopeByField, len(s))
	for field, ids := range s {
		out[field] = ids.Clone()
	}
	return out
}

// Bucket returns the set for a field, creating it when absent
func (s ScopeByField) Bucket(field string) IDSet {
	bucket, ok := s[field]
	if !ok {
		bucket = make(IDSet)
		s[field] = bucket
	}
	return bucket
}
