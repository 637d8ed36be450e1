package fhir

import "context"

// IndexReader exposes the index entries of visible resource versions. Stores
// without a query language of their own implement it and run searches
// through ExecuteIDs.
type IndexReader interface {
	// VisibleIDs returns the ids of ownerID's visible resources of resourceType.
	VisibleIDs(ctx context.Context, ownerID, resourceType string) ([]string, error)
	// VisibleEntries returns the entries for param of those same resources.
	VisibleEntries(ctx context.Context, ownerID, resourceType, param string) ([]IndexEntry, error)
}

type execution struct {
	ctx     context.Context
	reader  IndexReader
	matcher *Matcher
	entries map[string][]IndexEntry
}

// ExecuteIDs evaluates q by index intersection: each filter yields the set of
// resources with at least one matching entry, conjunctions intersect those
// sets, alternatives union them, and clauses intersect.
func ExecuteIDs(ctx context.Context, r IndexReader, q *Query) (map[string]bool, error) {
	ex := &execution{ctx: ctx, reader: r, entries: make(map[string][]IndexEntry)}
	ex.matcher = NewMatcher(func(sub *Query) (map[string]bool, error) {
		return ExecuteIDs(ctx, r, sub)
	})
	return ex.run(q)
}

func (ex *execution) run(q *Query) (map[string]bool, error) {
	visible, err := ex.reader.VisibleIDs(ex.ctx, q.OwnerID, q.ResourceType)
	if err != nil {
		return nil, err
	}
	result := make(map[string]bool, len(visible))
	for _, id := range visible {
		result[id] = true
	}
	if q.FilterIDs {
		result = intersect(result, setOf(q.IDs))
	}

	for _, clause := range q.Clauses {
		if len(result) == 0 {
			break
		}
		union := make(map[string]bool)
		for _, conj := range clause.Alternatives {
			ids, err := ex.conjunction(q, conj)
			if err != nil {
				return nil, err
			}
			for id := range ids {
				union[id] = true
			}
		}
		result = intersect(result, union)
	}
	return result, nil
}

func (ex *execution) conjunction(q *Query, conj Conjunction) (map[string]bool, error) {
	var acc map[string]bool
	for _, f := range conj {
		ids, err := ex.filter(q, f)
		if err != nil {
			return nil, err
		}
		if acc == nil {
			acc = ids
		} else {
			acc = intersect(acc, ids)
		}
		if len(acc) == 0 {
			break
		}
	}
	return acc, nil
}

func (ex *execution) filter(q *Query, f ParamFilter) (map[string]bool, error) {
	cacheKey := q.OwnerID + "|" + q.ResourceType + "|" + f.Param
	entries, ok := ex.entries[cacheKey]
	if !ok {
		var err error
		if entries, err = ex.reader.VisibleEntries(ex.ctx, q.OwnerID, q.ResourceType, f.Param); err != nil {
			return nil, err
		}
		ex.entries[cacheKey] = entries
	}

	ids := make(map[string]bool)
	for i := range entries {
		e := &entries[i]
		if e.ParamType != f.Kind || ids[e.ResourceID] {
			continue
		}
		ok, err := ex.matcher.Match(e, f.Cond)
		if err != nil {
			return nil, err
		}
		if ok {
			ids[e.ResourceID] = true
		}
	}
	return ids, nil
}

func setOf(ids []string) map[string]bool {
	s := make(map[string]bool, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

func intersect(a, b map[string]bool) map[string]bool {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]bool, len(a))
	for id := range a {
		if b[id] {
			out[id] = true
		}
	}
	return out
}
