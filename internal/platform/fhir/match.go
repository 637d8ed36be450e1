package fhir

import (
	"math"
	"strings"
)

// SubQueryFunc evaluates a chained sub-query to the set of matching ids.
type SubQueryFunc func(q *Query) (map[string]bool, error)

// Matcher evaluates conditions against single index entries. Stores that
// cannot push conditions down use it. A Matcher evaluates each sub-query once
// and is not safe for concurrent use.
type Matcher struct {
	sub  SubQueryFunc
	memo map[*Query]map[string]bool
}

// NewMatcher returns a matcher resolving chains through sub.
func NewMatcher(sub SubQueryFunc) *Matcher {
	return &Matcher{sub: sub, memo: make(map[*Query]map[string]bool)}
}

// Match reports whether e satisfies c. Entries recording an absent element
// satisfy only a MissingCond.
func (m *Matcher) Match(e *IndexEntry, c Condition) (bool, error) {
	if mc, ok := c.(MissingCond); ok {
		return e.Missing == mc.Missing, nil
	}
	if e.Missing {
		return false, nil
	}

	switch cond := c.(type) {
	case TextCond:
		return matchText(e.text(), cond), nil
	case TokenCond:
		v, ok := e.Value.(TokenValue)
		return ok && v.Code == cond.Code && (cond.System == "" || v.System == cond.System), nil
	case QuantityCond:
		v, ok := e.Value.(QuantityValue)
		if !ok {
			return false, nil
		}
		if (cond.System != "" && v.System != cond.System) || (cond.Code != "" && v.Code != cond.Code) {
			return false, nil
		}
		return intervalOf(v.Comparator, v.Value).overlaps(intervalOf(cond.Comparator, cond.Value)), nil
	case DateCond:
		v, ok := e.Value.(DateValue)
		return ok && matchDate(v, cond), nil
	case ReferenceCond:
		v, ok := e.Value.(ReferenceValue)
		if !ok {
			return false, nil
		}
		if cond.URL != "" {
			return v.URL == cond.URL, nil
		}
		return v.Target != nil && v.Target.Type == cond.Type && v.Target.ID == cond.ID, nil
	case ChainCond:
		v, ok := e.Value.(ReferenceValue)
		if !ok || v.Target == nil || v.Target.Type != cond.Type {
			return false, nil
		}
		ids, err := m.subIDs(cond.Sub)
		if err != nil {
			return false, err
		}
		return ids[v.Target.ID], nil
	case AnyOf:
		for _, alt := range cond {
			ok, err := m.Match(e, alt)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	return false, invalidQuery("", "unsupported condition %T", c)
}

func (m *Matcher) subIDs(q *Query) (map[string]bool, error) {
	if ids, ok := m.memo[q]; ok {
		return ids, nil
	}
	ids, err := m.sub(q)
	if err != nil {
		return nil, err
	}
	m.memo[q] = ids
	return ids, nil
}

func matchText(text string, c TextCond) bool {
	if c.Exact {
		return strings.Contains(text, TextDelimiter+c.Phrase+TextDelimiter)
	}
	lower := strings.ToLower(text)
	for _, w := range c.Words {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func matchDate(v DateValue, c DateCond) bool {
	switch c.Comparator {
	case CmpLt:
		return v.End.Before(c.Value)
	case CmpLe:
		return !v.End.After(c.Value)
	case CmpGt:
		return v.Start.After(c.Value)
	case CmpGe:
		return !v.Start.Before(c.Value)
	default:
		return !v.Start.After(c.Value) && !v.End.Before(c.Value)
	}
}

// interval is a range on the real line; open ends exclude their bound.
type interval struct {
	lo, hi         float64
	loOpen, hiOpen bool
}

func intervalOf(cmp Comparator, v float64) interval {
	switch cmp {
	case CmpLt:
		return interval{lo: math.Inf(-1), hi: v, loOpen: true, hiOpen: true}
	case CmpLe:
		return interval{lo: math.Inf(-1), hi: v, loOpen: true}
	case CmpGt:
		return interval{lo: v, hi: math.Inf(1), loOpen: true, hiOpen: true}
	case CmpGe:
		return interval{lo: v, hi: math.Inf(1), hiOpen: true}
	default:
		return interval{lo: v, hi: v}
	}
}

func (a interval) overlaps(b interval) bool {
	return below(a.lo, a.loOpen, b.hi, b.hiOpen) && below(b.lo, b.loOpen, a.hi, a.hiOpen)
}

// below reports whether a lower bound lies at or under an upper bound.
func below(lo float64, loOpen bool, hi float64, hiOpen bool) bool {
	if lo < hi {
		return true
	}
	return lo == hi && !loOpen && !hiOpen
}
