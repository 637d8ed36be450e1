package fhir

import "time"

// Condition is a predicate over a single index entry. The set of
// implementations is closed; renderers and matchers switch over all of them.
type Condition interface {
	condition()
}

// MissingCond matches on the entry's missing flag alone.
type MissingCond struct {
	Missing bool
}

// TextCond matches the delimited text of an entry. An exact search is a
// case-sensitive delimiter-anchored substring test; otherwise any word
// matches case-insensitively.
type TextCond struct {
	Exact  bool
	Phrase string
	Words  []string
}

// TokenCond matches a code, and the system when System is not empty.
type TokenCond struct {
	System string
	Code   string
}

// QuantityCond matches when the queried interval overlaps the stored one.
// Empty System or Code match any unit.
type QuantityCond struct {
	Comparator Comparator
	Value      float64
	System     string
	Code       string
}

// DateCond compares a date against the stored period.
type DateCond struct {
	Comparator Comparator
	Value      time.Time
}

// ReferenceCond matches an external reference by its raw URL when URL is
// set, and otherwise an internal reference by its resolved link to Type/ID.
// Unresolved internal references never match.
type ReferenceCond struct {
	Type string
	ID   string
	URL  string
}

// ChainCond matches resolved links of Type whose id is selected by Sub.
type ChainCond struct {
	Type string
	Sub  *Query
}

// AnyOf matches when any alternative matches.
type AnyOf []Condition

func (MissingCond) condition()   {}
func (TextCond) condition()      {}
func (TokenCond) condition()     {}
func (QuantityCond) condition()  {}
func (DateCond) condition()      {}
func (ReferenceCond) condition() {}
func (ChainCond) condition()     {}
func (AnyOf) condition()         {}

// ParamFilter selects the resources having at least one visible index entry
// for Param of Kind that satisfies Cond.
type ParamFilter struct {
	Param string
	Kind  SearchParamType
	Cond  Condition
}

// Conjunction is satisfied by resources in every filter's id set.
type Conjunction []ParamFilter

// Clause is satisfied by resources in any alternative's id set.
type Clause struct {
	Alternatives []Conjunction
}

// Query is a compiled search: the intersection of every clause's id set,
// restricted to the visible versions of one owner and resource type.
type Query struct {
	OwnerID      string
	ResourceType string
	Clauses      []Clause
	// FilterIDs restricts results to IDs; an empty IDs then matches nothing.
	FilterIDs bool
	IDs       []string
	// IDOnly marks a sub-query that projects resource ids for a chain.
	IDOnly bool
}

// Empty reports whether the query constrains nothing beyond owner and type.
func (q *Query) Empty() bool {
	return len(q.Clauses) == 0 && !q.FilterIDs
}

func singleFilter(f ParamFilter) Clause {
	return Clause{Alternatives: []Conjunction{{f}}}
}
