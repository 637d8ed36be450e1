package fhir

import (
	"fmt"
	"strings"
)

// SearchParamType defines the kind of a search parameter. The set is closed:
// every switch over it must handle all five values.
type SearchParamType int

const (
	SearchParamString    SearchParamType = iota + 1 // String: '::' delimited text, case-insensitive word match, supports :exact
	SearchParamToken                                // Token: system|code or code
	SearchParamQuantity                             // Quantity / number: comparator-prefixed numeric value with optional unit
	SearchParamDate                                 // Date: instants and periods, comparator-prefixed
	SearchParamReference                            // Reference: [base/]Type/id, chainable
)

var searchParamTypeNames = map[SearchParamType]string{
	SearchParamString:    "string",
	SearchParamToken:     "token",
	SearchParamQuantity:  "quantity",
	SearchParamDate:      "date",
	SearchParamReference: "reference",
}

func (t SearchParamType) String() string {
	if name, ok := searchParamTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("SearchParamType(%d)", int(t))
}

// ParseSearchParamType maps a schema type word onto a SearchParamType.
// "number" and "quantity" share the quantity kind.
func ParseSearchParamType(s string) (SearchParamType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "string":
		return SearchParamString, nil
	case "token":
		return SearchParamToken, nil
	case "quantity", "number":
		return SearchParamQuantity, nil
	case "date":
		return SearchParamDate, nil
	case "reference":
		return SearchParamReference, nil
	}
	return 0, fmt.Errorf("unknown search parameter type %q", s)
}

// Comparator is a value prefix in the quantity and date sub-grammars, and the
// stored comparator of an indexed quantity.
type Comparator string

const (
	CmpEq Comparator = "="
	CmpLt Comparator = "<"
	CmpLe Comparator = "<="
	CmpGt Comparator = ">"
	CmpGe Comparator = ">="
)

// ParseComparator returns the comparator for s; the empty string means equality.
func ParseComparator(s string) (Comparator, bool) {
	switch Comparator(s) {
	case "", CmpEq:
		return CmpEq, true
	case CmpLt, CmpLe, CmpGt, CmpGe:
		return Comparator(s), true
	}
	return "", false
}
