package fhir

import (
	"fmt"
	"time"
)

// TextDelimiter wraps and separates the textual values of an indexed element
// so that an exact search can be answered with a delimiter-anchored substring test.
const TextDelimiter = "::"

// Open extremes substituted for a missing period bound.
var (
	MinDate = time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC)
	MaxDate = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
)

// IndexValue is the kind-specific payload of an IndexEntry. The implementations
// below are the only ones; type switches over IndexValue are exhaustive.
type IndexValue interface {
	ParamType() SearchParamType
}

type StringValue struct {
	Text string
}

type TokenValue struct {
	System string
	Code   string
	Text   string
}

type QuantityValue struct {
	Value      float64
	Comparator Comparator
	System     string
	Code       string
}

type DateValue struct {
	Start time.Time
	End   time.Time
}

// ResourceRef is the logical identity of a resolved internal reference.
type ResourceRef struct {
	Type string
	ID   string
}

type ReferenceValue struct {
	URL    string
	Text   string
	Target *ResourceRef // nil when external or unresolved
}

func (StringValue) ParamType() SearchParamType    { return SearchParamString }
func (TokenValue) ParamType() SearchParamType     { return SearchParamToken }
func (QuantityValue) ParamType() SearchParamType  { return SearchParamQuantity }
func (DateValue) ParamType() SearchParamType      { return SearchParamDate }
func (ReferenceValue) ParamType() SearchParamType { return SearchParamReference }

// IndexEntry is one occurrence (or the absence) of a search parameter in one
// resource version. Value is nil when Missing is true.
type IndexEntry struct {
	OwnerID      string
	ResourceType string
	ResourceID   string
	Version      int
	ParamName    string
	ParamType    SearchParamType
	Missing      bool
	Value        IndexValue
}

// text returns the display text carried by the entry's value, if any.
func (e *IndexEntry) text() string {
	switch v := e.Value.(type) {
	case StringValue:
		return v.Text
	case TokenValue:
		return v.Text
	case ReferenceValue:
		return v.Text
	}
	return ""
}

// IndexRow is the flat column layout of an IndexEntry as persisted by the
// repositories. Nil pointers are SQL NULLs.
type IndexRow struct {
	OwnerID        string     `json:"owner_id"`
	ResourceType   string     `json:"resource_type"`
	ResourceID     string     `json:"resource_id"`
	Version        int        `json:"version"`
	ParamName      string     `json:"param_name"`
	ParamType      string     `json:"param_type"`
	Missing        bool       `json:"missing"`
	Text           *string    `json:"text,omitempty"`
	System         *string    `json:"system,omitempty"`
	Code           *string    `json:"code,omitempty"`
	Quantity       *float64   `json:"quantity,omitempty"`
	Comparator     *string    `json:"comparator,omitempty"`
	StartDate      *time.Time `json:"start_date,omitempty"`
	EndDate        *time.Time `json:"end_date,omitempty"`
	ReferencedURL  *string    `json:"referenced_url,omitempty"`
	ReferencedType *string    `json:"referenced_type,omitempty"`
	ReferencedID   *string    `json:"referenced_id,omitempty"`
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strVal(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Row flattens the entry into its persisted layout.
func (e *IndexEntry) Row() IndexRow {
	row := IndexRow{
		OwnerID:      e.OwnerID,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Version:      e.Version,
		ParamName:    e.ParamName,
		ParamType:    e.ParamType.String(),
		Missing:      e.Missing,
	}
	switch v := e.Value.(type) {
	case StringValue:
		row.Text = strPtr(v.Text)
	case TokenValue:
		row.System = strPtr(v.System)
		row.Code = strPtr(v.Code)
		row.Text = strPtr(v.Text)
	case QuantityValue:
		q := v.Value
		cmp := string(v.Comparator)
		if cmp == "" {
			cmp = string(CmpEq)
		}
		row.Quantity = &q
		row.Comparator = &cmp
		row.System = strPtr(v.System)
		row.Code = strPtr(v.Code)
	case DateValue:
		start, end := v.Start, v.End
		row.StartDate = &start
		row.EndDate = &end
	case ReferenceValue:
		row.ReferencedURL = strPtr(v.URL)
		row.Text = strPtr(v.Text)
		if v.Target != nil {
			row.ReferencedType = strPtr(v.Target.Type)
			row.ReferencedID = strPtr(v.Target.ID)
		}
	}
	return row
}

// Entry rebuilds the typed entry from its persisted layout.
func (r IndexRow) Entry() (IndexEntry, error) {
	pt, err := ParseSearchParamType(r.ParamType)
	if err != nil {
		return IndexEntry{}, err
	}
	e := IndexEntry{
		OwnerID:      r.OwnerID,
		ResourceType: r.ResourceType,
		ResourceID:   r.ResourceID,
		Version:      r.Version,
		ParamName:    r.ParamName,
		ParamType:    pt,
		Missing:      r.Missing,
	}
	if r.Missing {
		return e, nil
	}
	switch pt {
	case SearchParamString:
		e.Value = StringValue{Text: strVal(r.Text)}
	case SearchParamToken:
		e.Value = TokenValue{System: strVal(r.System), Code: strVal(r.Code), Text: strVal(r.Text)}
	case SearchParamQuantity:
		if r.Quantity == nil {
			return IndexEntry{}, fmt.Errorf("index row %s/%s %s: quantity without value", r.ResourceType, r.ResourceID, r.ParamName)
		}
		cmp := CmpEq
		if r.Comparator != nil {
			cmp = Comparator(*r.Comparator)
		}
		e.Value = QuantityValue{Value: *r.Quantity, Comparator: cmp, System: strVal(r.System), Code: strVal(r.Code)}
	case SearchParamDate:
		if r.StartDate == nil || r.EndDate == nil {
			return IndexEntry{}, fmt.Errorf("index row %s/%s %s: date without bounds", r.ResourceType, r.ResourceID, r.ParamName)
		}
		e.Value = DateValue{Start: r.StartDate.UTC(), End: r.EndDate.UTC()}
	case SearchParamReference:
		ref := ReferenceValue{URL: strVal(r.ReferencedURL), Text: strVal(r.Text)}
		if r.ReferencedType != nil && r.ReferencedID != nil {
			ref.Target = &ResourceRef{Type: *r.ReferencedType, ID: *r.ReferencedID}
		}
		e.Value = ref
	}
	return e, nil
}
