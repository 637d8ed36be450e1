package fhir

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// referencePattern splits a literal reference into [base/]Type/id.
var referencePattern = regexp.MustCompile(`^(?:(.+)/)?([A-Z][A-Za-z]+)/([^/]+)$`)

// ReferenceResolver reports whether a resource is currently visible for an
// owner. The resource repositories implement it.
type ReferenceResolver interface {
	ResolveVisible(ctx context.Context, ownerID, resourceType, id string) (bool, error)
}

// Indexer projects validated documents into typed index entries.
type Indexer struct {
	registry *Registry
	resolver ReferenceResolver
	baseURL  string
	logger   zerolog.Logger
}

// NewIndexer creates an indexer. References whose base equals baseURL, or
// that carry no base, are resolved through resolver; a nil resolver leaves
// every reference unresolved.
func NewIndexer(r *Registry, resolver ReferenceResolver, baseURL string, logger zerolog.Logger) *Indexer {
	return &Indexer{
		registry: r,
		resolver: resolver,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		logger:   logger,
	}
}

// Index returns the entries of every search parameter bound in the schema of
// resourceType. ResourceID and Version are left for the caller to stamp. The
// document must already have passed validation.
func (ix *Indexer) Index(ctx context.Context, ownerID, resourceType string, doc map[string]interface{}) ([]IndexEntry, error) {
	schema, ok := ix.registry.Schema(resourceType)
	if !ok {
		return nil, &SchemaViolationError{ResourceType: resourceType, Issues: []string{"unknown resource type"}}
	}

	var entries []IndexEntry
	for i := range schema.Elements {
		el := &schema.Elements[i]
		if el.SearchParam == nil || len(el.segments) < 2 {
			continue
		}
		base := IndexEntry{
			OwnerID:      ownerID,
			ResourceType: resourceType,
			ParamName:    el.SearchParam.Name,
			ParamType:    el.SearchParam.Type,
		}

		found := occurrences(doc, el.segments)
		if len(found) == 0 {
			if el.optional {
				base.Missing = true
				entries = append(entries, base)
			}
			continue
		}

		for _, occ := range found {
			val, err := ix.project(ctx, ownerID, el, occ)
			if err != nil {
				return nil, err
			}
			e := base
			e.Value = val
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (ix *Indexer) project(ctx context.Context, ownerID string, el *Element, occ interface{}) (IndexValue, error) {
	var (
		val IndexValue
		err error
	)
	switch el.SearchParam.Type {
	case SearchParamString:
		val = StringValue{Text: delimit(textLeaves(occ, nil))}
	case SearchParamToken:
		val, err = projectToken(occ)
	case SearchParamQuantity:
		val, err = projectQuantity(occ)
	case SearchParamDate:
		val, err = projectDate(occ)
	case SearchParamReference:
		return ix.projectReference(ctx, ownerID, occ)
	default:
		err = fmt.Errorf("unsupported search parameter type %s", el.SearchParam.Type)
	}
	if err != nil {
		return nil, &SchemaViolationError{
			ResourceType: el.segments[0],
			Issues:       []string{fmt.Sprintf("%s: %v", el.Path, err)},
		}
	}
	return val, nil
}

// delimit wraps and joins values with TextDelimiter: ["a","b"] -> "::a::b::".
func delimit(values []string) string {
	return TextDelimiter + strings.Join(values, TextDelimiter) + TextDelimiter
}

// textLeaves collects every textual leaf below v, visiting object keys in
// lexical order so the result is deterministic.
func textLeaves(v interface{}, acc []string) []string {
	switch t := v.(type) {
	case string:
		return append(acc, t)
	case float64:
		return append(acc, strconv.FormatFloat(t, 'f', -1, 64))
	case bool:
		return append(acc, strconv.FormatBool(t))
	case []interface{}:
		for _, item := range t {
			acc = textLeaves(item, acc)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			acc = textLeaves(t[k], acc)
		}
	}
	return acc
}

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

// projectToken indexes a code, a Coding, an Identifier, or a CodeableConcept.
// Only the first coding of a CodeableConcept is indexed.
func projectToken(occ interface{}) (IndexValue, error) {
	switch t := occ.(type) {
	case string:
		return TokenValue{Code: t}, nil
	case bool:
		return TokenValue{Code: strconv.FormatBool(t)}, nil
	case map[string]interface{}:
		_, hasCoding := t["coding"]
		_, hasText := t["text"]
		_, hasValue := t["value"]
		_, hasCode := t["code"]

		if hasValue && !hasCode && !hasCoding {
			tok := TokenValue{System: stringField(t, "system"), Code: stringField(t, "value")}
			if typ, ok := t["type"].(map[string]interface{}); ok {
				if txt := stringField(typ, "text"); txt != "" {
					tok.Text = delimit([]string{txt})
				}
			}
			return tok, nil
		}

		coding := t
		if hasCoding || hasText {
			coding = map[string]interface{}{}
			if list, ok := t["coding"].([]interface{}); ok && len(list) > 0 {
				if first, ok := list[0].(map[string]interface{}); ok {
					coding = first
				}
			}
		}

		var texts []string
		if d := stringField(coding, "display"); d != "" {
			texts = append(texts, d)
		}
		if txt := stringField(t, "text"); txt != "" {
			texts = append(texts, txt)
		}
		tok := TokenValue{System: stringField(coding, "system"), Code: stringField(coding, "code")}
		if len(texts) > 0 {
			tok.Text = delimit(texts)
		}
		return tok, nil
	}
	return nil, fmt.Errorf("cannot index %T as a token", occ)
}

func projectQuantity(occ interface{}) (IndexValue, error) {
	switch t := occ.(type) {
	case float64:
		return QuantityValue{Value: t, Comparator: CmpEq}, nil
	case map[string]interface{}:
		n, ok := t["value"].(float64)
		if !ok {
			return nil, fmt.Errorf("quantity has no numeric value")
		}
		cmp, ok := ParseComparator(stringField(t, "comparator"))
		if !ok {
			return nil, fmt.Errorf("unknown quantity comparator %q", stringField(t, "comparator"))
		}
		return QuantityValue{
			Value:      n,
			Comparator: cmp,
			System:     stringField(t, "system"),
			Code:       stringField(t, "code"),
		}, nil
	}
	return nil, fmt.Errorf("cannot index %T as a quantity", occ)
}

// projectDate indexes an instant as a point and a period as its bounds, with
// the open extremes standing in for a missing bound.
func projectDate(occ interface{}) (IndexValue, error) {
	switch t := occ.(type) {
	case string:
		d, err := parseFlexDate(t)
		if err != nil {
			return nil, err
		}
		return DateValue{Start: d, End: d}, nil
	case map[string]interface{}:
		start, end := MinDate, MaxDate
		s, hasStart := t["start"].(string)
		e, hasEnd := t["end"].(string)
		if !hasStart && !hasEnd {
			return nil, fmt.Errorf("period has neither start nor end")
		}
		var err error
		if hasStart {
			if start, err = parseFlexDate(s); err != nil {
				return nil, err
			}
		}
		if hasEnd {
			if end, err = parseFlexDate(e); err != nil {
				return nil, err
			}
		}
		return DateValue{Start: start, End: end}, nil
	}
	return nil, fmt.Errorf("cannot index %T as a date", occ)
}

func (ix *Indexer) projectReference(ctx context.Context, ownerID string, occ interface{}) (IndexValue, error) {
	m, ok := occ.(map[string]interface{})
	if !ok {
		return ReferenceValue{}, nil
	}
	ref := ReferenceValue{URL: stringField(m, "reference")}
	if d := stringField(m, "display"); d != "" {
		ref.Text = delimit([]string{d})
	}
	if ref.URL == "" {
		return ref, nil
	}

	parts := referencePattern.FindStringSubmatch(ref.URL)
	if parts == nil {
		return ref, nil
	}
	base, typ, id := strings.TrimSuffix(parts[1], "/"), parts[2], parts[3]
	if base != "" && base != ix.baseURL {
		return ref, nil
	}
	if ix.resolver == nil {
		return ref, nil
	}

	visible, err := ix.resolver.ResolveVisible(ctx, ownerID, typ, id)
	if err != nil {
		return nil, fmt.Errorf("resolve reference %s: %w", ref.URL, err)
	}
	if !visible {
		ix.logger.Debug().Str("owner", ownerID).Str("reference", ref.URL).Msg("reference target not visible, left unresolved")
		return ref, nil
	}
	ref.Target = &ResourceRef{Type: typ, ID: id}
	return ref, nil
}
