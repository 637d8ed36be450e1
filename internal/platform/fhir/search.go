package fhir

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SearchModifier is one of the reserved key modifiers. Any other modifier on
// a reference parameter is a type override and is kept in ParamKey.TypeOverride.
type SearchModifier string

const (
	ModifierNone    SearchModifier = ""
	ModifierMissing SearchModifier = "missing"
	ModifierText    SearchModifier = "text"
	ModifierExact   SearchModifier = "exact"
)

// ParamKey is a parsed query key: param[:modifier][.chain].
type ParamKey struct {
	Name         string
	Modifier     SearchModifier
	TypeOverride string
	// Chain is the remainder of the key after the first dot, itself a key
	// compiled against the referenced type.
	Chain string
}

// HasChain reports whether the key continues into a referenced resource.
func (k ParamKey) HasChain() bool { return k.Chain != "" }

func (k ParamKey) String() string {
	s := k.Name
	switch {
	case k.Modifier != ModifierNone:
		s += ":" + string(k.Modifier)
	case k.TypeOverride != "":
		s += ":" + k.TypeOverride
	}
	if k.HasChain() {
		s += "." + k.Chain
	}
	return s
}

var paramKeyPattern = regexp.MustCompile(`^([^.:]+)(?::([^.:]+))?(?:\.(.+))?$`)

// ParseParamKey splits a query key into its parts.
// Examples: "name:exact" -> {name, exact}, "lab.patient" -> {lab, chain: patient},
// "subject:Patient.name" -> {subject, override Patient, chain: name}.
func ParseParamKey(raw string) (ParamKey, error) {
	m := paramKeyPattern.FindStringSubmatch(raw)
	if m == nil {
		return ParamKey{}, invalidQuery(raw, "key does not match param[:modifier][.chain]")
	}
	key := ParamKey{Name: m[1], Chain: m[3]}
	switch mod := SearchModifier(m[2]); mod {
	case ModifierNone, ModifierMissing, ModifierText, ModifierExact:
		key.Modifier = mod
	default:
		key.TypeOverride = m[2]
	}
	return key, nil
}

// splitAlternatives splits a comma-separated value. Empty alternatives are
// rejected.
func splitAlternatives(param, value string) ([]string, error) {
	alts := strings.Split(value, ",")
	for _, a := range alts {
		if strings.TrimSpace(a) == "" {
			return nil, invalidQuery(param, "empty value in %q", value)
		}
	}
	return alts, nil
}

var (
	quantityPattern   = regexp.MustCompile(`^(<=|>=|<|>)?(-?\d+(?:\.\d+)?)(?:\|([^|]*)\|([^|]*))?$`)
	datePattern       = regexp.MustCompile(`^(<=|>=|<|>)?(.+)$`)
	coordinatePattern = regexp.MustCompile(`^(.+):(\d+)-(\d+)$`)
)

// parseQuantity parses [cmp]number[|system|code].
func parseQuantity(param, value string) (QuantityCond, error) {
	m := quantityPattern.FindStringSubmatch(value)
	if m == nil {
		return QuantityCond{}, invalidQuery(param, "%q is not a number or quantity", value)
	}
	n, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return QuantityCond{}, invalidQuery(param, "%q is not a number", m[2])
	}
	cmp, _ := ParseComparator(m[1])
	return QuantityCond{Comparator: cmp, Value: n, System: m[3], Code: m[4]}, nil
}

// parseDate parses [cmp]date.
func parseDate(param, value string) (DateCond, error) {
	m := datePattern.FindStringSubmatch(value)
	if m == nil {
		return DateCond{}, invalidQuery(param, "%q is not a date", value)
	}
	t, err := parseFlexDate(m[2])
	if err != nil {
		return DateCond{}, invalidQuery(param, "%v", err)
	}
	cmp, _ := ParseComparator(m[1])
	return DateCond{Comparator: cmp, Value: t}, nil
}

// parseToken parses [system|]code. "|code" matches any system.
func parseToken(param, value string) (TokenCond, error) {
	idx := strings.Index(value, "|")
	if idx < 0 {
		return TokenCond{Code: value}, nil
	}
	system, code := value[:idx], value[idx+1:]
	if code == "" {
		return TokenCond{}, invalidQuery(param, "token %q has no code", value)
	}
	return TokenCond{System: system, Code: code}, nil
}

// parseText builds a plain or exact text condition. A plain search splits on
// whitespace and matches any word case-insensitively.
func parseText(param, value string, exact bool) (TextCond, error) {
	if exact {
		return TextCond{Exact: true, Phrase: value}, nil
	}
	words := strings.Fields(value)
	if len(words) == 0 {
		return TextCond{}, invalidQuery(param, "empty text search")
	}
	return TextCond{Words: words}, nil
}

// Coordinate is a parsed chrom:start-end region.
type Coordinate struct {
	Chromosome string
	Start      int64
	End        int64
}

func parseCoordinate(value string) (Coordinate, error) {
	m := coordinatePattern.FindStringSubmatch(value)
	if m == nil {
		return Coordinate{}, invalidQuery(CoordinateParam, "%q is not chrom:start-end", value)
	}
	start, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Coordinate{}, invalidQuery(CoordinateParam, "bad start %q", m[2])
	}
	end, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return Coordinate{}, invalidQuery(CoordinateParam, "bad end %q", m[3])
	}
	if start > end {
		return Coordinate{}, invalidQuery(CoordinateParam, "start %d is after end %d", start, end)
	}
	return Coordinate{Chromosome: m[1], Start: start, End: end}, nil
}

// parseReferenceLiteral splits [base/]Type/id or a bare id. Type is empty
// for a bare id.
func parseReferenceLiteral(value string) (base, typ, id string) {
	if m := referencePattern.FindStringSubmatch(value); m != nil {
		return strings.TrimSuffix(m[1], "/"), m[2], m[3]
	}
	return "", "", value
}

// parseFlexDate parses a date string in multiple FHIR-supported formats.
// Values without a zone are taken as UTC.
func parseFlexDate(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04",
		"2006-01-02",
		"2006-01",
		"2006",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse date: %s", s)
}
