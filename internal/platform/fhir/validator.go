package fhir

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

var (
	dateRe     = regexp.MustCompile(`^-?([1-9][0-9]{3}|0[0-9]{3})(-(0[1-9]|1[0-2])(-(0[1-9]|[12][0-9]|3[01]))?)?$`)
	dateTimeRe = regexp.MustCompile(`^-?([1-9][0-9]{3}|0[0-9]{3})(-(0[1-9]|1[0-2])(-(0[1-9]|[12][0-9]|3[01])(T(([01][0-9]|2[0-3]):[0-5][0-9]:[0-5][0-9](\.[0-9]+)?|(24:00:00(\.0+)?))(Z|(\+|-)((0[0-9]|1[0-3]):[0-5][0-9]|14:00))?)?)?)?$`)
	instantRe  = regexp.MustCompile(`^[1-9][0-9]{3}-.+T[^.]+(Z|[+-].+)$`)
	idRe       = regexp.MustCompile(`^[A-Za-z0-9\-\.]{1,64}$`)
	uriRe      = regexp.MustCompile(`^\S+$`)
	oidRe      = regexp.MustCompile(`^urn:oid:\d+\.\d+\.\d+\.\d+`)
	uuidRe     = regexp.MustCompile(`^urn:uuid:[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)
)

// primitiveCheck reports whether a decoded JSON value conforms to a primitive type.
type primitiveCheck func(v interface{}) bool

func stringMatching(re *regexp.Regexp) primitiveCheck {
	return func(v interface{}) bool {
		s, ok := v.(string)
		return ok && re.MatchString(s)
	}
}

func isString(v interface{}) bool {
	_, ok := v.(string)
	return ok
}

func isBool(v interface{}) bool {
	_, ok := v.(bool)
	return ok
}

func isDecimal(v interface{}) bool {
	_, ok := v.(float64)
	return ok
}

func isInteger(v interface{}) bool {
	f, ok := v.(float64)
	return ok && f == math.Trunc(f)
}

var primitiveChecks = map[string]primitiveCheck{
	"string":       isString,
	"code":         isString,
	"markdown":     isString,
	"base64Binary": isString,
	"id":           stringMatching(idRe),
	"uri":          stringMatching(uriRe),
	"oid":          stringMatching(oidRe),
	"uuid":         stringMatching(uuidRe),
	"date":         stringMatching(dateRe),
	"dateTime":     stringMatching(dateTimeRe),
	"instant":      stringMatching(instantRe),
	"boolean":      isBool,
	"integer":      isInteger,
	"decimal":      isDecimal,
}

// coercePrimitive converts a textual value into the JSON shape of the
// primitive type, returning false when no conversion applies.
func coercePrimitive(v interface{}, typ string) (interface{}, bool) {
	s, ok := v.(string)
	if !ok {
		return nil, false
	}
	switch typ {
	case "boolean":
		b, err := strconv.ParseBool(s)
		return b, err == nil
	case "integer":
		n, err := strconv.Atoi(s)
		return float64(n), err == nil
	case "decimal":
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return nil, false
}

// Validator checks documents against the registry before they are persisted
// or indexed.
type Validator struct {
	registry *Registry
	correct  bool
}

// NewValidator returns a strict validator.
func NewValidator(r *Registry) *Validator {
	return &Validator{registry: r}
}

// WithCorrection returns a copy that repairs what it can in place: a single
// value where a list is declared is wrapped into a one-item list, and
// textual booleans and numbers are converted to their JSON types.
func (v *Validator) WithCorrection() *Validator {
	cp := *v
	cp.correct = true
	return &cp
}

// Validate checks doc against the schema of resourceType and returns a
// *SchemaViolationError listing every issue found. In correction mode doc may
// be modified.
func (v *Validator) Validate(resourceType string, doc map[string]interface{}) error {
	schema, ok := v.registry.Schema(resourceType)
	if !ok {
		return &SchemaViolationError{ResourceType: resourceType, Issues: []string{"unknown resource type"}}
	}

	var issues []string
	if rt, _ := doc["resourceType"].(string); rt != resourceType {
		issues = append(issues, fmt.Sprintf("resourceType is %q, expected %q", rt, resourceType))
	}

	for i := range schema.Elements {
		el := &schema.Elements[i]
		if len(el.segments) < 2 {
			continue
		}
		leaf := el.segments[len(el.segments)-1]
		for _, parent := range parentsOf(doc, el.segments) {
			issues = append(issues, v.checkElement(el, parent, leaf)...)
		}
	}

	if len(issues) > 0 {
		return &SchemaViolationError{ResourceType: resourceType, Issues: issues}
	}
	return nil
}

func (v *Validator) checkElement(el *Element, parent map[string]interface{}, leaf string) []string {
	val, present := parent[leaf]
	if !present || val == nil {
		if el.Min > 0 {
			return []string{el.Path + ": required element is missing"}
		}
		return nil
	}

	if arr, isArr := val.([]interface{}); isArr {
		if !el.Repeats() {
			return []string{el.Path + ": a list is not allowed, cardinality is at most 1"}
		}
		var issues []string
		for i := range arr {
			fixed, issue := v.checkValue(el, arr[i])
			if issue != "" {
				issues = append(issues, fmt.Sprintf("%s[%d]: %s", el.Path, i, issue))
				continue
			}
			arr[i] = fixed
		}
		return issues
	}

	if el.Repeats() && !v.correct {
		return []string{el.Path + ": expected a list"}
	}
	fixed, issue := v.checkValue(el, val)
	if issue != "" {
		return []string{el.Path + ": " + issue}
	}
	if el.Repeats() {
		parent[leaf] = []interface{}{fixed}
	} else {
		parent[leaf] = fixed
	}
	return nil
}

// checkValue validates one value against the element's declared types. An
// element declaring several types must satisfy all of them.
func (v *Validator) checkValue(el *Element, val interface{}) (interface{}, string) {
	for _, typ := range el.Types {
		check, primitive := primitiveChecks[typ]
		if !primitive {
			if _, ok := val.(map[string]interface{}); !ok {
				return val, "expected a " + typ + " object"
			}
			continue
		}
		if check(val) {
			continue
		}
		if v.correct {
			if fixed, ok := coercePrimitive(val, typ); ok {
				val = fixed
				continue
			}
		}
		return val, "expected " + typ
	}
	return val, ""
}
