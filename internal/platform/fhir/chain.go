package fhir

import (
	"net/url"
	"regexp"
	"strings"
)

// MaxChainDepth is the default number of reference hops a chained key may
// traverse, e.g. "lab.patient.name" is two hops.
const MaxChainDepth = 3

var resourceTypePattern = regexp.MustCompile(`^[A-Z][A-Za-z]+$`)

func trimBase(u string) string {
	return strings.TrimSuffix(u, "/")
}

// referencedType determines the single resource type a reference parameter
// points at for this key: the type modifier when present, otherwise the
// parameter's only declared target.
func (c *Compiler) referencedType(resourceType string, key ParamKey) (string, error) {
	targets := c.registry.ReferenceTargets(resourceType, key.Name)
	if key.TypeOverride != "" {
		if !resourceTypePattern.MatchString(key.TypeOverride) {
			return "", invalidQuery(key.String(), "unknown modifier %q", key.TypeOverride)
		}
		if !targets.Allows(key.TypeOverride) {
			return "", invalidQuery(key.String(), "%s is not a permitted target of %s", key.TypeOverride, key.Name)
		}
		return key.TypeOverride, nil
	}
	if t, ok := targets.Single(); ok {
		return t, nil
	}
	return "", invalidQuery(key.String(), "referenced type is ambiguous, add a type modifier such as %s:Patient", key.Name)
}

// chainCondition compiles the remainder of a chained key against the
// referenced type as an id-only sub-query.
func (c *Compiler) chainCondition(ownerID, refType string, key ParamKey, value string, depth int) (Condition, error) {
	if depth+1 > c.maxDepth {
		return nil, invalidQuery(key.String(), "chain exceeds %d hops", c.maxDepth)
	}
	if !c.registry.Has(refType) {
		return nil, invalidQuery(key.String(), "cannot chain into unknown resource type %s", refType)
	}
	sub, err := c.compile(ownerID, refType, url.Values{key.Chain: {value}}, depth+1, true)
	if err != nil {
		return nil, err
	}
	return ChainCond{Type: refType, Sub: sub}, nil
}

// referenceCondition compiles one reference alternative. A bare id or an
// internal Type/id matches resolved links; a reference under a foreign base
// matches the raw URL.
func (c *Compiler) referenceCondition(param, refType, value string) (Condition, error) {
	base, typ, id := parseReferenceLiteral(value)
	if typ == "" {
		return ReferenceCond{Type: refType, ID: id}, nil
	}
	if base != "" && base != c.baseURL {
		return ReferenceCond{URL: value}, nil
	}
	if typ != refType {
		return nil, invalidQuery(param, "reference %q is not a %s", value, refType)
	}
	return ReferenceCond{Type: typ, ID: id}, nil
}
