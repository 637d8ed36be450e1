package fhir

import (
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed specs/*.json
var builtinSpecs embed.FS

// Unbounded is the Max of an element that may repeat.
const Unbounded = -1

// AnyResourceType is the reference target sentinel meaning "unconstrained".
const AnyResourceType = "Any"

// SearchParamBinding binds a schema element to a named search parameter.
type SearchParamBinding struct {
	Name string
	Type SearchParamType
}

// Element describes one dot-separated path of a resource schema.
type Element struct {
	Path        string
	Min         int
	Max         int // 1 or Unbounded
	Types       []string
	SearchParam *SearchParamBinding

	segments []string
	// absence is permitted when this element or one of its ancestors has Min 0
	optional bool
}

// Repeats reports whether the element has cardinality "many".
func (e *Element) Repeats() bool { return e.Max == Unbounded }

// Targets lists the resource types a reference parameter may point at.
type Targets struct {
	Any   bool
	Types []string
}

// Single returns the only concrete target type, if there is exactly one.
func (t Targets) Single() (string, bool) {
	if t.Any || len(t.Types) != 1 {
		return "", false
	}
	return t.Types[0], true
}

// Allows reports whether resourceType is a permissible target.
func (t Targets) Allows(resourceType string) bool {
	if t.Any {
		return true
	}
	for _, rt := range t.Types {
		if rt == resourceType {
			return true
		}
	}
	return false
}

// CoordinateBinding names the parameters a genomic coordinate search is
// compiled onto.
type CoordinateBinding struct {
	Chromosome string `json:"chromosome"`
	Start      string `json:"start"`
	End        string `json:"end"`
}

// CoordinateParam is the composite search parameter answered through a
// CoordinateBinding.
const CoordinateParam = "coordinate"

// ResourceSchema is the loaded schema of one resource type.
type ResourceSchema struct {
	Type       string
	Elements   []Element
	Params     map[string]SearchParamType
	Targets    map[string]Targets
	Coordinate *CoordinateBinding
}

// Registry is the read-only set of resource schemas. It is built once at
// startup and never mutated, so it is safe for concurrent use.
type Registry struct {
	schemas map[string]*ResourceSchema
	order   []string
}

// SchemaDocument is the declarative, versionable schema format. Elements are
// listed in document order; the validator and indexer walk them in that order.
type SchemaDocument struct {
	ResourceType string             `json:"resourceType"`
	Elements     []ElementDocument  `json:"elements"`
	Coordinate   *CoordinateBinding `json:"coordinate,omitempty"`
}

type ElementDocument struct {
	Path       string `json:"path"`
	Definition struct {
		Min  int             `json:"min"`
		Max  json.RawMessage `json:"max"`
		Type []struct {
			Code string `json:"code"`
		} `json:"type"`
	} `json:"definition"`
	SearchParam *struct {
		Name   string   `json:"name"`
		Type   string   `json:"type"`
		Target []string `json:"target,omitempty"`
	} `json:"searchParam,omitempty"`
}

// DefaultRegistry loads the schemas embedded in the binary.
func DefaultRegistry() (*Registry, error) {
	sub, err := fs.Sub(builtinSpecs, "specs")
	if err != nil {
		return nil, fmt.Errorf("open embedded specs: %w", err)
	}
	return LoadRegistry(sub)
}

// LoadRegistryDir loads every *.json schema document in dir.
func LoadRegistryDir(dir string) (*Registry, error) {
	return LoadRegistry(os.DirFS(dir))
}

// LoadRegistry loads every *.json schema document at the root of fsys.
func LoadRegistry(fsys fs.FS) (*Registry, error) {
	names, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return nil, fmt.Errorf("list schema documents: %w", err)
	}
	sort.Strings(names)

	var docs []SchemaDocument
	for _, name := range names {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		var doc SchemaDocument
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		docs = append(docs, doc)
	}
	return NewRegistry(docs...)
}

// ParseSchemaDocument decodes one schema document.
func ParseSchemaDocument(raw []byte) (SchemaDocument, error) {
	var doc SchemaDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse schema: %w", err)
	}
	return doc, nil
}

// NewRegistry builds a registry from decoded schema documents.
func NewRegistry(docs ...SchemaDocument) (*Registry, error) {
	r := &Registry{schemas: make(map[string]*ResourceSchema)}
	for _, doc := range docs {
		s, err := buildSchema(doc)
		if err != nil {
			return nil, err
		}
		if _, dup := r.schemas[s.Type]; dup {
			return nil, fmt.Errorf("duplicate schema for %s", s.Type)
		}
		r.schemas[s.Type] = s
		r.order = append(r.order, s.Type)
	}
	sort.Strings(r.order)
	return r, nil
}

func parseMax(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 1, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, fmt.Errorf("max must be a string or integer, got %s", string(raw))
		}
		s = strconv.Itoa(n)
	}
	if s == "*" {
		return Unbounded, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid max %q", s)
	}
	if n > 1 {
		return Unbounded, nil
	}
	return n, nil
}

func buildSchema(doc SchemaDocument) (*ResourceSchema, error) {
	if doc.ResourceType == "" {
		return nil, fmt.Errorf("schema without resourceType")
	}
	s := &ResourceSchema{
		Type:    doc.ResourceType,
		Params:  make(map[string]SearchParamType),
		Targets: make(map[string]Targets),
	}

	optionalPaths := make(map[string]bool)
	for _, ed := range doc.Elements {
		segs := strings.Split(ed.Path, ".")
		if segs[0] != doc.ResourceType {
			return nil, fmt.Errorf("%s: element %q is not rooted at the resource", doc.ResourceType, ed.Path)
		}
		max, err := parseMax(ed.Definition.Max)
		if err != nil {
			return nil, fmt.Errorf("%s: element %q: %w", doc.ResourceType, ed.Path, err)
		}
		el := Element{
			Path:     ed.Path,
			Min:      ed.Definition.Min,
			Max:      max,
			segments: segs,
		}
		for _, t := range ed.Definition.Type {
			el.Types = append(el.Types, t.Code)
		}
		if len(segs) > 1 && el.Min == 0 {
			optionalPaths[ed.Path] = true
		}
		el.optional = el.Min == 0
		for i := 2; i < len(segs) && !el.optional; i++ {
			el.optional = optionalPaths[strings.Join(segs[:i], ".")]
		}

		if sp := ed.SearchParam; sp != nil {
			pt, err := ParseSearchParamType(sp.Type)
			if err != nil {
				return nil, fmt.Errorf("%s: element %q: %w", doc.ResourceType, ed.Path, err)
			}
			if _, dup := s.Params[sp.Name]; dup {
				return nil, fmt.Errorf("%s: search parameter %q bound twice", doc.ResourceType, sp.Name)
			}
			el.SearchParam = &SearchParamBinding{Name: sp.Name, Type: pt}
			s.Params[sp.Name] = pt
			if pt == SearchParamReference {
				s.Targets[sp.Name] = buildTargets(sp.Target)
			}
		}
		s.Elements = append(s.Elements, el)
	}

	if c := doc.Coordinate; c != nil {
		for _, p := range []string{c.Chromosome, c.Start, c.End} {
			if _, ok := s.Params[p]; !ok {
				return nil, fmt.Errorf("%s: coordinate binds unknown parameter %q", doc.ResourceType, p)
			}
		}
		if _, clash := s.Params[CoordinateParam]; clash {
			return nil, fmt.Errorf("%s: %q is reserved for the coordinate search", doc.ResourceType, CoordinateParam)
		}
		binding := *c
		s.Coordinate = &binding
	}
	return s, nil
}

func buildTargets(types []string) Targets {
	if len(types) == 0 {
		return Targets{Any: true}
	}
	var t Targets
	for _, rt := range types {
		if rt == AnyResourceType {
			return Targets{Any: true}
		}
		t.Types = append(t.Types, path.Base(rt))
	}
	return t
}

// Has reports whether resourceType has a schema.
func (r *Registry) Has(resourceType string) bool {
	_, ok := r.schemas[resourceType]
	return ok
}

// ResourceTypes returns the known resource types in lexical order.
func (r *Registry) ResourceTypes() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Schema returns the schema of resourceType.
func (r *Registry) Schema(resourceType string) (*ResourceSchema, bool) {
	s, ok := r.schemas[resourceType]
	return s, ok
}

// Elements returns the ordered element list of resourceType.
func (r *Registry) Elements(resourceType string) []Element {
	if s, ok := r.schemas[resourceType]; ok {
		return s.Elements
	}
	return nil
}

// SearchParams returns the search parameter kinds declared for resourceType.
func (r *Registry) SearchParams(resourceType string) map[string]SearchParamType {
	if s, ok := r.schemas[resourceType]; ok {
		return s.Params
	}
	return nil
}

// ReferenceTargets returns the permissible targets of a reference parameter.
// Unknown parameters are unconstrained.
func (r *Registry) ReferenceTargets(resourceType, param string) Targets {
	if s, ok := r.schemas[resourceType]; ok {
		if t, ok := s.Targets[param]; ok {
			return t
		}
	}
	return Targets{Any: true}
}

// Coordinate returns the coordinate binding of resourceType, if it has one.
func (r *Registry) Coordinate(resourceType string) (CoordinateBinding, bool) {
	if s, ok := r.schemas[resourceType]; ok && s.Coordinate != nil {
		return *s.Coordinate, true
	}
	return CoordinateBinding{}, false
}
