package fhir

import (
	"net/url"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultKeyCacheSize bounds the parsed-key cache of a Compiler.
const DefaultKeyCacheSize = 4096

// resultParams control paging and rendering; they never filter.
var resultParams = map[string]bool{
	"_count":  true,
	"_offset": true,
	"_format": true,
	"_sort":   true,
	"_total":  true,
}

// Compiler turns query-string parameters into a Query. It is safe for
// concurrent use.
type Compiler struct {
	registry *Registry
	maxDepth int
	baseURL  string
	keys     *lru.Cache[string, ParamKey]
}

// CompilerOption configures a Compiler.
type CompilerOption func(*compilerOptions)

type compilerOptions struct {
	maxDepth  int
	baseURL   string
	cacheSize int
}

// WithMaxChainDepth sets the number of chained hops a key may traverse.
func WithMaxChainDepth(n int) CompilerOption {
	return func(o *compilerOptions) { o.maxDepth = n }
}

// WithBaseURL sets the server's own root; references under it are internal.
func WithBaseURL(u string) CompilerOption {
	return func(o *compilerOptions) { o.baseURL = u }
}

// WithKeyCacheSize sets the parsed-key cache capacity.
func WithKeyCacheSize(n int) CompilerOption {
	return func(o *compilerOptions) { o.cacheSize = n }
}

// NewCompiler creates a compiler over the registry.
func NewCompiler(r *Registry, opts ...CompilerOption) (*Compiler, error) {
	o := compilerOptions{maxDepth: MaxChainDepth, cacheSize: DefaultKeyCacheSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxDepth < 0 {
		o.maxDepth = 0
	}
	if o.cacheSize <= 0 {
		o.cacheSize = DefaultKeyCacheSize
	}
	keys, err := lru.New[string, ParamKey](o.cacheSize)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		registry: r,
		maxDepth: o.maxDepth,
		baseURL:  trimBase(o.baseURL),
		keys:     keys,
	}, nil
}

func (c *Compiler) parseKey(raw string) (ParamKey, error) {
	if k, ok := c.keys.Get(raw); ok {
		return k, nil
	}
	k, err := ParseParamKey(raw)
	if err != nil {
		return ParamKey{}, err
	}
	c.keys.Add(raw, k)
	return k, nil
}

// Compile builds the query for resourceType owned by ownerID. Keys naming
// parameters the type does not declare are ignored. Any malformed key or
// value fails the whole compilation with an *InvalidQueryError.
func (c *Compiler) Compile(ownerID, resourceType string, params url.Values) (*Query, error) {
	return c.compile(ownerID, resourceType, params, 0, false)
}

func (c *Compiler) compile(ownerID, resourceType string, params url.Values, depth int, idOnly bool) (*Query, error) {
	if !c.registry.Has(resourceType) {
		return nil, invalidQuery("", "unknown resource type %q", resourceType)
	}
	declared := c.registry.SearchParams(resourceType)
	q := &Query{OwnerID: ownerID, ResourceType: resourceType, IDOnly: idOnly}

	raws := make([]string, 0, len(params))
	for raw := range params {
		raws = append(raws, raw)
	}
	sort.Strings(raws)

	for _, raw := range raws {
		values := params[raw]
		if raw == "_id" {
			for _, v := range values {
				ids, err := splitAlternatives(raw, v)
				if err != nil {
					return nil, err
				}
				q.restrictIDs(ids)
			}
			continue
		}
		if resultParams[raw] {
			continue
		}

		key, err := c.parseKey(raw)
		if err != nil {
			return nil, err
		}

		if key.Name == CoordinateParam {
			if binding, ok := c.registry.Coordinate(resourceType); ok {
				clauses, err := compileCoordinate(key, binding, declared, values)
				if err != nil {
					return nil, err
				}
				q.Clauses = append(q.Clauses, clauses...)
				continue
			}
		}

		kind, ok := declared[key.Name]
		if !ok {
			continue
		}
		for _, v := range values {
			clause, err := c.compileParam(ownerID, resourceType, key, kind, v, depth)
			if err != nil {
				return nil, err
			}
			q.Clauses = append(q.Clauses, clause)
		}
	}
	return q, nil
}

// restrictIDs intersects the id restriction with ids.
func (q *Query) restrictIDs(ids []string) {
	if !q.FilterIDs {
		q.FilterIDs = true
		q.IDs = append([]string(nil), ids...)
		return
	}
	allowed := make(map[string]bool, len(ids))
	for _, id := range ids {
		allowed[id] = true
	}
	kept := q.IDs[:0]
	for _, id := range q.IDs {
		if allowed[id] {
			kept = append(kept, id)
		}
	}
	q.IDs = kept
}

func (c *Compiler) compileParam(ownerID, resourceType string, key ParamKey, kind SearchParamType, value string, depth int) (Clause, error) {
	param := key.String()
	if key.TypeOverride != "" && kind != SearchParamReference {
		return Clause{}, invalidQuery(param, "unknown modifier %q for a %s parameter", key.TypeOverride, kind)
	}
	if key.HasChain() {
		if kind != SearchParamReference {
			return Clause{}, invalidQuery(param, "only reference parameters can be chained")
		}
		if key.Modifier == ModifierMissing || key.Modifier == ModifierText {
			return Clause{}, invalidQuery(param, "modifier %q cannot be chained", key.Modifier)
		}
	}

	switch key.Modifier {
	case ModifierMissing:
		return singleFilter(ParamFilter{Param: key.Name, Kind: kind, Cond: missingCondition(value)}), nil
	case ModifierExact:
		if kind != SearchParamString && kind != SearchParamToken && kind != SearchParamReference {
			return Clause{}, invalidQuery(param, "modifier exact does not apply to a %s parameter", kind)
		}
	}

	var refType string
	if kind == SearchParamReference && key.Modifier != ModifierText {
		var err error
		if refType, err = c.referencedType(resourceType, key); err != nil {
			return Clause{}, err
		}
		if key.HasChain() {
			cond, err := c.chainCondition(ownerID, refType, key, value, depth)
			if err != nil {
				return Clause{}, err
			}
			return singleFilter(ParamFilter{Param: key.Name, Kind: kind, Cond: cond}), nil
		}
	}

	alts, err := splitAlternatives(param, value)
	if err != nil {
		return Clause{}, err
	}
	effective := kind
	if key.Modifier == ModifierText {
		effective = SearchParamString
	}

	conds := make(AnyOf, 0, len(alts))
	for _, alt := range alts {
		var cond Condition
		switch effective {
		case SearchParamString:
			cond, err = parseText(param, alt, key.Modifier == ModifierExact)
		case SearchParamToken:
			cond, err = parseToken(param, alt)
		case SearchParamQuantity:
			cond, err = parseQuantity(param, alt)
		case SearchParamDate:
			cond, err = parseDate(param, alt)
		case SearchParamReference:
			cond, err = c.referenceCondition(param, refType, alt)
		default:
			err = invalidQuery(param, "unsupported parameter type %s", effective)
		}
		if err != nil {
			return Clause{}, err
		}
		conds = append(conds, cond)
	}

	var cond Condition = conds
	if len(conds) == 1 {
		cond = conds[0]
	}
	return singleFilter(ParamFilter{Param: key.Name, Kind: kind, Cond: cond}), nil
}
