package resource

import (
	"fmt"
	"strings"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

const versionCols = `owner_id, resource_type, resource_id, version, visible, create_time, update_time, data`

// sqlRenderer turns a compiled query into a parameterised statement over
// resource_version and search_index. Every filter becomes a sub-select of
// resource ids; conjunctions INTERSECT them, alternatives UNION them and
// clauses add one "resource_id IN (...)" each.
type sqlRenderer struct {
	q *fhir.SearchQuery
}

// renderSearch builds the top-level query selecting visible versions.
func renderSearch(query *fhir.Query) (*fhir.SearchQuery, error) {
	sq := fhir.NewSearchQuery("resource_version", versionCols)
	r := sqlRenderer{q: sq}
	where, err := r.scope(query)
	if err != nil {
		return nil, err
	}
	for _, w := range where {
		sq.Add(w)
	}
	sq.OrderBy("update_time DESC, resource_id")
	return sq, nil
}

// scope returns the predicates over resource_version restricting it to the
// matches of query.
func (r sqlRenderer) scope(query *fhir.Query) ([]string, error) {
	where := []string{
		"owner_id = " + r.q.Arg(query.OwnerID),
		"resource_type = " + r.q.Arg(query.ResourceType),
		"visible",
	}
	if query.FilterIDs {
		if len(query.IDs) == 0 {
			where = append(where, "FALSE")
		} else {
			where = append(where, "resource_id IN ("+r.q.ArgList(query.IDs)+")")
		}
	}
	for _, clause := range query.Clauses {
		sub, err := r.clause(query, clause)
		if err != nil {
			return nil, err
		}
		where = append(where, "resource_id IN ("+sub+")")
	}
	return where, nil
}

// idSelect renders a chained query as a select of its resource ids.
func (r sqlRenderer) idSelect(query *fhir.Query) (string, error) {
	where, err := r.scope(query)
	if err != nil {
		return "", err
	}
	return "SELECT resource_id FROM resource_version WHERE " + strings.Join(where, " AND "), nil
}

func (r sqlRenderer) clause(query *fhir.Query, c fhir.Clause) (string, error) {
	alts := make([]string, 0, len(c.Alternatives))
	for _, conj := range c.Alternatives {
		s, err := r.conjunction(query, conj)
		if err != nil {
			return "", err
		}
		alts = append(alts, s)
	}
	if len(alts) == 1 {
		return alts[0], nil
	}
	return "(" + strings.Join(alts, ") UNION (") + ")", nil
}

func (r sqlRenderer) conjunction(query *fhir.Query, conj fhir.Conjunction) (string, error) {
	if len(conj) == 0 {
		return r.idSelect(&fhir.Query{OwnerID: query.OwnerID, ResourceType: query.ResourceType})
	}
	parts := make([]string, 0, len(conj))
	for _, f := range conj {
		s, err := r.filter(query, f)
		if err != nil {
			return "", err
		}
		parts = append(parts, s)
	}
	if len(parts) == 1 {
		return parts[0], nil
	}
	return "(" + strings.Join(parts, ") INTERSECT (") + ")", nil
}

// filter selects the resources with at least one visible entry for f.Param
// satisfying f.Cond.
func (r sqlRenderer) filter(query *fhir.Query, f fhir.ParamFilter) (string, error) {
	head := "SELECT si.resource_id FROM search_index si" +
		" JOIN resource_version sv ON sv.owner_id = si.owner_id AND sv.resource_type = si.resource_type" +
		" AND sv.resource_id = si.resource_id AND sv.version = si.version" +
		" WHERE sv.visible" +
		" AND si.owner_id = " + r.q.Arg(query.OwnerID) +
		" AND si.resource_type = " + r.q.Arg(query.ResourceType) +
		" AND si.param_name = " + r.q.Arg(f.Param) +
		" AND si.param_type = " + r.q.Arg(f.Kind.String())

	if mc, ok := f.Cond.(fhir.MissingCond); ok {
		return head + " AND si.missing = " + r.q.Arg(mc.Missing), nil
	}
	c, err := r.cond(f.Cond)
	if err != nil {
		return "", err
	}
	return head + " AND NOT si.missing AND (" + c + ")", nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r sqlRenderer) cond(c fhir.Condition) (string, error) {
	switch c := c.(type) {
	case fhir.MissingCond:
		return "si.missing = " + r.q.Arg(c.Missing), nil

	case fhir.TextCond:
		if c.Exact {
			pattern := "%" + fhir.TextDelimiter + likeEscaper.Replace(c.Phrase) + fhir.TextDelimiter + "%"
			return "si.text LIKE " + r.q.Arg(pattern), nil
		}
		words := make([]string, len(c.Words))
		for i, w := range c.Words {
			words[i] = "si.text ILIKE " + r.q.Arg("%"+likeEscaper.Replace(w)+"%")
		}
		return strings.Join(words, " OR "), nil

	case fhir.TokenCond:
		s := "si.code = " + r.q.Arg(c.Code)
		if c.System != "" {
			s += " AND si.system = " + r.q.Arg(c.System)
		}
		return s, nil

	case fhir.QuantityCond:
		s := "(" + r.quantity(c.Comparator, c.Value) + ")"
		if c.System != "" {
			s += " AND si.system = " + r.q.Arg(c.System)
		}
		if c.Code != "" {
			s += " AND si.code = " + r.q.Arg(c.Code)
		}
		return s, nil

	case fhir.DateCond:
		v := r.q.Arg(c.Value)
		switch c.Comparator {
		case fhir.CmpLt:
			return "si.end_date < " + v, nil
		case fhir.CmpLe:
			return "si.end_date <= " + v, nil
		case fhir.CmpGt:
			return "si.start_date > " + v, nil
		case fhir.CmpGe:
			return "si.start_date >= " + v, nil
		default:
			return "si.start_date <= " + v + " AND si.end_date >= " + v, nil
		}

	case fhir.ReferenceCond:
		if c.URL != "" {
			return "si.referenced_url = " + r.q.Arg(c.URL), nil
		}
		return "si.referenced_type = " + r.q.Arg(c.Type) + " AND si.referenced_id = " + r.q.Arg(c.ID), nil

	case fhir.ChainCond:
		typ := r.q.Arg(c.Type)
		sub, err := r.idSelect(c.Sub)
		if err != nil {
			return "", err
		}
		return "si.referenced_type = " + typ + " AND si.referenced_id IN (" + sub + ")", nil

	case fhir.AnyOf:
		alts := make([]string, 0, len(c))
		for _, alt := range c {
			s, err := r.cond(alt)
			if err != nil {
				return "", err
			}
			alts = append(alts, "("+s+")")
		}
		return strings.Join(alts, " OR "), nil
	}
	return "", fmt.Errorf("render condition: unsupported %T", c)
}

// quantity renders interval overlap between the stored bound
// (si.comparator, si.quantity) and the queried one.
func (r sqlRenderer) quantity(cmp fhir.Comparator, value float64) string {
	v := r.q.Arg(value)
	switch cmp {
	case fhir.CmpLt:
		return "si.comparator IN ('<', '<=') OR si.quantity < " + v
	case fhir.CmpLe:
		return "si.comparator IN ('<', '<=')" +
			" OR (si.comparator IN ('=', '>=') AND si.quantity <= " + v + ")" +
			" OR (si.comparator = '>' AND si.quantity < " + v + ")"
	case fhir.CmpGt:
		return "si.comparator IN ('>', '>=') OR si.quantity > " + v
	case fhir.CmpGe:
		return "si.comparator IN ('>', '>=')" +
			" OR (si.comparator IN ('=', '<=') AND si.quantity >= " + v + ")" +
			" OR (si.comparator = '<' AND si.quantity > " + v + ")"
	default:
		return "(si.comparator = '=' AND si.quantity = " + v + ")" +
			" OR (si.comparator = '<' AND si.quantity > " + v + ")" +
			" OR (si.comparator = '<=' AND si.quantity >= " + v + ")" +
			" OR (si.comparator = '>' AND si.quantity < " + v + ")" +
			" OR (si.comparator = '>=' AND si.quantity <= " + v + ")"
	}
}
