package fhir

import (
	"fmt"
	"strings"
)

// SearchQuery accumulates a parameterised SQL WHERE clause. Placeholders are
// numbered in the order arguments are bound.
type SearchQuery struct {
	table   string
	cols    string
	where   string
	args    []interface{}
	idx     int
	orderBy string
}

// NewSearchQuery creates a new SearchQuery for the given table and columns.
func NewSearchQuery(table, cols string) *SearchQuery {
	return &SearchQuery{
		table: table,
		cols:  cols,
		idx:   1,
	}
}

// Arg binds v and returns its placeholder.
func (q *SearchQuery) Arg(v interface{}) string {
	q.args = append(q.args, v)
	q.idx++
	return fmt.Sprintf("$%d", q.idx-1)
}

// ArgList binds every value and returns the comma-separated placeholders.
func (q *SearchQuery) ArgList(vs []string) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		ph[i] = q.Arg(v)
	}
	return strings.Join(ph, ", ")
}

// Add appends a raw WHERE clause fragment (without leading "AND"). The
// fragment's placeholders must already have been bound with Arg.
func (q *SearchQuery) Add(clause string) {
	q.where += " AND " + clause
}

// Where returns the accumulated clause without the leading "AND".
func (q *SearchQuery) Where() string {
	return strings.TrimPrefix(q.where, " AND ")
}

// OrderBy sets the ORDER BY clause (without the "ORDER BY" keyword).
func (q *SearchQuery) OrderBy(orderBy string) {
	q.orderBy = orderBy
}

// CountSQL returns the count query SQL.
func (q *SearchQuery) CountSQL() string {
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE 1=1%s", q.table, q.where)
}

// CountArgs returns the arguments for the count query.
func (q *SearchQuery) CountArgs() []interface{} {
	return q.args
}

// SelectSQL returns the data query without paging.
func (q *SearchQuery) SelectSQL() string {
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE 1=1%s", q.cols, q.table, q.where)
	if q.orderBy != "" {
		sql += " ORDER BY " + q.orderBy
	}
	return sql
}

// DataSQL returns the data query SQL with ORDER BY and LIMIT/OFFSET.
func (q *SearchQuery) DataSQL(limit, offset int) string {
	return q.SelectSQL() + fmt.Sprintf(" LIMIT $%d OFFSET $%d", q.idx, q.idx+1)
}

// DataArgs returns the arguments for the data query (search args + limit + offset).
func (q *SearchQuery) DataArgs(limit, offset int) []interface{} {
	result := make([]interface{}, len(q.args)+2)
	copy(result, q.args)
	result[len(q.args)] = limit
	result[len(q.args)+1] = offset
	return result
}
