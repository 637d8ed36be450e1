package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts pagination parameters from the query string.
func FromContext(c echo.Context) Params {
	return FromValues(c.QueryParams())
}

// FromValues reads _count/_offset, falling back to limit/offset.
func FromValues(v url.Values) Params {
	limit, _ := strconv.Atoi(v.Get("_count"))
	if limit <= 0 {
		limit, _ = strconv.Atoi(v.Get("limit"))
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(v.Get("_offset"))
	if offset <= 0 {
		offset, _ = strconv.Atoi(v.Get("offset"))
	}
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

// HasPrevious returns true if there are results before the current page.
func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset returns the offset for the previous page.
// Returns 0 if the result would be negative.
func (p Params) PreviousOffset() int {
	prev := p.Offset - p.Limit
	if prev < 0 {
		return 0
	}
	return prev
}

// LastOffset returns the offset of the final page of total results.
func (p Params) LastOffset(total int) int {
	if total <= 0 {
		return 0
	}
	return (total - 1) / p.Limit * p.Limit
}

// FHIRLinks generates FHIR Bundle pagination links for a search result.
// basePath should be the search URL without a query (e.g. "/fhir/Patient").
// Every parameter of query except the paging ones is carried into each link.
func (p Params) FHIRLinks(basePath string, query url.Values, total int) []FHIRLink {
	links := []FHIRLink{
		{Relation: "self", URL: p.link(basePath, query, p.Offset)},
		{Relation: "first", URL: p.link(basePath, query, 0)},
	}

	if p.HasNext(total) {
		links = append(links, FHIRLink{Relation: "next", URL: p.link(basePath, query, p.NextOffset())})
	}

	if p.HasPrevious() {
		links = append(links, FHIRLink{Relation: "previous", URL: p.link(basePath, query, p.PreviousOffset())})
	}

	links = append(links, FHIRLink{Relation: "last", URL: p.link(basePath, query, p.LastOffset(total))})

	return links
}

func (p Params) link(basePath string, query url.Values, offset int) string {
	v := url.Values{}
	for k, vals := range query {
		switch k {
		case "_count", "_offset", "limit", "offset":
			continue
		}
		v[k] = append([]string(nil), vals...)
	}
	v.Set("_count", strconv.Itoa(p.Limit))
	v.Set("_offset", strconv.Itoa(offset))
	return basePath + "?" + v.Encode()
}

// FHIRLink represents a single FHIR Bundle link entry.
type FHIRLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
