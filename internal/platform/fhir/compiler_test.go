package fhir

import (
	"errors"
	"net/url"
	"testing"
)

const testBaseURL = "https://fhir.example.org/api"

func newTestCompiler(t *testing.T, opts ...CompilerOption) *Compiler {
	t.Helper()
	opts = append([]CompilerOption{WithBaseURL(testBaseURL)}, opts...)
	c, err := NewCompiler(mustRegistry(t), opts...)
	if err != nil {
		t.Fatalf("NewCompiler: %v", err)
	}
	return c
}

func mustCompile(t *testing.T, c *Compiler, resourceType, rawQuery string) *Query {
	t.Helper()
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		t.Fatalf("ParseQuery(%q): %v", rawQuery, err)
	}
	q, err := c.Compile("owner-1", resourceType, params)
	if err != nil {
		t.Fatalf("Compile(%s?%s): %v", resourceType, rawQuery, err)
	}
	return q
}

// onlyFilter returns the filter of a query made of exactly one single-filter clause.
func onlyFilter(t *testing.T, q *Query) ParamFilter {
	t.Helper()
	if len(q.Clauses) != 1 {
		t.Fatalf("want 1 clause, got %d", len(q.Clauses))
	}
	alts := q.Clauses[0].Alternatives
	if len(alts) != 1 || len(alts[0]) != 1 {
		t.Fatalf("want a single filter, got %+v", alts)
	}
	return alts[0][0]
}

func TestCompile_DropsUndeclaredAndResultParams(t *testing.T) {
	c := newTestCompiler(t)
	q := mustCompile(t, c, "Patient", "foo=bar&_count=10&_offset=5&_sort=name&_format=json&_total=accurate&coordinate=1:1-2")
	if !q.Empty() {
		t.Errorf("expected an unconstrained query, got %+v", q)
	}
	if q.OwnerID != "owner-1" || q.ResourceType != "Patient" || q.IDOnly {
		t.Errorf("query scope = %+v", q)
	}
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name         string
		resourceType string
		query        string
	}{
		{"unknown resource type", "Encounter", "name=x"},
		{"malformed key", "Patient", "name:=x"},
		{"malformed key on undeclared param", "Patient", "foo:a:b=x"},
		{"empty alternative", "Patient", "gender=male,"},
		{"exact on date", "Patient", "birthdate:exact=2015"},
		{"exact on quantity", "Sequence", "quality:exact=5"},
		{"chain on token", "Patient", "gender.name=x"},
		{"type modifier on token", "Patient", "gender:Patient=x"},
		{"missing then chain", "Sequence", "lab:missing.patient=true"},
		{"text then chain", "Sequence", "lab:text.patient=x"},
		{"ambiguous reference", "Observation", "subject=123"},
		{"ambiguous chain", "Observation", "subject.name=Chen"},
		{"override not a target", "Observation", "subject:Procedure=123"},
		{"override not a type name", "Observation", "subject:patient=123"},
		{"reference of wrong type", "Procedure", "patient=Condition/1"},
		{"bad quantity", "Sequence", "quality=high"},
		{"bad date", "Patient", "birthdate=tomorrow"},
		{"bad token", "Patient", "gender=http://hl7.org/gender|"},
		{"bad coordinate", "Sequence", "coordinate=1:200-100"},
		{"coordinate with modifier", "Sequence", "coordinate:exact=1:1-2"},
		{"invalid value in chain", "Sequence", "lab.patient=Condition/1"},
	}
	c := newTestCompiler(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := url.ParseQuery(tt.query)
			if err != nil {
				t.Fatalf("ParseQuery: %v", err)
			}
			q, err := c.Compile("owner-1", tt.resourceType, params)
			if !errors.Is(err, ErrInvalidQuery) {
				t.Fatalf("Compile(%s?%s) = %+v, %v; want ErrInvalidQuery", tt.resourceType, tt.query, q, err)
			}
			if q != nil {
				t.Error("a failed compilation must not return a partial query")
			}
			var iq *InvalidQueryError
			if !errors.As(err, &iq) {
				t.Errorf("error %T is not an *InvalidQueryError", err)
			}
		})
	}
}

func TestCompile_Missing(t *testing.T) {
	c := newTestCompiler(t)

	f := onlyFilter(t, mustCompile(t, c, "Sequence", "quality:missing=true"))
	if f.Param != "quality" || f.Kind != SearchParamQuantity {
		t.Errorf("filter = %+v", f)
	}
	if f.Cond != (MissingCond{Missing: true}) {
		t.Errorf("cond = %+v", f.Cond)
	}

	f = onlyFilter(t, mustCompile(t, c, "Sequence", "quality:missing=false"))
	if f.Cond != (MissingCond{Missing: false}) {
		t.Errorf("cond = %+v", f.Cond)
	}
}

func TestCompile_Text(t *testing.T) {
	c := newTestCompiler(t)

	f := onlyFilter(t, mustCompile(t, c, "Patient", "name=Chen+Yi"))
	tc, ok := f.Cond.(TextCond)
	if !ok || tc.Exact || len(tc.Words) != 2 || tc.Words[0] != "Chen" || tc.Words[1] != "Yi" {
		t.Errorf("plain text cond = %+v", f.Cond)
	}

	f = onlyFilter(t, mustCompile(t, c, "Patient", "name:exact=Chen"))
	if tc, ok := f.Cond.(TextCond); !ok || !tc.Exact || tc.Phrase != "Chen" {
		t.Errorf("exact cond = %+v", f.Cond)
	}

	// :text searches the display text of a token.
	f = onlyFilter(t, mustCompile(t, c, "Observation", "code:text=glucose"))
	if f.Kind != SearchParamToken {
		t.Errorf("kind = %s, want token", f.Kind)
	}
	if _, ok := f.Cond.(TextCond); !ok {
		t.Errorf("cond = %T, want TextCond", f.Cond)
	}
}

func TestCompile_AlternativesAndRepeats(t *testing.T) {
	c := newTestCompiler(t)

	f := onlyFilter(t, mustCompile(t, c, "Patient", "gender=male,female"))
	alts, ok := f.Cond.(AnyOf)
	if !ok || len(alts) != 2 {
		t.Fatalf("cond = %+v, want two alternatives", f.Cond)
	}
	if alts[0] != (TokenCond{Code: "male"}) || alts[1] != (TokenCond{Code: "female"}) {
		t.Errorf("alternatives = %+v", alts)
	}

	q := mustCompile(t, c, "Patient", "gender=male&gender=female")
	if len(q.Clauses) != 2 {
		t.Errorf("repeated keys give %d clauses, want 2", len(q.Clauses))
	}
}

func TestCompile_References(t *testing.T) {
	c := newTestCompiler(t)
	tests := []struct {
		name         string
		resourceType string
		query        string
		want         ReferenceCond
	}{
		{"bare id", "Procedure", "patient=p1", ReferenceCond{Type: "Patient", ID: "p1"}},
		{"typed id", "Procedure", "patient=Patient/p1", ReferenceCond{Type: "Patient", ID: "p1"}},
		{"own base", "Procedure", "patient=" + testBaseURL + "/Patient/p1", ReferenceCond{Type: "Patient", ID: "p1"}},
		{"foreign base", "Procedure", "patient=https://other.org/fhir/Patient/p1", ReferenceCond{URL: "https://other.org/fhir/Patient/p1"}},
		{"override", "Observation", "subject:Patient=p1", ReferenceCond{Type: "Patient", ID: "p1"}},
		{"override on unconstrained", "Observation", "performer:Practitioner=d1", ReferenceCond{Type: "Practitioner", ID: "d1"}},
		{"exact", "Procedure", "patient:exact=Patient/p1", ReferenceCond{Type: "Patient", ID: "p1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := onlyFilter(t, mustCompile(t, c, tt.resourceType, tt.query))
			if f.Kind != SearchParamReference {
				t.Errorf("kind = %s", f.Kind)
			}
			if f.Cond != tt.want {
				t.Errorf("cond = %+v, want %+v", f.Cond, tt.want)
			}
		})
	}
}

func TestCompile_Chain(t *testing.T) {
	c := newTestCompiler(t)

	f := onlyFilter(t, mustCompile(t, c, "Sequence", "lab.patient.name=Chen"))
	hop1, ok := f.Cond.(ChainCond)
	if !ok || hop1.Type != "Procedure" {
		t.Fatalf("first hop = %+v", f.Cond)
	}
	if !hop1.Sub.IDOnly || hop1.Sub.ResourceType != "Procedure" || hop1.Sub.OwnerID != "owner-1" {
		t.Errorf("first sub-query = %+v", hop1.Sub)
	}

	hop2, ok := onlyFilter(t, hop1.Sub).Cond.(ChainCond)
	if !ok || hop2.Type != "Patient" {
		t.Fatalf("second hop = %+v", onlyFilter(t, hop1.Sub).Cond)
	}
	leaf := onlyFilter(t, hop2.Sub)
	if leaf.Param != "name" || leaf.Kind != SearchParamString {
		t.Errorf("leaf filter = %+v", leaf)
	}

	f = onlyFilter(t, mustCompile(t, c, "Observation", "subject:Patient.gender=female"))
	if cc, ok := f.Cond.(ChainCond); !ok || cc.Type != "Patient" {
		t.Errorf("override chain = %+v", f.Cond)
	}
}

func TestCompile_ChainDepth(t *testing.T) {
	c := newTestCompiler(t, WithMaxChainDepth(1))
	mustCompile(t, c, "Sequence", "lab.patient=p1")

	_, err := c.Compile("owner-1", "Sequence", url.Values{"lab.patient.name": {"Chen"}})
	if !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("two hops under a one hop ceiling: err = %v", err)
	}

	c = newTestCompiler(t, WithMaxChainDepth(0))
	if _, err := c.Compile("owner-1", "Sequence", url.Values{"lab.patient": {"p1"}}); !errors.Is(err, ErrInvalidQuery) {
		t.Errorf("chaining disabled: err = %v", err)
	}
}

func TestCompile_Coordinate(t *testing.T) {
	c := newTestCompiler(t)
	q := mustCompile(t, c, "Sequence", "coordinate=1:100-200,X:5-10")
	if len(q.Clauses) != 1 {
		t.Fatalf("clauses = %d, want 1", len(q.Clauses))
	}
	alts := q.Clauses[0].Alternatives
	if len(alts) != 2 {
		t.Fatalf("alternatives = %d, want 2", len(alts))
	}

	conj := alts[0]
	if len(conj) != 3 {
		t.Fatalf("conjunction has %d filters, want 3", len(conj))
	}
	if conj[0].Param != "chromosome" || conj[0].Kind != SearchParamString {
		t.Errorf("chromosome filter = %+v", conj[0])
	}
	if tc, ok := conj[0].Cond.(TextCond); !ok || !tc.Exact || tc.Phrase != "1" {
		t.Errorf("chromosome cond = %+v", conj[0].Cond)
	}
	if conj[1].Param != "start-position" || conj[1].Cond != (QuantityCond{Comparator: CmpLe, Value: 200}) {
		t.Errorf("start filter = %+v", conj[1])
	}
	if conj[2].Param != "end-position" || conj[2].Cond != (QuantityCond{Comparator: CmpGe, Value: 100}) {
		t.Errorf("end filter = %+v", conj[2])
	}

	q = mustCompile(t, c, "Sequence", "coordinate=1:1-2&coordinate=2:1-2")
	if len(q.Clauses) != 2 {
		t.Errorf("repeated coordinate gives %d clauses, want 2", len(q.Clauses))
	}
}

func TestCompile_IDs(t *testing.T) {
	c := newTestCompiler(t)

	q := mustCompile(t, c, "Patient", "_id=a,b,c&_id=b,c,d")
	if !q.FilterIDs || len(q.IDs) != 2 || q.IDs[0] != "b" || q.IDs[1] != "c" {
		t.Errorf("IDs = %v (filter %v), want [b c]", q.IDs, q.FilterIDs)
	}

	q = mustCompile(t, c, "Patient", "_id=a&_id=b")
	if !q.FilterIDs || len(q.IDs) != 0 {
		t.Errorf("disjoint _id lists: IDs = %v, filter = %v", q.IDs, q.FilterIDs)
	}
	if q.Empty() {
		t.Error("an _id restriction is a constraint")
	}
}

func TestCompile_KeyCache(t *testing.T) {
	c := newTestCompiler(t, WithKeyCacheSize(1))
	mustCompile(t, c, "Patient", "name=a")
	mustCompile(t, c, "Patient", "gender=male")
	if c.keys.Len() != 1 {
		t.Errorf("cache holds %d keys, want 1", c.keys.Len())
	}
	if _, ok := c.keys.Get("gender"); !ok {
		t.Error("most recent key was evicted")
	}
}
