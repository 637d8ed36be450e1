package fhir

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
)

// memIndex is an IndexReader and ReferenceResolver over indexed documents
// held in memory. Every added resource is visible.
type memIndex struct {
	t       *testing.T
	indexer *Indexer
	ids     map[string][]string
	entries map[string][]IndexEntry
}

func newMemIndex(t *testing.T) *memIndex {
	m := &memIndex{t: t, ids: map[string][]string{}, entries: map[string][]IndexEntry{}}
	m.indexer = NewIndexer(mustRegistry(t), m, testBaseURL, zerolog.Nop())
	return m
}

func (m *memIndex) add(ownerID, resourceType, id, doc string) {
	m.t.Helper()
	entries, err := m.indexer.Index(context.Background(), ownerID, resourceType, decodeDoc(m.t, doc))
	if err != nil {
		m.t.Fatalf("index %s/%s: %v", resourceType, id, err)
	}
	scope := ownerID + "|" + resourceType
	m.ids[scope] = append(m.ids[scope], id)
	for _, e := range entries {
		e.ResourceID = id
		e.Version = 1
		key := scope + "|" + e.ParamName
		m.entries[key] = append(m.entries[key], e)
	}
}

func (m *memIndex) VisibleIDs(_ context.Context, ownerID, resourceType string) ([]string, error) {
	return m.ids[ownerID+"|"+resourceType], nil
}

func (m *memIndex) VisibleEntries(_ context.Context, ownerID, resourceType, param string) ([]IndexEntry, error) {
	return m.entries[ownerID+"|"+resourceType+"|"+param], nil
}

func (m *memIndex) ResolveVisible(_ context.Context, ownerID, resourceType, id string) (bool, error) {
	for _, v := range m.ids[ownerID+"|"+resourceType] {
		if v == id {
			return true, nil
		}
	}
	return false, nil
}

func (m *memIndex) search(ownerID, resourceType, rawQuery string) []string {
	m.t.Helper()
	c := newTestCompiler(m.t)
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		m.t.Fatalf("ParseQuery: %v", err)
	}
	q, err := c.Compile(ownerID, resourceType, params)
	if err != nil {
		m.t.Fatalf("Compile(%s?%s): %v", resourceType, rawQuery, err)
	}
	set, err := ExecuteIDs(context.Background(), m, q)
	if err != nil {
		m.t.Fatalf("ExecuteIDs: %v", err)
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func assertIDs(t *testing.T, label string, got []string, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("%s = %v, want %v", label, got, want)
		return
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%s = %v, want %v", label, got, want)
			return
		}
	}
}

func sequenceDoc(chrom string, start, end int, extra string) string {
	doc := `{"resourceType": "Sequence", "patient": {"reference": "Patient/p1"}, "type": "dna", "chromosome": "` + chrom +
		`", "startPosition": ` + strconv.Itoa(start) + `, "endPosition": ` + strconv.Itoa(end)
	if extra != "" {
		doc += ", " + extra
	}
	return doc + "}"
}

func TestExecute_IndexIntersectionNotRowJoin(t *testing.T) {
	m := newMemIndex(t)
	m.add("o", "Observation", "obs-1", `{"resourceType": "Observation", "status": "final", "code": {"text": "panel"},
		"component": [
			{"code": {"coding": [{"code": "a"}]}, "valueQuantity": {"value": 1}},
			{"code": {"coding": [{"code": "c"}]}, "valueQuantity": {"value": 3}}
		]}`)

	// code a and value 3 sit on different components, yet both filters hold.
	assertIDs(t, "cross-component", m.search("o", "Observation", "component-code=a&component-value-quantity=3"), "obs-1")
	assertIDs(t, "absent value", m.search("o", "Observation", "component-code=a&component-value-quantity=2"))
}

func TestExecute_Missing(t *testing.T) {
	m := newMemIndex(t)
	m.add("o", "Sequence", "with-quality", sequenceDoc("1", 1, 2, `"quality": 0.9`))
	m.add("o", "Sequence", "without-quality", sequenceDoc("1", 1, 2, ""))

	assertIDs(t, "missing=true", m.search("o", "Sequence", "quality:missing=true"), "without-quality")
	assertIDs(t, "missing=false", m.search("o", "Sequence", "quality:missing=false"), "with-quality")
	assertIDs(t, "both", m.search("o", "Sequence", "quality:missing=true&quality:missing=false"))
}

func TestExecute_TwoHopChain(t *testing.T) {
	m := newMemIndex(t)
	m.add("o", "Patient", "p1", `{"resourceType": "Patient", "name": [{"family": "Chen"}]}`)
	m.add("o", "Patient", "p2", `{"resourceType": "Patient", "name": [{"family": "Smith"}]}`)
	m.add("o", "Procedure", "proc-1", `{"resourceType": "Procedure", "subject": {"reference": "Patient/p1"}, "status": "completed", "code": {"text": "biopsy"}}`)
	m.add("o", "Procedure", "proc-2", `{"resourceType": "Procedure", "subject": {"reference": "Patient/p2"}, "status": "completed", "code": {"text": "biopsy"}}`)
	m.add("o", "Sequence", "seq-1", sequenceDoc("1", 1, 2, `"source": {"sample": "somatic", "lab": {"reference": "Procedure/proc-1"}}`))
	m.add("o", "Sequence", "seq-2", sequenceDoc("1", 1, 2, `"source": {"sample": "somatic", "lab": {"reference": "Procedure/proc-2"}}`))
	m.add("o", "Sequence", "seq-3", sequenceDoc("1", 1, 2, ""))

	assertIDs(t, "lab.patient=p1", m.search("o", "Sequence", "lab.patient=p1"), "seq-1")
	assertIDs(t, "lab.patient=Patient/p2", m.search("o", "Sequence", "lab.patient=Patient/p2"), "seq-2")
	assertIDs(t, "lab.patient.name=Chen", m.search("o", "Sequence", "lab.patient.name=Chen"), "seq-1")
	assertIDs(t, "lab.patient.name=chen,smith", m.search("o", "Sequence", "lab.patient.name=chen,smith"), "seq-1", "seq-2")
	assertIDs(t, "lab.patient.name=Nobody", m.search("o", "Sequence", "lab.patient.name=Nobody"))
}

func TestExecute_Coordinate(t *testing.T) {
	m := newMemIndex(t)
	m.add("o", "Sequence", "seq-1", sequenceDoc("1", 100, 200, ""))

	tests := []struct {
		region string
		match  bool
	}{
		{"1:150-160", true},
		{"1:200-300", true},
		{"1:201-300", false},
		{"1:50-100", true},
		{"1:50-99", false},
		{"2:100-200", false},
		{"2:1-5,1:190-191", true},
	}
	for _, tt := range tests {
		got := m.search("o", "Sequence", "coordinate="+tt.region)
		if tt.match {
			assertIDs(t, tt.region, got, "seq-1")
		} else {
			assertIDs(t, tt.region, got)
		}
	}
}

func TestExecute_OwnerScope(t *testing.T) {
	m := newMemIndex(t)
	m.add("alice", "Patient", "p1", `{"resourceType": "Patient", "gender": "female"}`)
	m.add("bob", "Patient", "p2", `{"resourceType": "Patient", "gender": "female"}`)

	assertIDs(t, "alice", m.search("alice", "Patient", "gender=female"), "p1")
	assertIDs(t, "bob unfiltered", m.search("bob", "Patient", ""), "p2")
}

func TestExecute_IDsAndAlternatives(t *testing.T) {
	m := newMemIndex(t)
	m.add("o", "Patient", "p1", `{"resourceType": "Patient", "gender": "female", "birthDate": "1980-05-01"}`)
	m.add("o", "Patient", "p2", `{"resourceType": "Patient", "gender": "male", "birthDate": "1990-05-01"}`)
	m.add("o", "Patient", "p3", `{"resourceType": "Patient", "gender": "other"}`)

	assertIDs(t, "_id", m.search("o", "Patient", "_id=p1,p3"), "p1", "p3")
	assertIDs(t, "disjoint _id", m.search("o", "Patient", "_id=p1&_id=p2"))
	assertIDs(t, "alternatives", m.search("o", "Patient", "gender=female,male"), "p1", "p2")
	assertIDs(t, "date", m.search("o", "Patient", "birthdate=>1985"), "p2")
	assertIDs(t, "and", m.search("o", "Patient", "gender=female,male&birthdate=<1985"), "p1")
	assertIDs(t, "missing date", m.search("o", "Patient", "birthdate:missing=true"), "p3")
}

func TestExecute_UnresolvedReferenceNeverMatches(t *testing.T) {
	m := newMemIndex(t)
	// Patient p9 was never stored, so the link stays unresolved.
	m.add("o", "Procedure", "proc-1", `{"resourceType": "Procedure", "subject": {"reference": "Patient/p9"}, "status": "completed", "code": {"text": "x"}}`)
	m.add("o", "Procedure", "proc-2", `{"resourceType": "Procedure", "subject": {"reference": "https://other.org/fhir/Patient/p9"}, "status": "completed", "code": {"text": "x"}}`)

	assertIDs(t, "internal", m.search("o", "Procedure", "patient=p9"))
	assertIDs(t, "external", m.search("o", "Procedure", "patient=https://other.org/fhir/Patient/p9"), "proc-2")
}
