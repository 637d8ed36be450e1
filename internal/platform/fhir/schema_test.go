package fhir

import (
	"strings"
	"testing"
	"testing/fstest"
)

func mustRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	return r
}

func TestDefaultRegistry_ResourceTypes(t *testing.T) {
	r := mustRegistry(t)
	want := []string{"Condition", "Observation", "Patient", "Procedure", "Sequence", "Specimen"}
	got := r.ResourceTypes()
	if len(got) != len(want) {
		t.Fatalf("ResourceTypes() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ResourceTypes()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if r.Has("Encounter") {
		t.Error("Has(Encounter) should be false")
	}
}

func TestDefaultRegistry_SearchParams(t *testing.T) {
	r := mustRegistry(t)
	tests := []struct {
		resourceType string
		param        string
		want         SearchParamType
	}{
		{"Patient", "name", SearchParamString},
		{"Patient", "gender", SearchParamToken},
		{"Patient", "birthdate", SearchParamDate},
		{"Sequence", "start-position", SearchParamQuantity},
		{"Sequence", "quality", SearchParamQuantity},
		{"Sequence", "lab", SearchParamReference},
		{"Observation", "value-quantity", SearchParamQuantity},
	}
	for _, tt := range tests {
		t.Run(tt.resourceType+"."+tt.param, func(t *testing.T) {
			got, ok := r.SearchParams(tt.resourceType)[tt.param]
			if !ok {
				t.Fatalf("%s has no search parameter %q", tt.resourceType, tt.param)
			}
			if got != tt.want {
				t.Errorf("kind = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRegistry_ReferenceTargets(t *testing.T) {
	r := mustRegistry(t)

	if got, ok := r.ReferenceTargets("Sequence", "lab").Single(); !ok || got != "Procedure" {
		t.Errorf("Sequence.lab target = %q, %v; want Procedure", got, ok)
	}
	if got, ok := r.ReferenceTargets("Procedure", "patient").Single(); !ok || got != "Patient" {
		t.Errorf("Procedure.patient target = %q, %v; want Patient", got, ok)
	}
	if got, ok := r.ReferenceTargets("Observation", "assessed-condition").Single(); !ok || got != "Condition" {
		t.Errorf("Observation.assessed-condition target = %q, %v; want Condition", got, ok)
	}

	subject := r.ReferenceTargets("Observation", "subject")
	if _, ok := subject.Single(); ok {
		t.Error("Observation.subject should not have a single target")
	}
	if !subject.Allows("Patient") || subject.Allows("Procedure") {
		t.Errorf("Observation.subject targets = %v", subject.Types)
	}

	performer := r.ReferenceTargets("Observation", "performer")
	if !performer.Any {
		t.Error("Observation.performer should be unconstrained")
	}
}

func TestRegistry_Coordinate(t *testing.T) {
	r := mustRegistry(t)
	b, ok := r.Coordinate("Sequence")
	if !ok {
		t.Fatal("Sequence should have a coordinate binding")
	}
	if b.Chromosome != "chromosome" || b.Start != "start-position" || b.End != "end-position" {
		t.Errorf("binding = %+v", b)
	}
	if _, ok := r.Coordinate("Patient"); ok {
		t.Error("Patient should have no coordinate binding")
	}
}

func TestRegistry_ElementOptionality(t *testing.T) {
	r := mustRegistry(t)
	byPath := map[string]Element{}
	for _, el := range r.Elements("Sequence") {
		byPath[el.Path] = el
	}

	tests := []struct {
		path     string
		optional bool
		repeats  bool
	}{
		{"Sequence.patient", false, false},
		{"Sequence.quality", true, false},
		// required under an optional parent
		{"Sequence.source.sample", true, false},
		{"Sequence.observedSeq", true, true},
	}
	for _, tt := range tests {
		el, ok := byPath[tt.path]
		if !ok {
			t.Fatalf("no element %s", tt.path)
		}
		if el.optional != tt.optional {
			t.Errorf("%s optional = %v, want %v", tt.path, el.optional, tt.optional)
		}
		if el.Repeats() != tt.repeats {
			t.Errorf("%s Repeats() = %v, want %v", tt.path, el.Repeats(), tt.repeats)
		}
	}
}

func TestLoadRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "malformed json",
			doc:     `{"resourceType": "Thing", "elements": [`,
			wantErr: "parse schema",
		},
		{
			name:    "missing resource type",
			doc:     `{"elements": []}`,
			wantErr: "without resourceType",
		},
		{
			name:    "foreign root",
			doc:     `{"resourceType": "Thing", "elements": [{"path": "Other.x", "definition": {"min": 0, "max": "1"}}]}`,
			wantErr: "not rooted",
		},
		{
			name:    "bad max",
			doc:     `{"resourceType": "Thing", "elements": [{"path": "Thing.x", "definition": {"min": 0, "max": "many"}}]}`,
			wantErr: "invalid max",
		},
		{
			name:    "unknown kind",
			doc:     `{"resourceType": "Thing", "elements": [{"path": "Thing.x", "definition": {"min": 0, "max": "1"}, "searchParam": {"name": "x", "type": "uri"}}]}`,
			wantErr: "unknown search parameter type",
		},
		{
			name:    "coordinate on unknown param",
			doc:     `{"resourceType": "Thing", "elements": [], "coordinate": {"chromosome": "c", "start": "s", "end": "e"}}`,
			wantErr: "coordinate binds unknown parameter",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsys := fstest.MapFS{"Thing.json": {Data: []byte(tt.doc)}}
			_, err := LoadRegistry(fsys)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRegistry_DuplicateType(t *testing.T) {
	doc := []byte(`{"resourceType": "Thing", "elements": []}`)
	fsys := fstest.MapFS{
		"a.json": {Data: doc},
		"b.json": {Data: doc},
	}
	if _, err := LoadRegistry(fsys); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate schema error, got %v", err)
	}
}

func TestParseMax(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{`"1"`, 1},
		{`"*"`, Unbounded},
		{`1`, 1},
		{`"0"`, 0},
		{`"5"`, Unbounded},
		{``, 1},
	}
	for _, tt := range tests {
		got, err := parseMax([]byte(tt.raw))
		if err != nil {
			t.Errorf("parseMax(%s) error: %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseMax(%s) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}
