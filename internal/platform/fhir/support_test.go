package fhir

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestSearchQuery_Placeholders(t *testing.T) {
	q := NewSearchQuery("resources", "id, body")
	q.Add("owner_id = " + q.Arg("o1"))
	q.Add("id IN (" + q.ArgList([]string{"a", "b"}) + ")")
	q.OrderBy("update_time DESC")

	if got := q.Where(); got != "owner_id = $1 AND id IN ($2, $3)" {
		t.Errorf("Where() = %q", got)
	}
	if got := q.CountSQL(); got != "SELECT COUNT(*) FROM resources WHERE 1=1 AND owner_id = $1 AND id IN ($2, $3)" {
		t.Errorf("CountSQL() = %q", got)
	}
	wantData := "SELECT id, body FROM resources WHERE 1=1 AND owner_id = $1 AND id IN ($2, $3) ORDER BY update_time DESC LIMIT $4 OFFSET $5"
	if got := q.DataSQL(10, 20); got != wantData {
		t.Errorf("DataSQL() = %q", got)
	}
	args := q.DataArgs(10, 20)
	if len(args) != 5 || args[0] != "o1" || args[3] != 10 || args[4] != 20 {
		t.Errorf("DataArgs() = %v", args)
	}
}

func TestETag(t *testing.T) {
	if got := FormatETag(3); got != `W/"3"` {
		t.Errorf("FormatETag(3) = %s", got)
	}
	for _, in := range []string{`W/"3"`, `"3"`, `3`, ` W/"3" `} {
		v, err := ParseETag(in)
		if err != nil || v != 3 {
			t.Errorf("ParseETag(%q) = %d, %v", in, v, err)
		}
	}
	for _, in := range []string{`W/"x"`, `"0"`, `-1`, ``} {
		if _, err := ParseETag(in); err == nil {
			t.Errorf("ParseETag(%q) should fail", in)
		}
	}
}

func TestIfMatchVersion(t *testing.T) {
	e := echo.New()

	tests := []struct {
		header  string
		version int
		ok      bool
		status  int
	}{
		{"", 0, false, 0},
		{`W/"2"`, 2, true, 0},
		{`W/"abc"`, 0, false, http.StatusBadRequest},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPut, "/Patient/1", nil)
		if tt.header != "" {
			req.Header.Set("If-Match", tt.header)
		}
		c := e.NewContext(req, httptest.NewRecorder())

		v, ok, err := IfMatchVersion(c)
		if tt.status != 0 {
			var he *echo.HTTPError
			if !errors.As(err, &he) || he.Code != tt.status {
				t.Errorf("If-Match %q: err = %v, want HTTP %d", tt.header, err, tt.status)
			}
			continue
		}
		if err != nil || v != tt.version || ok != tt.ok {
			t.Errorf("If-Match %q = %d, %v, %v", tt.header, v, ok, err)
		}
	}
}

func TestSetVersionHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	SetVersionHeaders(c, 4, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))
	if got := rec.Header().Get("ETag"); got != `W/"4"` {
		t.Errorf("ETag = %q", got)
	}
	if got := rec.Header().Get("Last-Modified"); got != "Tue, 02 Jan 2024 03:04:05 GMT" {
		t.Errorf("Last-Modified = %q", got)
	}
}

func TestInvalidQueryOutcome(t *testing.T) {
	err := fmt.Errorf("search: %w", invalidQuery("subject", "referenced type is ambiguous"))
	oo := InvalidQueryOutcome(err)
	if len(oo.Issue) != 1 {
		t.Fatalf("issues = %d", len(oo.Issue))
	}
	issue := oo.Issue[0]
	if issue.Code != IssueTypeInvalid || issue.Severity != IssueSeverityError {
		t.Errorf("issue = %+v", issue)
	}
	if len(issue.Expression) != 1 || issue.Expression[0] != "subject" {
		t.Errorf("expression = %v", issue.Expression)
	}
	if !oo.HasErrors() {
		t.Error("HasErrors() = false")
	}
}

func TestSchemaViolationOutcome(t *testing.T) {
	err := &SchemaViolationError{ResourceType: "Patient", Issues: []string{"Patient.gender: a list is not allowed", "Patient.birthDate: expected date"}}
	oo := SchemaViolationOutcome(err)
	if len(oo.Issue) != 2 {
		t.Fatalf("issues = %d, want 2", len(oo.Issue))
	}
	for _, issue := range oo.Issue {
		if issue.Code != IssueTypeStructure || !strings.HasPrefix(issue.Diagnostics, "Patient: ") {
			t.Errorf("issue = %+v", issue)
		}
	}

	plain := SchemaViolationOutcome(errors.New("boom"))
	if len(plain.Issue) != 1 || plain.Issue[0].Diagnostics != "boom" {
		t.Errorf("fallback outcome = %+v", plain)
	}
}

func TestNewSearchBundle(t *testing.T) {
	b := NewSearchBundle([]BundleEntry{{FullURL: "Patient/1"}, {FullURL: "Patient/2", Search: &BundleSearch{Mode: "include"}}}, 2, "/Patient?name=x")
	if b.Type != "searchset" || *b.Total != 2 {
		t.Errorf("bundle = %+v", b)
	}
	if b.Entry[0].Search.Mode != "match" || b.Entry[1].Search.Mode != "include" {
		t.Errorf("entry modes = %s, %s", b.Entry[0].Search.Mode, b.Entry[1].Search.Mode)
	}
	if len(b.Link) != 1 || b.Link[0].URL != "/Patient?name=x" {
		t.Errorf("links = %+v", b.Link)
	}
}
