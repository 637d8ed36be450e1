package fhir

import (
	"errors"
	"fmt"
)

// OperationOutcome severity levels (FHIR R4 IssueSeverity).
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes (FHIR R4 IssueType).
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeNotSupported = "not-supported"
	IssueTypeException    = "exception"
	IssueTypeDeleted      = "deleted"
	IssueTypeTooCostly    = "too-costly"
	IssueTypeTimeout      = "timeout"
)

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string   `json:"severity"`
	Code        string   `json:"code"`
	Diagnostics string   `json:"diagnostics,omitempty"`
	Expression  []string `json:"expression,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

// HasErrors reports whether any issue is an error or fatal.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// GoneOutcome creates a 410-style OperationOutcome for a resource that has been
// deleted. FHIR R4 reports this with issue type "deleted".
func GoneOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(
		IssueSeverityError,
		IssueTypeDeleted,
		fmt.Sprintf("%s/%s has been deleted", resourceType, id),
	)
}

func ConflictOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, diagnostics)
}

func InternalErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, diagnostics)
}

// InvalidQueryOutcome reports a search that could not be compiled.
func InvalidQueryOutcome(err error) *OperationOutcome {
	oo := NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, err.Error())
	var iq *InvalidQueryError
	if errors.As(err, &iq) && iq.Param != "" {
		oo.Issue[0].Expression = []string{iq.Param}
	}
	return oo
}

// SchemaViolationOutcome lists one structure issue per validation failure.
func SchemaViolationOutcome(err error) *OperationOutcome {
	var sv *SchemaViolationError
	if !errors.As(err, &sv) || len(sv.Issues) == 0 {
		return NewOperationOutcome(IssueSeverityError, IssueTypeStructure, err.Error())
	}
	issues := make([]OperationOutcomeIssue, 0, len(sv.Issues))
	for _, msg := range sv.Issues {
		issues = append(issues, OperationOutcomeIssue{
			Severity:    IssueSeverityError,
			Code:        IssueTypeStructure,
			Diagnostics: sv.ResourceType + ": " + msg,
		})
	}
	return &OperationOutcome{ResourceType: "OperationOutcome", Issue: issues}
}
