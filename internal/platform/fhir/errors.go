package fhir

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidQuery is matched by every query compilation failure.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrSchemaViolation is matched by every document validation failure.
	ErrSchemaViolation = errors.New("schema violation")
)

// InvalidQueryError reports why a search parameter could not be compiled.
// No partial result is ever produced alongside it.
type InvalidQueryError struct {
	Param  string
	Reason string
}

func (e *InvalidQueryError) Error() string {
	if e.Param == "" {
		return "invalid query: " + e.Reason
	}
	return fmt.Sprintf("invalid query: %s: %s", e.Param, e.Reason)
}

func (e *InvalidQueryError) Unwrap() error { return ErrInvalidQuery }

func invalidQuery(param, format string, args ...interface{}) error {
	return &InvalidQueryError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

// SchemaViolationError lists every issue found while validating a document.
type SchemaViolationError struct {
	ResourceType string
	Issues       []string
}

func (e *SchemaViolationError) Error() string {
	return fmt.Sprintf("%s does not conform to its schema: %s", e.ResourceType, strings.Join(e.Issues, "; "))
}

func (e *SchemaViolationError) Unwrap() error { return ErrSchemaViolation }
