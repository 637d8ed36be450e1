package fhir

import (
	"encoding/json"
	"time"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
	Timestamp    *time.Time    `json:"timestamp,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
}

type BundleSearch struct {
	Mode string `json:"mode,omitempty"`
}

type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewSearchBundle creates a searchset Bundle. Entries are kept in the order
// given; paging links beyond self are left to the caller.
func NewSearchBundle(entries []BundleEntry, total int, selfURL string) *Bundle {
	now := time.Now().UTC()
	for i := range entries {
		if entries[i].Search == nil {
			entries[i].Search = &BundleSearch{Mode: "match"}
		}
	}
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "searchset",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}
}

// NewHistoryBundle creates a history Bundle.
func NewHistoryBundle(entries []BundleEntry, total int, selfURL string) *Bundle {
	now := time.Now().UTC()
	return &Bundle{
		ResourceType: "Bundle",
		Type:         "history",
		Total:        &total,
		Timestamp:    &now,
		Link:         []BundleLink{{Relation: "self", URL: selfURL}},
		Entry:        entries,
	}
}

// FormatReference creates a FHIR reference string from resource type and ID.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
