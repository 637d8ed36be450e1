package resource

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

// Version is one stored version of a logical resource. At most one version
// of a logical resource is visible; deletion and supersession hide the
// current one and keep it for history.
type Version struct {
	OwnerID      string          `json:"owner_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Version      int             `json:"version"`
	Visible      bool            `json:"visible"`
	CreateTime   time.Time       `json:"create_time"`
	UpdateTime   time.Time       `json:"update_time"`
	Data         json.RawMessage `json:"data"`
}

// Reference returns the Type/id form of the version's logical resource.
func (v *Version) Reference() string {
	return fhir.FormatReference(v.ResourceType, v.ResourceID)
}

// HistoryFilter narrows a history listing. Empty fields match everything; a
// Version only applies together with a ResourceID.
type HistoryFilter struct {
	ResourceType string
	ResourceID   string
	Version      int
}

// versionDocument returns data with id and meta.versionId/lastUpdated set.
func versionDocument(doc map[string]interface{}, id string, version int, updated time.Time) (json.RawMessage, error) {
	doc["id"] = id
	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.Itoa(version)
	meta["lastUpdated"] = updated.UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta
	return json.Marshal(doc)
}
