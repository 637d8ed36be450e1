package resource

import (
	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

type insertOp struct {
	version *Version
	entries []fhir.IndexEntry
}

type hideOp struct {
	ownerID      string
	resourceType string
	resourceID   string
	expected     int
}

// WriteBuffer collects the writes of one request in order. A buffer belongs
// to a single request and is drained after every flush attempt.
type WriteBuffer struct {
	ops []interface{}
}

func NewWriteBuffer() *WriteBuffer {
	return &WriteBuffer{}
}

// Insert queues a new version and its index entries. The entries are
// stamped with the version's identity.
func (b *WriteBuffer) Insert(v *Version, entries []fhir.IndexEntry) {
	for i := range entries {
		entries[i].OwnerID = v.OwnerID
		entries[i].ResourceType = v.ResourceType
		entries[i].ResourceID = v.ResourceID
		entries[i].Version = v.Version
	}
	b.ops = append(b.ops, insertOp{version: v, entries: entries})
}

// Hide queues hiding version expected of a logical resource. Flushing fails
// with ErrVersionConflict unless expected is still the visible version.
func (b *WriteBuffer) Hide(ownerID, resourceType, id string, expected int) {
	b.ops = append(b.ops, hideOp{ownerID: ownerID, resourceType: resourceType, resourceID: id, expected: expected})
}

func (b *WriteBuffer) Len() int { return len(b.ops) }

// Reset drops every queued operation.
func (b *WriteBuffer) Reset() {
	b.ops = b.ops[:0]
}

// EntryCount is the number of index entries queued for insertion.
func (b *WriteBuffer) EntryCount() int {
	n := 0
	for _, op := range b.ops {
		if ins, ok := op.(insertOp); ok {
			n += len(ins.entries)
		}
	}
	return n
}
