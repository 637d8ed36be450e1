package resource

import (
	"context"
	"errors"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrGone reports a resource whose latest version was deleted.
	ErrGone = errors.New("resource deleted")
	// ErrVersionConflict reports a write that lost a race: the version it
	// meant to supersede is no longer the visible one.
	ErrVersionConflict = errors.New("resource version conflict")
)

// Repository stores resource versions together with their index entries and
// answers compiled searches over the visible ones.
type Repository interface {
	FindVisible(ctx context.Context, ownerID, resourceType, id string) (*Version, error)
	// FindLatest returns the newest version whether visible or not.
	FindLatest(ctx context.Context, ownerID, resourceType, id string) (*Version, error)
	FindVersion(ctx context.Context, ownerID, resourceType, id string, version int) (*Version, error)
	// History lists versions ordered by type, id and version ascending.
	History(ctx context.Context, ownerID string, f HistoryFilter, limit, offset int) ([]*Version, int, error)
	// Search pages the visible versions matching q, newest update first.
	Search(ctx context.Context, q *fhir.Query, limit, offset int) ([]*Version, int, error)
	SearchIDs(ctx context.Context, q *fhir.Query) ([]string, error)
	ResolveVisible(ctx context.Context, ownerID, resourceType, id string) (bool, error)
	// Flush applies every buffered operation atomically or none of them.
	Flush(ctx context.Context, buf *WriteBuffer) error
	Ping(ctx context.Context) error
}
