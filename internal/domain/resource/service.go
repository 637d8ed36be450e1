package resource

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
	"github.com/ehr/fhirsearch/internal/platform/lock"
	"github.com/ehr/fhirsearch/internal/platform/metrics"
)

type ServiceConfig struct {
	BaseURL          string
	MaxChainDepth    int
	KeyCacheSize     int
	LockTTL          time.Duration
	LockRetries      int
	CorrectDocuments bool
}

// Service validates, indexes and stores resources and answers searches over
// them. Reads run concurrently; every write builds its own WriteBuffer.
type Service struct {
	repo      Repository
	registry  *fhir.Registry
	validator *fhir.Validator
	indexer   *fhir.Indexer
	compiler  *fhir.Compiler
	locker    lock.Locker
	metrics   *metrics.Metrics
	cfg       ServiceConfig
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, registry *fhir.Registry, cfg ServiceConfig, logger zerolog.Logger) (*Service, error) {
	opts := []fhir.CompilerOption{fhir.WithBaseURL(cfg.BaseURL), fhir.WithKeyCacheSize(cfg.KeyCacheSize)}
	if cfg.MaxChainDepth > 0 {
		opts = append(opts, fhir.WithMaxChainDepth(cfg.MaxChainDepth))
	}
	compiler, err := fhir.NewCompiler(registry, opts...)
	if err != nil {
		return nil, fmt.Errorf("create compiler: %w", err)
	}

	validator := fhir.NewValidator(registry)
	if cfg.CorrectDocuments {
		validator = validator.WithCorrection()
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockRetries <= 0 {
		cfg.LockRetries = 5
	}

	return &Service{
		repo:      repo,
		registry:  registry,
		validator: validator,
		indexer:   fhir.NewIndexer(registry, repo, cfg.BaseURL, logger),
		compiler:  compiler,
		locker:    lock.Nop{},
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Service) SetLocker(l lock.Locker) { s.locker = l }
func (s *Service) SetMetrics(m *metrics.Metrics) { s.metrics = m }

func (s *Service) checkType(resourceType string) error {
	if !s.registry.Has(resourceType) {
		return fmt.Errorf("resource type %q: %w", resourceType, ErrNotFound)
	}
	return nil
}

// withBuffer hands fn a fresh buffer and flushes it when fn succeeds. The
// buffer is drained on every path, so a failed request leaves nothing behind.
func (s *Service) withBuffer(ctx context.Context, fn func(buf *WriteBuffer) error) error {
	buf := NewWriteBuffer()
	defer buf.Reset()

	if err := fn(buf); err != nil {
		return err
	}

	start := time.Now()
	entries := buf.EntryCount()
	err := s.repo.Flush(ctx, buf)
	s.metrics.ObserveStore("flush", start, err)
	s.metrics.ObserveFlush(entries, err)
	if errors.Is(err, ErrVersionConflict) {
		s.metrics.ObserveConflict()
	}
	return err
}

// lockResource takes the per-resource lock, retrying briefly while another
// writer holds it.
func (s *Service) lockResource(ctx context.Context, ownerID, resourceType, id string) (func(), error) {
	name := lock.ResourceKey(ownerID, resourceType, id)
	for attempt := 1; ; attempt++ {
		ok, err := s.locker.Acquire(ctx, name, s.cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), name); err != nil {
					s.logger.Warn().Err(err).Str("lock", name).Msg("release resource lock")
				}
			}, nil
		}
		if attempt >= s.cfg.LockRetries {
			return nil, fmt.Errorf("%s/%s is locked by another writer: %w", resourceType, id, ErrVersionConflict)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * 20 * time.Millisecond):
		}
	}
}

// current returns the visible version, or ErrGone when the latest version
// exists but was deleted.
func (s *Service) current(ctx context.Context, ownerID, resourceType, id string) (*Version, error) {
	v, err := s.repo.FindVisible(ctx, ownerID, resourceType, id)
	if !errors.Is(err, ErrNotFound) {
		return v, err
	}
	if _, err := s.repo.FindLatest(ctx, ownerID, resourceType, id); err == nil {
		return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrGone)
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, fmt.Errorf("%s/%s: %w", resourceType, id, ErrNotFound)
}

func (s *Service) prepare(ctx context.Context, ownerID, resourceType, id string, version int, created time.Time, doc map[string]interface{}) (*Version, []fhir.IndexEntry, error) {
	if err := s.validator.Validate(resourceType, doc); err != nil {
		return nil, nil, err
	}

	now := s.now()
	data, err := versionDocument(doc, id, version, now)
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s/%s: %w", resourceType, id, err)
	}
	entries, err := s.indexer.Index(ctx, ownerID, resourceType, doc)
	if err != nil {
		return nil, nil, err
	}
	if created.IsZero() {
		created = now
	}

	v := &Version{
		OwnerID:      ownerID,
		ResourceType: resourceType,
		ResourceID:   id,
		Version:      version,
		Visible:      true,
		CreateTime:   created,
		UpdateTime:   now,
		Data:         data,
	}
	return v, entries, nil
}

// Create stores doc as version 1 of a new resource with a generated id.
func (s *Service) Create(ctx context.Context, ownerID, resourceType string, doc map[string]interface{}) (*Version, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}

	v, entries, err := s.prepare(ctx, ownerID, resourceType, uuid.NewString(), 1, time.Time{}, doc)
	if err != nil {
		return nil, err
	}
	err = s.withBuffer(ctx, func(buf *WriteBuffer) error {
		buf.Insert(v, entries)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug().Str("owner_id", ownerID).Str("resource", v.Reference()).
		Int("version", v.Version).Int("entries", len(entries)).Msg("resource created")
	return v, nil
}

// Update supersedes the visible version of a resource. A positive
// ifMatch must equal the visible version.
func (s *Service) Update(ctx context.Context, ownerID, resourceType, id string, doc map[string]interface{}, ifMatch int) (*Version, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	if docID, ok := doc["id"].(string); ok && docID != id {
		return nil, &fhir.SchemaViolationError{ResourceType: resourceType,
			Issues: []string{fmt.Sprintf("id %q does not match %q", docID, id)}}
	}

	release, err := s.lockResource(ctx, ownerID, resourceType, id)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := s.current(ctx, ownerID, resourceType, id)
	if err != nil {
		return nil, err
	}
	if ifMatch > 0 && ifMatch != prev.Version {
		return nil, fmt.Errorf("%s is at version %d, not %d: %w", prev.Reference(), prev.Version, ifMatch, ErrVersionConflict)
	}

	v, entries, err := s.prepare(ctx, ownerID, resourceType, id, prev.Version+1, prev.CreateTime, doc)
	if err != nil {
		return nil, err
	}
	err = s.withBuffer(ctx, func(buf *WriteBuffer) error {
		buf.Hide(ownerID, resourceType, id, prev.Version)
		buf.Insert(v, entries)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Warn().Str("owner_id", ownerID).Str("resource", prev.Reference()).
				Int("expected", prev.Version).Msg("update lost a concurrent write")
		}
		return nil, err
	}

	s.logger.Debug().Str("owner_id", ownerID).Str("resource", v.Reference()).
		Int("version", v.Version).Int("entries", len(entries)).Msg("resource updated")
	return v, nil
}

// Delete hides the visible version. The resource then reads as gone while
// its history stays available.
func (s *Service) Delete(ctx context.Context, ownerID, resourceType, id string) (*Version, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}

	release, err := s.lockResource(ctx, ownerID, resourceType, id)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := s.current(ctx, ownerID, resourceType, id)
	if err != nil {
		return nil, err
	}
	err = s.withBuffer(ctx, func(buf *WriteBuffer) error {
		buf.Hide(ownerID, resourceType, id, prev.Version)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.logger.Warn().Str("owner_id", ownerID).Str("resource", prev.Reference()).
				Int("expected", prev.Version).Msg("delete lost a concurrent write")
		}
		return nil, err
	}

	s.logger.Debug().Str("owner_id", ownerID).Str("resource", prev.Reference()).
		Int("version", prev.Version).Msg("resource deleted")
	prev.Visible = false
	return prev, nil
}

// Read returns the visible version; ErrGone when deleted, ErrNotFound when
// never stored.
func (s *Service) Read(ctx context.Context, ownerID, resourceType, id string) (*Version, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	start := time.Now()
	v, err := s.current(ctx, ownerID, resourceType, id)
	s.metrics.ObserveStore("read", start, ignoreMissing(err))
	return v, err
}

// VRead returns one specific version, visible or not.
func (s *Service) VRead(ctx context.Context, ownerID, resourceType, id string, version int) (*Version, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	v, err := s.repo.FindVersion(ctx, ownerID, resourceType, id, version)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s/%s/_history/%d: %w", resourceType, id, version, ErrNotFound)
	}
	return v, err
}

// History lists versions by type, id and version. Naming a resource that
// has no versions at all is ErrNotFound.
func (s *Service) History(ctx context.Context, ownerID string, f HistoryFilter, limit, offset int) ([]*Version, int, error) {
	if f.ResourceType != "" {
		if err := s.checkType(f.ResourceType); err != nil {
			return nil, 0, err
		}
	}
	start := time.Now()
	items, total, err := s.repo.History(ctx, ownerID, f, limit, offset)
	s.metrics.ObserveStore("history", start, err)
	if err != nil {
		return nil, 0, err
	}
	if f.ResourceID != "" && total == 0 {
		return nil, 0, fmt.Errorf("%s/%s: %w", f.ResourceType, f.ResourceID, ErrNotFound)
	}
	return items, total, nil
}

// Search compiles params and pages the matching visible versions, newest
// update first. Malformed parameters fail with fhir.ErrInvalidQuery.
func (s *Service) Search(ctx context.Context, ownerID, resourceType string, params url.Values, limit, offset int) ([]*Version, int, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, 0, err
	}

	q, err := s.compiler.Compile(ownerID, resourceType, params)
	if err != nil {
		s.metrics.ObserveSearch(resourceType, "invalid", 0)
		return nil, 0, err
	}

	start := time.Now()
	items, total, err := s.repo.Search(ctx, q, limit, offset)
	s.metrics.ObserveStore("search", start, err)
	if err != nil {
		s.metrics.ObserveSearch(resourceType, "error", 0)
		return nil, 0, err
	}
	s.metrics.ObserveSearch(resourceType, "ok", total)
	return items, total, nil
}

// SearchIDs returns the ids of every visible match, sorted.
func (s *Service) SearchIDs(ctx context.Context, ownerID, resourceType string, params url.Values) ([]string, error) {
	if err := s.checkType(resourceType); err != nil {
		return nil, err
	}
	q, err := s.compiler.Compile(ownerID, resourceType, params)
	if err != nil {
		return nil, err
	}
	return s.repo.SearchIDs(ctx, q)
}

func ignoreMissing(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrGone) {
		return nil
	}
	return err
}
