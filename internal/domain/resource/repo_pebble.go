package resource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

// Key layout. Components never contain the separator: owners, types and
// params are validated identifiers and ids are checked by validID.
//
//	v|owner|type|id|version          version record (JSON)
//	c|owner|type|id                  current visible version number
//	i|owner|type|param|id|version|n  index row (JSON)
const (
	sep           = "|"
	versionPrefix = "v"
	currentPrefix = "c"
	indexPrefix   = "i"
)

func key(parts ...string) []byte {
	return []byte(strings.Join(parts, sep))
}

func prefixKey(parts ...string) []byte {
	return append(key(parts...), sep...)
}

func versionKey(owner, typ, id string, version int) []byte {
	return key(versionPrefix, owner, typ, id, fmt.Sprintf("%010d", version))
}

func currentKey(owner, typ, id string) []byte {
	return key(currentPrefix, owner, typ, id)
}

func indexKey(e *fhir.IndexEntry, seq int) []byte {
	return key(indexPrefix, e.OwnerID, e.ResourceType, e.ParamName, e.ResourceID,
		fmt.Sprintf("%010d", e.Version), fmt.Sprintf("%06d", seq))
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := bytes.Clone(p)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func validID(id string) bool {
	return id != "" && !strings.Contains(id, sep)
}

type pebbleRepo struct {
	db *pebble.DB
	// serialises Flush so version checks and the batch commit are atomic
	mu sync.Mutex
}

// NewPebbleRepo returns a Repository on an open pebble database.
func NewPebbleRepo(db *pebble.DB) Repository {
	return &pebbleRepo{db: db}
}

// OpenPebble opens (or creates) the database directory.
func OpenPebble(dir string) (*pebble.DB, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return db, nil
}

func getValue(r pebble.Reader, k []byte) ([]byte, error) {
	val, closer, err := r.Get(k)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return bytes.Clone(val), nil
}

func readVersion(r pebble.Reader, k []byte) (*Version, error) {
	raw, err := getValue(r, k)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get version: %w", err)
	}
	var v Version
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode version %s: %w", k, err)
	}
	return &v, nil
}

func readCurrent(r pebble.Reader, owner, typ, id string) (int, bool, error) {
	raw, err := getValue(r, currentKey(owner, typ, id))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get current version: %w", err)
	}
	n, err := strconv.Atoi(string(raw))
	if err != nil {
		return 0, false, fmt.Errorf("decode current version of %s/%s: %w", typ, id, err)
	}
	return n, true, nil
}

// scan calls fn for every key with prefix p, in key order.
func scan(r pebble.Reader, p []byte, fn func(k, v []byte) error) error {
	it, err := r.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return fmt.Errorf("new iterator: %w", err)
	}
	for valid := it.First(); valid; valid = it.Next() {
		if err := fn(it.Key(), it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}
	return it.Close()
}

func (r *pebbleRepo) FindVisible(ctx context.Context, ownerID, resourceType, id string) (*Version, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	snap := r.db.NewSnapshot()
	defer snap.Close()

	n, ok, err := readCurrent(snap, ownerID, resourceType, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return readVersion(snap, versionKey(ownerID, resourceType, id, n))
}

func (r *pebbleRepo) FindLatest(ctx context.Context, ownerID, resourceType, id string) (*Version, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	p := prefixKey(versionPrefix, ownerID, resourceType, id)
	it, err := r.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: upperBound(p)})
	if err != nil {
		return nil, fmt.Errorf("new iterator: %w", err)
	}
	defer it.Close()

	// zero-padded versions sort numerically, so the last key is the newest
	if !it.Last() {
		return nil, ErrNotFound
	}
	var v Version
	if err := json.Unmarshal(it.Value(), &v); err != nil {
		return nil, fmt.Errorf("decode version %s: %w", it.Key(), err)
	}
	return &v, nil
}

func (r *pebbleRepo) FindVersion(ctx context.Context, ownerID, resourceType, id string, version int) (*Version, error) {
	if !validID(id) || version < 1 {
		return nil, ErrNotFound
	}
	return readVersion(r.db, versionKey(ownerID, resourceType, id, version))
}

func (r *pebbleRepo) History(ctx context.Context, ownerID string, f HistoryFilter, limit, offset int) ([]*Version, int, error) {
	var p []byte
	switch {
	case f.ResourceType == "":
		p = prefixKey(versionPrefix, ownerID)
	case f.ResourceID == "":
		p = prefixKey(versionPrefix, ownerID, f.ResourceType)
	default:
		if !validID(f.ResourceID) {
			return nil, 0, nil
		}
		p = prefixKey(versionPrefix, ownerID, f.ResourceType, f.ResourceID)
	}

	var all []*Version
	err := scan(r.db, p, func(_, val []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var v Version
		if err := json.Unmarshal(val, &v); err != nil {
			return fmt.Errorf("decode version: %w", err)
		}
		if f.ResourceID != "" && f.Version > 0 && v.Version != f.Version {
			return nil
		}
		all = append(all, &v)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	// key order puts "Patient|" after "PatientX|"; sort on the fields instead
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.ResourceType != b.ResourceType {
			return a.ResourceType < b.ResourceType
		}
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		return a.Version < b.Version
	})
	return page(all, limit, offset), len(all), nil
}

func page(all []*Version, limit, offset int) []*Version {
	if offset >= len(all) {
		return nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end]
}

func (r *pebbleRepo) Search(ctx context.Context, q *fhir.Query, limit, offset int) ([]*Version, int, error) {
	snap := r.db.NewSnapshot()
	defer snap.Close()

	ids, err := fhir.ExecuteIDs(ctx, snapshotIndex{snap}, q)
	if err != nil {
		return nil, 0, err
	}

	matches := make([]*Version, 0, len(ids))
	for id := range ids {
		n, ok, err := readCurrent(snap, q.OwnerID, q.ResourceType, id)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			continue
		}
		v, err := readVersion(snap, versionKey(q.OwnerID, q.ResourceType, id, n))
		if err != nil {
			return nil, 0, err
		}
		matches = append(matches, v)
	}

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if !a.UpdateTime.Equal(b.UpdateTime) {
			return a.UpdateTime.After(b.UpdateTime)
		}
		return a.ResourceID < b.ResourceID
	})
	return page(matches, limit, offset), len(matches), nil
}

func (r *pebbleRepo) SearchIDs(ctx context.Context, q *fhir.Query) ([]string, error) {
	snap := r.db.NewSnapshot()
	defer snap.Close()

	set, err := fhir.ExecuteIDs(ctx, snapshotIndex{snap}, q)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *pebbleRepo) ResolveVisible(ctx context.Context, ownerID, resourceType, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	_, ok, err := readCurrent(r.db, ownerID, resourceType, id)
	return ok, err
}

func (r *pebbleRepo) Ping(ctx context.Context) error {
	_, err := getValue(r.db, key("ping"))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (r *pebbleRepo) Flush(ctx context.Context, buf *WriteBuffer) error {
	if buf.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// an indexed batch reads its own pending writes, so later ops see
	// earlier ones in the same buffer
	b := r.db.NewIndexedBatch()
	defer b.Close()

	for _, op := range buf.ops {
		var err error
		switch op := op.(type) {
		case hideOp:
			err = pebbleHide(b, op)
		case insertOp:
			err = pebbleInsert(b, op)
		default:
			err = fmt.Errorf("unknown buffered operation %T", op)
		}
		if err != nil {
			return err
		}
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func pebbleHide(b *pebble.Batch, op hideOp) error {
	n, ok, err := readCurrent(b, op.ownerID, op.resourceType, op.resourceID)
	if err != nil {
		return err
	}
	if !ok || n != op.expected {
		return fmt.Errorf("hide %s/%s version %d: %w", op.resourceType, op.resourceID, op.expected, ErrVersionConflict)
	}

	vk := versionKey(op.ownerID, op.resourceType, op.resourceID, n)
	v, err := readVersion(b, vk)
	if err != nil {
		return err
	}
	v.Visible = false
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}
	if err := b.Set(vk, raw, nil); err != nil {
		return err
	}
	return b.Delete(currentKey(op.ownerID, op.resourceType, op.resourceID), nil)
}

func pebbleInsert(b *pebble.Batch, op insertOp) error {
	v := op.version
	if !validID(v.ResourceID) {
		return fmt.Errorf("invalid resource id %q", v.ResourceID)
	}

	vk := versionKey(v.OwnerID, v.ResourceType, v.ResourceID, v.Version)
	if _, err := getValue(b, vk); err == nil {
		return fmt.Errorf("insert %s version %d: %w", v.Reference(), v.Version, ErrVersionConflict)
	} else if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("get version: %w", err)
	}
	if v.Visible {
		if _, ok, err := readCurrent(b, v.OwnerID, v.ResourceType, v.ResourceID); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("insert %s: another version is visible: %w", v.Reference(), ErrVersionConflict)
		}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}
	if err := b.Set(vk, raw, nil); err != nil {
		return err
	}
	if v.Visible {
		cur := []byte(strconv.Itoa(v.Version))
		if err := b.Set(currentKey(v.OwnerID, v.ResourceType, v.ResourceID), cur, nil); err != nil {
			return err
		}
	}

	for i := range op.entries {
		e := &op.entries[i]
		row, err := json.Marshal(e.Row())
		if err != nil {
			return fmt.Errorf("encode index row: %w", err)
		}
		if err := b.Set(indexKey(e, i), row, nil); err != nil {
			return err
		}
	}
	return nil
}

// snapshotIndex serves fhir.ExecuteIDs from one consistent snapshot.
type snapshotIndex struct {
	r pebble.Reader
}

func (s snapshotIndex) current(owner, typ string) (map[string]int, error) {
	cur := make(map[string]int)
	p := prefixKey(currentPrefix, owner, typ)
	err := scan(s.r, p, func(k, v []byte) error {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return fmt.Errorf("decode current version %s: %w", k, err)
		}
		cur[string(k[len(p):])] = n
		return nil
	})
	return cur, err
}

func (s snapshotIndex) VisibleIDs(ctx context.Context, ownerID, resourceType string) ([]string, error) {
	cur, err := s.current(ownerID, resourceType)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cur))
	for id := range cur {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s snapshotIndex) VisibleEntries(ctx context.Context, ownerID, resourceType, param string) ([]fhir.IndexEntry, error) {
	cur, err := s.current(ownerID, resourceType)
	if err != nil {
		return nil, err
	}

	var entries []fhir.IndexEntry
	err = scan(s.r, prefixKey(indexPrefix, ownerID, resourceType, param), func(_, val []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var row fhir.IndexRow
		if err := json.Unmarshal(val, &row); err != nil {
			return fmt.Errorf("decode index row: %w", err)
		}
		if n, ok := cur[row.ResourceID]; !ok || n != row.Version {
			return nil
		}
		e, err := row.Entry()
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	return entries, err
}
