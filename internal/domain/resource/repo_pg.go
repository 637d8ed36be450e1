package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirsearch/internal/platform/db"
	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type pgRepo struct{ pool *pgxpool.Pool }

// NewPGRepo returns a Repository on the resource_version and search_index
// tables.
func NewPGRepo(pool *pgxpool.Pool) Repository {
	return &pgRepo{pool: pool}
}

func (r *pgRepo) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func scanVersion(row pgx.Row) (*Version, error) {
	var v Version
	err := row.Scan(&v.OwnerID, &v.ResourceType, &v.ResourceID, &v.Version, &v.Visible,
		&v.CreateTime, &v.UpdateTime, &v.Data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func collectVersions(rows pgx.Rows) ([]*Version, error) {
	defer rows.Close()
	var items []*Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, rows.Err()
}

func (r *pgRepo) FindVisible(ctx context.Context, ownerID, resourceType, id string) (*Version, error) {
	return scanVersion(r.conn(ctx).QueryRow(ctx, `SELECT `+versionCols+` FROM resource_version
		WHERE owner_id = $1 AND resource_type = $2 AND resource_id = $3 AND visible`,
		ownerID, resourceType, id))
}

func (r *pgRepo) FindLatest(ctx context.Context, ownerID, resourceType, id string) (*Version, error) {
	return scanVersion(r.conn(ctx).QueryRow(ctx, `SELECT `+versionCols+` FROM resource_version
		WHERE owner_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY version DESC LIMIT 1`,
		ownerID, resourceType, id))
}

func (r *pgRepo) FindVersion(ctx context.Context, ownerID, resourceType, id string, version int) (*Version, error) {
	return scanVersion(r.conn(ctx).QueryRow(ctx, `SELECT `+versionCols+` FROM resource_version
		WHERE owner_id = $1 AND resource_type = $2 AND resource_id = $3 AND version = $4`,
		ownerID, resourceType, id, version))
}

func (r *pgRepo) History(ctx context.Context, ownerID string, f HistoryFilter, limit, offset int) ([]*Version, int, error) {
	qb := fhir.NewSearchQuery("resource_version", versionCols)
	qb.Add("owner_id = " + qb.Arg(ownerID))
	if f.ResourceType != "" {
		qb.Add("resource_type = " + qb.Arg(f.ResourceType))
		if f.ResourceID != "" {
			qb.Add("resource_id = " + qb.Arg(f.ResourceID))
			if f.Version > 0 {
				qb.Add("version = " + qb.Arg(f.Version))
			}
		}
	}
	qb.OrderBy("resource_type, resource_id, version")
	return r.page(ctx, qb, limit, offset)
}

func (r *pgRepo) page(ctx context.Context, qb *fhir.SearchQuery, limit, offset int) ([]*Version, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, qb.CountSQL(), qb.CountArgs()...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count versions: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, qb.DataSQL(limit, offset), qb.DataArgs(limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("query versions: %w", err)
	}
	items, err := collectVersions(rows)
	if err != nil {
		return nil, 0, fmt.Errorf("scan versions: %w", err)
	}
	return items, total, nil
}

func (r *pgRepo) Search(ctx context.Context, q *fhir.Query, limit, offset int) ([]*Version, int, error) {
	qb, err := renderSearch(q)
	if err != nil {
		return nil, 0, err
	}
	return r.page(ctx, qb, limit, offset)
}

func (r *pgRepo) SearchIDs(ctx context.Context, q *fhir.Query) ([]string, error) {
	sq := fhir.NewSearchQuery("resource_version", "resource_id")
	where, err := sqlRenderer{q: sq}.scope(q)
	if err != nil {
		return nil, err
	}
	for _, w := range where {
		sq.Add(w)
	}
	sq.OrderBy("resource_id")

	rows, err := r.conn(ctx).Query(ctx, sq.SelectSQL(), sq.CountArgs()...)
	if err != nil {
		return nil, fmt.Errorf("query ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan ids: %w", err)
	}
	return ids, nil
}

func (r *pgRepo) ResolveVisible(ctx context.Context, ownerID, resourceType, id string) (bool, error) {
	var ok bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM resource_version
		WHERE owner_id = $1 AND resource_type = $2 AND resource_id = $3 AND visible)`,
		ownerID, resourceType, id).Scan(&ok)
	return ok, err
}

func (r *pgRepo) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

var indexCols = []string{
	"owner_id", "resource_type", "resource_id", "version", "param_name", "param_type", "missing",
	"text", "system", "code", "quantity", "comparator", "start_date", "end_date",
	"referenced_url", "referenced_type", "referenced_id",
}

func indexValues(e *fhir.IndexEntry) []interface{} {
	row := e.Row()
	return []interface{}{
		row.OwnerID, row.ResourceType, row.ResourceID, row.Version, row.ParamName, row.ParamType, row.Missing,
		row.Text, row.System, row.Code, row.Quantity, row.Comparator, row.StartDate, row.EndDate,
		row.ReferencedURL, row.ReferencedType, row.ReferencedID,
	}
}

// Flush runs the buffer in one transaction. A hide that finds its expected
// version no longer visible, or an insert colliding with an existing or
// visible version, rolls everything back with ErrVersionConflict.
func (r *pgRepo) Flush(ctx context.Context, buf *WriteBuffer) error {
	if buf.Len() == 0 {
		return nil
	}
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		tx := db.TxFromContext(ctx)
		for _, op := range buf.ops {
			var err error
			switch op := op.(type) {
			case hideOp:
				err = pgHide(ctx, tx, op)
			case insertOp:
				err = pgInsert(ctx, tx, op)
			default:
				err = fmt.Errorf("unknown buffered operation %T", op)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func pgHide(ctx context.Context, tx pgx.Tx, op hideOp) error {
	tag, err := tx.Exec(ctx, `UPDATE resource_version SET visible = FALSE
		WHERE owner_id = $1 AND resource_type = $2 AND resource_id = $3 AND version = $4 AND visible`,
		op.ownerID, op.resourceType, op.resourceID, op.expected)
	if err != nil {
		return fmt.Errorf("hide %s/%s: %w", op.resourceType, op.resourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("hide %s/%s version %d: %w", op.resourceType, op.resourceID, op.expected, ErrVersionConflict)
	}
	return nil
}

func pgInsert(ctx context.Context, tx pgx.Tx, op insertOp) error {
	v := op.version
	_, err := tx.Exec(ctx, `INSERT INTO resource_version
		(owner_id, resource_type, resource_id, version, visible, create_time, update_time, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.OwnerID, v.ResourceType, v.ResourceID, v.Version, v.Visible, v.CreateTime, v.UpdateTime, v.Data)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("insert %s version %d: %w", v.Reference(), v.Version, ErrVersionConflict)
		}
		return fmt.Errorf("insert %s: %w", v.Reference(), err)
	}

	if len(op.entries) == 0 {
		return nil
	}
	rows := make([][]interface{}, len(op.entries))
	for i := range op.entries {
		rows[i] = indexValues(&op.entries[i])
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"search_index"}, indexCols, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("write index of %s: %w", v.Reference(), err)
	}
	return nil
}
