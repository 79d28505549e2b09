package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

/*
Warehouse implements storage.Warehouse for Postgres.

Loads stream the artifact through COPY into an ON COMMIT DROP temp table and
merge with INSERT ... ON CONFLICT, all inside one transaction, so a failed load
leaves the target untouched.
*/
type Warehouse struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Warehouse.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Warehouse{pool: pool}, nil
}

// Close closes the connection pool.
func (w *Warehouse) Close() error {
	w.pool.Close()
	return nil
}

func (w *Warehouse) NormalizeIdent(name string) string { return schema.LowerIdent(name) }

func (w *Warehouse) Canonical(t schema.Type) schema.Type { return semanticType(nativeType(t)) }

// CanWiden allows every lattice widening: USING casts cover numeric, text and
// date-to-timestamp conversions.
func (w *Warehouse) CanWiden(from, to schema.Type) bool {
	return schema.Compare(from, to) == schema.Widen
}

func (w *Warehouse) IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01", pgErr.Code == "57P01":
			return true
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err) || storage.IsTransientNet(err)
}

const describeSQL = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND ($2 = '' OR table_name = $2)
ORDER BY table_name, ordinal_position`

func (w *Warehouse) Describe(ctx context.Context, ref storage.TableRef) (*storage.Table, error) {
	tables, err := w.describe(ctx, ref.Schema, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", ref, err)
	}
	if len(tables) == 0 {
		return &storage.Table{Ref: ref}, nil
	}
	tables[0].Ref = ref
	return tables[0], nil
}

func (w *Warehouse) DescribeSchema(ctx context.Context, schemaName string) ([]*storage.Table, error) {
	tables, err := w.describe(ctx, schemaName, "")
	if err != nil {
		return nil, fmt.Errorf("describe schema %s: %w", schemaName, err)
	}
	return tables, nil
}

func (w *Warehouse) describe(ctx context.Context, schemaName, table string) ([]*storage.Table, error) {
	if schemaName == "" {
		schemaName = defaultSchema
	}
	rows, err := w.pool.Query(ctx, describeSQL, schemaName, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Table
	var cur *storage.Table
	for rows.Next() {
		var tname, cname, dtype string
		if err := rows.Scan(&tname, &cname, &dtype); err != nil {
			return nil, err
		}
		if cur == nil || cur.Ref.Name != tname {
			cur = &storage.Table{Ref: storage.TableRef{Schema: schemaName, Name: tname}, Exists: true}
			out = append(out, cur)
		}
		cur.Columns = append(cur.Columns, storage.Column{Name: cname, Type: semanticType(dtype), Native: dtype})
	}
	return out, rows.Err()
}

func (w *Warehouse) Apply(ctx context.Context, op storage.Op) error {
	stmts, err := buildDDL(op)
	if err != nil {
		return err
	}
	for _, q := range stmts {
		if _, err := w.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// Load streams the artifact into a temp table with COPY and merges it into the
// target in the same transaction.
func (w *Warehouse) Load(ctx context.Context, req storage.LoadRequest) (storage.LoadResult, error) {
	var res storage.LoadResult
	if req.Artifact.Open == nil {
		return res, fmt.Errorf("postgres: artifact %s has no reader", req.Artifact.Path)
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return res, err
	}
	defer tx.Rollback(ctx)

	stage := "stage_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := tx.Exec(ctx, buildCreateStageSQL(stage, req.Columns)); err != nil {
		return res, fmt.Errorf("create stage table: %w", err)
	}

	rc, err := req.Artifact.Open()
	if err != nil {
		return res, fmt.Errorf("open artifact: %w", err)
	}
	tag, err := tx.Conn().PgConn().CopyFrom(ctx, rc, buildCopySQL(stage, req.ColumnNames()))
	_ = rc.Close()
	if err != nil {
		return res, fmt.Errorf("copy into stage: %w", err)
	}
	staged := tag.RowsAffected()

	table := tableIdent(req.Table)
	if req.Upsert() {
		if req.HardDeletes() {
			tag, err := tx.Exec(ctx, buildDeleteMatchedSQL(table, stage, req.PrimaryKey, req.DeletedColumn))
			if err != nil {
				return res, fmt.Errorf("hard delete: %w", err)
			}
			res.Deleted = tag.RowsAffected()
			if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s IS NOT NULL`, pgIdent(stage), pgIdent(req.DeletedColumn))); err != nil {
				return res, fmt.Errorf("drop deleted stage rows: %w", err)
			}
		}

		rows, err := tx.Query(ctx, buildUpsertSQL(table, stage, req.ColumnNames(), req.PrimaryKey))
		if err != nil {
			return res, fmt.Errorf("upsert %s: %w", req.Table, err)
		}
		for rows.Next() {
			var inserted bool
			if err := rows.Scan(&inserted); err != nil {
				rows.Close()
				return res, err
			}
			if inserted {
				res.Inserted++
			} else {
				res.Updated++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return res, fmt.Errorf("upsert %s: %w", req.Table, err)
		}
	} else {
		cols := joinIdentList(req.ColumnNames())
		tag, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, table, cols, cols, pgIdent(stage)))
		if err != nil {
			return res, fmt.Errorf("append %s: %w", req.Table, err)
		}
		res.Inserted = tag.RowsAffected()
		if res.Inserted != staged {
			return res, fmt.Errorf("append %s: staged %d rows, inserted %d", req.Table, staged, res.Inserted)
		}

		if req.HardDeletes() {
			tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s IS NOT NULL`, table, pgIdent(req.DeletedColumn)))
			if err != nil {
				return res, fmt.Errorf("hard delete: %w", err)
			}
			res.Deleted = tag.RowsAffected()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storage.LoadResult{}, err
	}
	return res, nil
}
