package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

// Warehouse implements storage.Warehouse for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has a single namespace per database file, so TableRef.Schema is
//     ignored.
//   - There is no ALTER COLUMN ... TYPE. CanWiden is always false and the
//     reconciler versions the old column instead.
//   - The pool is capped at one connection. Temp tables are per connection,
//     and concurrent writers would only trade SQLITE_BUSY retries.
type Warehouse struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Warehouse{db: db}, nil
}

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) NormalizeIdent(name string) string { return schema.LowerIdent(name) }

func (w *Warehouse) Canonical(t schema.Type) schema.Type { return semanticType(nativeType(t)) }

func (w *Warehouse) CanWiden(from, to schema.Type) bool { return false }

func (w *Warehouse) IsTransient(err error) bool {
	var se *sqlitedrv.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}
	return storage.IsTransientNet(err)
}

// Describe reads column names and declared types via pragma_table_info.
func (w *Warehouse) Describe(ctx context.Context, ref storage.TableRef) (*storage.Table, error) {
	rows, err := w.db.QueryContext(ctx, `SELECT name, type FROM pragma_table_info(?) ORDER BY cid`, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", ref, err)
	}
	defer rows.Close()

	t := &storage.Table{Ref: ref}
	for rows.Next() {
		var name, native string
		if err := rows.Scan(&name, &native); err != nil {
			return nil, fmt.Errorf("describe %s: %w", ref, err)
		}
		t.Columns = append(t.Columns, storage.Column{Name: name, Type: semanticType(native), Native: native})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("describe %s: %w", ref, err)
	}
	t.Exists = len(t.Columns) > 0
	return t, nil
}

func (w *Warehouse) DescribeSchema(ctx context.Context, schemaName string) ([]*storage.Table, error) {
	// Names are collected before describing: the single connection cannot
	// serve a second query while this cursor is open.
	rows, err := w.db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			rows.Close()
			return nil, err
		}
		names = append(names, n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*storage.Table, 0, len(names))
	for _, n := range names {
		t, err := w.Describe(ctx, storage.TableRef{Schema: schemaName, Name: n})
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (w *Warehouse) Apply(ctx context.Context, op storage.Op) error {
	q, err := buildDDL(op)
	if err != nil {
		return err
	}
	if _, err := w.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Load copies the artifact into a temp table, then appends or upserts from it
// in the same transaction.
func (w *Warehouse) Load(ctx context.Context, req storage.LoadRequest) (storage.LoadResult, error) {
	var res storage.LoadResult

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	stage := "stage_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := tx.ExecContext(ctx, buildCreateStageSQL(stage, req.Columns)); err != nil {
		return res, fmt.Errorf("create stage table: %w", err)
	}

	ins, err := tx.PrepareContext(ctx, buildInsertSQL(stage, req.ColumnNames()))
	if err != nil {
		return res, err
	}
	var staged int64
	err = storage.ReadRecords(ctx, req.Artifact, req.Columns, func(vals []any) error {
		if _, err := ins.ExecContext(ctx, vals...); err != nil {
			return err
		}
		staged++
		return nil
	})
	_ = ins.Close()
	if err != nil {
		return res, fmt.Errorf("stage rows: %w", err)
	}

	table := sqlIdent(req.Table.Name)
	if req.Upsert() {
		if req.HardDeletes() {
			r, err := tx.ExecContext(ctx, buildDeleteMatchedSQL(table, stage, req.PrimaryKey, req.DeletedColumn))
			if err != nil {
				return res, fmt.Errorf("hard delete: %w", err)
			}
			res.Deleted, _ = r.RowsAffected()

			r, err = tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s IS NOT NULL`, sqlIdent(stage), sqlIdent(req.DeletedColumn)))
			if err != nil {
				return res, fmt.Errorf("drop deleted stage rows: %w", err)
			}
			n, _ := r.RowsAffected()
			staged -= n
		}

		var updated int64
		if err := tx.QueryRowContext(ctx, buildCountMatchedSQL(table, stage, req.PrimaryKey)).Scan(&updated); err != nil {
			return res, fmt.Errorf("count matched: %w", err)
		}
		if _, err := tx.ExecContext(ctx, buildUpsertSQL(table, stage, req.ColumnNames(), req.PrimaryKey)); err != nil {
			return res, fmt.Errorf("upsert %s: %w", req.Table, err)
		}
		res.Updated = updated
		res.Inserted = staged - updated
	} else {
		cols := joinIdentList(req.ColumnNames())
		r, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (%s) SELECT %s FROM %s`, table, cols, cols, sqlIdent(stage)))
		if err != nil {
			return res, fmt.Errorf("append %s: %w", req.Table, err)
		}
		res.Inserted, _ = r.RowsAffected()

		if req.HardDeletes() {
			r, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s IS NOT NULL`, table, sqlIdent(req.DeletedColumn)))
			if err != nil {
				return res, fmt.Errorf("hard delete: %w", err)
			}
			res.Deleted, _ = r.RowsAffected()
		}
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE `+sqlIdent(stage)); err != nil {
		return res, fmt.Errorf("drop stage table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.LoadResult{}, err
	}
	return res, nil
}
