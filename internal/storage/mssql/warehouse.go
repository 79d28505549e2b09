package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mssqldb "github.com/microsoft/go-mssqldb"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

// Warehouse implements storage.Warehouse for Microsoft SQL Server.
//
// Loads bulk copy the artifact into a session temp table (#stage_*) and MERGE
// it into the target inside one transaction.
//
// Concurrency:
//   - Each Load pins one pooled connection through its transaction, so temp
//     tables of concurrent loads never collide.
type Warehouse struct {
	db *sql.DB
}

func init() {
	storage.Register("mssql", New)
}

// New opens the pool with the "sqlserver" driver and validates connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty loads.
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(16)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Warehouse{db: db}, nil
}

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) NormalizeIdent(name string) string { return schema.LowerIdent(name) }

func (w *Warehouse) Canonical(t schema.Type) schema.Type { return semanticType(nativeType(t, false)) }

// CanWiden rejects binary sources: VARBINARY has no implicit conversion to
// NVARCHAR.
func (w *Warehouse) CanWiden(from, to schema.Type) bool {
	return from != schema.Binary && schema.Compare(from, to) == schema.Widen
}

// transientErrors are deadlock, lock timeout and Azure SQL throttling and
// failover numbers.
var transientErrors = map[int32]bool{
	1205:  true,
	1222:  true,
	4060:  true,
	40197: true,
	40501: true,
	40613: true,
	49918: true,
	49919: true,
	49920: true,
}

func (w *Warehouse) IsTransient(err error) bool {
	var me mssqldb.Error
	if errors.As(err, &me) {
		return transientErrors[me.Number]
	}
	return storage.IsTransientNet(err)
}

const describeSQL = `SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE
FROM INFORMATION_SCHEMA.COLUMNS
WHERE TABLE_SCHEMA = @p1 AND (@p2 = '' OR TABLE_NAME = @p2)
ORDER BY TABLE_NAME, ORDINAL_POSITION`

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
	rows, err := w.db.QueryContext(ctx, describeSQL, schemaName, table)
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
		if _, err := w.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

// Load bulk copies the artifact into a temp table and merges or appends it in
// the same transaction.
func (w *Warehouse) Load(ctx context.Context, req storage.LoadRequest) (storage.LoadResult, error) {
	var res storage.LoadResult

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	stage := "#stage_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if _, err := tx.ExecContext(ctx, buildCreateStageSQL(stage, req.Columns)); err != nil {
		return res, fmt.Errorf("create stage table: %w", err)
	}

	staged, err := w.bulkCopy(ctx, tx, stage, req)
	if err != nil {
		return res, fmt.Errorf("stage rows: %w", err)
	}

	table := tableIdent(req.Table)
	if req.Upsert() {
		q := buildMergeSQL(table, stage, req.ColumnNames(), req.PrimaryKey, req.HardDeletes(), req.DeletedColumn)
		rows, err := tx.QueryContext(ctx, q)
		if err != nil {
			return res, fmt.Errorf("merge %s: %w", req.Table, err)
		}
		for rows.Next() {
			var action string
			if err := rows.Scan(&action); err != nil {
				rows.Close()
				return res, err
			}
			switch action {
			case "INSERT":
				res.Inserted++
			case "UPDATE":
				res.Updated++
			case "DELETE":
				res.Deleted++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return res, fmt.Errorf("merge %s: %w", req.Table, err)
		}
	} else {
		cols := joinIdentList(req.ColumnNames())
		r, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s;", table, cols, cols, mssqlIdent(stage)))
		if err != nil {
			return res, fmt.Errorf("append %s: %w", req.Table, err)
		}
		res.Inserted, _ = r.RowsAffected()
		if res.Inserted != staged {
			return res, fmt.Errorf("append %s: staged %d rows, inserted %d", req.Table, staged, res.Inserted)
		}

		if req.HardDeletes() {
			r, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s IS NOT NULL;", table, mssqlIdent(req.DeletedColumn)))
			if err != nil {
				return res, fmt.Errorf("hard delete: %w", err)
			}
			res.Deleted, _ = r.RowsAffected()
		}
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+mssqlIdent(stage)+";"); err != nil {
		return res, fmt.Errorf("drop stage table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return storage.LoadResult{}, err
	}
	return res, nil
}

// bulkCopy streams artifact rows through the driver's bulk insert protocol.
// The final no-argument Exec flushes the batch and reports the row count.
func (w *Warehouse) bulkCopy(ctx context.Context, tx *sql.Tx, stage string, req storage.LoadRequest) (int64, error) {
	stmt, err := tx.PrepareContext(ctx, mssqldb.CopyIn(stage, mssqldb.BulkOptions{KeepNulls: true}, req.ColumnNames()...))
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	row := make([]any, len(req.Columns))
	err = storage.ReadRecords(ctx, req.Artifact, req.Columns, func(vals []any) error {
		for i, v := range vals {
			bv, err := bulkValue(req.Columns[i].Type, v)
			if err != nil {
				return fmt.Errorf("column %s: %w", req.Columns[i].Name, err)
			}
			row[i] = bv
		}
		_, err := stmt.ExecContext(ctx, row...)
		return err
	})
	if err != nil {
		return 0, err
	}
	r, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, err
	}
	return r.RowsAffected()
}
