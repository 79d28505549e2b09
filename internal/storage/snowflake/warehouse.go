package snowflake

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	sf "github.com/snowflakedb/gosnowflake"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

/*
Warehouse implements storage.Warehouse for Snowflake.

A load runs on one pinned connection:

 1. PUT the artifact to the user stage, unless it already sits in the
    configured external stage (uploaded to S3 by the loader).
 2. CREATE TEMPORARY TABLE and COPY INTO it with an inline file format.
 3. MERGE (or INSERT) into the target inside a transaction.
 4. Drop the temp table and REMOVE the staged file.

DDL auto-commits in Snowflake, which is why only step 3 is transactional.
Identifiers are folded to upper case so unquoted references in user queries
resolve. Column types are never altered in place.
*/
type Warehouse struct {
	db    *sql.DB
	stage string
}

func init() {
	storage.Register("snowflake", New)
}

// New opens the pool from a gosnowflake DSN. cfg.Stage names an external
// stage over the S3 bucket the loader uploads to.
func New(ctx context.Context, cfg storage.Config) (storage.Warehouse, error) {
	db, err := sql.Open("snowflake", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Warehouse{db: db, stage: cfg.Stage}, nil
}

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) NormalizeIdent(name string) string { return schema.UpperIdent(name) }

func (w *Warehouse) Canonical(t schema.Type) schema.Type { return semanticType(nativeType(t), 0) }

func (w *Warehouse) CanWiden(from, to schema.Type) bool { return false }

func (w *Warehouse) IsTransient(err error) bool {
	var se *sf.SnowflakeError
	if errors.As(err, &se) {
		return strings.HasPrefix(se.SQLState, "08") || strings.HasPrefix(se.SQLState, "57")
	}
	return storage.IsTransientNet(err)
}

const describeSQL = `SELECT table_name, column_name, data_type, COALESCE(numeric_scale, -1)
FROM information_schema.columns
WHERE table_schema = ? AND (? = '' OR table_name = ?)
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
		schemaName = "PUBLIC"
	}
	rows, err := w.db.QueryContext(ctx, describeSQL, schemaName, table, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*storage.Table
	var cur *storage.Table
	for rows.Next() {
		var tname, cname, dtype string
		var scale int
		if err := rows.Scan(&tname, &cname, &dtype, &scale); err != nil {
			return nil, err
		}
		if cur == nil || cur.Ref.Name != tname {
			cur = &storage.Table{Ref: storage.TableRef{Schema: schemaName, Name: tname}, Exists: true}
			out = append(out, cur)
		}
		cur.Columns = append(cur.Columns, storage.Column{Name: cname, Type: semanticType(dtype, scale), Native: dtype})
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

func (w *Warehouse) Load(ctx context.Context, req storage.LoadRequest) (storage.LoadResult, error) {
	var res storage.LoadResult

	conn, err := w.db.Conn(ctx)
	if err != nil {
		return res, err
	}
	defer conn.Close()

	location := stageLocation(w.stage, req.Artifact)
	if strings.HasPrefix(location, userStagePrefix) {
		if req.Artifact.Encrypted {
			return res, fmt.Errorf("snowflake: encrypted artifact %s needs an external stage", req.Artifact.Path)
		}
		if _, err := conn.ExecContext(ctx, buildPutSQL(req.Artifact.Path)); err != nil {
			return res, fmt.Errorf("put %s: %w", req.Artifact.Path, err)
		}
		defer func() {
			// best effort
			_, _ = conn.ExecContext(context.WithoutCancel(ctx), buildRemoveSQL(location))
		}()
	}

	stage := "STAGE_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if _, err := conn.ExecContext(ctx, buildCreateStageSQL(stage, req.Columns)); err != nil {
		return res, fmt.Errorf("create stage table: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+quoteIdent(stage))
	}()

	if _, err := conn.ExecContext(ctx, buildCopySQL(stage, location, req.ColumnNames(), req.Artifact)); err != nil {
		return res, fmt.Errorf("copy into stage: %w", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	table := tableIdent(req.Table)
	if req.Upsert() {
		q := buildMergeSQL(table, stage, req.Columns, req.PrimaryKey, req.HardDeletes(), req.DeletedColumn)
		rows, err := tx.QueryContext(ctx, q)
		if err != nil {
			return res, fmt.Errorf("merge %s: %w", req.Table, err)
		}
		res, err = scanMergeCounts(rows)
		if err != nil {
			return res, fmt.Errorf("merge %s: %w", req.Table, err)
		}
	} else {
		r, err := tx.ExecContext(ctx, buildAppendSQL(table, stage, req.Columns))
		if err != nil {
			return res, fmt.Errorf("append %s: %w", req.Table, err)
		}
		res.Inserted, _ = r.RowsAffected()

		if req.HardDeletes() {
			r, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s IS NOT NULL", table, quoteIdent(req.DeletedColumn)))
			if err != nil {
				return res, fmt.Errorf("hard delete: %w", err)
			}
			res.Deleted, _ = r.RowsAffected()
		}
	}

	if err := tx.Commit(); err != nil {
		return storage.LoadResult{}, err
	}
	return res, nil
}

// scanMergeCounts reads the single MERGE result row. Its columns depend on
// which WHEN clauses the statement has.
func scanMergeCounts(rows *sql.Rows) (storage.LoadResult, error) {
	defer rows.Close()

	var res storage.LoadResult
	cols, err := rows.Columns()
	if err != nil {
		return res, err
	}
	if !rows.Next() {
		return res, rows.Err()
	}
	vals := make([]int64, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return res, err
	}
	assignMergeCounts(&res, cols, vals)
	return res, rows.Err()
}

func assignMergeCounts(res *storage.LoadResult, cols []string, vals []int64) {
	for i, c := range cols {
		switch c = strings.ToLower(c); {
		case strings.Contains(c, "inserted"):
			res.Inserted = vals[i]
		case strings.Contains(c, "updated"):
			res.Updated = vals[i]
		case strings.Contains(c, "deleted"):
			res.Deleted = vals[i]
		}
	}
}
