package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

const defaultSchema = "public"

func pgIdent(name string) string { return pgx.Identifier{name}.Sanitize() }

func tableIdent(ref storage.TableRef) string {
	if ref.Schema == "" {
		return pgIdent(ref.Name)
	}
	return pgx.Identifier{ref.Schema, ref.Name}.Sanitize()
}

// buildGrants gives each role read access to every table in schemaName.
// Role names fold to lower case like unquoted identifiers.
func buildGrants(schemaName string, roles []string) []string {
	if schemaName == "" {
		schemaName = defaultSchema
	}
	s := pgIdent(schemaName)
	var stmts []string
	for _, r := range roles {
		role := pgIdent(strings.ToLower(r))
		stmts = append(stmts,
			fmt.Sprintf(`GRANT USAGE ON SCHEMA %s TO %s`, s, role),
			fmt.Sprintf(`GRANT SELECT ON ALL TABLES IN SCHEMA %s TO %s`, s, role),
		)
	}
	return stmts
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = pgIdent(c)
	}
	return strings.Join(parts, ", ")
}

func nativeType(t schema.Type) string {
	switch t {
	case schema.Integer:
		return "bigint"
	case schema.Number:
		return "double precision"
	case schema.Boolean:
		return "boolean"
	case schema.Timestamp:
		return "timestamp without time zone"
	case schema.Date:
		return "date"
	case schema.Time:
		return "time without time zone"
	case schema.Binary:
		return "bytea"
	case schema.Variant:
		return "jsonb"
	}
	return "text"
}

// semanticType maps information_schema.columns.data_type.
func semanticType(dataType string) schema.Type {
	switch strings.ToLower(strings.TrimSpace(dataType)) {
	case "bigint", "integer", "smallint":
		return schema.Integer
	case "double precision", "real", "numeric":
		return schema.Number
	case "boolean":
		return schema.Boolean
	case "timestamp without time zone", "timestamp with time zone":
		return schema.Timestamp
	case "date":
		return schema.Date
	case "time without time zone", "time with time zone":
		return schema.Time
	case "bytea":
		return schema.Binary
	case "json", "jsonb":
		return schema.Variant
	}
	return schema.String
}

func buildColumnDef(c storage.Column, notNull bool) string {
	var b strings.Builder
	b.WriteString(pgIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(nativeType(c.Type))
	if notNull {
		b.WriteString(" NOT NULL")
	}
	return b.String()
}

// buildDDL renders one reconciler op. CreateTable yields two statements: the
// schema and the table.
func buildDDL(op storage.Op) ([]string, error) {
	if strings.TrimSpace(op.Table.Name) == "" {
		return nil, fmt.Errorf("table name is empty")
	}
	table := tableIdent(op.Table)

	switch op.Kind {
	case storage.OpCreateTable:
		if len(op.Columns) == 0 {
			return nil, fmt.Errorf("create %s: no columns", op.Table)
		}
		var stmts []string
		if op.Table.Schema != "" {
			stmts = append(stmts, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgIdent(op.Table.Schema)))
		}
		pk := make(map[string]bool, len(op.PrimaryKey))
		for _, k := range op.PrimaryKey {
			pk[k] = true
		}
		defs := make([]string, 0, len(op.Columns)+1)
		for _, c := range op.Columns {
			defs = append(defs, buildColumnDef(c, pk[c.Name]))
		}
		if len(op.PrimaryKey) > 0 {
			defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(op.PrimaryKey)))
		}
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s)`, table, strings.Join(defs, ", ")))
		return append(stmts, buildGrants(op.Table.Schema, op.Grantees)...), nil

	case storage.OpAddColumn:
		return []string{fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s`, table, buildColumnDef(op.Column, false))}, nil

	case storage.OpWidenColumn:
		typ := nativeType(op.Column.Type)
		col := pgIdent(op.Column.Name)
		return []string{fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s`, table, col, typ, col, typ)}, nil

	case storage.OpRenameColumn:
		return []string{fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`, table, pgIdent(op.From), pgIdent(op.Column.Name))}, nil
	}
	return nil, fmt.Errorf("postgres: unsupported op %s", op.Kind)
}

func buildCreateStageSQL(stage string, cols []storage.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = buildColumnDef(c, false)
	}
	return fmt.Sprintf(`CREATE TEMP TABLE %s (%s) ON COMMIT DROP`, pgIdent(stage), strings.Join(defs, ", "))
}

func buildCopySQL(stage string, columns []string) string {
	return fmt.Sprintf(`COPY %s (%s) FROM STDIN WITH (FORMAT csv, NULL '%s')`, pgIdent(stage), joinIdentList(columns), storage.NullToken)
}

func keyMatch(left, right string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", left, pgIdent(k), right, pgIdent(k))
	}
	return strings.Join(parts, " AND ")
}

func buildDeleteMatchedSQL(table, stage string, keys []string, deletedCol string) string {
	return fmt.Sprintf(`DELETE FROM %s AS t USING %s AS s WHERE %s AND s.%s IS NOT NULL`,
		table, pgIdent(stage), keyMatch("t", "s", keys), pgIdent(deletedCol))
}

// buildUpsertSQL merges the stage into table and reports per row whether it
// was inserted (xmax = 0) or updated.
func buildUpsertSQL(table, stage string, columns, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", pgIdent(c), pgIdent(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	cols := joinIdentList(columns)
	return fmt.Sprintf(`INSERT INTO %s AS t (%s) SELECT %s FROM %s ON CONFLICT (%s) %s RETURNING (t.xmax = 0) AS inserted`,
		table, cols, cols, pgIdent(stage), joinIdentList(keys), action)
}
