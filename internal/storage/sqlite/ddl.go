package sqlite

import (
	"fmt"
	"strings"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = sqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

// nativeType renders declared types whose affinity round-trips through
// semanticType.
func nativeType(t schema.Type) string {
	switch t {
	case schema.Integer:
		return "INTEGER"
	case schema.Number:
		return "REAL"
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Timestamp:
		return "TIMESTAMP"
	case schema.Date:
		return "DATE"
	case schema.Time:
		return "TIME"
	case schema.Binary:
		return "BLOB"
	case schema.Variant:
		return "JSON"
	}
	return "TEXT"
}

func semanticType(native string) schema.Type {
	n := strings.ToUpper(strings.TrimSpace(native))
	switch {
	case strings.Contains(n, "INT"):
		return schema.Integer
	case strings.Contains(n, "REAL"), strings.Contains(n, "FLOA"), strings.Contains(n, "DOUB"),
		strings.Contains(n, "NUMERIC"), strings.Contains(n, "DECIMAL"):
		return schema.Number
	case strings.Contains(n, "BOOL"):
		return schema.Boolean
	case strings.Contains(n, "TIMESTAMP"), strings.Contains(n, "DATETIME"):
		return schema.Timestamp
	case strings.Contains(n, "DATE"):
		return schema.Date
	case strings.Contains(n, "TIME"):
		return schema.Time
	case strings.Contains(n, "BLOB"):
		return schema.Binary
	case strings.Contains(n, "JSON"), strings.Contains(n, "VARIANT"):
		return schema.Variant
	}
	return schema.String
}

func columnDef(c storage.Column, notNull bool) string {
	def := sqlIdent(c.Name) + " " + nativeType(c.Type)
	if notNull {
		def += " NOT NULL"
	}
	return def
}

// buildDDL renders one reconciler op. SQLite has no roles, so the grantees of
// a create are ignored.
func buildDDL(op storage.Op) (string, error) {
	if strings.TrimSpace(op.Table.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	table := sqlIdent(op.Table.Name)

	switch op.Kind {
	case storage.OpCreateTable:
		if len(op.Columns) == 0 {
			return "", fmt.Errorf("create %s: no columns", op.Table)
		}
		pk := make(map[string]bool, len(op.PrimaryKey))
		for _, k := range op.PrimaryKey {
			pk[k] = true
		}
		defs := make([]string, 0, len(op.Columns)+1)
		for _, c := range op.Columns {
			defs = append(defs, columnDef(c, pk[c.Name]))
		}
		if len(op.PrimaryKey) > 0 {
			defs = append(defs, "PRIMARY KEY ("+joinIdentList(op.PrimaryKey)+")")
		}
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)", table, strings.Join(defs, ",\n  ")), nil

	case storage.OpAddColumn:
		return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, columnDef(op.Column, false)), nil

	case storage.OpRenameColumn:
		return fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", table, sqlIdent(op.From), sqlIdent(op.Column.Name)), nil

	case storage.OpWidenColumn:
		return "", fmt.Errorf("sqlite: %s: column types cannot be altered", op)
	}
	return "", fmt.Errorf("sqlite: unsupported op %s", op.Kind)
}

func buildCreateStageSQL(stage string, cols []storage.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = columnDef(c, false)
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s)", sqlIdent(stage), strings.Join(defs, ", "))
}

func buildInsertSQL(table string, columns []string) string {
	ph := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", sqlIdent(table), joinIdentList(columns), ph)
}

func keyMatch(left, right string, keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", left, sqlIdent(k), right, sqlIdent(k))
	}
	return strings.Join(parts, " AND ")
}

// buildDeleteMatchedSQL deletes target rows whose staged counterpart is marked deleted.
func buildDeleteMatchedSQL(table, stage string, keys []string, deletedCol string) string {
	return fmt.Sprintf(
		"DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s s WHERE %s AND s.%s IS NOT NULL)",
		table, sqlIdent(stage), keyMatch("s", table, keys), sqlIdent(deletedCol),
	)
}

func buildCountMatchedSQL(table, stage string, keys []string) string {
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM %s s WHERE EXISTS (SELECT 1 FROM %s WHERE %s)",
		sqlIdent(stage), table, keyMatch("s", table, keys),
	)
}

// buildUpsertSQL merges the stage into table. "WHERE true" resolves SQLite's
// parse ambiguity between a SELECT join and the ON CONFLICT clause.
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
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", sqlIdent(c), sqlIdent(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	cols := joinIdentList(columns)
	return fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s WHERE true ON CONFLICT (%s) %s",
		table, cols, cols, sqlIdent(stage), joinIdentList(keys), action,
	)
}
