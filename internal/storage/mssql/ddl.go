package mssql

import (
	"fmt"
	"strings"
	"time"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

const defaultSchema = "dbo"

func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

func tableIdent(ref storage.TableRef) string {
	s := ref.Schema
	if s == "" {
		s = defaultSchema
	}
	return mssqlIdent(s) + "." + mssqlIdent(ref.Name)
}

// buildGrants gives each role read access to every table in schemaName. A
// schema-level SELECT covers tables created later, and there is no separate
// usage privilege.
func buildGrants(schemaName string, roles []string) []string {
	if schemaName == "" {
		schemaName = defaultSchema
	}
	stmts := make([]string, 0, len(roles))
	for _, r := range roles {
		stmts = append(stmts, fmt.Sprintf("GRANT SELECT ON SCHEMA::%s TO %s;", mssqlIdent(schemaName), mssqlIdent(r)))
	}
	return stmts
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = mssqlIdent(c)
	}
	return strings.Join(parts, ", ")
}

// nativeType renders a column type. Key columns need bounded widths: SQL
// Server cannot index MAX types.
func nativeType(t schema.Type, key bool) string {
	switch t {
	case schema.Integer:
		return "BIGINT"
	case schema.Number:
		return "FLOAT"
	case schema.Boolean:
		return "BIT"
	case schema.Timestamp:
		return "DATETIME2(6)"
	case schema.Date:
		return "DATE"
	case schema.Time:
		return "TIME(6)"
	case schema.Binary:
		if key {
			return "VARBINARY(900)"
		}
		return "VARBINARY(MAX)"
	}
	if key {
		return "NVARCHAR(450)"
	}
	return "NVARCHAR(MAX)"
}

// semanticType maps INFORMATION_SCHEMA.COLUMNS.DATA_TYPE or a rendered
// native type; a width suffix such as (6) or (MAX) is ignored. There is no
// native JSON type, so variants are stored and reported as text.
func semanticType(dataType string) schema.Type {
	dt, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(dataType)), "(")
	switch strings.TrimSpace(dt) {
	case "bigint", "int", "smallint", "tinyint":
		return schema.Integer
	case "float", "real", "decimal", "numeric", "money":
		return schema.Number
	case "bit":
		return schema.Boolean
	case "datetime2", "datetime", "smalldatetime", "datetimeoffset":
		return schema.Timestamp
	case "date":
		return schema.Date
	case "time":
		return schema.Time
	case "varbinary", "binary", "image":
		return schema.Binary
	}
	return schema.String
}

func buildColumnDef(c storage.Column, key bool) string {
	def := mssqlIdent(c.Name) + " " + nativeType(c.Type, key)
	if key {
		return def + " NOT NULL"
	}
	return def + " NULL"
}

// buildDDL renders one reconciler op as T-SQL statements.
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
		if op.Table.Schema != "" && op.Table.Schema != defaultSchema {
			s := op.Table.Schema
			stmts = append(stmts, fmt.Sprintf(
				"IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s');",
				sqlString(s), sqlString(mssqlIdent(s)),
			))
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
		stmts = append(stmts, fmt.Sprintf(
			"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
			sqlString(table), table, strings.Join(defs, ", "),
		))
		return append(stmts, buildGrants(op.Table.Schema, op.Grantees)...), nil

	case storage.OpAddColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD %s;", table, buildColumnDef(op.Column, false))}, nil

	case storage.OpWidenColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s NULL;",
			table, mssqlIdent(op.Column.Name), nativeType(op.Column.Type, false))}, nil

	case storage.OpRenameColumn:
		// sp_rename takes the old name as an object path and the new name bare.
		return []string{fmt.Sprintf("EXEC sp_rename N'%s', N'%s', N'COLUMN';",
			sqlString(table+"."+mssqlIdent(op.From)), sqlString(op.Column.Name))}, nil
	}
	return nil, fmt.Errorf("mssql: unsupported op %s", op.Kind)
}

func sqlString(s string) string { return strings.ReplaceAll(s, "'", "''") }

func buildCreateStageSQL(stage string, cols []storage.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = buildColumnDef(c, false)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", mssqlIdent(stage), strings.Join(defs, ", "))
}

// buildMergeSQL merges the stage into table and outputs one $action per
// affected row. With hardDelete, matched rows carrying a deletion marker are
// removed and new marked rows are never inserted.
func buildMergeSQL(table, stage string, columns, keys []string, hardDelete bool, deletedCol string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	on := make([]string, len(keys))
	for i, k := range keys {
		on[i] = fmt.Sprintf("t.%s = s.%s", mssqlIdent(k), mssqlIdent(k))
	}
	var sets []string
	for _, c := range columns {
		if isKey[c] {
			continue
		}
		sets = append(sets, fmt.Sprintf("t.%s = s.%s", mssqlIdent(c), mssqlIdent(c)))
	}
	vals := make([]string, len(columns))
	for i, c := range columns {
		vals[i] = "s." + mssqlIdent(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s WITH (HOLDLOCK) AS t USING %s AS s ON %s",
		table, mssqlIdent(stage), strings.Join(on, " AND "))
	marked := ""
	if hardDelete {
		marked = fmt.Sprintf("s.%s IS NOT NULL", mssqlIdent(deletedCol))
		fmt.Fprintf(&b, " WHEN MATCHED AND %s THEN DELETE", marked)
	}
	if len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	b.WriteString(" WHEN NOT MATCHED")
	if hardDelete {
		fmt.Fprintf(&b, " AND s.%s IS NULL", mssqlIdent(deletedCol))
	}
	fmt.Fprintf(&b, " THEN INSERT (%s) VALUES (%s) OUTPUT $action;",
		joinIdentList(columns), strings.Join(vals, ", "))
	return b.String()
}

var temporalLayouts = map[schema.Type]string{
	schema.Timestamp: "2006-01-02 15:04:05.999999",
	schema.Date:      "2006-01-02",
	schema.Time:      "15:04:05.999999",
}

// bulkValue adapts a converted artifact field to what the bulk copy encoder
// accepts: temporal columns need time.Time.
func bulkValue(t schema.Type, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	layout, temporal := temporalLayouts[t]
	if !temporal {
		return v, nil
	}
	ts, err := time.Parse(layout, s)
	if err != nil {
		return nil, fmt.Errorf("parse %s %q: %w", t, s, err)
	}
	return ts, nil
}
