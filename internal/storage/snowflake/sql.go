package snowflake

import (
	"fmt"
	"path"
	"strings"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

// userStagePrefix is where artifacts are PUT when no external stage is configured.
const userStagePrefix = "@~/singerwh/"

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableIdent(ref storage.TableRef) string {
	if ref.Schema == "" {
		return quoteIdent(ref.Name)
	}
	return quoteIdent(ref.Schema) + "." + quoteIdent(ref.Name)
}

// buildGrants gives each role read access to every table in schemaName. Role
// names fold to upper case like unquoted identifiers. Without a schema there
// is nothing to name, so nothing is granted.
func buildGrants(schemaName string, roles []string) []string {
	if schemaName == "" {
		return nil
	}
	s := quoteIdent(schemaName)
	var stmts []string
	for _, r := range roles {
		role := quoteIdent(strings.ToUpper(r))
		stmts = append(stmts,
			fmt.Sprintf("GRANT USAGE ON SCHEMA %s TO ROLE %s", s, role),
			fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA %s TO ROLE %s", s, role),
		)
	}
	return stmts
}

func joinIdentList(columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = quoteIdent(c)
	}
	return strings.Join(parts, ", ")
}

func sqlString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", `\'`) + "'"
}

func nativeType(t schema.Type) string {
	switch t {
	case schema.Integer:
		return "NUMBER(38,0)"
	case schema.Number:
		return "FLOAT"
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Timestamp:
		return "TIMESTAMP_NTZ"
	case schema.Date:
		return "DATE"
	case schema.Time:
		return "TIME"
	case schema.Binary:
		return "BINARY"
	case schema.Variant:
		return "VARIANT"
	}
	return "TEXT"
}

// semanticType maps information_schema DATA_TYPE. NUMBER is an integer only
// when its scale is zero.
func semanticType(dataType string, scale int) schema.Type {
	dt := strings.ToUpper(strings.TrimSpace(dataType))
	if i := strings.IndexByte(dt, '('); i >= 0 {
		dt = dt[:i]
	}
	switch dt {
	case "NUMBER", "DECIMAL", "NUMERIC":
		if scale == 0 {
			return schema.Integer
		}
		return schema.Number
	case "INT", "INTEGER", "BIGINT", "SMALLINT":
		return schema.Integer
	case "FLOAT", "DOUBLE", "REAL":
		return schema.Number
	case "BOOLEAN":
		return schema.Boolean
	case "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "DATETIME":
		return schema.Timestamp
	case "DATE":
		return schema.Date
	case "TIME":
		return schema.Time
	case "BINARY":
		return schema.Binary
	case "VARIANT", "OBJECT", "ARRAY":
		return schema.Variant
	}
	return schema.String
}

// stageType is the temp table column type. Variants arrive as JSON text and
// are parsed when merged.
func stageType(t schema.Type) string {
	if t == schema.Variant {
		return "TEXT"
	}
	return nativeType(t)
}

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
			stmts = append(stmts, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(op.Table.Schema))
		}
		defs := make([]string, 0, len(op.Columns)+1)
		for _, c := range op.Columns {
			defs = append(defs, quoteIdent(c.Name)+" "+nativeType(c.Type))
		}
		if len(op.PrimaryKey) > 0 {
			defs = append(defs, fmt.Sprintf("PRIMARY KEY (%s)", joinIdentList(op.PrimaryKey)))
		}
		stmts = append(stmts, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) DATA_RETENTION_TIME_IN_DAYS = 1",
			table, strings.Join(defs, ", ")))
		return append(stmts, buildGrants(op.Table.Schema, op.Grantees)...), nil

	case storage.OpAddColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, quoteIdent(op.Column.Name), nativeType(op.Column.Type))}, nil

	case storage.OpRenameColumn:
		return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", table, quoteIdent(op.From), quoteIdent(op.Column.Name))}, nil

	case storage.OpWidenColumn:
		return nil, fmt.Errorf("snowflake: %s: column types are versioned, not altered", op)
	}
	return nil, fmt.Errorf("snowflake: unsupported op %s", op.Kind)
}

func buildCreateStageSQL(stage string, cols []storage.Column) string {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c.Name) + " " + stageType(c.Type)
	}
	return fmt.Sprintf("CREATE TEMPORARY TABLE %s (%s) DATA_RETENTION_TIME_IN_DAYS = 0", quoteIdent(stage), strings.Join(defs, ", "))
}

func buildPutSQL(localPath string) string {
	return fmt.Sprintf("PUT %s %s AUTO_COMPRESS = FALSE OVERWRITE = TRUE", sqlString("file://"+localPath), userStagePrefix)
}

func buildRemoveSQL(location string) string {
	return "REMOVE " + location
}

// buildFileFormat renders the inline FILE_FORMAT options of a COPY INTO.
func buildFileFormat(a storage.Artifact) string {
	if a.Format == storage.FormatParquet {
		return "FILE_FORMAT = (TYPE = PARQUET) MATCH_BY_COLUMN_NAME = CASE_INSENSITIVE"
	}
	comp := "NONE"
	switch a.Compression {
	case storage.CompressionGzip:
		comp = "GZIP"
	case storage.CompressionZstd:
		comp = "ZSTD"
	}
	return fmt.Sprintf("FILE_FORMAT = (TYPE = CSV COMPRESSION = %s FIELD_OPTIONALLY_ENCLOSED_BY = '\"' "+
		"EMPTY_FIELD_AS_NULL = FALSE ESCAPE_UNENCLOSED_FIELD = NONE NULL_IF = (%s) BINARY_FORMAT = UTF8)",
		comp, sqlString(storage.NullToken))
}

// buildCopySQL loads a staged file into the temp table.
func buildCopySQL(stage, location string, columns []string, a storage.Artifact) string {
	if a.Format == storage.FormatParquet {
		return fmt.Sprintf("COPY INTO %s FROM %s %s", quoteIdent(stage), location, buildFileFormat(a))
	}
	return fmt.Sprintf("COPY INTO %s (%s) FROM %s %s", quoteIdent(stage), joinIdentList(columns), location, buildFileFormat(a))
}

// stageLocation resolves where COPY INTO reads an artifact from.
func stageLocation(namedStage string, a storage.Artifact) string {
	if namedStage != "" && a.ObjectKey != "" {
		return "@" + strings.TrimSuffix(namedStage, "/") + "/" + a.ObjectKey
	}
	return userStagePrefix + path.Base(a.Path)
}

func selectExprs(cols []storage.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		ref := "s." + quoteIdent(c.Name)
		if c.Type == schema.Variant {
			ref = "PARSE_JSON(" + ref + ")"
		}
		out[i] = ref
	}
	return out
}

// buildMergeSQL merges the temp table into table. Snowflake reports the
// affected counts as a single result row.
func buildMergeSQL(table, stage string, cols []storage.Column, keys []string, hardDelete bool, deletedCol string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	exprs := selectExprs(cols)

	on := make([]string, len(keys))
	for i, k := range keys {
		on[i] = fmt.Sprintf("t.%s = s.%s", quoteIdent(k), quoteIdent(k))
	}
	var sets []string
	for i, c := range cols {
		if isKey[c.Name] {
			continue
		}
		sets = append(sets, fmt.Sprintf("t.%s = %s", quoteIdent(c.Name), exprs[i]))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s t USING %s s ON %s", table, quoteIdent(stage), strings.Join(on, " AND "))
	if hardDelete {
		fmt.Fprintf(&b, " WHEN MATCHED AND s.%s IS NOT NULL THEN DELETE", quoteIdent(deletedCol))
	}
	if len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	}
	b.WriteString(" WHEN NOT MATCHED")
	if hardDelete {
		fmt.Fprintf(&b, " AND s.%s IS NULL", quoteIdent(deletedCol))
	}
	fmt.Fprintf(&b, " THEN INSERT (%s) VALUES (%s)", joinIdentList(names), strings.Join(exprs, ", "))
	return b.String()
}

func buildAppendSQL(table, stage string, cols []storage.Column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s s",
		table, joinIdentList(names), strings.Join(selectExprs(cols), ", "), quoteIdent(stage))
}
