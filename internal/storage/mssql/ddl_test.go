package mssql

import (
	"strings"
	"testing"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"

	"singerwh/internal/reconcile"
	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

func TestBuildDDL_CreateTable(t *testing.T) {
	t.Parallel()

	op := storage.Op{
		Kind:  storage.OpCreateTable,
		Table: storage.TableRef{Schema: "sales", Name: "orders"},
		Columns: []storage.Column{
			{Name: "id", Type: schema.String},
			{Name: "note", Type: schema.String},
			{Name: "at", Type: schema.Timestamp},
		},
		PrimaryKey: []string{"id"},
	}
	stmts, err := buildDDL(op)
	if err != nil {
		t.Fatalf("buildDDL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected schema + table statements, got %v", stmts)
	}
	if stmts[0] != "IF SCHEMA_ID(N'sales') IS NULL EXEC(N'CREATE SCHEMA [sales]');" {
		t.Fatalf("schema stmt=%s", stmts[0])
	}
	for _, want := range []string{
		"IF OBJECT_ID(N'[sales].[orders]', N'U') IS NULL",
		"[id] NVARCHAR(450) NOT NULL",
		"[note] NVARCHAR(MAX) NULL",
		"[at] DATETIME2(6) NULL",
		"PRIMARY KEY ([id])",
	} {
		if !strings.Contains(stmts[1], want) {
			t.Fatalf("create missing %q: %s", want, stmts[1])
		}
	}

	// dbo exists on every database.
	op.Table.Schema = ""
	stmts, err = buildDDL(op)
	if err != nil || len(stmts) != 1 || !strings.Contains(stmts[0], "[dbo].[orders]") {
		t.Fatalf("default schema: %v %v", stmts, err)
	}
}

func TestBuildDDL_AlterOps(t *testing.T) {
	t.Parallel()

	ref := storage.TableRef{Name: "t"}
	cases := []struct {
		op   storage.Op
		want string
	}{
		{
			storage.Op{Kind: storage.OpAddColumn, Table: ref, Column: storage.Column{Name: "b", Type: schema.Boolean}},
			"ALTER TABLE [dbo].[t] ADD [b] BIT NULL;",
		},
		{
			storage.Op{Kind: storage.OpWidenColumn, Table: ref, Column: storage.Column{Name: "a", Type: schema.String}},
			"ALTER TABLE [dbo].[t] ALTER COLUMN [a] NVARCHAR(MAX) NULL;",
		},
		{
			storage.Op{Kind: storage.OpRenameColumn, Table: ref, From: "a", Column: storage.Column{Name: "a_20240101_0000"}},
			"EXEC sp_rename N'[dbo].[t].[a]', N'a_20240101_0000', N'COLUMN';",
		},
	}
	for _, tc := range cases {
		stmts, err := buildDDL(tc.op)
		if err != nil {
			t.Fatalf("%s: %v", tc.op, err)
		}
		if len(stmts) != 1 || stmts[0] != tc.want {
			t.Fatalf("%s:\n got  %v\n want %s", tc.op, stmts, tc.want)
		}
	}
}

func TestMssqlIdent_EscapesBrackets(t *testing.T) {
	t.Parallel()

	if got := mssqlIdent("a]b"); got != "[a]]b]" {
		t.Fatalf("got %s", got)
	}
	stmts, err := buildDDL(storage.Op{Kind: storage.OpRenameColumn, Table: storage.TableRef{Name: "o'k"}, From: "x", Column: storage.Column{Name: "y'"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmts[0], "N'[dbo].[o''k].[x]'") || !strings.Contains(stmts[0], "N'y'''") {
		t.Fatalf("string literal not escaped: %s", stmts[0])
	}
}

func TestBuildMergeSQL(t *testing.T) {
	t.Parallel()

	got := buildMergeSQL("[dbo].[t]", "#stage_1", []string{"id", "v", "_sdc_deleted_at"}, []string{"id"}, false, "_sdc_deleted_at")
	want := "MERGE [dbo].[t] WITH (HOLDLOCK) AS t USING [#stage_1] AS s ON t.[id] = s.[id]" +
		" WHEN MATCHED THEN UPDATE SET t.[v] = s.[v], t.[_sdc_deleted_at] = s.[_sdc_deleted_at]" +
		" WHEN NOT MATCHED THEN INSERT ([id], [v], [_sdc_deleted_at]) VALUES (s.[id], s.[v], s.[_sdc_deleted_at]) OUTPUT $action;"
	if got != want {
		t.Fatalf("merge:\n got  %s\n want %s", got, want)
	}

	got = buildMergeSQL("[dbo].[t]", "#stage_1", []string{"id", "_sdc_deleted_at"}, []string{"id"}, true, "_sdc_deleted_at")
	for _, part := range []string{
		"WHEN MATCHED AND s.[_sdc_deleted_at] IS NOT NULL THEN DELETE",
		"WHEN NOT MATCHED AND s.[_sdc_deleted_at] IS NULL THEN INSERT",
	} {
		if !strings.Contains(got, part) {
			t.Fatalf("hard delete merge missing %q: %s", part, got)
		}
	}
	if strings.Index(got, "THEN DELETE") > strings.Index(got, "THEN UPDATE") {
		t.Fatalf("delete clause must precede update: %s", got)
	}
}

func TestBulkValue(t *testing.T) {
	t.Parallel()

	v, err := bulkValue(schema.Timestamp, "2024-03-01 10:11:12.5")
	if err != nil {
		t.Fatal(err)
	}
	if ts, ok := v.(time.Time); !ok || !ts.Equal(time.Date(2024, 3, 1, 10, 11, 12, 5e8, time.UTC)) {
		t.Fatalf("timestamp=%v", v)
	}
	if v, _ := bulkValue(schema.String, "2024-03-01"); v != "2024-03-01" {
		t.Fatalf("string column converted: %v", v)
	}
	if v, _ := bulkValue(schema.Date, nil); v != nil {
		t.Fatalf("null converted: %v", v)
	}
	if _, err := bulkValue(schema.Date, "nope"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestTypesAndTransient(t *testing.T) {
	t.Parallel()

	w := &Warehouse{}
	if w.Canonical(schema.Variant) != schema.String {
		t.Fatalf("variant must canonicalize to text")
	}
	for _, ty := range []schema.Type{schema.String, schema.Integer, schema.Number, schema.Boolean,
		schema.Timestamp, schema.Date, schema.Time, schema.Binary} {
		if got := w.Canonical(ty); got != ty {
			t.Fatalf("%s canonicalizes to %s", ty, got)
		}
	}
	if !w.CanWiden(schema.Integer, schema.Number) || w.CanWiden(schema.Binary, schema.String) {
		t.Fatalf("CanWiden mismatch")
	}
	if !w.IsTransient(mssqldb.Error{Number: 1205}) || w.IsTransient(mssqldb.Error{Number: 2627}) {
		t.Fatalf("IsTransient mismatch")
	}
}

// describedAs is the DATA_TYPE INFORMATION_SCHEMA reports for a rendered
// column type: lower case, without the width.
func describedAs(native string) string {
	name, _, _ := strings.Cut(strings.ToLower(native), "(")
	return name
}

func TestCanonicalRoundTrip(t *testing.T) {
	t.Parallel()

	w := &Warehouse{}
	all := []schema.Type{schema.String, schema.Integer, schema.Number, schema.Boolean,
		schema.Timestamp, schema.Date, schema.Time, schema.Binary, schema.Variant}
	for _, ty := range all {
		for _, key := range []bool{false, true} {
			native := nativeType(ty, key)
			if got := semanticType(native); got != w.Canonical(ty) {
				t.Errorf("semanticType(%s)=%s, Canonical(%s)=%s", native, got, ty, w.Canonical(ty))
			}
			if got := semanticType(describedAs(native)); got != w.Canonical(ty) {
				t.Errorf("described %s reads back as %s, want %s", describedAs(native), got, w.Canonical(ty))
			}
		}
	}

	declared := make([]schema.Column, len(all))
	for i, ty := range all {
		declared[i] = schema.Column{Name: "c_" + ty.String(), Type: ty}
	}
	declared = append(declared, schema.Column{Name: schema.BatchedAtColumn, Type: schema.Timestamp})
	ref := storage.TableRef{Schema: "dbo", Name: "orders"}
	now := time.Date(2024, 5, 6, 7, 8, 0, 0, time.UTC)

	ops := reconcile.Plan(ref, declared, []string{"c_string"}, nil, w, now)
	if len(ops) != 1 || ops[0].Kind != storage.OpCreateTable {
		t.Fatalf("ops=%v, want one create", ops)
	}
	created := &storage.Table{Ref: ref, Exists: true}
	for _, c := range ops[0].Columns {
		dt := describedAs(nativeType(c.Type, c.Name == "c_string"))
		created.Columns = append(created.Columns, storage.Column{Name: c.Name, Type: semanticType(dt), Native: dt})
	}
	if again := reconcile.Plan(ref, declared, []string{"c_string"}, created, w, now); len(again) != 0 {
		t.Fatalf("plan after create is not empty: %v", again)
	}
}

func TestBuildDDL_CreateGrantsSelect(t *testing.T) {
	t.Parallel()

	stmts, err := buildDDL(storage.Op{
		Kind:     storage.OpCreateTable,
		Table:    storage.TableRef{Name: "orders"},
		Columns:  []storage.Column{{Name: "id", Type: schema.Integer}},
		Grantees: []string{"reporting", "b]i"},
	})
	if err != nil {
		t.Fatalf("buildDDL: %v", err)
	}
	want := []string{
		"GRANT SELECT ON SCHEMA::[dbo] TO [reporting];",
		"GRANT SELECT ON SCHEMA::[dbo] TO [b]]i];",
	}
	if len(stmts) != 3 || stmts[1] != want[0] || stmts[2] != want[1] {
		t.Fatalf("stmts=%q", stmts)
	}
}
