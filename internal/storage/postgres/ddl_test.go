package postgres

import (
	"strings"
	"testing"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

func TestBuildDDL_CreateTableWithSchemaAndKey(t *testing.T) {
	t.Parallel()

	op := storage.Op{
		Kind:  storage.OpCreateTable,
		Table: storage.TableRef{Schema: "analytics", Name: "orders"},
		Columns: []storage.Column{
			{Name: "id", Type: schema.Integer},
			{Name: "payload", Type: schema.Variant},
			{Name: "created_at", Type: schema.Timestamp},
		},
		PrimaryKey: []string{"id"},
	}

	stmts, err := buildDDL(op)
	if err != nil {
		t.Fatalf("buildDDL: %v", err)
	}
	if len(stmts) != 2 {
		t.Fatalf("expected schema + table statements, got %d", len(stmts))
	}
	if stmts[0] != `CREATE SCHEMA IF NOT EXISTS "analytics"` {
		t.Fatalf("schemaSQL=%q", stmts[0])
	}
	create := stmts[1]
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "analytics"."orders"`,
		`"id" bigint NOT NULL`,
		`"payload" jsonb`,
		`"created_at" timestamp without time zone`,
		`PRIMARY KEY ("id")`,
	} {
		if !strings.Contains(create, want) {
			t.Fatalf("create SQL missing %q: %s", want, create)
		}
	}
}

func TestBuildDDL_AlterOps(t *testing.T) {
	t.Parallel()

	ref := storage.TableRef{Schema: "s", Name: "t"}
	cases := []struct {
		op   storage.Op
		want string
	}{
		{
			storage.Op{Kind: storage.OpAddColumn, Table: ref, Column: storage.Column{Name: "b", Type: schema.String}},
			`ALTER TABLE "s"."t" ADD COLUMN IF NOT EXISTS "b" text`,
		},
		{
			storage.Op{Kind: storage.OpWidenColumn, Table: ref, Column: storage.Column{Name: "a", Type: schema.Number}},
			`ALTER TABLE "s"."t" ALTER COLUMN "a" TYPE double precision USING "a"::double precision`,
		},
		{
			storage.Op{Kind: storage.OpRenameColumn, Table: ref, From: "a", Column: storage.Column{Name: "a_20240101_0000"}},
			`ALTER TABLE "s"."t" RENAME COLUMN "a" TO "a_20240101_0000"`,
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

func TestBuildDDL_QuotesHostileIdentifiers(t *testing.T) {
	t.Parallel()

	op := storage.Op{Kind: storage.OpAddColumn, Table: storage.TableRef{Name: "t"}, Column: storage.Column{Name: `we"ird`, Type: schema.String}}
	stmts, err := buildDDL(op)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(stmts[0], `"we""ird"`) {
		t.Fatalf("identifier not escaped: %s", stmts[0])
	}
}

func TestBuildLoadSQL(t *testing.T) {
	t.Parallel()

	if got := buildCopySQL("stage_1", []string{"id", "v"}); got != `COPY "stage_1" ("id", "v") FROM STDIN WITH (FORMAT csv, NULL '\N')` {
		t.Fatalf("copy=%s", got)
	}

	up := buildUpsertSQL(`"s"."t"`, "stage_1", []string{"id", "v"}, []string{"id"})
	want := `INSERT INTO "s"."t" AS t ("id", "v") SELECT "id", "v" FROM "stage_1" ON CONFLICT ("id") DO UPDATE SET "v" = EXCLUDED."v" RETURNING (t.xmax = 0) AS inserted`
	if up != want {
		t.Fatalf("upsert:\n got  %s\n want %s", up, want)
	}

	del := buildDeleteMatchedSQL(`"s"."t"`, "stage_1", []string{"a", "b"}, "_sdc_deleted_at")
	if !strings.Contains(del, `t."a" = s."a" AND t."b" = s."b"`) || !strings.Contains(del, `s."_sdc_deleted_at" IS NOT NULL`) {
		t.Fatalf("delete=%s", del)
	}
}

func TestSemanticTypeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, ty := range []schema.Type{schema.String, schema.Integer, schema.Number, schema.Boolean,
		schema.Timestamp, schema.Date, schema.Time, schema.Binary, schema.Variant} {
		if got := semanticType(nativeType(ty)); got != ty {
			t.Fatalf("%s -> %s -> %s", ty, nativeType(ty), got)
		}
	}
}

func TestCanWiden(t *testing.T) {
	t.Parallel()

	w := &Warehouse{}
	if !w.CanWiden(schema.Integer, schema.Number) || !w.CanWiden(schema.Boolean, schema.String) {
		t.Fatalf("lattice widenings must be supported")
	}
	if w.CanWiden(schema.Boolean, schema.Timestamp) {
		t.Fatalf("incompatible change reported as widenable")
	}
}

func TestBuildDDL_CreateGrantsSelect(t *testing.T) {
	t.Parallel()

	op := storage.Op{
		Kind:     storage.OpCreateTable,
		Table:    storage.TableRef{Schema: "analytics", Name: "orders"},
		Columns:  []storage.Column{{Name: "id", Type: schema.Integer}},
		Grantees: []string{"Reporting", `bi"x`},
	}
	stmts, err := buildDDL(op)
	if err != nil {
		t.Fatalf("buildDDL: %v", err)
	}
	want := []string{
		`GRANT USAGE ON SCHEMA "analytics" TO "reporting"`,
		`GRANT SELECT ON ALL TABLES IN SCHEMA "analytics" TO "reporting"`,
		`GRANT USAGE ON SCHEMA "analytics" TO "bi""x"`,
		`GRANT SELECT ON ALL TABLES IN SCHEMA "analytics" TO "bi""x"`,
	}
	if len(stmts) != 2+len(want) {
		t.Fatalf("stmts=%q", stmts)
	}
	for i, w := range want {
		if stmts[2+i] != w {
			t.Fatalf("stmts[%d]=%q want %q", 2+i, stmts[2+i], w)
		}
	}

	if got := buildGrants("", []string{"bi"}); len(got) != 2 || !strings.Contains(got[0], `SCHEMA "public"`) {
		t.Fatalf("default schema grants=%q", got)
	}
	if got := buildGrants("analytics", nil); len(got) != 0 {
		t.Fatalf("no roles must grant nothing: %q", got)
	}
}
