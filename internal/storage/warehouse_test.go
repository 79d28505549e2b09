package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"singerwh/internal/schema"
)

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := New(context.Background(), Config{Kind: "nope"}); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	Register("test-dup", func(ctx context.Context, cfg Config) (Warehouse, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate kind")
		}
	}()
	Register("test-dup", func(ctx context.Context, cfg Config) (Warehouse, error) { return nil, nil })
}

func TestNew_DelegatesToFactory(t *testing.T) {
	var got Config
	Register("test-delegate", func(ctx context.Context, cfg Config) (Warehouse, error) {
		got = cfg
		return nil, errors.New("boom")
	})

	_, err := New(context.Background(), Config{Kind: "test-delegate", DSN: "x://y"})
	if err == nil || err.Error() != "boom" {
		t.Fatalf("err=%v want boom", err)
	}
	if got.DSN != "x://y" {
		t.Fatalf("factory saw DSN=%q", got.DSN)
	}
}

func TestReadRecords_ConvertsFields(t *testing.T) {
	t.Parallel()

	data := "1,2.5,true,hello,\\N\n2,,false,\"a,b\",\n"
	a := Artifact{
		Path:   "mem.csv",
		Format: FormatCSV,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(data)), nil
		},
	}
	cols := []Column{
		{Name: "i", Type: schema.Integer},
		{Name: "n", Type: schema.Number},
		{Name: "b", Type: schema.Boolean},
		{Name: "s", Type: schema.String},
		{Name: "t", Type: schema.Timestamp},
	}

	var rows [][]any
	err := ReadRecords(context.Background(), a, cols, func(vals []any) error {
		rows = append(rows, append([]any(nil), vals...))
		return nil
	})
	if err == nil {
		t.Fatalf("expected parse error for empty number field")
	}
	if len(rows) != 1 {
		t.Fatalf("rows before error=%d want 1", len(rows))
	}
	r := rows[0]
	if r[0] != int64(1) || r[1] != 2.5 || r[2] != true || r[3] != "hello" || r[4] != nil {
		t.Fatalf("row=%#v", r)
	}
}

func TestConvertField(t *testing.T) {
	t.Parallel()

	cases := []struct {
		typ  schema.Type
		in   string
		want any
	}{
		{schema.Integer, "42", int64(42)},
		{schema.Integer, "1e3", float64(1000)},
		{schema.Number, "-0.5", -0.5},
		{schema.Boolean, "false", false},
		{schema.String, "", ""},
		{schema.String, NullToken, nil},
		{schema.Variant, `{"a":1}`, `{"a":1}`},
	}
	for _, tc := range cases {
		got, err := ConvertField(tc.typ, tc.in)
		if err != nil {
			t.Fatalf("ConvertField(%s, %q): %v", tc.typ, tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ConvertField(%s, %q)=%#v want %#v", tc.typ, tc.in, got, tc.want)
		}
	}
}

func TestOpString(t *testing.T) {
	t.Parallel()

	ref := TableRef{Schema: "s", Name: "t"}
	op := Op{Kind: OpRenameColumn, Table: ref, From: "a", Column: Column{Name: "a_20240101_0000"}}
	if got := op.String(); got != "rename_column s.t.a -> a_20240101_0000" {
		t.Fatalf("String=%q", got)
	}
}
