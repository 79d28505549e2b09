package reconcile

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"singerwh/internal/schema"
	"singerwh/internal/schemacache"
	"singerwh/internal/storage"
	"singerwh/internal/storage/sqlite"
)

func openSQLite(t *testing.T) storage.Warehouse {
	t.Helper()
	wh, err := sqlite.New(context.Background(), storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "wh.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = wh.Close() })
	return wh
}

func version(t *testing.T, wh storage.Warehouse, raw string, keys ...string) *schema.Version {
	t.Helper()
	v, err := schema.NewVersion("orders", []byte(raw), keys, schema.Options{Normalize: wh.NormalizeIdent})
	require.NoError(t, err)
	return v
}

func TestReconcile_EvolvesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	cache := schemacache.New(wh)
	r := New(wh, cache, nil)

	v1 := version(t, wh, `{"properties":{"a":{"type":["null","integer"]}}}`)
	tbl, err := r.Reconcile(ctx, ref, v1)
	require.NoError(t, err)
	require.True(t, tbl.Exists)

	v2 := version(t, wh, `{"properties":{"a":{"type":["null","integer"]},"b":{"type":["null","string"]}}}`)
	tbl, err = r.Reconcile(ctx, ref, v2)
	require.NoError(t, err)
	_, hasA := tbl.Column("a")
	_, hasB := tbl.Column("b")
	require.True(t, hasA && hasB, "columns=%v", tbl.Columns)

	// Second pass against the matching table plans nothing.
	require.Empty(t, Plan(ref, v2.Columns, v2.KeyColumns, tbl, wh, now))
	again, err := r.Reconcile(ctx, ref, v2)
	require.NoError(t, err)
	require.Equal(t, tbl.Columns, again.Columns)
}

func TestReconcile_VersionsIncompatibleColumn(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	r := New(wh, schemacache.New(wh), nil)
	r.now = func() time.Time { return now }

	_, err := r.Reconcile(ctx, ref, version(t, wh, `{"properties":{"a":{"type":"integer"}}}`))
	require.NoError(t, err)

	tbl, err := r.Reconcile(ctx, ref, version(t, wh, `{"properties":{"a":{"type":"boolean"}}}`))
	require.NoError(t, err)
	a, ok := tbl.Column("a")
	require.True(t, ok)
	require.Equal(t, schema.Boolean, a.Type)
	old, ok := tbl.Column("a_20240506_0708")
	require.True(t, ok, "columns=%v", tbl.Columns)
	require.Equal(t, schema.Integer, old.Type)
}

type failingWarehouse struct {
	storage.Warehouse
	applied int
	err     error
}

func (f *failingWarehouse) Apply(ctx context.Context, op storage.Op) error {
	f.applied++
	return f.err
}

func (f *failingWarehouse) IsTransient(err error) bool { return false }

func TestReconcile_ApplyErrorInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	fw := &failingWarehouse{Warehouse: wh, err: errors.New("permission denied")}
	cache := schemacache.New(wh)
	r := New(fw, cache, nil)

	_, err := r.Reconcile(ctx, ref, version(t, wh, `{"properties":{"a":{"type":"integer"}}}`))
	var ae *ApplyError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, storage.OpCreateTable, ae.Op.Kind)
	require.False(t, ae.Transient)
	require.Equal(t, 1, fw.applied)
	require.Equal(t, 0, cache.Len())
}

type recordingWarehouse struct {
	storage.Warehouse
	ops []storage.Op
}

func (r *recordingWarehouse) Apply(ctx context.Context, op storage.Op) error {
	r.ops = append(r.ops, op)
	return r.Warehouse.Apply(ctx, op)
}

func TestReconcile_GranteesOnCreateOnly(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	rw := &recordingWarehouse{Warehouse: wh}
	var asked []string
	r := New(rw, schemacache.New(wh), nil).WithGrantees(func(stream string) []string {
		asked = append(asked, stream)
		return []string{"reporting", "bi"}
	})

	_, err := r.Reconcile(ctx, ref, version(t, wh, `{"properties":{"a":{"type":"integer"}}}`))
	require.NoError(t, err)
	_, err = r.Reconcile(ctx, ref, version(t, wh, `{"properties":{"a":{"type":"integer"},"b":{"type":"string"}}}`))
	require.NoError(t, err)

	require.Len(t, rw.ops, 2)
	require.Equal(t, storage.OpCreateTable, rw.ops[0].Kind)
	require.Equal(t, []string{"reporting", "bi"}, rw.ops[0].Grantees)
	require.Equal(t, storage.OpAddColumn, rw.ops[1].Kind)
	require.Empty(t, rw.ops[1].Grantees)
	require.Equal(t, []string{"orders"}, asked)
}
