package multitable

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"singerwh/internal/config"
	"singerwh/internal/objectstore"
	_ "singerwh/internal/storage/sqlite"
)

type e2e struct {
	t   *testing.T
	cfg config.Config
	dsn string
	out *syncBuffer
	r   *Runner
}

func newE2E(t *testing.T) *e2e {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	dsn := filepath.Join(dir, "wh.db")
	cfg.Warehouse = config.Warehouse{Kind: "sqlite", DSN: dsn}
	cfg.BatchSizeRows = 2
	cfg.TempDir = filepath.Join(dir, "tmp")
	cfg.Retry.MaxAttempts = 1

	out := &syncBuffer{}
	r := NewDefaultRunner(nil)
	r.Stdout = out
	return &e2e{t: t, cfg: cfg, dsn: dsn, out: out, r: r}
}

func (e *e2e) run(lines ...string) (Stats, error) {
	return e.r.Run(context.Background(), e.cfg, strings.NewReader(strings.Join(lines, "\n")+"\n"))
}

func (e *e2e) query(q string) [][]any {
	e.t.Helper()
	db, err := sql.Open("sqlite", e.dsn)
	require.NoError(e.t, err)
	defer db.Close()

	rows, err := db.Query(q)
	require.NoError(e.t, err)
	defer rows.Close()
	cols, err := rows.Columns()
	require.NoError(e.t, err)

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		require.NoError(e.t, rows.Scan(ptrs...))
		out = append(out, vals)
	}
	require.NoError(e.t, rows.Err())
	return out
}

const ordersSchemaMsg = `{"type":"SCHEMA","stream":"public-orders","schema":{"properties":{"id":{"type":"integer"},"x":{"type":["null","integer"]}}},"key_properties":["id"]}`

func TestRunner_UpsertLastWriteWins(t *testing.T) {
	e := newE2E(t)
	st, err := e.run(
		ordersSchemaMsg,
		rec("public-orders", `{"id":1,"x":1}`),
		rec("public-orders", `{"id":1,"x":2}`),
		rec("public-orders", `{"id":2,"x":5}`),
		state(`{"bookmark":1}`),
		rec("public-orders", `{"id":2,"x":6}`),
		state(`{"bookmark":2}`),
	)
	require.NoError(t, err)
	require.Equal(t, 2, st.Flushes)

	got := e.query(`SELECT id, x FROM orders ORDER BY id`)
	require.Equal(t, [][]any{{int64(1), int64(2)}, {int64(2), int64(6)}}, got)
	require.Equal(t, []string{`{"bookmark":1}`, `{"bookmark":2}`}, e.out.lines())
}

func hardDeleteInput() []string {
	return []string{
		ordersSchemaMsg,
		rec("public-orders", `{"id":1,"x":1}`),
		rec("public-orders", `{"id":2,"x":2}`),
		rec("public-orders", `{"id":1,"x":1,"_sdc_deleted_at":"2024-03-01T10:00:00Z"}`),
		rec("public-orders", `{"id":3,"x":3}`),
	}
}

func TestRunner_HardDeleteOn(t *testing.T) {
	e := newE2E(t)
	e.cfg.HardDelete = true
	_, err := e.run(hardDeleteInput()...)
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(2)}, {int64(3)}}, e.query(`SELECT id FROM orders ORDER BY id`))
}

func TestRunner_HardDeleteOffKeepsMarkedRows(t *testing.T) {
	e := newE2E(t)
	e.cfg.AddMetadataColumns = true
	_, err := e.run(hardDeleteInput()...)
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(1)}, {int64(2)}, {int64(3)}}, e.query(`SELECT id FROM orders ORDER BY id`))
	require.Equal(t, [][]any{{int64(1)}}, e.query(`SELECT id FROM orders WHERE _sdc_deleted_at IS NOT NULL`))
}

func TestRunner_SchemaEvolutionKeepsRows(t *testing.T) {
	e := newE2E(t)
	e.cfg.BatchSizeRows = 100
	_, err := e.run(
		`{"type":"SCHEMA","stream":"events","schema":{"properties":{"a":{"type":"integer"}}},"key_properties":["a"]}`,
		rec("events", `{"a":1}`),
		`{"type":"SCHEMA","stream":"events","schema":{"properties":{"a":{"type":"integer"},"b":{"type":["null","string"]}}},"key_properties":["a"]}`,
		rec("events", `{"a":2,"b":"two"}`),
	)
	require.NoError(t, err)
	got := e.query(`SELECT a, b FROM events ORDER BY a`)
	require.Equal(t, [][]any{{int64(1), nil}, {int64(2), "two"}}, got)
}

func TestRunner_MissingPrimaryKeyStopsBeforeLoad(t *testing.T) {
	e := newE2E(t)
	_, err := e.run(
		`{"type":"SCHEMA","stream":"orders","schema":{"properties":{"id":{"type":"integer"}}},"key_properties":[]}`,
		rec("orders", `{"id":1}`),
	)
	var mpk *MissingPrimaryKeyError
	require.ErrorAs(t, err, &mpk)
	require.Equal(t, [][]any{{int64(0)}}, e.query(`SELECT count(*) FROM sqlite_master WHERE name = 'orders'`))
	require.Empty(t, e.out.lines())
}

func TestRunner_InvalidConfig(t *testing.T) {
	e := newE2E(t)
	e.cfg.Compression = "lz4"
	_, err := e.run(ordersSchemaMsg)
	require.ErrorContains(t, err, "compression")
}

func TestRunner_StagesThroughObjectStoreAndArchives(t *testing.T) {
	e := newE2E(t)
	objects := filepath.Join(t.TempDir(), "objects")
	var gotBucket string
	e.r.NewS3 = func(cfg objectstore.S3Config) (objectstore.Store, error) {
		gotBucket = cfg.Bucket
		return objectstore.NewLocal(objects)
	}
	e.cfg.S3Bucket = "loads"
	e.cfg.S3KeyPrefix = "target/"
	e.cfg.ArchiveLoadFiles = true

	_, err := e.run(ordersSchemaMsg, rec("public-orders", `{"id":1,"x":1}`))
	require.NoError(t, err)
	require.Equal(t, "loads", gotBucket)

	archived, err := os.ReadDir(filepath.Join(objects, "archive", "target"))
	require.NoError(t, err)
	require.Len(t, archived, 1)
	require.True(t, strings.HasPrefix(archived[0].Name(), "batch_orders_"), archived[0].Name())

	staged, err := os.ReadDir(filepath.Join(objects, "target"))
	require.NoError(t, err)
	require.Empty(t, staged)

	tmp, err := os.ReadDir(e.cfg.TempDir)
	require.NoError(t, err)
	require.Empty(t, tmp, "local artifacts are removed")
}
