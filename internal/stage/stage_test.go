package stage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet/file"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"singerwh/internal/buffer"
	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

var testCols = []storage.Column{
	{Name: "id", Type: schema.Integer},
	{Name: "price", Type: schema.Number},
	{Name: "ok", Type: schema.Boolean},
	{Name: "note", Type: schema.String},
	{Name: "doc", Type: schema.Variant},
}

func testRows() []buffer.Row {
	return []buffer.Row{
		{Values: map[string]any{"id": json.Number("1"), "price": json.Number("2.5"), "ok": true, "note": "a,b\n\"c\"", "doc": map[string]any{"k": "v"}}},
		{Values: map[string]any{"id": json.Number("2"), "price": nil, "ok": false, "note": "", "doc": []any{json.Number("1"), "x"}}},
		{Values: map[string]any{"id": json.Number("3")}},
	}
}

func readBack(t *testing.T, a storage.Artifact) [][]any {
	t.Helper()
	var got [][]any
	err := storage.ReadRecords(context.Background(), a, testCols, func(vals []any) error {
		got = append(got, append([]any(nil), vals...))
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestWrite_CSVRoundTrip(t *testing.T) {
	t.Parallel()

	want := [][]any{
		{int64(1), 2.5, true, "a,b\n\"c\"", `{"k":"v"}`},
		{int64(2), nil, false, "", `[1,"x"]`},
		{int64(3), nil, nil, nil, nil},
	}
	for _, comp := range []storage.Compression{storage.CompressionNone, storage.CompressionGzip, storage.CompressionZstd} {
		comp := comp
		t.Run(string(comp), func(t *testing.T) {
			t.Parallel()

			m, err := New(Options{Dir: t.TempDir(), Compression: comp})
			require.NoError(t, err)

			a, err := m.Write(context.Background(), "public-orders", testCols, testRows())
			require.NoError(t, err)
			require.Equal(t, 3, a.Rows)
			require.Equal(t, comp, a.Compression)
			require.Positive(t, a.Bytes)
			require.True(t, strings.HasPrefix(filepath.Base(a.Path), "batch_orders_"))

			if diff := cmp.Diff(want, readBack(t, a)); diff != "" {
				t.Fatalf("round trip (-want +got):\n%s", diff)
			}

			require.NoError(t, Remove(a))
			_, err = os.Stat(a.Path)
			require.True(t, os.IsNotExist(err))
			require.NoError(t, Remove(a))
		})
	}
}

func TestWrite_CompressedFileIsNotPlain(t *testing.T) {
	t.Parallel()

	m, err := New(Options{Dir: t.TempDir(), Compression: storage.CompressionGzip})
	require.NoError(t, err)
	a, err := m.Write(context.Background(), "s", testCols, testRows())
	require.NoError(t, err)

	raw, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	require.Equal(t, []byte{0x1f, 0x8b}, raw[:2])
}

func TestWrite_Encrypted(t *testing.T) {
	t.Parallel()

	key := make([]byte, 32)
	_, _ = rand.Read(key)
	master, err := ParseMasterKey(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)

	m, err := New(Options{Dir: t.TempDir(), Compression: storage.CompressionZstd, MasterKey: master})
	require.NoError(t, err)
	require.True(t, m.Encrypts())

	a, err := m.Write(context.Background(), "s", testCols, testRows())
	require.NoError(t, err)
	require.True(t, a.Encrypted)
	require.NotEmpty(t, a.Metadata[MetaKey])
	require.NotEmpty(t, a.Metadata[MetaIV])

	raw, err := os.ReadFile(a.Path)
	require.NoError(t, err)
	require.Zero(t, len(raw)%16, "ciphertext must be block aligned")
	require.Len(t, readBack(t, a), 3)

	// A different master key cannot open the envelope.
	other := make([]byte, 32)
	_, _ = rand.Read(other)
	a.Open = opener(a, other)
	require.Error(t, storage.ReadRecords(context.Background(), a, testCols, func([]any) error { return nil }))
}

func TestCBC_RoundTripSizes(t *testing.T) {
	t.Parallel()

	master := make([]byte, 16)
	_, _ = rand.Read(master)
	for _, n := range []int{0, 1, 15, 16, 17, 4096, 70000} {
		env, err := newEnvelope(master)
		require.NoError(t, err)

		plain := bytes.Repeat([]byte{'x'}, n)
		var buf bytes.Buffer
		w, err := newCBCWriter(&buf, env)
		require.NoError(t, err)
		_, err = w.Write(plain)
		require.NoError(t, err)
		require.NoError(t, w.Close())

		opened, err := openEnvelope(master, env.meta)
		require.NoError(t, err)
		r, err := newCBCReader(&buf, opened)
		require.NoError(t, err)
		got, err := io.ReadAll(r)
		require.NoError(t, err)
		require.Equal(t, n, len(got), "size %d", n)
	}
}

func TestParseMasterKey(t *testing.T) {
	t.Parallel()

	_, err := ParseMasterKey(base64.StdEncoding.EncodeToString(make([]byte, 20)))
	require.Error(t, err)
	_, err = ParseMasterKey("not base64!")
	require.Error(t, err)
}

func TestWrite_Parquet(t *testing.T) {
	t.Parallel()

	m, err := New(Options{Dir: t.TempDir(), Format: storage.FormatParquet, Compression: storage.CompressionZstd})
	require.NoError(t, err)

	a, err := m.Write(context.Background(), "s", testCols, testRows())
	require.NoError(t, err)
	require.Equal(t, storage.CompressionNone, a.Compression)
	require.True(t, strings.HasSuffix(a.Path, ".parquet"))

	f, err := os.Open(a.Path)
	require.NoError(t, err)
	defer f.Close()
	pf, err := file.NewParquetReader(f)
	require.NoError(t, err)
	r, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	tbl, err := r.ReadTable(context.Background())
	require.NoError(t, err)
	defer tbl.Release()

	require.EqualValues(t, 3, tbl.NumRows())
	require.Equal(t, "id", tbl.Schema().Field(0).Name)
	ids := tbl.Column(0).Data().Chunk(0).(*array.Int64)
	require.Equal(t, int64(3), ids.Value(2))
	prices := tbl.Column(1).Data().Chunk(0).(*array.Float64)
	require.True(t, prices.IsNull(1))
	docs := tbl.Column(4).Data().Chunk(0).(*array.String)
	require.Equal(t, `{"k":"v"}`, docs.Value(0))
}

func TestWrite_RejectsBadValue(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	m, err := New(Options{Dir: dir, Format: storage.FormatParquet})
	require.NoError(t, err)
	_, err = m.Write(context.Background(), "s", testCols[:1], []buffer.Row{{Values: map[string]any{"id": "abc"}}})
	require.Error(t, err)

	left, _ := os.ReadDir(dir)
	require.Empty(t, left, "failed artifact must be removed")
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Dir: t.TempDir(), Format: "avro"})
	require.Error(t, err)
	_, err = New(Options{Dir: t.TempDir(), Compression: "lz4"})
	require.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	t.Parallel()

	cases := map[string]any{
		`\N`:      nil,
		"1.25":    1.25,
		"7":       int64(7),
		"false":   false,
		"12345":   json.Number("12345"),
		`{"a":1}`: map[string]any{"a": 1},
	}
	for want, in := range cases {
		got, err := FormatValue(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}
