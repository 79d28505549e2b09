// Package stage materializes a flushed batch into a staging artifact: a CSV
// or Parquet file, optionally compressed and optionally encrypted for a
// client-side encrypted external stage.
//
// Every Write creates its own file, so concurrent flush workers never share
// one. The caller owns the artifact and removes it with Remove.
package stage

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"singerwh/internal/buffer"
	"singerwh/internal/schema"
	"singerwh/internal/storage"
	"singerwh/internal/transformer"
)

// Options configures a Materializer.
type Options struct {
	// Dir holds the artifacts. Defaults to os.TempDir().
	Dir         string
	Format      storage.Format
	Compression storage.Compression
	// MasterKey enables envelope encryption when non-nil (see ParseMasterKey).
	MasterKey []byte
}

// Materializer writes batches to staging artifacts. Safe for concurrent use.
type Materializer struct {
	opts Options
}

// New validates opts and creates Dir.
func New(opts Options) (*Materializer, error) {
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.Format == "" {
		opts.Format = storage.FormatCSV
	}
	if opts.Compression == "" {
		opts.Compression = storage.CompressionGzip
	}
	switch opts.Format {
	case storage.FormatCSV, storage.FormatParquet:
	default:
		return nil, fmt.Errorf("stage: unsupported format %q", opts.Format)
	}
	switch opts.Compression {
	case storage.CompressionNone, storage.CompressionGzip, storage.CompressionZstd:
	default:
		return nil, fmt.Errorf("stage: unsupported compression %q", opts.Compression)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("stage: %w", err)
	}
	return &Materializer{opts: opts}, nil
}

// Encrypts reports whether artifacts are envelope encrypted.
func (m *Materializer) Encrypts() bool { return m.opts.MasterKey != nil }

// Write serializes rows in cols order. Rows carry values keyed by column
// name; a missing value is written as NULL.
//
// The artifact has no header line. For Parquet, compression is applied to
// column chunks and the file itself is left uncompressed.
func (m *Materializer) Write(ctx context.Context, stream string, cols []storage.Column, rows []buffer.Row) (storage.Artifact, error) {
	a := storage.Artifact{
		Format:      m.opts.Format,
		Compression: m.opts.Compression,
		Encrypted:   m.opts.MasterKey != nil,
		Rows:        len(rows),
	}
	if a.Format == storage.FormatParquet {
		a.Compression = storage.CompressionNone
	}
	a.Path = filepath.Join(m.opts.Dir, fileName(stream, a))

	f, err := os.OpenFile(a.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return a, fmt.Errorf("stage: %w", err)
	}
	err = m.write(ctx, f, &a, cols, rows)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(a.Path)
		return storage.Artifact{}, fmt.Errorf("stage %s: %w", stream, err)
	}

	st, err := os.Stat(a.Path)
	if err != nil {
		return storage.Artifact{}, err
	}
	a.Bytes = st.Size()
	a.Open = opener(a, m.opts.MasterKey)
	return a, nil
}

// write layers the writers: format -> compression -> encryption -> file.
func (m *Materializer) write(ctx context.Context, f *os.File, a *storage.Artifact, cols []storage.Column, rows []buffer.Row) error {
	bw := bufio.NewWriterSize(f, 256*1024)
	var sink io.Writer = bw

	var enc *cbcWriter
	if m.opts.MasterKey != nil {
		env, err := newEnvelope(m.opts.MasterKey)
		if err != nil {
			return err
		}
		a.Metadata = env.meta
		if enc, err = newCBCWriter(bw, env); err != nil {
			return err
		}
		sink = enc
	}

	var comp io.WriteCloser
	switch a.Compression {
	case storage.CompressionGzip:
		comp = gzip.NewWriter(sink)
	case storage.CompressionZstd:
		zw, err := zstd.NewWriter(sink)
		if err != nil {
			return err
		}
		comp = zw
	}
	if comp != nil {
		sink = comp
	}

	var err error
	if a.Format == storage.FormatParquet {
		err = writeParquet(ctx, sink, cols, rows, m.opts.Compression)
	} else {
		err = writeCSV(ctx, sink, cols, rows)
	}
	if err != nil {
		return err
	}
	if comp != nil {
		if err := comp.Close(); err != nil {
			return err
		}
	}
	if enc != nil {
		if err := enc.Close(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func fileName(stream string, a storage.Artifact) string {
	name := fmt.Sprintf("batch_%s_%s.%s", schema.TableName(stream), uuid.NewString(), a.Format)
	switch a.Compression {
	case storage.CompressionGzip:
		name += ".gz"
	case storage.CompressionZstd:
		name += ".zst"
	}
	return name
}

func writeCSV(ctx context.Context, w io.Writer, cols []storage.Column, rows []buffer.Row) error {
	cw := csv.NewWriter(w)
	rec := make([]string, len(cols))
	for i, r := range rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for j, c := range cols {
			s, err := FormatValue(r.Values[c.Name])
			if err != nil {
				return fmt.Errorf("row %d column %s: %w", i, c.Name, err)
			}
			rec[j] = s
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// FormatValue renders one value as a delimited field. nil becomes the NULL
// token; maps and slices are JSON encoded.
func FormatValue(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return storage.NullToken, nil
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case []byte:
		return string(x), nil
	}
	return transformer.EncodeVariant(v)
}

// Remove deletes the local artifact file.
func Remove(a storage.Artifact) error {
	if a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// opener returns a reader factory yielding the plain artifact content.
func opener(a storage.Artifact, master []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(a.Path)
		if err != nil {
			return nil, err
		}
		var r io.Reader = bufio.NewReaderSize(f, 256*1024)
		if a.Encrypted {
			env, err := openEnvelope(master, a.Metadata)
			if err != nil {
				f.Close()
				return nil, err
			}
			if r, err = newCBCReader(r, env); err != nil {
				f.Close()
				return nil, err
			}
		}
		switch a.Compression {
		case storage.CompressionGzip:
			zr, err := gzip.NewReader(r)
			if err != nil {
				f.Close()
				return nil, err
			}
			return &multiCloser{Reader: zr, closers: []func() error{zr.Close, f.Close}}, nil
		case storage.CompressionZstd:
			zr, err := zstd.NewReader(r)
			if err != nil {
				f.Close()
				return nil, err
			}
			return &multiCloser{Reader: zr, closers: []func() error{func() error { zr.Close(); return nil }, f.Close}}, nil
		}
		return &multiCloser{Reader: r, closers: []func() error{f.Close}}, nil
	}
}

type multiCloser struct {
	io.Reader
	closers []func() error
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
