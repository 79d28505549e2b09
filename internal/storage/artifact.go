package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"

	"singerwh/internal/schema"
)

// NullToken marks SQL NULL in delimited artifacts. An empty field is an empty
// string, not NULL.
const NullToken = `\N`

// Format is the artifact file format.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

// Compression is the artifact compression codec.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// Artifact is one materialized batch file.
type Artifact struct {
	Path        string
	Format      Format
	Compression Compression
	Encrypted   bool
	Rows        int
	Bytes       int64

	// ObjectKey is the key in the object store once uploaded, empty before.
	ObjectKey string
	// Metadata travels with the uploaded object (encryption envelope).
	Metadata map[string]string

	// Open returns the plain (decrypted, decompressed) content. Backends that
	// stream rows themselves use it instead of reading Path directly.
	Open func() (io.ReadCloser, error)
}

// LoadRequest describes one load of an artifact into a table.
type LoadRequest struct {
	Table TableRef
	// Columns is the artifact column order, typed as the target table declares them.
	Columns []Column
	// PrimaryKey selects upsert semantics when non-empty, append otherwise.
	PrimaryKey []string
	HardDelete bool
	// DeletedColumn is the physical deletion-marker column, empty when absent.
	DeletedColumn string
	Artifact      Artifact
}

// Upsert reports whether the request merges on a primary key.
func (r LoadRequest) Upsert() bool { return len(r.PrimaryKey) > 0 }

// HardDeletes reports whether marked rows must be removed after the load.
func (r LoadRequest) HardDeletes() bool { return r.HardDelete && r.DeletedColumn != "" }

// ColumnNames returns the column names in artifact order.
func (r LoadRequest) ColumnNames() []string {
	out := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		out[i] = c.Name
	}
	return out
}

// LoadResult reports what a load changed.
type LoadResult struct {
	Inserted int64
	Updated  int64
	Deleted  int64
}

// ReadRecords streams the rows of a CSV artifact, converting each field to the
// Go type matching its column (nil for NullToken). vals is reused between calls.
func ReadRecords(ctx context.Context, a Artifact, cols []Column, fn func(vals []any) error) error {
	if a.Format != FormatCSV {
		return fmt.Errorf("storage: cannot stream %s artifact %s", a.Format, a.Path)
	}
	if a.Open == nil {
		return errors.New("storage: artifact has no reader")
	}
	rc, err := a.Open()
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", a.Path, err)
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	r.FieldsPerRecord = len(cols)
	r.ReuseRecord = true

	vals := make([]any, len(cols))
	line := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read artifact %s: %w", a.Path, err)
		}
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		for i, f := range rec {
			v, err := ConvertField(cols[i].Type, f)
			if err != nil {
				return fmt.Errorf("artifact %s row %d column %s: %w", a.Path, line, cols[i].Name, err)
			}
			vals[i] = v
		}
		if err := fn(vals); err != nil {
			return err
		}
	}
}

// ConvertField parses one delimited field for a column of type t. Numbers and
// booleans become int64/float64/bool; temporal and text values stay strings.
func ConvertField(t schema.Type, s string) (any, error) {
	if s == NullToken {
		return nil, nil
	}
	switch t {
	case schema.Integer:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		// Integral values that overflow int64 or carry a fraction load as numbers.
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse integer %q: %w", s, err)
		}
		return f, nil
	case schema.Number:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", s, err)
		}
		return f, nil
	case schema.Boolean:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return nil, fmt.Errorf("parse boolean %q: %w", s, err)
		}
		return b, nil
	case schema.Binary:
		return []byte(s), nil
	}
	return s, nil
}
