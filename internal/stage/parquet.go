package stage

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"
	json "github.com/goccy/go-json"

	"singerwh/internal/buffer"
	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

const parquetRowGroup = 64 * 1024

// writerOnly hides Close so the parquet writer cannot close our sink.
type writerOnly struct{ io.Writer }

func arrowType(t schema.Type) arrow.DataType {
	switch t {
	case schema.Integer:
		return arrow.PrimitiveTypes.Int64
	case schema.Number:
		return arrow.PrimitiveTypes.Float64
	case schema.Boolean:
		return arrow.FixedWidthTypes.Boolean
	case schema.Binary:
		return arrow.BinaryTypes.Binary
	}
	// Temporal values stay canonical text; the warehouse casts on COPY.
	return arrow.BinaryTypes.String
}

func parquetCodec(c storage.Compression) compress.Compression {
	switch c {
	case storage.CompressionGzip:
		return compress.Codecs.Gzip
	case storage.CompressionZstd:
		return compress.Codecs.Zstd
	}
	return compress.Codecs.Uncompressed
}

// ArrowSchema is the Parquet schema of an artifact with cols.
func ArrowSchema(cols []storage.Column) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

func writeParquet(ctx context.Context, w io.Writer, cols []storage.Column, rows []buffer.Row, codec storage.Compression) error {
	sch := ArrowSchema(cols)
	props := parquet.NewWriterProperties(
		parquet.WithCompression(parquetCodec(codec)),
		parquet.WithCreatedBy("singerwh"),
	)
	fw, err := pqarrow.NewFileWriter(sch, writerOnly{w}, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("parquet writer: %w", err)
	}

	b := array.NewRecordBuilder(memory.DefaultAllocator, sch)
	defer b.Release()

	for start := 0; start < len(rows); start += parquetRowGroup {
		if err := ctx.Err(); err != nil {
			_ = fw.Close()
			return err
		}
		end := min(start+parquetRowGroup, len(rows))
		for i, r := range rows[start:end] {
			for j, c := range cols {
				if err := appendValue(b.Field(j), r.Values[c.Name]); err != nil {
					_ = fw.Close()
					return fmt.Errorf("row %d column %s: %w", start+i, c.Name, err)
				}
			}
		}
		rec := b.NewRecord()
		err := fw.Write(rec)
		rec.Release()
		if err != nil {
			_ = fw.Close()
			return fmt.Errorf("parquet write: %w", err)
		}
	}
	return fw.Close()
}

func appendValue(fb array.Builder, v any) error {
	if v == nil {
		fb.AppendNull()
		return nil
	}
	switch b := fb.(type) {
	case *array.Int64Builder:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.Append(n)
	case *array.Float64Builder:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.Append(f)
	case *array.BooleanBuilder:
		x, ok := v.(bool)
		if !ok {
			return fmt.Errorf("want boolean, got %T", v)
		}
		b.Append(x)
	case *array.BinaryBuilder:
		switch x := v.(type) {
		case []byte:
			b.Append(x)
		case string:
			b.Append([]byte(x))
		default:
			return fmt.Errorf("want binary, got %T", v)
		}
	case *array.StringBuilder:
		s, err := FormatValue(v)
		if err != nil {
			return err
		}
		b.Append(s)
	default:
		return fmt.Errorf("unsupported builder %T", fb)
	}
	return nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("%v is not integral", x)
		}
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Float64()
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	}
	return 0, fmt.Errorf("want number, got %T", v)
}
