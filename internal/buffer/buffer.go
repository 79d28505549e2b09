// Package buffer accumulates rows per stream until a flush threshold is hit.
//
// A Buffer is owned by the single ingestion goroutine and is not safe for
// concurrent use. Drain hands its contents off as an immutable Snapshot so the
// buffer can keep filling while the snapshot is loaded elsewhere.
package buffer

import (
	"errors"
	"fmt"

	"singerwh/internal/schema"
)

// ErrSchemaMismatch is returned by Append when a row's schema version differs
// from the version of the rows already buffered. The caller must drain first.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Row is one buffered record.
type Row struct {
	Values map[string]any
	// Key is the primary-key identity. Empty for streams without keys.
	Key string
	// Seq is the position of the record in the input.
	Seq uint64
	// Size is the estimated byte footprint (the raw message length).
	Size int
}

// Limits are the flush thresholds. A zero limit is disabled.
type Limits struct {
	MaxRows  int
	MaxBytes int64
}

// Buffer holds the rows of one stream that have not been handed to a flush.
type Buffer struct {
	stream  string
	limits  Limits
	version *schema.Version
	rows    []Row
	byKey   map[string]int
	bytes   int64
}

// New returns an empty buffer for stream.
func New(stream string, limits Limits) *Buffer {
	return &Buffer{stream: stream, limits: limits}
}

// Append adds row under version v.
//
// When v declares key properties and a row with the same key is already
// buffered, the earlier row is replaced in place (preserve-last-wins): the row
// count does not change and the byte estimate is adjusted.
//
// Errors:
//   - wraps ErrSchemaMismatch when the buffer is non-empty and v is not the
//     version of the buffered rows.
func (b *Buffer) Append(row Row, v *schema.Version) error {
	if len(b.rows) > 0 && !b.version.Same(v) {
		return fmt.Errorf("buffer %s: %w", b.stream, ErrSchemaMismatch)
	}
	b.version = v

	if v.HasKey() && row.Key != "" {
		if b.byKey == nil {
			b.byKey = make(map[string]int)
		}
		if i, ok := b.byKey[row.Key]; ok {
			b.bytes += int64(row.Size - b.rows[i].Size)
			b.rows[i] = row
			return nil
		}
		b.byKey[row.Key] = len(b.rows)
	}
	b.rows = append(b.rows, row)
	b.bytes += int64(row.Size)
	return nil
}

// ShouldFlush reports whether the buffer reached a threshold, or is non-empty
// while a flush-all is requested.
func (b *Buffer) ShouldFlush(flushAll bool) bool {
	if len(b.rows) == 0 {
		return false
	}
	if flushAll {
		return true
	}
	if b.limits.MaxRows > 0 && len(b.rows) >= b.limits.MaxRows {
		return true
	}
	if b.limits.MaxBytes > 0 && b.bytes >= b.limits.MaxBytes {
		return true
	}
	return false
}

// Snapshot is the drained content of a buffer.
type Snapshot struct {
	Stream  string
	Version *schema.Version
	Rows    []Row
	Bytes   int64
}

// Drain returns the buffered rows and resets the buffer. The active version is
// kept so the next Append under the same version needs no check.
func (b *Buffer) Drain() Snapshot {
	s := Snapshot{
		Stream:  b.stream,
		Version: b.version,
		Rows:    b.rows,
		Bytes:   b.bytes,
	}
	b.rows = nil
	b.byKey = nil
	b.bytes = 0
	return s
}

// Len is the number of buffered rows.
func (b *Buffer) Len() int { return len(b.rows) }

// Bytes is the estimated size of buffered rows.
func (b *Buffer) Bytes() int64 { return b.bytes }

// Version is the schema version of the buffered rows, nil before the first Append.
func (b *Buffer) Version() *schema.Version { return b.version }
