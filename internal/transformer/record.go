// Package transformer turns decoded protocol records into flat rows that match
// a resolved schema version.
package transformer

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"singerwh/internal/schema"
)

// Representable maxima. Values outside the warehouse range, or that do not
// parse at all, are replaced by these rather than failing the whole batch.
const (
	MaxTimestamp = "9999-12-31 23:59:59.999999"
	MaxDate      = "9999-12-31"
	MaxTime      = "23:59:59.999999"
)

// TimestampLayout is the canonical UTC, zone-less form written to artifacts.
const TimestampLayout = "2006-01-02 15:04:05.999999"

// ErrNullKey is wrapped when a primary-key value is missing from a record.
var ErrNullKey = errors.New("primary key value is null")

// Options controls row shaping.
type Options struct {
	// Now supplies the _sdc_batched_at value. Defaults to time.Now.
	Now func() time.Time
}

// Row is the flattened form of one record.
type Row struct {
	// Values holds one entry per version column, keyed by physical name.
	Values map[string]any
	// Key is the primary-key identity, empty when the version has no keys.
	Key string
}

// Transform projects rec onto the columns of v.
//
// Nested objects are read through each column's path, so flattening always
// agrees with the schema: a record never produces a column the schema lacks.
// Values of variant columns stay as decoded Go values and are JSON-encoded by
// the materializer. Date, time and timestamp strings are canonicalized.
//
// Errors:
//   - a key column resolves to null or is missing (wraps ErrNullKey)
func Transform(v *schema.Version, rec map[string]any, timeExtracted string, opts Options) (Row, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	values := make(map[string]any, len(v.Columns))
	for _, c := range v.Columns {
		var val any
		switch {
		case c.Path != nil:
			val = lookup(rec, c.Path)
		case c.Source == schema.ExtractedAtColumn:
			if timeExtracted != "" {
				val = timeExtracted
			}
		case c.Source == schema.BatchedAtColumn:
			val = now().UTC().Format(TimestampLayout)
		case c.Source == schema.DeletedAtColumn:
			val = rec[schema.DeletedAtColumn]
		}
		values[c.Name] = adjust(c.Type, val)
	}

	row := Row{Values: values}
	if v.HasKey() {
		key, err := KeyOf(v, values)
		if err != nil {
			return Row{}, err
		}
		row.Key = key
	}
	return row, nil
}

// KeyOf builds the identity string of a row from its key columns. Numbers in
// integer and number columns compare by value, so 1, 1.0 and 1e0 are one key.
func KeyOf(v *schema.Version, values map[string]any) (string, error) {
	parts := make([]string, len(v.KeyColumns))
	for i, k := range v.KeyColumns {
		val := values[k]
		if val == nil {
			return "", fmt.Errorf("%w: %s", ErrNullKey, v.KeyProperties[i])
		}
		parts[i] = keyPart(columnType(v, k), val)
	}
	return strings.Join(parts, "\x1f"), nil
}

func columnType(v *schema.Version, name string) schema.Type {
	for _, c := range v.Columns {
		if c.Name == name {
			return c.Type
		}
	}
	return schema.String
}

func keyPart(t schema.Type, val any) string {
	if t != schema.Integer && t != schema.Number {
		return fmt.Sprint(val)
	}
	var r *big.Rat
	switch n := val.(type) {
	case json.Number:
		r, _ = parseNumber(string(n))
	case float64:
		r = new(big.Rat).SetFloat64(n)
	case int64:
		r = big.NewRat(n, 1)
	case int:
		r = big.NewRat(int64(n), 1)
	}
	if r == nil {
		return fmt.Sprint(val)
	}
	if r.IsInt() {
		return r.Num().String()
	}
	return r.RatString()
}

// maxKeyExponent bounds the exponents parseNumber expands exactly.
const maxKeyExponent = 400

// parseNumber reads a JSON number exactly. Exponents beyond maxKeyExponent
// are refused.
func parseNumber(s string) (*big.Rat, bool) {
	if strings.ContainsRune(s, '/') {
		return nil, false
	}
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		e, err := strconv.Atoi(s[i+1:])
		if err != nil || e > maxKeyExponent || e < -maxKeyExponent {
			return nil, false
		}
	}
	return new(big.Rat).SetString(s)
}

func lookup(rec map[string]any, path []string) any {
	var cur any = rec
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func adjust(t schema.Type, val any) any {
	if n, ok := val.(json.Number); ok && t == schema.Integer {
		// 1.0 and 1e2 load into integer columns as 1 and 100.
		if r, ok := parseNumber(string(n)); ok && r.IsInt() {
			return json.Number(r.Num().String())
		}
		return val
	}
	s, ok := val.(string)
	if !ok {
		return val
	}
	switch t {
	case schema.Timestamp:
		if ts, ok := parseTimestamp(s); ok {
			return ts.UTC().Format(TimestampLayout)
		}
		return MaxTimestamp
	case schema.Date:
		if d, ok := parseDate(s); ok {
			return d.Format("2006-01-02")
		}
		return MaxDate
	case schema.Time:
		if tm, ok := parseTime(s); ok {
			return tm.Format("15:04:05.999999")
		}
		return MaxTime
	}
	return val
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseDate(s string) (time.Time, bool) {
	if d, err := time.Parse("2006-01-02", s); err == nil {
		return d, true
	}
	if ts, ok := parseTimestamp(s); ok {
		return ts, true
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{"15:04:05.999999999", "15:04:05Z07:00", "15:04"} {
		if tm, err := time.Parse(layout, s); err == nil {
			return tm, true
		}
	}
	return time.Time{}, false
}

// EncodeVariant renders a semi-structured value as JSON text.
func EncodeVariant(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
