package transformer

import (
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"singerwh/internal/schema"
)

func mustVersion(t *testing.T, raw string, keys []string, opts schema.Options) *schema.Version {
	t.Helper()
	v, err := schema.NewVersion("s", []byte(raw), keys, opts)
	if err != nil {
		t.Fatalf("NewVersion: %v", err)
	}
	return v
}

func TestTransform_FlattenAndMetadata(t *testing.T) {
	t.Parallel()

	v := mustVersion(t, `{"properties":{
	  "id": {"type":"integer"},
	  "addr": {"type":"object","properties":{"city":{"type":"string"},"zip":{"type":"string"}}},
	  "tags": {"type":"array"}
	}}`, []string{"id"}, schema.Options{MaxLevel: 1, Metadata: true})

	fixed := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	rec := map[string]any{
		"id":              json.Number("7"),
		"addr":            map[string]any{"city": "Oslo"},
		"tags":            []any{"a", "b"},
		"ignored":         "not in schema",
		"_sdc_deleted_at": "2024-05-06T00:00:00Z",
	}

	row, err := Transform(v, rec, "2024-05-01T00:00:00+02:00", Options{Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}

	if row.Key != "7" {
		t.Fatalf("Key=%q", row.Key)
	}
	if got := row.Values["addr__city"]; got != "Oslo" {
		t.Fatalf("addr__city=%v", got)
	}
	if got := row.Values["addr__zip"]; got != nil {
		t.Fatalf("addr__zip=%v want nil", got)
	}
	if _, ok := row.Values["ignored"]; ok {
		t.Fatalf("undeclared key leaked into row")
	}
	if got := row.Values[schema.ExtractedAtColumn]; got != "2024-04-30 22:00:00" {
		t.Fatalf("extracted_at=%v", got)
	}
	if got := row.Values[schema.BatchedAtColumn]; got != "2024-05-06 07:08:09" {
		t.Fatalf("batched_at=%v", got)
	}
	if got := row.Values[schema.DeletedAtColumn]; got != "2024-05-06T00:00:00Z" {
		t.Fatalf("deleted_at=%v", got)
	}
	enc, err := EncodeVariant(row.Values["tags"])
	if err != nil || enc != `["a","b"]` {
		t.Fatalf("tags=%q err=%v", enc, err)
	}
}

func TestTransform_AdjustsOutOfRangeTemporalValues(t *testing.T) {
	t.Parallel()

	v := mustVersion(t, `{"properties":{
	  "ts": {"type":"string","format":"date-time"},
	  "d":  {"type":"string","format":"date"},
	  "tm": {"type":"string","format":"time"}
	}}`, nil, schema.Options{})

	cases := []struct {
		name      string
		rec       map[string]any
		ts, d, tm any
	}{
		{
			name: "valid",
			rec:  map[string]any{"ts": "2020-01-02T03:04:05.123456Z", "d": "2020-01-02", "tm": "10:11:12"},
			ts:   "2020-01-02 03:04:05.123456", d: "2020-01-02", tm: "10:11:12",
		},
		{
			name: "out of range",
			rec:  map[string]any{"ts": "10000-01-01T00:00:00Z", "d": "0000-13-45", "tm": "25:99:00"},
			ts:   MaxTimestamp, d: MaxDate, tm: MaxTime,
		},
		{
			name: "nulls stay null",
			rec:  map[string]any{},
			ts:   nil, d: nil, tm: nil,
		},
	}
	for _, tc := range cases {
		row, err := Transform(v, tc.rec, "", Options{})
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if row.Values["ts"] != tc.ts || row.Values["d"] != tc.d || row.Values["tm"] != tc.tm {
			t.Fatalf("%s: got ts=%v d=%v tm=%v", tc.name, row.Values["ts"], row.Values["d"], row.Values["tm"])
		}
	}
}

func TestTransform_NullKey(t *testing.T) {
	t.Parallel()

	v := mustVersion(t, `{"properties":{"id":{"type":"integer"},"name":{"type":"string"}}}`, []string{"id"}, schema.Options{})
	_, err := Transform(v, map[string]any{"name": "x"}, "", Options{})
	if !errors.Is(err, ErrNullKey) {
		t.Fatalf("err=%v want ErrNullKey", err)
	}
}

func TestTransform_CompositeKey(t *testing.T) {
	t.Parallel()

	v := mustVersion(t, `{"properties":{"a":{"type":"string"},"b":{"type":"string"}}}`, []string{"a", "b"}, schema.Options{})
	r1, err := Transform(v, map[string]any{"a": "x,y", "b": "z"}, "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := Transform(v, map[string]any{"a": "x", "b": "y,z"}, "", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if r1.Key == r2.Key {
		t.Fatalf("distinct composite keys collided: %q", r1.Key)
	}
}

func TestTransform_NumericKeysCompareByValue(t *testing.T) {
	t.Parallel()

	v := mustVersion(t, `{"properties":{"id":{"type":"integer"},"amount":{"type":"number"},"code":{"type":"string"}}}`,
		[]string{"id", "amount", "code"}, schema.Options{})
	keyOf := func(id, amount json.Number, code string) string {
		t.Helper()
		row, err := Transform(v, map[string]any{"id": id, "amount": amount, "code": code}, "", Options{})
		if err != nil {
			t.Fatal(err)
		}
		return row.Key
	}

	base := keyOf("1", "0.5", "1")
	for _, tc := range []struct {
		id, amount json.Number
	}{
		{"1.0", "0.50"},
		{"1e0", "5e-1"},
		{"10E-1", "0.5"},
	} {
		if got := keyOf(tc.id, tc.amount, "1"); got != base {
			t.Errorf("id=%s amount=%s: key %q, want %q", tc.id, tc.amount, got, base)
		}
	}
	if keyOf("2", "0.5", "1") == base || keyOf("1", "0.25", "1") == base {
		t.Fatalf("distinct numbers share a key")
	}
	if keyOf("1", "0.5", "1.0") == base {
		t.Fatalf("string key columns must compare as text")
	}
}

func TestTransform_IntegerValuesCanonicalized(t *testing.T) {
	t.Parallel()

	v := mustVersion(t, `{"properties":{"n":{"type":"integer"},"f":{"type":"number"}}}`, nil, schema.Options{})
	cases := map[json.Number]json.Number{
		"1.0":   "1",
		"1e2":   "100",
		"-0":    "0",
		"7":     "7",
		"1.5":   "1.5",
		"1e999": "1e999",
	}
	for in, want := range cases {
		row, err := Transform(v, map[string]any{"n": in, "f": in}, "", Options{})
		if err != nil {
			t.Fatal(err)
		}
		if row.Values["n"] != want {
			t.Errorf("integer %s -> %v, want %s", in, row.Values["n"], want)
		}
		if row.Values["f"] != in {
			t.Errorf("number %s changed to %v", in, row.Values["f"])
		}
	}
}

func TestValidator(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"object","properties":{"id":{"type":"integer"},"at":{"type":"string","format":"date-time"}},"required":["id"]}`)
	val, err := NewValidator("s", raw)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	if err := val.Validate(map[string]any{"id": json.Number("1"), "at": "2024-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("valid record rejected: %v", err)
	}
	if err := val.Validate(map[string]any{"id": "one"}); err == nil {
		t.Fatalf("wrong type accepted")
	}
	if err := val.Validate(map[string]any{"id": json.Number("1"), "at": "yesterday"}); err == nil {
		t.Fatalf("bad date-time accepted")
	}
	if err := val.Validate(map[string]any{}); err == nil {
		t.Fatalf("missing required accepted")
	}

	var nilVal *Validator
	if err := nilVal.Validate(map[string]any{"anything": true}); err != nil {
		t.Fatalf("nil validator must accept: %v", err)
	}
}
