package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
)

// Metadata columns added to every row when metadata columns or hard delete
// are enabled.
const (
	ExtractedAtColumn = "_sdc_extracted_at"
	BatchedAtColumn   = "_sdc_batched_at"
	DeletedAtColumn   = "_sdc_deleted_at"
)

// FlattenSeparator joins nested property names into one column name.
const FlattenSeparator = "__"

// Column is one resolved column of a schema version.
type Column struct {
	// Name is the physical name after normalization and collision resolution.
	Name string
	// Source is the flattened record key the value is read from.
	Source string
	// Path walks the record to the value. Nil for metadata columns.
	Path     []string
	Type     Type
	Nullable bool
}

// Options controls how a JSON schema resolves to columns.
type Options struct {
	// MaxLevel is how many levels of nested objects are flattened into
	// separate columns. 0 keeps every object as a single variant column.
	MaxLevel int
	// Normalize folds a logical name into the backend's identifier convention.
	Normalize func(string) string
	// Metadata appends the _sdc_* columns.
	Metadata bool
}

// Version is an immutable, fully resolved schema for one stream. Rows in a
// batch always share one Version.
type Version struct {
	Stream        string
	Columns       []Column
	KeyProperties []string
	// KeyColumns are the physical names of KeyProperties, same order.
	KeyColumns  []string
	Raw         []byte
	Fingerprint uint64
	MaxLevel    int
}

// NewVersion resolves a JSON schema into a column list.
//
// Columns are ordered by source name so the same schema always yields the same
// physical layout regardless of property order on the wire.
//
// Errors:
//   - raw is not a JSON object, or has no "properties".
//   - a key property does not name a declared (flattened) column.
func NewVersion(stream string, raw []byte, keys []string, opts Options) (*Version, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: decode %s: %w", stream, err)
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema: stream %s: schema has no properties", stream)
	}

	var fields []field
	flatten(props, nil, 0, opts.MaxLevel, &fields)
	sort.Slice(fields, func(i, j int) bool { return fields[i].source < fields[j].source })

	keySet := make(map[string]bool, len(keys))
	for _, k := range keys {
		keySet[k] = true
	}

	logical := make([]string, 0, len(fields)+3)
	cols := make([]Column, 0, len(fields)+3)
	for _, f := range fields {
		logical = append(logical, f.source)
		cols = append(cols, Column{
			Source:   f.source,
			Path:     f.path,
			Type:     f.typ,
			Nullable: !keySet[f.source],
		})
	}
	if opts.Metadata {
		for _, m := range MetadataColumns() {
			if containsSource(cols, m.Source) {
				continue
			}
			logical = append(logical, m.Source)
			cols = append(cols, m)
		}
	}

	names := ResolveNames(logical, opts.Normalize, nil)
	for i := range cols {
		cols[i].Name = names[i]
	}

	keyCols := make([]string, 0, len(keys))
	for _, k := range keys {
		idx := -1
		for i := range cols {
			if cols[i].Source == k {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("schema: stream %s: key property %q is not a declared column", stream, k)
		}
		keyCols = append(keyCols, cols[idx].Name)
	}

	canon, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema: canonicalize %s: %w", stream, err)
	}
	h := xxhash.New()
	_, _ = h.Write(canon)
	_, _ = h.WriteString("\x00" + strings.Join(keys, "\x1f"))
	_, _ = fmt.Fprintf(h, "\x00%d\x00%t", opts.MaxLevel, opts.Metadata)

	return &Version{
		Stream:        stream,
		Columns:       cols,
		KeyProperties: append([]string(nil), keys...),
		KeyColumns:    keyCols,
		Raw:           append([]byte(nil), raw...),
		Fingerprint:   h.Sum64(),
		MaxLevel:      opts.MaxLevel,
	}, nil
}

// MetadataColumns returns fresh copies of the _sdc_* column definitions.
func MetadataColumns() []Column {
	return []Column{
		{Source: ExtractedAtColumn, Type: Timestamp, Nullable: true},
		{Source: BatchedAtColumn, Type: Timestamp, Nullable: true},
		{Source: DeletedAtColumn, Type: String, Nullable: true},
	}
}

// Same reports whether two versions describe the same schema.
func (v *Version) Same(o *Version) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Fingerprint == o.Fingerprint
}

// HasKey reports whether the version declares primary-key properties.
func (v *Version) HasKey() bool { return len(v.KeyColumns) > 0 }

// Column returns the column with the given physical name.
func (v *Version) Column(name string) (Column, bool) {
	for _, c := range v.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the physical names in artifact order.
func (v *Version) ColumnNames() []string {
	out := make([]string, len(v.Columns))
	for i, c := range v.Columns {
		out[i] = c.Name
	}
	return out
}

// HasColumn reports whether a source key is part of the version.
func (v *Version) HasColumn(source string) bool { return containsSource(v.Columns, source) }

func containsSource(cols []Column, source string) bool {
	for _, c := range cols {
		if c.Source == source {
			return true
		}
	}
	return false
}

type field struct {
	source string
	path   []string
	typ    Type
}

func flatten(props map[string]any, parent []string, level, maxLevel int, out *[]field) {
	for key, v := range props {
		p, _ := v.(map[string]any)
		path := append(append([]string(nil), parent...), key)

		types, format := typesOf(p)
		if sub, ok := p["properties"].(map[string]any); ok && len(sub) > 0 && hasType(types, "object") && level < maxLevel {
			flatten(sub, path, level+1, maxLevel, out)
			continue
		}
		*out = append(*out, field{
			source: strings.Join(path, FlattenSeparator),
			path:   path,
			typ:    columnType(types, format),
		})
	}
}

// typesOf collects the JSON types a property allows, merging anyOf branches.
func typesOf(p map[string]any) ([]string, string) {
	var types []string
	format, _ := p["format"].(string)

	switch t := p["type"].(type) {
	case string:
		types = append(types, t)
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok {
				types = append(types, s)
			}
		}
	}
	if branches, ok := p["anyOf"].([]any); ok {
		for _, b := range branches {
			bm, _ := b.(map[string]any)
			bt, bf := typesOf(bm)
			types = append(types, bt...)
			if format == "" && bf != "" {
				format = bf
			}
		}
	}
	return types, format
}

func columnType(types []string, format string) Type {
	if len(types) == 0 {
		return Variant
	}
	switch {
	case hasType(types, "object"), hasType(types, "array"):
		return Variant
	case format == "date-time":
		return Timestamp
	case format == "date":
		return Date
	case format == "time":
		return Time
	case format == "binary":
		return Binary
	case hasType(types, "number"):
		return Number
	case hasType(types, "integer") && hasType(types, "string"):
		return String
	case hasType(types, "integer"):
		return Integer
	case hasType(types, "boolean"):
		return Boolean
	}
	return String
}

func hasType(types []string, want string) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
