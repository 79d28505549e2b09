// Package reconcile diffs a stream's declared columns against the target
// table and applies the structural changes needed before a load.
//
// Changes are additive only. A column is never dropped and never narrowed:
// when an existing column cannot hold the declared type and the backend cannot
// widen it in place, the old column is renamed to a dated name (versioned) and
// a new column with the declared type takes the original name.
package reconcile

import (
	"time"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

// Dialect is the part of a warehouse backend planning depends on.
type Dialect interface {
	NormalizeIdent(name string) string
	Canonical(t schema.Type) schema.Type
	CanWiden(from, to schema.Type) bool
}

// VersionSuffixLayout formats the date suffix of a versioned column.
const VersionSuffixLayout = "20060102_1504"

// Plan computes the ordered structural changes that make target able to
// store rows of the declared columns.
//
// When to use:
//   - Call with the cached target structure; an empty result means the table
//     already matches and no DDL is needed.
//
// Edge cases:
//   - target nil or not existing yields a single CreateTable with keys as the
//     primary key.
//   - Names are compared after d.NormalizeIdent, so "ID" and "id" are one
//     column on a case-folding backend.
//   - A versioned name that collides with an existing or declared column gets
//     "_2", "_3", ... appended. The declared column always keeps its name.
//
// Plan is pure: applying its result and planning again against the new
// structure yields no ops. Every op targets ref.
func Plan(ref storage.TableRef, declared []schema.Column, keys []string, target *storage.Table, d Dialect, now time.Time) []storage.Op {
	if target == nil || !target.Exists {
		cols := make([]storage.Column, len(declared))
		for i, c := range declared {
			cols[i] = storage.Column{Name: c.Name, Type: c.Type}
		}
		return []storage.Op{{
			Kind:       storage.OpCreateTable,
			Table:      ref,
			Columns:    cols,
			PrimaryKey: append([]string(nil), keys...),
		}}
	}

	existing := make(map[string]storage.Column, len(target.Columns))
	taken := make(map[string]bool, len(target.Columns)+len(declared))
	for _, c := range target.Columns {
		n := d.NormalizeIdent(c.Name)
		existing[n] = c
		taken[n] = true
	}
	for _, c := range declared {
		taken[d.NormalizeIdent(c.Name)] = true
	}

	var ops []storage.Op
	suffix := now.UTC().Format(VersionSuffixLayout)
	for _, c := range declared {
		have, ok := existing[d.NormalizeIdent(c.Name)]
		if !ok {
			ops = append(ops, storage.Op{Kind: storage.OpAddColumn, Table: ref, Column: storage.Column{Name: c.Name, Type: c.Type}})
			continue
		}

		want := d.Canonical(c.Type)
		switch schema.Compare(have.Type, want) {
		case schema.Same, schema.Keep:
			continue
		case schema.Widen:
			if d.CanWiden(have.Type, want) {
				ops = append(ops, storage.Op{Kind: storage.OpWidenColumn, Table: ref, From: have.Type.String(), Column: storage.Column{Name: have.Name, Type: c.Type}})
				continue
			}
		}

		versioned := schema.ResolveNames([]string{have.Name + "_" + suffix}, d.NormalizeIdent, taken)[0]
		taken[versioned] = true
		ops = append(ops,
			storage.Op{Kind: storage.OpRenameColumn, Table: ref, From: have.Name, Column: storage.Column{Name: versioned, Type: have.Type}},
			storage.Op{Kind: storage.OpAddColumn, Table: ref, Column: storage.Column{Name: c.Name, Type: c.Type}},
		)
	}
	return ops
}
