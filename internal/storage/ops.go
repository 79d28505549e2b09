package storage

import (
	"fmt"
	"strings"
)

// OpKind is the kind of a structural change.
type OpKind int

const (
	// OpCreateTable creates Table with Columns and PrimaryKey, then grants
	// read access on its schema to Grantees.
	OpCreateTable OpKind = iota
	// OpAddColumn adds Column.
	OpAddColumn
	// OpWidenColumn changes the type of Column.Name to Column.Type in place.
	OpWidenColumn
	// OpRenameColumn renames From to Column.Name.
	OpRenameColumn
)

func (k OpKind) String() string {
	switch k {
	case OpCreateTable:
		return "create_table"
	case OpAddColumn:
		return "add_column"
	case OpWidenColumn:
		return "widen_column"
	case OpRenameColumn:
		return "rename_column"
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// Op is one DDL step planned by the reconciler. Ops are never destructive:
// there is no drop and no narrowing.
type Op struct {
	Kind  OpKind
	Table TableRef

	// OpCreateTable
	Columns    []Column
	PrimaryKey []string
	// Grantees are roles given USAGE on the schema and SELECT on its tables.
	// Backends without roles ignore them.
	Grantees []string

	// OpAddColumn, OpWidenColumn: the column in its new shape.
	// OpRenameColumn: Column.Name is the new name.
	Column Column
	// From is the current column name (OpRenameColumn) or type (OpWidenColumn, informational).
	From string
}

func (o Op) String() string {
	switch o.Kind {
	case OpCreateTable:
		names := make([]string, len(o.Columns))
		for i, c := range o.Columns {
			names[i] = c.Name + " " + c.Type.String()
		}
		s := fmt.Sprintf("create_table %s (%s) pk=[%s]", o.Table, strings.Join(names, ", "), strings.Join(o.PrimaryKey, ","))
		if len(o.Grantees) > 0 {
			s += " grant=[" + strings.Join(o.Grantees, ",") + "]"
		}
		return s
	case OpAddColumn:
		return fmt.Sprintf("add_column %s.%s %s", o.Table, o.Column.Name, o.Column.Type)
	case OpWidenColumn:
		return fmt.Sprintf("widen_column %s.%s %s -> %s", o.Table, o.Column.Name, o.From, o.Column.Type)
	case OpRenameColumn:
		return fmt.Sprintf("rename_column %s.%s -> %s", o.Table, o.From, o.Column.Name)
	}
	return o.Kind.String()
}
