package schema

import (
	"fmt"
	"strings"
)

// Type is the semantic column type a JSON-schema property resolves to.
// Backends map it to their native type names.
type Type int

const (
	String Type = iota
	Integer
	Number
	Boolean
	Timestamp
	Date
	Time
	Binary
	Variant
)

var typeNames = [...]string{
	String:    "string",
	Integer:   "integer",
	Number:    "number",
	Boolean:   "boolean",
	Timestamp: "timestamp",
	Date:      "date",
	Time:      "time",
	Binary:    "binary",
	Variant:   "variant",
}

func (t Type) String() string {
	if int(t) >= 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range typeNames {
		if n == s {
			return Type(i), nil
		}
	}
	return String, fmt.Errorf("schema: unknown type %q", s)
}

// Change classifies how a declared type relates to an existing column type.
type Change int

const (
	// Same means nothing to do.
	Same Change = iota
	// Keep means the declared type is narrower; the existing column already holds it.
	Keep
	// Widen means the existing column must be widened to the declared type.
	Widen
	// Incompatible means neither type holds the other's values.
	Incompatible
)

func (c Change) String() string {
	switch c {
	case Same:
		return "same"
	case Keep:
		return "keep"
	case Widen:
		return "widen"
	case Incompatible:
		return "incompatible"
	}
	return fmt.Sprintf("change(%d)", int(c))
}

// Compare reports how an existing column of type have must change to store
// values of type want. Types are never narrowed: a narrower want yields Keep.
//
// Lattice:
//
//	Integer -> Number -> String
//	Date -> Timestamp -> String
//	Boolean, Time, Binary -> String
//	Variant is only compatible with itself.
func Compare(have, want Type) Change {
	if have == want {
		return Same
	}
	if have == Variant || want == Variant {
		return Incompatible
	}
	switch {
	case want == String:
		return Widen
	case have == String:
		return Keep
	case have == Integer && want == Number:
		return Widen
	case have == Number && want == Integer:
		return Keep
	case have == Date && want == Timestamp:
		return Widen
	case have == Timestamp && want == Date:
		return Keep
	}
	return Incompatible
}
