package schema

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// StreamName is a parsed Singer stream identifier.
//
// Streams are named "<table>", "<schema>-<table>" or "<catalog>-<schema>-<table>".
type StreamName struct {
	Catalog string
	Schema  string
	Table   string
}

// ParseStreamName splits a stream identifier on '-'. Extra separators beyond the
// third segment stay part of the table name.
func ParseStreamName(stream string) StreamName {
	parts := strings.SplitN(stream, "-", 3)
	switch len(parts) {
	case 1:
		return StreamName{Table: parts[0]}
	case 2:
		return StreamName{Schema: parts[0], Table: parts[1]}
	default:
		return StreamName{Catalog: parts[0], Schema: parts[1], Table: parts[2]}
	}
}

// TableName returns the warehouse table name for a stream: the table segment,
// lower-cased, with '.' and '-' replaced by '_'.
func TableName(stream string) string {
	t := ParseStreamName(stream).Table
	t = strings.NewReplacer(".", "_", "-", "_").Replace(t)
	return strings.ToLower(t)
}

var (
	upperCaser = cases.Upper(language.Und)
	lowerCaser = cases.Lower(language.Und)
)

// UpperIdent folds an identifier to upper case (Snowflake, SQL Server convention).
func UpperIdent(s string) string { return upperCaser.String(clean(s)) }

// LowerIdent folds an identifier to lower case (Postgres, SQLite convention).
func LowerIdent(s string) string { return lowerCaser.String(clean(s)) }

// ASCIIFold strips combining marks so "café" becomes "cafe". Backends whose
// identifiers must be ASCII can apply it before case folding.
func ASCIIFold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// clean removes control characters, which no warehouse accepts in quoted names.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// ResolveNames maps logical column names to physical names under normalize and
// resolves collisions. Input order decides precedence: the first logical name
// to claim a physical name keeps it, later ones get "_2", "_3", ... appended.
// Names present in reserved are never handed out.
func ResolveNames(logical []string, normalize func(string) string, reserved map[string]bool) []string {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	taken := make(map[string]bool, len(logical)+len(reserved))
	for k := range reserved {
		taken[k] = true
	}
	out := make([]string, len(logical))
	for i, name := range logical {
		phys := normalize(name)
		if taken[phys] {
			for n := 2; ; n++ {
				cand := normalize(fmt.Sprintf("%s_%d", name, n))
				if !taken[cand] {
					phys = cand
					break
				}
			}
		}
		taken[phys] = true
		out[i] = phys
	}
	return out
}
