// Package schema holds the declared target schema of a scan and the casting
// of raw CSV field text into typed values. Cast failures are recoverable: the
// caller records them as row errors and the scan continues.
package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"csvscan/internal/config"
)

// DefaultDateLayout is used when the spec does not set schema.date_layout.
const DefaultDateLayout = "2006-01-02"

// Column is one declared target column.
type Column struct {
	Name string
	Type string // normalized: "text","int","real","bool","date"
}

// Schema is the ordered set of target columns plus casting settings.
type Schema struct {
	Columns    []Column
	DateLayout string
}

// FromConfig builds a Schema from the spec, normalizing type names.
func FromConfig(sc config.SchemaConfig) Schema {
	cols := make([]Column, len(sc.Columns))
	for i, c := range sc.Columns {
		cols[i] = Column{Name: c.Name, Type: NormalizeType(c.Type)}
	}
	layout := sc.DateLayout
	if layout == "" {
		layout = DefaultDateLayout
	}
	return Schema{Columns: cols, DateLayout: layout}
}

// Names returns the column names in declaration order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// NormalizeType maps assorted SQL-ish type spellings onto the small set of
// kinds the caster understands. Unknown types fall back to "text".
func NormalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "int", "integer", "bigint", "int2", "int4", "int8", "smallint":
		return "int"
	case "real", "float", "double", "double precision", "numeric", "decimal":
		return "real"
	case "bool", "boolean":
		return "bool"
	case "date", "datetime", "timestamp", "timestamptz":
		return "date"
	default:
		return "text"
	}
}

// Cast converts the raw field text at column idx into the column's Go value.
// Empty input becomes nil (SQL NULL). A non-nil error means a cast failure;
// the raw text is returned alongside so callers can keep it for diagnostics.
func (s Schema) Cast(idx int, raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	col := s.Columns[idx]
	switch col.Type {
	case "int":
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert %q to int for column %q", raw, col.Name)
		}
		return v, nil
	case "real":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("could not convert %q to real for column %q", raw, col.Name)
		}
		return v, nil
	case "bool":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("could not convert %q to bool for column %q", raw, col.Name)
		}
		return v, nil
	case "date":
		v, err := time.Parse(s.DateLayout, raw)
		if err != nil {
			return nil, fmt.Errorf("could not parse %q with layout %q for column %q", raw, s.DateLayout, col.Name)
		}
		return v, nil
	default:
		return raw, nil
	}
}
