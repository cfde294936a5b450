// Package config defines the JSON-serializable scan specification for the
// csvscan tool. A spec names the input files, the CSV dialect hints, the scan
// runtime knobs, the rejects policy, and the destination storage, and is
// decoded entirely by the standard library.
//
// Example (trimmed):
//
//	{
//	  "files":   ["data/part1.csv", "data/part2.csv"],
//	  "dialect": { "delimiter": ",", "has_header": true },
//	  "scan":    { "parallel": true, "threads": 8 },
//	  "rejects": { "store_rejects": true, "rejects_limit": 100 },
//	  "schema":  { "columns": [ { "name": "id", "type": "int" } ] },
//	  "storage": { "kind": "sqlite", "db": { "dsn": "scan.db", "table": "t" } }
//	}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Spec is the top-level scan specification decoded from a spec file.
type Spec struct {
	// Files lists the input CSV files in scan order. At least one is required.
	Files []string `json:"files"`

	// Dialect carries CSV dialect hints interpreted by the dialect package
	// (delimiter, quote, escape, has_header, header_map, ...). Keys left unset
	// are resolved by sniffing.
	Dialect Options `json:"dialect"`

	Scan    ScanConfig    `json:"scan"`
	Rejects RejectsConfig `json:"rejects"`
	Schema  SchemaConfig  `json:"schema"`
	Storage Storage       `json:"storage"`
}

// ScanConfig controls parallelism and buffering for one scan.
type ScanConfig struct {
	// Parallel enables range-parallel scanning. When false the scan runs in
	// single-threaded mode: one whole file per dispatched unit.
	Parallel bool `json:"parallel"`

	// Threads is the thread budget. Zero means runtime.NumCPU().
	Threads int `json:"threads"`

	// BufferSize is the target byte size of one scan buffer. Zero selects the
	// default (buffers are extended to the end of the logical line that covers
	// them, so the actual size may exceed this).
	BufferSize int `json:"buffer_size"`

	// MaxLineSize caps the byte length of a single CSV line. Longer lines are
	// rejected with the LINE SIZE OVER MAXIMUM error. Zero selects the default.
	MaxLineSize int `json:"max_line_size"`

	// DebugMaxLineLength, when set, captures the maximum observed line length
	// of the first file into the coordinator diagnostics at finalization.
	DebugMaxLineLength bool `json:"debug_max_line_length"`
}

// RejectsConfig controls the durable rejects path.
type RejectsConfig struct {
	// StoreRejects enables persisting eligible row errors. When false, errors
	// are still collected in memory for diagnostics but never written out.
	StoreRejects bool `json:"store_rejects"`

	// RejectsLimit caps the number of persisted reject rows. 0 = unlimited.
	RejectsLimit int `json:"rejects_limit"`

	// RejectsTableName is the errors table. Defaults to "reject_errors".
	RejectsTableName string `json:"rejects_table_name"`

	// ScansTableName is the companion per-file table. Defaults to "reject_scans".
	ScansTableName string `json:"scans_table_name"`
}

// SchemaConfig declares the target columns of the scan.
type SchemaConfig struct {
	Columns []ColumnSpec `json:"columns"`

	// DateLayout is the time layout used when casting "date" columns.
	// Defaults to "2006-01-02".
	DateLayout string `json:"date_layout"`
}

// ColumnSpec is one declared target column.
type ColumnSpec struct {
	Name string `json:"name"`
	Type string `json:"type"` // "text","int","real","bool","date"
}

// Storage selects the sink used for destination rows and reject rows.
type Storage struct {
	// Kind selects the storage implementation ("sqlite", "postgres", "mssql").
	Kind string `json:"kind"`

	DB DBConfig `json:"db"`
}

// DBConfig configures the database sink.
type DBConfig struct {
	// DSN is the backend connection string.
	DSN string `json:"dsn"`

	// Table is the destination table for scanned rows.
	Table string `json:"table"`
}

// Load reads and decodes a spec file, then validates it.
func Load(path string) (Spec, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var s Spec
	if err := json.Unmarshal(b, &s); err != nil {
		return Spec{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// Validate reports the first structural problem with the spec.
func (s Spec) Validate() error {
	if len(s.Files) == 0 {
		return fmt.Errorf("config: at least one input file required")
	}
	for i, f := range s.Files {
		if f == "" {
			return fmt.Errorf("config: files[%d] is empty", i)
		}
	}
	if len(s.Schema.Columns) == 0 {
		return fmt.Errorf("config: schema.columns must not be empty")
	}
	seen := make(map[string]struct{}, len(s.Schema.Columns))
	for _, c := range s.Schema.Columns {
		if c.Name == "" {
			return fmt.Errorf("config: schema column with empty name")
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("config: duplicate schema column %q", c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	if s.Rejects.RejectsLimit < 0 {
		return fmt.Errorf("config: rejects_limit must be >= 0")
	}
	return nil
}

// GetenvInt reads an int from the environment, returning def when unset or
// invalid. Used for 12-factor style runtime overrides.
func GetenvInt(k string, def int) int {
	if s := os.Getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// PickInt chooses the first positive value a, otherwise b.
func PickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}
