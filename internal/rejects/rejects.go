// Package rejects persists row-level scan failures into a durable errors
// table, with a companion scans table recording one row per scanned file.
//
// A Table is shared by every scan statement that targets the same table name,
// so the persisted-row count and its limit are enforced under one dedicated
// write lock. That lock is the single-writer guarantee the limit check relies
// on: the count is read and re-checked while holding it, never outside it.
package rejects

import (
	"context"
	"fmt"
	"sync"

	"csvscan/internal/storage"
)

// Row is one persisted reject. Field order matches the errors table schema.
type Row struct {
	ScanID       int64
	FileID       int64
	Line         int64 // 1-based logical line within the file
	BytePosition int64
	ColumnIndex  int64   // 1-based; already adjusted for the error kind
	ColumnName   *string // nil when no declared column applies
	ErrorType    string  // rendered kind label, e.g. "CAST"
	CSVLine      string  // original raw row text
	Message      string  // fully rendered error message
}

// ScanRow is one persisted entry of the companion scans table.
type ScanRow struct {
	ScanID   int64
	RunID    string // run UUID shared by every file of one statement
	FileID   int64
	FilePath string
	FileSize int64
	Dialect  string
}

// errorColumns is the errors-table column order for CopyFrom.
var errorColumns = []string{
	"scan_id", "file_id", "line", "byte_position",
	"column_idx", "column_name", "error_type", "csv_line", "message",
}

// scanColumns is the scans-table column order for CopyFrom.
var scanColumns = []string{
	"scan_id", "run_id", "file_id", "file_path", "file_size", "dialect",
}

// Table tracks persisted-reject state for one named errors table. Multiple
// concurrent scan statements may share a Table; all writes go through mu.
type Table struct {
	Name      string
	ScansName string

	mu    sync.Mutex
	count int64 // rejects persisted so far across all statements
}

var (
	tablesMu sync.Mutex
	tables   = map[string]*Table{}
)

// GetOrCreate returns the shared Table for name, creating it on first use.
func GetOrCreate(name, scansName string) *Table {
	if name == "" {
		name = "reject_errors"
	}
	if scansName == "" {
		scansName = "reject_scans"
	}
	tablesMu.Lock()
	defer tablesMu.Unlock()
	if t, ok := tables[name]; ok {
		return t
	}
	t := &Table{Name: name, ScansName: scansName}
	tables[name] = t
	return t
}

// Count returns the number of rejects persisted into this table so far.
func (t *Table) Count() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// EnsureTables creates the errors and scans tables if they do not exist.
// The DDL sticks to types every supported backend accepts.
func (t *Table) EnsureTables(ctx context.Context, repo storage.Repository) error {
	errDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	scan_id       BIGINT,
	file_id       BIGINT,
	line          BIGINT,
	byte_position BIGINT,
	column_idx    BIGINT,
	column_name   VARCHAR(256),
	error_type    VARCHAR(64),
	csv_line      TEXT,
	message       TEXT
)`, t.Name)
	if err := repo.Exec(ctx, errDDL); err != nil {
		return fmt.Errorf("rejects: create %s: %w", t.Name, err)
	}
	scanDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	scan_id   BIGINT,
	run_id    VARCHAR(64),
	file_id   BIGINT,
	file_path TEXT,
	file_size BIGINT,
	dialect   TEXT
)`, t.ScansName)
	if err := repo.Exec(ctx, scanDDL); err != nil {
		return fmt.Errorf("rejects: create %s: %w", t.ScansName, err)
	}
	return nil
}

// Flush persists scans rows and then as many reject rows as the limit admits,
// in the order given. limit == 0 means unlimited. The whole operation holds
// the table write lock so concurrent statements cannot oversubscribe the
// limit. Returns the number of reject rows actually persisted.
func (t *Table) Flush(ctx context.Context, repo storage.Repository, limit int64, scans []ScanRow, rows []Row) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(scans) > 0 {
		out := make([][]any, len(scans))
		for i, s := range scans {
			out[i] = []any{s.ScanID, s.RunID, s.FileID, s.FilePath, s.FileSize, s.Dialect}
		}
		if _, err := repo.CopyFrom(ctx, t.ScansName, scanColumns, out); err != nil {
			return 0, fmt.Errorf("rejects: flush scans: %w", err)
		}
	}

	admitted := make([][]any, 0, len(rows))
	for _, r := range rows {
		if limit != 0 && t.count >= limit {
			break
		}
		t.count++
		admitted = append(admitted, []any{
			r.ScanID, r.FileID, r.Line, r.BytePosition,
			r.ColumnIndex, columnNameValue(r.ColumnName), r.ErrorType, r.CSVLine, r.Message,
		})
	}
	if len(admitted) == 0 {
		return 0, nil
	}
	n, err := repo.CopyFrom(ctx, t.Name, errorColumns, admitted)
	if err != nil {
		return n, fmt.Errorf("rejects: flush errors: %w", err)
	}
	return n, nil
}

// columnNameValue renders the nullable column name for persistence.
func columnNameValue(p *string) any {
	if p == nil {
		return nil
	}
	return fmt.Sprintf("%q", *p)
}
