// Row-level error classification and per-file collection.
//
// Error kinds form a closed enumeration with an exhaustive eligibility and
// label mapping: only a subset of kinds may ever be persisted to the rejects
// table, the rest stay in-memory diagnostics. Asking for the label of an
// ineligible kind is a programming error and panics.
package scanner

import (
	"fmt"
	"sort"
	"sync"
)

// ErrKind classifies one row-level parsing failure.
type ErrKind int

const (
	// KindCast is a failed conversion of a field into its declared column type.
	KindCast ErrKind = iota
	// KindTooManyColumns is a row with more fields than declared columns.
	KindTooManyColumns
	// KindTooFewColumns is a row with fewer fields than declared columns.
	KindTooFewColumns
	// KindMaxLineSize is a line longer than the configured maximum.
	KindMaxLineSize
	// KindUnterminatedQuote is a quoted value with no closing quote.
	KindUnterminatedQuote
	// KindInvalidEncoding is a line that is not valid UTF-8.
	KindInvalidEncoding
	// KindOther covers failures that are never persisted as rejects.
	KindOther
)

// kindEligible marks the kinds accepted by the rejects table.
var kindEligible = map[ErrKind]bool{
	KindCast:              true,
	KindTooManyColumns:    true,
	KindTooFewColumns:     true,
	KindMaxLineSize:       true,
	KindUnterminatedQuote: true,
	KindInvalidEncoding:   true,
	KindOther:             false,
}

// kindLabels renders eligible kinds for the error_type column.
var kindLabels = map[ErrKind]string{
	KindCast:              "CAST",
	KindTooFewColumns:     "MISSING COLUMNS",
	KindTooManyColumns:    "TOO MANY COLUMNS",
	KindMaxLineSize:       "LINE SIZE OVER MAXIMUM",
	KindUnterminatedQuote: "UNQUOTED VALUE",
	KindInvalidEncoding:   "INVALID UNICODE",
}

// Eligible reports whether errors of this kind may be persisted as rejects.
func (k ErrKind) Eligible() bool { return kindEligible[k] }

// Label returns the persisted error_type string. It panics for kinds that are
// not valid in a rejects table; callers must filter with Eligible first.
func (k ErrKind) Label() string {
	s, ok := kindLabels[k]
	if !ok {
		panic(fmt.Sprintf("scanner: error kind %d is not valid to be stored in a rejects table", k))
	}
	return s
}

// LineError is one recorded row-level failure. Row numbers are unit-relative;
// the collector resolves them to file-global line numbers once every earlier
// unit has reported its line count.
type LineError struct {
	Kind      ErrKind
	UnitIdx   int   // per-file ordinal of the unit that found the error
	RowInUnit int64 // 1-based physical row within that unit
	BytePos   int64 // global byte offset of the offending line
	ColumnIdx int   // 0-based column implicated; -1 when not applicable
	CSVRow    string
	Message   string
}

// Collector accumulates classified errors for one file. Units report their
// scanned line counts so unit-relative row numbers can be resolved globally
// even when units finish out of dispatch order.
type Collector struct {
	mu            sync.Mutex
	errs          map[int][]LineError // unit ordinal -> errors in record order
	unitLines     map[int]int64       // unit ordinal -> physical rows scanned
	maxLineLength int64
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		errs:      make(map[int][]LineError),
		unitLines: make(map[int]int64),
	}
}

// Record stores one error.
func (c *Collector) Record(e LineError) {
	c.mu.Lock()
	c.errs[e.UnitIdx] = append(c.errs[e.UnitIdx], e)
	c.mu.Unlock()
}

// ReportLines registers the number of physical rows unit scanned. Called once
// per unit when it finishes.
func (c *Collector) ReportLines(unit int, rows int64) {
	c.mu.Lock()
	c.unitLines[unit] = rows
	c.mu.Unlock()
}

// UpdateMaxLineLength raises the maximum observed line length.
func (c *Collector) UpdateMaxLineLength(n int64) {
	c.mu.Lock()
	if n > c.maxLineLength {
		c.maxLineLength = n
	}
	c.mu.Unlock()
}

// MaxLineLength returns the longest line seen so far.
func (c *Collector) MaxLineLength() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxLineLength
}

// Errors returns all recorded errors ordered by (unit, row).
func (c *Collector) Errors() []LineError {
	c.mu.Lock()
	defer c.mu.Unlock()
	units := make([]int, 0, len(c.errs))
	for u := range c.errs {
		units = append(units, u)
	}
	sort.Ints(units)
	var out []LineError
	for _, u := range units {
		out = append(out, c.errs[u]...)
	}
	return out
}

// Line resolves e to its 1-based file-global line number: the rows of every
// earlier unit plus the row within e's own unit.
func (c *Collector) Line(e LineError) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var before int64
	for u, n := range c.unitLines {
		if u < e.UnitIdx {
			before += n
		}
	}
	return before + e.RowInUnit
}

// Count returns the total number of recorded errors.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, es := range c.errs {
		n += len(es)
	}
	return n
}
