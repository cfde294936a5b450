package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"csvscan/internal/buffer"
	"csvscan/internal/schema"
)

// EmitFunc receives one successfully cast row. fileIdx is the ordinal of the
// source file; values has one entry per declared column. Implementations must
// be safe for concurrent calls from multiple units.
type EmitFunc func(fileIdx int, values []any)

// cancelCheckRows is how often a running unit polls for cancellation.
const cancelCheckRows = 4096

// Unit is one dispatched piece of scanning work: either a byte range of one
// buffer (range-parallel mode) or a whole file (single-threaded mode, when
// Boundary.Valid is false). Units run concurrently and independently; all
// shared state lives in the FileScan.
type Unit struct {
	File     *FileScan
	Schema   schema.Schema
	Boundary Boundary
	unitIdx  int

	buf         *buffer.Buffer // pinned; nil in whole-file mode
	maxLineSize int64
	emit        EmitFunc

	rows int64 // physical rows scanned, reported to the collector on finish
}

// Run scans the unit's range or file, emitting good rows and recording row
// errors in the file's collector. It returns an error only for infrastructure
// failures (I/O, cancellation); malformed rows never fail the unit.
func (u *Unit) Run(ctx context.Context) error {
	var err error
	if u.Boundary.Valid {
		err = u.parseSegment(ctx, u.buf.Data, u.Boundary.Begin, u.Boundary.End,
			u.buf.GlobalOffset, u.Boundary.BufferIdx == 0)
	} else {
		err = u.runWholeFile(ctx)
	}
	if err != nil {
		return err
	}
	u.File.Errors.ReportLines(u.unitIdx, u.rows)
	return nil
}

// Close releases the unit's buffer pin. Must be called exactly once after Run.
func (u *Unit) Close() {
	if u.buf != nil {
		u.buf.Unpin()
		u.buf = nil
	}
}

// runWholeFile scans every buffer of the file in order.
func (u *Unit) runWholeFile(ctx context.Context) error {
	for idx := 0; ; idx++ {
		b, err := u.File.Source.GetBuffer(idx)
		if errors.Is(err, buffer.ErrNoMoreBuffers) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scanner: %s: %w", u.File.Path, err)
		}
		err = u.parseSegment(ctx, b.Data, 0, b.ActualSize(), b.GlobalOffset, idx == 0)
		b.Unpin()
		if err != nil {
			return err
		}
	}
}

// parseSegment scans the lines of data whose first byte falls in [begin, end).
// A line starting before end is consumed to its true end even when that lies
// past end; the neighbor unit skips it symmetrically, so every line is parsed
// by exactly one unit. headerCandidate marks segments of the file's first
// buffer, where offset zero holds the header row.
func (u *Unit) parseSegment(ctx context.Context, data []byte, begin, end, globalOff int64, headerCandidate bool) error {
	pos := begin
	if begin > 0 {
		// Not at a known line start: the line covering begin belongs to the
		// unit before us. Skip to the first line starting at or after begin.
		// Quote parity at an arbitrary offset is unknown, so when a quote
		// appears before begin the skip walks line ends from the buffer start
		// (always a line start); otherwise parity at begin-1 is even and one
		// quote-aware scan forward finds the true line end.
		n := int64(len(data))
		if bytes.IndexByte(data[:begin], u.File.SM.Options.Quote) >= 0 {
			pos = 0
			for pos < begin {
				e := u.findLineEnd(data, pos)
				if e >= n {
					return nil
				}
				pos = e + 1
			}
		} else {
			e := u.findLineEnd(data, begin-1)
			if e >= n {
				return nil
			}
			pos = e + 1
		}
	}
	start := pos
	defer func() { u.File.addBytesRead(pos - start) }()

	for pos < end {
		if u.rows%cancelCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		lineStart := pos
		lineEnd := u.findLineEnd(data, pos)
		pos = lineEnd
		if pos < int64(len(data)) && data[pos] == '\n' {
			pos++
		}

		line := data[lineStart:lineEnd]
		if len(line) > 0 && line[len(line)-1] == '\r' {
			line = line[:len(line)-1]
		}
		u.rows++
		u.File.Errors.UpdateMaxLineLength(int64(len(line)))

		if headerCandidate && lineStart == 0 && u.File.SM.Options.HasHeader {
			continue
		}
		u.processRow(line, u.rows, globalOff+lineStart)
	}
	return nil
}

// findLineEnd walks from start to the next record separator, honoring quoted
// sections so embedded newlines stay inside their field. Returns the index of
// the terminating '\n', or len(data) at end of buffer.
func (u *Unit) findLineEnd(data []byte, start int64) int64 {
	o := u.File.SM.Options
	n := int64(len(data))
	inQuote := false
	for i := start; i < n; i++ {
		b := data[i]
		switch {
		case inQuote && o.Escape != 0 && b == o.Escape && i+1 < n:
			i++
		case b == o.Quote:
			if inQuote && o.Escape == 0 && i+1 < n && data[i+1] == o.Quote {
				i++
				continue
			}
			inQuote = !inQuote
		case b == '\n' && !inQuote:
			return i
		}
	}
	return n
}

// processRow classifies and converts one physical row. Every failure mode maps
// to exactly one recorded error kind; good rows are cast and emitted.
func (u *Unit) processRow(line []byte, rowInUnit, globalPos int64) {
	if len(line) == 0 {
		return
	}
	if u.maxLineSize > 0 && int64(len(line)) > u.maxLineSize {
		u.record(KindMaxLineSize, rowInUnit, globalPos, -1, line,
			fmt.Sprintf("Maximum line size of %d bytes exceeded: line has %d bytes", u.maxLineSize, len(line)))
		return
	}
	if !utf8.Valid(line) {
		u.record(KindInvalidEncoding, rowInUnit, globalPos, -1, line,
			"Invalid unicode (byte sequence mismatch) detected")
		return
	}

	fields, unterminated := u.splitFields(line)
	if unterminated {
		u.record(KindUnterminatedQuote, rowInUnit, globalPos, len(fields)-1, line,
			"Value with unterminated quote found")
		return
	}

	cols := u.Schema.Columns
	switch {
	case len(fields) > len(cols):
		u.record(KindTooManyColumns, rowInUnit, globalPos, len(cols)-1, line,
			fmt.Sprintf("Expected number of columns: %d found: %d", len(cols), len(fields)))
		return
	case len(fields) < len(cols):
		u.record(KindTooFewColumns, rowInUnit, globalPos, len(fields)-1, line,
			fmt.Sprintf("Expected number of columns: %d found: %d", len(cols), len(fields)))
		return
	}

	values := make([]any, len(cols))
	for i, raw := range fields {
		v, err := u.Schema.Cast(i, raw)
		if err != nil {
			u.record(KindCast, rowInUnit, globalPos, i, line,
				fmt.Sprintf("Error when converting column %q: %v", cols[i].Name, err))
			return
		}
		values[i] = v
	}
	u.emit(u.File.Idx, values)
}

// splitFields breaks one row into raw field strings per the dialect: quoted
// sections protect delimiters and newlines, escaping is either a dedicated
// escape byte or quote doubling. Reports whether a quote was left open.
func (u *Unit) splitFields(line []byte) ([]string, bool) {
	o := u.File.SM.Options
	collapse := u.File.SM.DelimiterIsSpace()

	var fields []string
	var cur []byte
	inQuote := false
	n := len(line)
	for i := 0; i < n; {
		b := line[i]
		switch {
		case inQuote:
			switch {
			case o.Escape != 0 && b == o.Escape && i+1 < n:
				cur = append(cur, line[i+1])
				i += 2
			case b == o.Quote && o.Escape == 0 && i+1 < n && line[i+1] == o.Quote:
				cur = append(cur, o.Quote)
				i += 2
			case b == o.Quote:
				inQuote = false
				i++
			default:
				cur = append(cur, b)
				i++
			}
		case b == o.Quote && len(cur) == 0:
			inQuote = true
			i++
		case b == o.Delimiter:
			fields = append(fields, string(cur))
			cur = cur[:0]
			i++
			if collapse {
				for i < n && line[i] == o.Delimiter {
					i++
				}
			}
		default:
			cur = append(cur, b)
			i++
		}
	}
	fields = append(fields, string(cur))
	return fields, inQuote
}

// record files one row error with the collector.
func (u *Unit) record(kind ErrKind, rowInUnit, globalPos int64, colIdx int, line []byte, msg string) {
	u.File.Errors.Record(LineError{
		Kind:      kind,
		UnitIdx:   u.unitIdx,
		RowInUnit: rowInUnit,
		BytePos:   globalPos,
		ColumnIdx: colIdx,
		CSVRow:    string(line),
		Message:   msg,
	})
}
