package scanner

// BytesPerUnit is the default quantum of work a range scan unit covers.
// Thread-count derivation and the boundary cursor both use it.
const BytesPerUnit = 4 << 20

// Boundary is the cursor over the byte ranges of the file currently being
// carved into scan units. The zero value is the invalid sentinel used by
// single-threaded mode, where units cover whole files instead of ranges.
//
// A Boundary only moves forward: Begin is always the End of the previous
// range, and when a buffer is exhausted the cursor moves to the next buffer
// of the same file at offset zero. The coordinator copies the current value
// into each dispatched unit, so units never share cursor state.
type Boundary struct {
	FileIdx   int
	BufferIdx int
	Begin     int64 // inclusive, offset within the buffer
	End       int64 // exclusive
	Valid     bool
}

// newBoundary positions the cursor at the start of file fileIdx, whose first
// buffer holds bufSize bytes. quantum is the unit range size.
func newBoundary(fileIdx int, bufSize, quantum int64) Boundary {
	return Boundary{
		FileIdx: fileIdx,
		End:     minInt64(quantum, bufSize),
		Valid:   true,
	}
}

// advance moves the cursor past the range it currently describes, within a
// buffer of bufSize bytes. It reports false when the buffer is exhausted and
// the cursor must move to the next buffer (or the next file).
func (b *Boundary) advance(bufSize, quantum int64) bool {
	b.Begin = b.End
	if b.Begin >= bufSize {
		return false
	}
	b.End = minInt64(b.Begin+quantum, bufSize)
	return true
}

// nextBuffer repositions the cursor at the start of the next buffer of the
// same file.
func (b *Boundary) nextBuffer(bufSize, quantum int64) {
	b.BufferIdx++
	b.Begin = 0
	b.End = minInt64(quantum, bufSize)
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
