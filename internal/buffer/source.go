// Package buffer reads file bytes into reference-counted, line-aligned blocks
// for the scanner. Each block is extended past its target size to the next
// record separator outside any quoted section, so no logical CSV line ever
// spans two buffers — not even one whose quoted field embeds a newline —
// and workers can parse a byte range without peeking into a neighbor buffer.
//
// Blocks are recycled through a sync.Pool once their last holder unpins them.
// Files with an ".lz4" suffix are decompressed transparently; their size is
// reported as unknown (0) and progress accounting treats them specially.
package buffer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/pierrec/lz4/v4"
)

// DefaultBlockSize is the target byte size of one scan buffer.
const DefaultBlockSize = 8 << 20

// ErrNoMoreBuffers is returned by GetBuffer past the end of the file.
var ErrNoMoreBuffers = fmt.Errorf("buffer: no more buffers")

// Buffer is one reference-counted block of file bytes. Data is read-only for
// all holders; the block is recycled when the pin count reaches zero.
type Buffer struct {
	Index        int
	GlobalOffset int64 // byte offset of Data[0] within the (decompressed) file
	Data         []byte

	mu   sync.Mutex
	refs int
	src  *Source
}

// ActualSize is the number of valid bytes in the block.
func (b *Buffer) ActualSize() int64 { return int64(len(b.Data)) }

// Pin adds a holder. Every Pin must be paired with exactly one Unpin.
func (b *Buffer) Pin() *Buffer {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
	return b
}

// Unpin drops one holder. The last Unpin returns the block to the source pool;
// using the buffer after that is a bug.
func (b *Buffer) Unpin() {
	b.mu.Lock()
	b.refs--
	last := b.refs == 0
	if b.refs < 0 {
		b.mu.Unlock()
		panic("buffer: Unpin without matching Pin")
	}
	b.mu.Unlock()
	if last {
		b.src.recycle(b)
	}
}

// pins reports the current holder count, for tests.
func (b *Buffer) pins() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

// Source reads one file into successive buffers. Buffers are produced in
// index order; a buffer index can be re-requested only while some holder
// still pins it.
type Source struct {
	path      string
	size      int64 // 0 when unknown (compressed input)
	blockSize int
	quote     byte // 0 disables quote tracking during block extension
	escape    byte

	mu      sync.Mutex
	f       *os.File
	br      *bufio.Reader
	offset  int64 // global offset of the next byte to read
	nextIdx int
	done    bool
	alive   map[int]*Buffer
	pool    sync.Pool
}

// Open opens path for scanning. blockSize <= 0 selects DefaultBlockSize.
// quote and escape are the dialect's quoting bytes, used to keep a quoted
// embedded newline inside one block; quote 0 disables quote tracking.
func Open(path string, blockSize int, quote, escape byte) (*Source, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}
	adviseSequential(f)

	s := &Source{
		path:      path,
		blockSize: blockSize,
		quote:     quote,
		escape:    escape,
		f:         f,
		alive:     make(map[int]*Buffer),
	}
	s.pool.New = func() any { return make([]byte, 0, blockSize+4096) }

	if strings.HasSuffix(path, ".lz4") {
		// Decompressed size is unknown up front; FileSize stays 0.
		s.br = bufio.NewReaderSize(lz4.NewReader(f), blockSize)
	} else {
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("buffer: stat %s: %w", path, err)
		}
		s.size = st.Size()
		s.br = bufio.NewReaderSize(f, 64*1024)
	}
	return s, nil
}

// FilePath returns the path this source was opened with.
func (s *Source) FilePath() string { return s.path }

// FileSize returns the byte size of the file, or 0 when unknown.
func (s *Source) FileSize() int64 { return s.size }

// GetBuffer returns the buffer at idx with one pin held for the caller.
// Requests must be for a still-alive index or the next unread one; reading
// past EOF yields ErrNoMoreBuffers, except that index 0 of an empty file
// returns a single empty buffer so the file still gets one scan unit.
func (s *Source) GetBuffer(idx int) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.alive[idx]; ok {
		return b.Pin(), nil
	}
	for s.nextIdx <= idx {
		b, err := s.readNextLocked()
		if err != nil {
			return nil, err
		}
		if b.Index == idx {
			return b.Pin(), nil
		}
		// Skipped-over buffer nobody asked for; recycle it immediately.
		delete(s.alive, b.Index)
		s.pool.Put(b.Data[:0])
	}
	return nil, ErrNoMoreBuffers
}

// readNextLocked reads the next block and extends it to the following line
// break. Caller holds s.mu. The returned buffer is unpinned; the caller pins
// it on behalf of whoever asked.
func (s *Source) readNextLocked() (*Buffer, error) {
	if s.done {
		return nil, ErrNoMoreBuffers
	}

	data := s.pool.Get().([]byte)[:0]
	chunk := make([]byte, s.blockSize)
	n, rerr := io.ReadFull(s.br, chunk)
	data = append(data, chunk[:n]...)

	switch rerr {
	case nil:
		// Block full: extend until it ends on a newline outside any quoted
		// section, so logical lines stay whole.
		for len(data) > 0 && (data[len(data)-1] != '\n' || openQuote(data, s.quote, s.escape)) {
			rest, err := s.br.ReadBytes('\n')
			data = append(data, rest...)
			if err == io.EOF {
				s.done = true
				break
			}
			if err != nil {
				return nil, fmt.Errorf("buffer: read %s: %w", s.path, err)
			}
		}
	case io.ErrUnexpectedEOF, io.EOF:
		s.done = true
	default:
		return nil, fmt.Errorf("buffer: read %s: %w", s.path, rerr)
	}

	if len(data) == 0 && s.nextIdx > 0 {
		// Nothing left and at least one buffer was produced.
		return nil, ErrNoMoreBuffers
	}

	b := &Buffer{
		Index:        s.nextIdx,
		GlobalOffset: s.offset,
		Data:         data,
		src:          s,
	}
	s.alive[b.Index] = b
	s.offset += int64(len(data))
	s.nextIdx++
	return b, nil
}

// openQuote reports whether data ends inside an unterminated quoted section.
// data must start at a logical line start. The quote and escape conventions
// match what the scanner parses with: a dedicated escape byte when set,
// quote doubling otherwise.
func openQuote(data []byte, quote, escape byte) bool {
	if quote == 0 {
		return false
	}
	inQuote := false
	n := len(data)
	for i := 0; i < n; i++ {
		b := data[i]
		switch {
		case inQuote && escape != 0 && b == escape && i+1 < n:
			i++
		case b == quote:
			if inQuote && escape == 0 && i+1 < n && data[i+1] == quote {
				i++
				continue
			}
			inQuote = !inQuote
		}
	}
	return inQuote
}

// recycle is called by the last Unpin of a buffer.
func (s *Source) recycle(b *Buffer) {
	s.mu.Lock()
	delete(s.alive, b.Index)
	s.mu.Unlock()
	s.pool.Put(b.Data[:0])
	b.Data = nil
}

// Sample returns up to n leading bytes of the file for dialect sniffing,
// reading through a separate handle so scan positions are unaffected.
func Sample(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("buffer: open %s: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".lz4") {
		r = lz4.NewReader(f)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(&io.LimitedReader{R: r, N: int64(n)}); err != nil && err != io.EOF {
		return nil, fmt.Errorf("buffer: sample %s: %w", path, err)
	}
	return buf.Bytes(), nil
}

// Close releases the underlying file handle. Outstanding buffers stay valid;
// only further reads are refused.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
