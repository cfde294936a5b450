package buffer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pierrec/lz4/v4"
)

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// TestGetBuffer_LineAlignedAndContiguous reads a file through small blocks
// and checks that every buffer ends on a line break, offsets are contiguous,
// and the concatenation reproduces the file.
func TestGetBuffer_LineAlignedAndContiguous(t *testing.T) {
	t.Parallel()

	var content strings.Builder
	for i := 0; i < 200; i++ {
		fmt.Fprintf(&content, "row-%d,value-%d\n", i, i*3)
	}
	p := writeTemp(t, "f.csv", []byte(content.String()))

	s, err := Open(p, 64, '"', 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var rebuilt bytes.Buffer
	var wantOffset int64
	count := 0
	for idx := 0; ; idx++ {
		b, err := s.GetBuffer(idx)
		if errors.Is(err, ErrNoMoreBuffers) {
			break
		}
		if err != nil {
			t.Fatalf("GetBuffer(%d): %v", idx, err)
		}
		if b.GlobalOffset != wantOffset {
			t.Fatalf("buffer %d offset = %d, want %d", idx, b.GlobalOffset, wantOffset)
		}
		if b.Data[len(b.Data)-1] != '\n' {
			t.Fatalf("buffer %d does not end on a line break", idx)
		}
		wantOffset += b.ActualSize()
		rebuilt.Write(b.Data)
		b.Unpin()
		count++
	}
	if count < 2 {
		t.Fatalf("expected multiple buffers, got %d", count)
	}
	if rebuilt.String() != content.String() {
		t.Fatalf("reassembled content differs from file")
	}
}

// TestGetBuffer_QuotedNewlineStaysInOneBuffer lands the block size inside a
// quoted field with an embedded newline; the block must extend past the raw
// newline to the end of the logical line.
func TestGetBuffer_QuotedNewlineStaysInOneBuffer(t *testing.T) {
	t.Parallel()

	content := "aa,bb,cc\n\"q1\nq2\",y,z\nd,e,f\n"
	p := writeTemp(t, "f.csv", []byte(content))
	s, err := Open(p, 10, '"', 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b0, err := s.GetBuffer(0)
	if err != nil {
		t.Fatalf("GetBuffer(0): %v", err)
	}
	if got, want := string(b0.Data), "aa,bb,cc\n\"q1\nq2\",y,z\n"; got != want {
		t.Fatalf("buffer 0 = %q, want %q", got, want)
	}
	b0.Unpin()

	b1, err := s.GetBuffer(1)
	if err != nil {
		t.Fatalf("GetBuffer(1): %v", err)
	}
	if got, want := string(b1.Data), "d,e,f\n"; got != want {
		t.Fatalf("buffer 1 = %q, want %q", got, want)
	}
	b1.Unpin()

	if _, err := s.GetBuffer(2); !errors.Is(err, ErrNoMoreBuffers) {
		t.Fatalf("GetBuffer(2) = %v, want ErrNoMoreBuffers", err)
	}
}

// TestGetBuffer_EmptyFile yields exactly one empty buffer for index 0.
func TestGetBuffer_EmptyFile(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "empty.csv", nil)
	s, err := Open(p, 64, '"', 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b, err := s.GetBuffer(0)
	if err != nil {
		t.Fatalf("GetBuffer(0): %v", err)
	}
	if b.ActualSize() != 0 {
		t.Fatalf("empty file buffer has %d bytes", b.ActualSize())
	}
	if _, err := s.GetBuffer(1); !errors.Is(err, ErrNoMoreBuffers) {
		t.Fatalf("GetBuffer(1) = %v, want ErrNoMoreBuffers", err)
	}
	b.Unpin()
}

// TestPinUnpin_RecyclesOnLastRelease checks reference counting: extra pins
// keep the buffer alive, the final unpin recycles it, and over-release
// panics.
func TestPinUnpin_RecyclesOnLastRelease(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "f.csv", []byte("a\nb\n"))
	s, err := Open(p, 64, '"', 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b, err := s.GetBuffer(0)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	b.Pin()
	if got := b.pins(); got != 2 {
		t.Fatalf("pins = %d, want 2", got)
	}
	b.Unpin()
	if got := b.pins(); got != 1 {
		t.Fatalf("pins = %d, want 1", got)
	}
	b.Unpin()
	if b.Data != nil {
		t.Fatalf("buffer not recycled after last unpin")
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("Unpin past zero did not panic")
		}
	}()
	b.Unpin()
}

// TestGetBuffer_AliveIndexShared returns the same buffer while a holder still
// pins it.
func TestGetBuffer_AliveIndexShared(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "f.csv", []byte("a\nb\nc\n"))
	s, err := Open(p, 64, '"', 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	b1, err := s.GetBuffer(0)
	if err != nil {
		t.Fatalf("GetBuffer: %v", err)
	}
	b2, err := s.GetBuffer(0)
	if err != nil {
		t.Fatalf("GetBuffer again: %v", err)
	}
	if b1 != b2 {
		t.Fatalf("expected the same alive buffer")
	}
	if got := b1.pins(); got != 2 {
		t.Fatalf("pins = %d, want 2", got)
	}
	b1.Unpin()
	b2.Unpin()
}

// TestOpen_LZ4TransparentDecompression reads an .lz4 file through the same
// buffer interface; the size is unknown and content matches the original.
func TestOpen_LZ4TransparentDecompression(t *testing.T) {
	t.Parallel()

	var plain strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&plain, "compressed-row-%d\n", i)
	}

	p := filepath.Join(t.TempDir(), "f.csv.lz4")
	f, err := os.Create(p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w := lz4.NewWriter(f)
	if _, err := w.Write([]byte(plain.String())); err != nil {
		t.Fatalf("lz4 write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("lz4 close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err := Open(p, 128, '"', 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if s.FileSize() != 0 {
		t.Fatalf("compressed size should be unknown, got %d", s.FileSize())
	}

	var rebuilt bytes.Buffer
	for idx := 0; ; idx++ {
		b, err := s.GetBuffer(idx)
		if errors.Is(err, ErrNoMoreBuffers) {
			break
		}
		if err != nil {
			t.Fatalf("GetBuffer(%d): %v", idx, err)
		}
		rebuilt.Write(b.Data)
		b.Unpin()
	}
	if rebuilt.String() != plain.String() {
		t.Fatalf("decompressed content differs")
	}
}

// TestSample reads leading bytes without moving any scan state.
func TestSample(t *testing.T) {
	t.Parallel()

	p := writeTemp(t, "f.csv", []byte("head\ntail\n"))
	got, err := Sample(p, 4)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if string(got) != "head" {
		t.Fatalf("sample = %q, want %q", got, "head")
	}

	full, err := Sample(p, 1024)
	if err != nil {
		t.Fatalf("Sample full: %v", err)
	}
	if string(full) != "head\ntail\n" {
		t.Fatalf("full sample = %q", full)
	}
}
