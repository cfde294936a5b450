package scanner

import (
	"fmt"
	"sync/atomic"

	"csvscan/internal/buffer"
	"csvscan/internal/dialect"
)

// FileScan is the shared per-file scanning context: the byte source, the
// resolved dialect state machine, the error collector, and the running count
// of bytes consumed for progress reporting. Units of the same file all point
// at the same FileScan.
type FileScan struct {
	Path string
	Idx  int  // ordinal within the scan's file list
	Size int64

	Source *buffer.Source
	SM     *dialect.StateMachine
	Errors *Collector

	bytesRead atomic.Int64
	nextUnit  int // guarded by the coordinator mutex
}

// newFileScan opens path and builds its scanning context. When reuse is
// non-nil and was opened for the same path, its source is adopted instead of
// reopening the file; this lets a dialect-sniffing pre-read hand its source
// to the scan proper.
func newFileScan(path string, idx int, blockSize int, sm *dialect.StateMachine, reuse *buffer.Source) (*FileScan, error) {
	src := reuse
	if src == nil || src.FilePath() != path {
		var err error
		src, err = buffer.Open(path, blockSize, sm.Options.Quote, sm.Options.Escape)
		if err != nil {
			return nil, fmt.Errorf("scanner: file %d: %w", idx, err)
		}
	}
	return &FileScan{
		Path:   path,
		Idx:    idx,
		Size:   src.FileSize(),
		Source: src,
		SM:     sm,
		Errors: NewCollector(),
	}, nil
}

// addBytesRead credits n consumed bytes to the file's progress counter.
func (f *FileScan) addBytesRead(n int64) { f.bytesRead.Add(n) }

// BytesRead returns the bytes consumed from this file so far.
func (f *FileScan) BytesRead() int64 { return f.bytesRead.Load() }

// Close releases the underlying source.
func (f *FileScan) Close() error { return f.Source.Close() }
