// Package scanner coordinates the parallel scan of one or more CSV files:
// carving files into scan units, tracking progress, collecting row errors,
// and persisting rejects when the last worker retires.
//
// All shared dispatch state (the file list, the boundary cursor, the buffer
// hold, and the running-worker count) is guarded by a single coordinator
// mutex; workers only contend on it during unit handoff, never while parsing.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"csvscan/internal/buffer"
	"csvscan/internal/dialect"
	"csvscan/internal/rejects"
	"csvscan/internal/schema"
	"csvscan/internal/storage"
)

// DefaultMaxLineSize caps single-line length when the spec does not.
const DefaultMaxLineSize = 2 << 20

// Config carries everything a Coordinator needs for one scan statement.
type Config struct {
	Files   []string
	Schema  schema.Schema
	Dialect dialect.Options

	Parallel     bool
	Threads      int   // 0 means runtime.NumCPU()
	BufferSize   int   // 0 means buffer.DefaultBlockSize
	MaxLineSize  int64 // 0 means DefaultMaxLineSize
	BytesPerUnit int64 // 0 means the BytesPerUnit default

	// DebugMaxLineLength captures the first file's maximum observed line
	// length into Diagnostics at finalization.
	DebugMaxLineLength bool

	StoreRejects bool
	RejectsLimit int64
	RejectsTable *rejects.Table
	Sink         storage.Repository // rejects destination; may be nil

	Emit EmitFunc
}

// Diagnostics is debug output captured at scan finalization.
type Diagnostics struct {
	MaxLineLength    int64
	MaxLineLengthSet bool
}

// nextScanID numbers scan statements process-wide.
var nextScanID atomic.Int64

// Coordinator hands out scan units to workers and owns end-of-scan
// finalization. One Coordinator serves one scan statement.
type Coordinator struct {
	cfg     Config
	sm      *dialect.StateMachine
	threads int

	scanID int64
	runID  string

	mu         sync.Mutex
	files      []*FileScan // append-only, in file order
	boundary   Boundary
	token      *bufferUsage
	finished   bool
	running    int
	finalized  bool
	maxThreads int
	diag       Diagnostics
	persisted  int64 // rejects persisted by this scan's finalization

	singleThreaded bool
	nextFile       atomic.Int64 // file cursor for single-threaded mode
}

// NewCoordinator builds the coordinator for cfg, opening the first file
// eagerly. When reuse is a source already opened for the first file (for
// example by dialect sniffing) it is adopted instead of reopening.
//
// Mode selection: single-threaded when parallelism is off, or when there are
// more files than the thread budget can meaningfully split (strictly more
// files than one and more than twice the thread count); range-parallel
// otherwise.
func NewCoordinator(cfg Config, reuse *buffer.Source) (*Coordinator, error) {
	if len(cfg.Files) == 0 {
		return nil, fmt.Errorf("scanner: no input files")
	}
	if cfg.Threads <= 0 {
		cfg.Threads = runtime.NumCPU()
	}
	if cfg.MaxLineSize <= 0 {
		cfg.MaxLineSize = DefaultMaxLineSize
	}
	if cfg.BytesPerUnit <= 0 {
		cfg.BytesPerUnit = BytesPerUnit
	}
	if cfg.Emit == nil {
		cfg.Emit = func(int, []any) {}
	}

	c := &Coordinator{
		cfg:     cfg,
		sm:      dialect.Resolve(cfg.Dialect),
		threads: cfg.Threads,
		scanID:  nextScanID.Add(1),
		runID:   uuid.NewString(),
	}

	first, err := newFileScan(cfg.Files[0], 0, cfg.BufferSize, c.sm, reuse)
	if err != nil {
		return nil, err
	}
	c.files = append(c.files, first)

	manyFiles := len(cfg.Files) > 1 && len(cfg.Files) > 2*cfg.Threads
	c.singleThreaded = manyFiles || !cfg.Parallel

	if c.singleThreaded {
		c.maxThreads = cfg.Threads
	} else {
		c.token, err = newBufferUsage(first.Source, 0)
		if err != nil {
			return nil, fmt.Errorf("scanner: %s: %w", first.Path, err)
		}
		c.boundary = newBoundary(0, c.token.buf.ActualSize(), cfg.BytesPerUnit)

		byRange := int(first.Size/cfg.BytesPerUnit) + 1
		c.maxThreads = cfg.Threads
		if byRange < c.maxThreads {
			c.maxThreads = byRange
		}
	}
	c.running = c.maxThreads
	return c, nil
}

// ScanID returns the process-wide ordinal of this scan statement.
func (c *Coordinator) ScanID() int64 { return c.scanID }

// RunID returns the UUID shared by every file of this statement.
func (c *Coordinator) RunID() string { return c.runID }

// MaxThreads is the number of workers this scan can keep busy: the full
// thread budget in single-threaded mode, otherwise capped by how many
// byte-range units the first file yields.
func (c *Coordinator) MaxThreads() int { return c.maxThreads }

// Next hands out the next scan unit, or nil when the scan is exhausted.
// Safe for concurrent use by all workers.
func (c *Coordinator) Next(ctx context.Context) (*Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.singleThreaded {
		return c.nextWholeFile()
	}
	return c.nextRange()
}

// nextWholeFile dispatches one whole file per unit. The atomic cursor lets
// workers claim files without holding the mutex across file opening of
// earlier claims.
func (c *Coordinator) nextWholeFile() (*Unit, error) {
	cur := int(c.nextFile.Add(1)) - 1
	if cur >= len(c.cfg.Files) {
		return nil, nil
	}

	c.mu.Lock()
	for len(c.files) <= cur {
		if _, err := c.addFileLocked(len(c.files)); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	fs := c.files[cur]
	c.mu.Unlock()

	return &Unit{
		File:        fs,
		Schema:      c.cfg.Schema,
		maxLineSize: c.cfg.MaxLineSize,
		emit:        c.cfg.Emit,
	}, nil
}

// nextRange dispatches one byte-range unit and advances the boundary cursor,
// all under the coordinator mutex.
func (c *Coordinator) nextRange() (*Unit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return nil, nil
	}
	fs := c.files[len(c.files)-1]
	u := &Unit{
		File:        fs,
		Schema:      c.cfg.Schema,
		Boundary:    c.boundary,
		buf:         c.token.clone(),
		unitIdx:     fs.nextUnit,
		maxLineSize: c.cfg.MaxLineSize,
		emit:        c.cfg.Emit,
	}
	fs.nextUnit++

	if err := c.advanceLocked(fs); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

// advanceLocked moves the boundary cursor past the range just handed out:
// within the buffer, to the next buffer, to the next file, or to done.
func (c *Coordinator) advanceLocked(fs *FileScan) error {
	if c.boundary.advance(c.token.buf.ActualSize(), c.cfg.BytesPerUnit) {
		return nil
	}

	nb, err := fs.Source.GetBuffer(c.boundary.BufferIdx + 1)
	if err == nil {
		c.token.release()
		c.token = adoptBufferUsage(c.boundary.BufferIdx+1, nb)
		c.boundary.nextBuffer(nb.ActualSize(), c.cfg.BytesPerUnit)
		return nil
	}
	if !errors.Is(err, buffer.ErrNoMoreBuffers) {
		return fmt.Errorf("scanner: %s: %w", fs.Path, err)
	}

	next := len(c.files)
	if next >= len(c.cfg.Files) {
		c.finished = true
		c.token.release()
		c.token = nil
		return nil
	}
	nfs, err := c.addFileLocked(next)
	if err != nil {
		return err
	}
	nt, err := newBufferUsage(nfs.Source, 0)
	if err != nil {
		return fmt.Errorf("scanner: %s: %w", nfs.Path, err)
	}
	c.token.release()
	c.token = nt
	c.boundary = newBoundary(next, nt.buf.ActualSize(), c.cfg.BytesPerUnit)
	return nil
}

// addFileLocked opens file idx and appends its scan context. Caller holds mu;
// files must be appended strictly in order.
func (c *Coordinator) addFileLocked(idx int) (*FileScan, error) {
	fs, err := newFileScan(c.cfg.Files[idx], idx, c.cfg.BufferSize, c.sm, nil)
	if err != nil {
		return nil, err
	}
	c.files = append(c.files, fs)
	return fs, nil
}

// GetProgress reports overall progress in [0, 100]: completed files plus the
// byte fraction of the file currently being carved. Files of unknown or zero
// size count as fully read.
func (c *Coordinator) GetProgress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	fs := c.files[len(c.files)-1]
	fileProgress := 1.0
	if fs.Size > 0 {
		fileProgress = math.Min(1, float64(fs.BytesRead())/float64(fs.Size))
	}
	total := float64(len(c.cfg.Files))
	return (float64(fs.Idx) + fileProgress) / total * 100
}

// DecrementThread retires one worker. The last worker to retire runs
// finalization exactly once: buffer holds released, debug diagnostics
// captured, rejects persisted.
func (c *Coordinator) DecrementThread(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running <= 0 {
		return fmt.Errorf("scanner: DecrementThread called with no running workers")
	}
	c.running--
	if c.running > 0 {
		return nil
	}
	return c.finalizeLocked(ctx)
}

// finalizeLocked runs end-of-scan work. Caller holds mu.
func (c *Coordinator) finalizeLocked(ctx context.Context) error {
	if c.finalized {
		return nil
	}
	c.finalized = true

	if c.token != nil {
		c.token.release()
		c.token = nil
	}
	if c.cfg.DebugMaxLineLength {
		c.diag.MaxLineLength = c.files[0].Errors.MaxLineLength()
		c.diag.MaxLineLengthSet = true
	}
	if c.cfg.StoreRejects && c.cfg.RejectsTable != nil && c.cfg.Sink != nil {
		return c.fillRejectsLocked(ctx)
	}
	return nil
}

// fillRejectsLocked converts collected eligible errors into reject rows and
// flushes them, together with one scans-table row per file that produced
// rejects. Caller holds mu.
func (c *Coordinator) fillRejectsLocked(ctx context.Context) error {
	names := c.cfg.Schema.Names()
	var rows []rejects.Row
	var scans []rejects.ScanRow

	for _, fs := range c.files {
		eligible := 0
		for _, e := range fs.Errors.Errors() {
			if !e.Kind.Eligible() {
				continue
			}
			eligible++
			rows = append(rows, rejects.Row{
				ScanID:       c.scanID,
				FileID:       int64(fs.Idx),
				Line:         fs.Errors.Line(e),
				BytePosition: e.BytePos,
				ColumnIndex:  int64(e.ColumnIdx + 1),
				ColumnName:   rejectColumnName(e, names),
				ErrorType:    e.Kind.Label(),
				CSVLine:      e.CSVRow,
				Message:      e.Message,
			})
		}
		if eligible > 0 {
			scans = append(scans, rejects.ScanRow{
				ScanID:   c.scanID,
				RunID:    c.runID,
				FileID:   int64(fs.Idx),
				FilePath: fs.Path,
				FileSize: fs.Size,
				Dialect:  c.sm.Options.String(),
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	t := c.cfg.RejectsTable
	if err := t.EnsureTables(ctx, c.cfg.Sink); err != nil {
		return err
	}
	n, err := t.Flush(ctx, c.cfg.Sink, c.cfg.RejectsLimit, scans, rows)
	if err != nil {
		return err
	}
	c.persisted = n
	log.Printf("scanner: persisted rejects scan_id=%d run_id=%s rows=%d table=%s", c.scanID, c.runID, n, t.Name)
	return nil
}

// PersistedRejects returns how many reject rows this scan's finalization
// wrote, which may be fewer than the errors collected when a limit applies.
func (c *Coordinator) PersistedRejects() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.persisted
}

// rejectColumnName resolves the nullable column name persisted with a reject.
// A row with surplus fields names no column; a row with missing fields names
// the first absent one; everything else names the implicated column.
func rejectColumnName(e LineError, names []string) *string {
	switch e.Kind {
	case KindTooManyColumns:
		return nil
	case KindTooFewColumns:
		if e.ColumnIdx+1 < len(names) {
			return &names[e.ColumnIdx+1]
		}
		return nil
	default:
		if e.ColumnIdx >= 0 && e.ColumnIdx < len(names) {
			return &names[e.ColumnIdx]
		}
		return nil
	}
}

// Diagnostics returns debug output captured at finalization.
func (c *Coordinator) Diagnostics() Diagnostics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.diag
}

// Files returns the per-file scan contexts constructed so far.
func (c *Coordinator) Files() []*FileScan {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FileScan, len(c.files))
	copy(out, c.files)
	return out
}

// Close releases every opened file source. Call after all workers retired.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, fs := range c.files {
		if err := fs.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
