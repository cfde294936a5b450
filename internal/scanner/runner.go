package scanner

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"csvscan/internal/buffer"
	"csvscan/internal/metrics"
	"csvscan/internal/storage"
)

// DefaultBatchSize is the destination-table flush size.
const DefaultBatchSize = 1000

// Summary is the outcome of one scan run.
type Summary struct {
	Files        int
	Units        int64
	RowsEmitted  int64
	RowsInserted int64
	RowErrors    int64
	Rejected     int64
	Progress     float64 // final GetProgress, 100 on a completed scan
	Elapsed      time.Duration
}

// Runner drives one scan end to end: a pool of workers pulling units from the
// coordinator, feeding cast rows through a channel into the batched loader.
type Runner struct {
	co        *Coordinator
	repo      storage.Repository
	table     string
	columns   []string
	batchSize int
	job       string

	rows    chan []any
	runCtx  context.Context
	emitted atomic.Int64
	units   atomic.Int64
}

// NewRunner wires a coordinator for cfg to repo's destination table. cfg.Emit
// and cfg.Sink are owned by the runner and must be left unset. reuse may hold
// a source already opened for the first file (dialect sniffing).
func NewRunner(cfg Config, repo storage.Repository, table string, batchSize int, reuse *buffer.Source) (*Runner, error) {
	if table == "" {
		return nil, fmt.Errorf("scanner: destination table required")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	r := &Runner{
		repo:      repo,
		table:     table,
		columns:   cfg.Schema.Names(),
		batchSize: batchSize,
		job:       table,
		rows:      make(chan []any, 4*batchSize),
		runCtx:    context.Background(),
	}
	cfg.Sink = repo
	cfg.Emit = func(fileIdx int, values []any) {
		select {
		case r.rows <- values:
			r.emitted.Add(1)
		case <-r.runCtx.Done():
		}
	}

	co, err := NewCoordinator(cfg, reuse)
	if err != nil {
		return nil, err
	}
	r.co = co
	return r, nil
}

// Coordinator exposes the underlying coordinator, e.g. for progress polling.
func (r *Runner) Coordinator() *Coordinator { return r.co }

// Run executes the scan and blocks until all workers retired and the loader
// drained. The returned Summary is valid even when err is non-nil.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	r.runCtx = ctx

	var inserted atomic.Int64
	g.Go(func() error {
		t0 := time.Now()
		n, err := storage.LoadBatches(ctx, r.columns, r.rows, r.batchSize,
			func(ctx context.Context, columns []string, batch [][]any) (int64, error) {
				n, err := r.repo.CopyFrom(ctx, r.table, columns, batch)
				if err == nil {
					metrics.RecordBatches(r.job, 1)
				}
				return n, err
			})
		inserted.Store(n)
		metrics.RecordPhase(r.job, "load", err, time.Since(t0))
		return err
	})

	workers := r.co.MaxThreads()
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			defer wg.Done()
			werr := r.worker(ctx)
			derr := r.co.DecrementThread(ctx)
			if werr != nil {
				return werr
			}
			return derr
		})
	}
	go func() {
		wg.Wait()
		close(r.rows)
	}()

	err := g.Wait()

	var rowErrors int64
	for _, fs := range r.co.Files() {
		rowErrors += int64(fs.Errors.Count())
	}
	s := Summary{
		Files:        len(r.co.Files()),
		Units:        r.units.Load(),
		RowsEmitted:  r.emitted.Load(),
		RowsInserted: inserted.Load(),
		RowErrors:    rowErrors,
		Rejected:     r.co.PersistedRejects(),
		Progress:     r.co.GetProgress(),
		Elapsed:      time.Since(start),
	}
	metrics.RecordPhase(r.job, "scan", err, s.Elapsed)
	metrics.RecordRows(r.job, "emitted", s.RowsEmitted)
	metrics.RecordRows(r.job, "errors", s.RowErrors)
	metrics.RecordRows(r.job, "rejected", s.Rejected)
	metrics.RecordRows(r.job, "inserted", s.RowsInserted)

	log.Printf("runner: done scan_id=%d files=%d units=%d inserted=%s errors=%d rejected=%d progress=%.1f%% elapsed=%s",
		r.co.ScanID(), s.Files, s.Units, humanize.Comma(s.RowsInserted), s.RowErrors, s.Rejected,
		s.Progress, s.Elapsed.Truncate(time.Millisecond))

	if cerr := r.co.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return s, err
}

// worker pulls and runs units until the coordinator is drained.
func (r *Runner) worker(ctx context.Context) error {
	for {
		u, err := r.co.Next(ctx)
		if err != nil {
			return err
		}
		if u == nil {
			return nil
		}
		err = u.Run(ctx)
		u.Close()
		if err != nil {
			return err
		}
		r.units.Add(1)
	}
}
