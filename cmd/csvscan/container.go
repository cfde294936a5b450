package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"csvscan/internal/buffer"
	"csvscan/internal/config"
	"csvscan/internal/dialect"
	"csvscan/internal/rejects"
	"csvscan/internal/scanner"
	"csvscan/internal/schema"
	"csvscan/internal/storage"
)

// sniffSampleSize bounds the pre-read used for dialect inference.
const sniffSampleSize = 64 * 1024

// runScan assembles the pieces a spec describes and executes the scan:
// dialect resolution against the first file, storage, destination DDL, the
// coordinator and its worker pool.
func runScan(ctx context.Context, spec config.Spec, progressEvery time.Duration) error {
	sample, err := buffer.Sample(spec.Files[0], sniffSampleSize)
	if err != nil {
		return err
	}
	opts := dialect.Sniff(sample, spec.Dialect)
	log.Printf("dialect: %s", opts)

	sch := schema.FromConfig(spec.Schema)

	repo, err := storage.New(ctx, storage.Config{Kind: spec.Storage.Kind, DSN: spec.Storage.DB.DSN})
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.Exec(ctx, destTableDDL(spec.Storage.DB.Table, sch)); err != nil {
		return fmt.Errorf("create destination table: %w", err)
	}

	cfg := scanner.Config{
		Files:              spec.Files,
		Schema:             sch,
		Dialect:            opts,
		Parallel:           spec.Scan.Parallel,
		Threads:            spec.Scan.Threads,
		BufferSize:         spec.Scan.BufferSize,
		MaxLineSize:        int64(spec.Scan.MaxLineSize),
		DebugMaxLineLength: spec.Scan.DebugMaxLineLength,
		StoreRejects:       spec.Rejects.StoreRejects,
		RejectsLimit:       int64(spec.Rejects.RejectsLimit),
	}
	if spec.Rejects.StoreRejects {
		cfg.RejectsTable = rejects.GetOrCreate(spec.Rejects.RejectsTableName, spec.Rejects.ScansTableName)
	}

	r, err := scanner.NewRunner(cfg, repo, spec.Storage.DB.Table, 0, nil)
	if err != nil {
		return err
	}

	if progressEvery > 0 {
		tick := time.NewTicker(progressEvery)
		defer tick.Stop()
		done := make(chan struct{})
		defer close(done)
		go func() {
			for {
				select {
				case <-tick.C:
					log.Printf("progress: %.1f%%", r.Coordinator().GetProgress())
				case <-done:
					return
				}
			}
		}()
	}

	summary, err := r.Run(ctx)
	if err != nil {
		return err
	}
	if d := r.Coordinator().Diagnostics(); d.MaxLineLengthSet {
		log.Printf("debug: max line length=%d", d.MaxLineLength)
	}
	log.Printf("scan: inserted=%d errors=%d rejected=%d in %s",
		summary.RowsInserted, summary.RowErrors, summary.Rejected,
		summary.Elapsed.Truncate(time.Millisecond))
	return nil
}

// destTableDDL renders portable CREATE TABLE IF NOT EXISTS DDL for the
// declared schema.
func destTableDDL(table string, sch schema.Schema) string {
	cols := make([]string, len(sch.Columns))
	for i, c := range sch.Columns {
		cols[i] = fmt.Sprintf("\t%s %s", c.Name, sqlType(c.Type))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n%s\n)", table, strings.Join(cols, ",\n"))
}

// sqlType maps normalized schema types onto SQL types every backend accepts.
func sqlType(t string) string {
	switch t {
	case "int":
		return "BIGINT"
	case "real":
		return "DOUBLE PRECISION"
	case "bool":
		return "BOOLEAN"
	case "date":
		return "TIMESTAMP"
	default:
		return "TEXT"
	}
}
