package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"csvscan/internal/config"
	"csvscan/internal/metrics"
	"csvscan/internal/metrics/datadog"
	"csvscan/internal/metrics/prompush"

	// register all backends with the storage factory.
	// the spec selects which one to use at runtime.
	_ "csvscan/internal/storage/all"
)

// main is the entry point for the csvscan binary. It loads the scan spec,
// optionally initializes a metrics backend, and executes the scan.
func main() {
	var (
		specPath          string
		metricsBackendFlg string
		pushGatewayURLFlg string
		dogstatsdAddrFlg  string
		progressEvery     time.Duration
		validate          bool
	)

	flag.StringVar(&specPath, "spec", "specs/sample.json", "scan spec JSON path")
	flag.StringVar(&metricsBackendFlg, "metrics-backend", "none", "metrics backend to use (pushgateway, datadog, none)")
	flag.StringVar(&pushGatewayURLFlg, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	flag.StringVar(&dogstatsdAddrFlg, "dogstatsd-addr", "", "DogStatsD address (overrides env DOGSTATSD_ADDR)")
	flag.DurationVar(&progressEvery, "progress", 0, "log scan progress at this interval (0 disables)")
	flag.BoolVar(&validate, "validate", false, "validate the spec and exit")
	verbose := flag.Bool("v", false, "enable verbose logs")

	flag.Parse()

	spec, err := config.Load(specPath)
	if err != nil {
		fatalf("%v", err)
	}
	if validate {
		log.Printf("spec is valid: %v", specPath)
		os.Exit(0)
	}

	// Decide metrics backend: flag → env → default.
	backendName := metricsBackendFlg
	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	switch backendName {
	case "pushgateway":
		gwURL := pushGatewayURLFlg
		if gwURL == "" {
			gwURL = os.Getenv("PUSHGATEWAY_URL")
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(spec.Storage.DB.Table, gwURL)
		if err != nil {
			log.Printf("metrics: failed to init pushgateway backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=%v url=%v", backendName, gwURL)
			metrics.SetBackend(b)
			defer flushMetrics()
		}

	case "datadog":
		addr := dogstatsdAddrFlg
		if addr == "" {
			addr = os.Getenv("DOGSTATSD_ADDR")
		}
		if addr == "" {
			addr = "127.0.0.1:8125"
		}
		b, err := datadog.NewBackend(datadog.Config{Addr: addr, Namespace: "csvscan."})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
		} else {
			log.Printf("metrics: backend=%v addr=%v", backendName, addr)
			metrics.SetBackend(b)
			defer flushMetrics()
		}

	case "", "none":
		if *verbose {
			log.Printf("metrics: disabled (backend=%q)", backendName)
		}

	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", backendName)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	start := time.Now()

	if *verbose {
		log.Printf("scan: files=%d storage=%s table=%s parallel=%t threads=%d",
			len(spec.Files), spec.Storage.Kind, spec.Storage.DB.Table,
			spec.Scan.Parallel, spec.Scan.Threads)
	}

	if err := runScan(ctx, spec, progressEvery); err != nil {
		log.Fatalf("%v", err)
	}

	if *verbose {
		log.Printf("completed in %s", time.Since(start).Truncate(time.Millisecond))
	}
}

func flushMetrics() {
	if err := metrics.Flush(); err != nil {
		log.Printf("metrics: flush error: %v", err)
	}
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
