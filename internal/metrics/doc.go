/*
Package metrics records host activity as Prometheus metrics.

# Overview

A Collector owns a private Prometheus registry; nothing is registered with
the default registry. Hosts receive the collector through their options and
call it after each operation. A nil *Collector is valid: every method is a
no-op, so hosts never check for it.

Architecture

	┌─────────────┐
	│  Collector  │  ← passed to every host
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌──────────▼────────┐
	│  Prometheus  │         │  HTTP Endpoints   │
	│   Registry   │         │  /metrics         │
	│              │         │  /health          │
	│ - Counters   │         │  /debug/operations│
	│ - Histograms │         └───────────────────┘
	│ - Gauges     │
	└──────────────┘

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9102,
		Path:      "/metrics",
		Namespace: "vfs",
	}, logger)
	if err != nil {
		return err
	}

	host, err := ftp.New(cfg, ftp.Options{Metrics: collector})

Operations are recorded with their backend tag and the error they returned:

	start := time.Now()
	l, err := host.Resolve(ctx, "/pub")
	collector.RecordOperation("ftp", "resolve", time.Since(start), err)

The directory cache reports lookups through CacheLookupFunc:

	dc := cache.NewDirCache(cache.Config{OnLookup: collector.CacheLookupFunc("ftp")})

# Prometheus Metrics

Counters:
  - vfs_operations_total{backend,operation,status}: status is success, error or cancelled
  - vfs_cache_requests_total{backend,result}: directory cache hit, miss, coalesced, error
  - vfs_transfer_bytes_total{backend,direction}: file payload bytes, read or write
  - vfs_watch_notifications_total{backend}: change notifications delivered
  - vfs_errors_total{backend,kind}: failed operations by error kind

Histograms:
  - vfs_operation_duration_seconds{backend,operation}

Gauges:
  - vfs_active_connections{backend}: pooled connections currently checked out

# HTTP Endpoints

Start serves the registry on Config.Port:

	curl http://localhost:9102/metrics
	curl http://localhost:9102/health
	{"status":"healthy","service":"vfs-metrics"}

/debug/operations prints a table of the per-operation tracking kept next
to the Prometheus metrics.
*/
package metrics
