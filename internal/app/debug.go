package app

import (
	"io"
	"log"
	"sync"

	"github.com/banshee-data/worldtrack/internal/db"
	"github.com/banshee-data/worldtrack/internal/health"
	"github.com/banshee-data/worldtrack/internal/monitor"
	"github.com/banshee-data/worldtrack/internal/monitoring"
	"github.com/banshee-data/worldtrack/internal/origin"
	"github.com/banshee-data/worldtrack/internal/pipeline"
	"github.com/banshee-data/worldtrack/internal/telemetry"
)

var (
	mu          sync.RWMutex
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the logging streams of this package and of
// every package it wires together. Pass nil for any writer to disable
// that stream.
func SetLogWriters(w monitoring.LogWriters) {
	mu.Lock()
	opsLogger = newLogger("[app] ", w.Ops)
	diagLogger = newLogger("[app] ", w.Diag)
	traceLogger = newLogger("[app] ", w.Trace)
	mu.Unlock()

	origin.SetLogWriters(w.Ops, w.Diag, w.Trace)
	pipeline.SetLogWriters(w.Ops, w.Diag, w.Trace)
	telemetry.SetLogWriters(w.Ops, w.Diag, w.Trace)
	db.SetLogWriters(w.Ops, w.Diag, w.Trace)
	health.SetLogWriters(w.Ops, w.Diag, w.Trace)
	monitor.SetLogWriters(w.Ops, w.Diag, w.Trace)
}

// newLogger creates a *log.Logger for a given writer, or returns nil if w is nil.
func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func logf(l **log.Logger, format string, args ...interface{}) {
	mu.RLock()
	lg := *l
	mu.RUnlock()
	if lg != nil {
		lg.Printf(format, args...)
	}
}

// opsf logs to the ops stream (actionable warnings, errors).
func opsf(format string, args ...interface{}) { logf(&opsLogger, format, args...) }

// diagf logs to the diag stream (startup, periodic stats).
func diagf(format string, args ...interface{}) { logf(&diagLogger, format, args...) }

// tracef logs to the trace stream.
func tracef(format string, args ...interface{}) { logf(&traceLogger, format, args...) }
