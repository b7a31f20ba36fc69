package monitoring

import (
	"io"
	"log"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// LogWriters holds the io.Writers for each logging stream.
type LogWriters struct {
	Ops   io.Writer
	Diag  io.Writer
	Trace io.Writer
}

// NewRotatingWriter returns a log file that is rotated once it reaches
// maxMB megabytes, keeping at most backups compressed old files.
func NewRotatingWriter(path string, maxMB, backups int) io.WriteCloser {
	if maxMB <= 0 {
		maxMB = 50
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxMB,
		MaxBackups: backups,
		Compress:   true,
	}
}

// Streams builds the stream writers used by the CLI. Ops and diag go to
// console; trace goes there only when trace is set. A non-nil file
// receives every enabled stream as well.
func Streams(console, file io.Writer, trace bool) LogWriters {
	out := console
	if file != nil {
		out = io.MultiWriter(console, file)
	}
	w := LogWriters{Ops: out, Diag: out}
	if trace {
		w.Trace = out
	}
	return w
}
