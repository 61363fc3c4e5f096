package pipeline

import (
	"io"
	"log"
)

var (
	opsLogger   *log.Logger
	diagLogger  *log.Logger
	traceLogger *log.Logger
)

// SetLogWriters configures the three logging streams for the pipeline package.
// Pass nil for any writer to disable that stream.
//
//   - ops: dropped sweeps, sink failures, internal consistency errors
//   - diag: one line per processed sweep
//   - trace: per-sample propagation reports
func SetLogWriters(ops, diag, trace io.Writer) {
	opsLogger = newLogger("[Worker] ", ops)
	diagLogger = newLogger("[Worker] ", diag)
	traceLogger = newLogger("", trace)
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

func opsf(format string, args ...interface{}) {
	if opsLogger != nil {
		opsLogger.Printf(format, args...)
	}
}

func diagf(format string, args ...interface{}) {
	if diagLogger != nil {
		diagLogger.Printf(format, args...)
	}
}

// traceWriter returns the trace stream's writer, or nil when tracing is off.
func traceWriter() io.Writer {
	if traceLogger == nil {
		return nil
	}
	return traceLogger.Writer()
}
