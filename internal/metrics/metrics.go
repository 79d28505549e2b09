// Package metrics is the process-wide metrics seam. Core packages record
// through the helpers here and never import a concrete backend; cmd wiring
// installs one with SetBackend. The default backend drops everything.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric observations. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer observations.
type Flusher interface {
	Flush() error
}

// Metric names.
const (
	RecordsTotal        = "target_records_total"
	FlushTotal          = "target_flush_total"
	FlushDurationSecond = "target_flush_duration_seconds"
	RowsLoadedTotal     = "target_rows_loaded_total"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b. nil restores the nop backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nop{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered observations when the backend buffers them.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// RecordMessage counts one protocol message of kind (record, schema, state,
// rejected, discarded).
func RecordMessage(kind string) {
	IncCounter(RecordsTotal, 1, Labels{"kind": kind})
}

// RecordFlush records the outcome of one flush of stream.
func RecordFlush(stream, status string, d time.Duration) {
	l := Labels{"stream": stream, "status": status}
	IncCounter(FlushTotal, 1, l)
	ObserveHistogram(FlushDurationSecond, d.Seconds(), l)
}

// RecordRowsLoaded counts rows changed by op (insert, update, delete).
func RecordRowsLoaded(op string, n int64) {
	if n > 0 {
		IncCounter(RowsLoadedTotal, float64(n), Labels{"op": op})
	}
}
