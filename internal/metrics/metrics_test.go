package metrics

import (
	"sync"
	"testing"
	"time"
)

type recBackend struct {
	mu       sync.Mutex
	counters map[string]float64
	hists    []float64
	flushed  int
}

func (r *recBackend) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters == nil {
		r.counters = map[string]float64{}
	}
	r.counters[name+"/"+labels["kind"]+labels["status"]+labels["op"]] += delta
}

func (r *recBackend) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hists = append(r.hists, value)
}

func (r *recBackend) Flush() error { r.flushed++; return nil }

// Tests here mutate the process-wide backend and must not run in parallel.
func TestHelpersReachBackend(t *testing.T) {
	b := &recBackend{}
	SetBackend(b)
	t.Cleanup(func() { SetBackend(nil) })

	RecordMessage("record")
	RecordMessage("record")
	RecordFlush("orders", "ok", 1500*time.Millisecond)
	RecordRowsLoaded("insert", 3)
	RecordRowsLoaded("delete", 0)

	if b.counters[RecordsTotal+"/record"] != 2 {
		t.Fatalf("records=%v", b.counters)
	}
	if b.counters[FlushTotal+"/ok"] != 1 || len(b.hists) != 1 || b.hists[0] != 1.5 {
		t.Fatalf("flush counters=%v hists=%v", b.counters, b.hists)
	}
	if b.counters[RowsLoadedTotal+"/insert"] != 3 {
		t.Fatalf("rows=%v", b.counters)
	}
	if _, ok := b.counters[RowsLoadedTotal+"/delete"]; ok {
		t.Fatalf("zero deltas must not be recorded")
	}
	if err := Flush(); err != nil || b.flushed != 1 {
		t.Fatalf("flush err=%v flushed=%d", err, b.flushed)
	}
}

func TestNopBackend(t *testing.T) {
	SetBackend(nil)
	RecordMessage("record")
	if err := Flush(); err != nil {
		t.Fatalf("nop flush: %v", err)
	}
}
