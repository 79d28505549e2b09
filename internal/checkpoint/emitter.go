// Package checkpoint decides when an upstream STATE token is safe to surface.
//
// Every message carries a global sequence number. A token received at seq S is
// safe once no stream holds an unpersisted row with a sequence number below S:
// replaying the input from that token then never skips a row that was not
// loaded.
package checkpoint

import (
	"fmt"
	"io"
	"math"
	"sync"
)

// Generation identifies one sealed batch of a stream. Zero means none.
type Generation uint64

type generation struct {
	id        Generation
	minSeq    uint64
	sealed    bool
	persisted bool
}

type token struct {
	seq   uint64
	value []byte
}

// Emitter tracks pending rows per stream and writes each newly safe token as
// one line to its writer.
//
// Concurrency: Record, Seal and State are called from the ingestion goroutine;
// Persisted from flush workers. All methods are safe for concurrent use.
type Emitter struct {
	mu      sync.Mutex
	w       io.Writer
	streams map[string]*streamGens
	tokens  []token
	last    []byte
	emitted int
	err     error
}

type streamGens struct {
	next Generation
	gens []*generation
}

// New returns an Emitter writing to w.
func New(w io.Writer) *Emitter {
	return &Emitter{w: w, streams: make(map[string]*streamGens)}
}

func (e *Emitter) stream(name string) *streamGens {
	s, ok := e.streams[name]
	if !ok {
		s = &streamGens{next: 1}
		e.streams[name] = s
	}
	return s
}

// Record notes a row of stream buffered at seq. Sequence numbers must grow.
func (e *Emitter) Record(stream string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stream(stream)
	if n := len(s.gens); n > 0 && !s.gens[n-1].sealed {
		return
	}
	s.gens = append(s.gens, &generation{minSeq: seq})
}

// Seal closes the open batch of stream and returns its generation, or zero
// when no row was recorded since the last Seal.
func (e *Emitter) Seal(stream string) Generation {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stream(stream)
	n := len(s.gens)
	if n == 0 || s.gens[n-1].sealed {
		return 0
	}
	g := s.gens[n-1]
	g.sealed = true
	g.id = s.next
	s.next++
	return g.id
}

// Persisted marks generation gen of stream as loaded and emits any token that
// became safe.
func (e *Emitter) Persisted(stream string, gen Generation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[stream]
	if !ok {
		return fmt.Errorf("checkpoint: unknown stream %s", stream)
	}
	found := false
	for _, g := range s.gens {
		if g.sealed && g.id == gen {
			g.persisted = true
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("checkpoint: stream %s has no pending generation %d", stream, gen)
	}
	// Persisted generations leave from the front only.
	for len(s.gens) > 0 && s.gens[0].persisted {
		s.gens = s.gens[1:]
	}
	return e.advance()
}

// State registers a token received at seq and emits it if already safe.
func (e *Emitter) State(seq uint64, value []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tokens = append(e.tokens, token{seq: seq, value: append([]byte(nil), value...)})
	return e.advance()
}

// lowWatermark is the smallest sequence number of any unpersisted row.
func (e *Emitter) lowWatermark() uint64 {
	low := uint64(math.MaxUint64)
	for _, s := range e.streams {
		if len(s.gens) > 0 && s.gens[0].minSeq < low {
			low = s.gens[0].minSeq
		}
	}
	return low
}

func (e *Emitter) advance() error {
	if e.err != nil {
		return e.err
	}
	low := e.lowWatermark()
	idx := -1
	for i, t := range e.tokens {
		if t.seq >= low {
			break
		}
		idx = i
	}
	if idx < 0 {
		return nil
	}
	t := e.tokens[idx]
	e.tokens = e.tokens[idx+1:]

	line := make([]byte, 0, len(t.value)+1)
	line = append(line, t.value...)
	line = append(line, '\n')
	if _, err := e.w.Write(line); err != nil {
		e.err = fmt.Errorf("checkpoint: write state: %w", err)
		return e.err
	}
	e.last = t.value
	e.emitted++
	return nil
}

// Last is the most recently emitted token, nil before the first.
func (e *Emitter) Last() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Emitted counts tokens written so far.
func (e *Emitter) Emitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitted
}

// Pending counts received tokens not yet safe to emit.
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tokens)
}
