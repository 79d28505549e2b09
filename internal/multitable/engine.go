// Package multitable drives one target run: it applies protocol messages to
// per-stream buffers in input order, hands full buffers to the flush scheduler
// and forwards STATE messages to the checkpoint emitter.
//
// Ingestion is single-threaded. A decode goroutine feeds it through a channel
// so the batch-age ticker can interleave flush-all requests between messages
// without reordering them.
package multitable

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"singerwh/internal/buffer"
	"singerwh/internal/checkpoint"
	"singerwh/internal/flush"
	"singerwh/internal/loader"
	"singerwh/internal/metrics"
	"singerwh/internal/parser/singer"
	"singerwh/internal/reconcile"
	"singerwh/internal/schema"
	"singerwh/internal/storage"
	"singerwh/internal/transformer"
)

// MissingPrimaryKeyError is returned for a SCHEMA message without key
// properties while primary keys are required. It stops the run before any row
// of the stream is buffered.
type MissingPrimaryKeyError struct {
	Stream string
}

func (e *MissingPrimaryKeyError) Error() string {
	return fmt.Sprintf("stream %s: primary key is required but key_properties is empty", e.Stream)
}

// Stats counts what one run did.
type Stats struct {
	Messages  int
	Records   int
	Rejected  int
	Discarded int
	Flushes   int
	// States counts STATE messages received, Emitted those written out.
	States  int
	Emitted int
}

type streamState struct {
	name      string
	table     storage.TableRef
	version   *schema.Version
	validator *transformer.Validator
	buf       *buffer.Buffer
}

// Engine applies one input to the warehouse.
//
// Concurrency: Run must be called once. Completion callbacks from flush
// workers touch only the failure bookkeeping and the emitter.
type Engine struct {
	ld        flush.Loader
	normalize func(string) string
	emit      *checkpoint.Emitter
	opts      Options
	log       *zap.Logger

	streams map[string]*streamState
	sched   *flush.Scheduler
	seq     uint64
	stats   Stats

	mu       sync.Mutex
	failures map[string]error
	failed   []string
	emitErr  error
}

// NewEngine returns an Engine loading through ld. normalize folds table and
// column names to the backend convention; nil leaves them unchanged.
func NewEngine(ld flush.Loader, normalize func(string) string, emit *checkpoint.Emitter, opts Options, log *zap.Logger) *Engine {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	if opts.TargetSchema == nil {
		opts.TargetSchema = func(string) string { return "" }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		ld:        ld,
		normalize: normalize,
		emit:      emit,
		opts:      opts,
		log:       log,
		streams:   make(map[string]*streamState),
		failures:  make(map[string]error),
	}
}

// Run reads protocol messages from r until EOF, flushes what is left and waits
// for every load to finish.
//
// Errors:
//   - a malformed protocol line, or a RECORD before its stream's SCHEMA.
//   - *MissingPrimaryKeyError.
//   - a failed STATE write.
//   - a joined error naming every stream whose load failed. Healthy streams
//     still load to the end of input.
func (e *Engine) Run(ctx context.Context, r io.Reader) error {
	start := time.Now()
	e.start(ctx)

	msgs := make(chan singer.Message, 256)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(msgs)
		return singer.Stream(gctx, r, msgs, func(line int, err error) {
			e.log.Error("malformed message", zap.Int("line", line), zap.Error(err))
		})
	})
	g.Go(func() error { return e.consume(gctx, msgs) })

	if err := g.Wait(); err != nil {
		e.sched.Abort()
		_ = e.sched.Close()
		return err
	}

	e.flushAll()
	_ = e.sched.Close()

	e.log.Info("stage=ingest ok",
		zap.Int("messages", e.stats.Messages),
		zap.Int("records", e.stats.Records),
		zap.Int("rejected", e.stats.Rejected),
		zap.Int("flushes", e.stats.Flushes),
		zap.Int("states", e.emit.Emitted()),
		zap.Duration("duration", time.Since(start)))
	return e.result()
}

func (e *Engine) start(ctx context.Context) {
	e.sched = flush.New(ctx, e.ld, flush.Options{
		Parallelism:    e.opts.Parallelism,
		MaxParallelism: e.opts.MaxParallelism,
		OnDone:         e.onDone,
		Log:            e.log,
	})
}

func (e *Engine) consume(ctx context.Context, msgs <-chan singer.Message) error {
	var tick <-chan time.Time
	if e.opts.BatchWaitLimit > 0 {
		t := time.NewTicker(e.opts.BatchWaitLimit)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := e.handle(msg); err != nil {
				return err
			}
		case <-tick:
			e.log.Debug("batch wait limit reached")
			e.flushAll()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) handle(msg singer.Message) error {
	e.seq++
	e.stats.Messages++
	if err := e.emitError(); err != nil {
		return err
	}

	switch msg.Type {
	case singer.TypeSchema:
		metrics.RecordMessage("schema")
		return e.onSchema(msg)
	case singer.TypeRecord:
		metrics.RecordMessage("record")
		return e.onRecord(msg, e.seq)
	case singer.TypeState:
		metrics.RecordMessage("state")
		e.stats.States++
		return e.emit.State(e.seq, msg.Value)
	case singer.TypeFlush:
		e.flushAll()
	case singer.TypeActivateVersion:
		e.log.Debug("ignoring ACTIVATE_VERSION", zap.String("stream", msg.Stream))
	}
	return nil
}

func (e *Engine) onSchema(msg singer.Message) error {
	if e.opts.PrimaryKeyRequired && len(msg.KeyProperties) == 0 {
		return &MissingPrimaryKeyError{Stream: msg.Stream}
	}
	v, err := schema.NewVersion(msg.Stream, msg.Schema, msg.KeyProperties, schema.Options{
		MaxLevel:  e.opts.MaxLevel,
		Normalize: e.normalize,
		Metadata:  e.opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("line %d: %w", msg.Line, err)
	}

	st, ok := e.streams[msg.Stream]
	if !ok {
		st = &streamState{
			name: msg.Stream,
			table: storage.TableRef{
				Schema: e.normalize(e.opts.TargetSchema(msg.Stream)),
				Name:   e.normalize(schema.TableName(msg.Stream)),
			},
			buf: buffer.New(msg.Stream, e.opts.Limits),
		}
		e.streams[msg.Stream] = st
	}
	if st.version != nil && st.version.Same(v) {
		return nil
	}
	if st.buf.Len() > 0 {
		e.flush(st)
	}
	st.version = v
	st.validator = nil
	if e.opts.ValidateRecords {
		if st.validator, err = transformer.NewValidator(msg.Stream, msg.Schema); err != nil {
			return err
		}
	}
	e.log.Debug("stage=schema ok", zap.String("stream", msg.Stream), zap.String("table", st.table.String()),
		zap.Int("columns", len(v.Columns)), zap.Uint64("fingerprint", v.Fingerprint))
	return nil
}

func (e *Engine) onRecord(msg singer.Message, seq uint64) error {
	st, ok := e.streams[msg.Stream]
	if !ok || st.version == nil {
		return fmt.Errorf("line %d: record for stream %s before its schema", msg.Line, msg.Stream)
	}
	e.stats.Records++
	if e.streamFailed(msg.Stream) {
		e.stats.Discarded++
		metrics.RecordMessage("discarded")
		return nil
	}

	if err := st.validator.Validate(msg.Record); err != nil {
		verr := &transformer.ValidationError{Stream: msg.Stream, Line: msg.Line, Err: err}
		e.log.Warn("record rejected", zap.String("stream", msg.Stream), zap.Error(verr))
		e.stats.Rejected++
		metrics.RecordMessage("rejected")
		return nil
	}

	row, err := transformer.Transform(st.version, msg.Record, msg.TimeExtracted, transformer.Options{Now: e.opts.Now})
	if err != nil {
		return fmt.Errorf("line %d: stream %s: %w", msg.Line, msg.Stream, err)
	}
	if err := st.buf.Append(buffer.Row{Values: row.Values, Key: row.Key, Seq: seq, Size: msg.Size}, st.version); err != nil {
		return err
	}
	e.emit.Record(msg.Stream, seq)

	if st.buf.ShouldFlush(false) {
		if e.opts.FlushAllStreams {
			e.flushAll()
		} else {
			e.flush(st)
		}
	}
	return nil
}

// flush hands the buffer of st to the scheduler.
func (e *Engine) flush(st *streamState) {
	snap := st.buf.Drain()
	gen := e.emit.Seal(st.name)
	if gen == 0 {
		return
	}
	e.stats.Flushes++
	err := e.sched.Submit(loader.Task{
		Stream:     st.name,
		Generation: uint64(gen),
		Table:      st.table,
		Batch:      snap,
	})
	if err != nil {
		e.fail(st.name, err)
	}
}

// flushAll flushes every non-empty buffer, in stream name order.
func (e *Engine) flushAll() {
	names := make([]string, 0, len(e.streams))
	for name, st := range e.streams {
		if st.buf.ShouldFlush(true) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		e.flush(e.streams[name])
	}
}

func (e *Engine) onDone(c flush.Completion) {
	if c.Err != nil {
		e.fail(c.Task.Stream, c.Err)
		return
	}
	if err := e.emit.Persisted(c.Task.Stream, checkpoint.Generation(c.Task.Generation)); err != nil {
		e.mu.Lock()
		if e.emitErr == nil {
			e.emitErr = err
		}
		e.mu.Unlock()
	}
}

func (e *Engine) fail(stream string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.failures[stream]; ok {
		return
	}
	e.failures[stream] = err
	e.failed = append(e.failed, stream)
}

func (e *Engine) streamFailed(stream string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.failures[stream]
	return ok
}

func (e *Engine) emitError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emitErr
}

// result reports every failed stream and returns their errors joined.
func (e *Engine) result() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.emitErr != nil {
		return e.emitErr
	}
	if len(e.failed) == 0 {
		return nil
	}
	last := string(e.emit.Last())
	errs := make([]error, 0, len(e.failed))
	for _, stream := range e.failed {
		err := e.failures[stream]
		e.log.Error("stream failed",
			zap.String("stream", stream),
			zap.String("operation", operation(err)),
			zap.String("last_state", last),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("stream %s: %s: %w", stream, operation(err), err))
	}
	return fmt.Errorf("%d of %d streams failed: %w", len(e.failed), len(e.streams), errors.Join(errs...))
}

// operation names the step that produced err.
func operation(err error) string {
	var (
		ae *reconcile.ApplyError
		te *loader.TransferError
		le *loader.LoadError
	)
	switch {
	case errors.As(err, &ae):
		return "reconcile"
	case errors.As(err, &te):
		return "transfer"
	case errors.As(err, &le):
		return "load"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "flush"
}

// Stats returns the counters of the run so far. Call after Run returns.
func (e *Engine) Stats() Stats {
	s := e.stats
	s.Emitted = e.emit.Emitted()
	return s
}
