// Package loader moves one flushed batch into its target table: reconcile the
// table structure, materialize the rows, upload the artifact, then load it.
//
// A Load either commits the whole batch or leaves the table unchanged; the
// warehouse backends run the final step in one transaction. Staged files are
// cleaned up whatever the outcome.
package loader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"singerwh/internal/buffer"
	"singerwh/internal/metrics"
	"singerwh/internal/objectstore"
	"singerwh/internal/reconcile"
	"singerwh/internal/retry"
	"singerwh/internal/schema"
	"singerwh/internal/stage"
	"singerwh/internal/storage"
)

// Task is one immutable flush unit. Ownership moves to the worker that loads it.
type Task struct {
	Stream string
	// Generation orders the flushes of one stream, starting at 1.
	Generation uint64
	Table      storage.TableRef
	Batch      buffer.Snapshot
}

// Result reports what one Load changed.
type Result struct {
	Rows     int
	Inserted int64
	Updated  int64
	Deleted  int64
	// Bytes is the artifact size on disk.
	Bytes int64
}

// TransferError reports an artifact that could not be staged in the object
// store. It is retried under the loader's policy before it surfaces.
type TransferError struct {
	Stream string
	Key    string
	Err    error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("stream %s: transfer %s: %v", e.Stream, e.Key, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// LoadError reports a failed warehouse load. Transient errors were retried
// before surfacing.
type LoadError struct {
	Table     storage.TableRef
	Transient bool
	Err       error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Table, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Warehouse is what the loader needs from a backend.
type Warehouse interface {
	Load(ctx context.Context, req storage.LoadRequest) (storage.LoadResult, error)
	NormalizeIdent(name string) string
	IsTransient(err error) bool
}

// Reconciler brings a table in line with a schema version.
type Reconciler interface {
	Reconcile(ctx context.Context, ref storage.TableRef, v *schema.Version) (*storage.Table, error)
}

// Materializer turns rows into a staging artifact.
type Materializer interface {
	Write(ctx context.Context, stream string, cols []storage.Column, rows []buffer.Row) (storage.Artifact, error)
}

// Options configures a Loader.
type Options struct {
	HardDelete bool

	// Store receives artifacts before the warehouse load. Nil loads from the
	// local file.
	Store     objectstore.Store
	KeyPrefix string

	// Archive keeps a copy of every loaded object under ArchivePrefix
	// (default "archive") in ArchiveBucket (default: the staging bucket).
	Archive       bool
	ArchiveBucket string
	ArchivePrefix string

	// Retry governs transfers, transient DDL failures and transient loads.
	Retry retry.Policy
	Log   *zap.Logger
}

// Loader runs Tasks. Safe for concurrent use across streams.
type Loader struct {
	wh   Warehouse
	rec  Reconciler
	mat  Materializer
	opts Options
	log  *zap.Logger
}

// New returns a Loader.
func New(wh Warehouse, rec Reconciler, mat Materializer, opts Options) *Loader {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{wh: wh, rec: rec, mat: mat, opts: opts, log: log}
}

// Load runs t to completion.
//
// Errors:
//   - *reconcile.ApplyError when the table structure could not be changed.
//   - *TransferError when the upload kept failing.
//   - *LoadError when the warehouse load failed.
//   - materializer errors, wrapped.
func (l *Loader) Load(ctx context.Context, t Task) (Result, error) {
	var res Result
	start := time.Now()
	log := l.log.With(zap.String("stream", t.Stream), zap.String("table", t.Table.String()), zap.Uint64("generation", t.Generation))

	v := t.Batch.Version
	if v == nil {
		return res, fmt.Errorf("stream %s: batch has no schema version", t.Stream)
	}
	rows := dedupe(v, t.Batch.Rows)
	res.Rows = len(rows)
	if len(rows) == 0 {
		return res, nil
	}

	var table *storage.Table
	err := l.policy(func(err error) bool {
		var ae *reconcile.ApplyError
		return errors.As(err, &ae) && ae.Transient
	}, log, "reconcile").Do(ctx, func(ctx context.Context) error {
		var err error
		table, err = l.rec.Reconcile(ctx, t.Table, v)
		return err
	})
	if err != nil {
		return res, err
	}

	req, err := l.request(t, table)
	if err != nil {
		return res, err
	}

	a, err := l.mat.Write(ctx, t.Stream, req.Columns, rows)
	if err != nil {
		return res, fmt.Errorf("materialize %s: %w", t.Stream, err)
	}
	defer func() {
		if err := stage.Remove(a); err != nil {
			log.Warn("remove artifact", zap.String("path", a.Path), zap.Error(err))
		}
	}()
	res.Bytes = a.Bytes
	log.Debug("stage=materialize ok", zap.Int("rows", a.Rows), zap.String("bytes", humanize.Bytes(uint64(a.Bytes))))

	var ref objectstore.Ref
	if l.opts.Store != nil {
		key := objectstore.ObjectKey(l.opts.KeyPrefix, a.Path)
		err := l.policy(nil, log, "upload").Do(ctx, func(ctx context.Context) error {
			var err error
			ref, err = l.opts.Store.Upload(ctx, a.Path, key, a.Metadata)
			return err
		})
		if err != nil {
			return res, &TransferError{Stream: t.Stream, Key: key, Err: err}
		}
		a.ObjectKey = ref.Key
		defer l.cleanupObject(ctx, log, ref)
	}

	req.Artifact = a
	var lr storage.LoadResult
	err = l.policy(l.wh.IsTransient, log, "load").Do(ctx, func(ctx context.Context) error {
		var err error
		lr, err = l.wh.Load(ctx, req)
		return err
	})
	if err != nil {
		return res, &LoadError{Table: t.Table, Transient: l.wh.IsTransient(err), Err: err}
	}

	res.Inserted, res.Updated, res.Deleted = lr.Inserted, lr.Updated, lr.Deleted
	metrics.RecordRowsLoaded("insert", lr.Inserted)
	metrics.RecordRowsLoaded("update", lr.Updated)
	metrics.RecordRowsLoaded("delete", lr.Deleted)
	log.Info("stage=load ok",
		zap.Int("rows", res.Rows),
		zap.Int64("inserted", lr.Inserted),
		zap.Int64("updated", lr.Updated),
		zap.Int64("deleted", lr.Deleted),
		zap.String("bytes", humanize.Bytes(uint64(a.Bytes))),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// request maps the version columns onto the reconciled table. Columns load
// with the table's types, which may be wider than declared.
func (l *Loader) request(t Task, table *storage.Table) (storage.LoadRequest, error) {
	v := t.Batch.Version
	req := storage.LoadRequest{
		Table:      t.Table,
		PrimaryKey: v.KeyColumns,
		HardDelete: l.opts.HardDelete,
	}
	for _, c := range v.Columns {
		tc, ok := l.findColumn(table, c.Name)
		if !ok {
			return req, &LoadError{Table: t.Table, Err: fmt.Errorf("column %s missing after reconcile", c.Name)}
		}
		req.Columns = append(req.Columns, storage.Column{Name: c.Name, Type: tc.Type, Native: tc.Native})
		if c.Source == schema.DeletedAtColumn {
			req.DeletedColumn = c.Name
		}
	}
	return req, nil
}

func (l *Loader) findColumn(table *storage.Table, name string) (storage.Column, bool) {
	if c, ok := table.Column(name); ok {
		return c, true
	}
	want := l.wh.NormalizeIdent(name)
	for _, c := range table.Columns {
		if l.wh.NormalizeIdent(c.Name) == want {
			return c, true
		}
	}
	return storage.Column{}, false
}

func (l *Loader) cleanupObject(ctx context.Context, log *zap.Logger, ref objectstore.Ref) {
	ctx = context.WithoutCancel(ctx)
	if l.opts.Archive {
		dst := objectstore.ArchiveRef(ref, l.opts.ArchiveBucket, l.opts.ArchivePrefix)
		if err := l.opts.Store.Copy(ctx, ref, dst); err != nil {
			log.Warn("archive load file", zap.Stringer("object", ref), zap.Error(err))
		} else {
			log.Debug("stage=archive ok", zap.Stringer("object", dst))
		}
	}
	if err := l.opts.Store.Delete(ctx, ref); err != nil {
		log.Warn("delete staged object", zap.Stringer("object", ref), zap.Error(err))
	}
}

func (l *Loader) policy(retryable func(error) bool, log *zap.Logger, step string) retry.Policy {
	p := l.opts.Retry
	p.Retryable = retryable
	p.OnRetry = func(err error, attempt int, wait time.Duration) {
		log.Warn("retrying", zap.String("step", step), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return p
}

// dedupe keeps the last row per primary key, in first-seen order.
func dedupe(v *schema.Version, rows []buffer.Row) []buffer.Row {
	if !v.HasKey() {
		return rows
	}
	idx := make(map[string]int, len(rows))
	out := make([]buffer.Row, 0, len(rows))
	for _, r := range rows {
		if r.Key == "" {
			out = append(out, r)
			continue
		}
		if i, ok := idx[r.Key]; ok {
			if r.Seq >= out[i].Seq {
				out[i] = r
			}
			continue
		}
		idx[r.Key] = len(out)
		out = append(out, r)
	}
	return out
}
