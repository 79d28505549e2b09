package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"singerwh/internal/schema"
	"singerwh/internal/schemacache"
	"singerwh/internal/storage"
)

// Warehouse is what the reconciler needs from a backend.
type Warehouse interface {
	Dialect
	Apply(ctx context.Context, op storage.Op) error
	IsTransient(err error) bool
}

// ApplyError reports a structural change the warehouse rejected. It is fatal
// for the stream unless Transient.
type ApplyError struct {
	Table storage.TableRef
	Op    storage.Op
	// Transient is set when the backend classified the failure as retryable
	// (connection loss, throttling). The op may or may not have taken effect.
	Transient bool
	Err       error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply %s: %v", e.Op, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Reconciler plans and applies DDL for one warehouse. It is the only writer
// of the schema cache.
//
// Concurrency:
//   - Safe for concurrent use across tables. Callers must not reconcile the
//     same table concurrently; the flush scheduler guarantees this since each
//     table belongs to one stream.
type Reconciler struct {
	wh       Warehouse
	cache    *schemacache.Cache
	log      *zap.Logger
	now      func() time.Time
	grantees func(stream string) []string
}

// New returns a Reconciler. A nil logger discards output.
func New(wh Warehouse, cache *schemacache.Cache, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{wh: wh, cache: cache, log: log, now: time.Now}
}

// WithGrantees sets the roles that get read access to a stream's schema when
// its table is created. It returns r.
func (r *Reconciler) WithGrantees(f func(stream string) []string) *Reconciler {
	r.grantees = f
	return r
}

// Reconcile brings ref in line with v and returns the resulting table
// structure.
//
// Errors:
//   - *ApplyError when a DDL statement fails. The cache entry is invalidated
//     first, since a failed statement may have partially applied.
//   - *ApplyError when the table still differs after all ops succeeded.
//   - describe errors from the cache, unwrapped.
func (r *Reconciler) Reconcile(ctx context.Context, ref storage.TableRef, v *schema.Version) (*storage.Table, error) {
	target, err := r.cache.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	ops := Plan(ref, v.Columns, v.KeyColumns, target, r.wh, r.now())
	if len(ops) == 0 {
		return target, nil
	}
	if r.grantees != nil {
		for i := range ops {
			if ops[i].Kind == storage.OpCreateTable {
				ops[i].Grantees = r.grantees(v.Stream)
			}
		}
	}

	start := time.Now()
	for _, op := range ops {
		if err := r.wh.Apply(ctx, op); err != nil {
			r.cache.Invalidate(ref)
			return nil, &ApplyError{Table: ref, Op: op, Transient: r.wh.IsTransient(err), Err: err}
		}
		r.log.Info("stage=ddl", zap.String("stream", v.Stream), zap.Stringer("op", op))
	}
	r.cache.Invalidate(ref)

	target, err = r.cache.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if rest := Plan(ref, v.Columns, v.KeyColumns, target, r.wh, r.now()); len(rest) > 0 {
		return nil, &ApplyError{Table: ref, Op: rest[0], Err: fmt.Errorf("table %s did not converge after %d ops", ref, len(ops))}
	}
	r.log.Debug("stage=reconcile ok", zap.String("table", ref.String()), zap.Int("ops", len(ops)), zap.Duration("duration", time.Since(start)))
	return target, nil
}
