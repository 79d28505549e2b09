package schemacache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"singerwh/internal/schema"
	"singerwh/internal/storage"
)

type fakeDescriber struct {
	mu      sync.Mutex
	tables  map[storage.TableRef]*storage.Table
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
}

func newFake() *fakeDescriber {
	return &fakeDescriber{tables: map[storage.TableRef]*storage.Table{}}
}

func (f *fakeDescriber) set(ref storage.TableRef, cols ...storage.Column) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[ref] = &storage.Table{Ref: ref, Exists: true, Columns: cols}
}

func (f *fakeDescriber) Describe(ctx context.Context, ref storage.TableRef) (*storage.Table, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tables[ref]; ok {
		return t.Clone(), nil
	}
	return &storage.Table{Ref: ref}, nil
}

func (f *fakeDescriber) DescribeSchema(ctx context.Context, schemaName string) ([]*storage.Table, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.Table
	for ref, t := range f.tables {
		if ref.Schema == schemaName {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

var ref = storage.TableRef{Schema: "public", Name: "orders"}

func TestGet_LazyFillAndInvalidate(t *testing.T) {
	ctx := context.Background()
	src := newFake()
	c := New(src)

	tbl, err := c.Get(ctx, ref)
	require.NoError(t, err)
	require.False(t, tbl.Exists)

	// Created behind the cache's back: stale until invalidated.
	src.set(ref, storage.Column{Name: "id", Type: schema.Integer})
	tbl, err = c.Get(ctx, ref)
	require.NoError(t, err)
	require.False(t, tbl.Exists)
	require.EqualValues(t, 1, src.calls.Load())

	c.Invalidate(ref)
	tbl, err = c.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, tbl.Exists)
	require.Len(t, tbl.Columns, 1)
	require.EqualValues(t, 2, src.calls.Load())
}

func TestGet_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	src := newFake()
	src.set(ref, storage.Column{Name: "id", Type: schema.Integer})
	c := New(src)

	a, err := c.Get(ctx, ref)
	require.NoError(t, err)
	a.Columns[0].Name = "mutated"

	b, err := c.Get(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, "id", b.Columns[0].Name)
}

func TestGet_ConcurrentMissesShareOneDescribe(t *testing.T) {
	src := newFake()
	src.release = make(chan struct{})
	src.entered = make(chan struct{}, 16)
	c := New(src)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), ref); err != nil {
				t.Error(err)
			}
		}()
	}
	<-src.entered
	close(src.release)
	wg.Wait()

	require.LessOrEqual(t, src.calls.Load(), int32(8))
	require.Equal(t, 1, c.Len())
}

func TestGet_InvalidateDuringFillIsNotStored(t *testing.T) {
	src := newFake()
	src.release = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	c := New(src)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.Get(context.Background(), ref)
	}()
	<-src.entered
	c.Invalidate(ref)
	close(src.release)
	<-done

	require.Equal(t, 0, c.Len())
}

func TestPreload(t *testing.T) {
	ctx := context.Background()
	src := newFake()
	src.set(ref, storage.Column{Name: "id", Type: schema.Integer})
	src.set(storage.TableRef{Schema: "public", Name: "users"}, storage.Column{Name: "id", Type: schema.Integer})
	src.set(storage.TableRef{Schema: "other", Name: "x"}, storage.Column{Name: "id", Type: schema.Integer})
	c := New(src)

	n, err := c.Preload(ctx, "public")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	tbl, err := c.Get(ctx, ref)
	require.NoError(t, err)
	require.True(t, tbl.Exists)
	require.EqualValues(t, 0, src.calls.Load(), "preloaded tables must not be described again")
}
