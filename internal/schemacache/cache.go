// Package schemacache holds the last observed structure of each target table.
//
// Entries are filled lazily from the warehouse and dropped only by Invalidate,
// which the reconciler calls after DDL it has confirmed. The cache is never
// updated speculatively: a reader may see a stale table, never an invented one.
package schemacache

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"singerwh/internal/storage"
)

// Describer is the part of storage.Warehouse the cache reads through.
type Describer interface {
	Describe(ctx context.Context, ref storage.TableRef) (*storage.Table, error)
	DescribeSchema(ctx context.Context, schemaName string) ([]*storage.Table, error)
}

// Cache is safe for concurrent use. Concurrent misses for the same table share
// one Describe call.
type Cache struct {
	src   Describer
	group singleflight.Group

	mu      sync.RWMutex
	entries map[storage.TableRef]*storage.Table
	// gens counts invalidations per table so a fill racing an Invalidate
	// never stores the pre-DDL structure.
	gens map[storage.TableRef]uint64
}

func New(src Describer) *Cache {
	return &Cache{
		src:     src,
		entries: make(map[storage.TableRef]*storage.Table),
		gens:    make(map[storage.TableRef]uint64),
	}
}

// Get returns a copy of the cached structure of ref, describing it on a miss.
// Missing tables are cached too (Exists=false) until invalidated.
func (c *Cache) Get(ctx context.Context, ref storage.TableRef) (*storage.Table, error) {
	c.mu.RLock()
	t, ok := c.entries[ref]
	gen := c.gens[ref]
	c.mu.RUnlock()
	if ok {
		return t.Clone(), nil
	}

	v, err, _ := c.group.Do(ref.String(), func() (any, error) {
		t, err := c.src.Describe(ctx, ref)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[ref] == gen {
			c.entries[ref] = t
		}
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Table).Clone(), nil
}

// Invalidate drops the entry for ref. The next Get re-reads the warehouse.
func (c *Cache) Invalidate(ref storage.TableRef) {
	c.mu.Lock()
	delete(c.entries, ref)
	c.gens[ref]++
	c.mu.Unlock()
	c.group.Forget(ref.String())
}

// Refresh re-reads ref unconditionally.
func (c *Cache) Refresh(ctx context.Context, ref storage.TableRef) (*storage.Table, error) {
	c.Invalidate(ref)
	return c.Get(ctx, ref)
}

// Preload describes every existing table of schemaName in one round trip.
// Tables it does not return are still described lazily on first Get.
func (c *Cache) Preload(ctx context.Context, schemaName string) (int, error) {
	c.mu.RLock()
	gens := make(map[storage.TableRef]uint64, len(c.gens))
	for k, v := range c.gens {
		gens[k] = v
	}
	c.mu.RUnlock()

	tables, err := c.src.DescribeSchema(ctx, schemaName)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range tables {
		ref := storage.TableRef{Schema: schemaName, Name: t.Ref.Name}
		if c.gens[ref] != gens[ref] {
			continue
		}
		t.Ref = ref
		c.entries[ref] = t
		n++
	}
	return n, nil
}

// Len reports the number of cached tables.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
