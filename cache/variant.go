// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"container/list"
	"sync"
	"time"
)

// Variant is an encoded transformation result.
type Variant struct {
	Key         string
	Data        []byte
	ContentType string
}

// Size returns the number of bytes the variant occupies in the cache
// budget.
func (v *Variant) Size() int64 { return int64(len(v.Data)) }

// Result describes how GetOrCompute satisfied a call.
type Result int

const (
	// ResultHit means the variant was already cached.
	ResultHit Result = iota

	// ResultMiss means this call ran the computation.
	ResultMiss

	// ResultShared means the call attached to a computation started by
	// a concurrent caller.
	ResultShared

	// ResultSpill means the variant was restored from the spill tier.
	ResultSpill
)

// entry is a cached variant plus its bookkeeping.  refs counts in-flight
// responses currently streaming from the variant; an entry is never
// evicted while refs is positive — it is tombstoned instead: removed
// from the index (and the byte budget) immediately, retained by its
// readers until the last Release.
type entry struct {
	v    *Variant
	elem *list.Element
	refs int
}

// pending is a computation in flight for a key.  done is a one-shot
// broadcast: closed exactly once, after v and err are set.  All waiters
// observe the same result or the same error.
type pending struct {
	done chan struct{}
	v    *Variant
	err  error
}

// VariantCache is a byte-budgeted, single-flight cache of transformed
// image variants.  It guarantees at most one concurrent computation per
// key, never caches failures, and never exceeds its byte capacity once
// an insert settles.  The zero value is not usable; use New.
//
// A VariantCache is an explicitly owned value, not a package singleton,
// so tests can run independent instances.
type VariantCache struct {
	capacity int64
	spill    Cache // optional write-through byte store

	mu        sync.Mutex
	size      int64
	entries   map[string]*entry
	lru       *list.List // of *entry; front is most recent
	pending   map[string]*pending
	overSince time.Time // earliest moment size exceeded capacity, zero when within budget
}

// New creates a VariantCache holding at most capacity bytes of encoded
// variants.  spill, if non-nil, receives successful results and is
// consulted on index misses; use NopCache or nil for none.
func New(capacity int64, spill Cache) *VariantCache {
	if spill == nil {
		spill = NopCache
	}
	return &VariantCache{
		capacity: capacity,
		spill:    spill,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		pending:  make(map[string]*pending),
	}
}

// GetOrCompute returns the variant for key, computing it at most once
// across concurrent callers.  The caller must Release the returned
// variant when done with it.  compute runs outside the cache lock, so
// slow transformations never block unrelated lookups.  A failed
// computation is broadcast to every waiter and never cached, so a
// transient failure cannot poison the key.
func (c *VariantCache) GetOrCompute(key string, compute func() (*Variant, error)) (*Variant, Result, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.refs++
		c.lru.MoveToFront(e.elem)
		c.mu.Unlock()
		return e.v, ResultHit, nil
	}
	if p, ok := c.pending[key]; ok {
		// attach to the in-flight computation
		c.mu.Unlock()
		<-p.done
		if p.err != nil {
			return nil, ResultShared, p.err
		}
		c.ref(key, p.v)
		return p.v, ResultShared, nil
	}

	// first miss: register the pending computation atomically with the
	// lookup, then compute outside the lock
	p := &pending{done: make(chan struct{})}
	c.pending[key] = p
	c.mu.Unlock()

	res := ResultMiss
	var err error
	v := c.fromSpill(key)
	if v != nil {
		res = ResultSpill
	} else {
		v, err = compute()
		if err == nil && v.Size() <= c.capacity {
			c.spill.Set(key, encodeSpill(v))
		}
	}

	c.mu.Lock()
	delete(c.pending, key)
	if err == nil {
		c.insertLocked(key, v)
	}
	c.mu.Unlock()

	// publish after the entry is visible so no waiter can observe the
	// key as neither pending nor cached
	p.v, p.err = v, err
	close(p.done)

	return v, res, err
}

// Release drops the caller's reference on v.  Must be called exactly
// once per successful GetOrCompute.  Safe to call with nil.
func (c *VariantCache) Release(v *Variant) {
	if v == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[v.Key]; ok && e.v == v && e.refs > 0 {
		e.refs--
	}
	// tombstoned entries were already removed from the index; the
	// final reference going away lets the variant be collected
}

// Contains reports whether key is currently served from the index.
func (c *VariantCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Stats returns the current byte size, configured capacity, and entry
// count.
func (c *VariantCache) Stats() (size, capacity int64, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size, c.capacity, len(c.entries)
}

// OverBudgetSince returns how long the cache has continuously exceeded
// its capacity, or zero if it is within budget.  Feeds the health
// monitor.
func (c *VariantCache) OverBudgetSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.overSince.IsZero() {
		return 0
	}
	return time.Since(c.overSince)
}

// ref re-acquires a reference to v under key if it is still indexed.
// Used by waiters attaching after a shared computation completes; if
// the entry was already evicted they simply hold an unindexed variant,
// which needs no release bookkeeping.
func (c *VariantCache) ref(key string, v *Variant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && e.v == v {
		e.refs++
		c.lru.MoveToFront(e.elem)
	}
}

// insertLocked adds v to the index and evicts until the budget holds.
// A variant larger than the whole capacity is served but not retained.
// The caller's reference is counted here.  c.mu must be held.
func (c *VariantCache) insertLocked(key string, v *Variant) {
	if v.Size() > c.capacity {
		return
	}
	e := &entry{v: v, refs: 1}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.size += v.Size()
	c.evictLocked()
	c.trackBudgetLocked()
}

// evictLocked removes least-recently-used entries until size fits
// capacity.  In-use entries are tombstoned: dropped from the index and
// budget immediately, freed when their readers release them.
func (c *VariantCache) evictLocked() {
	for c.size > c.capacity {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.entries, e.v.Key)
		c.size -= e.v.Size()
		// if e.refs > 0 this is a tombstone: active readers keep the
		// variant alive until their Release
	}
}

// trackBudgetLocked maintains the over-budget watermark for health
// reporting.  c.mu must be held.
func (c *VariantCache) trackBudgetLocked() {
	if c.size > c.capacity {
		if c.overSince.IsZero() {
			c.overSince = time.Now()
		}
	} else {
		c.overSince = time.Time{}
	}
}

// fromSpill restores a variant from the spill tier, or nil on miss.
func (c *VariantCache) fromSpill(key string) *Variant {
	data, ok := c.spill.Get(key)
	if !ok {
		return nil
	}
	v := decodeSpill(key, data)
	if v == nil {
		// unreadable spill data is treated as a miss
		c.spill.Delete(key)
	}
	return v
}

// spill blobs carry the content type on the first line.

func encodeSpill(v *Variant) []byte {
	b := make([]byte, 0, len(v.ContentType)+1+len(v.Data))
	b = append(b, v.ContentType...)
	b = append(b, '\n')
	return append(b, v.Data...)
}

func decodeSpill(key string, b []byte) *Variant {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return nil
	}
	return &Variant{Key: key, ContentType: string(b[:i]), Data: b[i+1:]}
}
