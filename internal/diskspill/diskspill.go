// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

// Package diskspill provides a disk-backed spill tier for the variant
// cache with per-entry TTL.
package diskspill

import (
	"encoding/binary"
	"time"

	"github.com/gregjones/httpcache/diskcache"
	"github.com/peterbourgon/diskv"
)

// Cache stores variant blobs on disk, expiring them ttl after they were
// written.  The expiry is carried inline as an 8-byte prefix so no
// separate metadata store is needed.  Implements cache.Cache.
type Cache struct {
	disk *diskcache.Cache
	ttl  time.Duration

	now func() time.Time // test hook
}

// New creates a Cache rooted at basePath.  A ttl of zero disables
// expiry.
func New(basePath string, ttl time.Duration) *Cache {
	d := diskv.New(diskv.Options{
		BasePath: basePath,

		// For file "c0ffee", store file as "c0/ff/c0ffee"
		Transform: func(s string) []string { return []string{s[0:2], s[2:4]} },
	})
	return &Cache{disk: diskcache.NewWithDiskv(d), ttl: ttl}
}

// Get retrieves the blob for key if it exists and has not expired.
// Expired entries are deleted on access.
func (c *Cache) Get(key string) ([]byte, bool) {
	raw, ok := c.disk.Get(key)
	if !ok || len(raw) < 8 {
		return nil, false
	}

	expiry := int64(binary.BigEndian.Uint64(raw))
	if expiry != 0 && c.timeNow().UnixNano() > expiry {
		c.disk.Delete(key)
		return nil, false
	}
	return raw[8:], true
}

// Set stores the blob under key with the configured TTL.
func (c *Cache) Set(key string, data []byte) {
	var expiry int64
	if c.ttl > 0 {
		expiry = c.timeNow().Add(c.ttl).UnixNano()
	}

	raw := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(raw, uint64(expiry))
	copy(raw[8:], data)
	c.disk.Set(key, raw)
}

// Delete removes the blob for key.
func (c *Cache) Delete(key string) {
	c.disk.Delete(key)
}

func (c *Cache) timeNow() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}
