// Copyright 2024 The drinkup-image authors.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the variant result cache for drinkup-image:
// a single-flight, byte-budgeted store of transformed images, plus the
// Cache byte-store interface used for optional spill tiers.
package cache

// Cache is a flat byte store keyed by variant key.  Implementations
// must be safe for concurrent use.  The interface matches
// httpcache.Cache so existing backends (memory LRU, diskcache, redis)
// plug in directly.
type Cache interface {
	// Get retrieves the data for key, if present.
	Get(key string) (data []byte, ok bool)

	// Set stores data under key.
	Set(key string, data []byte)

	// Delete removes the data for key.
	Delete(key string)
}

// NopCache is a no-op Cache implementation that stores nothing.
var NopCache = new(nopCache)

type nopCache struct{}

func (nopCache) Get(string) ([]byte, bool) { return nil, false }
func (nopCache) Set(string, []byte)        {}
func (nopCache) Delete(string)             {}
