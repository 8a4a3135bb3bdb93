// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package cache is the read-through cache in front of the metadata
// store. TTLs are only the safety net; services invalidate eagerly on
// every mutation. Keys belonging to a bucket are tracked so one call
// evicts everything the bucket ever cached. Absence is never cached.
package cache

import (
	"sync"
	"time"

	"github.com/bluele/gcache"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// DefaultSize is the entry limit used when the config leaves it unset.
const DefaultSize = 4096

const (
	bucketTTL = 10 * time.Minute
	fileTTL   = 5 * time.Minute
	shortTTL  = 10 * time.Minute
	tokenTTL  = 2 * time.Minute
	statsTTL  = 5 * time.Minute

	statsKey = "stats"
)

// ShortEntry is the cached resolution of a short code. The bucket
// expiry rides along so redirects can re-check it without loading the
// bucket row.
type ShortEntry struct {
	URL             *metadata.ShortURL
	BucketExpiresAt *time.Time
}

// Cache wraps an LFU cache with typed accessors. Cached values are
// shared across requests and must be treated as read-only.
type Cache struct {
	c gcache.Cache

	mu       sync.Mutex
	byBucket map[string]map[string]struct{}
}

// New builds a cache holding at most size entries.
func New(size int) *Cache {
	if size <= 0 {
		size = DefaultSize
	}
	return &Cache{
		c:        gcache.New(size).LFU().Build(),
		byBucket: make(map[string]map[string]struct{}),
	}
}

func bucketKey(id string) string           { return "bucket:" + id }
func fileKey(bucketID, path string) string { return "file:" + bucketID + ":" + path }
func shortKey(code string) string          { return "short:" + code }
func uploadTokenKey(token string) string   { return "uploadtoken:" + token }

// set stores the value and, when bucketID is non-empty, tracks the key
// for bucket-wide invalidation.
func (c *Cache) set(key string, v interface{}, ttl time.Duration, bucketID string) {
	_ = c.c.SetWithExpire(key, v, ttl)
	if bucketID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys, ok := c.byBucket[bucketID]
	if !ok {
		keys = make(map[string]struct{})
		c.byBucket[bucketID] = keys
	}
	keys[key] = struct{}{}
}

func (c *Cache) get(key string) (interface{}, bool) {
	v, err := c.c.Get(key)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (c *Cache) remove(key string) {
	c.c.Remove(key)
}

// GetBucket returns a cached bucket detail.
func (c *Cache) GetBucket(id string) (*metadata.BucketDetail, bool) {
	v, ok := c.get(bucketKey(id))
	if !ok {
		return nil, false
	}
	return v.(*metadata.BucketDetail), true
}

// SetBucket caches a bucket detail.
func (c *Cache) SetBucket(d *metadata.BucketDetail) {
	c.set(bucketKey(d.ID), d, bucketTTL, d.ID)
}

// GetFile returns a cached file row.
func (c *Cache) GetFile(bucketID, path string) (*metadata.File, bool) {
	v, ok := c.get(fileKey(bucketID, path))
	if !ok {
		return nil, false
	}
	return v.(*metadata.File), true
}

// SetFile caches a file row.
func (c *Cache) SetFile(f *metadata.File) {
	c.set(fileKey(f.BucketID, f.Path), f, fileTTL, f.BucketID)
}

// GetShort returns a cached short code resolution.
func (c *Cache) GetShort(code string) (*ShortEntry, bool) {
	v, ok := c.get(shortKey(code))
	if !ok {
		return nil, false
	}
	return v.(*ShortEntry), true
}

// SetShort caches a short code resolution.
func (c *Cache) SetShort(e *ShortEntry) {
	c.set(shortKey(e.URL.Code), e, shortTTL, e.URL.BucketID)
}

// GetUploadToken returns a cached token row.
func (c *Cache) GetUploadToken(token string) (*metadata.UploadToken, bool) {
	v, ok := c.get(uploadTokenKey(token))
	if !ok {
		return nil, false
	}
	return v.(*metadata.UploadToken), true
}

// SetUploadToken caches a token row.
func (c *Cache) SetUploadToken(t *metadata.UploadToken) {
	c.set(uploadTokenKey(t.Token), t, tokenTTL, t.BucketID)
}

// GetStats returns the cached instance totals.
func (c *Cache) GetStats() (*metadata.Stats, bool) {
	v, ok := c.get(statsKey)
	if !ok {
		return nil, false
	}
	return v.(*metadata.Stats), true
}

// SetStats caches the instance totals.
func (c *Cache) SetStats(st *metadata.Stats) {
	c.set(statsKey, st, statsTTL, "")
}

// InvalidateBucket evicts the bucket row and every key cached under the
// bucket: files, short codes and upload tokens.
func (c *Cache) InvalidateBucket(id string) {
	c.mu.Lock()
	keys := c.byBucket[id]
	delete(c.byBucket, id)
	c.mu.Unlock()

	for k := range keys {
		c.remove(k)
	}
	c.remove(bucketKey(id))
}

// InvalidateFile evicts one file row.
func (c *Cache) InvalidateFile(bucketID, path string) {
	c.untrack(bucketID, fileKey(bucketID, path))
	c.remove(fileKey(bucketID, path))
}

// InvalidateShort evicts one short code.
func (c *Cache) InvalidateShort(bucketID, code string) {
	c.untrack(bucketID, shortKey(code))
	c.remove(shortKey(code))
}

// InvalidateUploadToken evicts one token.
func (c *Cache) InvalidateUploadToken(bucketID, token string) {
	c.untrack(bucketID, uploadTokenKey(token))
	c.remove(uploadTokenKey(token))
}

// InvalidateStats evicts the instance totals.
func (c *Cache) InvalidateStats() {
	c.remove(statsKey)
}

func (c *Cache) untrack(bucketID, key string) {
	if bucketID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if keys, ok := c.byBucket[bucketID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(c.byBucket, bucketID)
		}
	}
}
