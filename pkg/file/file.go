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

// Package file implements reads, deletes and the metadata
// reconciliations on single files. Content writes live in the upload
// package.
package file

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/blobstore"
	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// Pagination bounds applied to file listings.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Service implements file metadata operations.
type Service struct {
	store   metadata.Store
	blobs   *blobstore.Blobstore
	cache   *cache.Cache
	buckets *bucket.Service
	pub     events.Publisher
	log     zerolog.Logger
}

// New returns a file service. The publisher may be nil, events are then
// dropped.
func New(store metadata.Store, blobs *blobstore.Blobstore, c *cache.Cache, buckets *bucket.Service, pub events.Publisher, log *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Service{store: store, blobs: blobs, cache: c, buckets: buckets, pub: pub, log: l}
}

// Page is one file listing page plus the total before pagination.
type Page struct {
	Files  []*metadata.File `json:"files"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// Normalize lowercases a logical path and strips surrounding slashes
// and whitespace. Paths are case-insensitive throughout.
func Normalize(p string) (string, error) {
	p = strings.ToLower(strings.TrimSpace(p))
	p = strings.Trim(p, "/")
	if p == "" {
		return "", errtypes.BadRequest("file path must not be empty")
	}
	if len(p) > 1024 {
		return "", errtypes.BadRequest("file path exceeds 1024 characters")
	}
	return p, nil
}

// List returns one page of the bucket's files. The bucket must exist
// and be unexpired.
func (s *Service) List(ctx context.Context, bucketID string, opts metadata.ListOptions) (*Page, error) {
	if _, err := s.buckets.Row(ctx, bucketID); err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = DefaultPageSize
	}
	if opts.Limit > MaxPageSize {
		opts.Limit = MaxPageSize
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	files, total, err := s.store.ListFiles(ctx, bucketID, opts)
	if err != nil {
		return nil, err
	}
	return &Page{Files: files, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Get returns one file row, cache first. The bucket must exist and be
// unexpired.
func (s *Service) Get(ctx context.Context, bucketID, path string) (*metadata.File, error) {
	path, err := Normalize(path)
	if err != nil {
		return nil, err
	}
	if _, err := s.buckets.Row(ctx, bucketID); err != nil {
		return nil, err
	}

	if f, ok := s.cache.GetFile(bucketID, path); ok {
		return f, nil
	}
	f, err := s.store.GetFile(ctx, bucketID, path)
	if err != nil {
		return nil, err
	}
	s.cache.SetFile(f)
	return f, nil
}

// Delete removes the file row, its blob and its short url after an
// ownership check, and reconciles the bucket counters.
func (s *Service) Delete(ctx context.Context, bucketID, path string, who *auth.Context) error {
	path, err := Normalize(path)
	if err != nil {
		return err
	}
	b, err := s.buckets.Row(ctx, bucketID)
	if err != nil {
		return err
	}
	if !who.CanManage(b) {
		return errtypes.PermissionDenied("not allowed to manage bucket " + bucketID)
	}

	f, err := s.store.GetFile(ctx, bucketID, path)
	if err != nil {
		return err
	}
	if err := s.store.DeleteFile(ctx, bucketID, path); err != nil {
		return err
	}
	if err := s.store.DeleteShortURLByPath(ctx, bucketID, path); err != nil {
		return err
	}
	if err := s.blobs.Delete(bucketID, path); err != nil {
		return errors.Wrap(err, "file: error deleting blob")
	}
	if err := s.store.ApplyFileDelta(ctx, bucketID, -1, -f.Size); err != nil {
		return err
	}

	s.cache.InvalidateFile(bucketID, path)
	if f.ShortCode != "" {
		s.cache.InvalidateShort(bucketID, f.ShortCode)
	}
	s.cache.InvalidateBucket(bucketID)
	s.cache.InvalidateStats()
	s.emit(events.FileDeleted{BucketID: bucketID, Path: path, Timestamp: time.Now().UTC()})
	s.log.Info().Str("bucket", bucketID).Str("path", path).Msg("file deleted")
	return nil
}

// UpdateSize reconciles the file row and the bucket aggregates after a
// content write changed the blob length, and returns the fresh row.
func (s *Service) UpdateSize(ctx context.Context, bucketID, path string, newSize int64) (*metadata.File, error) {
	f, err := s.store.GetFile(ctx, bucketID, path)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.store.UpdateFileSize(ctx, bucketID, path, newSize, now); err != nil {
		return nil, err
	}
	if delta := newSize - f.Size; delta != 0 {
		if err := s.store.ApplyFileDelta(ctx, bucketID, 0, delta); err != nil {
			return nil, err
		}
	}

	s.cache.InvalidateFile(bucketID, path)
	s.cache.InvalidateBucket(bucketID)
	s.cache.InvalidateStats()

	f.Size = newSize
	f.UpdatedAt = now
	return f, nil
}

// TouchDownloaded stamps the bucket after a served download: last used
// plus the download counter. Failures are logged, never surfaced, the
// download already succeeded.
func (s *Service) TouchDownloaded(ctx context.Context, bucketID string) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if err := s.store.TouchBucket(ctx, bucketID, now); err != nil {
		s.log.Warn().Err(err).Str("bucket", bucketID).Msg("file: error stamping bucket last use")
		return
	}
	if err := s.store.IncBucketDownloads(ctx, bucketID); err != nil {
		s.log.Warn().Err(err).Str("bucket", bucketID).Msg("file: error counting download")
		return
	}
	s.cache.InvalidateBucket(bucketID)
}

func (s *Service) emit(ev interface{}) {
	if s.pub == nil {
		return
	}
	if err := events.Publish(s.pub, ev); err != nil {
		s.log.Warn().Err(err).Msg("file: error publishing event")
	}
}
