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

// Package bucket implements the bucket lifecycle. A delete cascades over
// everything the bucket owns, rows, blobs and cache entries, so the
// store never needs foreign keys.
package bucket

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/blobstore"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/expiry"
	"github.com/carbonfiles/carbonfiles/pkg/ident"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// AdminOwner is the owner name for buckets created without an API key.
const AdminOwner = "admin"

const (
	// detailFiles is the number of files embedded in a bucket detail.
	detailFiles = 100
	// createRetries bounds the id generation loop.
	createRetries = 5
)

// Pagination bounds applied to bucket listings.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Service implements bucket lifecycle operations.
type Service struct {
	store metadata.Store
	blobs *blobstore.Blobstore
	cache *cache.Cache
	pub   events.Publisher
	log   zerolog.Logger
}

// New returns a bucket service. The publisher may be nil, events are
// then dropped.
func New(store metadata.Store, blobs *blobstore.Blobstore, c *cache.Cache, pub events.Publisher, log *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Service{store: store, blobs: blobs, cache: c, pub: pub, log: l}
}

// CreateRequest carries the user supplied bucket fields.
type CreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ExpiresIn   string `json:"expires_in,omitempty"`
}

// Page is one listing page plus the total before pagination.
type Page struct {
	Buckets []*metadata.Bucket `json:"buckets"`
	Total   int                `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
}

// UpdateRequest carries the patchable bucket fields. Absent fields stay
// untouched.
type UpdateRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	ExpiresIn   *string `json:"expires_in"`
}

// Create provisions a bucket owned by the calling identity. Anonymous
// callers are refused.
func (s *Service) Create(ctx context.Context, req CreateRequest, who *auth.Context) (*metadata.Bucket, error) {
	if who.Role == auth.RolePublic {
		return nil, errtypes.PermissionDenied("bucket creation requires a credential")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errtypes.BadRequest("bucket name must not be empty")
	}
	expiresAt, err := expiry.Parse(req.ExpiresIn, expiry.DefaultBucket)
	if err != nil {
		return nil, err
	}

	owner, prefix := AdminOwner, ""
	if who.Role == auth.RoleOwner {
		owner, prefix = who.Owner, who.KeyPrefix
	}

	b := &metadata.Bucket{
		Name:           name,
		Description:    strings.TrimSpace(req.Description),
		Owner:          owner,
		OwnerKeyPrefix: prefix,
		CreatedAt:      time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:      expiresAt,
	}
	for i := 0; ; i++ {
		b.ID = ident.NewBucketID()
		err = s.store.CreateBucket(ctx, b)
		if err == nil {
			break
		}
		if _, ok := err.(errtypes.IsAlreadyExists); !ok || i == createRetries-1 {
			return nil, errors.Wrap(err, "bucket: error creating bucket")
		}
	}

	s.cache.InvalidateStats()
	s.emit(events.BucketCreated{BucketID: b.ID, Bucket: b, Timestamp: time.Now().UTC()})
	s.log.Info().Str("bucket", b.ID).Str("owner", owner).Msg("bucket created")
	return b, nil
}

// Get returns the bucket detail with the first files page, cache first.
// Expired buckets read as missing.
func (s *Service) Get(ctx context.Context, id string) (*metadata.BucketDetail, error) {
	if d, ok := s.cache.GetBucket(id); ok {
		if d.Expired(time.Now()) {
			return nil, errtypes.NotFound("bucket " + id)
		}
		return d, nil
	}

	b, err := s.row(ctx, id)
	if err != nil {
		return nil, err
	}
	files, total, err := s.store.ListFiles(ctx, id, metadata.ListOptions{Limit: detailFiles, SortBy: "path", SortOrder: "asc"})
	if err != nil {
		return nil, err
	}
	d := &metadata.BucketDetail{Bucket: b, Files: files, HasMoreFiles: total > len(files)}
	s.cache.SetBucket(d)
	return d, nil
}

// Row returns the bare unexpired bucket row. Sibling services use it
// for existence and ownership checks.
func (s *Service) Row(ctx context.Context, id string) (*metadata.Bucket, error) {
	if d, ok := s.cache.GetBucket(id); ok {
		if d.Expired(time.Now()) {
			return nil, errtypes.NotFound("bucket " + id)
		}
		return d.Bucket, nil
	}
	return s.row(ctx, id)
}

func (s *Service) row(ctx context.Context, id string) (*metadata.Bucket, error) {
	b, err := s.store.GetBucket(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Expired(time.Now()) {
		return nil, errtypes.NotFound("bucket " + id)
	}
	return b, nil
}

// List returns the buckets visible to the caller: owners see their own,
// admins everything. includeExpired is honored for admins only.
func (s *Service) List(ctx context.Context, who *auth.Context, includeExpired bool, opts metadata.ListOptions) (*Page, error) {
	owner := ""
	switch who.Role {
	case auth.RoleAdmin:
	case auth.RoleOwner:
		owner = who.Owner
		includeExpired = false
	default:
		return nil, errtypes.PermissionDenied("bucket listing requires a credential")
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

	buckets, total, err := s.store.ListBuckets(ctx, owner, includeExpired, opts)
	if err != nil {
		return nil, err
	}
	return &Page{Buckets: buckets, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Update patches name, description or expiry after an ownership check.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest, who *auth.Context) (*metadata.Bucket, error) {
	if req.Name == nil && req.Description == nil && req.ExpiresIn == nil {
		return nil, errtypes.BadRequest("no fields to update")
	}
	b, err := s.row(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.CanManage(b) {
		return nil, errtypes.PermissionDenied("not allowed to manage bucket " + id)
	}

	patch := metadata.BucketPatch{}
	changes := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, errtypes.BadRequest("bucket name must not be empty")
		}
		patch.Name = &name
		changes["name"] = name
	}
	if req.Description != nil {
		desc := strings.TrimSpace(*req.Description)
		patch.Description = &desc
		changes["description"] = desc
	}
	if req.ExpiresIn != nil {
		at, err := expiry.Parse(*req.ExpiresIn, expiry.DefaultBucket)
		if err != nil {
			return nil, err
		}
		patch.ExpiresAt = at
		patch.SetExpiresAt = true
		changes["expires_at"] = at
	}

	if err := s.store.UpdateBucket(ctx, id, patch); err != nil {
		return nil, err
	}
	s.cache.InvalidateBucket(id)
	s.cache.InvalidateStats()
	s.emit(events.BucketUpdated{BucketID: id, Changes: changes, Timestamp: time.Now().UTC()})
	return s.store.GetBucket(ctx, id)
}

// Delete removes a bucket and everything it owns after an ownership
// check.
func (s *Service) Delete(ctx context.Context, id string, who *auth.Context) error {
	b, err := s.row(ctx, id)
	if err != nil {
		return err
	}
	if !who.CanManage(b) {
		return errtypes.PermissionDenied("not allowed to manage bucket " + id)
	}
	return s.Purge(ctx, b, false)
}

// Purge removes an already loaded bucket with its files, short urls,
// upload tokens, blobs and cache entries. No ownership check, Delete
// and the expiry sweep share it. The blob tree goes first so a failure
// leaves rows that a later pass can retry, never orphaned blobs.
func (s *Service) Purge(ctx context.Context, b *metadata.Bucket, swept bool) error {
	if err := s.blobs.DeleteBucket(b.ID); err != nil {
		return errors.Wrap(err, "bucket: error deleting blob tree")
	}
	if err := s.store.DeleteShortURLsByBucket(ctx, b.ID); err != nil {
		return err
	}
	if err := s.store.DeleteUploadTokensByBucket(ctx, b.ID); err != nil {
		return err
	}
	if err := s.store.DeleteFilesByBucket(ctx, b.ID); err != nil {
		return err
	}
	if err := s.store.DeleteBucket(ctx, b.ID); err != nil {
		return err
	}

	s.cache.InvalidateBucket(b.ID)
	s.cache.InvalidateStats()
	s.emit(events.BucketDeleted{BucketID: b.ID, Swept: swept, Timestamp: time.Now().UTC()})
	s.log.Info().Str("bucket", b.ID).Bool("swept", swept).Msg("bucket deleted")
	return nil
}

// Summary renders a plain text report of the bucket and its files.
func (s *Service) Summary(ctx context.Context, id string) (string, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	files := d.Files
	if d.HasMoreFiles {
		if files, err = s.allFiles(ctx, id); err != nil {
			return "", err
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Bucket:   %s (%s)\n", d.Name, d.ID)
	fmt.Fprintf(&sb, "Owner:    %s\n", d.Owner)
	fmt.Fprintf(&sb, "Files:    %d (%s)\n", d.FileCount, humanize.IBytes(uint64(d.TotalSize)))
	fmt.Fprintf(&sb, "Created:  %s\n", d.CreatedAt.Format(time.RFC3339))
	if d.ExpiresAt != nil {
		fmt.Fprintf(&sb, "Expires:  %s\n", d.ExpiresAt.Format(time.RFC3339))
	} else {
		sb.WriteString("Expires:  never\n")
	}
	if len(files) > 0 {
		sb.WriteString("\n")
		for _, f := range files {
			fmt.Fprintf(&sb, "%10s  %s\n", humanize.IBytes(uint64(f.Size)), f.Path)
		}
	}
	return sb.String(), nil
}

// Zip streams the bucket content as a zip archive. Entry names are the
// logical paths; cancellation is checked between entries.
func (s *Service) Zip(ctx context.Context, id string, w io.Writer) error {
	if _, err := s.Row(ctx, id); err != nil {
		return err
	}
	files, err := s.allFiles(ctx, id)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(w)
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		header := zip.FileHeader{
			Name:     f.Path,
			Modified: f.UpdatedAt,
		}
		header.UncompressedSize64 = uint64(f.Size)

		dst, err := zw.CreateHeader(&header)
		if err != nil {
			return err
		}
		blob, err := s.blobs.Open(id, f.Path)
		if err != nil {
			return err
		}
		_, err = io.Copy(dst, blob)
		blob.Close()
		if err != nil {
			return err
		}
	}
	return zw.Close()
}

func (s *Service) allFiles(ctx context.Context, id string) ([]*metadata.File, error) {
	files, _, err := s.store.ListFiles(ctx, id, metadata.ListOptions{Limit: -1, SortBy: "path", SortOrder: "asc"})
	return files, err
}

func (s *Service) emit(ev interface{}) {
	if s.pub == nil {
		return
	}
	if err := events.Publish(s.pub, ev); err != nil {
		s.log.Warn().Err(err).Msg("bucket: error publishing event")
	}
}
