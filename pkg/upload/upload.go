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

// Package upload implements the write pipelines. Multipart and stream
// uploads share one blob-then-rows sequence: failures after the blob
// landed are compensated by removing it again, so every file row always
// has a matching blob. Re-uploads keep their short code, a full write
// only moves size, mime type and updated_at.
package upload

import (
	"context"
	"io"
	"mime/multipart"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/blobstore"
	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/file"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/mime"
	"github.com/carbonfiles/carbonfiles/pkg/shorturl"
	"github.com/carbonfiles/carbonfiles/pkg/uploadtoken"
)

// reservedFields are the multipart field names treated as plain file
// carriers; the part filename then becomes the logical path. Any other
// field name is itself the path.
var reservedFields = map[string]struct{}{
	"file":    {},
	"files":   {},
	"upload":  {},
	"uploads": {},
	"blob":    {},
}

// Deps bundles the collaborators of the upload pipeline.
type Deps struct {
	Store   metadata.Store
	Blobs   *blobstore.Blobstore
	Cache   *cache.Cache
	Buckets *bucket.Service
	Files   *file.Service
	Shorts  *shorturl.Service
	Tokens  *uploadtoken.Service
	Pub     events.Publisher
	Log     *zerolog.Logger
}

// Service implements full uploads and in-place patches.
type Service struct {
	store   metadata.Store
	blobs   *blobstore.Blobstore
	cache   *cache.Cache
	buckets *bucket.Service
	files   *file.Service
	shorts  *shorturl.Service
	tokens  *uploadtoken.Service
	pub     events.Publisher
	log     zerolog.Logger
}

// New returns an upload service.
func New(d Deps) *Service {
	l := zerolog.Nop()
	if d.Log != nil {
		l = *d.Log
	}
	return &Service{
		store:   d.Store,
		blobs:   d.Blobs,
		cache:   d.Cache,
		buckets: d.Buckets,
		files:   d.Files,
		shorts:  d.Shorts,
		tokens:  d.Tokens,
		pub:     d.Pub,
		log:     l,
	}
}

// Stream writes the request body as one file. The filename becomes the
// logical path.
func (s *Service) Stream(ctx context.Context, bucketID, filename string, r io.Reader, who *auth.Context, token string) (*metadata.File, error) {
	b, err := s.buckets.Row(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	t, err := s.authorize(ctx, b, who, token)
	if err != nil {
		return nil, err
	}
	return s.put(ctx, b, filename, r, t)
}

// Multipart streams a multipart body part by part. Parts without a
// usable name are skipped; a body without any file is a bad request.
func (s *Service) Multipart(ctx context.Context, bucketID string, mr *multipart.Reader, who *auth.Context, token string) ([]*metadata.File, error) {
	b, err := s.buckets.Row(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	t, err := s.authorize(ctx, b, who, token)
	if err != nil {
		return nil, err
	}

	var uploaded []*metadata.File
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errtypes.BadRequest("malformed multipart body: " + err.Error())
		}

		logicalPath := part.FormName()
		if _, ok := reservedFields[strings.ToLower(logicalPath)]; ok {
			logicalPath = part.FileName()
		}
		if strings.TrimSpace(logicalPath) == "" {
			part.Close()
			continue
		}

		f, err := s.put(ctx, b, logicalPath, part, t)
		part.Close()
		if err != nil {
			return nil, err
		}
		uploaded = append(uploaded, f)
	}
	if len(uploaded) == 0 {
		return nil, errtypes.BadRequest("multipart body carries no files")
	}
	return uploaded, nil
}

// PatchRequest selects the patch mode: append to the end or overwrite
// at an absolute offset.
type PatchRequest struct {
	Offset int64
	Append bool
}

// Patch applies a partial write to an existing file and reconciles its
// metadata.
func (s *Service) Patch(ctx context.Context, bucketID, p string, r io.Reader, req PatchRequest, who *auth.Context, token string) (*metadata.File, error) {
	b, err := s.buckets.Row(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authorize(ctx, b, who, token); err != nil {
		return nil, err
	}
	p, err = file.Normalize(p)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetFile(ctx, b.ID, p); err != nil {
		return nil, err
	}

	newSize, err := s.blobs.Patch(ctx, b.ID, p, r, req.Offset, req.Append)
	if err != nil {
		return nil, err
	}
	f, err := s.files.UpdateSize(ctx, b.ID, p, newSize)
	if err != nil {
		return nil, err
	}

	s.emit(events.FileUpdated{BucketID: b.ID, Path: p, File: f, Timestamp: time.Now().UTC()})
	return f, nil
}

// authorize admits bucket managers outright and otherwise requires a
// usable token issued for this bucket. The returned token is non-nil
// exactly when the upload is token funded.
func (s *Service) authorize(ctx context.Context, b *metadata.Bucket, who *auth.Context, token string) (*metadata.UploadToken, error) {
	if who.CanManage(b) {
		return nil, nil
	}
	if token == "" {
		return nil, errtypes.PermissionDenied("upload requires bucket ownership or an upload token")
	}

	t, ok, err := s.tokens.Validate(ctx, token)
	if err != nil {
		if _, notFound := err.(errtypes.IsNotFound); notFound {
			return nil, errtypes.PermissionDenied("unknown upload token")
		}
		return nil, err
	}
	if t.BucketID != b.ID {
		return nil, errtypes.PermissionDenied("upload token not valid for this bucket")
	}
	if !ok {
		return nil, errtypes.PermissionDenied("upload token expired or exhausted")
	}
	return t, nil
}

// put is the shared pipeline: burn a token slot, land the blob, then
// reconcile rows. Token slots are taken before the write so a depleted
// token never produces a committed file.
func (s *Service) put(ctx context.Context, b *metadata.Bucket, logicalPath string, r io.Reader, t *metadata.UploadToken) (*metadata.File, error) {
	p, err := file.Normalize(logicalPath)
	if err != nil {
		return nil, err
	}
	if t != nil {
		if err := s.tokens.Consume(ctx, t, 1); err != nil {
			return nil, err
		}
	}

	size, err := s.blobs.Store(ctx, b.ID, p, r)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	mimeType := mime.Detect(p)

	existing, err := s.store.GetFile(ctx, b.ID, p)
	if err == nil {
		return s.replace(ctx, b, existing, size, mimeType, now)
	}
	if _, ok := err.(errtypes.IsNotFound); !ok {
		s.compensate(b.ID, p, "")
		return nil, err
	}
	return s.insert(ctx, b, p, size, mimeType, now)
}

func (s *Service) insert(ctx context.Context, b *metadata.Bucket, p string, size int64, mimeType string, now time.Time) (*metadata.File, error) {
	su, err := s.shorts.Mint(ctx, b.ID, p)
	if err != nil {
		s.compensate(b.ID, p, "")
		return nil, err
	}

	f := &metadata.File{
		BucketID:  b.ID,
		Path:      p,
		Name:      path.Base(p),
		Size:      size,
		MimeType:  mimeType,
		ShortCode: su.Code,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertFile(ctx, f); err != nil {
		if _, ok := err.(errtypes.IsAlreadyExists); ok {
			// Lost an insert race for this path. The winner's short
			// code stays, ours goes, and the upload folds into a
			// replace of the winner's row.
			if derr := s.store.DeleteShortURL(ctx, su.Code); derr != nil {
				s.log.Error().Err(derr).Str("code", su.Code).Msg("upload: error dropping racing short code")
			}
			existing, gerr := s.store.GetFile(ctx, b.ID, p)
			if gerr != nil {
				return nil, gerr
			}
			return s.replace(ctx, b, existing, size, mimeType, now)
		}
		s.compensate(b.ID, p, su.Code)
		return nil, err
	}
	if err := s.store.ApplyFileDelta(ctx, b.ID, 1, size); err != nil {
		return nil, err
	}

	s.finish(f, false)
	return f, nil
}

func (s *Service) replace(ctx context.Context, b *metadata.Bucket, existing *metadata.File, size int64, mimeType string, now time.Time) (*metadata.File, error) {
	if err := s.store.UpdateFileContent(ctx, b.ID, existing.Path, size, mimeType, now); err != nil {
		return nil, err
	}
	if delta := size - existing.Size; delta != 0 {
		if err := s.store.ApplyFileDelta(ctx, b.ID, 0, delta); err != nil {
			return nil, err
		}
	}

	f := *existing
	f.Size = size
	f.MimeType = mimeType
	f.UpdatedAt = now
	s.finish(&f, true)
	return &f, nil
}

func (s *Service) finish(f *metadata.File, updated bool) {
	s.cache.InvalidateFile(f.BucketID, f.Path)
	s.cache.InvalidateBucket(f.BucketID)
	s.cache.InvalidateStats()
	now := time.Now().UTC()
	if updated {
		s.emit(events.FileUpdated{BucketID: f.BucketID, Path: f.Path, File: f, Timestamp: now})
	} else {
		s.emit(events.FileCreated{BucketID: f.BucketID, Path: f.Path, File: f, Timestamp: now})
	}
	s.log.Info().Str("bucket", f.BucketID).Str("path", f.Path).Int64("size", f.Size).Bool("updated", updated).Msg("file uploaded")
}

// compensate removes the blob, and optionally a minted short code, left
// behind by a failed metadata write. It runs on a fresh context so a
// canceled request still cleans up.
func (s *Service) compensate(bucketID, p, code string) {
	if err := s.blobs.Delete(bucketID, p); err != nil {
		s.log.Error().Err(err).Str("bucket", bucketID).Str("path", p).Msg("upload: error removing blob during compensation")
	}
	if code != "" {
		if err := s.store.DeleteShortURL(context.Background(), code); err != nil {
			s.log.Error().Err(err).Str("code", code).Msg("upload: error removing short code during compensation")
		}
	}
	s.log.Warn().Str("bucket", bucketID).Str("path", p).Msg("upload: compensated failed metadata write")
}

func (s *Service) emit(ev interface{}) {
	if s.pub == nil {
		return
	}
	if err := events.Publish(s.pub, ev); err != nil {
		s.log.Warn().Err(err).Msg("upload: error publishing event")
	}
}
