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

// Package uploadtoken issues and validates the bucket scoped write
// grants used for uploads without an API key.
package uploadtoken

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/expiry"
	"github.com/carbonfiles/carbonfiles/pkg/ident"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// Service implements upload token issuance and validation.
type Service struct {
	store   metadata.Store
	cache   *cache.Cache
	buckets *bucket.Service
	log     zerolog.Logger
}

// New returns an upload token service.
func New(store metadata.Store, c *cache.Cache, buckets *bucket.Service, log *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Service{store: store, cache: c, buckets: buckets, log: l}
}

// CreateRequest carries the optional token limits.
type CreateRequest struct {
	ExpiresIn  string `json:"expires_in,omitempty"`
	MaxUploads *int64 `json:"max_uploads,omitempty"`
}

// Create issues a token for the bucket after an ownership check. The
// token string is the credential and is returned exactly once here,
// but stays readable by the bucket owner through the store.
func (s *Service) Create(ctx context.Context, bucketID string, req CreateRequest, who *auth.Context) (*metadata.UploadToken, error) {
	b, err := s.buckets.Row(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if !who.CanManage(b) {
		return nil, errtypes.PermissionDenied("not allowed to manage bucket " + bucketID)
	}
	if req.MaxUploads != nil && *req.MaxUploads <= 0 {
		return nil, errtypes.BadRequest("max_uploads must be positive")
	}
	expiresAt, err := expiry.Parse(req.ExpiresIn, expiry.DefaultUploadToken)
	if err != nil {
		return nil, err
	}

	token, err := ident.NewUploadToken()
	if err != nil {
		return nil, errors.Wrap(err, "uploadtoken: error generating token")
	}
	t := &metadata.UploadToken{
		Token:      token,
		BucketID:   bucketID,
		CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
		ExpiresAt:  expiresAt,
		MaxUploads: req.MaxUploads,
	}
	if err := s.store.CreateUploadToken(ctx, t); err != nil {
		return nil, err
	}

	s.cache.InvalidateStats()
	s.log.Info().Str("bucket", bucketID).Msg("upload token issued")
	return t, nil
}

// Validate returns the token row and whether it may still upload,
// cache first. Unknown tokens surface as not found and are never
// cached.
func (s *Service) Validate(ctx context.Context, token string) (*metadata.UploadToken, bool, error) {
	now := time.Now()
	if t, ok := s.cache.GetUploadToken(token); ok {
		return t, usable(t, now), nil
	}

	t, err := s.store.GetUploadToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	s.cache.SetUploadToken(t)
	return t, usable(t, now), nil
}

// Consume burns n upload slots. The store refuses atomically when the
// quota would be exceeded.
func (s *Service) Consume(ctx context.Context, t *metadata.UploadToken, n int64) error {
	if err := s.store.ConsumeUploadToken(ctx, t.Token, n); err != nil {
		return err
	}
	s.cache.InvalidateUploadToken(t.BucketID, t.Token)
	return nil
}

func usable(t *metadata.UploadToken, now time.Time) bool {
	return !t.Expired(now) && !t.Exhausted()
}
