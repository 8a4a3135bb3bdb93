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

// Package shorturl mints and resolves the per-file short codes.
// Resolution caches the owning bucket's expiry next to the target so an
// expired bucket stops redirecting without waiting for the sweeper.
package shorturl

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/expiry"
	"github.com/carbonfiles/carbonfiles/pkg/ident"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// mintRetries bounds the code generation loop before giving up with a
// conflict.
const mintRetries = 10

// Service implements short code minting, resolution and removal.
type Service struct {
	store   metadata.Store
	cache   *cache.Cache
	buckets *bucket.Service
	pub     events.Publisher
	log     zerolog.Logger
}

// New returns a short url service. The publisher may be nil, events are
// then dropped.
func New(store metadata.Store, c *cache.Cache, buckets *bucket.Service, pub events.Publisher, log *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Service{store: store, cache: c, buckets: buckets, pub: pub, log: l}
}

// ContentURL is the escaped content path a short code redirects to.
func ContentURL(bucketID, path string) string {
	u := url.URL{Path: "/api/buckets/" + bucketID + "/files/" + path + "/content"}
	return u.EscapedPath()
}

// Mint creates a code pointing at the given file, retrying on
// collisions. The upload pipeline calls it for every new file.
func (s *Service) Mint(ctx context.Context, bucketID, path string) (*metadata.ShortURL, error) {
	su := &metadata.ShortURL{
		BucketID:  bucketID,
		FilePath:  path,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	for i := 0; ; i++ {
		su.Code = ident.NewShortCode()
		err := s.store.CreateShortURL(ctx, su)
		if err == nil {
			break
		}
		if _, ok := err.(errtypes.IsAlreadyExists); !ok {
			return nil, err
		}
		if i == mintRetries-1 {
			return nil, errtypes.Conflict("no free short code after " + strconv.Itoa(mintRetries) + " attempts")
		}
	}

	s.emit(events.ShortURLCreated{BucketID: bucketID, Path: path, Code: su.Code, Timestamp: time.Now().UTC()})
	return su, nil
}

// Resolve returns the content url behind a code, cache first. Unknown
// codes and codes into expired buckets read as missing.
func (s *Service) Resolve(ctx context.Context, code string) (string, error) {
	now := time.Now()
	if e, ok := s.cache.GetShort(code); ok {
		if expiry.Expired(e.BucketExpiresAt, now) {
			return "", errtypes.NotFound("short code " + code)
		}
		return ContentURL(e.URL.BucketID, e.URL.FilePath), nil
	}

	su, err := s.store.GetShortURL(ctx, code)
	if err != nil {
		return "", err
	}
	b, err := s.buckets.Row(ctx, su.BucketID)
	if err != nil {
		if _, ok := err.(errtypes.IsNotFound); ok {
			return "", errtypes.NotFound("short code " + code)
		}
		return "", err
	}

	s.cache.SetShort(&cache.ShortEntry{URL: su, BucketExpiresAt: b.ExpiresAt})
	return ContentURL(su.BucketID, su.FilePath), nil
}

// Delete removes a code after an ownership check on the bucket it
// points into. The file keeps existing.
func (s *Service) Delete(ctx context.Context, code string, who *auth.Context) error {
	su, err := s.store.GetShortURL(ctx, code)
	if err != nil {
		return err
	}
	b, err := s.buckets.Row(ctx, su.BucketID)
	if err != nil {
		return err
	}
	if !who.CanManage(b) {
		return errtypes.PermissionDenied("not allowed to manage bucket " + b.ID)
	}

	if err := s.store.DeleteShortURL(ctx, code); err != nil {
		return err
	}
	s.cache.InvalidateShort(su.BucketID, code)
	s.emit(events.ShortURLDeleted{BucketID: su.BucketID, Code: code, Timestamp: time.Now().UTC()})
	return nil
}

func (s *Service) emit(ev interface{}) {
	if s.pub == nil {
		return
	}
	if err := events.Publish(s.pub, ev); err != nil {
		s.log.Warn().Err(err).Msg("shorturl: error publishing event")
	}
}
