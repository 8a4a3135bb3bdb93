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

// Package apikey manages the long lived owner credentials. Only the
// prefix and a digest of the secret are persisted, the full key exists
// exactly once in the create response.
package apikey

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/ident"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// createRetries bounds the prefix collision retry loop.
const createRetries = 5

// Service implements API key administration.
type Service struct {
	store metadata.Store
	cache *cache.Cache
	log   zerolog.Logger
}

// New returns an API key service.
func New(store metadata.Store, c *cache.Cache, log *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Service{store: store, cache: c, log: l}
}

// CreateRequest carries the key holder name.
type CreateRequest struct {
	Name string `json:"name"`
}

// Created is the create response. Key is the only copy of the full
// credential that will ever exist.
type Created struct {
	Key string `json:"key"`
	*metadata.APIKey
}

// Create mints a key for the named owner. Admin only.
func (s *Service) Create(ctx context.Context, req CreateRequest, who *auth.Context) (*Created, error) {
	if !who.Admin() {
		return nil, errtypes.PermissionDenied("api key creation requires admin")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errtypes.BadRequest("key name must not be empty")
	}

	k := &metadata.APIKey{
		Name:      name,
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	var full string
	for i := 0; ; i++ {
		var prefix, secret string
		var err error
		full, prefix, secret, err = ident.NewAPIKey()
		if err != nil {
			return nil, errors.Wrap(err, "apikey: error generating key")
		}
		k.Prefix = prefix
		k.HashedSecret = ident.HashSecret(secret)
		err = s.store.CreateAPIKey(ctx, k)
		if err == nil {
			break
		}
		if _, ok := err.(errtypes.IsAlreadyExists); !ok || i == createRetries-1 {
			return nil, errors.Wrap(err, "apikey: error creating key")
		}
	}

	s.cache.InvalidateStats()
	s.log.Info().Str("prefix", k.Prefix).Str("name", name).Msg("api key created")
	return &Created{Key: full, APIKey: k}, nil
}

// List returns every key row, prefixes and names only. Admin only.
func (s *Service) List(ctx context.Context, who *auth.Context) ([]*metadata.APIKey, error) {
	if !who.Admin() {
		return nil, errtypes.PermissionDenied("api key listing requires admin")
	}
	return s.store.ListAPIKeys(ctx)
}

// Delete revokes a key. Buckets created with it stay alive and keep
// their owner name, they just cannot be managed with the key anymore.
func (s *Service) Delete(ctx context.Context, prefix string, who *auth.Context) error {
	if !who.Admin() {
		return errtypes.PermissionDenied("api key deletion requires admin")
	}
	if err := s.store.DeleteAPIKey(ctx, prefix); err != nil {
		return err
	}

	auth.ForgetPrefix(prefix)
	s.cache.InvalidateStats()
	s.log.Info().Str("prefix", prefix).Msg("api key deleted")
	return nil
}

// Usage aggregates the unexpired buckets created with the key. Admin
// only.
func (s *Service) Usage(ctx context.Context, prefix string, who *auth.Context) (*metadata.OwnerUsage, error) {
	if !who.Admin() {
		return nil, errtypes.PermissionDenied("api key usage requires admin")
	}
	if _, err := s.store.GetAPIKey(ctx, prefix); err != nil {
		return nil, err
	}
	return s.store.KeyUsage(ctx, prefix, time.Now())
}
