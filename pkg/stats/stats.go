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

// Package stats serves the instance wide aggregates. The numbers come
// out of one cached aggregation pass, every mutating service call
// invalidates the cached copy.
package stats

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// Service serves usage aggregates.
type Service struct {
	store metadata.Store
	cache *cache.Cache
	log   zerolog.Logger
}

// New returns a stats service.
func New(store metadata.Store, c *cache.Cache, log *zerolog.Logger) *Service {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Service{store: store, cache: c, log: l}
}

// Get returns the totals and the per owner breakdown. Admin only.
func (s *Service) Get(ctx context.Context, who *auth.Context) (*metadata.Stats, error) {
	if !who.Admin() {
		return nil, errtypes.PermissionDenied("stats require admin")
	}
	if st, ok := s.cache.GetStats(); ok {
		return st, nil
	}

	st, err := s.store.Stats(ctx, time.Now())
	if err != nil {
		return nil, err
	}
	s.cache.SetStats(st)
	return st, nil
}
