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

// Package sweeper collects expired buckets in the background. Reads
// already treat expired buckets as missing, the sweeper only reclaims
// their rows and blobs, so a missed pass costs disk, not correctness.
package sweeper

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/prom/registry"
)

// purgeParallelism bounds how many buckets one pass deletes at a time.
const purgeParallelism = 4

var sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "carbond_sweeps_total",
	Help: "A counter of completed sweeper passes.",
})

var sweptBucketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "carbond_swept_buckets_total",
	Help: "A counter of expired buckets removed by the sweeper.",
})

func init() {
	registry.Register("sweeper_metrics", func(_ context.Context, _ map[string]interface{}) ([]prometheus.Collector, error) {
		return []prometheus.Collector{sweepsTotal, sweptBucketsTotal}, nil
	})
}

// Sweeper periodically purges expired buckets.
type Sweeper struct {
	store    metadata.Store
	buckets  *bucket.Service
	pub      events.Publisher
	interval time.Duration
	log      zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a sweeper. The publisher may be nil, events are then
// dropped.
func New(store metadata.Store, buckets *bucket.Service, pub events.Publisher, interval time.Duration, log *zerolog.Logger) *Sweeper {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Sweeper{
		store:    store,
		buckets:  buckets,
		pub:      pub,
		interval: interval,
		log:      l,
	}
}

// Start runs the sweep loop until Stop is called. The first pass fires
// after one interval, startup does not race the schema bootstrap.
func (s *Sweeper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
					s.log.Error().Err(err).Msg("sweep pass failed")
				}
			}
		}
	}()
	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
}

// Stop terminates the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info().Msg("sweeper stopped")
}

// RunOnce purges every bucket already expired at the time of the call
// and reports how many were swept. Purging is idempotent, a bucket
// deleted concurrently just counts as swept work done elsewhere.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	expired, err := s.store.ExpiredBuckets(ctx, start)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		sweepsTotal.Inc()
		return 0, nil
	}

	var files, bytes int64
	for _, b := range expired {
		files += b.FileCount
		bytes += b.TotalSize
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(purgeParallelism)
	for _, b := range expired {
		b := b
		g.Go(func() error {
			return s.buckets.Purge(gctx, b, true)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	sweepsTotal.Inc()
	sweptBucketsTotal.Add(float64(len(expired)))
	if s.pub != nil {
		if err := events.Publish(s.pub, events.SweepCompleted{
			Buckets:   len(expired),
			Files:     files,
			Bytes:     bytes,
			Timestamp: time.Now().UTC(),
		}); err != nil {
			s.log.Error().Err(err).Msg("error publishing sweep event")
		}
	}
	s.log.Info().Int("buckets", len(expired)).Int64("files", files).
		Int64("bytes", bytes).Dur("took", time.Since(start)).Msg("sweep completed")
	return len(expired), nil
}
