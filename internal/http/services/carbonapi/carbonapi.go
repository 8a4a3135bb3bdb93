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

// Package carbonapi serves the bucket, file, short-url, token and stats
// API plus the live event feed. It mounts at the root prefix so content
// and redirect URLs stay short.
package carbonapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/apikey"
	"github.com/carbonfiles/carbonfiles/pkg/blobstore"
	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/dashboard"
	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/events/stream"
	"github.com/carbonfiles/carbonfiles/pkg/file"
	"github.com/carbonfiles/carbonfiles/pkg/hub"
	"github.com/carbonfiles/carbonfiles/pkg/metadata/pool"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
	"github.com/carbonfiles/carbonfiles/pkg/sharedconf"
	"github.com/carbonfiles/carbonfiles/pkg/shorturl"
	"github.com/carbonfiles/carbonfiles/pkg/stats"
	"github.com/carbonfiles/carbonfiles/pkg/sweeper"
	"github.com/carbonfiles/carbonfiles/pkg/upload"
	"github.com/carbonfiles/carbonfiles/pkg/uploadtoken"
)

func init() {
	global.Register("carbonapi", New)
}

type config struct {
	Prefix                 string `mapstructure:"prefix"`
	DBPath                 string `mapstructure:"db_path"`
	DataDir                string `mapstructure:"data_dir"`
	JWTSecret              string `mapstructure:"jwt_secret"`
	MaxUploadSize          int64  `mapstructure:"max_upload_size"`
	CleanupIntervalMinutes int    `mapstructure:"cleanup_interval_minutes"`
	CacheSize              int    `mapstructure:"cache_size"`
	// EventsEndpoint selects the event transport: empty for the
	// in-process stream, a nats url for jetstream.
	EventsEndpoint string `mapstructure:"events_endpoint"`
	EventsCluster  string `mapstructure:"events_cluster"`
	EventsUsername string `mapstructure:"events_username"`
	EventsPassword string `mapstructure:"events_password"`
}

func (c *config) init() {
	// Prefix stays empty: the service owns the root so /s/{code} and
	// /api/... resolve without a mount segment.
	c.DBPath = sharedconf.GetDBPath(c.DBPath)
	c.DataDir = sharedconf.GetDataDir(c.DataDir)
	c.JWTSecret = sharedconf.GetJWTSecret(c.JWTSecret)
	c.MaxUploadSize = sharedconf.GetMaxUploadSize(c.MaxUploadSize)
	c.CleanupIntervalMinutes = sharedconf.GetCleanupInterval(c.CleanupIntervalMinutes)
	if c.CleanupIntervalMinutes <= 0 {
		c.CleanupIntervalMinutes = 10
	}
	if c.CacheSize == 0 {
		c.CacheSize = 8192
	}
	if c.EventsCluster == "" {
		c.EventsCluster = "carbonfiles-cluster"
	}
}

type svc struct {
	conf   *config
	router chi.Router
	log    *zerolog.Logger
	blobs  *blobstore.Blobstore

	buckets *bucket.Service
	files   *file.Service
	uploads *upload.Service
	shorts  *shorturl.Service
	tokens  *uploadtoken.Service
	keys    *apikey.Service
	stats   *stats.Service
	dash    *dashboard.Manager

	hub     *hub.Hub
	sweeper *sweeper.Sweeper
	memory  *stream.Memory
}

// New returns the carbonapi service wired to the shared metadata store.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, err
	}
	c.init()

	store, err := pool.GetStore(c.DBPath)
	if err != nil {
		return nil, errors.Wrap(err, "carbonapi: error opening metadata store")
	}
	blobs, err := blobstore.New(c.DataDir, log)
	if err != nil {
		return nil, errors.Wrap(err, "carbonapi: error opening blobstore")
	}
	ch := cache.New(c.CacheSize)

	s := &svc{
		conf:   c,
		router: chi.NewRouter(),
		log:    log,
		blobs:  blobs,
	}

	var es events.Stream
	if c.EventsEndpoint == "" {
		s.memory = stream.InMemory()
		es = s.memory
	} else {
		es, err = stream.Nats(stream.NatsConfig{
			Endpoint: c.EventsEndpoint,
			Cluster:  c.EventsCluster,
			Username: c.EventsUsername,
			Password: c.EventsPassword,
		})
		if err != nil {
			return nil, errors.Wrap(err, "carbonapi: error connecting event stream")
		}
	}

	s.hub = hub.New(log)
	if err := s.hub.Start(es); err != nil {
		return nil, errors.Wrap(err, "carbonapi: error starting hub")
	}

	s.buckets = bucket.New(store, blobs, ch, es, log)
	s.files = file.New(store, blobs, ch, s.buckets, es, log)
	s.shorts = shorturl.New(store, ch, s.buckets, es, log)
	s.tokens = uploadtoken.New(store, ch, s.buckets, log)
	s.keys = apikey.New(store, ch, log)
	s.stats = stats.New(store, ch, log)
	s.uploads = upload.New(upload.Deps{
		Store:   store,
		Blobs:   blobs,
		Cache:   ch,
		Buckets: s.buckets,
		Files:   s.files,
		Shorts:  s.shorts,
		Tokens:  s.tokens,
		Pub:     es,
		Log:     log,
	})

	if c.JWTSecret != "" {
		s.dash, err = dashboard.New(c.JWTSecret)
		if err != nil {
			return nil, errors.Wrap(err, "carbonapi: error setting up dashboard credentials")
		}
	}

	s.sweeper = sweeper.New(store, s.buckets, es, time.Duration(c.CleanupIntervalMinutes)*time.Minute, log)
	s.sweeper.Start()

	s.routerInit()
	return s, nil
}

func (s *svc) routerInit() {
	r := s.router

	r.Route("/api", func(r chi.Router) {
		r.Route("/keys", func(r chi.Router) {
			r.Post("/", s.createKey)
			r.Get("/", s.listKeys)
			r.Delete("/{prefix}", s.deleteKey)
			r.Get("/{prefix}/usage", s.keyUsage)
		})

		r.Route("/buckets", func(r chi.Router) {
			r.Post("/", s.createBucket)
			r.Get("/", s.listBuckets)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getBucket)
				r.Patch("/", s.updateBucket)
				r.Delete("/", s.deleteBucket)
				r.Get("/summary", s.bucketSummary)
				r.Get("/zip", s.bucketZip)
				r.Head("/zip", s.bucketZip)
				r.Get("/files", s.listFiles)
				r.Get("/files/*", s.getFileOrContent)
				r.Head("/files/*", s.getFileOrContent)
				r.Patch("/files/*", s.patchContent)
				r.Delete("/files/*", s.deleteFile)
				r.Post("/upload", s.uploadMultipart)
				r.Put("/upload/stream", s.uploadStream)
				r.Post("/tokens", s.createUploadToken)
			})
		})

		r.Route("/tokens/dashboard", func(r chi.Router) {
			r.Post("/", s.issueDashboardToken)
			r.Get("/me", s.introspectDashboardToken)
		})

		r.Get("/stats", s.getStats)
		r.Delete("/short/{code}", s.deleteShortURL)
	})

	r.Get("/s/{code}", s.resolveShortURL)
	r.Get("/events", s.serveEvents)
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

// Unprotected is empty: the auth interceptor resolves every request and
// never rejects, authorization happens per handler.
func (s *svc) Unprotected() []string {
	return []string{}
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// unset raw path, otherwise chi uses it to route and then fails
		// to match percent encoded path segments
		r.URL.RawPath = ""
		s.router.ServeHTTP(w, r)
	})
}

// Close stops the sweeper and the event fan-out. The metadata store is
// shared through the pool and stays open for the process lifetime.
func (s *svc) Close() error {
	s.sweeper.Stop()
	if s.memory != nil {
		s.memory.Close()
		<-s.hub.Done()
	}
	return nil
}
