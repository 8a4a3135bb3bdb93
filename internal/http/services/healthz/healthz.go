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

// Package healthz answers load balancer probes. Healthy means the
// metadata store answers a ping, nothing more.
package healthz

import (
	"encoding/json"
	"net/http"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/metadata/pool"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
	"github.com/carbonfiles/carbonfiles/pkg/sharedconf"
)

func init() {
	global.Register("healthz", New)
}

type config struct {
	Prefix string `mapstructure:"prefix"`
	DBPath string `mapstructure:"db_path"`
}

func (c *config) init() {
	if c.Prefix == "" {
		c.Prefix = "healthz"
	}
	c.DBPath = sharedconf.GetDBPath(c.DBPath)
}

type svc struct {
	conf  *config
	store metadata.Store
}

// New returns a new healthz service.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, err
	}

	conf.init()

	store, err := pool.GetStore(conf.DBPath)
	if err != nil {
		return nil, err
	}

	return &svc{conf: conf, store: store}, nil
}

func (s *svc) Prefix() string {
	return s.conf.Prefix
}

func (s *svc) Close() error {
	return nil
}

func (s *svc) Unprotected() []string {
	return []string{"/"}
}

func (s *svc) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
}
