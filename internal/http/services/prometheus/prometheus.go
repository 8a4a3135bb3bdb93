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

package prometheus

import (
	"context"
	"net/http"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/prom/registry"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
)

func init() {
	global.Register("prometheus", New)
}

// New returns a new prometheus service. It exposes every collector
// registered through pkg/prom/registry plus the standard process and
// runtime collectors.
func New(m map[string]interface{}, log *zerolog.Logger) (global.Service, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, err
	}

	conf.init()

	reg := promclient.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	for name, f := range registry.NewFuncs {
		cs, err := f(context.Background(), m)
		if err != nil {
			return nil, errors.Wrapf(err, "prometheus: error creating collectors for %s", name)
		}
		for _, c := range cs {
			if err := reg.Register(c); err != nil {
				return nil, errors.Wrapf(err, "prometheus: error registering collector for %s", name)
			}
		}
	}

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	return &svc{prefix: conf.Prefix, h: h}, nil
}

type config struct {
	Prefix string `mapstructure:"prefix"`
}

func (c *config) init() {
	if c.Prefix == "" {
		c.Prefix = "metrics"
	}
}

type svc struct {
	prefix string
	h      http.Handler
}

func (s *svc) Prefix() string {
	return s.prefix
}

func (s *svc) Handler() http.Handler {
	return s.h
}

func (s *svc) Close() error {
	return nil
}

func (s *svc) Unprotected() []string {
	// TODO(labkode): all prometheus endpoints are public?
	return []string{"/"}
}
