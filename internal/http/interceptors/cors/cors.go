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

// Package cors applies the configured origin allowlist. The exposed
// headers default to the ones range downloads rely on.
package cors

import (
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/cors"

	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
	"github.com/carbonfiles/carbonfiles/pkg/sharedconf"
)

const defaultPriority = 30

func init() {
	global.RegisterMiddleware("cors", New)
}

type config struct {
	Priority           int      `mapstructure:"priority"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	AllowCredentials   bool     `mapstructure:"allow_credentials"`
	AllowedMethods     []string `mapstructure:"allowed_methods"`
	AllowedHeaders     []string `mapstructure:"allowed_headers"`
	ExposedHeaders     []string `mapstructure:"exposed_headers"`
	MaxAge             int      `mapstructure:"max_age"`
	OptionsPassthrough bool     `mapstructure:"options_passthrough"`
}

func (c *config) init() {
	if c.Priority == 0 {
		c.Priority = defaultPriority
	}
	if len(c.AllowedOrigins) == 0 {
		for _, origin := range strings.Split(sharedconf.GetCorsOrigins(""), ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				c.AllowedOrigins = append(c.AllowedOrigins, origin)
			}
		}
	}
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE"}
	}
	if len(c.AllowedHeaders) == 0 {
		c.AllowedHeaders = []string{"Authorization", "Content-Type", "Content-Range", "X-Append", "X-Request-Id"}
	}
	if len(c.ExposedHeaders) == 0 {
		c.ExposedHeaders = []string{"Content-Range", "Accept-Ranges", "Content-Length", "ETag", "Last-Modified"}
	}
}

// New creates a new CORS middleware.
func New(m map[string]interface{}) (global.Middleware, int, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, 0, err
	}
	conf.init()

	c := cors.New(cors.Options{
		AllowCredentials:   conf.AllowCredentials,
		AllowedHeaders:     conf.AllowedHeaders,
		AllowedMethods:     conf.AllowedMethods,
		AllowedOrigins:     conf.AllowedOrigins,
		ExposedHeaders:     conf.ExposedHeaders,
		MaxAge:             conf.MaxAge,
		OptionsPassthrough: conf.OptionsPassthrough,
		Debug:              false,
		// TODO use log from request context, otherwise fmt will be used to log,
		// preventing us from piping the log to eg jq
	})

	return c.Handler, conf.Priority, nil
}
