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

// Package auth resolves the request credential into an identity and
// stores it in the request context. It never rejects a request over an
// invalid credential, that is the job of the handler authorizing the
// operation. The only failure mode is the metadata store being
// unreachable during an API key lookup.
package auth

import (
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/appctx"
	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/dashboard"
	"github.com/carbonfiles/carbonfiles/pkg/metadata/pool"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
	"github.com/carbonfiles/carbonfiles/pkg/sharedconf"
)

const defaultPriority = 100

func init() {
	global.RegisterMiddleware("auth", New)
}

type config struct {
	Priority  int    `mapstructure:"priority"`
	AdminKey  string `mapstructure:"admin_key"`
	JWTSecret string `mapstructure:"jwt_secret"`
	DBPath    string `mapstructure:"db_path"`
	// Unprotected is filled by the server with the paths the enabled
	// services declared credential-free.
	Unprotected []string `mapstructure:"unprotected"`
}

func (c *config) init() {
	if c.Priority == 0 {
		c.Priority = defaultPriority
	}
	c.AdminKey = sharedconf.GetAdminKey(c.AdminKey)
	c.JWTSecret = sharedconf.GetJWTSecret(c.JWTSecret)
	c.DBPath = sharedconf.GetDBPath(c.DBPath)
}

// New returns a new middleware with defined priority.
func New(m map[string]interface{}) (global.Middleware, int, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, 0, errors.Wrap(err, "auth: error decoding config")
	}
	conf.init()

	store, err := pool.GetStore(conf.DBPath)
	if err != nil {
		return nil, 0, errors.Wrap(err, "auth: error opening metadata store")
	}

	var dash *dashboard.Manager
	if conf.JWTSecret != "" {
		dash, err = dashboard.New(conf.JWTSecret)
		if err != nil {
			return nil, 0, errors.Wrap(err, "auth: error creating dashboard manager")
		}
	}

	resolver := auth.NewResolver(store, dash, conf.AdminKey)

	chain := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// OPTIONS requests need to pass for CORS preflight.
			if r.Method == http.MethodOptions || isUnprotected(r.URL.Path, conf.Unprotected) {
				h.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			identity, err := resolver.Resolve(ctx, getCredential(r))
			if err != nil {
				appctx.GetLogger(ctx).Error().Err(err).Msg("error resolving credential")
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}

			r = r.WithContext(auth.ContextSet(ctx, identity))
			h.ServeHTTP(w, r)
		})
	}
	return chain, conf.Priority, nil
}

// isUnprotected reports whether the path falls under a prefix the
// enabled services declared credential-free.
func isUnprotected(path string, prefixes []string) bool {
	for i := range prefixes {
		if strings.HasPrefix(path, prefixes[i]) {
			return true
		}
	}
	return false
}

// getCredential extracts the bearer credential, checking the
// Authorization header first and the access_token query parameter
// second, see https://tools.ietf.org/html/rfc6750 sections 2.1 and 2.3.
func getCredential(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	token := strings.TrimPrefix(hdr, "Bearer ")
	if token != "" {
		return token
	}

	tokens, ok := r.URL.Query()["access_token"]
	if !ok || len(tokens[0]) < 1 {
		return ""
	}

	return tokens[0]
}
