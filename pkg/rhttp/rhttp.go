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

// Package rhttp serves the registered HTTP services under their prefixes,
// chained behind the registered middlewares.
package rhttp

import (
	"context"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/internal/http/interceptors/appctx"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
)

type config struct {
	Network            string                            `mapstructure:"network"`
	Address            string                            `mapstructure:"address"`
	CertFile           string                            `mapstructure:"certfile"`
	KeyFile            string                            `mapstructure:"keyfile"`
	Services           map[string]map[string]interface{} `mapstructure:"services"`
	EnabledServices    []string                          `mapstructure:"enabled_services"`
	DisabledServices   []string                          `mapstructure:"disabled_services"`
	Middlewares        map[string]map[string]interface{} `mapstructure:"middlewares"`
	EnabledMiddlewares []string                          `mapstructure:"enabled_middlewares"`
}

func (c *config) init() {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.Address == "" {
		c.Address = "0.0.0.0:9998"
	}
	// an empty list means every registered service or middleware that is
	// not explicitly disabled.
	if len(c.EnabledServices) == 0 {
		for name := range global.Services {
			c.EnabledServices = append(c.EnabledServices, name)
		}
	}
	if len(c.EnabledMiddlewares) == 0 {
		for name := range global.NewMiddlewares {
			c.EnabledMiddlewares = append(c.EnabledMiddlewares, name)
		}
	}
}

// middlewareTriple represents a middleware with the
// priority to be chained.
type middlewareTriple struct {
	Name       string
	Priority   int
	Middleware global.Middleware
}

// Server wraps a http.Server and serves the registered services.
type Server struct {
	httpServer  *http.Server
	conf        *config
	listener    net.Listener
	svcs        map[string]global.Service // map key is svc Prefix
	unprotected []string
	handlers    map[string]http.Handler
	middlewares []*middlewareTriple
	log         zerolog.Logger
}

// New returns a new server.
func New(m interface{}, log zerolog.Logger) (*Server, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, errors.Wrap(err, "rhttp: error decoding config")
	}
	conf.init()

	s := &Server{
		httpServer:  &http.Server{},
		conf:        conf,
		svcs:        map[string]global.Service{},
		unprotected: []string{},
		handlers:    map[string]http.Handler{},
		log:         log,
	}
	return s, nil
}

// Start starts the server.
func (s *Server) Start(ln net.Listener) error {
	if err := s.registerServices(); err != nil {
		return err
	}

	if err := s.registerMiddlewares(); err != nil {
		return err
	}

	s.httpServer.Handler = s.getHandler()
	s.listener = ln

	if s.conf.CertFile != "" && s.conf.KeyFile != "" {
		s.log.Info().Msgf("https server listening at https://%s using cert file '%s' and key file '%s'", s.listener.Addr(), s.conf.CertFile, s.conf.KeyFile)
		err := s.httpServer.ServeTLS(s.listener, s.conf.CertFile, s.conf.KeyFile)
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return err
	}

	s.log.Info().Msgf("http server listening at http://%s", s.listener.Addr())
	err := s.httpServer.Serve(s.listener)
	if err == nil || err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop stops the server.
func (s *Server) Stop() error {
	s.closeServices()
	// TODO(labkode): set ctx deadline to zero
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// TODO(labkode): we can't stop the server shutdown because a service cannot be shutdown.
// What do we do in case a service cannot be properly closed? Now we just log the error.
// TODO(labkode): the close should be given a deadline using context.Context.
func (s *Server) closeServices() {
	for _, svc := range s.svcs {
		if err := svc.Close(); err != nil {
			s.log.Error().Err(err).Msgf("error closing service %q", svc.Prefix())
		} else {
			s.log.Info().Msgf("service %q correctly closed", svc.Prefix())
		}
	}
}

// Network return the network type.
func (s *Server) Network() string {
	return s.conf.Network
}

// Address returns the network address.
func (s *Server) Address() string {
	return s.conf.Address
}

// GracefulStop gracefully stops the server.
func (s *Server) GracefulStop() error {
	s.closeServices()
	return s.httpServer.Shutdown(context.Background())
}

func (s *Server) isServiceEnabled(name string) bool {
	for _, disabled := range s.conf.DisabledServices {
		if disabled == name {
			return false
		}
	}
	for _, enabled := range s.conf.EnabledServices {
		if enabled == name {
			return true
		}
	}
	return false
}

func (s *Server) isMiddlewareEnabled(name string) bool {
	for _, enabled := range s.conf.EnabledMiddlewares {
		if enabled == name {
			return true
		}
	}
	return false
}

func (s *Server) registerServices() error {
	for name, newFunc := range global.Services {
		if !s.isServiceEnabled(name) {
			continue
		}
		log := s.log.With().Str("service", name).Logger()
		svc, err := newFunc(s.conf.Services[name], &log)
		if err != nil {
			return errors.Wrapf(err, "rhttp: error creating service %s", name)
		}
		s.handlers[svc.Prefix()] = svc.Handler()
		s.svcs[svc.Prefix()] = svc
		s.unprotected = append(s.unprotected, getUnprotected(svc.Prefix(), svc.Unprotected())...)
		s.log.Info().Msgf("http service enabled: %s@/%s", name, svc.Prefix())
	}
	return nil
}

func (s *Server) registerMiddlewares() error {
	middlewares := []*middlewareTriple{}
	for name, newFunc := range global.NewMiddlewares {
		if !s.isMiddlewareEnabled(name) {
			continue
		}
		conf := make(map[string]interface{}, len(s.conf.Middlewares[name])+1)
		for k, v := range s.conf.Middlewares[name] {
			conf[k] = v
		}
		// hand every middleware the paths the services declared
		// credential-free.
		conf["unprotected"] = s.unprotected
		m, prio, err := newFunc(conf)
		if err != nil {
			return errors.Wrap(err, "rhttp: error creating middleware: "+name)
		}
		middlewares = append(middlewares, &middlewareTriple{
			Name:       name,
			Priority:   prio,
			Middleware: m,
		})
		s.log.Info().Msgf("http middleware enabled: %s", name)
	}
	s.middlewares = middlewares
	return nil
}

// TODO(labkode): if the http server is exposed under a basename we need to prepend
// to prefix.
func getUnprotected(prefix string, unprotected []string) []string {
	for i := range unprotected {
		unprotected[i] = path.Join("/", prefix, unprotected[i])
	}
	return unprotected
}

// clean the url putting a slash (/) at the beginning if it does not have it
// and removing the slashes at the end
// if the url is "/", the output is "".
func cleanURL(url string) string {
	if len(url) > 0 {
		if url[0] != '/' {
			url = "/" + url
		}
		url = strings.TrimRight(url, "/")
	}
	return url
}

func urlHasPrefix(url, prefix string) bool {
	url = cleanURL(url)
	prefix = cleanURL(prefix)

	partsURL := strings.Split(url, "/")
	partsPrefix := strings.Split(prefix, "/")

	if len(partsPrefix) > len(partsURL) {
		return false
	}

	for i, p := range partsPrefix {
		u := partsURL[i]
		if p != u {
			return false
		}
	}

	return true
}

func (s *Server) getHandlerLongestCommonURL(url string) (http.Handler, string, bool) {
	var match string

	for k := range s.handlers {
		if urlHasPrefix(url, k) && len(k) > len(match) {
			match = k
		}
	}

	h, ok := s.handlers[match]
	return h, match, ok
}

func getSubURL(url, prefix string) string {
	// pre cond: prefix is a prefix for url
	// example: url = "/api/v0/", prefix = "/api", res = "/v0"
	url = cleanURL(url)
	prefix = cleanURL(prefix)

	return url[len(prefix):]
}

func (s *Server) getHandler() http.Handler {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// find by longest common path
		if h, url, ok := s.getHandlerLongestCommonURL(r.URL.Path); ok {
			s.log.Debug().Msgf("http routing: url=%s svc=%s", r.URL.Path, url)
			r.URL.Path = getSubURL(r.URL.Path, url)
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
			h.ServeHTTP(w, r)
			return
		}

		s.log.Debug().Msgf("http routing: url=%s svc=not-found", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	})

	// sort middlewares by priority, lower priority ends up outermost.
	sort.SliceStable(s.middlewares, func(i, j int) bool {
		return s.middlewares[i].Priority > s.middlewares[j].Priority
	})

	// the appctx middleware is internal and always runs first, every
	// other middleware relies on the request logger it injects.
	s.middlewares = append(s.middlewares, &middlewareTriple{Middleware: appctx.New(s.log), Name: "appctx"})

	handler := http.Handler(h)
	for _, triple := range s.middlewares {
		s.log.Debug().Msgf("chaining http middleware %s with priority %d", triple.Name, triple.Priority)
		handler = triple.Middleware(handler)
	}
	return handler
}
