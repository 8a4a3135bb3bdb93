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

// Package forwarded rewrites the request peer from the X-Forwarded-For
// and X-Forwarded-Proto headers, but only when the direct peer is a
// trusted proxy. Headers from anybody else are spoofable and ignored.
package forwarded

import (
	"net"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
)

const defaultPriority = 20

func init() {
	global.RegisterMiddleware("forwarded", New)
}

type config struct {
	Priority int `mapstructure:"priority"`
	// TrustedProxies is a list of CIDR blocks. Defaults to loopback
	// and the private ranges.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

func (c *config) init() {
	if c.Priority == 0 {
		c.Priority = defaultPriority
	}
	if len(c.TrustedProxies) == 0 {
		c.TrustedProxies = []string{"127.0.0.0/8", "::1/128", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}
	}
}

// New creates a new forwarded-header middleware.
func New(m map[string]interface{}) (global.Middleware, int, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, 0, errors.Wrap(err, "forwarded: error decoding config")
	}
	conf.init()

	trusted := make([]*net.IPNet, 0, len(conf.TrustedProxies))
	for _, cidr := range conf.TrustedProxies {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "forwarded: invalid trusted proxy %q", cidr)
		}
		trusted = append(trusted, block)
	}

	chain := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isTrusted(trusted, peerIP(r.RemoteAddr)) {
				if client := clientFromForwarded(r.Header.Get("X-Forwarded-For")); client != "" {
					r.RemoteAddr = net.JoinHostPort(client, "0")
				}
				if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
					r.URL.Scheme = proto
				}
			}
			h.ServeHTTP(w, r)
		})
	}
	return chain, conf.Priority, nil
}

func peerIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}

func isTrusted(trusted []*net.IPNet, ip net.IP) bool {
	if ip == nil {
		return false
	}
	for _, block := range trusted {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// clientFromForwarded returns the first hop of an X-Forwarded-For
// value, the client the proxy saw.
func clientFromForwarded(forwarded string) string {
	if forwarded == "" {
		return ""
	}
	first := forwarded
	if i := strings.Index(forwarded, ","); i >= 0 {
		first = forwarded[:i]
	}
	first = strings.TrimSpace(first)
	if net.ParseIP(first) == nil {
		return ""
	}
	return first
}
