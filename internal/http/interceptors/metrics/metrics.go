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

// Package metrics instruments served requests with the standard
// promhttp counters and histograms.
package metrics

import (
	"context"
	"net/http"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carbonfiles/carbonfiles/pkg/prom/registry"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp/global"
)

const defaultPriority = 40

var inFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "http_in_flight_requests",
	Help: "A gauge of requests currently being served by the wrapped handler.",
})

var counter = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "http_api_requests_total",
		Help: "A counter for requests to the wrapped handler.",
	},
	[]string{"code", "method"},
)

// duration is partitioned by the HTTP method and handler. It uses custom
// buckets based on the expected request duration.
var duration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "A histogram of latencies for requests.",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10},
	},
	[]string{"handler", "method"},
)

// responseSize has no labels, making it a zero-dimensional
// ObserverVec.
var responseSize = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "A histogram of response sizes for requests.",
		Buckets: []float64{200, 500, 900, 1500},
	},
	[]string{},
)

// requestSize has no labels, making it a zero-dimensional
// ObserverVec.
var requestSize = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "http_request_size_bytes",
		Help:    "A histogram of request sizes for requests.",
		Buckets: []float64{200, 500, 900, 1500},
	},
	[]string{},
)

func init() {
	global.RegisterMiddleware("metrics", New)
	registry.Register("http_metrics", NewPromCollectors)
}

// NewPromCollectors returns the request instrumentation collectors.
func NewPromCollectors(_ context.Context, m map[string]interface{}) ([]prometheus.Collector, error) {
	return []prometheus.Collector{inFlightGauge, counter, duration, responseSize, requestSize}, nil
}

type config struct {
	Priority int `mapstructure:"priority"`
}

// New returns a new HTTP middleware that feeds the request collectors.
func New(m map[string]interface{}) (global.Middleware, int, error) {
	conf := &config{}
	if err := mapstructure.Decode(m, conf); err != nil {
		return nil, 0, err
	}

	if conf.Priority == 0 {
		conf.Priority = defaultPriority
	}

	chain := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := promhttp.InstrumentHandlerDuration(duration.MustCurryWith(prometheus.Labels{"handler": handlerLabel(r.URL.Path)}),
				promhttp.InstrumentHandlerCounter(counter,
					promhttp.InstrumentHandlerResponseSize(responseSize,
						promhttp.InstrumentHandlerRequestSize(requestSize,
							promhttp.InstrumentHandlerInFlight(inFlightGauge, h),
						),
					),
				),
			)
			wrapped.ServeHTTP(w, r)
		})
	}
	return chain, conf.Priority, nil
}

// handlerLabel is the top level route segment. File paths must not end
// up as label values, the cardinality would grow with every upload.
func handlerLabel(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.Index(path, "/"); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	return path
}
