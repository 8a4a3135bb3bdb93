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

package carbonapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/carbonfiles/carbonfiles/pkg/appctx"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/hub"
)

const heartbeatInterval = 30 * time.Second

// serveEvents streams the live feed over server-sent events. The
// subscription is fixed at handshake, clients wanting other groups
// reconnect.
func (s *svc) serveEvents(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("subscribe")
	if raw == "" {
		writeError(w, r, errtypes.BadRequest("subscribe query parameter required, e.g. subscribe=bucket:abc123"))
		return
	}

	var groups []string
	all := false
	for _, g := range strings.Split(raw, ",") {
		g = strings.TrimSpace(g)
		if !hub.ValidGroup(g) {
			writeError(w, r, errtypes.BadRequest("invalid subscription group: "+g))
			return
		}
		if g == hub.GlobalGroup {
			if !who(r).Admin() {
				writeError(w, r, errtypes.PermissionDenied("the global feed requires admin"))
				return
			}
			all = true
			continue
		}
		groups = append(groups, g)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errtypes.NotSupported("response writer does not support streaming"))
		return
	}

	sub := s.hub.Subscribe(groups, all)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := appctx.GetLogger(r.Context())
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			// Comment lines keep idle connections alive through proxies.
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Error().Err(err).Str("type", msg.Type).Msg("skipping unmarshalable event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
