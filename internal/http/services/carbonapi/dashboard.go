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
	"net/http"
	"strings"
	"time"

	"github.com/carbonfiles/carbonfiles/pkg/dashboard"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/expiry"
)

type mintRequest struct {
	ExpiresIn string `json:"expires_in"`
}

type mintResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scope     string    `json:"scope"`
}

type grantView struct {
	Scope            string    `json:"scope"`
	ExpiresAt        time.Time `json:"expires_at"`
	RemainingSeconds int64     `json:"remaining_seconds"`
}

// issueDashboardToken trades the admin key for a browser-safe JWT.
// Lifetimes parse like bucket expiries but cap at 24 hours, "never"
// included.
func (s *svc) issueDashboardToken(w http.ResponseWriter, r *http.Request) {
	if !who(r).Admin() {
		writeError(w, r, errtypes.PermissionDenied("dashboard tokens require admin"))
		return
	}
	if s.dash == nil {
		writeError(w, r, errtypes.NotSupported("dashboard tokens need a configured jwt_secret"))
		return
	}

	var req mintRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	exp, err := expiry.ParseCapped(req.ExpiresIn, dashboard.DefaultTTL, dashboard.MaxTTL)
	if err != nil {
		writeError(w, r, err)
		return
	}

	token, expiresAt, err := s.dash.Mint(time.Until(*exp))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, mintResponse{Token: token, ExpiresAt: expiresAt, Scope: dashboard.ScopeAdmin})
}

// introspectDashboardToken validates the bearer credential on the
// request itself, so a dashboard can probe whether its session is
// still alive without touching any other resource.
func (s *svc) introspectDashboardToken(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if raw == "" {
		writeError(w, r, errtypes.MissingCredential("no bearer credential on request"))
		return
	}
	if s.dash == nil {
		writeError(w, r, errtypes.NotSupported("dashboard tokens need a configured jwt_secret"))
		return
	}

	grant, err := s.dash.Validate(raw)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, grantView{
		Scope:            grant.Scope,
		ExpiresAt:        grant.ExpiresAt.UTC(),
		RemainingSeconds: int64(grant.Remaining(time.Now()).Seconds()),
	})
}

func (s *svc) getStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Get(r.Context(), who(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}
