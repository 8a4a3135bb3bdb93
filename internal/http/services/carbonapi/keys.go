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

	"github.com/go-chi/chi/v5"

	"github.com/carbonfiles/carbonfiles/pkg/apikey"
)

func (s *svc) createKey(w http.ResponseWriter, r *http.Request) {
	var req apikey.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	created, err := s.keys.Create(r.Context(), req, who(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

func (s *svc) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context(), who(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, keys)
}

func (s *svc) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.Delete(r.Context(), chi.URLParam(r, "prefix"), who(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) keyUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.keys.Usage(r.Context(), chi.URLParam(r, "prefix"), who(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, usage)
}
