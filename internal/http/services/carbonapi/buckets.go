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

	"github.com/carbonfiles/carbonfiles/pkg/appctx"
	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/uploadtoken"
)

func (s *svc) createBucket(w http.ResponseWriter, r *http.Request) {
	var req bucket.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	b, err := s.buckets.Create(r.Context(), req, who(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, b)
}

func (s *svc) listBuckets(w http.ResponseWriter, r *http.Request) {
	page, err := s.buckets.List(r.Context(), who(r), boolParam(r, "include_expired"), listOptions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, page)
}

func (s *svc) getBucket(w http.ResponseWriter, r *http.Request) {
	d, err := s.buckets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

func (s *svc) updateBucket(w http.ResponseWriter, r *http.Request) {
	var req bucket.UpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	b, err := s.buckets.Update(r.Context(), chi.URLParam(r, "id"), req, who(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, b)
}

func (s *svc) deleteBucket(w http.ResponseWriter, r *http.Request) {
	if err := s.buckets.Delete(r.Context(), chi.URLParam(r, "id"), who(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *svc) bucketSummary(w http.ResponseWriter, r *http.Request) {
	report, err := s.buckets.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte(report)); err != nil {
		appctx.GetLogger(r.Context()).Debug().Err(err).Msg("error writing summary")
	}
}

// bucketZip streams the bucket as a zip archive. Headers go out before
// the first entry, so mid-stream failures can only truncate the body.
func (s *svc) bucketZip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.buckets.Row(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.zip"`)
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := s.buckets.Zip(r.Context(), id, w); err != nil {
		appctx.GetLogger(r.Context()).Error().Err(err).Str("bucket", id).Msg("error streaming zip")
	}
}

func (s *svc) createUploadToken(w http.ResponseWriter, r *http.Request) {
	var req uploadtoken.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	t, err := s.tokens.Create(r.Context(), chi.URLParam(r, "id"), req, who(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, t)
}
