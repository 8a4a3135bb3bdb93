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

	"github.com/go-chi/chi/v5"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// contentSuffix separates the metadata route from the byte route inside
// the files wildcard. A trailing /content always selects the bytes, so
// the metadata of a file literally named ".../content" is read through
// its parent listing instead.
const contentSuffix = "/content"

// fileView decorates a file row with the short redirect it is served
// under.
type fileView struct {
	*metadata.File
	ShortURL string `json:"short_url,omitempty"`
}

func viewOf(f *metadata.File) fileView {
	v := fileView{File: f}
	if f.ShortCode != "" {
		v.ShortURL = "/s/" + f.ShortCode
	}
	return v
}

func viewsOf(files []*metadata.File) []fileView {
	views := make([]fileView, 0, len(files))
	for _, f := range files {
		views = append(views, viewOf(f))
	}
	return views
}

func (s *svc) listFiles(w http.ResponseWriter, r *http.Request) {
	page, err := s.files.List(r.Context(), chi.URLParam(r, "id"), listOptions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, struct {
		Files  []fileView `json:"files"`
		Total  int        `json:"total"`
		Limit  int        `json:"limit"`
		Offset int        `json:"offset"`
	}{viewsOf(page.Files), page.Total, page.Limit, page.Offset})
}

// getFileOrContent serves the files wildcard: bytes behind a /content
// suffix, the metadata row otherwise.
func (s *svc) getFileOrContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wild := chi.URLParam(r, "*")

	if p, ok := strings.CutSuffix(wild, contentSuffix); ok {
		s.serveContent(w, r, id, p)
		return
	}

	f, err := s.files.Get(r.Context(), id, wild)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(f))
}

func (s *svc) deleteFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.files.Delete(r.Context(), id, chi.URLParam(r, "*"), who(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
