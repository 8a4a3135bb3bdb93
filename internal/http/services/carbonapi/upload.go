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
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/upload"
)

// uploadResponse is the 201 body shared by both write entry points.
type uploadResponse struct {
	Uploaded []fileView `json:"uploaded"`
}

// capBody applies the shared upload limit. Zero means unlimited.
func (s *svc) capBody(w http.ResponseWriter, r *http.Request) {
	if s.conf.MaxUploadSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.conf.MaxUploadSize)
	}
}

// bodyTooLarge detects the cap placed by capBody anywhere in the cause
// chain. The multipart reader stringifies underlying read errors, so
// the message is checked as well.
func bodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return true
	}
	return strings.Contains(err.Error(), "http: request body too large")
}

func (s *svc) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	if bodyTooLarge(err) {
		err = errtypes.TooLarge("request body exceeds " + strconv.FormatInt(s.conf.MaxUploadSize, 10) + " bytes")
	}
	writeError(w, r, err)
}

func (s *svc) uploadMultipart(w http.ResponseWriter, r *http.Request) {
	s.capBody(w, r)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, r, errtypes.BadRequest("expected a multipart/form-data body: "+err.Error()))
		return
	}

	files, err := s.uploads.Multipart(r.Context(), chi.URLParam(r, "id"), mr, who(r), r.URL.Query().Get("token"))
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, uploadResponse{Uploaded: viewsOf(files)})
}

func (s *svc) uploadStream(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, r, errtypes.BadRequest("filename query parameter required"))
		return
	}

	s.capBody(w, r)
	f, err := s.uploads.Stream(r.Context(), chi.URLParam(r, "id"), filename, r.Body, who(r), r.URL.Query().Get("token"))
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, uploadResponse{Uploaded: []fileView{viewOf(f)}})
}

// patchContent applies a partial write behind the /content suffix. The
// write mode comes from the headers: an absolute slice via
// Content-Range, or X-Append for the current end.
func (s *svc) patchContent(w http.ResponseWriter, r *http.Request) {
	wild := chi.URLParam(r, "*")
	p, ok := strings.CutSuffix(wild, contentSuffix)
	if !ok {
		writeError(w, r, errtypes.NotFound("no content route at "+wild))
		return
	}

	req := upload.PatchRequest{Append: strings.EqualFold(r.Header.Get("X-Append"), "true")}
	if !req.Append {
		cr := r.Header.Get("Content-Range")
		if cr == "" {
			writeError(w, r, errtypes.BadRequest("partial writes need a Content-Range header or X-Append: true"))
			return
		}
		start, _, err := parseContentRange(cr)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.Offset = start
	}

	s.capBody(w, r)
	f, err := s.uploads.Patch(r.Context(), chi.URLParam(r, "id"), p, r.Body, req, who(r), r.URL.Query().Get("token"))
	if err != nil {
		s.writeUploadError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, viewOf(f))
}

// parseContentRange reads the "bytes {start}-{end}/*" form carried on
// partial writes. The end is inclusive and the complete length must
// stay unknown, a trailing total would promise more than the store
// verifies.
func parseContentRange(s string) (start, end int64, err error) {
	rest, ok := strings.CutPrefix(s, "bytes ")
	if !ok {
		return 0, 0, errtypes.BadRequest("malformed Content-Range: expected bytes unit")
	}
	span, total, ok := strings.Cut(rest, "/")
	if !ok || strings.TrimSpace(total) != "*" {
		return 0, 0, errtypes.BadRequest("malformed Content-Range: expected an unknown total, as in bytes 0-99/*")
	}
	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, errtypes.BadRequest("malformed Content-Range: missing separator")
	}
	start, err = strconv.ParseInt(strings.TrimSpace(from), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, errtypes.BadRequest("malformed Content-Range: bad start")
	}
	end, err = strconv.ParseInt(strings.TrimSpace(to), 10, 64)
	if err != nil || end < start {
		return 0, 0, errtypes.BadRequest("malformed Content-Range: bad end")
	}
	return start, end, nil
}
