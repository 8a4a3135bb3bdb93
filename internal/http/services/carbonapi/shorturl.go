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
)

// resolveShortURL turns /s/{code} into a redirect to the content
// route. A Found status keeps clients revalidating, the target moves
// when the file is re-uploaded under a new bucket.
func (s *svc) resolveShortURL(w http.ResponseWriter, r *http.Request) {
	target, err := s.shorts.Resolve(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *svc) deleteShortURL(w http.ResponseWriter, r *http.Request) {
	if err := s.shorts.Delete(r.Context(), chi.URLParam(r, "code"), who(r)); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
