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
	"net/http"

	"github.com/carbonfiles/carbonfiles/pkg/appctx"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
)

// apiError is the uniform failure body. Hint is optional advice for the
// caller and omitted when there is nothing useful to say.
type apiError struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// writeJSON marshals v and writes it with the given status. Marshal
// failures turn into a bare 500, the body is gone at that point anyway.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		appctx.GetLogger(r.Context()).Error().Err(err).Msg("error marshalling response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(js); err != nil {
		appctx.GetLogger(r.Context()).Debug().Err(err).Msg("error writing response")
	}
}

// writeError translates a service failure into the status table once, at
// the boundary. Unclassified errors are logged with their cause chain
// and surface as an opaque 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	var hint string

	switch err.(type) {
	case errtypes.IsBadRequest:
		status = http.StatusBadRequest
	case errtypes.IsMissingCredential:
		status = http.StatusUnauthorized
		hint = "supply a credential via the Authorization header"
	case errtypes.IsPermissionDenied, errtypes.IsInvalidCredentials:
		status = http.StatusForbidden
	case errtypes.IsNotFound:
		status = http.StatusNotFound
	case errtypes.IsAlreadyExists, errtypes.IsConflict:
		status = http.StatusConflict
	case errtypes.IsTooLarge:
		status = http.StatusRequestEntityTooLarge
		hint = "the request body exceeds the configured upload limit"
	case errtypes.IsRangeNotSatisfiable:
		status = http.StatusRequestedRangeNotSatisfiable
	case errtypes.IsNotSupported:
		status = http.StatusNotImplemented
	case errtypes.IsUnavailable:
		status = http.StatusServiceUnavailable
		hint = "the metadata store is unreachable, retry later"
	default:
		appctx.GetLogger(r.Context()).Error().Err(err).Msg("request failed")
		writeJSON(w, r, http.StatusInternalServerError, apiError{Error: "internal server error"})
		return
	}

	writeJSON(w, r, status, apiError{Error: message(err), Hint: hint})
}

// message strips the taxonomy prefix off a typed error so clients see
// only the operative part.
func message(err error) string {
	switch e := err.(type) {
	case errtypes.NotFound:
		return "not found: " + string(e)
	case errtypes.AlreadyExists:
		return "already exists: " + string(e)
	case errtypes.BadRequest:
		return string(e)
	case errtypes.PermissionDenied:
		return string(e)
	case errtypes.MissingCredential:
		return string(e)
	case errtypes.InvalidCredentials:
		return string(e)
	case errtypes.Conflict:
		return string(e)
	case errtypes.TooLarge:
		return string(e)
	case errtypes.RangeNotSatisfiable:
		return string(e)
	case errtypes.NotSupported:
		return string(e)
	case errtypes.Unavailable:
		return string(e)
	default:
		return err.Error()
	}
}
