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
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// who returns the identity the auth interceptor resolved, or the public
// one when the interceptor is disabled.
func who(r *http.Request) *auth.Context {
	if c, ok := auth.ContextGet(r.Context()); ok {
		return c
	}
	return auth.Public
}

// decodeJSON reads a JSON request body into v. An absent body reads as
// the zero request, the per-field validation happens in the services.
// Malformed bodies are bad requests, never internal errors.
func decodeJSON(r *http.Request, v interface{}) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return errtypes.BadRequest("malformed json body: " + err.Error())
	}
	return nil
}

// listOptions reads limit, offset, sort_by and sort_order. Values it
// cannot parse fall back to the service defaults; the sort whitelist is
// enforced by the store.
func listOptions(r *http.Request) metadata.ListOptions {
	q := r.URL.Query()
	opts := metadata.ListOptions{
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil {
		opts.Offset = v
	}
	return opts
}

// boolParam reads a query flag. Only "true" and "1" count as set.
func boolParam(r *http.Request, name string) bool {
	v := strings.ToLower(r.URL.Query().Get(name))
	return v == "true" || v == "1"
}
