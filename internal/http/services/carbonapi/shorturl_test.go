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

package carbonapi_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/metadata/pool"
)

func TestShortURLResolve(t *testing.T) {
	a := newAPI(t)
	b := a.createBucket(t, ownerA, "drop")
	up := a.putFile(t, ownerA, b.ID, "Docs/Report.PDF", "%PDF-1.7")
	require.NotEmpty(t, up.ShortCode)

	w := a.do(auth.Public, http.MethodGet, "/s/"+up.ShortCode, nil)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, "/api/buckets/"+b.ID+"/files/docs/report.pdf/content", w.Header().Get("Location"))

	// the redirect target serves the bytes
	w = a.do(auth.Public, http.MethodGet, w.Header().Get("Location"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "%PDF-1.7", w.Body.String())

	w = a.do(auth.Public, http.MethodGet, "/s/zzzzzz", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestShortURLDelete(t *testing.T) {
	a := newAPI(t)
	b := a.createBucket(t, ownerA, "drop")
	up := a.putFile(t, ownerA, b.ID, "a.txt", "alpha")

	w := a.do(ownerB, http.MethodDelete, "/api/short/"+up.ShortCode, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(ownerA, http.MethodDelete, "/api/short/"+up.ShortCode, nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = a.do(auth.Public, http.MethodGet, "/s/"+up.ShortCode, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// the file itself survives its short link
	w = a.do(auth.Public, http.MethodGet, "/api/buckets/"+b.ID+"/files/a.txt/content", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestShortURLExpiresWithBucket(t *testing.T) {
	a := newAPI(t)
	b := a.createBucket(t, ownerA, "drop")
	up := a.putFile(t, ownerA, b.ID, "a.txt", "alpha")

	// the pool hands back the same store the service runs on
	store, err := pool.GetStore(a.dbPath)
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, store.UpdateBucket(context.Background(), b.ID, metadata.BucketPatch{
		ExpiresAt:    &past,
		SetExpiresAt: true,
	}))

	w := a.do(auth.Public, http.MethodGet, "/s/"+up.ShortCode, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
