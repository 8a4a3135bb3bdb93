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
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carbonfiles/carbonfiles/pkg/appctx"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/rhttp/datatx/utils/download"
)

// etagOf derives the validator clients revalidate against. Size plus
// write instant changes whenever the content does.
func etagOf(f *metadata.File) string {
	return fmt.Sprintf(`"%d-%d"`, f.Size, f.UpdatedAt.UnixMilli())
}

// serveContent implements the byte route: conditional revalidation,
// single byte ranges and the attachment toggle. HEAD returns the same
// headers without a body.
func (s *svc) serveContent(w http.ResponseWriter, r *http.Request, bucketID, p string) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	f, err := s.files.Get(ctx, bucketID, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	etag := etagOf(f)

	h := w.Header()
	h.Set("Content-Type", f.MimeType)
	h.Set("Accept-Ranges", "bytes")
	h.Set("ETag", etag)
	h.Set("Last-Modified", f.UpdatedAt.UTC().Format(http.TimeFormat))
	h.Set("Cache-Control", "public, no-cache")
	if boolParam(r, "download") {
		h.Set("Content-Disposition", `attachment; filename="`+f.Name+`"`)
	}

	if notModified(r, etag, f.UpdatedAt) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	rangeHdr := r.Header.Get("Range")
	if ifRange := r.Header.Get("If-Range"); ifRange != "" && ifRange != etag {
		// The client's view of the content is stale, serve it whole.
		rangeHdr = ""
	}

	code := http.StatusOK
	offset, sendSize := int64(0), f.Size
	if rangeHdr != "" {
		ranges, err := download.ParseRange(rangeHdr, f.Size)
		if err != nil || len(ranges) != 1 || download.SumRangesSize(ranges) > f.Size {
			// Multi-range responses are deliberately not produced, they
			// read the blob several times for clients that rarely want
			// them.
			h.Set("Content-Range", fmt.Sprintf("bytes */%d", f.Size))
			writeError(w, r, errtypes.RangeNotSatisfiable(rangeHdr))
			return
		}
		ra := ranges[0]
		code = http.StatusPartialContent
		offset, sendSize = ra.Start, ra.Length
		h.Set("Content-Range", ra.ContentRange(f.Size))
	}

	h.Set("Content-Length", strconv.FormatInt(sendSize, 10))
	if r.Method == http.MethodHead {
		w.WriteHeader(code)
		return
	}

	blob, err := s.blobs.Open(bucketID, f.Path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer blob.Close()

	if offset > 0 {
		if _, err := blob.Seek(offset, io.SeekStart); err != nil {
			writeError(w, r, err)
			return
		}
	}

	w.WriteHeader(code)
	if _, err := io.CopyN(w, blob, sendSize); err != nil {
		log.Debug().Err(err).Str("bucket", bucketID).Str("path", f.Path).Msg("error copying content to response")
		return
	}

	// Download bookkeeping runs detached, the bytes are already out.
	go s.files.TouchDownloaded(context.Background(), bucketID)
}

// notModified evaluates the revalidation headers. If-None-Match wins
// over If-Modified-Since per RFC 7232; the time comparison allows one
// second of slack for the header's second resolution.
func notModified(r *http.Request, etag string, updatedAt time.Time) bool {
	if inm := r.Header.Get("If-None-Match"); inm != "" {
		for _, v := range strings.Split(inm, ",") {
			v = strings.TrimSpace(v)
			if v == etag || v == "*" {
				return true
			}
		}
		return false
	}
	if ims := r.Header.Get("If-Modified-Since"); ims != "" {
		if t, err := http.ParseTime(ims); err == nil {
			return !updatedAt.After(t.Add(time.Second))
		}
	}
	return false
}
