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

// Package download parses HTTP Range headers for content handlers.
package download

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNoOverlap is returned by ParseRange when the request addresses only
// bytes past the end of the content. RFC 7233 wants a 416 with a
// Content-Range of "bytes */{size}" for it.
var ErrNoOverlap = errors.New("invalid range: failed to overlap")

// Range is one requested slice of the content.
type Range struct {
	Start, Length int64
}

// ContentRange renders the Content-Range header value for a 206
// response of the given total size.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.Start+r.Length-1, size)
}

// ParseRange interprets a Range header against a body of the given
// size. Supported forms per RFC 7233: "s-e", "s-" and the suffix "-n".
// Malformed values are errors; syntactically fine ranges that lie fully
// beyond the content yield ErrNoOverlap.
func ParseRange(s string, size int64) ([]Range, error) {
	if s == "" {
		return nil, nil
	}
	const b = "bytes="
	if !strings.HasPrefix(s, b) {
		return nil, errors.New("invalid range: unsupported unit")
	}

	var ranges []Range
	noOverlap := false
	for _, ra := range strings.Split(s[len(b):], ",") {
		ra = strings.TrimSpace(ra)
		if ra == "" {
			continue
		}
		start, end, ok := strings.Cut(ra, "-")
		if !ok {
			return nil, errors.New("invalid range: missing separator")
		}
		start, end = strings.TrimSpace(start), strings.TrimSpace(end)

		var r Range
		if start == "" {
			// Suffix form "-n": the final n bytes. An empty length is
			// malformed, an oversized one means the whole body.
			if end == "" || end[0] == '-' {
				return nil, errors.New("invalid range: bad suffix length")
			}
			n, err := strconv.ParseInt(end, 10, 64)
			if n < 0 || err != nil {
				return nil, errors.New("invalid range: bad suffix length")
			}
			if n > size {
				n = size
			}
			r.Start = size - n
			r.Length = n
		} else {
			i, err := strconv.ParseInt(start, 10, 64)
			if err != nil || i < 0 {
				return nil, errors.New("invalid range: bad start")
			}
			if i >= size {
				// The range begins after the body. The whole spec may
				// still overlap through another element, so only record
				// the miss here.
				noOverlap = true
				continue
			}
			r.Start = i
			if end == "" {
				r.Length = size - r.Start
			} else {
				j, err := strconv.ParseInt(end, 10, 64)
				if err != nil || r.Start > j {
					return nil, errors.New("invalid range: bad end")
				}
				if j >= size {
					j = size - 1
				}
				r.Length = j - r.Start + 1
			}
		}
		ranges = append(ranges, r)
	}

	if noOverlap && len(ranges) == 0 {
		return nil, ErrNoOverlap
	}
	return ranges, nil
}

// SumRangesSize adds up the lengths of all ranges, to catch range sets
// larger than the body itself.
func SumRangesSize(ranges []Range) int64 {
	var size int64
	for _, ra := range ranges {
		size += ra.Length
	}
	return size
}
