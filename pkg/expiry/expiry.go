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

// Package expiry parses the expiry values accepted on bucket, upload token
// and dashboard credential creation.
package expiry

import (
	"strconv"
	"strings"
	"time"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
)

// Defaults applied when a request carries no expiry value.
const (
	DefaultBucket      = 7 * 24 * time.Hour
	DefaultUploadToken = 24 * time.Hour
)

// presets understood besides unix timestamps and RFC 3339 instants.
// "1m" is one month, kept distinct from "15m" minutes by convention.
var presets = map[string]time.Duration{
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"2w":  14 * 24 * time.Hour,
	"1m":  30 * 24 * time.Hour,
}

// Parse turns an expiry value into an instant. The empty value applies the
// given default, "never" disables expiry, an all-digit value is a unix
// timestamp in seconds, a value containing 'T' is an RFC 3339 instant and
// everything else must be one of the presets.
func Parse(value string, def time.Duration) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		// instants persist at millisecond resolution
		t := time.Now().UTC().Add(def).Truncate(time.Millisecond)
		return &t, nil
	}
	if strings.EqualFold(value, "never") {
		return nil, nil
	}

	if isDigits(value) {
		secs, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errtypes.BadRequest("invalid expiry timestamp: " + value)
		}
		t := time.Unix(secs, 0).UTC()
		return &t, nil
	}

	if strings.ContainsRune(value, 'T') {
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			// zone-less instants are taken as UTC
			t, err = time.Parse("2006-01-02T15:04:05", value)
			if err != nil {
				return nil, errtypes.BadRequest("invalid expiry instant: " + value)
			}
		}
		t = t.UTC()
		return &t, nil
	}

	if d, ok := presets[strings.ToLower(value)]; ok {
		t := time.Now().UTC().Add(d).Truncate(time.Millisecond)
		return &t, nil
	}

	return nil, errtypes.BadRequest("invalid expiry value: " + value)
}

// ParseCapped parses like Parse but rejects results beyond now+max,
// including "never".
func ParseCapped(value string, def, max time.Duration) (*time.Time, error) {
	t, err := Parse(value, def)
	if err != nil {
		return nil, err
	}
	limit := time.Now().UTC().Add(max)
	if t == nil || t.After(limit) {
		return nil, errtypes.BadRequest("expiry exceeds maximum of " + max.String())
	}
	return t, nil
}

// Expired reports whether the given expiry lies in the past. A nil expiry
// never expires.
func Expired(t *time.Time, now time.Time) bool {
	return t != nil && !t.After(now)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
