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

// Package ident generates the identifiers and credentials handed out by
// the service. All randomness comes from crypto/rand.
package ident

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/thanhpk/randstr"
)

const (
	// BucketIDLength is the length of a bucket identifier.
	BucketIDLength = 10
	// ShortCodeLength is the length of a file short code.
	ShortCodeLength = 6

	// APIKeyPrefixLen is the length of the stored key prefix, "cf4_" plus
	// eight hex chars plus the separating underscore.
	APIKeyPrefixLen = 13

	apiKeyScheme      = "cf4_"
	uploadTokenScheme = "cfu_"
)

// NewBucketID returns a new 10 char alphanumeric bucket id.
func NewBucketID() string {
	return randstr.String(BucketIDLength)
}

// NewShortCode returns a new 6 char alphanumeric short code.
func NewShortCode() string {
	return randstr.String(ShortCodeLength)
}

// NewAPIKey generates a new API key of the form cf4_{8 hex}_{32 hex}.
// It returns the full key, the stored 13 char prefix (cf4_{8 hex}_) and
// the secret part. The two hex strings are drawn independently.
func NewAPIKey() (full, prefix, secret string, err error) {
	id, err := randomHex(4)
	if err != nil {
		return "", "", "", errors.Wrap(err, "unable to generate API key")
	}
	secret, err = randomHex(16)
	if err != nil {
		return "", "", "", errors.Wrap(err, "unable to generate API key")
	}

	prefix = apiKeyScheme + id + "_"
	full = prefix + secret
	return full, prefix, secret, nil
}

// ParseAPIKey splits a full API key into its stored prefix and secret part.
func ParseAPIKey(key string) (prefix, secret string, ok bool) {
	if !strings.HasPrefix(key, apiKeyScheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(key, apiKeyScheme)
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 || len(parts[0]) != 8 || len(parts[1]) != 32 {
		return "", "", false
	}
	return apiKeyScheme + parts[0] + "_", parts[1], true
}

// NewUploadToken generates an upload token of the form cfu_{48 hex}.
func NewUploadToken() (string, error) {
	s, err := randomHex(24)
	if err != nil {
		return "", errors.Wrap(err, "unable to generate upload token")
	}
	return uploadTokenScheme + s, nil
}

// IsUploadToken reports whether the given credential looks like an
// upload token.
func IsUploadToken(tok string) bool {
	return strings.HasPrefix(tok, uploadTokenScheme) && len(tok) == len(uploadTokenScheme)+48
}

// HashSecret returns the lowercase hex sha256 digest of the secret part
// of an API key. Only this digest is ever stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return fmt.Sprintf("%x", sum)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", b), nil
}
