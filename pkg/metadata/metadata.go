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

// Package metadata defines the persisted entities and the store contract.
// Cascade rules are enforced by the services, not the store, so that blob
// cleanup and cache invalidation stay aligned with row removal.
package metadata

import (
	"context"
	"time"
)

// Bucket is a namespace for files.
type Bucket struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	Owner          string     `json:"owner"`
	OwnerKeyPrefix string     `json:"owner_key_prefix,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	FileCount      int64      `json:"file_count"`
	TotalSize      int64      `json:"total_size"`
	DownloadCount  int64      `json:"download_count"`
}

// Expired reports whether the bucket expiry lies at or before now.
func (b *Bucket) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// File is the metadata row of one blob. Path is the lowercased logical
// path, Name its final segment.
type File struct {
	BucketID  string    `json:"bucket_id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type"`
	ShortCode string    `json:"short_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BucketDetail is the read model served for a single bucket: the row
// plus the first page of its files sorted by path.
type BucketDetail struct {
	*Bucket
	Files        []*File `json:"files"`
	HasMoreFiles bool    `json:"has_more_files"`
}

// ShortURL is the reverse index from short code to file.
type ShortURL struct {
	Code      string    `json:"code"`
	BucketID  string    `json:"bucket_id"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKey stores the prefix and secret digest of an issued key. The full
// key is returned exactly once at creation and never persisted.
type APIKey struct {
	Prefix       string     `json:"prefix"`
	HashedSecret string     `json:"-"`
	Name         string     `json:"name"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// UploadToken is a single bucket write grant.
type UploadToken struct {
	Token       string     `json:"token"`
	BucketID    string     `json:"bucket_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	MaxUploads  *int64     `json:"max_uploads,omitempty"`
	UploadsUsed int64      `json:"uploads_used"`
}

// Exhausted reports whether the token has no upload slots left.
func (t *UploadToken) Exhausted() bool {
	return t.MaxUploads != nil && t.UploadsUsed >= *t.MaxUploads
}

// Expired reports whether the token expiry lies at or before now.
func (t *UploadToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// BucketPatch carries the updatable bucket fields. Nil pointers leave the
// field untouched; SetExpiresAt with a nil ExpiresAt clears the expiry.
type BucketPatch struct {
	Name         *string
	Description  *string
	ExpiresAt    *time.Time
	SetExpiresAt bool
}

// Empty reports whether the patch changes nothing.
func (p BucketPatch) Empty() bool {
	return p.Name == nil && p.Description == nil && !p.SetExpiresAt
}

// ListOptions control pagination and ordering of list queries.
type ListOptions struct {
	Limit     int
	Offset    int
	SortBy    string
	SortOrder string // "asc" or "desc"
}

// BucketSortFields whitelists the sortable bucket columns.
var BucketSortFields = map[string]string{
	"name":         "name",
	"created_at":   "created_at",
	"expires_at":   "expires_at",
	"last_used_at": "last_used_at",
	"total_size":   "total_size",
}

// FileSortFields whitelists the sortable file columns.
var FileSortFields = map[string]string{
	"name":       "name",
	"path":       "path",
	"size":       "size",
	"created_at": "created_at",
	"updated_at": "updated_at",
	"mime_type":  "mime_type",
}

// Stats aggregates the totals served on the stats endpoint. Expired
// buckets and their content are excluded.
type Stats struct {
	TotalBuckets   int64                  `json:"total_buckets"`
	TotalFiles     int64                  `json:"total_files"`
	TotalSize      int64                  `json:"total_size"`
	TotalKeys      int64                  `json:"total_keys"`
	TotalDownloads int64                  `json:"total_downloads"`
	StorageByOwner map[string]*OwnerUsage `json:"storage_by_owner"`
}

// OwnerUsage aggregates bucket usage for one owner name or key.
type OwnerUsage struct {
	Buckets   int64 `json:"buckets"`
	TotalSize int64 `json:"total_size"`
	Downloads int64 `json:"downloads"`
}

// Store is the metadata persistence contract. Implementations return
// errtypes.NotFound when an addressed row does not exist.
type Store interface {
	// Buckets.
	CreateBucket(ctx context.Context, b *Bucket) error
	GetBucket(ctx context.Context, id string) (*Bucket, error)
	// ListBuckets returns one page plus the total row count before
	// pagination. An empty owner lists all owners.
	ListBuckets(ctx context.Context, owner string, includeExpired bool, opts ListOptions) ([]*Bucket, int, error)
	UpdateBucket(ctx context.Context, id string, patch BucketPatch) error
	DeleteBucket(ctx context.Context, id string) error
	TouchBucket(ctx context.Context, id string, at time.Time) error
	// ApplyFileDelta atomically adjusts the aggregate counters.
	ApplyFileDelta(ctx context.Context, id string, files, size int64) error
	IncBucketDownloads(ctx context.Context, id string) error
	ExpiredBuckets(ctx context.Context, now time.Time) ([]*Bucket, error)

	// Files.
	GetFile(ctx context.Context, bucketID, path string) (*File, error)
	InsertFile(ctx context.Context, f *File) error
	// UpdateFileContent refreshes size, mime type and updated_at of an
	// existing row, preserving created_at and short_code.
	UpdateFileContent(ctx context.Context, bucketID, path string, size int64, mimeType string, updatedAt time.Time) error
	UpdateFileSize(ctx context.Context, bucketID, path string, size int64, updatedAt time.Time) error
	ListFiles(ctx context.Context, bucketID string, opts ListOptions) ([]*File, int, error)
	DeleteFile(ctx context.Context, bucketID, path string) error
	DeleteFilesByBucket(ctx context.Context, bucketID string) error

	// Short URLs.
	CreateShortURL(ctx context.Context, s *ShortURL) error
	GetShortURL(ctx context.Context, code string) (*ShortURL, error)
	DeleteShortURL(ctx context.Context, code string) error
	DeleteShortURLByPath(ctx context.Context, bucketID, path string) error
	DeleteShortURLsByBucket(ctx context.Context, bucketID string) error

	// API keys.
	CreateAPIKey(ctx context.Context, k *APIKey) error
	GetAPIKey(ctx context.Context, prefix string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, prefix string) error
	TouchAPIKey(ctx context.Context, prefix string, at time.Time) error

	// Upload tokens.
	CreateUploadToken(ctx context.Context, t *UploadToken) error
	GetUploadToken(ctx context.Context, token string) (*UploadToken, error)
	ConsumeUploadToken(ctx context.Context, token string, n int64) error
	DeleteUploadTokensByBucket(ctx context.Context, bucketID string) error

	// Aggregates.
	Stats(ctx context.Context, now time.Time) (*Stats, error)
	KeyUsage(ctx context.Context, prefix string, now time.Time) (*OwnerUsage, error)

	Ping(ctx context.Context) error
	Close() error
}
