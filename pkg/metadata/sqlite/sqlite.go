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

// Package sqlite implements the metadata store on a single sqlite file
// with write-ahead logging enabled.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// Store implements metadata.Store.
type Store struct {
	db *sql.DB
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS buckets (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner TEXT NOT NULL,
		owner_key_prefix TEXT,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		last_used_at INTEGER,
		file_count INTEGER NOT NULL DEFAULT 0,
		total_size INTEGER NOT NULL DEFAULT 0,
		download_count INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_owner ON buckets (owner)`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_owner_key_prefix ON buckets (owner_key_prefix)`,
	`CREATE INDEX IF NOT EXISTS idx_buckets_expires_at ON buckets (expires_at)`,
	`CREATE TABLE IF NOT EXISTS files (
		bucket_id TEXT NOT NULL,
		path TEXT NOT NULL,
		name TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
		short_code TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (bucket_id, path)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_files_bucket_id ON files (bucket_id)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_files_short_code ON files (short_code) WHERE short_code IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS short_urls (
		code TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL,
		file_path TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_short_urls_bucket_path ON short_urls (bucket_id, file_path)`,
	`CREATE TABLE IF NOT EXISTS api_keys (
		prefix TEXT PRIMARY KEY,
		hashed_secret TEXT NOT NULL,
		name TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_used_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS upload_tokens (
		token TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		max_uploads INTEGER,
		uploads_used INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_tokens_bucket_id ON upload_tokens (bucket_id)`,
}

// New opens the database file, creating its parent directory when needed,
// and bootstraps the schema. Bootstrap is idempotent.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, errors.Wrap(err, "sqlite: error creating db directory")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=off", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error opening DB connection")
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, errors.Wrap(err, "sqlite: error executing create statement")
		}
	}

	return &Store{db: db}, nil
}

// Ping verifies the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// ms converts an optional instant to a nullable unix milliseconds column.
func ms(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMS(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullStr(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

// strOrNil maps the empty string to NULL so that partial unique indexes
// on optional columns behave.
func strOrNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// orderClause builds a safe ORDER BY from a whitelisted sort field.
func orderClause(opts metadata.ListOptions, fields map[string]string, defCol, defOrder string) string {
	col, ok := fields[strings.ToLower(opts.SortBy)]
	if !ok {
		col = defCol
	}
	order := defOrder
	switch strings.ToLower(opts.SortOrder) {
	case "asc":
		order = "ASC"
	case "desc":
		order = "DESC"
	}
	return fmt.Sprintf("ORDER BY %s %s", col, order)
}

// limitClause normalizes pagination. A non-positive limit means no limit.
func limitClause(opts metadata.ListOptions) string {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}
