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

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

const fileCols = "bucket_id, path, name, size, mime_type, short_code, created_at, updated_at"

func fileRef(bucketID, path string) string {
	return bucketID + "/" + path
}

func scanFile(row interface{ Scan(...interface{}) error }) (*metadata.File, error) {
	var (
		f         metadata.File
		shortCode sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&f.BucketID, &f.Path, &f.Name, &f.Size, &f.MimeType,
		&shortCode, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.ShortCode = nullStr(shortCode)
	f.CreatedAt = time.UnixMilli(createdAt).UTC()
	f.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &f, nil
}

// GetFile fetches one file row by its composite key.
func (s *Store) GetFile(ctx context.Context, bucketID, path string) (*metadata.File, error) {
	query := "SELECT " + fileCols + " FROM files WHERE bucket_id = ? AND path = ?"
	f, err := scanFile(s.db.QueryRowContext(ctx, query, bucketID, path))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errtypes.NotFound(fileRef(bucketID, path))
		}
		return nil, errors.Wrap(err, "sqlite: error getting file")
	}
	return f, nil
}

// InsertFile creates a new file row. A duplicate composite key returns
// errtypes.AlreadyExists so the caller can retry as an update.
func (s *Store) InsertFile(ctx context.Context, f *metadata.File) error {
	query := "INSERT INTO files (" + fileCols + ") VALUES (?,?,?,?,?,?,?,?)"
	_, err := s.db.ExecContext(ctx, query,
		f.BucketID, f.Path, f.Name, f.Size, f.MimeType, strOrNil(f.ShortCode),
		f.CreatedAt.UnixMilli(), f.UpdatedAt.UnixMilli())
	if err != nil {
		if isConstraintErr(err) {
			return errtypes.AlreadyExists(fileRef(f.BucketID, f.Path))
		}
		return errors.Wrap(err, "sqlite: error inserting file")
	}
	return nil
}

// UpdateFileContent refreshes the mutable columns of a re-uploaded file,
// keeping created_at and short_code from the first upload.
func (s *Store) UpdateFileContent(ctx context.Context, bucketID, path string, size int64, mimeType string, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET size = ?, mime_type = ?, updated_at = ? WHERE bucket_id = ? AND path = ?",
		size, mimeType, updatedAt.UnixMilli(), bucketID, path)
	if err != nil {
		return errors.Wrap(err, "sqlite: error updating file")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(fileRef(bucketID, path))
	}
	return nil
}

// UpdateFileSize stores the size after a partial write.
func (s *Store) UpdateFileSize(ctx context.Context, bucketID, path string, size int64, updatedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE files SET size = ?, updated_at = ? WHERE bucket_id = ? AND path = ?",
		size, updatedAt.UnixMilli(), bucketID, path)
	if err != nil {
		return errors.Wrap(err, "sqlite: error updating file size")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(fileRef(bucketID, path))
	}
	return nil
}

// ListFiles returns one page of a bucket's files plus the total count.
func (s *Store) ListFiles(ctx context.Context, bucketID string, opts metadata.ListOptions) ([]*metadata.File, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files WHERE bucket_id = ?", bucketID).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "sqlite: error counting files")
	}

	query := fmt.Sprintf("SELECT %s FROM files WHERE bucket_id = ? %s %s",
		fileCols,
		orderClause(opts, metadata.FileSortFields, "path", "ASC"),
		limitClause(opts))
	rows, err := s.db.QueryContext(ctx, query, bucketID)
	if err != nil {
		return nil, 0, errors.Wrap(err, "sqlite: error listing files")
	}
	defer rows.Close()

	var files []*metadata.File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "sqlite: error scanning file row")
		}
		files = append(files, f)
	}
	return files, total, rows.Err()
}

// DeleteFile removes one file row.
func (s *Store) DeleteFile(ctx context.Context, bucketID, path string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE bucket_id = ? AND path = ?", bucketID, path)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting file")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(fileRef(bucketID, path))
	}
	return nil
}

// DeleteFilesByBucket drops every file row of a bucket.
func (s *Store) DeleteFilesByBucket(ctx context.Context, bucketID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM files WHERE bucket_id = ?", bucketID)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting bucket files")
	}
	return nil
}
