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
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

const bucketCols = "id, name, description, owner, owner_key_prefix, created_at, expires_at, last_used_at, file_count, total_size, download_count"

func scanBucket(row interface{ Scan(...interface{}) error }) (*metadata.Bucket, error) {
	var (
		b          metadata.Bucket
		keyPrefix  sql.NullString
		createdAt  int64
		expiresAt  sql.NullInt64
		lastUsedAt sql.NullInt64
	)
	if err := row.Scan(&b.ID, &b.Name, &b.Description, &b.Owner, &keyPrefix,
		&createdAt, &expiresAt, &lastUsedAt,
		&b.FileCount, &b.TotalSize, &b.DownloadCount); err != nil {
		return nil, err
	}
	b.OwnerKeyPrefix = nullStr(keyPrefix)
	b.CreatedAt = time.UnixMilli(createdAt).UTC()
	b.ExpiresAt = fromMS(expiresAt)
	b.LastUsedAt = fromMS(lastUsedAt)
	return &b, nil
}

// CreateBucket inserts a new bucket row.
func (s *Store) CreateBucket(ctx context.Context, b *metadata.Bucket) error {
	query := "INSERT INTO buckets (" + bucketCols + ") VALUES (?,?,?,?,?,?,?,?,?,?,?)"
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.Name, b.Description, b.Owner, strOrNil(b.OwnerKeyPrefix),
		b.CreatedAt.UnixMilli(), ms(b.ExpiresAt), ms(b.LastUsedAt),
		b.FileCount, b.TotalSize, b.DownloadCount)
	if err != nil {
		if isConstraintErr(err) {
			return errtypes.AlreadyExists(b.ID)
		}
		return errors.Wrap(err, "sqlite: error inserting bucket")
	}
	return nil
}

// GetBucket fetches one bucket by id, expired or not.
func (s *Store) GetBucket(ctx context.Context, id string) (*metadata.Bucket, error) {
	query := "SELECT " + bucketCols + " FROM buckets WHERE id = ?"
	b, err := scanBucket(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errtypes.NotFound(id)
		}
		return nil, errors.Wrap(err, "sqlite: error getting bucket")
	}
	return b, nil
}

// ListBuckets returns one page of buckets plus the total count matching
// the filter. An empty owner matches every owner.
func (s *Store) ListBuckets(ctx context.Context, owner string, includeExpired bool, opts metadata.ListOptions) ([]*metadata.Bucket, int, error) {
	var (
		where  []string
		params []interface{}
	)
	if owner != "" {
		where = append(where, "owner = ?")
		params = append(params, owner)
	}
	if !includeExpired {
		where = append(where, "(expires_at IS NULL OR expires_at > ?)")
		params = append(params, time.Now().UnixMilli())
	}
	filter := ""
	if len(where) > 0 {
		filter = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM buckets"+filter, params...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "sqlite: error counting buckets")
	}

	query := fmt.Sprintf("SELECT %s FROM buckets%s %s %s",
		bucketCols, filter,
		orderClause(opts, metadata.BucketSortFields, "created_at", "DESC"),
		limitClause(opts))
	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "sqlite: error listing buckets")
	}
	defer rows.Close()

	var buckets []*metadata.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, "sqlite: error scanning bucket row")
		}
		buckets = append(buckets, b)
	}
	return buckets, total, rows.Err()
}

// UpdateBucket applies the non-nil patch fields.
func (s *Store) UpdateBucket(ctx context.Context, id string, patch metadata.BucketPatch) error {
	if patch.Empty() {
		return nil
	}
	var (
		sets   []string
		params []interface{}
	)
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		params = append(params, *patch.Name)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		params = append(params, *patch.Description)
	}
	if patch.SetExpiresAt {
		sets = append(sets, "expires_at = ?")
		params = append(params, ms(patch.ExpiresAt))
	}
	params = append(params, id)

	res, err := s.db.ExecContext(ctx, "UPDATE buckets SET "+strings.Join(sets, ", ")+" WHERE id = ?", params...)
	if err != nil {
		return errors.Wrap(err, "sqlite: error updating bucket")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(id)
	}
	return nil
}

// DeleteBucket removes the bucket row only. File rows, short urls and
// upload tokens are cascaded by the bucket service.
func (s *Store) DeleteBucket(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM buckets WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting bucket")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(id)
	}
	return nil
}

// TouchBucket stamps last_used_at.
func (s *Store) TouchBucket(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE buckets SET last_used_at = ? WHERE id = ?", at.UnixMilli(), id)
	if err != nil {
		return errors.Wrap(err, "sqlite: error touching bucket")
	}
	return nil
}

// ApplyFileDelta adjusts the aggregate counters in one statement so
// concurrent uploads never lose increments.
func (s *Store) ApplyFileDelta(ctx context.Context, id string, files, size int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE buckets SET file_count = file_count + ?, total_size = total_size + ? WHERE id = ?",
		files, size, id)
	if err != nil {
		return errors.Wrap(err, "sqlite: error applying file delta")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(id)
	}
	return nil
}

// IncBucketDownloads bumps the download counter by one.
func (s *Store) IncBucketDownloads(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE buckets SET download_count = download_count + 1 WHERE id = ?", id)
	if err != nil {
		return errors.Wrap(err, "sqlite: error counting download")
	}
	return nil
}

// ExpiredBuckets returns every bucket whose expiry lies at or before now.
func (s *Store) ExpiredBuckets(ctx context.Context, now time.Time) ([]*metadata.Bucket, error) {
	query := "SELECT " + bucketCols + " FROM buckets WHERE expires_at IS NOT NULL AND expires_at <= ?"
	rows, err := s.db.QueryContext(ctx, query, now.UnixMilli())
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error listing expired buckets")
	}
	defer rows.Close()

	var buckets []*metadata.Bucket
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite: error scanning bucket row")
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}
