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
	"time"

	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// CreateShortURL inserts the code to file mapping.
func (s *Store) CreateShortURL(ctx context.Context, u *metadata.ShortURL) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO short_urls (code, bucket_id, file_path, created_at) VALUES (?,?,?,?)",
		u.Code, u.BucketID, u.FilePath, u.CreatedAt.UnixMilli())
	if err != nil {
		if isConstraintErr(err) {
			return errtypes.AlreadyExists(u.Code)
		}
		return errors.Wrap(err, "sqlite: error inserting short url")
	}
	return nil
}

// GetShortURL resolves a short code.
func (s *Store) GetShortURL(ctx context.Context, code string) (*metadata.ShortURL, error) {
	var (
		u         metadata.ShortURL
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT code, bucket_id, file_path, created_at FROM short_urls WHERE code = ?", code).
		Scan(&u.Code, &u.BucketID, &u.FilePath, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errtypes.NotFound(code)
		}
		return nil, errors.Wrap(err, "sqlite: error getting short url")
	}
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}

// DeleteShortURL removes one code.
func (s *Store) DeleteShortURL(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM short_urls WHERE code = ?", code)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting short url")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(code)
	}
	return nil
}

// DeleteShortURLByPath removes the codes pointing at one file.
func (s *Store) DeleteShortURLByPath(ctx context.Context, bucketID, path string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM short_urls WHERE bucket_id = ? AND file_path = ?", bucketID, path)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting short urls for file")
	}
	return nil
}

// DeleteShortURLsByBucket drops every code of a bucket.
func (s *Store) DeleteShortURLsByBucket(ctx context.Context, bucketID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM short_urls WHERE bucket_id = ?", bucketID)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting bucket short urls")
	}
	return nil
}

// CreateAPIKey stores the prefix and digest of a freshly minted key.
func (s *Store) CreateAPIKey(ctx context.Context, k *metadata.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO api_keys (prefix, hashed_secret, name, created_at, last_used_at) VALUES (?,?,?,?,?)",
		k.Prefix, k.HashedSecret, k.Name, k.CreatedAt.UnixMilli(), ms(k.LastUsedAt))
	if err != nil {
		if isConstraintErr(err) {
			return errtypes.AlreadyExists(k.Prefix)
		}
		return errors.Wrap(err, "sqlite: error inserting api key")
	}
	return nil
}

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*metadata.APIKey, error) {
	var (
		k          metadata.APIKey
		createdAt  int64
		lastUsedAt sql.NullInt64
	)
	if err := row.Scan(&k.Prefix, &k.HashedSecret, &k.Name, &createdAt, &lastUsedAt); err != nil {
		return nil, err
	}
	k.CreatedAt = time.UnixMilli(createdAt).UTC()
	k.LastUsedAt = fromMS(lastUsedAt)
	return &k, nil
}

// GetAPIKey fetches one key by its public prefix.
func (s *Store) GetAPIKey(ctx context.Context, prefix string) (*metadata.APIKey, error) {
	k, err := scanAPIKey(s.db.QueryRowContext(ctx,
		"SELECT prefix, hashed_secret, name, created_at, last_used_at FROM api_keys WHERE prefix = ?", prefix))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errtypes.NotFound(prefix)
		}
		return nil, errors.Wrap(err, "sqlite: error getting api key")
	}
	return k, nil
}

// ListAPIKeys returns every issued key, newest first.
func (s *Store) ListAPIKeys(ctx context.Context) ([]*metadata.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT prefix, hashed_secret, name, created_at, last_used_at FROM api_keys ORDER BY created_at DESC")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error listing api keys")
	}
	defer rows.Close()

	var keys []*metadata.APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite: error scanning api key row")
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteAPIKey revokes a key by prefix.
func (s *Store) DeleteAPIKey(ctx context.Context, prefix string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM api_keys WHERE prefix = ?", prefix)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting api key")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.NotFound(prefix)
	}
	return nil
}

// TouchAPIKey stamps last_used_at.
func (s *Store) TouchAPIKey(ctx context.Context, prefix string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE api_keys SET last_used_at = ? WHERE prefix = ?", at.UnixMilli(), prefix)
	if err != nil {
		return errors.Wrap(err, "sqlite: error touching api key")
	}
	return nil
}

// CreateUploadToken inserts a write grant.
func (s *Store) CreateUploadToken(ctx context.Context, t *metadata.UploadToken) error {
	var maxUploads interface{}
	if t.MaxUploads != nil {
		maxUploads = *t.MaxUploads
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO upload_tokens (token, bucket_id, created_at, expires_at, max_uploads, uploads_used) VALUES (?,?,?,?,?,?)",
		t.Token, t.BucketID, t.CreatedAt.UnixMilli(), ms(t.ExpiresAt), maxUploads, t.UploadsUsed)
	if err != nil {
		if isConstraintErr(err) {
			return errtypes.AlreadyExists(t.Token)
		}
		return errors.Wrap(err, "sqlite: error inserting upload token")
	}
	return nil
}

// GetUploadToken fetches a token row whether or not it is still usable.
func (s *Store) GetUploadToken(ctx context.Context, token string) (*metadata.UploadToken, error) {
	var (
		t          metadata.UploadToken
		createdAt  int64
		expiresAt  sql.NullInt64
		maxUploads sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT token, bucket_id, created_at, expires_at, max_uploads, uploads_used FROM upload_tokens WHERE token = ?", token).
		Scan(&t.Token, &t.BucketID, &createdAt, &expiresAt, &maxUploads, &t.UploadsUsed)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errtypes.NotFound("upload token")
		}
		return nil, errors.Wrap(err, "sqlite: error getting upload token")
	}
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.ExpiresAt = fromMS(expiresAt)
	if maxUploads.Valid {
		t.MaxUploads = &maxUploads.Int64
	}
	return &t, nil
}

// ConsumeUploadToken counts n uploads against the token quota. The guard
// in the WHERE clause keeps concurrent consumers from overshooting
// max_uploads; a failed guard surfaces as errtypes.PermissionDenied.
func (s *Store) ConsumeUploadToken(ctx context.Context, token string, n int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE upload_tokens SET uploads_used = uploads_used + ? WHERE token = ? AND (max_uploads IS NULL OR uploads_used + ? <= max_uploads)",
		n, token, n)
	if err != nil {
		return errors.Wrap(err, "sqlite: error consuming upload token")
	}
	rowCnt, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqlite: error getting affected rows")
	}
	if rowCnt == 0 {
		return errtypes.PermissionDenied("upload token exhausted")
	}
	return nil
}

// DeleteUploadTokensByBucket drops every grant of a bucket.
func (s *Store) DeleteUploadTokensByBucket(ctx context.Context, bucketID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM upload_tokens WHERE bucket_id = ?", bucketID)
	if err != nil {
		return errors.Wrap(err, "sqlite: error deleting bucket upload tokens")
	}
	return nil
}
