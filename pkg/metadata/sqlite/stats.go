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
	"time"

	"github.com/pkg/errors"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// Stats aggregates instance-wide totals. Buckets already past their
// expiry are left out even when the sweeper has not collected them yet.
func (s *Store) Stats(ctx context.Context, now time.Time) (*metadata.Stats, error) {
	st := &metadata.Stats{StorageByOwner: map[string]*metadata.OwnerUsage{}}
	nowMS := now.UnixMilli()

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_size), 0), COALESCE(SUM(download_count), 0)
		 FROM buckets WHERE expires_at IS NULL OR expires_at > ?`, nowMS).
		Scan(&st.TotalBuckets, &st.TotalSize, &st.TotalDownloads)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error aggregating buckets")
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM files f JOIN buckets b ON b.id = f.bucket_id
		 WHERE b.expires_at IS NULL OR b.expires_at > ?`, nowMS).
		Scan(&st.TotalFiles)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error counting files")
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM api_keys").Scan(&st.TotalKeys); err != nil {
		return nil, errors.Wrap(err, "sqlite: error counting api keys")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT owner, COUNT(*), COALESCE(SUM(total_size), 0), COALESCE(SUM(download_count), 0)
		 FROM buckets WHERE expires_at IS NULL OR expires_at > ? GROUP BY owner`, nowMS)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error aggregating owners")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			owner string
			usage metadata.OwnerUsage
		)
		if err := rows.Scan(&owner, &usage.Buckets, &usage.TotalSize, &usage.Downloads); err != nil {
			return nil, errors.Wrap(err, "sqlite: error scanning owner row")
		}
		st.StorageByOwner[owner] = &usage
	}
	return st, rows.Err()
}

// KeyUsage aggregates the unexpired buckets created with one key prefix.
func (s *Store) KeyUsage(ctx context.Context, prefix string, now time.Time) (*metadata.OwnerUsage, error) {
	var usage metadata.OwnerUsage
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(total_size), 0), COALESCE(SUM(download_count), 0)
		 FROM buckets WHERE owner_key_prefix = ? AND (expires_at IS NULL OR expires_at > ?)`,
		prefix, now.UnixMilli()).
		Scan(&usage.Buckets, &usage.TotalSize, &usage.Downloads)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: error aggregating key usage")
	}
	return &usage, nil
}
