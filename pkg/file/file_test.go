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

package file_test

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfiles/carbonfiles/pkg/auth"
	"github.com/carbonfiles/carbonfiles/pkg/blobstore"
	"github.com/carbonfiles/carbonfiles/pkg/bucket"
	"github.com/carbonfiles/carbonfiles/pkg/cache"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/events/stream"
	"github.com/carbonfiles/carbonfiles/pkg/file"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/metadata/sqlite"
)

var (
	ownerA = &auth.Context{Role: auth.RoleOwner, Owner: "owner-a", KeyPrefix: "cf4_aaaaaaaa_"}
	ownerB = &auth.Context{Role: auth.RoleOwner, Owner: "owner-b", KeyPrefix: "cf4_bbbbbbbb_"}
)

type fixture struct {
	svc    *file.Service
	store  metadata.Store
	blobs  *blobstore.Blobstore
	cache  *cache.Cache
	bus    *stream.Memory
	bucket *metadata.Bucket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := sqlite.New(filepath.Join(dir, "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := blobstore.New(filepath.Join(dir, "blobs"), nil)
	require.NoError(t, err)

	c := cache.New(0)
	bus := stream.InMemory()
	t.Cleanup(bus.Close)

	buckets := bucket.New(store, blobs, c, bus, nil)
	b, err := buckets.Create(context.Background(), bucket.CreateRequest{Name: "drop"}, ownerA)
	require.NoError(t, err)

	return &fixture{
		svc:    file.New(store, blobs, c, buckets, bus, nil),
		store:  store,
		blobs:  blobs,
		cache:  c,
		bus:    bus,
		bucket: b,
	}
}

func (f *fixture) addFile(t *testing.T, p, content, shortCode string) *metadata.File {
	t.Helper()
	ctx := context.Background()

	_, err := f.blobs.Store(ctx, f.bucket.ID, p, strings.NewReader(content))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Millisecond)
	row := &metadata.File{
		BucketID:  f.bucket.ID,
		Path:      p,
		Name:      path.Base(p),
		Size:      int64(len(content)),
		MimeType:  "text/plain",
		ShortCode: shortCode,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.InsertFile(ctx, row))
	require.NoError(t, f.store.ApplyFileDelta(ctx, f.bucket.ID, 1, row.Size))
	if shortCode != "" {
		require.NoError(t, f.store.CreateShortURL(ctx, &metadata.ShortURL{
			Code: shortCode, BucketID: f.bucket.ID, FilePath: p, CreatedAt: now,
		}))
	}
	return row
}

func TestNormalize(t *testing.T) {
	got, err := file.Normalize("  /Docs/Readme.TXT/ ")
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.txt", got)

	_, err = file.Normalize("   // ")
	var bad errtypes.BadRequest
	require.ErrorAs(t, err, &bad)

	_, err = file.Normalize(strings.Repeat("a", 1025))
	require.ErrorAs(t, err, &bad)
}

func TestListSortsAndPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFile(t, "c.txt", "ccc", "")
	f.addFile(t, "a.txt", "a", "")
	f.addFile(t, "b.txt", "bb", "")

	page, err := f.svc.List(ctx, f.bucket.ID, metadata.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Files, 3)
	assert.Equal(t, "a.txt", page.Files[0].Path)

	page, err = f.svc.List(ctx, f.bucket.ID, metadata.ListOptions{Limit: 2, SortBy: "size", SortOrder: "desc"})
	require.NoError(t, err)
	require.Len(t, page.Files, 2)
	assert.Equal(t, "c.txt", page.Files[0].Path)
	assert.Equal(t, "b.txt", page.Files[1].Path)

	_, err = f.svc.List(ctx, "nosuchbkt0", metadata.ListOptions{})
	var notFound errtypes.NotFound
	require.ErrorAs(t, err, &notFound)
}

func TestGetCachesAndNormalizes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addFile(t, "docs/readme.txt", "hello", "abc123")

	got, err := f.svc.Get(ctx, f.bucket.ID, "/Docs/Readme.txt")
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.txt", got.Path)
	assert.Equal(t, "abc123", got.ShortCode)

	// Second read hits the cache.
	require.NoError(t, f.store.DeleteFile(ctx, f.bucket.ID, "docs/readme.txt"))
	got, err = f.svc.Get(ctx, f.bucket.ID, "docs/readme.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Size)

	_, err = f.svc.Get(ctx, f.bucket.ID, "missing.txt")
	var notFound errtypes.NotFound
	require.ErrorAs(t, err, &notFound)
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	row := f.addFile(t, "docs/readme.txt", "hello", "abc123")
	f.addFile(t, "keep.txt", "kept", "")

	err := f.svc.Delete(ctx, f.bucket.ID, row.Path, ownerB)
	var denied errtypes.PermissionDenied
	require.ErrorAs(t, err, &denied)

	ch, err := events.Consume(f.bus, "test", events.FileDeleted{})
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, f.bucket.ID, row.Path, ownerA))

	var notFound errtypes.NotFound
	_, err = f.store.GetFile(ctx, f.bucket.ID, row.Path)
	require.ErrorAs(t, err, &notFound)
	_, err = f.store.GetShortURL(ctx, "abc123")
	require.ErrorAs(t, err, &notFound)
	_, err = f.blobs.Open(f.bucket.ID, row.Path)
	require.ErrorAs(t, err, &notFound)

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.FileCount)
	assert.Equal(t, int64(4), b.TotalSize)

	select {
	case ev := <-ch:
		deleted, ok := ev.(events.FileDeleted)
		require.True(t, ok)
		assert.Equal(t, row.Path, deleted.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestDeleteMissingFile(t *testing.T) {
	f := newFixture(t)

	err := f.svc.Delete(context.Background(), f.bucket.ID, "missing.txt", ownerA)
	var notFound errtypes.NotFound
	require.ErrorAs(t, err, &notFound)

	b, err := f.store.GetBucket(context.Background(), f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.FileCount)
}

func TestUpdateSizeReconciles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	row := f.addFile(t, "grow.txt", "12345", "")

	got, err := f.svc.UpdateSize(ctx, f.bucket.ID, row.Path, 13)
	require.NoError(t, err)
	assert.Equal(t, int64(13), got.Size)

	stored, err := f.store.GetFile(ctx, f.bucket.ID, row.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(13), stored.Size)
	assert.True(t, stored.UpdatedAt.After(row.UpdatedAt) || stored.UpdatedAt.Equal(row.UpdatedAt))

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), b.TotalSize)
	assert.Equal(t, int64(1), b.FileCount)
}

func TestTouchDownloaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.TouchDownloaded(ctx, f.bucket.ID)

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.DownloadCount)
	require.NotNil(t, b.LastUsedAt)
	assert.WithinDuration(t, time.Now(), *b.LastUsedAt, time.Minute)
}
