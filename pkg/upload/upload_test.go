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

package upload_test

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
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
	"github.com/carbonfiles/carbonfiles/pkg/shorturl"
	"github.com/carbonfiles/carbonfiles/pkg/upload"
	"github.com/carbonfiles/carbonfiles/pkg/uploadtoken"
)

var (
	ownerA = &auth.Context{Role: auth.RoleOwner, Owner: "owner-a", KeyPrefix: "cf4_aaaaaaaa_"}
	ownerB = &auth.Context{Role: auth.RoleOwner, Owner: "owner-b", KeyPrefix: "cf4_bbbbbbbb_"}
)

type fixture struct {
	svc     *upload.Service
	store   metadata.Store
	blobs   *blobstore.Blobstore
	cache   *cache.Cache
	bus     *stream.Memory
	buckets *bucket.Service
	tokens  *uploadtoken.Service
	bucket  *metadata.Bucket
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
	files := file.New(store, blobs, c, buckets, bus, nil)
	shorts := shorturl.New(store, c, buckets, bus, nil)
	tokens := uploadtoken.New(store, c, buckets, nil)

	b, err := buckets.Create(context.Background(), bucket.CreateRequest{Name: "drop"}, ownerA)
	require.NoError(t, err)

	svc := upload.New(upload.Deps{
		Store:   store,
		Blobs:   blobs,
		Cache:   c,
		Buckets: buckets,
		Files:   files,
		Shorts:  shorts,
		Tokens:  tokens,
		Pub:     bus,
	})

	return &fixture{
		svc:     svc,
		store:   store,
		blobs:   blobs,
		cache:   c,
		bus:     bus,
		buckets: buckets,
		tokens:  tokens,
		bucket:  b,
	}
}

func (f *fixture) stream(t *testing.T, name, content string) *metadata.File {
	t.Helper()
	row, err := f.svc.Stream(context.Background(), f.bucket.ID, name, strings.NewReader(content), ownerA, "")
	require.NoError(t, err)
	return row
}

func (f *fixture) blobContent(t *testing.T, p string) string {
	t.Helper()
	r, err := f.blobs.Open(f.bucket.ID, p)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestStreamAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var denied errtypes.PermissionDenied

	_, err := f.svc.Stream(ctx, f.bucket.ID, "a.txt", strings.NewReader("x"), auth.Public, "")
	require.ErrorAs(t, err, &denied)

	_, err = f.svc.Stream(ctx, f.bucket.ID, "a.txt", strings.NewReader("x"), ownerB, "")
	require.ErrorAs(t, err, &denied)

	// An unknown token is a permission problem, not a missing resource.
	_, err = f.svc.Stream(ctx, f.bucket.ID, "a.txt", strings.NewReader("x"), auth.Public,
		"cfu_000000000000000000000000000000000000000000000000")
	require.ErrorAs(t, err, &denied)

	// A token minted for another bucket does not transfer.
	other, err := f.buckets.Create(ctx, bucket.CreateRequest{Name: "other"}, ownerA)
	require.NoError(t, err)
	tok, err := f.tokens.Create(ctx, other.ID, uploadtoken.CreateRequest{}, ownerA)
	require.NoError(t, err)
	_, err = f.svc.Stream(ctx, f.bucket.ID, "a.txt", strings.NewReader("x"), auth.Public, tok.Token)
	require.ErrorAs(t, err, &denied)
}

func TestStreamInsert(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ch, err := events.Consume(f.bus, "test", events.FileCreated{})
	require.NoError(t, err)

	row, err := f.svc.Stream(ctx, f.bucket.ID, "/Docs/Report.PDF", strings.NewReader("%PDF-1.7"), ownerA, "")
	require.NoError(t, err)

	assert.Equal(t, "docs/report.pdf", row.Path)
	assert.Equal(t, "report.pdf", row.Name)
	assert.Equal(t, "application/pdf", row.MimeType)
	assert.Equal(t, int64(8), row.Size)
	assert.Len(t, row.ShortCode, 6)

	su, err := f.store.GetShortURL(ctx, row.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, "docs/report.pdf", su.FilePath)

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.FileCount)
	assert.Equal(t, int64(8), b.TotalSize)

	assert.Equal(t, "%PDF-1.7", f.blobContent(t, "docs/report.pdf"))

	select {
	case ev := <-ch:
		created, ok := ev.(events.FileCreated)
		require.True(t, ok)
		assert.Equal(t, "docs/report.pdf", created.Path)
		require.NotNil(t, created.File)
		assert.Equal(t, row.ShortCode, created.File.ShortCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no FileCreated event received")
	}
}

func TestReuploadKeepsShortCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.stream(t, "notes.txt", "v1")

	ch, err := events.Consume(f.bus, "test", events.FileUpdated{})
	require.NoError(t, err)

	// Same logical path, different spelling and content.
	second, err := f.svc.Stream(ctx, f.bucket.ID, "Notes.TXT", strings.NewReader("second version"), ownerA, "")
	require.NoError(t, err)

	assert.Equal(t, first.ShortCode, second.ShortCode)
	assert.True(t, second.CreatedAt.Equal(first.CreatedAt), "re-upload must keep created_at")
	assert.Equal(t, int64(len("second version")), second.Size)
	assert.False(t, second.UpdatedAt.Before(first.UpdatedAt))

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.FileCount)
	assert.Equal(t, int64(len("second version")), b.TotalSize)

	assert.Equal(t, "second version", f.blobContent(t, "notes.txt"))

	select {
	case ev := <-ch:
		up, ok := ev.(events.FileUpdated)
		require.True(t, ok)
		assert.Equal(t, "notes.txt", up.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no FileUpdated event received")
	}
}

func TestTokenQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	max := int64(1)
	tok, err := f.tokens.Create(ctx, f.bucket.ID, uploadtoken.CreateRequest{MaxUploads: &max}, ownerA)
	require.NoError(t, err)

	_, err = f.svc.Stream(ctx, f.bucket.ID, "one.txt", strings.NewReader("one"), auth.Public, tok.Token)
	require.NoError(t, err)

	var denied errtypes.PermissionDenied
	_, err = f.svc.Stream(ctx, f.bucket.ID, "two.txt", strings.NewReader("two"), auth.Public, tok.Token)
	require.ErrorAs(t, err, &denied)

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.FileCount)

	row, err := f.store.GetUploadToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row.UploadsUsed)
}

func TestMultipart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	fw, err := w.CreateFormFile("file", "A.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("alpha"))
	require.NoError(t, err)

	// The field name is the path when it is not a reserved carrier name.
	fw, err = w.CreateFormField("docs/b.md")
	require.NoError(t, err)
	_, err = fw.Write([]byte("# beta"))
	require.NoError(t, err)

	// A carrier part without a filename is skipped.
	fw, err = w.CreateFormFile("upload", "")
	require.NoError(t, err)
	_, err = fw.Write([]byte("ignored"))
	require.NoError(t, err)

	require.NoError(t, w.Close())

	mr := multipart.NewReader(&body, w.Boundary())
	uploaded, err := f.svc.Multipart(ctx, f.bucket.ID, mr, ownerA, "")
	require.NoError(t, err)
	require.Len(t, uploaded, 2)
	assert.Equal(t, "a.txt", uploaded[0].Path)
	assert.Equal(t, "docs/b.md", uploaded[1].Path)
	assert.Equal(t, "text/markdown", uploaded[1].MimeType)

	assert.Equal(t, "alpha", f.blobContent(t, "a.txt"))
	assert.Equal(t, "# beta", f.blobContent(t, "docs/b.md"))

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.FileCount)
}

func TestMultipartWithoutFiles(t *testing.T) {
	f := newFixture(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	require.NoError(t, w.Close())

	mr := multipart.NewReader(&body, w.Boundary())
	_, err := f.svc.Multipart(context.Background(), f.bucket.ID, mr, ownerA, "")

	var bad errtypes.BadRequest
	require.ErrorAs(t, err, &bad)
}

func TestPatchRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.stream(t, "greeting.txt", "Hello, World!")

	row, err := f.svc.Patch(ctx, f.bucket.ID, "greeting.txt", strings.NewReader("Earth"),
		upload.PatchRequest{Offset: 7}, ownerA, "")
	require.NoError(t, err)

	assert.Equal(t, int64(13), row.Size)
	assert.False(t, row.UpdatedAt.Before(before.UpdatedAt))
	assert.Equal(t, "Hello, Earth!", f.blobContent(t, "greeting.txt"))

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), b.TotalSize)
}

func TestPatchAppend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stream(t, "log.txt", "Hello")

	row, err := f.svc.Patch(ctx, f.bucket.ID, "log.txt", strings.NewReader(", World!"),
		upload.PatchRequest{Append: true}, ownerA, "")
	require.NoError(t, err)

	assert.Equal(t, int64(13), row.Size)
	assert.Equal(t, "Hello, World!", f.blobContent(t, "log.txt"))

	b, err := f.store.GetBucket(ctx, f.bucket.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(13), b.TotalSize)
}

func TestPatchOutOfRange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stream(t, "small.txt", "tiny")

	_, err := f.svc.Patch(ctx, f.bucket.ID, "small.txt", strings.NewReader("x"),
		upload.PatchRequest{Offset: 99}, ownerA, "")
	var rangeErr errtypes.RangeNotSatisfiable
	require.ErrorAs(t, err, &rangeErr)

	_, err = f.svc.Patch(ctx, f.bucket.ID, "missing.txt", strings.NewReader("x"),
		upload.PatchRequest{Offset: 0}, ownerA, "")
	var notFound errtypes.NotFound
	require.ErrorAs(t, err, &notFound)
}

func TestPatchDoesNotConsumeToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.stream(t, "data.bin", "12345")

	max := int64(1)
	tok, err := f.tokens.Create(ctx, f.bucket.ID, uploadtoken.CreateRequest{MaxUploads: &max}, ownerA)
	require.NoError(t, err)

	_, err = f.svc.Patch(ctx, f.bucket.ID, "data.bin", strings.NewReader("67890"),
		upload.PatchRequest{Append: true}, auth.Public, tok.Token)
	require.NoError(t, err)

	// Patches ride on the token but only full uploads burn a slot.
	row, err := f.store.GetUploadToken(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(0), row.UploadsUsed)
}
