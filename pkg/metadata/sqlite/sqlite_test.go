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

package sqlite_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/metadata"
	"github.com/carbonfiles/carbonfiles/pkg/metadata/sqlite"
)

var _ = Describe("Store", func() {
	var (
		store *sqlite.Store
		ctx   context.Context
		tmp   string
		now   time.Time

		newBucket = func(id, owner string, expiresAt *time.Time) *metadata.Bucket {
			return &metadata.Bucket{
				ID:        id,
				Name:      "bucket " + id,
				Owner:     owner,
				CreatedAt: now,
				ExpiresAt: expiresAt,
			}
		}
	)

	BeforeEach(func() {
		var err error
		tmp, err = os.MkdirTemp("", "carbon-sqlite-test")
		Expect(err).ToNot(HaveOccurred())
		store, err = sqlite.New(filepath.Join(tmp, "carbond.db"))
		Expect(err).ToNot(HaveOccurred())
		ctx = context.Background()
		now = time.Now().UTC().Truncate(time.Millisecond)
	})

	AfterEach(func() {
		Expect(store.Close()).To(Succeed())
		Expect(os.RemoveAll(tmp)).To(Succeed())
	})

	Describe("New", func() {
		It("creates missing parent directories", func() {
			nested, err := sqlite.New(filepath.Join(tmp, "a", "b", "carbond.db"))
			Expect(err).ToNot(HaveOccurred())
			Expect(nested.Ping(ctx)).To(Succeed())
			Expect(nested.Close()).To(Succeed())
		})

		It("bootstraps idempotently", func() {
			again, err := sqlite.New(filepath.Join(tmp, "carbond.db"))
			Expect(err).ToNot(HaveOccurred())
			Expect(again.Close()).To(Succeed())
		})
	})

	Describe("buckets", func() {
		It("round-trips all fields", func() {
			expires := now.Add(time.Hour)
			b := newBucket("a1b2c3d4e5", "alice", &expires)
			b.Description = "scratch space"
			b.OwnerKeyPrefix = "cf4_deadbeef_"
			Expect(store.CreateBucket(ctx, b)).To(Succeed())

			got, err := store.GetBucket(ctx, "a1b2c3d4e5")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Name).To(Equal("bucket a1b2c3d4e5"))
			Expect(got.Description).To(Equal("scratch space"))
			Expect(got.Owner).To(Equal("alice"))
			Expect(got.OwnerKeyPrefix).To(Equal("cf4_deadbeef_"))
			Expect(got.CreatedAt).To(Equal(now))
			Expect(*got.ExpiresAt).To(Equal(expires))
			Expect(got.LastUsedAt).To(BeNil())
			Expect(got.FileCount).To(BeZero())
		})

		It("rejects duplicate ids", func() {
			Expect(store.CreateBucket(ctx, newBucket("a1b2c3d4e5", "alice", nil))).To(Succeed())
			err := store.CreateBucket(ctx, newBucket("a1b2c3d4e5", "bob", nil))
			var dup errtypes.AlreadyExists
			Expect(errors.As(err, &dup)).To(BeTrue())
		})

		It("returns NotFound for missing ids", func() {
			_, err := store.GetBucket(ctx, "nope")
			var nf errtypes.NotFound
			Expect(errors.As(err, &nf)).To(BeTrue())
		})

		It("filters by owner and hides expired buckets", func() {
			past := now.Add(-time.Minute)
			Expect(store.CreateBucket(ctx, newBucket("alivealice", "alice", nil))).To(Succeed())
			Expect(store.CreateBucket(ctx, newBucket("deadalice0", "alice", &past))).To(Succeed())
			Expect(store.CreateBucket(ctx, newBucket("alivebob00", "bob", nil))).To(Succeed())

			page, total, err := store.ListBuckets(ctx, "alice", false, metadata.ListOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(Equal(1))
			Expect(page).To(HaveLen(1))
			Expect(page[0].ID).To(Equal("alivealice"))

			_, total, err = store.ListBuckets(ctx, "alice", true, metadata.ListOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(Equal(2))

			_, total, err = store.ListBuckets(ctx, "", true, metadata.ListOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(Equal(3))
		})

		It("paginates and keeps the full count", func() {
			for _, id := range []string{"bucket0001", "bucket0002", "bucket0003"} {
				Expect(store.CreateBucket(ctx, newBucket(id, "alice", nil))).To(Succeed())
			}
			page, total, err := store.ListBuckets(ctx, "", false, metadata.ListOptions{
				Limit: 2, Offset: 1, SortBy: "name", SortOrder: "asc",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(page).To(HaveLen(2))
			Expect(page[0].ID).To(Equal("bucket0002"))
			Expect(page[1].ID).To(Equal("bucket0003"))
		})

		It("ignores unknown sort fields", func() {
			Expect(store.CreateBucket(ctx, newBucket("bucket0001", "alice", nil))).To(Succeed())
			_, _, err := store.ListBuckets(ctx, "", false, metadata.ListOptions{SortBy: "1; DROP TABLE buckets"})
			Expect(err).ToNot(HaveOccurred())
			_, err = store.GetBucket(ctx, "bucket0001")
			Expect(err).ToNot(HaveOccurred())
		})

		It("patches name, description and expiry", func() {
			expires := now.Add(time.Hour)
			Expect(store.CreateBucket(ctx, newBucket("bucket0001", "alice", &expires))).To(Succeed())

			name := "renamed"
			Expect(store.UpdateBucket(ctx, "bucket0001", metadata.BucketPatch{Name: &name})).To(Succeed())
			got, err := store.GetBucket(ctx, "bucket0001")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Name).To(Equal("renamed"))
			Expect(got.ExpiresAt).ToNot(BeNil())

			Expect(store.UpdateBucket(ctx, "bucket0001", metadata.BucketPatch{SetExpiresAt: true})).To(Succeed())
			got, err = store.GetBucket(ctx, "bucket0001")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.ExpiresAt).To(BeNil())
		})

		It("reports NotFound when patching or deleting missing buckets", func() {
			name := "x"
			var nf errtypes.NotFound
			Expect(errors.As(store.UpdateBucket(ctx, "nope", metadata.BucketPatch{Name: &name}), &nf)).To(BeTrue())
			Expect(errors.As(store.DeleteBucket(ctx, "nope"), &nf)).To(BeTrue())
		})

		It("applies file deltas and download counts", func() {
			Expect(store.CreateBucket(ctx, newBucket("bucket0001", "alice", nil))).To(Succeed())
			Expect(store.ApplyFileDelta(ctx, "bucket0001", 2, 1024)).To(Succeed())
			Expect(store.ApplyFileDelta(ctx, "bucket0001", -1, -256)).To(Succeed())
			Expect(store.IncBucketDownloads(ctx, "bucket0001")).To(Succeed())
			Expect(store.TouchBucket(ctx, "bucket0001", now)).To(Succeed())

			got, err := store.GetBucket(ctx, "bucket0001")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.FileCount).To(Equal(int64(1)))
			Expect(got.TotalSize).To(Equal(int64(768)))
			Expect(got.DownloadCount).To(Equal(int64(1)))
			Expect(*got.LastUsedAt).To(Equal(now))
		})

		It("lists only buckets past their expiry", func() {
			past := now.Add(-time.Minute)
			future := now.Add(time.Hour)
			Expect(store.CreateBucket(ctx, newBucket("deadbucket", "alice", &past))).To(Succeed())
			Expect(store.CreateBucket(ctx, newBucket("livebucket", "alice", &future))).To(Succeed())
			Expect(store.CreateBucket(ctx, newBucket("everbucket", "alice", nil))).To(Succeed())

			expired, err := store.ExpiredBuckets(ctx, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(expired).To(HaveLen(1))
			Expect(expired[0].ID).To(Equal("deadbucket"))
		})
	})

	Describe("files", func() {
		newFile := func(path string) *metadata.File {
			return &metadata.File{
				BucketID:  "bucket0001",
				Path:      path,
				Name:      filepath.Base(path),
				Size:      42,
				MimeType:  "text/plain",
				CreatedAt: now,
				UpdatedAt: now,
			}
		}

		BeforeEach(func() {
			Expect(store.CreateBucket(ctx, newBucket("bucket0001", "alice", nil))).To(Succeed())
		})

		It("round-trips and rejects duplicates", func() {
			f := newFile("docs/readme.txt")
			f.ShortCode = "abc123"
			Expect(store.InsertFile(ctx, f)).To(Succeed())

			got, err := store.GetFile(ctx, "bucket0001", "docs/readme.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Name).To(Equal("readme.txt"))
			Expect(got.ShortCode).To(Equal("abc123"))
			Expect(got.CreatedAt).To(Equal(now))

			var dup errtypes.AlreadyExists
			Expect(errors.As(store.InsertFile(ctx, newFile("docs/readme.txt")), &dup)).To(BeTrue())
		})

		It("allows the same path in another bucket", func() {
			Expect(store.CreateBucket(ctx, newBucket("bucket0002", "alice", nil))).To(Succeed())
			Expect(store.InsertFile(ctx, newFile("docs/readme.txt"))).To(Succeed())
			other := newFile("docs/readme.txt")
			other.BucketID = "bucket0002"
			Expect(store.InsertFile(ctx, other)).To(Succeed())
		})

		It("keeps created_at and short_code on content updates", func() {
			f := newFile("report.pdf")
			f.ShortCode = "abc123"
			Expect(store.InsertFile(ctx, f)).To(Succeed())

			later := now.Add(time.Minute)
			Expect(store.UpdateFileContent(ctx, "bucket0001", "report.pdf", 4096, "application/pdf", later)).To(Succeed())

			got, err := store.GetFile(ctx, "bucket0001", "report.pdf")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Size).To(Equal(int64(4096)))
			Expect(got.MimeType).To(Equal("application/pdf"))
			Expect(got.CreatedAt).To(Equal(now))
			Expect(got.UpdatedAt).To(Equal(later))
			Expect(got.ShortCode).To(Equal("abc123"))
		})

		It("updates sizes after partial writes", func() {
			Expect(store.InsertFile(ctx, newFile("notes.txt"))).To(Succeed())
			later := now.Add(time.Minute)
			Expect(store.UpdateFileSize(ctx, "bucket0001", "notes.txt", 13, later)).To(Succeed())

			got, err := store.GetFile(ctx, "bucket0001", "notes.txt")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Size).To(Equal(int64(13)))
			Expect(got.MimeType).To(Equal("text/plain"))
		})

		It("lists by path ascending by default", func() {
			for _, p := range []string{"b.txt", "a.txt", "c.txt"} {
				Expect(store.InsertFile(ctx, newFile(p))).To(Succeed())
			}
			files, total, err := store.ListFiles(ctx, "bucket0001", metadata.ListOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(Equal(3))
			Expect(files[0].Path).To(Equal("a.txt"))
			Expect(files[2].Path).To(Equal("c.txt"))
		})

		It("deletes rows individually and per bucket", func() {
			Expect(store.InsertFile(ctx, newFile("a.txt"))).To(Succeed())
			Expect(store.InsertFile(ctx, newFile("b.txt"))).To(Succeed())

			Expect(store.DeleteFile(ctx, "bucket0001", "a.txt")).To(Succeed())
			var nf errtypes.NotFound
			Expect(errors.As(store.DeleteFile(ctx, "bucket0001", "a.txt"), &nf)).To(BeTrue())

			Expect(store.DeleteFilesByBucket(ctx, "bucket0001")).To(Succeed())
			_, total, err := store.ListFiles(ctx, "bucket0001", metadata.ListOptions{})
			Expect(err).ToNot(HaveOccurred())
			Expect(total).To(BeZero())
		})
	})

	Describe("short urls", func() {
		It("round-trips and cleans up by file and bucket", func() {
			u := &metadata.ShortURL{Code: "abc123", BucketID: "bucket0001", FilePath: "a.txt", CreatedAt: now}
			Expect(store.CreateShortURL(ctx, u)).To(Succeed())

			got, err := store.GetShortURL(ctx, "abc123")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.BucketID).To(Equal("bucket0001"))
			Expect(got.FilePath).To(Equal("a.txt"))

			var dup errtypes.AlreadyExists
			Expect(errors.As(store.CreateShortURL(ctx, u), &dup)).To(BeTrue())

			Expect(store.DeleteShortURLByPath(ctx, "bucket0001", "a.txt")).To(Succeed())
			var nf errtypes.NotFound
			_, err = store.GetShortURL(ctx, "abc123")
			Expect(errors.As(err, &nf)).To(BeTrue())

			Expect(store.CreateShortURL(ctx, u)).To(Succeed())
			Expect(store.DeleteShortURLsByBucket(ctx, "bucket0001")).To(Succeed())
			_, err = store.GetShortURL(ctx, "abc123")
			Expect(errors.As(err, &nf)).To(BeTrue())
		})
	})

	Describe("api keys", func() {
		It("stores digests and stamps usage", func() {
			k := &metadata.APIKey{Prefix: "cf4_deadbeef_", HashedSecret: "digest", Name: "ci", CreatedAt: now}
			Expect(store.CreateAPIKey(ctx, k)).To(Succeed())

			got, err := store.GetAPIKey(ctx, "cf4_deadbeef_")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.HashedSecret).To(Equal("digest"))
			Expect(got.LastUsedAt).To(BeNil())

			Expect(store.TouchAPIKey(ctx, "cf4_deadbeef_", now)).To(Succeed())
			got, err = store.GetAPIKey(ctx, "cf4_deadbeef_")
			Expect(err).ToNot(HaveOccurred())
			Expect(*got.LastUsedAt).To(Equal(now))
		})

		It("lists newest first and deletes by prefix", func() {
			older := &metadata.APIKey{Prefix: "cf4_00000001_", HashedSecret: "d", Name: "old", CreatedAt: now.Add(-time.Hour)}
			newer := &metadata.APIKey{Prefix: "cf4_00000002_", HashedSecret: "d", Name: "new", CreatedAt: now}
			Expect(store.CreateAPIKey(ctx, older)).To(Succeed())
			Expect(store.CreateAPIKey(ctx, newer)).To(Succeed())

			keys, err := store.ListAPIKeys(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(keys).To(HaveLen(2))
			Expect(keys[0].Name).To(Equal("new"))

			Expect(store.DeleteAPIKey(ctx, "cf4_00000001_")).To(Succeed())
			var nf errtypes.NotFound
			Expect(errors.As(store.DeleteAPIKey(ctx, "cf4_00000001_"), &nf)).To(BeTrue())
		})
	})

	Describe("upload tokens", func() {
		It("enforces the upload quota under consumption", func() {
			max := int64(1)
			t := &metadata.UploadToken{Token: "cfu_token", BucketID: "bucket0001", CreatedAt: now, MaxUploads: &max}
			Expect(store.CreateUploadToken(ctx, t)).To(Succeed())

			Expect(store.ConsumeUploadToken(ctx, "cfu_token", 1)).To(Succeed())
			err := store.ConsumeUploadToken(ctx, "cfu_token", 1)
			var denied errtypes.PermissionDenied
			Expect(errors.As(err, &denied)).To(BeTrue())

			got, err := store.GetUploadToken(ctx, "cfu_token")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.UploadsUsed).To(Equal(int64(1)))
			Expect(got.Exhausted()).To(BeTrue())
		})

		It("never exhausts unlimited tokens", func() {
			t := &metadata.UploadToken{Token: "cfu_token", BucketID: "bucket0001", CreatedAt: now}
			Expect(store.CreateUploadToken(ctx, t)).To(Succeed())
			Expect(store.ConsumeUploadToken(ctx, "cfu_token", 5)).To(Succeed())
			Expect(store.ConsumeUploadToken(ctx, "cfu_token", 5)).To(Succeed())

			got, err := store.GetUploadToken(ctx, "cfu_token")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.MaxUploads).To(BeNil())
			Expect(got.UploadsUsed).To(Equal(int64(10)))
		})

		It("drops every grant of a bucket", func() {
			Expect(store.CreateUploadToken(ctx, &metadata.UploadToken{Token: "cfu_a", BucketID: "bucket0001", CreatedAt: now})).To(Succeed())
			Expect(store.CreateUploadToken(ctx, &metadata.UploadToken{Token: "cfu_b", BucketID: "bucket0001", CreatedAt: now})).To(Succeed())
			Expect(store.DeleteUploadTokensByBucket(ctx, "bucket0001")).To(Succeed())

			var nf errtypes.NotFound
			_, err := store.GetUploadToken(ctx, "cfu_a")
			Expect(errors.As(err, &nf)).To(BeTrue())
		})
	})

	Describe("aggregates", func() {
		BeforeEach(func() {
			past := now.Add(-time.Minute)

			alice := newBucket("alicealive", "alice", nil)
			alice.OwnerKeyPrefix = "cf4_aaaaaaaa_"
			Expect(store.CreateBucket(ctx, alice)).To(Succeed())
			Expect(store.ApplyFileDelta(ctx, "alicealive", 2, 1000)).To(Succeed())
			Expect(store.IncBucketDownloads(ctx, "alicealive")).To(Succeed())

			bob := newBucket("bobalive00", "bob", nil)
			Expect(store.CreateBucket(ctx, bob)).To(Succeed())
			Expect(store.ApplyFileDelta(ctx, "bobalive00", 1, 500)).To(Succeed())

			dead := newBucket("dead000000", "alice", &past)
			dead.OwnerKeyPrefix = "cf4_aaaaaaaa_"
			Expect(store.CreateBucket(ctx, dead)).To(Succeed())
			Expect(store.ApplyFileDelta(ctx, "dead000000", 9, 9999)).To(Succeed())

			f := &metadata.File{BucketID: "alicealive", Path: "a.txt", Name: "a.txt", Size: 500, MimeType: "text/plain", CreatedAt: now, UpdatedAt: now}
			Expect(store.InsertFile(ctx, f)).To(Succeed())
			g := &metadata.File{BucketID: "dead000000", Path: "b.txt", Name: "b.txt", Size: 9999, MimeType: "text/plain", CreatedAt: now, UpdatedAt: now}
			Expect(store.InsertFile(ctx, g)).To(Succeed())

			k := &metadata.APIKey{Prefix: "cf4_aaaaaaaa_", HashedSecret: "d", Name: "alice", CreatedAt: now}
			Expect(store.CreateAPIKey(ctx, k)).To(Succeed())
		})

		It("excludes expired buckets from totals", func() {
			st, err := store.Stats(ctx, now)
			Expect(err).ToNot(HaveOccurred())
			Expect(st.TotalBuckets).To(Equal(int64(2)))
			Expect(st.TotalFiles).To(Equal(int64(1)))
			Expect(st.TotalSize).To(Equal(int64(1500)))
			Expect(st.TotalKeys).To(Equal(int64(1)))
			Expect(st.TotalDownloads).To(Equal(int64(1)))

			Expect(st.StorageByOwner).To(HaveKey("alice"))
			Expect(st.StorageByOwner).To(HaveKey("bob"))
			Expect(st.StorageByOwner["alice"].Buckets).To(Equal(int64(1)))
			Expect(st.StorageByOwner["alice"].TotalSize).To(Equal(int64(1000)))
			Expect(st.StorageByOwner["bob"].Downloads).To(BeZero())
		})

		It("aggregates per key prefix", func() {
			usage, err := store.KeyUsage(ctx, "cf4_aaaaaaaa_", now)
			Expect(err).ToNot(HaveOccurred())
			Expect(usage.Buckets).To(Equal(int64(1)))
			Expect(usage.TotalSize).To(Equal(int64(1000)))
			Expect(usage.Downloads).To(Equal(int64(1)))

			empty, err := store.KeyUsage(ctx, "cf4_ffffffff_", now)
			Expect(err).ToNot(HaveOccurred())
			Expect(empty.Buckets).To(BeZero())
		})
	})
})
