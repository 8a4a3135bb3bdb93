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

package blobstore_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/carbonfiles/carbonfiles/pkg/blobstore"
	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
)

var _ = Describe("Blobstore", func() {
	var (
		tmpRoot string
		ctx     context.Context
		bs      *blobstore.Blobstore

		bucketID = "a1b2c3d4e5"
		data     = []byte("1234567890")

		read = func(path string) []byte {
			f, err := bs.Open(bucketID, path)
			Expect(err).ToNot(HaveOccurred())
			defer f.Close()
			content, err := io.ReadAll(f)
			Expect(err).ToNot(HaveOccurred())
			return content
		}
	)

	BeforeEach(func() {
		var err error
		tmpRoot, err = os.MkdirTemp("", "carbon-blobstore-test")
		Expect(err).ToNot(HaveOccurred())

		ctx = context.Background()
		bs, err = blobstore.New(filepath.Join(tmpRoot, "blobs"), nil)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		if tmpRoot != "" {
			os.RemoveAll(tmpRoot)
		}
	})

	It("creates the root directory if it doesn't exist", func() {
		_, err := os.Stat(filepath.Join(tmpRoot, "blobs"))
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("Store", func() {
		It("writes the blob and reports its size", func() {
			n, err := bs.Store(ctx, bucketID, "docs/readme.txt", bytes.NewReader(data))
			Expect(err).ToNot(HaveOccurred())
			Expect(n).To(Equal(int64(len(data))))
			Expect(read("docs/readme.txt")).To(Equal(data))
		})

		It("keeps bucket directories flat", func() {
			_, err := bs.Store(ctx, bucketID, "a/deeply/nested file.bin", bytes.NewReader(data))
			Expect(err).ToNot(HaveOccurred())

			entries, err := os.ReadDir(filepath.Join(tmpRoot, "blobs", bucketID))
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].IsDir()).To(BeFalse())
		})

		It("contains traversal attempts inside the bucket", func() {
			_, err := bs.Store(ctx, bucketID, "../../etc/passwd", bytes.NewReader(data))
			Expect(err).ToNot(HaveOccurred())
			Expect(read("../../etc/passwd")).To(Equal(data))

			_, err = os.Stat(filepath.Join(tmpRoot, "etc"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})

		It("leaves no temp files behind", func() {
			_, err := bs.Store(ctx, bucketID, "a.txt", bytes.NewReader(data))
			Expect(err).ToNot(HaveOccurred())

			entries, err := os.ReadDir(filepath.Join(tmpRoot, "blobs", bucketID))
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
		})

		It("replaces content atomically on re-upload", func() {
			_, err := bs.Store(ctx, bucketID, "a.txt", bytes.NewReader(data))
			Expect(err).ToNot(HaveOccurred())
			_, err = bs.Store(ctx, bucketID, "a.txt", bytes.NewReader([]byte("new")))
			Expect(err).ToNot(HaveOccurred())
			Expect(read("a.txt")).To(Equal([]byte("new")))
		})
	})

	Context("with an existing blob", func() {
		BeforeEach(func() {
			_, err := bs.Store(ctx, bucketID, "a.txt", bytes.NewReader(data))
			Expect(err).ToNot(HaveOccurred())
		})

		Describe("Open", func() {
			It("returns NotFound for missing blobs", func() {
				_, err := bs.Open(bucketID, "missing.txt")
				var nf errtypes.NotFound
				Expect(errors.As(err, &nf)).To(BeTrue())
			})
		})

		Describe("Size", func() {
			It("returns the byte size", func() {
				size, err := bs.Size(bucketID, "a.txt")
				Expect(err).ToNot(HaveOccurred())
				Expect(size).To(Equal(int64(len(data))))
			})
		})

		Describe("Patch", func() {
			It("overwrites a segment in place", func() {
				size, err := bs.Patch(ctx, bucketID, "a.txt", bytes.NewReader([]byte("xx")), 2, false)
				Expect(err).ToNot(HaveOccurred())
				Expect(size).To(Equal(int64(len(data))))
				Expect(read("a.txt")).To(Equal([]byte("12xx567890")))
			})

			It("extends the blob when the segment crosses the end", func() {
				size, err := bs.Patch(ctx, bucketID, "a.txt", bytes.NewReader([]byte("abcd")), 8, false)
				Expect(err).ToNot(HaveOccurred())
				Expect(size).To(Equal(int64(12)))
				Expect(read("a.txt")).To(Equal([]byte("12345678abcd")))
			})

			It("appends at the current end", func() {
				size, err := bs.Patch(ctx, bucketID, "a.txt", bytes.NewReader([]byte("xyz")), 0, true)
				Expect(err).ToNot(HaveOccurred())
				Expect(size).To(Equal(int64(13)))
				Expect(read("a.txt")).To(Equal([]byte("1234567890xyz")))
			})

			It("rejects offsets beyond the end", func() {
				_, err := bs.Patch(ctx, bucketID, "a.txt", bytes.NewReader([]byte("x")), 11, false)
				var rns errtypes.RangeNotSatisfiable
				Expect(errors.As(err, &rns)).To(BeTrue())
			})

			It("returns NotFound for missing blobs", func() {
				_, err := bs.Patch(ctx, bucketID, "missing.txt", bytes.NewReader([]byte("x")), 0, false)
				var nf errtypes.NotFound
				Expect(errors.As(err, &nf)).To(BeTrue())
			})
		})

		Describe("Delete", func() {
			It("removes the blob and tolerates repeats", func() {
				Expect(bs.Delete(bucketID, "a.txt")).To(Succeed())
				Expect(bs.Delete(bucketID, "a.txt")).To(Succeed())

				_, err := bs.Open(bucketID, "a.txt")
				var nf errtypes.NotFound
				Expect(errors.As(err, &nf)).To(BeTrue())
			})
		})

		Describe("DeleteBucket", func() {
			It("removes the whole bucket directory", func() {
				Expect(bs.DeleteBucket(bucketID)).To(Succeed())
				_, err := os.Stat(filepath.Join(tmpRoot, "blobs", bucketID))
				Expect(os.IsNotExist(err)).To(BeTrue())

				Expect(bs.DeleteBucket(bucketID)).To(Succeed())
			})
		})
	})
})
