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

// Package blobstore keeps file content on the local filesystem, one
// directory per bucket. The logical path is percent-encoded into a
// single file name so bucket directories stay flat and removable in one
// call. Full uploads are atomic through a rename, partial writes take
// the blob's flock.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/errtypes"
	"github.com/carbonfiles/carbonfiles/pkg/filelocks"
)

// Blobstore provides an interface to a filesystem based blob store.
type Blobstore struct {
	root string
	log  zerolog.Logger
}

// New creates the store root if needed and returns a new Blobstore.
func New(root string, log *zerolog.Logger) (*Blobstore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, errors.Wrap(err, "blobstore: error creating root")
	}
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Blobstore{root: root, log: l}, nil
}

// encode maps a logical path onto a flat file name. Every byte outside
// [A-Za-z0-9._-] is percent-encoded, so path separators never nest.
func encode(path string) string {
	var b strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func (bs *Blobstore) bucketDir(bucketID string) string {
	return filepath.Join(bs.root, filepath.Clean(filepath.Join("/", bucketID)))
}

func (bs *Blobstore) path(bucketID, path string) string {
	return filepath.Join(bs.bucketDir(bucketID), encode(path))
}

func blobRef(bucketID, path string) string {
	return bucketID + "/" + path
}

// Store writes a complete blob. The data lands in a temp file next to
// the target and replaces it atomically, so concurrent readers see
// either the old or the new content, never a mix. Returns the number of
// bytes written.
func (bs *Blobstore) Store(ctx context.Context, bucketID, path string, r io.Reader) (int64, error) {
	dir := bs.bucketDir(bucketID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return 0, errors.Wrapf(err, "blobstore: error creating bucket dir '%s'", bucketID)
	}

	t, err := renameio.TempFile(dir, bs.path(bucketID, path))
	if err != nil {
		return 0, errors.Wrapf(err, "blobstore: error creating temp file for '%s'", blobRef(bucketID, path))
	}
	defer t.Cleanup()

	n, err := io.Copy(t, r)
	if err != nil {
		return 0, errors.Wrapf(err, "blobstore: error writing blob '%s'", blobRef(bucketID, path))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return 0, errors.Wrapf(err, "blobstore: error replacing blob '%s'", blobRef(bucketID, path))
	}

	bs.log.Debug().Str("blob", blobRef(bucketID, path)).Int64("size", n).Msg("stored blob")
	return n, nil
}

// Open returns the blob for reading. The file is a plain *os.File so
// callers can seek for range requests.
func (bs *Blobstore) Open(bucketID, path string) (*os.File, error) {
	f, err := os.Open(bs.path(bucketID, path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errtypes.NotFound(blobRef(bucketID, path))
		}
		return nil, errors.Wrapf(err, "blobstore: error opening blob '%s'", blobRef(bucketID, path))
	}
	return f, nil
}

// Size returns the current byte size of a blob.
func (bs *Blobstore) Size(bucketID, path string) (int64, error) {
	fi, err := os.Stat(bs.path(bucketID, path))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errtypes.NotFound(blobRef(bucketID, path))
		}
		return 0, errors.Wrapf(err, "blobstore: error statting blob '%s'", blobRef(bucketID, path))
	}
	return fi.Size(), nil
}

// Patch writes data into an existing blob at the given offset, or at the
// current end when app is true. The blob's exclusive flock is held for
// the whole read-modify-write. Returns the blob size after the write.
// Offsets outside [0, size] yield errtypes.RangeNotSatisfiable.
func (bs *Blobstore) Patch(ctx context.Context, bucketID, path string, r io.Reader, offset int64, app bool) (int64, error) {
	target := bs.path(bucketID, path)

	lock, err := filelocks.AcquireWriteLock(target)
	if err != nil {
		return 0, errors.Wrapf(err, "blobstore: error locking blob '%s'", blobRef(bucketID, path))
	}
	defer func() {
		if rerr := filelocks.ReleaseLock(lock); rerr != nil {
			bs.log.Error().Err(rerr).Str("blob", blobRef(bucketID, path)).Msg("error releasing blob lock")
		}
	}()

	f, err := os.OpenFile(target, os.O_WRONLY, 0600)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errtypes.NotFound(blobRef(bucketID, path))
		}
		return 0, errors.Wrapf(err, "blobstore: error opening blob '%s'", blobRef(bucketID, path))
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrapf(err, "blobstore: error statting blob '%s'", blobRef(bucketID, path))
	}
	size := fi.Size()
	if app {
		offset = size
	} else if offset < 0 || offset > size {
		return 0, errtypes.RangeNotSatisfiable(fmt.Sprintf("offset %d outside [0, %d]", offset, size))
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "blobstore: error seeking blob '%s'", blobRef(bucketID, path))
	}
	n, err := io.Copy(f, r)
	if err != nil {
		return 0, errors.Wrapf(err, "blobstore: error patching blob '%s'", blobRef(bucketID, path))
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	newSize := size
	if offset+n > size {
		newSize = offset + n
	}
	bs.log.Debug().Str("blob", blobRef(bucketID, path)).Int64("offset", offset).Int64("written", n).Msg("patched blob")
	return newSize, nil
}

// Delete removes a blob. A blob that is already gone is not an error.
func (bs *Blobstore) Delete(bucketID, path string) error {
	err := os.Remove(bs.path(bucketID, path))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "blobstore: error deleting blob '%s'", blobRef(bucketID, path))
	}
	return nil
}

// DeleteBucket removes a bucket directory with all its blobs.
func (bs *Blobstore) DeleteBucket(bucketID string) error {
	if err := os.RemoveAll(bs.bucketDir(bucketID)); err != nil {
		return errors.Wrapf(err, "blobstore: error deleting bucket '%s'", bucketID)
	}
	bs.log.Debug().Str("bucket", bucketID).Msg("deleted bucket blobs")
	return nil
}
