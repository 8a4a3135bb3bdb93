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

package events

import (
	"encoding/json"
	"time"

	"github.com/carbonfiles/carbonfiles/pkg/metadata"
)

// BucketCreated is emitted after a bucket row exists.
type BucketCreated struct {
	BucketID  string           `json:"bucket_id"`
	Bucket    *metadata.Bucket `json:"bucket"`
	Timestamp time.Time        `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (BucketCreated) Unmarshal(v []byte) (interface{}, error) {
	e := BucketCreated{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// BucketUpdated is emitted after bucket metadata changed. Changes maps
// the patched field names to their new values.
type BucketUpdated struct {
	BucketID  string                 `json:"bucket_id"`
	Changes   map[string]interface{} `json:"changes"`
	Timestamp time.Time              `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (BucketUpdated) Unmarshal(v []byte) (interface{}, error) {
	e := BucketUpdated{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// BucketDeleted is emitted after a bucket and its content are gone,
// whether through an explicit delete or the expiry sweep.
type BucketDeleted struct {
	BucketID  string    `json:"bucket_id"`
	Swept     bool      `json:"swept"`
	Timestamp time.Time `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (BucketDeleted) Unmarshal(v []byte) (interface{}, error) {
	e := BucketDeleted{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// FileCreated is emitted after an upload landed on a fresh path.
type FileCreated struct {
	BucketID  string         `json:"bucket_id"`
	Path      string         `json:"path"`
	File      *metadata.File `json:"file"`
	Timestamp time.Time      `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (FileCreated) Unmarshal(v []byte) (interface{}, error) {
	e := FileCreated{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// FileUpdated is emitted after the content of an existing path changed,
// through a re-upload or a partial write.
type FileUpdated struct {
	BucketID  string         `json:"bucket_id"`
	Path      string         `json:"path"`
	File      *metadata.File `json:"file"`
	Timestamp time.Time      `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (FileUpdated) Unmarshal(v []byte) (interface{}, error) {
	e := FileUpdated{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// FileDeleted is emitted after a file row and its blob are gone.
type FileDeleted struct {
	BucketID  string    `json:"bucket_id"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (FileDeleted) Unmarshal(v []byte) (interface{}, error) {
	e := FileDeleted{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// ShortURLCreated is emitted after a short code points at a file.
type ShortURLCreated struct {
	BucketID  string    `json:"bucket_id"`
	Path      string    `json:"path"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (ShortURLCreated) Unmarshal(v []byte) (interface{}, error) {
	e := ShortURLCreated{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// ShortURLDeleted is emitted after a short code was removed.
type ShortURLDeleted struct {
	BucketID  string    `json:"bucket_id"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (ShortURLDeleted) Unmarshal(v []byte) (interface{}, error) {
	e := ShortURLDeleted{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// SweepCompleted is emitted after one expiry sweep pass.
type SweepCompleted struct {
	Buckets   int       `json:"buckets"`
	Files     int64     `json:"files"`
	Bytes     int64     `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// Unmarshal to fulfill unmarshaller interface.
func (SweepCompleted) Unmarshal(v []byte) (interface{}, error) {
	e := SweepCompleted{}
	err := json.Unmarshal(v, &e)
	return e, err
}

// BucketOf returns the bucket id an event belongs to, or "" for
// instance-wide events. The hub routes on it.
func BucketOf(ev interface{}) string {
	switch e := ev.(type) {
	case BucketCreated:
		return e.BucketID
	case BucketUpdated:
		return e.BucketID
	case BucketDeleted:
		return e.BucketID
	case FileCreated:
		return e.BucketID
	case FileUpdated:
		return e.BucketID
	case FileDeleted:
		return e.BucketID
	case ShortURLCreated:
		return e.BucketID
	case ShortURLDeleted:
		return e.BucketID
	default:
		return ""
	}
}

// PathOf returns the file path an event concerns, or "" for events that
// are not scoped to a single file.
func PathOf(ev interface{}) string {
	switch e := ev.(type) {
	case FileCreated:
		return e.Path
	case FileUpdated:
		return e.Path
	case FileDeleted:
		return e.Path
	case ShortURLCreated:
		return e.Path
	default:
		return ""
	}
}

// All lists one zero value of every event type, for consumers that want
// the full feed.
func All() []Unmarshaller {
	return []Unmarshaller{
		BucketCreated{},
		BucketUpdated{},
		BucketDeleted{},
		FileCreated{},
		FileUpdated{},
		FileDeleted{},
		ShortURLCreated{},
		ShortURLDeleted{},
		SweepCompleted{},
	}
}
