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

package hub_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/events/stream"
	"github.com/carbonfiles/carbonfiles/pkg/hub"
)

func startHub(t *testing.T) (*hub.Hub, *stream.Memory) {
	t.Helper()
	s := stream.InMemory()
	h := hub.New(nil)
	require.NoError(t, h.Start(s))

	t.Cleanup(func() {
		s.Close()
		select {
		case <-h.Done():
		case <-time.After(2 * time.Second):
			t.Error("hub did not stop")
		}
	})
	return h, s
}

func receive(t *testing.T, c <-chan hub.Message) hub.Message {
	t.Helper()
	select {
	case m := <-c:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return hub.Message{}
	}
}

func TestBucketSubscriberReceivesOwnBucketOnly(t *testing.T) {
	h, s := startHub(t)

	sub := h.Subscribe([]string{hub.BucketGroup("a1b2c3d4e5")}, false)
	defer sub.Close()

	require.NoError(t, events.Publish(s, events.FileCreated{BucketID: "other00000", Path: "x"}))
	require.NoError(t, events.Publish(s, events.FileCreated{BucketID: "a1b2c3d4e5", Path: "a.txt"}))

	m := receive(t, sub.C)
	assert.Equal(t, "file.created", m.Type)
	assert.Equal(t, "a1b2c3d4e5", m.BucketID)

	created, ok := m.Data.(events.FileCreated)
	require.True(t, ok)
	assert.Equal(t, "a.txt", created.Path)
}

func TestFileSubscriberReceivesOwnPathOnly(t *testing.T) {
	h, s := startHub(t)

	sub := h.Subscribe([]string{hub.FileGroup("a1b2c3d4e5", "docs/a.txt")}, false)
	defer sub.Close()

	require.NoError(t, events.Publish(s, events.FileCreated{BucketID: "a1b2c3d4e5", Path: "docs/b.txt"}))
	require.NoError(t, events.Publish(s, events.BucketUpdated{BucketID: "a1b2c3d4e5"}))
	require.NoError(t, events.Publish(s, events.FileUpdated{BucketID: "a1b2c3d4e5", Path: "docs/a.txt"}))

	m := receive(t, sub.C)
	assert.Equal(t, "file.updated", m.Type)
	assert.Equal(t, "docs/a.txt", m.Path)
}

func TestValidGroup(t *testing.T) {
	valid := []string{"global", "bucket:a1b2c3d4e5", "file:a1b2c3d4e5:docs/a.txt"}
	for _, g := range valid {
		assert.True(t, hub.ValidGroup(g), g)
	}
	invalid := []string{"", "bucket:", "file:", "file:id", "file:id:", "everything", "bucket"}
	for _, g := range invalid {
		assert.False(t, hub.ValidGroup(g), g)
	}
}

func TestFirehoseReceivesEverything(t *testing.T) {
	h, s := startHub(t)

	sub := h.Subscribe(nil, true)
	defer sub.Close()

	require.NoError(t, events.Publish(s, events.BucketCreated{BucketID: "a1b2c3d4e5"}))
	require.NoError(t, events.Publish(s, events.SweepCompleted{Buckets: 2}))

	first := receive(t, sub.C)
	assert.Equal(t, "bucket.created", first.Type)

	second := receive(t, sub.C)
	assert.Equal(t, "sweep.completed", second.Type)
	assert.Equal(t, "", second.BucketID)
}

func TestInstanceEventsSkipBucketSubscribers(t *testing.T) {
	h, s := startHub(t)

	bucketSub := h.Subscribe([]string{hub.BucketGroup("a1b2c3d4e5")}, false)
	defer bucketSub.Close()
	fire := h.Subscribe(nil, true)
	defer fire.Close()

	require.NoError(t, events.Publish(s, events.SweepCompleted{Buckets: 1}))
	require.NoError(t, events.Publish(s, events.BucketDeleted{BucketID: "a1b2c3d4e5", Swept: true}))

	// The bucket subscriber must only see the delete.
	m := receive(t, bucketSub.C)
	assert.Equal(t, "bucket.deleted", m.Type)

	assert.Equal(t, "sweep.completed", receive(t, fire.C).Type)
	assert.Equal(t, "bucket.deleted", receive(t, fire.C).Type)
}

func TestCloseStopsDelivery(t *testing.T) {
	h, s := startHub(t)

	sub := h.Subscribe([]string{hub.BucketGroup("a1b2c3d4e5")}, false)
	sub.Close()
	sub.Close() // idempotent

	require.NoError(t, events.Publish(s, events.FileCreated{BucketID: "a1b2c3d4e5"}))

	_, open := <-sub.C
	assert.False(t, open)
}

func TestSubscriptionsCloseWhenStreamEnds(t *testing.T) {
	s := stream.InMemory()
	h := hub.New(nil)
	require.NoError(t, h.Start(s))

	sub := h.Subscribe(nil, true)
	s.Close()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}

	select {
	case _, open := <-sub.C:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not close")
	}
}
