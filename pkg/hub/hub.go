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

// Package hub fans the event feed out to live subscribers. A subscriber
// follows a set of groups, one per bucket or per file, or everything
// when it holds the firehose. Slow subscribers lose messages rather
// than backpressure the feed.
package hub

import (
	"context"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/carbonfiles/carbonfiles/pkg/events"
	"github.com/carbonfiles/carbonfiles/pkg/prom/registry"
)

const subscriberBuffer = 32

var liveSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "carbond_hub_subscribers",
	Help: "A gauge of currently connected event subscribers.",
})

func init() {
	registry.Register("hub_metrics", func(_ context.Context, _ map[string]interface{}) ([]prometheus.Collector, error) {
		return []prometheus.Collector{liveSubscribers}, nil
	})
}

// GlobalGroup is the firehose group. Joining it requires admin rights,
// enforced by the transport at handshake.
const GlobalGroup = "global"

// BucketGroup names the group carrying every event of one bucket.
func BucketGroup(bucketID string) string { return "bucket:" + bucketID }

// FileGroup names the group carrying the events of a single file.
func FileGroup(bucketID, path string) string { return "file:" + bucketID + ":" + path }

// ValidGroup reports whether s is a well-formed group name.
func ValidGroup(s string) bool {
	if s == GlobalGroup {
		return true
	}
	if rest, ok := strings.CutPrefix(s, "bucket:"); ok {
		return rest != ""
	}
	if rest, ok := strings.CutPrefix(s, "file:"); ok {
		id, path, ok := strings.Cut(rest, ":")
		return ok && id != "" && path != ""
	}
	return false
}

// Message is one event ready for delivery, tagged with its wire name.
type Message struct {
	Type     string      `json:"type"`
	BucketID string      `json:"bucket_id,omitempty"`
	Path     string      `json:"path,omitempty"`
	Data     interface{} `json:"data"`
}

// Subscription is one live listener. Receive from C until it closes.
type Subscription struct {
	C <-chan Message

	hub *Hub
	sub *subscriber
}

// Close unregisters the subscription and closes C.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.sub)
}

type subscriber struct {
	ch     chan Message
	groups map[string]struct{}
	all    bool
}

// Hub distributes decoded events to subscribers.
type Hub struct {
	log  zerolog.Logger
	done chan struct{}

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New returns an idle hub. Call Start with a consumer to begin delivery.
func New(log *zerolog.Logger) *Hub {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Hub{
		log:  l,
		done: make(chan struct{}),
		subs: make(map[*subscriber]struct{}),
	}
}

// Start subscribes to the full event feed and dispatches in the
// background until the stream closes, then closes all subscriptions.
// The subscription is registered before Start returns, so events
// published afterwards are never missed.
func (h *Hub) Start(c events.Consumer) error {
	ch, err := events.Consume(c, "hub", events.All()...)
	if err != nil {
		return err
	}
	go func() {
		for ev := range ch {
			h.dispatch(ev)
		}
		h.closeAll()
		close(h.done)
	}()
	return nil
}

// Done is closed once the feed ended and all subscriptions are closed.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Subscribe registers a listener for the given groups. With all set,
// the listener receives every event including instance-wide ones; the
// caller is responsible for requiring admin rights first.
func (h *Hub) Subscribe(groups []string, all bool) *Subscription {
	sub := &subscriber{
		ch:  make(chan Message, subscriberBuffer),
		all: all,
	}
	if !all {
		sub.groups = make(map[string]struct{}, len(groups))
		for _, g := range groups {
			sub.groups[g] = struct{}{}
		}
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	liveSubscribers.Inc()

	return &Subscription{C: sub.ch, hub: h, sub: sub}
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
	liveSubscribers.Dec()
}

func (h *Hub) dispatch(ev interface{}) {
	msg := Message{
		Type:     wireName(ev),
		BucketID: events.BucketOf(ev),
		Path:     events.PathOf(ev),
		Data:     ev,
	}

	// Instance-wide events carry no groups and reach only the firehose.
	var groups []string
	if msg.BucketID != "" {
		groups = append(groups, BucketGroup(msg.BucketID))
		if msg.Path != "" {
			groups = append(groups, FileGroup(msg.BucketID, msg.Path))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if !sub.all && !sub.wants(groups) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			h.log.Debug().Str("type", msg.Type).Msg("dropped message for slow subscriber")
		}
	}
}

func (s *subscriber) wants(groups []string) bool {
	for _, g := range groups {
		if _, ok := s.groups[g]; ok {
			return true
		}
	}
	return false
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
		liveSubscribers.Dec()
	}
}

// wireName maps event types onto the names clients see.
func wireName(ev interface{}) string {
	switch ev.(type) {
	case events.BucketCreated:
		return "bucket.created"
	case events.BucketUpdated:
		return "bucket.updated"
	case events.BucketDeleted:
		return "bucket.deleted"
	case events.FileCreated:
		return "file.created"
	case events.FileUpdated:
		return "file.updated"
	case events.FileDeleted:
		return "file.deleted"
	case events.ShortURLCreated:
		return "shorturl.created"
	case events.ShortURLDeleted:
		return "shorturl.deleted"
	case events.SweepCompleted:
		return "sweep.completed"
	default:
		return "unknown"
	}
}
