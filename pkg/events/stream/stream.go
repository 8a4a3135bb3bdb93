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

// Package stream provides the streaming clients used by the Consume and
// Publish helpers: a nats jetstream client for multi-process setups and
// an in-process fan-out used by default and in tests.
package stream

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-micro/plugins/v4/events/natsjs"
	"github.com/nats-io/nats.go"
	"go-micro.dev/v4/events"

	"github.com/carbonfiles/carbonfiles/pkg/logger"
)

// NatsConfig holds the jetstream connection settings.
type NatsConfig struct {
	Endpoint string
	Cluster  string
	Username string
	Password string
}

// Nats returns a nats streaming client. It retries exponentially to
// connect to the nats server.
func Nats(c NatsConfig) (events.Stream, error) {
	nopts := nats.GetDefaultOptions()
	nopts.Name = "carbond"
	if c.Endpoint != "" {
		nopts.Servers = []string{c.Endpoint}
	}
	if c.Username != "" && c.Password != "" {
		nopts.User = c.Username
		nopts.Password = c.Password
	}

	opts := []natsjs.Option{
		natsjs.Address(c.Endpoint),
		natsjs.ClusterID(c.Cluster),
		natsjs.NatsOptions(nopts),
	}

	b := backoff.NewExponentialBackOff()
	var stream events.Stream
	o := func() error {
		n := b.NextBackOff()
		s, err := natsjs.NewStream(opts...)
		if err != nil && n > time.Second {
			logger.New().Error().Err(err).Msgf("can't connect to nats (jetstream) server, retrying in %s", n)
		}
		stream = s
		return err
	}

	err := backoff.Retry(o, b)
	return stream, err
}

// Memory is an in-process stream that copies every published event to
// each subscriber. Subscriber channels are buffered; a consumer that
// stops draining loses events instead of blocking publishers.
type Memory struct {
	mu     sync.Mutex
	subs   []chan events.Event
	closed bool
}

const subscriberBuffer = 128

// InMemory returns a ready to use in-process stream.
func InMemory() *Memory {
	return &Memory{}
}

// Publish implementation.
func (m *Memory) Publish(topic string, msg interface{}, _ ...events.PublishOption) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ev := events.Event{
		Topic:     topic,
		Payload:   b,
		Timestamp: time.Now(),
		Metadata:  map[string]string{"eventtype": reflect.TypeOf(msg).String()},
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("stream closed")
	}
	for _, sub := range m.subs {
		select {
		case sub <- ev:
		default:
		}
	}
	return nil
}

// Consume implementation. Every call registers an independent
// subscriber receiving its own copy of the feed.
func (m *Memory) Consume(_ string, _ ...events.ConsumeOption) (<-chan events.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("stream closed")
	}
	ch := make(chan events.Event, subscriberBuffer)
	m.subs = append(m.subs, ch)
	return ch, nil
}

// Close ends the stream and closes all subscriber channels.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for _, sub := range m.subs {
		close(sub)
	}
	m.subs = nil
}

// Chan is a channel based streaming client. Useful for tests.
type Chan [2]chan interface{}

// Publish implementation.
func (ch Chan) Publish(_ string, msg interface{}, _ ...events.PublishOption) error {
	go func() {
		ch[0] <- msg
	}()
	return nil
}

// Consume implementation.
func (ch Chan) Consume(_ string, _ ...events.ConsumeOption) (<-chan events.Event, error) {
	evch := make(chan events.Event)
	go func() {
		for {
			e := <-ch[1]
			if e == nil {
				// channel closed
				return
			}
			b, _ := json.Marshal(e)
			evname := reflect.TypeOf(e).String()
			evch <- events.Event{
				Payload:  b,
				Metadata: map[string]string{"eventtype": evname},
			}
		}
	}()
	return evch, nil
}
