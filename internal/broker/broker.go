// Copyright 2025 Tom Barlow
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

// Package broker fans progress events out to the sockets currently
// subscribed to an execution. Delivery is best-effort: no persistence, no
// replay. A subscriber that fails a write is dropped.
package broker

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/tombee/discovery/internal/events"
)

// Subscriber receives serialized events for one execution.
// Send must be safe to call from multiple goroutines.
type Subscriber interface {
	Send(data []byte) error
}

// topic holds the subscriber set for one execution. Publishes to the same
// execution serialize on the topic mutex so subscribers see whole events in
// publish order.
type topic struct {
	mu   sync.Mutex
	subs map[Subscriber]struct{}
}

// Broker is an in-memory, process-local progress broker. The interface
// (Subscribe / Unsubscribe / Publish) is the seam for an external pub/sub
// in a multi-process deployment.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	logger *slog.Logger
}

// New creates a Broker.
func New(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		topics: make(map[string]*topic),
		logger: logger,
	}
}

// Subscribe registers a subscriber for an execution.
func (b *Broker) Subscribe(executionID string, sub Subscriber) {
	b.mu.Lock()
	t, ok := b.topics[executionID]
	if !ok {
		t = &topic{subs: make(map[Subscriber]struct{})}
		b.topics[executionID] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
}

// Unsubscribe removes a subscriber for an execution. Removing a subscriber
// that was never registered is a no-op.
func (b *Broker) Unsubscribe(executionID string, sub Subscriber) {
	b.mu.Lock()
	t, ok := b.topics[executionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	delete(t.subs, sub)
	empty := len(t.subs) == 0
	t.mu.Unlock()

	if empty {
		b.mu.Lock()
		// Re-check under the broker lock; a new subscriber may have raced in.
		t.mu.Lock()
		if len(t.subs) == 0 {
			delete(b.topics, executionID)
		}
		t.mu.Unlock()
		b.mu.Unlock()
	}
}

// SubscriberCount returns the number of active subscribers for an execution.
func (b *Broker) SubscriberCount(executionID string) int {
	b.mu.Lock()
	t, ok := b.topics[executionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Publish serializes the event once and delivers it to every current
// subscriber of the execution. A subscriber whose Send fails is removed.
func (b *Broker) Publish(executionID string, event events.Event) {
	b.mu.Lock()
	t, ok := b.topics[executionID]
	b.mu.Unlock()
	if !ok {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("failed to marshal progress event",
			slog.String("execution_id", executionID),
			slog.Any("error", err))
		return
	}

	// Holding the topic mutex for the whole delivery serializes concurrent
	// publishes to the same execution and preserves per-subscriber order.
	t.mu.Lock()
	defer t.mu.Unlock()

	var dead []Subscriber
	for sub := range t.subs {
		if err := sub.Send(data); err != nil {
			dead = append(dead, sub)
		}
	}
	for _, sub := range dead {
		delete(t.subs, sub)
		b.logger.Debug("dropped dead progress subscriber",
			slog.String("execution_id", executionID))
	}
}
