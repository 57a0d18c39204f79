// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/danielgtaylor/huma/v2"

	"github.com/tollgate-dev/tollgate/internal/gateway"
)

// subscriberBuffer is each SSE subscriber's queue depth. A subscriber that
// falls this far behind starts losing events rather than stalling ingest.
const subscriberBuffer = 64

// Broadcaster fans gateway stream events out to SSE subscribers. It
// implements gateway.Publisher; Publish never blocks.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan gateway.StreamEvent]struct{}
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: map[chan gateway.StreamEvent]struct{}{}}
}

// Publish delivers an event to every subscriber, dropping it for any whose
// buffer is full.
func (b *Broadcaster) Publish(event gateway.StreamEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The channel is closed on cancel or broadcaster close.
func (b *Broadcaster) Subscribe() (<-chan gateway.StreamEvent, func()) {
	ch := make(chan gateway.StreamEvent, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Close shuts down all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}

func (s *Server) registerStreamRoute() {
	s.router.Get("/api/v1/events/stream", s.handleEventStream)

	// Register the operation in the OpenAPI spec manually. The stream
	// handler needs raw http.ResponseWriter access for flushing, so it
	// cannot use Huma's standard handler signature. The chi route above
	// does the actual work; this entry documents it.
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "event-stream",
		Method:      http.MethodGet,
		Path:        "/api/v1/events/stream",
		Summary:     "Live decision stream via SSE",
		Description: "Subscribe to enforcement decisions, completions, and resets as they happen.",
		Tags:        []string{"invocations"},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Server-sent event stream",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {
						Schema: &huma.Schema{
							Type:        "string",
							Description: "Stream of decision events",
						},
					},
				},
			},
		},
	})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	// Subscribe before sending headers: once the client sees the response
	// start, its events are guaranteed to be queued.
	events, cancel := s.broadcaster.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		// httptest.ResponseRecorder doesn't implement Flusher, but the
		// events are still written for testability.
		flusher = nil
	}
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
