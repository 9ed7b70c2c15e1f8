package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const eventBufSize = 200

// EventBroadcaster keeps a ring buffer of recent broker lifecycle events and
// fans new ones out to SSE subscribers.
type EventBroadcaster struct {
	mu   sync.Mutex
	buf  []string
	subs []chan string
}

// NewEventBroadcaster creates an empty broadcaster.
func NewEventBroadcaster() *EventBroadcaster {
	return &EventBroadcaster{buf: make([]string, 0, eventBufSize)}
}

// Broadcast publishes one named event. Implements broker.EventFunc.
func (eb *EventBroadcaster) Broadcast(name string, data any) {
	payload, err := json.Marshal(map[string]any{
		"event": name,
		"data":  data,
		"ts":    time.Now().Unix(),
	})
	if err != nil {
		slog.Error("failed to marshal broadcast event", "event", name, "error", err)
		return
	}
	line := string(payload)

	eb.mu.Lock()
	eb.buf = append(eb.buf, line)
	if len(eb.buf) > eventBufSize {
		eb.buf = eb.buf[len(eb.buf)-eventBufSize:]
	}
	for _, ch := range eb.subs {
		select {
		case ch <- line:
		default: // slow consumer: drop rather than block
		}
	}
	eb.mu.Unlock()
}

// Subscribe returns a snapshot of recent events, a channel for new ones, and
// a cancel func that must be called when the subscriber is done.
func (eb *EventBroadcaster) Subscribe() (history []string, ch <-chan string, cancel func()) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	history = make([]string, len(eb.buf))
	copy(history, eb.buf)

	c := make(chan string, 128)
	eb.subs = append(eb.subs, c)

	cancel = func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		for i, s := range eb.subs {
			if s == c {
				eb.subs = append(eb.subs[:i], eb.subs[i+1:]...)
				break
			}
		}
		close(c)
	}
	return history, c, cancel
}

// handleEventStream is the SSE endpoint: recent history first, then live
// events until the client goes away.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		errorResponse(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		errorResponse(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	history, ch, cancel := s.events.Subscribe()
	defer cancel()

	rc := http.NewResponseController(w)
	write := func(line string) bool {
		_ = rc.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, line := range history {
		if !write(line) {
			return
		}
	}

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if !write(line) {
				return
			}
		case <-keepalive.C:
			_ = rc.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
