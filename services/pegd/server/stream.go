package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"pegkeeper/observability"
	"pegkeeper/services/pegd/controller"
)

const defaultStreamWriteTimeout = 10 * time.Second

// EventPayload is the wire form of a controller event.
type EventPayload struct {
	Kind   string            `json:"kind"`
	Actor  string            `json:"actor"`
	Fields map[string]string `json:"fields,omitempty"`
	Time   time.Time         `json:"time"`
}

// Hub fans controller events out to websocket subscribers. Slow subscribers lose
// events rather than blocking the controller.
type Hub struct {
	buffer       int
	writeTimeout time.Duration
	origins      []string

	mu     sync.Mutex
	nextID int
	subs   map[int]chan EventPayload
}

// NewHub constructs a hub. buffer is the per-subscriber queue length.
func NewHub(buffer int, writeTimeout time.Duration, origins []string) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultStreamWriteTimeout
	}
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Hub{buffer: buffer, writeTimeout: writeTimeout, origins: origins, subs: make(map[int]chan EventPayload)}
}

// Publish implements controller.EventSink.
func (h *Hub) Publish(_ context.Context, event controller.Event) {
	payload := EventPayload{Kind: event.Kind, Actor: event.Actor, Fields: event.Fields, Time: event.Time}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- payload:
		default:
			observability.Events().RecordDropped(event.Kind)
		}
	}
}

// Subscribe registers a listener. The returned function unsubscribes and closes the
// channel.
func (h *Hub) Subscribe() (<-chan EventPayload, func()) {
	ch := make(chan EventPayload, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// ServeHTTP upgrades the request and streams events, optionally filtered by ?kind=.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	kinds := make(map[string]struct{})
	for _, kind := range strings.Split(r.URL.Query().Get("kind"), ",") {
		if kind = strings.TrimSpace(kind); kind != "" {
			kinds[kind] = struct{}{}
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := conn.CloseRead(r.Context())
	events, unsubscribe := h.Subscribe()
	defer unsubscribe()
	if err := h.stream(ctx, conn, events, kinds); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (h *Hub) stream(ctx context.Context, conn *websocket.Conn, events <-chan EventPayload, kinds map[string]struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if len(kinds) > 0 {
				if _, want := kinds[event.Kind]; !want {
					continue
				}
			}
			data, err := json.Marshal(event)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
