package stream

import (
	"encoding/json"
	"sync"
	"time"
)

// Run event types published on the hub.
const (
	EventRunCreated      = "run.created"
	EventRunReplayed     = "run.replayed"
	EventRunCanceled     = "run.canceled"
	EventRunBlocked      = "run.blocked"
	EventRunAborted      = "run.aborted"
	EventBatchRetry      = "batch.retry"
	EventBatchDLQ        = "batch.dlq"
	EventEvidenceStored  = "evidence.stored"
	EventEvidenceInvalid = "evidence.invalid"
)

type Event struct {
	Type   string          `json:"type"`
	Tenant string          `json:"tenant,omitempty"`
	At     string          `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType, tenant string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, Tenant: tenant, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// Hub fans run events out to websocket subscribers. Slow subscribers drop
// events rather than block publishers.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
