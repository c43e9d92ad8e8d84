package server

import (
	"sync"

	"go.uber.org/zap"

	"weavectl/internal/api"
)

// eventBuffer is per-weaver; a weaver that stops draining loses events and
// recovers via its own resync, so publishes never block the service.
const eventBuffer = 64

// Hub fans peer events out to each weaver's live control connection. It is
// constructor-injected into the Service — deliberately not a process-wide
// singleton.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]chan api.PeerEvent
	log  *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{subs: make(map[string][]chan api.PeerEvent), log: log}
}

// Attach subscribes a weaver's connection. The returned cancel func must
// be called when the connection goes away.
func (h *Hub) Attach(weaverID string) (<-chan api.PeerEvent, func()) {
	ch := make(chan api.PeerEvent, eventBuffer)
	h.mu.Lock()
	h.subs[weaverID] = append(h.subs[weaverID], ch)
	h.mu.Unlock()

	// The channel is detached but never closed here: Publish may hold a
	// reference and must not race a close.
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		chans := h.subs[weaverID]
		for i, c := range chans {
			if c == ch {
				h.subs[weaverID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(h.subs[weaverID]) == 0 {
			delete(h.subs, weaverID)
		}
	}
	return ch, cancel
}

// Publish delivers an event to the weaver's connections, best-effort: a
// full buffer drops the event.
func (h *Hub) Publish(weaverID string, ev api.PeerEvent) {
	h.mu.Lock()
	chans := append([]chan api.PeerEvent(nil), h.subs[weaverID]...)
	h.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
			h.log.Warn("dropping peer event for slow weaver",
				zap.String("weaver_id", weaverID),
				zap.String("event", ev.Type),
				zap.String("session_id", ev.SessionID))
		}
	}
}

// Connected reports whether the weaver has at least one live connection.
func (h *Hub) Connected(weaverID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[weaverID]) > 0
}
